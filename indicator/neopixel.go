package indicator

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// Neopixel command strings for the external neopixel tool.
const (
	neoConnectionLost = "@2 !150000 001010"
	neoNormalIdle     = "@3 !150000 400000"
	neoInbound        = "@1 !50000 8000"
	neoOutbound       = "@1 !50000 ff"
	neoTerminated     = "@0 010101"
)

// Neopixel implements Indicator using an external neopixel tool via named pipe.
type Neopixel struct {
	mu   sync.Mutex
	pipe io.WriteCloser
}

// NewNeopixel opens the neopixel tool's pipe.
func NewNeopixel(pipePath string) (*Neopixel, error) {
	f, err := os.OpenFile(pipePath, os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open neopixel pipe %s: %w", pipePath, err)
	}
	return newNeopixel(f), nil
}

func newNeopixel(w io.WriteCloser) *Neopixel {
	return &Neopixel{pipe: w}
}

func (n *Neopixel) Idle() {
	n.write(neoNormalIdle)
}

func (n *Neopixel) Inbound() {
	n.write(neoInbound)
}

func (n *Neopixel) Outbound() {
	n.write(neoOutbound)
}

func (n *Neopixel) ConnectionLost() {
	n.write(neoConnectionLost)
}

func (n *Neopixel) Shutdown() {
	n.write(neoTerminated)
}

func (n *Neopixel) Release() error {
	if n.pipe == nil {
		return nil
	}
	return n.pipe.Close()
}

func (n *Neopixel) write(s string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.pipe != nil {
		n.pipe.Write([]byte(s))
	}
}
