package reader

import (
	"fmt"
	"time"

	"go.bug.st/serial"
)

// readTimeout bounds each Read so drain loops can watch their window.
const readTimeout = 20 * time.Millisecond

// OpenSerial opens device 8N1 at baud.
func OpenSerial(device string, baud int) (Port, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	}

	p, err := serial.Open(device, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", device, err)
	}
	if err := p.SetReadTimeout(readTimeout); err != nil {
		p.Close()
		return nil, fmt.Errorf("set read timeout on %s: %w", device, err)
	}
	return p, nil
}
