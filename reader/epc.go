package reader

import (
	"encoding/binary"
	"encoding/hex"
	"strings"
	"sync"
	"time"
)

// Notice parameter layout: RSSI(1) | PC(2) | EPC(n) | CRC(2).
const (
	rssiLen = 1
	pcLen   = 2
	crcLen  = 2
)

// DecodeEPC extracts the EPC from inventory notice parameters as uppercase
// hex. The EPC length comes from the word count in the PC field; extra bytes
// beyond it are ignored.
func DecodeEPC(params []byte) (string, bool) {
	if len(params) < rssiLen+pcLen {
		return "", false
	}
	pc := binary.BigEndian.Uint16(params[rssiLen : rssiLen+pcLen])
	n := int((pc>>11)&0x1F) * 2

	start := rssiLen + pcLen
	if len(params) < start+n+crcLen {
		return "", false
	}
	return strings.ToUpper(hex.EncodeToString(params[start : start+n])), true
}

// Debouncer suppresses a tag repeated within the window of its original read.
// Suppressed reads leave the reference time where it was.
type Debouncer struct {
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	last string
	at   time.Time
}

func NewDebouncer(window time.Duration) *Debouncer {
	return &Debouncer{window: window, now: time.Now}
}

// Allow reports whether epc should be processed, recording it if so.
func (d *Debouncer) Allow(epc string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if epc == d.last && now.Sub(d.at) < d.window {
		return false
	}
	d.last = epc
	d.at = now
	return true
}

// Last returns the most recent accepted tag.
func (d *Debouncer) Last() (string, time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last, d.at
}
