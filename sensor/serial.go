package sensor

import (
	"fmt"
	"io"
	"time"

	"github.com/tarm/serial"
)

// OpenSerial opens a sensor line. Reads time out after 100ms with io.EOF.
func OpenSerial(device string, baud int) (io.ReadWriteCloser, error) {
	c := &serial.Config{
		Name:        device,
		Baud:        baud,
		ReadTimeout: 100 * time.Millisecond,
	}
	port, err := serial.OpenPort(c)
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", device, err)
	}
	return port, nil
}
