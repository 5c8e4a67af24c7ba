// Package indicator drives the door-side status lights.
package indicator

import (
	"fmt"
	"time"
)

// Indicator shows the doorway state. Implementations must tolerate calls
// from several goroutines.
type Indicator interface {
	// Idle: every device is up and nothing crossed recently.
	Idle()
	Inbound()
	Outbound()
	// ConnectionLost: the reader or a sensor is down.
	ConnectionLost()
	// Shutdown is the last state shown before the process exits.
	Shutdown()
	Release() error
}

// Config selects the outputs. Anything left unset is skipped.
type Config struct {
	GreenPin  *uint8 `yaml:"green_pin"`  // lit for IN
	YellowPin *uint8 `yaml:"yellow_pin"` // lit while a device is down
	RedPin    *uint8 `yaml:"red_pin"`    // lit for OUT

	NeopixelPipe string `yaml:"neopixel_pipe"` // named pipe of a neopixel daemon

	// How long a crossing stays lit before returning to idle.
	Hold time.Duration `yaml:"hold"`
}

// New opens every configured output. With none it returns a Noop; with
// several it fans out through a Multi.
func New(cfg Config) (Indicator, error) {
	var outs []Indicator

	if cfg.GreenPin != nil || cfg.YellowPin != nil || cfg.RedPin != nil {
		g, err := NewGPIO(cfg.GreenPin, cfg.YellowPin, cfg.RedPin)
		if err != nil {
			return nil, fmt.Errorf("open gpio indicator: %w", err)
		}
		outs = append(outs, g)
	}
	if cfg.NeopixelPipe != "" {
		n, err := NewNeopixel(cfg.NeopixelPipe)
		if err != nil {
			for _, o := range outs {
				o.Release()
			}
			return nil, fmt.Errorf("open neopixel indicator: %w", err)
		}
		outs = append(outs, n)
	}

	switch len(outs) {
	case 0:
		return &Noop{}, nil
	case 1:
		return outs[0], nil
	}
	return &Multi{indicators: outs}, nil
}
