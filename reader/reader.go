// Package reader drives an M100-family UHF RFID module over a serial link:
// link verification, transmit power, single-tag inventory polling and
// debouncing of repeat reads.
package reader

import (
	"errors"
	"io"
	"time"
)

var (
	ErrNotConnected    = errors.New("reader: not connected")
	ErrVerifyFailed    = errors.New("reader: module did not answer module-info")
	ErrPowerOutOfRange = errors.New("reader: transmit power out of range")
	ErrNoAck           = errors.New("reader: no response to command")
)

// Connectivity values reported through Handlers.OnStatus.
const (
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
	StatusError        = "error"
)

// Port is the serial channel a Session talks through.
type Port interface {
	io.ReadWriteCloser
	ResetInputBuffer() error
	SetReadTimeout(t time.Duration) error
}

// Opener opens a Port on a device at a baud rate.
type Opener func(device string, baud int) (Port, error)

// Config holds reader session settings.
type Config struct {
	Device         string        `yaml:"device"` // e.g. "/dev/ttyUSB0"
	Baud           int           `yaml:"baud"`
	ReadPower      int           `yaml:"read_power"` // dBm applied after connect
	PowerMin       int           `yaml:"power_min"`
	PowerMax       int           `yaml:"power_max"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	PollWindow     time.Duration `yaml:"poll_window"`
	VerifyTimeout  time.Duration `yaml:"verify_timeout"`
	Settle         time.Duration `yaml:"settle"`
	Debounce       time.Duration `yaml:"debounce"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	ReconnectMax   time.Duration `yaml:"reconnect_max"`
}

// DefaultConfig returns the nominal settings for a USB-attached module.
func DefaultConfig() Config {
	return Config{
		Device:         "/dev/ttyUSB0",
		Baud:           115200,
		ReadPower:      26,
		PowerMin:       10,
		PowerMax:       30,
		PollInterval:   100 * time.Millisecond,
		PollWindow:     500 * time.Millisecond,
		VerifyTimeout:  500 * time.Millisecond,
		Settle:         500 * time.Millisecond,
		Debounce:       time.Second,
		ReconnectDelay: time.Second,
		ReconnectMax:   30 * time.Second,
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.Device == "" {
		c.Device = d.Device
	}
	if c.Baud == 0 {
		c.Baud = d.Baud
	}
	if c.ReadPower == 0 {
		c.ReadPower = d.ReadPower
	}
	if c.PowerMin == 0 && c.PowerMax == 0 {
		c.PowerMin, c.PowerMax = d.PowerMin, d.PowerMax
	}
	if c.PollInterval == 0 {
		c.PollInterval = d.PollInterval
	}
	if c.PollWindow == 0 {
		c.PollWindow = d.PollWindow
	}
	if c.VerifyTimeout == 0 {
		c.VerifyTimeout = d.VerifyTimeout
	}
	if c.Settle == 0 {
		c.Settle = d.Settle
	}
	if c.Debounce == 0 {
		c.Debounce = d.Debounce
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = d.ReconnectDelay
	}
	if c.ReconnectMax == 0 {
		c.ReconnectMax = d.ReconnectMax
	}
	return c
}

// Handlers receive session events. Either may be nil.
type Handlers struct {
	OnTag    func(epc string)
	OnStatus func(status string)
}
