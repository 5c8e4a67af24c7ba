package sensor

import "time"

// DefaultInitCommand is the S3KM1110 start-reporting frame.
const DefaultInitCommand = "FDFCFBFA0800120000006400000004030201"

// DeviceConfig locates one sensor's serial line.
type DeviceConfig struct {
	Device string `yaml:"device"` // e.g. "/dev/ttyUSB1"
	Baud   int    `yaml:"baud"`
}

// Config holds settings shared by both sensors.
type Config struct {
	Inside           DeviceConfig  `yaml:"inside"`
	Outside          DeviceConfig  `yaml:"outside"`
	DetectionRange   int           `yaml:"detection_range"` // meters
	MinDistanceCM    int           `yaml:"min_distance_cm"`
	MaxDistanceCM    int           `yaml:"max_distance_cm"`
	History          int           `yaml:"history"`
	DetectionTimeout time.Duration `yaml:"detection_timeout"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	Settle           time.Duration `yaml:"settle"`
	RetryDelay       time.Duration `yaml:"retry_delay"`
	InitCommand      string        `yaml:"init_command"`
}

// DefaultConfig returns the nominal sensor settings.
func DefaultConfig() Config {
	return Config{
		Inside:           DeviceConfig{Device: "/dev/ttyUSB1", Baud: 115200},
		Outside:          DeviceConfig{Device: "/dev/ttyUSB2", Baud: 115200},
		DetectionRange:   5,
		MinDistanceCM:    50,
		MaxDistanceCM:    400,
		History:          10,
		DetectionTimeout: 2 * time.Second,
		PollInterval:     100 * time.Millisecond,
		Settle:           2 * time.Second,
		RetryDelay:       5 * time.Second,
		InitCommand:      DefaultInitCommand,
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.Inside.Device == "" {
		c.Inside.Device = d.Inside.Device
	}
	if c.Inside.Baud == 0 {
		c.Inside.Baud = d.Inside.Baud
	}
	if c.Outside.Device == "" {
		c.Outside.Device = d.Outside.Device
	}
	if c.Outside.Baud == 0 {
		c.Outside.Baud = d.Outside.Baud
	}
	if c.DetectionRange == 0 {
		c.DetectionRange = d.DetectionRange
	}
	if c.MinDistanceCM == 0 && c.MaxDistanceCM == 0 {
		c.MinDistanceCM, c.MaxDistanceCM = d.MinDistanceCM, d.MaxDistanceCM
	}
	if c.History <= 0 {
		c.History = d.History
	}
	if c.DetectionTimeout == 0 {
		c.DetectionTimeout = d.DetectionTimeout
	}
	if c.PollInterval == 0 {
		c.PollInterval = d.PollInterval
	}
	if c.Settle == 0 {
		c.Settle = d.Settle
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = d.RetryDelay
	}
	if c.InitCommand == "" {
		c.InitCommand = d.InitCommand
	}
	return c
}
