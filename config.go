package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"rfidtrack/dispatch"
	"rfidtrack/eventpipe"
	"rfidtrack/indicator"
	"rfidtrack/logging"
	"rfidtrack/metrics"
	"rfidtrack/mqtt"
	"rfidtrack/reader"
	"rfidtrack/sensor"
	"rfidtrack/storage"
	"rfidtrack/tracking"
)

// Environment overrides for deployment-specific values.
const (
	envDispatcherURL = "DISPATCHER_URL"
	envMACAddress    = "RFIDTRACK_MAC_ADDRESS"
	envReaderPort    = "RFID_PORT"
	envInsidePort    = "SENSOR_INSIDE_PORT"
	envOutsidePort   = "SENSOR_OUTSIDE_PORT"
)

// Config is the main configuration structure for rfidtrack.
type Config struct {
	// Node name used for MQTT topics
	ClientID string `yaml:"client_id"`

	Reader    reader.Config    `yaml:"reader"`
	Sensors   sensor.Config    `yaml:"sensors"`
	Tracking  tracking.Config  `yaml:"tracking"`
	Storage   storage.Config   `yaml:"storage"`
	Dispatch  dispatch.Config  `yaml:"dispatch"`
	MQTT      mqtt.Config      `yaml:"mqtt"`
	Indicator indicator.Config `yaml:"indicator"`
	EventPipe eventpipe.Config `yaml:"event_pipe"`
	Log       logging.Config   `yaml:"log"`
	Metrics   metrics.Config   `yaml:"metrics"`

	// Base64 HMAC key for signed MQTT commands (empty = remote commands off)
	CommandSecret string `yaml:"command_secret"`
}

// LoadConfig reads path, applies environment overrides and defaults, and
// validates the result. A missing file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	var cfg Config

	f, err := os.Open(path)
	switch {
	case err == nil:
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
			return nil, fmt.Errorf("decode config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("open config: %w", err)
	}

	cfg.applyEnv(os.Getenv)
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv(envDispatcherURL); v != "" {
		c.Dispatch.URL = v
	}
	if v := getenv(envMACAddress); v != "" {
		c.Dispatch.MACAddress = v
	}
	if v := getenv(envReaderPort); v != "" {
		c.Reader.Device = v
	}
	if v := getenv(envInsidePort); v != "" {
		c.Sensors.Inside.Device = v
	}
	if v := getenv(envOutsidePort); v != "" {
		c.Sensors.Outside.Device = v
	}
}

func (c *Config) applyDefaults() {
	if c.ClientID == "" {
		if host, err := os.Hostname(); err == nil {
			c.ClientID = host
		}
	}
	c.Reader = c.Reader.WithDefaults()
	c.Sensors = c.Sensors.WithDefaults()

	if c.Tracking.Timezone == "" {
		c.Tracking.Timezone = "America/Edmonton"
	}
	if c.Tracking.ClearGrace == 0 {
		c.Tracking.ClearGrace = 300 * time.Second
	}
	if c.Storage.Type == "" {
		c.Storage.Type = "json"
	}
	if c.Dispatch.Timeout == 0 {
		c.Dispatch.Timeout = 5 * time.Second
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = c.ClientID
	}
	if c.MQTT.PingInterval == 0 {
		c.MQTT.PingInterval = 2 * time.Minute
	}
	if c.Indicator.Hold == 0 {
		c.Indicator.Hold = 2 * time.Second
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate checks cross-field constraints after defaults are applied.
func (c *Config) Validate() error {
	if c.ClientID == "" {
		return errors.New("client_id missing in config file")
	}

	r := c.Reader
	if r.PowerMin > r.PowerMax {
		return fmt.Errorf("reader power range %d-%d is inverted", r.PowerMin, r.PowerMax)
	}
	if r.ReadPower < r.PowerMin || r.ReadPower > r.PowerMax {
		return fmt.Errorf("reader read_power %d outside %d-%d", r.ReadPower, r.PowerMin, r.PowerMax)
	}

	s := c.Sensors
	if s.MinDistanceCM < 0 || s.MinDistanceCM > s.MaxDistanceCM {
		return fmt.Errorf("sensors distance filter %d-%d is invalid", s.MinDistanceCM, s.MaxDistanceCM)
	}
	if s.DetectionRange <= 0 {
		return fmt.Errorf("sensors detection_range must be positive, got %d", s.DetectionRange)
	}
	if s.Inside.Device == s.Outside.Device {
		return fmt.Errorf("inside and outside sensors share device %s", s.Inside.Device)
	}

	if _, err := time.LoadLocation(c.Tracking.Timezone); err != nil {
		return fmt.Errorf("tracking timezone: %w", err)
	}

	switch c.Storage.Type {
	case "json", "sqlite":
	default:
		return fmt.Errorf("unknown storage type %q", c.Storage.Type)
	}
	return nil
}
