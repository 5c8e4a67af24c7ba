// Package sensor reads the pair of mmWave presence sensors mounted on either
// side of the doorway and keeps a short history of detections for each.
package sensor

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"rfidtrack/metrics"
)

// Location is the side of the doorway a sensor watches.
type Location string

const (
	Inside  Location = "inside"
	Outside Location = "outside"
)

// ParseLocation accepts "inside"/"outside" in any case.
func ParseLocation(s string) (Location, error) {
	switch l := Location(strings.ToLower(strings.TrimSpace(s))); l {
	case Inside, Outside:
		return l, nil
	}
	return "", fmt.Errorf("unknown sensor location %q", s)
}

// Connectivity values reported through the status callback.
const (
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
	StatusError        = "error"
)

// maxRangeCM caps the range-derived distance ceiling.
const maxRangeCM = 1000

// maxLineBytes bounds a partial line while data keeps arriving. Longer runs
// without a newline are binary report frames or noise and are discarded.
const maxLineBytes = 256

var ErrBadFilter = errors.New("sensor: distance filter must satisfy 0 <= min <= max")

// Opener opens a sensor's serial line.
type Opener func(device string, baud int) (io.ReadWriteCloser, error)

// Sensor is one mmWave unit.
type Sensor struct {
	loc      Location
	dev      DeviceConfig
	cfg      Config
	open     Opener
	now      func() time.Time
	onStatus func(Location, string)
	logger   zerolog.Logger

	mu        sync.Mutex
	port      io.ReadWriteCloser
	connected bool
	rangeM    int
	minCM     int
	maxCM     int
	filterMax int // range never raises maxCM above this
	lastCM    int
	history   []time.Time
}

// Option configures a Sensor.
type Option func(*Sensor)

// WithOpener replaces the serial opener.
func WithOpener(o Opener) Option {
	return func(s *Sensor) { s.open = o }
}

// WithClock replaces the detection clock.
func WithClock(now func() time.Time) Option {
	return func(s *Sensor) { s.now = now }
}

// WithStatus sets the connectivity callback.
func WithStatus(f func(Location, string)) Option {
	return func(s *Sensor) { s.onStatus = f }
}

// New creates a disconnected sensor for loc.
func New(loc Location, cfg Config, opts ...Option) *Sensor {
	cfg = cfg.WithDefaults()
	dev := cfg.Inside
	if loc == Outside {
		dev = cfg.Outside
	}
	s := &Sensor{
		loc:       loc,
		dev:       dev,
		cfg:       cfg,
		open:      OpenSerial,
		now:       time.Now,
		minCM:     cfg.MinDistanceCM,
		maxCM:     cfg.MaxDistanceCM,
		filterMax: cfg.MaxDistanceCM,
		history:   make([]time.Time, 0, cfg.History),
		logger:    log.With().Str("component", "sensor").Str("location", string(loc)).Logger(),
	}
	for _, o := range opts {
		o(s)
	}
	s.ConfigureRange(cfg.DetectionRange)
	return s
}

func (s *Sensor) Location() Location {
	return s.loc
}

// Connect opens the port, waits for the unit to boot and sends the init
// command. The boot wait ends early when ctx is done.
func (s *Sensor) Connect(ctx context.Context) error {
	s.mu.Lock()
	old := s.port
	s.port = nil
	s.connected = false
	s.mu.Unlock()
	if old != nil {
		old.Close()
	}

	init, err := hex.DecodeString(s.cfg.InitCommand)
	if err != nil {
		s.report(StatusError)
		return fmt.Errorf("decode init command: %w", err)
	}

	port, err := s.open(s.dev.Device, s.dev.Baud)
	if err != nil {
		s.report(StatusError)
		return fmt.Errorf("connect sensor %s: %w", s.loc, err)
	}
	if !sleep(ctx, s.cfg.Settle) {
		port.Close()
		return ctx.Err()
	}

	if _, err := port.Write(init); err != nil {
		port.Close()
		s.report(StatusError)
		return fmt.Errorf("send init command to %s: %w", s.loc, err)
	}

	s.mu.Lock()
	s.port = port
	s.connected = true
	rangeM := s.rangeM
	s.mu.Unlock()

	s.ConfigureRange(rangeM)
	s.logger.Info().Str("device", s.dev.Device).Msg("sensor connected")
	s.report(StatusConnected)
	return nil
}

// ConfigureRange sets the detection range in meters and derives the upper
// distance bound from it, never above the distance filter's maximum.
func (s *Sensor) ConfigureRange(meters int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rangeM = meters
	s.maxCM = min(s.filterMax, meters*100, maxRangeCM)
	s.logger.Debug().Int("range_m", meters).Int("max_cm", s.maxCM).Msg("range configured")
}

// SetDistanceFilter replaces the accepted distance window.
func (s *Sensor) SetDistanceFilter(minCM, maxCM int) error {
	if minCM < 0 || minCM > maxCM {
		return fmt.Errorf("%w: %d-%d", ErrBadFilter, minCM, maxCM)
	}
	s.mu.Lock()
	s.minCM, s.maxCM, s.filterMax = minCM, maxCM, maxCM
	s.mu.Unlock()
	return nil
}

// Filter returns the accepted distance window in centimeters.
func (s *Sensor) Filter() (minCM, maxCM int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.minCM, s.maxCM
}

// Observe records r seen at time at. It reports whether r counted as a
// detection.
func (s *Sensor) Observe(r Reading, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch r.Kind {
	case KindDistance:
		s.lastCM = r.DistanceCM
		if r.DistanceCM < s.minCM || r.DistanceCM > s.maxCM {
			return false
		}
	case KindPresence:
	default:
		return false
	}

	if len(s.history) == cap(s.history) && len(s.history) > 0 {
		copy(s.history, s.history[1:])
		s.history = s.history[:len(s.history)-1]
	}
	s.history = append(s.history, at)
	metrics.RecordDetection(string(s.loc))
	return true
}

// RecentlyDetected reports whether any retained detection is within
// timeout of now.
func (s *Sensor) RecentlyDetected(timeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, t := range s.history {
		if now.Sub(t) < timeout {
			return true
		}
	}
	return false
}

// LatestDetection returns the most recent detection time.
func (s *Sensor) LatestDetection() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest time.Time
	for _, t := range s.history {
		if t.After(latest) {
			latest = t
		}
	}
	return latest, !latest.IsZero()
}

// Snapshot is a point-in-time view of a sensor.
type Snapshot struct {
	Location   Location  `json:"location"`
	Connected  bool      `json:"connected"`
	RangeM     int       `json:"range_m"`
	MinCM      int       `json:"min_distance_cm"`
	MaxCM      int       `json:"max_distance_cm"`
	LastCM     int       `json:"last_distance_cm"`
	Detections int       `json:"detections"`
	Latest     time.Time `json:"latest_detection,omitempty"`
}

func (s *Sensor) Snapshot() Snapshot {
	latest, _ := s.LatestDetection()
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Location:   s.loc,
		Connected:  s.connected,
		RangeM:     s.rangeM,
		MinCM:      s.minCM,
		MaxCM:      s.maxCM,
		LastCM:     s.lastCM,
		Detections: len(s.history),
		Latest:     latest,
	}
}

// Run is the sensor device task: connect with retry, then read lines until
// ctx is done.
func (s *Sensor) Run(ctx context.Context) error {
	defer s.Close()

	for ctx.Err() == nil {
		if err := s.Connect(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			s.logger.Warn().Err(err).Dur("retry_in", s.cfg.RetryDelay).Msg("sensor connect failed")
			if !sleep(ctx, s.cfg.RetryDelay) {
				break
			}
			continue
		}

		err := s.readLoop(ctx)
		if err == nil {
			break
		}
		s.logger.Error().Err(err).Msg("sensor read failed, reconnecting")
		metrics.RecordReconnect()
		s.report(StatusError)
		if !sleep(ctx, s.cfg.RetryDelay) {
			break
		}
	}
	return nil
}

// readLoop accumulates bytes into lines and observes each. It returns nil
// when ctx is done.
func (s *Sensor) readLoop(ctx context.Context) error {
	s.mu.Lock()
	port := s.port
	s.mu.Unlock()
	if port == nil {
		return errors.New("sensor port closed")
	}

	chunk := make([]byte, 256)
	var line []byte
	for {
		if ctx.Err() != nil {
			return nil
		}
		n, err := port.Read(chunk)
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("read sensor %s: %w", s.loc, err)
		}
		if n == 0 {
			// A read timeout ends any partial line.
			if len(line) > 0 {
				s.logger.Debug().Int("bytes", len(line)).Msg("discarding partial sensor line")
				line = line[:0]
			}
			if !sleep(ctx, s.cfg.PollInterval) {
				return nil
			}
			continue
		}

		line = append(line, chunk[:n]...)
		for {
			i := bytes.IndexByte(line, '\n')
			if i < 0 {
				break
			}
			text := strings.TrimSpace(string(line[:i]))
			line = line[i+1:]
			if text == "" {
				continue
			}
			r := ParseLine(text)
			if s.Observe(r, s.now()) {
				s.logger.Debug().Int("distance_cm", r.DistanceCM).Str("kind", r.Kind.String()).Msg("detection")
			}
		}
		if len(line) > maxLineBytes {
			s.logger.Debug().Int("bytes", len(line)).Msg("discarding unterminated sensor data")
			line = line[:0]
		}
	}
}

// Close closes the port.
func (s *Sensor) Close() error {
	s.mu.Lock()
	port := s.port
	s.port = nil
	wasConnected := s.connected
	s.connected = false
	s.mu.Unlock()

	if wasConnected {
		s.report(StatusDisconnected)
	}
	if port == nil {
		return nil
	}
	return port.Close()
}

func (s *Sensor) report(status string) {
	if status != StatusConnected {
		s.mu.Lock()
		s.connected = false
		s.mu.Unlock()
	}
	if s.onStatus != nil {
		s.onStatus(s.loc, status)
	}
}

// ReadingKind classifies a sensor line.
type ReadingKind int

const (
	KindRaw ReadingKind = iota
	KindDistance
	KindPresence
)

func (k ReadingKind) String() string {
	switch k {
	case KindDistance:
		return "distance"
	case KindPresence:
		return "presence"
	default:
		return "raw"
	}
}

// Reading is one parsed line.
type Reading struct {
	Kind       ReadingKind
	DistanceCM int
	Raw        string
}

// ParseLine classifies a trimmed sensor line. "Range <cm>" is a distance;
// text mentioning presence or occupied is a presence report.
func ParseLine(line string) Reading {
	r := Reading{Raw: line}
	if rest, ok := strings.CutPrefix(line, "Range "); ok {
		if cm, err := strconv.Atoi(strings.TrimSpace(rest)); err == nil {
			r.Kind = KindDistance
			r.DistanceCM = cm
		}
		return r
	}
	lower := strings.ToLower(line)
	if strings.Contains(lower, "presence") || strings.Contains(lower, "occupied") {
		r.Kind = KindPresence
	}
	return r
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
