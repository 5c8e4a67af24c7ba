package sensor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"rfidtrack/tracking"
)

// Manager runs both doorway sensors and fuses their histories into a
// crossing direction.
type Manager struct {
	inside  *Sensor
	outside *Sensor
	timeout time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates both sensors. opts apply to each.
func NewManager(cfg Config, opts ...Option) *Manager {
	cfg = cfg.WithDefaults()
	return &Manager{
		inside:  New(Inside, cfg, opts...),
		outside: New(Outside, cfg, opts...),
		timeout: cfg.DetectionTimeout,
	}
}

// Start launches one task per sensor.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	for _, s := range []*Sensor{m.inside, m.outside} {
		m.wg.Add(1)
		go func(s *Sensor) {
			defer m.wg.Done()
			s.Run(ctx)
		}(s)
	}
}

// Stop cancels both tasks and waits for them to exit.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// Sensor returns the sensor at loc.
func (m *Manager) Sensor(loc Location) (*Sensor, error) {
	switch loc {
	case Inside:
		return m.inside, nil
	case Outside:
		return m.outside, nil
	}
	return nil, fmt.Errorf("unknown sensor location %q", loc)
}

// Detected reports which sides saw someone within the detection timeout.
func (m *Manager) Detected() (inside, outside bool) {
	return m.inside.RecentlyDetected(m.timeout), m.outside.RecentlyDetected(m.timeout)
}

// Direction resolves the crossing direction from current detections.
func (m *Manager) Direction() (tracking.Direction, bool) {
	in, out := m.Detected()
	inAt, _ := m.inside.LatestDetection()
	outAt, _ := m.outside.LatestDetection()
	return resolve(in, out, inAt, outAt)
}

// resolve picks the side seen most recently. Ties go to inside.
func resolve(inside, outside bool, insideAt, outsideAt time.Time) (tracking.Direction, bool) {
	switch {
	case inside && !outside:
		return tracking.In, true
	case outside && !inside:
		return tracking.Out, true
	case inside && outside:
		if !insideAt.Before(outsideAt) {
			return tracking.In, true
		}
		return tracking.Out, true
	}
	return "", false
}

// ConfigureRange sets the detection range of one sensor.
func (m *Manager) ConfigureRange(loc Location, meters int) error {
	if meters <= 0 {
		return fmt.Errorf("detection range must be positive, got %d", meters)
	}
	s, err := m.Sensor(loc)
	if err != nil {
		return err
	}
	s.ConfigureRange(meters)
	return nil
}

// SetDistanceFilter applies the same distance window to both sensors.
func (m *Manager) SetDistanceFilter(minCM, maxCM int) error {
	if err := m.inside.SetDistanceFilter(minCM, maxCM); err != nil {
		return err
	}
	return m.outside.SetDistanceFilter(minCM, maxCM)
}

// Live returns a snapshot of both sensors.
func (m *Manager) Live() []Snapshot {
	return []Snapshot{m.inside.Snapshot(), m.outside.Snapshot()}
}
