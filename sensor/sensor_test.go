package sensor

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rfidtrack/tracking"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// linePort serves queued lines, then io.EOF like a timed-out tarm read.
type linePort struct {
	mu      sync.Mutex
	in      bytes.Buffer
	written bytes.Buffer
	closed  bool
}

func (p *linePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.in.Len() == 0 {
		return 0, io.EOF
	}
	return p.in.Read(b)
}

func (p *linePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.Write(b)
}

func (p *linePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *linePort) feed(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.in.WriteString(s)
}

func testConfig() Config {
	return Config{
		PollInterval: time.Millisecond,
		Settle:       time.Microsecond,
		RetryDelay:   5 * time.Millisecond,
	}
}

func TestParseLine(t *testing.T) {
	t.Parallel()

	tests := []struct {
		line string
		want Reading
	}{
		{"Range 120", Reading{Kind: KindDistance, DistanceCM: 120, Raw: "Range 120"}},
		{"Range x", Reading{Kind: KindRaw, Raw: "Range x"}},
		{"Human Presence", Reading{Kind: KindPresence, Raw: "Human Presence"}},
		{"status: OCCUPIED", Reading{Kind: KindPresence, Raw: "status: OCCUPIED"}},
		{"ON", Reading{Kind: KindRaw, Raw: "ON"}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLine(tt.line), tt.line)
	}
}

func TestObserveDistanceFilter(t *testing.T) {
	t.Parallel()

	c := newClock()
	s := New(Inside, testConfig(), WithClock(c.Now))

	minCM, maxCM := s.Filter()
	assert.Equal(t, 50, minCM)
	assert.Equal(t, 400, maxCM)

	assert.False(t, s.Observe(ParseLine("Range 49"), c.Now()))
	assert.True(t, s.Observe(ParseLine("Range 50"), c.Now()))
	assert.True(t, s.Observe(ParseLine("Range 400"), c.Now()))
	assert.False(t, s.Observe(ParseLine("Range 401"), c.Now()))
	assert.True(t, s.Observe(ParseLine("presence detected"), c.Now()))
	assert.False(t, s.Observe(ParseLine("noise"), c.Now()))

	assert.Equal(t, 3, s.Snapshot().Detections)
	assert.Equal(t, 401, s.Snapshot().LastCM)
}

func TestConfigureRangeClampsMax(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MaxDistanceCM = 2000
	s := New(Outside, cfg)

	s.ConfigureRange(3)
	_, maxCM := s.Filter()
	assert.Equal(t, 300, maxCM)

	s.ConfigureRange(15)
	_, maxCM = s.Filter()
	assert.Equal(t, 1000, maxCM)

	require.ErrorIs(t, s.SetDistanceFilter(100, 50), ErrBadFilter)
	require.ErrorIs(t, s.SetDistanceFilter(-1, 50), ErrBadFilter)
	require.NoError(t, s.SetDistanceFilter(20, 600))
	minCM, maxCM := s.Filter()
	assert.Equal(t, 20, minCM)
	assert.Equal(t, 600, maxCM)
}

func TestHistoryEvictsOldest(t *testing.T) {
	t.Parallel()

	c := newClock()
	cfg := testConfig()
	cfg.History = 3
	s := New(Inside, cfg, WithClock(c.Now))

	first := c.Now()
	for i := 0; i < 5; i++ {
		s.Observe(Reading{Kind: KindPresence}, c.Now())
		c.Advance(time.Second)
	}
	assert.Equal(t, 3, s.Snapshot().Detections)

	latest, ok := s.LatestDetection()
	require.True(t, ok)
	assert.Equal(t, first.Add(4*time.Second), latest)
}

func TestRecentlyDetected(t *testing.T) {
	t.Parallel()

	c := newClock()
	s := New(Inside, testConfig(), WithClock(c.Now))

	assert.False(t, s.RecentlyDetected(2*time.Second))
	_, ok := s.LatestDetection()
	assert.False(t, ok)

	s.Observe(Reading{Kind: KindDistance, DistanceCM: 100}, c.Now())
	c.Advance(1999 * time.Millisecond)
	assert.True(t, s.RecentlyDetected(2*time.Second))
	c.Advance(time.Millisecond)
	assert.False(t, s.RecentlyDetected(2*time.Second))
}

func TestResolve(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Second)

	tests := []struct {
		name            string
		inside, outside bool
		inAt, outAt     time.Time
		want            tracking.Direction
		ok              bool
	}{
		{"inside only", true, false, t0, t1, tracking.In, true},
		{"outside only", false, true, t1, t0, tracking.Out, true},
		{"both, inside later", true, true, t1, t0, tracking.In, true},
		{"both, outside later", true, true, t0, t1, tracking.Out, true},
		{"both, tie goes inside", true, true, t0, t0, tracking.In, true},
		{"neither", false, false, t1, t0, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := resolve(tt.inside, tt.outside, tt.inAt, tt.outAt)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestManagerDirection(t *testing.T) {
	t.Parallel()

	c := newClock()
	m := NewManager(testConfig(), WithClock(c.Now))

	_, ok := m.Direction()
	assert.False(t, ok)

	m.outside.Observe(Reading{Kind: KindDistance, DistanceCM: 150}, c.Now())
	c.Advance(500 * time.Millisecond)
	m.inside.Observe(Reading{Kind: KindDistance, DistanceCM: 150}, c.Now())

	in, out := m.Detected()
	assert.True(t, in)
	assert.True(t, out)
	dir, ok := m.Direction()
	require.True(t, ok)
	assert.Equal(t, tracking.In, dir)

	c.Advance(1600 * time.Millisecond)
	dir, ok = m.Direction()
	require.True(t, ok, "inside still within timeout")
	assert.Equal(t, tracking.In, dir)

	c.Advance(time.Second)
	_, ok = m.Direction()
	assert.False(t, ok)

	require.NoError(t, m.ConfigureRange(Outside, 2))
	_, maxCM := m.outside.Filter()
	assert.Equal(t, 200, maxCM)
	require.Error(t, m.ConfigureRange(Location("roof"), 2))
	require.Error(t, m.ConfigureRange(Inside, 0))
}

func TestRunReadsLines(t *testing.T) {
	t.Parallel()

	port := &linePort{}
	port.feed("Range 30\nRange 15")
	port.feed("0\r\nPresence\n")

	var (
		mu       sync.Mutex
		statuses []string
	)
	s := New(Inside, testConfig(),
		WithOpener(func(string, int) (io.ReadWriteCloser, error) { return port, nil }),
		WithStatus(func(_ Location, st string) {
			mu.Lock()
			statuses = append(statuses, st)
			mu.Unlock()
		}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return s.Snapshot().Detections == 2 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	port.mu.Lock()
	assert.Equal(t, []byte{0xFD, 0xFC, 0xFB, 0xFA, 0x08, 0x00, 0x12, 0x00, 0x00, 0x00, 0x64, 0x00, 0x00, 0x00, 0x04, 0x03, 0x02, 0x01}, port.written.Bytes())
	assert.True(t, port.closed)
	port.mu.Unlock()

	assert.Equal(t, 150, s.Snapshot().LastCM)
	mu.Lock()
	assert.Equal(t, []string{StatusConnected, StatusDisconnected}, statuses)
	mu.Unlock()
}

func TestParseLocation(t *testing.T) {
	t.Parallel()

	loc, err := ParseLocation(" Outside ")
	require.NoError(t, err)
	assert.Equal(t, Outside, loc)

	_, err = ParseLocation("hall")
	require.Error(t, err)
}

func (p *linePort) pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.in.Len()
}

func TestRunDiscardsUnterminatedData(t *testing.T) {
	t.Parallel()

	port := &linePort{}
	// Two full reads of noise push the partial line past the cap.
	port.feed(string(bytes.Repeat([]byte{0xAA}, 2*maxLineBytes)) + "Range 120\n")

	s := New(Inside, testConfig(),
		WithOpener(func(string, int) (io.ReadWriteCloser, error) { return port, nil }))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return s.Snapshot().Detections == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 120, s.Snapshot().LastCM)

	// Noise followed by silence is dropped at the read timeout.
	port.feed("\xAA\xAARan")
	require.Eventually(t, func() bool { return port.pending() == 0 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	port.feed("Range 130\n")
	require.Eventually(t, func() bool { return s.Snapshot().Detections == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, 130, s.Snapshot().LastCM)

	cancel()
	require.NoError(t, <-done)
}

func TestRangeKeepsOperatorFilter(t *testing.T) {
	t.Parallel()

	port := &linePort{}
	s := New(Inside, testConfig(),
		WithOpener(func(string, int) (io.ReadWriteCloser, error) { return port, nil }))

	require.NoError(t, s.SetDistanceFilter(20, 300))

	require.NoError(t, s.Connect(context.Background()))
	minCM, maxCM := s.Filter()
	assert.Equal(t, 20, minCM)
	assert.Equal(t, 300, maxCM, "reconnect must not raise the operator maximum")

	s.ConfigureRange(2)
	_, maxCM = s.Filter()
	assert.Equal(t, 200, maxCM)

	s.ConfigureRange(5)
	_, maxCM = s.Filter()
	assert.Equal(t, 300, maxCM)
	require.NoError(t, s.Close())
}

func TestRunStopsDuringSettle(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Settle = time.Minute
	port := &linePort{}
	s := New(Outside, cfg,
		WithOpener(func(string, int) (io.ReadWriteCloser, error) { return port, nil }))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return while waiting for the sensor to boot")
	}

	port.mu.Lock()
	assert.Empty(t, port.written.Bytes(), "init command sent after cancel")
	assert.True(t, port.closed)
	port.mu.Unlock()
}
