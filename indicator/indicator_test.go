package indicator

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rfidtrack/tracking"
)

type recording struct {
	mu    sync.Mutex
	calls []string
}

func (r *recording) add(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, s)
}

func (r *recording) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *recording) last() string {
	l := r.list()
	if len(l) == 0 {
		return ""
	}
	return l[len(l)-1]
}

func (r *recording) Idle()           { r.add("idle") }
func (r *recording) Inbound()        { r.add("in") }
func (r *recording) Outbound()       { r.add("out") }
func (r *recording) ConnectionLost() { r.add("lost") }
func (r *recording) Shutdown()       { r.add("shutdown") }
func (r *recording) Release() error  { r.add("release"); return nil }

var allConnected = tracking.Status{
	RFIDReader:    tracking.StateConnected,
	SensorInside:  tracking.StateConnected,
	SensorOutside: tracking.StateConnected,
}

func TestWatcherSettlesOnStatus(t *testing.T) {
	t.Parallel()

	var rec recording
	w := Watch(&rec, time.Hour)

	w.StatusChanged(tracking.Status{RFIDReader: tracking.StateConnected})
	w.StatusChanged(allConnected)
	down := allConnected
	down.SensorOutside = tracking.StateError
	w.StatusChanged(down)

	assert.Equal(t, []string{"lost", "idle", "lost"}, rec.list())
}

func TestWatcherShowsCrossingThenIdles(t *testing.T) {
	t.Parallel()

	var rec recording
	w := Watch(&rec, 20*time.Millisecond)
	defer w.Stop()

	w.StatusChanged(allConnected)
	w.RecordAdded(tracking.Record{RFIDTag: "A", Direction: tracking.Out})
	assert.Equal(t, "out", rec.last())

	// Status changes while a crossing is lit do not cut it short.
	w.StatusChanged(allConnected)
	assert.Equal(t, "out", rec.last())

	require.Eventually(t, func() bool { return rec.last() == "idle" }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"idle", "out", "idle"}, rec.list())
}

func TestMultiFansOut(t *testing.T) {
	t.Parallel()

	var a, b recording
	m := &Multi{indicators: []Indicator{&a, &b}}
	m.Inbound()
	m.Shutdown()
	require.NoError(t, m.Release())

	want := []string{"in", "shutdown", "release"}
	assert.Equal(t, want, a.list())
	assert.Equal(t, want, b.list())
}

type pipe struct {
	bytes.Buffer
	closed bool
}

func (p *pipe) Close() error {
	p.closed = true
	return nil
}

func TestNeopixelWrites(t *testing.T) {
	t.Parallel()

	var p pipe
	n := newNeopixel(&p)
	n.Inbound()
	n.Outbound()
	n.Idle()
	require.NoError(t, n.Release())

	assert.Equal(t, neoInbound+neoOutbound+neoNormalIdle, p.String())
	assert.True(t, p.closed)
}

func TestNewWithoutHardwareIsNoop(t *testing.T) {
	t.Parallel()

	ind, err := New(Config{})
	require.NoError(t, err)
	assert.IsType(t, &Noop{}, ind)
}
