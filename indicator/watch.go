package indicator

import (
	"sync"
	"time"

	"rfidtrack/tracking"
)

const defaultHold = 2 * time.Second

// Watcher drives an Indicator from store events: a crossing lights for the
// hold time, then the lights settle on idle or on link lost while any
// doorway device is not connected.
type Watcher struct {
	ind  Indicator
	hold time.Duration

	mu      sync.Mutex
	lost    bool
	showing bool
	timer   *time.Timer
}

// Watch returns a Watcher for ind. It implements tracking.Observer.
func Watch(ind Indicator, hold time.Duration) *Watcher {
	if hold <= 0 {
		hold = defaultHold
	}
	return &Watcher{ind: ind, hold: hold, lost: true}
}

func (w *Watcher) RecordAdded(r tracking.Record) {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch r.Direction {
	case tracking.In:
		w.ind.Inbound()
	case tracking.Out:
		w.ind.Outbound()
	default:
		return
	}
	w.showing = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.hold, w.expire)
}

func (w *Watcher) StatusChanged(s tracking.Status) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.lost = s.RFIDReader != tracking.StateConnected ||
		s.SensorInside != tracking.StateConnected ||
		s.SensorOutside != tracking.StateConnected
	if !w.showing {
		w.settleLocked()
	}
}

func (w *Watcher) RecordsCleared(string) {}

// Stop cancels a pending return to idle.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
}

func (w *Watcher) expire() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.showing = false
	w.settleLocked()
}

func (w *Watcher) settleLocked() {
	if w.lost {
		w.ind.ConnectionLost()
		return
	}
	w.ind.Idle()
}
