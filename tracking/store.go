// Package tracking holds the authoritative log of doorway crossings, the
// system status derived from it, and the pairing logic that decides which
// crossings are forwarded to the external dispatcher.
package tracking

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"rfidtrack/metrics"
)

// Config holds tracking store settings.
type Config struct {
	Timezone   string        `yaml:"timezone"`    // IANA zone for read_date, e.g. "America/Edmonton"
	ClearGrace time.Duration `yaml:"clear_grace"` // sync is refused this long after a clear
}

// Persister is the durable home of the record log. Save always receives the
// complete log.
type Persister interface {
	Load() ([]Record, error)
	Save(records []Record) error
	// Archive stores a copy of records taken at the given instant and
	// returns where it went.
	Archive(records []Record, at time.Time) (string, error)
}

// Forwarder receives crossings that passed pairing. Forward must not block.
type Forwarder interface {
	Forward(c Crossing)
}

// Observer is notified after the store changes. Calls happen outside the
// store lock.
type Observer interface {
	RecordAdded(r Record)
	StatusChanged(s Status)
	RecordsCleared(backup string)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	OnRecord func(Record)
	OnStatus func(Status)
	OnClear  func(backup string)
}

func (f ObserverFuncs) RecordAdded(r Record) {
	if f.OnRecord != nil {
		f.OnRecord(r)
	}
}

func (f ObserverFuncs) StatusChanged(s Status) {
	if f.OnStatus != nil {
		f.OnStatus(s)
	}
}

func (f ObserverFuncs) RecordsCleared(backup string) {
	if f.OnClear != nil {
		f.OnClear(backup)
	}
}

// Option customizes a Store.
type Option func(*Store)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithObserver registers an observer.
func WithObserver(o Observer) Option {
	return func(s *Store) { s.observers = append(s.observers, o) }
}

// Store is the thread-safe tracking log.
type Store struct {
	loc       *time.Location
	grace     time.Duration
	persister Persister
	forwarder Forwarder
	observers []Observer
	now       func() time.Time
	logger    zerolog.Logger

	mu          sync.Mutex
	records     []Record
	status      Status
	cursors     map[string]string // tag -> read_date of the last forwarded crossing
	lastCleared time.Time
	dirty       bool
}

// New creates a store. forwarder may be nil.
func New(cfg Config, persister Persister, forwarder Forwarder, opts ...Option) (*Store, error) {
	loc := time.Local
	if cfg.Timezone != "" {
		l, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("load timezone %q: %w", cfg.Timezone, err)
		}
		loc = l
	}

	s := &Store{
		loc:       loc,
		grace:     cfg.ClearGrace,
		persister: persister,
		forwarder: forwarder,
		now:       time.Now,
		logger:    log.With().Str("component", "tracking").Logger(),
		status:    newStatus(),
		cursors:   make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Location returns the zone read_date values are rendered in.
func (s *Store) Location() *time.Location {
	return s.loc
}

// Open loads the persisted log and rebuilds the status counters.
func (s *Store) Open() error {
	recs, err := s.persister.Load()
	if err != nil {
		return fmt.Errorf("load records: %w", err)
	}

	s.mu.Lock()
	s.records = recs
	s.status.TotalRecords = len(recs)
	s.mu.Unlock()

	s.logger.Info().Int("records", len(recs)).Msg("loaded existing records")
	return nil
}

// AddRecord appends a crossing. The record is persisted before any forward
// or observer notification happens.
func (s *Store) AddRecord(tag string, dir Direction) (Record, error) {
	if tag == "" {
		return Record{}, ErrInvalidTag
	}
	if !dir.Valid() {
		return Record{}, fmt.Errorf("%w: %q", ErrInvalidDirection, dir)
	}

	rec := Record{
		RFIDTag:   tag,
		Direction: dir,
		ReadDate:  FormatTimestamp(s.now().In(s.loc)),
	}

	s.mu.Lock()
	s.records = append(s.records, rec)
	last := rec
	s.status.LastTagRead = &last
	s.status.TotalRecords = len(s.records)
	s.persistLocked()
	crossing, forward := s.evaluatePairingLocked(tag)
	s.mu.Unlock()

	metrics.RecordTracking(string(dir))
	s.logger.Info().Str("tag", tag).Str("direction", string(dir)).Str("read_date", rec.ReadDate).Msg("recorded")

	if forward {
		s.logger.Info().Str("tag", tag).Str("direction", string(crossing.Direction)).
			Str("read_date", crossing.ReadDate).Msg("forwarding latest crossing")
		if s.forwarder != nil {
			s.forwarder.Forward(crossing)
		}
	}
	for _, o := range s.observers {
		o.RecordAdded(rec)
	}
	return rec, nil
}

// AddManual validates operator input and records it.
func (s *Store) AddManual(tag, direction string) (Record, error) {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return Record{}, ErrInvalidTag
	}
	dir, err := ParseDirection(direction)
	if err != nil {
		return Record{}, err
	}
	return s.AddRecord(tag, dir)
}

// Records returns a filtered snapshot, newest first. Limit applies after
// filtering and sorting.
func (s *Store) Records(f Filter) ([]Record, error) {
	if f.Limit < 0 {
		return nil, fmt.Errorf("%w: negative limit %d", ErrInvalidFilter, f.Limit)
	}
	if f.Direction != "" {
		d, err := ParseDirection(string(f.Direction))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidFilter, err)
		}
		f.Direction = d
	}

	var start, end time.Time
	var err error
	if f.StartDate != "" {
		if start, err = parseBound(f.StartDate, s.loc, false); err != nil {
			return nil, err
		}
	}
	if f.EndDate != "" {
		if end, err = parseBound(f.EndDate, s.loc, true); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	snapshot := make([]Record, len(s.records))
	copy(snapshot, s.records)
	s.mu.Unlock()

	st := stampAll(snapshot, s.loc)
	out := st[:0]
	for _, r := range st {
		if f.Direction != "" && r.rec.Direction != f.Direction {
			continue
		}
		if f.RFIDTag != "" && r.rec.RFIDTag != f.RFIDTag {
			continue
		}
		if f.StartDate != "" && (!r.ok || r.at.Before(start)) {
			continue
		}
		if f.EndDate != "" && (!r.ok || r.at.After(end)) {
			continue
		}
		out = append(out, r)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[j].before(out[i]) })

	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}

	recs := make([]Record, len(out))
	for i, r := range out {
		recs[i] = r.rec
	}
	return recs, nil
}

// TagRecords returns every record for one tag, newest first.
func (s *Store) TagRecords(tag string) []Record {
	recs, _ := s.Records(Filter{RFIDTag: tag})
	return recs
}

// Clear archives the log, empties it in memory and on disk, and starts the
// sync grace period. Nothing is deleted if the archive cannot be written.
func (s *Store) Clear(confirm bool) (string, error) {
	if !confirm {
		return "", ErrConfirmRequired
	}

	s.mu.Lock()
	now := s.now()
	backup, err := s.persister.Archive(s.records, now)
	if err != nil {
		s.mu.Unlock()
		return "", fmt.Errorf("archive records: %w", err)
	}
	cleared := len(s.records)
	s.records = nil
	s.status.TotalRecords = 0
	s.status.LastTagRead = nil
	s.lastCleared = now
	s.persistLocked()
	status := s.status.clone()
	s.mu.Unlock()

	s.logger.Warn().Int("records", cleared).Str("backup", backup).Msg("cleared all records")

	for _, o := range s.observers {
		o.RecordsCleared(backup)
		o.StatusChanged(status)
	}
	return backup, nil
}

// InGracePeriod reports whether a clear happened within the grace period.
func (s *Store) InGracePeriod() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inGraceLocked()
}

func (s *Store) inGraceLocked() bool {
	if s.lastCleared.IsZero() {
		return false
	}
	return s.now().Sub(s.lastCleared) < s.grace
}

// Sync merges records pushed from the upstream inventory service. It is
// refused while a recent clear is within its grace period so stale client
// caches cannot resurrect cleared data. Synced records are not forwarded.
func (s *Store) Sync(recs []Record) (int, error) {
	for _, r := range recs {
		if r.RFIDTag == "" {
			return 0, ErrInvalidTag
		}
		if !r.Direction.Valid() {
			return 0, fmt.Errorf("%w: %q", ErrInvalidDirection, r.Direction)
		}
		if _, err := ParseTimestamp(r.ReadDate, s.loc); err != nil {
			return 0, err
		}
	}

	s.mu.Lock()
	if s.inGraceLocked() {
		remaining := s.grace - s.now().Sub(s.lastCleared)
		s.mu.Unlock()
		return 0, fmt.Errorf("%w: %s remaining", ErrSyncRejected, remaining.Round(time.Second))
	}

	seen := make(map[Record]struct{}, len(s.records))
	for _, r := range s.records {
		seen[r] = struct{}{}
	}
	added := 0
	for _, r := range recs {
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		s.records = append(s.records, r)
		added++
	}
	if added > 0 {
		s.status.TotalRecords = len(s.records)
		s.persistLocked()
	}
	status := s.status.clone()
	s.mu.Unlock()

	if added > 0 {
		s.logger.Info().Int("added", added).Msg("synced records from inventory")
		for _, o := range s.observers {
			o.StatusChanged(status)
		}
	}
	return added, nil
}

// Statistics computes totals and the ten most active tags.
func (s *Store) Statistics() Statistics {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Statistics{TotalRecords: len(s.records)}
	counts := make(map[string]int)
	for _, r := range s.records {
		switch r.Direction {
		case In:
			st.InCount++
		case Out:
			st.OutCount++
		}
		counts[r.RFIDTag]++
	}
	st.UniqueTags = len(counts)
	st.CurrentBalance = st.InCount - st.OutCount

	st.TopTags = make([]TagCount, 0, len(counts))
	for tag, n := range counts {
		st.TopTags = append(st.TopTags, TagCount{Tag: tag, Count: n})
	}
	sort.Slice(st.TopTags, func(i, j int) bool {
		if st.TopTags[i].Count != st.TopTags[j].Count {
			return st.TopTags[i].Count > st.TopTags[j].Count
		}
		return st.TopTags[i].Tag < st.TopTags[j].Tag
	})
	if len(st.TopTags) > 10 {
		st.TopTags = st.TopTags[:10]
	}
	return st
}

// Status returns a copy of the current system status.
func (s *Store) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status.clone()
}

// UpdateStatus records a connectivity transition for one device.
func (s *Store) UpdateStatus(c Component, state string) {
	s.mu.Lock()
	switch c {
	case ComponentReader:
		s.status.RFIDReader = state
	case ComponentSensorInside:
		s.status.SensorInside = state
	case ComponentSensorOutside:
		s.status.SensorOutside = state
	default:
		s.mu.Unlock()
		s.logger.Warn().Str("component", string(c)).Msg("status update for unknown component")
		return
	}
	status := s.status.clone()
	s.mu.Unlock()

	for _, o := range s.observers {
		o.StatusChanged(status)
	}
}

// Close retries a failed write so the disk matches memory on shutdown.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if s.dirty {
		if err = s.persister.Save(s.records); err == nil {
			s.dirty = false
		} else {
			err = fmt.Errorf("flush records: %w", err)
		}
	}
	if c, ok := s.persister.(io.Closer); ok {
		if cerr := c.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// persistLocked writes the full log. A failure leaves memory intact and
// marks the store dirty until the next successful write.
func (s *Store) persistLocked() {
	if err := s.persister.Save(s.records); err != nil {
		s.dirty = true
		metrics.RecordPersistFailure()
		s.logger.Error().Err(err).Int("records", len(s.records)).Msg("failed to persist tracking records, memory and disk now differ")
		return
	}
	s.dirty = false
}
