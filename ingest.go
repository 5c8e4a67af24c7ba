package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"rfidtrack/eventpipe"
	"rfidtrack/metrics"
	"rfidtrack/sensor"
	"rfidtrack/tracking"
)

// presence is the part of the sensor manager the ingest path needs.
type presence interface {
	Detected() (inside, outside bool)
	Direction() (tracking.Direction, bool)
	ConfigureRange(loc sensor.Location, meters int) error
	SetDistanceFilter(minCM, maxCM int) error
}

type powerControl interface {
	ConfigurePower(dBm int) error
}

type recordStore interface {
	AddRecord(tag string, dir tracking.Direction) (tracking.Record, error)
	AddManual(tag, direction string) (tracking.Record, error)
	Records(f tracking.Filter) ([]tracking.Record, error)
	Clear(confirm bool) (string, error)
	Sync(recs []tracking.Record) (int, error)
	Statistics() tracking.Statistics
}

// Ingest turns tag reads and operator commands into store operations.
type Ingest struct {
	sensors presence
	reader  powerControl
	store   recordStore
	logger  zerolog.Logger

	mu      sync.RWMutex // held shared by every handler in flight
	stopped bool
}

func NewIngest(sensors presence, reader powerControl, store recordStore) *Ingest {
	return &Ingest{
		sensors: sensors,
		reader:  reader,
		store:   store,
		logger:  log.With().Str("component", "ingest").Logger(),
	}
}

// Stop refuses further reads and commands and waits for those in flight.
func (in *Ingest) Stop() {
	in.mu.Lock()
	in.stopped = true
	in.mu.Unlock()
}

func (in *Ingest) enter() bool {
	in.mu.RLock()
	if in.stopped {
		in.mu.RUnlock()
		return false
	}
	return true
}

// HandleTag records a debounced read when someone is at the doorway and the
// direction can be resolved. Otherwise the read is only logged.
func (in *Ingest) HandleTag(epc string) {
	if !in.enter() {
		in.logger.Debug().Str("tag", epc).Msg("tag read after stop, dropped")
		return
	}
	defer in.mu.RUnlock()
	in.handleTag(epc)
}

func (in *Ingest) handleTag(epc string) {
	inside, outside := in.sensors.Detected()
	if !inside && !outside {
		metrics.RecordTagRead(metrics.ReadNoPresence)
		in.logger.Info().Str("tag", epc).Msg("tag read without presence, ignored")
		return
	}

	dir, ok := in.sensors.Direction()
	if !ok {
		metrics.RecordTagRead(metrics.ReadUnresolved)
		in.logger.Info().Str("tag", epc).Bool("inside", inside).Bool("outside", outside).
			Msg("direction unresolved, no record")
		return
	}

	if _, err := in.store.AddRecord(epc, dir); err != nil {
		in.logger.Error().Err(err).Str("tag", epc).Msg("add record failed")
		return
	}
	metrics.RecordTagRead(metrics.ReadAccepted)
}

// HandleCommand runs one operator command and logs its outcome.
func (in *Ingest) HandleCommand(cmd eventpipe.Command) {
	if !in.enter() {
		in.logger.Warn().Msg("command after stop, dropped")
		return
	}
	defer in.mu.RUnlock()

	if err := in.run(cmd); err != nil {
		ev := in.logger.Warn().Err(err)
		if reason := tracking.Reason(err); reason != "internal" {
			ev = ev.Str("reason", reason)
		}
		ev.Msg("command failed")
	}
}

func (in *Ingest) run(cmd eventpipe.Command) error {
	switch cmd.Kind {
	case eventpipe.KindTag:
		in.handleTag(cmd.Tag)
		return nil

	case eventpipe.KindRecord:
		rec, err := in.store.AddManual(cmd.Tag, cmd.Direction)
		if err != nil {
			return err
		}
		in.logger.Info().Str("tag", rec.RFIDTag).Str("direction", string(rec.Direction)).Msg("manual record added")
		return nil

	case eventpipe.KindPower:
		if in.reader == nil {
			return errors.New("no reader configured")
		}
		return in.reader.ConfigurePower(cmd.Value)

	case eventpipe.KindRange:
		loc, err := sensor.ParseLocation(cmd.Location)
		if err != nil {
			return err
		}
		return in.sensors.ConfigureRange(loc, cmd.Value)

	case eventpipe.KindFilter:
		return in.sensors.SetDistanceFilter(cmd.Value, cmd.Value2)

	case eventpipe.KindClear:
		backup, err := in.store.Clear(cmd.Confirm)
		if err != nil {
			return err
		}
		in.logger.Info().Str("backup", backup).Msg("records cleared")
		return nil

	case eventpipe.KindSync:
		recs, err := readSyncFile(cmd.File)
		if err != nil {
			return err
		}
		added, err := in.store.Sync(recs)
		if err != nil {
			return err
		}
		in.logger.Info().Str("file", cmd.File).Int("received", len(recs)).Int("added", added).Msg("records synced")
		return nil

	case eventpipe.KindStats:
		st := in.store.Statistics()
		in.logger.Info().
			Int("total", st.TotalRecords).
			Int("in", st.InCount).
			Int("out", st.OutCount).
			Int("unique_tags", st.UniqueTags).
			Int("balance", st.CurrentBalance).
			Interface("top_tags", st.TopTags).
			Msg("statistics")
		return nil

	case eventpipe.KindList:
		recs, err := in.store.Records(tracking.Filter{Limit: cmd.Value})
		if err != nil {
			return err
		}
		for _, r := range recs {
			in.logger.Info().Str("tag", r.RFIDTag).Str("direction", string(r.Direction)).
				Str("read_date", r.ReadDate).Msg("record")
		}
		return nil
	}
	return fmt.Errorf("unknown command kind %d", cmd.Kind)
}

func readSyncFile(path string) ([]tracking.Record, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sync file: %w", err)
	}
	var recs []tracking.Record
	if err := json.Unmarshal(b, &recs); err != nil {
		return nil, fmt.Errorf("decode sync file %s: %w", path, err)
	}
	return recs, nil
}
