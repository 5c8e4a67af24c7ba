package main

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rfidtrack/eventpipe"
	"rfidtrack/sensor"
	"rfidtrack/tracking"
)

type fakePresence struct {
	inside, outside bool
	dir             tracking.Direction
	resolved        bool

	rangeLoc    sensor.Location
	rangeMeters int
	filter      [2]int
	filterErr   error
}

func (f *fakePresence) Detected() (bool, bool) { return f.inside, f.outside }

func (f *fakePresence) Direction() (tracking.Direction, bool) { return f.dir, f.resolved }

func (f *fakePresence) ConfigureRange(loc sensor.Location, meters int) error {
	f.rangeLoc, f.rangeMeters = loc, meters
	return nil
}

func (f *fakePresence) SetDistanceFilter(minCM, maxCM int) error {
	f.filter = [2]int{minCM, maxCM}
	return f.filterErr
}

type fakePower struct {
	set []int
	err error
}

func (f *fakePower) ConfigurePower(dBm int) error {
	f.set = append(f.set, dBm)
	return f.err
}

type fakeStore struct {
	added   []tracking.Record
	limit   int
	cleared int
	syncErr error
}

func (f *fakeStore) AddRecord(tag string, dir tracking.Direction) (tracking.Record, error) {
	r := tracking.Record{RFIDTag: tag, Direction: dir, ReadDate: "2025-01-01 10:00:00 AM"}
	f.added = append(f.added, r)
	return r, nil
}

func (f *fakeStore) AddManual(tag, direction string) (tracking.Record, error) {
	dir, err := tracking.ParseDirection(direction)
	if err != nil {
		return tracking.Record{}, err
	}
	return f.AddRecord(tag, dir)
}

func (f *fakeStore) Records(flt tracking.Filter) ([]tracking.Record, error) {
	f.limit = flt.Limit
	return f.added, nil
}

func (f *fakeStore) Clear(confirm bool) (string, error) {
	if !confirm {
		return "", tracking.ErrConfirmRequired
	}
	f.cleared++
	f.added = nil
	return "data/backups/tag_tracking_backup_20250101_100000.json", nil
}

func (f *fakeStore) Sync(recs []tracking.Record) (int, error) {
	if f.syncErr != nil {
		return 0, f.syncErr
	}
	f.added = append(f.added, recs...)
	return len(recs), nil
}

func (f *fakeStore) Statistics() tracking.Statistics {
	return tracking.Statistics{TotalRecords: len(f.added)}
}

func TestHandleTag(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		presence fakePresence
		want     []tracking.Record
	}{
		{
			name:     "no presence",
			presence: fakePresence{},
		},
		{
			name:     "unresolved",
			presence: fakePresence{inside: true},
		},
		{
			name:     "inside",
			presence: fakePresence{inside: true, dir: tracking.In, resolved: true},
			want:     []tracking.Record{{RFIDTag: "E200", Direction: tracking.In, ReadDate: "2025-01-01 10:00:00 AM"}},
		},
		{
			name:     "outside",
			presence: fakePresence{outside: true, dir: tracking.Out, resolved: true},
			want:     []tracking.Record{{RFIDTag: "E200", Direction: tracking.Out, ReadDate: "2025-01-01 10:00:00 AM"}},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			p := tt.presence
			store := &fakeStore{}
			in := NewIngest(&p, &fakePower{}, store)

			in.HandleTag("E200")

			if diff := cmp.Diff(tt.want, store.added); diff != "" {
				t.Errorf("records mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestHandleCommand(t *testing.T) {
	t.Parallel()

	p := &fakePresence{inside: true, dir: tracking.In, resolved: true}
	power := &fakePower{}
	store := &fakeStore{}
	in := NewIngest(p, power, store)

	for _, line := range []string{
		"tag e2001",
		"record E2002 out",
		"record E2003 sideways",
		"power 20",
		"range outside 3",
		"filter 30 250",
		"list 5",
		"stats",
	} {
		cmd, err := eventpipe.ParseLine(line)
		require.NoError(t, err, line)
		in.HandleCommand(cmd)
	}

	want := []tracking.Record{
		{RFIDTag: "E2001", Direction: tracking.In, ReadDate: "2025-01-01 10:00:00 AM"},
		{RFIDTag: "E2002", Direction: tracking.Out, ReadDate: "2025-01-01 10:00:00 AM"},
	}
	if diff := cmp.Diff(want, store.added); diff != "" {
		t.Errorf("records mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []int{20}, power.set)
	assert.Equal(t, sensor.Outside, p.rangeLoc)
	assert.Equal(t, 3, p.rangeMeters)
	assert.Equal(t, [2]int{30, 250}, p.filter)
	assert.Equal(t, 5, store.limit)
}

func TestClearCommandNeedsConfirm(t *testing.T) {
	t.Parallel()

	store := &fakeStore{added: []tracking.Record{{RFIDTag: "A", Direction: tracking.In}}}
	in := NewIngest(&fakePresence{}, &fakePower{}, store)

	require.ErrorIs(t, in.run(eventpipe.Command{Kind: eventpipe.KindClear}), tracking.ErrConfirmRequired)
	assert.Len(t, store.added, 1)

	require.NoError(t, in.run(eventpipe.Command{Kind: eventpipe.KindClear, Confirm: true}))
	assert.Equal(t, 1, store.cleared)
	assert.Empty(t, store.added)
}

func TestCommandErrors(t *testing.T) {
	t.Parallel()

	errBusy := errors.New("busy")
	p := &fakePresence{filterErr: sensor.ErrBadFilter}
	in := NewIngest(p, &fakePower{err: errBusy}, &fakeStore{})

	assert.ErrorIs(t, in.run(eventpipe.Command{Kind: eventpipe.KindPower, Value: 22}), errBusy)
	assert.Error(t, in.run(eventpipe.Command{Kind: eventpipe.KindRange, Location: "roof", Value: 2}))
	assert.ErrorIs(t, in.run(eventpipe.Command{Kind: eventpipe.KindFilter, Value: 300, Value2: 100}), sensor.ErrBadFilter)
	assert.ErrorIs(t, in.run(eventpipe.Command{Kind: eventpipe.KindRecord, Tag: "X", Direction: "up"}), tracking.ErrInvalidDirection)
	assert.Error(t, in.run(eventpipe.Command{}))
}

type blockingPower struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingPower) ConfigurePower(int) error {
	close(b.entered)
	<-b.release
	return nil
}

func TestStopWaitsForInFlightAndRefusesLater(t *testing.T) {
	t.Parallel()

	power := &blockingPower{entered: make(chan struct{}), release: make(chan struct{})}
	st := &fakeStore{}
	in := NewIngest(&fakePresence{inside: true, dir: tracking.In, resolved: true}, power, st)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		in.HandleCommand(eventpipe.Command{Kind: eventpipe.KindPower, Value: 20})
	}()
	<-power.entered

	stopped := make(chan struct{})
	go func() {
		in.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a command was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(power.release)
	wg.Wait()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return after the command finished")
	}

	in.HandleTag("E2801160")
	in.HandleCommand(eventpipe.Command{Kind: eventpipe.KindRecord, Tag: "E2801161", Direction: "IN"})
	in.HandleCommand(eventpipe.Command{Kind: eventpipe.KindTag, Tag: "E2801162"})
	assert.Empty(t, st.added)
}

func TestSyncCommand(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	good := filepath.Join(dir, "inventory.json")
	require.NoError(t, os.WriteFile(good, []byte(`[
  {"rfid_tag": "E2801160", "direction": "IN", "read_date": "2024-07-09-01-02-03-000-PM"},
  {"rfid_tag": "E2801161", "direction": "OUT", "read_date": "2024-07-09-01-02-04-000-PM"}
]`), 0o644))
	bad := filepath.Join(dir, "broken.json")
	require.NoError(t, os.WriteFile(bad, []byte("{"), 0o644))

	st := &fakeStore{}
	in := NewIngest(&fakePresence{}, nil, st)

	require.NoError(t, in.run(eventpipe.Command{Kind: eventpipe.KindSync, File: good}))
	want := []tracking.Record{
		{RFIDTag: "E2801160", Direction: tracking.In, ReadDate: "2024-07-09-01-02-03-000-PM"},
		{RFIDTag: "E2801161", Direction: tracking.Out, ReadDate: "2024-07-09-01-02-04-000-PM"},
	}
	if diff := cmp.Diff(want, st.added); diff != "" {
		t.Errorf("synced records mismatch (-want +got):\n%s", diff)
	}

	assert.Error(t, in.run(eventpipe.Command{Kind: eventpipe.KindSync, File: bad}))
	assert.Error(t, in.run(eventpipe.Command{Kind: eventpipe.KindSync, File: filepath.Join(dir, "absent.json")}))

	st.syncErr = tracking.ErrSyncRejected
	assert.ErrorIs(t, in.run(eventpipe.Command{Kind: eventpipe.KindSync, File: good}), tracking.ErrSyncRejected)
	assert.Len(t, st.added, 2)
}
