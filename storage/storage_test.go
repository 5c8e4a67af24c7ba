package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rfidtrack/tracking"
)

var sample = []tracking.Record{
	{RFIDTag: "E200A1", Direction: tracking.In, ReadDate: "2024-07-09-09-00-00-000-AM"},
	{RFIDTag: "E200A1", Direction: tracking.Out, ReadDate: "2024-07-09-01-00-00-000-PM"},
	{RFIDTag: "E200B2", Direction: tracking.In, ReadDate: "2024-07-09-01-30-00-250-PM"},
}

func TestJSONFileMissingIsEmpty(t *testing.T) {
	t.Parallel()

	j := NewJSONFile(filepath.Join(t.TempDir(), "nope", "log.json"), t.TempDir())
	recs, err := j.Load()
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestJSONFileSaveLoad(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "data", "tag_tracking.json")
	j := NewJSONFile(path, filepath.Join(dir, "backups"))

	require.NoError(t, j.Save(sample))
	got, err := j.Load()
	require.NoError(t, err)
	if diff := cmp.Diff(sample, got); diff != "" {
		t.Fatalf("records mismatch (-want +got):\n%s", diff)
	}

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "\n  {\n    \"rfid_tag\": \"E200A1\"")

	require.NoError(t, j.Save(nil))
	raw, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, "[]", string(raw))
}

func TestJSONFileCorrupt(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "log.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := NewJSONFile(path, t.TempDir()).Load()
	require.Error(t, err)
}

func TestJSONFileArchive(t *testing.T) {
	t.Parallel()

	backups := filepath.Join(t.TempDir(), "backups")
	j := NewJSONFile(filepath.Join(t.TempDir(), "log.json"), backups)

	at := time.Date(2024, 7, 9, 13, 5, 6, 0, time.UTC)
	path, err := j.Archive(sample, at)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(backups, "tag_tracking_backup_20240709_130506.json"), path)

	var got []tracking.Record
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, sample, got)
}

func TestSQLiteSaveLoadArchive(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	db, err := OpenSQLite(filepath.Join(dir, "tracking.db"), filepath.Join(dir, "backups"))
	require.NoError(t, err)
	defer db.Close()

	recs, err := db.Load()
	require.NoError(t, err)
	assert.Empty(t, recs)

	require.NoError(t, db.Save(sample))
	require.NoError(t, db.Save(sample[:2]))
	got, err := db.Load()
	require.NoError(t, err)
	if diff := cmp.Diff(sample[:2], got); diff != "" {
		t.Fatalf("records mismatch (-want +got):\n%s", diff)
	}

	path, err := db.Archive(got, time.Date(2024, 7, 9, 13, 5, 6, 0, time.UTC))
	require.NoError(t, err)
	assert.FileExists(t, path)

	var n int
	require.NoError(t, db.db.QueryRow(`SELECT COUNT(*) FROM records_backup WHERE backup_id = ?`, "20240709_130506").Scan(&n))
	assert.Equal(t, 2, n)
}

func TestOpenSelectsBackend(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	p, err := Open(Config{DataFile: filepath.Join(dir, "log.json")})
	require.NoError(t, err)
	assert.IsType(t, &JSONFile{}, p)

	p, err = Open(Config{Type: "sqlite", DataFile: filepath.Join(dir, "log.json")})
	require.NoError(t, err)
	require.IsType(t, &SQLite{}, p)
	assert.Equal(t, filepath.Join(dir, "tracking.db"), p.(*SQLite).path)
	require.NoError(t, p.(*SQLite).Close())

	_, err = Open(Config{Type: "redis"})
	require.Error(t, err)
}

func TestStoreClearWritesBackup(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	backups := filepath.Join(dir, "backups")
	j := NewJSONFile(filepath.Join(dir, "tag_tracking.json"), backups)
	require.NoError(t, j.Save(sample))

	now := time.Date(2024, 7, 9, 14, 0, 0, 0, time.UTC)
	store, err := tracking.New(tracking.Config{Timezone: "UTC", ClearGrace: 300 * time.Second}, j, nil,
		tracking.WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	require.NoError(t, store.Open())
	require.Equal(t, 3, store.Status().TotalRecords)

	_, err = store.Clear(false)
	require.ErrorIs(t, err, tracking.ErrConfirmRequired)

	backup, err := store.Clear(true)
	require.NoError(t, err)
	assert.Equal(t, 0, store.Statistics().TotalRecords)

	var archived []tracking.Record
	raw, err := os.ReadFile(backup)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &archived))
	assert.Equal(t, sample, archived)

	onDisk, err := j.Load()
	require.NoError(t, err)
	assert.Empty(t, onDisk)

	_, err = store.Sync(sample)
	require.ErrorIs(t, err, tracking.ErrSyncRejected)
	require.NoError(t, store.Close())
}

func readBackup(t *testing.T, path string) []tracking.Record {
	t.Helper()
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var recs []tracking.Record
	require.NoError(t, json.Unmarshal(raw, &recs))
	return recs
}

func TestStoreClearTwiceInOneSecondKeepsFirstBackup(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	backups := filepath.Join(dir, "backups")
	j := NewJSONFile(filepath.Join(dir, "tag_tracking.json"), backups)
	require.NoError(t, j.Save(sample[:1]))

	now := time.Date(2024, 7, 9, 14, 0, 0, 0, time.UTC)
	store, err := tracking.New(tracking.Config{Timezone: "UTC"}, j, nil,
		tracking.WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	require.NoError(t, store.Open())

	first, err := store.Clear(true)
	require.NoError(t, err)
	now = now.Add(100 * time.Millisecond)
	second, err := store.Clear(true)
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.Equal(t, filepath.Join(backups, "tag_tracking_backup_20240709_140000.json"), first)
	assert.Equal(t, filepath.Join(backups, "tag_tracking_backup_20240709_140000_1.json"), second)
	assert.Len(t, readBackup(t, first), 1)
	assert.Empty(t, readBackup(t, second))
}

func TestSQLiteArchiveSameSecond(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	db, err := OpenSQLite(filepath.Join(dir, "tracking.db"), filepath.Join(dir, "backups"))
	require.NoError(t, err)
	defer db.Close()

	at := time.Date(2024, 7, 9, 13, 5, 6, 0, time.UTC)
	first, err := db.Archive(sample, at)
	require.NoError(t, err)
	second, err := db.Archive(sample[:1], at.Add(500*time.Millisecond))
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	count := func(id string) int {
		var n int
		require.NoError(t, db.db.QueryRow(`SELECT COUNT(*) FROM records_backup WHERE backup_id = ?`, id).Scan(&n))
		return n
	}
	assert.Equal(t, 3, count("20240709_130506"))
	assert.Equal(t, 1, count("20240709_130506_1"))
	assert.Len(t, readBackup(t, first), 3)
}
