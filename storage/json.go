package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/natefinch/atomic"
	"github.com/rs/zerolog/log"

	"rfidtrack/tracking"
)

const dirPerms = 0o755

// JSONFile keeps the log as one indented JSON array, replaced atomically on
// every save.
type JSONFile struct {
	path      string
	backupDir string
}

// NewJSONFile creates a JSON backend. Nothing is touched until first use.
func NewJSONFile(path, backupDir string) *JSONFile {
	return &JSONFile{path: path, backupDir: backupDir}
}

// Path returns the data file location.
func (j *JSONFile) Path() string {
	return j.path
}

// Load reads the log. A missing file is an empty log.
func (j *JSONFile) Load() ([]tracking.Record, error) {
	data, err := os.ReadFile(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", j.path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	var recs []tracking.Record
	if err := json.Unmarshal(data, &recs); err != nil {
		return nil, fmt.Errorf("decode %s: %w", j.path, err)
	}
	return recs, nil
}

// Save replaces the file with recs.
func (j *JSONFile) Save(recs []tracking.Record) error {
	return writeJSON(j.path, recs)
}

// Archive writes recs to a timestamped file in the backup directory.
func (j *JSONFile) Archive(recs []tracking.Record, at time.Time) (string, error) {
	_, path, err := reserveBackup(j.backupDir, at, nil)
	if err != nil {
		return "", err
	}
	if err := writeJSON(path, recs); err != nil {
		os.Remove(path)
		return "", err
	}
	log.Info().Str("component", "storage").Str("backup", path).Int("records", len(recs)).Msg("archived records")
	return path, nil
}

func writeJSON(path string, recs []tracking.Record) error {
	if recs == nil {
		recs = []tracking.Record{}
	}
	data, err := json.MarshalIndent(recs, "", "  ")
	if err != nil {
		return fmt.Errorf("encode records: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), dirPerms); err != nil {
		return fmt.Errorf("create directory for %s: %w", path, err)
	}
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
