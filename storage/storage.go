// Package storage implements the durable homes of the tracking log.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"rfidtrack/tracking"
)

// Config selects and configures a persistence backend.
type Config struct {
	Type      string `yaml:"type"`       // "json" (default) or "sqlite"
	DataFile  string `yaml:"data_file"`  // JSON log, e.g. "data/tag_tracking.json"
	DBPath    string `yaml:"db_path"`    // SQLite database, e.g. "data/tracking.db"
	BackupDir string `yaml:"backup_dir"` // defaults to <dir of data_file>/backups
}

// Open returns the configured backend.
func Open(cfg Config) (tracking.Persister, error) {
	if cfg.DataFile == "" {
		cfg.DataFile = filepath.Join("data", "tag_tracking.json")
	}
	if cfg.BackupDir == "" {
		cfg.BackupDir = filepath.Join(filepath.Dir(cfg.DataFile), "backups")
	}

	switch cfg.Type {
	case "", "json":
		return NewJSONFile(cfg.DataFile, cfg.BackupDir), nil
	case "sqlite":
		if cfg.DBPath == "" {
			cfg.DBPath = filepath.Join(filepath.Dir(cfg.DataFile), "tracking.db")
		}
		return OpenSQLite(cfg.DBPath, cfg.BackupDir)
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}

// backupName is the file an archive taken at the given stamp is written to.
func backupName(dir, stamp string) string {
	return filepath.Join(dir, "tag_tracking_backup_"+stamp+".json")
}

const backupStamp = "20060102_150405"

// maxBackupSuffix bounds the search for a free backup name within one second.
const maxBackupSuffix = 1000

// reserveBackup claims a backup id not used by an earlier archive and
// creates its file exclusively. Archives taken in the same second get a
// numeric suffix. taken, if set, reports ids already used elsewhere.
func reserveBackup(dir string, at time.Time, taken func(id string) (bool, error)) (string, string, error) {
	if err := os.MkdirAll(dir, dirPerms); err != nil {
		return "", "", fmt.Errorf("create backup directory: %w", err)
	}

	stamp := at.Format(backupStamp)
	for n := 0; n < maxBackupSuffix; n++ {
		id := stamp
		if n > 0 {
			id = stamp + "_" + strconv.Itoa(n)
		}
		if taken != nil {
			used, err := taken(id)
			if err != nil {
				return "", "", err
			}
			if used {
				continue
			}
		}

		path := backupName(dir, id)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", "", fmt.Errorf("create backup %s: %w", path, err)
		}
		f.Close()
		return id, path, nil
	}
	return "", "", fmt.Errorf("no free backup name for %s", stamp)
}
