package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"rfidtrack/tracking"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
	seq       INTEGER PRIMARY KEY,
	rfid_tag  TEXT NOT NULL,
	direction TEXT NOT NULL,
	read_date TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS records_backup (
	backup_id TEXT NOT NULL,
	seq       INTEGER NOT NULL,
	rfid_tag  TEXT NOT NULL,
	direction TEXT NOT NULL,
	read_date TEXT NOT NULL,
	PRIMARY KEY (backup_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_records_tag ON records(rfid_tag);
`

// SQLite keeps the log in a single-writer SQLite database. Archives are kept
// both in a backup table and as a JSON file so a clear is recoverable without
// the database.
type SQLite struct {
	db        *sql.DB
	path      string
	backupDir string
}

// OpenSQLite opens or creates the database at path.
func OpenSQLite(path, backupDir string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), dirPerms); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite doesn't handle concurrent writes well
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLite{db: db, path: path, backupDir: backupDir}, nil
}

// Load returns the log in insertion order.
func (s *SQLite) Load() ([]tracking.Record, error) {
	rows, err := s.db.Query(`SELECT rfid_tag, direction, read_date FROM records ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var recs []tracking.Record
	for rows.Next() {
		var r tracking.Record
		var dir string
		if err := rows.Scan(&r.RFIDTag, &dir, &r.ReadDate); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		r.Direction = tracking.Direction(dir)
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// Save replaces the table contents in one transaction.
func (s *SQLite) Save(recs []tracking.Record) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM records`); err != nil {
		return fmt.Errorf("truncate records: %w", err)
	}
	if err := insertAll(tx, `INSERT INTO records (seq, rfid_tag, direction, read_date) VALUES (?, ?, ?, ?)`, recs); err != nil {
		return err
	}
	return tx.Commit()
}

// Archive copies recs into records_backup and writes the JSON backup file.
func (s *SQLite) Archive(recs []tracking.Record, at time.Time) (string, error) {
	id, path, err := reserveBackup(s.backupDir, at, s.backupTaken)
	if err != nil {
		return "", err
	}
	if err := writeJSON(path, recs); err != nil {
		os.Remove(path)
		return "", err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO records_backup (backup_id, seq, rfid_tag, direction, read_date) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return "", fmt.Errorf("prepare backup insert: %w", err)
	}
	defer stmt.Close()
	for i, r := range recs {
		if _, err := stmt.Exec(id, i, r.RFIDTag, string(r.Direction), r.ReadDate); err != nil {
			return "", fmt.Errorf("insert backup record: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit backup: %w", err)
	}
	return path, nil
}

func (s *SQLite) backupTaken(id string) (bool, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM records_backup WHERE backup_id = ?`, id).Scan(&n); err != nil {
		return false, fmt.Errorf("check backup id: %w", err)
	}
	return n > 0, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func insertAll(tx *sql.Tx, query string, recs []tracking.Record) error {
	stmt, err := tx.Prepare(query)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, r := range recs {
		if _, err := stmt.Exec(i, r.RFIDTag, string(r.Direction), r.ReadDate); err != nil {
			return fmt.Errorf("insert record: %w", err)
		}
	}
	return nil
}
