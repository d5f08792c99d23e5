package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
)

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

// TableExists reports whether table is present in the database.
func (db *DB) TableExists(table string) (bool, error) {
	var n int
	err := db.conn.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check table %s: %w", table, err)
	}
	return n > 0, nil
}

// GetSchemaVersion returns the recorded schema version, 0 when none is set.
func (db *DB) GetSchemaVersion() (int, error) {
	var raw string
	err := db.conn.QueryRow(`SELECT value FROM schema_info WHERE key = 'version'`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parse schema version %q: %w", raw, err)
	}
	return v, nil
}

func setSchemaVersion(e execer, version int) error {
	_, err := e.Exec(`INSERT OR REPLACE INTO schema_info (key, value) VALUES ('version', ?)`, strconv.Itoa(version))
	if err != nil {
		return fmt.Errorf("set schema version %d: %w", version, err)
	}
	return nil
}

// RunMigrations applies every migration newer than the recorded version.
// Each migration and its version bump commit together, so an interrupted
// run resumes at the first unapplied step. Returns how many ran.
func (db *DB) RunMigrations() (int, error) {
	if v, err := db.GetSchemaVersion(); err == nil && v >= SchemaVersion {
		return 0, nil
	}

	ctx := context.Background()
	ran := 0
	for _, m := range Migrations {
		applied := false
		err := db.WithTx(ctx, func(tx *sql.Tx) error {
			current, err := versionTx(tx)
			if err != nil {
				return err
			}
			if m.Version <= current {
				return nil
			}
			if _, err := tx.Exec(m.SQL); err != nil {
				return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
			}
			applied = true
			return setSchemaVersion(tx, m.Version)
		})
		if err != nil {
			return ran, err
		}
		if applied {
			ran++
		}
	}

	return ran, db.WithTx(ctx, func(tx *sql.Tx) error {
		return setSchemaVersion(tx, SchemaVersion)
	})
}

// versionTx reads the schema version inside tx. A fresh database carries
// the base schema, which is version 1.
func versionTx(tx *sql.Tx) (int, error) {
	var raw string
	err := tx.QueryRow(`SELECT value FROM schema_info WHERE key = 'version'`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return 1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return strconv.Atoi(raw)
}
