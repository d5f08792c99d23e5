package db

import (
	"context"
	"database/sql"
	"fmt"
)

// GetValue reads a key from kv_store. ok is false when the key is absent.
func (db *DB) GetValue(ctx context.Context, key string) (value string, ok bool, err error) {
	err = db.conn.QueryRowContext(ctx, `SELECT value FROM kv_store WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return value, true, nil
}

// SetValue writes a key to kv_store, replacing any previous value.
func (db *DB) SetValue(ctx context.Context, key, value string) error {
	return db.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO kv_store (key, value) VALUES (?, ?)`, key, value)
		return err
	})
}

// SetValueIfAbsent writes value only when key has no value yet, then returns
// whichever value is stored. Concurrent callers all observe the same winner.
func (db *DB) SetValueIfAbsent(ctx context.Context, key, value string) (string, error) {
	var stored string
	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO kv_store (key, value) VALUES (?, ?)`, key, value); err != nil {
			return err
		}
		return tx.QueryRowContext(ctx, `SELECT value FROM kv_store WHERE key = ?`, key).Scan(&stored)
	})
	if err != nil {
		return "", fmt.Errorf("set %s: %w", key, err)
	}
	return stored, nil
}
