package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const dbFile = "tandem.db"

// DB wraps the local database connection
type DB struct {
	conn    *sql.DB
	baseDir string

	// mu serializes writers inside this process; the file lock covers other processes.
	mu    sync.Mutex
	clock func() time.Time
}

// Open opens the database and runs any pending migrations
func Open(baseDir string) (*DB, error) {
	dbPath := filepath.Join(baseDir, dbFile)

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("database not found: run 'tandem init' first")
	}

	return open(baseDir, dbPath)
}

// Initialize creates the database if needed and runs migrations
func Initialize(baseDir string) (*DB, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	return open(baseDir, filepath.Join(baseDir, dbFile))
}

func open(baseDir, dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db, err := setup(conn, baseDir)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

// Wrap adopts an already opened connection, creating the schema on it.
// The connection may come from any SQLite driver. No file lock is taken for
// wrapped connections, only the in-process write mutex.
func Wrap(conn *sql.DB) (*DB, error) {
	return setup(conn, "")
}

func setup(conn *sql.DB, baseDir string) (*DB, error) {
	// A single connection keeps pragmas and in-memory databases consistent
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	conn.Exec("PRAGMA synchronous=NORMAL")

	if _, err := conn.Exec(schema()); err != nil {
		return nil, fmt.Errorf("create schema: %w", err)
	}

	db := &DB{conn: conn, baseDir: baseDir}
	if _, err := db.RunMigrations(); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return db, nil
}

// Close closes the database
func (db *DB) Close() error {
	return db.conn.Close()
}

// BaseDir returns the base directory for the database, empty for wrapped connections
func (db *DB) BaseDir() string {
	return db.baseDir
}

// Conn returns the underlying *sql.DB for read queries.
// Writers must go through WithTx.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// withWriteLock executes fn while holding the process mutex and, for
// file-backed databases, the cross-process file lock.
func (db *DB) withWriteLock(fn func() error) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.baseDir != "" {
		locker := newWriteLocker(db.baseDir)
		if err := locker.acquire(defaultTimeout); err != nil {
			return err
		}
		defer locker.release()
	}
	return fn()
}

// WithTx runs fn inside a transaction under the write lock. The transaction
// commits when fn returns nil and rolls back otherwise.
func (db *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return db.withWriteLock(func() error {
		tx, err := db.conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		if err := fn(tx); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}
