package sqlsession

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

type SQLiteStore struct {
	db          *sql.DB
	mu          sync.Mutex // Serializes writes to avoid SQLITE_BUSY
	getStmt     *sql.Stmt
	upsertStmt  *sql.Stmt
	deleteStmt  *sql.Stmt
	cleanupStmt *sql.Stmt
}

// SQLiteConfig holds configuration for the SQLite store.
type SQLiteConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	return NewSQLiteStoreWithConfig(SQLiteConfig{
		DSN:          dsn,
		MaxOpenConns: 16, // Allow concurrent readers (writers are serialized by mutex)
		MaxIdleConns: 16,
	})
}

func NewSQLiteStoreWithConfig(cfg SQLiteConfig) (*SQLiteStore, error) {
	// Inject PRAGMAs into DSN to ensure they apply to all connections in the pool.

	// synchronous=NORMAL is safe in WAL mode and faster.
	if !strings.Contains(cfg.DSN, "synchronous") {
		separator := "?"
		if strings.Contains(cfg.DSN, "?") {
			separator = "&"
		}
		cfg.DSN = fmt.Sprintf("%s%s_pragma=synchronous=NORMAL", cfg.DSN, separator)
	}

	// busy_timeout to wait for locks
	if !strings.Contains(cfg.DSN, "busy_timeout") {
		separator := "?"
		if strings.Contains(cfg.DSN, "?") {
			separator = "&"
		}
		cfg.DSN = fmt.Sprintf("%s%s_pragma=busy_timeout=5000", cfg.DSN, separator)
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	// Enable WAL mode for better concurrent writes.
	// This is persistent for the database file, so executing it once is sufficient.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

var sqliteMigrations = []migration{
	{
		Name: "0001_create_sessions",
		SQL: `CREATE TABLE IF NOT EXISTS sessions (
			uuid TEXT PRIMARY KEY,
			json TEXT NOT NULL,
			updated TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
	},
	{
		Name: "0002_index_updated",
		SQL:  `CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated)`,
	},
}

// Migrate brings the sessions table to the current schema version and
// prepares the store's statements. It must complete before any other store
// method runs; calling it again is a no-op.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.getStmt != nil {
		return nil
	}

	d := migrationDialect{
		createVersionTable: `CREATE TABLE IF NOT EXISTS sessions_db_version (
			name TEXT PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		selectApplied: `SELECT 1 FROM sessions_db_version WHERE name = ?`,
		insertApplied: `INSERT OR IGNORE INTO sessions_db_version (name) VALUES (?)`,
	}
	if err := applyMigrations(ctx, s.db, d, sqliteMigrations); err != nil {
		return err
	}

	return s.prepare()
}

func (s *SQLiteStore) prepare() error {
	var err error

	s.getStmt, err = s.db.Prepare("SELECT json FROM sessions WHERE uuid = ?")
	if err != nil {
		return fmt.Errorf("failed to prepare get statement: %w", err)
	}

	s.upsertStmt, err = s.db.Prepare(`
		INSERT INTO sessions (uuid, json, updated)
		VALUES (?, ?, ?)
		ON CONFLICT(uuid) DO UPDATE SET
			json = excluded.json,
			updated = excluded.updated
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare upsert statement: %w", err)
	}

	s.deleteStmt, err = s.db.Prepare("DELETE FROM sessions WHERE uuid = ?")
	if err != nil {
		return fmt.Errorf("failed to prepare delete statement: %w", err)
	}

	s.cleanupStmt, err = s.db.Prepare(`
		DELETE FROM sessions WHERE uuid IN (
			SELECT uuid FROM sessions WHERE updated < ? ORDER BY updated LIMIT ?
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare cleanup statement: %w", err)
	}

	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, error) {
	var payload []byte
	err := s.getStmt.QueryRowContext(ctx, key).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil // Not found
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	return payload, nil
}

func (s *SQLiteStore) Upsert(ctx context.Context, key string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// updated is bound from Go so the value compares consistently with the
	// cleanup cutoff regardless of the driver's timestamp formatting.
	_, err := s.upsertStmt.ExecContext(ctx, key, string(payload), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.deleteStmt.ExecContext(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteOlderThan(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.cleanupStmt.ExecContext(ctx, cutoff.UTC(), limit)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup stale sessions: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) Close() error {
	if s.getStmt != nil {
		s.getStmt.Close()
	}
	if s.upsertStmt != nil {
		s.upsertStmt.Close()
	}
	if s.deleteStmt != nil {
		s.deleteStmt.Close()
	}
	if s.cleanupStmt != nil {
		s.cleanupStmt.Close()
	}
	return s.db.Close()
}
