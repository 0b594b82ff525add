package sqlsession

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

type PostgreSQLStore struct {
	db          *sql.DB
	mu          sync.Mutex // Guards one-shot migration/prepare
	getStmt     *sql.Stmt
	upsertStmt  *sql.Stmt
	deleteStmt  *sql.Stmt
	cleanupStmt *sql.Stmt
}

// PostgreSQLConfig holds configuration for the PostgreSQL store.
type PostgreSQLConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// NewPostgreSQLStore creates a new PostgreSQL store with default configuration.
func NewPostgreSQLStore(dsn string) (*PostgreSQLStore, error) {
	return NewPostgreSQLStoreWithConfig(PostgreSQLConfig{
		DSN:             dsn,
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 1 * time.Minute,
	})
}

// NewPostgreSQLStoreWithConfig creates a new PostgreSQL store with custom configuration.
func NewPostgreSQLStoreWithConfig(cfg PostgreSQLConfig) (*PostgreSQLStore, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgresql database: %w", err)
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
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgresql database: %w", err)
	}

	return &PostgreSQLStore{db: db}, nil
}

var postgresMigrations = []migration{
	{
		Name: "0001_create_sessions",
		SQL: `CREATE TABLE IF NOT EXISTS sessions (
			uuid CHAR(36) PRIMARY KEY,
			json VARCHAR(15000) NOT NULL,
			updated TIMESTAMPTZ NOT NULL DEFAULT now()
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
func (s *PostgreSQLStore) Migrate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.getStmt != nil {
		return nil
	}

	d := migrationDialect{
		createVersionTable: `CREATE TABLE IF NOT EXISTS sessions_db_version (
			name TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		selectApplied: `SELECT 1 FROM sessions_db_version WHERE name = $1`,
		insertApplied: `INSERT INTO sessions_db_version (name) VALUES ($1) ON CONFLICT DO NOTHING`,
	}
	if err := applyMigrations(ctx, s.db, d, postgresMigrations); err != nil {
		return err
	}

	return s.prepare()
}

func (s *PostgreSQLStore) prepare() error {
	var err error

	s.getStmt, err = s.db.Prepare("SELECT json FROM sessions WHERE uuid = $1")
	if err != nil {
		return fmt.Errorf("failed to prepare get statement: %w", err)
	}

	s.upsertStmt, err = s.db.Prepare(`
		INSERT INTO sessions (uuid, json, updated)
		VALUES ($1, $2, $3)
		ON CONFLICT (uuid) DO UPDATE SET
			json = EXCLUDED.json,
			updated = EXCLUDED.updated
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare upsert statement: %w", err)
	}

	s.deleteStmt, err = s.db.Prepare("DELETE FROM sessions WHERE uuid = $1")
	if err != nil {
		return fmt.Errorf("failed to prepare delete statement: %w", err)
	}

	s.cleanupStmt, err = s.db.Prepare(`
		DELETE FROM sessions WHERE uuid IN (
			SELECT uuid FROM sessions WHERE updated < $1 ORDER BY updated LIMIT $2
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare cleanup statement: %w", err)
	}

	return nil
}

func (s *PostgreSQLStore) Get(ctx context.Context, key string) ([]byte, error) {
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

func (s *PostgreSQLStore) Upsert(ctx context.Context, key string, payload []byte) error {
	_, err := s.upsertStmt.ExecContext(ctx, key, string(payload), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert session: %w", err)
	}
	return nil
}

func (s *PostgreSQLStore) Delete(ctx context.Context, key string) error {
	_, err := s.deleteStmt.ExecContext(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func (s *PostgreSQLStore) DeleteOlderThan(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	res, err := s.cleanupStmt.ExecContext(ctx, cutoff.UTC(), limit)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup stale sessions: %w", err)
	}
	return res.RowsAffected()
}

func (s *PostgreSQLStore) Close() error {
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
