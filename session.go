package sqlsession

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// ErrNoManager is returned by Destroy on a session that was not produced by
// Start or a successful LoadSession.
var ErrNoManager = errors.New("session is not attached to a manager")

// Session is the request-scoped session context. It is created by
// Manager.Start, mutated freely by handler logic through Data, and persisted
// by Manager.WriteToDB. It has no existence beyond a single request.
type Session struct {
	// Key is the resolved session identifier, a UUID string.
	Key string
	// Data holds the decoded session payload. Never nil.
	Data map[string]any

	// startData is the raw payload as loaded from the store, used as the
	// baseline for no-op write detection. The comparison is byte-exact on
	// purpose: two deeply-equal maps can still serialize differently.
	startData []byte

	mgr *Manager
}

// Destroy deletes the session row and expires the cookie. The key is re-read
// from the inbound cookie and re-validated; when it is missing or malformed
// the in-memory context is simply reset without touching the store.
// Calling Destroy more than once is safe.
func (s *Session) Destroy(w http.ResponseWriter, r *http.Request) error {
	m := s.mgr
	if m == nil {
		return ErrNoManager
	}

	var key string
	if c, err := r.Cookie(m.cookie); err == nil {
		key = c.Value
	}
	if !isValidKey(key) {
		s.reset()
		return nil
	}

	if err := m.EnsureSchema(r.Context()); err != nil {
		return err
	}
	if err := m.store.Delete(r.Context(), key); err != nil {
		return err
	}

	m.expireCookie(w, r)
	s.reset()
	return nil
}

func (s *Session) reset() {
	s.Key = ""
	s.Data = map[string]any{}
	s.startData = nil
}

// Store defines the interface for session persistence. Migrate must complete
// before any other method is used; the Manager guarantees this ordering.
type Store interface {
	// Migrate idempotently brings the sessions table to the current schema version.
	Migrate(ctx context.Context) error
	// Get returns the raw payload for key, or nil when no row exists.
	Get(ctx context.Context, key string) ([]byte, error)
	// Upsert inserts or replaces the row for key, refreshing its updated timestamp.
	Upsert(ctx context.Context, key string, payload []byte) error
	// Delete removes the row for key. A missing row is not an error.
	Delete(ctx context.Context, key string) error
	// DeleteOlderThan removes up to limit rows whose updated timestamp is
	// before cutoff and returns the number removed.
	DeleteOlderThan(ctx context.Context, cutoff time.Time, limit int) (int64, error)
	// Close closes the store.
	Close() error
}
