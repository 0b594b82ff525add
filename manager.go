package sqlsession

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultCookieName is the name of the cookie carrying the session key.
const DefaultCookieName = "session"

var (
	// ErrInvalidSessionKey is returned when a session key fails UUID
	// validation at a point where a valid key is required.
	ErrInvalidSessionKey = errors.New("invalid session key")

	// ErrNoCookieAccess is returned by Start when the request/response pair
	// cannot carry cookies.
	ErrNoCookieAccess = errors.New("request/response pair has no cookie access")
)

type Manager struct {
	store          Store
	log            *slog.Logger
	cookie         string
	cookiePath     string
	cookieDomain   string
	deleteLimit    int
	deleteKeepDays int
	deleteOnWrite  bool
	sessionExpire  int
	httpOnly       bool
	secure         *bool
	sameSite       http.SameSite
	cleanup        time.Duration
	stopChan       chan struct{}

	migrateOnce sync.Once
	migrateErr  error
}

type Config struct {
	Store Store

	// Logger receives cleanup and error events. Defaults to slog.Default().
	Logger *slog.Logger

	CookieName   string
	CookiePath   string
	CookieDomain string

	// DeleteLimit bounds how many stale rows one cleanup pass may remove.
	// Default 100.
	DeleteLimit int
	// DeleteKeepDays is the retention window in days for stale rows.
	// Default 10.
	DeleteKeepDays int
	// DeleteOnWrite triggers a background cleanup pass after each store
	// write. Default true.
	DeleteOnWrite *bool
	// SessionExpire is the cookie lifetime in days. 0 issues a
	// browser-session cookie with no expiry attribute.
	SessionExpire int

	HttpOnly *bool
	Secure   *bool
	SameSite http.SameSite

	// CleanupInterval enables a periodic cleanup worker when > 0.
	CleanupInterval time.Duration
}

func NewManager(cfg Config) *Manager {
	if cfg.CookieName == "" {
		cfg.CookieName = DefaultCookieName
	}
	if cfg.CookiePath == "" {
		cfg.CookiePath = "/"
	}
	if cfg.DeleteLimit == 0 {
		cfg.DeleteLimit = 100
	}
	if cfg.DeleteKeepDays == 0 {
		cfg.DeleteKeepDays = 10
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	m := &Manager{
		store:          cfg.Store,
		log:            cfg.Logger,
		cookie:         cfg.CookieName,
		cookiePath:     cfg.CookiePath,
		cookieDomain:   cfg.CookieDomain,
		deleteLimit:    cfg.DeleteLimit,
		deleteKeepDays: cfg.DeleteKeepDays,
		deleteOnWrite:  true, // Default
		sessionExpire:  cfg.SessionExpire,
		httpOnly:       true, // Default
		secure:         cfg.Secure,
		sameSite:       http.SameSiteLaxMode, // Default
		cleanup:        cfg.CleanupInterval,
		stopChan:       make(chan struct{}),
	}

	if cfg.DeleteOnWrite != nil {
		m.deleteOnWrite = *cfg.DeleteOnWrite
	}

	if cfg.HttpOnly != nil {
		m.httpOnly = *cfg.HttpOnly
	}

	if cfg.SameSite != 0 {
		m.sameSite = cfg.SameSite
	}

	// Security: SameSite=None requires Secure=true.
	// Browsers reject SameSite=None cookies if the Secure attribute is missing.
	// We enforce this even if the user didn't explicitly set Secure=true.
	if m.sameSite == http.SameSiteNoneMode {
		secure := true
		m.secure = &secure
	}

	if m.cleanup > 0 {
		go m.cleanupWorker()
	}

	return m
}

func (m *Manager) cleanupWorker() {
	ticker := time.NewTicker(m.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.cleanupPass()
		case <-m.stopChan:
			return
		}
	}
}

func (m *Manager) Close() error {
	close(m.stopChan)
	return m.store.Close()
}

// EnsureSchema runs the store's migrations exactly once per Manager. The
// first caller performs the run; concurrent callers block until it completes
// and observe the same result. Safe to call any number of times.
func (m *Manager) EnsureSchema(ctx context.Context) error {
	m.migrateOnce.Do(func() {
		m.migrateErr = m.store.Migrate(ctx)
		if m.migrateErr == nil {
			m.log.Debug("session schema ready")
		}
	})
	return m.migrateErr
}

// Start resolves the session for a request: it reads the key from the
// inbound cookie, validates it, loads the matching row, and refreshes the
// outbound cookie. A missing, malformed, or unknown key yields a freshly
// minted key with empty data; a corrupt stored payload is a fatal error.
func (m *Manager) Start(w http.ResponseWriter, r *http.Request) (*Session, error) {
	if w == nil || r == nil {
		return nil, ErrNoCookieAccess
	}

	if err := m.EnsureSchema(r.Context()); err != nil {
		return nil, err
	}

	s := &Session{Data: map[string]any{}, mgr: m}

	var key string
	if c, err := r.Cookie(m.cookie); err == nil {
		key = c.Value
	}
	// A malformed key is treated like no key at all, so a client can never
	// dictate its own session identifier.
	if !isValidKey(key) {
		key = ""
	}

	if key == "" {
		s.Key = uuid.NewString()
		m.setCookie(w, r, s.Key)
		return s, nil
	}

	payload, err := m.store.Get(r.Context(), key)
	if err != nil {
		return nil, err
	}
	if payload == nil {
		// The key is unknown to the store: either expired or spoofed. Mint a
		// fresh one rather than echoing it back, so the response never leaks
		// whether a given key ever existed.
		m.log.Debug("no session row for presented key, minting a new one")
		s.Key = uuid.NewString()
		m.setCookie(w, r, s.Key)
		return s, nil
	}

	data := map[string]any{}
	if err := json.Unmarshal(payload, &data); err != nil {
		// Corrupt session data must surface, not silently become an empty
		// session; that could hide a data-integrity bug.
		return nil, fmt.Errorf("decode session payload for key %q: %w", key, err)
	}

	s.Key = key
	s.Data = data
	s.startData = payload
	m.setCookie(w, r, key)
	return s, nil
}

// WriteToDB persists the session at the end of a request. Empty data deletes
// the row instead of storing it; data whose serialization matches the loaded
// baseline is skipped entirely. A successful write triggers a background
// cleanup pass when DeleteOnWrite is enabled.
func (m *Manager) WriteToDB(ctx context.Context, s *Session) error {
	// A handler replacing Data with nil means the same as emptying it; nil
	// would otherwise serialize to "null" and dodge the empty-object delete.
	if s.Data == nil {
		s.Data = map[string]any{}
	}

	payload, err := json.Marshal(s.Data)
	if err != nil {
		m.log.Error("encode session data failed", "key", s.Key, "error", err)
		return fmt.Errorf("encode session data: %w", err)
	}

	if err := m.EnsureSchema(ctx); err != nil {
		return err
	}

	if string(payload) == "{}" {
		// Key format is checked before any store mutation keyed by it. An
		// empty session under an invalid key has nothing stored to remove.
		if !isValidKey(s.Key) {
			return nil
		}
		return m.store.Delete(ctx, s.Key)
	}

	if !isValidKey(s.Key) {
		return ErrInvalidSessionKey
	}

	if bytes.Equal(payload, s.startData) {
		return nil
	}

	if err := m.store.Upsert(ctx, s.Key, payload); err != nil {
		return err
	}
	s.startData = payload

	if m.deleteOnWrite {
		go m.cleanupPass()
	}

	return nil
}

// LoadSession loads a session by an explicitly supplied key, bypassing
// cookie resolution. On success it populates s, refreshes the outbound
// cookie, and reports true; an unknown or malformed key leaves s untouched
// and reports false without error.
func (m *Manager) LoadSession(w http.ResponseWriter, r *http.Request, s *Session, key string) (bool, error) {
	if !isValidKey(key) {
		return false, nil
	}

	if err := m.EnsureSchema(r.Context()); err != nil {
		return false, err
	}

	payload, err := m.store.Get(r.Context(), key)
	if err != nil {
		return false, err
	}
	if payload == nil {
		return false, nil
	}

	data := map[string]any{}
	if err := json.Unmarshal(payload, &data); err != nil {
		return false, fmt.Errorf("decode session payload for key %q: %w", key, err)
	}

	s.Key = key
	s.Data = data
	s.startData = payload
	s.mgr = m
	m.setCookie(w, r, key)
	return true, nil
}

// DeleteOldSessions removes rows whose updated timestamp is older than the
// retention window, bounded by DeleteLimit rows per invocation. It returns
// the number of rows removed.
func (m *Manager) DeleteOldSessions(ctx context.Context) (int64, error) {
	if err := m.EnsureSchema(ctx); err != nil {
		return 0, err
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -m.deleteKeepDays)
	n, err := m.store.DeleteOlderThan(ctx, cutoff, m.deleteLimit)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.log.Debug("removed stale sessions", "count", n)
	}
	return n, nil
}

// cleanupPass is the fire-and-forget cleanup entry point. Failures are
// logged, never propagated to the request that triggered the pass.
func (m *Manager) cleanupPass() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := m.DeleteOldSessions(ctx); err != nil {
		m.log.Error("session cleanup failed", "error", err)
	}
}

type sessionContextKey struct{}

// Middleware wraps next in the session lifecycle: Start before the handler,
// WriteToDB after it. The session is available to handlers via FromRequest.
func (m *Manager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s, err := m.Start(w, r)
		if err != nil {
			m.log.Error("session start failed", "error", err)
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}

		r = r.WithContext(context.WithValue(r.Context(), sessionContextKey{}, s))
		next.ServeHTTP(w, r)

		if err := m.WriteToDB(r.Context(), s); err != nil {
			m.log.Error("session write failed", "key", s.Key, "error", err)
		}
	})
}

// FromRequest returns the session attached by Middleware, or nil when the
// request did not pass through it.
func FromRequest(r *http.Request) *Session {
	s, _ := r.Context().Value(sessionContextKey{}).(*Session)
	return s
}

func (m *Manager) setCookie(w http.ResponseWriter, r *http.Request, key string) {
	c := &http.Cookie{
		Name:     m.cookie,
		Value:    key,
		Path:     m.cookiePath,
		Domain:   m.cookieDomain,
		HttpOnly: m.httpOnly,
		Secure:   m.isSecure(r),
		SameSite: m.sameSite,
	}
	if m.sessionExpire > 0 {
		c.Expires = time.Now().AddDate(0, 0, m.sessionExpire)
		c.MaxAge = m.sessionExpire * 24 * 60 * 60
	}
	http.SetCookie(w, c)
}

func (m *Manager) expireCookie(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     m.cookie,
		Value:    "",
		Path:     m.cookiePath,
		Domain:   m.cookieDomain,
		MaxAge:   -1,
		HttpOnly: m.httpOnly,
		Secure:   m.isSecure(r),
		SameSite: m.sameSite,
	})
}

func (m *Manager) isSecure(r *http.Request) bool {
	if m.secure != nil {
		return *m.secure
	}
	return r != nil && r.TLS != nil
}

// isValidKey reports whether key is a canonical 36-character UUID. Any UUID
// version is accepted on input; minted keys are always v4. The length pin
// rejects the urn:, braced, and undashed forms uuid.Validate would allow.
func isValidKey(key string) bool {
	if len(key) != 36 {
		return false
	}
	return uuid.Validate(key) == nil
}
