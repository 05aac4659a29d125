package tably

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// ============================================================================
// Session Model
// ============================================================================

// Identity describes who the session belongs to within its company tenant.
type Identity struct {
	UserID    string `json:"userId" toml:"user_id"`
	CompanyID string `json:"companyId" toml:"company_id"`
	Role      string `json:"role" toml:"role"`
}

// Session is the authenticated state held by a CredentialStore. The access
// and refresh tokens always travel together: a session is replaced or
// cleared as a whole, never one token at a time.
type Session struct {
	AccessToken  string    `json:"accessToken" toml:"access_token"`
	RefreshToken string    `json:"refreshToken" toml:"refresh_token"`
	Identity     Identity  `json:"identity" toml:"identity"`
	ExpiresAt    time.Time `json:"expiresAt,omitempty" toml:"expires_at,omitempty"`
}

// Expired reports whether the advisory expiry hint has passed. The SDK never
// acts on this preemptively; recovery is driven by authorization failures.
func (s *Session) Expired() bool {
	return !s.ExpiresAt.IsZero() && time.Now().After(s.ExpiresAt)
}

// ============================================================================
// Credential Store
// ============================================================================

// CredentialStore is the session source of truth the SDK consumes. The host
// application may bring its own implementation; MemoryCredentialStore and
// FileCredentialStore cover tests and the CLI.
type CredentialStore interface {
	// Session returns the current session, or nil when logged out. The
	// returned value must be treated as immutable.
	Session() *Session

	// SetSession atomically replaces the whole session. Both tokens are
	// required; there is no partial update.
	SetSession(s *Session) error

	// ClearSession atomically drops the session.
	ClearSession() error

	// OnChange registers an observer invoked synchronously after every
	// replacement or clear, with the new session (nil after a clear). The
	// returned func removes the observer; removal is idempotent.
	OnChange(fn func(*Session)) (remove func())
}

func validSession(s *Session) error {
	if s == nil {
		return fmt.Errorf("session must not be nil; use ClearSession")
	}
	if s.AccessToken == "" || s.RefreshToken == "" {
		return fmt.Errorf("session requires both access and refresh tokens")
	}
	return nil
}

// sessionWatchers fans session changes out to registered observers in
// registration order.
type sessionWatchers struct {
	mu   sync.Mutex
	next int
	fns  []sessionWatcher
}

type sessionWatcher struct {
	id int
	fn func(*Session)
}

func (w *sessionWatchers) add(fn func(*Session)) (remove func()) {
	w.mu.Lock()
	id := w.next
	w.next++
	w.fns = append(w.fns, sessionWatcher{id: id, fn: fn})
	w.mu.Unlock()

	return func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		for i, sw := range w.fns {
			if sw.id == id {
				w.fns = append(w.fns[:i], w.fns[i+1:]...)
				return
			}
		}
	}
}

func (w *sessionWatchers) notify(s *Session) {
	w.mu.Lock()
	snapshot := make([]sessionWatcher, len(w.fns))
	copy(snapshot, w.fns)
	w.mu.Unlock()

	for _, sw := range snapshot {
		sw.fn(s)
	}
}

// ============================================================================
// MemoryCredentialStore
// ============================================================================

// MemoryCredentialStore keeps the session in memory. Zero value not usable;
// construct with NewMemoryCredentialStore.
type MemoryCredentialStore struct {
	mu      sync.RWMutex
	current *Session
	watch   sessionWatchers
}

func NewMemoryCredentialStore() *MemoryCredentialStore {
	return &MemoryCredentialStore{}
}

func (m *MemoryCredentialStore) Session() *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

func (m *MemoryCredentialStore) SetSession(s *Session) error {
	if err := validSession(s); err != nil {
		return err
	}
	cp := *s
	m.mu.Lock()
	m.current = &cp
	m.mu.Unlock()

	m.watch.notify(&cp)
	return nil
}

func (m *MemoryCredentialStore) ClearSession() error {
	m.mu.Lock()
	m.current = nil
	m.mu.Unlock()

	m.watch.notify(nil)
	return nil
}

func (m *MemoryCredentialStore) OnChange(fn func(*Session)) (remove func()) {
	return m.watch.add(fn)
}

// ============================================================================
// FileCredentialStore
// ============================================================================

// FileCredentialStore persists the session snapshot as a TOML file so a
// session survives process restarts (the CLI uses ~/.tably/session.toml).
// The file carries tokens and is written 0600.
type FileCredentialStore struct {
	path string

	mu      sync.RWMutex
	current *Session
	watch   sessionWatchers
}

// NewFileCredentialStore loads the snapshot at path. A missing file means
// logged out, not an error.
func NewFileCredentialStore(path string) (*FileCredentialStore, error) {
	f := &FileCredentialStore{path: path}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return f, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}

	var s Session
	if err := toml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse session file: %w", err)
	}
	if s.AccessToken != "" && s.RefreshToken != "" {
		f.current = &s
	}
	return f, nil
}

func (f *FileCredentialStore) Session() *Session {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.current
}

func (f *FileCredentialStore) SetSession(s *Session) error {
	if err := validSession(s); err != nil {
		return err
	}

	data, err := toml.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	cp := *s
	f.mu.Lock()
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		f.mu.Unlock()
		return fmt.Errorf("failed to create session dir: %w", err)
	}
	if err := os.WriteFile(f.path, data, 0o600); err != nil {
		f.mu.Unlock()
		return fmt.Errorf("failed to write session file: %w", err)
	}
	f.current = &cp
	f.mu.Unlock()

	f.watch.notify(&cp)
	return nil
}

func (f *FileCredentialStore) ClearSession() error {
	f.mu.Lock()
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		f.mu.Unlock()
		return fmt.Errorf("failed to remove session file: %w", err)
	}
	f.current = nil
	f.mu.Unlock()

	f.watch.notify(nil)
	return nil
}

func (f *FileCredentialStore) OnChange(fn func(*Session)) (remove func()) {
	return f.watch.add(fn)
}
