// Package session maintains the authenticated user registry: the mapping
// between user identities and their single active connection.
package session

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrInvalidCredentials indicates the authenticate payload was missing identity fields.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUnknownUser indicates the identity could not be resolved against the user directory.
	ErrUnknownUser = errors.New("unknown user")
)

// Credentials is the client-supplied authenticate payload.
type Credentials struct {
	UserID      string `json:"userId"`
	UserName    string `json:"userName"`
	DisplayName string `json:"displayName"`
	Token       string `json:"token,omitempty"`
}

// Session binds an authenticated identity to a live connection.
type Session struct {
	UserID      string    `json:"userId"`
	UserName    string    `json:"userName"`
	DisplayName string    `json:"displayName"`
	ConnID      string    `json:"connectionId"`
	ConnectedAt time.Time `json:"connectedAt"`
	IP          string    `json:"ip"`
	Restored    bool      `json:"-"`
}

// Option customises registry construction.
type Option func(*Registry)

// WithClock overrides the registry time source; primarily used in tests.
func WithClock(clock func() time.Time) Option {
	return func(r *Registry) {
		if clock != nil {
			r.now = clock
		}
	}
}

// Registry enforces at-most-one session per user. The userId→connection and
// connection→session maps are mutated together under one lock so they can
// never disagree.
type Registry struct {
	directory Directory
	now       func() time.Time

	mu       sync.Mutex
	byConn   map[string]*Session // keyed by connection id
	byUser   map[string]string   // userId → connection id
	restored map[string]Session  // userId → snapshot entry with no live connection
}

// NewRegistry constructs a registry backed by the given user directory.
func NewRegistry(directory Directory, opts ...Option) *Registry {
	if directory == nil {
		directory = AllowAllDirectory{}
	}
	r := &Registry{
		directory: directory,
		now:       time.Now,
		byConn:    make(map[string]*Session),
		byUser:    make(map[string]string),
		restored:  make(map[string]Session),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Authenticate installs a session for the connection. When the user already
// holds a session on another connection, that connection id is returned as
// evicted and its entry is removed; the caller is responsible for notifying
// and closing it (last-writer-wins).
func (r *Registry) Authenticate(connID, ip string, creds Credentials) (*Session, string, error) {
	if creds.UserID == "" || creds.UserName == "" {
		return nil, "", ErrInvalidCredentials
	}
	user, ok := r.directory.Resolve(creds.UserName)
	if !ok {
		return nil, "", ErrUnknownUser
	}
	displayName := creds.DisplayName
	if displayName == "" {
		displayName = user.DisplayName
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted string
	if existing, ok := r.byUser[creds.UserID]; ok && existing != connID {
		evicted = existing
		delete(r.byConn, existing)
		delete(r.byUser, creds.UserID)
	}
	delete(r.restored, creds.UserID)

	s := &Session{
		UserID:      creds.UserID,
		UserName:    creds.UserName,
		DisplayName: displayName,
		ConnID:      connID,
		ConnectedAt: r.now().UTC(),
		IP:          ip,
	}
	r.byConn[connID] = s
	r.byUser[creds.UserID] = connID
	return s, evicted, nil
}

// Unbind removes the session bound to connID and returns it. Calling it for
// an unknown or already-removed connection is a no-op returning nil.
func (r *Registry) Unbind(connID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byConn[connID]
	if !ok {
		return nil
	}
	delete(r.byConn, connID)
	if current, ok := r.byUser[s.UserID]; ok && current == connID {
		delete(r.byUser, s.UserID)
	}
	return s
}

// LookupByUserID returns the connection id currently bound to userID.
func (r *Registry) LookupByUserID(userID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	connID, ok := r.byUser[userID]
	return connID, ok
}

// SessionFor returns a copy of the session bound to connID.
func (r *Registry) SessionFor(connID string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byConn[connID]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// All returns a copy of every live session, used for snapshotting and stats.
func (r *Registry) All() []Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	sessions := make([]Session, 0, len(r.byConn))
	for _, s := range r.byConn {
		sessions = append(sessions, *s)
	}
	return sessions
}

// Count reports the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byConn)
}

// RestoredCount reports snapshot entries that have not re-authenticated yet.
func (r *Registry) RestoredCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.restored)
}

// Seed pre-populates the registry from a restored snapshot. Entries carry no
// live connection; they are dropped as their users re-authenticate.
func (r *Registry) Seed(sessions []Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range sessions {
		if s.UserID == "" || s.UserName == "" {
			continue
		}
		s.Restored = true
		s.ConnID = ""
		r.restored[s.UserID] = s
	}
}
