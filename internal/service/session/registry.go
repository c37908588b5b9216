package session

import (
	"errors"
	"sync"
	"time"

	"github.com/zhouzirui/intergram/backend/internal/model/chat"
)

var (
	ErrEmptySessionID  = errors.New("sessionID is not specified")
	ErrDuplicateKey    = errors.New("session already connected")
	ErrSessionNotFound = errors.New("session not found")
)

// Registry tracks the live widget sessions by key.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]chat.Session
	now      func() time.Time
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]chat.Session),
		now:      time.Now,
	}
}

// Register adds a live session and returns its key. A key that is already
// live is rejected rather than replaced.
func (r *Registry) Register(name, sessionID string, conn chat.Conn) (string, error) {
	if sessionID == "" {
		return "", ErrEmptySessionID
	}

	key := chat.Key(name, sessionID)
	session := chat.Session{
		Key:         key,
		Name:        name,
		SessionID:   sessionID,
		ConnectedAt: r.now().UTC(),
		Conn:        conn,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[key]; exists {
		return "", ErrDuplicateKey
	}
	r.sessions[key] = session
	return key, nil
}

// Lookup returns a copy of the session stored under key.
func (r *Registry) Lookup(key string) (chat.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, ok := r.sessions[key]
	if !ok {
		return chat.Session{}, ErrSessionNotFound
	}
	return session, nil
}

// MarkSent records that the session sent text. It reports false when the
// session is already gone.
func (r *Registry) MarkSent(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[key]
	if !ok {
		return false
	}
	if !session.HasSentMessage {
		session.HasSentMessage = true
		r.sessions[key] = session
	}
	return true
}

// Remove deletes the session and returns its final state. Removing an
// unknown key is a no-op.
func (r *Registry) Remove(key string) (chat.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[key]
	if !ok {
		return chat.Session{}, false
	}
	delete(r.sessions, key)
	return session, true
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
