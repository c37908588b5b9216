package target

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrEmptyTarget is returned when a chat id is blank.
var ErrEmptyTarget = errors.New("chat id is required")

// Store persists the chat id chosen through the admin endpoint.
type Store interface {
	LoadChatTarget(ctx context.Context) (string, error)
	SaveChatTarget(ctx context.Context, id string) error
}

// ChatTarget holds the operator chat that session messages are forwarded to.
type ChatTarget struct {
	mu    sync.RWMutex
	id    string
	setMu sync.Mutex
	store Store
}

// New returns a ChatTarget seeded with initial. When store holds a
// previously saved id it takes precedence. store may be nil.
func New(ctx context.Context, initial string, store Store) (*ChatTarget, error) {
	id := strings.TrimSpace(initial)
	if store != nil {
		saved, err := store.LoadChatTarget(ctx)
		if err != nil {
			return nil, fmt.Errorf("load chat target: %w", err)
		}
		if saved = strings.TrimSpace(saved); saved != "" {
			id = saved
		}
	}
	if id == "" {
		return nil, ErrEmptyTarget
	}
	return &ChatTarget{id: id, store: store}, nil
}

// Get returns the current chat id.
func (t *ChatTarget) Get() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.id
}

// Set replaces the chat id. When persistence fails the previous id stays.
func (t *ChatTarget) Set(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return ErrEmptyTarget
	}

	t.setMu.Lock()
	defer t.setMu.Unlock()

	if t.store != nil {
		if err := t.store.SaveChatTarget(ctx, id); err != nil {
			return fmt.Errorf("save chat target: %w", err)
		}
	}

	t.mu.Lock()
	t.id = id
	t.mu.Unlock()
	return nil
}
