package wsctx

import (
	"context"
	"sync"
	"time"
)

// Route is what the hub knows about a registered context: where its
// document lives and the origin pinned from it.
type Route struct {
	URL    string `json:"url"`
	Origin string `json:"origin"`
}

// PendingOpen is a window reservation: a context asked to open URL, and the
// reserved id waits for some process to claim it and become that window.
type PendingOpen struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	Name     string `json:"name,omitempty"`
	Features string `json:"features,omitempty"`
	OpenerID string `json:"opener_id"`
}

// Store keeps the hub state that must survive a hub restart when backed by
// Redis: context routes, processed envelope ids and pending window opens.
type Store interface {
	SetRoute(ctx context.Context, contextID string, route Route) error
	GetRoute(ctx context.Context, contextID string) (Route, bool, error)

	// Seen marks msgID processed and reports whether it already was. The
	// check and the mark are one step so replays race-free dedupe.
	Seen(ctx context.Context, msgID string, ttl time.Duration) (bool, error)

	PutPendingOpen(ctx context.Context, po PendingOpen) error
	TakePendingOpen(ctx context.Context, id string) (PendingOpen, bool, error)
}

// MemoryStore is the single-process Store.
type MemoryStore struct {
	mu      sync.Mutex
	routes  map[string]Route
	seen    map[string]time.Time
	pending map[string]PendingOpen
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		routes:  make(map[string]Route),
		seen:    make(map[string]time.Time),
		pending: make(map[string]PendingOpen),
	}
}

func (m *MemoryStore) SetRoute(_ context.Context, contextID string, route Route) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes[contextID] = route
	return nil
}

func (m *MemoryStore) GetRoute(_ context.Context, contextID string) (Route, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.routes[contextID]
	return r, ok, nil
}

func (m *MemoryStore) Seen(_ context.Context, msgID string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if expireAt, ok := m.seen[msgID]; ok && now.Before(expireAt) {
		return true, nil
	}
	m.seen[msgID] = now.Add(ttl)
	return false, nil
}

func (m *MemoryStore) PutPendingOpen(_ context.Context, po PendingOpen) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[po.ID] = po
	return nil
}

func (m *MemoryStore) TakePendingOpen(_ context.Context, id string) (PendingOpen, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	po, ok := m.pending[id]
	if ok {
		delete(m.pending, id)
	}
	return po, ok, nil
}
