package subscription

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/fhirsub/fhirsub/internal/platform/fhir"
)

// ErrNotFound reports a fetch for a subscription id the store does not hold.
var ErrNotFound = errors.New("subscription not found")

// Store supplies subscription snapshots to the session. Fetch is called
// lazily, once per id, on the first StartListening.
type Store interface {
	Fetch(ctx context.Context, id string) (*Subscription, error)
}

// WebSocketBinder is implemented by stores that can mint websocket binding
// tokens. After connecting a websocket the session binds it to the
// subscription with such a token; stores without the operation get a bare
// connect.
type WebSocketBinder interface {
	BindingToken(ctx context.Context, id string) (*fhir.BindingToken, error)
}

// MemoryStore holds subscriptions in a map. It backs tests and inline
// subscriptions supplied to the CLI from files.
type MemoryStore struct {
	mu   sync.RWMutex
	subs map[string]*Subscription
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs: make(map[string]*Subscription),
	}
}

// Put stores a subscription under its id, replacing any prior snapshot.
func (m *MemoryStore) Put(sub *Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = sub
}

// Fetch returns the subscription for an id, or ErrNotFound.
func (m *MemoryStore) Fetch(ctx context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return sub, nil
}

// IDs returns the ids of all stored subscriptions.
func (m *MemoryStore) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.subs))
	for id := range m.subs {
		ids = append(ids, id)
	}
	return ids
}
