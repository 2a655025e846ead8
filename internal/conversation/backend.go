package conversation

import (
	"context"
	"sync"
)

// Persisted record keys.
const (
	KeyConversations    = "acctintel/conversations"
	KeyActive           = "acctintel/active_conversation"
	KeySidebarCollapsed = "acctintel/sidebar_collapsed"
)

// Backend is durable string key/value storage. Each SetValue is assumed
// atomic on its own; there are no multi-key transactions.
type Backend interface {
	GetValue(ctx context.Context, key string) (value string, ok bool, err error)
	SetValue(ctx context.Context, key, value string) error
}

// MemoryBackend keeps records in a map. It is safe for concurrent use.
type MemoryBackend struct {
	mu     sync.Mutex
	values map[string]string
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{values: make(map[string]string)}
}

func (m *MemoryBackend) GetValue(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *MemoryBackend) SetValue(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}
