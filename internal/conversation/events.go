package conversation

import (
	"log/slog"
	"sync"
)

type ChangeKind string

const (
	ChangeCreated          ChangeKind = "conversation_created"
	ChangeBound            ChangeKind = "conversation_bound"
	ChangeActivated        ChangeKind = "conversation_activated"
	ChangeMessageAppended  ChangeKind = "message_appended"
	ChangeMessageUpdated   ChangeKind = "message_updated"
	ChangeSidebarCollapsed ChangeKind = "sidebar_collapsed"
)

// Change is published after a mutation has been applied and persisted.
type Change struct {
	Kind           ChangeKind `json:"kind"`
	ConversationID string     `json:"conversation_id,omitempty"`
	MessageID      string     `json:"message_id,omitempty"`
}

const subscriberBuffer = 100

// bus fans changes out to subscribers. A full subscriber drops changes
// rather than blocking the store.
type bus struct {
	logger *slog.Logger
	mu     sync.RWMutex
	subs   []chan Change
}

func (b *bus) subscribe() (<-chan Change, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Change, subscriberBuffer)
	b.subs = append(b.subs, ch)

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, sub := range b.subs {
				if sub == ch {
					close(ch)
					b.subs = append(b.subs[:i], b.subs[i+1:]...)
					break
				}
			}
		})
	}
	return ch, unsub
}

func (b *bus) publish(c Change) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- c:
		default:
			b.logger.Warn("change subscriber full, dropping change", "kind", c.Kind, "conversation_id", c.ConversationID)
		}
	}
}
