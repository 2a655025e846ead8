package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const snapshotVersion = 1

type snapshot struct {
	Version       int            `json:"version"`
	Conversations []Conversation `json:"conversations"`
}

// Store owns every conversation. All mutations are serialized by one mutex
// and written through to the backend before the call returns. Backend
// failures are logged and do not fail the mutation.
//
// Several processes may share a backend. Every save first adopts the
// conversations and messages another process persisted since this one last
// looked, so nothing another writer added is dropped; for records both
// processes know, the in-memory copy wins.
type Store struct {
	backend Backend
	logger  *slog.Logger
	now     func() time.Time
	newID   func() string

	mu      sync.Mutex
	convs   []*Conversation // most recently created first
	byID    map[string]*Conversation
	active  string
	sidebar bool
	bus     bus
}

type Option func(*Store)

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithIDGenerator replaces uuid.NewString, for tests.
func WithIDGenerator(f func() string) Option {
	return func(s *Store) { s.newID = f }
}

// New returns an empty store. Call Load to read persisted state.
func New(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		logger:  slog.Default(),
		now:     time.Now,
		newID:   uuid.NewString,
		byID:    make(map[string]*Conversation),
	}
	for _, o := range opts {
		o(s)
	}
	s.bus.logger = s.logger
	return s
}

// Load replaces the in-memory state with the persisted one and returns the
// conversations. Missing, corrupt or unknown-version data yields an empty
// list. An active pointer naming a missing conversation is cleared.
func (s *Store) Load(ctx context.Context) []Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.convs = nil
	s.byID = make(map[string]*Conversation)
	s.active = ""
	s.sidebar = false

	for _, c := range s.readConversations(ctx) {
		if c.ID == "" {
			continue
		}
		if _, dup := s.byID[c.ID]; dup {
			continue
		}
		c := c
		if c.Messages == nil {
			c.Messages = []Message{}
		}
		s.convs = append(s.convs, &c)
		s.byID[c.ID] = &c
	}

	if id, ok := s.getValue(ctx, KeyActive); ok && id != "" {
		if _, found := s.byID[id]; found {
			s.active = id
		} else {
			s.logger.Warn("active conversation not found, clearing pointer", "conversation_id", id)
			s.setValue(ctx, KeyActive, "")
		}
	}

	if v, ok := s.getValue(ctx, KeySidebarCollapsed); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			s.sidebar = b
		}
	}

	return s.listLocked()
}

func (s *Store) readConversations(ctx context.Context) []Conversation {
	raw, ok := s.getValue(ctx, KeyConversations)
	if !ok || strings.TrimSpace(raw) == "" {
		return nil
	}

	// Records written before the envelope existed are a bare array.
	if strings.HasPrefix(strings.TrimSpace(raw), "[") {
		var legacy []Conversation
		if err := json.Unmarshal([]byte(raw), &legacy); err != nil {
			s.logger.Warn("discarding corrupt conversation list", "error", err)
			return nil
		}
		return legacy
	}

	var snap snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		s.logger.Warn("discarding corrupt conversation list", "error", err)
		return nil
	}
	if snap.Version != snapshotVersion {
		s.logger.Warn("discarding conversation list with unknown version", "version", snap.Version)
		return nil
	}
	return snap.Conversations
}

// Adopt merges what other processes persisted into the in-memory state and
// reports how many conversations and messages it added. Conversations
// unknown here are prepended in their persisted order; unknown messages of
// known conversations are slotted in by timestamp.
func (s *Store) Adopt(ctx context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.adoptLocked(ctx)
}

func (s *Store) adoptLocked(ctx context.Context) int {
	var (
		fresh   []*Conversation
		changes []Change
	)
	for _, p := range s.readConversations(ctx) {
		if p.ID == "" {
			continue
		}
		c, known := s.byID[p.ID]
		if !known {
			p := p
			if p.Messages == nil {
				p.Messages = []Message{}
			}
			fresh = append(fresh, &p)
			s.byID[p.ID] = &p
			changes = append(changes, Change{Kind: ChangeCreated, ConversationID: p.ID})
			continue
		}
		changes = append(changes, mergeConversation(c, p)...)
	}
	if len(fresh) > 0 {
		s.convs = append(fresh, s.convs...)
	}
	for _, ch := range changes {
		s.bus.publish(ch)
	}
	return len(changes)
}

// mergeConversation adds to c what only the persisted copy p has.
func mergeConversation(c *Conversation, p Conversation) []Change {
	var changes []Change
	if p.Bound && !c.Bound {
		applyIdentity(c, p.identity(), true)
		c.Bound = true
		changes = append(changes, Change{Kind: ChangeBound, ConversationID: c.ID})
	}

	seen := make(map[string]bool, len(c.Messages))
	for _, m := range c.Messages {
		seen[m.ID] = true
	}
	added := false
	for _, m := range p.Messages {
		if seen[m.ID] {
			continue
		}
		c.Messages = append(c.Messages, m)
		changes = append(changes, Change{Kind: ChangeMessageAppended, ConversationID: c.ID, MessageID: m.ID})
		added = true
	}
	if added {
		sort.SliceStable(c.Messages, func(i, j int) bool {
			return c.Messages[i].Timestamp.Before(c.Messages[j].Timestamp)
		})
	}
	if p.LastActivity.After(c.LastActivity) {
		c.LastActivity = p.LastActivity
	}
	return changes
}

// CreatePlaceholder prepends an unbound conversation and makes it active.
func (s *Store) CreatePlaceholder(ctx context.Context, analysisType string) Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := &Conversation{
		ID:            s.newID(),
		DisplayName:   PlaceholderName,
		AvatarInitial: "?",
		AnalysisType:  analysisType,
		LastActivity:  s.now(),
		Messages:      []Message{},
	}
	s.insertLocked(ctx, c)
	return c.clone()
}

// Create prepends a conversation that is already bound to id and makes it
// active.
func (s *Store) Create(ctx context.Context, id Identity) Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := &Conversation{
		ID:           s.newID(),
		LastActivity: s.now(),
		Messages:     []Message{},
	}
	applyIdentity(c, id, true)
	c.Bound = true
	s.insertLocked(ctx, c)
	return c.clone()
}

// Target returns the conversation a new submission for id belongs to, in one
// step: the active conversation, bound to id first when it is still a
// placeholder, or a new conversation for id when none is active.
func (s *Store) Target(ctx context.Context, id Identity) Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.byID[s.active]; ok {
		if !c.Bound {
			s.bindLocked(ctx, c, id)
		}
		return c.clone()
	}

	c := &Conversation{
		ID:           s.newID(),
		LastActivity: s.now(),
		Messages:     []Message{},
	}
	applyIdentity(c, id, true)
	c.Bound = true
	s.insertLocked(ctx, c)
	return c.clone()
}

func (s *Store) insertLocked(ctx context.Context, c *Conversation) {
	s.adoptLocked(ctx)
	s.convs = append([]*Conversation{c}, s.convs...)
	s.byID[c.ID] = c
	s.active = c.ID
	s.saveConversationsLocked(ctx)
	s.setValue(ctx, KeyActive, c.ID)
	s.bus.publish(Change{Kind: ChangeCreated, ConversationID: c.ID})
	s.bus.publish(Change{Kind: ChangeActivated, ConversationID: c.ID})
}

// BindIdentity overwrites the identity of a placeholder and marks it bound.
// On a bound conversation only fields that are still empty are filled.
func (s *Store) BindIdentity(ctx context.Context, convID string, id Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byID[convID]
	if !ok {
		return fmt.Errorf("binding %s: %w", convID, ErrConversationNotFound)
	}
	s.bindLocked(ctx, c, id)
	return nil
}

func (s *Store) bindLocked(ctx context.Context, c *Conversation, id Identity) {
	applyIdentity(c, id, !c.Bound)
	c.Bound = true
	c.LastActivity = s.now()
	s.saveConversationsLocked(ctx)
	s.bus.publish(Change{Kind: ChangeBound, ConversationID: c.ID})
}

func applyIdentity(c *Conversation, id Identity, overwrite bool) {
	set := func(dst *string, v string) {
		if v == "" {
			return
		}
		if overwrite || *dst == "" {
			*dst = v
		}
	}
	set(&c.DisplayName, id.DisplayName)
	set(&c.Domain, id.Domain)
	set(&c.AvatarInitial, id.AvatarInitial)
	set(&c.AvatarColor, id.AvatarColor)
	set(&c.AnalysisType, id.AnalysisType)
	set(&c.URL, id.URL)
	set(&c.Industry, id.Industry)
}

// AppendMessage adds m to the end of the conversation's log. A missing ID or
// timestamp is filled in. The stored message is returned.
func (s *Store) AppendMessage(ctx context.Context, convID string, m Message) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byID[convID]
	if !ok {
		return Message{}, fmt.Errorf("appending to %s: %w", convID, ErrConversationNotFound)
	}
	if m.ID == "" {
		m.ID = s.newID()
	}
	now := s.now()
	if m.Timestamp.IsZero() {
		m.Timestamp = now
	}
	c.Messages = append(c.Messages, m)
	c.LastActivity = now
	s.saveConversationsLocked(ctx)
	s.bus.publish(Change{Kind: ChangeMessageAppended, ConversationID: c.ID, MessageID: m.ID})
	return m, nil
}

// UpdateMessage replaces the text of one message. Role, ID and timestamp are
// left alone. Writing the text the message already has is a no-op.
func (s *Store) UpdateMessage(ctx context.Context, convID, msgID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byID[convID]
	if !ok {
		return fmt.Errorf("updating %s/%s: %w", convID, msgID, ErrConversationNotFound)
	}
	for i := range c.Messages {
		if c.Messages[i].ID != msgID {
			continue
		}
		if c.Messages[i].Text == text {
			return nil
		}
		c.Messages[i].Text = text
		c.LastActivity = s.now()
		s.saveConversationsLocked(ctx)
		s.bus.publish(Change{Kind: ChangeMessageUpdated, ConversationID: c.ID, MessageID: msgID})
		return nil
	}
	return fmt.Errorf("updating %s/%s: %w", convID, msgID, ErrMessageNotFound)
}

// SetActive points the active pointer at convID. An empty id clears it.
func (s *Store) SetActive(ctx context.Context, convID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if convID != "" {
		if _, ok := s.byID[convID]; !ok {
			return fmt.Errorf("activating %s: %w", convID, ErrConversationNotFound)
		}
	}
	if s.active == convID {
		return nil
	}
	s.active = convID
	s.setValue(ctx, KeyActive, convID)
	s.bus.publish(Change{Kind: ChangeActivated, ConversationID: convID})
	return nil
}

// Active returns the active conversation, if any.
func (s *Store) Active() (Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byID[s.active]
	if !ok {
		return Conversation{}, false
	}
	return c.clone(), true
}

func (s *Store) Get(convID string) (Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byID[convID]
	if !ok {
		return Conversation{}, fmt.Errorf("%s: %w", convID, ErrConversationNotFound)
	}
	return c.clone(), nil
}

// Message returns one message of a conversation.
func (s *Store) Message(convID, msgID string) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byID[convID]
	if !ok {
		return Message{}, fmt.Errorf("%s: %w", convID, ErrConversationNotFound)
	}
	for _, m := range c.Messages {
		if m.ID == msgID {
			return m, nil
		}
	}
	return Message{}, fmt.Errorf("%s/%s: %w", convID, msgID, ErrMessageNotFound)
}

// List returns every conversation, most recently created first.
func (s *Store) List() []Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listLocked()
}

func (s *Store) listLocked() []Conversation {
	out := make([]Conversation, len(s.convs))
	for i, c := range s.convs {
		out[i] = c.clone()
	}
	return out
}

// SortedByActivity returns every conversation, most recently active first.
func (s *Store) SortedByActivity() []Conversation {
	out := s.List()
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastActivity.After(out[j].LastActivity)
	})
	return out
}

func (s *Store) SidebarCollapsed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sidebar
}

func (s *Store) SetSidebarCollapsed(ctx context.Context, collapsed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sidebar == collapsed {
		return
	}
	s.sidebar = collapsed
	s.setValue(ctx, KeySidebarCollapsed, strconv.FormatBool(collapsed))
	s.bus.publish(Change{Kind: ChangeSidebarCollapsed})
}

// Subscribe returns a channel of changes and a func that closes it.
func (s *Store) Subscribe() (<-chan Change, func()) {
	return s.bus.subscribe()
}

func (s *Store) saveConversationsLocked(ctx context.Context) {
	s.adoptLocked(ctx)
	snap := snapshot{Version: snapshotVersion, Conversations: make([]Conversation, len(s.convs))}
	for i, c := range s.convs {
		snap.Conversations[i] = *c
	}
	data, err := json.Marshal(snap)
	if err != nil {
		s.logger.ErrorContext(ctx, "encoding conversations", "error", err)
		return
	}
	s.setValue(ctx, KeyConversations, string(data))
}

// setValue writes even when ctx is already cancelled: a cancelled
// submission still has to persist its final message.
func (s *Store) setValue(ctx context.Context, key, value string) {
	if err := s.backend.SetValue(context.WithoutCancel(ctx), key, value); err != nil {
		s.logger.ErrorContext(ctx, "persisting conversation state", "key", key, "error", err)
	}
}

func (s *Store) getValue(ctx context.Context, key string) (string, bool) {
	v, ok, err := s.backend.GetValue(ctx, key)
	if err != nil {
		s.logger.WarnContext(ctx, "reading conversation state", "key", key, "error", err)
		return "", false
	}
	return v, ok
}
