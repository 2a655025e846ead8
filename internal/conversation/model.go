// Package conversation owns the persisted list of analysis conversations and
// their message logs.
package conversation

import (
	"errors"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// PlaceholderName is the display name of a conversation that has not been
// bound to an account yet.
const PlaceholderName = "New analysis"

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrMessageNotFound      = errors.New("message not found")
)

type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

type Conversation struct {
	ID            string    `json:"id"`
	DisplayName   string    `json:"display_name"`
	Domain        string    `json:"domain,omitempty"`
	AvatarInitial string    `json:"avatar_initial"`
	AvatarColor   string    `json:"avatar_color"`
	AnalysisType  string    `json:"analysis_type"`
	URL           string    `json:"url,omitempty"`
	Industry      string    `json:"industry,omitempty"`
	Bound         bool      `json:"bound"`
	LastActivity  time.Time `json:"last_activity"`
	Messages      []Message `json:"messages"`
}

// Placeholder reports whether no submission has bound an identity yet.
func (c Conversation) Placeholder() bool { return !c.Bound }

func (c Conversation) clone() Conversation {
	out := c
	out.Messages = append([]Message(nil), c.Messages...)
	return out
}

// Identity is the set of fields a submission binds onto a conversation.
type Identity struct {
	DisplayName   string
	Domain        string
	AvatarInitial string
	AvatarColor   string
	AnalysisType  string
	URL           string
	Industry      string
}

func (c Conversation) identity() Identity {
	return Identity{
		DisplayName:   c.DisplayName,
		Domain:        c.Domain,
		AvatarInitial: c.AvatarInitial,
		AvatarColor:   c.AvatarColor,
		AnalysisType:  c.AnalysisType,
		URL:           c.URL,
		Industry:      c.Industry,
	}
}
