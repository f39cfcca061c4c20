// Package chat holds the domain types shared by the relay, the stores and the upstream adapter.
package chat

import (
	"strings"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	default:
		return false
	}
}

// ParseRole accepts the stored role strings, case-insensitively.
func ParseRole(s string) (Role, bool) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	return r, r.Valid()
}

// Principal is the resolved identity of an authenticated caller.
type Principal struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// Conversation is an ordered, owned collection of turns.
type Conversation struct {
	ID        int64     `json:"id"`
	OwnerID   int64     `json:"owner_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

// Turn is one stored utterance. Turns are ordered by (CreatedAt, ID) within a conversation.
type Turn struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"chat_session_id"`
	PrincipalID    int64     `json:"user_id"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// Before reports whether t sorts before o in conversation order.
func (t Turn) Before(o Turn) bool {
	if !t.CreatedAt.Equal(o.CreatedAt) {
		return t.CreatedAt.Before(o.CreatedAt)
	}
	return t.ID < o.ID
}

// Message is the role-tagged unit sent upstream.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

func (t Turn) Message() Message {
	return Message{Role: t.Role, Content: t.Content}
}
