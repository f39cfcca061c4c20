// Package chatstore persists users, conversations and their turns.
//
// Every method is an independent transaction; callers never rely on cross-call atomicity.
package chatstore

import (
	"context"

	"github.com/pkg/errors"

	"github.com/go-go-golems/chatrelay/pkg/chat"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrUserNotFound         = errors.New("user not found")
	ErrUserExists           = errors.New("user already exists")
	ErrInvalidRole          = errors.New("invalid role")
)

// TurnStore is the narrow gateway used by the relay to read context and record turns.
type TurnStore interface {
	// History returns at most limit turns of a conversation owned by principalID, newest first.
	History(ctx context.Context, conversationID, principalID int64, limit int) ([]chat.Turn, error)
	Append(ctx context.Context, principalID, conversationID int64, role chat.Role, content string) (chat.Turn, error)
}

type ConversationStore interface {
	CreateConversation(ctx context.Context, ownerID int64, title string) (chat.Conversation, error)
	GetConversation(ctx context.Context, conversationID int64) (chat.Conversation, bool, error)
	// ListConversations returns the owner's conversations, newest first.
	ListConversations(ctx context.Context, ownerID int64, limit int) ([]chat.Conversation, error)
}

type UserStore interface {
	CreateUser(ctx context.Context, username string) (chat.Principal, error)
	LookupUser(ctx context.Context, username string) (chat.Principal, bool, error)
}

type Store interface {
	TurnStore
	ConversationStore
	UserStore
	Close() error
}

func validateAppend(principalID, conversationID int64, role chat.Role) error {
	if principalID <= 0 {
		return errors.New("principalID is empty")
	}
	if conversationID <= 0 {
		return errors.New("conversationID is empty")
	}
	if role != chat.RoleUser && role != chat.RoleAssistant {
		return errors.Wrapf(ErrInvalidRole, "%q", role)
	}
	return nil
}
