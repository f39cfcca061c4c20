package chatstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/chatrelay/pkg/chat"
)

// InMemoryStore is a process-local Store used by tests and by the relay when no database is configured.
type InMemoryStore struct {
	mu sync.Mutex

	nextID        int64
	users         map[string]chat.Principal
	conversations map[int64]chat.Conversation
	turns         map[int64][]chat.Turn

	now func() time.Time
}

var _ Store = &InMemoryStore{}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		users:         map[string]chat.Principal{},
		conversations: map[int64]chat.Conversation{},
		turns:         map[int64][]chat.Turn{},
		now:           time.Now,
	}
}

func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *InMemoryStore) History(_ context.Context, conversationID, principalID int64, limit int) ([]chat.Turn, error) {
	if s == nil {
		return nil, errors.New("in-memory chat store: nil store")
	}
	if conversationID <= 0 {
		return nil, errors.New("in-memory chat store: conversationID is empty")
	}
	if limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []chat.Turn{}
	for _, t := range s.turns[conversationID] {
		if t.PrincipalID == principalID {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[j].Before(out[i]) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) Append(_ context.Context, principalID, conversationID int64, role chat.Role, content string) (chat.Turn, error) {
	if s == nil {
		return chat.Turn{}, errors.New("in-memory chat store: nil store")
	}
	if err := validateAppend(principalID, conversationID, role); err != nil {
		return chat.Turn{}, errors.Wrap(err, "in-memory chat store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[conversationID]; !ok {
		return chat.Turn{}, errors.Wrapf(ErrConversationNotFound, "in-memory chat store: append to %d", conversationID)
	}
	t := chat.Turn{
		ID:             s.id(),
		ConversationID: conversationID,
		PrincipalID:    principalID,
		Role:           role,
		Content:        content,
		CreatedAt:      s.now(),
	}
	s.turns[conversationID] = append(s.turns[conversationID], t)
	return t, nil
}

func (s *InMemoryStore) CreateConversation(_ context.Context, ownerID int64, title string) (chat.Conversation, error) {
	if s == nil {
		return chat.Conversation{}, errors.New("in-memory chat store: nil store")
	}
	title = strings.TrimSpace(title)
	if ownerID <= 0 {
		return chat.Conversation{}, errors.New("in-memory chat store: ownerID is empty")
	}
	if title == "" {
		return chat.Conversation{}, errors.New("in-memory chat store: title is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.hasUserLocked(ownerID) {
		return chat.Conversation{}, errors.Wrapf(ErrUserNotFound, "in-memory chat store: owner %d", ownerID)
	}
	c := chat.Conversation{ID: s.id(), OwnerID: ownerID, Title: title, CreatedAt: s.now()}
	s.conversations[c.ID] = c
	return c, nil
}

func (s *InMemoryStore) GetConversation(_ context.Context, conversationID int64) (chat.Conversation, bool, error) {
	if s == nil {
		return chat.Conversation{}, false, errors.New("in-memory chat store: nil store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	return c, ok, nil
}

func (s *InMemoryStore) ListConversations(_ context.Context, ownerID int64, limit int) ([]chat.Conversation, error) {
	if s == nil {
		return nil, errors.New("in-memory chat store: nil store")
	}
	if limit <= 0 {
		limit = 200
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []chat.Conversation{}
	for _, c := range s.conversations {
		if c.OwnerID == ownerID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) CreateUser(_ context.Context, username string) (chat.Principal, error) {
	if s == nil {
		return chat.Principal{}, errors.New("in-memory chat store: nil store")
	}
	username = strings.TrimSpace(username)
	if username == "" {
		return chat.Principal{}, errors.New("in-memory chat store: username is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[username]; ok {
		return chat.Principal{}, errors.Wrapf(ErrUserExists, "in-memory chat store: %q", username)
	}
	p := chat.Principal{ID: s.id(), Username: username}
	s.users[username] = p
	return p, nil
}

func (s *InMemoryStore) LookupUser(_ context.Context, username string) (chat.Principal, bool, error) {
	if s == nil {
		return chat.Principal{}, false, errors.New("in-memory chat store: nil store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.users[strings.TrimSpace(username)]
	return p, ok, nil
}

func (s *InMemoryStore) hasUserLocked(id int64) bool {
	for _, p := range s.users {
		if p.ID == id {
			return true
		}
	}
	return false
}
