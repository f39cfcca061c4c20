// Package auth verifies bearer tokens and maps them to principals known to the chat store.
package auth

import (
	"context"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"

	"github.com/go-go-golems/chatrelay/pkg/chat"
	"github.com/go-go-golems/chatrelay/pkg/persistence/chatstore"
)

var (
	ErrInvalidToken     = errors.New("invalid token")
	ErrUnknownPrincipal = errors.New("unknown principal")
)

const signingMethod = "HS256"

type Resolver struct {
	secret        []byte
	users         chatstore.UserStore
	conversations chatstore.ConversationStore
	now           func() time.Time
}

func NewResolver(secret string, users chatstore.UserStore, conversations chatstore.ConversationStore) (*Resolver, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("auth: empty secret")
	}
	if users == nil {
		return nil, errors.New("auth: user store is nil")
	}
	if conversations == nil {
		return nil, errors.New("auth: conversation store is nil")
	}
	return &Resolver{secret: []byte(secret), users: users, conversations: conversations, now: time.Now}, nil
}

// Resolve verifies token and returns the principal named by its subject.
func (r *Resolver) Resolve(ctx context.Context, token string) (*chat.Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.Wrap(ErrInvalidToken, "empty token")
	}
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return r.secret, nil
	}, jwt.WithValidMethods([]string{signingMethod}), jwt.WithTimeFunc(r.now))
	if err != nil {
		return nil, errors.Wrap(ErrInvalidToken, err.Error())
	}
	username := strings.TrimSpace(claims.Subject)
	if username == "" {
		return nil, errors.Wrap(ErrInvalidToken, "missing subject")
	}
	p, ok, err := r.users.LookupUser(ctx, username)
	if err != nil {
		return nil, errors.Wrap(err, "auth: lookup user")
	}
	if !ok {
		return nil, errors.Wrapf(ErrUnknownPrincipal, "%q", username)
	}
	return &p, nil
}

// OwnsConversation reports whether the conversation exists and belongs to principalID.
func (r *Resolver) OwnsConversation(ctx context.Context, principalID, conversationID int64) (bool, error) {
	c, ok, err := r.conversations.GetConversation(ctx, conversationID)
	if err != nil {
		return false, errors.Wrap(err, "auth: get conversation")
	}
	return ok && c.OwnerID == principalID, nil
}

type Issuer struct {
	secret []byte
	now    func() time.Time
}

func NewIssuer(secret string) (*Issuer, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("auth: empty secret")
	}
	return &Issuer{secret: []byte(secret), now: time.Now}, nil
}

// Issue signs a token for username. A ttl <= 0 produces a token without expiry.
func (i *Issuer) Issue(username string, ttl time.Duration) (string, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return "", errors.New("auth: username is empty")
	}
	now := i.now()
	claims := jwt.RegisteredClaims{
		Subject:  username,
		IssuedAt: jwt.NewNumericDate(now),
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", errors.Wrap(err, "auth: sign token")
	}
	return s, nil
}
