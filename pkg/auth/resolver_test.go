package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatrelay/pkg/persistence/chatstore"
)

const testSecret = "test-secret"

func newFixture(t *testing.T) (*Resolver, *Issuer, *chatstore.InMemoryStore) {
	t.Helper()
	store := chatstore.NewInMemoryStore()
	r, err := NewResolver(testSecret, store, store)
	require.NoError(t, err)
	i, err := NewIssuer(testSecret)
	require.NoError(t, err)
	return r, i, store
}

func TestResolve_ValidToken(t *testing.T) {
	r, i, store := newFixture(t)
	ctx := context.Background()
	alice, err := store.CreateUser(ctx, "alice")
	require.NoError(t, err)

	tok, err := i.Issue("alice", time.Hour)
	require.NoError(t, err)

	p, err := r.Resolve(ctx, tok)
	require.NoError(t, err)
	require.Equal(t, alice, *p)
}

func TestResolve_Rejects(t *testing.T) {
	r, i, store := newFixture(t)
	ctx := context.Background()
	_, err := store.CreateUser(ctx, "alice")
	require.NoError(t, err)

	other, err := NewIssuer("other-secret")
	require.NoError(t, err)
	forged, err := other.Issue("alice", time.Hour)
	require.NoError(t, err)

	i.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expired, err := i.Issue("alice", time.Hour)
	require.NoError(t, err)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "alice"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	for name, tok := range map[string]string{
		"empty":   "",
		"garbage": "not-a-jwt",
		"forged":  forged,
		"expired": expired,
		"none":    none,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := r.Resolve(ctx, tok)
			require.Error(t, err)
			require.True(t, errors.Is(err, ErrInvalidToken))
		})
	}
}

func TestResolve_UnknownPrincipal(t *testing.T) {
	r, i, _ := newFixture(t)
	tok, err := i.Issue("ghost", 0)
	require.NoError(t, err)

	_, err = r.Resolve(context.Background(), tok)
	require.True(t, errors.Is(err, ErrUnknownPrincipal))
}

func TestOwnsConversation(t *testing.T) {
	r, _, store := newFixture(t)
	ctx := context.Background()
	alice, err := store.CreateUser(ctx, "alice")
	require.NoError(t, err)
	bob, err := store.CreateUser(ctx, "bob")
	require.NoError(t, err)
	c, err := store.CreateConversation(ctx, alice.ID, "hello")
	require.NoError(t, err)

	ok, err := r.OwnsConversation(ctx, alice.ID, c.ID)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = r.OwnsConversation(ctx, bob.ID, c.ID)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = r.OwnsConversation(ctx, alice.ID, c.ID+100)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestConstructorsValidate(t *testing.T) {
	store := chatstore.NewInMemoryStore()
	_, err := NewResolver("", store, store)
	require.Error(t, err)
	_, err = NewResolver("s", nil, store)
	require.Error(t, err)
	_, err = NewIssuer(" ")
	require.Error(t, err)

	i, err := NewIssuer("s")
	require.NoError(t, err)
	_, err = i.Issue("", time.Minute)
	require.Error(t, err)
}
