package webchat

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatrelay/pkg/chat"
)

func TestClient_Ask(t *testing.T) {
	f := newFixture(t, newFakeStreamer(
		script{deltas: []string{"he", "llo"}},
		script{deltas: []string{"x"}, err: errors.New("rate limited")},
	))
	alice, tok := f.user("alice")
	conv := f.conversation(alice)
	ctx := context.Background()

	c, err := Dial(ctx, "ws"+strings.TrimPrefix(f.srv.URL, "http")+"/ws", tok)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	id := conv.ID
	var chunks []string
	reply, err := c.Ask(ctx, Request{Message: "hi", Model: "gpt-4o", ChatSessionID: &id}, func(s string) {
		chunks = append(chunks, s)
	})
	require.NoError(t, err)
	require.Equal(t, "hello", reply)
	require.Equal(t, []string{"he", "llo"}, chunks)

	_, err = c.Ask(ctx, Request{Message: "again", Model: "gpt-4o"}, nil)
	require.True(t, errors.Is(err, ErrRequestFailed))
	require.Contains(t, err.Error(), "rate limited")

	require.Eventually(t, func() bool { return len(f.history(alice, conv)) == 2 }, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, chat.RoleAssistant, f.history(alice, conv)[0].Role)
}

func TestDial_BadEndpoint(t *testing.T) {
	_, err := Dial(context.Background(), "ws://127.0.0.1:1/ws", "")
	require.Error(t, err)
}
