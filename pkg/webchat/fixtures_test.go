package webchat

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatrelay/pkg/auth"
	"github.com/go-go-golems/chatrelay/pkg/chat"
	"github.com/go-go-golems/chatrelay/pkg/persistence/chatstore"
	"github.com/go-go-golems/chatrelay/pkg/redisstream"
	"github.com/go-go-golems/chatrelay/pkg/upstream"
)

const testSecret = "webchat-test-secret"

// script describes how the fake upstream answers one call.
type script struct {
	deltas  []string
	err     error // returned after deltas
	openErr error // returned by Stream itself
	block   bool  // block after deltas until ctx is cancelled
	panic   bool
}

type fakeStreamer struct {
	mu      sync.Mutex
	scripts []script
	calls   [][]chat.Message
	models  []string

	cancelled chan struct{}
}

func newFakeStreamer(scripts ...script) *fakeStreamer {
	return &fakeStreamer{scripts: scripts, cancelled: make(chan struct{}, 8)}
}

func (f *fakeStreamer) Stream(ctx context.Context, msgs []chat.Message, model string) (upstream.DeltaStream, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]chat.Message(nil), msgs...))
	f.models = append(f.models, model)
	sc := script{deltas: []string{"ok"}}
	if len(f.scripts) > 0 {
		sc = f.scripts[0]
		f.scripts = f.scripts[1:]
	}
	f.mu.Unlock()

	if sc.panic {
		panic("upstream exploded")
	}
	if sc.openErr != nil {
		return nil, sc.openErr
	}
	return &fakeStream{ctx: ctx, sc: sc, cancelled: f.cancelled}, nil
}

func (f *fakeStreamer) Calls() [][]chat.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]chat.Message(nil), f.calls...)
}

func (f *fakeStreamer) Models() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.models...)
}

type fakeStream struct {
	ctx       context.Context
	sc        script
	i         int
	cancelled chan struct{}
}

func (s *fakeStream) Recv() (string, error) {
	if s.i < len(s.sc.deltas) {
		d := s.sc.deltas[s.i]
		s.i++
		return d, nil
	}
	if s.sc.block {
		<-s.ctx.Done()
		s.cancelled <- struct{}{}
		return "", &upstream.Error{Err: s.ctx.Err()}
	}
	if s.sc.err != nil {
		return "", s.sc.err
	}
	return "", io.EOF
}

func (s *fakeStream) Close() error { return nil }

// flakyStore counts calls and fails them on demand.
type flakyStore struct {
	*chatstore.InMemoryStore
	failAppend  atomic.Bool
	failHistory atomic.Bool
	appends     atomic.Int32
	histories   atomic.Int32
}

func (s *flakyStore) Append(ctx context.Context, principalID, conversationID int64, role chat.Role, content string) (chat.Turn, error) {
	s.appends.Add(1)
	if s.failAppend.Load() {
		return chat.Turn{}, errors.New("disk full")
	}
	return s.InMemoryStore.Append(ctx, principalID, conversationID, role, content)
}

func (s *flakyStore) History(ctx context.Context, conversationID, principalID int64, limit int) ([]chat.Turn, error) {
	s.histories.Add(1)
	if s.failHistory.Load() {
		return nil, errors.New("database is locked")
	}
	return s.InMemoryStore.History(ctx, conversationID, principalID, limit)
}

type fixture struct {
	t        *testing.T
	streamer *fakeStreamer
	store    *flakyStore
	resolver *auth.Resolver
	issuer   *auth.Issuer
	relay    *Relay
	srv      *httptest.Server
}

func newFixture(t *testing.T, streamer *fakeStreamer, opts ...RelayOption) *fixture {
	t.Helper()
	store := &flakyStore{InMemoryStore: chatstore.NewInMemoryStore()}
	resolver, err := auth.NewResolver(testSecret, store.InMemoryStore, store.InMemoryStore)
	require.NoError(t, err)
	issuer, err := auth.NewIssuer(testSecret)
	require.NoError(t, err)

	all := append([]RelayOption{WithTurnStore(store), WithAuthResolver(resolver)}, opts...)
	relay, err := NewRelay(streamer, all...)
	require.NoError(t, err)

	srv := httptest.NewServer(NewWSHandler(relay, NewUpgrader(nil)))
	t.Cleanup(srv.Close)
	return &fixture{t: t, streamer: streamer, store: store, resolver: resolver, issuer: issuer, relay: relay, srv: srv}
}

func (f *fixture) user(name string) (chat.Principal, string) {
	f.t.Helper()
	p, err := f.store.CreateUser(context.Background(), name)
	require.NoError(f.t, err)
	tok, err := f.issuer.Issue(name, time.Hour)
	require.NoError(f.t, err)
	return p, tok
}

func (f *fixture) conversation(owner chat.Principal, turns ...chat.Message) chat.Conversation {
	f.t.Helper()
	ctx := context.Background()
	c, err := f.store.CreateConversation(ctx, owner.ID, "test")
	require.NoError(f.t, err)
	for _, m := range turns {
		_, err := f.store.InMemoryStore.Append(ctx, owner.ID, c.ID, m.Role, m.Content)
		require.NoError(f.t, err)
	}
	return c
}

func (f *fixture) dial(token string) *websocket.Conn {
	f.t.Helper()
	conn, _ := f.tryDial(token)
	require.NotNil(f.t, conn)
	return conn
}

func (f *fixture) tryDial(token string) (*websocket.Conn, error) {
	f.t.Helper()
	u := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws"
	if token != "" {
		u += "?token=" + token
	}
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		return nil, err
	}
	f.t.Cleanup(func() { _ = conn.Close() })
	return conn, nil
}

func (f *fixture) history(p chat.Principal, c chat.Conversation) []chat.Turn {
	f.t.Helper()
	turns, err := f.store.InMemoryStore.History(context.Background(), c.ID, p.ID, 100)
	require.NoError(f.t, err)
	return turns
}

func (f *fixture) waitIdle() {
	f.t.Helper()
	require.Eventually(f.t, func() bool { return f.relay.Connections().IsEmpty() }, 5*time.Second, 10*time.Millisecond)
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(v))
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev Event
	require.NoError(t, json.Unmarshal(data, &ev))
	return ev
}

// readRequest reads events up to and including the terminal end or error event.
func readRequest(t *testing.T, conn *websocket.Conn) []Event {
	t.Helper()
	var out []Event
	for {
		ev := readEvent(t, conn)
		out = append(out, ev)
		if ev.Type == EventEnd || ev.Type == EventError {
			return out
		}
	}
}

func eventTypes(evs []Event) []EventType {
	out := make([]EventType, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Type)
	}
	return out
}

func chunkText(evs []Event) string {
	var b strings.Builder
	for _, ev := range evs {
		if ev.Type == EventChunk {
			b.WriteString(ev.Content)
		}
	}
	return b.String()
}

func readCloseCode(t *testing.T, conn *websocket.Conn) int {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		require.True(t, errors.As(err, &ce), "expected close error, got %v", err)
		return ce.Code
	}
}

func user(content string) chat.Message      { return chat.Message{Role: chat.RoleUser, Content: content} }
func assistant(content string) chat.Message { return chat.Message{Role: chat.RoleAssistant, Content: content} }

type recordingTap struct {
	mu   sync.Mutex
	envs []redisstream.Envelope
}

func (r *recordingTap) Publish(_ context.Context, env redisstream.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = append(r.envs, env)
}

func (r *recordingTap) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.envs)
}

func (r *recordingTap) Envelopes() []redisstream.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]redisstream.Envelope(nil), r.envs...)
}
