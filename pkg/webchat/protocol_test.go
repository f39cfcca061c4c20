package webchat

import (
	"encoding/json"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatrelay/pkg/upstream"
)

func TestParseRequest(t *testing.T) {
	req, err := ParseRequest([]byte(`{"message":"hi","model":" deepseek-chat ","chatSessionId":7,"token":" t "}`), DefaultModel)
	require.NoError(t, err)
	require.Equal(t, "hi", req.Message)
	require.Equal(t, "deepseek-chat", req.Model)
	require.Equal(t, int64(7), req.ConversationID())
	require.Equal(t, "t", req.Token)

	req, err = ParseRequest([]byte(`{"message":"hi"}`), "gpt-4o")
	require.NoError(t, err)
	require.Equal(t, "gpt-4o", req.Model)
	require.Zero(t, req.ConversationID())
}

func TestParseRequest_Rejects(t *testing.T) {
	cases := map[string]string{
		"not json":      "hello",
		"empty":         "",
		"array":         `[1,2]`,
		"truncated":     `{"message":`,
		"wrong type":    `{"message":42}`,
		"empty message": `{"message":"  ","model":"gpt-4o"}`,
		"no message":    `{"model":"gpt-4o"}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseRequest([]byte(raw), DefaultModel)
			require.Error(t, err)
			var pe *ProtocolError
			require.True(t, errors.As(err, &pe))
		})
	}

	_, err := ParseRequest([]byte(`{"model":"x"}`), DefaultModel)
	require.Equal(t, ErrMsgMessageRequired, ErrorEvent(err).Error)
	_, err = ParseRequest([]byte(`nope`), DefaultModel)
	require.Equal(t, ErrMsgInvalidFormat, ErrorEvent(err).Error)
}

func TestEventJSON(t *testing.T) {
	for _, tc := range []struct {
		ev   Event
		want string
	}{
		{StartEvent(), `{"type":"start"}`},
		{ChunkEvent("abc"), `{"type":"chunk","content":"abc"}`},
		{ChunkEvent(""), `{"type":"chunk","content":""}`},
		{EndEvent(), `{"type":"end"}`},
		{ErrorEvent(&upstream.Error{Err: upstream.ErrTimeout}), `{"type":"error","error":"upstream timeout"}`},
	} {
		b, err := json.Marshal(tc.ev)
		require.NoError(t, err)
		require.JSONEq(t, tc.want, string(b))
	}
}

func TestStateTransitions(t *testing.T) {
	require.True(t, canTransition(StateConnecting, StateOpen))
	require.True(t, canTransition(StateOpen, StateReady))
	require.True(t, canTransition(StateOpen, StateAuthenticating))
	require.True(t, canTransition(StateAuthenticating, StateReady))
	require.True(t, canTransition(StateReady, StateStreaming))
	require.True(t, canTransition(StateStreaming, StateReady))
	require.True(t, canTransition(StateStreaming, StateClosed))
	require.True(t, canTransition(StateAuthenticating, StateClosed))

	require.False(t, canTransition(StateClosed, StateClosed))
	require.False(t, canTransition(StateClosed, StateReady))
	require.False(t, canTransition(StateReady, StateAuthenticating))
	require.False(t, canTransition(StateOpen, StateStreaming))

	require.Equal(t, "streaming", StateStreaming.String())
	require.Equal(t, "unknown", State(42).String())
}
