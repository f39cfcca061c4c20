package webchat

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatrelay/pkg/chat"
)

func doAPI(t *testing.T, h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestSessionAPI_CreateListRead(t *testing.T) {
	f := newFixture(t, newFakeStreamer())
	alice, tok := f.user("alice")
	h := NewSessionAPIHandler(f.resolver, f.store.InMemoryStore)

	rec := doAPI(t, h, http.MethodPost, "/api/sessions", tok, map[string]string{"title": "Trip plans"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created chat.Conversation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.Equal(t, alice.ID, created.OwnerID)
	require.Equal(t, "Trip plans", created.Title)

	rec = doAPI(t, h, http.MethodGet, "/api/sessions", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Items []chat.Conversation `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Items, 1)

	conv := chat.Conversation{ID: created.ID}
	for _, m := range []chat.Message{user("a"), assistant("b"), user("c")} {
		_, err := f.store.InMemoryStore.Append(t.Context(), alice.ID, conv.ID, m.Role, m.Content)
		require.NoError(t, err)
	}

	rec = doAPI(t, h, http.MethodGet, "/api/sessions/"+strconv.FormatInt(created.ID, 10)+"/messages?limit=2", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var msgs struct {
		Items []chat.Turn `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msgs))
	require.Len(t, msgs.Items, 2)
	require.Equal(t, "b", msgs.Items[0].Content)
	require.Equal(t, "c", msgs.Items[1].Content)
}

func TestSessionAPI_Rejects(t *testing.T) {
	f := newFixture(t, newFakeStreamer())
	alice, _ := f.user("alice")
	_, bobTok := f.user("bob")
	conv := f.conversation(alice, user("private"))
	h := NewSessionAPIHandler(f.resolver, f.store.InMemoryStore)
	path := "/api/sessions/" + strconv.FormatInt(conv.ID, 10) + "/messages"

	require.Equal(t, http.StatusUnauthorized, doAPI(t, h, http.MethodGet, "/api/sessions", "", nil).Code)
	require.Equal(t, http.StatusUnauthorized, doAPI(t, h, http.MethodGet, "/api/sessions", "bad", nil).Code)
	require.Equal(t, http.StatusNotFound, doAPI(t, h, http.MethodGet, path, bobTok, nil).Code)
	require.Equal(t, http.StatusBadRequest, doAPI(t, h, http.MethodGet, "/api/sessions/abc/messages", bobTok, nil).Code)
	require.Equal(t, http.StatusBadRequest, doAPI(t, h, http.MethodGet, path+"?limit=-1", bobTok, nil).Code)
	require.Equal(t, http.StatusBadRequest, doAPI(t, h, http.MethodPost, "/api/sessions", bobTok, map[string]string{"title": " "}).Code)
}

func TestSessionAPI_NotConfigured(t *testing.T) {
	h := NewSessionAPIHandler(nil, nil)
	require.Equal(t, http.StatusServiceUnavailable, doAPI(t, h, http.MethodGet, "/api/sessions", "x", nil).Code)
}
