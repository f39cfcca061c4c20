package webchat

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatrelay/pkg/chat"
	"github.com/go-go-golems/chatrelay/pkg/chatcontext"
	"github.com/go-go-golems/chatrelay/pkg/persistence/chatstore"
)

const (
	defaultTurnPageSize = 50
	maxTurnPageSize     = 500
)

// TokenResolver resolves bearer tokens for the session API.
type TokenResolver interface {
	Resolve(ctx context.Context, token string) (*chat.Principal, error)
}

// SessionStore is what the session API reads and writes.
type SessionStore interface {
	chatstore.ConversationStore
	chatstore.TurnStore
}

type sessionAPI struct {
	auth   TokenResolver
	store  SessionStore
	logger zerolog.Logger
}

type createSessionRequest struct {
	Title string `json:"title"`
}

// NewSessionAPIHandler serves conversation listing, creation and turn reads for the bearer's principal.
func NewSessionAPIHandler(auth TokenResolver, store SessionStore) http.Handler {
	api := &sessionAPI{auth: auth, store: store, logger: log.With().Str("component", "session_api").Logger()}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/sessions", api.withPrincipal(api.listSessions))
	mux.HandleFunc("POST /api/sessions", api.withPrincipal(api.createSession))
	mux.HandleFunc("GET /api/sessions/{id}/messages", api.withPrincipal(api.listMessages))
	return mux
}

type principalHandler func(w http.ResponseWriter, req *http.Request, p *chat.Principal)

func (a *sessionAPI) withPrincipal(next principalHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if a.auth == nil || a.store == nil {
			writeJSONError(w, http.StatusServiceUnavailable, "sessions are not configured")
			return
		}
		token, ok := bearerToken(req)
		if !ok {
			writeJSONError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		p, err := a.auth.Resolve(req.Context(), token)
		if err != nil {
			a.logger.Debug().Err(err).Msg("rejected bearer token")
			writeJSONError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next(w, req, p)
	}
}

func (a *sessionAPI) listSessions(w http.ResponseWriter, req *http.Request, p *chat.Principal) {
	limit, err := parseLimit(req, 200, 1000)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	items, err := a.store.ListConversations(req.Context(), p.ID, limit)
	if err != nil {
		a.logger.Error().Err(err).Int64("user_id", p.ID).Msg("list conversations")
		writeJSONError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"items": items})
}

func (a *sessionAPI) createSession(w http.ResponseWriter, req *http.Request, p *chat.Principal) {
	var body createSessionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, 16<<10)).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(body.Title) == "" {
		writeJSONError(w, http.StatusBadRequest, "title is required")
		return
	}
	c, err := a.store.CreateConversation(req.Context(), p.ID, body.Title)
	if err != nil {
		a.logger.Error().Err(err).Int64("user_id", p.ID).Msg("create conversation")
		writeJSONError(w, http.StatusInternalServerError, "failed to create session")
		return
	}
	writeJSONResponse(w, http.StatusCreated, c)
}

func (a *sessionAPI) listMessages(w http.ResponseWriter, req *http.Request, p *chat.Principal) {
	id, err := strconv.ParseInt(req.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeJSONError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	limit, err := parseLimit(req, defaultTurnPageSize, maxTurnPageSize)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	c, ok, err := a.store.GetConversation(req.Context(), id)
	if err != nil {
		a.logger.Error().Err(err).Int64("conversation_id", id).Msg("get conversation")
		writeJSONError(w, http.StatusInternalServerError, "failed to read session")
		return
	}
	if !ok || c.OwnerID != p.ID {
		writeJSONError(w, http.StatusNotFound, "session not found")
		return
	}
	turns, err := a.store.History(req.Context(), id, p.ID, limit)
	if err != nil {
		a.logger.Error().Err(err).Int64("conversation_id", id).Msg("read history")
		writeJSONError(w, http.StatusInternalServerError, "failed to read messages")
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"session": c,
		"items":   chatcontext.Reverse(turns),
	})
}

func bearerToken(req *http.Request) (string, bool) {
	h := strings.TrimSpace(req.Header.Get("Authorization"))
	const prefix = "bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	tok := strings.TrimSpace(h[len(prefix):])
	return tok, tok != ""
}

func parseLimit(req *http.Request, def, maxN int) (int, error) {
	raw := strings.TrimSpace(req.URL.Query().Get("limit"))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.Errorf("invalid limit %q", raw)
	}
	if n > maxN {
		n = maxN
	}
	return n, nil
}

func writeJSONResponse(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status > 0 {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSONResponse(w, status, map[string]string{"error": msg})
}
