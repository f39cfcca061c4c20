package webchat

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatrelay/pkg/chat"
	"github.com/go-go-golems/chatrelay/pkg/chatcontext"
	"github.com/go-go-golems/chatrelay/pkg/metrics"
	"github.com/go-go-golems/chatrelay/pkg/redisstream"
	"github.com/go-go-golems/chatrelay/pkg/upstream"
)

// wsConn is the subset of *websocket.Conn used by a connection.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	Close() error
}

var _ wsConn = (*websocket.Conn)(nil)

var errPeerGone = errors.New("peer closed connection")

// persistTimeout bounds the assistant-turn write, which no longer depends on the client.
const persistTimeout = 10 * time.Second

// closeRequest is the cancellation cause used when the server asks a connection to close.
type closeRequest struct {
	code   int
	reason string
}

func (c *closeRequest) Error() string { return "close requested: " + c.reason }

// writeError marks a failed client write. It is fatal for the connection.
type writeError struct{ err error }

func (e *writeError) Error() string { return "write event: " + e.err.Error() }
func (e *writeError) Unwrap() error { return e.err }

type connection struct {
	id      string
	relay   *Relay
	conn    wsConn
	session *ConnectionSession
	log     zerolog.Logger

	state  atomic.Int32
	cancel context.CancelCauseFunc
}

// exchange is one request after credential and ownership resolution.
type exchange struct {
	req            Request
	principal      *chat.Principal
	conversationID int64
	log            zerolog.Logger
}

func (x *exchange) persistent() bool {
	return x != nil && x.principal != nil && x.conversationID > 0
}

// Serve drives conn until it closes. token is the optional connect-time credential.
func (r *Relay) Serve(ctx context.Context, conn wsConn, token string) {
	id := uuid.NewString()
	c := &connection{
		id:      id,
		relay:   r,
		conn:    conn,
		session: NewConnectionSession(id, r.transcriptLimit),
		log:     log.With().Str("component", "webchat").Str("conn_id", id).Logger(),
	}
	c.run(ctx, strings.TrimSpace(token))
}

func (c *connection) State() State {
	return State(c.state.Load())
}

func (c *connection) transition(to State) {
	from := c.State()
	if !canTransition(from, to) {
		c.log.Debug().Stringer("from", from).Stringer("to", to).Msg("ignored state transition")
		return
	}
	c.state.Store(int32(to))
	c.log.Trace().Stringer("from", from).Stringer("to", to).Msg("state transition")
}

func (c *connection) run(parent context.Context, token string) {
	ctx, cancel := context.WithCancelCause(parent)
	c.cancel = cancel
	defer cancel(nil)

	c.transition(StateOpen)
	c.relay.registry.add(c)
	defer c.relay.registry.remove(c)
	c.relay.metrics.ConnectionOpened()
	defer c.relay.metrics.ConnectionClosed()
	defer c.session.discard()
	c.conn.SetReadLimit(c.relay.readLimit)

	if token != "" {
		c.transition(StateAuthenticating)
		if err := c.authenticate(ctx, token); err != nil {
			c.log.Warn().Err(err).Msg("connect-time authentication failed")
			c.closeWith(websocket.ClosePolicyViolation, "authentication failed")
			return
		}
	}
	c.transition(StateReady)
	c.log.Debug().Bool("authenticated", c.session.Authenticated()).Msg("connection ready")

	frames := make(chan []byte, frameQueueSize)
	readerDone := make(chan struct{})
	go c.readLoop(ctx, frames, readerDone)

	code, reason := c.loop(ctx, frames)
	c.closeWith(code, reason)
	cancel(nil)
	<-readerDone
	c.log.Debug().Msg("connection closed")
}

func (c *connection) readLoop(ctx context.Context, frames chan<- []byte, done chan<- struct{}) {
	defer close(done)
	defer close(frames)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				c.log.Debug().Err(err).Msg("read failed")
			}
			c.cancel(errPeerGone)
			return
		}
		if ctx.Err() != nil {
			return
		}
		select {
		case frames <- data:
		default:
			c.log.Warn().Int("queued", frameQueueSize).Msg("request queue full, closing connection")
			c.requestClose(websocket.ClosePolicyViolation, "request queue full")
			return
		}
	}
}

// loop handles frames one at a time and returns the close code to send; 0 means close silently.
func (c *connection) loop(ctx context.Context, frames <-chan []byte) (int, string) {
	for {
		select {
		case <-ctx.Done():
			return closeCodeFor(ctx)
		case data, ok := <-frames:
			if !ok {
				return closeCodeFor(ctx)
			}
			if err := c.handleFrame(ctx, data); err != nil {
				if ctx.Err() != nil {
					return closeCodeFor(ctx)
				}
				c.log.Error().Err(err).Msg("closing connection after unrecoverable error")
				return websocket.CloseInternalServerErr, "internal error"
			}
		}
	}
}

func closeCodeFor(ctx context.Context) (int, string) {
	cause := context.Cause(ctx)
	var cr *closeRequest
	switch {
	case errors.As(cause, &cr):
		return cr.code, cr.reason
	case errors.Is(cause, errPeerGone):
		return 0, ""
	default:
		return websocket.CloseGoingAway, "server shutting down"
	}
}

// requestClose is safe to call from any goroutine.
func (c *connection) requestClose(code int, reason string) {
	if c.cancel != nil {
		c.cancel(&closeRequest{code: code, reason: reason})
	}
}

func (c *connection) closeWith(code int, reason string) {
	c.transition(StateClosed)
	if code != 0 {
		msg := websocket.FormatCloseMessage(code, reason)
		if err := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.relay.writeTimeout)); err != nil {
			c.log.Debug().Err(err).Int("code", code).Msg("write close frame")
		}
	}
	_ = c.conn.Close()
}

func (c *connection) resolve(ctx context.Context, token string) (*chat.Principal, error) {
	if c.relay.auth == nil {
		return nil, errors.New("authentication is not configured")
	}
	return c.relay.auth.Resolve(ctx, token)
}

func (c *connection) authenticate(ctx context.Context, token string) error {
	p, err := c.resolve(ctx, token)
	if err != nil {
		return err
	}
	c.session.Principal = p
	c.log = c.log.With().Int64("user_id", p.ID).Logger()
	return nil
}

func (c *connection) handleFrame(ctx context.Context, data []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic while handling frame: %v", r)
		}
	}()
	req, perr := ParseRequest(data, c.relay.defaultModel)
	if perr != nil {
		c.log.Debug().Err(perr).Msg("rejected client frame")
		c.relay.metrics.RecordRequest(metrics.OutcomeProtocolErr, 0)
		return c.emit(ctx, ErrorEvent(perr), nil)
	}
	return c.handleRequest(ctx, req)
}

// resolveExchange applies the per-request credential and the ownership check. Failures of either
// degrade the request to anonymous handling.
func (c *connection) resolveExchange(ctx context.Context, req Request) *exchange {
	x := &exchange{req: req, principal: c.session.Principal}
	if req.Token != "" {
		p, err := c.resolve(ctx, req.Token)
		if err != nil {
			c.log.Warn().Err(err).Msg("request credential rejected, continuing anonymously")
			c.relay.metrics.AuthDegraded("invalid_token")
			x.principal = nil
		} else {
			x.principal = p
		}
	}

	if convID := req.ConversationID(); convID > 0 && x.principal != nil {
		switch {
		case c.relay.store == nil || c.relay.auth == nil:
			c.log.Debug().Int64("conversation_id", convID).Msg("persistence not configured, ignoring conversation")
		default:
			owned, err := c.relay.auth.OwnsConversation(ctx, x.principal.ID, convID)
			switch {
			case err != nil:
				c.log.Warn().Err(err).Int64("conversation_id", convID).Msg("ownership check failed, continuing without persistence")
				c.relay.metrics.AuthDegraded("ownership_error")
			case !owned:
				c.log.Warn().Int64("conversation_id", convID).Int64("user_id", x.principal.ID).
					Msg("conversation not owned by principal, continuing without persistence")
				c.relay.metrics.AuthDegraded("not_owner")
			default:
				x.conversationID = convID
			}
		}
	}

	lc := c.log.With().Str("model", req.Model)
	if x.principal != nil {
		lc = lc.Int64("user_id", x.principal.ID)
	}
	if x.conversationID > 0 {
		lc = lc.Int64("conversation_id", x.conversationID)
	}
	x.log = lc.Logger()
	return x
}

func (c *connection) handleRequest(ctx context.Context, req Request) error {
	started := time.Now()
	x := c.resolveExchange(ctx, req)

	c.transition(StateStreaming)
	defer c.transition(StateReady)

	if err := c.emit(ctx, StartEvent(), x); err != nil {
		return err
	}

	prior := c.priorTurns(ctx, x)
	if x.persistent() {
		if _, err := c.relay.store.Append(ctx, x.principal.ID, x.conversationID, chat.RoleUser, req.Message); err != nil {
			c.storageError(x, "append_user", err)
		}
	}

	msgs := chatcontext.Build(prior, req.Message, c.relay.window)
	if c.relay.tokens != nil {
		n := chatcontext.CountMessages(c.relay.tokens, msgs)
		c.relay.metrics.ContextTokens(n)
		x.log.Debug().Int("messages", len(msgs)).Int("tokens", n).Msg("assembled context")
	}

	reply, err := c.relayStream(ctx, x, msgs)
	if err != nil {
		var we *writeError
		switch {
		case ctx.Err() != nil:
			x.log.Info().Msg("connection closed mid-stream, dropping partial reply")
			c.relay.metrics.RecordRequest(metrics.OutcomeCancelled, time.Since(started))
			return nil
		case errors.As(err, &we):
			return err
		default:
			x.log.Warn().Err(err).Msg("upstream failed")
			c.relay.metrics.UpstreamError(providerLabel(err, req.Model))
			c.relay.metrics.RecordRequest(metrics.OutcomeUpstreamErr, time.Since(started))
			return c.emit(ctx, ErrorEvent(err), x)
		}
	}

	if err := c.emit(ctx, EndEvent(), x); err != nil {
		return err
	}
	c.relay.metrics.RecordRequest(metrics.OutcomeCompleted, time.Since(started))
	x.log.Debug().Int("reply_len", len(reply)).Dur("elapsed", time.Since(started)).Msg("request completed")

	switch {
	case x.persistent():
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
		defer cancel()
		if _, err := c.relay.store.Append(pctx, x.principal.ID, x.conversationID, chat.RoleAssistant, reply); err != nil {
			c.storageError(x, "append_assistant", err)
		}
	case c.relay.connectionMemory:
		c.session.Transcript.Append(chat.RoleUser, req.Message)
		c.session.Transcript.Append(chat.RoleAssistant, reply)
	}
	return nil
}

func (c *connection) priorTurns(ctx context.Context, x *exchange) []chat.Turn {
	if x.persistent() {
		turns, err := c.relay.store.History(ctx, x.conversationID, x.principal.ID, c.relay.window)
		if err != nil {
			c.storageError(x, "history", err)
			return nil
		}
		return turns
	}
	if c.relay.connectionMemory {
		return c.session.Transcript.Turns()
	}
	return nil
}

// relayStream forwards every fragment as a chunk and returns the full reply.
func (c *connection) relayStream(ctx context.Context, x *exchange, msgs []chat.Message) (string, error) {
	stream, err := c.relay.streamer.Stream(ctx, msgs, x.req.Model)
	if err != nil {
		return "", err
	}
	defer func() { _ = stream.Close() }()

	var reply strings.Builder
	for {
		delta, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return reply.String(), nil
		}
		if err != nil {
			return "", err
		}
		if delta == "" {
			continue
		}
		reply.WriteString(delta)
		if err := c.emit(ctx, ChunkEvent(delta), x); err != nil {
			return "", err
		}
	}
}

func (c *connection) emit(ctx context.Context, ev Event, x *exchange) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "marshal event")
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.relay.writeTimeout)); err != nil {
		return &writeError{err: err}
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return &writeError{err: err}
	}
	if ev.Type == EventChunk {
		c.relay.metrics.Chunk()
	}
	if c.relay.tap != nil {
		env := redisstream.Envelope{ConnectionID: c.id, Event: payload}
		if x != nil {
			env.Model = x.req.Model
			env.ConversationID = x.conversationID
			if x.principal != nil {
				env.PrincipalID = x.principal.ID
			}
		}
		c.relay.tap.Publish(ctx, env)
	}
	return nil
}

func (c *connection) storageError(x *exchange, op string, err error) {
	x.log.Error().Err(err).Str("op", op).Msg("storage operation failed, continuing")
	c.relay.metrics.StorageError(op)
}

func providerLabel(err error, model string) string {
	var ue *upstream.Error
	if errors.As(err, &ue) && ue.Provider != upstream.ProviderUnknown {
		return ue.Provider.String()
	}
	return upstream.Classify(model).String()
}
