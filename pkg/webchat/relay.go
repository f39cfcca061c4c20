package webchat

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/chatrelay/pkg/chat"
	"github.com/go-go-golems/chatrelay/pkg/chatcontext"
	"github.com/go-go-golems/chatrelay/pkg/metrics"
	"github.com/go-go-golems/chatrelay/pkg/persistence/chatstore"
	"github.com/go-go-golems/chatrelay/pkg/redisstream"
	"github.com/go-go-golems/chatrelay/pkg/upstream"
)

// Streamer opens one upstream reply stream. *upstream.Adapter implements it.
type Streamer interface {
	Stream(ctx context.Context, msgs []chat.Message, model string) (upstream.DeltaStream, error)
}

// AuthResolver maps credentials to principals. *auth.Resolver implements it.
type AuthResolver interface {
	Resolve(ctx context.Context, token string) (*chat.Principal, error)
	OwnsConversation(ctx context.Context, principalID, conversationID int64) (bool, error)
}

// EventTap receives a copy of every event written to a client. *redisstream.Tap implements it.
type EventTap interface {
	Publish(ctx context.Context, env redisstream.Envelope)
}

const (
	DefaultWindow          = 20
	DefaultTranscriptLimit = 20
	DefaultWriteTimeout    = 10 * time.Second
	DefaultReadLimit       = 64 << 10
	DefaultModel           = "gpt-3.5-turbo"

	frameQueueSize = 8
)

// Relay holds the collaborators shared by all connections. It carries no per-connection state.
type Relay struct {
	streamer Streamer
	store    chatstore.TurnStore
	auth     AuthResolver
	tap      EventTap
	metrics  *metrics.Collector
	tokens   chatcontext.TokenCounter
	registry *ConnectionPool

	window           int
	connectionMemory bool
	transcriptLimit  int
	defaultModel     string
	writeTimeout     time.Duration
	readLimit        int64
}

// RelayOption configures optional dependencies for a Relay.
type RelayOption func(*Relay) error

func WithTurnStore(s chatstore.TurnStore) RelayOption {
	return func(r *Relay) error {
		if s == nil {
			return errors.New("turn store is nil")
		}
		r.store = s
		return nil
	}
}

func WithAuthResolver(a AuthResolver) RelayOption {
	return func(r *Relay) error {
		if a == nil {
			return errors.New("auth resolver is nil")
		}
		r.auth = a
		return nil
	}
}

func WithEventTap(t EventTap) RelayOption {
	return func(r *Relay) error {
		if t == nil {
			return errors.New("event tap is nil")
		}
		r.tap = t
		return nil
	}
}

func WithMetrics(m *metrics.Collector) RelayOption {
	return func(r *Relay) error {
		r.metrics = m
		return nil
	}
}

func WithTokenCounter(c chatcontext.TokenCounter) RelayOption {
	return func(r *Relay) error {
		r.tokens = c
		return nil
	}
}

// WithWindow sets how many prior turns are sent upstream. 0 sends only the new message.
func WithWindow(n int) RelayOption {
	return func(r *Relay) error {
		if n < 0 {
			return errors.Errorf("window %d is negative", n)
		}
		r.window = n
		return nil
	}
}

// WithConnectionMemory enables the per-connection transcript for requests that are not persisted.
func WithConnectionMemory(enabled bool, limit int) RelayOption {
	return func(r *Relay) error {
		r.connectionMemory = enabled
		r.transcriptLimit = limit
		return nil
	}
}

func WithDefaultModel(model string) RelayOption {
	return func(r *Relay) error {
		if model == "" {
			return errors.New("default model is empty")
		}
		r.defaultModel = model
		return nil
	}
}

func WithWriteTimeout(d time.Duration) RelayOption {
	return func(r *Relay) error {
		if d <= 0 {
			return errors.New("write timeout must be positive")
		}
		r.writeTimeout = d
		return nil
	}
}

func WithReadLimit(n int64) RelayOption {
	return func(r *Relay) error {
		if n <= 0 {
			return errors.New("read limit must be positive")
		}
		r.readLimit = n
		return nil
	}
}

func NewRelay(streamer Streamer, opts ...RelayOption) (*Relay, error) {
	if streamer == nil {
		return nil, errors.New("streamer is nil")
	}
	r := &Relay{
		streamer:         streamer,
		registry:         NewConnectionPool(),
		window:           DefaultWindow,
		connectionMemory: true,
		transcriptLimit:  DefaultTranscriptLimit,
		defaultModel:     DefaultModel,
		writeTimeout:     DefaultWriteTimeout,
		readLimit:        DefaultReadLimit,
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Connections is the registry of open connections.
func (r *Relay) Connections() *ConnectionPool {
	if r == nil {
		return nil
	}
	return r.registry
}
