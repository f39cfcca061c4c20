// Package redisstream publishes relayed chat events to a watermill topic, backed by Redis Streams
// when enabled and by an in-process channel otherwise.
package redisstream

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Envelope is the payload written to the tap for every event sent to a client.
type Envelope struct {
	ConnectionID   string          `json:"connection_id"`
	ConversationID int64           `json:"chat_session_id,omitempty"`
	PrincipalID    int64           `json:"user_id,omitempty"`
	Model          string          `json:"model,omitempty"`
	Event          json.RawMessage `json:"event"`
}

// Tap is a fire-and-forget publisher. Publish failures are logged and never returned to the relay.
type Tap struct {
	topic     string
	publisher message.Publisher
	// subscriber is set for the in-process transport only.
	subscriber message.Subscriber
	closers    []func() error
	closeOnce  sync.Once
}

// NewTap builds a tap for s. When s.Enabled is false an in-process gochannel pub/sub is used.
func NewTap(s Settings) (*Tap, error) {
	topic := strings.TrimSpace(s.Stream)
	if topic == "" {
		topic = DefaultStream
	}
	logger := NewWatermillLogger(log.Logger)

	if !s.Enabled {
		ch := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 256}, logger)
		return &Tap{topic: topic, publisher: ch, subscriber: ch, closers: []func() error{ch.Close}}, nil
	}

	client := redis.NewClient(&redis.Options{Addr: s.Addr})
	cfg := rstream.PublisherConfig{
		Client:     client,
		Marshaller: rstream.DefaultMarshallerUnmarshaller{},
	}
	if s.MaxLen > 0 {
		cfg.Maxlens = map[string]int64{topic: s.MaxLen}
	}
	pub, err := rstream.NewPublisher(cfg, logger)
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "redisstream: new publisher")
	}
	return &Tap{topic: topic, publisher: pub, closers: []func() error{pub.Close, client.Close}}, nil
}

func (t *Tap) Topic() string {
	if t == nil {
		return ""
	}
	return t.topic
}

// Publish writes env to the tap. A nil tap is a no-op.
func (t *Tap) Publish(ctx context.Context, env Envelope) {
	if t == nil || t.publisher == nil {
		return
	}
	payload, err := json.Marshal(env)
	if err != nil {
		log.Warn().Err(err).Str("component", "event_tap").Msg("marshal envelope")
		return
	}
	msg := message.NewMessage(uuid.NewString(), payload)
	msg.SetContext(ctx)
	msg.Metadata.Set("connection_id", env.ConnectionID)
	if err := t.publisher.Publish(t.topic, msg); err != nil {
		log.Warn().Err(err).Str("component", "event_tap").Str("topic", t.topic).Msg("publish event")
	}
}

// Subscribe returns the in-process event feed. It fails for the Redis transport; use NewGroupSubscriber there.
func (t *Tap) Subscribe(ctx context.Context) (<-chan *message.Message, error) {
	if t == nil || t.subscriber == nil {
		return nil, errors.New("redisstream: tap has no in-process subscriber")
	}
	return t.subscriber.Subscribe(ctx, t.topic)
}

func (t *Tap) Close() error {
	if t == nil {
		return nil
	}
	var firstErr error
	t.closeOnce.Do(func() {
		for _, c := range t.closers {
			if err := c(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	})
	return firstErr
}

// NewGroupSubscriber returns a Redis Streams subscriber bound to the configured consumer group.
func NewGroupSubscriber(s Settings) (message.Subscriber, func() error, error) {
	client := redis.NewClient(&redis.Options{Addr: s.Addr})
	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  rstream.DefaultMarshallerUnmarshaller{},
		ConsumerGroup: s.Group,
		Consumer:      s.Consumer,
	}, NewWatermillLogger(log.Logger))
	if err != nil {
		_ = client.Close()
		return nil, nil, errors.Wrap(err, "redisstream: new subscriber")
	}
	return sub, func() error {
		err := sub.Close()
		if cerr := client.Close(); err == nil {
			err = cerr
		}
		return err
	}, nil
}

// EnsureGroupAtTail creates the consumer group at the stream tail so a new reader skips history.
func EnsureGroupAtTail(ctx context.Context, s Settings) error {
	client := redis.NewClient(&redis.Options{Addr: s.Addr})
	defer func() { _ = client.Close() }()
	stream := s.Stream
	if stream == "" {
		stream = DefaultStream
	}
	err := client.XGroupCreateMkStream(ctx, stream, s.Group, "$").Err()
	if err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return errors.Wrap(err, "redisstream: create group")
	}
	log.Info().Str("stream", stream).Str("group", s.Group).Msg("created redis consumer group at tail")
	return nil
}

var _ watermill.LoggerAdapter = (*zerologAdapter)(nil)
