package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/chatrelay/pkg/redisstream"
)

func newEventsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{Use: "events", Short: "Inspect the relay event stream"}

	var fromTail bool
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Print relayed events from the Redis stream as JSON lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			s := opts.settings.Events
			if s.Addr == "" {
				return errors.New("events.addr is not configured")
			}
			if s.Stream == "" {
				s.Stream = redisstream.DefaultStream
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if fromTail {
				if err := redisstream.EnsureGroupAtTail(ctx, s); err != nil {
					return err
				}
			}
			sub, closeSub, err := redisstream.NewGroupSubscriber(s)
			if err != nil {
				return err
			}
			defer func() {
				if err := closeSub(); err != nil {
					log.Debug().Err(err).Msg("close subscriber")
				}
			}()
			msgs, err := sub.Subscribe(ctx, s.Stream)
			if err != nil {
				return errors.Wrap(err, "subscribe")
			}
			return copyEvents(ctx, msgs, cmd.OutOrStdout())
		},
	}
	tail.Flags().BoolVar(&fromTail, "from-tail", true, "Create the consumer group at the stream tail so history is skipped")
	cmd.AddCommand(tail)
	return cmd
}

// copyEvents writes every message payload to w as one line until ctx ends or msgs closes.
func copyEvents(ctx context.Context, msgs <-chan *message.Message, w io.Writer) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			if _, err := fmt.Fprintln(w, string(msg.Payload)); err != nil {
				msg.Nack()
				return err
			}
			msg.Ack()
		}
	}
}

// setupEventTap returns the tap serve publishes to, or nil when events are neither mirrored to
// Redis nor echoed. echo writes events from the in-process tap to w.
func setupEventTap(ctx context.Context, s redisstream.Settings, echo bool, w io.Writer) (*redisstream.Tap, error) {
	switch {
	case s.Enabled:
		tap, err := redisstream.NewTap(s)
		if err != nil {
			return nil, errors.Wrap(err, "build event tap")
		}
		log.Info().Str("addr", s.Addr).Str("stream", tap.Topic()).Msg("mirroring events to redis")
		return tap, nil
	case echo:
		tap, err := redisstream.NewTap(s)
		if err != nil {
			return nil, errors.Wrap(err, "build event tap")
		}
		msgs, err := tap.Subscribe(ctx)
		if err != nil {
			_ = tap.Close()
			return nil, errors.Wrap(err, "subscribe to event tap")
		}
		go func() {
			if err := copyEvents(ctx, msgs, w); err != nil {
				log.Warn().Err(err).Msg("event echo stopped")
			}
		}()
		log.Info().Str("stream", tap.Topic()).Msg("echoing events in process")
		return tap, nil
	default:
		return nil, nil
	}
}
