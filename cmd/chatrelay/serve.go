package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/chatrelay/pkg/auth"
	"github.com/go-go-golems/chatrelay/pkg/chatcontext"
	"github.com/go-go-golems/chatrelay/pkg/config"
	"github.com/go-go-golems/chatrelay/pkg/metrics"
	"github.com/go-go-golems/chatrelay/pkg/upstream"
	"github.com/go-go-golems/chatrelay/pkg/webchat"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var (
		addr       string
		echoEvents bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the WebSocket relay and the session API",
		RunE: func(cmd *cobra.Command, args []string) error {
			s := opts.settings
			if cmd.Flags().Changed("addr") {
				s.Server.Addr = addr
			}
			if err := s.Validate(); err != nil {
				return err
			}

			store, err := openStore(s)
			if err != nil {
				return errors.Wrap(err, "open store")
			}
			defer func() {
				if err := store.Close(); err != nil {
					log.Error().Err(err).Msg("store close error")
				}
			}()

			adapter, err := upstream.New(s.UpstreamConfig())
			if err != nil {
				return errors.Wrap(err, "build upstream adapter")
			}

			relayOpts := []webchat.RelayOption{
				webchat.WithTurnStore(store),
				webchat.WithWindow(s.Context.Window),
				webchat.WithConnectionMemory(s.Context.ConnectionMemory, s.Context.TranscriptLimit),
				webchat.WithDefaultModel(s.Upstream.DefaultModel),
				webchat.WithWriteTimeout(s.Server.WriteTimeout),
				webchat.WithReadLimit(s.Server.ReadLimit),
			}
			var serverOpts []webchat.ServerOption

			if s.Auth.JWTSecret != "" {
				resolver, err := auth.NewResolver(s.Auth.JWTSecret, store, store)
				if err != nil {
					return err
				}
				relayOpts = append(relayOpts, webchat.WithAuthResolver(resolver))
				serverOpts = append(serverOpts, webchat.WithSessionAPI(webchat.NewSessionAPIHandler(resolver, store)))
			} else {
				log.Warn().Msgf("%s is not set, all requests are anonymous", config.EnvJWTSecret)
			}

			if counter, err := chatcontext.NewTiktokenCounter(s.Context.TokenEncoding); err != nil {
				log.Warn().Err(err).Str("encoding", s.Context.TokenEncoding).Msg("token counting disabled")
			} else {
				relayOpts = append(relayOpts, webchat.WithTokenCounter(counter))
			}

			if s.Metrics.Enabled {
				collector := metrics.NewCollector(metrics.Config{Namespace: s.Metrics.Namespace}, nil)
				relayOpts = append(relayOpts, webchat.WithMetrics(collector))
				serverOpts = append(serverOpts, webchat.WithMetricsHandler(s.Metrics.Path, collector.Handler()))
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			tap, err := setupEventTap(ctx, s.Events, echoEvents, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			if tap != nil {
				defer func() { _ = tap.Close() }()
				relayOpts = append(relayOpts, webchat.WithEventTap(tap))
			}

			relay, err := webchat.NewRelay(adapter, relayOpts...)
			if err != nil {
				return errors.Wrap(err, "build relay")
			}
			srv, err := webchat.NewServer(relay, webchat.ServerConfig{
				Addr:            s.Server.Addr,
				WSPath:          s.Server.WSPath,
				ShutdownTimeout: s.Server.ShutdownTimeout,
				Upgrader:        webchat.NewUpgrader(s.Server.AllowedOrigins),
			}, serverOpts...)
			if err != nil {
				return errors.Wrap(err, "build server")
			}

			return srv.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "HTTP listen address")
	cmd.Flags().BoolVar(&echoEvents, "echo-events", false, "Print relayed events as JSON lines when Redis mirroring is off")
	return cmd
}
