package webchat

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

type ServerConfig struct {
	Addr            string
	WSPath          string
	ShutdownTimeout time.Duration
	Upgrader        websocket.Upgrader
}

// ServerOption mounts optional handlers on a Server.
type ServerOption func(*Server) error

func WithSessionAPI(h http.Handler) ServerOption {
	return func(s *Server) error {
		if h == nil {
			return errors.New("session api handler is nil")
		}
		s.mux.Handle("/api/", h)
		return nil
	}
}

func WithMetricsHandler(path string, h http.Handler) ServerOption {
	return func(s *Server) error {
		if h == nil {
			return errors.New("metrics handler is nil")
		}
		s.mux.Handle(path, h)
		return nil
	}
}

// Server drives the HTTP listener and the relay's connections through startup and shutdown.
type Server struct {
	relay           *Relay
	mux             *http.ServeMux
	httpSrv         *http.Server
	shutdownTimeout time.Duration
}

func NewServer(relay *Relay, cfg ServerConfig, opts ...ServerOption) (*Server, error) {
	if relay == nil {
		return nil, errors.New("relay is nil")
	}
	if cfg.WSPath == "" {
		cfg.WSPath = "/ws"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	s := &Server{relay: relay, mux: http.NewServeMux(), shutdownTimeout: cfg.ShutdownTimeout}
	s.mux.Handle(cfg.WSPath, NewWSHandler(relay, cfg.Upgrader))
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSONResponse(w, http.StatusOK, map[string]any{
			"status":      "ok",
			"connections": relay.Connections().Count(),
		})
	})
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	s.httpSrv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func (s *Server) Handler() http.Handler {
	if s == nil {
		return http.NotFoundHandler()
	}
	return s.mux
}

func (s *Server) HTTPServer() *http.Server {
	if s == nil {
		return nil
	}
	return s.httpSrv
}

// Run listens on the configured address until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if s == nil || s.httpSrv == nil {
		return errors.New("server is not initialized")
	}
	ln, err := net.Listen("tcp", s.httpSrv.Addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", s.httpSrv.Addr)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then closes every relay connection with
// 1001 (going away) and shuts the HTTP server down.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if ctx == nil {
		return errors.New("ctx is nil")
	}
	if s == nil || s.httpSrv == nil {
		return errors.New("server is not initialized")
	}
	eg := errgroup.Group{}
	srvCtx, srvCancel := context.WithCancel(ctx)
	defer srvCancel()

	eg.Go(func() error {
		<-srvCtx.Done()
		log.Info().Msg("shutting down gracefully...")
		s.relay.Connections().CloseAll(websocket.CloseGoingAway, "server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.shutdownTimeout)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server shutdown error")
			return err
		}
		log.Info().Msg("server shutdown complete")
		return nil
	})

	eg.Go(func() error {
		log.Info().Str("addr", ln.Addr().String()).Msg("starting chat relay server")
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server listen error")
			srvCancel()
			return err
		}
		return nil
	})

	return eg.Wait()
}
