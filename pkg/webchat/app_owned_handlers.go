package webchat

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// NewUpgrader accepts any origin when allowedOrigins is empty, otherwise only the listed ones.
func NewUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowed := map[string]struct{}{}
	for _, o := range allowedOrigins {
		if o = strings.TrimRight(strings.TrimSpace(o), "/"); o != "" {
			allowed[strings.ToLower(o)] = struct{}{}
		}
	}
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			u, err := url.Parse(origin)
			if err != nil {
				return false
			}
			_, ok := allowed[strings.ToLower(u.Scheme+"://"+u.Host)]
			return ok
		},
	}
}

// NewWSHandler upgrades the request and hands the connection to relay. The optional connect-time
// credential is read from the "token" query parameter.
func NewWSHandler(relay *Relay, upgrader websocket.Upgrader) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if relay == nil {
			http.Error(w, "relay not initialized", http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			log.Debug().Err(err).Str("component", "webchat").Msg("websocket upgrade failed")
			return
		}
		relay.Serve(req.Context(), conn, req.URL.Query().Get("token"))
	}
}
