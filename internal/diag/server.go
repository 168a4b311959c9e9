// Package diag implements the bridge's optional diagnostics HTTP server:
// a single /healthz probe that reports the XMPP connection state (503
// while disconnected or terminal), and a Prometheus /metrics endpoint. It is off by default and only
// starts when the operator configures a listen address.
package diag

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	mw "github.com/quietwire/xmppbridge/internal/middleware"
	"github.com/quietwire/xmppbridge/internal/xmppclient"
)

// ConnState reports the bridge's current XMPP connection state for the
// readiness probe.
type ConnState func() xmppclient.State

// NewRouter builds the diagnostics HTTP handler. corsOrigins configures
// the allowed origins for a browser-based dashboard; an empty slice
// falls back to middleware.CORS's own default.
func NewRouter(connState ConnState, corsOrigins []string) http.Handler {
	r := chi.NewRouter()

	r.Use(mw.RequestID)
	r.Use(mw.SecurityHeaders)
	r.Use(mw.Logging)
	r.Use(mw.Recovery)
	r.Use(mw.Metrics)
	r.Use(cors.Handler(mw.CORS(corsOrigins)))

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		state := connState()
		status := http.StatusOK
		body := map[string]any{"status": "alive", "connection_state": string(state)}
		if state == xmppclient.StateDisconnected || state == xmppclient.StateTerminal {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
		}
		writeJSON(w, status, body)
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}

// Server wraps http.Server with a Shutdown that respects the caller's
// context deadline, matching the rest of the bridge's shutdown style.
type Server struct {
	http *http.Server
}

// NewServer constructs a Server bound to addr, ready for Start.
func NewServer(addr string, handler http.Handler) *Server {
	return &Server{http: &http.Server{Addr: addr, Handler: handler}}
}

// Start runs the HTTP server until it is shut down or fails to bind. It
// never returns http.ErrServerClosed as an error.
func (s *Server) Start() error {
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server, honoring ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
