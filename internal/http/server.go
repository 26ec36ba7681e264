// Package http is the REST façade over the session manager.
package http

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nextlevelbuilder/pairgate/internal/session"
)

// Sessions is the slice of *session.Manager the handlers use.
type Sessions interface {
	DefaultBotID() string
	PairingTTL() time.Duration
	RequestPairing(ctx context.Context, botID, phone string) (*session.StartResult, error)
	Verify(ctx context.Context, botID, code string) (*session.VerifyResult, error)
	Restart(ctx context.Context, botID string) (*session.StartResult, error)
	Clear(ctx context.Context, botID string) error
	Status(botID string) session.Status
	Connected() []session.ConnectedBot
	SessionExists(ctx context.Context, botID string) bool
}

// Options configures a Server.
type Options struct {
	Sessions     Sessions
	Token        string       // bearer token; empty disables auth
	RateLimitRPM int          // per-IP limit on pairing mutations; 0 disables
	Events       http.Handler // WebSocket event stream mounted at /ws, optional
	Version      string
}

// Server wires the handlers onto one mux.
type Server struct {
	opts    Options
	limiter *RateLimiter
	started time.Time
	handler http.Handler
}

// NewServer builds the route table.
func NewServer(opts Options) *Server {
	s := &Server{
		opts:    opts,
		limiter: NewRateLimiter(opts.RateLimitRPM, 5),
		started: time.Now(),
	}

	mux := http.NewServeMux()
	NewPairingHandler(opts.Sessions, s.limiter).RegisterRoutes(mux, opts.Token)
	NewSessionHandler(opts.Sessions).RegisterRoutes(mux, opts.Token)

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	if opts.Events != nil {
		mux.Handle("GET /ws", requireToken(opts.Token, true, opts.Events))
	}

	s.handler = withRequestID(metricsMiddleware(mux))
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Close releases background resources.
func (s *Server) Close() { s.limiter.Stop() }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"version":   s.opts.Version,
		"uptime":    time.Since(s.started).Round(time.Second).String(),
		"connected": len(s.opts.Sessions.Connected()),
	})
}
