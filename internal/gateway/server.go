// Package gateway streams session events to WebSocket subscribers.
package gateway

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/pairgate/internal/bus"
	"github.com/nextlevelbuilder/pairgate/pkg/protocol"
)

// Server upgrades HTTP requests and attaches each connection to the bus.
type Server struct {
	bus      *bus.Bus
	upgrader websocket.Upgrader
	origins  map[string]bool // empty = same-origin check only

	mu      sync.Mutex
	clients map[string]*Client
}

// NewServer creates a gateway on b. allowedOrigins lists extra browser
// origins permitted to connect; "*" allows any.
func NewServer(b *bus.Bus, allowedOrigins []string) *Server {
	s := &Server{
		bus:     b,
		origins: make(map[string]bool),
		clients: make(map[string]*Client),
	}
	for _, o := range allowedOrigins {
		s.origins[strings.TrimRight(o, "/")] = true
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// ServeHTTP handles GET /ws.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := newClient(conn, r.RemoteAddr)
	s.add(c)
	defer s.remove(c)

	c.enqueue(protocol.NewHello(c.id))
	s.bus.Subscribe(c.id, c.deliver)
	slog.Info("websocket client connected", "client", c.id, "remote", c.remote)

	c.run()
	slog.Info("websocket client disconnected", "client", c.id)
}

// Clients returns the number of connected subscribers.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Close disconnects every subscriber.
func (s *Server) Close() {
	s.mu.Lock()
	clients := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.Close()
	}
}

func (s *Server) add(c *Client) {
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()
}

func (s *Server) remove(c *Client) {
	s.bus.Unsubscribe(c.id)
	c.Close()
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || s.origins["*"] || s.origins[strings.TrimRight(origin, "/")] {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if strings.EqualFold(u.Host, r.Host) {
		return true
	}
	slog.Warn("security.ws_origin_rejected", "origin", origin)
	return false
}
