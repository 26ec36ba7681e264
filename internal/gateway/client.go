package gateway

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/pairgate/internal/bus"
	"github.com/nextlevelbuilder/pairgate/pkg/protocol"
)

const (
	// sendBuffer is how many frames a slow client may lag before events drop.
	sendBuffer = 64
	// maxWSMessageSize caps inbound frames; subscribers only send small control frames.
	maxWSMessageSize = 16 * 1024

	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
)

// Client represents a single WebSocket subscriber.
type Client struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	seq    atomic.Int64
	sendMu sync.Mutex // keeps frames in send in seq order
	remote string

	mu     sync.RWMutex
	filter map[string]bool // bot ids; nil = all

	closeOnce sync.Once
	closed    chan struct{}
}

func newClient(conn *websocket.Conn, remote string) *Client {
	return &Client{
		id:     uuid.NewString(),
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		remote: remote,
		closed: make(chan struct{}),
	}
}

// ID returns the client's unique identifier.
func (c *Client) ID() string { return c.id }

// run starts the write pump and blocks in the read pump until the peer goes away.
func (c *Client) run() {
	go c.writePump()
	c.readPump()
}

// readPump consumes control frames and keeps the read deadline fresh.
func (c *Client) readPump() {
	defer c.Close()

	c.conn.SetReadLimit(maxWSMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("websocket read error", "client", c.id, "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.handleFrame(data)
	}
}

// writePump writes frames and pings to the WebSocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.closed:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleFrame(data []byte) {
	frameType, err := protocol.ParseFrameType(data)
	if err != nil {
		slog.Debug("websocket: ignoring malformed frame", "client", c.id, "error", err)
		return
	}

	switch frameType {
	case protocol.FrameTypeSubscribe:
		var f protocol.SubscribeFrame
		if err := json.Unmarshal(data, &f); err != nil {
			slog.Debug("websocket: malformed subscribe frame", "client", c.id, "error", err)
			return
		}
		c.setFilter(f.BotIDs)
		slog.Debug("websocket: subscription updated", "client", c.id, "bots", f.BotIDs)
	default:
		slog.Debug("websocket: unexpected frame type", "client", c.id, "type", frameType)
	}
}

func (c *Client) setFilter(botIDs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(botIDs) == 0 {
		c.filter = nil
		return
	}
	c.filter = make(map[string]bool, len(botIDs))
	for _, id := range botIDs {
		c.filter[id] = true
	}
}

func (c *Client) wants(payload interface{}) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.filter == nil {
		return true
	}
	scoped, ok := payload.(protocol.BotScoped)
	return !ok || c.filter[scoped.Bot()]
}

// deliver is the bus handler for this client. It never blocks on the
// socket; concurrent publishers only wait for each other's enqueue.
func (c *Client) deliver(ev bus.Event) {
	if !c.wants(ev.Payload) {
		return
	}
	frame := protocol.NewEvent(ev.Name, ev.Payload)

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	frame.Seq = c.seq.Add(1)
	c.enqueue(frame)
}

func (c *Client) enqueue(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("marshal frame failed", "client", c.id, "error", err)
		return
	}
	select {
	case <-c.closed:
	case c.send <- data:
	default:
		slog.Warn("client send buffer full, dropping event", "client", c.id)
	}
}

// Close shuts down the client connection. Safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.closed) })
}
