package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/moziai/mozi/pkg/protocol"
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second
	// pongWait is how long the read side tolerates silence; pings go out
	// at pingPeriod to keep it fed.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	// maxFrameBytes bounds inbound frames. Config patches carry whole
	// documents, so this is generous.
	maxFrameBytes = 1 << 20
	// sendQueueSize is the per-client outbound buffer. A client that
	// cannot drain the event feed loses frames rather than stalling the
	// broadcaster.
	sendQueueSize = 64
)

// Client is one WebSocket connection. Writes are serialized through the
// send queue; SendEvent and the response helpers never block.
type Client struct {
	id     string
	conn   *websocket.Conn
	server *Server

	send    chan []byte
	done    chan struct{}
	authed  atomic.Bool
	limiter *rate.Limiter

	closeOnce sync.Once
}

func newClient(conn *websocket.Conn, s *Server) *Client {
	c := &Client{
		id:     uuid.NewString(),
		conn:   conn,
		server: s,
		send:   make(chan []byte, sendQueueSize),
		done:   make(chan struct{}),
	}
	// No configured token means the gateway is open and every client
	// starts authenticated.
	c.authed.Store(s.cfg.Gateway.Token == "")
	if rpm := s.cfg.Gateway.RateLimitPerMin; rpm > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(rpm)/60, 5)
	}
	return c
}

// ID returns the server-assigned connection id. It doubles as the peer
// id in session keys for chat sent over this connection.
func (c *Client) ID() string { return c.id }

// Run services the connection until the peer disconnects or ctx ends.
func (c *Client) Run(ctx context.Context) {
	go c.writePump()
	c.readPump(ctx)
}

// Close tears the connection down. Safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *Client) readPump(ctx context.Context) {
	c.conn.SetReadLimit(maxFrameBytes)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("websocket read failed", "client", c.id, "error", err)
			}
			return
		}
		c.handleFrame(ctx, data)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
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
		case <-c.done:
			return
		}
	}
}

// handleFrame decodes one request and dispatches it. Malformed frames
// get an error response when they carry an id, otherwise they are
// dropped with a log line.
func (c *Client) handleFrame(ctx context.Context, data []byte) {
	var req protocol.Request
	if err := json.Unmarshal(data, &req); err != nil {
		slog.Warn("unparseable frame", "client", c.id, "error", err)
		return
	}
	if req.Method == "" {
		c.sendError(req.ID, "bad_request", "missing method")
		return
	}
	c.server.handleRequest(ctx, c, req)
}

// SendEvent enqueues an event frame without blocking.
func (c *Client) SendEvent(event protocol.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		slog.Error("marshal event", "type", event.Type, "error", err)
		return
	}
	c.enqueue(data)
}

func (c *Client) sendResult(id string, result interface{}) {
	var raw json.RawMessage
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			c.sendError(id, "internal", "marshal result: "+err.Error())
			return
		}
		raw = data
	}
	c.sendResponse(protocol.Response{ID: id, OK: true, Result: raw})
}

func (c *Client) sendError(id, code, message string) {
	c.sendResponse(protocol.Response{
		ID:    id,
		OK:    false,
		Error: &protocol.ErrorInfo{Code: code, Message: message},
	})
}

func (c *Client) sendResponse(resp protocol.Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		slog.Error("marshal response", "id", resp.ID, "error", err)
		return
	}
	c.enqueue(data)
}

func (c *Client) enqueue(data []byte) {
	select {
	case <-c.done:
	case c.send <- data:
	default:
		slog.Warn("client send queue full, dropping frame", "client", c.id)
	}
}
