// Package gateway terminates the WebSocket control plane: clients send
// RPC requests over /ws and receive the runtime event feed plus chat
// replies on the same connection.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/moziai/mozi/internal/bus"
	"github.com/moziai/mozi/internal/config"
	"github.com/moziai/mozi/internal/sessions"
	"github.com/moziai/mozi/internal/tracing"
	"github.com/moziai/mozi/pkg/protocol"
)

// Aborter cancels in-flight runs by session key. The agent dispatcher
// implements it.
type Aborter interface {
	Abort(sessionKey string) bool
}

// Options wires a Server.
type Options struct {
	Config      *config.Config
	Events      bus.EventPublisher
	Bus         bus.MessageRouter
	Sessions    *sessions.Store
	ConfigStore *config.Store
	Aborter     Aborter
	Collector   *tracing.Collector
	Version     string
}

// Server is the gateway server handling WebSocket and HTTP connections.
type Server struct {
	cfg       *config.Config
	events    bus.EventPublisher
	bus       bus.MessageRouter
	sessions  *sessions.Store
	confStore *config.Store
	aborter   Aborter
	collector *tracing.Collector
	version   string

	upgrader websocket.Upgrader
	handlers map[string]handlerFunc
	clients  map[string]*Client
	mu       sync.RWMutex

	startedAt  time.Time
	httpServer *http.Server
}

// NewServer creates a new gateway server.
func NewServer(opts Options) *Server {
	s := &Server{
		cfg:       opts.Config,
		events:    opts.Events,
		bus:       opts.Bus,
		sessions:  opts.Sessions,
		confStore: opts.ConfigStore,
		aborter:   opts.Aborter,
		collector: opts.Collector,
		version:   opts.Version,
		clients:   make(map[string]*Client),
		startedAt: time.Now(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.handlers = s.methodTable()
	return s
}

// checkOrigin validates the WebSocket Origin header against the allowed
// origins whitelist. No configured origins means all are allowed; an
// empty Origin header (non-browser clients like the CLI) always passes.
func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg.Gateway.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if origin == a || a == "*" {
			return true
		}
	}
	slog.Warn("security.cors_rejected", "origin", origin)
	return false
}

func (s *Server) buildMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Start begins listening and blocks until ctx is cancelled or the
// listener fails.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Gateway.Host, s.cfg.Gateway.Port)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.buildMux(),
	}

	slog.Info("gateway starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

// handleWebSocket upgrades HTTP to WebSocket and manages the connection.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	client := newClient(conn, s)
	s.registerClient(client)

	defer func() {
		s.unregisterClient(client)
		client.Close()
	}()

	client.Run(r.Context())
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","protocol":%d,"version":%q}`, protocol.ProtocolVersion, s.version)
}

// BroadcastEvent sends an event to all connected, authenticated clients.
func (s *Server) BroadcastEvent(event protocol.Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, client := range s.clients {
		if client.authed.Load() {
			client.SendEvent(event)
		}
	}
}

// DeliverOutbound pushes an agent reply to the WebSocket client it is
// addressed to. Replies for disconnected clients are dropped; the
// session transcript already holds them.
func (s *Server) DeliverOutbound(msg bus.OutboundMessage) {
	s.mu.RLock()
	client, ok := s.clients[msg.PeerID]
	s.mu.RUnlock()
	if !ok {
		slog.Debug("websocket reply dropped, client gone", "peer", msg.PeerID)
		return
	}
	client.SendEvent(protocol.Event{
		Type: protocol.EventChat,
		Payload: map[string]interface{}{
			"type":       protocol.ChatEventMessage,
			"sessionKey": msg.SessionKey,
			"content":    msg.Content,
		},
	})
}

func (s *Server) registerClient(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.id] = c

	s.events.Subscribe(c.id, func(event bus.Event) {
		if !c.authed.Load() {
			return
		}
		c.SendEvent(protocol.Event{Type: event.Name, Payload: event.Payload})
	})

	slog.Info("client connected", "id", c.id)
}

func (s *Server) unregisterClient(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, c.id)
	s.events.Unsubscribe(c.id)
	slog.Info("client disconnected", "id", c.id)
}

// StartTestServer creates a listener on a random localhost port and
// returns the actual address and a start function. Used for
// integration tests.
func StartTestServer(s *Server, ctx context.Context) (addr string, start func()) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic("listen: " + err.Error())
	}

	s.httpServer = &http.Server{Handler: s.buildMux()}
	addr = ln.Addr().String()

	start = func() {
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			s.httpServer.Shutdown(shutdownCtx)
		}()
		s.httpServer.Serve(ln)
	}

	return addr, start
}
