package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/moziai/mozi/internal/bus"
	"github.com/moziai/mozi/internal/config"
	"github.com/moziai/mozi/internal/sessions"
	"github.com/moziai/mozi/pkg/protocol"
)

// handlerFunc is one RPC method. A returned error is mapped to an
// error response; see errorCode.
type handlerFunc func(ctx context.Context, c *Client, params json.RawMessage) (interface{}, error)

func (s *Server) methodTable() map[string]handlerFunc {
	return map[string]handlerFunc{
		protocol.MethodConnect:        s.handleConnect,
		protocol.MethodHealth:         s.handleHealthRPC,
		protocol.MethodStatus:         s.handleStatus,
		protocol.MethodChatSend:       s.handleChatSend,
		protocol.MethodChatAbort:      s.handleChatAbort,
		protocol.MethodSessionsList:   s.handleSessionsList,
		protocol.MethodSessionsShow:   s.handleSessionsShow,
		protocol.MethodSessionsReset:  s.handleSessionsReset,
		protocol.MethodSessionsRevert: s.handleSessionsRevert,
		protocol.MethodConfigSnapshot: s.handleConfigSnapshot,
		protocol.MethodConfigPatch:    s.handleConfigPatch,
		protocol.MethodConfigApply:    s.handleConfigApply,
	}
}

// handleRequest routes one decoded request. Everything except connect
// requires prior authentication.
func (s *Server) handleRequest(ctx context.Context, c *Client, req protocol.Request) {
	handler, ok := s.handlers[req.Method]
	if !ok {
		c.sendError(req.ID, "unknown_method", fmt.Sprintf("unknown method %q", req.Method))
		return
	}
	if req.Method != protocol.MethodConnect && !c.authed.Load() {
		c.sendError(req.ID, "unauthorized", "authenticate with connect first")
		return
	}
	result, err := handler(ctx, c, req.Params)
	if err != nil {
		code, msg := errorCode(err)
		if code == "internal" {
			slog.Error("method failed", "method", req.Method, "client", c.id, "error", err)
		}
		c.sendError(req.ID, code, msg)
		return
	}
	c.sendResult(req.ID, result)
}

// methodError pins a protocol error code onto an error.
type methodError struct {
	code string
	msg  string
}

func (e *methodError) Error() string { return e.msg }

func errBadParams(format string, args ...interface{}) error {
	return &methodError{code: "bad_params", msg: fmt.Sprintf(format, args...)}
}

// errorCode maps an error to its wire code and message.
func errorCode(err error) (string, string) {
	var me *methodError
	if errors.As(err, &me) {
		return me.code, me.msg
	}
	switch {
	case errors.Is(err, sessions.ErrNotFound), errors.Is(err, config.ErrNotFound):
		return "not_found", err.Error()
	case errors.Is(err, sessions.ErrNoPreviousSegment):
		return "invalid", err.Error()
	case errors.Is(err, config.ErrConflict):
		return "conflict", err.Error()
	case errors.Is(err, config.ErrInvalid), errors.Is(err, config.ErrSensitiveMissing):
		return "invalid", err.Error()
	}
	return "internal", err.Error()
}

func decodeParams(params json.RawMessage, into interface{}) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, into); err != nil {
		return errBadParams("decode params: %v", err)
	}
	return nil
}

// handleConnect authenticates the connection. With no token configured
// the gateway is open and connect just reports the protocol handshake.
func (s *Server) handleConnect(ctx context.Context, c *Client, params json.RawMessage) (interface{}, error) {
	var p struct {
		Token string `json:"token"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	want := s.cfg.Gateway.Token
	if want != "" && subtle.ConstantTimeCompare([]byte(p.Token), []byte(want)) != 1 {
		slog.Warn("security.auth_failed", "client", c.id)
		return nil, &methodError{code: "unauthorized", msg: "invalid token"}
	}
	c.authed.Store(true)

	return map[string]interface{}{
		"protocol": protocol.ProtocolVersion,
		"clientId": c.id,
		"version":  s.version,
	}, nil
}

func (s *Server) handleHealthRPC(ctx context.Context, c *Client, params json.RawMessage) (interface{}, error) {
	return map[string]interface{}{
		"status":   "ok",
		"protocol": protocol.ProtocolVersion,
	}, nil
}

// handleStatus reports runtime vitals: uptime, connected clients and
// the span collector's counters.
func (s *Server) handleStatus(ctx context.Context, c *Client, params json.RawMessage) (interface{}, error) {
	s.mu.RLock()
	clients := len(s.clients)
	s.mu.RUnlock()

	out := map[string]interface{}{
		"version":       s.version,
		"protocol":      protocol.ProtocolVersion,
		"uptimeSeconds": int64(time.Since(s.startedAt).Seconds()),
		"clients":       clients,
		"agents":        s.cfg.AgentIDs(),
	}
	if s.collector != nil {
		out["stats"] = s.collector.Stats()
	}
	return out, nil
}

// handleChatSend enqueues a message for the agent runtime and acks with
// the session key the reply will carry. The reply itself arrives as a
// chat event once the run completes.
func (s *Server) handleChatSend(ctx context.Context, c *Client, params json.RawMessage) (interface{}, error) {
	var p struct {
		AgentID    string `json:"agentId"`
		SessionKey string `json:"sessionKey"`
		Content    string `json:"content"`
		Stream     bool   `json:"stream"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Content == "" {
		return nil, errBadParams("content is required")
	}
	if max := s.cfg.Gateway.MaxMessageChars; max > 0 && len(p.Content) > max {
		return nil, errBadParams("content exceeds %d chars", max)
	}
	if c.limiter != nil && !c.limiter.Allow() {
		return nil, &methodError{code: "rate_limited", msg: "too many messages, slow down"}
	}

	agentID := p.AgentID
	if agentID == "" {
		agentID = s.cfg.ResolveDefaultAgentID()
	}
	key := p.SessionKey
	if key == "" {
		key = sessions.BuildKey(agentID, "websocket", sessions.PeerDM, c.id)
	}

	s.bus.PublishInbound(bus.InboundMessage{
		Channel:    "websocket",
		AgentID:    p.AgentID,
		SessionKey: p.SessionKey,
		SenderID:   c.id,
		PeerID:     c.id,
		PeerKind:   "dm",
		Content:    p.Content,
		Stream:     p.Stream,
	})

	return map[string]interface{}{"sessionKey": key, "queued": true}, nil
}

func (s *Server) handleChatAbort(ctx context.Context, c *Client, params json.RawMessage) (interface{}, error) {
	var p struct {
		SessionKey string `json:"sessionKey"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.SessionKey == "" {
		return nil, errBadParams("sessionKey is required")
	}
	aborted := s.aborter != nil && s.aborter.Abort(p.SessionKey)
	return map[string]interface{}{"aborted": aborted}, nil
}

func (s *Server) handleSessionsList(ctx context.Context, c *Client, params json.RawMessage) (interface{}, error) {
	var p struct {
		AgentID string `json:"agentId"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	infos := s.sessions.List(p.AgentID)
	if infos == nil {
		infos = []sessions.Info{}
	}
	return map[string]interface{}{"sessions": infos}, nil
}

func (s *Server) handleSessionsShow(ctx context.Context, c *Client, params json.RawMessage) (interface{}, error) {
	var p struct {
		SessionKey string `json:"sessionKey"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.SessionKey == "" {
		return nil, errBadParams("sessionKey is required")
	}
	sess, ok := s.sessions.Get(p.SessionKey)
	if !ok {
		return nil, fmt.Errorf("%w: %s", sessions.ErrNotFound, p.SessionKey)
	}
	return map[string]interface{}{"key": p.SessionKey, "session": sess}, nil
}

func (s *Server) handleSessionsReset(ctx context.Context, c *Client, params json.RawMessage) (interface{}, error) {
	var p struct {
		SessionKey string `json:"sessionKey"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.SessionKey == "" {
		return nil, errBadParams("sessionKey is required")
	}
	sess, err := s.sessions.RotateSegment(p.SessionKey, sessions.AgentIDFromKey(p.SessionKey))
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"key": p.SessionKey, "sessionId": sess.SessionID}, nil
}

func (s *Server) handleSessionsRevert(ctx context.Context, c *Client, params json.RawMessage) (interface{}, error) {
	var p struct {
		SessionKey string `json:"sessionKey"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.SessionKey == "" {
		return nil, errBadParams("sessionKey is required")
	}
	sess, err := s.sessions.RevertToPreviousSegment(p.SessionKey, sessions.AgentIDFromKey(p.SessionKey))
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"key":       p.SessionKey,
		"sessionId": sess.SessionID,
		"messages":  len(sess.Context),
	}, nil
}

// handleConfigSnapshot returns the config state with credentials
// redacted. Raw text never crosses the wire.
func (s *Server) handleConfigSnapshot(ctx context.Context, c *Client, params json.RawMessage) (interface{}, error) {
	snap := s.confStore.Snapshot()
	out := map[string]interface{}{
		"path":    snap.Path,
		"exists":  snap.Exists,
		"rawHash": snap.RawHash,
		"valid":   snap.Load.Success,
	}
	if len(snap.Load.Errors) > 0 {
		out["errors"] = snap.Load.Errors
	}
	if snap.Exists {
		doc, err := config.ParseDocument([]byte(snap.Raw))
		if err == nil {
			out["config"] = config.Redacted(doc)
		}
	}
	return out, nil
}

func (s *Server) handleConfigPatch(ctx context.Context, c *Client, params json.RawMessage) (interface{}, error) {
	var p struct {
		Patch           map[string]interface{} `json:"patch"`
		ExpectedRawHash string                 `json:"expectedRawHash"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if len(p.Patch) == 0 {
		return nil, errBadParams("patch is required")
	}
	if err := s.confStore.Patch(p.Patch, config.WriteOptions{ExpectedRawHash: p.ExpectedRawHash}); err != nil {
		return nil, err
	}
	snap := s.confStore.Snapshot()
	return map[string]interface{}{"rawHash": snap.RawHash}, nil
}

func (s *Server) handleConfigApply(ctx context.Context, c *Client, params json.RawMessage) (interface{}, error) {
	var p struct {
		Ops             []config.Operation `json:"ops"`
		ExpectedRawHash string             `json:"expectedRawHash"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if len(p.Ops) == 0 {
		return nil, errBadParams("ops is required")
	}
	if err := s.confStore.Apply(p.Ops, config.WriteOptions{ExpectedRawHash: p.ExpectedRawHash}); err != nil {
		return nil, err
	}
	snap := s.confStore.Snapshot()
	return map[string]interface{}{"rawHash": snap.RawHash}, nil
}
