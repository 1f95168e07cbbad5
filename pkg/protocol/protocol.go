// Package protocol defines the wire types shared by the gateway server and
// its WebSocket clients.
package protocol

import "encoding/json"

// ProtocolVersion is bumped on breaking changes to the WS contract.
const ProtocolVersion = 2

// Request is a client → server RPC frame.
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is the server's reply to a Request, matched by ID.
type Response struct {
	ID     string          `json:"id"`
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorInfo      `json:"error,omitempty"`
}

// ErrorInfo carries a machine-readable error code plus a human message.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Event is a server → client push frame.
type Event struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// NewEvent creates an event frame.
func NewEvent(eventType string, payload interface{}) *Event {
	return &Event{Type: eventType, Payload: payload}
}

// Frame kinds returned by SniffFrame.
const (
	FrameRequest  = "request"
	FrameResponse = "response"
	FrameEvent    = "event"
	FrameUnknown  = "unknown"
)

// SniffFrame classifies a raw frame without fully decoding it. Requests
// carry a method, responses an id without a method, events a type.
func SniffFrame(data []byte) string {
	var probe struct {
		ID     string `json:"id"`
		Method string `json:"method"`
		Type   string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return FrameUnknown
	}
	switch {
	case probe.Method != "":
		return FrameRequest
	case probe.ID != "":
		return FrameResponse
	case probe.Type != "":
		return FrameEvent
	default:
		return FrameUnknown
	}
}
