package gateway

import "encoding/json"

// Wire frames. The gateway speaks three frame kinds over one socket:
// requests carry a client-chosen id, responses echo it, and events are
// unsolicited server pushes.
type requestFrame struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

type errorInfo struct {
	Code         string          `json:"code"`
	Message      string          `json:"message"`
	Details      json.RawMessage `json:"details,omitempty"`
	Retryable    bool            `json:"retryable,omitempty"`
	RetryAfterMs int64           `json:"retryAfterMs,omitempty"`
}

func (e *errorInfo) toError() error {
	if e == nil {
		return &GatewayError{Message: "unknown gateway error"}
	}
	return &GatewayError{
		Code:         e.Code,
		Message:      e.Message,
		Retryable:    e.Retryable,
		RetryAfterMs: e.RetryAfterMs,
	}
}

// inboundFrame is the union shape of everything the server sends. Type
// discriminates: "res" frames carry ID/OK/Payload/Error, "event" frames
// carry Event/Payload/Seq.
type inboundFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	OK      bool            `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *errorInfo      `json:"error,omitempty"`
	Event   string          `json:"event,omitempty"`
	Seq     int64           `json:"seq,omitempty"`
}

// Hello is the payload of a successful connect response.
type Hello struct {
	Server  json.RawMessage `json:"server,omitempty"`
	Methods []string        `json:"methods,omitempty"`
	Events  []string        `json:"events,omitempty"`
	Policy  json.RawMessage `json:"policy,omitempty"`
}

// connectParams is the body of the connect request frame.
type connectParams struct {
	MinProtocol int            `json:"minProtocol"`
	MaxProtocol int            `json:"maxProtocol"`
	Client      connectClient  `json:"client"`
	Role        string         `json:"role"`
	Scopes      []string       `json:"scopes"`
	Caps        []string       `json:"caps"`
	Auth        connectAuth    `json:"auth"`
	Device      *connectDevice `json:"device,omitempty"`
}

type connectClient struct {
	ID      string `json:"id"`
	Mode    string `json:"mode"`
	Version string `json:"version"`
}

type connectAuth struct {
	Token string `json:"token,omitempty"`
}

type connectDevice struct {
	ID        string `json:"id"`
	PublicKey string `json:"publicKey"`
	Signature string `json:"signature"`
	SignedAt  int64  `json:"signedAt"`
	Nonce     string `json:"nonce,omitempty"`
}

// chatEvent is the payload of inbound "chat" events used for run
// correlation.
type chatEvent struct {
	RunID   string          `json:"runId"`
	State   string          `json:"state"`
	Message json.RawMessage `json:"message,omitempty"`
	Error   *errorInfo      `json:"error,omitempty"`
}

// chatMessage is the assistant message shape inside a final chat event.
type chatMessage struct {
	Content []struct {
		Type string `json:"type,omitempty"`
		Text string `json:"text,omitempty"`
	} `json:"content"`
}
