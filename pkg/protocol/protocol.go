package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/resi-gateway/pkg/types"
)

const (
	MsgRegister      = "register"
	MsgRegisterAck   = "register_ack"
	MsgCapabilities  = "capabilities"
	MsgHeartbeat     = "heartbeat"
	MsgHeartbeatAck  = "heartbeat_ack"
	MsgProxyRequest  = "proxy_request"
	MsgProxyResponse = "proxy_response"
	MsgProxyError    = "proxy_error"
	MsgProxyCancel   = "proxy_cancel"
	MsgTunnelOpen    = "tunnel_open"
	MsgTunnelReady   = "tunnel_ready"
	MsgTunnelClose   = "tunnel_close"
	MsgPing          = "ping"
	MsgPong          = "pong"
	MsgError         = "error"
)

// Error codes carried by MsgError
const (
	CodeUnauthorized       = "unauthorized"
	CodeNotFound           = "not_found"
	CodeBlacklisted        = "blacklisted"
	CodeBadRequest         = "bad_request"
	CodeCooldown           = "cooldown"            // reconnecting too often; retry after RetryAfter seconds
	CodeUnsupportedVersion = "unsupported_version" // agent must be upgraded
)

var ErrMalformedFrame = errors.New("malformed frame")

// Message is the control channel envelope.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

func Encode(msgType string, data interface{}) (*Message, error) {
	msg := &Message{Type: msgType}
	if data == nil {
		return msg, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msgType, err)
	}
	msg.Data = raw
	return msg, nil
}

// MustEncode is Encode for payloads that always marshal.
func MustEncode(msgType string, data interface{}) *Message {
	msg, err := Encode(msgType, data)
	if err != nil {
		panic(err)
	}
	return msg
}

func (m *Message) Decode(v interface{}) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("decode %s: empty payload", m.Type)
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("decode %s: %w", m.Type, err)
	}
	return nil
}

type Register struct {
	DeviceFingerprint string             `json:"device_fingerprint"`
	Location          types.Location     `json:"location"`
	Capabilities      types.Capabilities `json:"capabilities"`
	Version           string             `json:"version,omitempty"`
}

type RegisterAck struct {
	NodeID    string           `json:"node_id"`
	AuthToken string           `json:"auth_token"`
	Config    types.NodeConfig `json:"config"`
}

// CapabilitiesUpdate replaces what a registered node declares it can serve.
type CapabilitiesUpdate struct {
	Capabilities types.Capabilities `json:"capabilities"`
}

type Heartbeat struct {
	NodeID    string          `json:"node_id"`
	AuthToken string          `json:"auth_token"`
	Stats     types.NodeStats `json:"stats"`
}

type HeartbeatAck struct {
	Config types.NodeConfig `json:"config"`
}

// ProxyRequest is the dispatch descriptor sent to a node.
type ProxyRequest struct {
	RequestID string              `json:"request_id"`
	Method    string              `json:"method"`
	URL       string              `json:"url"`
	Headers   map[string][]string `json:"headers,omitempty"`
	Body      []byte              `json:"body,omitempty"`
	TimeoutMs int64               `json:"timeout_ms"`
}

type ProxyResponse struct {
	RequestID  string              `json:"request_id"`
	StatusCode int                 `json:"status_code"`
	Headers    map[string][]string `json:"headers,omitempty"`
	Body       []byte              `json:"body,omitempty"`
	LatencyMs  int64               `json:"latency_ms,omitempty"`
}

type ProxyError struct {
	RequestID string `json:"request_id"`
	Error     string `json:"error"`
}

type ProxyCancel struct {
	RequestID string `json:"request_id"`
}

// TunnelOpen asks a node to dial host:port; RequestID doubles as the stream id.
type TunnelOpen struct {
	RequestID string `json:"request_id"`
	Host      string `json:"host"`
	Port      string `json:"port"`
}

type TunnelReady struct {
	RequestID string `json:"request_id"`
}

type TunnelClose struct {
	RequestID string `json:"request_id"`
	Error     string `json:"error,omitempty"`
}

type ErrorPayload struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after_sec,omitempty"`
}
