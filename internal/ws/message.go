// Package ws implements the sandbox message channel: one WebSocket per
// sandbox, JSON messages both ways. The session is the glue surface; it is
// the executor's event sink and the permission gate's prompter.
package ws

import (
	"github.com/scriptgate/scriptgate/internal/grant"
	"github.com/scriptgate/scriptgate/internal/proxy"
	"github.com/scriptgate/scriptgate/internal/shared/types"
)

// Inbound message types.
const (
	MsgProxyRequest    = "proxy.request"
	MsgProxyAbort      = "proxy.abort"
	MsgConfirmResponse = "confirm.response"
	MsgPing            = "ping"
)

// Outbound message types.
const (
	MsgProxyEvent  = "proxy.event"
	MsgProxyChunk  = "proxy.chunk"
	MsgConfirmShow = "confirm.show"
	MsgError       = "error"
	MsgPong        = "pong"
)

// Error codes attached to outbound error messages.
const (
	CodeBadMessage    = "bad_message"
	CodeUnknownScript = "unknown_script"
	CodeRateLimited   = "rate_limited"
)

type inboundMessage struct {
	Type           string             `json:"type"`
	ScriptID       string             `json:"script_id,omitempty"`
	MarkerID       string             `json:"marker_id,omitempty"`
	Spec           *proxy.RequestSpec `json:"spec,omitempty"`
	ConfirmationID string             `json:"confirmation_id,omitempty"`
	UserConfirm    *grant.UserConfirm `json:"user_confirm,omitempty"`
}

type outboundMessage struct {
	Type     string                `json:"type"`
	MarkerID string                `json:"marker_id,omitempty"`
	Action   string                `json:"action,omitempty"`
	Event    *types.ProxyEvent     `json:"event,omitempty"`
	Data     string                `json:"data,omitempty"`
	Confirm  *grant.ConfirmRequest `json:"confirm,omitempty"`
	Error    string                `json:"error,omitempty"`
	Code     string                `json:"code,omitempty"`
}
