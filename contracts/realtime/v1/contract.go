// Package v1 defines the taskchat Realtime Protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the WebSocket subprotocol negotiated by the gateway.
const Subprotocol = "taskchat.realtime.v1"

// Type constants (wire-stable).
const (
	// TypeHello starts a session handshake (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the session handshake (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeConversationOpen opens the conversation view for a scope (client -> server).
	TypeConversationOpen = "conversation_open"
	// TypeConversationState pushes the merged conversation view (server -> client).
	TypeConversationState = "conversation_state"
	// TypeConversationVisible toggles auto-read for the open conversation (client -> server).
	TypeConversationVisible = "conversation_visible"
	// TypeConversationReadAll marks every message of the open conversation read (client -> server).
	TypeConversationReadAll = "conversation_read_all"
	// TypeConversationRefresh refetches the open conversation and re-subscribes after a lost connection (client -> server).
	TypeConversationRefresh = "conversation_refresh"

	// TypeMessageSend requests sending a new message (client -> server).
	TypeMessageSend = "message_send"
	// TypeMessageAck acknowledges a send request with the provisional local id (server -> client).
	TypeMessageAck = "message_ack"
	// TypeMessageRetry re-queues a failed provisional message (client -> server).
	TypeMessageRetry = "message_retry"
	// TypeMessageDiscard drops a failed provisional message (client -> server).
	TypeMessageDiscard = "message_discard"
	// TypeMessageNotify signals a newly arrived message for the session user (server -> client).
	TypeMessageNotify = "message_notify"

	// TypePresenceWatch subscribes to a remote user's presence (client -> server).
	TypePresenceWatch = "presence_watch"
	// TypePresenceState pushes a presence event (server -> client).
	TypePresenceState = "presence_state"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeConversationOpen,
		TypeConversationState,
		TypeConversationVisible,
		TypeConversationReadAll,
		TypeConversationRefresh,
		TypeMessageSend,
		TypeMessageAck,
		TypeMessageRetry,
		TypeMessageDiscard,
		TypeMessageNotify,
		TypePresenceWatch,
		TypePresenceState,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// HelloPayload is sent by the client to initiate a session for UserID.
type HelloPayload struct {
	UserID string `json:"user_id"`
}

// HelloAckPayload carries the server-assigned session id.
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
}

// ConversationOpenPayload selects the conversation scope.
// CounterpartID is always required (it is the recipient of sends); TaskID narrows the scope.
type ConversationOpenPayload struct {
	TaskID        *string `json:"task_id,omitempty"`
	CounterpartID string  `json:"counterpart_id"`
	Visible       bool    `json:"visible,omitempty"`
}

// ConversationVisiblePayload toggles auto-read.
type ConversationVisiblePayload struct {
	Visible bool `json:"visible"`
}

// ConversationStatePayload is the merged view of the open conversation.
type ConversationStatePayload struct {
	State          string              `json:"state"`
	Messages       []ConversationEntry `json:"messages"`
	Unread         int                 `json:"unread"`
	ConnectionLost bool                `json:"connection_lost,omitempty"`
	Error          string              `json:"error,omitempty"`
}

// ConversationEntry is one rendered message, confirmed or provisional.
type ConversationEntry struct {
	MessageRecord
	LocalID     string   `json:"local_id,omitempty"`
	Provisional bool     `json:"provisional,omitempty"`
	Failed      bool     `json:"failed,omitempty"`
	Sender      *Profile `json:"sender,omitempty"`
	Recipient   *Profile `json:"recipient,omitempty"`
}

// Profile is the denormalized participant snapshot attached for rendering.
type Profile struct {
	DisplayName string `json:"display_name,omitempty"`
	Email       string `json:"email,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	Role        string `json:"role,omitempty"`
}

// MessageSendPayload requests sending a message into the open conversation.
type MessageSendPayload struct {
	ClientMsgID string `json:"client_msg_id"`
	Text        string `json:"text"`
}

// MessageAckPayload acknowledges a send request and returns the provisional local id.
type MessageAckPayload struct {
	ClientMsgID string `json:"client_msg_id"`
	LocalID     string `json:"local_id"`
}

// MessageRetryPayload re-queues (message_retry) or drops (message_discard) a failed provisional entry.
type MessageRetryPayload struct {
	LocalID string `json:"local_id"`
}

// MessageNotifyPayload announces a new incoming message.
type MessageNotifyPayload struct {
	Message ConversationEntry `json:"message"`
}

// PresenceWatchPayload requests presence events for UserID.
type PresenceWatchPayload struct {
	UserID string `json:"user_id"`
}

// PresenceStatePayload is one presence event.
type PresenceStatePayload struct {
	PresenceRecord
	State      string `json:"state"`
	CameOnline bool   `json:"came_online,omitempty"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
