package websocket

import (
	"time"

	"github.com/KevinKickass/OpenAcqCore/internal/core"
)

// MessageType defines the type of WebSocket message
type MessageType string

const (
	MessageTypeEvent        MessageType = "event"
	MessageTypeSystemStatus MessageType = "system_status"

	MessageTypeAuthSuccess MessageType = "auth_success"
	MessageTypeAuthFailed  MessageType = "auth_failed"
	MessageTypeSubscribed  MessageType = "subscribed"
	MessageTypeError       MessageType = "error"
)

// Message represents a WebSocket message
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      any         `json:"data,omitempty"`
}

// ClientMessage is what clients send: an auth message first when auth is
// enabled, then optional subscriptions.
type ClientMessage struct {
	Type   string   `json:"type"`
	Token  string   `json:"token,omitempty"`
	Device string   `json:"device,omitempty"`
	Kinds  []string `json:"kinds,omitempty"`
}

// NewMessage creates a new message with current timestamp
func NewMessage(msgType MessageType, data any) Message {
	return Message{
		Type:      msgType,
		Timestamp: time.Now(),
		Data:      data,
	}
}

func NewEventMessage(ev core.Event) Message {
	return Message{Type: MessageTypeEvent, Timestamp: ev.Time, Data: ev}
}
