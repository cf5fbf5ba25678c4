// Package server defines the chat message model, the wire-level event
// envelope, and the typed payloads exchanged between clients and the broker.
package server

import (
	"encoding/json"
	"strings"
)

// TimestampLayout is the fixed sortable format for server-assigned message
// timestamps. Timestamps are the only ordering key for history; ties are
// broken by append order.
const TimestampLayout = "2006-01-02T15:04:05.000000"

// SystemNickname is the author name attached to join/leave announcements.
const SystemNickname = "System"

// Message is a single chat message as stored in history and sent on the wire.
// The JSON field names are fixed by the durable storage format.
type Message struct {
	Text      string `json:"message"`
	UserID    string `json:"userId,omitempty"`
	Nickname  string `json:"nickname"`
	Room      string `json:"room"`
	Timestamp string `json:"timestamp,omitempty"`
}

// Event is the envelope for every frame exchanged over a connection. Inbound
// frames carry their payload as raw JSON so the broker can decode it per
// event type; outbound frames marshal any payload value.
type Event struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data"`
}

// Inbound event names accepted by the broker.
const (
	EventJoin        = "join"
	EventLeave       = "leave"
	EventUserList    = "get_user_list"
	EventMessage     = "message"
	EventTyping      = "typing"
	EventChatHistory = "get_chat_history"
)

// Outbound event names emitted by the broker.
const (
	EventOutMessage     = "message"
	EventOutTyping      = "typing"
	EventOutUserList    = "user_list"
	EventOutUpdateRooms = "update_rooms"
	EventOutChatHistory = "chat_history"
	EventOutError       = "error"
)

// RoomPayload carries the room name for join, leave, get_user_list, and
// get_chat_history events.
type RoomPayload struct {
	Room string `json:"room"`
}

// MessagePayload is the inbound payload of a message event.
type MessagePayload struct {
	Room   string `json:"room"`
	Text   string `json:"message"`
	UserID string `json:"userId"`
}

// TypingPayload is the inbound payload of a typing event.
type TypingPayload struct {
	Room     string `json:"room"`
	IsTyping bool   `json:"isTyping"`
	UserID   string `json:"userId"`
}

// TypingEvent is the outbound typing indicator broadcast to a room.
type TypingEvent struct {
	IsTyping bool   `json:"isTyping"`
	Room     string `json:"room"`
	Nickname string `json:"nickname"`
	UserID   string `json:"userId"`
}

// UserListEvent carries the roster of a room.
type UserListEvent struct {
	Users []RosterEntry `json:"users"`
}

// UpdateRoomsEvent carries the full known-room list.
type UpdateRoomsEvent struct {
	Rooms []string `json:"rooms"`
}

// ChatHistoryEvent carries the persisted log of a room.
type ChatHistoryEvent struct {
	History []Message `json:"history"`
}

// ErrorEvent notifies a single sender that its event was rejected.
type ErrorEvent struct {
	Error string `json:"error"`
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
