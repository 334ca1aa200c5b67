package models

import (
	"encoding/json"
	"time"
)

// Inbound action names.
const (
	ActionSendMessage    = "send_message"
	ActionTyping         = "typing"
	ActionMarkRead       = "mark_read"
	ActionEditMessage    = "edit_message"
	ActionDeleteMessage  = "delete_message"
	ActionToggleReaction = "toggle_reaction"
)

// Outbound event names.
const (
	EventConnected        = "connected"
	EventNewMessage       = "new_message"
	EventUserTyping       = "user_typing"
	EventMessagesRead     = "messages_read"
	EventMessageEdited    = "message_edited"
	EventMessageDeleted   = "message_deleted"
	EventReactionsUpdated = "reactions_updated"
	EventUserStatus       = "user_status_change"
	EventError            = "error"
)

// InboundAction is a frame sent by a client over the websocket.
type InboundAction struct {
	Action    string          `json:"action"`
	RequestID string          `json:"request_id,omitempty"`
	Data      json.RawMessage `json:"data"`
}

// Event is broadcasted through websockets.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Encode marshals the event into a websocket text payload.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

type SendMessagePayload struct {
	ChatID    int     `json:"chat_id"`
	Content   string  `json:"content"`
	Type      string  `json:"type,omitempty"`
	FileURL   *string `json:"file_url,omitempty"`
	ReplyToID *int    `json:"reply_to_id,omitempty"`
}

type TypingPayload struct {
	ChatID   int  `json:"chat_id"`
	IsTyping bool `json:"is_typing"`
}

type MarkReadPayload struct {
	ChatID    int `json:"chat_id"`
	MessageID int `json:"message_id"`
}

type EditMessagePayload struct {
	MessageID int    `json:"message_id"`
	Content   string `json:"content"`
}

type DeleteMessagePayload struct {
	MessageID int `json:"message_id"`
}

type ToggleReactionPayload struct {
	MessageID int    `json:"message_id"`
	Emoji     string `json:"emoji"`
}

type ConnectedEvent struct {
	UserID  int   `json:"user_id"`
	ChatIDs []int `json:"chat_ids"`
}

type MessageEvent struct {
	ChatID  int     `json:"chat_id"`
	Message Message `json:"message"`
}

type MessageDeletedEvent struct {
	ChatID    int `json:"chat_id"`
	MessageID int `json:"message_id"`
}

type TypingEvent struct {
	ChatID      int    `json:"chat_id"`
	UserID      int    `json:"user_id"`
	DisplayName string `json:"display_name,omitempty"`
	IsTyping    bool   `json:"is_typing"`
}

type MessagesReadEvent struct {
	ChatID    int `json:"chat_id"`
	UserID    int `json:"user_id"`
	MessageID int `json:"message_id"`
}

type ReactionsUpdatedEvent struct {
	ChatID    int             `json:"chat_id"`
	MessageID int             `json:"message_id"`
	Reactions []ReactionTally `json:"reactions"`
}

type UserStatusEvent struct {
	UserID   int       `json:"user_id"`
	IsOnline bool      `json:"is_online"`
	LastSeen time.Time `json:"last_seen"`
}

type ErrorEvent struct {
	Action    string `json:"action,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	Kind      string `json:"kind"`
	Message   string `json:"message"`
}

// Exclusion names recipients a broadcast skips: every connection of UserID
// and the single connection ConnID. Zero values exclude nobody.
type Exclusion struct {
	UserID int
	ConnID string
}
