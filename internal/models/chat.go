package models

import "time"

// Chat kinds. A chat's kind never changes after creation.
const (
	ChatTypePrivate = "private"
	ChatTypeGroup   = "group"
)

// Chat represents a private or group conversation.
type Chat struct {
	ID        int       `db:"id" json:"id"`
	Type      string    `db:"type" json:"type"`
	Name      *string   `db:"name" json:"name,omitempty"`
	Avatar    *string   `db:"avatar" json:"avatar,omitempty"`
	CreatedBy *int      `db:"created_by" json:"created_by,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// ChatMember is one (chat, user) membership row with its read watermark.
type ChatMember struct {
	ChatID            int       `db:"chat_id" json:"chat_id"`
	UserID            int       `db:"user_id" json:"user_id"`
	JoinedAt          time.Time `db:"joined_at" json:"joined_at"`
	LastReadMessageID int       `db:"last_read_message_id" json:"last_read_message_id"`
}

// ChatSummary provides API-friendly view of a chat for a user.
// For private chats Name and Avatar come from the other participant.
type ChatSummary struct {
	ID                int        `db:"id" json:"id"`
	Type              string     `db:"type" json:"type"`
	Name              *string    `db:"name" json:"name,omitempty"`
	Avatar            *string    `db:"avatar" json:"avatar,omitempty"`
	LastMessage       *string    `db:"last_message" json:"last_message,omitempty"`
	LastMessageAt     *time.Time `db:"last_message_at" json:"last_message_at,omitempty"`
	LastReadMessageID int        `db:"last_read_message_id" json:"last_read_message_id"`
	UnreadCount       int        `db:"unread_count" json:"unread_count"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
}
