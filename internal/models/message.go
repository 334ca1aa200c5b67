package models

import "time"

// Message types.
const (
	MessageTypeText  = "text"
	MessageTypeImage = "image"
	MessageTypeVoice = "voice"
)

// DeletedMessageContent replaces the content of a deleted message.
const DeletedMessageContent = "Message deleted"

// Message represents a chat message. Deleted messages keep their row and id;
// only Content, FileURL and IsDeleted change.
type Message struct {
	ID                int             `db:"id" json:"id"`
	ChatID            int             `db:"chat_id" json:"chat_id"`
	UserID            int             `db:"user_id" json:"user_id"`
	Type              string          `db:"type" json:"type"`
	Content           string          `db:"content" json:"content"`
	FileURL           *string         `db:"file_url" json:"file_url,omitempty"`
	ReplyToID         *int            `db:"reply_to_id" json:"reply_to_id,omitempty"`
	IsEdited          bool            `db:"is_edited" json:"is_edited"`
	IsDeleted         bool            `db:"is_deleted" json:"is_deleted"`
	CreatedAt         time.Time       `db:"created_at" json:"created_at"`
	AuthorUsername    string          `db:"username" json:"username"`
	AuthorDisplayName string          `db:"display_name" json:"display_name"`
	Reactions         []ReactionTally `db:"-" json:"reactions"`
}

// NewMessage carries the fields supplied when a message is created.
type NewMessage struct {
	ChatID    int
	UserID    int
	Type      string
	Content   string
	FileURL   *string
	ReplyToID *int
}

// IsValidMessageType reports whether t is a supported message type.
func IsValidMessageType(t string) bool {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeVoice:
		return true
	}
	return false
}
