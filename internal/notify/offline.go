package notify

import (
	"context"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"messenger-service/internal/logger"
	"messenger-service/internal/models"
)

const (
	offlineRoutingKey = "notifications.offline"
	previewRunes      = 100
	notifyTimeout     = 5 * time.Second
)

type OfflineMembers interface {
	OfflineMemberIDs(ctx context.Context, chatID int, excludeUserID int) ([]int, error)
}

type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any, headers map[string]string) error
}

// OfflineNotification asks a downstream worker to reach a user who has no live connection.
type OfflineNotification struct {
	RecipientID int       `json:"recipient_id"`
	ChatID      int       `json:"chat_id"`
	MessageID   int       `json:"message_id"`
	SenderID    int       `json:"sender_id"`
	SenderName  string    `json:"sender_name"`
	Type        string    `json:"type"`
	Preview     string    `json:"preview"`
	SentAt      time.Time `json:"sent_at"`
}

// Notifier publishes an offline notification per member who is not connected
// anywhere when a message is sent.
type Notifier struct {
	members   OfflineMembers
	publisher Publisher
	log       *zap.Logger
	async     bool
}

func NewNotifier(members OfflineMembers, publisher Publisher, log *zap.Logger) *Notifier {
	return &Notifier{members: members, publisher: publisher, log: logger.OrNop(log), async: true}
}

// NotifyOffline returns immediately; lookups and publishes run in the background.
func (n *Notifier) NotifyOffline(ctx context.Context, msg models.Message) {
	if n.publisher == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	if n.async {
		go n.notify(ctx, msg)
		return
	}
	n.notify(ctx, msg)
}

func (n *Notifier) notify(ctx context.Context, msg models.Message) {
	ctx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()

	recipients, err := n.members.OfflineMemberIDs(ctx, msg.ChatID, msg.UserID)
	if err != nil {
		n.log.Warn("offline member lookup failed", zap.Int("chat_id", msg.ChatID), zap.Error(err))
		return
	}

	preview := Preview(msg)
	for _, recipient := range recipients {
		note := OfflineNotification{
			RecipientID: recipient,
			ChatID:      msg.ChatID,
			MessageID:   msg.ID,
			SenderID:    msg.UserID,
			SenderName:  msg.AuthorDisplayName,
			Type:        msg.Type,
			Preview:     preview,
			SentAt:      msg.CreatedAt,
		}
		if err := n.publisher.Publish(ctx, offlineRoutingKey, note, nil); err != nil {
			n.log.Warn("offline notification publish failed",
				zap.Int("recipient_id", recipient),
				zap.Int("message_id", msg.ID),
				zap.Error(err),
			)
		}
	}
}

// Preview is the short text shown in a notification for msg.
func Preview(msg models.Message) string {
	switch {
	case msg.Type == models.MessageTypeImage && msg.Content == "":
		return "[image]"
	case msg.Type == models.MessageTypeVoice && msg.Content == "":
		return "[voice message]"
	}
	if utf8.RuneCountInString(msg.Content) <= previewRunes {
		return msg.Content
	}
	runes := []rune(msg.Content)
	return string(runes[:previewRunes]) + "…"
}
