package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"messenger-service/internal/models"
)

var ErrMessageNotFound = errors.New("message not found")

// MessageRepository defines interactions for chat messages.
type MessageRepository interface {
	CreateMessage(ctx context.Context, msg models.NewMessage) (models.Message, error)
	GetMessage(ctx context.Context, messageID int) (models.Message, error)
	UpdateContent(ctx context.Context, messageID int, authorID int, content string) (models.Message, error)
	SoftDelete(ctx context.Context, messageID int, authorID int) (models.Message, error)
	ListMessages(ctx context.Context, chatID int, beforeID int, limit int) ([]models.Message, error)
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

const (
	messageReturning = `id, chat_id, user_id, type, content, file_url, reply_to_id, is_edited, is_deleted, created_at`
	messageSelect    = `SELECT m.id, m.chat_id, m.user_id, m.type, m.content, m.file_url, m.reply_to_id,
        m.is_edited, m.is_deleted, m.created_at, u.username, u.display_name
        FROM messages m JOIN users u ON u.id = m.user_id`
	withAuthor = ` SELECT w.*, u.username, u.display_name FROM w JOIN users u ON u.id = w.user_id`
)

// CreateMessage inserts a message; the id comes from the table sequence so
// concurrent inserts never collide and ids follow commit order per chat writer.
func (r *MessageRepo) CreateMessage(ctx context.Context, in models.NewMessage) (models.Message, error) {
	var msg models.Message
	err := r.db.GetContext(ctx, &msg, `WITH w AS (
            INSERT INTO messages (chat_id, user_id, type, content, file_url, reply_to_id)
            VALUES ($1, $2, $3, $4, $5, $6) RETURNING `+messageReturning+`)`+withAuthor,
		in.ChatID, in.UserID, in.Type, in.Content, in.FileURL, in.ReplyToID)
	if err != nil {
		return models.Message{}, err
	}
	msg.Reactions = []models.ReactionTally{}
	return msg, nil
}

// GetMessage retrieves a single message.
func (r *MessageRepo) GetMessage(ctx context.Context, messageID int) (models.Message, error) {
	var msg models.Message
	err := r.db.GetContext(ctx, &msg, messageSelect+` WHERE m.id=$1`, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	return msg, err
}

// UpdateContent edits a live message owned by authorID.
func (r *MessageRepo) UpdateContent(ctx context.Context, messageID int, authorID int, content string) (models.Message, error) {
	var msg models.Message
	err := r.db.GetContext(ctx, &msg, `WITH w AS (
            UPDATE messages SET content=$3, is_edited=TRUE
            WHERE id=$1 AND user_id=$2 AND is_deleted=FALSE
            RETURNING `+messageReturning+`)`+withAuthor, messageID, authorID, content)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	return msg, err
}

// SoftDelete replaces the content with the tombstone and flags the row; the row itself stays.
func (r *MessageRepo) SoftDelete(ctx context.Context, messageID int, authorID int) (models.Message, error) {
	var msg models.Message
	err := r.db.GetContext(ctx, &msg, `WITH w AS (
            UPDATE messages SET content=$3, file_url=NULL, is_deleted=TRUE
            WHERE id=$1 AND user_id=$2
            RETURNING `+messageReturning+`)`+withAuthor, messageID, authorID, models.DeletedMessageContent)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	return msg, err
}

// ListMessages returns up to limit messages older than beforeID (0 = newest),
// in ascending id order. Deleted rows are included.
func (r *MessageRepo) ListMessages(ctx context.Context, chatID int, beforeID int, limit int) ([]models.Message, error) {
	query := messageSelect + ` WHERE m.chat_id=$1 ORDER BY m.id DESC LIMIT $2`
	args := []any{chatID, limit}
	if beforeID > 0 {
		query = messageSelect + ` WHERE m.chat_id=$1 AND m.id < $3 ORDER BY m.id DESC LIMIT $2`
		args = append(args, beforeID)
	}

	msgs := []models.Message{}
	if err := r.db.SelectContext(ctx, &msgs, query, args...); err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}
