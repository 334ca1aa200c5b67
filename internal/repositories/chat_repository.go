package repositories

import (
	"context"
	"database/sql"
	"errors"
	"sort"

	"github.com/jmoiron/sqlx"

	"messenger-service/internal/models"
)

var (
	ErrChatNotFound   = errors.New("chat not found")
	ErrNotMember      = errors.New("user is not a chat member")
	ErrForeignMessage = errors.New("message does not belong to the chat")
	ErrSelfChat       = errors.New("cannot create chat with self")
)

// ChatRepository abstracts chat and membership persistence. It is also the
// membership index the realtime layer resolves recipients from.
type ChatRepository interface {
	CreatePrivateChat(ctx context.Context, userID int, targetID int) (models.Chat, error)
	CreateGroupChat(ctx context.Context, ownerID int, name string, memberIDs []int) (models.Chat, error)
	EnsureGroupChat(ctx context.Context, name string) (models.Chat, error)
	AddMember(ctx context.Context, chatID int, userID int) error
	GetChat(ctx context.Context, chatID int) (models.Chat, error)
	IsMember(ctx context.Context, chatID int, userID int) (bool, error)
	MemberIDs(ctx context.Context, chatID int) ([]int, error)
	ChatIDsForUser(ctx context.Context, userID int) ([]int, error)
	ContactIDs(ctx context.Context, userID int) ([]int, error)
	OfflineMemberIDs(ctx context.Context, chatID int, excludeUserID int) ([]int, error)
	ListChatsForUser(ctx context.Context, userID int) ([]models.ChatSummary, error)
	AdvanceReadWatermark(ctx context.Context, chatID int, userID int, messageID int) (int, bool, error)
}

// ChatRepo is a sqlx implementation of ChatRepository.
type ChatRepo struct {
	db *sqlx.DB
}

// NewChatRepo constructs a ChatRepo.
func NewChatRepo(db *sqlx.DB) *ChatRepo {
	return &ChatRepo{db: db}
}

const chatColumns = `c.id, c.type, c.name, c.avatar, c.created_by, c.created_at`

// CreatePrivateChat returns the private chat between two users, creating it and
// both membership rows in one transaction when absent. Concurrent calls for the
// same pair serialize on an advisory lock keyed by the sorted ids.
func (r *ChatRepo) CreatePrivateChat(ctx context.Context, userID int, targetID int) (chat models.Chat, err error) {
	if userID == targetID {
		return models.Chat{}, ErrSelfChat
	}
	participants := []int{userID, targetID}
	sort.Ints(participants)

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Chat{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1, $2)`, participants[0], participants[1]); err != nil {
		return models.Chat{}, err
	}

	err = tx.GetContext(ctx, &chat, `SELECT `+chatColumns+` FROM chats c
        JOIN chat_members a ON a.chat_id = c.id AND a.user_id = $1
        JOIN chat_members b ON b.chat_id = c.id AND b.user_id = $2
        WHERE c.type = 'private' LIMIT 1`, userID, targetID)
	switch {
	case err == nil:
		return chat, tx.Commit()
	case !errors.Is(err, sql.ErrNoRows):
		return models.Chat{}, err
	}

	if err = tx.GetContext(ctx, &chat, `INSERT INTO chats (type, created_by) VALUES ('private', $1)
        RETURNING id, type, name, avatar, created_by, created_at`, userID); err != nil {
		return models.Chat{}, err
	}
	if _, err = tx.ExecContext(ctx, `INSERT INTO chat_members (chat_id, user_id) VALUES ($1, $2), ($1, $3)`, chat.ID, userID, targetID); err != nil {
		return models.Chat{}, err
	}
	if err = tx.Commit(); err != nil {
		return models.Chat{}, err
	}
	return chat, nil
}

// CreateGroupChat creates a group and its members atomically.
func (r *ChatRepo) CreateGroupChat(ctx context.Context, ownerID int, name string, memberIDs []int) (chat models.Chat, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Chat{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if err = tx.GetContext(ctx, &chat, `INSERT INTO chats (type, name, created_by) VALUES ('group', $1, $2)
        RETURNING id, type, name, avatar, created_by, created_at`, name, ownerID); err != nil {
		return models.Chat{}, err
	}

	// ensure owner present and dedupe members
	memberSet := map[int]struct{}{ownerID: {}}
	for _, id := range memberIDs {
		memberSet[id] = struct{}{}
	}
	ids := make([]int, 0, len(memberSet))
	for id := range memberSet {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	for _, id := range ids {
		if _, err = tx.ExecContext(ctx, `INSERT INTO chat_members (chat_id, user_id) VALUES ($1, $2)`, chat.ID, id); err != nil {
			return models.Chat{}, err
		}
	}

	if err = tx.Commit(); err != nil {
		return models.Chat{}, err
	}
	return chat, nil
}

// EnsureGroupChat returns the ownerless group with the given name, creating it if absent.
func (r *ChatRepo) EnsureGroupChat(ctx context.Context, name string) (chat models.Chat, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Chat{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext('group:' || $1))`, name); err != nil {
		return models.Chat{}, err
	}
	err = tx.GetContext(ctx, &chat, `SELECT `+chatColumns+` FROM chats c
        WHERE c.type = 'group' AND c.name = $1 AND c.created_by IS NULL ORDER BY c.id LIMIT 1`, name)
	if errors.Is(err, sql.ErrNoRows) {
		err = tx.GetContext(ctx, &chat, `INSERT INTO chats (type, name) VALUES ('group', $1)
            RETURNING id, type, name, avatar, created_by, created_at`, name)
	}
	if err != nil {
		return models.Chat{}, err
	}
	if err = tx.Commit(); err != nil {
		return models.Chat{}, err
	}
	return chat, nil
}

// AddMember inserts a membership row; existing rows are left untouched.
func (r *ChatRepo) AddMember(ctx context.Context, chatID int, userID int) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO chat_members (chat_id, user_id) VALUES ($1, $2)
        ON CONFLICT (chat_id, user_id) DO NOTHING`, chatID, userID)
	return err
}

// GetChat fetches a chat by id.
func (r *ChatRepo) GetChat(ctx context.Context, chatID int) (models.Chat, error) {
	var chat models.Chat
	err := r.db.GetContext(ctx, &chat, `SELECT `+chatColumns+` FROM chats c WHERE c.id=$1`, chatID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Chat{}, ErrChatNotFound
	}
	return chat, err
}

// IsMember checks whether a user belongs to the chat.
func (r *ChatRepo) IsMember(ctx context.Context, chatID int, userID int) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM chat_members WHERE chat_id=$1 AND user_id=$2)`, chatID, userID)
	return exists, err
}

// MemberIDs lists the current members of a chat.
func (r *ChatRepo) MemberIDs(ctx context.Context, chatID int) ([]int, error) {
	ids := []int{}
	err := r.db.SelectContext(ctx, &ids, `SELECT user_id FROM chat_members WHERE chat_id=$1 ORDER BY user_id`, chatID)
	return ids, err
}

// ChatIDsForUser lists the chats a user belongs to.
func (r *ChatRepo) ChatIDsForUser(ctx context.Context, userID int) ([]int, error) {
	ids := []int{}
	err := r.db.SelectContext(ctx, &ids, `SELECT chat_id FROM chat_members WHERE user_id=$1 ORDER BY chat_id`, userID)
	return ids, err
}

// ContactIDs lists every other user sharing at least one chat with userID.
func (r *ChatRepo) ContactIDs(ctx context.Context, userID int) ([]int, error) {
	ids := []int{}
	err := r.db.SelectContext(ctx, &ids, `SELECT DISTINCT other.user_id FROM chat_members mine
        JOIN chat_members other ON other.chat_id = mine.chat_id
        WHERE mine.user_id=$1 AND other.user_id<>$1
        ORDER BY other.user_id`, userID)
	return ids, err
}

// OfflineMemberIDs lists members other than excludeUserID whose presence flag is off.
func (r *ChatRepo) OfflineMemberIDs(ctx context.Context, chatID int, excludeUserID int) ([]int, error) {
	ids := []int{}
	err := r.db.SelectContext(ctx, &ids, `SELECT cm.user_id FROM chat_members cm
        JOIN users u ON u.id = cm.user_id
        WHERE cm.chat_id=$1 AND cm.user_id<>$2 AND u.is_online = FALSE
        ORDER BY cm.user_id`, chatID, excludeUserID)
	return ids, err
}

// ListChatsForUser returns chat summaries with last message and unread count.
// Unread counts skip the reader's own messages and deleted messages.
func (r *ChatRepo) ListChatsForUser(ctx context.Context, userID int) ([]models.ChatSummary, error) {
	query := `SELECT c.id, c.type, c.created_at, cm.last_read_message_id,
            CASE WHEN c.type = 'private' THEN (
                SELECT u.display_name FROM chat_members o JOIN users u ON u.id = o.user_id
                WHERE o.chat_id = c.id AND o.user_id <> $1 LIMIT 1)
            ELSE c.name END AS name,
            CASE WHEN c.type = 'private' THEN (
                SELECT u.avatar FROM chat_members o JOIN users u ON u.id = o.user_id
                WHERE o.chat_id = c.id AND o.user_id <> $1 LIMIT 1)
            ELSE c.avatar END AS avatar,
            lm.content AS last_message,
            lm.created_at AS last_message_at,
            (SELECT COUNT(*) FROM messages m
                WHERE m.chat_id = c.id AND m.id > cm.last_read_message_id
                AND m.user_id <> $1 AND m.is_deleted = FALSE) AS unread_count
        FROM chat_members cm
        JOIN chats c ON c.id = cm.chat_id
        LEFT JOIN LATERAL (
            SELECT content, created_at FROM messages
            WHERE chat_id = c.id AND is_deleted = FALSE
            ORDER BY id DESC LIMIT 1
        ) lm ON TRUE
        WHERE cm.user_id = $1
        ORDER BY COALESCE(lm.created_at, c.created_at) DESC`
	chats := []models.ChatSummary{}
	err := r.db.SelectContext(ctx, &chats, query, userID)
	return chats, err
}

// AdvanceReadWatermark moves the member's watermark to messageID only when it is
// greater than the stored one and messageID is a message of the chat. It returns
// the resulting watermark and whether it moved.
func (r *ChatRepo) AdvanceReadWatermark(ctx context.Context, chatID int, userID int, messageID int) (int, bool, error) {
	var watermark int
	err := r.db.GetContext(ctx, &watermark, `UPDATE chat_members SET last_read_message_id=$3
        WHERE chat_id=$1 AND user_id=$2 AND last_read_message_id < $3
        AND EXISTS (SELECT 1 FROM messages WHERE id=$3 AND chat_id=$1)
        RETURNING last_read_message_id`, chatID, userID, messageID)
	if err == nil {
		return watermark, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, false, err
	}

	var state struct {
		Watermark int  `db:"last_read_message_id"`
		InChat    bool `db:"in_chat"`
	}
	err = r.db.GetContext(ctx, &state, `SELECT cm.last_read_message_id,
            EXISTS (SELECT 1 FROM messages WHERE id=$3 AND chat_id=$1) AS in_chat
        FROM chat_members cm WHERE cm.chat_id=$1 AND cm.user_id=$2`, chatID, userID, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, ErrNotMember
	}
	if err != nil {
		return 0, false, err
	}
	if !state.InChat {
		return state.Watermark, false, ErrForeignMessage
	}
	return state.Watermark, false, nil
}
