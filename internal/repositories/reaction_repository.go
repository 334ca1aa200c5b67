package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"messenger-service/internal/models"
)

// ReactionRepository defines interactions for message reactions.
type ReactionRepository interface {
	Toggle(ctx context.Context, messageID int, userID int, emoji string) (bool, []models.ReactionTally, error)
	TalliesFor(ctx context.Context, messageIDs []int) (map[int][]models.ReactionTally, error)
}

// ReactionRepo is a sqlx-backed repository.
type ReactionRepo struct {
	db *sqlx.DB
}

// NewReactionRepo constructs ReactionRepo.
func NewReactionRepo(db *sqlx.DB) *ReactionRepo {
	return &ReactionRepo{db: db}
}

// Toggle removes the (message, user, emoji) row if present, otherwise inserts it,
// and returns the full tally for the message as seen inside the same transaction.
// Toggles on one message serialize on the message row lock.
func (r *ReactionRepo) Toggle(ctx context.Context, messageID int, userID int, emoji string) (added bool, tallies []models.ReactionTally, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, nil, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var locked int
	if err = tx.GetContext(ctx, &locked, `SELECT id FROM messages WHERE id=$1 FOR UPDATE`, messageID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = ErrMessageNotFound
		}
		return false, nil, err
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM message_reactions WHERE message_id=$1 AND user_id=$2 AND emoji=$3`, messageID, userID, emoji)
	if err != nil {
		return false, nil, err
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return false, nil, err
	}
	if removed == 0 {
		if _, err = tx.ExecContext(ctx, `INSERT INTO message_reactions (message_id, user_id, emoji) VALUES ($1, $2, $3)`, messageID, userID, emoji); err != nil {
			return false, nil, err
		}
		added = true
	}

	rows := []models.ReactionRow{}
	if err = tx.SelectContext(ctx, &rows, `SELECT message_id, user_id, emoji FROM message_reactions
        WHERE message_id=$1 ORDER BY created_at, user_id`, messageID); err != nil {
		return false, nil, err
	}
	if err = tx.Commit(); err != nil {
		return false, nil, err
	}
	return added, models.TallyReactions(rows), nil
}

// TalliesFor returns the reaction tallies of several messages keyed by message id.
func (r *ReactionRepo) TalliesFor(ctx context.Context, messageIDs []int) (map[int][]models.ReactionTally, error) {
	result := map[int][]models.ReactionTally{}
	if len(messageIDs) == 0 {
		return result, nil
	}
	query, args, err := sqlx.In(`SELECT message_id, user_id, emoji FROM message_reactions
        WHERE message_id IN (?) ORDER BY message_id, created_at, user_id`, messageIDs)
	if err != nil {
		return nil, err
	}
	rows := []models.ReactionRow{}
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(query), args...); err != nil {
		return nil, err
	}

	byMessage := map[int][]models.ReactionRow{}
	for _, row := range rows {
		byMessage[row.MessageID] = append(byMessage[row.MessageID], row)
	}
	for id, group := range byMessage {
		result[id] = models.TallyReactions(group)
	}
	return result, nil
}
