package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"messenger-service/internal/models"
)

var (
	ErrUserNotFound  = errors.New("user not found")
	ErrUsernameTaken = errors.New("username already taken")
)

// UserRepository abstracts user persistence.
type UserRepository interface {
	CreateUser(ctx context.Context, username, passwordHash, displayName string) (models.User, error)
	GetByUsername(ctx context.Context, username string) (models.User, error)
	GetByID(ctx context.Context, userID int) (models.User, error)
	ListUsers(ctx context.Context, excludeID int) ([]models.User, error)
	SetPresence(ctx context.Context, userID int, online bool, at time.Time) error
	UpdateProfile(ctx context.Context, userID int, upd models.ProfileUpdate) (models.User, error)
}

// UserRepo is a sqlx implementation of UserRepository.
type UserRepo struct {
	db *sqlx.DB
}

// NewUserRepo constructs a UserRepo.
func NewUserRepo(db *sqlx.DB) *UserRepo {
	return &UserRepo{db: db}
}

const userColumns = `id, username, password, display_name, avatar, theme, is_online, last_seen, created_at`

// CreateUser inserts a new account.
func (r *UserRepo) CreateUser(ctx context.Context, username, passwordHash, displayName string) (models.User, error) {
	var user models.User
	err := r.db.GetContext(ctx, &user, `INSERT INTO users (username, password, display_name) VALUES ($1, $2, $3) RETURNING `+userColumns,
		username, passwordHash, displayName)
	if isUniqueViolation(err) {
		return models.User{}, ErrUsernameTaken
	}
	return user, err
}

// GetByUsername fetches a user by login name.
func (r *UserRepo) GetByUsername(ctx context.Context, username string) (models.User, error) {
	var user models.User
	err := r.db.GetContext(ctx, &user, `SELECT `+userColumns+` FROM users WHERE username=$1`, username)
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, ErrUserNotFound
	}
	return user, err
}

// GetByID fetches a user by id.
func (r *UserRepo) GetByID(ctx context.Context, userID int) (models.User, error) {
	var user models.User
	err := r.db.GetContext(ctx, &user, `SELECT `+userColumns+` FROM users WHERE id=$1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, ErrUserNotFound
	}
	return user, err
}

// ListUsers returns every user except excludeID, by display name.
func (r *UserRepo) ListUsers(ctx context.Context, excludeID int) ([]models.User, error) {
	users := []models.User{}
	err := r.db.SelectContext(ctx, &users, `SELECT `+userColumns+` FROM users WHERE id<>$1 ORDER BY display_name ASC`, excludeID)
	return users, err
}

// SetPresence stores the online projection and last-seen time.
func (r *UserRepo) SetPresence(ctx context.Context, userID int, online bool, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE users SET is_online=$2, last_seen=$3 WHERE id=$1`, userID, online, at)
	return err
}

// UpdateProfile applies the non-nil fields of upd and returns the updated user.
func (r *UserRepo) UpdateProfile(ctx context.Context, userID int, upd models.ProfileUpdate) (models.User, error) {
	var user models.User
	err := r.db.GetContext(ctx, &user, `UPDATE users SET
            display_name=COALESCE($2, display_name),
            avatar=COALESCE($3, avatar),
            theme=COALESCE($4, theme)
        WHERE id=$1 RETURNING `+userColumns,
		userID, upd.DisplayName, upd.Avatar, upd.Theme)
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, ErrUserNotFound
	}
	return user, err
}
