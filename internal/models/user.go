package models

import "time"

// User is an account. IsOnline mirrors live session state and is only
// authoritative when no instance holds a connection for the user.
type User struct {
	ID           int       `db:"id" json:"id"`
	Username     string    `db:"username" json:"username"`
	PasswordHash string    `db:"password" json:"-"`
	DisplayName  string    `db:"display_name" json:"display_name"`
	Avatar       *string   `db:"avatar" json:"avatar,omitempty"`
	Theme        string    `db:"theme" json:"theme"`
	IsOnline     bool      `db:"is_online" json:"is_online"`
	LastSeen     time.Time `db:"last_seen" json:"last_seen"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// ProfileUpdate carries the profile fields a user may change. Nil fields are left as they are.
type ProfileUpdate struct {
	DisplayName *string
	Avatar      *string
	Theme       *string
}

// Empty reports whether the update changes nothing.
func (u ProfileUpdate) Empty() bool {
	return u.DisplayName == nil && u.Avatar == nil && u.Theme == nil
}
