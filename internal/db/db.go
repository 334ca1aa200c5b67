package db

import (
	"context"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"messenger-service/internal/logger"
)

// Connect opens the database with the configured driver ("postgres" for lib/pq,
// "pgx" for the pgx stdlib driver) and runs migrations.
func Connect(driver, dsn string, reset bool, log *zap.Logger) (*sqlx.DB, error) {
	log = logger.OrNop(log)
	switch driver {
	case "postgres", "pgx":
	default:
		return nil, fmt.Errorf("unsupported db driver %q", driver)
	}
	log.Debug("connecting database", zap.String("driver", driver), zap.Bool("reset", reset))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := runMigrations(db, reset); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	log.Info("database migrations applied", zap.String("driver", driver))
	return db, nil
}

var resetStatements = []string{
	`DROP TABLE IF EXISTS message_reactions;`,
	`DROP TABLE IF EXISTS messages;`,
	`DROP TABLE IF EXISTS chat_members;`,
	`DROP TABLE IF EXISTS chats;`,
	`DROP TABLE IF EXISTS users;`,
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
            id SERIAL PRIMARY KEY,
            username TEXT UNIQUE NOT NULL,
            password TEXT NOT NULL,
            display_name TEXT NOT NULL,
            avatar TEXT,
            theme TEXT NOT NULL DEFAULT 'light',
            is_online BOOLEAN NOT NULL DEFAULT FALSE,
            last_seen TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );`,
	`ALTER TABLE users ADD COLUMN IF NOT EXISTS theme TEXT NOT NULL DEFAULT 'light';`,
	`CREATE TABLE IF NOT EXISTS chats (
            id SERIAL PRIMARY KEY,
            type TEXT NOT NULL CHECK (type IN ('private', 'group')),
            name TEXT,
            avatar TEXT,
            created_by INT REFERENCES users(id) ON DELETE SET NULL,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );`,
	`CREATE TABLE IF NOT EXISTS chat_members (
            chat_id INT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
            user_id INT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
            joined_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            last_read_message_id INT NOT NULL DEFAULT 0,
            PRIMARY KEY (chat_id, user_id)
        );`,
	`CREATE INDEX IF NOT EXISTS chat_members_user_idx ON chat_members (user_id);`,
	`CREATE TABLE IF NOT EXISTS messages (
            id SERIAL PRIMARY KEY,
            chat_id INT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
            user_id INT NOT NULL REFERENCES users(id),
            type TEXT NOT NULL DEFAULT 'text' CHECK (type IN ('text', 'image', 'voice')),
            content TEXT NOT NULL DEFAULT '',
            file_url TEXT,
            reply_to_id INT REFERENCES messages(id),
            is_edited BOOLEAN NOT NULL DEFAULT FALSE,
            is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );`,
	`CREATE INDEX IF NOT EXISTS messages_chat_idx ON messages (chat_id, id);`,
	`CREATE TABLE IF NOT EXISTS message_reactions (
            message_id INT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
            user_id INT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
            emoji TEXT NOT NULL,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            PRIMARY KEY (message_id, user_id, emoji)
        );`,
}

func runMigrations(db *sqlx.DB, reset bool) error {
	stmts := migrations
	if reset {
		stmts = append(append([]string{}, resetStatements...), migrations...)
	}
	for _, m := range stmts {
		if _, err := db.Exec(m); err != nil {
			return err
		}
	}
	return nil
}
