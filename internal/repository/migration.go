package repository

import (
	"context"
	"fmt"
	"slices"
	"strings"
)

// schema is applied in order. Every statement is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id                  BIGSERIAL PRIMARY KEY,
		name                TEXT NOT NULL,
		email               TEXT UNIQUE,
		avatar_url          TEXT,
		presence_preference TEXT CHECK (presence_preference IN ('online', 'away', 'busy', 'offline', 'invisible')),
		created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS chats (
		id         BIGSERIAL PRIMARY KEY,
		type       TEXT NOT NULL CHECK (type IN ('dm', 'group', 'team')),
		name       TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS chat_participants (
		chat_id              BIGINT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
		user_id              BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		role                 TEXT NOT NULL DEFAULT 'member',
		last_read_message_id BIGINT NOT NULL DEFAULT 0,
		joined_at            TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (chat_id, user_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_chat_participants_user ON chat_participants (user_id)`,
	`CREATE TABLE IF NOT EXISTS chat_messages (
		id                  BIGSERIAL PRIMARY KEY,
		chat_id             BIGINT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
		user_id             BIGINT NOT NULL REFERENCES users(id),
		type                TEXT NOT NULL DEFAULT 'text',
		content             TEXT NOT NULL DEFAULT '',
		reply_to_message_id BIGINT REFERENCES chat_messages(id) ON DELETE SET NULL,
		metadata            JSONB,
		created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_chat_messages_history ON chat_messages (chat_id, id DESC)`,
	`CREATE TABLE IF NOT EXISTS chat_attachments (
		id         BIGSERIAL PRIMARY KEY,
		message_id BIGINT NOT NULL REFERENCES chat_messages(id) ON DELETE CASCADE,
		chat_id    BIGINT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
		file_name  TEXT NOT NULL,
		mime_type  TEXT NOT NULL,
		object_key TEXT NOT NULL UNIQUE,
		size       BIGINT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_chat_attachments_message ON chat_attachments (message_id)`,
	`CREATE INDEX IF NOT EXISTS idx_chat_attachments_chat ON chat_attachments (chat_id)`,
}

// InitSchema creates every table and index the repositories use.
func InitSchema(ctx context.Context, db DBTX) error {
	for i, stmt := range schema {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement %d: %w", i+1, err)
		}
	}
	return nil
}

// Tables lists the schema's tables, children first.
var Tables = []string{"chat_attachments", "chat_messages", "chat_participants", "chats", "users"}

// TableExists reports whether table is present in the current schema.
func TableExists(ctx context.Context, db DBTX, table string) (bool, error) {
	var exists bool
	err := db.QueryRow(ctx, `SELECT EXISTS (
		SELECT 1 FROM information_schema.tables
		WHERE table_schema = current_schema() AND table_name = $1
	)`, table).Scan(&exists)
	return exists, err
}

// TableCount counts the rows of one of Tables.
func TableCount(ctx context.Context, db DBTX, table string) (int64, error) {
	if !slices.Contains(Tables, table) {
		return 0, fmt.Errorf("unknown table %q", table)
	}
	var n int64
	err := db.QueryRow(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n)
	return n, err
}

// TruncateAll empties every table and restarts the id sequences.
func TruncateAll(ctx context.Context, db DBTX) error {
	_, err := db.Exec(ctx, "TRUNCATE "+strings.Join(Tables, ", ")+" RESTART IDENTITY CASCADE")
	return err
}

// SeedResult summarizes SeedDevelopment.
type SeedResult struct {
	UserIDs  []int64
	ChatIDs  []int64
	Messages int
}

// SeedDevelopment inserts a few users, a direct chat and a group chat with
// some history.
func SeedDevelopment(ctx context.Context, db DBTX) (SeedResult, error) {
	var res SeedResult
	for _, u := range [][2]string{
		{"Alice Jones", "alice@example.com"},
		{"Bob Smith", "bob@example.com"},
		{"Carol White", "carol@example.com"},
	} {
		var id int64
		if err := db.QueryRow(ctx, `
			INSERT INTO users (name, email) VALUES ($1, $2)
			ON CONFLICT (email) DO UPDATE SET name = EXCLUDED.name
			RETURNING id`, u[0], u[1]).Scan(&id); err != nil {
			return res, fmt.Errorf("seed user %s: %w", u[1], err)
		}
		res.UserIDs = append(res.UserIDs, id)
	}

	chats := []struct {
		chatType string
		name     string
		members  []int64
	}{
		{"dm", "", res.UserIDs[:2]},
		{"group", "Launch", res.UserIDs},
	}
	for _, c := range chats {
		var chatID int64
		if err := db.QueryRow(ctx, `INSERT INTO chats (type, name) VALUES ($1, NULLIF($2, '')) RETURNING id`,
			c.chatType, c.name).Scan(&chatID); err != nil {
			return res, fmt.Errorf("seed chat: %w", err)
		}
		for _, uid := range c.members {
			if _, err := db.Exec(ctx, `INSERT INTO chat_participants (chat_id, user_id) VALUES ($1, $2)`, chatID, uid); err != nil {
				return res, fmt.Errorf("seed participant: %w", err)
			}
		}
		for i, uid := range c.members {
			if _, err := db.Exec(ctx, `INSERT INTO chat_messages (chat_id, user_id, content) VALUES ($1, $2, $3)`,
				chatID, uid, fmt.Sprintf("Hello from seed message %d", i+1)); err != nil {
				return res, fmt.Errorf("seed message: %w", err)
			}
			res.Messages++
		}
		res.ChatIDs = append(res.ChatIDs, chatID)
	}
	return res, nil
}
