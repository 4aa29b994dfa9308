package repository

import (
	"context"
	"errors"
	"time"

	"relay-chat/internal/domain"
	relay_errors "relay-chat/pkg/errors"

	"github.com/jackc/pgx/v5"
)

type PostgresChatRepository struct {
	db DBTX
}

func NewChatRepository(db DBTX) ChatRepository {
	return &PostgresChatRepository{db: db}
}

func (r *PostgresChatRepository) GetByID(ctx context.Context, id int64) (domain.Chat, error) {
	db := conn(ctx, r.db)

	var (
		c        domain.Chat
		chatType string
		name     *string
	)
	err := db.QueryRow(ctx, `
		SELECT id, type, name, created_at, updated_at
		FROM chats
		WHERE id = $1`, id,
	).Scan(&c.ID, &chatType, &name, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Chat{}, relay_errors.ErrNotFound
		}
		return domain.Chat{}, err
	}
	c.Type = domain.ChatType(chatType)
	c.Name = deref(name)

	rows, err := db.Query(ctx, `
		SELECT p.chat_id, p.user_id, p.role, p.last_read_message_id, p.joined_at,
		       u.name, u.email, u.avatar_url, u.presence_preference
		FROM chat_participants p
		JOIN users u ON u.id = p.user_id
		WHERE p.chat_id = $1
		ORDER BY p.joined_at ASC, p.user_id ASC`, id)
	if err != nil {
		return domain.Chat{}, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			p      domain.Participant
			role   string
			uname  string
			email  *string
			avatar *string
			pref   *string
		)
		if err := rows.Scan(&p.ChatID, &p.UserID, &role, &p.LastReadMessageID, &p.JoinedAt,
			&uname, &email, &avatar, &pref); err != nil {
			return domain.Chat{}, err
		}
		p.Role = domain.ParticipantRole(role)
		p.User = &domain.User{
			ID:                 p.UserID,
			Name:               uname,
			Email:              deref(email),
			AvatarURL:          deref(avatar),
			PresencePreference: domain.PresenceStatus(deref(pref)),
		}
		c.Participants = append(c.Participants, p)
	}
	return c, rows.Err()
}

func (r *PostgresChatRepository) ListForUser(ctx context.Context, userID int64) ([]domain.ChatSummary, error) {
	rows, err := conn(ctx, r.db).Query(ctx, `
		SELECT c.id, c.type, COALESCE(c.name, ''), p.last_read_message_id,
		       COALESCE(lm.id, 0), COALESCE(lm.content, ''), lm.created_at,
		       (SELECT COUNT(*)
		          FROM chat_messages um
		         WHERE um.chat_id = c.id
		           AND um.id > p.last_read_message_id
		           AND um.user_id <> p.user_id)
		FROM chats c
		JOIN chat_participants p ON p.chat_id = c.id AND p.user_id = $1
		LEFT JOIN LATERAL (
			SELECT id, content, created_at
			FROM chat_messages
			WHERE chat_id = c.id
			ORDER BY id DESC
			LIMIT 1
		) lm ON true
		ORDER BY COALESCE(lm.id, 0) DESC, c.id DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ChatSummary
	for rows.Next() {
		var (
			s        domain.ChatSummary
			chatType string
			lastAt   *time.Time
		)
		if err := rows.Scan(&s.ID, &chatType, &s.Name, &s.LastReadMessageID,
			&s.LastMessageID, &s.LastMessage, &lastAt, &s.UnreadCount); err != nil {
			return nil, err
		}
		s.Type = domain.ChatType(chatType)
		s.LastMessageAt = derefTime(lastAt)
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *PostgresChatRepository) SetLastRead(ctx context.Context, chatID, userID, messageID int64) error {
	tag, err := conn(ctx, r.db).Exec(ctx, `
		UPDATE chat_participants
		SET last_read_message_id = GREATEST(last_read_message_id, $3)
		WHERE chat_id = $1 AND user_id = $2`, chatID, userID, messageID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return relay_errors.ErrNotFound
	}
	return nil
}
