package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"relay-chat/internal/domain"
	relay_errors "relay-chat/pkg/errors"

	"github.com/jackc/pgx/v5"
)

type PostgresMessageRepository struct {
	db DBTX
}

func NewMessageRepository(db DBTX) MessageRepository {
	return &PostgresMessageRepository{db: db}
}

const messageColumns = `
	m.id, m.chat_id, m.user_id, m.type, m.content, m.reply_to_message_id, m.metadata,
	m.created_at, m.updated_at,
	u.id, u.name, u.email, u.avatar_url`

const messageFrom = `
	FROM chat_messages m
	LEFT JOIN users u ON u.id = m.user_id`

func (r *PostgresMessageRepository) Create(ctx context.Context, m *domain.Message) error {
	var meta []byte
	if len(m.Metadata) > 0 {
		encoded, err := json.Marshal(m.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
		meta = encoded
	}
	if m.Type == "" {
		m.Type = domain.MessageTypeText
	}

	err := conn(ctx, r.db).QueryRow(ctx, `
		INSERT INTO chat_messages (chat_id, user_id, type, content, reply_to_message_id, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at`,
		m.ChatID, m.UserID, string(m.Type), m.Content, m.ReplyToID, meta,
	).Scan(&m.ID, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return relay_errors.ErrInvalidInput
		}
		return err
	}
	return nil
}

func (r *PostgresMessageRepository) GetByID(ctx context.Context, id int64) (domain.Message, error) {
	db := conn(ctx, r.db)
	row := db.QueryRow(ctx, `SELECT `+messageColumns+messageFrom+` WHERE m.id = $1`, id)
	m, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Message{}, relay_errors.ErrNotFound
		}
		return domain.Message{}, err
	}
	msgs := []domain.Message{m}
	if err := hydrate(ctx, db, msgs); err != nil {
		return domain.Message{}, err
	}
	return msgs[0], nil
}

func (r *PostgresMessageRepository) ChatIDOf(ctx context.Context, messageID int64) (int64, error) {
	var chatID int64
	err := conn(ctx, r.db).QueryRow(ctx, `SELECT chat_id FROM chat_messages WHERE id = $1`, messageID).Scan(&chatID)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, relay_errors.ErrNotFound
	}
	return chatID, err
}

func (r *PostgresMessageRepository) LatestID(ctx context.Context, chatID int64) (int64, error) {
	var id int64
	err := conn(ctx, r.db).QueryRow(ctx,
		`SELECT COALESCE(MAX(id), 0) FROM chat_messages WHERE chat_id = $1`, chatID,
	).Scan(&id)
	return id, err
}

func (r *PostgresMessageRepository) ListBefore(ctx context.Context, chatID, beforeID int64, limit int) ([]domain.Message, error) {
	db := conn(ctx, r.db)
	var (
		rows pgx.Rows
		err  error
	)
	if beforeID > 0 {
		rows, err = db.Query(ctx, `SELECT `+messageColumns+messageFrom+`
			WHERE m.chat_id = $1 AND m.id < $2
			ORDER BY m.id DESC
			LIMIT $3`, chatID, beforeID, limit)
	} else {
		rows, err = db.Query(ctx, `SELECT `+messageColumns+messageFrom+`
			WHERE m.chat_id = $1
			ORDER BY m.id DESC
			LIMIT $2`, chatID, limit)
	}
	if err != nil {
		return nil, err
	}
	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}
	return msgs, hydrate(ctx, db, msgs)
}

func (r *PostgresMessageRepository) ListAfter(ctx context.Context, chatID, afterID int64) ([]domain.Message, error) {
	db := conn(ctx, r.db)
	rows, err := db.Query(ctx, `SELECT `+messageColumns+messageFrom+`
		WHERE m.chat_id = $1 AND m.id > $2
		ORDER BY m.id ASC`, chatID, afterID)
	if err != nil {
		return nil, err
	}
	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}
	return msgs, hydrate(ctx, db, msgs)
}

func (r *PostgresMessageRepository) ListNewer(ctx context.Context, chatID, afterID int64, limit int) ([]domain.Message, error) {
	db := conn(ctx, r.db)
	rows, err := db.Query(ctx, `SELECT `+messageColumns+messageFrom+`
		WHERE m.chat_id = $1 AND m.id > $2
		ORDER BY m.id ASC
		LIMIT $3`, chatID, afterID, limit)
	if err != nil {
		return nil, err
	}
	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}
	return msgs, hydrate(ctx, db, msgs)
}

func (r *PostgresMessageRepository) CountUnread(ctx context.Context, chatID, userID int64) (int64, error) {
	var n int64
	err := conn(ctx, r.db).QueryRow(ctx, `
		SELECT COUNT(*)
		FROM chat_messages m
		JOIN chat_participants p ON p.chat_id = m.chat_id AND p.user_id = $2
		WHERE m.chat_id = $1
		  AND m.id > COALESCE(p.last_read_message_id, 0)
		  AND m.user_id <> $2`, chatID, userID,
	).Scan(&n)
	return n, err
}

func (r *PostgresMessageRepository) CountUnreadForUser(ctx context.Context, userID int64) (int64, error) {
	var n int64
	err := conn(ctx, r.db).QueryRow(ctx, `
		SELECT COUNT(*)
		FROM chat_messages m
		JOIN chat_participants p ON p.chat_id = m.chat_id AND p.user_id = $1
		WHERE m.id > COALESCE(p.last_read_message_id, 0)
		  AND m.user_id <> $1`, userID,
	).Scan(&n)
	return n, err
}

func scanMessage(row pgx.Row) (domain.Message, error) {
	var (
		m        domain.Message
		msgType  string
		meta     []byte
		authorID *int64
		name     *string
		email    *string
		avatar   *string
	)
	err := row.Scan(
		&m.ID, &m.ChatID, &m.UserID, &msgType, &m.Content, &m.ReplyToID, &meta,
		&m.CreatedAt, &m.UpdatedAt,
		&authorID, &name, &email, &avatar,
	)
	if err != nil {
		return domain.Message{}, err
	}
	m.Type = domain.MessageType(msgType)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &m.Metadata); err != nil {
			return domain.Message{}, fmt.Errorf("decode metadata of message %d: %w", m.ID, err)
		}
	}
	if authorID != nil {
		m.Author = &domain.User{ID: *authorID, Name: deref(name), Email: deref(email), AvatarURL: deref(avatar)}
	}
	return m, nil
}

func collectMessages(rows pgx.Rows) ([]domain.Message, error) {
	defer rows.Close()
	var msgs []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// hydrate fills attachments and reply targets in place.
func hydrate(ctx context.Context, db DBTX, msgs []domain.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	ids := make([]int64, 0, len(msgs))
	var replyIDs []int64
	for _, m := range msgs {
		ids = append(ids, m.ID)
		if m.ReplyToID != nil {
			replyIDs = append(replyIDs, *m.ReplyToID)
		}
	}

	replies := map[int64]*domain.Message{}
	if len(replyIDs) > 0 {
		rows, err := db.Query(ctx, `SELECT `+messageColumns+messageFrom+` WHERE m.id = ANY($1)`, replyIDs)
		if err != nil {
			return err
		}
		found, err := collectMessages(rows)
		if err != nil {
			return err
		}
		for i := range found {
			replies[found[i].ID] = &found[i]
			ids = append(ids, found[i].ID)
		}
	}

	attachments, err := attachmentsFor(ctx, db, ids)
	if err != nil {
		return err
	}
	for _, reply := range replies {
		reply.Attachments = attachments[reply.ID]
	}
	for i := range msgs {
		msgs[i].Attachments = attachments[msgs[i].ID]
		if msgs[i].ReplyToID != nil {
			msgs[i].ReplyTo = replies[*msgs[i].ReplyToID]
		}
	}
	return nil
}

func attachmentsFor(ctx context.Context, db DBTX, messageIDs []int64) (map[int64][]domain.Attachment, error) {
	rows, err := db.Query(ctx, `
		SELECT id, message_id, chat_id, file_name, mime_type, object_key, size, created_at
		FROM chat_attachments
		WHERE message_id = ANY($1)
		ORDER BY id ASC`, messageIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int64][]domain.Attachment)
	for rows.Next() {
		a, err := scanAttachment(rows)
		if err != nil {
			return nil, err
		}
		out[a.MessageID] = append(out[a.MessageID], a)
	}
	return out, rows.Err()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
