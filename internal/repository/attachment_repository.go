package repository

import (
	"context"
	"errors"

	"relay-chat/internal/domain"
	relay_errors "relay-chat/pkg/errors"

	"github.com/jackc/pgx/v5"
)

type PostgresAttachmentRepository struct {
	db DBTX
}

func NewAttachmentRepository(db DBTX) AttachmentRepository {
	return &PostgresAttachmentRepository{db: db}
}

func (r *PostgresAttachmentRepository) Create(ctx context.Context, a *domain.Attachment) error {
	err := conn(ctx, r.db).QueryRow(ctx, `
		INSERT INTO chat_attachments (message_id, chat_id, file_name, mime_type, object_key, size)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`,
		a.MessageID, a.ChatID, a.FileName, a.MimeType, a.ObjectKey, a.Size,
	).Scan(&a.ID, &a.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return relay_errors.ErrConflict
		}
		return err
	}
	return nil
}

func (r *PostgresAttachmentRepository) GetByID(ctx context.Context, id int64) (domain.Attachment, error) {
	row := conn(ctx, r.db).QueryRow(ctx, `
		SELECT id, message_id, chat_id, file_name, mime_type, object_key, size, created_at
		FROM chat_attachments
		WHERE id = $1`, id)
	a, err := scanAttachment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Attachment{}, relay_errors.ErrNotFound
	}
	return a, err
}

func (r *PostgresAttachmentRepository) ChatUsage(ctx context.Context, chatID int64) (domain.StorageUsage, error) {
	var u domain.StorageUsage
	err := conn(ctx, r.db).QueryRow(ctx,
		`SELECT COUNT(*), COALESCE(SUM(size), 0) FROM chat_attachments WHERE chat_id = $1`, chatID,
	).Scan(&u.Files, &u.Bytes)
	return u, err
}

func (r *PostgresAttachmentRepository) ListForChat(ctx context.Context, chatID int64, filter domain.MediaFilter, beforeID int64, limit int) ([]domain.Attachment, error) {
	query := `
		SELECT id, message_id, chat_id, file_name, mime_type, object_key, size, created_at
		FROM chat_attachments
		WHERE chat_id = $1 AND ($2 = 0 OR id < $2)`
	switch filter {
	case domain.MediaImages:
		query += ` AND mime_type LIKE 'image/%'`
	case domain.MediaDocuments:
		query += ` AND mime_type NOT LIKE 'image/%'`
	}
	query += ` ORDER BY id DESC LIMIT $3`

	rows, err := conn(ctx, r.db).Query(ctx, query, chatID, beforeID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Attachment
	for rows.Next() {
		a, err := scanAttachment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *PostgresAttachmentRepository) Delete(ctx context.Context, id int64) error {
	tag, err := conn(ctx, r.db).Exec(ctx, `DELETE FROM chat_attachments WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return relay_errors.ErrNotFound
	}
	return nil
}

func scanAttachment(row pgx.Row) (domain.Attachment, error) {
	var a domain.Attachment
	err := row.Scan(&a.ID, &a.MessageID, &a.ChatID, &a.FileName, &a.MimeType, &a.ObjectKey, &a.Size, &a.CreatedAt)
	return a, err
}
