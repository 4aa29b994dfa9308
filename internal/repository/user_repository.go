package repository

import (
	"context"
	"errors"

	"relay-chat/internal/domain"
	relay_errors "relay-chat/pkg/errors"

	"github.com/jackc/pgx/v5"
)

type PostgresUserRepository struct {
	db DBTX
}

func NewUserRepository(db DBTX) UserRepository {
	return &PostgresUserRepository{db: db}
}

const userColumns = `id, name, email, avatar_url, presence_preference`

func (r *PostgresUserRepository) GetByID(ctx context.Context, id int64) (domain.User, error) {
	row := conn(ctx, r.db).QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	u, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.User{}, relay_errors.ErrNotFound
	}
	return u, err
}

func (r *PostgresUserRepository) GetByIDs(ctx context.Context, ids []int64) ([]domain.User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := conn(ctx, r.db).Query(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = ANY($1) ORDER BY id`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (r *PostgresUserRepository) SetPresencePreference(ctx context.Context, id int64, status domain.PresenceStatus) error {
	tag, err := conn(ctx, r.db).Exec(ctx,
		`UPDATE users SET presence_preference = $2, updated_at = NOW() WHERE id = $1`, id, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return relay_errors.ErrNotFound
	}
	return nil
}

func scanUser(row pgx.Row) (domain.User, error) {
	var (
		u      domain.User
		email  *string
		avatar *string
		pref   *string
	)
	if err := row.Scan(&u.ID, &u.Name, &email, &avatar, &pref); err != nil {
		return domain.User{}, err
	}
	u.Email = deref(email)
	u.AvatarURL = deref(avatar)
	u.PresencePreference = domain.PresenceStatus(deref(pref))
	return u, nil
}
