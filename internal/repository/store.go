package repository

import (
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store groups the repositories with the transactor they share.
type Store interface {
	Transactor
	Messages() MessageRepository
	Chats() ChatRepository
	Users() UserRepository
	Attachments() AttachmentRepository
}

type PostgresStore struct {
	*PgTransactor
	messages    MessageRepository
	chats       ChatRepository
	users       UserRepository
	attachments AttachmentRepository
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{
		PgTransactor: NewTransactor(pool),
		messages:     NewMessageRepository(pool),
		chats:        NewChatRepository(pool),
		users:        NewUserRepository(pool),
		attachments:  NewAttachmentRepository(pool),
	}
}

func (s *PostgresStore) Messages() MessageRepository       { return s.messages }
func (s *PostgresStore) Chats() ChatRepository             { return s.chats }
func (s *PostgresStore) Users() UserRepository             { return s.users }
func (s *PostgresStore) Attachments() AttachmentRepository { return s.attachments }
