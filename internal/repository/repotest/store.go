// Package repotest is an in-memory implementation of every repository
// interface, for tests.
package repotest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"relay-chat/internal/domain"
	"relay-chat/internal/repository"
	relay_errors "relay-chat/pkg/errors"
)

type participantKey struct {
	chatID int64
	userID int64
}

type state struct {
	users        map[int64]domain.User
	chats        map[int64]domain.Chat
	participants map[participantKey]domain.Participant
	messages     map[int64]domain.Message
	attachments  map[int64]domain.Attachment
	nextID       map[string]int64
}

func (s state) clone() state {
	c := state{
		users:        make(map[int64]domain.User, len(s.users)),
		chats:        make(map[int64]domain.Chat, len(s.chats)),
		participants: make(map[participantKey]domain.Participant, len(s.participants)),
		messages:     make(map[int64]domain.Message, len(s.messages)),
		attachments:  make(map[int64]domain.Attachment, len(s.attachments)),
		nextID:       make(map[string]int64, len(s.nextID)),
	}
	for k, v := range s.users {
		c.users[k] = v
	}
	for k, v := range s.chats {
		c.chats[k] = v
	}
	for k, v := range s.participants {
		c.participants[k] = v
	}
	for k, v := range s.messages {
		c.messages[k] = v
	}
	for k, v := range s.attachments {
		c.attachments[k] = v
	}
	for k, v := range s.nextID {
		c.nextID[k] = v
	}
	return c
}

// Store holds every table in memory. The zero value is not usable; call New.
type Store struct {
	mu   sync.Mutex
	data state
	// Errors makes the named method fail, e.g. "CountUnreadForUser".
	Errors map[string]error
	Now    func() time.Time
}

func New() *Store {
	return &Store{
		data: state{
			users:        map[int64]domain.User{},
			chats:        map[int64]domain.Chat{},
			participants: map[participantKey]domain.Participant{},
			messages:     map[int64]domain.Message{},
			attachments:  map[int64]domain.Attachment{},
			nextID:       map[string]int64{},
		},
		Errors: map[string]error{},
		Now:    time.Now,
	}
}

var (
	_ repository.Store                = (*Store)(nil)
	_ repository.MessageRepository    = messageRepo{}
	_ repository.ChatRepository       = chatRepo{}
	_ repository.UserRepository       = userRepo{}
	_ repository.AttachmentRepository = attachmentRepo{}
)

func (s *Store) fail(method string) error {
	if s.Errors == nil {
		return nil
	}
	return s.Errors[method]
}

func (s *Store) next(table string) int64 {
	s.data.nextID[table]++
	return s.data.nextID[table]
}

// WithinTx snapshots the tables and restores them when fn fails.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	s.mu.Lock()
	snapshot := s.data.clone()
	s.mu.Unlock()

	if err := fn(ctx); err != nil {
		s.mu.Lock()
		s.data = snapshot
		s.mu.Unlock()
		return err
	}
	return nil
}

// AddUser inserts u, assigning an id when it has none.
func (s *Store) AddUser(u domain.User) domain.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.ID == 0 {
		u.ID = s.next("users")
	} else if u.ID > s.data.nextID["users"] {
		s.data.nextID["users"] = u.ID
	}
	s.data.users[u.ID] = u
	return u
}

// AddChat inserts a chat whose participants are userIDs, all with a zero
// read watermark.
func (s *Store) AddChat(chatType domain.ChatType, name string, userIDs ...int64) domain.Chat {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.Now()
	c := domain.Chat{ID: s.next("chats"), Type: chatType, Name: name, CreatedAt: now, UpdatedAt: now}
	s.data.chats[c.ID] = c
	for i, uid := range userIDs {
		role := domain.ParticipantRoleMember
		if i == 0 {
			role = domain.ParticipantRoleOwner
		}
		s.data.participants[participantKey{c.ID, uid}] = domain.Participant{
			ChatID: c.ID, UserID: uid, Role: role, JoinedAt: now.Add(time.Duration(i) * time.Millisecond),
		}
	}
	return c
}

// Watermark returns the participant's last_read_message_id.
func (s *Store) Watermark(chatID, userID int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.participants[participantKey{chatID, userID}].LastReadMessageID
}

// MessageCount is the number of stored messages in chatID.
func (s *Store) MessageCount(chatID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.data.messages {
		if m.ChatID == chatID {
			n++
		}
	}
	return n
}

func (s *Store) Messages() repository.MessageRepository       { return messageRepo{s} }
func (s *Store) Chats() repository.ChatRepository             { return chatRepo{s} }
func (s *Store) Users() repository.UserRepository             { return userRepo{s} }
func (s *Store) Attachments() repository.AttachmentRepository { return attachmentRepo{s} }

// hydrateLocked attaches author, attachments and reply target. Caller holds mu.
func (s *Store) hydrateLocked(m domain.Message, withReply bool) domain.Message {
	if u, ok := s.data.users[m.UserID]; ok {
		u := u
		m.Author = &u
	}
	m.Attachments = nil
	ids := make([]int64, 0)
	for id, a := range s.data.attachments {
		if a.MessageID == m.ID {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		m.Attachments = append(m.Attachments, s.data.attachments[id])
	}
	if withReply && m.ReplyToID != nil {
		if r, ok := s.data.messages[*m.ReplyToID]; ok {
			r = s.hydrateLocked(r, false)
			m.ReplyTo = &r
		}
	}
	return m
}

func (s *Store) unreadLocked(chatID, userID int64) int64 {
	p, ok := s.data.participants[participantKey{chatID, userID}]
	if !ok {
		return 0
	}
	var n int64
	for _, m := range s.data.messages {
		if m.ChatID == chatID && m.ID > p.LastReadMessageID && m.UserID != userID {
			n++
		}
	}
	return n
}

type messageRepo struct{ s *Store }

func (r messageRepo) Create(_ context.Context, m *domain.Message) error {
	s := r.s
	if err := s.fail("Create"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data.chats[m.ChatID]; !ok {
		return relay_errors.ErrInvalidInput
	}
	if m.ReplyToID != nil {
		if _, ok := s.data.messages[*m.ReplyToID]; !ok {
			return relay_errors.ErrInvalidInput
		}
	}
	if m.Type == "" {
		m.Type = domain.MessageTypeText
	}
	m.ID = s.next("messages")
	m.CreatedAt = s.Now()
	m.UpdatedAt = m.CreatedAt
	stored := *m
	stored.Author, stored.Attachments, stored.ReplyTo = nil, nil, nil
	s.data.messages[m.ID] = stored
	return nil
}

func (r messageRepo) GetByID(_ context.Context, id int64) (domain.Message, error) {
	s := r.s
	if err := s.fail("GetByID"); err != nil {
		return domain.Message{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.data.messages[id]
	if !ok {
		return domain.Message{}, relay_errors.ErrNotFound
	}
	return s.hydrateLocked(m, true), nil
}

func (r messageRepo) ChatIDOf(_ context.Context, messageID int64) (int64, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.data.messages[messageID]
	if !ok {
		return 0, relay_errors.ErrNotFound
	}
	return m.ChatID, nil
}

func (r messageRepo) LatestID(_ context.Context, chatID int64) (int64, error) {
	s := r.s
	if err := s.fail("LatestID"); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest int64
	for _, m := range s.data.messages {
		if m.ChatID == chatID && m.ID > latest {
			latest = m.ID
		}
	}
	return latest, nil
}

func (r messageRepo) sorted(chatID int64, keep func(domain.Message) bool, desc bool) []domain.Message {
	s := r.s
	var out []domain.Message
	for _, m := range s.data.messages {
		if m.ChatID == chatID && keep(m) {
			out = append(out, s.hydrateLocked(m, true))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if desc {
			return out[i].ID > out[j].ID
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (r messageRepo) ListBefore(_ context.Context, chatID, beforeID int64, limit int) ([]domain.Message, error) {
	s := r.s
	if err := s.fail("ListBefore"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := r.sorted(chatID, func(m domain.Message) bool {
		return beforeID <= 0 || m.ID < beforeID
	}, true)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r messageRepo) ListAfter(_ context.Context, chatID, afterID int64) ([]domain.Message, error) {
	s := r.s
	if err := s.fail("ListAfter"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return r.sorted(chatID, func(m domain.Message) bool { return m.ID > afterID }, false), nil
}

func (r messageRepo) ListNewer(_ context.Context, chatID, afterID int64, limit int) ([]domain.Message, error) {
	s := r.s
	if err := s.fail("ListNewer"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := r.sorted(chatID, func(m domain.Message) bool { return m.ID > afterID }, false)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r messageRepo) CountUnread(_ context.Context, chatID, userID int64) (int64, error) {
	s := r.s
	if err := s.fail("CountUnread"); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unreadLocked(chatID, userID), nil
}

func (r messageRepo) CountUnreadForUser(_ context.Context, userID int64) (int64, error) {
	s := r.s
	if err := s.fail("CountUnreadForUser"); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var total int64
	for k := range s.data.participants {
		if k.userID == userID {
			total += s.unreadLocked(k.chatID, userID)
		}
	}
	return total, nil
}

type chatRepo struct{ s *Store }

func (r chatRepo) GetByID(_ context.Context, id int64) (domain.Chat, error) {
	s := r.s
	if err := s.fail("Chats.GetByID"); err != nil {
		return domain.Chat{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.data.chats[id]
	if !ok {
		return domain.Chat{}, relay_errors.ErrNotFound
	}
	c.Participants = nil
	for k, p := range s.data.participants {
		if k.chatID != id {
			continue
		}
		if u, ok := s.data.users[k.userID]; ok {
			u := u
			p.User = &u
		}
		c.Participants = append(c.Participants, p)
	}
	sort.Slice(c.Participants, func(i, j int) bool {
		return c.Participants[i].JoinedAt.Before(c.Participants[j].JoinedAt)
	})
	return c, nil
}

func (r chatRepo) ListForUser(_ context.Context, userID int64) ([]domain.ChatSummary, error) {
	s := r.s
	if err := s.fail("ListForUser"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ChatSummary
	for k, p := range s.data.participants {
		if k.userID != userID {
			continue
		}
		c := s.data.chats[k.chatID]
		sum := domain.ChatSummary{
			ID: c.ID, Type: c.Type, Name: c.Name,
			LastReadMessageID: p.LastReadMessageID,
			UnreadCount:       s.unreadLocked(c.ID, userID),
		}
		for _, m := range s.data.messages {
			if m.ChatID == c.ID && m.ID > sum.LastMessageID {
				sum.LastMessageID = m.ID
				sum.LastMessage = m.Content
				sum.LastMessageAt = m.CreatedAt
			}
		}
		out = append(out, sum)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastMessageID != out[j].LastMessageID {
			return out[i].LastMessageID > out[j].LastMessageID
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (r chatRepo) SetLastRead(_ context.Context, chatID, userID, messageID int64) error {
	s := r.s
	if err := s.fail("SetLastRead"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := participantKey{chatID, userID}
	p, ok := s.data.participants[k]
	if !ok {
		return relay_errors.ErrNotFound
	}
	if messageID > p.LastReadMessageID {
		p.LastReadMessageID = messageID
	}
	s.data.participants[k] = p
	return nil
}

type userRepo struct{ s *Store }

func (r userRepo) GetByID(_ context.Context, id int64) (domain.User, error) {
	s := r.s
	if err := s.fail("Users.GetByID"); err != nil {
		return domain.User{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.data.users[id]
	if !ok {
		return domain.User{}, relay_errors.ErrNotFound
	}
	return u, nil
}

func (r userRepo) GetByIDs(_ context.Context, ids []int64) ([]domain.User, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.User
	for _, id := range ids {
		if u, ok := s.data.users[id]; ok {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r userRepo) SetPresencePreference(_ context.Context, id int64, status domain.PresenceStatus) error {
	s := r.s
	if err := s.fail("SetPresencePreference"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.data.users[id]
	if !ok {
		return relay_errors.ErrNotFound
	}
	u.PresencePreference = status
	s.data.users[id] = u
	return nil
}

type attachmentRepo struct{ s *Store }

func (r attachmentRepo) Create(_ context.Context, a *domain.Attachment) error {
	s := r.s
	if err := s.fail("Attachments.Create"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.data.attachments {
		if strings.EqualFold(existing.ObjectKey, a.ObjectKey) {
			return relay_errors.ErrConflict
		}
	}
	a.ID = s.next("attachments")
	a.CreatedAt = s.Now()
	s.data.attachments[a.ID] = *a
	return nil
}

func (r attachmentRepo) GetByID(_ context.Context, id int64) (domain.Attachment, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.data.attachments[id]
	if !ok {
		return domain.Attachment{}, relay_errors.ErrNotFound
	}
	return a, nil
}

func (r attachmentRepo) ChatUsage(_ context.Context, chatID int64) (domain.StorageUsage, error) {
	s := r.s
	if err := s.fail("ChatUsage"); err != nil {
		return domain.StorageUsage{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var u domain.StorageUsage
	for _, a := range s.data.attachments {
		if a.ChatID == chatID {
			u.Files++
			u.Bytes += a.Size
		}
	}
	return u, nil
}

func (r attachmentRepo) ListForChat(_ context.Context, chatID int64, filter domain.MediaFilter, beforeID int64, limit int) ([]domain.Attachment, error) {
	s := r.s
	if err := s.fail("ListForChat"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Attachment
	for _, a := range s.data.attachments {
		if a.ChatID == chatID && (beforeID <= 0 || a.ID < beforeID) && filter.Matches(a) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r attachmentRepo) Delete(_ context.Context, id int64) error {
	s := r.s
	if err := s.fail("Attachments.Delete"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data.attachments[id]; !ok {
		return relay_errors.ErrNotFound
	}
	delete(s.data.attachments, id)
	return nil
}

// SeedUsage records an attachment of size bytes in chatID without a message,
// to put a chat close to its quota.
func (s *Store) SeedUsage(chatID, size int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.next("attachments")
	s.data.attachments[id] = domain.Attachment{ID: id, ChatID: chatID, Size: size, ObjectKey: fmt.Sprintf("seed/%d", id)}
}
