package services

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"relay-chat/internal/domain"
	"relay-chat/internal/presence"
	relay_errors "relay-chat/pkg/errors"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClampPageSize(t *testing.T) {
	tests := []struct{ in, want int }{
		{0, DefaultPageSize},
		{-5, 1},
		{10, 10},
		{MaxPageSize + 1, MaxPageSize},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.in), func(t *testing.T) {
			assert.Equal(t, tt.want, ClampPageSize(tt.in))
		})
	}
}

func TestLoadMessagesPages(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	var sent []domain.Message
	for i := 0; i < 5; i++ {
		sent = append(sent, h.send(t, h.alice, fmt.Sprintf("m%d", i)))
	}
	ids := func(p MessagePage) []int64 {
		return lo.Map(p.Messages, func(v domain.MessageView, _ int) int64 { return v.ID })
	}

	page, err := h.chats.LoadMessages(ctx, h.chat.ID, h.bob.ID, 0, 2)
	require.NoError(t, err)
	assert.True(t, page.HasMore)
	assert.Equal(t, []int64{sent[3].ID, sent[4].ID}, ids(page))

	page, err = h.chats.LoadMessages(ctx, h.chat.ID, h.bob.ID, sent[3].ID, 2)
	require.NoError(t, err)
	assert.True(t, page.HasMore)
	assert.Equal(t, []int64{sent[1].ID, sent[2].ID}, ids(page))

	page, err = h.chats.LoadMessages(ctx, h.chat.ID, h.bob.ID, sent[1].ID, 2)
	require.NoError(t, err)
	assert.False(t, page.HasMore)
	assert.Equal(t, []int64{sent[0].ID}, ids(page))
}

func TestLoadMessagesComputesSeenPerViewer(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.send(t, h.alice, "one")
	second := h.send(t, h.alice, "two")
	require.NoError(t, h.engine.MarkRead(ctx, h.chat.ID, h.bob.ID))

	forAlice, err := h.chats.LoadMessages(ctx, h.chat.ID, h.alice.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, forAlice.Messages, 2)
	assert.True(t, forAlice.Messages[1].IsSeen)
	assert.Equal(t, second.ID, forAlice.Messages[1].ID)

	// Served from the page cached for Alice, yet evaluated for Bob, whose
	// chat partners have read nothing.
	forBob, err := h.chats.LoadMessages(ctx, h.chat.ID, h.bob.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, forBob.Messages, 2)
	assert.False(t, forBob.Messages[1].IsSeen)
	forDave, err := h.chats.LoadMessages(ctx, h.chat.ID, h.dave.ID, 0, 0)
	require.NoError(t, err)
	assert.True(t, forDave.Messages[1].IsSeen)
}

func TestLoadMessagesServesCachedPage(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.send(t, h.alice, "one")

	first, err := h.chats.LoadMessages(ctx, h.chat.ID, h.bob.ID, 0, 10)
	require.NoError(t, err)
	require.Len(t, first.Messages, 1)

	h.send(t, h.alice, "two")
	cached, err := h.chats.LoadMessages(ctx, h.chat.ID, h.bob.ID, 0, 10)
	require.NoError(t, err)
	assert.Len(t, cached.Messages, 1)

	h.cache.FlushMessages(ctx, h.chat.ID)
	fresh, err := h.chats.LoadMessages(ctx, h.chat.ID, h.bob.ID, 0, 10)
	require.NoError(t, err)
	assert.Len(t, fresh.Messages, 2)
}

func TestLoadMessagesCursorFromOtherChat(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.send(t, h.alice, "here")
	dm := h.repo.AddChat(domain.ChatTypeDM, "", h.alice.ID, h.bob.ID)
	elsewhere, err := h.engine.Send(ctx, SendInput{ChatID: dm.ID, UserID: h.alice.ID, Content: "there"})
	require.NoError(t, err)

	for _, cursor := range []int64{elsewhere.ID, 999} {
		page, err := h.chats.LoadMessages(ctx, h.chat.ID, h.bob.ID, cursor, 10)
		require.NoError(t, err)
		assert.NotNil(t, page.Messages)
		assert.Empty(t, page.Messages)
		assert.False(t, page.HasMore)
	}
}

func TestLoadMessagesHidesChatFromOutsiders(t *testing.T) {
	h := newHarness(t)
	h.send(t, h.alice, "secret")

	_, err := h.chats.LoadMessages(context.Background(), h.chat.ID, h.carol.ID, 0, 10)
	assert.ErrorIs(t, err, relay_errors.ErrNotFound)
	_, err = h.chats.LoadMessages(context.Background(), 999, h.alice.ID, 0, 10)
	assert.ErrorIs(t, err, relay_errors.ErrNotFound)
}

func TestLoadMessagesStoreFailure(t *testing.T) {
	h := newHarness(t)
	h.repo.Errors["ListBefore"] = errors.New("db down")

	_, err := h.chats.LoadMessages(context.Background(), h.chat.ID, h.bob.ID, 0, 10)
	require.Error(t, err)
	_, hit := h.cache.Messages(context.Background(), h.chat.ID, 0, 10)
	assert.False(t, hit)
}

func TestChatListMarksUnread(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	dm := h.repo.AddChat(domain.ChatTypeDM, "", h.alice.ID, h.bob.ID)
	h.send(t, h.alice, "group hello")
	_, err := h.engine.Send(ctx, SendInput{ChatID: dm.ID, UserID: h.alice.ID, Content: "dm hello"})
	require.NoError(t, err)
	require.NoError(t, h.engine.MarkRead(ctx, dm.ID, h.bob.ID))

	list, err := h.chats.ChatList(ctx, h.bob.ID)
	require.NoError(t, err)
	byID := lo.KeyBy(list, func(c domain.ChatSummary) int64 { return c.ID })
	require.Len(t, byID, 2)
	assert.True(t, byID[h.chat.ID].IsUnread)
	assert.False(t, byID[dm.ID].IsUnread)

	_, hit := h.cache.ChatList(ctx, h.bob.ID)
	assert.True(t, hit)
}

func TestChatListEmptyIsNotNil(t *testing.T) {
	h := newHarness(t)
	list, err := h.chats.ChatList(context.Background(), h.carol.ID)
	require.NoError(t, err)
	assert.NotNil(t, list)
	assert.Empty(t, list)
}

func TestStorageStatsRequiresParticipant(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.repo.SeedUsage(h.chat.ID, 512<<20)

	stats, err := h.chats.StorageStats(ctx, h.chat.ID, h.bob.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(512<<20), stats.UsageBytes)
	assert.InDelta(t, 50.0, stats.PercentageUsed, 0.01)

	_, err = h.chats.StorageStats(ctx, h.chat.ID, h.carol.ID)
	assert.ErrorIs(t, err, relay_errors.ErrNotFound)
}

func TestMediaLocation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	msg, err := h.engine.Send(ctx, SendInput{
		ChatID: h.chat.ID, UserID: h.alice.ID,
		Files: []domain.UploadedFile{pngFile("cat.png", 256)},
	})
	require.NoError(t, err)
	require.Len(t, msg.Attachments, 1)
	id := msg.Attachments[0].ID

	a, url, err := h.chats.MediaLocation(ctx, id, h.dave.ID)
	require.NoError(t, err)
	assert.Equal(t, "cat.png", a.FileName)
	assert.Equal(t, "/media/"+a.ObjectKey, url)

	_, _, err = h.chats.MediaLocation(ctx, id, h.carol.ID)
	assert.ErrorIs(t, err, relay_errors.ErrNotFound)
	_, _, err = h.chats.MediaLocation(ctx, 999, h.dave.ID)
	assert.ErrorIs(t, err, relay_errors.ErrNotFound)
}

func TestMessagesAround(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	var sent []domain.Message
	for i := 0; i < 40; i++ {
		sent = append(sent, h.send(t, h.alice, fmt.Sprintf("m%d", i)))
	}
	ids := func(p AroundPage) []int64 {
		return lo.Map(p.Messages, func(v domain.MessageView, _ int) int64 { return v.ID })
	}
	span := func(from, to int) []int64 {
		return lo.Map(sent[from:to], func(m domain.Message, _ int) int64 { return m.ID })
	}

	page, err := h.chats.MessagesAround(ctx, h.chat.ID, h.bob.ID, sent[20].ID)
	require.NoError(t, err)
	assert.Equal(t, sent[20].ID, page.TargetID)
	assert.Equal(t, span(5, 36), ids(page))
	assert.True(t, page.HasMoreBefore)
	assert.True(t, page.HasMoreAfter)

	page, err = h.chats.MessagesAround(ctx, h.chat.ID, h.bob.ID, sent[2].ID)
	require.NoError(t, err)
	assert.Equal(t, span(0, 18), ids(page))
	assert.False(t, page.HasMoreBefore)
	assert.True(t, page.HasMoreAfter)

	page, err = h.chats.MessagesAround(ctx, h.chat.ID, h.bob.ID, sent[30].ID)
	require.NoError(t, err)
	assert.Equal(t, span(15, 40), ids(page))
	assert.False(t, page.HasMoreAfter)
}

func TestMessagesAroundHidesForeignTargets(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	own := h.send(t, h.alice, "here")
	other := h.repo.AddChat(domain.ChatTypeDM, "", h.alice.ID, h.carol.ID)
	foreign := domain.Message{ChatID: other.ID, UserID: h.carol.ID, Content: "elsewhere"}
	require.NoError(t, h.repo.Messages().Create(ctx, &foreign))

	_, err := h.chats.MessagesAround(ctx, h.chat.ID, h.bob.ID, foreign.ID)
	assert.ErrorIs(t, err, relay_errors.ErrNotFound)
	_, err = h.chats.MessagesAround(ctx, h.chat.ID, h.bob.ID, 9999)
	assert.ErrorIs(t, err, relay_errors.ErrNotFound)
	_, err = h.chats.MessagesAround(ctx, h.chat.ID, h.carol.ID, own.ID)
	assert.ErrorIs(t, err, relay_errors.ErrNotFound)
}

type stubPresence struct {
	statuses map[int64]domain.PresenceStatus
	err      error
	batches  [][]int64
}

func (s *stubPresence) Query(_ context.Context, ids []int64) ([]presence.Snapshot, error) {
	s.batches = append(s.batches, ids)
	if s.err != nil {
		return nil, s.err
	}
	var out []presence.Snapshot
	for _, id := range ids {
		if status, ok := s.statuses[id]; ok {
			out = append(out, presence.Snapshot{UserID: id, Status: status})
		}
	}
	return out, nil
}

func TestShowAnnotatesParticipantPresence(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	stub := &stubPresence{statuses: map[int64]domain.PresenceStatus{
		h.alice.ID: domain.PresenceOnline,
		h.bob.ID:   domain.PresenceBusy,
	}}
	h.chats.WithPresence(stub)

	detail, err := h.chats.Show(ctx, h.chat.ID, h.bob.ID)
	require.NoError(t, err)
	assert.Equal(t, "general", detail.Name)
	assert.Nil(t, detail.LastMessage)
	require.Len(t, detail.Participants, 3)

	byID := lo.KeyBy(detail.Participants, func(p ParticipantView) int64 { return p.UserID })
	assert.Equal(t, domain.PresenceOnline, byID[h.alice.ID].PresenceStatus)
	assert.True(t, byID[h.alice.ID].IsOnline)
	assert.Equal(t, domain.ParticipantRoleOwner, byID[h.alice.ID].Role)
	require.NotNil(t, byID[h.alice.ID].Avatar)
	assert.Equal(t, domain.PresenceBusy, byID[h.bob.ID].PresenceStatus)
	assert.Equal(t, domain.PresenceOffline, byID[h.dave.ID].PresenceStatus)
	assert.False(t, byID[h.dave.ID].IsOnline)
	assert.Equal(t, "Dave", byID[h.dave.ID].Name)

	h.send(t, h.dave, "latest news")
	detail, err = h.chats.Show(ctx, h.chat.ID, h.bob.ID)
	require.NoError(t, err)
	require.NotNil(t, detail.LastMessage)
	assert.Equal(t, "latest news", detail.LastMessage.Content)
	assert.Equal(t, "Dave", detail.LastMessage.UserName)
	assert.False(t, detail.LastMessage.HasMedia)

	_, err = h.chats.Show(ctx, h.chat.ID, h.carol.ID)
	assert.ErrorIs(t, err, relay_errors.ErrNotFound)
}

func TestShowDegradesWhenPresenceFails(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.chats.WithPresence(&stubPresence{err: errors.New("cache down")})

	detail, err := h.chats.Show(ctx, h.chat.ID, h.alice.ID)
	require.NoError(t, err)
	for _, p := range detail.Participants {
		assert.Equal(t, domain.PresenceOffline, p.PresenceStatus)
	}
}

func TestShowQueriesPresenceInBatches(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	ids := []int64{h.alice.ID}
	for i := 0; i < presence.MaxQueryUsers; i++ {
		ids = append(ids, h.repo.AddUser(domain.User{Name: fmt.Sprintf("Member %d", i)}).ID)
	}
	big := h.repo.AddChat(domain.ChatTypeGroup, "everyone", ids...)
	stub := &stubPresence{}
	h.chats.WithPresence(stub)

	detail, err := h.chats.Show(ctx, big.ID, h.alice.ID)
	require.NoError(t, err)
	assert.Len(t, detail.Participants, presence.MaxQueryUsers+1)
	require.Len(t, stub.batches, 2)
	assert.Len(t, stub.batches[0], presence.MaxQueryUsers)
	assert.Len(t, stub.batches[1], 1)
}
