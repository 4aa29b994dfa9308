package proxy

import (
	"context"
	"errors"

	"relay-chat/internal/domain"
	relay_errors "relay-chat/pkg/errors"
)

// Chats loads a chat with its participants.
type Chats interface {
	GetByID(ctx context.Context, id int64) (domain.Chat, error)
}

// AccessControl guards chat operations on participant membership.
type AccessControl struct {
	chats Chats
}

func NewAccessControl(chats Chats) *AccessControl {
	return &AccessControl{chats: chats}
}

// ViewableChat returns the chat when userID takes part in it. A chat the
// user is not in is reported as not found so its existence does not leak.
func (a *AccessControl) ViewableChat(ctx context.Context, userID, chatID int64) (domain.Chat, error) {
	if chatID <= 0 {
		return domain.Chat{}, relay_errors.ErrNotFound
	}
	chat, err := a.chats.GetByID(ctx, chatID)
	if err != nil {
		return domain.Chat{}, err
	}
	if !chat.HasParticipant(userID) {
		return domain.Chat{}, relay_errors.ErrNotFound
	}
	return chat, nil
}

func (a *AccessControl) CanViewChat(ctx context.Context, userID, chatID int64) error {
	_, err := a.ViewableChat(ctx, userID, chatID)
	return err
}

// CanSendMessage is CanViewChat with forbidden instead of not found, for
// callers that already revealed the chat.
func (a *AccessControl) CanSendMessage(ctx context.Context, userID, chatID int64) error {
	err := a.CanViewChat(ctx, userID, chatID)
	if errors.Is(err, relay_errors.ErrNotFound) {
		return relay_errors.ErrForbidden
	}
	return err
}
