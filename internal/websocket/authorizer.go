package websocket

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"relay-chat/internal/events"
	"relay-chat/internal/proxy"
	relay_errors "relay-chat/pkg/errors"
)

const chatChannelPrefix = events.ChannelPrefix + "chat:"

// ChannelAuthorizer decides which channels a user may subscribe to.
type ChannelAuthorizer struct {
	access *proxy.AccessControl
}

func NewChannelAuthorizer(access *proxy.AccessControl) *ChannelAuthorizer {
	return &ChannelAuthorizer{access: access}
}

// CanSubscribe allows the user's own user and presence channels, the online
// users channel, and the channels of chats the user takes part in.
func (a *ChannelAuthorizer) CanSubscribe(ctx context.Context, userID int64, channel string) (bool, error) {
	switch channel {
	case events.UserChannel(userID), events.PresenceChannel(userID), events.OnlineUsersChannel:
		return true, nil
	}

	chatID, ok := ChatIDOf(channel)
	if !ok {
		return false, nil
	}
	err := a.access.CanViewChat(ctx, userID, chatID)
	if errors.Is(err, relay_errors.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ChatIDOf extracts the chat id of a chat channel name.
func ChatIDOf(channel string) (int64, bool) {
	if !strings.HasPrefix(channel, chatChannelPrefix) {
		return 0, false
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(channel, chatChannelPrefix), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
