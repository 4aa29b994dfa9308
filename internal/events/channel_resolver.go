package events

import (
	"fmt"
)

const (
	ChannelPrefix      = "channel:"
	OnlineUsersChannel = ChannelPrefix + "presence:online-users"
)

func ChatChannel(chatID int64) string {
	return fmt.Sprintf("%schat:%d", ChannelPrefix, chatID)
}

func UserChannel(userID int64) string {
	return fmt.Sprintf("%suser:%d", ChannelPrefix, userID)
}

func PresenceChannel(userID int64) string {
	return fmt.Sprintf("%spresence:%d", ChannelPrefix, userID)
}

// Target is one channel an event is published on.
type Target struct {
	Channel      string
	ExceptUserID int64
}

// ChannelResolver determines which channels an event is published to.
type ChannelResolver interface {
	Resolve(event Event) []Target
}

type DefaultChannelResolver struct{}

func NewChannelResolver() *DefaultChannelResolver {
	return &DefaultChannelResolver{}
}

func (r *DefaultChannelResolver) Resolve(event Event) []Target {
	switch e := event.(type) {
	case MessageCreated:
		return []Target{{Channel: ChatChannel(e.ChatID), ExceptUserID: e.ExceptUserID}}
	case MessageConfirmed:
		return []Target{{Channel: UserChannel(e.UserID)}}
	case MessageRead:
		return []Target{{Channel: UserChannel(e.RecipientID)}}
	case BadgeUpdated:
		return []Target{{Channel: UserChannel(e.UserID)}}
	case PresenceChanged:
		return []Target{
			{Channel: PresenceChannel(e.UserID)},
			{Channel: OnlineUsersChannel},
		}
	case Mentioned:
		return []Target{{Channel: UserChannel(e.RecipientID)}}
	case UserTyping:
		return []Target{{Channel: ChatChannel(e.ChatID), ExceptUserID: e.UserID}}
	}
	return nil
}
