package services

import (
	"fmt"
	"sort"

	"relay-chat/internal/domain"

	"github.com/samber/lo"
)

const (
	systemUserName      = "System"
	deactivatedUserName = "Deactivated User"
)

// MediaURL is the API path that serves an attachment.
func MediaURL(attachmentID int64) string {
	return fmt.Sprintf("/api/v1/media/%d", attachmentID)
}

// NormalizeOne maps msg to its wire form. A message is seen when
// seenThreshold is set and either its id equals ownSeenID or, without
// ownSeenID, it is at or below seenThreshold. The author of msg is not
// compared with the viewer.
func NormalizeOne(msg domain.Message, seenThreshold, ownSeenID int64) domain.MessageView {
	seen := false
	if seenThreshold != 0 {
		if ownSeenID != 0 {
			seen = msg.ID == ownSeenID
		} else {
			seen = msg.ID <= seenThreshold
		}
	}

	view := domain.MessageView{
		ID:          msg.ID,
		ChatID:      msg.ChatID,
		Type:        msg.Type,
		Metadata:    msg.Metadata,
		UserID:      msg.UserID,
		Content:     msg.Content,
		CreatedAt:   domain.FormatTime(msg.CreatedAt),
		IsSeen:      seen,
		Seen:        seen,
		Attachments: attachmentViews(msg.Attachments),
	}
	switch {
	case msg.Author != nil:
		view.UserName = msg.Author.Name
		if msg.Author.AvatarURL != "" {
			view.UserAvatar = lo.ToPtr(msg.Author.AvatarURL)
		}
	case msg.Type == domain.MessageTypeSystem:
		view.UserName = systemUserName
	default:
		view.UserName = deactivatedUserName
	}
	if seen && !msg.UpdatedAt.IsZero() {
		view.SeenAt = lo.ToPtr(domain.FormatTime(msg.UpdatedAt))
	}

	if r := msg.ReplyTo; r != nil {
		reply := &domain.ReplyView{
			ID:       r.ID,
			Content:  domain.LimitReply(r.Content),
			HasMedia: len(r.Attachments) > 0,
		}
		if r.Author != nil {
			reply.UserID = lo.ToPtr(r.Author.ID)
			reply.UserName = r.Author.Name
		}
		view.ReplyTo = reply
	}
	return view
}

func attachmentViews(attachments []domain.Attachment) []domain.AttachmentView {
	return lo.Map(attachments, func(a domain.Attachment, _ int) domain.AttachmentView {
		return domain.AttachmentView{
			ID:       a.ID,
			Name:     domain.LimitAttachmentName(a.FileName),
			Size:     a.Size,
			MimeType: a.MimeType,
			IsImage:  a.IsImage(),
			URL:      MediaURL(a.ID),
		}
	})
}

// SeenMarkers computes the read state a viewer sees in a window of messages:
// the highest watermark among the other participants, and the newest
// message of the viewer at or below it.
func SeenMarkers(msgs []domain.Message, viewerID int64, participants []domain.Participant) (threshold, ownSeenID int64) {
	for _, p := range participants {
		if p.UserID != viewerID && p.LastReadMessageID > threshold {
			threshold = p.LastReadMessageID
		}
	}
	if threshold == 0 {
		return 0, 0
	}
	for _, m := range msgs {
		if m.UserID == viewerID && m.ID <= threshold && m.ID > ownSeenID {
			ownSeenID = m.ID
		}
	}
	return threshold, ownSeenID
}

// Normalize maps a window of messages for viewerID, oldest first and
// without duplicate ids.
func Normalize(msgs []domain.Message, viewerID int64, participants []domain.Participant) []domain.MessageView {
	threshold, ownSeenID := SeenMarkers(msgs, viewerID, participants)

	ordered := lo.UniqBy(msgs, func(m domain.Message) int64 { return m.ID })
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })

	return lo.Map(ordered, func(m domain.Message, _ int) domain.MessageView {
		return NormalizeOne(m, threshold, ownSeenID)
	})
}
