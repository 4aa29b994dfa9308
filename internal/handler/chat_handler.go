package handler

import (
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"relay-chat/internal/connection"
	"relay-chat/internal/domain"
	"relay-chat/internal/proxy"
	"relay-chat/internal/services"
	"relay-chat/internal/transport/httpdto"
	relay_errors "relay-chat/pkg/errors"

	"github.com/gin-gonic/gin"
)

type ChatHandler struct {
	engine      *services.ChatEngine
	chats       *services.ChatService
	connections *connection.Tracker
	access      *proxy.AccessControl
}

func NewChatHandler(engine *services.ChatEngine, chats *services.ChatService, connections *connection.Tracker, access *proxy.AccessControl) *ChatHandler {
	return &ChatHandler{engine: engine, chats: chats, connections: connections, access: access}
}

// List is the user's chat list.
func (h *ChatHandler) List(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	list, err := h.chats.ChatList(c.Request.Context(), userID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(list))
}

// Show is one chat with its participants' presence.
func (h *ChatHandler) Show(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	chatID, ok := pathID(c, "id")
	if !ok {
		return
	}
	detail, err := h.chats.Show(c.Request.Context(), chatID, userID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(detail))
}

// Unread is the user's unread total over every chat.
func (h *ChatHandler) Unread(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	n, err := h.chats.Unread(c.Request.Context(), userID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.UnreadResponse{UnreadCount: n}))
}

// ChatUnread is the user's unread count in one chat.
func (h *ChatHandler) ChatUnread(c *gin.Context) {
	userID, chatID, ok := h.viewable(c)
	if !ok {
		return
	}
	n, err := h.engine.UnreadCount(c.Request.Context(), chatID, userID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.UnreadResponse{UnreadCount: n}))
}

func (h *ChatHandler) Messages(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	chatID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var q httpdto.ListMessagesQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		_ = c.Error(relay_errors.Invalid("before", "Invalid cursor."))
		return
	}

	page, err := h.chats.LoadMessages(c.Request.Context(), chatID, userID, q.Before, q.Limit)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.MessagesResponse{Messages: page.Messages, HasMore: page.HasMore}))
}

// Around is the window of messages surrounding one message, used to jump
// to it from a notification.
func (h *ChatHandler) Around(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	chatID, ok := pathID(c, "id")
	if !ok {
		return
	}
	messageID, ok := pathID(c, "messageId")
	if !ok {
		return
	}
	page, err := h.chats.MessagesAround(c.Request.Context(), chatID, userID, messageID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.AroundResponse{
		Messages:      page.Messages,
		TargetID:      page.TargetID,
		HasMoreBefore: page.HasMoreBefore,
		HasMoreAfter:  page.HasMoreAfter,
	}))
}

// Send stores a message from a JSON body or, with attachments, a multipart
// form, and schedules its delivery.
func (h *ChatHandler) Send(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	chatID, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.access.CanViewChat(c.Request.Context(), userID, chatID); err != nil {
		_ = c.Error(err)
		return
	}

	var (
		req   httpdto.SendMessageRequest
		files []domain.UploadedFile
	)
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, services.MaxRequestSize+1<<20)
		var err error
		if files, err = readFiles(c); err != nil {
			_ = c.Error(err)
			return
		}
		if err := c.ShouldBind(&req); err != nil {
			_ = c.Error(relay_errors.Invalid("", "Invalid request."))
			return
		}
		if raw := c.PostForm("metadata"); raw != "" {
			if err := json.Unmarshal([]byte(raw), &req.Metadata); err != nil {
				_ = c.Error(relay_errors.Invalid("metadata", "Metadata must be a JSON object."))
				return
			}
		}
	} else if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(relay_errors.Invalid("", "Invalid request."))
		return
	}

	msg, tempID, err := h.engine.SendMessage(c.Request.Context(), services.SendInput{
		ChatID:    chatID,
		UserID:    userID,
		Content:   req.Content,
		Files:     files,
		ReplyToID: req.ReplyToID,
		Metadata:  req.Metadata,
	}, req.TempID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.SendMessageResponse{
		Message: services.NormalizeOne(msg, 0, 0),
		TempID:  tempID,
	}))
}

func readFiles(c *gin.Context) ([]domain.UploadedFile, error) {
	form, err := c.MultipartForm()
	if err != nil {
		return nil, relay_errors.Reject(relay_errors.ErrTooLarge, "files", "Total file size exceeds maximum of 10MB per upload.")
	}
	var headers []*multipart.FileHeader
	headers = append(headers, form.File["files"]...)
	headers = append(headers, form.File["files[]"]...)
	files := make([]domain.UploadedFile, 0, len(headers))
	for _, fh := range headers {
		content, err := readFile(fh)
		if err != nil {
			return nil, err
		}
		files = append(files, domain.UploadedFile{
			Name:        fh.Filename,
			ContentType: fh.Header.Get("Content-Type"),
			Content:     content,
		})
	}
	return files, nil
}

func readFile(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(io.LimitReader(f, services.MaxFileSize+1))
}

func (h *ChatHandler) Typing(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	chatID, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.engine.Typing(c.Request.Context(), chatID, userID); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.StatusResponse{Status: "ok"}))
}

func (h *ChatHandler) MarkRead(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	chatID, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.engine.MarkRead(c.Request.Context(), chatID, userID); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.StatusResponse{Status: "ok"}))
}

// Heartbeat keeps the user's connection to the chat fresh.
func (h *ChatHandler) Heartbeat(c *gin.Context) {
	userID, chatID, ok := h.participant(c)
	if !ok {
		return
	}
	if err := h.connections.Heartbeat(c.Request.Context(), chatID, userID); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.StatusResponse{Status: "ok"}))
}

func (h *ChatHandler) Connect(c *gin.Context) {
	userID, chatID, ok := h.participant(c)
	if !ok {
		return
	}
	if err := h.connections.Register(c.Request.Context(), chatID, userID); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.StatusResponse{Status: "ok"}))
}

func (h *ChatHandler) Disconnect(c *gin.Context) {
	userID, chatID, ok := h.participant(c)
	if !ok {
		return
	}
	if err := h.connections.Disconnect(c.Request.Context(), chatID, userID); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.StatusResponse{Status: "ok"}))
}

// Missed lists the messages the user's client has not acknowledged.
func (h *ChatHandler) Missed(c *gin.Context) {
	userID, chatID, ok := h.viewable(c)
	if !ok {
		return
	}
	missed, err := h.connections.MissedMessages(c.Request.Context(), chatID, userID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(missed))
}

// Delivered acknowledges a message of this chat received by the client.
func (h *ChatHandler) Delivered(c *gin.Context) {
	userID, chatID, ok := h.viewable(c)
	if !ok {
		return
	}
	var req httpdto.DeliveredRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(relay_errors.Invalid("message_id", "A message id is required."))
		return
	}
	if err := h.connections.MarkDeliveredInChat(c.Request.Context(), chatID, req.MessageID, userID); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.StatusResponse{Status: "ok"}))
}

func (h *ChatHandler) StorageStats(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	chatID, ok := pathID(c, "id")
	if !ok {
		return
	}
	stats, err := h.chats.StorageStats(c.Request.Context(), chatID, userID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(stats))
}

// ListMedia pages through the attachments shared in a chat.
func (h *ChatHandler) ListMedia(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	chatID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var q httpdto.ListMediaQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		_ = c.Error(relay_errors.Invalid("before", "Invalid cursor."))
		return
	}
	page, err := h.chats.ChatMedia(c.Request.Context(), chatID, userID, domain.ParseMediaFilter(q.Filter), q.Before, q.Limit)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(page))
}

func (h *ChatHandler) DeleteMedia(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	chatID, ok := pathID(c, "id")
	if !ok {
		return
	}
	attachmentID, ok := pathID(c, "mediaId")
	if !ok {
		return
	}
	if err := h.chats.DeleteMedia(c.Request.Context(), chatID, attachmentID, userID); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.StatusResponse{Status: "deleted"}))
}

// Media redirects to a download location of an attachment.
func (h *ChatHandler) Media(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	attachmentID, ok := pathID(c, "mediaId")
	if !ok {
		return
	}
	_, url, err := h.chats.MediaLocation(c.Request.Context(), attachmentID, userID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.Redirect(http.StatusFound, url)
}

// viewable resolves the chat path parameter, hiding chats the user is not
// part of.
func (h *ChatHandler) viewable(c *gin.Context) (userID, chatID int64, ok bool) {
	if userID, ok = currentUser(c); !ok {
		return 0, 0, false
	}
	if chatID, ok = pathID(c, "id"); !ok {
		return 0, 0, false
	}
	if err := h.access.CanViewChat(c.Request.Context(), userID, chatID); err != nil {
		_ = c.Error(err)
		return 0, 0, false
	}
	return userID, chatID, true
}

// participant is viewable for connection endpoints, which answer
// non-participants with forbidden.
func (h *ChatHandler) participant(c *gin.Context) (userID, chatID int64, ok bool) {
	if userID, ok = currentUser(c); !ok {
		return 0, 0, false
	}
	if chatID, ok = pathID(c, "id"); !ok {
		return 0, 0, false
	}
	if err := h.access.CanSendMessage(c.Request.Context(), userID, chatID); err != nil {
		_ = c.Error(err)
		return 0, 0, false
	}
	return userID, chatID, true
}
