package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"chat-realtime/internal/conversations"
	"chat-realtime/internal/media"
	"chat-realtime/internal/models"
)

// ConversationService is the part of the sync engine the REST surface drives.
type ConversationService interface {
	ListForUser(ctx context.Context, userID string) (models.ConversationList, error)
	StartConversation(ctx context.Context, userID, receiverID string) (models.Conversation, bool, error)
	Messages(ctx context.Context, viewerID, conversationID string, before *time.Time, limit int) (models.MessagePage, error)
	SendMessage(ctx context.Context, in conversations.SendInput) (models.Message, error)
	MarkSeen(ctx context.Context, viewerID, messageID string) (models.Message, error)
	Unsend(ctx context.Context, userID, messageID string) error
}

// PresenceReader answers whether a user currently holds a socket.
type PresenceReader interface {
	IsOnline(userID string) bool
}

// PresenceSnapshots reads last-seen data kept outside the process.
type PresenceSnapshots interface {
	Snapshot(ctx context.Context, userID string) (models.PresenceSnapshot, error)
}

// ChatHandler serves the conversation REST API.
type ChatHandler struct {
	convs     ConversationService
	relay     media.Relay
	presence  PresenceReader
	snapshots PresenceSnapshots
	maxBytes  int64
	logger    *zap.Logger
}

func NewChatHandler(
	convs ConversationService,
	relay media.Relay,
	presence PresenceReader,
	snapshots PresenceSnapshots,
	maxBytes int64,
	logger *zap.Logger,
) *ChatHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxBytes <= 0 {
		maxBytes = 10 << 20
	}
	return &ChatHandler{
		convs:     convs,
		relay:     relay,
		presence:  presence,
		snapshots: snapshots,
		maxBytes:  maxBytes,
		logger:    logger,
	}
}

// RegisterRoutes mounts the handlers on an already authenticated group.
func (h *ChatHandler) RegisterRoutes(api *gin.RouterGroup) {
	api.GET("/conversations", h.ListConversations)
	api.POST("/conversations/start", h.StartConversation)
	api.GET("/conversations/:conversationId/messages", h.GetMessages)
	api.POST("/messages", h.SendMessage)
	api.POST("/messages/seen", h.MarkSeen)
	api.DELETE("/messages/:messageId", h.UnsendMessage)
	api.GET("/users/:userId/presence", h.GetPresence)
}

// ListConversations returns the caller's conversations, friends without one and
// the pending friend request count.
func (h *ChatHandler) ListConversations(c *gin.Context) {
	list, err := h.convs.ListForUser(c.Request.Context(), c.GetString("userID"))
	if err != nil {
		h.writeError(c, err, "failed to load conversations")
		return
	}
	c.JSON(http.StatusOK, list)
}

// StartConversation creates or returns the conversation with a friend.
func (h *ChatHandler) StartConversation(c *gin.Context) {
	var req struct {
		ReceiverID string `json:"receiverId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	conv, created, err := h.convs.StartConversation(c.Request.Context(), c.GetString("userID"), req.ReceiverID)
	if err != nil {
		h.writeError(c, err, "could not start conversation")
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, conv)
}

// GetMessages returns one page of history older than ?before.
func (h *ChatHandler) GetMessages(c *gin.Context) {
	var before *time.Time
	if raw := c.Query("before"); raw != "" {
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid before cursor"})
			return
		}
		before = &ts
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}

	page, err := h.convs.Messages(c.Request.Context(), c.GetString("userID"), c.Param("conversationId"), before, limit)
	if err != nil {
		h.writeError(c, err, "failed to load messages")
		return
	}
	c.JSON(http.StatusOK, page)
}

type sendMessageRequest struct {
	ConversationID string `json:"conversationId" form:"conversationId"`
	ReceiverID     string `json:"receiverId" form:"receiverId" binding:"required"`
	Message        string `json:"message" form:"message"`
	FileType       string `json:"fileType" form:"fileType"`
}

// SendMessage stores a message. Multipart requests may carry a file, which is
// relayed to media storage before the message is created.
func (h *ChatHandler) SendMessage(c *gin.Context) {
	userID := c.GetString("userID")
	multipart := strings.HasPrefix(c.ContentType(), "multipart/")
	if multipart {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBytes+(1<<20))
	}

	var req sendMessageRequest
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	in := conversations.SendInput{
		ConversationID: req.ConversationID,
		SenderID:       userID,
		ReceiverID:     req.ReceiverID,
		Message:        req.Message,
		RequireFriends: true,
	}

	if multipart {
		if _, err := c.FormFile("file"); err == nil {
			up, size, status, msg := h.readUpload(c, req.FileType)
			if status != 0 {
				c.JSON(status, gin.H{"error": msg})
				return
			}
			if h.relay == nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": "attachments are disabled"})
				return
			}
			link, err := h.relay.Store(c.Request.Context(), userID, up)
			if err != nil {
				h.logger.Error("media upload failed",
					zap.String("backend", h.relay.Name()),
					zap.String("user_id", userID),
					zap.Error(err),
				)
				c.JSON(http.StatusBadGateway, gin.H{"error": "failed to upload file"})
				return
			}
			in.MediaURL = link
			in.FileName = up.FileName
			in.FileSize = size
			in.FileType = up.Kind
		}
	}

	msg, err := h.convs.SendMessage(c.Request.Context(), in)
	if err != nil {
		h.writeError(c, err, "failed to store message")
		return
	}
	c.JSON(http.StatusCreated, msg)
}

// readUpload loads the "file" part. A non-zero status means the request is rejected.
func (h *ChatHandler) readUpload(c *gin.Context, fileType string) (media.Upload, int64, int, string) {
	header, err := c.FormFile("file")
	if err != nil {
		return media.Upload{}, 0, http.StatusBadRequest, "invalid file"
	}
	if header.Size > h.maxBytes {
		return media.Upload{}, 0, http.StatusRequestEntityTooLarge, "file too large"
	}
	f, err := header.Open()
	if err != nil {
		return media.Upload{}, 0, http.StatusBadRequest, "invalid file"
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, h.maxBytes+1))
	if err != nil {
		return media.Upload{}, 0, http.StatusBadRequest, "invalid file"
	}
	if int64(len(data)) > h.maxBytes {
		return media.Upload{}, 0, http.StatusRequestEntityTooLarge, "file too large"
	}
	return media.Upload{
		FileName:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Kind:        media.NormalizeKind(fileType),
		Data:        data,
	}, int64(len(data)), 0, ""
}

// MarkSeen marks a received message as seen.
func (h *ChatHandler) MarkSeen(c *gin.Context) {
	var req struct {
		MessageID string `json:"messageId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	msg, err := h.convs.MarkSeen(c.Request.Context(), c.GetString("userID"), req.MessageID)
	if err != nil {
		h.writeError(c, err, "could not mark message seen")
		return
	}
	c.JSON(http.StatusOK, msg)
}

// UnsendMessage deletes a message sent by the caller.
func (h *ChatHandler) UnsendMessage(c *gin.Context) {
	if err := h.convs.Unsend(c.Request.Context(), c.GetString("userID"), c.Param("messageId")); err != nil {
		h.writeError(c, err, "could not delete message")
		return
	}
	c.Status(http.StatusNoContent)
}

// GetPresence reports whether a user is online, with the mirrored last-seen time
// when one is available.
func (h *ChatHandler) GetPresence(c *gin.Context) {
	userID := c.Param("userId")
	snap := models.PresenceSnapshot{UserID: userID}
	if h.snapshots != nil {
		mirrored, err := h.snapshots.Snapshot(c.Request.Context(), userID)
		if err != nil {
			h.logger.Warn("presence snapshot failed", zap.String("user_id", userID), zap.Error(err))
		} else {
			snap = mirrored
		}
	}
	snap.UserID = userID
	snap.Online = h.presence.IsOnline(userID)
	c.JSON(http.StatusOK, snap)
}

func (h *ChatHandler) writeError(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, conversations.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, conversations.ErrNotFriends):
		c.JSON(http.StatusForbidden, gin.H{"error": "users are not friends"})
	case errors.Is(err, conversations.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "not allowed"})
	case errors.Is(err, conversations.ErrConversationNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
	case errors.Is(err, conversations.ErrMessageNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
	default:
		h.logger.Error(fallback, zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": fallback})
	}
}
