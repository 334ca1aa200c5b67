package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"messenger-service/internal/dispatcher"
	"messenger-service/internal/models"
	"messenger-service/internal/repositories"
	"messenger-service/internal/telemetry"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// ChatActions is the part of the dispatcher the REST surface drives.
type ChatActions interface {
	MarkRead(ctx context.Context, caller dispatcher.Caller, in models.MarkReadPayload) (int, error)
	EditMessage(ctx context.Context, caller dispatcher.Caller, in models.EditMessagePayload) (models.Message, error)
	DeleteMessage(ctx context.Context, caller dispatcher.Caller, in models.DeleteMessagePayload) (models.Message, error)
	ToggleReaction(ctx context.Context, caller dispatcher.Caller, in models.ToggleReactionPayload) (dispatcher.ReactionResult, error)
}

// ChatHandler manages chat and message endpoints.
type ChatHandler struct {
	chatRepo     repositories.ChatRepository
	messageRepo  repositories.MessageRepository
	reactionRepo repositories.ReactionRepository
	actions      ChatActions
	audit        *telemetry.AuditEmitter
}

// NewChatHandler builds a ChatHandler.
func NewChatHandler(chatRepo repositories.ChatRepository, messageRepo repositories.MessageRepository, reactionRepo repositories.ReactionRepository, actions ChatActions, audit *telemetry.AuditEmitter) *ChatHandler {
	return &ChatHandler{
		chatRepo:     chatRepo,
		messageRepo:  messageRepo,
		reactionRepo: reactionRepo,
		actions:      actions,
		audit:        audit,
	}
}

// ListChats returns the chats the authenticated user belongs to.
func (h *ChatHandler) ListChats(c *gin.Context) {
	chats, err := h.chatRepo.ListChatsForUser(c.Request.Context(), c.GetInt("userID"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load chats"})
		return
	}
	if chats == nil {
		chats = []models.ChatSummary{}
	}
	c.JSON(http.StatusOK, gin.H{"chats": chats})
}

// StartPrivateChat creates or returns the private chat between the caller and another user.
func (h *ChatHandler) StartPrivateChat(c *gin.Context) {
	var req struct {
		TargetUserID int `json:"target_user_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	chat, err := h.chatRepo.CreatePrivateChat(c.Request.Context(), c.GetInt("userID"), req.TargetUserID)
	if errors.Is(err, repositories.ErrSelfChat) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot chat with yourself"})
		return
	}
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not create chat"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"chat": chat})
}

// CreateGroup creates a group chat owned by the caller.
func (h *ChatHandler) CreateGroup(c *gin.Context) {
	var req struct {
		Name      string `json:"name" binding:"required,max=100"`
		MemberIDs []int  `json:"member_ids"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}

	userID := c.GetInt("userID")
	chat, err := h.chatRepo.CreateGroupChat(c.Request.Context(), userID, name, req.MemberIDs)
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not create group"})
		return
	}

	h.audit.Emit(c.Request.Context(), "INFO", "group created: "+name, requestIDFromContext(c), &userID)
	c.JSON(http.StatusCreated, gin.H{"chat": chat})
}

// GetChatMessages returns a page of messages in ascending id order, with reactions.
func (h *ChatHandler) GetChatMessages(c *gin.Context) {
	chatID, ok := intParam(c, "chat_id")
	if !ok {
		return
	}
	limit := queryInt(c, "limit", defaultPageSize)
	if limit > maxPageSize {
		limit = maxPageSize
	}
	before := queryInt(c, "before", 0)

	ctx := c.Request.Context()
	member, err := h.chatRepo.IsMember(ctx, chatID, c.GetInt("userID"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to verify membership"})
		return
	}
	if !member {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a chat member"})
		return
	}

	msgs, err := h.messageRepo.ListMessages(ctx, chatID, before, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load messages"})
		return
	}

	ids := make([]int, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	tallies, err := h.reactionRepo.TalliesFor(ctx, ids)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load reactions"})
		return
	}
	for i := range msgs {
		msgs[i].Reactions = tallies[msgs[i].ID]
		if msgs[i].Reactions == nil {
			msgs[i].Reactions = []models.ReactionTally{}
		}
	}
	if msgs == nil {
		msgs = []models.Message{}
	}

	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// MarkRead advances the caller's read watermark for a chat.
func (h *ChatHandler) MarkRead(c *gin.Context) {
	chatID, ok := intParam(c, "chat_id")
	if !ok {
		return
	}
	var req struct {
		MessageID int `json:"message_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	watermark, err := h.actions.MarkRead(c.Request.Context(), callerFromContext(c), models.MarkReadPayload{ChatID: chatID, MessageID: req.MessageID})
	if err != nil {
		respondActionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"chat_id": chatID, "last_read_message_id": watermark})
}

// EditMessage replaces the content of the caller's message.
func (h *ChatHandler) EditMessage(c *gin.Context) {
	messageID, ok := intParam(c, "message_id")
	if !ok {
		return
	}
	var req struct {
		Content string `json:"content" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	msg, err := h.actions.EditMessage(c.Request.Context(), callerFromContext(c), models.EditMessagePayload{MessageID: messageID, Content: req.Content})
	if err != nil {
		respondActionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": msg})
}

// DeleteMessage tombstones the caller's message for every member.
func (h *ChatHandler) DeleteMessage(c *gin.Context) {
	messageID, ok := intParam(c, "message_id")
	if !ok {
		return
	}

	msg, err := h.actions.DeleteMessage(c.Request.Context(), callerFromContext(c), models.DeleteMessagePayload{MessageID: messageID})
	if err != nil {
		respondActionError(c, err)
		return
	}

	userID := c.GetInt("userID")
	h.audit.Emit(c.Request.Context(), "INFO", "message deleted: "+strconv.Itoa(msg.ID), requestIDFromContext(c), &userID)
	c.JSON(http.StatusOK, gin.H{"message": msg})
}

// ToggleReaction adds or removes the caller's emoji on a message.
func (h *ChatHandler) ToggleReaction(c *gin.Context) {
	messageID, ok := intParam(c, "message_id")
	if !ok {
		return
	}
	var req struct {
		Emoji string `json:"emoji" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.actions.ToggleReaction(c.Request.Context(), callerFromContext(c), models.ToggleReactionPayload{MessageID: messageID, Emoji: req.Emoji})
	if err != nil {
		respondActionError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func queryInt(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}
