package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"messenger-service/internal/auth"
	"messenger-service/internal/logger"
	"messenger-service/internal/models"
	"messenger-service/internal/repositories"
	"messenger-service/internal/telemetry"
)

type TokenIssuer interface {
	Issue(userID int, username string) (string, error)
}

type MemberAdder interface {
	AddMember(ctx context.Context, chatID int, userID int) error
}

// AuthHandler serves registration, login and the current-user lookup.
type AuthHandler struct {
	users         repositories.UserRepository
	chats         MemberAdder
	tokens        TokenIssuer
	generalChatID int
	audit         *telemetry.AuditEmitter
	log           *zap.Logger
}

// NewAuthHandler builds an AuthHandler. New users join generalChatID when it is non-zero.
func NewAuthHandler(users repositories.UserRepository, chats MemberAdder, tokens TokenIssuer, generalChatID int, audit *telemetry.AuditEmitter, log *zap.Logger) *AuthHandler {
	return &AuthHandler{
		users:         users,
		chats:         chats,
		tokens:        tokens,
		generalChatID: generalChatID,
		audit:         audit,
		log:           logger.OrNop(log),
	}
}

type authResponse struct {
	Token string      `json:"token"`
	User  models.User `json:"user"`
}

func (h *AuthHandler) Register(c *gin.Context) {
	var req struct {
		Username    string `json:"username" binding:"required,min=3,max=32"`
		Password    string `json:"password" binding:"required,min=6"`
		DisplayName string `json:"display_name" binding:"required,max=64"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	username := strings.TrimSpace(req.Username)
	displayName := strings.TrimSpace(req.DisplayName)
	if len(username) < 3 || displayName == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username and display_name are required"})
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not register"})
		return
	}

	ctx := c.Request.Context()
	user, err := h.users.CreateUser(ctx, username, hash, displayName)
	if errors.Is(err, repositories.ErrUsernameTaken) {
		c.JSON(http.StatusConflict, gin.H{"error": "username already taken"})
		return
	}
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not register"})
		return
	}

	if h.generalChatID != 0 {
		if err := h.chats.AddMember(ctx, h.generalChatID, user.ID); err != nil {
			h.log.Warn("join general chat failed", zap.Int("user_id", user.ID), zap.Error(err))
		}
	}

	token, err := h.tokens.Issue(user.ID, user.Username)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not issue token"})
		return
	}

	h.audit.Emit(ctx, "INFO", "user registered: "+user.Username, requestIDFromContext(c), &user.ID)
	c.JSON(http.StatusCreated, authResponse{Token: token, User: user})
}

func (h *AuthHandler) Login(c *gin.Context) {
	var req struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	user, err := h.users.GetByUsername(ctx, strings.TrimSpace(req.Username))
	if err != nil && !errors.Is(err, repositories.ErrUserNotFound) {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not log in"})
		return
	}
	if err != nil || !auth.CheckPassword(user.PasswordHash, req.Password) {
		h.audit.Emit(ctx, "WARN", "failed login for "+req.Username, requestIDFromContext(c), nil)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	token, err := h.tokens.Issue(user.ID, user.Username)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not issue token"})
		return
	}

	h.audit.Emit(ctx, "INFO", "user logged in: "+user.Username, requestIDFromContext(c), &user.ID)
	c.JSON(http.StatusOK, authResponse{Token: token, User: user})
}

func (h *AuthHandler) Me(c *gin.Context) {
	user, err := h.users.GetByID(c.Request.Context(), c.GetInt("userID"))
	if errors.Is(err, repositories.ErrUserNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load user"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": user})
}

// ListUsers returns every user except the caller.
func (h *AuthHandler) ListUsers(c *gin.Context) {
	users, err := h.users.ListUsers(c.Request.Context(), c.GetInt("userID"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load users"})
		return
	}
	if users == nil {
		users = []models.User{}
	}
	c.JSON(http.StatusOK, gin.H{"users": users})
}

// UpdateProfile changes the caller's display name, theme or avatar reference.
func (h *AuthHandler) UpdateProfile(c *gin.Context) {
	var req struct {
		DisplayName *string `json:"display_name" binding:"omitempty,max=64"`
		Theme       *string `json:"theme" binding:"omitempty,oneof=light dark"`
		Avatar      *string `json:"avatar" binding:"omitempty,max=512"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.DisplayName != nil {
		name := strings.TrimSpace(*req.DisplayName)
		if name == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "display_name must not be empty"})
			return
		}
		req.DisplayName = &name
	}
	upd := models.ProfileUpdate{DisplayName: req.DisplayName, Avatar: req.Avatar, Theme: req.Theme}
	if upd.Empty() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "nothing to update"})
		return
	}

	ctx := c.Request.Context()
	userID := c.GetInt("userID")
	user, err := h.users.UpdateProfile(ctx, userID, upd)
	if errors.Is(err, repositories.ErrUserNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update profile"})
		return
	}

	h.audit.Emit(ctx, "INFO", "profile updated: "+user.Username, requestIDFromContext(c), &user.ID)
	c.JSON(http.StatusOK, gin.H{"user": user})
}
