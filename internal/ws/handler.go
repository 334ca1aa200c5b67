package ws

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"messenger-service/internal/logger"
	"messenger-service/internal/middleware"
	"messenger-service/internal/models"
	"messenger-service/internal/observability"
	"messenger-service/internal/repositories"
)

const wsEventsRoutingKey = "ws_events.connections"

type TokenValidator interface {
	ValidateToken(token string) (int, string, error)
}

type UserLookup interface {
	GetByID(ctx context.Context, userID int) (models.User, error)
}

type ChatLookup interface {
	ChatIDsForUser(ctx context.Context, userID int) ([]int, error)
}

// Options tune per-connection buffering and rate limiting.
type Options struct {
	SendBuffer  int
	ActionRate  float64
	ActionBurst int
}

// Handler authenticates websocket upgrades and runs each connection's lifecycle.
type Handler struct {
	registry *Registry
	presence *Tracker
	tokens   TokenValidator
	users    UserLookup
	chats    ChatLookup
	actions  ActionHandler
	opts     Options
	log      *zap.Logger
}

func NewHandler(
	registry *Registry,
	presence *Tracker,
	tokens TokenValidator,
	users UserLookup,
	chats ChatLookup,
	actions ActionHandler,
	opts Options,
	log *zap.Logger,
) *Handler {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	if opts.ActionRate <= 0 {
		opts.ActionRate = 20
	}
	if opts.ActionBurst <= 0 {
		opts.ActionBurst = 40
	}
	return &Handler{
		registry: registry,
		presence: presence,
		tokens:   tokens,
		users:    users,
		chats:    chats,
		actions:  actions,
		opts:     opts,
		log:      logger.OrNop(log),
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handle authenticates the request, upgrades it and starts the connection pumps.
// Unauthenticated requests are rejected before the upgrade.
func (h *Handler) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("messenger-service/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	token := bearerToken(c.GetHeader("Authorization"), c.Query("token"))
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
		return
	}
	userID, _, err := h.tokens.ValidateToken(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	user, err := h.users.GetByID(ctx, userID)
	if errors.Is(err, repositories.ErrUserNotFound) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unknown user"})
		return
	}
	if err != nil {
		h.log.Error("ws handshake user lookup failed", zap.Int("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	reqID := requestID(c)
	var respHeader http.Header
	if reqID != "" {
		respHeader = http.Header{"X-Request-Id": []string{reqID}}
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, respHeader)
	if err != nil {
		h.log.Debug("ws upgrade failed", zap.Error(err))
		return
	}

	info := ConnInfo{
		ConnID:      newConnID(),
		UserID:      user.ID,
		DisplayName: user.DisplayName,
		DeviceID:    observability.DeviceIDFromRequest(c.Request),
		IP:          observability.IPFromRequest(c.Request),
		RequestID:   reqID,
		TraceID:     span.SpanContext().TraceID().String(),
		ConnectedAt: time.Now(),
	}
	client := newClient(conn, info, h.opts, h.log)

	go client.writePump()
	go h.serve(context.WithoutCancel(ctx), client)
}

// requestID prefers the id assigned by the request middleware over the raw header.
func requestID(c *gin.Context) string {
	if id := c.GetString(middleware.RequestIDKey); id != "" {
		return id
	}
	return observability.RequestIDFromRequest(c.Request)
}

// serve owns the connection from registration until its read side fails.
func (h *Handler) serve(ctx context.Context, client *Client) {
	info := client.info
	headers := observability.BuildHeaders(info.RequestID, info.TraceID)

	chatIDs, err := h.chats.ChatIDsForUser(ctx, info.UserID)
	if err != nil {
		h.log.Warn("ws chat set lookup failed", zap.Int("user_id", info.UserID), zap.Error(err))
		chatIDs = []int{}
	}

	client.sendEvent(models.Event{
		Type: models.EventConnected,
		Data: models.ConnectedEvent{UserID: info.UserID, ChatIDs: chatIDs},
	})
	h.registry.Register(info.UserID, client)
	h.presence.Connected(ctx, info.UserID)

	observability.IncWSActive()
	observability.IncWSEvent("ws_connect")
	_ = observability.PublishEvent(ctx, wsEventsRoutingKey, observability.EventEnvelope{
		EventType: "ws_events",
		EventName: "ws_connect",
		Payload:   wsEventPayload(info, "ws_connect", "", 0),
	}, headers)
	h.log.Info("ws connected", zap.String("conn_id", info.ConnID), zap.Int("user_id", info.UserID))

	reason := client.readPump(ctx, h.actions)

	h.registry.Unregister(info.UserID, client)
	client.close()
	h.presence.Disconnected(ctx, info.UserID)

	duration := time.Since(info.ConnectedAt).Milliseconds()
	observability.DecWSActive()
	observability.IncWSEvent("ws_disconnect")
	_ = observability.PublishEvent(ctx, wsEventsRoutingKey, observability.EventEnvelope{
		EventType: "ws_events",
		EventName: "ws_disconnect",
		Payload:   wsEventPayload(info, "ws_disconnect", reason, duration),
	}, headers)
	h.log.Info("ws disconnected",
		zap.String("conn_id", info.ConnID),
		zap.Int("user_id", info.UserID),
		zap.Int64("duration_ms", duration),
		zap.String("reason", reason),
	)
}
