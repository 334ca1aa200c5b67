package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"messenger-service/internal/dispatcher"
	"messenger-service/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	actionTimeout  = 10 * time.Second
)

// ActionHandler runs one decoded client action.
type ActionHandler interface {
	Handle(ctx context.Context, caller dispatcher.Caller, in models.InboundAction) error
}

// Client is one live websocket connection. Outbound events are queued on a
// bounded buffer drained by writePump; a full buffer drops the event for this
// connection only.
type Client struct {
	conn    *websocket.Conn
	info    ConnInfo
	send    chan []byte
	limiter *rate.Limiter
	log     *zap.Logger

	mu     sync.Mutex
	closed bool
}

func newClient(conn *websocket.Conn, info ConnInfo, opts Options, log *zap.Logger) *Client {
	return &Client{
		conn:    conn,
		info:    info,
		send:    make(chan []byte, opts.SendBuffer),
		limiter: rate.NewLimiter(rate.Limit(opts.ActionRate), opts.ActionBurst),
		log:     log.With(zap.String("conn_id", info.ConnID), zap.Int("user_id", info.UserID)),
	}
}

func (c *Client) ID() string {
	return c.info.ConnID
}

// Send queues payload without blocking. It reports false once the client is
// closed or when its buffer is full.
func (c *Client) Send(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		c.log.Debug("send buffer full, dropping event")
		return false
	}
}

func (c *Client) sendEvent(evt models.Event) {
	payload, err := evt.Encode()
	if err != nil {
		c.log.Error("encode event failed", zap.String("event", evt.Type), zap.Error(err))
		return
	}
	c.Send(payload)
}

// close stops further sends and lets writePump flush and exit.
func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// readPump reads client frames until the connection fails and returns the reason.
func (c *Client) readPump(ctx context.Context, handler ActionHandler) string {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	caller := dispatcher.Caller{
		UserID:      c.info.UserID,
		DisplayName: c.info.DisplayName,
		ConnID:      c.info.ConnID,
	}
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Info("websocket read failed", zap.Error(err))
			}
			return err.Error()
		}
		c.process(ctx, handler, caller, raw)
	}
}

func (c *Client) process(ctx context.Context, handler ActionHandler, caller dispatcher.Caller, raw []byte) {
	var in models.InboundAction
	if err := json.Unmarshal(raw, &in); err != nil || in.Action == "" {
		c.sendEvent(models.Event{
			Type: models.EventError,
			Data: models.ErrorEvent{Kind: string(dispatcher.KindValidation), Message: "malformed frame"},
		})
		return
	}

	if !c.limiter.Allow() {
		if in.Action == models.ActionTyping {
			return
		}
		c.sendEvent(models.Event{
			Type: models.EventError,
			Data: models.ErrorEvent{
				Action:    in.Action,
				RequestID: in.RequestID,
				Kind:      string(dispatcher.KindValidation),
				Message:   "rate limit exceeded",
			},
		})
		return
	}

	actx, cancel := context.WithTimeout(ctx, actionTimeout)
	defer cancel()
	if err := handler.Handle(actx, caller, in); err != nil {
		c.sendEvent(dispatcher.ErrorEvent(in, err))
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.Debug("websocket write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
