package ws

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"messenger-service/internal/logger"
	"messenger-service/internal/observability"
)

// Delivery is one encoded event addressed to a set of users.
type Delivery struct {
	UserIDs       []int           `json:"user_ids"`
	ExcludeUserID int             `json:"exclude_user_id,omitempty"`
	ExcludeConnID string          `json:"exclude_conn_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// Fanout hands a delivery to every connection that should receive it.
type Fanout interface {
	Fanout(ctx context.Context, d Delivery)
}

// LocalFanout delivers to connections registered on this instance.
type LocalFanout struct {
	registry *Registry
}

func NewLocalFanout(registry *Registry) *LocalFanout {
	return &LocalFanout{registry: registry}
}

func (f *LocalFanout) Fanout(_ context.Context, d Delivery) {
	delivered, dropped := 0, 0
	for _, userID := range d.UserIDs {
		if d.ExcludeUserID != 0 && userID == d.ExcludeUserID {
			continue
		}
		for _, conn := range f.registry.ConnectionsOf(userID) {
			if d.ExcludeConnID != "" && conn.ID() == d.ExcludeConnID {
				continue
			}
			if conn.Send(d.Payload) {
				delivered++
			} else {
				dropped++
			}
		}
	}
	observability.AddDeliveries(delivered, dropped)
}

// RedisRelay publishes deliveries on a Redis channel so that every instance,
// this one included, delivers them to its own connections.
type RedisRelay struct {
	client  *redis.Client
	channel string
	local   *LocalFanout
	log     *zap.Logger
}

func NewRedisRelay(client *redis.Client, channel string, local *LocalFanout, log *zap.Logger) *RedisRelay {
	return &RedisRelay{
		client:  client,
		channel: channel,
		local:   local,
		log:     logger.OrNop(log),
	}
}

// Fanout publishes d. When Redis is unreachable the delivery still reaches
// local connections.
func (r *RedisRelay) Fanout(ctx context.Context, d Delivery) {
	body, err := json.Marshal(d)
	if err != nil {
		r.log.Error("relay encode failed", zap.Error(err))
		observability.IncRelayError("encode")
		return
	}
	if err := r.client.Publish(ctx, r.channel, body).Err(); err != nil {
		r.log.Warn("relay publish failed, delivering locally", zap.String("channel", r.channel), zap.Error(err))
		observability.IncRelayError("publish")
		r.local.Fanout(ctx, d)
	}
}

// Run subscribes to the relay channel and delivers until ctx is done.
func (r *RedisRelay) Run(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	r.log.Info("relay subscribed", zap.String("channel", r.channel))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.handle(ctx, msg.Payload)
		}
	}
}

func (r *RedisRelay) handle(ctx context.Context, payload string) {
	var d Delivery
	if err := json.Unmarshal([]byte(payload), &d); err != nil {
		r.log.Warn("relay message malformed", zap.Error(err))
		observability.IncRelayError("decode")
		return
	}
	r.local.Fanout(ctx, d)
}
