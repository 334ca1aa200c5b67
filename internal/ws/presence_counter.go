package ws

import (
	"context"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"messenger-service/internal/logger"
)

const presenceKeyPrefix = "presence:"

// ConnCounter counts a user's live connections. Add returns the count after
// applying delta.
type ConnCounter interface {
	Add(ctx context.Context, userID int, delta int64) (int64, error)
	Count(ctx context.Context, userID int) (int64, error)
}

// connCounter is the in-process count used when presence is not shared.
type connCounter struct {
	mu     sync.Mutex
	counts map[int]int64
}

func newConnCounter() *connCounter {
	return &connCounter{counts: make(map[int]int64)}
}

func (c *connCounter) Add(_ context.Context, userID int, delta int64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.counts[userID] + delta
	if n <= 0 {
		delete(c.counts, userID)
		return n, nil
	}
	c.counts[userID] = n
	return n, nil
}

func (c *connCounter) Count(_ context.Context, userID int) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[userID], nil
}

func (c *connCounter) users() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int, 0, len(c.counts))
	for id := range c.counts {
		out = append(out, id)
	}
	return out
}

// RedisPresence keeps per-instance connection counts in one Redis hash per
// user (presence:<user_id>, field = instance id). The user's total is the
// sum of the fields.
type RedisPresence struct {
	client   *redis.Client
	instance string
	log      *zap.Logger
}

// NewRedisPresence builds a shared counter. An empty instance id gets a random one.
func NewRedisPresence(client *redis.Client, instance string, log *zap.Logger) *RedisPresence {
	if instance == "" {
		instance = uuid.NewString()
	}
	return &RedisPresence{client: client, instance: instance, log: logger.OrNop(log)}
}

func presenceKey(userID int) string {
	return presenceKeyPrefix + strconv.Itoa(userID)
}

func (p *RedisPresence) Add(ctx context.Context, userID int, delta int64) (int64, error) {
	key := presenceKey(userID)
	var vals *redis.StringSliceCmd
	_, err := p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, key, p.instance, delta)
		vals = pipe.HVals(ctx, key)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return sumCounts(vals.Val()), nil
}

func (p *RedisPresence) Count(ctx context.Context, userID int) (int64, error) {
	vals, err := p.client.HVals(ctx, presenceKey(userID)).Result()
	if err != nil {
		return 0, err
	}
	return sumCounts(vals), nil
}

// Release drops this instance's share of the given users' counts.
func (p *RedisPresence) Release(ctx context.Context, userIDs []int) error {
	if len(userIDs) == 0 {
		return nil
	}
	pipe := p.client.Pipeline()
	for _, id := range userIDs {
		pipe.HDel(ctx, presenceKey(id), p.instance)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	p.log.Info("presence released", zap.String("instance", p.instance), zap.Int("users", len(userIDs)))
	return nil
}

func sumCounts(vals []string) int64 {
	var total int64
	for _, v := range vals {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		total += n
	}
	return total
}
