package ws

import (
	"context"

	"go.uber.org/zap"

	"messenger-service/internal/logger"
	"messenger-service/internal/models"
)

// MembershipSource resolves the members of a chat at delivery time.
type MembershipSource interface {
	MemberIDs(ctx context.Context, chatID int) ([]int, error)
}

// Router fans chat events out to every live connection of every member.
// Events for one chat leave the router in the order their writes committed.
type Router struct {
	members MembershipSource
	fanout  Fanout
	chats   *keyedMutex
	log     *zap.Logger
}

func NewRouter(members MembershipSource, fanout Fanout, log *zap.Logger) *Router {
	return &Router{
		members: members,
		fanout:  fanout,
		chats:   newKeyedMutex(),
		log:     logger.OrNop(log),
	}
}

// Broadcast sends evt to the chat's current members, minus excl.
func (r *Router) Broadcast(ctx context.Context, chatID int, evt models.Event, excl models.Exclusion) error {
	unlock := r.chats.Lock(chatID)
	defer unlock()
	return r.deliver(ctx, chatID, evt, excl)
}

// Ephemeral sends evt without taking the chat's ordering lock. For events that
// are never stored and need no ordering against committed writes, like typing.
func (r *Router) Ephemeral(ctx context.Context, chatID int, evt models.Event, excl models.Exclusion) error {
	return r.deliver(ctx, chatID, evt, excl)
}

// Commit runs persist while holding the chat's ordering lock, then broadcasts
// the event it returns before releasing the lock. A persist error aborts
// without broadcasting. An event with an empty Type commits silently.
func (r *Router) Commit(ctx context.Context, chatID int, excl models.Exclusion, persist func(context.Context) (models.Event, error)) error {
	unlock := r.chats.Lock(chatID)
	defer unlock()

	evt, err := persist(ctx)
	if err != nil {
		return err
	}
	if evt.Type == "" {
		return nil
	}
	if err := r.deliver(ctx, chatID, evt, excl); err != nil {
		// The write is durable; clients recover the gap through history.
		r.log.Warn("broadcast after commit failed",
			zap.Int("chat_id", chatID),
			zap.String("event", evt.Type),
			zap.Error(err),
		)
	}
	return nil
}

// DeliverToUsers sends evt to every live connection of the given users.
func (r *Router) DeliverToUsers(ctx context.Context, userIDs []int, evt models.Event) error {
	payload, err := evt.Encode()
	if err != nil {
		return err
	}
	r.fanout.Fanout(ctx, Delivery{UserIDs: userIDs, Payload: payload})
	return nil
}

func (r *Router) deliver(ctx context.Context, chatID int, evt models.Event, excl models.Exclusion) error {
	members, err := r.members.MemberIDs(ctx, chatID)
	if err != nil {
		return err
	}
	payload, err := evt.Encode()
	if err != nil {
		return err
	}
	r.fanout.Fanout(ctx, Delivery{
		UserIDs:       members,
		ExcludeUserID: excl.UserID,
		ExcludeConnID: excl.ConnID,
		Payload:       payload,
	})
	return nil
}
