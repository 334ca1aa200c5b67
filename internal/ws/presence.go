package ws

import (
	"context"
	"time"

	"go.uber.org/zap"

	"messenger-service/internal/logger"
	"messenger-service/internal/models"
	"messenger-service/internal/observability"
)

type PresenceStore interface {
	SetPresence(ctx context.Context, userID int, online bool, at time.Time) error
}

type ContactSource interface {
	ContactIDs(ctx context.Context, userID int) ([]int, error)
}

type UserDeliverer interface {
	DeliverToUsers(ctx context.Context, userIDs []int, evt models.Event) error
}

// Tracker persists online/offline transitions and tells the user's contacts.
// Transitions follow the user's connection count: the local one, or the
// count shared by every instance once WithSharedCounter is set.
type Tracker struct {
	registry *Registry
	store    PresenceStore
	contacts ContactSource
	deliver  UserDeliverer
	users    *keyedMutex
	local    *connCounter
	shared   ConnCounter
	now      func() time.Time
	log      *zap.Logger
}

func NewTracker(registry *Registry, store PresenceStore, contacts ContactSource, deliver UserDeliverer, log *zap.Logger) *Tracker {
	return &Tracker{
		registry: registry,
		store:    store,
		contacts: contacts,
		deliver:  deliver,
		users:    newKeyedMutex(),
		local:    newConnCounter(),
		now:      time.Now,
		log:      logger.OrNop(log),
	}
}

// WithSharedCounter makes transitions follow a count shared across instances.
func (t *Tracker) WithSharedCounter(c ConnCounter) *Tracker {
	t.shared = c
	return t
}

// Connected records one newly registered connection of the user.
func (t *Tracker) Connected(ctx context.Context, userID int) {
	t.track(ctx, userID, 1)
}

// Disconnected records one closed connection of the user.
func (t *Tracker) Disconnected(ctx context.Context, userID int) {
	t.track(ctx, userID, -1)
}

// Release gives back this instance's share of the shared count. Called on shutdown.
func (t *Tracker) Release(ctx context.Context) error {
	r, ok := t.shared.(interface {
		Release(ctx context.Context, userIDs []int) error
	})
	if !ok {
		return nil
	}
	return r.Release(ctx, t.local.users())
}

func (t *Tracker) track(ctx context.Context, userID int, delta int64) {
	unlock := t.users.Lock(userID)
	defer unlock()

	observability.SetOnlineUsers(t.registry.OnlineUsers())

	n, _ := t.local.Add(ctx, userID, delta)
	if t.shared != nil {
		total, err := t.shared.Add(ctx, userID, delta)
		if err != nil {
			t.log.Warn("shared presence count failed, using local count", zap.Int("user_id", userID), zap.Error(err))
			observability.IncRelayError("presence")
		} else {
			n = total
		}
	}

	online := delta > 0
	if online && n != 1 {
		return
	}
	if !online && n > 0 {
		return
	}
	if t.superseded(ctx, userID, online) {
		return
	}
	t.apply(ctx, userID, online)
}

// superseded reports whether another instance already moved the shared count
// past this transition.
func (t *Tracker) superseded(ctx context.Context, userID int, online bool) bool {
	if t.shared == nil {
		return false
	}
	n, err := t.shared.Count(ctx, userID)
	if err != nil {
		return false
	}
	return (n > 0) != online
}

func (t *Tracker) apply(ctx context.Context, userID int, online bool) {
	at := t.now().UTC()
	if err := t.store.SetPresence(ctx, userID, online, at); err != nil {
		t.log.Warn("presence persist failed", zap.Int("user_id", userID), zap.Bool("online", online), zap.Error(err))
	}

	contacts, err := t.contacts.ContactIDs(ctx, userID)
	if err != nil {
		t.log.Warn("presence contacts lookup failed", zap.Int("user_id", userID), zap.Error(err))
		return
	}
	if len(contacts) == 0 {
		return
	}

	evt := models.Event{
		Type: models.EventUserStatus,
		Data: models.UserStatusEvent{UserID: userID, IsOnline: online, LastSeen: at},
	}
	if err := t.deliver.DeliverToUsers(ctx, contacts, evt); err != nil {
		t.log.Warn("presence notify failed", zap.Int("user_id", userID), zap.Error(err))
	}
}
