package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"messenger-service/internal/logger"
	"messenger-service/internal/models"
	"messenger-service/internal/observability"
	"messenger-service/internal/repositories"
)

const maxEmojiBytes = 32

// Broadcaster orders and delivers chat events.
type Broadcaster interface {
	Broadcast(ctx context.Context, chatID int, evt models.Event, excl models.Exclusion) error
	Ephemeral(ctx context.Context, chatID int, evt models.Event, excl models.Exclusion) error
	Commit(ctx context.Context, chatID int, excl models.Exclusion, persist func(context.Context) (models.Event, error)) error
}

// OfflineNotifier is told about every new message so members without a live
// connection can be reached out of band. It must not block.
type OfflineNotifier interface {
	NotifyOffline(ctx context.Context, msg models.Message)
}

// Caller identifies who issued an action and over which connection.
// ConnID is empty for actions issued over HTTP.
type Caller struct {
	UserID      int
	DisplayName string
	ConnID      string
}

type Options struct {
	MaxMessageLength int
}

// ReactionResult is the outcome of a reaction toggle.
type ReactionResult struct {
	Added     bool                   `json:"added"`
	Reactions []models.ReactionTally `json:"reactions"`
}

// Dispatcher validates client actions, persists their effects and hands the
// resulting events to the router.
type Dispatcher struct {
	chats     repositories.ChatRepository
	messages  repositories.MessageRepository
	reactions repositories.ReactionRepository
	router    Broadcaster
	offline   OfflineNotifier
	opts      Options
	tracer    trace.Tracer
	log       *zap.Logger
}

func New(
	chats repositories.ChatRepository,
	messages repositories.MessageRepository,
	reactions repositories.ReactionRepository,
	router Broadcaster,
	offline OfflineNotifier,
	opts Options,
	log *zap.Logger,
) *Dispatcher {
	if opts.MaxMessageLength <= 0 {
		opts.MaxMessageLength = 4096
	}
	return &Dispatcher{
		chats:     chats,
		messages:  messages,
		reactions: reactions,
		router:    router,
		offline:   offline,
		opts:      opts,
		tracer:    otel.Tracer("messenger-service/dispatcher"),
		log:       logger.OrNop(log),
	}
}

// Handle decodes an inbound websocket frame and runs the named action.
func (d *Dispatcher) Handle(ctx context.Context, caller Caller, in models.InboundAction) error {
	start := time.Now()
	err := d.handle(ctx, caller, in)

	outcome := "ok"
	if err != nil {
		outcome = string(KindOf(err))
		if outcome == string(KindPersistence) {
			d.log.Error("action failed",
				zap.String("action", in.Action),
				zap.Int("user_id", caller.UserID),
				zap.String("conn_id", caller.ConnID),
				zap.Error(err),
			)
		}
	}
	observability.ObserveAction(actionLabel(in.Action), outcome, time.Since(start))
	return err
}

func actionLabel(action string) string {
	switch action {
	case models.ActionSendMessage, models.ActionTyping, models.ActionMarkRead,
		models.ActionEditMessage, models.ActionDeleteMessage, models.ActionToggleReaction:
		return action
	}
	return "unknown"
}

func (d *Dispatcher) handle(ctx context.Context, caller Caller, in models.InboundAction) error {
	switch in.Action {
	case models.ActionSendMessage:
		var p models.SendMessagePayload
		if err := decode(in.Data, &p); err != nil {
			return err
		}
		_, err := d.SendMessage(ctx, caller, p)
		return err
	case models.ActionTyping:
		var p models.TypingPayload
		if err := decode(in.Data, &p); err != nil {
			return err
		}
		return d.Typing(ctx, caller, p)
	case models.ActionMarkRead:
		var p models.MarkReadPayload
		if err := decode(in.Data, &p); err != nil {
			return err
		}
		_, err := d.MarkRead(ctx, caller, p)
		return err
	case models.ActionEditMessage:
		var p models.EditMessagePayload
		if err := decode(in.Data, &p); err != nil {
			return err
		}
		_, err := d.EditMessage(ctx, caller, p)
		return err
	case models.ActionDeleteMessage:
		var p models.DeleteMessagePayload
		if err := decode(in.Data, &p); err != nil {
			return err
		}
		_, err := d.DeleteMessage(ctx, caller, p)
		return err
	case models.ActionToggleReaction:
		var p models.ToggleReactionPayload
		if err := decode(in.Data, &p); err != nil {
			return err
		}
		_, err := d.ToggleReaction(ctx, caller, p)
		return err
	default:
		return validationFailure("unknown action")
	}
}

func decode(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return validationFailure("missing payload")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return validationFailure("malformed payload")
	}
	return nil
}

// SendMessage stores a new message and delivers it to every member's
// connections, the sender's included.
func (d *Dispatcher) SendMessage(ctx context.Context, caller Caller, in models.SendMessagePayload) (models.Message, error) {
	ctx, span := d.startSpan(ctx, models.ActionSendMessage, caller, attribute.Int("chat_id", in.ChatID))
	defer span.End()

	msgType := in.Type
	if msgType == "" {
		msgType = models.MessageTypeText
	}
	if in.ChatID <= 0 {
		return models.Message{}, fail(span, validationFailure("chat_id is required"))
	}
	if !models.IsValidMessageType(msgType) {
		return models.Message{}, fail(span, validationFailure("unsupported message type"))
	}
	hasFile := in.FileURL != nil && strings.TrimSpace(*in.FileURL) != ""
	if msgType == models.MessageTypeText && strings.TrimSpace(in.Content) == "" {
		return models.Message{}, fail(span, validationFailure("message content is empty"))
	}
	if msgType != models.MessageTypeText && !hasFile {
		return models.Message{}, fail(span, validationFailure("file_url is required for "+msgType+" messages"))
	}
	if utf8.RuneCountInString(in.Content) > d.opts.MaxMessageLength {
		return models.Message{}, fail(span, validationFailure("message content is too long"))
	}
	if !hasFile {
		in.FileURL = nil
	}

	if err := d.requireMember(ctx, in.ChatID, caller.UserID); err != nil {
		return models.Message{}, fail(span, err)
	}

	if in.ReplyToID != nil {
		target, err := d.messages.GetMessage(ctx, *in.ReplyToID)
		if errors.Is(err, repositories.ErrMessageNotFound) || (err == nil && target.ChatID != in.ChatID) {
			return models.Message{}, fail(span, validationFailure("reply must reference a message in the same chat"))
		}
		if err != nil {
			return models.Message{}, fail(span, persistenceFailure(err))
		}
	}

	var created models.Message
	err := d.router.Commit(ctx, in.ChatID, models.Exclusion{}, func(ctx context.Context) (models.Event, error) {
		msg, err := d.messages.CreateMessage(ctx, models.NewMessage{
			ChatID:    in.ChatID,
			UserID:    caller.UserID,
			Type:      msgType,
			Content:   in.Content,
			FileURL:   in.FileURL,
			ReplyToID: in.ReplyToID,
		})
		if err != nil {
			return models.Event{}, err
		}
		created = msg
		return models.Event{
			Type: models.EventNewMessage,
			Data: models.MessageEvent{ChatID: in.ChatID, Message: msg},
		}, nil
	})
	if err != nil {
		return models.Message{}, fail(span, persistenceFailure(err))
	}

	if d.offline != nil {
		d.offline.NotifyOffline(ctx, created)
	}
	span.SetAttributes(attribute.Int("message_id", created.ID))
	return created, nil
}

// Typing relays a typing indicator to the chat's other members. Nothing is stored.
func (d *Dispatcher) Typing(ctx context.Context, caller Caller, in models.TypingPayload) error {
	if in.ChatID <= 0 {
		return validationFailure("chat_id is required")
	}
	if err := d.requireMember(ctx, in.ChatID, caller.UserID); err != nil {
		return err
	}

	evt := models.Event{
		Type: models.EventUserTyping,
		Data: models.TypingEvent{
			ChatID:      in.ChatID,
			UserID:      caller.UserID,
			DisplayName: caller.DisplayName,
			IsTyping:    in.IsTyping,
		},
	}
	if err := d.router.Ephemeral(ctx, in.ChatID, evt, models.Exclusion{UserID: caller.UserID}); err != nil {
		d.log.Debug("typing broadcast dropped", zap.Int("chat_id", in.ChatID), zap.Error(err))
	}
	return nil
}

// MarkRead advances the caller's read watermark and returns the resulting
// watermark. Stale or repeated marks are accepted but change nothing.
func (d *Dispatcher) MarkRead(ctx context.Context, caller Caller, in models.MarkReadPayload) (int, error) {
	ctx, span := d.startSpan(ctx, models.ActionMarkRead, caller, attribute.Int("chat_id", in.ChatID))
	defer span.End()

	if in.ChatID <= 0 || in.MessageID <= 0 {
		return 0, fail(span, validationFailure("chat_id and message_id are required"))
	}

	var watermark int
	err := d.router.Commit(ctx, in.ChatID, models.Exclusion{UserID: caller.UserID}, func(ctx context.Context) (models.Event, error) {
		current, advanced, err := d.chats.AdvanceReadWatermark(ctx, in.ChatID, caller.UserID, in.MessageID)
		if err != nil {
			return models.Event{}, err
		}
		watermark = current
		if !advanced {
			return models.Event{}, nil
		}
		return models.Event{
			Type: models.EventMessagesRead,
			Data: models.MessagesReadEvent{ChatID: in.ChatID, UserID: caller.UserID, MessageID: current},
		}, nil
	})
	if errors.Is(err, repositories.ErrNotMember) {
		return 0, fail(span, authorizationFailure("not a member of this chat"))
	}
	if errors.Is(err, repositories.ErrForeignMessage) {
		return 0, fail(span, validationFailure("message does not belong to this chat"))
	}
	if err != nil {
		return 0, fail(span, persistenceFailure(err))
	}
	return watermark, nil
}

// EditMessage replaces the content of the caller's own message.
func (d *Dispatcher) EditMessage(ctx context.Context, caller Caller, in models.EditMessagePayload) (models.Message, error) {
	ctx, span := d.startSpan(ctx, models.ActionEditMessage, caller, attribute.Int("message_id", in.MessageID))
	defer span.End()

	if strings.TrimSpace(in.Content) == "" {
		return models.Message{}, fail(span, validationFailure("message content is empty"))
	}
	if utf8.RuneCountInString(in.Content) > d.opts.MaxMessageLength {
		return models.Message{}, fail(span, validationFailure("message content is too long"))
	}

	original, err := d.ownMessage(ctx, caller, in.MessageID)
	if err != nil {
		return models.Message{}, fail(span, err)
	}
	if original.IsDeleted {
		return models.Message{}, fail(span, validationFailure("deleted messages cannot be edited"))
	}

	var edited models.Message
	err = d.router.Commit(ctx, original.ChatID, models.Exclusion{}, func(ctx context.Context) (models.Event, error) {
		msg, err := d.messages.UpdateContent(ctx, in.MessageID, caller.UserID, in.Content)
		if err != nil {
			return models.Event{}, err
		}
		tallies, err := d.reactions.TalliesFor(ctx, []int{msg.ID})
		if err != nil {
			return models.Event{}, err
		}
		msg.Reactions = tallies[msg.ID]
		if msg.Reactions == nil {
			msg.Reactions = []models.ReactionTally{}
		}
		edited = msg
		return models.Event{
			Type: models.EventMessageEdited,
			Data: models.MessageEvent{ChatID: msg.ChatID, Message: msg},
		}, nil
	})
	if errors.Is(err, repositories.ErrMessageNotFound) {
		return models.Message{}, fail(span, validationFailure("message can no longer be edited"))
	}
	if err != nil {
		return models.Message{}, fail(span, persistenceFailure(err))
	}
	return edited, nil
}

// DeleteMessage tombstones the caller's own message. The row and its id stay.
func (d *Dispatcher) DeleteMessage(ctx context.Context, caller Caller, in models.DeleteMessagePayload) (models.Message, error) {
	ctx, span := d.startSpan(ctx, models.ActionDeleteMessage, caller, attribute.Int("message_id", in.MessageID))
	defer span.End()

	original, err := d.ownMessage(ctx, caller, in.MessageID)
	if err != nil {
		return models.Message{}, fail(span, err)
	}
	if original.IsDeleted {
		return original, nil
	}

	var deleted models.Message
	err = d.router.Commit(ctx, original.ChatID, models.Exclusion{}, func(ctx context.Context) (models.Event, error) {
		msg, err := d.messages.SoftDelete(ctx, in.MessageID, caller.UserID)
		if err != nil {
			return models.Event{}, err
		}
		deleted = msg
		return models.Event{
			Type: models.EventMessageDeleted,
			Data: models.MessageDeletedEvent{ChatID: msg.ChatID, MessageID: msg.ID},
		}, nil
	})
	if errors.Is(err, repositories.ErrMessageNotFound) {
		return models.Message{}, fail(span, notFound("message not found"))
	}
	if err != nil {
		return models.Message{}, fail(span, persistenceFailure(err))
	}
	return deleted, nil
}

// ToggleReaction adds the caller's emoji reaction, or removes it if present.
func (d *Dispatcher) ToggleReaction(ctx context.Context, caller Caller, in models.ToggleReactionPayload) (ReactionResult, error) {
	ctx, span := d.startSpan(ctx, models.ActionToggleReaction, caller, attribute.Int("message_id", in.MessageID))
	defer span.End()

	emoji := strings.TrimSpace(in.Emoji)
	if emoji == "" {
		return ReactionResult{}, fail(span, validationFailure("emoji is required"))
	}
	if len(emoji) > maxEmojiBytes {
		return ReactionResult{}, fail(span, validationFailure("emoji is too long"))
	}

	msg, err := d.messages.GetMessage(ctx, in.MessageID)
	if errors.Is(err, repositories.ErrMessageNotFound) {
		return ReactionResult{}, fail(span, notFound("message not found"))
	}
	if err != nil {
		return ReactionResult{}, fail(span, persistenceFailure(err))
	}
	if err := d.requireMember(ctx, msg.ChatID, caller.UserID); err != nil {
		return ReactionResult{}, fail(span, err)
	}

	var result ReactionResult
	err = d.router.Commit(ctx, msg.ChatID, models.Exclusion{}, func(ctx context.Context) (models.Event, error) {
		added, tallies, err := d.reactions.Toggle(ctx, msg.ID, caller.UserID, emoji)
		if err != nil {
			return models.Event{}, err
		}
		result = ReactionResult{Added: added, Reactions: tallies}
		return models.Event{
			Type: models.EventReactionsUpdated,
			Data: models.ReactionsUpdatedEvent{ChatID: msg.ChatID, MessageID: msg.ID, Reactions: tallies},
		}, nil
	})
	if errors.Is(err, repositories.ErrMessageNotFound) {
		return ReactionResult{}, fail(span, notFound("message not found"))
	}
	if err != nil {
		return ReactionResult{}, fail(span, persistenceFailure(err))
	}
	return result, nil
}

func (d *Dispatcher) requireMember(ctx context.Context, chatID, userID int) error {
	ok, err := d.chats.IsMember(ctx, chatID, userID)
	if err != nil {
		return persistenceFailure(err)
	}
	if !ok {
		return authorizationFailure("not a member of this chat")
	}
	return nil
}

// ownMessage loads a message and checks that the caller wrote it.
func (d *Dispatcher) ownMessage(ctx context.Context, caller Caller, messageID int) (models.Message, error) {
	if messageID <= 0 {
		return models.Message{}, validationFailure("message_id is required")
	}
	msg, err := d.messages.GetMessage(ctx, messageID)
	if errors.Is(err, repositories.ErrMessageNotFound) {
		return models.Message{}, notFound("message not found")
	}
	if err != nil {
		return models.Message{}, persistenceFailure(err)
	}
	if msg.UserID != caller.UserID {
		return models.Message{}, authorizationFailure("only the author can change this message")
	}
	return msg, nil
}

func (d *Dispatcher) startSpan(ctx context.Context, action string, caller Caller, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.Int("user_id", caller.UserID))
	if caller.ConnID != "" {
		attrs = append(attrs, attribute.String("conn_id", caller.ConnID))
	}
	return d.tracer.Start(ctx, "dispatch."+action, trace.WithAttributes(attrs...))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, string(KindOf(err)))
	return err
}
