package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"messenger-service/internal/mocks"
	"messenger-service/internal/models"
	"messenger-service/internal/repositories"
)

type sentEvent struct {
	chatID    int
	evt       models.Event
	excl      models.Exclusion
	ephemeral bool
}

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []sentEvent
}

func (b *recordingBroadcaster) Broadcast(ctx context.Context, chatID int, evt models.Event, excl models.Exclusion) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, sentEvent{chatID: chatID, evt: evt, excl: excl})
	return nil
}

func (b *recordingBroadcaster) Ephemeral(ctx context.Context, chatID int, evt models.Event, excl models.Exclusion) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, sentEvent{chatID: chatID, evt: evt, excl: excl, ephemeral: true})
	return nil
}

func (b *recordingBroadcaster) Commit(ctx context.Context, chatID int, excl models.Exclusion, persist func(context.Context) (models.Event, error)) error {
	evt, err := persist(ctx)
	if err != nil {
		return err
	}
	if evt.Type == "" {
		return nil
	}
	return b.Broadcast(ctx, chatID, evt, excl)
}

func (b *recordingBroadcaster) sent() []sentEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]sentEvent(nil), b.events...)
}

type offlineRecorder struct {
	msgs []models.Message
}

func (o *offlineRecorder) NotifyOffline(ctx context.Context, msg models.Message) {
	o.msgs = append(o.msgs, msg)
}

type fixture struct {
	chats     *mocks.ChatRepositoryMock
	messages  *mocks.MessageRepositoryMock
	reactions *mocks.ReactionRepositoryMock
	router    *recordingBroadcaster
	offline   *offlineRecorder
	d         *Dispatcher
}

func newFixture() *fixture {
	f := &fixture{
		chats:     new(mocks.ChatRepositoryMock),
		messages:  new(mocks.MessageRepositoryMock),
		reactions: new(mocks.ReactionRepositoryMock),
		router:    &recordingBroadcaster{},
		offline:   &offlineRecorder{},
	}
	f.d = New(f.chats, f.messages, f.reactions, f.router, f.offline, Options{MaxMessageLength: 10}, nil)
	return f
}

func (f *fixture) assertExpectations(t *testing.T) {
	f.chats.AssertExpectations(t)
	f.messages.AssertExpectations(t)
	f.reactions.AssertExpectations(t)
}

var alice = Caller{UserID: 1, DisplayName: "Alice", ConnID: "a1"}

func requireKind(t *testing.T, err error, kind Kind) {
	t.Helper()
	require.Error(t, err)
	var ae *ActionError
	require.True(t, errors.As(err, &ae), "expected *ActionError, got %T", err)
	assert.Equal(t, kind, ae.Kind)
}

func TestSendMessageBroadcastsToChat(t *testing.T) {
	f := newFixture()
	f.chats.On("IsMember", mock.Anything, 7, 1).Return(true, nil).Once()
	f.messages.On("CreateMessage", mock.Anything, models.NewMessage{ChatID: 7, UserID: 1, Type: "text", Content: "hi"}).
		Return(models.Message{ID: 100, ChatID: 7, UserID: 1, Type: "text", Content: "hi", Reactions: []models.ReactionTally{}}, nil).Once()

	msg, err := f.d.SendMessage(context.Background(), alice, models.SendMessagePayload{ChatID: 7, Content: "hi"})
	require.NoError(t, err)
	assert.Equal(t, 100, msg.ID)

	sent := f.router.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, 7, sent[0].chatID)
	assert.Equal(t, models.EventNewMessage, sent[0].evt.Type)
	assert.Equal(t, models.Exclusion{}, sent[0].excl)
	require.Len(t, f.offline.msgs, 1)
	assert.Equal(t, 100, f.offline.msgs[0].ID)
	f.assertExpectations(t)
}

func TestSendMessageNonMemberRejected(t *testing.T) {
	f := newFixture()
	f.chats.On("IsMember", mock.Anything, 7, 1).Return(false, nil).Once()

	_, err := f.d.SendMessage(context.Background(), alice, models.SendMessagePayload{ChatID: 7, Content: "hi"})
	requireKind(t, err, KindAuthorization)

	assert.Empty(t, f.router.sent())
	assert.Empty(t, f.offline.msgs)
	f.messages.AssertNotCalled(t, "CreateMessage", mock.Anything, mock.Anything)
	f.assertExpectations(t)
}

func TestSendMessageValidation(t *testing.T) {
	url := "https://cdn/x.png"
	blank := "  "
	cases := []struct {
		name string
		in   models.SendMessagePayload
	}{
		{"missing chat", models.SendMessagePayload{Content: "hi"}},
		{"empty text", models.SendMessagePayload{ChatID: 7, Content: "   "}},
		{"bad type", models.SendMessagePayload{ChatID: 7, Content: "hi", Type: "video"}},
		{"image without file", models.SendMessagePayload{ChatID: 7, Type: "image"}},
		{"image with blank file", models.SendMessagePayload{ChatID: 7, Type: "image", FileURL: &blank}},
		{"too long", models.SendMessagePayload{ChatID: 7, Content: "12345678901"}},
		{"too long image caption", models.SendMessagePayload{ChatID: 7, Type: "image", FileURL: &url, Content: "12345678901"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture()
			_, err := f.d.SendMessage(context.Background(), alice, tc.in)
			requireKind(t, err, KindValidation)
			assert.Empty(t, f.router.sent())
			f.chats.AssertNotCalled(t, "IsMember", mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestSendImageWithoutCaption(t *testing.T) {
	f := newFixture()
	url := "https://cdn/x.png"
	f.chats.On("IsMember", mock.Anything, 7, 1).Return(true, nil).Once()
	f.messages.On("CreateMessage", mock.Anything, models.NewMessage{ChatID: 7, UserID: 1, Type: "image", FileURL: &url}).
		Return(models.Message{ID: 5, ChatID: 7, Type: "image", FileURL: &url}, nil).Once()

	_, err := f.d.SendMessage(context.Background(), alice, models.SendMessagePayload{ChatID: 7, Type: "image", FileURL: &url})
	require.NoError(t, err)
	f.assertExpectations(t)
}

func TestSendMessageReplyMustBeInSameChat(t *testing.T) {
	f := newFixture()
	replyTo := 55
	f.chats.On("IsMember", mock.Anything, 7, 1).Return(true, nil).Once()
	f.messages.On("GetMessage", mock.Anything, 55).Return(models.Message{ID: 55, ChatID: 8}, nil).Once()

	_, err := f.d.SendMessage(context.Background(), alice, models.SendMessagePayload{ChatID: 7, Content: "re", ReplyToID: &replyTo})
	requireKind(t, err, KindValidation)
	assert.Empty(t, f.router.sent())
	f.assertExpectations(t)
}

func TestSendMessagePersistenceFailureNotBroadcast(t *testing.T) {
	f := newFixture()
	f.chats.On("IsMember", mock.Anything, 7, 1).Return(true, nil).Once()
	f.messages.On("CreateMessage", mock.Anything, mock.Anything).Return(nil, errors.New("db down")).Once()

	_, err := f.d.SendMessage(context.Background(), alice, models.SendMessagePayload{ChatID: 7, Content: "hi"})
	requireKind(t, err, KindPersistence)
	assert.Empty(t, f.router.sent())
	assert.Empty(t, f.offline.msgs)

	evt := ErrorEvent(models.InboundAction{Action: "send_message", RequestID: "r1"}, err)
	data := evt.Data.(models.ErrorEvent)
	assert.Equal(t, "persistence_failure", data.Kind)
	assert.NotContains(t, data.Message, "db down")
	f.assertExpectations(t)
}

func TestTypingExcludesSender(t *testing.T) {
	f := newFixture()
	f.chats.On("IsMember", mock.Anything, 7, 1).Return(true, nil).Once()

	require.NoError(t, f.d.Typing(context.Background(), alice, models.TypingPayload{ChatID: 7, IsTyping: true}))

	sent := f.router.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, models.EventUserTyping, sent[0].evt.Type)
	assert.True(t, sent[0].ephemeral)
	assert.Equal(t, 1, sent[0].excl.UserID)
	data := sent[0].evt.Data.(models.TypingEvent)
	assert.Equal(t, "Alice", data.DisplayName)
	assert.True(t, data.IsTyping)
	f.assertExpectations(t)
}

func TestTypingNonMemberRejected(t *testing.T) {
	f := newFixture()
	f.chats.On("IsMember", mock.Anything, 7, 1).Return(false, nil).Once()

	requireKind(t, f.d.Typing(context.Background(), alice, models.TypingPayload{ChatID: 7}), KindAuthorization)
	assert.Empty(t, f.router.sent())
}

func TestMarkReadIsMonotonic(t *testing.T) {
	f := newFixture()
	f.chats.On("AdvanceReadWatermark", mock.Anything, 7, 1, 5).Return(5, true, nil).Once()
	f.chats.On("AdvanceReadWatermark", mock.Anything, 7, 1, 3).Return(5, false, nil).Once()

	wm, err := f.d.MarkRead(context.Background(), alice, models.MarkReadPayload{ChatID: 7, MessageID: 5})
	require.NoError(t, err)
	assert.Equal(t, 5, wm)

	wm, err = f.d.MarkRead(context.Background(), alice, models.MarkReadPayload{ChatID: 7, MessageID: 3})
	require.NoError(t, err)
	assert.Equal(t, 5, wm)

	sent := f.router.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, models.EventMessagesRead, sent[0].evt.Type)
	assert.Equal(t, models.MessagesReadEvent{ChatID: 7, UserID: 1, MessageID: 5}, sent[0].evt.Data)
	assert.Equal(t, 1, sent[0].excl.UserID)
	f.assertExpectations(t)
}

func TestMarkReadNonMember(t *testing.T) {
	f := newFixture()
	f.chats.On("AdvanceReadWatermark", mock.Anything, 7, 1, 5).Return(0, false, repositories.ErrNotMember).Once()

	_, err := f.d.MarkRead(context.Background(), alice, models.MarkReadPayload{ChatID: 7, MessageID: 5})
	requireKind(t, err, KindAuthorization)
	assert.Empty(t, f.router.sent())
}

func TestMarkReadRejectsMessageOutsideChat(t *testing.T) {
	f := newFixture()
	f.chats.On("AdvanceReadWatermark", mock.Anything, 7, 1, 999999).Return(4, false, repositories.ErrForeignMessage).Once()

	wm, err := f.d.MarkRead(context.Background(), alice, models.MarkReadPayload{ChatID: 7, MessageID: 999999})
	requireKind(t, err, KindValidation)
	assert.Zero(t, wm)
	assert.Empty(t, f.router.sent())
	f.assertExpectations(t)
}

func TestEditMessageByNonAuthorRejected(t *testing.T) {
	f := newFixture()
	f.messages.On("GetMessage", mock.Anything, 100).Return(models.Message{ID: 100, ChatID: 7, UserID: 2, Content: "orig"}, nil).Once()

	_, err := f.d.EditMessage(context.Background(), alice, models.EditMessagePayload{MessageID: 100, Content: "new"})
	requireKind(t, err, KindAuthorization)
	assert.Empty(t, f.router.sent())
	f.messages.AssertNotCalled(t, "UpdateContent", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestEditMessageBroadcastsWithReactions(t *testing.T) {
	f := newFixture()
	tallies := []models.ReactionTally{{Emoji: "👍", Count: 1, Users: []int{2}}}
	f.messages.On("GetMessage", mock.Anything, 100).Return(models.Message{ID: 100, ChatID: 7, UserID: 1, Content: "orig"}, nil).Once()
	f.messages.On("UpdateContent", mock.Anything, 100, 1, "new").Return(models.Message{ID: 100, ChatID: 7, UserID: 1, Content: "new", IsEdited: true}, nil).Once()
	f.reactions.On("TalliesFor", mock.Anything, []int{100}).Return(map[int][]models.ReactionTally{100: tallies}, nil).Once()

	msg, err := f.d.EditMessage(context.Background(), alice, models.EditMessagePayload{MessageID: 100, Content: "new"})
	require.NoError(t, err)
	assert.True(t, msg.IsEdited)
	assert.Equal(t, tallies, msg.Reactions)

	sent := f.router.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, models.EventMessageEdited, sent[0].evt.Type)
	f.assertExpectations(t)
}

func TestEditDeletedMessageRejected(t *testing.T) {
	f := newFixture()
	f.messages.On("GetMessage", mock.Anything, 100).Return(models.Message{ID: 100, ChatID: 7, UserID: 1, IsDeleted: true}, nil).Once()

	_, err := f.d.EditMessage(context.Background(), alice, models.EditMessagePayload{MessageID: 100, Content: "new"})
	requireKind(t, err, KindValidation)
}

func TestEditMissingMessage(t *testing.T) {
	f := newFixture()
	f.messages.On("GetMessage", mock.Anything, 100).Return(nil, repositories.ErrMessageNotFound).Once()

	_, err := f.d.EditMessage(context.Background(), alice, models.EditMessagePayload{MessageID: 100, Content: "new"})
	requireKind(t, err, KindNotFound)
}

func TestDeleteMessageKeepsID(t *testing.T) {
	f := newFixture()
	f.messages.On("GetMessage", mock.Anything, 100).Return(models.Message{ID: 100, ChatID: 7, UserID: 1, Content: "hi"}, nil).Once()
	f.messages.On("SoftDelete", mock.Anything, 100, 1).
		Return(models.Message{ID: 100, ChatID: 7, UserID: 1, Content: models.DeletedMessageContent, IsDeleted: true}, nil).Once()

	msg, err := f.d.DeleteMessage(context.Background(), alice, models.DeleteMessagePayload{MessageID: 100})
	require.NoError(t, err)
	assert.Equal(t, 100, msg.ID)
	assert.True(t, msg.IsDeleted)
	assert.Equal(t, models.DeletedMessageContent, msg.Content)

	sent := f.router.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, models.MessageDeletedEvent{ChatID: 7, MessageID: 100}, sent[0].evt.Data)
	f.assertExpectations(t)
}

func TestDeleteAlreadyDeletedIsNoop(t *testing.T) {
	f := newFixture()
	f.messages.On("GetMessage", mock.Anything, 100).Return(models.Message{ID: 100, ChatID: 7, UserID: 1, IsDeleted: true}, nil).Once()

	_, err := f.d.DeleteMessage(context.Background(), alice, models.DeleteMessagePayload{MessageID: 100})
	require.NoError(t, err)
	assert.Empty(t, f.router.sent())
}

func TestDeleteByNonAuthorRejected(t *testing.T) {
	f := newFixture()
	f.messages.On("GetMessage", mock.Anything, 100).Return(models.Message{ID: 100, ChatID: 7, UserID: 2}, nil).Once()

	_, err := f.d.DeleteMessage(context.Background(), alice, models.DeleteMessagePayload{MessageID: 100})
	requireKind(t, err, KindAuthorization)
}

func TestToggleReactionTwiceRestoresState(t *testing.T) {
	f := newFixture()
	withThumb := []models.ReactionTally{{Emoji: "👍", Count: 1, Users: []int{1}}}
	f.messages.On("GetMessage", mock.Anything, 100).Return(models.Message{ID: 100, ChatID: 7, UserID: 2}, nil).Twice()
	f.chats.On("IsMember", mock.Anything, 7, 1).Return(true, nil).Twice()
	f.reactions.On("Toggle", mock.Anything, 100, 1, "👍").Return(true, withThumb, nil).Once()
	f.reactions.On("Toggle", mock.Anything, 100, 1, "👍").Return(false, []models.ReactionTally{}, nil).Once()

	first, err := f.d.ToggleReaction(context.Background(), alice, models.ToggleReactionPayload{MessageID: 100, Emoji: "👍"})
	require.NoError(t, err)
	assert.True(t, first.Added)
	assert.Equal(t, withThumb, first.Reactions)

	second, err := f.d.ToggleReaction(context.Background(), alice, models.ToggleReactionPayload{MessageID: 100, Emoji: " 👍 "})
	require.NoError(t, err)
	assert.False(t, second.Added)
	assert.Empty(t, second.Reactions)

	sent := f.router.sent()
	require.Len(t, sent, 2)
	for _, s := range sent {
		assert.Equal(t, models.EventReactionsUpdated, s.evt.Type)
	}
	f.assertExpectations(t)
}

func TestToggleReactionValidation(t *testing.T) {
	f := newFixture()
	_, err := f.d.ToggleReaction(context.Background(), alice, models.ToggleReactionPayload{MessageID: 100, Emoji: " "})
	requireKind(t, err, KindValidation)
}

func TestToggleReactionNonMember(t *testing.T) {
	f := newFixture()
	f.messages.On("GetMessage", mock.Anything, 100).Return(models.Message{ID: 100, ChatID: 7, UserID: 2}, nil).Once()
	f.chats.On("IsMember", mock.Anything, 7, 1).Return(false, nil).Once()

	_, err := f.d.ToggleReaction(context.Background(), alice, models.ToggleReactionPayload{MessageID: 100, Emoji: "👍"})
	requireKind(t, err, KindAuthorization)
	f.reactions.AssertNotCalled(t, "Toggle", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestHandleDecodesAndRoutes(t *testing.T) {
	f := newFixture()
	f.chats.On("IsMember", mock.Anything, 7, 1).Return(true, nil).Once()

	data, _ := json.Marshal(models.TypingPayload{ChatID: 7, IsTyping: true})
	err := f.d.Handle(context.Background(), alice, models.InboundAction{Action: models.ActionTyping, Data: data})
	require.NoError(t, err)
	assert.Len(t, f.router.sent(), 1)
}

func TestHandleRejectsBadFrames(t *testing.T) {
	f := newFixture()

	requireKind(t, f.d.Handle(context.Background(), alice, models.InboundAction{Action: "explode", Data: json.RawMessage(`{}`)}), KindValidation)
	requireKind(t, f.d.Handle(context.Background(), alice, models.InboundAction{Action: models.ActionSendMessage}), KindValidation)
	requireKind(t, f.d.Handle(context.Background(), alice, models.InboundAction{Action: models.ActionMarkRead, Data: json.RawMessage(`{"chat_id":"x"}`)}), KindValidation)
}

func TestErrorEventForUnclassifiedError(t *testing.T) {
	evt := ErrorEvent(models.InboundAction{Action: "typing", RequestID: "r9"}, errors.New("boom"))

	assert.Equal(t, models.EventError, evt.Type)
	data := evt.Data.(models.ErrorEvent)
	assert.Equal(t, "typing", data.Action)
	assert.Equal(t, "r9", data.RequestID)
	assert.Equal(t, string(KindPersistence), data.Kind)
}
