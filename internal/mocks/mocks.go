package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"messenger-service/internal/models"
	"messenger-service/internal/repositories"
)

type ChatRepositoryMock struct {
	mock.Mock
}

func (m *ChatRepositoryMock) CreatePrivateChat(ctx context.Context, userID int, targetID int) (models.Chat, error) {
	args := m.Called(ctx, userID, targetID)
	var chat models.Chat
	if val := args.Get(0); val != nil {
		chat = val.(models.Chat)
	}
	return chat, args.Error(1)
}

func (m *ChatRepositoryMock) CreateGroupChat(ctx context.Context, ownerID int, name string, memberIDs []int) (models.Chat, error) {
	args := m.Called(ctx, ownerID, name, memberIDs)
	var chat models.Chat
	if val := args.Get(0); val != nil {
		chat = val.(models.Chat)
	}
	return chat, args.Error(1)
}

func (m *ChatRepositoryMock) EnsureGroupChat(ctx context.Context, name string) (models.Chat, error) {
	args := m.Called(ctx, name)
	var chat models.Chat
	if val := args.Get(0); val != nil {
		chat = val.(models.Chat)
	}
	return chat, args.Error(1)
}

func (m *ChatRepositoryMock) AddMember(ctx context.Context, chatID int, userID int) error {
	args := m.Called(ctx, chatID, userID)
	return args.Error(0)
}

func (m *ChatRepositoryMock) GetChat(ctx context.Context, chatID int) (models.Chat, error) {
	args := m.Called(ctx, chatID)
	var chat models.Chat
	if val := args.Get(0); val != nil {
		chat = val.(models.Chat)
	}
	return chat, args.Error(1)
}

func (m *ChatRepositoryMock) IsMember(ctx context.Context, chatID int, userID int) (bool, error) {
	args := m.Called(ctx, chatID, userID)
	return args.Bool(0), args.Error(1)
}

func (m *ChatRepositoryMock) MemberIDs(ctx context.Context, chatID int) ([]int, error) {
	args := m.Called(ctx, chatID)
	return intsArg(args, 0), args.Error(1)
}

func (m *ChatRepositoryMock) ChatIDsForUser(ctx context.Context, userID int) ([]int, error) {
	args := m.Called(ctx, userID)
	return intsArg(args, 0), args.Error(1)
}

func (m *ChatRepositoryMock) ContactIDs(ctx context.Context, userID int) ([]int, error) {
	args := m.Called(ctx, userID)
	return intsArg(args, 0), args.Error(1)
}

func (m *ChatRepositoryMock) OfflineMemberIDs(ctx context.Context, chatID int, excludeUserID int) ([]int, error) {
	args := m.Called(ctx, chatID, excludeUserID)
	return intsArg(args, 0), args.Error(1)
}

func (m *ChatRepositoryMock) ListChatsForUser(ctx context.Context, userID int) ([]models.ChatSummary, error) {
	args := m.Called(ctx, userID)
	var list []models.ChatSummary
	if val := args.Get(0); val != nil {
		list = val.([]models.ChatSummary)
	}
	return list, args.Error(1)
}

func (m *ChatRepositoryMock) AdvanceReadWatermark(ctx context.Context, chatID int, userID int, messageID int) (int, bool, error) {
	args := m.Called(ctx, chatID, userID, messageID)
	return args.Int(0), args.Bool(1), args.Error(2)
}

type MessageRepositoryMock struct {
	mock.Mock
}

func (m *MessageRepositoryMock) CreateMessage(ctx context.Context, msg models.NewMessage) (models.Message, error) {
	args := m.Called(ctx, msg)
	return messageArg(args, 0), args.Error(1)
}

func (m *MessageRepositoryMock) GetMessage(ctx context.Context, messageID int) (models.Message, error) {
	args := m.Called(ctx, messageID)
	return messageArg(args, 0), args.Error(1)
}

func (m *MessageRepositoryMock) UpdateContent(ctx context.Context, messageID int, authorID int, content string) (models.Message, error) {
	args := m.Called(ctx, messageID, authorID, content)
	return messageArg(args, 0), args.Error(1)
}

func (m *MessageRepositoryMock) SoftDelete(ctx context.Context, messageID int, authorID int) (models.Message, error) {
	args := m.Called(ctx, messageID, authorID)
	return messageArg(args, 0), args.Error(1)
}

func (m *MessageRepositoryMock) ListMessages(ctx context.Context, chatID int, beforeID int, limit int) ([]models.Message, error) {
	args := m.Called(ctx, chatID, beforeID, limit)
	var msgs []models.Message
	if val := args.Get(0); val != nil {
		msgs = val.([]models.Message)
	}
	return msgs, args.Error(1)
}

type ReactionRepositoryMock struct {
	mock.Mock
}

func (m *ReactionRepositoryMock) Toggle(ctx context.Context, messageID int, userID int, emoji string) (bool, []models.ReactionTally, error) {
	args := m.Called(ctx, messageID, userID, emoji)
	var tallies []models.ReactionTally
	if val := args.Get(1); val != nil {
		tallies = val.([]models.ReactionTally)
	}
	return args.Bool(0), tallies, args.Error(2)
}

func (m *ReactionRepositoryMock) TalliesFor(ctx context.Context, messageIDs []int) (map[int][]models.ReactionTally, error) {
	args := m.Called(ctx, messageIDs)
	var out map[int][]models.ReactionTally
	if val := args.Get(0); val != nil {
		out = val.(map[int][]models.ReactionTally)
	}
	return out, args.Error(1)
}

type UserRepositoryMock struct {
	mock.Mock
}

func (m *UserRepositoryMock) CreateUser(ctx context.Context, username, passwordHash, displayName string) (models.User, error) {
	args := m.Called(ctx, username, passwordHash, displayName)
	return userArg(args, 0), args.Error(1)
}

func (m *UserRepositoryMock) GetByUsername(ctx context.Context, username string) (models.User, error) {
	args := m.Called(ctx, username)
	return userArg(args, 0), args.Error(1)
}

func (m *UserRepositoryMock) GetByID(ctx context.Context, userID int) (models.User, error) {
	args := m.Called(ctx, userID)
	return userArg(args, 0), args.Error(1)
}

func (m *UserRepositoryMock) ListUsers(ctx context.Context, excludeID int) ([]models.User, error) {
	args := m.Called(ctx, excludeID)
	var users []models.User
	if val := args.Get(0); val != nil {
		users = val.([]models.User)
	}
	return users, args.Error(1)
}

func (m *UserRepositoryMock) SetPresence(ctx context.Context, userID int, online bool, at time.Time) error {
	args := m.Called(ctx, userID, online, at)
	return args.Error(0)
}

func (m *UserRepositoryMock) UpdateProfile(ctx context.Context, userID int, upd models.ProfileUpdate) (models.User, error) {
	args := m.Called(ctx, userID, upd)
	return userArg(args, 0), args.Error(1)
}

func intsArg(args mock.Arguments, i int) []int {
	if val := args.Get(i); val != nil {
		return val.([]int)
	}
	return nil
}

func messageArg(args mock.Arguments, i int) models.Message {
	if val := args.Get(i); val != nil {
		return val.(models.Message)
	}
	return models.Message{}
}

func userArg(args mock.Arguments, i int) models.User {
	if val := args.Get(i); val != nil {
		return val.(models.User)
	}
	return models.User{}
}

var (
	_ repositories.ChatRepository     = (*ChatRepositoryMock)(nil)
	_ repositories.MessageRepository  = (*MessageRepositoryMock)(nil)
	_ repositories.ReactionRepository = (*ReactionRepositoryMock)(nil)
	_ repositories.UserRepository     = (*UserRepositoryMock)(nil)
)
