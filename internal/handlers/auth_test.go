package handlers

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"messenger-service/internal/auth"
	"messenger-service/internal/mocks"
	"messenger-service/internal/models"
	"messenger-service/internal/repositories"
	"messenger-service/internal/telemetry"
)

type stubIssuer struct{ err error }

func (s stubIssuer) Issue(userID int, username string) (string, error) {
	return "token-" + username, s.err
}

func setupAuthRouter(users *mocks.UserRepositoryMock, chats *mocks.ChatRepositoryMock, audit *telemetry.AuditEmitter) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewAuthHandler(users, chats, stubIssuer{}, 1, audit, nil)
	r := gin.New()
	r.POST("/auth/register", h.Register)
	r.POST("/auth/login", h.Login)
	authed := r.Group("/", func(c *gin.Context) {
		c.Set("userID", 5)
		c.Next()
	})
	authed.GET("/auth/me", h.Me)
	authed.GET("/users", h.ListUsers)
	authed.PUT("/users/profile", h.UpdateProfile)
	return r
}

func post(r *gin.Engine, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestRegisterJoinsGeneralChat(t *testing.T) {
	users := new(mocks.UserRepositoryMock)
	chats := new(mocks.ChatRepositoryMock)
	pub := new(mocks.PublisherMock)
	audit := telemetry.NewAuditEmitter(pub, "audit.log", "messenger-service", "test", nil)
	r := setupAuthRouter(users, chats, audit)

	users.On("CreateUser", mock.Anything, "alice", mock.AnythingOfType("string"), "Alice").
		Return(models.User{ID: 5, Username: "alice", DisplayName: "Alice"}, nil).Once()
	chats.On("AddMember", mock.Anything, 1, 5).Return(nil).Once()
	pub.On("Publish", mock.Anything, "audit.log", mock.Anything, mock.Anything).Return(nil).Once()

	rec := post(r, "/auth/register", `{"username":"alice","password":"secret1","display_name":"Alice"}`)

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), `"token":"token-alice"`)
	assert.NotContains(t, rec.Body.String(), "password")
	users.AssertExpectations(t)
	chats.AssertExpectations(t)
	pub.AssertExpectations(t)
}

func TestRegisterValidationAndConflict(t *testing.T) {
	users := new(mocks.UserRepositoryMock)
	r := setupAuthRouter(users, new(mocks.ChatRepositoryMock), nil)

	rec := post(r, "/auth/register", `{"username":"al","password":"secret1","display_name":"Al"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = post(r, "/auth/register", `{"username":"alice","password":"123","display_name":"Alice"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	users.On("CreateUser", mock.Anything, "alice", mock.Anything, "Alice").Return(nil, repositories.ErrUsernameTaken).Once()
	rec = post(r, "/auth/register", `{"username":"alice","password":"secret1","display_name":"Alice"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestLogin(t *testing.T) {
	users := new(mocks.UserRepositoryMock)
	r := setupAuthRouter(users, new(mocks.ChatRepositoryMock), nil)
	hash, err := auth.HashPassword("secret1")
	require.NoError(t, err)
	users.On("GetByUsername", mock.Anything, "alice").Return(models.User{ID: 5, Username: "alice", PasswordHash: hash}, nil)
	users.On("GetByUsername", mock.Anything, "ghost").Return(nil, repositories.ErrUserNotFound)
	users.On("GetByUsername", mock.Anything, "broken").Return(nil, errors.New("db down"))

	assert.Equal(t, http.StatusOK, post(r, "/auth/login", `{"username":"alice","password":"secret1"}`).Code)
	assert.Equal(t, http.StatusUnauthorized, post(r, "/auth/login", `{"username":"alice","password":"wrong"}`).Code)
	assert.Equal(t, http.StatusUnauthorized, post(r, "/auth/login", `{"username":"ghost","password":"secret1"}`).Code)
	assert.Equal(t, http.StatusInternalServerError, post(r, "/auth/login", `{"username":"broken","password":"secret1"}`).Code)
}

func TestMeAndListUsers(t *testing.T) {
	users := new(mocks.UserRepositoryMock)
	r := setupAuthRouter(users, new(mocks.ChatRepositoryMock), nil)
	users.On("GetByID", mock.Anything, 5).Return(models.User{ID: 5, Username: "alice"}, nil).Once()
	users.On("ListUsers", mock.Anything, 5).Return([]models.User{{ID: 6, Username: "bob"}}, nil).Once()

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth/me", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"username":"alice"`)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/users", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"username":"bob"`)
	users.AssertExpectations(t)
}

func put(r *gin.Engine, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPut, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestUpdateProfileAppliesGivenFields(t *testing.T) {
	users := new(mocks.UserRepositoryMock)
	r := setupAuthRouter(users, new(mocks.ChatRepositoryMock), nil)

	users.On("UpdateProfile", mock.Anything, 5, mock.MatchedBy(func(upd models.ProfileUpdate) bool {
		return upd.DisplayName != nil && *upd.DisplayName == "Alice B" &&
			upd.Theme != nil && *upd.Theme == "dark" && upd.Avatar == nil
	})).Return(models.User{ID: 5, Username: "alice", DisplayName: "Alice B", Theme: "dark"}, nil).Once()

	rec := put(r, "/users/profile", `{"display_name":"  Alice B ","theme":"dark"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"theme":"dark"`)
	users.AssertExpectations(t)
}

func TestUpdateProfileRejectsBadInput(t *testing.T) {
	users := new(mocks.UserRepositoryMock)
	r := setupAuthRouter(users, new(mocks.ChatRepositoryMock), nil)

	assert.Equal(t, http.StatusBadRequest, put(r, "/users/profile", `{}`).Code)
	assert.Equal(t, http.StatusBadRequest, put(r, "/users/profile", `{"theme":"neon"}`).Code)
	assert.Equal(t, http.StatusBadRequest, put(r, "/users/profile", `{"display_name":"   "}`).Code)
	users.AssertNotCalled(t, "UpdateProfile", mock.Anything, mock.Anything, mock.Anything)
}

func TestUpdateProfileMissingUser(t *testing.T) {
	users := new(mocks.UserRepositoryMock)
	r := setupAuthRouter(users, new(mocks.ChatRepositoryMock), nil)
	users.On("UpdateProfile", mock.Anything, 5, mock.Anything).Return(nil, repositories.ErrUserNotFound).Once()

	rec := put(r, "/users/profile", `{"theme":"light"}`)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
