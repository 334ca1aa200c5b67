package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"messenger-service/internal/dispatcher"
	"messenger-service/internal/middleware"
)

func requestIDFromContext(c *gin.Context) string {
	if id := c.GetString(middleware.RequestIDKey); id != "" {
		return id
	}

	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Set(middleware.RequestIDKey, requestID)
	return requestID
}

func userIDFromContext(c *gin.Context) *int {
	if userID := c.GetInt("userID"); userID != 0 {
		return &userID
	}
	return nil
}

func callerFromContext(c *gin.Context) dispatcher.Caller {
	return dispatcher.Caller{UserID: c.GetInt("userID")}
}

func intParam(c *gin.Context, name string) (int, bool) {
	id, err := strconv.Atoi(c.Param(name))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return id, true
}

// respondActionError maps a dispatcher error onto an HTTP status.
func respondActionError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch dispatcher.KindOf(err) {
	case dispatcher.KindAuthorization:
		status = http.StatusForbidden
	case dispatcher.KindValidation:
		status = http.StatusBadRequest
	case dispatcher.KindNotFound:
		status = http.StatusNotFound
	}

	msg := "internal error"
	var ae *dispatcher.ActionError
	if errors.As(err, &ae) {
		msg = ae.Message
	}
	if status == http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.JSON(status, gin.H{"error": msg, "kind": string(dispatcher.KindOf(err))})
}
