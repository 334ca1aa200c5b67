package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

type Pinger interface {
	PingContext(ctx context.Context) error
}

// OnlineCounter reports how many users have a live connection on this instance.
type OnlineCounter interface {
	OnlineUsers() int
}

// Health reports database reachability and local connection stats.
func Health(db Pinger, online OnlineCounter) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		resp := gin.H{"status": "ok", "time": time.Now().UTC()}
		if online != nil {
			resp["online_users"] = online.OnlineUsers()
		}
		if db != nil {
			if err := db.PingContext(ctx); err != nil {
				resp["status"] = "degraded"
				resp["db"] = err.Error()
				c.JSON(http.StatusServiceUnavailable, resp)
				return
			}
		}
		c.JSON(http.StatusOK, resp)
	}
}
