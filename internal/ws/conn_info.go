package ws

import "time"

// ConnInfo describes one websocket connection for logs and lifecycle events.
type ConnInfo struct {
	ConnID      string
	UserID      int
	DisplayName string
	DeviceID    string
	IP          string
	RequestID   string
	TraceID     string
	ConnectedAt time.Time
}
