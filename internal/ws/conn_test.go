package ws

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	id string

	mu     sync.Mutex
	got    [][]byte
	closed bool
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id}
}

func (f *fakeConn) ID() string { return f.id }

func (f *fakeConn) Send(payload []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.got = append(f.got, payload)
	return true
}

func (f *fakeConn) close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

type decodedEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (f *fakeConn) events(t *testing.T) []decodedEvent {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]decodedEvent, 0, len(f.got))
	for _, raw := range f.got {
		var evt decodedEvent
		require.NoError(t, json.Unmarshal(raw, &evt))
		out = append(out, evt)
	}
	return out
}
