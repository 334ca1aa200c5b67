package ws

import "sync"

const registryShards = 32

// Conn is a live connection handle that can receive encoded events.
// Send must not block and reports false when the payload was not queued.
type Conn interface {
	ID() string
	Send(payload []byte) bool
}

// Registry maps a user to the set of connections currently open for that user.
// Users are spread across shards; each shard's lock covers the whole
// check-and-mutate of a user's set so online/offline transitions fire once.
type Registry struct {
	shards [registryShards]registryShard
}

type registryShard struct {
	mu    sync.RWMutex
	users map[int]map[string]Conn
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i].users = make(map[int]map[string]Conn)
	}
	return r
}

func (r *Registry) shard(userID int) *registryShard {
	return &r.shards[uint(userID)%registryShards]
}

// Register adds conn to the user's set and reports whether it is the user's
// first live connection.
func (r *Registry) Register(userID int, conn Conn) bool {
	s := r.shard(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	conns, ok := s.users[userID]
	if !ok {
		conns = make(map[string]Conn)
		s.users[userID] = conns
	}
	conns[conn.ID()] = conn
	return len(conns) == 1
}

// Unregister removes conn and reports whether the user's set became empty.
// Removing an unknown connection reports false.
func (r *Registry) Unregister(userID int, conn Conn) bool {
	s := r.shard(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	conns, ok := s.users[userID]
	if !ok {
		return false
	}
	if _, present := conns[conn.ID()]; !present {
		return false
	}
	delete(conns, conn.ID())
	if len(conns) == 0 {
		delete(s.users, userID)
		return true
	}
	return false
}

// ConnectionsOf returns a snapshot of the user's live connections.
func (r *Registry) ConnectionsOf(userID int) []Conn {
	s := r.shard(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	conns := s.users[userID]
	out := make([]Conn, 0, len(conns))
	for _, conn := range conns {
		out = append(out, conn)
	}
	return out
}

// IsOnline reports whether the user has at least one live connection.
func (r *Registry) IsOnline(userID int) bool {
	s := r.shard(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users[userID]) > 0
}

// OnlineUsers counts users with at least one live connection.
func (r *Registry) OnlineUsers() int {
	total := 0
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		total += len(s.users)
		s.mu.RUnlock()
	}
	return total
}
