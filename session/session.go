package session

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Pusher delivers a push event to one observer connection. Implementations
// bound each write with their own timeout; a failed write only affects the
// owning session.
type Pusher interface {
	Push(ctx context.Context, payload any) error
}

// Session tracks one live observer connection: the wallet it announced, how
// many heartbeats it has sent, and what it earned while connected. State is
// in-memory only and discarded on disconnect.
type Session struct {
	id          uuid.UUID
	conn        Pusher
	connectedAt time.Time

	mu         sync.Mutex
	wallet     string
	heartbeats int64
	earned     *big.Int
}

// ID returns the session identifier.
func (s *Session) ID() uuid.UUID { return s.id }

// ConnectedAt returns when the connection was registered.
func (s *Session) ConnectedAt() time.Time { return s.connectedAt }

// Bind attaches a wallet address to the session. Idempotent; the last write
// wins.
func (s *Session) Bind(wallet string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wallet = wallet
}

// Wallet returns the bound wallet address, if any.
func (s *Session) Wallet() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wallet, s.wallet != ""
}

// BumpHeartbeats advances the heartbeat counter and returns the new count.
func (s *Session) BumpHeartbeats() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeats++
	return s.heartbeats
}

// RecordEarned adds a settled amount to the session total. The heartbeat count
// and earned total are reported together, taken under one lock.
func (s *Session) RecordEarned(amount *big.Int) (int64, *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.earned.Add(s.earned, amount)
	return s.heartbeats, new(big.Int).Set(s.earned)
}

// Stats returns the heartbeat count and a copy of the earned total.
func (s *Session) Stats() (int64, *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heartbeats, new(big.Int).Set(s.earned)
}

// Push forwards a payload to the session's connection.
func (s *Session) Push(ctx context.Context, payload any) error {
	return s.conn.Push(ctx, payload)
}

// Registry is the bookkeeping for live observer connections. Registration and
// unregistration take the write lock; fan-out iteration and lookups take the
// read lock.
type Registry struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[uuid.UUID]*Session)}
}

// Register creates a session for a freshly opened connection.
func (r *Registry) Register(conn Pusher) *Session {
	sess := &Session{
		id:          uuid.New(),
		conn:        conn,
		connectedAt: time.Now(),
		earned:      new(big.Int),
	}
	r.mu.Lock()
	r.sessions[sess.id] = sess
	r.mu.Unlock()
	return sess
}

// Unregister drops a session. Its in-memory state is discarded; no further
// push is attempted once a session is unregistered.
func (r *Registry) Unregister(sess *Session) {
	if sess == nil {
		return
	}
	r.mu.Lock()
	delete(r.sessions, sess.id)
	r.mu.Unlock()
}

// Live reports whether the session is still registered.
func (r *Registry) Live(sess *Session) bool {
	if sess == nil {
		return false
	}
	r.mu.RLock()
	_, ok := r.sessions[sess.id]
	r.mu.RUnlock()
	return ok
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// ForEach invokes fn for every live session under the read lock. fn must not
// call back into the registry's write operations.
func (r *Registry) ForEach(fn func(*Session)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, sess := range r.sessions {
		fn(sess)
	}
}
