package admin

import (
	"sync"

	"go.uber.org/zap"

	"rpc-gateway/identity"
	"rpc-gateway/logging"
	"rpc-gateway/permission"
	"rpc-gateway/telemetry"
)

// Manager owns the sessions, one per admin peer.
type Manager struct {
	opts  Options
	cache *permission.Cache
	log   *zap.Logger

	mu       sync.Mutex
	sessions map[identity.Node]*Session
	closed   bool
}

// NewManager creates a manager feeding cache.
func NewManager(opts Options, cache *permission.Cache, log *zap.Logger) *Manager {
	if opts.HWM <= 0 {
		opts.HWM = 1000
	}
	return &Manager{
		opts:     opts,
		cache:    cache,
		log:      logging.OrNop(log).Named("admin"),
		sessions: make(map[identity.Node]*Session),
	}
}

// Join starts a session for peer. A peer with a running session is ignored;
// a session that already exited, for instance on a dial failure, is replaced.
func (m *Manager) Join(peer identity.Node) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if old, ok := m.sessions[peer]; ok {
		select {
		case <-old.Done():
			telemetry.AdminSessions.Dec()
		default:
			return
		}
	}
	s := newSession(peer, m.opts, m.cache, m.log)
	m.sessions[peer] = s
	telemetry.AdminSessions.Inc()
	go s.run()
}

// Leave stops the session of peer and waits until it exited.
func (m *Manager) Leave(peer identity.Node) {
	m.mu.Lock()
	s, ok := m.sessions[peer]
	delete(m.sessions, peer)
	m.mu.Unlock()
	if !ok {
		return
	}
	s.Stop()
	<-s.Done()
	telemetry.AdminSessions.Dec()
}

// Session returns the running session of peer.
func (m *Manager) Session(peer identity.Node) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[peer]
	return s, ok
}

// Len returns the number of running sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close stops every session, waits for them and refuses later joins.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	sessions := m.sessions
	m.sessions = make(map[identity.Node]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.Stop()
	}
	for _, s := range sessions {
		<-s.Done()
		telemetry.AdminSessions.Dec()
	}
}
