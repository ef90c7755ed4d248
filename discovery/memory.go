package discovery

import (
	"context"
	"sync"

	"rpc-gateway/identity"
)

// Hub is an in-process membership group. Every session run on the same hub
// sees the nodes announced by the others. Nodes passed to NewHub, or
// announced without a session, behave as externally managed peers.
type Hub struct {
	mu      sync.Mutex
	members map[string]identity.Node // keyed by Node.String()
	subs    map[*hubSession]struct{}
}

// NewHub creates a hub already holding nodes.
func NewHub(nodes ...identity.Node) *Hub {
	h := &Hub{
		members: make(map[string]identity.Node),
		subs:    make(map[*hubSession]struct{}),
	}
	for _, n := range nodes {
		h.members[n.String()] = n
	}
	return h
}

// Run joins self to the hub. l is told about every current member first,
// then about later changes. The context is not retained.
func (h *Hub) Run(_ context.Context, self identity.Node, l Listener) (Session, error) {
	s := &hubSession{hub: h, self: self, l: l, known: make(map[string]identity.Node)}

	h.mu.Lock()
	h.subs[s] = struct{}{}
	current := make([]identity.Node, 0, len(h.members))
	for _, n := range h.members {
		current = append(current, n)
	}
	h.mu.Unlock()

	for _, n := range current {
		s.join(n)
	}
	h.Announce(self)
	return s, nil
}

// Announce adds node to the group, or re-announces it to sessions that
// forgot it.
func (h *Hub) Announce(node identity.Node) {
	h.mu.Lock()
	h.members[node.String()] = node
	subs := h.subscribers()
	h.mu.Unlock()

	for _, s := range subs {
		s.join(node)
	}
}

// Withdraw removes node from the group.
func (h *Hub) Withdraw(node identity.Node) {
	h.mu.Lock()
	_, ok := h.members[node.String()]
	delete(h.members, node.String())
	subs := h.subscribers()
	h.mu.Unlock()

	if !ok {
		return
	}
	for _, s := range subs {
		s.leave(node)
	}
}

// Members returns the announced nodes.
func (h *Hub) Members() []identity.Node {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]identity.Node, 0, len(h.members))
	for _, n := range h.members {
		out = append(out, n)
	}
	return out
}

func (h *Hub) subscribers() []*hubSession {
	out := make([]*hubSession, 0, len(h.subs))
	for s := range h.subs {
		out = append(out, s)
	}
	return out
}

type hubSession struct {
	hub  *Hub
	self identity.Node
	l    Listener

	mu      sync.Mutex
	known   map[string]identity.Node
	stopped bool
}

func (s *hubSession) join(n identity.Node) {
	if n == s.self {
		return
	}
	s.mu.Lock()
	_, dup := s.known[n.String()]
	if !dup && !s.stopped {
		s.known[n.String()] = n
	}
	deliver := !dup && !s.stopped
	s.mu.Unlock()
	if deliver {
		s.l.Join(n)
	}
}

func (s *hubSession) leave(n identity.Node) {
	s.mu.Lock()
	_, ok := s.known[n.String()]
	delete(s.known, n.String())
	deliver := ok && !s.stopped
	s.mu.Unlock()
	if deliver {
		s.l.Leave(n)
	}
}

func (s *hubSession) NodeDisconnected(n identity.Node) {
	s.mu.Lock()
	delete(s.known, n.String())
	s.mu.Unlock()
}

func (s *hubSession) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	s.hub.mu.Lock()
	delete(s.hub.subs, s)
	s.hub.mu.Unlock()
	s.hub.Withdraw(s.self)
	return nil
}
