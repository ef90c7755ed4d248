package registry

import (
	"slices"
	"time"
)

// server is the registry's record of one discovered backend. It stores the
// ids of the services it hosts, never the service records themselves.
type server struct {
	id           string
	services     []string
	lastInteract time.Time
	remaining    int // ping retry budget, in [0, maxRetry]
}

func (s *server) addService(serviceID string) bool {
	if slices.Contains(s.services, serviceID) {
		return false
	}
	s.services = append(s.services, serviceID)
	return true
}

func (s *server) interaction(now time.Time, maxRetry int) {
	s.lastInteract = now
	s.remaining = maxRetry
}

func (s *server) notResponding(now time.Time, interval time.Duration) bool {
	return now.Sub(s.lastInteract) > interval
}

// retryPing consumes one unit of the budget, false once it is exhausted.
func (s *server) retryPing() bool {
	if s.remaining <= 0 {
		return false
	}
	s.remaining--
	return true
}

// ServerInfo is a point-in-time copy of a server record.
type ServerInfo struct {
	ID           string
	Services     []string
	LastInteract time.Time
	Remaining    int
}

func (s *server) info() ServerInfo {
	return ServerInfo{
		ID:           s.id,
		Services:     slices.Clone(s.services),
		LastInteract: s.lastInteract,
		Remaining:    s.remaining,
	}
}
