package registry

import (
	"slices"

	"rpc-gateway/loadbalance"
)

// service is a named, versioned capability and the ordered ids of the servers
// hosting it. The record outlives its hosts: zero hosts means known but
// unavailable.
type service struct {
	id       string
	hosts    []string
	balancer loadbalance.Balancer
}

func newService(id string) *service {
	return &service{id: id, balancer: &loadbalance.RoundRobinBalancer{}}
}

func (s *service) addHost(serverID string) bool {
	if slices.Contains(s.hosts, serverID) {
		return false
	}
	s.hosts = append(s.hosts, serverID)
	return true
}

func (s *service) removeHost(serverID string) {
	i := slices.Index(s.hosts, serverID)
	if i < 0 {
		return
	}
	s.hosts = slices.Delete(s.hosts, i, i+1)
	s.balancer.Removed(i)
}

func (s *service) nextServer() (string, bool) {
	id, err := s.balancer.Pick(s.hosts)
	if err != nil {
		return "", false
	}
	return id, true
}

// ServiceInfo is a point-in-time copy of a service record.
type ServiceInfo struct {
	ID    string
	Hosts []string
}

func (s *service) info() ServiceInfo {
	return ServiceInfo{ID: s.id, Hosts: slices.Clone(s.hosts)}
}
