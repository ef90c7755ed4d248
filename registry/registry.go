// Package registry tracks the backends discovered at runtime and the services
// they host.
//
// Servers and services live in two arenas keyed by id (serverId -> server,
// serviceId -> service). Each side stores only the ids of the other side, and
// every mutation touching both arenas happens under one lock, so the
// Server<->Service mapping is always consistent.
//
//	discovery join(SERVER)  → OnServerJoin hook (engine sends RINTR)
//	INTR from server        → AddService (creates server/service records)
//	any frame from server   → Interaction (liveness clock + retry budget reset)
//	monitor sweep           → FindInactiveServers → RetryPing / NotifyRemove
//	discovery leave(SERVER) → OnServerLeave hook, server record dropped, services keep existing
package registry

import (
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"rpc-gateway/identity"
	"rpc-gateway/logging"
	"rpc-gateway/telemetry"
)

// Hooks connect discovery events to the rest of the gateway. Nil hooks are skipped.
type Hooks struct {
	OnServerJoin  func(serverID string)
	OnServerLeave func(serverID string)
	OnAdminJoin   func(node identity.Node)
	OnAdminLeave  func(node identity.Node)
}

// Disconnector is told about servers evicted locally.
type Disconnector interface {
	NodeDisconnected(node identity.Node)
}

// Registry is the server/service pool.
type Registry struct {
	mu       sync.Mutex
	servers  map[string]*server
	services map[string]*service

	pingInterval time.Duration
	maxRetry     int
	hooks        Hooks

	discMu sync.RWMutex
	disc   Disconnector

	now func() time.Time
	log *zap.Logger
}

// New creates an empty registry. pingInterval is the idle time after which a
// server is considered inactive; maxRetry is its ping budget.
func New(pingInterval time.Duration, maxRetry int, hooks Hooks, log *zap.Logger) *Registry {
	return &Registry{
		servers:      make(map[string]*server),
		services:     make(map[string]*service),
		pingInterval: pingInterval,
		maxRetry:     maxRetry,
		hooks:        hooks,
		now:          time.Now,
		log:          logging.OrNop(log).Named("registry"),
	}
}

// SetDisconnector wires the discovery session informed on eviction.
func (r *Registry) SetDisconnector(d Disconnector) {
	r.discMu.Lock()
	r.disc = d
	r.discMu.Unlock()
}

// AddService records that serverID hosts name/version. It is idempotent.
// An already known service keeps its record, and with it its round-robin
// cursor; only the link to serverID is added.
func (r *Registry) AddService(serverID, name, version string) {
	id := identity.ServiceID(name, version)

	r.mu.Lock()
	defer r.mu.Unlock()

	srv, ok := r.servers[serverID]
	if !ok {
		srv = &server{id: serverID, lastInteract: r.now(), remaining: r.maxRetry}
		r.servers[serverID] = srv
	}
	svc, ok := r.services[id]
	if !ok {
		svc = newService(id)
		r.services[id] = svc
	}
	if srv.addService(id) {
		svc.addHost(serverID)
		r.log.Info("service found", zap.String("service", id), zap.String("server", serverID))
	}
	r.updateGauges()
}

// Interaction resets the liveness clock and retry budget of serverID.
// Unknown servers are ignored.
func (r *Registry) Interaction(serverID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if srv, ok := r.servers[serverID]; ok {
		srv.interaction(r.now(), r.maxRetry)
	}
}

// FindInactiveServers returns the servers idle for longer than the ping interval.
func (r *Registry) FindInactiveServers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	var ids []string
	for id, srv := range r.servers {
		if srv.notResponding(now, r.pingInterval) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// RetryPing consumes one unit of serverID's ping budget. It returns false once
// the budget is exhausted, or for unknown servers.
func (r *Registry) RetryPing(serverID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	srv, ok := r.servers[serverID]
	return ok && srv.retryPing()
}

// NextServer picks the next host of serviceID in round-robin order. It
// returns false when the service is unknown or has no hosts.
func (r *Registry) NextServer(serviceID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	svc, ok := r.services[serviceID]
	if !ok {
		return "", false
	}
	return svc.nextServer()
}

// NotifyRemove evicts serverID after its ping budget ran out: the discovery
// session is informed first, then the server is detached from its services.
// It reports whether this call performed the eviction.
func (r *Registry) NotifyRemove(serverID string) bool {
	r.mu.Lock()
	_, ok := r.servers[serverID]
	r.mu.Unlock()
	if !ok {
		return false
	}

	if ip, port, err := identity.ParseServerID(serverID); err == nil {
		r.discMu.RLock()
		d := r.disc
		r.discMu.RUnlock()
		if d != nil {
			d.NodeDisconnected(identity.NewNode(identity.ServerRole, ip, port))
		}
	} else {
		r.log.Warn("cannot notify discovery", zap.String("server", serverID), zap.Error(err))
	}

	if !r.removeServer(serverID) {
		return false
	}
	telemetry.EvictionsTotal.Inc()
	r.log.Warn("server evicted", zap.String("server", serverID))
	return true
}

func (r *Registry) removeServer(serverID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	srv, ok := r.servers[serverID]
	if !ok {
		return false
	}
	delete(r.servers, serverID)
	for _, id := range srv.services {
		if svc, ok := r.services[id]; ok {
			svc.removeHost(serverID)
		}
	}
	r.updateGauges()
	return true
}

// Join handles a discovery join event.
func (r *Registry) Join(node identity.Node) {
	r.log.Info("node joined", zap.Stringer("node", node))
	switch node.Role {
	case identity.ServerRole:
		if r.hooks.OnServerJoin != nil {
			r.hooks.OnServerJoin(node.ID())
		}
	case identity.AdminRole:
		if r.hooks.OnAdminJoin != nil {
			r.hooks.OnAdminJoin(node)
		}
	}
}

// Leave handles a discovery leave event.
func (r *Registry) Leave(node identity.Node) {
	r.log.Info("node left", zap.Stringer("node", node))
	switch node.Role {
	case identity.ServerRole:
		if r.hooks.OnServerLeave != nil {
			r.hooks.OnServerLeave(node.ID())
		}
		r.removeServer(node.ID())
	case identity.AdminRole:
		if r.hooks.OnAdminLeave != nil {
			r.hooks.OnAdminLeave(node)
		}
	}
}

// IsServiceAvailable reports whether name/version is known and currently
// has at least one host.
func (r *Registry) IsServiceAvailable(name, version string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	svc, ok := r.services[identity.ServiceID(name, version)]
	return ok && len(svc.hosts) > 0
}

// IsServiceKnown reports whether name/version was ever announced.
func (r *Registry) IsServiceKnown(name, version string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.services[identity.ServiceID(name, version)]
	return ok
}

// Snapshot is a consistent copy of both arenas.
type Snapshot struct {
	Servers  []ServerInfo
	Services []ServiceInfo
}

// Snapshot copies the registry state, sorted by id.
func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	var snap Snapshot
	for _, srv := range r.servers {
		snap.Servers = append(snap.Servers, srv.info())
	}
	for _, svc := range r.services {
		snap.Services = append(snap.Services, svc.info())
	}
	slices.SortFunc(snap.Servers, func(a, b ServerInfo) int { return strings.Compare(a.ID, b.ID) })
	slices.SortFunc(snap.Services, func(a, b ServiceInfo) int { return strings.Compare(a.ID, b.ID) })
	return snap
}

// updateGauges must be called with mu held.
func (r *Registry) updateGauges() {
	telemetry.LiveServers.Set(float64(len(r.servers)))
	telemetry.KnownServices.Set(float64(len(r.services)))
}
