package registry

import (
	"fmt"
	"math/rand"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rpc-gateway/identity"
)

const (
	serverA = "10.0.0.1:7001"
	serverB = "10.0.0.2:7002"
	serverC = "10.0.0.3:7003"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

type recordingDisconnector struct {
	mu    sync.Mutex
	nodes []identity.Node
}

func (d *recordingDisconnector) NodeDisconnected(n identity.Node) {
	d.mu.Lock()
	d.nodes = append(d.nodes, n)
	d.mu.Unlock()
}

func newTestRegistry(hooks Hooks) (*Registry, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	r := New(5*time.Second, 3, hooks, nil)
	r.now = clock.now
	return r, clock
}

// assertConsistent checks both directions of the Server<->Service mapping.
func assertConsistent(t *testing.T, r *Registry) {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	for sid, srv := range r.servers {
		for _, svcID := range srv.services {
			svc, ok := r.services[svcID]
			require.True(t, ok, "server %s references missing service %s", sid, svcID)
			require.Equal(t, 1, count(svc.hosts, sid), "service %s hosts %s %d times", svcID, sid, count(svc.hosts, sid))
		}
	}
	for svcID, svc := range r.services {
		for _, sid := range svc.hosts {
			srv, ok := r.servers[sid]
			require.True(t, ok, "service %s references missing server %s", svcID, sid)
			require.Equal(t, 1, count(srv.services, svcID))
		}
	}
}

func count(s []string, v string) int {
	n := 0
	for _, x := range s {
		if x == v {
			n++
		}
	}
	return n
}

func TestRoundRobinJoinOrder(t *testing.T) {
	r, _ := newTestRegistry(Hooks{})
	r.AddService(serverA, "echo", "1")
	r.AddService(serverB, "echo", "1")

	var picks []string
	for i := 0; i < 3; i++ {
		id, ok := r.NextServer("echo-1")
		require.True(t, ok)
		picks = append(picks, id)
	}
	assert.Equal(t, []string{serverA, serverB, serverA}, picks)
}

func TestNextServerUnknownOrHostless(t *testing.T) {
	r, _ := newTestRegistry(Hooks{})
	_, ok := r.NextServer("missing-1")
	assert.False(t, ok)

	r.AddService(serverA, "echo", "1")
	r.Leave(identity.NewNode(identity.ServerRole, "10.0.0.1", 7001))

	_, ok = r.NextServer("echo-1")
	assert.False(t, ok)
	assert.True(t, r.IsServiceKnown("echo", "1"), "service persists without hosts")
	assert.False(t, r.IsServiceAvailable("echo", "1"))
	assert.False(t, r.IsServiceKnown("never", "1"))
}

func TestAddServiceIdempotent(t *testing.T) {
	r, _ := newTestRegistry(Hooks{})
	r.AddService(serverA, "echo", "1")
	r.mu.Lock()
	svc := r.services["echo-1"]
	r.mu.Unlock()

	r.AddService(serverA, "echo", "1")
	r.AddService(serverB, "echo", "1")

	r.mu.Lock()
	assert.Same(t, svc, r.services["echo-1"], "existing service keeps its identity")
	r.mu.Unlock()

	snap := r.Snapshot()
	require.Len(t, snap.Services, 1)
	assert.Equal(t, []string{serverA, serverB}, snap.Services[0].Hosts)
	assertConsistent(t, r)
}

func TestRoundRobinCursorSurvivesNewHost(t *testing.T) {
	r, _ := newTestRegistry(Hooks{})
	r.AddService(serverA, "echo", "1")
	r.AddService(serverB, "echo", "1")

	first, _ := r.NextServer("echo-1") // A
	r.AddService(serverC, "echo", "1")

	var rest []string
	for i := 0; i < 3; i++ {
		id, _ := r.NextServer("echo-1")
		rest = append(rest, id)
	}
	assert.Equal(t, serverA, first)
	assert.Equal(t, []string{serverB, serverC, serverA}, rest)
}

func TestRoundRobinConcurrentNoSkipNoRepeat(t *testing.T) {
	r, _ := newTestRegistry(Hooks{})
	hosts := []string{serverA, serverB, serverC}
	for _, h := range hosts {
		r.AddService(h, "echo", "1")
	}

	const cycles = 200
	var mu sync.Mutex
	counts := map[string]int{}
	var wg sync.WaitGroup
	for i := 0; i < cycles*len(hosts); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, ok := r.NextServer("echo-1")
			if !ok {
				t.Error("expected a host")
				return
			}
			mu.Lock()
			counts[id]++
			mu.Unlock()
		}()
	}
	wg.Wait()
	for _, h := range hosts {
		assert.Equal(t, cycles, counts[h], "host %s", h)
	}
}

func TestInteractionAndInactivity(t *testing.T) {
	r, clock := newTestRegistry(Hooks{})
	r.AddService(serverA, "echo", "1")
	r.AddService(serverB, "echo", "1")

	clock.advance(5 * time.Second)
	assert.Empty(t, r.FindInactiveServers(), "exactly the interval is still active")

	clock.advance(time.Millisecond)
	r.Interaction(serverB)
	assert.Equal(t, []string{serverA}, r.FindInactiveServers())

	r.Interaction("10.9.9.9:1") // unknown: no-op
	assert.Len(t, r.Snapshot().Servers, 2)
}

func TestRetryBudget(t *testing.T) {
	r, _ := newTestRegistry(Hooks{})
	r.AddService(serverA, "echo", "1")

	for i := 0; i < 3; i++ {
		assert.True(t, r.RetryPing(serverA), "retry %d", i)
	}
	assert.False(t, r.RetryPing(serverA))
	assert.Equal(t, 0, r.Snapshot().Servers[0].Remaining, "budget never goes negative")

	r.Interaction(serverA)
	assert.Equal(t, 3, r.Snapshot().Servers[0].Remaining)
	assert.False(t, r.RetryPing("10.9.9.9:1"))
}

func TestEvictionExactlyOnce(t *testing.T) {
	r, clock := newTestRegistry(Hooks{})
	disc := &recordingDisconnector{}
	r.SetDisconnector(disc)
	r.AddService(serverA, "echo", "1")
	r.AddService(serverA, "chat", "2")

	evictions := 0
	// The monitor loop: ping while the budget lasts, evict after.
	for sweep := 0; sweep < 10; sweep++ {
		clock.advance(6 * time.Second)
		for _, id := range r.FindInactiveServers() {
			if !r.RetryPing(id) && r.NotifyRemove(id) {
				evictions++
				assert.Equal(t, 3, sweep, "evicted on the sweep after the budget ran out")
			}
		}
	}
	assert.Equal(t, 1, evictions)
	require.Len(t, disc.nodes, 1)
	assert.Equal(t, identity.NewNode(identity.ServerRole, "10.0.0.1", 7001), disc.nodes[0])

	assert.False(t, r.NotifyRemove(serverA), "second eviction is a no-op")
	assert.True(t, r.IsServiceKnown("echo", "1"))
	assert.True(t, r.IsServiceKnown("chat", "2"))
	assert.False(t, r.IsServiceAvailable("echo", "1"))
	assertConsistent(t, r)
}

func TestJoinLeaveHooks(t *testing.T) {
	var joined, left []string
	var admins, adminsLeft []identity.Node
	r, _ := newTestRegistry(Hooks{
		OnServerJoin:  func(id string) { joined = append(joined, id) },
		OnServerLeave: func(id string) { left = append(left, id) },
		OnAdminJoin:   func(n identity.Node) { admins = append(admins, n) },
		OnAdminLeave:  func(n identity.Node) { adminsLeft = append(adminsLeft, n) },
	})

	srv := identity.NewNode(identity.ServerRole, "10.0.0.1", 7001)
	adm := identity.NewNode(identity.AdminRole, "10.0.0.9", 9000)
	r.Join(srv)
	r.Join(adm)
	r.Join(identity.NewNode(identity.ChannelRole, "10.0.0.5", 5670))

	assert.Equal(t, []string{serverA}, joined)
	assert.Equal(t, []identity.Node{adm}, admins)

	r.AddService(serverA, "echo", "1")
	r.Leave(srv)
	r.Leave(adm)
	assert.Empty(t, r.Snapshot().Servers)
	assert.Equal(t, []string{serverA}, left)
	assert.Equal(t, []identity.Node{adm}, adminsLeft)
}

func TestRandomOperationsStayConsistent(t *testing.T) {
	r, _ := newTestRegistry(Hooks{})
	rng := rand.New(rand.NewSource(42))
	servers := []string{serverA, serverB, serverC, "10.0.0.4:7004"}
	services := []string{"a", "b", "c"}

	for i := 0; i < 2000; i++ {
		sid := servers[rng.Intn(len(servers))]
		switch rng.Intn(4) {
		case 0, 1:
			r.AddService(sid, services[rng.Intn(len(services))], fmt.Sprint(rng.Intn(2)))
		case 2:
			ip, port, _ := identity.ParseServerID(sid)
			r.Leave(identity.NewNode(identity.ServerRole, ip, port))
		case 3:
			r.NotifyRemove(sid)
		}
		if i%50 == 0 {
			assertConsistent(t, r)
		}
	}
	assertConsistent(t, r)

	snap := r.Snapshot()
	for _, svc := range snap.Services {
		sorted := slices.Clone(svc.Hosts)
		slices.Sort(sorted)
		assert.Equal(t, len(sorted), len(slices.Compact(sorted)), "duplicate host in %s", svc.ID)
	}
}
