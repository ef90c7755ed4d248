package client

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rpc-gateway/config"
	"rpc-gateway/connector"
	"rpc-gateway/discovery"
	"rpc-gateway/identity"
	"rpc-gateway/message"
	"rpc-gateway/middleware"
	"rpc-gateway/protocol"
	"rpc-gateway/server"
	"rpc-gateway/transport"
)

// ---- 测试环境 ----

func freePort(t testing.TB) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func testConfig(t testing.TB) config.Config {
	cfg := config.Default()
	cfg.Port = freePort(t)
	cfg.PingInterval = 100 * time.Millisecond
	cfg.HandshakeRetryDelay = 10 * time.Millisecond
	cfg.ShutdownGrace = 200 * time.Millisecond
	cfg.Discovery.Backend = "memory"
	return cfg
}

func newGateway(t testing.TB, hub *discovery.Hub, tune func(*config.Config), opts ...Option) *Client {
	t.Helper()
	cfg := testConfig(t)
	if tune != nil {
		tune(&cfg)
	}
	c, err := New(context.Background(), cfg, hub, nil, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Destroy() })
	return c
}

func gatewayAddr(c *Client) string {
	return identity.ServerID("127.0.0.1", c.cfg.Port)
}

func echo(_ context.Context, req *server.Request) (int32, []byte) {
	return 200, req.Payload
}

// startBackend runs a server hosting echo-1 which announces itself on hub.
func startBackend(t testing.TB, c *Client, hub *discovery.Hub, h server.Handler) *server.Server {
	t.Helper()
	svr := server.NewServer("127.0.0.1", freePort(t), nil)
	svr.Register("echo", "1", h)
	done := make(chan struct{})
	go func() {
		defer close(done)
		svr.Serve(gatewayAddr(c), hub)
	}()
	t.Cleanup(func() {
		svr.Shutdown(time.Second)
		<-done
	})
	return svr
}

func hostsOf(c *Client, serviceID string) int {
	for _, s := range c.Snapshot().Services {
		if s.ID == serviceID {
			return len(s.Hosts)
		}
	}
	return 0
}

func grant(c *Client, address string, roles ...string) {
	c.conn.Permissions().AddPermission(address, roles)
}

func echoRequest(payload string) *message.Request {
	return &message.Request{
		Role:           "USER",
		ServiceName:    "echo",
		ServiceVersion: "1",
		ActionCategory: "general",
		ActionName:     "say",
		PayloadBytes:   []byte(payload),
	}
}

func wait(t testing.TB, f *Future) (*message.Response, error) {
	t.Helper()
	select {
	case <-f.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("request %s never completed", f.RequestID())
	}
	return f.Wait(context.Background())
}

// ---- 测试用例 ----

func TestEndToEndEcho(t *testing.T) {
	hub := discovery.NewHub()
	c := newGateway(t, hub, nil)
	grant(c, "echo-1/general/say", "ADMIN", "USER")
	startBackend(t, c, hub, echo)
	require.Eventually(t, func() bool { return c.IsServiceAvailable("echo", "1") }, 5*time.Second, 10*time.Millisecond)

	req := echoRequest(`"hello"`)
	f := c.Process(req)
	assert.True(t, identity.ValidateRequestID(f.RequestID()))
	assert.Empty(t, req.ID(), "caller request untouched")

	resp, err := wait(t, f)
	require.NoError(t, err)
	assert.True(t, resp.OK())
	assert.Equal(t, f.RequestID(), resp.RequestID)
	v, err := resp.Value()
	require.NoError(t, err)
	assert.Equal(t, "hello", v)
}

func TestPermissionDenied(t *testing.T) {
	hub := discovery.NewHub()
	c := newGateway(t, hub, nil)
	grant(c, "echo-1/general/say", "ADMIN")

	_, err := wait(t, c.Process(echoRequest("")))
	require.ErrorIs(t, err, ErrPermissionDenied)
	var perr *connector.PermissionError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "USER", perr.Role)
	assert.Equal(t, "echo-1", perr.ServiceID)
}

func TestUnknownService(t *testing.T) {
	hub := discovery.NewHub()
	c := newGateway(t, hub, nil)
	grant(c, "echo-1/general/say", "USER")

	f := c.Process(echoRequest(""))
	_, err := wait(t, f)
	require.ErrorIs(t, err, ErrUnknownService)
	var uerr *connector.UnknownServiceError
	require.ErrorAs(t, err, &uerr)
	assert.Equal(t, f.RequestID(), uerr.RequestID)
	assert.False(t, c.IsServiceAvailable("echo", "1"))
}

func TestRequestTimeout(t *testing.T) {
	hub := discovery.NewHub()
	c := newGateway(t, hub, func(cfg *config.Config) {
		cfg.RequestTimeout = 100 * time.Millisecond
		cfg.PingInterval = time.Minute
	})
	grant(c, "echo-1/general/say", "USER")
	svr := startBackend(t, c, hub, echo)
	require.Eventually(t, func() bool { return c.IsServiceAvailable("echo", "1") }, 5*time.Second, 10*time.Millisecond)
	svr.SetSilent(true)

	start := time.Now()
	_, err := wait(t, c.Process(echoRequest("")))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestCallerCancel(t *testing.T) {
	hub := discovery.NewHub()
	c := newGateway(t, hub, func(cfg *config.Config) { cfg.PingInterval = time.Minute })
	grant(c, "echo-1/general/say", "USER")
	svr := startBackend(t, c, hub, echo)
	require.Eventually(t, func() bool { return c.IsServiceAvailable("echo", "1") }, 5*time.Second, 10*time.Millisecond)
	svr.SetSilent(true)

	ctx, cancel := context.WithCancel(context.Background())
	f := c.ProcessContext(ctx, echoRequest(""))
	cancel()
	_, err := wait(t, f)
	require.ErrorIs(t, err, context.Canceled)

	// The late reply, if any, is a no-op.
	c.onReply(message.NewResponse(f.RequestID(), 200, nil))
	_, err = wait(t, f)
	require.ErrorIs(t, err, context.Canceled)
}

// swallow accepts every request without sending it, so handles stay pending.
func swallow(middleware.HandlerFunc) middleware.HandlerFunc {
	return func(context.Context, *message.Request) error { return nil }
}

func TestUnmatchedReplyIgnored(t *testing.T) {
	c := newGateway(t, discovery.NewHub(), nil, WithMiddleware(swallow))
	f := c.Process(echoRequest(""))
	time.Sleep(20 * time.Millisecond)

	c.onReply(message.NewResponse("RQ-1-AAAAAAAA-Z", 200, nil))

	select {
	case <-f.Done():
		t.Fatal("unrelated reply completed another handle")
	default:
	}
	_, ok := c.pending.Load(f.RequestID())
	assert.True(t, ok, "handle still pending")

	c.onReply(message.NewResponse(f.RequestID(), 201, nil))
	resp, err := wait(t, f)
	require.NoError(t, err)
	assert.Equal(t, int32(201), resp.Status)
}

func TestExpiredRequestNotSent(t *testing.T) {
	var sends atomic.Int32
	count := func(next middleware.HandlerFunc) middleware.HandlerFunc {
		return func(ctx context.Context, req *message.Request) error {
			sends.Add(1)
			return next(ctx, req)
		}
	}
	c := newGateway(t, discovery.NewHub(), nil, WithMiddleware(count))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := wait(t, c.ProcessContext(ctx, echoRequest("")))
	require.ErrorIs(t, err, context.Canceled)

	// 后续请求走完发送路径，说明之前的任务已被处理
	wait(t, c.Process(echoRequest("")))
	require.Eventually(t, func() bool { return sends.Load() == 1 }, 3*time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), sends.Load(), "expired request never reached the send chain")
}

func TestRoundRobinAcrossServers(t *testing.T) {
	hub := discovery.NewHub()
	c := newGateway(t, hub, nil)
	grant(c, "echo-1/general/say", "USER")

	var mu sync.Mutex
	counts := map[string]int{}
	handler := func(id string) server.Handler {
		return func(_ context.Context, req *server.Request) (int32, []byte) {
			mu.Lock()
			counts[id]++
			mu.Unlock()
			return 200, req.Payload
		}
	}
	a := server.NewServer("127.0.0.1", freePort(t), nil)
	b := server.NewServer("127.0.0.1", freePort(t), nil)
	for _, svr := range []*server.Server{a, b} {
		svr.Register("echo", "1", handler(svr.Node().ID()))
		go svr.Serve(gatewayAddr(c), hub)
		t.Cleanup(func() { svr.Shutdown(time.Second) })
	}
	require.Eventually(t, func() bool { return hostsOf(c, "echo-1") == 2 }, 5*time.Second, 10*time.Millisecond)

	for i := 0; i < 10; i++ {
		_, err := wait(t, c.Process(echoRequest("")))
		require.NoError(t, err)
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 5, counts[a.Node().ID()])
	assert.Equal(t, 5, counts[b.Node().ID()])
}

func TestSilentServerEvicted(t *testing.T) {
	hub := discovery.NewHub()
	c := newGateway(t, hub, nil)
	svr := startBackend(t, c, hub, echo)
	require.Eventually(t, func() bool { return c.IsServiceAvailable("echo", "1") }, 5*time.Second, 10*time.Millisecond)

	svr.SetSilent(true)
	require.Eventually(t, func() bool { return !c.IsServiceAvailable("echo", "1") }, 5*time.Second, 20*time.Millisecond)
	assert.Empty(t, c.Snapshot().Servers)
	assert.True(t, c.conn.Registry().IsServiceKnown("echo", "1"), "service outlives its hosts")
}

func TestPolicyPushedByAdmin(t *testing.T) {
	hub := discovery.NewHub()
	c := newGateway(t, hub, nil)
	startBackend(t, c, hub, echo)
	require.Eventually(t, func() bool { return c.IsServiceAvailable("echo", "1") }, 5*time.Second, 10*time.Millisecond)

	_, err := wait(t, c.Process(echoRequest("")))
	require.ErrorIs(t, err, ErrPermissionDenied)

	adm, err := transport.ListenTCP("127.0.0.1:0", transport.Options{})
	require.NoError(t, err)
	defer adm.Close()
	ip, port, err := identity.ParseServerID(adm.Addr())
	require.NoError(t, err)
	hub.Announce(identity.NewNode(identity.AdminRole, ip, port))

	self := c.cfg.Self().ID()
	require.Eventually(t, func() bool {
		env, ok, err := adm.Recv(10 * time.Millisecond)
		return err == nil && ok && env.Identity == self && string(env.Message[1]) == protocol.CmdSecurityHandshake
	}, 5*time.Second, time.Millisecond)
	require.NoError(t, adm.Send(self, protocol.NewMessage(protocol.AdminHeader, protocol.CmdPolicyPush,
		"echo-1/general/say", "ADMIN/USER")))
	require.Eventually(t, func() bool { return c.conn.Permissions().Len() == 1 }, 5*time.Second, 10*time.Millisecond)

	resp, err := wait(t, c.Process(echoRequest(`1`)))
	require.NoError(t, err)
	assert.True(t, resp.OK())
}

func TestRetryDuringWarmUp(t *testing.T) {
	hub := discovery.NewHub()
	c := newGateway(t, hub, func(cfg *config.Config) {
		cfg.Retry.Attempts = 30
		cfg.Retry.Delay = 20 * time.Millisecond
	})
	grant(c, "echo-1/general/say", "USER")

	f := c.Process(echoRequest(`"late"`))
	startBackend(t, c, hub, echo)

	resp, err := wait(t, f)
	require.NoError(t, err)
	assert.Equal(t, `"late"`, string(resp.Payload))
}

func TestRateLimited(t *testing.T) {
	c := newGateway(t, discovery.NewHub(), func(cfg *config.Config) {
		cfg.RateLimit.Rate = 0.01
		cfg.RateLimit.Burst = 1
	})
	grant(c, "echo-1/general/say", "USER")

	_, err := wait(t, c.Process(echoRequest("")))
	require.ErrorIs(t, err, ErrUnknownService)
	_, err = wait(t, c.Process(echoRequest("")))
	require.ErrorIs(t, err, ErrRateLimited)
}

func TestCustomMiddleware(t *testing.T) {
	var seen atomic.Int32
	count := func(next middleware.HandlerFunc) middleware.HandlerFunc {
		return func(ctx context.Context, req *message.Request) error {
			seen.Add(1)
			assert.NotEmpty(t, req.ID())
			return next(ctx, req)
		}
	}
	c := newGateway(t, discovery.NewHub(), nil, WithMiddleware(count))

	wait(t, c.Process(echoRequest("")))
	assert.Equal(t, int32(1), seen.Load())
}

func TestDestroyAbandonsPending(t *testing.T) {
	hub := discovery.NewHub()
	c := newGateway(t, hub, func(cfg *config.Config) { cfg.PingInterval = time.Minute })
	grant(c, "echo-1/general/say", "USER")
	svr := startBackend(t, c, hub, echo)
	require.Eventually(t, func() bool { return c.IsServiceAvailable("echo", "1") }, 5*time.Second, 10*time.Millisecond)
	svr.SetSilent(true)

	pending := c.Process(echoRequest(""))
	ctx, cancel := context.WithCancel(context.Background())
	bounded := c.ProcessContext(ctx, echoRequest(""))
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, c.Destroy())

	// 没有回复的请求不会被强制完成
	select {
	case <-pending.Done():
		t.Fatal("pending handle force-completed by Destroy")
	case <-time.After(100 * time.Millisecond):
	}
	_, ok := c.pending.Load(pending.RequestID())
	assert.True(t, ok)

	// 调用方自己的 ctx 仍然有效
	cancel()
	_, err := wait(t, bounded)
	require.ErrorIs(t, err, context.Canceled)

	_, err = wait(t, c.Process(echoRequest("")))
	require.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, c.Destroy(), "second Destroy is a no-op")
	assert.NotContains(t, hub.Members(), c.cfg.Self())
}

func TestNewRejectsBadConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Transport = "carrier-pigeon"
	_, err := New(context.Background(), cfg, discovery.NewHub(), nil)
	require.Error(t, err)
}

type failingDiscovery struct{}

func (failingDiscovery) Run(context.Context, identity.Node, discovery.Listener) (discovery.Session, error) {
	return nil, errors.New("no quorum")
}

func TestNewFailsWhenDiscoveryFails(t *testing.T) {
	cfg := testConfig(t)
	_, err := New(context.Background(), cfg, failingDiscovery{}, nil)
	require.ErrorContains(t, err, "no quorum")

	// The port was released.
	l, err := net.Listen("tcp", gatewayAddr(&Client{cfg: cfg}))
	require.NoError(t, err)
	l.Close()
}

func TestOutcome(t *testing.T) {
	assert.Equal(t, "permission_denied", outcome(&connector.PermissionError{}))
	assert.Equal(t, "unknown_service", outcome(&connector.UnknownServiceError{}))
	assert.Equal(t, "rate_limited", outcome(ErrRateLimited))
	assert.Equal(t, "timeout", outcome(context.DeadlineExceeded))
	assert.Equal(t, "closed", outcome(ErrClosed))
	assert.Equal(t, "error", outcome(context.Canceled))
}
