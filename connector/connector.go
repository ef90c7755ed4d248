// Package connector is the protocol engine between the gateway and its
// backend servers.
//
// One bound router endpoint carries every server conversation:
//
//	→ [SADA1, RINTR]                                     ask a new server to introduce itself
//	← [SADA1, INTR, (name, version)*]                    services hosted by the sender
//	→ [SADA1, PING]           ← [SADA1, PONG]            liveness
//	→ [SADA1, REQ, id, name, version, category, action, payload]
//	← [SADA1, REP, id, status, payload]                  status is a big-endian int32
//
// The work loop is the only goroutine touching the router. Each iteration it
// sends one pending handshake, one queued request and one queued ping, and
// polls for input, which it hands to the receive worker pool. The monitor loop
// sweeps the registry every ping interval.
package connector

import (
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"rpc-gateway/admin"
	"rpc-gateway/config"
	"rpc-gateway/logging"
	"rpc-gateway/message"
	"rpc-gateway/permission"
	"rpc-gateway/protocol"
	"rpc-gateway/registry"
	"rpc-gateway/telemetry"
	"rpc-gateway/transport"
	"rpc-gateway/worker"
)

// ReplyHandler receives every reply read from a backend.
type ReplyHandler func(*message.Response)

// Option customizes a Connector.
type Option func(*Connector)

// WithRouter uses r instead of binding a new endpoint.
func WithRouter(r transport.Router) Option {
	return func(c *Connector) { c.router = r }
}

type handshake struct {
	serverID  string
	attempts  int
	delay     time.Duration
	notBefore time.Time
}

type outbound struct {
	serverID string
	msg      protocol.Message
}

// Connector runs the work and monitor loops.
type Connector struct {
	cfg     config.Config
	log     *zap.Logger
	router  transport.Router
	reg     *registry.Registry
	perms   *permission.Cache
	admins  *admin.Manager
	onReply ReplyHandler
	recv    *worker.Pool

	mu         sync.Mutex
	handshakes worker.Queue[handshake]
	awaiting   map[string]bool // servers with a handshake queued
	sendQueue  worker.Queue[outbound]
	pingQueue  worker.Queue[string]

	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New binds the router endpoint and starts the loops.
func New(cfg config.Config, onReply ReplyHandler, log *zap.Logger, opts ...Option) (*Connector, error) {
	log = logging.OrNop(log)
	c := &Connector{
		cfg:     cfg,
		log:     log.Named("connector"),
		perms:   permission.NewCache(),
		onReply:  onReply,
		awaiting: make(map[string]bool),
		stop:     make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}

	c.admins = admin.NewManager(admin.Options{
		Self:              cfg.Self(),
		Transport:         cfg.Transport,
		HeartbeatInterval: cfg.HeartbeatInterval,
		PollInterval:      cfg.AdminPollInterval,
		ReconnectMax:      cfg.ReconnectMax,
	}, c.perms, log)
	c.reg = registry.New(cfg.PingInterval, cfg.PingRetry, registry.Hooks{
		OnServerJoin:  c.enqueueHandshake,
		OnServerLeave: c.cancelHandshake,
		OnAdminJoin:   c.admins.Join,
		OnAdminLeave:  c.admins.Leave,
	}, log)

	if c.router == nil {
		r, err := transport.Listen(cfg.Transport, cfg.Self().ID(), cfg.ListenAddr(), transport.Options{
			SendHWM: cfg.SendHWM,
			RecvHWM: cfg.RecvHWM,
			Log:     log,
		})
		if err != nil {
			return nil, err
		}
		c.router = r
	}
	c.log.Info("router bound", zap.String("addr", c.router.Addr()), zap.Stringer("self", cfg.Self()))

	c.recv = worker.NewPool(cfg.ReceivePoolSize)
	c.wg.Add(2)
	go c.workLoop()
	go c.monitor()
	return c, nil
}

// Registry returns the server/service pool. It doubles as the discovery
// listener of the gateway.
func (c *Connector) Registry() *registry.Registry { return c.reg }

// Permissions returns the cache fed by admin peers.
func (c *Connector) Permissions() *permission.Cache { return c.perms }

// Admins returns the admin session manager.
func (c *Connector) Admins() *admin.Manager { return c.admins }

// Addr returns the bound router address.
func (c *Connector) Addr() string { return c.router.Addr() }

// IsServiceAvailable reports whether name/version currently has a host.
func (c *Connector) IsServiceAvailable(name, version string) bool {
	return c.reg.IsServiceAvailable(name, version)
}

// Send checks the role of req, picks the next host of its service and queues
// the request frame. req must carry its id.
func (c *Connector) Send(req *message.Request) error {
	select {
	case <-c.stop:
		return ErrClosed
	default:
	}
	serviceID := req.ServiceID()
	if !c.perms.HasAccess(serviceID, req.ActionCategory, req.ActionName, req.Role) {
		return &PermissionError{Role: req.Role, ServiceID: serviceID, Category: req.ActionCategory, Action: req.ActionName}
	}
	serverID, ok := c.reg.NextServer(serviceID)
	if !ok {
		return &UnknownServiceError{ServiceID: serviceID, RequestID: req.ID()}
	}

	msg := protocol.NewMessage(protocol.ServerHeader, protocol.CmdRequest,
		req.ID(), req.ServiceName, req.ServiceVersion, req.ActionCategory, req.ActionName).
		Append(req.PayloadBytes)
	c.mu.Lock()
	c.sendQueue.Push(outbound{serverID: serverID, msg: msg})
	c.mu.Unlock()
	return nil
}

func (c *Connector) enqueueHandshake(serverID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.awaiting[serverID] {
		return
	}
	c.awaiting[serverID] = true
	c.handshakes.Push(handshake{serverID: serverID})
}

// cancelHandshake drops the pending handshake of serverID, if any.
func (c *Connector) cancelHandshake(serverID string) {
	c.mu.Lock()
	delete(c.awaiting, serverID)
	c.mu.Unlock()
}

func (c *Connector) workLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stop:
			return
		default:
		}
		if err := c.iterate(); errors.Is(err, transport.ErrTerminated) {
			c.log.Info("router terminated, work loop exits")
			return
		}
	}
}

func (c *Connector) iterate() error {
	if err := c.handleNewServer(); err != nil {
		return err
	}
	if err := c.sendOne(); err != nil {
		return err
	}

	timeout := c.cfg.PollInterval
	if c.hasOutbound() {
		timeout = 0
	}
	env, ok, err := c.router.Recv(timeout)
	if err != nil {
		if errors.Is(err, transport.ErrTerminated) {
			return err
		}
		c.log.Error("receive failed", zap.Error(err))
	} else if ok {
		if err := c.recv.Submit(func() { c.dispatch(env) }); err != nil {
			return transport.ErrTerminated
		}
	}

	return c.pingOne()
}

func (c *Connector) hasOutbound() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendQueue.Len() > 0 || c.pingQueue.Len() > 0
}

// handleNewServer sends RINTR to one discovered server. A server that has not
// connected yet is retried with a backoff from HandshakeRetryDelay up to
// HandshakeRetryMax, until it connects or leaves discovery.
func (c *Connector) handleNewServer() error {
	c.mu.Lock()
	h, ok := c.handshakes.Pop()
	if ok && !c.awaiting[h.serverID] {
		ok = false
	}
	c.mu.Unlock()
	if !ok {
		return nil
	}
	now := time.Now()
	if now.Before(h.notBefore) {
		c.requeueHandshake(h)
		return nil
	}

	err := c.router.Send(h.serverID, protocol.NewMessage(protocol.ServerHeader, protocol.CmdReverseIntroduce))
	switch {
	case err == nil:
		c.cancelHandshake(h.serverID)
		c.log.Debug("reverse introduce sent", zap.String("server", h.serverID))
	case errors.Is(err, transport.ErrHostUnreachable), errors.Is(err, transport.ErrQueueFull):
		h.attempts++
		h.delay = min(max(2*h.delay, c.cfg.HandshakeRetryDelay), c.cfg.HandshakeRetryMax)
		if h.attempts%20 == 0 {
			c.log.Warn("server still not connected", zap.String("server", h.serverID), zap.Int("attempts", h.attempts))
		}
		h.notBefore = now.Add(h.delay)
		c.requeueHandshake(h)
	case errors.Is(err, transport.ErrTerminated):
		return err
	default:
		c.cancelHandshake(h.serverID)
		c.log.Error("reverse introduce failed", zap.String("server", h.serverID), zap.Error(err))
	}
	return nil
}

func (c *Connector) requeueHandshake(h handshake) {
	c.mu.Lock()
	c.handshakes.Push(h)
	c.mu.Unlock()
}

func (c *Connector) sendOne() error {
	c.mu.Lock()
	out, ok := c.sendQueue.Pop()
	c.mu.Unlock()
	if !ok {
		return nil
	}
	err := c.router.Send(out.serverID, out.msg)
	switch {
	case err == nil:
	case errors.Is(err, transport.ErrHostUnreachable):
		telemetry.FramesDropped.WithLabelValues("unreachable").Inc()
		c.log.Error("host not found for message", zap.String("server", out.serverID), zap.String("dump", out.msg.Dump()))
	case errors.Is(err, transport.ErrTerminated):
		return err
	default:
		c.log.Error("send failed", zap.String("server", out.serverID), zap.Error(err))
	}
	return nil
}

func (c *Connector) pingOne() error {
	c.mu.Lock()
	serverID, ok := c.pingQueue.Pop()
	c.mu.Unlock()
	if !ok {
		return nil
	}
	err := c.router.Send(serverID, protocol.NewMessage(protocol.ServerHeader, protocol.CmdPing))
	if errors.Is(err, transport.ErrTerminated) {
		return err
	}
	if err != nil && !errors.Is(err, transport.ErrHostUnreachable) {
		c.log.Error("ping failed", zap.String("server", serverID), zap.Error(err))
	}
	return nil
}

// monitor pings inactive servers while their budget lasts and evicts them
// once it is spent.
func (c *Connector) monitor() {
	defer c.wg.Done()
	t := time.NewTicker(c.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-t.C:
			c.sweep()
		}
	}
}

func (c *Connector) sweep() {
	for _, id := range c.reg.FindInactiveServers() {
		if c.reg.RetryPing(id) {
			c.mu.Lock()
			c.pingQueue.Push(id)
			c.mu.Unlock()
			continue
		}
		c.reg.NotifyRemove(id)
	}
}

func (c *Connector) dispatch(env transport.Envelope) {
	if ce := c.log.Check(zap.DebugLevel, "message arrived"); ce != nil {
		ce.Write(zap.String("server", env.Identity), zap.String("dump", env.Message.Dump()))
	}
	r := env.Message.Reader()
	header, _ := r.NextString()
	if header != protocol.ServerHeader {
		telemetry.FramesDropped.WithLabelValues("protocol").Inc()
		c.log.Error("bad protocol header", zap.String("server", env.Identity), zap.String("header", header),
			zap.String("dump", env.Message.Dump()))
		return
	}

	cmd, _ := r.NextString()
	switch cmd {
	case protocol.CmdIntroduce:
		c.handleIntroduce(env.Identity, r)
	case protocol.CmdPong:
		c.reg.Interaction(env.Identity)
	case protocol.CmdReply:
		c.handleReply(env.Identity, r)
	default:
		telemetry.FramesDropped.WithLabelValues("unknown_command").Inc()
		c.log.Error("unknown command", zap.String("server", env.Identity), zap.String("command", cmd))
	}
}

func (c *Connector) handleIntroduce(serverID string, r *protocol.Reader) {
	for r.Remaining() > 0 {
		name, _ := r.NextString()
		version, ok := r.NextString()
		if !ok {
			c.log.Warn("service without version", zap.String("server", serverID), zap.String("service", name))
			break
		}
		c.reg.AddService(serverID, name, version)
	}
	c.reg.Interaction(serverID)
}

func (c *Connector) handleReply(serverID string, r *protocol.Reader) {
	c.reg.Interaction(serverID)
	id, ok := r.NextString()
	status, ok2 := r.Next()
	if !ok || !ok2 || len(status) != 4 {
		telemetry.FramesDropped.WithLabelValues("protocol").Inc()
		c.log.Error("malformed reply", zap.String("server", serverID), zap.String("request", id))
		return
	}
	payload, _ := r.Next()
	resp := message.NewResponse(id, int32(binary.BigEndian.Uint32(status)), payload)
	telemetry.RepliesTotal.WithLabelValues(telemetry.StatusClass(resp.Status)).Inc()
	if c.onReply != nil {
		c.onReply(resp)
	}
}

// Close stops both loops, lets the receive pool finish within ShutdownGrace,
// stops every admin session and releases the router.
func (c *Connector) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.stop)
		c.wg.Wait()
		if !c.recv.Stop(c.cfg.ShutdownGrace) {
			c.log.Warn("receive workers still busy after grace period")
		}
		c.admins.Close()
		err = c.router.Close()
		c.log.Info("connector closed")
	})
	return err
}
