// Package admin keeps one session per admin peer. A session introduces the
// gateway, sends periodic heartbeats and applies the permission policy the
// peer pushes into the permission cache.
//
//	→ [DST1, SEC-REQ]                       once, on start
//	→ [DST1, HLT, CHANNEL]                  every HeartbeatInterval
//	← [DST1, PERMS, (address, roles)*]      roles joined by "/"
package admin

import (
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"rpc-gateway/identity"
	"rpc-gateway/permission"
	"rpc-gateway/protocol"
	"rpc-gateway/telemetry"
	"rpc-gateway/transport"
)

// State of a session.
type State int32

const (
	Connecting State = iota
	Active
	Stopped
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Active:
		return "active"
	case Stopped:
		return "stopped"
	}
	return "unknown"
}

// Options configure every session of a manager.
type Options struct {
	Self              identity.Node // the session identifies itself as Self.ID()
	Transport         string
	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	ReconnectMax      time.Duration
	HWM               int
}

// Session talks to one admin peer from its own goroutine.
type Session struct {
	peer  identity.Node
	opts  Options
	cache *permission.Cache
	log   *zap.Logger

	state   atomic.Int32
	stopped atomic.Bool
	done    chan struct{}

	lastHeartbeat time.Time
	now           func() time.Time
}

func newSession(peer identity.Node, opts Options, cache *permission.Cache, log *zap.Logger) *Session {
	return &Session{
		peer:  peer,
		opts:  opts,
		cache: cache,
		log:   log.With(zap.Stringer("admin", peer)),
		done:  make(chan struct{}),
		now:   time.Now,
	}
}

// Peer returns the admin node of the session.
func (s *Session) Peer() identity.Node { return s.peer }

// State returns the current state.
func (s *Session) State() State { return State(s.state.Load()) }

// Done is closed once the session goroutine exited and released its socket.
func (s *Session) Done() <-chan struct{} { return s.done }

// Stop asks the session to exit. It does not wait; see Done.
func (s *Session) Stop() { s.stopped.Store(true) }

func (s *Session) run() {
	defer close(s.done)
	defer s.state.Store(int32(Stopped))

	conn, err := transport.Dial(s.opts.Transport, s.opts.Self.ID(), s.peer.Addr(), transport.Options{
		SendHWM:      s.opts.HWM,
		RecvHWM:      s.opts.HWM,
		ReconnectMax: s.opts.ReconnectMax,
		Log:          s.log,
	})
	if err != nil {
		s.log.Error("admin connection failed", zap.Error(err))
		return
	}
	defer conn.Close()

	if err := conn.Send(protocol.NewMessage(protocol.AdminHeader, protocol.CmdSecurityHandshake)); err != nil {
		s.log.Error("security handshake failed", zap.Error(err))
		return
	}
	s.state.Store(int32(Active))
	s.log.Info("admin session started")

	for !s.stopped.Load() {
		s.heartbeat(conn)
		msg, ok, err := conn.Recv(s.opts.PollInterval)
		if err != nil {
			if errors.Is(err, transport.ErrTerminated) {
				break
			}
			s.log.Error("admin receive failed", zap.Error(err))
			continue
		}
		if ok {
			s.handle(msg)
		}
	}
	s.log.Info("admin session stopped")
}

func (s *Session) heartbeat(conn transport.Conn) {
	now := s.now()
	if !s.lastHeartbeat.IsZero() && now.Sub(s.lastHeartbeat) < s.opts.HeartbeatInterval {
		return
	}
	err := conn.Send(protocol.NewMessage(protocol.AdminHeader, protocol.CmdHeartbeat, identity.ChannelRole))
	if err != nil {
		s.log.Warn("heartbeat not sent", zap.Error(err))
		return
	}
	s.lastHeartbeat = now
}

func (s *Session) handle(msg protocol.Message) {
	r := msg.Reader()
	header, _ := r.NextString()
	if header == "" && r.Remaining() > 0 {
		// Envelope delimiter left by router sockets.
		header, _ = r.NextString()
	}
	if header != protocol.AdminHeader {
		telemetry.FramesDropped.WithLabelValues("protocol").Inc()
		s.log.Error("corrupted admin message", zap.String("header", header), zap.String("dump", msg.Dump()))
		return
	}
	cmd, _ := r.NextString()
	switch cmd {
	case protocol.CmdPolicyPush:
		s.applyPolicy(r)
	default:
		telemetry.FramesDropped.WithLabelValues("unknown_command").Inc()
		s.log.Warn("unknown admin command", zap.String("command", cmd))
	}
}

func (s *Session) applyPolicy(r *protocol.Reader) {
	for r.Remaining() > 0 {
		address, _ := r.NextString()
		joined, ok := r.NextString()
		if !ok {
			s.log.Warn("policy entry without roles", zap.String("address", address))
			return
		}
		s.cache.AddPermission(address, splitRoles(joined))
		telemetry.PolicyUpdatesTotal.Inc()
		s.log.Debug("permission updated", zap.String("address", address), zap.String("roles", joined))
	}
}

func splitRoles(joined string) []string {
	parts := strings.Split(joined, protocol.RoleSeparator)
	roles := parts[:0]
	for _, p := range parts {
		if p != "" {
			roles = append(roles, p)
		}
	}
	return roles
}
