// Package server is a backend peer speaking the server side of the gateway
// protocol. It hosts handlers for local runs and tests; it is not a service
// runtime.
//
// Request processing pipeline:
//
//	Serve → dealer to the gateway, identity <ip>:<port>
//	  RINTR → INTR with every registered (name, version)
//	  PING  → PONG
//	  REQ   → go handleRequest → Handler → REP (status as big-endian int32)
package server

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"rpc-gateway/discovery"
	"rpc-gateway/identity"
	"rpc-gateway/logging"
	"rpc-gateway/protocol"
	"rpc-gateway/transport"
)

// Request is one call received from the gateway.
type Request struct {
	ID       string
	Service  string
	Version  string
	Category string
	Action   string
	Payload  []byte
}

// Handler serves the requests of one service version.
type Handler func(ctx context.Context, req *Request) (status int32, payload []byte)

type service struct {
	name, version string
	handler       Handler
}

// Server is the backend peer.
type Server struct {
	node identity.Node
	log  *zap.Logger

	mu         sync.RWMutex
	serviceMap map[string]*service // "<name>-<version>" → service
	order      []string            // introduction order

	session  discovery.Session
	wg       sync.WaitGroup // in-flight requests
	shutdown atomic.Bool
	silent   atomic.Bool
	stopped  chan struct{}
	served   chan struct{}
}

// NewServer creates a backend identified as SERVER@ip:port.
func NewServer(ip string, port int, log *zap.Logger) *Server {
	node := identity.NewNode(identity.ServerRole, ip, port)
	return &Server{
		node:       node,
		log:        logging.OrNop(log).Named("server").With(zap.Stringer("node", node)),
		serviceMap: make(map[string]*service),
		stopped:    make(chan struct{}),
		served:     make(chan struct{}),
	}
}

// Node returns the discovery identity of the server.
func (svr *Server) Node() identity.Node { return svr.node }

// Register adds a service version. Registering the same pair again replaces
// its handler.
func (svr *Server) Register(name, version string, h Handler) {
	id := identity.ServiceID(name, version)
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if _, ok := svr.serviceMap[id]; !ok {
		svr.order = append(svr.order, id)
	}
	svr.serviceMap[id] = &service{name: name, version: version, handler: h}
}

// SetSilent makes the server stop answering pings and requests, as a hung
// process would, while keeping its connection.
func (svr *Server) SetSilent(silent bool) { svr.silent.Store(silent) }

// Serve connects to the gateway router at gatewayAddr and handles its
// messages until Shutdown. When disc is not nil the server announces itself
// through it first.
func (svr *Server) Serve(gatewayAddr string, disc discovery.Discovery) error {
	defer close(svr.served)
	conn, err := transport.Dial(transport.TCP, svr.node.ID(), gatewayAddr, transport.Options{Log: svr.log})
	if err != nil {
		return err
	}
	defer conn.Close()

	if disc != nil {
		sess, err := disc.Run(context.Background(), svr.node, ignoreMembers{})
		if err != nil {
			return fmt.Errorf("announce: %w", err)
		}
		svr.mu.Lock()
		svr.session = sess
		svr.mu.Unlock()
	}

	for !svr.shutdown.Load() {
		msg, ok, err := conn.Recv(10 * time.Millisecond)
		if err != nil {
			if errors.Is(err, transport.ErrTerminated) {
				return nil
			}
			return err
		}
		if ok {
			svr.dispatch(conn, msg)
		}
	}
	return nil
}

func (svr *Server) dispatch(conn transport.Conn, msg protocol.Message) {
	r := msg.Reader()
	if header, _ := r.NextString(); header != protocol.ServerHeader {
		svr.log.Warn("bad protocol header", zap.String("header", header))
		return
	}
	cmd, _ := r.NextString()
	switch cmd {
	case protocol.CmdReverseIntroduce:
		svr.send(conn, svr.introduction())
	case protocol.CmdPing:
		if !svr.silent.Load() {
			svr.send(conn, protocol.NewMessage(protocol.ServerHeader, protocol.CmdPong))
		}
	case protocol.CmdRequest:
		req, err := parseRequest(r)
		if err != nil {
			svr.log.Warn("malformed request", zap.Error(err))
			return
		}
		if svr.silent.Load() {
			return
		}
		// Parallel processing: a slow handler must not hold up the next request.
		svr.wg.Add(1)
		go svr.handleRequest(conn, req)
	default:
		svr.log.Warn("unknown command", zap.String("command", cmd))
	}
}

func (svr *Server) introduction() protocol.Message {
	svr.mu.RLock()
	defer svr.mu.RUnlock()
	msg := protocol.NewMessage(protocol.ServerHeader, protocol.CmdIntroduce)
	for _, id := range svr.order {
		s := svr.serviceMap[id]
		msg = msg.AppendString(s.name).AppendString(s.version)
	}
	return msg
}

func parseRequest(r *protocol.Reader) (*Request, error) {
	var fields [5]string
	for i := range fields {
		f, ok := r.NextString()
		if !ok {
			return nil, fmt.Errorf("%w: request has %d of 6 fields", protocol.ErrProtocolViolation, i)
		}
		fields[i] = f
	}
	payload, _ := r.Next()
	return &Request{
		ID:       fields[0],
		Service:  fields[1],
		Version:  fields[2],
		Category: fields[3],
		Action:   fields[4],
		Payload:  payload,
	}, nil
}

func (svr *Server) handleRequest(conn transport.Conn, req *Request) {
	defer svr.wg.Done()

	svr.mu.RLock()
	s, ok := svr.serviceMap[identity.ServiceID(req.Service, req.Version)]
	svr.mu.RUnlock()

	status, payload := int32(404), []byte(nil)
	if ok {
		status, payload = s.handler(context.Background(), req)
	}
	svr.send(conn, Reply(req.ID, status, payload))
}

// Reply builds the REP message for a request id.
func Reply(requestID string, status int32, payload []byte) protocol.Message {
	st := make([]byte, 4)
	binary.BigEndian.PutUint32(st, uint32(status))
	return protocol.NewMessage(protocol.ServerHeader, protocol.CmdReply, requestID).Append(st).Append(payload)
}

func (svr *Server) send(conn transport.Conn, msg protocol.Message) {
	if err := conn.Send(msg); err != nil {
		svr.log.Warn("send failed", zap.Error(err))
	}
}

// Shutdown performs graceful shutdown:
//  1. Withdraw from discovery, so the gateway stops routing here
//  2. Stop the receive loop
//  3. Wait for in-flight requests (with timeout), then close the connection
func (svr *Server) Shutdown(timeout time.Duration) error {
	svr.mu.RLock()
	sess := svr.session
	svr.mu.RUnlock()
	var errs []error
	if sess != nil {
		errs = append(errs, sess.Stop())
	}
	svr.shutdown.Store(true)

	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		<-svr.served
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		errs = append(errs, fmt.Errorf("timeout waiting for ongoing requests to finish"))
	}
	return errors.Join(errs...)
}

type ignoreMembers struct{}

func (ignoreMembers) Join(identity.Node)  {}
func (ignoreMembers) Leave(identity.Node) {}
