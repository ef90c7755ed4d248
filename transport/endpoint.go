package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"rpc-gateway/protocol"
	"rpc-gateway/telemetry"
)

// Endpoint is the TCP Router.
//
//	Accept → hello (identity) → peers[identity] = conn → readLoop → inbox
//	Send(identity) → peers[identity].outbox → writeLoop (write deadline)
//
// Send never blocks: a peer whose outbox is full gets ErrQueueFull, and a
// peer that stops reading is dropped once a write times out.
type Endpoint struct {
	ln   net.Listener
	opts Options
	log  *zap.Logger

	mu    sync.Mutex
	peers map[string]*peerConn
	conns map[net.Conn]struct{} // every accepted stream, introduced or not

	inbox  chan Envelope
	closed chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

type peerConn struct {
	identity string
	conn     net.Conn
	outbox   chan protocol.Message
	gone     chan struct{}
	goneOnce sync.Once
}

// ListenTCP binds addr and starts accepting peers.
func ListenTCP(addr string, opts Options) (*Endpoint, error) {
	opts = opts.withDefaults()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	e := &Endpoint{
		ln:     ln,
		opts:   opts,
		log:    opts.Log.Named("router"),
		peers:  make(map[string]*peerConn),
		conns:  make(map[net.Conn]struct{}),
		inbox:  make(chan Envelope, opts.RecvHWM),
		closed: make(chan struct{}),
	}
	e.wg.Add(1)
	go e.acceptLoop()
	return e, nil
}

// Addr returns the bound address, useful when listening on port 0.
func (e *Endpoint) Addr() string {
	return e.ln.Addr().String()
}

func (e *Endpoint) acceptLoop() {
	defer e.wg.Done()
	for {
		conn, err := e.ln.Accept()
		if err != nil {
			select {
			case <-e.closed:
				return
			default:
			}
			e.log.Warn("accept failed", zap.Error(err))
			continue
		}
		e.mu.Lock()
		select {
		case <-e.closed:
			e.mu.Unlock()
			conn.Close()
			return
		default:
		}
		e.conns[conn] = struct{}{}
		e.wg.Add(1)
		e.mu.Unlock()
		go e.serve(conn)
	}
}

func (e *Endpoint) serve(conn net.Conn) {
	defer func() {
		e.mu.Lock()
		delete(e.conns, conn)
		e.mu.Unlock()
		e.wg.Done()
	}()

	p, err := e.handshake(conn)
	if err != nil {
		e.log.Warn("handshake failed", zap.Stringer("remote", conn.RemoteAddr()), zap.Error(err))
		conn.Close()
		return
	}
	e.wg.Add(1)
	go e.writeLoop(p)
	e.readLoop(p)
}

func (e *Endpoint) handshake(conn net.Conn) (*peerConn, error) {
	conn.SetReadDeadline(time.Now().Add(helloTimeout))
	t, msg, err := protocol.Decode(conn)
	if err != nil {
		return nil, err
	}
	if t != protocol.MsgTypeHello || len(msg) != 1 || len(msg[0]) == 0 {
		return nil, fmt.Errorf("%w: expected hello", protocol.ErrProtocolViolation)
	}
	conn.SetReadDeadline(time.Time{})

	p := &peerConn{
		identity: string(msg[0]),
		conn:     conn,
		outbox:   make(chan protocol.Message, e.opts.SendHWM),
		gone:     make(chan struct{}),
	}
	e.mu.Lock()
	select {
	case <-e.closed:
		e.mu.Unlock()
		return nil, ErrTerminated
	default:
	}
	old := e.peers[p.identity]
	e.peers[p.identity] = p
	e.mu.Unlock()

	if old != nil {
		// The peer reconnected; its previous stream is dead or stale.
		old.conn.Close()
	}
	e.log.Debug("peer connected", zap.String("identity", p.identity))
	return p, nil
}

func (e *Endpoint) readLoop(p *peerConn) {
	defer e.drop(p)
	for {
		t, msg, err := protocol.Decode(p.conn)
		if err != nil {
			if errors.Is(err, protocol.ErrProtocolViolation) {
				telemetry.FramesDropped.WithLabelValues("protocol").Inc()
				e.log.Warn("bad frame, closing peer", zap.String("identity", p.identity), zap.Error(err))
			} else if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				e.log.Debug("peer read failed", zap.String("identity", p.identity), zap.Error(err))
			}
			return
		}
		if t != protocol.MsgTypeData {
			continue
		}
		select {
		case e.inbox <- Envelope{Identity: p.identity, Message: msg}:
		case <-e.closed:
			return
		}
	}
}

func (e *Endpoint) writeLoop(p *peerConn) {
	defer e.wg.Done()
	for {
		select {
		case msg := <-p.outbox:
			p.conn.SetWriteDeadline(time.Now().Add(e.opts.WriteTimeout))
			if err := protocol.Encode(p.conn, protocol.MsgTypeData, msg); err != nil {
				var nerr net.Error
				if errors.As(err, &nerr) && nerr.Timeout() {
					telemetry.FramesDropped.WithLabelValues("stalled").Inc()
					e.log.Warn("peer stopped reading, dropping it", zap.String("identity", p.identity))
				}
				e.drop(p)
				return
			}
		case <-p.gone:
			return
		case <-e.closed:
			return
		}
	}
}

// drop forgets p unless a newer connection already took its identity.
func (e *Endpoint) drop(p *peerConn) {
	e.mu.Lock()
	if e.peers[p.identity] == p {
		delete(e.peers, p.identity)
	}
	e.mu.Unlock()
	p.goneOnce.Do(func() { close(p.gone) })
	p.conn.Close()
}

// Send queues msg for the peer named identity.
func (e *Endpoint) Send(identity string, msg protocol.Message) error {
	select {
	case <-e.closed:
		return ErrTerminated
	default:
	}
	e.mu.Lock()
	p, ok := e.peers[identity]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrHostUnreachable, identity)
	}

	select {
	case <-p.gone:
		return fmt.Errorf("%w: %s", ErrHostUnreachable, identity)
	default:
	}
	select {
	case p.outbox <- msg:
		return nil
	default:
		telemetry.FramesDropped.WithLabelValues("hwm").Inc()
		return fmt.Errorf("%w: %s", ErrQueueFull, identity)
	}
}

// Recv waits up to timeout for the next message from any peer.
func (e *Endpoint) Recv(timeout time.Duration) (Envelope, bool, error) {
	select {
	case env := <-e.inbox:
		return env, true, nil
	case <-e.closed:
		return Envelope{}, false, ErrTerminated
	default:
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case env := <-e.inbox:
		return env, true, nil
	case <-e.closed:
		return Envelope{}, false, ErrTerminated
	case <-t.C:
		return Envelope{}, false, nil
	}
}

// Peers returns the identities currently connected.
func (e *Endpoint) Peers() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.peers))
	for id := range e.peers {
		ids = append(ids, id)
	}
	return ids
}

// Close stops accepting, disconnects every peer and waits for the reader
// goroutines to exit.
func (e *Endpoint) Close() error {
	var err error
	e.once.Do(func() {
		close(e.closed)
		err = e.ln.Close()
		e.mu.Lock()
		for c := range e.conns {
			c.Close()
		}
		e.mu.Unlock()
		e.wg.Wait()
	})
	return err
}
