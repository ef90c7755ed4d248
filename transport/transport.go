// Package transport moves framed messages between the gateway and its peers.
//
// Two socket shapes are used, both addressing peers by identity:
//
//	Router  bound endpoint; every connected peer introduces itself with a
//	        hello carrying its identity, and sends are addressed to it.
//	Conn    dealer side; dials one router, introduces itself, reconnects
//	        with backoff and queues outbound messages up to a high-water mark.
//
// The default implementation runs over TCP with protocol framing. Building
// with -tags zmq adds a ZeroMQ ROUTER/DEALER implementation.
package transport

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"rpc-gateway/protocol"
)

var (
	// ErrHostUnreachable is returned when no peer with the target identity is connected.
	ErrHostUnreachable = errors.New("host unreachable")
	// ErrTerminated is returned once the socket was closed.
	ErrTerminated = errors.New("transport terminated")
	// ErrQueueFull is returned when the outbound queue reached its high-water mark.
	ErrQueueFull = errors.New("send queue full")
)

// Transport kinds.
const (
	TCP = "tcp"
	ZMQ = "zmq"
)

// Envelope is a message received by a Router with its sender identity.
type Envelope struct {
	Identity string
	Message  protocol.Message
}

// Router is a bound endpoint.
type Router interface {
	// Send delivers msg to the connected peer named identity.
	Send(identity string, msg protocol.Message) error
	// Recv waits up to timeout for a message. ok is false on timeout.
	Recv(timeout time.Duration) (env Envelope, ok bool, err error)
	Addr() string
	Close() error
}

// Conn is a dealer connection to one router.
type Conn interface {
	// Send queues msg. It never blocks.
	Send(msg protocol.Message) error
	// Recv waits up to timeout for a message. ok is false on timeout.
	Recv(timeout time.Duration) (msg protocol.Message, ok bool, err error)
	Close() error
}

// Options tune both socket shapes. Zero values take defaults.
type Options struct {
	SendHWM      int
	RecvHWM      int
	ReconnectMax time.Duration
	// WriteTimeout bounds one write to a router peer; a peer that does not
	// drain its socket in time is dropped.
	WriteTimeout time.Duration
	// OnConnect runs on the dealer side after every (re)connection.
	OnConnect func()
	Log       *zap.Logger
}

const (
	defaultHWM          = 1000
	defaultReconnectMax = time.Second
	defaultWriteTimeout = 5 * time.Second
	reconnectMin        = 50 * time.Millisecond
	helloTimeout        = 5 * time.Second
	dialTimeout         = 3 * time.Second
)

func (o Options) withDefaults() Options {
	if o.SendHWM <= 0 {
		o.SendHWM = defaultHWM
	}
	if o.RecvHWM <= 0 {
		o.RecvHWM = defaultHWM
	}
	if o.ReconnectMax <= 0 {
		o.ReconnectMax = defaultReconnectMax
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
	return o
}

// Listen binds a router of the given kind. identity names this endpoint to
// the peers that support it (zmq); addr is host:port.
func Listen(kind, identity, addr string, opts Options) (Router, error) {
	switch kind {
	case TCP, "":
		return ListenTCP(addr, opts)
	case ZMQ:
		return listenZMQ(identity, addr, opts)
	default:
		return nil, fmt.Errorf("unknown transport %q", kind)
	}
}

// Dial opens a dealer of the given kind to addr, introducing itself as identity.
// It returns before the connection is established.
func Dial(kind, identity, addr string, opts Options) (Conn, error) {
	switch kind {
	case TCP, "":
		return DialTCP(identity, addr, opts), nil
	case ZMQ:
		return dialZMQ(identity, addr, opts)
	default:
		return nil, fmt.Errorf("unknown transport %q", kind)
	}
}
