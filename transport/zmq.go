//go:build zmq

package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	zmq "github.com/pebbe/zmq4"

	"rpc-gateway/protocol"
)

// zmqRouter is a ROUTER socket with mandatory routing, so sends to an
// unknown identity fail with EHOSTUNREACH instead of being dropped.
// A zmq socket must not be used concurrently; mu serializes Send and Recv.
type zmqRouter struct {
	mu     sync.Mutex
	sock   *zmq.Socket
	poller *zmq.Poller
	addr   string
	closed bool
}

func listenZMQ(identity, addr string, opts Options) (Router, error) {
	opts = opts.withDefaults()
	sock, err := zmq.NewSocket(zmq.ROUTER)
	if err != nil {
		return nil, err
	}
	setup := []error{
		sock.SetIdentity(identity),
		sock.SetSndhwm(opts.SendHWM),
		sock.SetRcvhwm(opts.RecvHWM),
		sock.SetRouterMandatory(1),
		sock.SetLinger(0),
	}
	if err := errors.Join(setup...); err != nil {
		sock.Close()
		return nil, fmt.Errorf("zmq router options: %w", err)
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		sock.Close()
		return nil, err
	}
	if err := sock.Bind("tcp://*:" + port); err != nil {
		sock.Close()
		return nil, fmt.Errorf("zmq bind %s: %w", addr, err)
	}
	poller := zmq.NewPoller()
	poller.Add(sock, zmq.POLLIN)
	return &zmqRouter{sock: sock, poller: poller, addr: addr}, nil
}

func (r *zmqRouter) Addr() string { return r.addr }

func (r *zmqRouter) Send(identity string, msg protocol.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrTerminated
	}
	_, err := r.sock.SendMessageDontwait(identity, [][]byte(msg))
	return mapZMQError(err, identity)
}

func (r *zmqRouter) Recv(timeout time.Duration) (Envelope, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return Envelope{}, false, ErrTerminated
	}
	polled, err := r.poller.Poll(timeout)
	if err != nil {
		return Envelope{}, false, mapZMQError(err, "")
	}
	if len(polled) == 0 {
		return Envelope{}, false, nil
	}
	frames, err := r.sock.RecvMessageBytes(0)
	if err != nil {
		return Envelope{}, false, mapZMQError(err, "")
	}
	if len(frames) < 1 {
		return Envelope{}, false, fmt.Errorf("%w: missing identity frame", protocol.ErrProtocolViolation)
	}
	return Envelope{Identity: string(frames[0]), Message: protocol.Message(frames[1:])}, true, nil
}

func (r *zmqRouter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.sock.Close()
}

// zmqDealer is a DEALER socket. libzmq queues, reconnects and introduces the
// identity itself.
type zmqDealer struct {
	mu     sync.Mutex
	sock   *zmq.Socket
	poller *zmq.Poller
	closed bool
}

func dialZMQ(identity, addr string, opts Options) (Conn, error) {
	opts = opts.withDefaults()
	sock, err := zmq.NewSocket(zmq.DEALER)
	if err != nil {
		return nil, err
	}
	setup := []error{
		sock.SetIdentity(identity),
		sock.SetSndhwm(opts.SendHWM),
		sock.SetRcvhwm(opts.RecvHWM),
		sock.SetReconnectIvlMax(opts.ReconnectMax),
		sock.SetLinger(0),
	}
	if err := errors.Join(setup...); err != nil {
		sock.Close()
		return nil, fmt.Errorf("zmq dealer options: %w", err)
	}
	if err := sock.Connect("tcp://" + addr); err != nil {
		sock.Close()
		return nil, fmt.Errorf("zmq connect %s: %w", addr, err)
	}
	poller := zmq.NewPoller()
	poller.Add(sock, zmq.POLLIN)
	if opts.OnConnect != nil {
		// Messages sent now wait in the socket queue until the connection is up.
		opts.OnConnect()
	}
	return &zmqDealer{sock: sock, poller: poller}, nil
}

func (d *zmqDealer) Send(msg protocol.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrTerminated
	}
	_, err := d.sock.SendMessageDontwait([][]byte(msg))
	if zmq.AsErrno(err) == zmq.Errno(syscall.EAGAIN) {
		return ErrQueueFull
	}
	return mapZMQError(err, "")
}

func (d *zmqDealer) Recv(timeout time.Duration) (protocol.Message, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, false, ErrTerminated
	}
	polled, err := d.poller.Poll(timeout)
	if err != nil {
		return nil, false, mapZMQError(err, "")
	}
	if len(polled) == 0 {
		return nil, false, nil
	}
	frames, err := d.sock.RecvMessageBytes(0)
	if err != nil {
		return nil, false, mapZMQError(err, "")
	}
	return protocol.Message(frames), true, nil
}

func (d *zmqDealer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return d.sock.Close()
}

func mapZMQError(err error, identity string) error {
	if err == nil {
		return nil
	}
	switch zmq.AsErrno(err) {
	case zmq.EHOSTUNREACH:
		return fmt.Errorf("%w: %s", ErrHostUnreachable, identity)
	case zmq.ETERM:
		return ErrTerminated
	case zmq.Errno(syscall.EAGAIN):
		return fmt.Errorf("%w: %s", ErrQueueFull, identity)
	}
	return err
}
