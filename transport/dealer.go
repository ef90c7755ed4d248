package transport

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"rpc-gateway/protocol"
)

// Dealer is the TCP Conn. It connects lazily through a factory, so it can be
// created before the router is up, and reconnects whenever the stream breaks.
//
// Outbound messages wait in a buffered channel bounded by SendHWM. A message
// whose write fails is kept and written first after the next connection.
type Dealer struct {
	identity string
	factory  func() (net.Conn, error)
	opts     Options
	log      *zap.Logger

	outbox chan protocol.Message
	inbox  chan protocol.Message
	closed chan struct{}
	once   sync.Once
	wg     sync.WaitGroup

	mu   sync.Mutex
	conn net.Conn
}

// DialTCP starts a dealer to addr. It returns immediately; the connection is
// established in the background.
func DialTCP(identity, addr string, opts Options) *Dealer {
	return newDealer(identity, func() (net.Conn, error) {
		return net.DialTimeout("tcp", addr, dialTimeout)
	}, opts)
}

func newDealer(identity string, factory func() (net.Conn, error), opts Options) *Dealer {
	opts = opts.withDefaults()
	d := &Dealer{
		identity: identity,
		factory:  factory,
		opts:     opts,
		log:      opts.Log.Named("dealer").With(zap.String("identity", identity)),
		outbox:   make(chan protocol.Message, opts.SendHWM),
		inbox:    make(chan protocol.Message, opts.RecvHWM),
		closed:   make(chan struct{}),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

// Send queues msg without blocking.
func (d *Dealer) Send(msg protocol.Message) error {
	select {
	case <-d.closed:
		return ErrTerminated
	default:
	}
	select {
	case d.outbox <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

// Recv waits up to timeout for a message from the router.
func (d *Dealer) Recv(timeout time.Duration) (protocol.Message, bool, error) {
	select {
	case msg := <-d.inbox:
		return msg, true, nil
	case <-d.closed:
		return nil, false, ErrTerminated
	default:
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case msg := <-d.inbox:
		return msg, true, nil
	case <-d.closed:
		return nil, false, ErrTerminated
	case <-t.C:
		return nil, false, nil
	}
}

// Close drops the connection and any queued messages.
func (d *Dealer) Close() error {
	d.once.Do(func() {
		close(d.closed)
		d.mu.Lock()
		if d.conn != nil {
			d.conn.Close()
		}
		d.mu.Unlock()
		d.wg.Wait()
	})
	return nil
}

func (d *Dealer) run() {
	defer d.wg.Done()
	var carry protocol.Message // written first on the next connection
	backoff := reconnectMin
	for {
		conn, err := d.connect()
		if err != nil {
			if errors.Is(err, ErrTerminated) {
				return
			}
			d.log.Debug("connect failed", zap.Error(err), zap.Duration("retryIn", backoff))
			select {
			case <-d.closed:
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, d.opts.ReconnectMax)
			continue
		}
		backoff = reconnectMin
		if d.opts.OnConnect != nil {
			d.opts.OnConnect()
		}

		broken := make(chan struct{})
		d.wg.Add(1)
		go d.readLoop(conn, broken)

		carry = d.writeLoop(conn, carry, broken)
		conn.Close()
		select {
		case <-d.closed:
			return
		default:
		}
	}
}

// connect dials and introduces the dealer with a hello.
func (d *Dealer) connect() (net.Conn, error) {
	conn, err := d.factory()
	if err != nil {
		return nil, err
	}
	if err := protocol.Encode(conn, protocol.MsgTypeHello, protocol.NewMessage(d.identity)); err != nil {
		conn.Close()
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	select {
	case <-d.closed:
		conn.Close()
		return nil, ErrTerminated
	default:
	}
	d.conn = conn
	return conn, nil
}

// writeLoop drains the outbox onto conn until the stream breaks or the
// dealer closes. It returns the message that could not be written, if any.
func (d *Dealer) writeLoop(conn net.Conn, carry protocol.Message, broken <-chan struct{}) protocol.Message {
	for {
		msg := carry
		if msg == nil {
			select {
			case msg = <-d.outbox:
			case <-broken:
				return nil
			case <-d.closed:
				return nil
			}
		}
		if err := protocol.Encode(conn, protocol.MsgTypeData, msg); err != nil {
			d.log.Debug("write failed", zap.Error(err))
			return msg
		}
		carry = nil
	}
}

func (d *Dealer) readLoop(conn net.Conn, broken chan<- struct{}) {
	defer d.wg.Done()
	defer close(broken)
	for {
		t, msg, err := protocol.Decode(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				d.log.Debug("read failed", zap.Error(err))
			}
			conn.Close()
			return
		}
		if t != protocol.MsgTypeData {
			continue
		}
		select {
		case d.inbox <- msg:
		case <-d.closed:
			return
		}
	}
}
