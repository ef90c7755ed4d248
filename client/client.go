// Package client is the request facade of the gateway. Process hands a request
// to the send workers and returns a Future right away; the reply, a send
// failure or the request deadline completes it, exactly once.
//
//	Process → id + pending table → send pool → middleware chain → connector.Send
//	connector reply handler → pending table (LoadAndDelete) → Future
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"rpc-gateway/config"
	"rpc-gateway/connector"
	"rpc-gateway/discovery"
	"rpc-gateway/identity"
	"rpc-gateway/logging"
	"rpc-gateway/message"
	"rpc-gateway/middleware"
	"rpc-gateway/registry"
	"rpc-gateway/telemetry"
	"rpc-gateway/transport"
	"rpc-gateway/worker"
)

var (
	// ErrClosed fails requests processed after Destroy.
	ErrClosed = errors.New("gateway closed")

	ErrPermissionDenied = connector.ErrPermissionDenied
	ErrUnknownService   = connector.ErrUnknownService
	ErrRateLimited      = middleware.ErrRateLimited
)

type options struct {
	router      transport.Router
	middlewares []middleware.Middleware
}

// Option customizes New.
type Option func(*options)

// WithRouter runs the engine on r instead of binding the configured port.
func WithRouter(r transport.Router) Option {
	return func(o *options) { o.router = r }
}

// WithMiddleware appends m to the send chain, inside the built-in ones.
func WithMiddleware(m ...middleware.Middleware) Option {
	return func(o *options) { o.middlewares = append(o.middlewares, m...) }
}

// Client is the gateway facade.
type Client struct {
	cfg      config.Config
	log      *zap.Logger
	conn     *connector.Connector
	session  discovery.Session
	send     middleware.HandlerFunc
	sendPool *worker.Pool

	pending   sync.Map // request id → *Future
	closed    atomic.Bool
	closeOnce sync.Once
}

// New starts the engine and joins discovery as this process's CHANNEL node.
// ctx bounds the discovery start only.
func New(ctx context.Context, cfg config.Config, disc discovery.Discovery, log *zap.Logger, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	log = logging.OrNop(log)
	c := &Client{cfg: cfg, log: log.Named("client")}

	var connOpts []connector.Option
	if o.router != nil {
		connOpts = append(connOpts, connector.WithRouter(o.router))
	}
	conn, err := connector.New(cfg, c.onReply, log, connOpts...)
	if err != nil {
		return nil, fmt.Errorf("start connector: %w", err)
	}
	c.conn = conn

	chain := []middleware.Middleware{middleware.LoggingMiddleware(log)}
	if cfg.RateLimit.Rate > 0 {
		chain = append(chain, middleware.RateLimitMiddleware(cfg.RateLimit.Rate, cfg.RateLimit.Burst))
	}
	if cfg.Retry.Attempts > 1 {
		retryable := func(err error) bool { return errors.Is(err, ErrUnknownService) }
		chain = append(chain, middleware.RetryMiddleware(cfg.Retry.Attempts, cfg.Retry.Delay, retryable, log))
	}
	chain = append(chain, o.middlewares...)
	c.send = middleware.Chain(chain...)(func(_ context.Context, req *message.Request) error {
		return conn.Send(req)
	})
	c.sendPool = worker.NewPool(cfg.SendPoolSize)

	sess, err := disc.Run(ctx, cfg.Self(), conn.Registry())
	if err != nil {
		c.sendPool.Stop(0)
		conn.Close()
		return nil, fmt.Errorf("join discovery: %w", err)
	}
	c.session = sess
	conn.Registry().SetDisconnector(sess)
	c.log.Info("gateway started", zap.Stringer("self", cfg.Self()), zap.String("addr", conn.Addr()))
	return c, nil
}

// Process is ProcessContext without a caller deadline.
func (c *Client) Process(req *message.Request) *Future {
	return c.ProcessContext(context.Background(), req)
}

// ProcessContext assigns req an id and queues it for sending. The Future
// fails with ctx.Err() if ctx ends before the reply arrives. req is not
// modified.
func (c *Client) ProcessContext(ctx context.Context, req *message.Request) *Future {
	id, err := identity.NewRequestID(c.cfg.RequestIDPrefix)
	if err != nil {
		return failed(id, err)
	}
	if c.closed.Load() {
		telemetry.RequestsTotal.WithLabelValues("closed").Inc()
		return failed(id, ErrClosed)
	}
	req = req.WithID(id)

	var cancel context.CancelFunc
	if c.cfg.RequestTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	f := newFuture(id, cancel)
	c.pending.Store(id, f)
	telemetry.PendingRequests.Inc()

	// Completing f cancels ctx, which runs this with f already gone.
	context.AfterFunc(ctx, func() {
		if c.complete(id, nil, ctx.Err()) {
			telemetry.RequestsTotal.WithLabelValues(outcome(ctx.Err())).Inc()
		}
	})

	err = c.sendPool.Submit(func() {
		if ctx.Err() != nil {
			return // already failed by the AfterFunc above
		}
		if err := c.send(ctx, req); err != nil {
			if errors.Is(err, connector.ErrClosed) {
				err = ErrClosed
			}
			if c.complete(id, nil, err) {
				telemetry.RequestsTotal.WithLabelValues(outcome(err)).Inc()
			}
			return
		}
		telemetry.RequestsTotal.WithLabelValues("sent").Inc()
	})
	if err != nil {
		if c.complete(id, nil, ErrClosed) {
			telemetry.RequestsTotal.WithLabelValues("closed").Inc()
		}
	}
	return f
}

func (c *Client) onReply(resp *message.Response) {
	if !c.complete(resp.RequestID, resp, nil) {
		c.log.Debug("reply without pending request", zap.String("request", resp.RequestID))
	}
}

// complete resolves the pending handle of id. Only the first caller for an id
// gets true.
func (c *Client) complete(id string, resp *message.Response, err error) bool {
	v, ok := c.pending.LoadAndDelete(id)
	if !ok {
		return false
	}
	telemetry.PendingRequests.Dec()
	v.(*Future).resolve(resp, err)
	return true
}

func outcome(err error) string {
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, ErrUnknownService):
		return "unknown_service"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, ErrClosed):
		return "closed"
	default:
		return "error"
	}
}

// IsServiceAvailable reports whether name/version currently has a live host.
func (c *Client) IsServiceAvailable(name, version string) bool {
	return c.conn.IsServiceAvailable(name, version)
}

// Snapshot returns the servers and services currently known.
func (c *Client) Snapshot() registry.Snapshot {
	return c.conn.Registry().Snapshot()
}

// Addr returns the address the engine's router is bound to.
func (c *Client) Addr() string { return c.conn.Addr() }

// Destroy stops accepting requests, gives queued sends ShutdownGrace to
// finish, then stops the engine and leaves discovery. Requests still waiting
// for a reply are abandoned, not completed: callers bound them with their
// ctx or RequestTimeout.
func (c *Client) Destroy() error {
	var errs []error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		if !c.sendPool.Stop(c.cfg.ShutdownGrace) {
			c.log.Warn("send workers still busy after grace period")
		}
		if err := c.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close connector: %w", err))
		}
		if err := c.session.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("leave discovery: %w", err))
		}
		n := 0
		c.pending.Range(func(any, any) bool {
			n++
			return true
		})
		c.log.Info("gateway destroyed", zap.Int("abandoned", n))
	})
	return errors.Join(errs...)
}
