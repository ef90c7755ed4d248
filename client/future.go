package client

import (
	"context"

	"rpc-gateway/message"
)

// Future is the handle of one processed request.
type Future struct {
	id     string
	done   chan struct{}
	cancel context.CancelFunc
	resp   *message.Response
	err    error
}

func newFuture(id string, cancel context.CancelFunc) *Future {
	return &Future{id: id, done: make(chan struct{}), cancel: cancel}
}

func failed(id string, err error) *Future {
	f := newFuture(id, nil)
	f.resolve(nil, err)
	return f
}

// resolve must be called once.
func (f *Future) resolve(resp *message.Response, err error) {
	f.resp, f.err = resp, err
	close(f.done)
	if f.cancel != nil {
		f.cancel()
	}
}

// RequestID returns the id assigned to the request.
func (f *Future) RequestID() string { return f.id }

// Done is closed once the request completed.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the request completes or ctx ends. A non-nil response
// may still carry a non-2xx status.
func (f *Future) Wait(ctx context.Context) (*message.Response, error) {
	select {
	case <-f.done:
		return f.resp, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
