// Package middleware wraps the send path of the request facade.
//
//	Chain(A, B, C)(send) → A(B(C(send)))
//	order: A.before → B.before → C.before → send → C.after → B.after → A.after
package middleware

import (
	"context"

	"rpc-gateway/message"
)

// HandlerFunc hands one request (id already assigned) to the engine. It
// returns once the request is queued, not when the reply arrives.
type HandlerFunc func(ctx context.Context, req *message.Request) error

type Middleware func(next HandlerFunc) HandlerFunc

// Chain combines middlewares into one, the first being the outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
