package middleware

import (
	"context"
	"errors"

	"golang.org/x/time/rate"

	"rpc-gateway/message"
)

// ErrRateLimited is returned when the token bucket is empty.
var ErrRateLimited = errors.New("rate limit exceeded")

// RateLimitMiddleware throttles sends with a token bucket of r tokens per
// second and the given burst. Requests over the limit fail immediately.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) error {
			if !limiter.Allow() {
				return ErrRateLimited
			}
			return next(ctx, req)
		}
	}
}
