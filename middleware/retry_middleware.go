package middleware

import (
	"context"
	"time"

	"github.com/avast/retry-go/v4"
	"go.uber.org/zap"

	"rpc-gateway/logging"
	"rpc-gateway/message"
)

// RetryMiddleware sends again, with exponential backoff from baseDelay, while
// retryIf accepts the error and attempts remain. It stops early when ctx is
// done. attempts counts the first try, so attempts <= 1 disables retrying.
func RetryMiddleware(attempts uint, baseDelay time.Duration, retryIf func(error) bool, log *zap.Logger) Middleware {
	log = logging.OrNop(log).Named("retry")
	return func(next HandlerFunc) HandlerFunc {
		if attempts <= 1 {
			return next
		}
		return func(ctx context.Context, req *message.Request) error {
			return retry.Do(func() error {
				return next(ctx, req)
			},
				retry.Context(ctx),
				retry.Attempts(attempts),
				retry.Delay(baseDelay),
				retry.DelayType(retry.BackOffDelay),
				retry.RetryIf(retryIf),
				retry.LastErrorOnly(true),
				retry.OnRetry(func(n uint, err error) {
					log.Info("send retry", zap.Uint("attempt", n+1), zap.String("request", req.ID()), zap.Error(err))
				}),
			)
		}
	}
}
