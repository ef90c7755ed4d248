package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"rpc-gateway/logging"
	"rpc-gateway/message"
)

func LoggingMiddleware(log *zap.Logger) Middleware {
	log = logging.OrNop(log).Named("send")
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) error {
			start := time.Now()
			err := next(ctx, req)
			fields := []zap.Field{
				zap.String("request", req.ID()),
				zap.String("service", req.ServiceID()),
				zap.String("action", req.ActionCategory+"/"+req.ActionName),
				zap.String("role", req.Role),
				zap.Duration("duration", time.Since(start)),
			}
			if err != nil {
				log.Warn("request rejected", append(fields, zap.Error(err))...)
				return err
			}
			log.Debug("request queued", fields...)
			return nil
		}
	}
}
