package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"hop-rpc/message"
)

// LoggingMiddleware logs every call with its duration; failures are logged
// at warn level with their kind.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.ServiceCallRequest) *message.ServiceCallResult {
			start := time.Now()
			result := next(ctx, req)
			fields := []zap.Field{
				zap.String("method", req.ServiceMethod()),
				zap.String("target", req.Target.String()),
				zap.Int("hops", req.Hops),
				zap.Duration("duration", time.Since(start)),
			}
			if req.Caller != "" {
				fields = append(fields, zap.String("caller", req.Caller))
			}
			if f := result.Failure; f != nil {
				fields = append(fields,
					zap.String("kind", string(f.Kind)),
					zap.String("error", f.Message),
					zap.String("failed_at", f.Node))
				logger.Warn("call failed", fields...)
				return result
			}
			logger.Debug("call", fields...)
			return result
		}
	}
}
