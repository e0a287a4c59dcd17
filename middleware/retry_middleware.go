package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"hop-rpc/message"
)

// RetryMiddleware repeats calls that failed with a retryable kind (only
// Communication), waiting baseDelay, 2*baseDelay, 4*baseDelay... between
// attempts. It stops early when ctx is done.
//
// Retrying belongs to whoever originates the call; nodes on the forwarding
// path never retry.
func RetryMiddleware(maxRetries int, baseDelay time.Duration, logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.ServiceCallRequest) *message.ServiceCallResult {
			result := next(ctx, req)
			for i := 0; i < maxRetries; i++ {
				if result.Failure == nil || !result.Failure.Kind.Retryable() {
					return result
				}
				delay := baseDelay * time.Duration(1<<i)
				logger.Info("retrying call",
					zap.Int("attempt", i+1),
					zap.String("method", req.ServiceMethod()),
					zap.String("target", req.Target.String()),
					zap.String("error", result.Failure.Message),
					zap.Duration("backoff", delay))

				timer := time.NewTimer(delay)
				select {
				case <-ctx.Done():
					timer.Stop()
					return result
				case <-timer.C:
				}
				result = next(ctx, req)
			}
			return result
		}
	}
}
