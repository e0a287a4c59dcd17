package middleware

import (
	"context"
	"time"

	"hop-rpc/message"
	"hop-rpc/rpcerr"
)

// TimeoutMiddleware bounds the call by timeout. The result is a Timeout
// failure when the deadline passes first, even if next never returns.
func TimeoutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.ServiceCallRequest) *message.ServiceCallResult {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.ServiceCallResult, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case result := <-done:
				return result
			case <-ctx.Done():
				return message.Failed(rpcerr.Errorf(rpcerr.KindTimeout, "%s timed out", req.ServiceMethod()))
			}
		}
	}
}
