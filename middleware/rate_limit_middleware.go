package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"hop-rpc/message"
	"hop-rpc/rpcerr"
)

// RateLimitMiddleware admits calls through a token bucket of r calls per
// second with the given burst. Rejected calls fail as Communication, so a
// caller's retry policy may try again later.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.ServiceCallRequest) *message.ServiceCallResult {
			if !limiter.Allow() {
				return message.Failed(rpcerr.New(rpcerr.KindCommunication, "rate limit exceeded"))
			}
			return next(ctx, req)
		}
	}
}
