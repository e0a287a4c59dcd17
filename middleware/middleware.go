// Package middleware wraps call handling in onion layers.
//
//	Chain(A, B, C)(handler) → A(B(C(handler)))
//	execution order: A.before → B.before → C.before → handler → C.after → B.after → A.after
//
// The node applies a chain around local dispatch; the client applies one
// around the calls it originates.
package middleware

import (
	"context"

	"hop-rpc/message"
)

// HandlerFunc handles one service call. It never returns nil.
type HandlerFunc func(ctx context.Context, req *message.ServiceCallRequest) *message.ServiceCallResult

type Middleware func(next HandlerFunc) HandlerFunc

// Chain combines several middlewares into one. The first one is outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
