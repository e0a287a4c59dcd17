// Package client is the caller-side API: it turns a Go call into a
// ServiceCallRequest, submits it to the local node, and turns the result
// back into a reply or a typed error.
//
// Retrying is decided here, at the originator. Only Communication failures
// are retried; a Timeout or a service error is returned as is.
package client

import (
	"context"
	"time"

	"go.uber.org/zap"

	"hop-rpc/message"
	"hop-rpc/middleware"
	"hop-rpc/node"
)

// Originator is where calls enter the network, normally the local node's
// *handler.Handler.
type Originator interface {
	Handle(ctx context.Context, req *message.ServiceCallRequest) *message.ServiceCallResult
}

type Client struct {
	call    middleware.HandlerFunc
	caller  string
	timeout time.Duration
}

type options struct {
	caller     string
	timeout    time.Duration
	maxRetries int
	baseDelay  time.Duration
	logger     *zap.Logger
}

type Option func(*options)

// WithCaller sets the opaque caller identity attached to every call.
func WithCaller(caller string) Option {
	return func(o *options) { o.caller = caller }
}

// WithTimeout bounds each Call, retries included.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithRetry retries Communication failures up to maxRetries times with
// exponential backoff starting at baseDelay.
func WithRetry(maxRetries int, baseDelay time.Duration) Option {
	return func(o *options) {
		o.maxRetries = maxRetries
		o.baseDelay = baseDelay
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

func New(o Originator, opts ...Option) *Client {
	cfg := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&cfg)
	}
	call := o.Handle
	if cfg.maxRetries > 0 {
		call = middleware.RetryMiddleware(cfg.maxRetries, cfg.baseDelay, cfg.logger.Named("client"))(call)
	}
	return &Client{call: call, caller: cfg.caller, timeout: cfg.timeout}
}

// Call invokes serviceMethod ("Service.Method") on target with args and
// decodes the return value into reply, which may be nil to discard it.
// A failed call returns an *rpcerr.Error.
func (c *Client) Call(ctx context.Context, target node.Identifier, serviceMethod string, args, reply any) error {
	result, err := c.do(ctx, target, serviceMethod, args)
	if err != nil {
		return err
	}
	if err := result.Err(); err != nil {
		return err
	}
	if reply == nil {
		return nil
	}
	return result.Decode(reply)
}

// CallValue is Call for callers that do not know the reply type up front.
func (c *Client) CallValue(ctx context.Context, target node.Identifier, serviceMethod string, args any) (any, error) {
	result, err := c.do(ctx, target, serviceMethod, args)
	if err != nil {
		return nil, err
	}
	return result.ReturnValue()
}

func (c *Client) do(ctx context.Context, target node.Identifier, serviceMethod string, args any) (*message.ServiceCallResult, error) {
	req, err := message.NewServiceCallRequest(target, serviceMethod, args, c.caller)
	if err != nil {
		return nil, err
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	return c.call(ctx, req), nil
}
