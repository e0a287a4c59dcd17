// Package handler makes the per-hop routing decision for service calls.
//
//	RECEIVED ──target is local──→ LOCAL_DISPATCH ──→ COMPLETED | FAILED
//	    │
//	    └──────otherwise────────→ FORWARD ─────────→ COMPLETED | FAILED
//
// Every hop makes exactly one decision: a call is executed once, or sent
// once to one next hop. Nothing here retries; retry policy belongs to the
// originator (see package client).
package handler

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"hop-rpc/message"
	"hop-rpc/middleware"
	"hop-rpc/node"
	"hop-rpc/rpcerr"
	"hop-rpc/service"
	"hop-rpc/transport"
)

// Router chooses the next hop for a remote target.
type Router interface {
	Select(id node.Identifier) (cp node.ContactPoint, direct bool, err error)
}

// SenderSource hands out initialized senders by contact point.
type SenderSource interface {
	Get(cp node.ContactPoint) (transport.Sender, error)
}

// Options configure a Handler. Local, Services, Routes and Senders are
// required.
type Options struct {
	Local    node.Identifier
	Services *service.Registry
	Routes   Router
	Senders  SenderSource

	// RequestTimeout bounds a forward made by the originating node,
	// ForwardingTimeout one made by an intermediate node. Both are further
	// bounded by the caller's remaining budget.
	RequestTimeout    time.Duration
	ForwardingTimeout time.Duration
	// HopLimit is the number of hops a call may travel; a node holding a
	// call that already travelled HopLimit hops refuses to forward it.
	HopLimit int

	// Middlewares wrap local dispatch, first one outermost.
	Middlewares []middleware.Middleware
	Logger      *zap.Logger
}

// Handler is the ServiceCallHandler of one node. It is safe for concurrent
// use; each call is handled on the caller's goroutine.
type Handler struct {
	opts     Options
	logger   *zap.Logger
	dispatch middleware.HandlerFunc
}

func New(opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	h := &Handler{opts: opts, logger: opts.Logger.Named("handler")}
	h.dispatch = middleware.Chain(opts.Middlewares...)(h.invokeLocal)
	return h
}

// Local returns the id of the node this handler serves.
func (h *Handler) Local() node.Identifier {
	return h.opts.Local
}

// Handle executes req locally or forwards it, and always returns a result.
// A failure produced on this node is attributed to it.
func (h *Handler) Handle(ctx context.Context, req *message.ServiceCallRequest) *message.ServiceCallResult {
	r := *req
	if r.Origin == "" {
		r.Origin = h.opts.Local
	}

	var result *message.ServiceCallResult
	switch {
	case r.Parameters == nil:
		result = message.Failed(rpcerr.New(rpcerr.KindSerialization, "call "+r.ServiceMethod()+" carries no parameters"))
	case r.Target == h.opts.Local:
		result = h.dispatch(ctx, &r)
	default:
		result = h.forward(ctx, &r)
	}
	if result.Failure != nil && result.Failure.Node == "" {
		result.Failure.Node = h.opts.Local.String()
	}
	return result
}

func (h *Handler) invokeLocal(ctx context.Context, req *message.ServiceCallRequest) *message.ServiceCallResult {
	method, err := h.opts.Services.Lookup(req.Service, req.Method)
	if err != nil {
		return message.Failed(err)
	}
	arg, err := req.Parameters.DeserializedContent()
	if err != nil {
		return message.Failed(err)
	}
	reply, err := method.Invoke(ctx, arg)
	if err != nil {
		return message.Failed(err)
	}
	resp, err := message.NewNetworkResponseWithValue(reply)
	if err != nil {
		return message.Failed(err)
	}
	return message.Success(resp)
}

type sendOutcome struct {
	resp *message.NetworkResponse
	err  error
}

func (h *Handler) forward(ctx context.Context, req *message.ServiceCallRequest) *message.ServiceCallResult {
	if h.opts.HopLimit > 0 && req.Hops >= h.opts.HopLimit {
		return message.Failed(rpcerr.Errorf(rpcerr.KindCommunication,
			"hop limit %d reached forwarding to %s", h.opts.HopLimit, req.Target))
	}
	cp, direct, err := h.opts.Routes.Select(req.Target)
	if err != nil {
		return message.Failed(err)
	}
	sender, err := h.opts.Senders.Get(cp)
	if err != nil {
		return message.Failed(rpcerr.Wrap(rpcerr.KindCommunication, "no sender for "+cp.String(), err))
	}

	timeout := h.opts.ForwardingTimeout
	if req.Hops == 0 {
		timeout = h.opts.RequestTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	var budget time.Duration
	if deadline, ok := ctx.Deadline(); ok {
		budget = time.Until(deadline)
	}

	h.logger.Debug("forwarding",
		zap.String("method", req.ServiceMethod()),
		zap.String("target", req.Target.String()),
		zap.Stringer("next_hop", cp),
		zap.Bool("direct", direct),
		zap.Int("hops", req.Hops),
		zap.Duration("budget", budget))

	env := req.ToNetworkRequest(budget)

	// The sender runs on its own goroutine so the deadline holds even if it
	// never returns; a late outcome is discarded.
	done := make(chan sendOutcome, 1)
	go func() {
		resp, err := sender.Send(ctx, env)
		done <- sendOutcome{resp: resp, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			return message.Failed(rpcerr.Wrap(rpcerr.KindCommunication, "forward to "+cp.String(), o.err))
		}
		return message.ResultFromNetworkResponse(o.resp)
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return message.Failed(rpcerr.Errorf(rpcerr.KindTimeout,
				"no result for %s from %s in time", req.ServiceMethod(), cp))
		}
		return message.Failed(rpcerr.Wrap(rpcerr.KindCommunication, "forward to "+cp.String()+" abandoned", ctx.Err()))
	}
}
