package handler

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"hop-rpc/message"
	"hop-rpc/rpcerr"
	"hop-rpc/transport"
)

// Inbound is the transport.Handler of a node. It turns call envelopes into
// ServiceCallRequests for the Handler and hands other envelope kinds to the
// handlers registered for them.
type Inbound struct {
	calls  *Handler
	logger *zap.Logger

	mu    sync.RWMutex
	kinds map[string]transport.Handler

	// draining is set once Drain begins; inflight is only added to before that.
	stateMu  sync.Mutex
	draining bool
	inflight sync.WaitGroup
}

var errDraining = rpcerr.New(rpcerr.KindCommunication, "node is shutting down")

func NewInbound(calls *Handler, logger *zap.Logger) *Inbound {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Inbound{calls: calls, logger: logger.Named("inbound"), kinds: make(map[string]transport.Handler)}
}

// HandleKind routes envelopes whose kind metadata is kind to h.
func (in *Inbound) HandleKind(kind string, h transport.Handler) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.kinds[kind] = h
}

// ServeEnvelope implements transport.Handler.
func (in *Inbound) ServeEnvelope(ctx context.Context, env *message.NetworkRequest) (*message.NetworkResponse, error) {
	kind := env.MetadataValue(message.MetaKind)
	isCall := kind == "" || kind == message.KindCall

	in.stateMu.Lock()
	if in.draining {
		in.stateMu.Unlock()
		err := errDraining.WithNode(in.calls.Local().String())
		if isCall {
			return message.Failed(err).ToNetworkResponse(), nil
		}
		return nil, err
	}
	in.inflight.Add(1)
	in.stateMu.Unlock()
	defer in.inflight.Done()

	if isCall {
		return in.serveCall(ctx, env), nil
	}
	in.mu.RLock()
	h, ok := in.kinds[kind]
	in.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown envelope kind %q", kind)
	}
	return h.ServeEnvelope(ctx, env)
}

func (in *Inbound) serveCall(ctx context.Context, env *message.NetworkRequest) *message.NetworkResponse {
	req, budget, err := message.ServiceCallRequestFromNetwork(env)
	if err != nil {
		in.logger.Warn("malformed call envelope",
			zap.String("connection_id", env.MetadataValue(message.MetaConnectionID)), zap.Error(err))
		failure := message.Failed(rpcerr.Wrap(rpcerr.KindSerialization, "malformed call envelope", err))
		failure.Failure.Node = in.calls.Local().String()
		return failure.ToNetworkResponse()
	}
	// The caller's remaining budget becomes our deadline.
	if budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, budget)
		defer cancel()
	}
	return in.calls.Handle(ctx, req).ToNetworkResponse()
}

// Drain refuses new envelopes and waits until none is being served or ctx
// is done. Refused calls fail with a communication error.
func (in *Inbound) Drain(ctx context.Context) error {
	in.stateMu.Lock()
	in.draining = true
	in.stateMu.Unlock()

	done := make(chan struct{})
	go func() {
		in.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timeout waiting for ongoing requests to finish: %w", ctx.Err())
	}
}
