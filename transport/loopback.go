package transport

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"hop-rpc/codec"
	"hop-rpc/connid"
	"hop-rpc/message"
	"hop-rpc/node"
	"hop-rpc/rpcerr"
)

// LoopbackID is the contact point scheme of the in-process transport.
const LoopbackID = "loopback"

// Hub is the in-process "network" shared by loopback senders and listeners.
// Several nodes in one process talk through the same Hub.
type Hub struct {
	mu        sync.RWMutex
	endpoints map[string]*endpoint
	nextPort  int
}

type endpoint struct {
	ctx     context.Context
	handler Handler // nil until Serve
}

func NewHub() *Hub {
	return &Hub{endpoints: make(map[string]*endpoint), nextPort: 40000}
}

func hubKey(cp node.ContactPoint) string {
	return cp.Addr() + "/" + cp.Path
}

func (h *Hub) reserve(cp node.ContactPoint) (node.ContactPoint, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cp.Port == 0 {
		h.nextPort++
		cp.Port = h.nextPort
	}
	if _, ok := h.endpoints[hubKey(cp)]; ok {
		return cp, fmt.Errorf("address %s already in use", cp)
	}
	h.endpoints[hubKey(cp)] = &endpoint{}
	return cp, nil
}

func (h *Hub) activate(cp node.ContactPoint, ctx context.Context, handler Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.endpoints[hubKey(cp)] = &endpoint{ctx: ctx, handler: handler}
}

func (h *Hub) release(cp node.ContactPoint) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.endpoints, hubKey(cp))
}

func (h *Hub) lookup(cp node.ContactPoint) (*endpoint, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ep, ok := h.endpoints[hubKey(cp)]
	if !ok || ep.handler == nil {
		return nil, false
	}
	return ep, true
}

// Loopback is an in-process transport. Envelopes are still encoded with the
// configured codec, so what a handler sees is exactly what a network
// transport would have delivered.
type Loopback struct {
	hub  *Hub
	opts Options
}

func NewLoopback(hub *Hub, opts Options) *Loopback {
	return &Loopback{hub: hub, opts: opts.withDefaults()}
}

func (t *Loopback) ID() string { return LoopbackID }

func (t *Loopback) NewSender() Sender {
	return &loopbackSender{hub: t.hub, codec: codec.GetCodec(t.opts.Codec)}
}

func (t *Loopback) NewListener() Listener {
	return &loopbackListener{
		hub:    t.hub,
		logger: t.opts.Logger.Named("loopback"),
		closed: make(chan struct{}),
	}
}

type loopbackSender struct {
	hub   *Hub
	codec codec.Codec
	cp    *node.ContactPoint
	id    connid.ID
}

func (s *loopbackSender) Initialize(cp node.ContactPoint) error {
	if s.cp != nil {
		return ErrAlreadyInitialized
	}
	s.cp = &cp
	s.id = connid.Generate(true)
	return nil
}

type loopbackResult struct {
	data []byte
	err  error
}

func (s *loopbackSender) Send(ctx context.Context, req *message.NetworkRequest) (*message.NetworkResponse, error) {
	if s.cp == nil {
		panic(ErrNotInitialized)
	}
	cp := *s.cp
	data, err := encodeRequest(s.codec, req, s.id)
	if err != nil {
		return nil, communicationError(cp, "encode request for", err)
	}
	ep, ok := s.hub.lookup(cp)
	if !ok {
		return nil, communicationError(cp, "no listener at", nil)
	}

	done := make(chan loopbackResult, 1)
	go func() {
		in, err := decodeRequest(s.codec, data)
		if err != nil {
			done <- loopbackResult{err: err}
			return
		}
		// The peer works on its own context, as it would across a network.
		resp, err := ep.handler.ServeEnvelope(ep.ctx, in)
		if err != nil {
			done <- loopbackResult{err: err}
			return
		}
		out, err := encodeResponse(s.codec, resp)
		done <- loopbackResult{data: out, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, rpcerr.Errorf(rpcerr.KindCommunication, "peer error from %s: %v", cp, r.err)
		}
		resp, err := decodeResponse(s.codec, r.data)
		if err != nil {
			return nil, communicationError(cp, "decode response from", err)
		}
		return resp, nil
	case <-ctx.Done():
		return nil, contextError(ctx, cp)
	}
}

func (s *loopbackSender) Close() error { return nil }

type loopbackListener struct {
	hub    *Hub
	logger *zap.Logger
	cp     *node.ContactPoint

	closeOnce sync.Once
	closed    chan struct{}
}

func (l *loopbackListener) Listen(cp node.ContactPoint) (node.ContactPoint, error) {
	bound, err := l.hub.reserve(cp)
	if err != nil {
		return cp, err
	}
	l.cp = &bound
	return bound, nil
}

func (l *loopbackListener) Serve(ctx context.Context, h Handler) error {
	if l.cp == nil {
		return fmt.Errorf("loopback: Serve before Listen")
	}
	select {
	case <-l.closed:
		return ErrListenerClosed
	default:
	}
	l.hub.activate(*l.cp, ctx, h)
	l.logger.Debug("serving", zap.Stringer("contact_point", l.cp))
	select {
	case <-ctx.Done():
	case <-l.closed:
	}
	l.hub.release(*l.cp)
	return nil
}

func (l *loopbackListener) Close() error {
	l.closeOnce.Do(func() {
		close(l.closed)
		if l.cp != nil {
			l.hub.release(*l.cp)
		}
	})
	return nil
}

// Serving reports whether a listener on cp is accepting envelopes.
func (h *Hub) Serving(cp node.ContactPoint) bool {
	_, ok := h.lookup(cp)
	return ok
}
