// Package transport moves envelopes between nodes.
//
// A transport is split in two halves, mirroring the dial/accept asymmetry of
// a connection:
//
//	Sender    ──Send(NetworkRequest)──→  network  ──→ Listener ──→ Handler
//	          ←──────NetworkResponse────            ←──────────────┘
//
// A Sender is bound to exactly one remote contact point (Initialize), after
// which it may be used by many goroutines at once. A Listener accepts
// envelopes on a local contact point and hands each one, on its own
// goroutine, to a Handler.
//
// Transports preserve the content bytes and the complete metadata map of
// every envelope. Failures are reported as *rpcerr.Error of kind
// Communication or Timeout.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"hop-rpc/codec"
	"hop-rpc/connid"
	"hop-rpc/message"
	"hop-rpc/node"
	"hop-rpc/rpcerr"
)

// Handler processes one inbound request envelope.
type Handler interface {
	ServeEnvelope(ctx context.Context, req *message.NetworkRequest) (*message.NetworkResponse, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, req *message.NetworkRequest) (*message.NetworkResponse, error)

func (f HandlerFunc) ServeEnvelope(ctx context.Context, req *message.NetworkRequest) (*message.NetworkResponse, error) {
	return f(ctx, req)
}

// Sender sends request envelopes to one remote contact point.
//
// Initialize must be called exactly once before Send. Calling Send on an
// uninitialized Sender is a programming error and panics.
type Sender interface {
	Initialize(cp node.ContactPoint) error
	Send(ctx context.Context, req *message.NetworkRequest) (*message.NetworkResponse, error)
	Close() error
}

// Listener receives request envelopes on a local contact point.
type Listener interface {
	// Listen binds cp and returns the contact point actually bound (a port
	// of 0 is replaced with the chosen port).
	Listen(cp node.ContactPoint) (node.ContactPoint, error)
	// Serve delivers envelopes to h until ctx is done or Close is called.
	Serve(ctx context.Context, h Handler) error
	Close() error
}

// Transport is one way of moving envelopes, identified by the scheme used in
// contact points ("tcp", "grpc", ...).
type Transport interface {
	ID() string
	NewSender() Sender
	NewListener() Listener
}

// Options are shared by the transport implementations.
type Options struct {
	Codec             codec.CodecType
	Logger            *zap.Logger
	HeartbeatInterval time.Duration // tcp only
	DialTimeout       time.Duration
}

// DefaultOptions returns the options used when none are given.
func DefaultOptions() Options {
	return Options{
		Codec:             codec.CodecTypeBinary,
		Logger:            zap.NewNop(),
		HeartbeatInterval: 30 * time.Second,
		DialTimeout:       5 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Logger == nil {
		o.Logger = d.Logger
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = d.HeartbeatInterval
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = d.DialTimeout
	}
	return o
}

var (
	ErrNotInitialized     = errors.New("transport: Send called before Initialize")
	ErrAlreadyInitialized = errors.New("transport: sender already initialized")
	ErrUnknownTransport   = errors.New("transport: unknown transport")
	ErrListenerClosed     = errors.New("transport: listener closed")
)

// Registry maps transport ids to transports.
type Registry struct {
	mu         sync.RWMutex
	transports map[string]Transport
}

// NewRegistry creates a registry holding ts.
func NewRegistry(ts ...Transport) (*Registry, error) {
	r := &Registry{transports: make(map[string]Transport)}
	for _, t := range ts {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds t. A second transport with the same id is rejected.
func (r *Registry) Register(t Transport) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.transports[t.ID()]; ok {
		return fmt.Errorf("transport %q already registered", t.ID())
	}
	r.transports[t.ID()] = t
	return nil
}

// Lookup returns the transport for id.
func (r *Registry) Lookup(id string) (Transport, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.transports[id]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownTransport, id)
	}
	return t, nil
}

// IDs lists the registered transport ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.transports))
	for id := range r.transports {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Senders caches one initialized Sender per contact point.
type Senders struct {
	registry *Registry

	mu      sync.Mutex
	senders map[string]Sender
}

func NewSenders(registry *Registry) *Senders {
	return &Senders{registry: registry, senders: make(map[string]Sender)}
}

// Get returns the sender for cp, creating and initializing it on first use.
func (s *Senders) Get(cp node.ContactPoint) (Sender, error) {
	key := cp.String()

	s.mu.Lock()
	defer s.mu.Unlock()
	if sender, ok := s.senders[key]; ok {
		return sender, nil
	}
	t, err := s.registry.Lookup(cp.Transport)
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.KindCommunication, "no transport for "+key, err)
	}
	sender := t.NewSender()
	if err := sender.Initialize(cp); err != nil {
		return nil, rpcerr.Wrap(rpcerr.KindCommunication, "initialize sender for "+key, err)
	}
	s.senders[key] = sender
	return sender, nil
}

// Evict closes and forgets the sender for cp.
func (s *Senders) Evict(cp node.ContactPoint) {
	s.mu.Lock()
	sender, ok := s.senders[cp.String()]
	delete(s.senders, cp.String())
	s.mu.Unlock()
	if ok {
		sender.Close()
	}
}

// Close closes every cached sender.
func (s *Senders) Close() error {
	s.mu.Lock()
	senders := s.senders
	s.senders = make(map[string]Sender)
	s.mu.Unlock()

	var errs []error
	for _, sender := range senders {
		if err := sender.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// contextError classifies the error of a finished ctx.
func contextError(ctx context.Context, cp node.ContactPoint) error {
	err := ctx.Err()
	if errors.Is(err, context.DeadlineExceeded) {
		return rpcerr.Wrap(rpcerr.KindTimeout, "no response from "+cp.String()+" before deadline", err)
	}
	return rpcerr.Wrap(rpcerr.KindCommunication, "send to "+cp.String()+" abandoned", err)
}

func communicationError(cp node.ContactPoint, msg string, cause error) error {
	return rpcerr.Wrap(rpcerr.KindCommunication, msg+" "+cp.String(), cause)
}

// encodeRequest and friends convert envelopes to and from codec frames.
// The sender's connection id is stamped on the outgoing frame only, so the
// caller's envelope is never modified.
func encodeRequest(c codec.Codec, req *message.NetworkRequest, id connid.ID) ([]byte, error) {
	f := req.Frame()
	if f.Metadata == nil {
		f.Metadata = make(map[string]string)
	}
	f.Metadata[message.MetaConnectionID] = id.String()
	return c.Encode(f)
}

func decodeRequest(c codec.Codec, data []byte) (*message.NetworkRequest, error) {
	var f codec.Frame
	if err := c.Decode(data, &f); err != nil {
		return nil, err
	}
	return message.RequestFromFrame(&f), nil
}

func encodeResponse(c codec.Codec, resp *message.NetworkResponse) ([]byte, error) {
	return c.Encode(resp.Frame())
}

func decodeResponse(c codec.Codec, data []byte) (*message.NetworkResponse, error) {
	var f codec.Frame
	if err := c.Decode(data, &f); err != nil {
		return nil, err
	}
	return message.ResponseFromFrame(&f), nil
}
