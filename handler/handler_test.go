package handler

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hop-rpc/message"
	"hop-rpc/node"
	"hop-rpc/route"
	"hop-rpc/rpcerr"
	"hop-rpc/service"
	"hop-rpc/transport"
)

type Args struct {
	A, B int
}

type Reply struct {
	Result int
}

type Arith struct{}

func (a *Arith) Add(args *Args, reply *Reply) error {
	reply.Result = args.A + args.B
	return nil
}

func (a *Arith) Fail(args *Args, reply *Reply) error {
	return errors.New("arith is on strike")
}

// countingSenders fails the test if the handler asks for a sender.
type countingSenders struct {
	gets   atomic.Int32
	sender transport.Sender
}

func (c *countingSenders) Get(cp node.ContactPoint) (transport.Sender, error) {
	c.gets.Add(1)
	if c.sender == nil {
		return nil, errors.New("no sender")
	}
	return c.sender, nil
}

// blackholeSender never answers.
type blackholeSender struct {
	release chan struct{}
}

func (b *blackholeSender) Initialize(node.ContactPoint) error { return nil }
func (b *blackholeSender) Close() error                       { return nil }
func (b *blackholeSender) Send(ctx context.Context, req *message.NetworkRequest) (*message.NetworkResponse, error) {
	<-b.release
	return nil, errors.New("released")
}

// recordingSender keeps the last envelope and answers with a fixed value.
type recordingSender struct {
	mu   sync.Mutex
	last *message.NetworkRequest
}

func (r *recordingSender) Initialize(node.ContactPoint) error { return nil }
func (r *recordingSender) Close() error                       { return nil }
func (r *recordingSender) Send(ctx context.Context, req *message.NetworkRequest) (*message.NetworkResponse, error) {
	r.mu.Lock()
	r.last = req
	r.mu.Unlock()
	return message.NewNetworkResponseWithValue("forwarded")
}

func services(t *testing.T) *service.Registry {
	t.Helper()
	reg := service.NewRegistry()
	require.NoError(t, reg.Register(&Arith{}))
	return reg
}

func relayTo(cp string) *route.Table {
	table := route.NewTable(nil)
	table.AddRelay(node.MustParseContactPoint(cp))
	return table
}

func call(t *testing.T, target node.Identifier, method string, args any) *message.ServiceCallRequest {
	t.Helper()
	req, err := message.NewServiceCallRequest(target, method, args, "tester")
	require.NoError(t, err)
	return req
}

func TestLocalDispatchNeverTouchesSenders(t *testing.T) {
	senders := &countingSenders{}
	h := New(Options{
		Local:    "node-a",
		Services: services(t),
		Routes:   relayTo("tcp://10.0.0.2:7000"),
		Senders:  senders,
	})

	result := h.Handle(context.Background(), call(t, "node-a", "Arith.Add", Args{A: 1, B: 2}))
	require.NoError(t, result.Err())

	var reply Reply
	require.NoError(t, result.Decode(&reply))
	assert.Equal(t, 3, reply.Result)
	assert.Zero(t, senders.gets.Load())

	// The content is exactly what the service returned, serialized once.
	want, err := message.NewNetworkResponseWithValue(Reply{Result: 3})
	require.NoError(t, err)
	assert.Equal(t, want.ContentBytes(), result.Content.ContentBytes())
}

func TestLocalDispatchFailures(t *testing.T) {
	h := New(Options{Local: "node-a", Services: services(t), Routes: route.NewTable(nil), Senders: &countingSenders{}})

	testCases := []struct {
		name   string
		method string
		args   any
		kind   rpcerr.Kind
	}{
		{name: "unknown service", method: "Geometry.Area", args: Args{}, kind: rpcerr.KindServiceNotFound},
		{name: "unknown method", method: "Arith.Mul", args: Args{}, kind: rpcerr.KindServiceNotFound},
		{name: "wrong parameter type", method: "Arith.Add", args: "one plus two", kind: rpcerr.KindSerialization},
		{name: "service error", method: "Arith.Fail", args: Args{}, kind: rpcerr.KindServiceExecution},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			result := h.Handle(context.Background(), call(t, "node-a", tc.method, tc.args))
			require.NotNil(t, result.Failure)
			assert.Equal(t, tc.kind, result.Failure.Kind)
			assert.Equal(t, "node-a", result.Failure.Node)
		})
	}
}

func TestCorruptParameters(t *testing.T) {
	h := New(Options{Local: "node-a", Services: services(t), Routes: route.NewTable(nil), Senders: &countingSenders{}})
	req := call(t, "node-a", "Arith.Add", Args{})
	req.Parameters = message.NewNetworkRequest([]byte("not a document"), nil)

	result := h.Handle(context.Background(), req)
	require.NotNil(t, result.Failure)
	assert.Equal(t, rpcerr.KindSerialization, result.Failure.Kind)
}

func TestMissingParameters(t *testing.T) {
	senders := &countingSenders{sender: &recordingSender{}}
	h := New(Options{Local: "node-a", Services: services(t), Routes: relayTo("tcp://10.0.0.2:7000"), Senders: senders})

	for _, target := range []node.Identifier{"node-a", "node-c"} {
		t.Run(target.String(), func(t *testing.T) {
			req := &message.ServiceCallRequest{Target: target, Service: "Arith", Method: "Add"}
			result := h.Handle(context.Background(), req)
			require.NotNil(t, result.Failure)
			assert.Equal(t, rpcerr.KindSerialization, result.Failure.Kind)
			assert.Equal(t, "node-a", result.Failure.Node)
		})
	}
	assert.Zero(t, senders.gets.Load())
}

func TestNoRoute(t *testing.T) {
	h := New(Options{Local: "node-a", Services: services(t), Routes: route.NewTable(nil), Senders: &countingSenders{}})
	result := h.Handle(context.Background(), call(t, "node-z", "Arith.Add", Args{}))
	require.NotNil(t, result.Failure)
	assert.Equal(t, rpcerr.KindCommunication, result.Failure.Kind)
}

func TestForwardingTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	const forwarding = 100 * time.Millisecond
	h := New(Options{
		Local:             "node-b",
		Services:          services(t),
		Routes:            relayTo("tcp://10.0.0.3:7000"),
		Senders:           &countingSenders{sender: &blackholeSender{release: release}},
		RequestTimeout:    time.Hour,
		ForwardingTimeout: forwarding,
	})

	// Arrived from another node, so the forwarding timeout applies.
	req := call(t, "node-c", "Arith.Add", Args{})
	req.Hops = 1

	start := time.Now()
	result := h.Handle(context.Background(), req)
	elapsed := time.Since(start)

	require.NotNil(t, result.Failure)
	assert.Equal(t, rpcerr.KindTimeout, result.Failure.Kind)
	assert.Equal(t, "node-b", result.Failure.Node)
	assert.GreaterOrEqual(t, elapsed, forwarding)
	assert.Less(t, elapsed, forwarding+500*time.Millisecond)
}

func TestRequestTimeoutAtOrigin(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	h := New(Options{
		Local:             "node-a",
		Services:          services(t),
		Routes:            relayTo("tcp://10.0.0.3:7000"),
		Senders:           &countingSenders{sender: &blackholeSender{release: release}},
		RequestTimeout:    80 * time.Millisecond,
		ForwardingTimeout: time.Hour,
	})

	start := time.Now()
	result := h.Handle(context.Background(), call(t, "node-c", "Arith.Add", Args{}))
	require.NotNil(t, result.Failure)
	assert.Equal(t, rpcerr.KindTimeout, result.Failure.Kind)
	assert.Less(t, time.Since(start), time.Second)
}

func TestBudgetPropagation(t *testing.T) {
	sender := &recordingSender{}
	h := New(Options{
		Local:             "node-b",
		Services:          services(t),
		Routes:            relayTo("tcp://10.0.0.3:7000"),
		Senders:           &countingSenders{sender: sender},
		RequestTimeout:    time.Hour,
		ForwardingTimeout: 30 * time.Second,
	})

	req := call(t, "node-c", "Arith.Add", Args{})
	req.Hops = 1
	req.Origin = "node-a"

	// The caller has less time left than our own forwarding timeout.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result := h.Handle(ctx, req)
	require.NoError(t, result.Err())
	v, err := result.ReturnValue()
	require.NoError(t, err)
	assert.Equal(t, "forwarded", v)

	sender.mu.Lock()
	env := sender.last
	sender.mu.Unlock()
	require.NotNil(t, env)

	budget, err := strconv.Atoi(env.MetadataValue(message.MetaBudget))
	require.NoError(t, err)
	assert.LessOrEqual(t, budget, 2000)
	assert.Greater(t, budget, 1000)
	assert.Equal(t, "2", env.MetadataValue(message.MetaHops))
	assert.Equal(t, "node-a", env.MetadataValue(message.MetaOrigin))
	assert.Equal(t, "node-c", env.MetadataValue(message.MetaTarget))
	assert.Equal(t, "tester", env.MetadataValue(message.MetaCaller))
}

func TestHopLimit(t *testing.T) {
	senders := &countingSenders{sender: &recordingSender{}}
	h := New(Options{
		Local:    "node-b",
		Services: services(t),
		Routes:   relayTo("tcp://10.0.0.3:7000"),
		Senders:  senders,
		HopLimit: 3,
	})

	req := call(t, "node-c", "Arith.Add", Args{})
	req.Hops = 3
	result := h.Handle(context.Background(), req)
	require.NotNil(t, result.Failure)
	assert.Equal(t, rpcerr.KindCommunication, result.Failure.Kind)
	assert.Contains(t, result.Failure.Message, "hop limit")
	assert.Zero(t, senders.gets.Load())
}
