package client

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hop-rpc/handler"
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

func (a *Arith) Divide(args *Args, reply *Reply) error {
	if args.B == 0 {
		return errors.New("divide by zero")
	}
	reply.Result = args.A / args.B
	return nil
}

// localNode is a handler that only knows its own services.
func localNode(t *testing.T) *handler.Handler {
	t.Helper()
	services := service.NewRegistry()
	require.NoError(t, services.Register(&Arith{}))
	reg, err := transport.NewRegistry()
	require.NoError(t, err)
	return handler.New(handler.Options{
		Local:          "node-a",
		Services:       services,
		Routes:         route.NewTable(nil),
		Senders:        transport.NewSenders(reg),
		RequestTimeout: time.Second,
	})
}

func TestClientCall(t *testing.T) {
	c := New(localNode(t), WithCaller("alice"))

	var reply Reply
	require.NoError(t, c.Call(context.Background(), "node-a", "Arith.Add", &Args{A: 3, B: 5}, &reply))
	assert.Equal(t, 8, reply.Result)

	v, err := c.CallValue(context.Background(), "node-a", "Arith.Add", Args{A: 1, B: 1})
	require.NoError(t, err)
	assert.Equal(t, Reply{Result: 2}, v)

	assert.NoError(t, c.Call(context.Background(), "node-a", "Arith.Add", Args{}, nil))
}

func TestClientErrors(t *testing.T) {
	c := New(localNode(t))

	testCases := []struct {
		name   string
		target node.Identifier
		method string
		want   error
	}{
		{name: "service error", target: "node-a", method: "Arith.Divide", want: rpcerr.ErrServiceExecution},
		{name: "unknown method", target: "node-a", method: "Arith.Pow", want: rpcerr.ErrServiceNotFound},
		{name: "no route", target: "node-z", method: "Arith.Add", want: rpcerr.ErrCommunication},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := c.Call(context.Background(), tc.target, tc.method, &Args{A: 1}, &Reply{})
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.want)
		})
	}

	err := c.Call(context.Background(), "node-a", "ArithAdd", &Args{}, &Reply{})
	assert.Error(t, err, "malformed service method")
}

// flaky fails with kind for the first n calls.
type flaky struct {
	kind  rpcerr.Kind
	n     int32
	calls atomic.Int32
}

func (f *flaky) Handle(ctx context.Context, req *message.ServiceCallRequest) *message.ServiceCallResult {
	if f.calls.Add(1) <= f.n {
		return message.Failed(rpcerr.New(f.kind, "flaky"))
	}
	resp, err := message.NewNetworkResponseWithValue(Reply{Result: 1})
	if err != nil {
		return message.Failed(err)
	}
	return message.Success(resp)
}

func TestClientRetry(t *testing.T) {
	f := &flaky{kind: rpcerr.KindCommunication, n: 2}
	c := New(f, WithRetry(3, time.Millisecond))
	var reply Reply
	require.NoError(t, c.Call(context.Background(), "node-b", "Arith.Add", &Args{}, &reply))
	assert.Equal(t, int32(3), f.calls.Load())

	// Without a retry policy the first failure is final.
	f = &flaky{kind: rpcerr.KindCommunication, n: 2}
	err := New(f).Call(context.Background(), "node-b", "Arith.Add", &Args{}, &reply)
	assert.ErrorIs(t, err, rpcerr.ErrCommunication)
	assert.Equal(t, int32(1), f.calls.Load())

	f = &flaky{kind: rpcerr.KindTimeout, n: 2}
	err = New(f, WithRetry(3, time.Millisecond)).Call(context.Background(), "node-b", "Arith.Add", &Args{}, &reply)
	assert.ErrorIs(t, err, rpcerr.ErrTimeout)
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestClientTimeoutBoundsRetries(t *testing.T) {
	f := &flaky{kind: rpcerr.KindCommunication, n: 100}
	c := New(f, WithRetry(10, 50*time.Millisecond), WithTimeout(80*time.Millisecond))

	start := time.Now()
	err := c.Call(context.Background(), "node-b", "Arith.Add", &Args{}, &Reply{})
	assert.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Less(t, f.calls.Load(), int32(5))
}
