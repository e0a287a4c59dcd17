package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hop-rpc/codec"
	"hop-rpc/internal/envelope"
	"hop-rpc/message"
	"hop-rpc/node"
	"hop-rpc/rpcerr"
)

// echoHandler answers with the request content and metadata, plus a marker.
var echoHandler = HandlerFunc(func(ctx context.Context, req *message.NetworkRequest) (*message.NetworkResponse, error) {
	meta := req.Metadata()
	meta["echoed"] = "yes"
	return message.NewNetworkResponse(req.ContentBytes(), meta), nil
})

var failingHandler = HandlerFunc(func(ctx context.Context, req *message.NetworkRequest) (*message.NetworkResponse, error) {
	return nil, errors.New("handler exploded")
})

// blackholeHandler never answers before its context ends.
func blackholeHandler(release <-chan struct{}) Handler {
	return HandlerFunc(func(ctx context.Context, req *message.NetworkRequest) (*message.NetworkResponse, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil, errors.New("released")
	})
}

// serve binds a listener of tr on cp and serves h until the test ends.
func serve(t *testing.T, tr Transport, cp node.ContactPoint, h Handler) node.ContactPoint {
	t.Helper()
	l := tr.NewListener()
	bound, err := l.Listen(cp)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Serve(ctx, h) }()
	t.Cleanup(func() {
		cancel()
		l.Close()
		<-done
	})
	return bound
}

func newSender(t *testing.T, tr Transport, cp node.ContactPoint) Sender {
	t.Helper()
	s := tr.NewSender()
	require.NoError(t, s.Initialize(cp))
	t.Cleanup(func() { s.Close() })
	return s
}

func request(t *testing.T, v any) *message.NetworkRequest {
	t.Helper()
	req, err := message.NewNetworkRequestWithValue(v, "")
	require.NoError(t, err)
	envelope.Edit(req).Set(message.MetaTarget, "node-b").Set(message.MetaHops, "1")
	return req
}

// exerciseRoundTrip is shared by every transport implementation.
func exerciseRoundTrip(t *testing.T, tr Transport, listenOn node.ContactPoint) {
	cp := serve(t, tr, listenOn, echoHandler)
	sender := newSender(t, tr, cp)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, v := range []any{"hello", nil, 42, []string{"a", "b"}} {
		req := request(t, v)
		resp, err := sender.Send(ctx, req)
		require.NoError(t, err)

		assert.Equal(t, req.ContentBytes(), resp.ContentBytes())
		assert.Equal(t, "node-b", resp.MetadataValue(message.MetaTarget))
		assert.Equal(t, "1", resp.MetadataValue(message.MetaHops))
		assert.Equal(t, "yes", resp.MetadataValue("echoed"))
		assert.NotEmpty(t, resp.MetadataValue(message.MetaConnectionID))

		got, err := resp.DeserializedContent()
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}
}

func exerciseConcurrentSends(t *testing.T, tr Transport, listenOn node.ContactPoint) {
	cp := serve(t, tr, listenOn, echoHandler)
	sender := newSender(t, tr, cp)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			want := fmt.Sprintf("msg-%d", i)
			req, err := message.NewNetworkRequestWithValue(want, "")
			if err != nil {
				errs <- err
				return
			}
			resp, err := sender.Send(ctx, req)
			if err != nil {
				errs <- err
				return
			}
			got, err := resp.DeserializedContent()
			if err != nil {
				errs <- err
				return
			}
			if got != want {
				errs <- fmt.Errorf("expect %q, got %q", want, got)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func exercisePeerError(t *testing.T, tr Transport, listenOn node.ContactPoint) {
	cp := serve(t, tr, listenOn, failingHandler)
	sender := newSender(t, tr, cp)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := sender.Send(ctx, request(t, "x"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, rpcerr.ErrCommunication), "got %v", err)
	assert.Contains(t, err.Error(), "handler exploded")
}

func exerciseDeadline(t *testing.T, tr Transport, listenOn node.ContactPoint) {
	release := make(chan struct{})
	defer close(release)
	cp := serve(t, tr, listenOn, blackholeHandler(release))
	sender := newSender(t, tr, cp)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := sender.Send(ctx, request(t, "x"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, rpcerr.ErrTimeout), "got %v", err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestLoopbackTransport(t *testing.T) {
	for _, ct := range []codec.CodecType{codec.CodecTypeJSON, codec.CodecTypeBinary} {
		t.Run(ct.String(), func(t *testing.T) {
			tr := NewLoopback(NewHub(), Options{Codec: ct})
			listenOn := node.MustParseContactPoint("loopback://node-b:0")
			t.Run("round trip", func(t *testing.T) { exerciseRoundTrip(t, tr, listenOn) })
			t.Run("concurrent", func(t *testing.T) { exerciseConcurrentSends(t, tr, listenOn) })
			t.Run("peer error", func(t *testing.T) { exercisePeerError(t, tr, listenOn) })
			t.Run("deadline", func(t *testing.T) { exerciseDeadline(t, tr, listenOn) })
		})
	}
}

func TestTCPTransport(t *testing.T) {
	for _, ct := range []codec.CodecType{codec.CodecTypeJSON, codec.CodecTypeBinary} {
		t.Run(ct.String(), func(t *testing.T) {
			tr := NewTCP(Options{Codec: ct})
			listenOn := node.MustParseContactPoint("tcp://127.0.0.1:0")
			t.Run("round trip", func(t *testing.T) { exerciseRoundTrip(t, tr, listenOn) })
			t.Run("concurrent", func(t *testing.T) { exerciseConcurrentSends(t, tr, listenOn) })
			t.Run("peer error", func(t *testing.T) { exercisePeerError(t, tr, listenOn) })
			t.Run("deadline", func(t *testing.T) { exerciseDeadline(t, tr, listenOn) })
		})
	}
}

func TestGRPCTransport(t *testing.T) {
	tr := NewGRPC(Options{})
	listenOn := node.MustParseContactPoint("grpc://127.0.0.1:0")
	t.Run("round trip", func(t *testing.T) { exerciseRoundTrip(t, tr, listenOn) })
	t.Run("concurrent", func(t *testing.T) { exerciseConcurrentSends(t, tr, listenOn) })
	t.Run("peer error", func(t *testing.T) { exercisePeerError(t, tr, listenOn) })
	t.Run("deadline", func(t *testing.T) { exerciseDeadline(t, tr, listenOn) })
}

func TestTCPRedialsAfterPeerRestart(t *testing.T) {
	tr := NewTCP(Options{})
	l := tr.NewListener()
	cp, err := l.Listen(node.MustParseContactPoint("tcp://127.0.0.1:0"))
	require.NoError(t, err)
	go l.Serve(context.Background(), echoHandler)

	sender := newSender(t, tr, cp)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = sender.Send(ctx, request(t, "first"))
	require.NoError(t, err)

	require.NoError(t, l.Close())
	_, err = sender.Send(ctx, request(t, "while down"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, rpcerr.ErrCommunication), "got %v", err)

	// Bring the listener back on the same port.
	serve(t, tr, cp, echoHandler)
	require.Eventually(t, func() bool {
		_, err := sender.Send(ctx, request(t, "after restart"))
		return err == nil
	}, 3*time.Second, 50*time.Millisecond)
}

func TestConnectFailureIsCommunication(t *testing.T) {
	tr := NewTCP(Options{DialTimeout: time.Second})
	// Reserve a port and release it so nothing listens there.
	l := tr.NewListener()
	cp, err := l.Listen(node.MustParseContactPoint("tcp://127.0.0.1:0"))
	require.NoError(t, err)
	require.NoError(t, l.Close())

	sender := newSender(t, tr, cp)
	_, err = sender.Send(context.Background(), request(t, "x"))
	require.Error(t, err)
	assert.Equal(t, rpcerr.KindCommunication, rpcerr.KindOf(err))
}

func TestSendBeforeInitializePanics(t *testing.T) {
	hub := NewHub()
	transports := []Transport{NewLoopback(hub, Options{}), NewTCP(Options{}), NewGRPC(Options{}), NewEtcd(nil, Options{})}
	for _, tr := range transports {
		t.Run(tr.ID(), func(t *testing.T) {
			s := tr.NewSender()
			assert.PanicsWithValue(t, ErrNotInitialized, func() {
				s.Send(context.Background(), message.NewNetworkRequest([]byte("x"), nil))
			})
		})
	}
}

func TestInitializeTwice(t *testing.T) {
	s := NewLoopback(NewHub(), Options{}).NewSender()
	cp := node.MustParseContactPoint("loopback://a:1")
	require.NoError(t, s.Initialize(cp))
	assert.ErrorIs(t, s.Initialize(cp), ErrAlreadyInitialized)
}

func TestLoopbackNoListener(t *testing.T) {
	tr := NewLoopback(NewHub(), Options{})
	s := newSender(t, tr, node.MustParseContactPoint("loopback://nobody:1"))
	_, err := s.Send(context.Background(), request(t, "x"))
	assert.True(t, errors.Is(err, rpcerr.ErrCommunication), "got %v", err)
}

func TestLoopbackAddressInUse(t *testing.T) {
	tr := NewLoopback(NewHub(), Options{})
	cp := node.MustParseContactPoint("loopback://a:7")
	_, err := tr.NewListener().Listen(cp)
	require.NoError(t, err)
	_, err = tr.NewListener().Listen(cp)
	assert.Error(t, err)
}

func TestRegistry(t *testing.T) {
	hub := NewHub()
	reg, err := NewRegistry(NewLoopback(hub, Options{}), NewTCP(Options{}))
	require.NoError(t, err)
	assert.Equal(t, []string{"loopback", "tcp"}, reg.IDs())

	assert.Error(t, reg.Register(NewTCP(Options{})))

	tr, err := reg.Lookup("tcp")
	require.NoError(t, err)
	assert.Equal(t, TCPID, tr.ID())

	_, err = reg.Lookup("carrier-pigeon")
	assert.ErrorIs(t, err, ErrUnknownTransport)
}

func TestSendersCache(t *testing.T) {
	hub := NewHub()
	tr := NewLoopback(hub, Options{})
	reg, err := NewRegistry(tr)
	require.NoError(t, err)
	cp := serve(t, tr, node.MustParseContactPoint("loopback://node-b:0"), echoHandler)

	senders := NewSenders(reg)
	defer senders.Close()

	first, err := senders.Get(cp)
	require.NoError(t, err)
	second, err := senders.Get(cp)
	require.NoError(t, err)
	assert.Same(t, first, second)

	senders.Evict(cp)
	third, err := senders.Get(cp)
	require.NoError(t, err)
	assert.NotSame(t, first, third)

	_, err = senders.Get(node.MustParseContactPoint("udp://127.0.0.1:1"))
	require.Error(t, err)
	assert.Equal(t, rpcerr.KindCommunication, rpcerr.KindOf(err))
}
