package transport

import (
	"context"
	"errors"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"hop-rpc/codec"
	"hop-rpc/connid"
	"hop-rpc/message"
	"hop-rpc/node"
	"hop-rpc/rpcerr"
)

// EtcdID is the contact point scheme of the etcd queue transport.
const EtcdID = "etcd"

// Key layout. Every key carries a lease, so nothing outlives a crashed node.
//
//	/hop-rpc/queue/<queue>/req/<request id>   request frame, deleted when claimed
//	/hop-rpc/queue/replies/<request id>       response frame, deleted when read
const queueRoot = "/hop-rpc/queue"

// metaPeerError marks a reply frame that carries a listener-side failure
// instead of a response.
const metaPeerError = "transport-error"

func requestPrefix(queue string) string {
	return path.Join(queueRoot, queue, "req") + "/"
}

func replyKey(requestID string) string {
	return path.Join(queueRoot, "replies", requestID)
}

// Etcd is a message-queue transport on top of etcd. The contact point path
// names the queue a node consumes; host and port name the etcd endpoint and
// are informational, the shared client decides where to connect.
type Etcd struct {
	client *clientv3.Client
	opts   Options
	ttl    int64 // lease TTL in seconds
}

func NewEtcd(client *clientv3.Client, opts Options) *Etcd {
	return &Etcd{client: client, opts: opts.withDefaults(), ttl: 30}
}

func (t *Etcd) ID() string { return EtcdID }

func (t *Etcd) NewSender() Sender {
	return &etcdSender{t: t, codec: codec.GetCodec(t.opts.Codec)}
}

func (t *Etcd) NewListener() Listener {
	return &etcdListener{t: t, logger: t.opts.Logger.Named("etcd-queue")}
}

type etcdSender struct {
	t     *Etcd
	codec codec.Codec
	cp    *node.ContactPoint
	id    connid.ID
}

func (s *etcdSender) Initialize(cp node.ContactPoint) error {
	if s.cp != nil {
		return ErrAlreadyInitialized
	}
	if cp.Path == "" {
		return errors.New("etcd contact point needs a queue name as path")
	}
	s.cp = &cp
	s.id = connid.Generate(true)
	return nil
}

func (s *etcdSender) Send(ctx context.Context, req *message.NetworkRequest) (*message.NetworkResponse, error) {
	if s.cp == nil {
		panic(ErrNotInitialized)
	}
	cp := *s.cp
	requestID := uuid.NewString()
	reply := replyKey(requestID)

	f := req.Frame()
	if f.Metadata == nil {
		f.Metadata = make(map[string]string)
	}
	f.Metadata[message.MetaReplyTo] = reply
	f.Metadata[message.MetaConnectionID] = s.id.String()
	data, err := s.codec.Encode(f)
	if err != nil {
		return nil, communicationError(cp, "encode request for", err)
	}

	lease, err := s.t.client.Grant(ctx, s.t.ttl)
	if err != nil {
		return nil, s.failure(ctx, cp, "grant lease for", err)
	}
	defer func() {
		// Revoking drops the request if nobody claimed it yet.
		rctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.t.client.Revoke(rctx, lease.ID)
	}()

	put, err := s.t.client.Put(ctx, requestPrefix(cp.Path)+requestID, string(data), clientv3.WithLease(lease.ID))
	if err != nil {
		return nil, s.failure(ctx, cp, "enqueue request for", err)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	// Start right after our own write, so a reply cannot slip in between.
	events := s.t.client.Watch(watchCtx, reply, clientv3.WithRev(put.Header.Revision+1))
	for wr := range events {
		if err := wr.Err(); err != nil {
			return nil, s.failure(ctx, cp, "watch reply from", err)
		}
		for _, ev := range wr.Events {
			if ev.Type != mvccpb.PUT {
				continue
			}
			var rf codec.Frame
			if err := s.codec.Decode(ev.Kv.Value, &rf); err != nil {
				return nil, communicationError(cp, "decode response from", err)
			}
			s.t.client.Delete(context.WithoutCancel(ctx), reply)
			if msg, ok := rf.Metadata[metaPeerError]; ok {
				return nil, rpcerr.Errorf(rpcerr.KindCommunication, "peer error from %s: %s", cp, msg)
			}
			return message.ResponseFromFrame(&rf), nil
		}
	}
	return nil, s.failure(ctx, cp, "watch reply from", errors.New("watch closed"))
}

func (s *etcdSender) failure(ctx context.Context, cp node.ContactPoint, msg string, err error) error {
	if ctx.Err() != nil {
		return contextError(ctx, cp)
	}
	return communicationError(cp, msg, err)
}

func (s *etcdSender) Close() error { return nil }

// etcdListener consumes one queue. Several listeners may consume the same
// queue; a transaction makes sure exactly one claims each request.
type etcdListener struct {
	t      *Etcd
	logger *zap.Logger
	cp     node.ContactPoint
	lease  clientv3.LeaseID

	mu     sync.Mutex
	cancel context.CancelFunc
	closed bool
	wg     sync.WaitGroup
}

func (l *etcdListener) Listen(cp node.ContactPoint) (node.ContactPoint, error) {
	if cp.Path == "" {
		return cp, errors.New("etcd contact point needs a queue name as path")
	}
	ctx, cancel := context.WithTimeout(context.Background(), l.t.opts.DialTimeout)
	defer cancel()
	lease, err := l.t.client.Grant(ctx, l.t.ttl)
	if err != nil {
		return cp, err
	}
	l.lease = lease.ID
	l.cp = cp
	return cp, nil
}

func (l *etcdListener) Serve(ctx context.Context, h Handler) error {
	if l.lease == 0 {
		return errors.New("etcd: Serve before Listen")
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrListenerClosed
	}
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.mu.Unlock()
	defer cancel()

	keepAlive, err := l.t.client.KeepAlive(ctx, l.lease)
	if err != nil {
		return err
	}
	// Consume KeepAlive responses so the channel never fills up.
	go func() {
		for range keepAlive {
		}
	}()

	prefix := requestPrefix(l.cp.Path)
	l.logger.Info("consuming queue", zap.String("prefix", prefix))

	// Requests that were queued before we started.
	existing, err := l.t.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return err
	}
	for _, kv := range existing.Kvs {
		l.dispatch(ctx, string(kv.Key), kv.Value, h)
	}

	events := l.t.client.Watch(ctx, prefix, clientv3.WithPrefix(), clientv3.WithRev(existing.Header.Revision+1))
	for wr := range events {
		if err := wr.Err(); err != nil {
			if ctx.Err() != nil {
				break
			}
			return err
		}
		for _, ev := range wr.Events {
			if ev.Type == mvccpb.PUT {
				l.dispatch(ctx, string(ev.Kv.Key), ev.Kv.Value, h)
			}
		}
	}
	return nil
}

func (l *etcdListener) dispatch(ctx context.Context, key string, value []byte, h Handler) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.handle(ctx, key, value, h)
	}()
}

func (l *etcdListener) handle(ctx context.Context, key string, value []byte, h Handler) {
	// Claim: delete the request only if it still exists.
	txn, err := l.t.client.Txn(ctx).
		If(clientv3.Compare(clientv3.Version(key), ">", 0)).
		Then(clientv3.OpDelete(key)).
		Commit()
	if err != nil || !txn.Succeeded {
		return
	}

	c := codec.GetCodec(l.t.opts.Codec)
	req, err := decodeRequest(c, value)
	if err != nil {
		l.logger.Warn("dropping undecodable request", zap.String("key", key), zap.Error(err))
		return
	}
	reply := req.MetadataValue(message.MetaReplyTo)
	if reply == "" {
		l.logger.Warn("request without reply-to", zap.String("key", key))
		return
	}

	var out []byte
	resp, err := h.ServeEnvelope(ctx, req)
	if err == nil {
		out, err = encodeResponse(c, resp)
	}
	if err != nil {
		out, _ = c.Encode(&codec.Frame{Metadata: map[string]string{metaPeerError: err.Error()}})
	}
	if _, err := l.t.client.Put(context.WithoutCancel(ctx), reply, string(out), clientv3.WithLease(l.lease)); err != nil {
		l.logger.Warn("put reply failed", zap.String("reply_to", reply), zap.Error(err))
	}
}

func (l *etcdListener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	if l.cancel != nil {
		l.cancel()
	}
	l.mu.Unlock()

	l.wg.Wait()
	if l.lease == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := l.t.client.Revoke(ctx, l.lease)
	return err
}
