package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"hop-rpc/codec"
	"hop-rpc/connid"
	"hop-rpc/message"
	"hop-rpc/node"
	"hop-rpc/protocol"
	"hop-rpc/rpcerr"
)

// TCPID is the contact point scheme of the TCP transport.
const TCPID = "tcp"

// TCP multiplexes concurrent requests over a single framed connection per
// remote contact point.
//
//	goroutine-1 ──Send(seq=1)──┐
//	goroutine-2 ──Send(seq=2)──┼──→ single TCP conn ──→ Listener
//	goroutine-3 ──Send(seq=3)──┘
//
//	recvLoop:  ←── response(seq=2) → pending[2] chan ← response → goroutine-2 wakes up
type TCP struct {
	opts Options
}

func NewTCP(opts Options) *TCP {
	return &TCP{opts: opts.withDefaults()}
}

func (t *TCP) ID() string { return TCPID }

func (t *TCP) NewSender() Sender {
	return &tcpSender{opts: t.opts, logger: t.opts.Logger.Named("tcp")}
}

func (t *TCP) NewListener() Listener {
	return &tcpListener{
		opts:   t.opts,
		logger: t.opts.Logger.Named("tcp"),
		conns:  make(map[net.Conn]struct{}),
	}
}

// tcpSender dials lazily and redials after the connection breaks.
type tcpSender struct {
	opts   Options
	logger *zap.Logger
	cp     *node.ContactPoint

	mu     sync.Mutex
	conn   *tcpConn
	closed bool
}

func (s *tcpSender) Initialize(cp node.ContactPoint) error {
	if s.cp != nil {
		return ErrAlreadyInitialized
	}
	s.cp = &cp
	return nil
}

func (s *tcpSender) connection(ctx context.Context) (*tcpConn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, communicationError(*s.cp, "sender closed for", nil)
	}
	if s.conn != nil && !s.conn.isBroken() {
		return s.conn, nil
	}
	d := net.Dialer{Timeout: s.opts.DialTimeout}
	raw, err := d.DialContext(ctx, "tcp", s.cp.Addr())
	if err != nil {
		if ctx.Err() != nil {
			return nil, contextError(ctx, *s.cp)
		}
		return nil, communicationError(*s.cp, "connect to", err)
	}
	s.conn = newTCPConn(raw, s.opts, connid.Generate(true), s.logger)
	s.logger.Debug("connected",
		zap.Stringer("contact_point", s.cp),
		zap.Stringer("connection_id", s.conn.id))
	return s.conn, nil
}

func (s *tcpSender) Send(ctx context.Context, req *message.NetworkRequest) (*message.NetworkResponse, error) {
	if s.cp == nil {
		panic(ErrNotInitialized)
	}
	conn, err := s.connection(ctx)
	if err != nil {
		return nil, err
	}
	return conn.roundTrip(ctx, *s.cp, req)
}

func (s *tcpSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.conn != nil {
		return s.conn.close()
	}
	return nil
}

type tcpReply struct {
	resp *message.NetworkResponse
	err  error
}

// tcpConn is the dialing side of one multiplexed connection.
type tcpConn struct {
	conn    net.Conn
	codec   codec.Codec
	id      connid.ID
	logger  *zap.Logger
	seq     atomic.Uint32
	pending sync.Map   // map[uint32]chan tcpReply
	sending sync.Mutex // frames from concurrent requests must not interleave

	broken atomic.Bool
	done   chan struct{}
	once   sync.Once
}

func newTCPConn(conn net.Conn, opts Options, id connid.ID, logger *zap.Logger) *tcpConn {
	c := &tcpConn{
		conn:   conn,
		codec:  codec.GetCodec(opts.Codec),
		id:     id,
		logger: logger,
		done:   make(chan struct{}),
	}
	go c.recvLoop()
	go c.heartbeatLoop(opts.HeartbeatInterval)
	return c
}

func (c *tcpConn) isBroken() bool {
	return c.broken.Load()
}

func (c *tcpConn) roundTrip(ctx context.Context, cp node.ContactPoint, req *message.NetworkRequest) (*message.NetworkResponse, error) {
	body, err := encodeRequest(c.codec, req, c.id)
	if err != nil {
		return nil, communicationError(cp, "encode request for", err)
	}
	seq := c.seq.Add(1)
	header := protocol.Header{
		CodecType: byte(c.codec.Type()),
		MsgType:   protocol.MsgTypeRequest,
		Seq:       seq,
		BodyLen:   uint32(len(body)),
	}

	// Register BEFORE writing so recvLoop cannot miss a fast response.
	replies := make(chan tcpReply, 1)
	c.pending.Store(seq, replies)
	defer c.pending.Delete(seq)

	c.sending.Lock()
	err = protocol.Encode(c.conn, &header, body)
	c.sending.Unlock()
	if err != nil {
		c.fail(err)
		return nil, communicationError(cp, "write to", err)
	}

	select {
	case r := <-replies:
		if r.err != nil {
			return nil, rpcerr.Wrap(rpcerr.KindCommunication, "exchange with "+cp.String(), r.err)
		}
		return r.resp, nil
	case <-ctx.Done():
		// A late response is dropped by recvLoop once the entry is gone.
		return nil, contextError(ctx, cp)
	}
}

// recvLoop is the single reader of the connection. TCP is a byte stream,
// reads must be sequential to find frame boundaries.
func (c *tcpConn) recvLoop() {
	for {
		header, body, err := protocol.Decode(c.conn)
		if err != nil {
			c.fail(err)
			return
		}

		var reply tcpReply
		switch header.MsgType {
		case protocol.MsgTypeHeartbeat:
			continue
		case protocol.MsgTypeError:
			reply.err = errors.New("peer error: " + string(body))
		case protocol.MsgTypeResponse:
			reply.resp, reply.err = decodeResponse(codec.GetCodec(codec.CodecType(header.CodecType)), body)
		default:
			c.logger.Warn("unexpected frame on dialed connection",
				zap.Stringer("connection_id", c.id), zap.Uint8("msg_type", uint8(header.MsgType)))
			continue
		}

		if ch, ok := c.pending.LoadAndDelete(header.Seq); ok {
			ch.(chan tcpReply) <- reply
		}
	}
}

// fail marks the connection broken and wakes every waiting caller.
func (c *tcpConn) fail(err error) {
	c.broken.Store(true)
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
	c.pending.Range(func(key, value any) bool {
		if _, ok := c.pending.LoadAndDelete(key); ok {
			value.(chan tcpReply) <- tcpReply{err: err}
		}
		return true
	})
}

func (c *tcpConn) close() error {
	c.fail(net.ErrClosed)
	return nil
}

// heartbeatLoop keeps idle connections from being reaped by middleboxes and
// detects dead peers through write errors.
func (c *tcpConn) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}
		header := &protocol.Header{
			CodecType: byte(c.codec.Type()),
			MsgType:   protocol.MsgTypeHeartbeat,
		}
		c.sending.Lock()
		err := protocol.Encode(c.conn, header, nil)
		c.sending.Unlock()
		if err != nil {
			c.fail(err)
			return
		}
	}
}

// tcpListener is the accepting side: one goroutine reads frames per
// connection and every request is handled on its own goroutine.
type tcpListener struct {
	opts     Options
	logger   *zap.Logger
	listener net.Listener
	cp       node.ContactPoint

	shutdown atomic.Bool
	wg       sync.WaitGroup

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

func (l *tcpListener) Listen(cp node.ContactPoint) (node.ContactPoint, error) {
	ln, err := net.Listen("tcp", cp.Addr())
	if err != nil {
		return cp, err
	}
	l.listener = ln
	if addr, ok := ln.Addr().(*net.TCPAddr); ok {
		cp.Port = addr.Port
	}
	l.cp = cp
	return cp, nil
}

func (l *tcpListener) Serve(ctx context.Context, h Handler) error {
	if l.listener == nil {
		return errors.New("tcp: Serve before Listen")
	}
	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	l.logger.Info("listening", zap.Stringer("contact_point", l.cp))
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			// Close makes Accept fail; that is a normal shutdown.
			if l.shutdown.Load() {
				return nil
			}
			return err
		}
		l.mu.Lock()
		if l.shutdown.Load() {
			l.mu.Unlock()
			conn.Close()
			return nil
		}
		l.conns[conn] = struct{}{}
		l.wg.Add(1)
		l.mu.Unlock()
		go l.handleConn(ctx, conn, h)
	}
}

func (l *tcpListener) handleConn(ctx context.Context, conn net.Conn, h Handler) {
	defer l.wg.Done()
	defer func() {
		l.mu.Lock()
		delete(l.conns, conn)
		l.mu.Unlock()
		conn.Close()
	}()

	id := connid.Generate(false)
	logger := l.logger.With(zap.Stringer("connection_id", id), zap.Stringer("remote", conn.RemoteAddr()))
	logger.Debug("accepted")

	writeMu := &sync.Mutex{}
	for {
		header, body, err := protocol.Decode(conn)
		if err != nil {
			logger.Debug("connection closed", zap.Error(err))
			return
		}
		if header.MsgType == protocol.MsgTypeHeartbeat {
			continue
		}
		if header.MsgType != protocol.MsgTypeRequest {
			logger.Warn("unexpected frame on accepted connection", zap.Uint8("msg_type", uint8(header.MsgType)))
			continue
		}
		// A slow handler must not block the requests behind it.
		go l.handleRequest(ctx, header, body, conn, writeMu, h, logger)
	}
}

func (l *tcpListener) handleRequest(ctx context.Context, header *protocol.Header, body []byte, conn net.Conn, writeMu *sync.Mutex, h Handler, logger *zap.Logger) {
	c := codec.GetCodec(codec.CodecType(header.CodecType))

	reply := func(msgType protocol.MsgType, payload []byte) {
		writeMu.Lock()
		defer writeMu.Unlock()
		replyHeader := protocol.Header{
			CodecType: header.CodecType,
			MsgType:   msgType,
			Seq:       header.Seq, // same seq as the request; this is how multiplexing works
			BodyLen:   uint32(len(payload)),
		}
		if err := protocol.Encode(conn, &replyHeader, payload); err != nil {
			logger.Warn("write reply failed", zap.Uint32("seq", header.Seq), zap.Error(err))
		}
	}

	req, err := decodeRequest(c, body)
	if err != nil {
		reply(protocol.MsgTypeError, []byte("decode request: "+err.Error()))
		return
	}
	resp, err := h.ServeEnvelope(ctx, req)
	if err != nil {
		reply(protocol.MsgTypeError, []byte(err.Error()))
		return
	}
	out, err := encodeResponse(c, resp)
	if err != nil {
		reply(protocol.MsgTypeError, []byte("encode response: "+err.Error()))
		return
	}
	reply(protocol.MsgTypeResponse, out)
}

// Close stops accepting, drops open connections and waits for their read
// loops to finish.
func (l *tcpListener) Close() error {
	if l.shutdown.Swap(true) {
		return nil
	}
	var err error
	if l.listener != nil {
		err = l.listener.Close()
	}
	l.mu.Lock()
	for conn := range l.conns {
		conn.Close()
	}
	l.mu.Unlock()
	l.wg.Wait()
	return err
}
