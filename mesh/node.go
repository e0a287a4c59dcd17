// Package mesh is the runtime of one node. It owns everything a node needs
// to take part in the network: identity, services, transports, routes and
// the call handler.
//
// Lifecycle:
//
//	New ──→ Start ──listen, announce, connect──→ running ──→ Stop
//
// Start returns once every server contact point is bound. Connecting to the
// initial contact points happens in the background after the startup
// connect delay.
package mesh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"hop-rpc/client"
	"hop-rpc/codec"
	"hop-rpc/config"
	"hop-rpc/handler"
	"hop-rpc/message"
	"hop-rpc/middleware"
	"hop-rpc/node"
	"hop-rpc/registry"
	"hop-rpc/route"
	"hop-rpc/service"
	"hop-rpc/transport"
)

var (
	ErrAlreadyStarted = errors.New("mesh: node already started")
	ErrNotStarted     = errors.New("mesh: node not started")
)

func init() {
	if err := codec.Register(node.Announcement{}); err != nil {
		panic(err)
	}
}

// Option customizes a Node.
type Option func(*Node)

// WithLogger replaces the logger built from the configuration.
func WithLogger(logger *zap.Logger) Option {
	return func(n *Node) { n.logger = logger }
}

// WithHub enables the loopback transport on hub.
func WithHub(hub *transport.Hub) Option {
	return func(n *Node) { n.hub = hub }
}

// WithDirectory replaces the directory built from DirectoryEndpoints.
func WithDirectory(d registry.Directory) Option {
	return func(n *Node) { n.directory = d }
}

// WithEtcdClient uses c for the etcd transport and directory instead of
// dialing DirectoryEndpoints. The node does not close c.
func WithEtcdClient(c *clientv3.Client) Option {
	return func(n *Node) { n.etcd = c }
}

// WithMiddlewares adds middlewares around local dispatch, inside the
// logging and rate limit middlewares.
func WithMiddlewares(mws ...middleware.Middleware) Option {
	return func(n *Node) { n.middlewares = append(n.middlewares, mws...) }
}

// Node is one running participant of the network.
type Node struct {
	cfg    *config.ContactConfiguration
	id     node.Identifier
	logger *zap.Logger

	infos      *node.InformationRegistry
	services   *service.Registry
	transports *transport.Registry
	senders    *transport.Senders
	routes     *route.Table
	handler    *handler.Handler
	inbound    *handler.Inbound

	hub         *transport.Hub
	etcd        *clientv3.Client
	ownsEtcd    bool
	directory   registry.Directory
	middlewares []middleware.Middleware

	mu          sync.Mutex
	started     bool
	stopped     bool
	listeners   []transport.Listener
	bound       []node.ContactPoint
	serving     *errgroup.Group
	background  *errgroup.Group
	stopServing context.CancelFunc
	stopBg      context.CancelFunc

	dirMu   sync.Mutex
	fromDir map[node.Identifier]bool // nodes whose direct route came from the directory
}

// New builds a node from cfg. An empty cfg.NodeID is replaced with a random
// id. cfg must not be changed afterwards.
func New(cfg *config.ContactConfiguration, opts ...Option) (*Node, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	id := cfg.ResolveNodeID()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	n := &Node{
		cfg:      cfg,
		id:       id,
		infos:    node.NewInformationRegistry(),
		services: service.NewRegistry(),
		routes:   route.NewTable(nil),
		fromDir:  make(map[node.Identifier]bool),
	}
	for _, opt := range opts {
		opt(n)
	}

	if n.logger == nil {
		logger, err := cfg.NewLogger()
		if err != nil {
			return nil, fmt.Errorf("failed to build logger: %w", err)
		}
		n.logger = logger
	} else {
		n.logger = n.logger.With(zap.String("node", id.String()))
	}

	if n.etcd == nil && len(cfg.DirectoryEndpoints) > 0 {
		c, err := clientv3.New(clientv3.Config{
			Endpoints:   cfg.DirectoryEndpoints,
			DialTimeout: 5 * time.Second,
			Logger:      n.logger.Named("etcd"),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect etcd: %w", err)
		}
		n.etcd = c
		n.ownsEtcd = true
	}
	if n.directory == nil && n.etcd != nil {
		n.directory = registry.NewEtcdDirectory(n.etcd, n.logger)
	}

	topts := transport.Options{Codec: cfg.Codec, Logger: n.logger}
	ts := []transport.Transport{transport.NewTCP(topts), transport.NewGRPC(topts)}
	if n.hub != nil {
		ts = append(ts, transport.NewLoopback(n.hub, topts))
	}
	if n.etcd != nil {
		ts = append(ts, transport.NewEtcd(n.etcd, topts))
	}
	reg, err := transport.NewRegistry(ts...)
	if err != nil {
		n.closeEtcd()
		return nil, err
	}
	n.transports = reg
	n.senders = transport.NewSenders(reg)

	for _, cp := range cfg.DefaultRelays {
		n.routes.AddRelay(cp)
	}

	n.infos.GetOrCreate(id).Set(node.Information{DisplayName: cfg.DisplayName, WorkflowHost: cfg.WorkflowHost})
	if err := n.services.RegisterName(NodeServiceName, &nodeService{n: n}); err != nil {
		n.closeEtcd()
		return nil, err
	}

	mws := []middleware.Middleware{middleware.LoggingMiddleware(n.logger)}
	if cfg.RateLimit > 0 {
		mws = append(mws, middleware.RateLimitMiddleware(cfg.RateLimit, cfg.RateBurst))
	}
	// A local service gets no more time than a whole call.
	mws = append(mws, middleware.TimeoutMiddleware(cfg.RequestTimeout))
	n.handler = handler.New(handler.Options{
		Local:             id,
		Services:          n.services,
		Routes:            n.routes,
		Senders:           n.senders,
		RequestTimeout:    cfg.RequestTimeout,
		ForwardingTimeout: cfg.ForwardingTimeout,
		HopLimit:          cfg.HopLimit,
		Middlewares:       append(mws, n.middlewares...),
		Logger:            n.logger,
	})
	n.inbound = handler.NewInbound(n.handler, n.logger)
	n.inbound.HandleKind(message.KindAnnounce, transport.HandlerFunc(n.serveAnnounce))
	return n, nil
}

func (n *Node) ID() node.Identifier { return n.id }

func (n *Node) Logger() *zap.Logger { return n.logger }

// Services is where locally implemented services are registered.
func (n *Node) Services() *service.Registry { return n.services }

// Handler is the call handler of this node; calls submitted to it start here.
func (n *Node) Handler() *handler.Handler { return n.handler }

// Client returns a client that originates calls at this node. The caller
// identity defaults to the node id.
func (n *Node) Client(opts ...client.Option) *client.Client {
	opts = append([]client.Option{client.WithCaller(n.id.String()), client.WithLogger(n.logger)}, opts...)
	return client.New(n.handler, opts...)
}

func (n *Node) Routes() *route.Table { return n.routes }

func (n *Node) Infos() *node.InformationRegistry { return n.infos }

func (n *Node) Config() *config.ContactConfiguration { return n.cfg }

// ContactPoints returns the server contact points as bound by Start.
func (n *Node) ContactPoints() []node.ContactPoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]node.ContactPoint(nil), n.bound...)
}

// Announcement is what this node tells its peers about itself.
func (n *Node) Announcement() node.Announcement {
	return node.Announcement{
		ID:            n.id,
		Info:          n.infos.GetOrCreate(n.id).Get(),
		ContactPoints: node.ContactPointStrings(n.ContactPoints()),
	}
}

// Start binds every server contact point, starts serving, announces the
// node to the directory and schedules the startup connect.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started {
		return ErrAlreadyStarted
	}

	for _, cp := range n.cfg.ServerContactPoints {
		t, err := n.transports.Lookup(cp.Transport)
		if err != nil {
			n.abortStartLocked()
			return err
		}
		l := t.NewListener()
		bound, err := l.Listen(cp)
		if err != nil {
			n.abortStartLocked()
			return fmt.Errorf("failed to listen on %s: %w", cp, err)
		}
		n.listeners = append(n.listeners, l)
		n.bound = append(n.bound, bound)
	}

	// ctx only bounds the startup work; the node runs until Stop.
	serveCtx, stopServing := context.WithCancel(context.WithoutCancel(ctx))
	n.stopServing = stopServing
	n.serving, serveCtx = errgroup.WithContext(serveCtx)
	for _, l := range n.listeners {
		l := l
		n.serving.Go(func() error { return l.Serve(serveCtx, n.inbound) })
	}

	self := n.announcementLocked()
	if n.directory != nil {
		if err := n.directory.Announce(ctx, self, n.cfg.DirectoryTTL); err != nil {
			n.logger.Warn("failed to announce to directory", zap.Error(err))
		}
	}

	bgCtx, stopBg := context.WithCancel(serveCtx)
	n.stopBg = stopBg
	n.background, bgCtx = errgroup.WithContext(bgCtx)
	if n.directory != nil {
		n.background.Go(func() error { return n.syncDirectory(bgCtx) })
	}
	n.background.Go(func() error { return n.connectAfterDelay(bgCtx) })

	n.started = true
	n.logger.Info("node started",
		zap.Strings("contact_points", node.ContactPointStrings(n.bound)),
		zap.Strings("transports", n.transports.IDs()))
	return nil
}

func (n *Node) announcementLocked() node.Announcement {
	return node.Announcement{
		ID:            n.id,
		Info:          n.infos.GetOrCreate(n.id).Get(),
		ContactPoints: node.ContactPointStrings(n.bound),
	}
}

// Wait blocks until every listener has stopped serving and returns the
// first serve error.
func (n *Node) Wait() error {
	n.mu.Lock()
	g := n.serving
	n.mu.Unlock()
	if g == nil {
		return ErrNotStarted
	}
	return g.Wait()
}

// Stop shuts the node down:
//  1. withdraw from the directory so peers stop routing here
//  2. stop connecting and watching
//  3. wait for in-flight calls, at most timeout
//  4. close listeners and outgoing senders
//
// Listeners close after the drain since they own the connections the
// replies travel on.
func (n *Node) Stop(timeout time.Duration) error {
	n.mu.Lock()
	if !n.started {
		n.mu.Unlock()
		return ErrNotStarted
	}
	if n.stopped {
		n.mu.Unlock()
		return nil
	}
	n.stopped = true
	n.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if n.directory != nil {
		if err := n.directory.Withdraw(ctx, n.id); err != nil {
			errs = append(errs, fmt.Errorf("withdraw: %w", err))
		}
	}
	n.stopBg()
	n.background.Wait()

	if err := n.inbound.Drain(ctx); err != nil {
		errs = append(errs, err)
	}

	n.mu.Lock()
	n.closeListenersLocked()
	n.mu.Unlock()
	n.stopServing()
	// A listener closed before its Serve started reports ErrListenerClosed.
	if err := n.serving.Wait(); err != nil && !errors.Is(err, transport.ErrListenerClosed) {
		errs = append(errs, err)
	}
	if err := n.senders.Close(); err != nil {
		errs = append(errs, err)
	}
	if n.directory != nil {
		n.directory.Close()
	}
	n.closeEtcd()

	n.logger.Info("node stopped")
	n.logger.Sync()
	return errors.Join(errs...)
}

func (n *Node) closeListenersLocked() {
	for _, l := range n.listeners {
		l.Close()
	}
}

func (n *Node) abortStartLocked() {
	n.closeListenersLocked()
	n.listeners = nil
	n.bound = nil
}

func (n *Node) closeEtcd() {
	if n.ownsEtcd && n.etcd != nil {
		n.etcd.Close()
	}
}
