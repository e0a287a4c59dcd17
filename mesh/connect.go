package mesh

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"hop-rpc/connid"
	"hop-rpc/internal/envelope"
	"hop-rpc/message"
	"hop-rpc/node"
)

// maxParallelConnects bounds the announcement exchanges run at once.
const maxParallelConnects = 8

func (n *Node) connectAfterDelay(ctx context.Context) error {
	if len(n.cfg.InitialContactPoints) == 0 {
		return nil
	}
	timer := time.NewTimer(n.cfg.StartupConnectDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return nil
	}
	n.ConnectAll(ctx)
	return nil
}

// ConnectAll exchanges announcements with every initial contact point and
// returns how many answered. Each one that answers becomes a default relay.
func (n *Node) ConnectAll(ctx context.Context) int {
	var g errgroup.Group
	g.SetLimit(maxParallelConnects)
	results := make([]bool, len(n.cfg.InitialContactPoints))
	for i, cp := range n.cfg.InitialContactPoints {
		i, cp := i, cp
		g.Go(func() error {
			peer, err := n.Connect(ctx, cp)
			if err != nil {
				n.logger.Warn("initial contact point unreachable", zap.Stringer("contact_point", cp), zap.Error(err))
				return nil
			}
			n.logger.Info("connected", zap.Stringer("contact_point", cp), zap.String("peer", peer.ID.String()))
			results[i] = true
			return nil
		})
	}
	g.Wait()

	connected := 0
	for _, ok := range results {
		if ok {
			connected++
		}
	}
	return connected
}

// Connect sends this node's announcement to cp and learns the peer behind
// it from the answer. The peer becomes reachable directly over cp and cp
// becomes a default relay.
func (n *Node) Connect(ctx context.Context, cp node.ContactPoint) (node.Announcement, error) {
	sender, err := n.senders.Get(cp)
	if err != nil {
		return node.Announcement{}, err
	}
	env, err := message.NewNetworkRequestWithValue(n.Announcement(), connid.Generate(true))
	if err != nil {
		return node.Announcement{}, err
	}
	envelope.Edit(env).Set(message.MetaKind, message.KindAnnounce)

	ctx, cancel := context.WithTimeout(ctx, n.cfg.RequestTimeout)
	defer cancel()
	resp, err := sender.Send(ctx, env)
	if err != nil {
		n.senders.Evict(cp)
		return node.Announcement{}, err
	}

	var peer node.Announcement
	if err := resp.DecodeContent(&peer); err != nil {
		return node.Announcement{}, fmt.Errorf("bad announcement from %s: %w", cp, err)
	}
	if peer.ID == "" {
		return node.Announcement{}, fmt.Errorf("announcement from %s has no node id", cp)
	}
	if peer.ID == n.id {
		return node.Announcement{}, fmt.Errorf("%s is this node", cp)
	}
	n.learn(peer, cp)
	n.routes.AddRelay(cp)
	return peer, nil
}

// serveAnnounce answers an announcement with our own.
func (n *Node) serveAnnounce(ctx context.Context, req *message.NetworkRequest) (*message.NetworkResponse, error) {
	var peer node.Announcement
	if err := req.DecodeContent(&peer); err != nil {
		return nil, err
	}
	if peer.ID == "" {
		return nil, fmt.Errorf("announcement has no node id")
	}
	if peer.ID != n.id {
		n.learn(peer)
	}
	return message.NewNetworkResponseWithValue(n.Announcement())
}

// learn records what peer announced. Contact points we cannot dial are
// dropped; via, when given, is known to work and goes first.
func (n *Node) learn(peer node.Announcement, via ...node.ContactPoint) {
	n.infos.UpdateFrom(peer)

	cps := append([]node.ContactPoint(nil), via...)
	for _, cp := range peer.ParsedContactPoints() {
		if _, err := n.transports.Lookup(cp.Transport); err != nil {
			continue
		}
		if len(via) > 0 && cp == via[0] {
			continue
		}
		cps = append(cps, cp)
	}
	if len(cps) > 0 {
		n.routes.SetDirect(peer.ID, cps)
	}
	n.logger.Debug("learned node",
		zap.String("peer", peer.ID.String()),
		zap.String("display_name", peer.Info.DisplayName),
		zap.Strings("contact_points", node.ContactPointStrings(cps)))
}

// syncDirectory keeps direct routes in line with the directory until ctx
// is done.
func (n *Node) syncDirectory(ctx context.Context) error {
	updates := n.directory.Watch(ctx)
	list, err := n.directory.Discover(ctx)
	if err != nil {
		n.logger.Warn("directory discover failed", zap.Error(err))
	} else {
		n.applyDirectory(list)
	}
	for list := range updates {
		n.applyDirectory(list)
	}
	return nil
}

func (n *Node) applyDirectory(list []node.Announcement) {
	n.dirMu.Lock()
	defer n.dirMu.Unlock()

	present := make(map[node.Identifier]bool, len(list))
	for _, a := range list {
		if a.ID == n.id {
			continue
		}
		present[a.ID] = true
		n.learn(a)
		n.fromDir[a.ID] = true
	}
	for id := range n.fromDir {
		if !present[id] {
			n.routes.SetDirect(id, nil)
			delete(n.fromDir, id)
			n.logger.Debug("node left the directory", zap.String("peer", id.String()))
		}
	}
}
