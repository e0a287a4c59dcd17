package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"hop-rpc/node"
)

// NodePrefix is where announcements live: /hop-rpc/nodes/{id} → JSON.
const NodePrefix = "/hop-rpc/nodes/"

// EtcdDirectory implements Directory on etcd v3.
//
// Announcements are stored under TTL-based leases. KeepAlive renews the
// lease in the background; if the node dies, the entry expires.
type EtcdDirectory struct {
	client *clientv3.Client // thread-safe, shared across goroutines
	logger *zap.Logger

	mu     sync.Mutex
	leases map[node.Identifier]announcement
}

type announcement struct {
	lease  clientv3.LeaseID
	cancel context.CancelFunc // stops KeepAlive
}

// NewEtcdDirectory uses an existing client; Close does not close it.
func NewEtcdDirectory(client *clientv3.Client, logger *zap.Logger) *EtcdDirectory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EtcdDirectory{client: client, logger: logger.Named("directory"), leases: make(map[node.Identifier]announcement)}
}

func nodeKey(id node.Identifier) string {
	return NodePrefix + id.String()
}

// Announce stores a under a fresh lease and keeps the lease alive.
//
// The lease id is kept per node, not on the struct, so several nodes can
// share one directory.
func (d *EtcdDirectory) Announce(ctx context.Context, a node.Announcement, ttl time.Duration) error {
	seconds := int64(ttl / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	val, err := json.Marshal(a)
	if err != nil {
		return err
	}

	lease, err := d.client.Grant(ctx, seconds)
	if err != nil {
		return fmt.Errorf("grant lease: %w", err)
	}
	if _, err := d.client.Put(ctx, nodeKey(a.ID), string(val), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("put announcement: %w", err)
	}

	// KeepAlive outlives the Announce call, so it gets its own context.
	kaCtx, cancel := context.WithCancel(context.Background())
	ch, err := d.client.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		cancel()
		return fmt.Errorf("keep lease alive: %w", err)
	}
	// Consume KeepAlive responses so the channel never fills up.
	go func() {
		for range ch {
		}
		d.logger.Debug("lease keep-alive stopped", zap.String("node", a.ID.String()))
	}()

	d.mu.Lock()
	previous, had := d.leases[a.ID]
	d.leases[a.ID] = announcement{lease: lease.ID, cancel: cancel}
	d.mu.Unlock()
	if had {
		previous.cancel()
		d.client.Revoke(ctx, previous.lease)
	}
	return nil
}

// Withdraw deletes the announcement and drops its lease.
func (d *EtcdDirectory) Withdraw(ctx context.Context, id node.Identifier) error {
	d.mu.Lock()
	a, ok := d.leases[id]
	delete(d.leases, id)
	d.mu.Unlock()
	if ok {
		a.cancel()
		if _, err := d.client.Revoke(ctx, a.lease); err != nil {
			return err
		}
	}
	_, err := d.client.Delete(ctx, nodeKey(id))
	return err
}

// Discover reads every announcement under NodePrefix.
func (d *EtcdDirectory) Discover(ctx context.Context) ([]node.Announcement, error) {
	resp, err := d.client.Get(ctx, NodePrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	list := make([]node.Announcement, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var a node.Announcement
		if err := json.Unmarshal(kv.Value, &a); err != nil {
			d.logger.Warn("skipping malformed announcement", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		list = append(list, a)
	}
	sortAnnouncements(list)
	return list, nil
}

// Watch uses etcd's server-push Watch API and re-reads the full list on
// every change, which is simpler than applying individual events.
func (d *EtcdDirectory) Watch(ctx context.Context) <-chan []node.Announcement {
	ch := make(chan []node.Announcement, 1)
	go func() {
		defer close(ch)
		events := d.client.Watch(ctx, NodePrefix, clientv3.WithPrefix())
		for wr := range events {
			if err := wr.Err(); err != nil {
				d.logger.Warn("directory watch failed", zap.Error(err))
				return
			}
			list, err := d.Discover(ctx)
			if err != nil {
				if ctx.Err() == nil {
					d.logger.Warn("directory refresh failed", zap.Error(err))
				}
				continue
			}
			offerLatest(ch, list)
		}
	}()
	return ch
}

// Close stops every keep-alive. Announcements expire with their leases.
func (d *EtcdDirectory) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, a := range d.leases {
		a.cancel()
		delete(d.leases, id)
	}
	return nil
}
