package registry

import (
	"context"
	"sync"
	"time"

	"hop-rpc/node"
)

// MemoryDirectory is a Directory for a single process. TTLs are not
// enforced: an announcement stays until it is withdrawn.
type MemoryDirectory struct {
	mu       sync.Mutex
	entries  map[node.Identifier]node.Announcement
	watchers map[chan []node.Announcement]struct{}
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		entries:  make(map[node.Identifier]node.Announcement),
		watchers: make(map[chan []node.Announcement]struct{}),
	}
}

func (d *MemoryDirectory) Announce(ctx context.Context, a node.Announcement, ttl time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[a.ID] = a
	d.notifyLocked()
	return nil
}

func (d *MemoryDirectory) Withdraw(ctx context.Context, id node.Identifier) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.entries[id]; ok {
		delete(d.entries, id)
		d.notifyLocked()
	}
	return nil
}

func (d *MemoryDirectory) Discover(ctx context.Context) ([]node.Announcement, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.listLocked(), nil
}

func (d *MemoryDirectory) Watch(ctx context.Context) <-chan []node.Announcement {
	ch := make(chan []node.Announcement, 1)
	d.mu.Lock()
	d.watchers[ch] = struct{}{}
	d.mu.Unlock()

	go func() {
		<-ctx.Done()
		d.mu.Lock()
		delete(d.watchers, ch)
		close(ch)
		d.mu.Unlock()
	}()
	return ch
}

func (d *MemoryDirectory) Close() error { return nil }

func (d *MemoryDirectory) listLocked() []node.Announcement {
	list := make([]node.Announcement, 0, len(d.entries))
	for _, a := range d.entries {
		list = append(list, a)
	}
	sortAnnouncements(list)
	return list
}

func (d *MemoryDirectory) notifyLocked() {
	for ch := range d.watchers {
		offerLatest(ch, d.listLocked())
	}
}
