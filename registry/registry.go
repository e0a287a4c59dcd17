// Package registry is the node directory: where nodes announce themselves
// and learn about each other.
//
// An announcement lives as long as the node keeps its lease alive. A node
// that crashes disappears from the directory when the TTL runs out, so no
// peer keeps routing to a "ghost" node.
package registry

import (
	"context"
	"sort"
	"time"

	"hop-rpc/node"
)

// Directory stores node announcements.
type Directory interface {
	// Announce publishes a; it stays visible while the node is alive and at
	// most ttl after it stops renewing.
	Announce(ctx context.Context, a node.Announcement, ttl time.Duration) error
	// Withdraw removes the announcement of id right away.
	Withdraw(ctx context.Context, id node.Identifier) error
	// Discover lists the current announcements, sorted by id.
	Discover(ctx context.Context) ([]node.Announcement, error)
	// Watch emits the full announcement list whenever it changes, until ctx
	// is done. Slow readers only see the latest list.
	Watch(ctx context.Context) <-chan []node.Announcement
	Close() error
}

func sortAnnouncements(list []node.Announcement) {
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
}

// offerLatest replaces whatever is pending in ch with list.
func offerLatest(ch chan []node.Announcement, list []node.Announcement) {
	for {
		select {
		case ch <- list:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
