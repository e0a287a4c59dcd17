// Package route decides which contact point a call for a remote node goes
// out on.
//
// Nodes the local node has learned contact points for are reached directly.
// Everything else goes to a default relay, one of the nodes reached at
// startup, which repeats the decision with its own table.
package route

import (
	"slices"
	"sort"
	"sync"

	"hop-rpc/loadbalance"
	"hop-rpc/node"
	"hop-rpc/rpcerr"
)

type Table struct {
	balancer loadbalance.Balancer

	mu     sync.RWMutex
	direct map[node.Identifier][]node.ContactPoint
	relays []node.ContactPoint
}

// NewTable creates an empty table. A nil balancer means consistent hashing.
func NewTable(b loadbalance.Balancer) *Table {
	if b == nil {
		b = loadbalance.NewConsistentHashBalancer()
	}
	return &Table{balancer: b, direct: make(map[node.Identifier][]node.ContactPoint)}
}

// SetDirect replaces the contact points of id. An empty list forgets id.
func (t *Table) SetDirect(id node.Identifier, cps []node.ContactPoint) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(cps) == 0 {
		delete(t.direct, id)
		return
	}
	t.direct[id] = slices.Clone(cps)
}

// AddRelay adds a default relay; adding one twice is a no-op.
func (t *Table) AddRelay(cp node.ContactPoint) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if slices.Contains(t.relays, cp) {
		return
	}
	t.relays = append(t.relays, cp)
}

func (t *Table) RemoveRelay(cp node.ContactPoint) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.relays = slices.DeleteFunc(t.relays, func(r node.ContactPoint) bool { return r == cp })
}

// Relays returns the default relays.
func (t *Table) Relays() []node.ContactPoint {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Clone(t.relays)
}

// Select returns the contact point to send a call for id to, and whether it
// reaches id directly. No route is a Communication error.
func (t *Table) Select(id node.Identifier) (node.ContactPoint, bool, error) {
	t.mu.RLock()
	candidates, direct := t.direct[id]
	if !direct {
		candidates = t.relays
	}
	candidates = slices.Clone(candidates)
	t.mu.RUnlock()

	if len(candidates) == 0 {
		return node.ContactPoint{}, false, rpcerr.Errorf(rpcerr.KindCommunication, "no route to node %s", id)
	}
	cp, err := t.balancer.Pick(id.String(), candidates)
	if err != nil {
		return node.ContactPoint{}, false, rpcerr.Wrap(rpcerr.KindCommunication, "no route to node "+id.String(), err)
	}
	return cp, direct, nil
}

// Known lists the nodes with direct contact points, sorted.
func (t *Table) Known() []node.Identifier {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]node.Identifier, 0, len(t.direct))
	for id := range t.direct {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
