package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"strings"
	"sync"

	"hop-rpc/node"
)

// ConsistentHashBalancer maps keys to contact points using a hash ring.
// The same key always maps to the same contact point until the candidate
// set changes, and a change only moves the keys of the affected points.
//
// Virtual nodes: each contact point is mapped to N virtual nodes on the
// ring. Without them, 3 points might cluster together on the ring and take
// uneven shares of the keys.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
type ConsistentHashBalancer struct {
	replicas int

	mu    sync.Mutex
	rings map[string]*ring // candidate set signature → ring
}

type ring struct {
	hashes []uint32                     // sorted
	points map[uint32]node.ContactPoint // hash → contact point
}

// NewConsistentHashBalancer creates a balancer with 100 virtual nodes per
// contact point.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{replicas: 100, rings: make(map[string]*ring)}
}

// Pick finds the contact point responsible for key.
func (b *ConsistentHashBalancer) Pick(key string, candidates []node.ContactPoint) (node.ContactPoint, error) {
	if len(candidates) == 0 {
		return node.ContactPoint{}, ErrNoCandidates
	}
	if len(candidates) == 1 {
		return candidates[0], nil
	}
	r := b.ringFor(candidates)
	hash := crc32.ChecksumIEEE([]byte(key))

	// Binary search: first virtual node with hash >= key's hash
	idx := sort.Search(len(r.hashes), func(i int) bool {
		return r.hashes[i] >= hash
	})
	// Wrap around past the last node
	if idx == len(r.hashes) {
		idx = 0
	}
	return r.points[r.hashes[idx]], nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}

func (b *ConsistentHashBalancer) ringFor(candidates []node.ContactPoint) *ring {
	names := node.ContactPointStrings(candidates)
	sort.Strings(names)
	sig := strings.Join(names, ",")

	b.mu.Lock()
	defer b.mu.Unlock()
	if r, ok := b.rings[sig]; ok {
		return r
	}

	r := &ring{points: make(map[uint32]node.ContactPoint)}
	byName := make(map[string]node.ContactPoint, len(candidates))
	for _, cp := range candidates {
		byName[cp.String()] = cp
	}
	// Walk in sorted order so that hash collisions resolve the same way
	// whatever order the candidates came in.
	for _, name := range names {
		for i := 0; i < b.replicas; i++ {
			hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", name, i)))
			if _, taken := r.points[hash]; taken {
				continue
			}
			r.hashes = append(r.hashes, hash)
			r.points[hash] = byName[name]
		}
	}
	sort.Slice(r.hashes, func(i, j int) bool { return r.hashes[i] < r.hashes[j] })

	// Topologies change rarely; keep the cache from growing without bound.
	if len(b.rings) >= 64 {
		clear(b.rings)
	}
	b.rings[sig] = r
	return r
}
