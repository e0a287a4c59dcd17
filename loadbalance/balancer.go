// Package loadbalance chooses one contact point among several candidates.
//
// Route selection must be deterministic for a given topology: the same
// target with the same candidate set always goes out the same way. That is
// why the only strategy is a consistent hash keyed by the target node.
package loadbalance

import (
	"errors"

	"hop-rpc/node"
)

// ErrNoCandidates is returned by Pick when there is nothing to choose from.
var ErrNoCandidates = errors.New("no candidate contact points")

// Balancer picks a contact point for key. Implementations must be
// goroutine-safe and must not depend on the order of candidates.
type Balancer interface {
	Pick(key string, candidates []node.ContactPoint) (node.ContactPoint, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}
