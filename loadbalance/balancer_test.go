package loadbalance

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hop-rpc/node"
)

var testPoints = []node.ContactPoint{
	node.MustParseContactPoint("tcp://10.0.0.1:8001"),
	node.MustParseContactPoint("tcp://10.0.0.2:8002"),
	node.MustParseContactPoint("grpc://10.0.0.3:8003"),
}

func TestConsistentHash(t *testing.T) {
	b := NewConsistentHashBalancer()

	// Same key always maps to the same contact point
	first, err := b.Pick("node-123", testPoints)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := b.Pick("node-123", testPoints)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}

	// 100 different keys over 3 points hit at least 2 of them
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		cp, err := b.Pick(fmt.Sprintf("key-%d", i), testPoints)
		require.NoError(t, err)
		seen[cp.String()] = true
	}
	assert.GreaterOrEqual(t, len(seen), 2)
}

func TestConsistentHashIgnoresCandidateOrder(t *testing.T) {
	reversed := []node.ContactPoint{testPoints[2], testPoints[1], testPoints[0]}
	a, b := NewConsistentHashBalancer(), NewConsistentHashBalancer()
	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("node-%d", i)
		x, err := a.Pick(key, testPoints)
		require.NoError(t, err)
		y, err := b.Pick(key, reversed)
		require.NoError(t, err)
		assert.Equal(t, x, y, key)
	}
}

func TestConsistentHashStableWhenPointRemoved(t *testing.T) {
	b := NewConsistentHashBalancer()
	remaining := testPoints[:2]

	moved := 0
	for i := 0; i < 200; i++ {
		key := fmt.Sprintf("node-%d", i)
		before, _ := b.Pick(key, testPoints)
		after, _ := b.Pick(key, remaining)
		if before != testPoints[2] && before != after {
			moved++
		}
	}
	// Keys that were not on the removed point stay where they were.
	assert.Zero(t, moved)
}

func TestConsistentHashEdges(t *testing.T) {
	b := NewConsistentHashBalancer()
	_, err := b.Pick("x", nil)
	assert.ErrorIs(t, err, ErrNoCandidates)

	only, err := b.Pick("x", testPoints[:1])
	require.NoError(t, err)
	assert.Equal(t, testPoints[0], only)
	assert.Equal(t, "ConsistentHash", b.Name())
}
