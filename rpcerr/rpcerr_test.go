package rpcerr

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMatchesKindSentinel(t *testing.T) {
	err := fmt.Errorf("call failed: %w", Errorf(KindTimeout, "after %dms", 50))

	assert.True(t, errors.Is(err, ErrTimeout))
	assert.False(t, errors.Is(err, ErrCommunication))
	assert.Equal(t, KindTimeout, KindOf(err))
}

func TestWrapKeepsInnerKind(t *testing.T) {
	inner := New(KindServiceNotFound, "Arith.Add")
	outer := Wrap(KindCommunication, "forward", inner)

	assert.Equal(t, KindServiceNotFound, outer.Kind)
}

func TestWrapUnwrapsCause(t *testing.T) {
	err := Wrap(KindCommunication, "dial", io.EOF)

	assert.True(t, errors.Is(err, io.EOF))
	assert.True(t, errors.Is(err, ErrCommunication))
	assert.Equal(t, "communication: dial: EOF", err.Error())
}

func TestWithNode(t *testing.T) {
	err := New(KindServiceExecution, "boom").WithNode("node-b")

	assert.Equal(t, "service-execution at node-b: boom", err.Error())
	assert.True(t, KindCommunication.Retryable())
	assert.False(t, KindTimeout.Retryable())
	assert.Equal(t, Kind(""), KindOf(io.EOF))
}
