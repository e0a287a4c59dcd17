// Package connid generates identifiers for physical connections.
//
// An ID looks like "42s-6f1c...": a process-wide sequence number, a direction
// flag ('s' = we dialed, 'r' = the peer dialed us) and a random suffix. IDs are
// correlation tokens for logs and transports; nothing stores them.
package connid

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
)

const (
	FlagSelfInitiated   = 's'
	FlagRemoteInitiated = 'r'
)

// ID is a connection identifier.
type ID string

// Factory generates IDs. The counter is the only shared state; it starts at
// 0 and wraps after int32 overflow, which is fine because uniqueness comes
// from the suffix and the counter is for reading logs.
type Factory struct {
	seq atomic.Int32
}

// NewFactory creates a Factory.
func NewFactory() *Factory {
	return &Factory{}
}

// Generate returns a new unique ID.
func (f *Factory) Generate(selfInitiated bool) ID {
	n := f.seq.Add(1) - 1
	flag := FlagRemoteInitiated
	if selfInitiated {
		flag = FlagSelfInitiated
	}
	return ID(fmt.Sprintf("%d%c-%s", n, flag, uuid.NewString()))
}

func (id ID) String() string {
	return string(id)
}

// Sequence returns the sequence part of the id.
func (id ID) Sequence() (int32, error) {
	i := strings.IndexAny(string(id), "sr")
	if i < 1 {
		return 0, fmt.Errorf("malformed connection id %q", string(id))
	}
	n, err := strconv.ParseInt(string(id[:i]), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("malformed connection id %q: %w", string(id), err)
	}
	return int32(n), nil
}

// SelfInitiated reports whether the id was generated by the dialing side.
func (id ID) SelfInitiated() bool {
	i := strings.IndexAny(string(id), "sr")
	return i > 0 && id[i] == FlagSelfInitiated
}

var std = NewFactory()

// Generate returns a new ID from the process-wide factory.
func Generate(selfInitiated bool) ID {
	return std.Generate(selfInitiated)
}
