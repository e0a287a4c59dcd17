// Package config holds the contact configuration of a node: who it is, where
// it listens, whom it dials at startup, and the timeouts and limits applied
// to calls it handles.
package config

import (
	"fmt"
	"time"

	"go.uber.org/zap/zapcore"

	"hop-rpc/codec"
	"hop-rpc/node"
)

const (
	DefaultRequestTimeout      = 40 * time.Second
	DefaultForwardingTimeout   = 35 * time.Second
	DefaultStartupConnectDelay = 2500 * time.Millisecond
	DefaultHopLimit            = 8
	DefaultDirectoryTTL        = 10 * time.Second
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "console"
)

// ContactConfiguration is read once at startup and not changed afterwards.
type ContactConfiguration struct {
	// NodeID is the local identity. Empty means a random id is generated
	// when the node is built.
	NodeID       node.Identifier
	DisplayName  string
	WorkflowHost bool

	ServerContactPoints  []node.ContactPoint // listened on
	InitialContactPoints []node.ContactPoint // dialed after StartupConnectDelay
	DefaultRelays        []node.ContactPoint // used for targets without a direct route

	StartupConnectDelay time.Duration
	RequestTimeout      time.Duration
	ForwardingTimeout   time.Duration
	HopLimit            int

	// RateLimit is the number of local dispatches per second; 0 disables it.
	RateLimit float64
	RateBurst int

	Codec codec.CodecType

	// DirectoryEndpoints are etcd endpoints; empty means no shared directory.
	DirectoryEndpoints []string
	DirectoryTTL       time.Duration

	LogLevel  string
	LogFormat string // "console" or "json"
}

func Default() *ContactConfiguration {
	return &ContactConfiguration{
		StartupConnectDelay: DefaultStartupConnectDelay,
		RequestTimeout:      DefaultRequestTimeout,
		ForwardingTimeout:   DefaultForwardingTimeout,
		HopLimit:            DefaultHopLimit,
		Codec:               codec.CodecTypeBinary,
		DirectoryTTL:        DefaultDirectoryTTL,
		LogLevel:            DefaultLogLevel,
		LogFormat:           DefaultLogFormat,
	}
}

// Validate reports the first problem found.
func (c *ContactConfiguration) Validate() error {
	if c.RequestTimeout <= 0 || c.ForwardingTimeout <= 0 {
		return ErrTimeoutRequired
	}
	if c.ForwardingTimeout > c.RequestTimeout {
		return fmt.Errorf("%w: forwarding %v, request %v", ErrForwardingExceedsRequest, c.ForwardingTimeout, c.RequestTimeout)
	}
	if c.StartupConnectDelay < 0 {
		return ErrNegativeDelay
	}
	if c.HopLimit < 1 {
		return ErrHopLimit
	}
	if c.RateLimit < 0 || (c.RateLimit > 0 && c.RateBurst < 1) {
		return ErrRateLimit
	}

	seen := make(map[string]bool)
	for _, cp := range c.ServerContactPoints {
		if seen[cp.String()] {
			return fmt.Errorf("%w: %s", ErrDuplicateContactPoint, cp)
		}
		seen[cp.String()] = true
	}
	for _, list := range [][]node.ContactPoint{c.ServerContactPoints, c.InitialContactPoints, c.DefaultRelays} {
		for _, cp := range list {
			if cp.Transport == "" || cp.Host == "" {
				return fmt.Errorf("%w: %q", ErrInvalidContactPoint, cp.String())
			}
		}
	}

	if len(c.DirectoryEndpoints) > 0 && c.DirectoryTTL < time.Second {
		return ErrDirectoryTTL
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: %v", ErrLogLevel, err)
	}
	if c.LogFormat != "console" && c.LogFormat != "json" {
		return fmt.Errorf("%w: %q", ErrLogFormat, c.LogFormat)
	}
	return nil
}

// ResolveNodeID returns NodeID, generating and storing a random one first if
// it is empty.
func (c *ContactConfiguration) ResolveNodeID() node.Identifier {
	if c.NodeID == "" {
		c.NodeID = node.NewRandomIdentifier()
	}
	return c.NodeID
}

// ParseContactPoints parses a list of canonical contact point strings.
func ParseContactPoints(list []string) ([]node.ContactPoint, error) {
	cps := make([]node.ContactPoint, 0, len(list))
	for _, s := range list {
		cp, err := node.ParseContactPoint(s)
		if err != nil {
			return nil, err
		}
		cps = append(cps, cp)
	}
	return cps, nil
}
