package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hop-rpc/codec"
	"hop-rpc/node"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 40*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 35*time.Second, cfg.ForwardingTimeout)
	assert.Equal(t, 2500*time.Millisecond, cfg.StartupConnectDelay)
}

func TestValidate(t *testing.T) {
	cp := node.MustParseContactPoint("tcp://127.0.0.1:7001")
	testCases := []struct {
		name   string
		modify func(c *ContactConfiguration)
		want   error
	}{
		{name: "zero request timeout", modify: func(c *ContactConfiguration) { c.RequestTimeout = 0 }, want: ErrTimeoutRequired},
		{name: "forwarding above request", modify: func(c *ContactConfiguration) { c.ForwardingTimeout = time.Minute }, want: ErrForwardingExceedsRequest},
		{name: "negative delay", modify: func(c *ContactConfiguration) { c.StartupConnectDelay = -time.Second }, want: ErrNegativeDelay},
		{name: "hop limit", modify: func(c *ContactConfiguration) { c.HopLimit = 0 }, want: ErrHopLimit},
		{name: "rate without burst", modify: func(c *ContactConfiguration) { c.RateLimit = 10 }, want: ErrRateLimit},
		{name: "duplicate listen", modify: func(c *ContactConfiguration) {
			c.ServerContactPoints = []node.ContactPoint{cp, cp}
		}, want: ErrDuplicateContactPoint},
		{name: "hostless relay", modify: func(c *ContactConfiguration) {
			c.DefaultRelays = []node.ContactPoint{{Transport: "tcp", Port: 1}}
		}, want: ErrInvalidContactPoint},
		{name: "short directory ttl", modify: func(c *ContactConfiguration) {
			c.DirectoryEndpoints = []string{"localhost:2379"}
			c.DirectoryTTL = time.Millisecond
		}, want: ErrDirectoryTTL},
		{name: "log level", modify: func(c *ContactConfiguration) { c.LogLevel = "chatty" }, want: ErrLogLevel},
		{name: "log format", modify: func(c *ContactConfiguration) { c.LogFormat = "xml" }, want: ErrLogFormat},
		{name: "equal timeouts", modify: func(c *ContactConfiguration) { c.ForwardingTimeout = c.RequestTimeout }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.modify(cfg)
			err := cfg.Validate()
			if tc.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestResolveNodeID(t *testing.T) {
	cfg := Default()
	id := cfg.ResolveNodeID()
	assert.NotEmpty(t, id)
	assert.Equal(t, id, cfg.ResolveNodeID(), "the id is generated once")
}

func TestParse(t *testing.T) {
	t.Setenv("HOP_TEST_NODE_ID", "node-from-env")
	src := `
node {
  id            = env.HOP_TEST_NODE_ID
  display_name  = "edge"
  workflow_host = true
}
listen  = ["tcp://0.0.0.0:7001", "grpc://0.0.0.0:7002"]
connect = ["tcp://10.0.0.2:7001"]
relays  = ["tcp://10.0.0.3:7001"]
codec     = "json"
hop_limit = 4

timeouts {
  request               = "10s"
  forwarding            = "8s"
  startup_connect_delay = "100ms"
}

rate_limit {
  per_second = 50
  burst      = 5
}

directory {
  endpoints = ["localhost:2379"]
  ttl       = "15s"
}

log {
  level  = "debug"
  format = "json"
}
`
	cfg, err := Parse([]byte(src), "node.hcl")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	want := &ContactConfiguration{
		NodeID:       "node-from-env",
		DisplayName:  "edge",
		WorkflowHost: true,
		ServerContactPoints: []node.ContactPoint{
			node.MustParseContactPoint("tcp://0.0.0.0:7001"),
			node.MustParseContactPoint("grpc://0.0.0.0:7002"),
		},
		InitialContactPoints: []node.ContactPoint{node.MustParseContactPoint("tcp://10.0.0.2:7001")},
		DefaultRelays:        []node.ContactPoint{node.MustParseContactPoint("tcp://10.0.0.3:7001")},
		StartupConnectDelay:  100 * time.Millisecond,
		RequestTimeout:       10 * time.Second,
		ForwardingTimeout:    8 * time.Second,
		HopLimit:             4,
		RateLimit:            50,
		RateBurst:            5,
		Codec:                codec.CodecTypeJSON,
		DirectoryEndpoints:   []string{"localhost:2379"},
		DirectoryTTL:         15 * time.Second,
		LogLevel:             "debug",
		LogFormat:            "json",
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("Parse() mismatch (-want +got):\n%s", diff)
	}
}

func TestParseKeepsDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`listen = ["tcp://127.0.0.1:7001"]`), "node.hcl")
	require.NoError(t, err)
	assert.Equal(t, DefaultRequestTimeout, cfg.RequestTimeout)
	assert.Equal(t, DefaultHopLimit, cfg.HopLimit)
	assert.Equal(t, codec.CodecTypeBinary, cfg.Codec)
	assert.Empty(t, cfg.NodeID)
}

func TestParseErrors(t *testing.T) {
	testCases := []struct {
		name string
		src  string
	}{
		{name: "syntax", src: `listen = [`},
		{name: "unknown attribute", src: `colour = "blue"`},
		{name: "bad contact point", src: `connect = ["10.0.0.2"]`},
		{name: "bad duration", src: "timeouts {\n  request = \"soon\"\n}"},
		{name: "bad codec", src: `codec = "xml"`},
		{name: "unknown env", src: "node {\n  id = env.HOP_TEST_SURELY_UNSET_VARIABLE\n}"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.src), "node.hcl")
			assert.Error(t, err)
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.hcl")
	require.NoError(t, os.WriteFile(path, []byte("hop_limit = 3\n"), 0o600))
	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.HopLimit)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.hcl"))
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	cfg := Default()
	cfg.NodeID = "node-a"
	cfg.LogFormat = "json"
	logger, err := cfg.NewLogger()
	require.NoError(t, err)
	assert.NotNil(t, logger)

	cfg.LogLevel = "nope"
	_, err = cfg.NewLogger()
	assert.Error(t, err)
}
