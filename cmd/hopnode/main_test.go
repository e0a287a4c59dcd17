package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hop-rpc/config"
	"hop-rpc/mesh"
	"hop-rpc/node"
)

func TestStartFlagsOverrideConfig(t *testing.T) {
	t.Cleanup(func() { startFlags = startOptions{} })

	require.NoError(t, startCmd.ParseFlags([]string{
		"--node-id=node-x",
		"--listen=tcp://127.0.0.1:7001,grpc://127.0.0.1:7002",
		"--log-level=debug",
	}))
	cfg, err := loadStartConfig(startCmd)
	require.NoError(t, err)
	assert.Equal(t, node.Identifier("node-x"), cfg.NodeID)
	assert.Len(t, cfg.ServerContactPoints, 2)
	assert.Empty(t, cfg.InitialContactPoints)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, config.DefaultRequestTimeout, cfg.RequestTimeout)
}

func TestCallCommand(t *testing.T) {
	cfg := config.Default()
	cfg.NodeID = "node-served"
	cfg.ServerContactPoints = []node.ContactPoint{node.MustParseContactPoint("tcp://127.0.0.1:0")}
	cfg.LogLevel = "warn"
	served, err := mesh.New(cfg)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, served.Start(ctx))
	defer served.Stop(time.Second)

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"call",
		"--connect=" + served.ContactPoints()[0].String(),
		"--method=Node.Ping",
		"--arg=hello",
	})
	require.NoError(t, rootCmd.Execute())
	assert.Equal(t, "hello\n", out.String())
}
