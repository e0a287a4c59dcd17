package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"hop-rpc/config"
	"hop-rpc/mesh"
	"hop-rpc/node"
)

type startOptions struct {
	configPath   string
	nodeID       string
	displayName  string
	listen       []string
	connect      []string
	relays       []string
	logLevel     string
	drainTimeout time.Duration
}

var startFlags startOptions

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a node",
	Long: `Start a node and keep it running until interrupted.

Flags override the values of the configuration file.

Examples:
  # A node listening on TCP
  hopnode start --node-id=node-a --listen=tcp://0.0.0.0:7001

  # A second node that joins through the first one
  hopnode start --node-id=node-b --listen=grpc://0.0.0.0:7002 --connect=tcp://127.0.0.1:7001

  # Everything from a file
  hopnode start --config=node.hcl`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)

	f := startCmd.Flags()
	f.StringVarP(&startFlags.configPath, "config", "c", "", "HCL configuration file")
	f.StringVarP(&startFlags.nodeID, "node-id", "n", "", "node identifier (random if empty)")
	f.StringVar(&startFlags.displayName, "display-name", "", "human readable node name")
	f.StringSliceVarP(&startFlags.listen, "listen", "l", nil, "server contact points (comma-separated)")
	f.StringSliceVar(&startFlags.connect, "connect", nil, "initial contact points (comma-separated)")
	f.StringSliceVar(&startFlags.relays, "relay", nil, "default relay contact points (comma-separated)")
	f.StringVar(&startFlags.logLevel, "log-level", "", "debug, info, warn or error")
	f.DurationVar(&startFlags.drainTimeout, "drain-timeout", 10*time.Second, "how long to wait for in-flight calls on shutdown")
}

func loadStartConfig(cmd *cobra.Command) (*config.ContactConfiguration, error) {
	cfg := config.Default()
	if startFlags.configPath != "" {
		var err error
		if cfg, err = config.LoadFile(startFlags.configPath); err != nil {
			return nil, err
		}
	}

	flags := cmd.Flags()
	if flags.Changed("node-id") {
		cfg.NodeID = node.Identifier(startFlags.nodeID)
	}
	if flags.Changed("display-name") {
		cfg.DisplayName = startFlags.displayName
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = startFlags.logLevel
	}
	for _, o := range []struct {
		flag string
		src  []string
		dst  *[]node.ContactPoint
	}{
		{"listen", startFlags.listen, &cfg.ServerContactPoints},
		{"connect", startFlags.connect, &cfg.InitialContactPoints},
		{"relay", startFlags.relays, &cfg.DefaultRelays},
	} {
		if !flags.Changed(o.flag) {
			continue
		}
		cps, err := config.ParseContactPoints(o.src)
		if err != nil {
			return nil, fmt.Errorf("--%s: %w", o.flag, err)
		}
		*o.dst = cps
	}
	return cfg, nil
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadStartConfig(cmd)
	if err != nil {
		return err
	}
	n, err := mesh.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := n.Start(ctx); err != nil {
		return fmt.Errorf("failed to start node: %w", err)
	}

	served := make(chan error, 1)
	go func() { served <- n.Wait() }()

	select {
	case <-ctx.Done():
	case err := <-served:
		if err != nil {
			n.Logger().Error("listener failed", zap.Error(err))
			break
		}
		// No listeners: the node only originates and relays its own calls.
		<-ctx.Done()
	}
	n.Logger().Info("shutting down")
	return n.Stop(startFlags.drainTimeout)
}
