package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"hop-rpc/client"
	"hop-rpc/config"
	"hop-rpc/mesh"
	"hop-rpc/node"
)

var callFlags struct {
	connect []string
	target  string
	method  string
	arg     string
	timeout time.Duration
	retries int
}

var callCmd = &cobra.Command{
	Use:   "call",
	Short: "Call a service on a node",
	Long: `Join the network through a contact point just long enough to make one call.

Examples:
  # Ask the node behind a contact point about itself
  hopnode call --connect=tcp://127.0.0.1:7001 --method=Node.Info

  # Ping node-c, relayed by whoever answers on 7001
  hopnode call --connect=tcp://127.0.0.1:7001 --target=node-c --method=Node.Ping --arg=hello`,
	RunE: runCall,
}

func init() {
	rootCmd.AddCommand(callCmd)

	f := callCmd.Flags()
	f.StringSliceVar(&callFlags.connect, "connect", nil, "contact points to join through (comma-separated)")
	f.StringVarP(&callFlags.target, "target", "t", "", "target node id (default: the node behind the first contact point)")
	f.StringVarP(&callFlags.method, "method", "m", "Node.Info", "Service.Method to call")
	f.StringVarP(&callFlags.arg, "arg", "a", "", "string argument (none if unset)")
	f.DurationVar(&callFlags.timeout, "timeout", 10*time.Second, "request timeout")
	f.IntVar(&callFlags.retries, "retries", 0, "retries on communication failures")
	callCmd.MarkFlagRequired("connect")
}

func runCall(cmd *cobra.Command, args []string) error {
	cps, err := config.ParseContactPoints(callFlags.connect)
	if err != nil {
		return fmt.Errorf("--connect: %w", err)
	}

	cfg := config.Default()
	cfg.RequestTimeout = callFlags.timeout
	cfg.ForwardingTimeout = callFlags.timeout
	cfg.LogLevel = "warn"
	n, err := mesh.New(cfg)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := n.Start(ctx); err != nil {
		return err
	}
	defer n.Stop(time.Second)

	target := node.Identifier(callFlags.target)
	joined := 0
	for _, cp := range cps {
		peer, err := n.Connect(ctx, cp)
		if err != nil {
			n.Logger().Warn("contact point unreachable", zap.Stringer("contact_point", cp), zap.Error(err))
			continue
		}
		if target == "" {
			target = peer.ID
		}
		joined++
	}
	if joined == 0 {
		return fmt.Errorf("none of %v answered", callFlags.connect)
	}

	var arg any
	if cmd.Flags().Changed("arg") {
		arg = callFlags.arg
	}
	v, err := n.Client(client.WithRetry(callFlags.retries, 100*time.Millisecond)).CallValue(ctx, target, callFlags.method, arg)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%+v\n", v)
	return nil
}
