package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "hopnode",
	Short: "Run and talk to hop-rpc nodes",
	Long: `hopnode runs a node of a peer-to-peer service network, where any node can
call a service on any other node, directly or across relaying nodes.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
