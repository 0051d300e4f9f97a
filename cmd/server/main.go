package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if errors.Is(err, errUnhealthy) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "realtime",
		Short:        "Room-scoped real-time broadcaster for agent workspaces",
		Version:      version,
		SilenceUsage: true,
	}

	var configPath string
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("REALTIME_CONFIG"), "path to YAML config file")

	root.AddCommand(
		serveCmd(&configPath),
		tokenCmd(&configPath),
		memberCmd(&configPath),
		historyCmd(&configPath),
		healthCmd(),
	)
	return root
}
