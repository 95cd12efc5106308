// Package main is the entry point for the casgate gateway.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "casgate",
		Short:         "casgate - authenticating, rate-limiting API gateway",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to gateway.yaml (default: ., ./configs, /etc/casgate)")

	root.AddCommand(serveCmd(&configPath))
	root.AddCommand(validateCmd(&configPath))
	root.AddCommand(hashPasswordCmd())
	return root
}
