package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/carlossalguero/casgate/services/gateway/internal/auth"
	"github.com/carlossalguero/casgate/services/gateway/internal/config"
	"github.com/carlossalguero/casgate/services/gateway/internal/router"
	"github.com/carlossalguero/casgate/services/shared/logger"
)

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func validateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the service registry and RBAC documents",
		Long: `Load gateway.yaml and both documents, validate them together and
report every problem found. Exits non-zero when anything is invalid.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			snap, err := validate(cmd.Context(), cfg, logger.New(logger.Config{Level: "warn", Format: "text", Output: cmd.ErrOrStderr()}))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "services: %d (%d enabled), aliases: %d\n",
				len(snap.Registry.Services), len(snap.Registry.Enabled()), len(snap.Registry.Aliases))
			fmt.Fprintf(out, "routes: %d, default rate limit: %s\n", len(snap.Policy.Routes), snap.DefaultRateLimit)
			for _, kind := range snap.Fallbacks {
				fmt.Fprintf(out, "warning: %s document missing, embedded default used\n", kind)
			}
			fmt.Fprintln(out, "ok")
			return nil
		},
	}
}

// validate checks the process settings the documents depend on, then loads
// both documents through a Store exactly as serve does.
func validate(ctx context.Context, cfg *Config, log *logger.Logger) (*config.Snapshot, error) {
	if _, err := router.ParseUnhealthyPolicy(cfg.Health.UnhealthyPolicy); err != nil {
		return nil, fmt.Errorf("health.unhealthy_policy: %w", err)
	}
	defaultLimit, err := cfg.DefaultRateLimit()
	if err != nil {
		return nil, err
	}
	source, err := documentSource(cfg)
	if err != nil {
		return nil, err
	}
	store := config.NewStore(config.NewLoader(defaultLimit), source, log)
	return store.Load(ctx)
}

func hashPasswordCmd() *cobra.Command {
	var (
		password string
		cost     int
	)
	cmd := &cobra.Command{
		Use:   "hash-password",
		Short: "Print a bcrypt hash for users.seed or the admin API",
		Long: `Hash a password with bcrypt. The password is read from --password or,
when the flag is absent, from the first line of standard input.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("password") {
				var err error
				if password, err = readLine(cmd.InOrStdin()); err != nil {
					return err
				}
			}
			hash, err := auth.HashPassword(password, cost)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
	cmd.Flags().StringVarP(&password, "password", "p", "", "password to hash")
	cmd.Flags().IntVar(&cost, "cost", 12, "bcrypt cost")
	return cmd
}

func readLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
