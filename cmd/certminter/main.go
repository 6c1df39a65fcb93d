// Command certminter runs the certificate minting service.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/groeimetai/certminter/internal/app"
	"github.com/groeimetai/certminter/internal/config"
	"github.com/groeimetai/certminter/internal/domain"
	"github.com/groeimetai/certminter/internal/identity"
	"github.com/groeimetai/certminter/internal/pkg/postgres"
	"github.com/groeimetai/certminter/internal/version"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := rootCommand().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "certminter",
		Short:         "Issue course certificates and record them on chain",
		Version:       version.Get().String(),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context())
		},
	}
	root.AddCommand(serveCommand(), migrateCommand(), tokenCommand())
	return root
}

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the minting scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context())
		},
	}
}

func serve(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	application, err := app.New(cfg)
	if err != nil {
		return fmt.Errorf("create app: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- application.Run()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return application.Shutdown(shutdownCtx)
}

func migrateCommand() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:       "migrate [up|down]",
		Short:     "Apply or roll back database migrations",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{postgres.MigrateUp, postgres.MigrateDown},
		RunE: func(_ *cobra.Command, args []string) error {
			direction := postgres.MigrateUp
			if len(args) == 1 {
				direction = args[0]
			}

			url := os.Getenv(config.EnvPrefix + "DATABASE__URL")
			if url == "" {
				return errors.New(config.EnvPrefix + "DATABASE__URL is required")
			}
			return postgres.Migrate(url, dir, direction)
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "migrations", "directory containing migration files")
	return cmd
}

func tokenCommand() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <user-id> <user|operator|admin>",
		Short: "Print a signed access token",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := os.Getenv(config.EnvPrefix + "JWT__SECRET_KEY")
			issuer := os.Getenv(config.EnvPrefix + "JWT__ISSUER")
			if issuer == "" {
				issuer = "certminter"
			}

			tokens, err := identity.NewTokenService(secret, issuer, ttl)
			if err != nil {
				return err
			}
			token, expiresAt, err := tokens.IssueToken(args[0], domain.Role(args[1]))
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), token)
			slog.Info("token issued", "user_id", args[0], "role", args[1], "expires_at", expiresAt)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
