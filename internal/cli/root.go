// Package cli implements trashctl, the operator tool for the diary trash.
package cli

import (
	"context"
	"fmt"
	"slices"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/AnshRaj112/hams-diary/internal/app"
	"github.com/AnshRaj112/hams-diary/internal/config"
	"github.com/AnshRaj112/hams-diary/internal/logging"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Format  string // "json" | "text"
	EnvFile string

	// Open builds the backends. Commands that need none never call it.
	Open func(ctx context.Context, opts *RootOptions) (*app.App, error)
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

func openApp(ctx context.Context, opts *RootOptions) (*app.App, error) {
	if opts.EnvFile != "" {
		_ = godotenv.Load(opts.EnvFile)
	}
	cfg := config.Load()
	log, err := logging.New(cfg.Environment)
	if err != nil {
		return nil, err
	}
	return app.Build(ctx, cfg, log)
}

// NewRootCommand creates the root command for trashctl.
func NewRootCommand() *cobra.Command {
	return newRootCommand(openApp)
}

func newRootCommand(open func(context.Context, *RootOptions) (*app.App, error)) *cobra.Command {
	opts := &RootOptions{Open: open}

	cmd := &cobra.Command{
		Use:   "trashctl",
		Short: "Inspect and purge expired diary trash",
		Long: `trashctl runs the retention scan and purge against the configured stores,
and manages admin credentials for the HTTP admin routes.

Connection settings come from the same environment variables as the server.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.EnvFile, "env-file", ".env", "dotenv file to load before reading the environment")

	cmd.AddCommand(NewScanCommand(opts))
	cmd.AddCommand(NewPurgeCommand(opts))
	cmd.AddCommand(NewPurgeAllCommand(opts))
	cmd.AddCommand(NewHashKeyCommand(opts))
	cmd.AddCommand(NewTokenCommand(opts, "owner-token", "Mint a bearer session for a diary owner"))
	cmd.AddCommand(NewTokenCommand(opts, "admin-token", "Mint a bearer session for an admin"))
	cmd.AddCommand(NewUnblockIPCommand(opts))

	return cmd
}
