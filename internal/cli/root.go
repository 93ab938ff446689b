// Package cli implements loyaltyctl, the operator tool that talks to the
// database directly. Whoever holds its credentials is trusted as an admin.
package cli

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/Shadowskybtw/loyalty-backend/internal/config"
	"github.com/Shadowskybtw/loyalty-backend/internal/store"

	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

// Operator is recorded as the granting actor for changes made from the CLI.
const Operator = "loyaltyctl"

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Format     string // "text" | "json" | "yaml"
}

var ValidFormats = []string{"text", "json", "yaml"}

func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "loyaltyctl",
		Short: "Maintenance commands for the loyalty ledger",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "config file (default ./config.yaml)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (text|json|yaml)")

	cmd.AddCommand(NewReconcileCommand(opts))
	cmd.AddCommand(NewGrantAdminCommand(opts))

	return cmd
}

type env struct {
	cfg    *config.Config
	db     *gorm.DB
	logger *slog.Logger
}

func (o *RootOptions) open() (*env, error) {
	cfg, err := config.LoadConfig(o.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "load config", err)
	}
	db, err := store.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "open database", err)
	}
	return &env{cfg: cfg, db: db, logger: cfg.NewLogger()}, nil
}

func (e *env) close() {
	if err := store.Close(e.db); err != nil {
		e.logger.Warn("closing database", "error", err)
	}
}
