package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/rhuss/omega/pkg/config"
	"github.com/rhuss/omega/pkg/ledger/postgres"
	"github.com/rhuss/omega/pkg/ledger/sqlite"
)

// migrator is implemented by the persistent ledger backends.
type migrator interface {
	Migrate(ctx context.Context) (int, error)
	Close() error
}

var (
	_ migrator = (*postgres.Store)(nil)
	_ migrator = (*sqlite.Store)(nil)
)

func newMigrateCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending ledger schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(root.configPath)
			if err != nil {
				return err
			}
			return migrate(cmd.Context(), cfg.Storage, cmd.OutOrStdout())
		},
	}
}

func migrate(ctx context.Context, sc config.StorageConfig, out io.Writer) error {
	var (
		m   migrator
		err error
	)
	switch sc.Type {
	case "postgres":
		m, err = postgres.New(ctx, postgres.Config{DSN: sc.Postgres.DSN, MaxConns: 2})
	case "sqlite":
		m, err = sqlite.New(ctx, sc.SQLite.Path)
	default:
		return fmt.Errorf("storage type %q has no schema to migrate", sc.Type)
	}
	if err != nil {
		return fmt.Errorf("opening %s ledger: %w", sc.Type, err)
	}
	defer m.Close()

	applied, err := m.Migrate(ctx)
	if err != nil {
		return fmt.Errorf("migrating %s ledger: %w", sc.Type, err)
	}
	fmt.Fprintf(out, "%s ledger: %d migration(s) applied\n", sc.Type, applied)
	return nil
}
