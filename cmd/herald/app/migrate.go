package app

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/heraldhq/herald/internal/config"
	"github.com/heraldhq/herald/storage/sqlite"
)

var errNotSQLite = errors.New("migrations apply only to the sqlite storage driver")

func newMigrateCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the SQLite schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openForMigration(cmd, v)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Schema is up to date")
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "List migrations and whether they are applied",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openForMigration(cmd, v)
			if err != nil {
				return err
			}
			defer store.Close()
			statuses, err := store.Status(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "VERSION\tMIGRATION\tAPPLIED AT")
			for _, st := range statuses {
				applied := "pending"
				if st.Applied {
					applied = st.AppliedAt.UTC().Format(time.RFC3339)
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\n", st.Version, st.Path, applied)
			}
			return tw.Flush()
		},
	})
	return cmd
}

func openForMigration(cmd *cobra.Command, v *viper.Viper) (*sqlite.Store, error) {
	cfg, logger, err := loadConfig(v, cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}
	if cfg.Storage.Driver != config.DriverSQLite {
		return nil, errNotSQLite
	}
	return sqlite.Open(cmd.Context(), sqlite.Config{Path: cfg.Storage.Path, Logger: logger})
}
