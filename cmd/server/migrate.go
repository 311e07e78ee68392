package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/podushkina/taskcore/internal/store"
)

func newMigrateCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.setup()
			if err != nil {
				return err
			}

			st, err := store.Open(cfg.DBPath)
			if err != nil {
				return err
			}
			defer st.Close()

			version, err := st.SchemaVersion()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: schema version %d (latest %d)\n", cfg.DBPath, version, store.LatestVersion())
			if version != store.LatestVersion() {
				return fmt.Errorf("schema version %d does not match latest %d", version, store.LatestVersion())
			}
			return nil
		},
	}
}
