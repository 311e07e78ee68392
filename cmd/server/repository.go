package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/podushkina/taskcore/internal/store"
)

func newRepositoryCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "repository",
		Aliases: []string{"repo"},
		Short:   "Manage the repository records tasks may reference",
	}
	cmd.AddCommand(newRepositoryAddCmd(flags))
	return cmd
}

func newRepositoryAddCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "add <id> <name> [url]",
		Short: "Register a repository so tasks can reference its id",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id < 1 {
				return fmt.Errorf("invalid repository id %q", args[0])
			}
			url := ""
			if len(args) == 3 {
				url = args[2]
			}

			cfg, err := flags.setup()
			if err != nil {
				return err
			}
			st, err := store.Open(cfg.DBPath)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.RegisterRepository(cmd.Context(), id, args[1], url); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "registered repository %d (%s)\n", id, args[1])
			return nil
		},
	}
}
