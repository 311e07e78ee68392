package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/podushkina/taskcore/internal/config"
)

type globalFlags struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	cmd := &cobra.Command{
		Use:           "taskcore",
		Short:         "Taskcore runs shell tasks from a Redis queue and tracks them in SQLite",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&flags.configPath, "config", "", "path to a TOML config file (default $TASKCORE_CONFIG)")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "log level: debug, info, warn, error")

	cmd.AddCommand(
		newServeCmd(flags),
		newMigrateCmd(flags),
		newRepositoryCmd(flags),
	)
	return cmd
}

// setup loads configuration and installs the default logger.
func (f *globalFlags) setup() (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	warning, err := configureLogger(f.logLevel, cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	if warning != "" {
		fmt.Fprintln(os.Stderr, warning)
	}
	return cfg, nil
}
