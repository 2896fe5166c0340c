package main

import (
	"fmt"

	"github.com/datallboy/newsflow/internal/app"
	"github.com/datallboy/newsflow/internal/infra/config"
	"github.com/datallboy/newsflow/internal/infra/logger"
	"github.com/spf13/cobra"
)

// cli carries the flags shared by every command and the context built from
// them before a command runs.
type cli struct {
	configPath string
	envPath    string
	logLevel   string

	app *app.Context
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "newsflow",
		Short:         "Download binaries from Usenet",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "encode" {
				return nil
			}
			return c.load()
		},
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "config.yaml", "path to the config file")
	root.PersistentFlags().StringVar(&c.envPath, "env", ".env", "path to an optional .env file")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "override the configured log level")

	root.AddCommand(
		newDownloadCmd(c),
		newHeadersCmd(c),
		newGroupsCmd(c),
		newFetchCmd(c),
		newEncodeCmd(),
		newServeCmd(c),
	)
	return root
}

func (c *cli) load() error {
	if err := config.LoadEnv(c.envPath); err != nil {
		return fmt.Errorf("env error: %w", err)
	}
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	level := cfg.Log.Level
	if c.logLevel != "" {
		level = c.logLevel
	}
	log, err := logger.New(cfg.Log.Path, logger.ParseLevel(level), cfg.Log.IncludeStdout)
	if err != nil {
		return fmt.Errorf("logger error: %w", err)
	}
	c.app = app.NewContext(cfg, log)
	return nil
}
