package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/arifwicaksono2000/botapp-trader/app"
	"github.com/arifwicaksono2000/botapp-trader/config"
	"github.com/arifwicaksono2000/botapp-trader/logger"
)

func main() {
	// Load config from .env file
	cfg := config.LoadFromEnv()
	logger.Init(&cfg.Log)

	root := newRunCmd(cfg)
	root.Use = "botapp-trader"
	root.AddCommand(newRunCmd(cfg), newMigrateCmd(cfg))

	if err := root.Execute(); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
}

func newRunCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:          "run",
		Short:        "run the hedging engine until interrupted",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			return app.New(cfg).Start()
		},
	}
}

func newMigrateCmd(cfg *config.Config) *cobra.Command {
	var seed string
	cmd := &cobra.Command{
		Use:          "migrate",
		Short:        "create the ledger schema and optionally seed it",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.Migrate(context.Background(), cfg, seed)
		},
	}
	cmd.Flags().StringVar(&seed, "seed", "", "milestones YAML file to seed from")
	return cmd
}
