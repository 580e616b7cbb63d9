package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/articleforge/articleforge/config"
	"github.com/articleforge/articleforge/internal/worker"
)

func workerCMD() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run pipeline worker pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return worker.Run(ctx, cfg, nil, nil)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "config file (default is ./config.yaml)")
	return cmd
}
