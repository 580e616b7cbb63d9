package main

import (
	"github.com/spf13/cobra"

	"github.com/articleforge/articleforge/config"
	srv "github.com/articleforge/articleforge/internal/server"
)

func migrateCMD() *cobra.Command {
	var cfgPath string
	var migDir string
	var direction string
	var steps int
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			return srv.Migrate(migDir, cfg.Postgres.URL(), direction, steps)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "config file (default is ./config.yaml)")
	cmd.Flags().StringVar(&migDir, "dir", "file://migrations", "migrations source")
	cmd.Flags().StringVar(&direction, "direction", "up", "up or down")
	cmd.Flags().IntVar(&steps, "steps", 0, "limit to N steps (0 = all)")
	return cmd
}
