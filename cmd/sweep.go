package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/metalyst-dev/metalyst/config"
	"github.com/metalyst-dev/metalyst/internal/server"
	"github.com/metalyst-dev/metalyst/internal/store"
)

func sweepCMD() *cobra.Command {
	var cfgPath string
	var sweep = &cobra.Command{
		Use:   "sweep",
		Short: "Delete finished sessions past the retention window and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)
			st, err := store.New(cfg.Storage.File.DataDir)
			if err != nil {
				return err
			}
			cl := &server.Cleaner{Store: st, MaxAge: cfg.Retention.MaxAge, Cron: cfg.Retention.SweepCron}
			removed := cl.SweepOnce(context.Background())
			fmt.Printf("removed %d expired sessions\n", removed)
			return nil
		},
	}
	sweep.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return sweep
}
