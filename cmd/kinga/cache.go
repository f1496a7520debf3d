package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var cacheOlderThan time.Duration

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage memoized execution results",
}

var cachePurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete memoized results not used recently",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := initStore(cfg, newLogger(cfg.Logging, cmd.ErrOrStderr()))
		if err != nil {
			return err
		}
		defer store.Close()
		if err := store.Migrate(cmd.Context()); err != nil {
			return err
		}
		n, err := store.PurgeResults(cmd.Context(), time.Now().Add(-cacheOlderThan))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "purged %d cached results\n", n)
		return nil
	},
}

func init() {
	cachePurgeCmd.Flags().DurationVar(&cacheOlderThan, "older-than", 7*24*time.Hour, "purge results last used before this long ago (0 purges everything)")
	cacheCmd.AddCommand(cachePurgeCmd)
}
