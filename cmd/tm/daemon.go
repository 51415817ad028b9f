package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/steveyegge/taskmirror/internal/cache"
	"github.com/steveyegge/taskmirror/internal/daemon"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the background sync daemon",
	Long: `Run the sync daemon in the foreground until interrupted.

The daemon watches the mirror for file changes and replays them into
the query cache, reconciles every bound project against the remote
service on the configured interval, and sweeps expired locks and stale
rate-limit state once per minute. Set log_file in the config to send
its output to a rotating log instead of stderr.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		db, err := cache.Open(cachePath())
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.InitSchemaContext(cmd.Context()); err != nil {
			return err
		}

		syncInterval := viper.GetDuration("sync_interval")
		d, err := daemon.New(a.store, db, a.engine, a.locks, a.exec, daemon.Config{
			SyncInterval: syncInterval,
			Logger:       a.logger,
		})
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		fmt.Printf("Daemon running (sync every %s); Ctrl-C to stop\n", syncInterval)
		return d.Start(ctx)
	},
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}
