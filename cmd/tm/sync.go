package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/steveyegge/taskmirror/internal/cache"
	"github.com/steveyegge/taskmirror/internal/reconcile"
)

var syncCmd = &cobra.Command{
	Use:   "sync [project-id]",
	Short: "Pull remote tasks into the local mirror",
	Long: `Overwrite the local mirror with the remote service's tasks.

With no argument every bound project is synced; the run is best effort,
so one failing project does not abort the rest. The remote service is
the source of truth: modified tasks are overwritten and local-only
tasks are deleted, never pushed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		ctx := cmd.Context()
		var stats reconcile.SyncStats
		if len(args) == 1 {
			stats, err = a.engine.SyncProject(ctx, args[0])
		} else {
			stats, err = a.engine.SyncAll(ctx)
		}
		if err != nil {
			return err
		}

		if err := refreshCache(ctx, a, stats); err != nil {
			a.logger.Warn("cache refresh failed", "error", err)
		}

		fmt.Printf("Synced %d tasks across %d projects\n", stats.SyncedTasks, stats.SyncedProjects)
		if len(stats.ProjectErrors) > 0 {
			ids := make([]string, 0, len(stats.ProjectErrors))
			for id := range stats.ProjectErrors {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			for _, id := range ids {
				fmt.Printf("  project %s failed: %v\n", id, stats.ProjectErrors[id])
			}
			return fmt.Errorf("%d projects failed to sync", len(stats.ProjectErrors))
		}
		return nil
	},
}

var checkCmd = &cobra.Command{
	Use:   "check [project-id]",
	Short: "Report drift between the mirror and the remote service",
	Long: `Compare the local mirror against the remote service without
changing anything. Each discrepancy is reported as missing_local
(exists remotely, not mirrored), missing_remote (mirrored, gone
remotely), or modified (both sides differ).`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		ctx := cmd.Context()
		byProject := make(map[string][]reconcile.Conflict)
		if len(args) == 1 {
			conflicts, err := a.engine.CheckProject(ctx, args[0])
			if err != nil {
				return err
			}
			byProject[args[0]] = conflicts
		} else {
			byProject, err = a.engine.CheckAll(ctx)
			if err != nil {
				return err
			}
		}

		total := 0
		ids := make([]string, 0, len(byProject))
		for id := range byProject {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			conflicts := byProject[id]
			if len(conflicts) == 0 {
				continue
			}
			fmt.Printf("Project %s:\n", id)
			for _, c := range conflicts {
				fmt.Printf("  [%s] %s (%s): %s\n", c.Kind, c.TaskName, c.TaskID, c.Details)
			}
			total += len(conflicts)
		}

		if total == 0 {
			fmt.Println("Mirror is in sync")
			return nil
		}
		fmt.Printf("%d conflicts found; run 'tm sync' to resolve\n", total)
		return nil
	},
}

// refreshCache rebuilds the cached rows for every project a sync touched.
func refreshCache(ctx context.Context, a *app, stats reconcile.SyncStats) error {
	if stats.SyncedProjects == 0 {
		return nil
	}
	db, err := cache.Open(cachePath())
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.InitSchemaContext(ctx); err != nil {
		return err
	}

	projects, err := a.store.BoundProjects()
	if err != nil {
		return err
	}
	for _, p := range projects {
		if _, failed := stats.ProjectErrors[p.ID]; failed {
			continue
		}
		tasks, err := a.store.ListTasks(p.ID)
		if err != nil {
			return err
		}
		if err := db.Rebuild(ctx, p.ID, tasks); err != nil {
			return err
		}
	}
	return nil
}

func init() {
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(checkCmd)
}
