package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/steveyegge/taskmirror/internal/cache"
	"github.com/steveyegge/taskmirror/internal/mirror"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show mirror and cache status",
	Long: `Display the bound projects, per-status task counts from the query
cache, and the executor queue configuration. This command reads only
local state; it never calls the remote service.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir := viper.GetString("data_dir")
		if dataDir == "" {
			return fmt.Errorf("data_dir is not set")
		}

		store, err := mirror.NewStore(filepath.Join(dataDir, "mirror"), nil)
		if err != nil {
			return err
		}
		projects, err := store.BoundProjects()
		if err != nil {
			return err
		}
		if len(projects) == 0 {
			fmt.Println("No projects bound; run 'tm projects bind <id>' first")
			return nil
		}

		path := cachePath()
		if _, err := os.Stat(path); os.IsNotExist(err) {
			fmt.Printf("%d projects bound, cache not built yet; run 'tm sync'\n", len(projects))
			return nil
		}

		db, err := cache.Open(path)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.InitSchemaContext(cmd.Context()); err != nil {
			return err
		}

		sort.Slice(projects, func(i, j int) bool { return projects[i].ID < projects[j].ID })
		total := 0
		for _, p := range projects {
			counts, err := db.StatusCounts(cmd.Context(), p.ID)
			if err != nil {
				return err
			}
			n := 0
			for _, c := range counts {
				n += c
			}
			total += n
			fmt.Printf("%s (%s): %d tasks\n", p.Name, p.ID, n)

			statuses := make([]string, 0, len(counts))
			for s := range counts {
				statuses = append(statuses, s)
			}
			sort.Strings(statuses)
			for _, s := range statuses {
				fmt.Printf("    %-12s %d\n", s, counts[s])
			}
		}
		fmt.Printf("\n%d tasks cached across %d projects\n", total, len(projects))

		rpm, err := requestsPerMinute()
		if err == nil {
			fmt.Printf("Rate limit: %d requests/minute (%s tier)\n", rpm, viper.GetString("tier"))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
