package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/steveyegge/taskmirror/internal/cache"
	"github.com/steveyegge/taskmirror/internal/mirror"
)

var projectsCmd = &cobra.Command{
	Use:   "projects",
	Short: "Manage which remote projects are mirrored",
}

var projectsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List remote projects and whether they are bound",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		remoteProjects, err := a.client.ListProjects(cmd.Context())
		if err != nil {
			return err
		}
		bound, err := a.store.BoundProjects()
		if err != nil {
			return err
		}
		boundIDs := make(map[string]bool, len(bound))
		for _, p := range bound {
			boundIDs[p.ID] = true
		}

		if len(remoteProjects) == 0 {
			fmt.Println("No projects visible to this account")
			return nil
		}
		for _, p := range remoteProjects {
			marker := " "
			if boundIDs[p.ID] {
				marker = "*"
			}
			fmt.Printf("%s %s  %s\n", marker, p.ID, p.Name)
		}
		fmt.Println("\n* = bound (mirrored locally)")
		return nil
	},
}

var projectsBindCmd = &cobra.Command{
	Use:   "bind <project-id>",
	Short: "Start mirroring a remote project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		projectID := args[0]

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		// Resolve the name so the registry entry is self-describing.
		remoteProjects, err := a.client.ListProjects(cmd.Context())
		if err != nil {
			return err
		}
		name := ""
		for _, p := range remoteProjects {
			if p.ID == projectID {
				name = p.Name
				break
			}
		}
		if name == "" {
			return fmt.Errorf("project %s not found on the remote service", projectID)
		}

		if err := a.store.BindProject(mirror.Project{ID: projectID, Name: name}); err != nil {
			return err
		}
		fmt.Printf("Bound project %s (%s); run 'tm sync %s' to mirror it\n", projectID, name, projectID)
		return nil
	},
}

var projectsUnbindCmd = &cobra.Command{
	Use:   "unbind <project-id>",
	Short: "Stop mirroring a project and remove its local copies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		projectID := args[0]

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.store.UnbindProject(projectID); err != nil {
			return err
		}

		// Best effort: the daemon's next rebuild would drop these rows too.
		if db, err := cache.Open(cachePath()); err == nil {
			if err := db.InitSchemaContext(cmd.Context()); err == nil {
				if err := db.DeleteProject(cmd.Context(), projectID); err != nil {
					a.logger.Warn("failed to drop cached tasks", "project", projectID, "error", err)
				}
			}
			db.Close()
		}

		fmt.Printf("Unbound project %s\n", projectID)
		return nil
	},
}

func init() {
	projectsCmd.AddCommand(projectsListCmd)
	projectsCmd.AddCommand(projectsBindCmd)
	projectsCmd.AddCommand(projectsUnbindCmd)
	rootCmd.AddCommand(projectsCmd)
}
