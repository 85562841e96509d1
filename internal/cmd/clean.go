package cmd

import (
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(cleanCmd)
}

var cleanCmd = &cobra.Command{
	Use:     "clean",
	GroupID: GroupWorkers,
	Short:   "Remove stopped workers from the registry",
	Long: `Remove registry records for workers that are no longer running.

Status is re-observed before removal, so a record that says running but
whose window or process is gone gets cleaned too. Running workers are
never touched. Worktrees are left in place; use kill --rm-worktree to
remove them.`,
	Args: cobra.NoArgs,
	RunE: runClean,
}

func runClean(cmd *cobra.Command, args []string) error {
	root, err := stateRoot()
	if err != nil {
		return err
	}
	removed, err := newManager(root).Clean()
	if err != nil {
		return err
	}
	if len(removed) == 0 {
		cmd.Println("Nothing to clean")
		return nil
	}
	for _, name := range removed {
		cmd.Printf("Removed %s\n", name)
	}
	return nil
}
