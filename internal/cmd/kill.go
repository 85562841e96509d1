package cmd

import (
	"github.com/spf13/cobra"

	"github.com/swarmctl/swarm/internal/worker"
)

var (
	killRmWorktree bool
	killForceDirty bool
)

func init() {
	killCmd.Flags().BoolVar(&killRmWorktree, "rm-worktree", false, "Remove the worker's git worktree")
	killCmd.Flags().BoolVar(&killForceDirty, "force-dirty", false, "Remove the worktree even with uncommitted changes")
	rootCmd.AddCommand(killCmd)
}

var killCmd = &cobra.Command{
	Use:     "kill <name>...",
	GroupID: GroupWorkers,
	Short:   "Stop workers",
	Long: `Stop one or more workers.

Process workers get SIGTERM and five seconds to exit before SIGKILL;
mux workers have their window killed. The registry record stays with
status stopped, so kill is safe to repeat; use clean to drop records.

With --rm-worktree the worker's worktree is removed too, unless it has
uncommitted changes (--force-dirty overrides). The shared tmux session
is torn down once its last worker is gone.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runKill,
}

func runKill(cmd *cobra.Command, args []string) error {
	root, err := stateRoot()
	if err != nil {
		return err
	}
	mgr := newManager(root)

	opts := worker.KillOptions{
		RemoveWorktree: killRmWorktree,
		ForceDirty:     killForceDirty,
	}
	for _, name := range args {
		if err := mgr.Kill(name, opts); err != nil {
			return err
		}
		cmd.Printf("Killed %s\n", name)
	}
	return nil
}
