package cmd

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/swarmctl/swarm/internal/state"
)

var statusJSON bool

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Output the full record as JSON")
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:     "status <name>",
	GroupID: GroupWorkers,
	Short:   "Show one worker's status",
	Long: `Show a worker's registry record and live status.

The exit code is scriptable: 0 running, 1 stopped, 2 not found.

Examples:
  swarm status alpha
  swarm status alpha --json | jq .worktree_info.path
  swarm status alpha && echo "still going"`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	root, err := stateRoot()
	if err != nil {
		return err
	}
	mgr := newManager(root)

	w, err := mgr.Store().Get(args[0])
	if err != nil {
		if errors.Is(err, state.ErrWorkerNotFound) {
			return &exitCodeError{code: 2, msg: err.Error()}
		}
		return err
	}
	observed := mgr.RefreshStatus(w)

	if statusJSON {
		out := struct {
			*state.Worker
			Observed string `json:"observed_status"`
		}{Worker: w, Observed: observed}
		data, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return err
		}
		cmd.Println(string(data))
	} else {
		cmd.Printf("%s: %s\n", w.Name, observed)
		if w.IsMux() {
			cmd.Printf("  session: %s  window: %s\n", w.Mux.Session, w.Mux.Window)
		}
		if w.IsProcess() {
			cmd.Printf("  pid: %d\n", *w.PID)
		}
		if w.Worktree != nil {
			cmd.Printf("  worktree: %s (branch %s)\n", w.Worktree.Path, w.Worktree.Branch)
		}
		cmd.Printf("  started: %s\n", w.StartedAt.Format("2006-01-02 15:04:05"))
	}

	if observed != state.StatusRunning {
		return &exitCodeError{code: 1, msg: fmt.Sprintf("worker %s is %s", w.Name, observed)}
	}
	return nil
}
