package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/swarmctl/swarm/internal/ralph"
	"github.com/swarmctl/swarm/internal/state"
	"github.com/swarmctl/swarm/internal/worker"
)

var (
	ralphPromptFile        string
	ralphMaxIterations     int
	ralphDonePattern       string
	ralphInactivityTimeout int
	ralphCheckDone         bool
	ralphWorktree          bool
	ralphBaseRepo          string
	ralphBranch            string
	ralphEnv               []string
	ralphSession           string
	ralphReadyTimeout      int
	ralphStatusJSON        bool
)

func init() {
	ralphRunCmd.Flags().StringVarP(&ralphPromptFile, "prompt", "p", "", "Prompt file re-read and injected each iteration (required)")
	ralphRunCmd.Flags().IntVarP(&ralphMaxIterations, "max-iterations", "n", 10, "Stop after this many iterations")
	ralphRunCmd.Flags().StringVar(&ralphDonePattern, "done-pattern", "", "Regex that ends the loop when it appears in agent output")
	ralphRunCmd.Flags().IntVar(&ralphInactivityTimeout, "inactivity-timeout", 0, "Seconds of screen stability that end an iteration")
	ralphRunCmd.Flags().BoolVar(&ralphCheckDone, "check-done", false, "Scan for the done pattern continuously, not just at iteration end")
	ralphRunCmd.Flags().BoolVarP(&ralphWorktree, "worktree", "w", false, "Run the agent in a dedicated git worktree")
	ralphRunCmd.Flags().StringVar(&ralphBaseRepo, "base-repo", "", "Repository to create the worktree from")
	ralphRunCmd.Flags().StringVar(&ralphBranch, "branch", "", "Worktree branch (default: worker name)")
	ralphRunCmd.Flags().StringArrayVarP(&ralphEnv, "env", "e", nil, "Extra environment as KEY=VALUE (repeatable)")
	ralphRunCmd.Flags().StringVar(&ralphSession, "session", "", "tmux session override")
	ralphRunCmd.Flags().IntVar(&ralphReadyTimeout, "ready-timeout", 0, "Readiness timeout in seconds")
	_ = ralphRunCmd.MarkFlagRequired("prompt")

	ralphStatusCmd.Flags().BoolVar(&ralphStatusJSON, "json", false, "Output the loop record as JSON")

	ralphCmd.AddCommand(ralphRunCmd)
	ralphCmd.AddCommand(ralphPauseCmd)
	ralphCmd.AddCommand(ralphResumeCmd)
	ralphCmd.AddCommand(ralphStopCmd)
	ralphCmd.AddCommand(ralphStatusCmd)
	rootCmd.AddCommand(ralphCmd)
}

var ralphCmd = &cobra.Command{
	Use:     "ralph",
	GroupID: GroupLoops,
	Short:   "Run an agent in a restart loop",
	Long: `Ralph re-runs an agent against the same prompt file until a done
pattern appears, the iteration budget runs out, or failures pile up.

Each iteration injects the prompt, then watches the pane: when the
screen stops changing for the inactivity timeout (or the agent exits),
the iteration ends and the next one starts with a fresh agent in the
same window and worktree. Edit the prompt file between iterations to
steer the loop; it is re-read every time.

Non-zero agent exits back off exponentially (1s, 2s, 4s... capped at
5 minutes); five consecutive failures end the loop as failed.`,
}

var ralphRunCmd = &cobra.Command{
	Use:   "run <name> -- <command> [args...]",
	Short: "Start a ralph loop in the foreground",
	Long: `Start a ralph loop for a worker. The command runs in a detached
tmux window; this process stays in the foreground as the monitor.

Examples:
  swarm ralph run fixer -p PROMPT.md -- claude --dangerously-skip-permissions
  swarm ralph run fixer -p PROMPT.md -n 50 --done-pattern 'ALL TESTS PASS' -- claude
  swarm ralph run fixer -p PROMPT.md --worktree --branch ralph-fixer -- claude`,
	Args: cobra.MinimumNArgs(2),
	RunE: runRalphRun,
}

func runRalphRun(cmd *cobra.Command, args []string) error {
	root, cfg, err := loadSetup()
	if err != nil {
		return err
	}

	env, err := parseEnvFlags(ralphEnv)
	if err != nil {
		return err
	}

	opts := ralph.Options{
		WorkerName:          args[0],
		Command:             args[1:],
		PromptFile:          ralphPromptFile,
		MaxIterations:       ralphMaxIterations,
		DonePattern:         ralphDonePattern,
		CheckDoneContinuous: ralphCheckDone,
		Env:                 env,
		Session:             ralphSession,
		Socket:              cfg.TmuxSocketName(),
	}
	if ralphInactivityTimeout > 0 {
		opts.InactivityTimeout = time.Duration(ralphInactivityTimeout) * time.Second
	} else {
		opts.InactivityTimeout = cfg.InactivityTimeout()
	}
	if ralphReadyTimeout > 0 {
		opts.ReadyTimeout = time.Duration(ralphReadyTimeout) * time.Second
	} else {
		opts.ReadyTimeout = cfg.ReadyTimeout()
	}
	if ralphWorktree || ralphBranch != "" {
		opts.Worktree = &worker.WorktreeConfig{
			BaseRepo: ralphBaseRepo,
			Branch:   ralphBranch,
			Parent:   cfg.WorktreeParent,
		}
	}

	runner, err := ralph.NewRunner(root, opts)
	if err != nil {
		return err
	}

	loop, err := runner.Run()
	if err != nil {
		return err
	}

	switch {
	case loop.Status == state.RalphPaused:
		cmd.Printf("Loop paused after iteration %d; resume with: swarm ralph resume %s\n",
			loop.CurrentIteration, loop.WorkerName)
	case loop.ExitReason == state.ExitDonePattern:
		cmd.Printf("Done pattern matched after %d iteration(s)\n", loop.CurrentIteration)
	case loop.ExitReason == state.ExitMaxIterations:
		cmd.Printf("Iteration budget (%d) exhausted\n", loop.MaxIterations)
	case loop.ExitReason == state.ExitFailed:
		return &exitCodeError{code: 1, msg: fmt.Sprintf(
			"loop failed after %d consecutive agent failures; see %s",
			loop.ConsecutiveFailures, runner.Store().LogPath(loop.WorkerName))}
	case loop.ExitReason == state.ExitKilled:
		cmd.Println("Loop stopped externally")
	}
	return nil
}

var ralphPauseCmd = &cobra.Command{
	Use:   "pause <name>",
	Short: "Pause a loop at its next iteration boundary",
	Long: `Mark a running loop paused. The current agent keeps working; once
it exits or goes inactive, the loop declines to start another
iteration. Resume to pick up where it left off.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := stateRoot()
		if err != nil {
			return err
		}
		if err := ralph.Pause(root, args[0]); err != nil {
			return err
		}
		cmd.Printf("Paused loop for %s\n", args[0])
		return nil
	},
}

var ralphResumeCmd = &cobra.Command{
	Use:   "resume <name>",
	Short: "Resume a paused loop",
	Long: `Mark a paused loop runnable again, then start a monitor for it
with 'swarm ralph run'. If the stored state claims running but no
monitor holds the loop (a previous run crashed), the stale record is
closed out as monitor_disconnected first.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := stateRoot()
		if err != nil {
			return err
		}
		if err := ralph.Resume(root, args[0]); err != nil {
			return err
		}
		cmd.Printf("Loop for %s is runnable; restart the monitor with: swarm ralph run %s ...\n",
			args[0], args[0])
		return nil
	},
}

var ralphStopCmd = &cobra.Command{
	Use:   "stop <name>",
	Short: "Stop a loop",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := stateRoot()
		if err != nil {
			return err
		}
		if err := ralph.Stop(root, args[0]); err != nil {
			return err
		}
		cmd.Printf("Stopped loop for %s\n", args[0])
		return nil
	},
}

var ralphStatusCmd = &cobra.Command{
	Use:   "status <name>",
	Short: "Show a loop's progress",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := stateRoot()
		if err != nil {
			return err
		}
		st := state.NewRalphStore(root)
		loop, err := st.Get(args[0])
		if err != nil {
			return err
		}

		if ralphStatusJSON {
			data, err := json.MarshalIndent(loop, "", "  ")
			if err != nil {
				return err
			}
			cmd.Println(string(data))
			return nil
		}

		cmd.Printf("%s: %s (iteration %d/%d)\n",
			loop.WorkerName, loop.Status, loop.CurrentIteration, loop.MaxIterations)
		if loop.ExitReason != "" {
			cmd.Printf("  exit reason: %s\n", loop.ExitReason)
		}
		if loop.TotalFailures > 0 {
			cmd.Printf("  failures: %d total, %d consecutive\n",
				loop.TotalFailures, loop.ConsecutiveFailures)
		}
		if eta := loop.ETA(); eta > 0 && loop.Status == state.RalphRunning {
			cmd.Printf("  eta: %s\n", eta.Round(time.Second))
		}
		cmd.Printf("  log: %s\n", st.LogPath(loop.WorkerName))
		return nil
	},
}
