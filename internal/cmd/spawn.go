package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/swarmctl/swarm/internal/worker"
)

var (
	spawnMode         string
	spawnWorktree     bool
	spawnBaseRepo     string
	spawnBranch       string
	spawnWorktreePath string
	spawnCwd          string
	spawnEnv          []string
	spawnTags         []string
	spawnSession      string
	spawnWaitReady    bool
	spawnReadyTimeout int
)

func init() {
	spawnCmd.Flags().StringVar(&spawnMode, "mode", "mux", "Worker mode: mux (tmux window) or process (detached process)")
	spawnCmd.Flags().BoolVarP(&spawnWorktree, "worktree", "w", false, "Run in a dedicated git worktree")
	spawnCmd.Flags().StringVar(&spawnBaseRepo, "base-repo", "", "Repository to create the worktree from (default: current directory)")
	spawnCmd.Flags().StringVar(&spawnBranch, "branch", "", "Worktree branch, created if absent (default: worker name)")
	spawnCmd.Flags().StringVar(&spawnWorktreePath, "worktree-path", "", "Explicit worktree location")
	spawnCmd.Flags().StringVar(&spawnCwd, "cwd", "", "Working directory (ignored with --worktree)")
	spawnCmd.Flags().StringArrayVarP(&spawnEnv, "env", "e", nil, "Extra environment as KEY=VALUE (repeatable)")
	spawnCmd.Flags().StringArrayVarP(&spawnTags, "tag", "t", nil, "Tag for later filtering (repeatable)")
	spawnCmd.Flags().StringVar(&spawnSession, "session", "", "tmux session override (default: derived from state dir)")
	spawnCmd.Flags().BoolVar(&spawnWaitReady, "wait-ready", false, "Block until the agent prompt appears")
	spawnCmd.Flags().IntVar(&spawnReadyTimeout, "ready-timeout", 0, "Readiness timeout in seconds")
	rootCmd.AddCommand(spawnCmd)
}

var spawnCmd = &cobra.Command{
	Use:     "spawn <name> -- <command> [args...]",
	GroupID: GroupWorkers,
	Short:   "Start a named worker",
	Long: `Start a worker running the given command.

By default the worker runs in a detached tmux window inside a shared
per-project session; attach with tmux to watch it. With --mode process
it runs as a plain background process with stdout/stderr captured under
the state dir.

With --worktree the worker gets its own git worktree and branch, so
concurrent agents never trample each other's working copy.

Spawn is transactional: if any step fails, already-completed steps
(worktree creation, window creation) are rolled back and the original
error is reported.

Examples:
  swarm spawn alpha -- claude --dangerously-skip-permissions
  swarm spawn beta --worktree --branch fix-auth -- claude
  swarm spawn builder --mode process -- make -j8 all
  swarm spawn gamma -e ANTHROPIC_MODEL=opus --wait-ready -- claude`,
	Args: cobra.MinimumNArgs(2),
	RunE: runSpawn,
}

func runSpawn(cmd *cobra.Command, args []string) error {
	root, cfg, err := loadSetup()
	if err != nil {
		return err
	}

	env, err := parseEnvFlags(spawnEnv)
	if err != nil {
		return err
	}

	opts := worker.SpawnOptions{
		Name:      args[0],
		Command:   args[1:],
		Mode:      worker.Mode(spawnMode),
		Env:       env,
		Tags:      spawnTags,
		Cwd:       spawnCwd,
		Session:   spawnSession,
		Socket:    cfg.TmuxSocketName(),
		WaitReady: spawnWaitReady,
	}
	if opts.Session == "" {
		opts.Session = cfg.Session
	}
	if spawnReadyTimeout > 0 {
		opts.ReadyTimeout = time.Duration(spawnReadyTimeout) * time.Second
	} else {
		opts.ReadyTimeout = cfg.ReadyTimeout()
	}
	if spawnWorktree || spawnBranch != "" || spawnWorktreePath != "" {
		opts.Worktree = &worker.WorktreeConfig{
			BaseRepo: spawnBaseRepo,
			Branch:   spawnBranch,
			Path:     spawnWorktreePath,
			Parent:   cfg.WorktreeParent,
		}
	}

	w, err := newManager(root).Spawn(opts)
	if err != nil {
		return err
	}

	if w.IsMux() {
		cmd.Printf("Spawned %s in session %s (window %s)\n", w.Name, w.Mux.Session, w.Mux.Window)
	} else {
		cmd.Printf("Spawned %s (pid %d)\n", w.Name, *w.PID)
	}
	if w.Worktree != nil {
		cmd.Printf("Worktree: %s (branch %s)\n", w.Worktree.Path, w.Worktree.Branch)
	}
	return nil
}
