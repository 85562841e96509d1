package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/swarmctl/swarm/internal/worker"
)

var (
	respawnCleanFirst   bool
	respawnWaitReady    bool
	respawnReadyTimeout int
)

func init() {
	respawnCmd.Flags().BoolVar(&respawnCleanFirst, "clean-first", false, "Recreate the worktree from scratch on the same branch")
	respawnCmd.Flags().BoolVar(&respawnWaitReady, "wait-ready", false, "Block until the agent prompt appears")
	respawnCmd.Flags().IntVar(&respawnReadyTimeout, "ready-timeout", 0, "Readiness timeout in seconds")
	rootCmd.AddCommand(respawnCmd)
}

var respawnCmd = &cobra.Command{
	Use:     "respawn <name>",
	GroupID: GroupWorkers,
	Short:   "Restart a worker with its original configuration",
	Long: `Kill and restart a worker, preserving its command, environment,
tags, session, and worktree. The record gets a fresh start time and a
fresh window or PID; nothing accumulates in the registry.

--clean-first removes and recreates the worktree on the same branch,
discarding uncommitted changes, for when an agent has wedged its
working copy.`,
	Args: cobra.ExactArgs(1),
	RunE: runRespawn,
}

func runRespawn(cmd *cobra.Command, args []string) error {
	root, cfg, err := loadSetup()
	if err != nil {
		return err
	}

	opts := worker.RespawnOptions{
		CleanFirst: respawnCleanFirst,
		WaitReady:  respawnWaitReady,
	}
	if respawnReadyTimeout > 0 {
		opts.ReadyTimeout = time.Duration(respawnReadyTimeout) * time.Second
	} else {
		opts.ReadyTimeout = cfg.ReadyTimeout()
	}

	w, err := newManager(root).Respawn(args[0], opts)
	if err != nil {
		return err
	}
	cmd.Printf("Respawned %s\n", w.Name)
	return nil
}
