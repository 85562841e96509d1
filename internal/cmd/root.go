// Package cmd implements the swarm CLI surface over the lifecycle engine.
package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/swarmctl/swarm/internal/config"
	"github.com/swarmctl/swarm/internal/state"
	"github.com/swarmctl/swarm/internal/worker"
)

// Command groups for help output.
const (
	GroupWorkers = "workers"
	GroupLoops   = "loops"
)

var rootCmd = &cobra.Command{
	Use:   "swarm",
	Short: "Process manager for AI-agent CLIs",
	Long: `Swarm runs AI coding agents as named workers in detached tmux windows,
each in its own git worktree, and keeps a persistent registry of them.

On top of the worker lifecycle it provides the ralph restart loop
(re-inject a prompt file every time the agent goes quiet or exits) and
a heartbeat scheduler (periodic nudge messages on an interval).

State lives under ~/.swarm by default; set SWARM_STATE_DIR to relocate
it, e.g. for per-project isolation.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: GroupWorkers, Title: "Worker commands:"},
		&cobra.Group{ID: GroupLoops, Title: "Loop commands:"},
	)
}

// exitCodeError carries an explicit process exit code through RunE.
type exitCodeError struct {
	code int
	msg  string
}

func (e *exitCodeError) Error() string { return e.msg }

// Execute runs the root command and maps errors onto the exit-code
// contract: 0 success, 1 general failure, 2 worker not found.
func Execute() {
	err := rootCmd.Execute()
	if err == nil {
		return
	}

	var ec *exitCodeError
	if errors.As(err, &ec) {
		if ec.msg != "" {
			fmt.Fprintf(os.Stderr, "swarm: error: %s\n", ec.msg)
		}
		os.Exit(ec.code)
	}

	fmt.Fprintf(os.Stderr, "swarm: error: %v\n", err)
	if errors.Is(err, state.ErrWorkerNotFound) {
		os.Exit(2)
	}
	os.Exit(1)
}

// stateRoot resolves the state directory or aborts the command.
func stateRoot() (string, error) {
	root, err := config.StateRoot()
	if err != nil {
		return "", fmt.Errorf("resolving state dir: %w", err)
	}
	return root, nil
}

// loadSetup resolves the state root and its config in one step; nearly
// every command needs both.
func loadSetup() (string, *config.Config, error) {
	root, err := stateRoot()
	if err != nil {
		return "", nil, err
	}
	cfg, err := config.Load(root)
	if err != nil {
		return "", nil, err
	}
	return root, cfg, nil
}

func newManager(root string) *worker.Manager {
	return worker.NewManager(root)
}

// parseEnvFlags turns repeated KEY=VALUE flags into a map.
func parseEnvFlags(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(pairs))
	for _, p := range pairs {
		key, value, ok := strings.Cut(p, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid env %q: expected KEY=VALUE", p)
		}
		env[key] = value
	}
	return env, nil
}
