package cmd

import (
	"time"

	"github.com/spf13/cobra"
)

var waitTimeout int

func init() {
	waitCmd.Flags().IntVar(&waitTimeout, "timeout", 0, "Give up after this many seconds (0 waits forever)")
	rootCmd.AddCommand(waitCmd)
}

var waitCmd = &cobra.Command{
	Use:     "wait <name>...",
	GroupID: GroupWorkers,
	Short:   "Block until workers stop",
	Long: `Block until every named worker has stopped.

Useful for scripting fan-out/fan-in over a batch of agents:

  swarm spawn a -- claude -p "task A"
  swarm spawn b -- claude -p "task B"
  swarm wait a b --timeout 3600

Workers observed stopped get their registry status updated as a side
effect. On timeout the still-running names are reported and the exit
code is 1.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runWait,
}

func runWait(cmd *cobra.Command, args []string) error {
	root, err := stateRoot()
	if err != nil {
		return err
	}

	timeout := time.Duration(waitTimeout) * time.Second
	if _, err := newManager(root).Wait(args, timeout); err != nil {
		return err
	}
	cmd.Println("All workers stopped")
	return nil
}
