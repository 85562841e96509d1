package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/swarmctl/swarm/internal/heartbeat"
	"github.com/swarmctl/swarm/internal/state"
)

var (
	beatMessage  string
	beatInterval int
	beatExpireIn int
)

func init() {
	heartbeatStartCmd.Flags().StringVarP(&beatMessage, "message", "m", "", "Message injected on each beat (required)")
	heartbeatStartCmd.Flags().IntVarP(&beatInterval, "interval", "i", 300, "Seconds between beats")
	heartbeatStartCmd.Flags().IntVar(&beatExpireIn, "expire-in", 0, "Hard stop after this many seconds (0 = never)")
	_ = heartbeatStartCmd.MarkFlagRequired("message")

	heartbeatCmd.AddCommand(heartbeatStartCmd)
	heartbeatCmd.AddCommand(heartbeatRunCmd)
	heartbeatCmd.AddCommand(heartbeatPauseCmd)
	heartbeatCmd.AddCommand(heartbeatResumeCmd)
	heartbeatCmd.AddCommand(heartbeatStopCmd)
	heartbeatCmd.AddCommand(heartbeatLsCmd)
	rootCmd.AddCommand(heartbeatCmd)
}

var heartbeatCmd = &cobra.Command{
	Use:     "heartbeat",
	Aliases: []string{"hb"},
	GroupID: GroupLoops,
	Short:   "Send a worker periodic nudge messages",
	Long: `A heartbeat types a fixed message into a worker's window on an
interval, keeping long-running agents from idling after they finish a
task and forget to look for more work.

'start' creates the schedule; 'run' is the foreground scheduler that
delivers the beats. Pause, resume, and stop edit the schedule record
and take effect promptly; the scheduler watches the record file.

Example:
  swarm heartbeat start alpha -m "Check your task list" -i 600
  swarm heartbeat run alpha`,
}

var heartbeatStartCmd = &cobra.Command{
	Use:   "start <name>",
	Short: "Create an active heartbeat schedule for a worker",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := stateRoot()
		if err != nil {
			return err
		}
		var expireAt *time.Time
		if beatExpireIn > 0 {
			t := time.Now().Add(time.Duration(beatExpireIn) * time.Second)
			expireAt = &t
		}
		h, err := heartbeat.Start(root, args[0],
			beatMessage, time.Duration(beatInterval)*time.Second, expireAt)
		if err != nil {
			return err
		}
		cmd.Printf("Heartbeat for %s every %ds; deliver with: swarm heartbeat run %s\n",
			h.WorkerName, h.IntervalSeconds, h.WorkerName)
		return nil
	},
}

var heartbeatRunCmd = &cobra.Command{
	Use:   "run <name>",
	Short: "Run the scheduler for a worker's heartbeat in the foreground",
	Long: `Deliver a worker's heartbeats until the schedule expires, is
stopped, or the worker dies. The first beat goes out immediately.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		root, cfg, err := loadSetup()
		if err != nil {
			return err
		}
		return heartbeat.NewScheduler(root, cfg.HeartbeatPoll()).Run(args[0])
	},
}

var heartbeatPauseCmd = &cobra.Command{
	Use:   "pause <name>",
	Short: "Suspend beats without losing the schedule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := stateRoot()
		if err != nil {
			return err
		}
		if err := heartbeat.Pause(root, args[0]); err != nil {
			return err
		}
		cmd.Printf("Paused heartbeat for %s\n", args[0])
		return nil
	},
}

var heartbeatResumeCmd = &cobra.Command{
	Use:   "resume <name>",
	Short: "Reactivate a paused heartbeat",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := stateRoot()
		if err != nil {
			return err
		}
		if err := heartbeat.Resume(root, args[0]); err != nil {
			return err
		}
		cmd.Printf("Resumed heartbeat for %s\n", args[0])
		return nil
	},
}

var heartbeatStopCmd = &cobra.Command{
	Use:   "stop <name>",
	Short: "Terminate a heartbeat",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := stateRoot()
		if err != nil {
			return err
		}
		if err := heartbeat.Stop(root, args[0]); err != nil {
			return err
		}
		cmd.Printf("Stopped heartbeat for %s\n", args[0])
		return nil
	},
}

var heartbeatLsCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List heartbeat schedules",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := stateRoot()
		if err != nil {
			return err
		}
		beats, err := state.NewHeartbeatStore(root).List()
		if err != nil {
			return err
		}
		if len(beats) == 0 {
			cmd.Println("No heartbeats")
			return nil
		}
		for _, h := range beats {
			last := "never"
			if h.LastBeatAt != nil {
				last = fmt.Sprintf("%s ago", time.Since(*h.LastBeatAt).Round(time.Second))
			}
			cmd.Printf("%s: %s, every %ds, %d beat(s), last %s\n",
				h.WorkerName, h.Status, h.IntervalSeconds, h.BeatCount, last)
		}
		return nil
	},
}
