package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/swarmctl/swarm/internal/tmux"
)

var (
	sendMessageFlag string
	sendStdinFlag   bool
)

func init() {
	sendCmd.Flags().StringVarP(&sendMessageFlag, "message", "m", "", "Message to send")
	sendCmd.Flags().BoolVar(&sendStdinFlag, "stdin", false, "Read message from stdin (avoids shell quoting issues)")
	rootCmd.AddCommand(sendCmd)
}

var sendCmd = &cobra.Command{
	Use:     "send <name> [message]",
	GroupID: GroupWorkers,
	Short:   "Send a message to a worker's agent",
	Long: `Type a message into a worker's tmux window.

Uses a reliable delivery sequence:
1. Sends the text in literal mode (-l flag)
2. Waits 500ms for the paste to settle
3. Sends Enter as a separate command

Agent TUIs drop the trailing newline of a fast paste; the debounce is
what makes delivery reliable. Only mux workers can receive messages.

Examples:
  swarm send alpha "Check the failing tests in pkg/parser"
  swarm send alpha -m "What's your status?"

  # Use --stdin for messages with special characters or formatting:
  swarm send alpha --stdin <<'EOF'
  Remaining work:
  - wire the config loader
  - fix TestRetry
  EOF`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runSend,
}

func runSend(cmd *cobra.Command, args []string) error {
	root, err := stateRoot()
	if err != nil {
		return err
	}

	if sendStdinFlag {
		if sendMessageFlag != "" {
			return fmt.Errorf("cannot use --stdin with --message/-m")
		}
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
		sendMessageFlag = strings.TrimRight(string(data), "\n")
	}

	var message string
	switch {
	case sendMessageFlag != "":
		message = sendMessageFlag
	case len(args) >= 2:
		message = args[1]
	default:
		return fmt.Errorf("message required: use -m flag or provide as second argument")
	}

	w, err := newManager(root).Store().Get(args[0])
	if err != nil {
		return err
	}
	if !w.IsMux() {
		return fmt.Errorf("worker %s is a process worker; nothing to type into", w.Name)
	}

	t := tmux.NewWithSocket(w.Mux.Socket)
	if err := t.SendMessage(w.Mux.Session, w.Mux.Window, message); err != nil {
		return fmt.Errorf("sending to %s: %w", w.Name, err)
	}
	cmd.Printf("Sent to %s\n", w.Name)
	return nil
}
