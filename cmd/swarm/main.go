// Command swarm manages AI-agent CLIs as named workers in tmux windows
// and git worktrees.
package main

import "github.com/swarmctl/swarm/internal/cmd"

func main() {
	cmd.Execute()
}
