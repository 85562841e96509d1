package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/swarmctl/swarm/internal/state"
)

var (
	lsNameGlob string
	lsTagGlob  string
	lsJSON     bool
	lsAll      bool
)

func init() {
	lsCmd.Flags().StringVar(&lsNameGlob, "name", "", "Filter by name glob (e.g. 'review-*')")
	lsCmd.Flags().StringVar(&lsTagGlob, "tag", "", "Filter by tag glob (matches any tag)")
	lsCmd.Flags().BoolVar(&lsJSON, "json", false, "Output as JSON")
	lsCmd.Flags().BoolVarP(&lsAll, "all", "a", false, "Include stopped workers")
	rootCmd.AddCommand(lsCmd)
}

var lsCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	GroupID: GroupWorkers,
	Short:   "List workers",
	Long: `List registered workers with their observed status.

Status is re-checked live (window existence for mux workers, a signal-0
probe for process workers), so the listing reflects reality even when a
worker died since its record was written.

Glob filters use doublestar syntax:
  swarm ls --name 'review-*'
  swarm ls --tag 'team/{auth,infra}'`,
	Args: cobra.NoArgs,
	RunE: runLs,
}

// ANSI colors applied when stdout is a terminal.
const (
	colorGreen = "\x1b[32m"
	colorRed   = "\x1b[31m"
	colorReset = "\x1b[0m"
)

func colorize(s, color string) string {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return s
	}
	return color + s + colorReset
}

func matchGlob(pattern, s string) bool {
	ok, err := doublestar.Match(pattern, s)
	return err == nil && ok
}

func runLs(cmd *cobra.Command, args []string) error {
	root, err := stateRoot()
	if err != nil {
		return err
	}
	mgr := newManager(root)

	workers, err := mgr.Store().ListAll()
	if err != nil {
		return err
	}

	type row struct {
		*state.Worker
		Observed string `json:"observed_status"`
	}
	var rows []row
	for _, w := range workers {
		if lsNameGlob != "" && !matchGlob(lsNameGlob, w.Name) {
			continue
		}
		if lsTagGlob != "" {
			any := false
			for _, tag := range w.Tags {
				if matchGlob(lsTagGlob, tag) {
					any = true
					break
				}
			}
			if !any {
				continue
			}
		}
		observed := mgr.RefreshStatus(w)
		if !lsAll && observed != state.StatusRunning {
			continue
		}
		rows = append(rows, row{Worker: w, Observed: observed})
	}

	if lsJSON {
		data, err := json.MarshalIndent(rows, "", "  ")
		if err != nil {
			return err
		}
		cmd.Println(string(data))
		return nil
	}

	if len(rows) == 0 {
		cmd.Println("No workers")
		return nil
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSTATUS\tMODE\tUPTIME\tTAGS\tCOMMAND")
	for _, r := range rows {
		status := colorize(r.Observed, colorGreen)
		if r.Observed != state.StatusRunning {
			status = colorize(r.Observed, colorRed)
		}
		mode := "process"
		if r.IsMux() {
			mode = "mux"
		}
		uptime := time.Since(r.StartedAt).Round(time.Second).String()
		if r.Observed != state.StatusRunning {
			uptime = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.Name, status, mode, uptime,
			strings.Join(r.Tags, ","), strings.Join(r.Command, " "))
	}
	return tw.Flush()
}
