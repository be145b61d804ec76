package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newWorkersCmd() *cobra.Command {
	var decisions int

	cmd := &cobra.Command{
		Use:   "workers",
		Short: "Show the worker fleet and recent routing decisions",
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := buildOrchestrator(nil)
			if err != nil {
				return err
			}
			defer func() { _ = o.Close() }()

			workers := o.Workers()
			sort.Slice(workers, func(i, j int) bool { return workers[i].ID < workers[j].ID })

			if jsonOut {
				out, err := json.MarshalIndent(workers, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(out))
				return nil
			}
			if len(workers) == 0 {
				fmt.Println("No workers registered. Declare workers in .herd/config.yaml or let the pool provision them on demand.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tMODEL\tSTATE\tTIER\tCAPABILITIES\tACTIVE\tDONE\tSUCCESS\tPERF")
			for _, p := range workers {
				caps := make([]string, 0, len(p.Capabilities))
				for c, ok := range p.Capabilities {
					if ok {
						caps = append(caps, string(c))
					}
				}
				sort.Strings(caps)
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d/%d\t%d\t%.0f%%\t%.2f\n",
					p.ID, p.Model, p.State, p.MaxComplexity,
					truncate(strings.Join(caps, ","), 40),
					p.ActiveTasks, p.MaxConcurrent, p.TotalCompleted,
					p.SuccessRate*100, p.PerformanceScore)
			}
			w.Flush()

			analytics, err := o.AllocationAnalytics(time.Now().Add(-30 * 24 * time.Hour))
			if err == nil && analytics.TotalAllocations > 0 {
				fmt.Printf("\n%d allocation(s) in the last 30 days, %.0f%% efficient, avg %.1fm\n",
					analytics.TotalAllocations, analytics.Efficiency*100, analytics.AvgDurationMin)
			}

			if decisions > 0 {
				recent := o.Decisions(decisions)
				if len(recent) > 0 {
					printSection("Recent routing decisions")
					dw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
					fmt.Fprintln(dw, "  TASK\tWORKER\tSTRATEGY\tSCORE")
					for _, d := range recent {
						fmt.Fprintf(dw, "  %s\t%s\t%s\t%.2f\n", d.TaskID, d.WorkerID, d.Strategy, d.Score)
					}
					dw.Flush()
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&decisions, "decisions", 0, "also show the last N routing decisions")
	return cmd
}
