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

	"github.com/herdtools/herd/internal/orchestrator"
	"github.com/herdtools/herd/internal/task"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [task-id]",
		Short: "Show tasks, lifecycle state, and the worker fleet",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := buildOrchestrator(nil)
			if err != nil {
				return err
			}
			defer func() { _ = o.Close() }()

			if len(args) == 1 {
				return printTaskDetail(o, args[0])
			}

			tasks := o.Tasks().All()
			sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })

			if jsonOut {
				out, err := json.MarshalIndent(map[string]any{
					"meta":      o.Tasks().Meta(),
					"tasks":     tasks,
					"workers":   o.Workers(),
					"pool":      o.PoolStats(),
					"lifecycle": o.Lifecycle().Statistics(),
				}, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(out))
				return nil
			}

			meta := o.Tasks().Meta()
			printSection("Tasks")
			if len(tasks) == 0 {
				fmt.Println("  (none submitted)")
			} else {
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "  ID\tSTATUS\tPRI\tRETRIES\tWORKER\tTITLE")
				for _, t := range tasks {
					c := o.Lifecycle().Get(fmt.Sprintf("%d", t.ID))
					workerID, retries := "-", 0
					if c != nil {
						retries = c.RetryCount
						if c.WorkerID != "" {
							workerID = c.WorkerID
						}
					}
					fmt.Fprintf(w, "  %d\t%s %s\t%s\t%d\t%s\t%s\n",
						t.ID, statusIcon(t.Status), t.Status, t.Priority.Band(), retries, workerID, truncate(t.Title, 48))
				}
				w.Flush()
			}
			ps := o.PoolStats()
			fmt.Printf("\n  %d total, %d completed, %d pending, %d queued, pool %.0f%% busy\n",
				meta.TotalTasks, meta.CompletedTasks, meta.PendingTasks, ps.QueueLen, ps.Utilization*100)

			printSection("Workers")
			workers := o.Workers()
			if len(workers) == 0 {
				fmt.Println("  (none registered)")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "  ID\tMODEL\tSTATE\tACTIVE\tDONE\tSUCCESS\tAVG")
			for _, p := range workers {
				fmt.Fprintf(w, "  %s\t%s\t%s\t%d/%d\t%d\t%.0f%%\t%s\n",
					p.ID, p.Model, p.State, p.ActiveTasks, p.MaxConcurrent,
					p.TotalCompleted, p.SuccessRate*100, formatDuration(p.AvgDuration))
			}
			w.Flush()
			return nil
		},
	}
	return cmd
}

// printTaskDetail shows one task with its lifecycle history and latest result.
func printTaskDetail(o *orchestrator.Orchestrator, id string) error {
	t, err := o.Tasks().Get(id)
	if err != nil {
		return err
	}
	c := o.Lifecycle().Get(id)
	res, err := o.Results().Latest(id)
	if err != nil {
		return err
	}

	if jsonOut {
		out, err := json.MarshalIndent(map[string]any{
			"task":      t,
			"lifecycle": c,
			"result":    res,
		}, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	fmt.Printf("Task %d: %s\n", t.ID, t.Title)
	fmt.Printf("  Status:       %s %s\n", statusIcon(t.Status), t.Status)
	fmt.Printf("  Priority:     %s (%d)\n", t.Priority.Band(), t.Priority)
	if len(t.Dependencies) > 0 {
		fmt.Printf("  Depends on:   %v\n", t.Dependencies)
	}
	if t.Description != "" {
		fmt.Printf("  Description:  %s\n", t.Description)
	}
	if c != nil {
		fmt.Printf("  Lifecycle:    %s (retries %d)\n", c.State, c.RetryCount)
		if c.WorkerID != "" {
			fmt.Printf("  Worker:       %s\n", c.WorkerID)
		}
		if len(c.History) > 0 {
			fmt.Println("\n  History:")
			for _, rec := range c.History {
				line := fmt.Sprintf("    %s  %s -> %s", rec.At.Local().Format("15:04:05"), rec.From, rec.To)
				if rec.Reason != "" {
					line += "  (" + truncate(rec.Reason, 50) + ")"
				}
				fmt.Println(line)
			}
		}
	}
	if res != nil {
		fmt.Printf("\n  Last result:  %s by %s, %.1fs, %d tokens\n",
			res.Status, res.WorkerID, res.ExecutionSeconds, res.TokensUsed)
		if res.ErrorMessage != "" {
			fmt.Printf("  Error:        %s\n", res.ErrorMessage)
		}
	}
	return nil
}

func printSection(name string) {
	if plain {
		fmt.Printf("\n== %s ==\n", name)
	} else {
		fmt.Printf("\n%s\n%s\n", name, strings.Repeat("─", len(name)))
	}
}

func statusIcon(s task.Status) string {
	if plain {
		return " "
	}
	switch s {
	case task.StatusDone:
		return "✓"
	case task.StatusFailed:
		return "✗"
	case task.StatusInProgress:
		return "►"
	case task.StatusReview:
		return "◆"
	default:
		return "○"
	}
}

func formatDuration(d time.Duration) string {
	if d >= time.Hour {
		return fmt.Sprintf("%.1fh", d.Hours())
	}
	if d >= time.Minute {
		return fmt.Sprintf("%.0fm", d.Minutes())
	}
	return fmt.Sprintf("%.0fs", d.Seconds())
}
