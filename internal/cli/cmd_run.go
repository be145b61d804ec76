package cli

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/herdtools/herd/internal/events"
	"github.com/herdtools/herd/internal/task"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute queued tasks until the plan settles",
		Long: `Runs the orchestrator: dispatches runnable tasks to workers, reviews
their output, and applies accepted changes to the working tree.

Returns when every task has settled. Ctrl-C stops the run cleanly;
in-flight work is recovered on the next run. Exits 130 on interrupt.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			pub := events.NewMemoryPublisher()
			defer pub.Close()

			o, err := buildOrchestrator(pub)
			if err != nil {
				return err
			}
			defer func() { _ = o.Close() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var wg sync.WaitGroup
			ch := pub.SubscribeAll()
			wg.Add(1)
			go func() {
				defer wg.Done()
				for evt := range ch {
					printEvent(evt)
				}
			}()

			runErr := o.Run(ctx)
			pub.Close()
			wg.Wait()

			printRunSummary(o.Tasks().Meta(), len(o.Tasks().ByStatus(task.StatusFailed)))
			return runErr
		},
	}
	return cmd
}

// printEvent renders the progress stream. Quiet by default, chatty with -v.
func printEvent(evt events.Event) {
	switch evt.Type {
	case events.EventAssigned:
		if d, ok := evt.Data.(events.AssignmentData); ok {
			fmt.Printf("task %s -> %s (%s, score %.2f)\n", evt.TaskID, d.WorkerID, d.Strategy, d.Score)
		}
	case events.EventQueued:
		fmt.Printf("task %s queued, no worker free\n", evt.TaskID)
	case events.EventReview:
		if d, ok := evt.Data.(events.ReviewData); ok {
			verdict := "passed"
			if !d.Passed {
				verdict = "rejected"
			}
			fmt.Printf("task %s review %s (score %.2f, %d finding(s))\n", evt.TaskID, verdict, d.Score, d.Findings)
		}
	case events.EventApplied:
		if d, ok := evt.Data.(events.ApplyData); ok {
			fmt.Printf("task %s applied %d change(s)\n", evt.TaskID, d.Applied)
		}
	case events.EventError:
		if d, ok := evt.Data.(events.ErrorData); ok {
			fmt.Fprintf(os.Stderr, "task %s failed: %s\n", evt.TaskID, d.Message)
		}
	case events.EventTransition:
		if !verbose {
			return
		}
		if d, ok := evt.Data.(events.TransitionData); ok {
			fmt.Printf("task %s: %s -> %s\n", evt.TaskID, d.From, d.To)
		}
	}
}

func printRunSummary(meta task.Meta, failed int) {
	fmt.Printf("\n%d/%d task(s) completed", meta.CompletedTasks, meta.TotalTasks)
	if failed > 0 {
		fmt.Printf(", %d failed", failed)
	}
	fmt.Println()
}
