package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newResultsCmd() *cobra.Command {
	var showOutput bool

	cmd := &cobra.Command{
		Use:   "results <task-id>",
		Short: "Show the recorded worker results for a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := buildOrchestrator(nil)
			if err != nil {
				return err
			}
			defer func() { _ = o.Close() }()

			history, err := o.Results().History(args[0])
			if err != nil {
				return err
			}
			if jsonOut {
				out, err := json.MarshalIndent(history, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(out))
				return nil
			}
			if len(history) == 0 {
				fmt.Printf("No results recorded for task %s.\n", args[0])
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "WHEN\tWORKER\tSTATUS\tDURATION\tTOKENS\tFILES\tVALIDATED")
			for _, r := range history {
				validated := "-"
				if r.ValidationPassed != nil {
					if *r.ValidationPassed {
						validated = "yes"
					} else {
						validated = "no"
					}
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%.1fs\t%d\t%d\t%s\n",
					r.Timestamp.Local().Format(time.DateTime), r.WorkerID, r.Status,
					r.ExecutionSeconds, r.TokensUsed,
					len(r.CreatedFiles)+len(r.ModifiedFiles), validated)
			}
			w.Flush()

			last := history[len(history)-1]
			if last.ErrorMessage != "" {
				fmt.Printf("\nLast error: %s\n", last.ErrorMessage)
			}
			if showOutput && last.Output != "" {
				fmt.Printf("\n%s\n", last.Output)
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&showOutput, "output", "o", false, "print the latest worker output")
	return cmd
}
