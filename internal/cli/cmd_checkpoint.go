package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newCheckpointCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint [description]",
		Short: "Snapshot the working tree",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			description := "manual checkpoint"
			if len(args) == 1 {
				description = args[0]
			}

			o, err := buildOrchestrator(nil)
			if err != nil {
				return err
			}
			defer func() { _ = o.Close() }()

			id, err := o.Checkpoint(description)
			if err != nil {
				return err
			}
			fmt.Printf("Created checkpoint %s\n", id)
			return nil
		},
	}
	return cmd
}

func newCheckpointsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoints",
		Short: "List checkpoints, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := buildOrchestrator(nil)
			if err != nil {
				return err
			}
			defer func() { _ = o.Close() }()

			manifests, err := o.Checkpoints().List()
			if err != nil {
				return err
			}
			if jsonOut {
				out, err := json.MarshalIndent(manifests, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(out))
				return nil
			}
			if len(manifests) == 0 {
				fmt.Println("No checkpoints yet. Run a task or use `herd checkpoint` to create one.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tKIND\tWHEN\tFILES\tDESCRIPTION")
			for _, m := range manifests {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
					m.CheckpointID, m.Kind, formatTimeAgo(m.Timestamp),
					len(m.Entries), truncate(m.Description, 44))
			}
			w.Flush()
			return nil
		},
	}
	return cmd
}

func newRollbackCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "rollback <checkpoint-id>",
		Short: "Restore the working tree from a checkpoint",
		Long: `Restores every file recorded in the checkpoint and removes files
created since. The herd state directory itself is never touched.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := buildOrchestrator(nil)
			if err != nil {
				return err
			}
			defer func() { _ = o.Close() }()

			if !yes {
				fmt.Printf("Roll back the working tree to %s? [y/N] ", args[0])
				var answer string
				_, _ = fmt.Scanln(&answer)
				if !strings.HasPrefix(strings.ToLower(answer), "y") {
					fmt.Println("Aborted.")
					return nil
				}
			}

			if err := o.RollbackTo(args[0]); err != nil {
				return err
			}
			fmt.Printf("Restored working tree from %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
	return cmd
}

// formatTimeAgo renders a timestamp as a relative age.
func formatTimeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return t.Local().Format("2006-01-02 15:04")
	}
}
