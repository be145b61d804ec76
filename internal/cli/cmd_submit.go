package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/herdtools/herd/internal/plancheck"
	"github.com/herdtools/herd/internal/task"
)

// planFile is the on-disk plan format accepted by submit.
type planFile struct {
	Tasks []planTask `yaml:"tasks"`
}

type planTask struct {
	Title        string   `yaml:"title"`
	Description  string   `yaml:"description"`
	Dependencies []int    `yaml:"dependencies"`
	Priority     string   `yaml:"priority"`
	Details      string   `yaml:"details"`
	TestStrategy string   `yaml:"test_strategy"`
	Tags         []string `yaml:"tags"`
}

func newSubmitCmd() *cobra.Command {
	var (
		title       string
		description string
		depends     []int
		priority    string
	)

	cmd := &cobra.Command{
		Use:   "submit [plan.yaml]",
		Short: "Validate a plan and enqueue its tasks",
		Long: `Validates a plan against the current task graph and enqueues it.

Plans come from a YAML file or from --title/--description for a single
task. A rejected plan leaves the task store untouched and exits 2; an
unreadable plan file exits 3.

Plan file format:
  tasks:
    - title: Add the parser
      description: Implement the config file parser
      dependencies: [1]
      priority: high`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var reqs []task.AddRequest
			switch {
			case len(args) == 1:
				parsed, err := readPlan(args[0])
				if err != nil {
					return err
				}
				reqs = parsed
			case title != "":
				p, err := parsePriority(priority)
				if err != nil {
					return err
				}
				reqs = []task.AddRequest{{
					Title:        title,
					Description:  description,
					Dependencies: depends,
					Priority:     p,
				}}
			default:
				return fmt.Errorf("nothing to submit: give a plan file or --title")
			}

			o, err := buildOrchestrator(nil)
			if err != nil {
				return err
			}
			defer func() { _ = o.Close() }()

			report, added, err := o.Submit(reqs)
			if jsonOut {
				out, merr := json.MarshalIndent(report, "", "  ")
				if merr != nil {
					return merr
				}
				fmt.Println(string(out))
				return err
			}
			if report != nil {
				printReport(report)
			}
			if err != nil {
				return err
			}

			fmt.Printf("\nEnqueued %d task(s):\n", len(added))
			for _, t := range added {
				fmt.Printf("  %d: %s\n", t.ID, t.Title)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&title, "title", "t", "", "title for a single inline task")
	cmd.Flags().StringVarP(&description, "description", "d", "", "description for a single inline task")
	cmd.Flags().IntSliceVar(&depends, "depends", nil, "dependency task IDs for a single inline task")
	cmd.Flags().StringVarP(&priority, "priority", "p", "", "priority 1-10 or low/medium/high")
	return cmd
}

func readPlan(path string) ([]task.AddRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errBadPlan, err)
	}
	var pf planFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("%w: %v", errBadPlan, err)
	}
	if len(pf.Tasks) == 0 {
		return nil, fmt.Errorf("%w: %s declares no tasks", errBadPlan, path)
	}
	reqs := make([]task.AddRequest, 0, len(pf.Tasks))
	for _, pt := range pf.Tasks {
		p, err := parsePriority(pt.Priority)
		if err != nil {
			return nil, fmt.Errorf("%w: task %q: %v", errBadPlan, pt.Title, err)
		}
		reqs = append(reqs, task.AddRequest{
			Title:        pt.Title,
			Description:  pt.Description,
			Dependencies: pt.Dependencies,
			Priority:     p,
			Details:      pt.Details,
			TestStrategy: pt.TestStrategy,
			Tags:         pt.Tags,
		})
	}
	return reqs, nil
}

// parsePriority accepts 1-10 or a band name. Empty means the default.
func parsePriority(s string) (task.Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return task.DefaultPriority, nil
	case "low":
		return 2, nil
	case "medium":
		return task.DefaultPriority, nil
	case "high":
		return 8, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > 10 {
		return 0, fmt.Errorf("invalid priority %q", s)
	}
	return task.Priority(n), nil
}

func printReport(r *plancheck.Report) {
	if plain {
		fmt.Printf("Plan validation: %s\n", r.Outcome)
	} else {
		icon := "✓"
		if r.Outcome == plancheck.OutcomeRejected {
			icon = "✗"
		} else if r.Outcome == plancheck.OutcomeWithWarnings {
			icon = "⚠"
		}
		fmt.Printf("%s Plan validation: %s\n", icon, r.Outcome)
	}
	fmt.Printf("  %d task(s), depth %d, ~%s with %d worker(s), risk %s\n",
		r.TaskCount, r.MaxDepth, r.EstimatedDuration, r.RequiredWorkers, r.Risk)

	if len(r.Issues) > 0 {
		fmt.Println("\nIssues:")
		for _, is := range r.Issues {
			fmt.Printf("  [%s] %s: %s\n", is.Severity, is.Category, is.Message)
		}
	}
	if len(r.Recommendations) > 0 {
		fmt.Println("\nRecommendations:")
		for _, rec := range r.Recommendations {
			fmt.Printf("  - %s\n", rec)
		}
	}
}
