// Package route layers rule-based and strategy-based worker selection over
// the allocator, with a bounded decision log and a learning hook that can
// rebalance strategy weights from observed outcomes.
package route

import (
	"strings"

	"github.com/herdtools/herd/internal/task"
	"github.com/herdtools/herd/internal/worker"
)

// Rule is one routing shortcut. The highest-priority matching rule wins.
// Exactly one of TargetWorker, TargetCapability, or BestPerformance is set.
type Rule struct {
	Name     string
	Priority int
	Matches  func(t *task.Task) bool

	TargetWorker     string
	TargetCapability worker.Capability
	// BestPerformance routes to the eligible worker with the highest
	// performance score, ignoring capability targeting.
	BestPerformance bool
}

func titleContains(t *task.Task, keywords ...string) bool {
	title := strings.ToLower(t.Title)
	for _, kw := range keywords {
		if strings.Contains(title, kw) {
			return true
		}
	}
	return false
}

// DefaultRules returns the built-in rule set, highest priority first.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:     "critical_priority",
			Priority: 100,
			Matches: func(t *task.Task) bool {
				return t.Priority.Band() == "high"
			},
			BestPerformance: true,
		},
		{
			Name:     "documentation",
			Priority: 90,
			Matches: func(t *task.Task) bool {
				return titleContains(t, "document", "readme")
			},
			TargetCapability: worker.CapDocumentation,
		},
		{
			Name:     "testing",
			Priority: 90,
			Matches: func(t *task.Task) bool {
				return titleContains(t, "test", "pytest")
			},
			TargetCapability: worker.CapTesting,
		},
		{
			Name:     "debugging",
			Priority: 85,
			Matches: func(t *task.Task) bool {
				return titleContains(t, "debug", "bug", "error")
			},
			TargetCapability: worker.CapDebugging,
		},
	}
}
