// Package plancheck validates a task plan before execution: dependency
// integrity, resource feasibility, security screening, completeness,
// complexity, and consistency.
package plancheck

import (
	"time"
)

// Severity orders plan issues. Blocking issues reject the plan outright;
// error issues demand modification; warnings and info are advisory.
type Severity string

const (
	SeverityBlocking Severity = "blocking"
	SeverityError    Severity = "error"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// Outcome is the overall verdict for a plan.
type Outcome string

const (
	OutcomeApproved     Outcome = "approved"
	OutcomeWithWarnings Outcome = "approved_with_warnings"
	OutcomeNeedsChanges Outcome = "requires_modification"
	OutcomeRejected     Outcome = "rejected"
)

// Issue is one problem found in the plan.
type Issue struct {
	Category  string   `json:"category"` // dependency, resource, security, completeness, complexity, consistency
	Code      string   `json:"code"`
	Severity  Severity `json:"severity"`
	Message   string   `json:"message"`
	TaskIDs   []int    `json:"task_ids,omitempty"`
	CyclePath []int    `json:"cycle_path,omitempty"`
}

// RiskLevel summarizes the security screening.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Report is the full validation result for one plan.
type Report struct {
	Outcome           Outcome       `json:"outcome"`
	Issues            []Issue       `json:"issues"`
	Recommendations   []string      `json:"recommendations,omitempty"`
	EstimatedDuration time.Duration `json:"estimated_duration"`
	RequiredWorkers   int           `json:"required_workers"`
	PeakMemoryMB      int           `json:"peak_memory_mb"`
	Risk              RiskLevel     `json:"risk"`
	TaskCount         int           `json:"task_count"`
	MaxDepth          int           `json:"max_depth"`
}

// CanExecute reports whether the orchestrator may run the plan.
func (r *Report) CanExecute() bool {
	return r.Outcome == OutcomeApproved || r.Outcome == OutcomeWithWarnings
}

// Blocking returns the blocking issues.
func (r *Report) Blocking() []Issue {
	var out []Issue
	for _, issue := range r.Issues {
		if issue.Severity == SeverityBlocking {
			out = append(out, issue)
		}
	}
	return out
}

// Config tunes the validator.
type Config struct {
	// Strict promotes warnings to errors.
	Strict bool
	// AvailableWorkers sizes the concurrency feasibility check.
	AvailableWorkers int
	// MaxMemoryMB rejects plans whose estimated peak exceeds it. 0 disables.
	MaxMemoryMB int
	// HighSeverityLimit is unused by validation itself but carried for
	// callers that render reports.
	MaxPlanSize int
	// MaxDependencyDepth warns past this chain length.
	MaxDependencyDepth int
	// MinDescriptionChars warns below this many non-whitespace characters.
	MinDescriptionChars int
	// MaxDescriptionChars warns above this length.
	MaxDescriptionChars int
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		AvailableWorkers:    2,
		MaxMemoryMB:         8192,
		MaxPlanSize:         50,
		MaxDependencyDepth:  5,
		MinDescriptionChars: 10,
		MaxDescriptionChars: 1000,
	}
}
