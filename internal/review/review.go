// Package review evaluates completed task output: pattern analysis over
// produced files, marker analysis over the worker's output text, and a
// weighted score with a pass verdict.
package review

import (
	"fmt"
	"log/slog"

	"github.com/herdtools/herd/internal/result"
)

// Severity ranks a finding. Weights feed the review score.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

var severityWeights = map[Severity]int{
	SeverityCritical: 10,
	SeverityHigh:     5,
	SeverityMedium:   2,
	SeverityLow:      1,
	SeverityInfo:     0,
}

// Category groups findings for recommendation rendering.
type Category string

const (
	CategorySecurity     Category = "security"
	CategoryQuality      Category = "code_quality"
	CategoryStyle        Category = "style"
	CategoryCompleteness Category = "completeness"
	CategoryOutput       Category = "output"
)

// Finding is one issue spotted during review.
type Finding struct {
	Category Category `json:"category"`
	Severity Severity `json:"severity"`
	Rule     string   `json:"rule"`
	Message  string   `json:"message"`
	File     string   `json:"file,omitempty"`
	Line     int      `json:"line,omitempty"`
}

// OutputSignals summarizes marker counts from the worker's output text.
type OutputSignals struct {
	Positive      int     `json:"positive"`
	Negative      int     `json:"negative"`
	Warning       int     `json:"warning"`
	Similarity    float64 `json:"similarity,omitempty"`
	HasSimilarity bool    `json:"has_similarity,omitempty"`
}

// Report is the full review verdict for one task result.
type Report struct {
	TaskID          string        `json:"task_id"`
	Score           float64       `json:"score"`
	Passed          bool          `json:"passed"`
	FollowUp        bool          `json:"follow_up_required"`
	Findings        []Finding     `json:"findings"`
	Recommendations []string      `json:"recommendations,omitempty"`
	Output          OutputSignals `json:"output_signals"`
}

// CountBySeverity returns how many findings carry the given severity.
func (r *Report) CountBySeverity(s Severity) int {
	n := 0
	for _, f := range r.Findings {
		if f.Severity == s {
			n++
		}
	}
	return n
}

// Config tunes the reviewer's thresholds.
type Config struct {
	// HighThreshold is the number of high findings a passing review may
	// still carry.
	HighThreshold int
	// MaxLineLength flags longer source lines.
	MaxLineLength int
	// MaxFunctionLines flags longer function bodies.
	MaxFunctionLines int
	// MaxParams flags functions with more parameters.
	MaxParams int
	// MaxFileChars flags larger produced files.
	MaxFileChars int
}

// DefaultConfig returns the standard review thresholds.
func DefaultConfig() Config {
	return Config{
		HighThreshold:    1,
		MaxLineLength:    120,
		MaxFunctionLines: 50,
		MaxParams:        5,
		MaxFileChars:     10000,
	}
}

// Reviewer evaluates worker results.
type Reviewer struct {
	cfg Config
	log *slog.Logger
}

// New returns a reviewer with the given config.
func New(cfg Config, log *slog.Logger) *Reviewer {
	if log == nil {
		log = slog.Default()
	}
	def := DefaultConfig()
	if cfg.MaxLineLength <= 0 {
		cfg.MaxLineLength = def.MaxLineLength
	}
	if cfg.MaxFunctionLines <= 0 {
		cfg.MaxFunctionLines = def.MaxFunctionLines
	}
	if cfg.MaxParams <= 0 {
		cfg.MaxParams = def.MaxParams
	}
	if cfg.MaxFileChars <= 0 {
		cfg.MaxFileChars = def.MaxFileChars
	}
	return &Reviewer{cfg: cfg, log: log}
}

// Review analyzes a worker result. files maps each produced file's path
// to its content; expectedOutput, when non-empty, is compared against
// the worker's output by similarity.
func (r *Reviewer) Review(res *result.WorkerResult, files map[string]string, expectedOutput string) *Report {
	report := &Report{TaskID: res.TaskID}

	if res.Status == result.StatusFailed {
		report.Findings = append(report.Findings, Finding{
			Category: CategoryOutput,
			Severity: SeverityHigh,
			Rule:     "worker_failure",
			Message:  fmt.Sprintf("worker reported failure: %s", res.ErrorMessage),
		})
	}

	for _, path := range sortedPaths(files) {
		report.Findings = append(report.Findings, r.analyzeFile(path, files[path])...)
	}
	report.Findings = append(report.Findings, r.analyzeOutput(res.Output, expectedOutput, &report.Output)...)

	total := 0
	for _, f := range report.Findings {
		total += severityWeights[f.Severity]
	}
	report.Score = clamp(1-float64(total)/100, 0, 1)

	critical := report.CountBySeverity(SeverityCritical)
	high := report.CountBySeverity(SeverityHigh)
	report.Passed = critical == 0 && high <= r.cfg.HighThreshold
	report.FollowUp = critical > 0 || high > 2
	report.Recommendations = r.recommend(report)

	r.log.Info("review complete", "task", res.TaskID, "score", report.Score,
		"passed", report.Passed, "findings", len(report.Findings))
	return report
}

func (r *Reviewer) recommend(report *Report) []string {
	counts := make(map[Category]int)
	for _, f := range report.Findings {
		counts[f.Category]++
	}
	var out []string
	if counts[CategorySecurity] > 0 {
		out = append(out, "address security findings before deployment")
	}
	if counts[CategoryQuality] > 5 {
		out = append(out, "consider refactoring, code quality findings are piling up")
	}
	if counts[CategoryCompleteness] > 0 {
		out = append(out, "finish the work flagged as incomplete")
	}
	if counts[CategoryStyle] > 10 {
		out = append(out, "run a formatter over the produced files")
	}
	if report.Output.Negative > report.Output.Positive {
		out = append(out, "inspect the worker output, failure markers outnumber success markers")
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	return min(max(v, lo), hi)
}
