package plancheck

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/herdtools/herd/internal/task"
	"github.com/herdtools/herd/internal/worker"
)

// Validator runs every check category over a plan and renders a verdict.
type Validator struct {
	cfg Config
	log *slog.Logger
}

// New returns a validator with the given config.
func New(cfg Config, log *slog.Logger) *Validator {
	if log == nil {
		log = slog.Default()
	}
	if cfg.AvailableWorkers <= 0 {
		cfg.AvailableWorkers = DefaultConfig().AvailableWorkers
	}
	if cfg.MaxDependencyDepth <= 0 {
		cfg.MaxDependencyDepth = DefaultConfig().MaxDependencyDepth
	}
	if cfg.MinDescriptionChars <= 0 {
		cfg.MinDescriptionChars = DefaultConfig().MinDescriptionChars
	}
	if cfg.MaxDescriptionChars <= 0 {
		cfg.MaxDescriptionChars = DefaultConfig().MaxDescriptionChars
	}
	if cfg.MaxPlanSize <= 0 {
		cfg.MaxPlanSize = DefaultConfig().MaxPlanSize
	}
	return &Validator{cfg: cfg, log: log}
}

// Validate checks the plan and returns a full report. An empty plan is
// rejected outright.
func (v *Validator) Validate(tasks []*task.Task) *Report {
	report := &Report{TaskCount: len(tasks), Risk: RiskLow}
	if len(tasks) == 0 {
		report.Issues = append(report.Issues, Issue{
			Category: "completeness",
			Code:     "empty_plan",
			Severity: SeverityBlocking,
			Message:  "plan contains no tasks",
		})
		report.Outcome = OutcomeRejected
		return report
	}

	byID := make(map[int]*task.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	reqs := make(map[int]*worker.Requirements, len(tasks))
	for _, t := range tasks {
		reqs[t.ID] = worker.AnalyzeTask(t.Title, t.Description)
	}

	v.checkDependencies(tasks, byID, report)
	v.checkResources(tasks, byID, reqs, report)
	v.checkSecurity(tasks, report)
	v.checkCompleteness(tasks, byID, report)
	v.checkComplexity(tasks, report)
	v.checkConsistency(tasks, report)

	if v.cfg.Strict {
		for i := range report.Issues {
			if report.Issues[i].Severity == SeverityWarning {
				report.Issues[i].Severity = SeverityError
			}
		}
	}

	report.Outcome = outcomeFor(report.Issues)
	report.Recommendations = recommendations(report)
	v.log.Info("plan validated", "tasks", len(tasks), "outcome", report.Outcome,
		"issues", len(report.Issues), "risk", report.Risk)
	return report
}

func outcomeFor(issues []Issue) Outcome {
	var errs, warns int
	for _, issue := range issues {
		switch issue.Severity {
		case SeverityBlocking:
			return OutcomeRejected
		case SeverityError:
			errs++
		case SeverityWarning:
			warns++
		}
	}
	switch {
	case errs > 0:
		return OutcomeNeedsChanges
	case warns > 0:
		return OutcomeWithWarnings
	default:
		return OutcomeApproved
	}
}

// checkDependencies verifies every referenced dependency exists, reports
// circular chains with their full path, and warns on deep chains.
func (v *Validator) checkDependencies(tasks []*task.Task, byID map[int]*task.Task, report *Report) {
	for _, t := range tasks {
		for _, dep := range t.Dependencies {
			if _, ok := byID[dep]; !ok {
				report.Issues = append(report.Issues, Issue{
					Category: "dependency",
					Code:     "missing_dependency",
					Severity: SeverityBlocking,
					Message:  fmt.Sprintf("task %d depends on unknown task %d", t.ID, dep),
					TaskIDs:  []int{t.ID, dep},
				})
			}
		}
	}

	// Cycle detection by DFS with an explicit path so the report can name
	// the whole cycle, first node repeated at the end.
	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := make(map[int]int, len(tasks))
	var path []int
	seen := make(map[string]bool)

	var visit func(id int)
	visit = func(id int) {
		state[id] = inStack
		path = append(path, id)
		t := byID[id]
		if t != nil {
			for _, dep := range t.Dependencies {
				if _, ok := byID[dep]; !ok {
					continue
				}
				switch state[dep] {
				case unvisited:
					visit(dep)
				case inStack:
					start := 0
					for i, n := range path {
						if n == dep {
							start = i
							break
						}
					}
					cycle := append(append([]int{}, path[start:]...), dep)
					key := fmt.Sprint(canonicalCycle(cycle))
					if !seen[key] {
						seen[key] = true
						report.Issues = append(report.Issues, Issue{
							Category:  "dependency",
							Code:      "circular_dependency",
							Severity:  SeverityBlocking,
							Message:   fmt.Sprintf("circular dependency: %v", cycle),
							CyclePath: cycle,
						})
					}
				}
			}
		}
		path = path[:len(path)-1]
		state[id] = done
	}
	ids := sortedIDs(tasks)
	for _, id := range ids {
		if state[id] == unvisited {
			visit(id)
		}
	}

	depth, deepest := maxChainDepth(byID, ids)
	report.MaxDepth = depth
	if depth > v.cfg.MaxDependencyDepth {
		report.Issues = append(report.Issues, Issue{
			Category: "dependency",
			Code:     "deep_dependency_chain",
			Severity: SeverityWarning,
			Message: fmt.Sprintf("dependency chain of length %d exceeds %d, consider flattening",
				depth, v.cfg.MaxDependencyDepth),
			TaskIDs: []int{deepest},
		})
	}
}

// canonicalCycle rotates a cycle so the smallest node leads, making the
// same cycle found from different entry points dedupe to one issue.
func canonicalCycle(cycle []int) []int {
	body := cycle[:len(cycle)-1]
	minAt := 0
	for i, n := range body {
		if n < body[minAt] {
			minAt = i
		}
	}
	out := make([]int, 0, len(cycle))
	for i := range body {
		out = append(out, body[(minAt+i)%len(body)])
	}
	return append(out, body[minAt])
}

// maxChainDepth returns the longest dependency chain, in tasks, and a
// task on it. Cycles are guarded by the visiting set so this terminates
// even on invalid plans.
func maxChainDepth(byID map[int]*task.Task, ids []int) (int, int) {
	memo := make(map[int]int, len(ids))
	visiting := make(map[int]bool)

	var depth func(id int) int
	depth = func(id int) int {
		if d, ok := memo[id]; ok {
			return d
		}
		if visiting[id] {
			return 0
		}
		visiting[id] = true
		defer delete(visiting, id)
		best := 0
		if t := byID[id]; t != nil {
			for _, dep := range t.Dependencies {
				if _, ok := byID[dep]; ok {
					best = max(best, depth(dep))
				}
			}
		}
		memo[id] = best + 1
		return best + 1
	}

	maxDepth, at := 0, 0
	for _, id := range ids {
		if d := depth(id); d > maxDepth {
			maxDepth, at = d, id
		}
	}
	return maxDepth, at
}

// checkResources estimates peak concurrency and memory against what the
// fleet can provide. Peak concurrency is the widest level of the
// dependency DAG; the duration estimate is the critical path.
func (v *Validator) checkResources(tasks []*task.Task, byID map[int]*task.Task, reqs map[int]*worker.Requirements, report *Report) {
	ids := sortedIDs(tasks)
	levels := dagLevels(byID, ids)
	width, widthMem := 0, 0
	for _, level := range levels {
		mem := 0
		for _, id := range level {
			mem += taskMemoryMB(reqs[id])
		}
		if len(level) > width {
			width = len(level)
		}
		if mem > widthMem {
			widthMem = mem
		}
	}
	report.RequiredWorkers = width
	report.PeakMemoryMB = widthMem
	report.EstimatedDuration = criticalPathDuration(byID, reqs, ids)

	if width > 2*v.cfg.AvailableWorkers {
		report.Issues = append(report.Issues, Issue{
			Category: "resource",
			Code:     "insufficient_workers",
			Severity: SeverityWarning,
			Message: fmt.Sprintf("plan wants %d parallel tasks but only %d workers are available",
				width, v.cfg.AvailableWorkers),
		})
	}
	if v.cfg.MaxMemoryMB > 0 && widthMem > v.cfg.MaxMemoryMB {
		report.Issues = append(report.Issues, Issue{
			Category: "resource",
			Code:     "memory_exceeded",
			Severity: SeverityBlocking,
			Message: fmt.Sprintf("estimated peak memory %dMB exceeds the %dMB limit",
				widthMem, v.cfg.MaxMemoryMB),
		})
	}
}

func taskMemoryMB(req *worker.Requirements) int {
	if req != nil && req.MemoryIntensive {
		return 1024
	}
	return 256
}

// dagLevels groups task IDs by dependency depth. Tasks on a cycle never
// settle and are dropped; the dependency checks report those separately.
func dagLevels(byID map[int]*task.Task, ids []int) [][]int {
	depth := make(map[int]int, len(ids))
	resolved := func(id int) (int, bool) {
		best := 0
		for _, dep := range byID[id].Dependencies {
			if _, ok := byID[dep]; !ok {
				continue
			}
			d, ok := depth[dep]
			if !ok {
				return 0, false
			}
			best = max(best, d+1)
		}
		return best, true
	}
	for changed := true; changed; {
		changed = false
		for _, id := range ids {
			if _, done := depth[id]; done {
				continue
			}
			if d, ok := resolved(id); ok {
				depth[id] = d
				changed = true
			}
		}
	}
	maxLevel := 0
	for _, d := range depth {
		maxLevel = max(maxLevel, d)
	}
	levels := make([][]int, maxLevel+1)
	for _, id := range ids {
		if d, ok := depth[id]; ok {
			levels[d] = append(levels[d], id)
		}
	}
	return levels
}

func criticalPathDuration(byID map[int]*task.Task, reqs map[int]*worker.Requirements, ids []int) time.Duration {
	memo := make(map[int]time.Duration, len(ids))
	visiting := make(map[int]bool)

	var finish func(id int) time.Duration
	finish = func(id int) time.Duration {
		if d, ok := memo[id]; ok {
			return d
		}
		if visiting[id] {
			return 0
		}
		visiting[id] = true
		defer delete(visiting, id)
		var start time.Duration
		for _, dep := range byID[id].Dependencies {
			if _, ok := byID[dep]; ok {
				start = max(start, finish(dep))
			}
		}
		total := start
		if req := reqs[id]; req != nil {
			total += req.EstimatedDuration
		}
		memo[id] = total
		return total
	}

	var longest time.Duration
	for _, id := range ids {
		longest = max(longest, finish(id))
	}
	return longest
}

var (
	sensitiveKeywords   = []string{"password", "secret", "key", "token", "credential", "api_key"}
	destructiveKeywords = []string{"delete", "drop", "truncate"}
	privilegeKeywords   = []string{"sudo", "root", "admin"}
)

// checkSecurity screens task text for sensitive data handling,
// destructive operations, and privilege escalation, and sets the
// plan risk level from what it finds.
func (v *Validator) checkSecurity(tasks []*task.Task, report *Report) {
	var sensitive, high int
	for _, t := range tasks {
		text := strings.ToLower(t.Title + " " + t.Description + " " + t.Details)
		if kw := firstKeyword(text, sensitiveKeywords); kw != "" {
			sensitive++
			report.Issues = append(report.Issues, Issue{
				Category: "security",
				Code:     "sensitive_data",
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("task %d mentions %q, verify no credentials end up in output", t.ID, kw),
				TaskIDs:  []int{t.ID},
			})
		}
		if kw := firstKeyword(text, destructiveKeywords); kw != "" {
			high++
			report.Issues = append(report.Issues, Issue{
				Category: "security",
				Code:     "destructive_operation",
				Severity: SeverityError,
				Message:  fmt.Sprintf("task %d describes a destructive operation (%q)", t.ID, kw),
				TaskIDs:  []int{t.ID},
			})
		}
		if kw := firstKeyword(text, privilegeKeywords); kw != "" {
			high++
			report.Issues = append(report.Issues, Issue{
				Category: "security",
				Code:     "privilege_escalation",
				Severity: SeverityError,
				Message:  fmt.Sprintf("task %d requires elevated privileges (%q)", t.ID, kw),
				TaskIDs:  []int{t.ID},
			})
		}
	}
	switch {
	case high >= 2:
		report.Risk = RiskHigh
	case high >= 1 || sensitive >= 1:
		report.Risk = RiskMedium
	default:
		report.Risk = RiskLow
	}
}

func firstKeyword(text string, keywords []string) string {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return kw
		}
	}
	return ""
}

// checkCompleteness flags tasks whose descriptions are too thin to act
// on, and notes tasks no other task references in a multi-task plan.
func (v *Validator) checkCompleteness(tasks []*task.Task, byID map[int]*task.Task, report *Report) {
	referenced := make(map[int]bool)
	for _, t := range tasks {
		for _, dep := range t.Dependencies {
			referenced[dep] = true
		}
		if len(t.Dependencies) > 0 {
			referenced[t.ID] = true
		}
	}
	for _, t := range tasks {
		if nonWhitespaceLen(t.Description) < v.cfg.MinDescriptionChars {
			report.Issues = append(report.Issues, Issue{
				Category: "completeness",
				Code:     "thin_description",
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("task %d has a description too short to act on", t.ID),
				TaskIDs:  []int{t.ID},
			})
		}
		if len(tasks) > 1 && !referenced[t.ID] {
			report.Issues = append(report.Issues, Issue{
				Category: "completeness",
				Code:     "orphaned_task",
				Severity: SeverityInfo,
				Message:  fmt.Sprintf("task %d is not connected to the rest of the plan", t.ID),
				TaskIDs:  []int{t.ID},
			})
		}
	}
}

func nonWhitespaceLen(s string) int {
	n := 0
	for _, r := range s {
		if !unicode.IsSpace(r) {
			n++
		}
	}
	return n
}

// checkComplexity warns on oversized plans and oversized task
// descriptions, both of which degrade review quality downstream.
func (v *Validator) checkComplexity(tasks []*task.Task, report *Report) {
	if len(tasks) > v.cfg.MaxPlanSize {
		report.Issues = append(report.Issues, Issue{
			Category: "complexity",
			Code:     "plan_too_large",
			Severity: SeverityWarning,
			Message:  fmt.Sprintf("plan has %d tasks, consider splitting past %d", len(tasks), v.cfg.MaxPlanSize),
		})
	}
	for _, t := range tasks {
		if len(t.Description) > v.cfg.MaxDescriptionChars {
			report.Issues = append(report.Issues, Issue{
				Category: "complexity",
				Code:     "description_too_long",
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("task %d description is %d characters, split it into subtasks", t.ID, len(t.Description)),
				TaskIDs:  []int{t.ID},
			})
		}
	}
}

// checkConsistency flags duplicate titles, which usually mean the plan
// generator emitted the same work item twice.
func (v *Validator) checkConsistency(tasks []*task.Task, report *Report) {
	byTitle := make(map[string][]int)
	for _, t := range tasks {
		key := strings.ToLower(strings.TrimSpace(t.Title))
		byTitle[key] = append(byTitle[key], t.ID)
	}
	titles := make([]string, 0, len(byTitle))
	for title := range byTitle {
		titles = append(titles, title)
	}
	sort.Strings(titles)
	for _, title := range titles {
		if ids := byTitle[title]; len(ids) > 1 {
			report.Issues = append(report.Issues, Issue{
				Category: "consistency",
				Code:     "duplicate_title",
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("tasks %v share the title %q", ids, title),
				TaskIDs:  ids,
			})
		}
	}
}

func recommendations(report *Report) []string {
	var out []string
	counts := make(map[string]int)
	for _, issue := range report.Issues {
		counts[issue.Code]++
	}
	if counts["circular_dependency"] > 0 {
		out = append(out, "break circular dependencies by removing or reversing one edge in each cycle")
	}
	if counts["missing_dependency"] > 0 {
		out = append(out, "add the missing tasks or drop the dangling dependency references")
	}
	if counts["insufficient_workers"] > 0 {
		out = append(out, "raise max_workers or serialize independent branches of the plan")
	}
	if counts["thin_description"] > 0 {
		out = append(out, "expand short task descriptions so workers have enough context")
	}
	if counts["destructive_operation"] > 0 || counts["privilege_escalation"] > 0 {
		out = append(out, "review high-risk tasks manually before running the plan")
	}
	if counts["plan_too_large"] > 0 {
		out = append(out, "split the plan into smaller batches")
	}
	return out
}

func sortedIDs(tasks []*task.Task) []int {
	ids := make([]int, 0, len(tasks))
	for _, t := range tasks {
		ids = append(ids, t.ID)
	}
	sort.Ints(ids)
	return ids
}
