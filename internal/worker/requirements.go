package worker

import (
	"regexp"
	"strings"
	"time"
)

// Requirements describes what a task demands of a worker, derived from its
// title and description.
type Requirements struct {
	Complexity        Complexity
	Capabilities      []Capability
	EstimatedDuration time.Duration
	MemoryIntensive   bool
	CPUIntensive      bool
	NeedsFilesystem   bool
	NeedsNetwork      bool
	Priority          int // 1..10
}

var complexityKeywords = map[Complexity][]string{
	ComplexityTrivial: {
		"fix typo", "update comment", "change variable name", "add import",
		"simple change", "quick fix", "minor update",
	},
	ComplexityLow: {
		"add function", "create class", "write test", "update config",
		"implement method", "add feature", "simple",
	},
	ComplexityMedium: {
		"implement api", "create module", "refactor", "optimize",
		"add authentication", "database", "integration",
	},
	ComplexityHigh: {
		"architecture", "system design", "complex algorithm", "performance",
		"security", "large refactor", "multiple components",
	},
	ComplexityCritical: {
		"entire system", "complete rewrite", "major architecture",
		"enterprise", "scalability", "distributed system",
	},
}

var capabilityKeywords = map[Capability][]string{
	CapCode: {
		"implement", "code", "function", "class", "method", "algorithm",
		"programming", "develop", "write",
	},
	CapResearch: {
		"research", "analyze", "investigate", "study", "explore",
		"evaluate", "assess", "compare",
	},
	CapDocumentation: {
		"document", "readme", "docs", "comment", "docstring",
		"explain", "describe", "guide",
	},
	CapTesting: {
		"test", "unittest", "pytest", "jest", "spec", "coverage",
		"qa", "quality assurance",
	},
	CapRefactoring: {
		"refactor", "restructure", "reorganize", "cleanup",
		"improve code", "modernize",
	},
	CapDebugging: {
		"debug", "fix bug", "error", "issue", "problem",
		"troubleshoot", "diagnose",
	},
	CapDesign: {
		"design", "architecture", "structure", "pattern",
		"blueprint", "plan",
	},
	CapReview: {
		"review", "audit", "inspect", "examine", "check",
		"validate", "verify",
	},
}

var resourceKeywords = map[string][]string{
	"memory":     {"large data", "memory", "cache", "buffer", "dataset"},
	"cpu":        {"algorithm", "compute", "calculation", "process", "intensive"},
	"filesystem": {"file", "directory", "read", "write", "storage"},
	"network":    {"api", "http", "request", "download", "upload", "remote"},
}

var baseDurations = map[Complexity]time.Duration{
	ComplexityTrivial:  5 * time.Minute,
	ComplexityLow:      15 * time.Minute,
	ComplexityMedium:   45 * time.Minute,
	ComplexityHigh:     120 * time.Minute,
	ComplexityCritical: 300 * time.Minute,
}

var listItemPattern = regexp.MustCompile(`\d+\.|-\s|\*\s`)

// AnalyzeTask derives requirements from a task's title and description
// using keyword heuristics. The fallback capability is code; the fallback
// complexity is medium.
func AnalyzeTask(title, description string) *Requirements {
	text := strings.ToLower(title + " " + description)

	complexity := determineComplexity(text)
	return &Requirements{
		Complexity:        complexity,
		Capabilities:      determineCapabilities(text),
		EstimatedDuration: estimateDuration(text, complexity),
		MemoryIntensive:   containsAny(text, resourceKeywords["memory"]),
		CPUIntensive:      containsAny(text, resourceKeywords["cpu"]),
		NeedsFilesystem:   containsAny(text, resourceKeywords["filesystem"]),
		NeedsNetwork:      containsAny(text, resourceKeywords["network"]),
		Priority:          determinePriority(text),
	}
}

func determineComplexity(text string) Complexity {
	scores := map[Complexity]int{}
	for tier, keywords := range complexityKeywords {
		for _, kw := range keywords {
			if strings.Contains(text, kw) {
				scores[tier]++
			}
		}
	}

	words := len(strings.Fields(text))
	if words > 200 {
		scores[ComplexityHigh] += 2
	} else if words > 100 {
		scores[ComplexityMedium]++
	}

	multi := 0
	for _, indicator := range []string{"and", "also", "additionally", "furthermore"} {
		if strings.Contains(text, indicator) {
			multi++
		}
	}
	if multi > 2 {
		scores[ComplexityHigh]++
	}

	best := ComplexityMedium
	bestScore := 0
	// Iterate by level so equal scores resolve to the lower tier.
	for _, tier := range []Complexity{
		ComplexityTrivial, ComplexityLow, ComplexityMedium, ComplexityHigh, ComplexityCritical,
	} {
		if scores[tier] > bestScore {
			best = tier
			bestScore = scores[tier]
		}
	}
	return best
}

func determineCapabilities(text string) []Capability {
	var caps []Capability
	for _, c := range ValidCapabilities() {
		if containsAny(text, capabilityKeywords[c]) {
			caps = append(caps, c)
		}
	}
	if len(caps) == 0 {
		caps = []Capability{CapCode}
	}
	return caps
}

func estimateDuration(text string, complexity Complexity) time.Duration {
	d := float64(baseDurations[complexity])
	switch {
	case strings.Contains(text, "quick") || strings.Contains(text, "simple"):
		d *= 0.7
	case strings.Contains(text, "complex") || strings.Contains(text, "comprehensive"):
		d *= 1.5
	case strings.Contains(text, "entire") || strings.Contains(text, "complete"):
		d *= 2.0
	}
	return time.Duration(d)
}

// ParallelHint estimates how many subtasks could run concurrently, capped
// at 5. List markers and plural indicators each count.
func ParallelHint(text string) int {
	text = strings.ToLower(text)
	count := 0
	for _, indicator := range []string{
		"multiple", "several", "various", "different", "each", "all", "batch", "parallel",
	} {
		if strings.Contains(text, indicator) {
			count++
		}
	}
	if items := len(listItemPattern.FindAllString(text, -1)); items > 1 {
		count += items
	}
	if count > 5 {
		return 5
	}
	return count
}

func determinePriority(text string) int {
	if containsAny(text, []string{"urgent", "critical", "asap", "immediately", "priority"}) {
		return 8
	}
	if containsAny(text, []string{"later", "eventually", "nice to have", "optional"}) {
		return 3
	}
	return 5
}

func containsAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}
