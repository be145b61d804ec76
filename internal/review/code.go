package review

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var (
	secretPattern = regexp.MustCompile(`(?i)(password|passwd|secret|api_key|apikey|token|credential)\s*[:=]\s*["'][^"']{4,}["']`)
	sinkPattern   = regexp.MustCompile(`(?i)\b(query|execute|exec|system|popen)\s*\([^)]*["'][^)]*\+`)
	evalPattern   = regexp.MustCompile(`\b(eval|exec)\s*\(|__import__\s*\(|importlib\.import_module\s*\(`)
	catchPattern  = regexp.MustCompile(`(?m)^\s*(except\s*:|except\s+Exception\s*:|catch\s*\(\s*\)|catch\s*\(\s*\.\.\.\s*\))`)
	todoPattern   = regexp.MustCompile(`(?i)\b(TODO|FIXME)\b`)
	funcPattern   = regexp.MustCompile(`(?m)^[ \t]*(?:func|def)\s+(\w+)\s*\(([^)]*)\)`)
)

// analyzeFile runs the pattern analyzers over one produced file and
// returns the findings, each tagged with the path and a line number
// where one applies.
func (r *Reviewer) analyzeFile(path, content string) []Finding {
	var out []Finding
	lines := strings.Split(content, "\n")

	for _, loc := range secretPattern.FindAllStringIndex(content, -1) {
		out = append(out, Finding{
			Category: CategorySecurity,
			Severity: SeverityCritical,
			Rule:     "hardcoded_secret",
			Message:  "credential literal assigned in source",
			File:     path,
			Line:     lineAt(content, loc[0]),
		})
	}
	for _, loc := range sinkPattern.FindAllStringIndex(content, -1) {
		out = append(out, Finding{
			Category: CategorySecurity,
			Severity: SeverityHigh,
			Rule:     "unsafe_concatenation",
			Message:  "string concatenation flows into a query or exec sink",
			File:     path,
			Line:     lineAt(content, loc[0]),
		})
	}
	for _, loc := range evalPattern.FindAllStringIndex(content, -1) {
		out = append(out, Finding{
			Category: CategorySecurity,
			Severity: SeverityHigh,
			Rule:     "dynamic_execution",
			Message:  "eval, exec or dynamic import of runtime input",
			File:     path,
			Line:     lineAt(content, loc[0]),
		})
	}
	for _, loc := range catchPattern.FindAllStringIndex(content, -1) {
		out = append(out, Finding{
			Category: CategoryQuality,
			Severity: SeverityMedium,
			Rule:     "bare_catch",
			Message:  "catch-all handler swallows every error",
			File:     path,
			Line:     lineAt(content, loc[0]),
		})
	}
	for i, line := range lines {
		if len(line) > r.cfg.MaxLineLength {
			out = append(out, Finding{
				Category: CategoryStyle,
				Severity: SeverityLow,
				Rule:     "long_line",
				Message:  fmt.Sprintf("line is %d characters", len(line)),
				File:     path,
				Line:     i + 1,
			})
		}
	}
	for _, loc := range todoPattern.FindAllStringIndex(content, -1) {
		out = append(out, Finding{
			Category: CategoryCompleteness,
			Severity: SeverityLow,
			Rule:     "todo_marker",
			Message:  "TODO or FIXME left in produced code",
			File:     path,
			Line:     lineAt(content, loc[0]),
		})
	}
	out = append(out, r.analyzeFunctions(path, content)...)
	if len(content) > r.cfg.MaxFileChars {
		out = append(out, Finding{
			Category: CategoryQuality,
			Severity: SeverityMedium,
			Rule:     "oversized_file",
			Message:  fmt.Sprintf("file is %d characters, split it up", len(content)),
			File:     path,
		})
	}
	return out
}

// analyzeFunctions measures each function's parameter count and body
// length, the latter approximated as the span to the next function.
func (r *Reviewer) analyzeFunctions(path, content string) []Finding {
	var out []Finding
	matches := funcPattern.FindAllStringSubmatchIndex(content, -1)
	for i, m := range matches {
		name := content[m[2]:m[3]]
		params := splitParams(content[m[4]:m[5]])
		line := lineAt(content, m[0])
		if len(params) > r.cfg.MaxParams {
			out = append(out, Finding{
				Category: CategoryQuality,
				Severity: SeverityLow,
				Rule:     "many_parameters",
				Message:  fmt.Sprintf("function %s takes %d parameters", name, len(params)),
				File:     path,
				Line:     line,
			})
		}
		end := len(content)
		if i+1 < len(matches) {
			end = matches[i+1][0]
		}
		span := strings.Count(content[m[0]:end], "\n")
		if span > r.cfg.MaxFunctionLines {
			out = append(out, Finding{
				Category: CategoryQuality,
				Severity: SeverityMedium,
				Rule:     "long_function",
				Message:  fmt.Sprintf("function %s spans roughly %d lines", name, span),
				File:     path,
				Line:     line,
			})
		}
	}
	return out
}

func splitParams(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if strings.TrimSpace(p) != "" {
			out = append(out, strings.TrimSpace(p))
		}
	}
	return out
}

func lineAt(content string, offset int) int {
	return strings.Count(content[:offset], "\n") + 1
}

func sortedPaths(files map[string]string) []string {
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
