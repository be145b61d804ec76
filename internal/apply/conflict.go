package apply

import "fmt"

// Strategy decides which side of a conflict survives.
type Strategy string

const (
	// StrategyManual drops every conflicted change for a human to sort out.
	StrategyManual Strategy = "manual"
	// StrategyPreferReview keeps the review's latest proposal per conflict.
	StrategyPreferReview Strategy = "prefer_review"
	// StrategyPreferCurrent keeps the file as it is, dropping all sides.
	StrategyPreferCurrent Strategy = "prefer_current"
	// StrategyMerge applies every side in order.
	StrategyMerge Strategy = "merge"
	// StrategySkip drops conflicted changes silently.
	StrategySkip Strategy = "skip"
)

// IsValidStrategy returns true for a known conflict strategy.
func IsValidStrategy(s Strategy) bool {
	switch s {
	case StrategyManual, StrategyPreferReview, StrategyPreferCurrent, StrategyMerge, StrategySkip:
		return true
	default:
		return false
	}
}

// Conflict records two or more proposals fighting over one path.
type Conflict struct {
	Path    string `json:"path"`
	Kind    string `json:"kind"` // create_vs_edit, overlapping_lines
	Detail  string `json:"detail"`
	Indexes []int  `json:"indexes"` // positions in the extracted change list
}

// detectConflicts groups proposals by path and flags create-plus-edit
// pairs and overlapping line ranges.
func detectConflicts(changes []Change) []Conflict {
	byPath := make(map[string][]int)
	var order []string
	for i, c := range changes {
		if _, seen := byPath[c.Path]; !seen {
			order = append(order, c.Path)
		}
		byPath[c.Path] = append(byPath[c.Path], i)
	}

	var out []Conflict
	for _, path := range order {
		idxs := byPath[path]
		if len(idxs) < 2 {
			continue
		}
		var creates, edits, ranged []int
		for _, i := range idxs {
			switch changes[i].Type {
			case ChangeFileCreate:
				creates = append(creates, i)
			case ChangeFileEdit:
				edits = append(edits, i)
			case ChangeCodeReplace, ChangeLineDelete:
				if changes[i].Line > 0 {
					ranged = append(ranged, i)
				}
			}
		}
		if len(creates) > 0 && len(edits) > 0 {
			out = append(out, Conflict{
				Path:    path,
				Kind:    "create_vs_edit",
				Detail:  "the review both creates and edits this file",
				Indexes: append(append([]int{}, creates...), edits...),
			})
		}
		for i := 0; i < len(ranged); i++ {
			for j := i + 1; j < len(ranged); j++ {
				a, b := changes[ranged[i]], changes[ranged[j]]
				if rangesOverlap(a.Line, lineEnd(a), b.Line, lineEnd(b)) {
					out = append(out, Conflict{
						Path: path,
						Kind: "overlapping_lines",
						Detail: fmt.Sprintf("lines %d-%d and %d-%d overlap",
							a.Line, lineEnd(a), b.Line, lineEnd(b)),
						Indexes: []int{ranged[i], ranged[j]},
					})
				}
			}
		}
	}
	return out
}

func lineEnd(c Change) int {
	if c.EndLine > c.Line {
		return c.EndLine
	}
	return c.Line
}

func rangesOverlap(aStart, aEnd, bStart, bEnd int) bool {
	return aStart <= bEnd && bStart <= aEnd
}

// resolve returns the set of change indexes to drop under the strategy.
func resolve(strategy Strategy, conflicts []Conflict) map[int]bool {
	dropped := make(map[int]bool)
	for _, c := range conflicts {
		switch strategy {
		case StrategyMerge:
			// Apply everything in order.
		case StrategyPreferReview:
			keep := c.Indexes[0]
			for _, i := range c.Indexes {
				keep = max(keep, i)
			}
			for _, i := range c.Indexes {
				if i != keep {
					dropped[i] = true
				}
			}
		default:
			// manual, prefer_current and skip all leave the tree alone.
			for _, i := range c.Indexes {
				dropped[i] = true
			}
		}
	}
	return dropped
}
