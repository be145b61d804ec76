// Package apply turns a review's free text into concrete change
// proposals and applies them to the working tree, with conflict
// resolution and rollback on partial failure.
package apply

import (
	"regexp"
	"sort"
	"strconv"
)

// ChangeType names the kind of mutation a proposal describes.
type ChangeType string

const (
	ChangeFileEdit    ChangeType = "file_edit"
	ChangeFileCreate  ChangeType = "file_create"
	ChangeCodeReplace ChangeType = "code_replace"
	ChangeLineDelete  ChangeType = "line_delete"
	ChangeLineInsert  ChangeType = "line_insert"
	ChangeRefactor    ChangeType = "refactor"
)

// Change is one proposed mutation extracted from review text.
type Change struct {
	Type    ChangeType `json:"type"`
	Path    string     `json:"path"`
	Content string     `json:"content,omitempty"` // full file or inserted text
	Old     string     `json:"old,omitempty"`
	New     string     `json:"new,omitempty"`
	Line    int        `json:"line,omitempty"`     // 1-based, 0 means unset
	EndLine int        `json:"end_line,omitempty"` // for line ranges
}

// contextWindow is how far back in the prose extraction looks for a
// path or a create marker before a code block.
const contextWindow = 200

var (
	fencedBlock   = regexp.MustCompile("(?s)```[a-zA-Z0-9]*\n(.*?)```")
	pathToken     = regexp.MustCompile(`[\w./-]*[\w-]+\.[A-Za-z0-9]+`)
	createMarker  = regexp.MustCompile(`(?i)\bcreate\b|\bnew file\b`)
	replaceBlocks = regexp.MustCompile("(?is)replace:?\\s*```[a-zA-Z0-9]*\n(.*?)```\\s*with:?\\s*```[a-zA-Z0-9]*\n(.*?)```")
	lineChange    = regexp.MustCompile(`(?i)at\s+([\w./-]+):(\d+),?\s+change\s+'([^']*)'\s+to\s+'([^']*)'`)
	lineDelete    = regexp.MustCompile(`(?i)delete\s+lines?\s+(\d+)(?:\s*-\s*(\d+))?\s+in\s+([\w./-]+\.\w+)`)
	lineInsert    = regexp.MustCompile("(?is)insert\\s+after\\s+line\\s+(\\d+)\\s+in\\s+([\\w./-]+):\\s*```[a-zA-Z0-9]*\n(.*?)```")
	refactorRef   = regexp.MustCompile(`(?i)refactor\s+(?:function|class|variable)\s+(\w+)\s+to\s+(\w+)\s+in\s+([\w./-]+\.\w+)`)
)

type extracted struct {
	change Change
	start  int
}

// ExtractChanges parses review text into change proposals, in the order
// they appear. Specific directive patterns win over the generic
// annotated-block pattern, which only consumes blocks no directive
// claimed.
func ExtractChanges(text string) []Change {
	var found []extracted
	var consumed [][2]int

	claim := func(start, end int) {
		consumed = append(consumed, [2]int{start, end})
	}
	overlaps := func(start, end int) bool {
		for _, span := range consumed {
			if start < span[1] && end > span[0] {
				return true
			}
		}
		return false
	}

	// Prose context for a block never reaches past the previous block,
	// so one block's surrounding text cannot leak into the next.
	blockSpans := fencedBlock.FindAllStringIndex(text, -1)
	context := func(offset int) string {
		start := max(0, offset-contextWindow)
		for _, span := range blockSpans {
			if span[1] <= offset && span[1] > start {
				start = span[1]
			}
		}
		return text[start:offset]
	}

	for _, m := range replaceBlocks.FindAllStringSubmatchIndex(text, -1) {
		claim(m[0], m[1])
		found = append(found, extracted{
			start: m[0],
			change: Change{
				Type: ChangeCodeReplace,
				Path: lastPath(context(m[0])),
				Old:  text[m[2]:m[3]],
				New:  text[m[4]:m[5]],
			},
		})
	}
	for _, m := range lineInsert.FindAllStringSubmatchIndex(text, -1) {
		claim(m[0], m[1])
		found = append(found, extracted{
			start: m[0],
			change: Change{
				Type:    ChangeLineInsert,
				Path:    text[m[4]:m[5]],
				Line:    mustAtoi(text[m[2]:m[3]]),
				Content: text[m[6]:m[7]],
			},
		})
	}
	for _, m := range lineChange.FindAllStringSubmatchIndex(text, -1) {
		found = append(found, extracted{
			start: m[0],
			change: Change{
				Type: ChangeCodeReplace,
				Path: text[m[2]:m[3]],
				Line: mustAtoi(text[m[4]:m[5]]),
				Old:  text[m[6]:m[7]],
				New:  text[m[8]:m[9]],
			},
		})
	}
	for _, m := range lineDelete.FindAllStringSubmatchIndex(text, -1) {
		start := mustAtoi(text[m[2]:m[3]])
		end := start
		if m[4] >= 0 {
			end = mustAtoi(text[m[4]:m[5]])
		}
		found = append(found, extracted{
			start: m[0],
			change: Change{
				Type:    ChangeLineDelete,
				Path:    text[m[6]:m[7]],
				Line:    start,
				EndLine: end,
			},
		})
	}
	for _, m := range refactorRef.FindAllStringSubmatchIndex(text, -1) {
		found = append(found, extracted{
			start: m[0],
			change: Change{
				Type: ChangeRefactor,
				Path: text[m[6]:m[7]],
				Old:  text[m[2]:m[3]],
				New:  text[m[4]:m[5]],
			},
		})
	}
	for _, m := range fencedBlock.FindAllStringSubmatchIndex(text, -1) {
		if overlaps(m[0], m[1]) {
			continue
		}
		ctx := context(m[0])
		path := lastPath(ctx)
		if path == "" {
			continue
		}
		kind := ChangeFileEdit
		if createMarker.MatchString(ctx) {
			kind = ChangeFileCreate
		}
		found = append(found, extracted{
			start: m[0],
			change: Change{
				Type:    kind,
				Path:    path,
				Content: text[m[2]:m[3]],
			},
		})
	}

	sort.SliceStable(found, func(i, j int) bool { return found[i].start < found[j].start })
	out := make([]Change, 0, len(found))
	for _, e := range found {
		out = append(out, e.change)
	}
	return out
}

// lastPath returns the last path-looking token in the prose before a
// block, or "" when none is mentioned.
func lastPath(context string) string {
	matches := pathToken.FindAllString(context, -1)
	if len(matches) == 0 {
		return ""
	}
	return matches[len(matches)-1]
}

func mustAtoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
