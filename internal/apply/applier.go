package apply

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/herdtools/herd/internal/checkpoint"
	herderrors "github.com/herdtools/herd/internal/errors"
	"github.com/herdtools/herd/internal/fuzzy"
)

// fuzzyThreshold is the lowest similarity at which a near-miss block
// still counts as the replacement target.
const fuzzyThreshold = 0.8

// Report summarizes one application run.
type Report struct {
	Extracted        int        `json:"extracted"`
	Applied          int        `json:"applied"`
	Failed           int        `json:"failed"`
	Conflicts        []Conflict `json:"conflicts,omitempty"`
	ValidationErrors []string   `json:"validation_errors,omitempty"`
	Failures         []string   `json:"failures,omitempty"`
	ModifiedFiles    []string   `json:"modified_files,omitempty"`
	CheckpointID     string     `json:"checkpoint_id,omitempty"`
	RolledBack       bool       `json:"rolled_back,omitempty"`
}

// Applier executes extracted changes against a working tree.
type Applier struct {
	workDir     string
	strategy    Strategy
	checkpoints *checkpoint.Store
	log         *slog.Logger
}

// New returns an applier rooted at workDir. checkpoints may be nil, in
// which case no pre-application snapshot is taken and failures cannot
// roll back.
func New(workDir string, strategy Strategy, checkpoints *checkpoint.Store, log *slog.Logger) (*Applier, error) {
	if strategy == "" {
		strategy = StrategyManual
	}
	if !IsValidStrategy(strategy) {
		return nil, herderrors.ErrValidation(
			fmt.Sprintf("unknown conflict strategy %q", strategy),
			"Use manual, prefer_review, prefer_current, merge or skip")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Applier{workDir: workDir, strategy: strategy, checkpoints: checkpoints, log: log}, nil
}

// Apply extracts changes from review text, validates them, resolves
// conflicts, and mutates the working tree. A per-change failure is
// recorded and the run continues; if anything failed after something
// was applied, the tree is rolled back to the pre-application snapshot.
func (a *Applier) Apply(taskID, reviewText string) (*Report, error) {
	changes := ExtractChanges(reviewText)
	report := &Report{Extracted: len(changes)}

	valid := make(map[int]bool, len(changes))
	pendingCreate := make(map[string]bool)
	for i := range changes {
		if err := a.validate(&changes[i], pendingCreate); err != nil {
			report.ValidationErrors = append(report.ValidationErrors, err.Error())
			continue
		}
		valid[i] = true
		if changes[i].Type == ChangeFileCreate {
			pendingCreate[changes[i].Path] = true
		}
	}

	var candidates []Change
	var candidateIdx []int
	for i, c := range changes {
		if valid[i] {
			candidates = append(candidates, c)
			candidateIdx = append(candidateIdx, i)
		}
	}
	report.Conflicts = detectConflicts(candidates)
	dropped := resolve(a.strategy, report.Conflicts)
	// Map conflict indexes back to the extracted list for reporting.
	for ci := range report.Conflicts {
		for j, idx := range report.Conflicts[ci].Indexes {
			report.Conflicts[ci].Indexes[j] = candidateIdx[idx]
		}
	}

	var runnable []Change
	for i, c := range candidates {
		if !dropped[i] {
			runnable = append(runnable, c)
		}
	}
	if len(runnable) == 0 {
		a.log.Info("nothing to apply", "task", taskID, "extracted", report.Extracted)
		return report, nil
	}

	if a.checkpoints != nil {
		id, err := a.checkpoints.Create(checkpoint.KindAuto,
			"pre-apply snapshot for task "+taskID, nil,
			map[string]string{"task_id": taskID, "phase": "pre_apply"})
		if err != nil {
			return report, err
		}
		report.CheckpointID = id
	}

	modified := make(map[string]bool)
	for _, c := range runnable {
		if err := a.applyChange(&c); err != nil {
			report.Failed++
			report.Failures = append(report.Failures, fmt.Sprintf("%s %s: %v", c.Type, c.Path, err))
			a.log.Warn("change failed", "task", taskID, "type", c.Type, "path", c.Path, "error", err)
			continue
		}
		report.Applied++
		modified[c.Path] = true
	}
	for path := range modified {
		report.ModifiedFiles = append(report.ModifiedFiles, path)
	}
	sort.Strings(report.ModifiedFiles)

	if report.Failed > 0 && report.Applied > 0 && report.CheckpointID != "" {
		if err := a.checkpoints.Rollback(report.CheckpointID, checkpoint.RollbackOptions{}); err != nil {
			return report, herderrors.ErrCheckpoint("rollback", report.CheckpointID, err)
		}
		report.RolledBack = true
	}

	a.log.Info("apply complete", "task", taskID, "applied", report.Applied,
		"failed", report.Failed, "rolled_back", report.RolledBack)
	return report, nil
}

func (a *Applier) applyChange(c *Change) error {
	abs := filepath.Join(a.workDir, filepath.FromSlash(c.Path))
	switch c.Type {
	case ChangeFileCreate:
		if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
			return err
		}
		return os.WriteFile(abs, []byte(c.Content), 0644)
	case ChangeFileEdit:
		return os.WriteFile(abs, []byte(c.Content), 0644)
	case ChangeCodeReplace:
		if c.Line > 0 {
			return a.replaceAtLine(abs, c)
		}
		return a.replaceBlock(abs, c)
	case ChangeLineDelete:
		return a.deleteLines(abs, c)
	case ChangeLineInsert:
		return a.insertLines(abs, c)
	case ChangeRefactor:
		return a.rename(abs, c)
	default:
		return herderrors.ErrValidation(fmt.Sprintf("unknown change type %q", c.Type), "")
	}
}

// replaceBlock tries an exact substring replace first, then a fuzzy
// line-window match with whitespace normalized.
func (a *Applier) replaceBlock(abs string, c *Change) error {
	data, err := os.ReadFile(abs)
	if err != nil {
		return err
	}
	content := string(data)
	if strings.Contains(content, c.Old) {
		return os.WriteFile(abs, []byte(strings.Replace(content, c.Old, c.New, 1)), 0644)
	}

	lines := strings.Split(content, "\n")
	oldLines := strings.Split(strings.TrimRight(c.Old, "\n"), "\n")
	window := len(oldLines)
	target := normalizeLines(oldLines)
	bestAt, bestScore := -1, 0.0
	for i := 0; i+window <= len(lines); i++ {
		score := fuzzy.Ratio(normalizeLines(lines[i:i+window]), target)
		if score > bestScore {
			bestAt, bestScore = i, score
		}
	}
	if bestScore < fuzzyThreshold {
		return fmt.Errorf("no block matches the replacement target (best %.0f%%)", bestScore*100)
	}
	newLines := strings.Split(strings.TrimRight(c.New, "\n"), "\n")
	out := append(append(append([]string{}, lines[:bestAt]...), newLines...), lines[bestAt+window:]...)
	return os.WriteFile(abs, []byte(strings.Join(out, "\n")), 0644)
}

func (a *Applier) replaceAtLine(abs string, c *Change) error {
	lines, err := readLines(abs)
	if err != nil {
		return err
	}
	if c.Line > len(lines) {
		return fmt.Errorf("line %d is past the end of the file", c.Line)
	}
	line := lines[c.Line-1]
	if !strings.Contains(line, c.Old) {
		return fmt.Errorf("line %d does not contain %q", c.Line, c.Old)
	}
	lines[c.Line-1] = strings.Replace(line, c.Old, c.New, 1)
	return writeLines(abs, lines)
}

func (a *Applier) deleteLines(abs string, c *Change) error {
	lines, err := readLines(abs)
	if err != nil {
		return err
	}
	end := lineEnd(*c)
	if c.Line < 1 || end > len(lines) {
		return fmt.Errorf("line range %d-%d is out of bounds", c.Line, end)
	}
	return writeLines(abs, append(lines[:c.Line-1], lines[end:]...))
}

func (a *Applier) insertLines(abs string, c *Change) error {
	lines, err := readLines(abs)
	if err != nil {
		return err
	}
	if c.Line < 0 || c.Line > len(lines) {
		return fmt.Errorf("line %d is out of bounds", c.Line)
	}
	inserted := strings.Split(strings.TrimRight(c.Content, "\n"), "\n")
	out := append(append(append([]string{}, lines[:c.Line]...), inserted...), lines[c.Line:]...)
	return writeLines(abs, out)
}

// rename rewrites identifier occurrences on word boundaries.
func (a *Applier) rename(abs string, c *Change) error {
	data, err := os.ReadFile(abs)
	if err != nil {
		return err
	}
	pattern := regexp.MustCompile(`\b` + regexp.QuoteMeta(c.Old) + `\b`)
	if !pattern.Match(data) {
		return fmt.Errorf("identifier %q not found", c.Old)
	}
	return os.WriteFile(abs, pattern.ReplaceAll(data, []byte(c.New)), 0644)
}

func readLines(abs string) ([]string, error) {
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, err
	}
	return strings.Split(string(data), "\n"), nil
}

func writeLines(abs string, lines []string) error {
	return os.WriteFile(abs, []byte(strings.Join(lines, "\n")), 0644)
}

func normalizeLines(lines []string) string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = strings.Join(strings.Fields(l), " ")
	}
	return strings.Join(out, "\n")
}
