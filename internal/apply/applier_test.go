package apply

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/herdtools/herd/internal/checkpoint"
)

func setupTree(t *testing.T, files map[string]string) string {
	t.Helper()
	workDir := t.TempDir()
	for path, content := range files {
		abs := filepath.Join(workDir, filepath.FromSlash(path))
		require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0755))
		require.NoError(t, os.WriteFile(abs, []byte(content), 0644))
	}
	return workDir
}

func newApplier(t *testing.T, workDir string, strategy Strategy) *Applier {
	t.Helper()
	a, err := New(workDir, strategy, nil, nil)
	require.NoError(t, err)
	return a
}

func readTree(t *testing.T, workDir, path string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(workDir, filepath.FromSlash(path)))
	require.NoError(t, err)
	return string(data)
}

func TestApplyCreatesAndEditsFiles(t *testing.T) {
	workDir := setupTree(t, map[string]string{"main.go": "package main\n"})
	a := newApplier(t, workDir, StrategyManual)

	text := "Create a new file util/helper.go:\n```go\npackage util\n```\n\n" +
		"Then main.go becomes:\n```go\npackage main\n\nfunc main() {}\n```\n"

	report, err := a.Apply("1", text)
	require.NoError(t, err)
	require.Equal(t, 2, report.Extracted)
	require.Equal(t, 2, report.Applied)
	require.Zero(t, report.Failed)
	require.Equal(t, []string{"main.go", "util/helper.go"}, report.ModifiedFiles)
	require.Equal(t, "package util\n", readTree(t, workDir, "util/helper.go"))
	require.Equal(t, "package main\n\nfunc main() {}\n", readTree(t, workDir, "main.go"))
}

func TestApplyExactReplace(t *testing.T) {
	workDir := setupTree(t, map[string]string{
		"calc.py": "def add(a, b):\n    return a - b\n",
	})
	a := newApplier(t, workDir, StrategyManual)

	text := "In calc.py replace:\n```\n    return a - b\n```\nwith:\n```\n    return a + b\n```\n"

	report, err := a.Apply("1", text)
	require.NoError(t, err)
	require.Equal(t, 1, report.Applied)
	require.Equal(t, "def add(a, b):\n    return a + b\n", readTree(t, workDir, "calc.py"))
}

func TestApplyFuzzyReplace(t *testing.T) {
	// The file uses tabs where the review quoted spaces; the fuzzy
	// matcher normalizes whitespace and still finds the block.
	workDir := setupTree(t, map[string]string{
		"calc.py": "def add(a, b):\n\treturn  a - b\n",
	})
	a := newApplier(t, workDir, StrategyManual)

	text := "In calc.py replace:\n```\n    return a - b\n```\nwith:\n```\n    return a + b\n```\n"

	report, err := a.Apply("1", text)
	require.NoError(t, err)
	require.Equal(t, 1, report.Applied)
	require.Contains(t, readTree(t, workDir, "calc.py"), "return a + b")
}

func TestApplyLineDirectives(t *testing.T) {
	workDir := setupTree(t, map[string]string{
		"list.txt": "one\ntwo\nthree\nfour\n",
	})
	a := newApplier(t, workDir, StrategyManual)

	report, err := a.Apply("1", "At list.txt:2 change 'two' to 'TWO'.\nDelete line 3 in list.txt.\n")
	require.NoError(t, err)
	require.Equal(t, 2, report.Applied)
	require.Equal(t, "one\nTWO\nfour\n", readTree(t, workDir, "list.txt"))
}

func TestApplyInsertAndRefactor(t *testing.T) {
	workDir := setupTree(t, map[string]string{
		"calc.py": "def mul(a, b):\n    return mul_impl(a, b)\n",
	})
	a := newApplier(t, workDir, StrategyManual)

	text := "Insert after line 1 in calc.py:\n```\n    # product of both operands\n```\n\n" +
		"Refactor function mul_impl to multiply in calc.py.\n"

	report, err := a.Apply("1", text)
	require.NoError(t, err)
	require.Equal(t, 2, report.Applied)
	require.Equal(t,
		"def mul(a, b):\n    # product of both operands\n    return multiply(a, b)\n",
		readTree(t, workDir, "calc.py"))
}

func TestValidationRejectsBadProposals(t *testing.T) {
	workDir := setupTree(t, map[string]string{"main.go": "package main\n"})
	a := newApplier(t, workDir, StrategyManual)

	text := "Create a new file main.go:\n```go\npackage main\n```\n\n" +
		"The missing.go file becomes:\n```go\npackage gone\n```\n\n" +
		"Create a new file conf.json:\n```json\n{not json}\n```\n"

	report, err := a.Apply("1", text)
	require.NoError(t, err)
	require.Equal(t, 3, report.Extracted)
	require.Zero(t, report.Applied)
	require.Len(t, report.ValidationErrors, 3)
}

func TestValidationBlocksDangerousContent(t *testing.T) {
	workDir := setupTree(t, map[string]string{"clean.sh": "echo ok\n"})
	a := newApplier(t, workDir, StrategyManual)

	text := "The clean.sh script becomes:\n```sh\nrm -rf /\n```\n"

	report, err := a.Apply("1", text)
	require.NoError(t, err)
	require.Zero(t, report.Applied)
	require.Len(t, report.ValidationErrors, 1)
	require.Contains(t, report.ValidationErrors[0], "blocked pattern")
	require.Equal(t, "echo ok\n", readTree(t, workDir, "clean.sh"))
}

func TestConflictManualDropsBothSides(t *testing.T) {
	workDir := setupTree(t, map[string]string{})
	a := newApplier(t, workDir, StrategyManual)

	text := "Create a new file conf.txt:\n```\nfirst\n```\n\n" +
		"Then edit the same conf.txt:\n```\nsecond\n```\n"

	report, err := a.Apply("1", text)
	require.NoError(t, err)
	require.Zero(t, report.Applied)
	require.Len(t, report.Conflicts, 1)
	require.Equal(t, "create_vs_edit", report.Conflicts[0].Kind)
	require.NoFileExists(t, filepath.Join(workDir, "conf.txt"))
}

func TestConflictPreferReviewKeepsLatest(t *testing.T) {
	workDir := setupTree(t, map[string]string{})
	a := newApplier(t, workDir, StrategyPreferReview)

	text := "Create a new file conf.txt:\n```\nfirst\n```\n\n" +
		"Then edit the same conf.txt:\n```\nsecond\n```\n"

	report, err := a.Apply("1", text)
	require.NoError(t, err)
	require.Equal(t, 1, report.Applied)
	require.Equal(t, "second\n", readTree(t, workDir, "conf.txt"))
}

func TestOverlappingLineRangesConflict(t *testing.T) {
	workDir := setupTree(t, map[string]string{
		"list.txt": "one\ntwo\nthree\nfour\nfive\n",
	})
	a := newApplier(t, workDir, StrategySkip)

	text := "Delete lines 2-4 in list.txt.\nDelete lines 3-5 in list.txt.\n"

	report, err := a.Apply("1", text)
	require.NoError(t, err)
	require.Len(t, report.Conflicts, 1)
	require.Equal(t, "overlapping_lines", report.Conflicts[0].Kind)
	require.Zero(t, report.Applied)
	require.Equal(t, "one\ntwo\nthree\nfour\nfive\n", readTree(t, workDir, "list.txt"))
}

func TestPartialFailureRollsBack(t *testing.T) {
	workDir := setupTree(t, map[string]string{
		"keep.txt": "original\n",
	})
	store, err := checkpoint.NewStore(workDir, filepath.Join(workDir, ".herd"), 0)
	require.NoError(t, err)
	a, err := New(workDir, StrategyManual, store, nil)
	require.NoError(t, err)

	// The edit succeeds, then the replace fails: nothing similar exists.
	text := "The keep.txt file becomes:\n```\nchanged\n```\n\n" +
		"In keep.txt replace:\n```\nzz qq ww\n```\nwith:\n```\nnever lands\n```\n"

	report, err := a.Apply("1", text)
	require.NoError(t, err)
	require.Equal(t, 1, report.Applied)
	require.Equal(t, 1, report.Failed)
	require.True(t, report.RolledBack)
	require.NotEmpty(t, report.CheckpointID)
	require.Equal(t, "original\n", readTree(t, workDir, "keep.txt"))
}

func TestUnknownStrategyRejected(t *testing.T) {
	_, err := New(t.TempDir(), Strategy("weird"), nil, nil)
	require.Error(t, err)
}
