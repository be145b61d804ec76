package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	herderrors "github.com/herdtools/herd/internal/errors"
	"github.com/herdtools/herd/internal/task"
)

func TestParsePriority(t *testing.T) {
	cases := []struct {
		in      string
		want    task.Priority
		wantErr bool
	}{
		{"", task.DefaultPriority, false},
		{"low", 2, false},
		{"medium", task.DefaultPriority, false},
		{"HIGH", 8, false},
		{"7", 7, false},
		{"1", 1, false},
		{"10", 10, false},
		{"0", 0, true},
		{"11", 0, true},
		{"urgent", 0, true},
	}
	for _, tc := range cases {
		got, err := parsePriority(tc.in)
		if tc.wantErr {
			require.Error(t, err, "input %q", tc.in)
			continue
		}
		require.NoError(t, err, "input %q", tc.in)
		require.Equal(t, tc.want, got, "input %q", tc.in)
	}
}

func TestReadPlan(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plan.yaml")
	plan := `tasks:
  - title: Add the parser
    description: Implement the config file parser for the importer
    priority: high
  - title: Add parser tests
    description: Cover the parser with table tests
    dependencies: [1]
    tags: [testing]
`
	require.NoError(t, os.WriteFile(path, []byte(plan), 0644))

	reqs, err := readPlan(path)
	require.NoError(t, err)
	require.Len(t, reqs, 2)
	require.Equal(t, "Add the parser", reqs[0].Title)
	require.Equal(t, task.Priority(8), reqs[0].Priority)
	require.Equal(t, []int{1}, reqs[1].Dependencies)
	require.Equal(t, []string{"testing"}, reqs[1].Tags)
	require.Equal(t, task.DefaultPriority, reqs[1].Priority)
}

func TestReadPlanErrorsExitThree(t *testing.T) {
	dir := t.TempDir()

	_, err := readPlan(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
	require.True(t, errors.Is(err, errBadPlan))
	require.Equal(t, 3, ExitCode(err))

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("tasks: [\n"), 0644))
	_, err = readPlan(bad)
	require.True(t, errors.Is(err, errBadPlan))

	empty := filepath.Join(dir, "empty.yaml")
	require.NoError(t, os.WriteFile(empty, []byte("tasks: []\n"), 0644))
	_, err = readPlan(empty)
	require.True(t, errors.Is(err, errBadPlan))
}

func TestExitCodeMapping(t *testing.T) {
	require.Equal(t, 0, ExitCode(nil))
	require.Equal(t, 1, ExitCode(errors.New("plain")))
	require.Equal(t, 3, ExitCode(fmt.Errorf("%w: oops", errBadPlan)))
	require.Equal(t, 2, ExitCode(herderrors.ErrPlanRejected("cycle")))
	require.Equal(t, 130, ExitCode(herderrors.ErrInterrupted()))
}

func TestTruncate(t *testing.T) {
	require.Equal(t, "short", truncate("short", 10))
	require.Equal(t, "exactly", truncate("exactly", 7))
	require.Equal(t, "long st...", truncate("long string here", 10))
	require.Equal(t, "ab", truncate("abcdef", 2))
}

func TestFormatTimeAgo(t *testing.T) {
	now := time.Now()
	require.Equal(t, "just now", formatTimeAgo(now.Add(-30*time.Second)))
	require.Equal(t, "5m ago", formatTimeAgo(now.Add(-5*time.Minute)))
	require.Equal(t, "3h ago", formatTimeAgo(now.Add(-3*time.Hour)))
	old := now.Add(-48 * time.Hour)
	require.Equal(t, old.Local().Format("2006-01-02 15:04"), formatTimeAgo(old))
}

func TestFormatDuration(t *testing.T) {
	require.Equal(t, "45s", formatDuration(45*time.Second))
	require.Equal(t, "30m", formatDuration(30*time.Minute))
	require.Equal(t, "1.5h", formatDuration(90*time.Minute))
}

// runCommand executes the root command with args against a scratch dir.
func runCommand(t *testing.T, dir string, args ...string) error {
	t.Helper()
	rootCmd.SetArgs(append(args, "--dir", dir, "--plain"))
	return rootCmd.Execute()
}

func TestInitSubmitStatusRoundTrip(t *testing.T) {
	dir := t.TempDir()

	require.NoError(t, runCommand(t, dir, "init"))
	_, err := os.Stat(filepath.Join(dir, ".herd", "config.yaml"))
	require.NoError(t, err)

	// Re-running init without --force leaves the config alone.
	require.NoError(t, runCommand(t, dir, "init"))

	plan := filepath.Join(dir, "plan.yaml")
	require.NoError(t, os.WriteFile(plan, []byte(`tasks:
  - title: Write the readme file
    description: Produce a short readme describing the build steps
`), 0644))
	require.NoError(t, runCommand(t, dir, "submit", plan))

	require.NoError(t, runCommand(t, dir, "status"))
	require.NoError(t, runCommand(t, dir, "status", "1"))
	require.NoError(t, runCommand(t, dir, "workers"))
	require.NoError(t, runCommand(t, dir, "checkpoints"))

	err = runCommand(t, dir, "status", "42")
	require.Error(t, err)
	require.Equal(t, 2, ExitCode(err), "unknown task maps to a not-found error")
}

func TestSubmitRejectionExitsTwo(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, runCommand(t, dir, "init"))

	plan := filepath.Join(dir, "plan.yaml")
	require.NoError(t, os.WriteFile(plan, []byte(`tasks:
  - title: Write the readme file
    description: Produce a short readme describing the build steps
    dependencies: [99]
`), 0644))

	err := runCommand(t, dir, "submit", plan)
	require.Error(t, err)
	require.Equal(t, 2, ExitCode(err))
}
