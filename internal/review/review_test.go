package review

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/herdtools/herd/internal/result"
)

func successResult(output string) *result.WorkerResult {
	return &result.WorkerResult{
		TaskID:   "1",
		WorkerID: "w1",
		Status:   result.StatusSuccess,
		Output:   output,
	}
}

func findByRule(report *Report, rule string) []Finding {
	var out []Finding
	for _, f := range report.Findings {
		if f.Rule == rule {
			out = append(out, f)
		}
	}
	return out
}

func TestCleanResultPasses(t *testing.T) {
	files := map[string]string{
		"add.go": "package calc\n\nfunc add(a, b int) int {\n\treturn a + b\n}\n",
	}
	report := New(DefaultConfig(), nil).Review(successResult("All tests passed. Done."), files, "")

	require.Empty(t, report.Findings)
	require.Equal(t, 1.0, report.Score)
	require.True(t, report.Passed)
	require.False(t, report.FollowUp)
	require.Equal(t, 2, report.Output.Positive)
	require.Zero(t, report.Output.Negative)
}

func TestHardcodedSecretIsCritical(t *testing.T) {
	files := map[string]string{
		"conf.py": "password = \"hunter22\"\n",
	}
	report := New(DefaultConfig(), nil).Review(successResult(""), files, "")

	findings := findByRule(report, "hardcoded_secret")
	require.Len(t, findings, 1)
	require.Equal(t, SeverityCritical, findings[0].Severity)
	require.Equal(t, 1, findings[0].Line)
	require.InDelta(t, 0.9, report.Score, 1e-9)
	require.False(t, report.Passed)
	require.True(t, report.FollowUp)
	require.Contains(t, report.Recommendations, "address security findings before deployment")
}

func TestHighFindingsAgainstThreshold(t *testing.T) {
	files := map[string]string{
		"run.py": "eval(user_input)\nexec(payload)\n",
	}
	report := New(DefaultConfig(), nil).Review(successResult(""), files, "")

	require.Len(t, findByRule(report, "dynamic_execution"), 2)
	require.False(t, report.Passed, "two high findings exceed the default threshold of one")
	require.False(t, report.FollowUp, "follow-up needs more than two high findings")
	require.InDelta(t, 0.9, report.Score, 1e-9)
}

func TestFollowUpOnManyHighFindings(t *testing.T) {
	files := map[string]string{
		"run.py": "eval(a)\neval(b)\neval(c)\n",
	}
	report := New(DefaultConfig(), nil).Review(successResult(""), files, "")

	require.False(t, report.Passed)
	require.True(t, report.FollowUp)
}

func TestQuerySinkConcatenation(t *testing.T) {
	files := map[string]string{
		"db.py": "cursor.execute(\"select * from users where name = \" + name)\n",
	}
	report := New(DefaultConfig(), nil).Review(successResult(""), files, "")

	findings := findByRule(report, "unsafe_concatenation")
	require.Len(t, findings, 1)
	require.Equal(t, SeverityHigh, findings[0].Severity)
}

func TestStyleAndCompletenessFindings(t *testing.T) {
	long := strings.Repeat("x", 130)
	files := map[string]string{
		"work.go": "package work\n\n// TODO: handle the overflow case\nvar wide = \"" + long + "\"\n",
	}
	report := New(DefaultConfig(), nil).Review(successResult(""), files, "")

	require.Len(t, findByRule(report, "long_line"), 1)
	require.Len(t, findByRule(report, "todo_marker"), 1)
	require.True(t, report.Passed, "style findings alone never fail a review")
	require.Contains(t, report.Recommendations, "finish the work flagged as incomplete")
}

func TestManyParametersAndLongFunction(t *testing.T) {
	var b strings.Builder
	b.WriteString("def setup(a, b, c, d, e, f):\n")
	for range 60 {
		b.WriteString("    pass\n")
	}
	files := map[string]string{"setup.py": b.String()}
	report := New(DefaultConfig(), nil).Review(successResult(""), files, "")

	require.Len(t, findByRule(report, "many_parameters"), 1)
	require.Len(t, findByRule(report, "long_function"), 1)
}

func TestOversizedFileFlagged(t *testing.T) {
	files := map[string]string{
		"blob.txt": strings.Repeat("data ", 3000),
	}
	report := New(DefaultConfig(), nil).Review(successResult(""), files, "")

	require.Len(t, findByRule(report, "oversized_file"), 1)
}

func TestFailureMarkersInOutput(t *testing.T) {
	report := New(DefaultConfig(), nil).Review(successResult("error: build failed"), nil, "")

	require.Equal(t, 2, report.Output.Negative)
	require.Len(t, findByRule(report, "failure_markers"), 1)
	require.Contains(t, report.Recommendations,
		"inspect the worker output, failure markers outnumber success markers")
}

func TestIncompleteOutputFlagged(t *testing.T) {
	report := New(DefaultConfig(), nil).Review(successResult("core path works, rest is not implemented"), nil, "")

	require.Len(t, findByRule(report, "incomplete_output"), 1)
}

func TestExpectedOutputSimilarity(t *testing.T) {
	r := New(DefaultConfig(), nil)

	match := r.Review(successResult("wrote docs/guide.md with usage examples"), nil,
		"wrote docs/guide.md with usage examples")
	require.True(t, match.Output.HasSimilarity)
	require.Equal(t, 1.0, match.Output.Similarity)
	require.Empty(t, findByRule(match, "expectation_mismatch"))

	diverged := r.Review(successResult("qqqq zzzz vvvv"), nil,
		"wrote docs/guide.md with usage examples")
	require.Less(t, diverged.Output.Similarity, 0.5)
	require.Len(t, findByRule(diverged, "expectation_mismatch"), 1)
}

func TestFailedWorkerResultFinding(t *testing.T) {
	res := &result.WorkerResult{
		TaskID:       "7",
		WorkerID:     "w1",
		Status:       result.StatusFailed,
		ErrorMessage: "compile error",
	}
	report := New(DefaultConfig(), nil).Review(res, nil, "")

	findings := findByRule(report, "worker_failure")
	require.Len(t, findings, 1)
	require.Equal(t, SeverityHigh, findings[0].Severity)
}
