package route

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/herdtools/herd/internal/allocate"
	"github.com/herdtools/herd/internal/task"
	"github.com/herdtools/herd/internal/worker"
)

func newRouter(t *testing.T, strategy Strategy) (*Router, *worker.Registry) {
	t.Helper()
	reg := worker.NewRegistry(nil)
	alloc := allocate.New(reg, nil, nil)
	r, err := NewRouter(reg, alloc, strategy, nil)
	require.NoError(t, err)
	return r, reg
}

func addWorker(t *testing.T, reg *worker.Registry, id, model string, caps ...worker.Capability) {
	t.Helper()
	set := make(map[worker.Capability]bool, len(caps))
	for _, c := range caps {
		set[c] = true
	}
	require.NoError(t, reg.Register(&worker.Profile{
		ID:            id,
		Model:         model,
		Capabilities:  set,
		MaxComplexity: worker.ComplexityCritical,
		MaxConcurrent: 4,
	}))
}

func TestDocumentationRuleRoutes(t *testing.T) {
	r, reg := newRouter(t, StrategyHybrid)
	addWorker(t, reg, "coder", "generic", worker.CapCode)
	addWorker(t, reg, "writer", "generic", worker.CapCode, worker.CapDocumentation)

	d, err := r.Route(&task.Task{ID: 1, Title: "Update the README", Priority: 5})
	require.NoError(t, err)
	require.Equal(t, "writer", d.WorkerID)
	require.Equal(t, "rule:documentation", d.Strategy)
}

func TestTestingRuleRoutes(t *testing.T) {
	r, reg := newRouter(t, StrategyHybrid)
	addWorker(t, reg, "coder", "generic", worker.CapCode)
	addWorker(t, reg, "tester", "generic", worker.CapCode, worker.CapTesting)

	d, err := r.Route(&task.Task{ID: 2, Title: "Add pytest suite", Priority: 5})
	require.NoError(t, err)
	require.Equal(t, "tester", d.WorkerID)
	require.Equal(t, "rule:testing", d.Strategy)
}

func TestCriticalRuleBeatsKeywordRules(t *testing.T) {
	r, reg := newRouter(t, StrategyHybrid)
	addWorker(t, reg, "strong", "generic", worker.CapCode, worker.CapTesting)
	addWorker(t, reg, "weak", "generic", worker.CapCode, worker.CapTesting)

	// Push "strong" to a higher performance score.
	for range 10 {
		require.NoError(t, reg.RecordCompletion("strong", true, 0))
	}

	// Title matches the testing rule too, but priority 100 wins.
	d, err := r.Route(&task.Task{ID: 3, Title: "Fix the test runner now", Priority: 9})
	require.NoError(t, err)
	require.Equal(t, "rule:critical_priority", d.Strategy)
	require.Equal(t, "strong", d.WorkerID)
}

func TestUnsatisfiableRuleFallsThrough(t *testing.T) {
	r, reg := newRouter(t, StrategyHybrid)
	addWorker(t, reg, "coder", "generic", worker.CapCode)

	// A top-priority rule naming a worker that is not registered must not
	// block routing.
	r.AddRule(Rule{
		Name:         "pinned",
		Priority:     200,
		Matches:      func(*task.Task) bool { return true },
		TargetWorker: "ghost",
	})

	d, err := r.Route(&task.Task{ID: 4, Title: "Implement a parser", Priority: 5})
	require.NoError(t, err)
	require.Equal(t, "coder", d.WorkerID)
	require.Equal(t, string(StrategyHybrid), d.Strategy)
}

func TestLoadBalancedStrategy(t *testing.T) {
	r, reg := newRouter(t, StrategyLoadBalance)
	addWorker(t, reg, "busy", "generic", worker.CapCode)
	addWorker(t, reg, "free", "generic", worker.CapCode)
	require.NoError(t, reg.Acquire("busy"))

	d, err := r.Route(&task.Task{ID: 5, Title: "Implement a parser", Priority: 5})
	require.NoError(t, err)
	require.Equal(t, "free", d.WorkerID)
	require.Equal(t, string(StrategyLoadBalance), d.Strategy)
}

func TestRouteNoWorker(t *testing.T) {
	r, _ := newRouter(t, StrategyHybrid)
	_, err := r.Route(&task.Task{ID: 6, Title: "Implement a parser", Priority: 5})
	require.Error(t, err)
}

func TestDecisionLogBounded(t *testing.T) {
	r, reg := newRouter(t, StrategyHybrid)
	addWorker(t, reg, "w1", "generic", worker.CapCode)

	for i := range decisionLogSize + 50 {
		d, err := r.Route(&task.Task{ID: i + 1, Title: "Implement a thing", Priority: 5})
		require.NoError(t, err)
		// Free the slot so the next route succeeds.
		require.NoError(t, reg.RecordCompletion(d.WorkerID, true, 0))
	}

	all := r.Decisions(0)
	require.Len(t, all, decisionLogSize)
	// Newest first; the oldest 50 were evicted.
	require.Equal(t, "1050", all[0].TaskID)
	require.Equal(t, "51", all[len(all)-1].TaskID)
}

func TestDecisionRecordsAlternatives(t *testing.T) {
	r, reg := newRouter(t, StrategyHybrid)
	for _, id := range []string{"w1", "w2", "w3", "w4", "w5", "w6", "w7"} {
		addWorker(t, reg, id, "generic", worker.CapCode)
	}

	d, err := r.Route(&task.Task{ID: 7, Title: "Implement a parser", Priority: 5})
	require.NoError(t, err)
	require.Len(t, d.Alternatives, 5, "alternatives capped at five")
	for _, alt := range d.Alternatives {
		require.NotEqual(t, d.WorkerID, alt.WorkerID)
	}
}

func TestOptimizeWeightsShiftsTowardSuccess(t *testing.T) {
	r, reg := newRouter(t, StrategyLoadBalance)
	addWorker(t, reg, "w1", "generic", worker.CapCode)

	// Record successful outcomes attributed to the load_balanced strategy.
	for i := range 5 {
		d, err := r.Route(&task.Task{ID: i + 1, Title: "Implement a thing", Priority: 5})
		require.NoError(t, err)
		require.NoError(t, reg.RecordCompletion(d.WorkerID, true, 0))
		r.UpdateRoutePerformance(d.TaskID, true, 60)
	}

	before := r.Weights()
	after := r.OptimizeWeights()

	require.Greater(t, after[StrategyLoadBalance], before[StrategyLoadBalance],
		"successful strategy gains weight")

	var sum float64
	for _, w := range after {
		sum += w
	}
	require.InDelta(t, 1.0, sum, 1e-9, "weights stay normalized")
}

func TestUpdateRoutePerformanceIgnoresRuleDecisions(t *testing.T) {
	r, reg := newRouter(t, StrategyHybrid)
	addWorker(t, reg, "writer", "generic", worker.CapDocumentation)

	d, err := r.Route(&task.Task{ID: 1, Title: "Update the README", Priority: 5})
	require.NoError(t, err)
	require.Equal(t, "rule:documentation", d.Strategy)

	r.UpdateRoutePerformance(d.TaskID, true, 30)
	require.Empty(t, r.perf, "rule decisions carry no strategy stats")
}
