package allocate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/herdtools/herd/internal/db"
	herderrors "github.com/herdtools/herd/internal/errors"
	"github.com/herdtools/herd/internal/worker"
)

func newRegistry(t *testing.T) *worker.Registry {
	t.Helper()
	return worker.NewRegistry(nil)
}

func register(t *testing.T, r *worker.Registry, id, model string, tier worker.Complexity, caps ...worker.Capability) {
	t.Helper()
	set := make(map[worker.Capability]bool, len(caps))
	for _, c := range caps {
		set[c] = true
	}
	require.NoError(t, r.Register(&worker.Profile{
		ID:            id,
		Model:         model,
		Capabilities:  set,
		MaxComplexity: tier,
		MaxConcurrent: 2,
	}))
}

func newHistory(t *testing.T) *History {
	t.Helper()
	database, err := db.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	require.NoError(t, database.Migrate())
	return NewHistory(database)
}

func TestComplexityMatch(t *testing.T) {
	require.InDelta(t, 1.0, ComplexityMatch(worker.ComplexityMedium, worker.ComplexityMedium), 1e-9)
	require.InDelta(t, 0.7, ComplexityMatch(worker.ComplexityHigh, worker.ComplexityMedium), 1e-9)
	require.InDelta(t, 0.6, ComplexityMatch(worker.ComplexityCritical, worker.ComplexityMedium), 1e-9)
	require.InDelta(t, 0.0, ComplexityMatch(worker.ComplexityLow, worker.ComplexityMedium), 1e-9)
}

func TestScoreGate(t *testing.T) {
	p := &worker.Profile{
		ID:            "w1",
		Capabilities:  map[worker.Capability]bool{worker.CapCode: true},
		MaxComplexity: worker.ComplexityLow,
		MaxConcurrent: 1,
		SuccessRate:   1.0, PerformanceScore: 1.0,
	}
	req := &worker.Requirements{
		Complexity:   worker.ComplexityHigh,
		Capabilities: []worker.Capability{worker.CapCode},
	}
	require.Zero(t, Score(p, req), "under-qualified worker scores zero")
}

func TestScoreFormula(t *testing.T) {
	p := &worker.Profile{
		ID:               "w1",
		Capabilities:     map[worker.Capability]bool{worker.CapCode: true},
		Specializations:  map[worker.Capability]float64{worker.CapCode: 0.8},
		MaxComplexity:    worker.ComplexityMedium,
		MaxConcurrent:    2,
		ActiveTasks:      1,
		SuccessRate:      0.9,
		PerformanceScore: 1.5,
		State:            worker.StateBusy,
	}
	req := &worker.Requirements{
		Complexity:   worker.ComplexityMedium,
		Capabilities: []worker.Capability{worker.CapCode},
	}
	// 1.5 perf x 1.8 boost x 0.75 load factor x 0.9 success x 1.0 match
	require.InDelta(t, 1.5*1.8*0.75*0.9, Score(p, req), 1e-9)
}

func TestAllocatePicksHighestScore(t *testing.T) {
	reg := newRegistry(t)
	// Sonnet gets a code specialization boost, so it outranks the plain model.
	register(t, reg, "plain", "generic", worker.ComplexityMedium, worker.CapCode)
	register(t, reg, "boosted", "claude-sonnet", worker.ComplexityMedium, worker.CapCode)

	a := New(reg, nil, nil)
	req := &worker.Requirements{Complexity: worker.ComplexityMedium, Capabilities: []worker.Capability{worker.CapCode}}

	id, score, err := a.Allocate("1", req, "hybrid")
	require.NoError(t, err)
	require.Equal(t, "boosted", id)
	require.Greater(t, score, 0.0)
	require.Equal(t, 1, reg.Get("boosted").ActiveTasks)
}

func TestAllocateTieBreaksOnLoadThenID(t *testing.T) {
	reg := newRegistry(t)
	register(t, reg, "b", "generic", worker.ComplexityMedium, worker.CapCode)
	register(t, reg, "a", "generic", worker.ComplexityMedium, worker.CapCode)

	a := New(reg, nil, nil)
	req := &worker.Requirements{Complexity: worker.ComplexityMedium, Capabilities: []worker.Capability{worker.CapCode}}

	// Identical workers: lowest ID wins the first allocation.
	id, _, err := a.Allocate("1", req, "hybrid")
	require.NoError(t, err)
	require.Equal(t, "a", id)

	// "a" now carries load, so "b" wins despite the higher ID.
	id, _, err = a.Allocate("2", req, "hybrid")
	require.NoError(t, err)
	require.Equal(t, "b", id)
}

func TestAllocateNoWorker(t *testing.T) {
	reg := newRegistry(t)
	register(t, reg, "w1", "generic", worker.ComplexityLow, worker.CapCode)

	a := New(reg, nil, nil)
	req := &worker.Requirements{Complexity: worker.ComplexityCritical, Capabilities: []worker.Capability{worker.CapCode}}

	_, _, err := a.Allocate("1", req, "hybrid")
	require.Error(t, err)
	he := herderrors.AsHerdError(err)
	require.NotNil(t, he)
	require.Equal(t, herderrors.CodeNoWorker, he.Code)
}

func TestReleaseUpdatesMetricsAndHistory(t *testing.T) {
	reg := newRegistry(t)
	register(t, reg, "w1", "generic", worker.ComplexityMedium, worker.CapCode)
	hist := newHistory(t)
	a := New(reg, hist, nil)
	req := &worker.Requirements{Complexity: worker.ComplexityMedium, Capabilities: []worker.Capability{worker.CapCode}}

	id, _, err := a.Allocate("1", req, "hybrid")
	require.NoError(t, err)
	require.NoError(t, a.Release(id, "1", true, 20*time.Minute))

	require.Equal(t, 0, reg.Get("w1").ActiveTasks)
	require.Equal(t, 1, reg.Get("w1").TotalCompleted)

	records, err := hist.Recent(10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "1", records[0].TaskID)
	require.NotNil(t, records[0].Success)
	require.True(t, *records[0].Success)
	require.NotNil(t, records[0].DurationMinutes)
	require.InDelta(t, 20.0, *records[0].DurationMinutes, 1e-9)
}

func TestHistoricalFactorBoostsProvenWorker(t *testing.T) {
	hist := newHistory(t)
	now := time.Now()

	// Ten clean releases for "good", ten failures for "bad".
	for i := range 10 {
		taskID := string(rune('a' + i))
		require.NoError(t, hist.RecordAllocation(taskID, "good", 1.0, "hybrid",
			[]worker.Capability{worker.CapCode}, now))
		require.NoError(t, hist.RecordRelease(taskID, "good", true, 10, now))
		require.NoError(t, hist.RecordAllocation(taskID, "bad", 1.0, "hybrid",
			[]worker.Capability{worker.CapCode}, now))
		require.NoError(t, hist.RecordRelease(taskID, "bad", false, 10, now))
	}

	since := now.Add(-time.Hour)
	good, err := hist.WorkerStats("good", since)
	require.NoError(t, err)
	bad, err := hist.WorkerStats("bad", since)
	require.NoError(t, err)

	req := &worker.Requirements{
		Complexity:        worker.ComplexityMedium,
		Capabilities:      []worker.Capability{worker.CapCode},
		EstimatedDuration: 10 * time.Minute,
	}
	require.Greater(t, historicalFactor(good, req), 1.0)
	require.Less(t, historicalFactor(bad, req), 1.0)
	require.InDelta(t, 1.0, historicalFactor(nil, req), 1e-9, "no history is neutral")
}

func TestAllocateToNamedWorker(t *testing.T) {
	reg := newRegistry(t)
	register(t, reg, "w1", "generic", worker.ComplexityMedium, worker.CapCode)
	register(t, reg, "w2", "claude-sonnet", worker.ComplexityMedium, worker.CapCode)

	a := New(reg, nil, nil)
	req := &worker.Requirements{Complexity: worker.ComplexityMedium, Capabilities: []worker.Capability{worker.CapCode}}

	// Named allocation goes to w1 even though w2 scores higher.
	require.NoError(t, a.AllocateTo("1", "w1", req, "rule"))
	require.Equal(t, 1, reg.Get("w1").ActiveTasks)
	require.Equal(t, 0, reg.Get("w2").ActiveTasks)

	require.Error(t, a.AllocateTo("2", "ghost", req, "rule"))
}

func TestAnalyticsAggregatesFleet(t *testing.T) {
	hist := newHistory(t)
	now := time.Now()
	caps := []worker.Capability{worker.CapCode}

	require.NoError(t, hist.RecordAllocation("1", "w1", 1.0, "hybrid", caps, now))
	require.NoError(t, hist.RecordRelease("1", "w1", true, 10, now))
	require.NoError(t, hist.RecordAllocation("2", "w1", 1.0, "hybrid", caps, now))
	require.NoError(t, hist.RecordRelease("2", "w1", false, 20, now))
	require.NoError(t, hist.RecordAllocation("3", "w2", 1.0, "balanced", caps, now))

	a, err := hist.Analytics(now.Add(-time.Hour))
	require.NoError(t, err)
	require.Equal(t, 3, a.TotalAllocations)
	require.Equal(t, 2, a.Released)
	require.InDelta(t, 0.5, a.Efficiency, 1e-9)
	require.InDelta(t, 15.0, a.AvgDurationMin, 1e-9)
	require.Equal(t, 2, a.WorkerUsage["w1"])
	require.Equal(t, 1, a.WorkerUsage["w2"])
	require.Equal(t, 2, a.StrategyUsage["hybrid"])
}

func TestAnalyticsEmptyWindow(t *testing.T) {
	hist := newHistory(t)
	a, err := hist.Analytics(time.Now())
	require.NoError(t, err)
	require.Zero(t, a.TotalAllocations)
	require.Zero(t, a.Efficiency)
}
