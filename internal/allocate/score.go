// Package allocate selects the best worker for a task by scoring every
// registered worker against the task's requirements.
package allocate

import (
	"github.com/herdtools/herd/internal/worker"
)

// HistoricalStats summarizes a worker's recorded allocation outcomes.
type HistoricalStats struct {
	TotalTasks         int
	SuccessRate        float64
	AvgDurationMinutes float64
	CapabilityScores   map[worker.Capability]float64 // success rate per capability
}

// ComplexityMatch scores tier fit: 1.0 on an exact match, a decaying
// penalty per tier of over-qualification, zero when under-qualified.
func ComplexityMatch(workerTier, taskTier worker.Complexity) float64 {
	overshoot := workerTier.Level() - taskTier.Level()
	switch {
	case overshoot == 0:
		return 1.0
	case overshoot > 0:
		score := 0.8 - 0.1*float64(overshoot)
		if score < 0 {
			return 0
		}
		return score
	default:
		return 0
	}
}

// Score computes the base suitability of a worker for the requirements.
// Returns 0 when the can-handle gate fails.
func Score(p *worker.Profile, req *worker.Requirements) float64 {
	if !p.CanHandle(req) {
		return 0
	}

	boost := 0.0
	for _, c := range req.Capabilities {
		boost += p.Specializations[c]
	}

	return p.PerformanceScore *
		(1 + boost) *
		(1 - 0.5*p.CurrentLoad()) *
		p.SuccessRate *
		ComplexityMatch(p.MaxComplexity, req.Complexity)
}

// historicalFactor folds recorded outcomes into a score multiplier.
// Workers with no history get a neutral 1.0.
func historicalFactor(stats *HistoricalStats, req *worker.Requirements) float64 {
	if stats == nil || stats.TotalTasks == 0 {
		return 1.0
	}

	factor := 1.0
	switch {
	case stats.SuccessRate >= 0.9:
		factor *= 1.2
	case stats.SuccessRate <= 0.5:
		factor *= 0.8
	}

	if stats.AvgDurationMinutes > 0 && req.EstimatedDuration > 0 {
		estimated := req.EstimatedDuration.Minutes()
		switch {
		case stats.AvgDurationMinutes < estimated*0.8:
			factor *= 1.15
		case stats.AvgDurationMinutes > estimated*1.5:
			factor *= 0.85
		}
	}

	for _, c := range req.Capabilities {
		if capScore, ok := stats.CapabilityScores[c]; ok {
			// Scales the multiplier between 0.8 (always fails) and 1.2.
			factor *= 0.8 + capScore*0.4
		}
	}
	return factor
}
