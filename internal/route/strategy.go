package route

import (
	"github.com/herdtools/herd/internal/allocate"
	"github.com/herdtools/herd/internal/worker"
)

// Strategy names a worker-selection policy for the rule-less fallback path.
type Strategy string

const (
	StrategyCapability  Strategy = "capability_based"
	StrategyLoadBalance Strategy = "load_balanced"
	StrategyPerformance Strategy = "performance_optimized"
	StrategyComplexity  Strategy = "complexity_matched"
	StrategyHybrid      Strategy = "hybrid"
)

// IsValidStrategy returns true for a known strategy name.
func IsValidStrategy(s Strategy) bool {
	switch s {
	case StrategyCapability, StrategyLoadBalance, StrategyPerformance,
		StrategyComplexity, StrategyHybrid:
		return true
	default:
		return false
	}
}

// baseStrategies are the components the hybrid strategy blends.
var baseStrategies = []Strategy{
	StrategyCapability, StrategyLoadBalance, StrategyPerformance, StrategyComplexity,
}

// DefaultWeights returns the hybrid blend weights.
func DefaultWeights() map[Strategy]float64 {
	return map[Strategy]float64{
		StrategyCapability:  0.3,
		StrategyLoadBalance: 0.2,
		StrategyPerformance: 0.3,
		StrategyComplexity:  0.2,
	}
}

// strategyScore rates one worker for one base strategy, each in [0, 1]
// (capability scoring can exceed 1 with specialization boosts).
func strategyScore(s Strategy, p *worker.Profile, req *worker.Requirements) float64 {
	switch s {
	case StrategyCapability:
		if len(req.Capabilities) == 0 {
			return 0.5
		}
		matched := 0
		boost := 0.0
		for _, c := range req.Capabilities {
			if p.Capabilities[c] {
				matched++
			}
			boost += p.Specializations[c] * 0.2
		}
		return float64(matched)/float64(len(req.Capabilities)) + boost
	case StrategyLoadBalance:
		return 1 - p.CurrentLoad()
	case StrategyPerformance:
		return p.SuccessRate
	case StrategyComplexity:
		return allocate.ComplexityMatch(p.MaxComplexity, req.Complexity)
	default:
		return 0
	}
}

// hybridScore blends the four base strategies with the given weights.
func hybridScore(weights map[Strategy]float64, p *worker.Profile, req *worker.Requirements) float64 {
	total := 0.0
	for _, s := range baseStrategies {
		total += weights[s] * strategyScore(s, p, req)
	}
	return total
}
