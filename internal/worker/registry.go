package worker

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	herderrors "github.com/herdtools/herd/internal/errors"
)

const (
	// emaAlpha is the learning rate for the average duration EMA.
	emaAlpha = 0.1
	// successWindow bounds the rolling success rate.
	successWindow = 10
	// perfScoreMin and perfScoreMax clamp the performance multiplier.
	perfScoreMin = 0.5
	perfScoreMax = 2.0
)

// modelSpecializations maps a model family substring to capability boosts
// applied at registration. The table is tuning, not contract.
var modelSpecializations = []struct {
	match  string
	boosts map[Capability]float64
}{
	{"opus", map[Capability]float64{CapDesign: 0.8, CapResearch: 0.7, CapReview: 0.6}},
	{"sonnet", map[Capability]float64{CapCode: 0.8, CapRefactoring: 0.6, CapDebugging: 0.5}},
	{"haiku", map[Capability]float64{CapDocumentation: 0.6, CapTesting: 0.5}},
}

// Registry holds worker profiles keyed by worker ID and maintains the
// dynamic metrics updated on every completion.
type Registry struct {
	mu       sync.RWMutex
	workers  map[string]*Profile
	outcomes map[string][]float64

	log *slog.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		workers:  make(map[string]*Profile),
		outcomes: make(map[string][]float64),
		log:      log,
	}
}

// Register adds or replaces a worker profile. Specialization boosts are
// derived from the model name; re-registering resets dynamic metrics.
func (r *Registry) Register(p *Profile) error {
	if p.ID == "" {
		return herderrors.ErrValidation("worker ID is required", "")
	}
	if p.MaxConcurrent <= 0 {
		p.MaxConcurrent = 1
	}
	if p.MaxComplexity == "" {
		p.MaxComplexity = ComplexityHigh
	}
	for c := range p.Capabilities {
		if !IsValidCapability(c) {
			return herderrors.ErrValidation(fmt.Sprintf("unknown capability %q", c), "")
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.workers[p.ID]; exists {
		r.log.Warn("worker already registered, replacing profile", "worker", p.ID)
	}

	prof := p.Clone()
	prof.Specializations = specializationsFor(prof.Model)
	prof.State = StateIdle
	prof.ActiveTasks = 0
	prof.SuccessRate = 1.0
	prof.PerformanceScore = 1.0
	if prof.AvgDuration == 0 {
		prof.AvgDuration = 30 * time.Minute
	}
	prof.LastHeartbeat = time.Now()
	prof.IdleSince = time.Now()

	r.workers[prof.ID] = prof
	r.outcomes[prof.ID] = nil

	r.log.Info("registered worker", "worker", prof.ID, "model", prof.Model,
		"max_complexity", prof.MaxComplexity, "max_concurrent", prof.MaxConcurrent)
	return nil
}

// specializationsFor returns capability boosts for the first matching model
// family, or nil.
func specializationsFor(model string) map[Capability]float64 {
	lower := strings.ToLower(model)
	for _, entry := range modelSpecializations {
		if strings.Contains(lower, entry.match) {
			boosts := make(map[Capability]float64, len(entry.boosts))
			for k, v := range entry.boosts {
				boosts[k] = v
			}
			return boosts
		}
	}
	return nil
}

// Unregister removes a worker. Unknown IDs are reported as an error.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.workers[id]; !ok {
		return herderrors.ErrValidation(fmt.Sprintf("worker %s not registered", id), "")
	}
	delete(r.workers, id)
	delete(r.outcomes, id)
	r.log.Info("unregistered worker", "worker", id)
	return nil
}

// Get returns a copy of the worker's profile, or nil if unknown.
func (r *Registry) Get(id string) *Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.workers[id]
	if !ok {
		return nil
	}
	return p.Clone()
}

// All returns copies of every registered profile, in map order.
func (r *Registry) All() []*Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Profile, 0, len(r.workers))
	for _, p := range r.workers {
		out = append(out, p.Clone())
	}
	return out
}

// MarkState sets a worker's pool state.
func (r *Registry) MarkState(id string, state State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.workers[id]
	if !ok {
		return herderrors.ErrValidation(fmt.Sprintf("worker %s not registered", id), "")
	}
	if state == StateIdle && p.State != StateIdle {
		p.IdleSince = time.Now()
	}
	p.State = state
	return nil
}

// Heartbeat records a liveness signal from a worker.
func (r *Registry) Heartbeat(id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.workers[id]
	if !ok {
		return herderrors.ErrValidation(fmt.Sprintf("worker %s not registered", id), "")
	}
	p.LastHeartbeat = at
	return nil
}

// Acquire increments the worker's active-task counter. It fails when the
// worker is at capacity or unable to take work.
func (r *Registry) Acquire(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.workers[id]
	if !ok {
		return herderrors.ErrValidation(fmt.Sprintf("worker %s not registered", id), "")
	}
	if !p.IsAvailable() {
		return herderrors.ErrValidation(
			fmt.Sprintf("worker %s cannot take more tasks (state %s, active %d/%d)",
				id, p.State, p.ActiveTasks, p.MaxConcurrent), "")
	}
	p.ActiveTasks++
	p.State = StateBusy
	return nil
}

// RecordCompletion releases one active task and folds the outcome into the
// worker's metrics: duration EMA, rolling success rate over the last
// completions, and the multiplicative performance score.
func (r *Registry) RecordCompletion(id string, success bool, duration time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.workers[id]
	if !ok {
		return herderrors.ErrValidation(fmt.Sprintf("worker %s not registered", id), "")
	}

	if p.ActiveTasks > 0 {
		p.ActiveTasks--
	}
	if p.ActiveTasks == 0 && p.State == StateBusy {
		p.State = StateIdle
		p.IdleSince = time.Now()
	}

	if success {
		p.TotalCompleted++
		p.ConsecutiveErrs = 0
		if duration > 0 {
			p.AvgDuration = time.Duration(
				emaAlpha*float64(duration) + (1-emaAlpha)*float64(p.AvgDuration))
		}
		r.outcomes[id] = append(r.outcomes[id], 1.0)
	} else {
		p.ConsecutiveErrs++
		r.outcomes[id] = append(r.outcomes[id], 0.0)
	}

	recent := r.outcomes[id]
	if len(recent) > successWindow {
		recent = recent[len(recent)-successWindow:]
		r.outcomes[id] = recent
	}
	var sum float64
	for _, v := range recent {
		sum += v
	}
	p.SuccessRate = sum / float64(len(recent))

	switch {
	case p.SuccessRate >= 0.9:
		p.PerformanceScore = min(p.PerformanceScore*1.05, perfScoreMax)
	case p.SuccessRate <= 0.7:
		p.PerformanceScore = max(p.PerformanceScore*0.95, perfScoreMin)
	}

	r.log.Debug("recorded completion", "worker", id, "success", success,
		"success_rate", p.SuccessRate, "performance_score", p.PerformanceScore)
	return nil
}

// ConsecutiveErrors returns the worker's current consecutive-error count.
func (r *Registry) ConsecutiveErrors(id string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.workers[id]; ok {
		return p.ConsecutiveErrs
	}
	return 0
}
