package allocate

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	herderrors "github.com/herdtools/herd/internal/errors"
	"github.com/herdtools/herd/internal/worker"
)

// historyWindow bounds how far back historical factors look.
const historyWindow = 7 * 24 * time.Hour

// Candidate is one scored worker, used for ranking and for decision logs.
type Candidate struct {
	WorkerID string
	Score    float64
	Load     float64
}

// Allocator scores registered workers against task requirements and
// allocates the best one. History is optional; without it allocation
// still works, just without historical factors.
type Allocator struct {
	registry *worker.Registry
	history  *History
	log      *slog.Logger

	// Serializes score-then-acquire so two concurrent allocations cannot
	// both pick the last slot on the same worker.
	mu sync.Mutex
}

// New returns an allocator over the given registry. history may be nil.
func New(registry *worker.Registry, history *History, log *slog.Logger) *Allocator {
	if log == nil {
		log = slog.Default()
	}
	return &Allocator{registry: registry, history: history, log: log}
}

// Rank scores every worker that passes the can-handle gate, best first.
// Ties break on lower load, then worker ID. A gated-in worker with a zero
// score (for example a zero rolling success rate) still ranks.
func (a *Allocator) Rank(req *worker.Requirements) []Candidate {
	var out []Candidate
	for _, p := range a.registry.All() {
		if !p.CanHandle(req) {
			continue
		}
		score := Score(p, req)
		if a.history != nil {
			stats, err := a.history.WorkerStats(p.ID, time.Now().Add(-historyWindow))
			if err != nil {
				a.log.Debug("historical stats unavailable", "worker", p.ID, "error", err)
			} else {
				score *= historicalFactor(stats, req)
			}
		}
		out = append(out, Candidate{WorkerID: p.ID, Score: score, Load: p.CurrentLoad()})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].Load != out[j].Load {
			return out[i].Load < out[j].Load
		}
		return out[i].WorkerID < out[j].WorkerID
	})
	return out
}

// Allocate picks the best worker for the task, acquires a slot on it, and
// records the decision. strategy labels the caller's selection mode for
// the history log.
func (a *Allocator) Allocate(taskID string, req *worker.Requirements, strategy string) (string, float64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	candidates := a.Rank(req)
	if len(candidates) == 0 {
		return "", 0, herderrors.ErrNoWorker(taskID)
	}

	best := candidates[0]
	if err := a.registry.Acquire(best.WorkerID); err != nil {
		return "", 0, err
	}
	if a.history != nil {
		if err := a.history.RecordAllocation(taskID, best.WorkerID, best.Score, strategy, req.Capabilities, time.Now()); err != nil {
			a.log.Warn("failed to record allocation", "task", taskID, "error", err)
		}
	}

	a.log.Info("allocated worker", "task", taskID, "worker", best.WorkerID,
		"score", best.Score, "complexity", req.Complexity)
	return best.WorkerID, best.Score, nil
}

// AllocateTo acquires a slot on a specific worker, bypassing scoring.
// Used by rule-based routing when a rule names a worker directly.
func (a *Allocator) AllocateTo(taskID, workerID string, req *worker.Requirements, strategy string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	p := a.registry.Get(workerID)
	if p == nil {
		return herderrors.ErrValidation("worker "+workerID+" not registered", "")
	}
	if !p.CanHandle(req) {
		return herderrors.ErrNoWorker(taskID)
	}
	if err := a.registry.Acquire(workerID); err != nil {
		return err
	}
	if a.history != nil {
		if err := a.history.RecordAllocation(taskID, workerID, Score(p, req), strategy, req.Capabilities, time.Now()); err != nil {
			a.log.Warn("failed to record allocation", "task", taskID, "error", err)
		}
	}
	return nil
}

// Release returns the worker's slot, forwards the outcome to the registry
// metrics, and closes the history record.
func (a *Allocator) Release(workerID, taskID string, success bool, duration time.Duration) error {
	if err := a.registry.RecordCompletion(workerID, success, duration); err != nil {
		return err
	}
	if a.history != nil {
		if err := a.history.RecordRelease(taskID, workerID, success, duration.Minutes(), time.Now()); err != nil {
			a.log.Warn("failed to record release", "task", taskID, "error", err)
		}
	}
	a.log.Info("released worker", "task", taskID, "worker", workerID, "success", success)
	return nil
}
