package route

import (
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/herdtools/herd/internal/allocate"
	herderrors "github.com/herdtools/herd/internal/errors"
	"github.com/herdtools/herd/internal/task"
	"github.com/herdtools/herd/internal/worker"
)

// decisionLogSize bounds the in-memory decision ring.
const decisionLogSize = 1000

// Alternative is a worker the router considered but did not choose.
type Alternative struct {
	WorkerID string  `json:"worker_id"`
	Score    float64 `json:"score"`
}

// Decision records one routing outcome for observability.
type Decision struct {
	TaskID       string        `json:"task_id"`
	WorkerID     string        `json:"worker_id"`
	Strategy     string        `json:"strategy"` // "rule:<name>" or a strategy name
	Score        float64       `json:"score"`
	Alternatives []Alternative `json:"alternatives,omitempty"` // top 5 runners-up
	Rationale    string        `json:"rationale"`
	Timestamp    time.Time     `json:"timestamp"`
}

type strategyStats struct {
	total       int
	successes   int
	durationSum float64 // seconds
}

func (s *strategyStats) successRate() float64 {
	if s.total == 0 {
		return 0
	}
	return float64(s.successes) / float64(s.total)
}

// Router picks a worker for each task: an ordered rule list first, then
// the configured strategy as fallback.
type Router struct {
	registry  *worker.Registry
	allocator *allocate.Allocator
	log       *slog.Logger

	mu        sync.Mutex
	strategy  Strategy
	weights   map[Strategy]float64
	rules     []Rule
	decisions []Decision
	perf      map[Strategy]*strategyStats
}

// NewRouter returns a router with the built-in rules and default hybrid
// weights. An empty strategy selects hybrid.
func NewRouter(registry *worker.Registry, allocator *allocate.Allocator, strategy Strategy, log *slog.Logger) (*Router, error) {
	if strategy == "" {
		strategy = StrategyHybrid
	}
	if !IsValidStrategy(strategy) {
		return nil, herderrors.ErrValidation(fmt.Sprintf("unknown routing strategy %q", strategy), "")
	}
	if log == nil {
		log = slog.Default()
	}
	rules := DefaultRules()
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority > rules[j].Priority })
	return &Router{
		registry:  registry,
		allocator: allocator,
		log:       log,
		strategy:  strategy,
		weights:   DefaultWeights(),
		rules:     rules,
		perf:      make(map[Strategy]*strategyStats),
	}, nil
}

// AddRule inserts a custom rule, keeping the list sorted by priority.
func (r *Router) AddRule(rule Rule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = append(r.rules, rule)
	sort.SliceStable(r.rules, func(i, j int) bool { return r.rules[i].Priority > r.rules[j].Priority })
}

// Route selects and acquires a worker for the task. Rules are tried in
// priority order; a rule that matches but cannot be satisfied falls
// through. When no rule applies, the configured strategy decides.
func (r *Router) Route(t *task.Task) (*Decision, error) {
	taskID := strconv.Itoa(t.ID)
	req := worker.AnalyzeTask(t.Title, t.Description)

	r.mu.Lock()
	rules := r.rules
	strategy := r.strategy
	weights := cloneWeights(r.weights)
	r.mu.Unlock()

	for _, rule := range rules {
		if !rule.Matches(t) {
			continue
		}
		d, err := r.applyRule(rule, taskID, req)
		if err != nil {
			r.log.Debug("routing rule unsatisfiable, falling through",
				"task", taskID, "rule", rule.Name, "error", err)
			continue
		}
		r.recordDecision(d)
		return d, nil
	}

	d, err := r.applyStrategy(strategy, weights, taskID, req)
	if err != nil {
		return nil, err
	}
	r.recordDecision(d)
	return d, nil
}

// applyRule resolves one matched rule to a concrete allocation.
func (r *Router) applyRule(rule Rule, taskID string, req *worker.Requirements) (*Decision, error) {
	label := "rule:" + rule.Name

	switch {
	case rule.TargetWorker != "":
		if err := r.allocator.AllocateTo(taskID, rule.TargetWorker, req, label); err != nil {
			return nil, err
		}
		return &Decision{
			TaskID:    taskID,
			WorkerID:  rule.TargetWorker,
			Strategy:  label,
			Rationale: fmt.Sprintf("rule %s names worker %s", rule.Name, rule.TargetWorker),
			Timestamp: time.Now(),
		}, nil

	case rule.BestPerformance:
		best, alternatives := r.bestByPerformance(req)
		if best == "" {
			return nil, herderrors.ErrNoWorker(taskID)
		}
		if err := r.allocator.AllocateTo(taskID, best, req, label); err != nil {
			return nil, err
		}
		return &Decision{
			TaskID:       taskID,
			WorkerID:     best,
			Strategy:     label,
			Score:        r.registry.Get(best).PerformanceScore,
			Alternatives: alternatives,
			Rationale:    fmt.Sprintf("rule %s routes to the highest performance score", rule.Name),
			Timestamp:    time.Now(),
		}, nil

	default:
		scoped := *req
		if !hasCapability(scoped.Capabilities, rule.TargetCapability) {
			scoped.Capabilities = append(append([]worker.Capability(nil),
				scoped.Capabilities...), rule.TargetCapability)
		}
		candidates := r.allocator.Rank(&scoped)
		if len(candidates) == 0 {
			return nil, herderrors.ErrNoWorker(taskID)
		}
		best := candidates[0]
		if err := r.allocator.AllocateTo(taskID, best.WorkerID, &scoped, label); err != nil {
			return nil, err
		}
		return &Decision{
			TaskID:       taskID,
			WorkerID:     best.WorkerID,
			Strategy:     label,
			Score:        best.Score,
			Alternatives: topAlternatives(candidates[1:]),
			Rationale:    fmt.Sprintf("rule %s requires capability %s", rule.Name, rule.TargetCapability),
			Timestamp:    time.Now(),
		}, nil
	}
}

// applyStrategy scores every eligible worker under the strategy and
// allocates the winner. Ties break on lower load, then worker ID.
func (r *Router) applyStrategy(strategy Strategy, weights map[Strategy]float64, taskID string, req *worker.Requirements) (*Decision, error) {
	type scored struct {
		id    string
		score float64
		load  float64
	}
	var candidates []scored
	for _, p := range r.registry.All() {
		if !p.CanHandle(req) {
			continue
		}
		var score float64
		if strategy == StrategyHybrid {
			score = hybridScore(weights, p, req)
		} else {
			score = strategyScore(strategy, p, req)
		}
		candidates = append(candidates, scored{id: p.ID, score: score, load: p.CurrentLoad()})
	}
	if len(candidates) == 0 {
		return nil, herderrors.ErrNoWorker(taskID)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		if candidates[i].load != candidates[j].load {
			return candidates[i].load < candidates[j].load
		}
		return candidates[i].id < candidates[j].id
	})

	best := candidates[0]
	if err := r.allocator.AllocateTo(taskID, best.id, req, string(strategy)); err != nil {
		return nil, err
	}

	var alternatives []Alternative
	for _, c := range candidates[1:] {
		alternatives = append(alternatives, Alternative{WorkerID: c.id, Score: c.score})
		if len(alternatives) == 5 {
			break
		}
	}
	return &Decision{
		TaskID:       taskID,
		WorkerID:     best.id,
		Strategy:     string(strategy),
		Score:        best.score,
		Alternatives: alternatives,
		Rationale:    fmt.Sprintf("%s strategy selected %s (score %.3f)", strategy, best.id, best.score),
		Timestamp:    time.Now(),
	}, nil
}

// bestByPerformance returns the eligible worker with the highest
// performance score plus the runners-up.
func (r *Router) bestByPerformance(req *worker.Requirements) (string, []Alternative) {
	var eligible []*worker.Profile
	for _, p := range r.registry.All() {
		if p.CanHandle(req) {
			eligible = append(eligible, p)
		}
	}
	if len(eligible) == 0 {
		return "", nil
	}
	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].PerformanceScore != eligible[j].PerformanceScore {
			return eligible[i].PerformanceScore > eligible[j].PerformanceScore
		}
		return eligible[i].ID < eligible[j].ID
	})

	var alternatives []Alternative
	for _, p := range eligible[1:] {
		alternatives = append(alternatives, Alternative{WorkerID: p.ID, Score: p.PerformanceScore})
		if len(alternatives) == 5 {
			break
		}
	}
	return eligible[0].ID, alternatives
}

// recordDecision appends to the bounded decision ring.
func (r *Router) recordDecision(d *Decision) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.decisions) == decisionLogSize {
		r.decisions = append(r.decisions[1:], *d)
	} else {
		r.decisions = append(r.decisions, *d)
	}
}

// Decisions returns up to limit recorded decisions, newest first.
func (r *Router) Decisions(limit int) []Decision {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.decisions)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Decision, 0, n)
	for i := len(r.decisions) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, r.decisions[i])
	}
	return out
}

// UpdateRoutePerformance folds a task outcome into per-strategy stats.
// Rule decisions carry no strategy weight and are not tracked.
func (r *Router) UpdateRoutePerformance(taskID string, success bool, durationSec float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var strategy Strategy
	for i := len(r.decisions) - 1; i >= 0; i-- {
		if r.decisions[i].TaskID == taskID {
			s := Strategy(r.decisions[i].Strategy)
			if IsValidStrategy(s) {
				strategy = s
			}
			break
		}
	}
	if strategy == "" {
		return
	}

	stats, ok := r.perf[strategy]
	if !ok {
		stats = &strategyStats{}
		r.perf[strategy] = stats
	}
	stats.total++
	if success {
		stats.successes++
	}
	stats.durationSum += durationSec
}

// OptimizeWeights rebalances the hybrid blend toward base strategies with
// better observed success, blending 70% of the old weight with 30% of the
// observed rate, then normalizing so the weights sum to one.
func (r *Router) OptimizeWeights() map[Strategy]float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	updated := make(map[Strategy]float64, len(baseStrategies))
	var sum float64
	for _, s := range baseStrategies {
		effectiveness := 0.5
		if stats, ok := r.perf[s]; ok && stats.total > 0 {
			effectiveness = stats.successRate()
		}
		w := 0.7*r.weights[s] + 0.3*effectiveness
		updated[s] = w
		sum += w
	}
	if sum > 0 {
		for s := range updated {
			updated[s] /= sum
		}
	}
	r.weights = updated
	r.log.Info("rebalanced strategy weights", "weights", fmt.Sprintf("%v", updated))
	return cloneWeights(updated)
}

// Weights returns a copy of the current hybrid weights.
func (r *Router) Weights() map[Strategy]float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneWeights(r.weights)
}

func cloneWeights(in map[Strategy]float64) map[Strategy]float64 {
	out := make(map[Strategy]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func hasCapability(caps []worker.Capability, c worker.Capability) bool {
	for _, have := range caps {
		if have == c {
			return true
		}
	}
	return false
}

func topAlternatives(candidates []allocate.Candidate) []Alternative {
	var out []Alternative
	for _, c := range candidates {
		out = append(out, Alternative{WorkerID: c.WorkerID, Score: c.Score})
		if len(out) == 5 {
			break
		}
	}
	return out
}
