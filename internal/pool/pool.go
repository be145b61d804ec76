// Package pool manages a set of workers, a priority task queue, and the
// autoscaling and health loop for one worker pool.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/herdtools/herd/internal/allocate"
	"github.com/herdtools/herd/internal/config"
	herderrors "github.com/herdtools/herd/internal/errors"
	"github.com/herdtools/herd/internal/events"
	"github.com/herdtools/herd/internal/task"
	"github.com/herdtools/herd/internal/worker"
)

// Provisioner creates worker profiles when the pool scales up. The pool
// registers whatever the provisioner returns.
type Provisioner interface {
	Spawn(n int) ([]*worker.Profile, error)
}

// ProvisionerFunc adapts a function to the Provisioner interface.
type ProvisionerFunc func(n int) ([]*worker.Profile, error)

func (f ProvisionerFunc) Spawn(n int) ([]*worker.Profile, error) { return f(n) }

// SelectorFunc picks and acquires a worker for a task. It returns the
// worker ID, the selection score, and a strategy label for events. It
// must acquire the slot through the pool's allocator so Complete can
// release it, and must fail with a no-worker error when nothing is
// free so the pool queues the task.
type SelectorFunc func(t *task.Task, req *worker.Requirements) (workerID string, score float64, strategy string, err error)

// Pool owns worker membership for one pool: assignment, queueing,
// autoscaling, idle reaping, and health marking.
type Pool struct {
	name        string
	cfg         config.PoolConfig
	registry    *worker.Registry
	allocator   *allocate.Allocator
	provisioner Provisioner
	pub         events.Publisher
	log         *slog.Logger

	// onAssign fires when a previously queued task gets a worker.
	onAssign func(taskID, workerID string)

	// selector overrides plain allocation, letting a router pick the
	// worker. Nil means allocate directly.
	selector SelectorFunc

	mu            sync.Mutex
	queueSeq      uint64
	queue         taskQueue
	assignments   map[string]string          // task ID -> worker ID
	workerTasks   map[string]map[string]bool // worker ID -> active task IDs
	lastScaleUp   time.Time
	lastScaleDown time.Time
}

// New builds a pool and spawns the initial minimum worker set.
func New(name string, cfg config.PoolConfig, registry *worker.Registry, allocator *allocate.Allocator, provisioner Provisioner, pub events.Publisher, log *slog.Logger) (*Pool, error) {
	if pub == nil {
		pub = events.NewNopPublisher()
	}
	if log == nil {
		log = slog.Default()
	}
	p := &Pool{
		name:        name,
		cfg:         cfg,
		registry:    registry,
		allocator:   allocator,
		provisioner: provisioner,
		pub:         pub,
		log:         log,
		assignments: make(map[string]string),
		workerTasks: make(map[string]map[string]bool),
	}
	if provisioner != nil && cfg.MinWorkers > 0 {
		if err := p.spawn(cfg.MinWorkers); err != nil {
			return nil, fmt.Errorf("spawn initial workers: %w", err)
		}
	}
	return p, nil
}

// SetOnAssign installs the callback fired when a queued task drains to a
// worker. Must be set before Run.
func (p *Pool) SetOnAssign(fn func(taskID, workerID string)) {
	p.onAssign = fn
}

// SetSelector installs a custom worker selector. Must be set before any
// assignment.
func (p *Pool) SetSelector(fn SelectorFunc) {
	p.selector = fn
}

// selectWorker runs the configured selector, or the allocator directly.
func (p *Pool) selectWorker(t *task.Task, req *worker.Requirements) (string, float64, string, error) {
	if p.selector != nil {
		return p.selector(t, req)
	}
	id, score, err := p.allocator.Allocate(strconv.Itoa(t.ID), req, "pool")
	return id, score, "pool", err
}

// spawn asks the provisioner for n workers and registers them.
func (p *Pool) spawn(n int) error {
	profiles, err := p.provisioner.Spawn(n)
	if err != nil {
		return err
	}
	for _, prof := range profiles {
		if err := p.registry.Register(prof); err != nil {
			return err
		}
	}
	return nil
}

// Assign routes the task to a worker, or queues it when none is free.
// Returns the worker ID, or queued=true when the task went to the queue.
func (p *Pool) Assign(t *task.Task) (workerID string, queued bool, err error) {
	taskID := strconv.Itoa(t.ID)
	req := worker.AnalyzeTask(t.Title, t.Description)

	p.mu.Lock()
	defer p.mu.Unlock()

	workerID, score, strategy, err := p.selectWorker(t, req)
	if err != nil {
		var he *herderrors.HerdError
		if errors.As(err, &he) && he.Code == herderrors.CodeNoWorker {
			p.queueSeq++
			p.queue.push(&queueItem{
				task:       t.Clone(),
				req:        req,
				priority:   int(t.Priority),
				enqueuedAt: time.Now(),
				seq:        p.queueSeq,
			})
			p.pub.Publish(events.NewEvent(events.EventQueued, taskID, nil))
			p.log.Info("queued task, no worker available", "task", taskID, "queue_len", p.queue.Len())
			return "", true, nil
		}
		return "", false, err
	}

	p.recordAssignmentLocked(taskID, workerID)
	p.pub.Publish(events.NewEvent(events.EventAssigned, taskID, events.AssignmentData{
		WorkerID: workerID,
		Strategy: strategy,
		Score:    score,
	}))
	return workerID, false, nil
}

func (p *Pool) recordAssignmentLocked(taskID, workerID string) {
	p.assignments[taskID] = workerID
	if p.workerTasks[workerID] == nil {
		p.workerTasks[workerID] = make(map[string]bool)
	}
	p.workerTasks[workerID][taskID] = true
}

// Complete finishes an assignment: releases the worker, applies the
// failure threshold, and drains the queue onto freed capacity.
func (p *Pool) Complete(taskID, workerID string, success bool, duration time.Duration, errMsg string) error {
	p.mu.Lock()

	delete(p.assignments, taskID)
	if tasks := p.workerTasks[workerID]; tasks != nil {
		delete(tasks, taskID)
		if len(tasks) == 0 {
			delete(p.workerTasks, workerID)
		}
	}

	if err := p.allocator.Release(workerID, taskID, success, duration); err != nil {
		p.mu.Unlock()
		return err
	}

	if !success && p.cfg.FailureThreshold > 0 &&
		p.registry.ConsecutiveErrors(workerID) >= p.cfg.FailureThreshold {
		p.markWorkerLocked(workerID, worker.StateFailed, "consecutive errors reached failure threshold")
	}

	p.pub.Publish(events.NewEvent(events.EventComplete, taskID, events.CompleteData{
		Status:   completionStatus(success),
		WorkerID: workerID,
		Duration: duration.String(),
	}))
	if errMsg != "" {
		p.pub.Publish(events.NewEvent(events.EventError, taskID, events.ErrorData{Message: errMsg}))
	}

	drained := p.drainLocked()
	p.mu.Unlock()

	p.notifyAssigned(drained)
	return nil
}

func completionStatus(success bool) string {
	if success {
		return "success"
	}
	return "failed"
}

type drainedAssignment struct {
	taskID   string
	workerID string
}

// drainLocked assigns queued tasks to free workers, highest priority
// first, until the queue empties or no worker can take the next task.
func (p *Pool) drainLocked() []drainedAssignment {
	var out []drainedAssignment
	for p.queue.Len() > 0 {
		next := p.queue.peek()
		taskID := strconv.Itoa(next.task.ID)
		workerID, score, strategy, err := p.selectWorker(next.task, next.req)
		if err != nil {
			break
		}
		p.queue.pop()
		p.recordAssignmentLocked(taskID, workerID)
		p.pub.Publish(events.NewEvent(events.EventAssigned, taskID, events.AssignmentData{
			WorkerID: workerID,
			Strategy: strategy,
			Score:    score,
		}))
		out = append(out, drainedAssignment{taskID: taskID, workerID: workerID})
	}
	return out
}

func (p *Pool) notifyAssigned(drained []drainedAssignment) {
	if p.onAssign == nil {
		return
	}
	for _, d := range drained {
		p.onAssign(d.taskID, d.workerID)
	}
}

// markWorkerLocked sets a worker state and broadcasts the change.
func (p *Pool) markWorkerLocked(workerID string, state worker.State, reason string) {
	prof := p.registry.Get(workerID)
	if prof == nil || prof.State == state {
		return
	}
	if err := p.registry.MarkState(workerID, state); err != nil {
		p.log.Warn("failed to mark worker state", "worker", workerID, "error", err)
		return
	}
	p.pub.Publish(events.NewEvent(events.EventWorkerState, events.GlobalTaskID, events.WorkerStateData{
		WorkerID: workerID,
		From:     string(prof.State),
		To:       string(state),
		Reason:   reason,
	}))
}

// Stats is a point-in-time snapshot of the pool.
type Stats struct {
	Name        string  `json:"name"`
	Workers     int     `json:"workers"`
	Busy        int     `json:"busy"`
	ActiveTasks int     `json:"active_tasks"`
	QueueLen    int     `json:"queue_len"`
	Utilization float64 `json:"utilization"`
}

// Stats snapshots current membership, load, and queue depth.
func (p *Pool) Stats() Stats {
	s := Stats{Name: p.name, QueueLen: p.QueueLen()}
	for _, prof := range p.registry.All() {
		s.Workers++
		if prof.State == worker.StateBusy {
			s.Busy++
		}
		s.ActiveTasks += prof.ActiveTasks
	}
	if s.Workers > 0 {
		s.Utilization = float64(s.Busy) / float64(s.Workers)
	}
	return s
}

// QueueLen returns the number of queued tasks.
func (p *Pool) QueueLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.Len()
}

// Utilization returns busy workers over total, 0 for an empty pool.
func (p *Pool) Utilization() float64 {
	workers := p.registry.All()
	if len(workers) == 0 {
		return 0
	}
	busy := 0
	for _, w := range workers {
		if w.State == worker.StateBusy {
			busy++
		}
	}
	return float64(busy) / float64(len(workers))
}

// Remove deregisters a worker. With force, its active tasks are completed
// as failures first; without force a busy worker is refused.
func (p *Pool) Remove(workerID string, force bool) error {
	p.mu.Lock()
	tasks := make([]string, 0, len(p.workerTasks[workerID]))
	for id := range p.workerTasks[workerID] {
		tasks = append(tasks, id)
	}
	p.mu.Unlock()

	if len(tasks) > 0 {
		if !force {
			return herderrors.ErrValidation(
				fmt.Sprintf("worker %s has %d active tasks", workerID, len(tasks)),
				"Use force to cancel them")
		}
		for _, taskID := range tasks {
			if err := p.Complete(taskID, workerID, false, 0, "worker removed"); err != nil {
				return err
			}
		}
	}
	return p.registry.Unregister(workerID)
}

// Run drives the monitor loop until the context is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	interval := p.cfg.HealthCheckInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.tick(time.Now())
		}
	}
}

// tick runs one monitor pass: health checks, autoscaling, idle reaping.
func (p *Pool) tick(now time.Time) {
	p.checkHealth(now)
	p.autoscale(now)
	p.reapIdle(now)
}

// checkHealth marks stale-heartbeat workers offline and error-ridden
// workers failed.
func (p *Pool) checkHealth(now time.Time) {
	staleAfter := 2 * p.cfg.HealthCheckInterval
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.registry.All() {
		if w.State == worker.StateFailed || w.State == worker.StateOffline {
			continue
		}
		if staleAfter > 0 && now.Sub(w.LastHeartbeat) > staleAfter {
			p.markWorkerLocked(w.ID, worker.StateOffline, "heartbeat stale")
			continue
		}
		if p.cfg.FailureThreshold > 0 && w.ConsecutiveErrs >= p.cfg.FailureThreshold {
			p.markWorkerLocked(w.ID, worker.StateFailed, "consecutive errors reached failure threshold")
		}
	}
}

// autoscale applies the scale-up and scale-down policies.
func (p *Pool) autoscale(now time.Time) {
	if p.provisioner == nil {
		return
	}
	utilization := p.Utilization()

	p.mu.Lock()
	total := len(p.registry.All())
	queueLen := p.queue.Len()

	if utilization > p.cfg.ScaleUpThreshold && total < p.cfg.MaxWorkers &&
		now.Sub(p.lastScaleUp) > p.cfg.ScaleUpCooldown {
		n := p.scaleUpCount(queueLen, p.cfg.MaxWorkers-total)
		if err := p.spawn(n); err != nil {
			p.log.Error("scale up failed", "pool", p.name, "error", err)
			p.mu.Unlock()
			return
		}
		p.lastScaleUp = now
		p.pub.Publish(events.NewEvent(events.EventScaleUp, events.GlobalTaskID, events.ScaleData{
			Pool: p.name, Delta: n, Total: total + n, Utilization: utilization,
		}))
		p.log.Info("scaled up", "pool", p.name, "added", n, "total", total+n)
		drained := p.drainLocked()
		p.mu.Unlock()
		p.notifyAssigned(drained)
		return
	}

	if utilization < p.cfg.ScaleDownThreshold && total > p.cfg.MinWorkers &&
		now.Sub(p.lastScaleDown) > p.cfg.ScaleDownCooldown {
		if id := p.idleWorkerLocked(); id != "" {
			if err := p.registry.Unregister(id); err == nil {
				p.lastScaleDown = now
				p.pub.Publish(events.NewEvent(events.EventScaleDown, events.GlobalTaskID, events.ScaleData{
					Pool: p.name, Delta: -1, Total: total - 1, Utilization: utilization,
				}))
				p.log.Info("scaled down", "pool", p.name, "removed", id, "total", total-1)
			}
		}
	}
	p.mu.Unlock()
}

// scaleUpCount sizes a scale-up by policy, never exceeding the gap to max.
func (p *Pool) scaleUpCount(queueLen, gap int) int {
	var n int
	switch p.cfg.Policy {
	case config.PolicyConservative:
		n = 1
	case config.PolicyAggressive:
		n = int(math.Ceil(float64(queueLen) / 2))
		if n < 1 {
			n = 1
		}
	default: // balanced
		n = 2
	}
	if n > gap {
		n = gap
	}
	return n
}

// idleWorkerLocked returns the idle worker with the oldest idle time.
func (p *Pool) idleWorkerLocked() string {
	var best string
	var bestIdle time.Time
	for _, w := range p.registry.All() {
		if w.State != worker.StateIdle || w.ActiveTasks > 0 {
			continue
		}
		if best == "" || w.IdleSince.Before(bestIdle) {
			best = w.ID
			bestIdle = w.IdleSince
		}
	}
	return best
}

// reapIdle removes workers idle longer than max_idle_time, never dropping
// below the minimum.
func (p *Pool) reapIdle(now time.Time) {
	if p.cfg.MaxIdleTime <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.registry.All() {
		if len(p.registry.All()) <= p.cfg.MinWorkers {
			return
		}
		if w.State != worker.StateIdle || w.ActiveTasks > 0 {
			continue
		}
		if now.Sub(w.IdleSince) > p.cfg.MaxIdleTime {
			if err := p.registry.Unregister(w.ID); err == nil {
				p.log.Info("reaped idle worker", "pool", p.name, "worker", w.ID)
			}
		}
	}
}
