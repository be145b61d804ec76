package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/herdtools/herd/internal/apply"
	"github.com/herdtools/herd/internal/checkpoint"
	herderrors "github.com/herdtools/herd/internal/errors"
	"github.com/herdtools/herd/internal/events"
	"github.com/herdtools/herd/internal/lifecycle"
	"github.com/herdtools/herd/internal/result"
	"github.com/herdtools/herd/internal/review"
	"github.com/herdtools/herd/internal/task"
)

// tickInterval paces the scheduling loop.
const tickInterval = 50 * time.Millisecond

// recoverInterval paces stuck-task recovery.
const recoverInterval = time.Minute

// defaultAllowedTools is what workers may use unless a task says otherwise.
var defaultAllowedTools = []string{"Read", "Write", "Edit", "Bash"}

// Run drives the pipeline until every submitted task reaches a terminal
// status or the context is cancelled. The working tree is locked for the
// duration; cancellation quiesces in-flight tasks and returns an
// interrupted error.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.treeLock.Acquire(); err != nil {
		return err
	}
	defer func() { _ = o.treeLock.Release() }()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		o.treeLock.KeepAlive(gctx, 0)
		return nil
	})
	g.Go(func() error {
		if err := o.pool.Run(gctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		o.probeWorkers(gctx)
		return nil
	})
	g.Go(func() error {
		defer cancel()
		return o.loop(gctx)
	})

	err := g.Wait()
	if ctx.Err() != nil {
		return herderrors.ErrInterrupted()
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// loop dispatches runnable tasks and supervises assignments until the
// graph settles: nothing runnable, nothing in flight, nothing queued.
func (o *Orchestrator) loop(ctx context.Context) error {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	recovery := time.NewTicker(recoverInterval)
	defer recovery.Stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return herderrors.ErrInterrupted()
		case <-recovery.C:
			o.recoverStuck()
		case <-ticker.C:
			for _, a := range o.collect() {
				wg.Add(1)
				go func(a assignment) {
					defer wg.Done()
					o.supervise(ctx, a.t, a.workerID)
				}(a)
			}
			if o.idle() {
				return nil
			}
		}
	}
}

// probeWorkers refreshes registry heartbeats from live worker probes so
// healthy workers are not marked stale during long runs.
func (o *Orchestrator) probeWorkers(ctx context.Context) {
	interval := o.cfg.Pool.HealthCheckInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, w := range o.registry.All() {
				client, err := o.clients(w.ID)
				if err != nil {
					continue
				}
				if _, err := client.Heartbeat(ctx); err != nil {
					o.log.Debug("worker heartbeat failed", "worker", w.ID, "error", err)
					continue
				}
				_ = o.registry.Heartbeat(w.ID, now)
			}
		}
	}
}

// Step runs one synchronous scheduling pass: drained queue assignments
// and newly dispatched tasks are each driven to an outcome before it
// returns. Reports whether any task ran.
func (o *Orchestrator) Step(ctx context.Context) bool {
	assignments := o.collect()
	for _, a := range assignments {
		o.supervise(ctx, a.t, a.workerID)
	}
	return len(assignments) > 0
}

// collect gathers queue-drain notifications and dispatches runnable tasks.
func (o *Orchestrator) collect() []assignment {
	var out []assignment
	for {
		select {
		case a := <-o.assigned:
			out = append(out, a)
			continue
		default:
		}
		break
	}
	return append(out, o.dispatch()...)
}

// dispatch assigns every runnable task. Tasks the pool queues stay
// marked in flight; the queue-drain callback hands them back later.
func (o *Orchestrator) dispatch() []assignment {
	var out []assignment
	for _, t := range o.runnable() {
		taskID := strconv.Itoa(t.ID)
		o.setInFlight(taskID, true)
		if err := o.tasks.SetStatus(taskID, task.StatusInProgress); err != nil {
			o.log.Error("failed to mark task in progress", "task", taskID, "error", err)
			o.setInFlight(taskID, false)
			continue
		}
		workerID, queued, err := o.pool.Assign(t)
		if err != nil {
			o.log.Error("assignment failed", "task", taskID, "error", err)
			o.setInFlight(taskID, false)
			_ = o.tasks.SetStatus(taskID, task.StatusPending)
			continue
		}
		if queued {
			continue
		}
		out = append(out, assignment{t: t, workerID: workerID})
	}
	return out
}

// runnable returns dispatchable tasks: pending or resumable, not in
// flight, with every non-cancelled dependency done. Highest priority
// first, ties on lower ID.
func (o *Orchestrator) runnable() []*task.Task {
	all := o.tasks.All()
	status := make(map[int]task.Status, len(all))
	for _, t := range all {
		status[t.ID] = t.Status
	}

	var out []*task.Task
	for _, t := range all {
		if t.Status != task.StatusPending && t.Status != task.StatusInProgress {
			continue
		}
		if o.isInFlight(strconv.Itoa(t.ID)) {
			continue
		}
		satisfied := true
		for _, dep := range t.Dependencies {
			switch status[dep] {
			case task.StatusDone, task.StatusCancelled:
			default:
				satisfied = false
			}
		}
		if satisfied {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// idle reports whether the pipeline has settled.
func (o *Orchestrator) idle() bool {
	o.mu.Lock()
	busy := len(o.inFlight)
	o.mu.Unlock()
	if busy > 0 {
		return false
	}
	return len(o.runnable()) == 0 && o.pool.QueueLen() == 0 && len(o.assigned) == 0
}

func (o *Orchestrator) setInFlight(taskID string, v bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if v {
		o.inFlight[taskID] = true
	} else {
		delete(o.inFlight, taskID)
	}
}

func (o *Orchestrator) isInFlight(taskID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.inFlight[taskID]
}

// recoverStuck forces tasks with stalled lifecycle contexts through the
// retry policy and syncs the task store with the outcome.
func (o *Orchestrator) recoverStuck() {
	ids, err := o.lifecycle.RecoverStuck(time.Now())
	if err != nil {
		o.log.Error("stuck recovery failed", "error", err)
		return
	}
	for _, id := range ids {
		if o.isInFlight(id) {
			continue
		}
		if c := o.lifecycle.Get(id); c != nil && c.State == lifecycle.StatePending {
			_ = o.tasks.SetStatus(id, task.StatusPending)
		} else {
			_ = o.tasks.SetStatus(id, task.StatusFailed)
		}
	}
}

// supervise drives one assignment through execution, review, and
// application, settling the task and the worker slot on every path.
func (o *Orchestrator) supervise(ctx context.Context, t *task.Task, workerID string) {
	taskID := strconv.Itoa(t.ID)
	defer o.setInFlight(taskID, false)

	o.advance(taskID, lifecycle.StateWorkerAssigned, "assigned to "+workerID)
	if err := o.lifecycle.SetWorker(taskID, workerID); err != nil {
		o.log.Warn("failed to record worker", "task", taskID, "error", err)
	}

	o.applyMu.Lock()
	cpID, err := o.checkpoints.Create(checkpoint.KindPreTask, "before task "+taskID,
		o.cfg.Checkpoint.IncludePaths, map[string]string{"task_id": taskID})
	o.applyMu.Unlock()
	if err != nil {
		o.finishFailure(taskID, workerID, 0, fmt.Sprintf("pre-task checkpoint: %v", err))
		return
	}
	o.pub.Publish(events.NewEvent(events.EventCheckpoint, taskID, events.CheckpointData{
		CheckpointID: cpID,
		Kind:         string(checkpoint.KindPreTask),
	}))

	o.advance(taskID, lifecycle.StateWorkerExecuting, "")

	client, err := o.clients(workerID)
	if err != nil {
		o.finishFailure(taskID, workerID, 0, fmt.Sprintf("worker client: %v", err))
		return
	}

	execCtx := ctx
	if o.cfg.Pool.WorkerTimeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, o.cfg.Pool.WorkerTimeout)
		defer cancel()
	}
	start := time.Now()
	res, err := client.Execute(execCtx, buildPrompt(t), defaultAllowedTools)
	duration := time.Since(start)

	if err != nil || !res.Success {
		reason := "worker reported failure"
		output := ""
		tokens := 0
		if err != nil {
			reason = err.Error()
		} else {
			if res.Error != "" {
				reason = res.Error
			}
			output = res.Output
			tokens = res.TokensUsed
		}
		if _, serr := o.results.Store(&result.WorkerResult{
			TaskID:           taskID,
			WorkerID:         workerID,
			Status:           result.StatusFailed,
			Output:           output,
			ExecutionSeconds: duration.Seconds(),
			TokensUsed:       tokens,
			ErrorMessage:     reason,
		}); serr != nil {
			o.log.Error("failed to store result", "task", taskID, "error", serr)
		}
		o.finishFailure(taskID, workerID, duration, reason)
		return
	}

	changes := apply.ExtractChanges(res.Output)
	files := make(map[string]string)
	var created, modified []string
	for _, c := range changes {
		switch c.Type {
		case apply.ChangeFileCreate:
			created = append(created, c.Path)
			files[c.Path] = c.Content
		case apply.ChangeFileEdit:
			modified = append(modified, c.Path)
			files[c.Path] = c.Content
		default:
			if c.Path != "" {
				modified = append(modified, c.Path)
			}
		}
	}
	wres := &result.WorkerResult{
		TaskID:           taskID,
		WorkerID:         workerID,
		Status:           result.StatusSuccess,
		Output:           res.Output,
		CreatedFiles:     created,
		ModifiedFiles:    modified,
		ExecutionSeconds: duration.Seconds(),
		TokensUsed:       res.TokensUsed,
	}
	if res.RequestID != "" {
		wres.Metadata = map[string]string{"request_id": res.RequestID}
	}
	// The result row must exist before the task is visible in review.
	if _, err := o.results.Store(wres); err != nil {
		o.finishFailure(taskID, workerID, duration, fmt.Sprintf("store result: %v", err))
		return
	}
	o.advance(taskID, lifecycle.StateWorkerCompleted, "")
	if err := o.tasks.SetStatus(taskID, task.StatusReview); err != nil {
		o.log.Warn("failed to mark task for review", "task", taskID, "error", err)
	}
	o.advance(taskID, lifecycle.StateReviewPending, "")
	o.advance(taskID, lifecycle.StateReviewInProgress, "")

	rep := o.reviewer.Review(wres, files, "")
	o.pub.Publish(events.NewEvent(events.EventReview, taskID, events.ReviewData{
		Passed:   rep.Passed,
		Score:    rep.Score,
		Findings: len(rep.Findings),
		Critical: rep.CountBySeverity(review.SeverityCritical),
	}))
	o.advance(taskID, lifecycle.StateReviewCompleted, fmt.Sprintf("score %.2f", rep.Score))

	if !rep.Passed {
		reason := herderrors.ErrReviewRejected(taskID, rep.Score).Error()
		if err := o.results.MarkValidated(taskID, false); err != nil {
			o.log.Warn("failed to flag result", "task", taskID, "error", err)
		}
		o.releaseWorker(taskID, workerID, false, duration, reason)
		retried, rerr := o.lifecycle.Reject(taskID, reason)
		if rerr != nil {
			o.log.Error("rejection handling failed", "task", taskID, "error", rerr)
		}
		o.settle(taskID, retried, reason)
		return
	}

	o.advance(taskID, lifecycle.StateApplyingChanges, "")
	o.applyMu.Lock()
	areport, err := o.applier.Apply(taskID, res.Output)
	o.applyMu.Unlock()
	if areport != nil {
		o.pub.Publish(events.NewEvent(events.EventApplied, taskID, events.ApplyData{
			Applied:    areport.Applied,
			Failed:     areport.Failed,
			Conflicts:  len(areport.Conflicts),
			RolledBack: areport.RolledBack,
		}))
	}
	if err != nil || areport.Failed > 0 {
		reason := herderrors.ErrApplyFailed(taskID, 0).Error()
		if err != nil {
			reason = err.Error()
		} else if areport != nil {
			reason = herderrors.ErrApplyFailed(taskID, areport.Failed).Error()
		}
		if merr := o.results.MarkValidated(taskID, false); merr != nil {
			o.log.Warn("failed to flag result", "task", taskID, "error", merr)
		}
		o.finishFailure(taskID, workerID, duration, reason)
		return
	}

	o.advance(taskID, lifecycle.StateCompleted, "")
	if err := o.results.MarkValidated(taskID, true); err != nil {
		o.log.Warn("failed to flag result", "task", taskID, "error", err)
	}
	if err := o.tasks.SetStatus(taskID, task.StatusDone); err != nil {
		o.log.Error("failed to mark task done", "task", taskID, "error", err)
	}
	o.releaseWorker(taskID, workerID, true, duration, "")
}

// finishFailure releases the worker, applies the retry policy, and
// settles the task status.
func (o *Orchestrator) finishFailure(taskID, workerID string, duration time.Duration, reason string) {
	o.releaseWorker(taskID, workerID, false, duration, reason)
	retried, err := o.lifecycle.Fail(taskID, reason)
	if err != nil {
		o.log.Error("failure handling failed", "task", taskID, "error", err)
	}
	o.settle(taskID, retried, reason)
}

// releaseWorker returns the slot to the pool and feeds the outcome to
// the routing statistics.
func (o *Orchestrator) releaseWorker(taskID, workerID string, success bool, duration time.Duration, errMsg string) {
	if err := o.pool.Complete(taskID, workerID, success, duration, errMsg); err != nil {
		o.log.Error("failed to release worker", "task", taskID, "worker", workerID, "error", err)
	}
	o.router.UpdateRoutePerformance(taskID, success, duration.Seconds())
}

// settle syncs the task store with the retry decision.
func (o *Orchestrator) settle(taskID string, retried bool, reason string) {
	if retried {
		if err := o.tasks.SetStatus(taskID, task.StatusPending); err != nil {
			o.log.Error("failed to requeue task", "task", taskID, "error", err)
		}
		o.log.Info("task scheduled for retry", "task", taskID, "reason", reason)
		return
	}
	if err := o.tasks.SetStatus(taskID, task.StatusFailed); err != nil {
		o.log.Error("failed to mark task failed", "task", taskID, "error", err)
	}
	o.pub.Publish(events.NewEvent(events.EventError, taskID, events.ErrorData{Message: reason}))
	o.log.Warn("task failed", "task", taskID, "reason", reason)
}

// advance performs a lifecycle transition, logging instead of failing
// the pipeline on an illegal edge.
func (o *Orchestrator) advance(taskID string, to lifecycle.State, reason string) {
	if err := o.lifecycle.Transition(taskID, to, reason); err != nil {
		o.log.Warn("lifecycle transition refused", "task", taskID, "to", to, "error", err)
	}
}

// buildPrompt renders the task as a worker instruction.
func buildPrompt(t *task.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task %d: %s\n\n%s\n", t.ID, t.Title, t.Description)
	if t.Details != "" {
		fmt.Fprintf(&b, "\nDetails:\n%s\n", t.Details)
	}
	if t.TestStrategy != "" {
		fmt.Fprintf(&b, "\nTest strategy:\n%s\n", t.TestStrategy)
	}
	b.WriteString("\nReport every file you create or change as a fenced code block annotated with its path.\n")
	return b.String()
}
