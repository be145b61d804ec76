// Package orchestrator wires the stores, the pool, the review gate, and
// the applier into the task pipeline: submit, dispatch, execute, review,
// apply, complete.
package orchestrator

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/herdtools/herd/internal/allocate"
	"github.com/herdtools/herd/internal/apply"
	"github.com/herdtools/herd/internal/checkpoint"
	"github.com/herdtools/herd/internal/config"
	"github.com/herdtools/herd/internal/db"
	herderrors "github.com/herdtools/herd/internal/errors"
	"github.com/herdtools/herd/internal/events"
	"github.com/herdtools/herd/internal/lifecycle"
	"github.com/herdtools/herd/internal/lock"
	"github.com/herdtools/herd/internal/plancheck"
	"github.com/herdtools/herd/internal/pool"
	"github.com/herdtools/herd/internal/result"
	"github.com/herdtools/herd/internal/review"
	"github.com/herdtools/herd/internal/route"
	"github.com/herdtools/herd/internal/task"
	"github.com/herdtools/herd/internal/worker"
	"github.com/herdtools/herd/internal/workerclient"
)

// ResultsDBFileName is the SQLite result store under the herd directory.
const ResultsDBFileName = "results.db"

const projectVersion = "1.0.0"

// ClientFactory builds the protocol client for a worker ID. The
// orchestrator asks for a client once per execution attempt.
type ClientFactory func(workerID string) (workerclient.Client, error)

// assignment pairs a dispatched task with its worker.
type assignment struct {
	t        *task.Task
	workerID string
}

// Orchestrator owns one project's pipeline.
type Orchestrator struct {
	workDir string
	herdDir string
	cfg     *config.Config
	pub     events.Publisher
	log     *slog.Logger
	clients ClientFactory

	tasks       *task.Store
	database    *db.DB
	results     *result.Store
	registry    *worker.Registry
	allocator   *allocate.Allocator
	history     *allocate.History
	router      *route.Router
	lifecycle   *lifecycle.Manager
	checkpoints *checkpoint.Store
	pool        *pool.Pool
	validator   *plancheck.Validator
	reviewer    *review.Reviewer
	applier     *apply.Applier
	treeLock    *lock.TreeLock

	// applyMu serializes working-tree mutation within this process; the
	// tree lock handles other processes.
	applyMu sync.Mutex

	mu       sync.Mutex
	inFlight map[string]bool

	// assigned receives queue-drain notifications from the pool.
	assigned  chan assignment
	workerSeq atomic.Int64
}

// New opens or creates the project state under workDir/.herd and builds
// the full pipeline. Workers declared in the config are registered as a
// fixed fleet; with none declared the pool provisions generic workers
// and autoscales.
func New(workDir string, cfg *config.Config, clients ClientFactory, pub events.Publisher, log *slog.Logger) (*Orchestrator, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if pub == nil {
		pub = events.NewNopPublisher()
	}
	if log == nil {
		log = slog.Default()
	}
	if clients == nil {
		return nil, herderrors.ErrValidation("no worker client factory", "The orchestrator cannot reach workers without one")
	}

	herdDir := filepath.Join(workDir, config.HerdDir)
	if err := os.MkdirAll(herdDir, 0755); err != nil {
		return nil, fmt.Errorf("create herd directory: %w", err)
	}

	tasks, err := task.Open(herdDir, cfg.ProjectName, projectVersion)
	if err != nil {
		return nil, err
	}
	database, err := db.Open(filepath.Join(herdDir, ResultsDBFileName))
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(); err != nil {
		_ = database.Close()
		return nil, err
	}

	registry := worker.NewRegistry(log)
	history := allocate.NewHistory(database)
	allocator := allocate.New(registry, history, log)
	router, err := route.NewRouter(registry, allocator, route.Strategy(cfg.Router.DefaultStrategy), log)
	if err != nil {
		_ = database.Close()
		return nil, err
	}
	manager, err := lifecycle.NewManager(herdDir, pub, cfg.Lifecycle.MaxRetries, cfg.Lifecycle.StuckTimeout, log)
	if err != nil {
		_ = database.Close()
		return nil, err
	}
	checkpoints, err := checkpoint.NewStore(workDir, herdDir, cfg.Checkpoint.MaxCheckpoints)
	if err != nil {
		_ = database.Close()
		return nil, err
	}
	applier, err := apply.New(workDir, apply.Strategy(cfg.Review.ConflictStrategy), checkpoints, log)
	if err != nil {
		_ = database.Close()
		return nil, err
	}

	o := &Orchestrator{
		workDir:     workDir,
		herdDir:     herdDir,
		cfg:         cfg,
		pub:         pub,
		log:         log,
		clients:     clients,
		tasks:       tasks,
		database:    database,
		results:     result.NewStore(database),
		registry:    registry,
		allocator:   allocator,
		history:     history,
		router:      router,
		lifecycle:   manager,
		checkpoints: checkpoints,
		applier:     applier,
		treeLock:    lock.New(herdDir, lock.DefaultOwner(), 0),
		inFlight:    make(map[string]bool),
		assigned:    make(chan assignment, 256),
	}

	var provisioner pool.Provisioner
	if len(cfg.Workers) == 0 {
		provisioner = pool.ProvisionerFunc(o.spawnGeneric)
	} else {
		for _, ws := range cfg.Workers {
			if err := registry.Register(profileFromSpec(ws)); err != nil {
				_ = database.Close()
				return nil, err
			}
		}
	}
	p, err := pool.New("default", cfg.Pool, registry, allocator, provisioner, pub, log)
	if err != nil {
		_ = database.Close()
		return nil, err
	}
	p.SetSelector(func(t *task.Task, req *worker.Requirements) (string, float64, string, error) {
		d, rerr := o.router.Route(t)
		if rerr != nil {
			return "", 0, "", rerr
		}
		return d.WorkerID, d.Score, d.Strategy, nil
	})
	p.SetOnAssign(func(taskID, workerID string) {
		t, gerr := o.tasks.Get(taskID)
		if gerr != nil || t == nil {
			o.log.Warn("queued assignment for unknown task", "task", taskID)
			return
		}
		select {
		case o.assigned <- assignment{t: t, workerID: workerID}:
		default:
			o.log.Warn("assignment backlog full, dropping notification", "task", taskID)
		}
	})
	o.pool = p

	available := len(registry.All())
	if available == 0 {
		available = cfg.Pool.MaxWorkers
	}
	o.validator = plancheck.New(plancheck.Config{
		Strict:             cfg.Validator.Strict,
		AvailableWorkers:   available,
		MaxMemoryMB:        cfg.Validator.MaxMemoryMB,
		MaxDependencyDepth: cfg.Validator.MaxDepth,
	}, log)

	rcfg := review.DefaultConfig()
	if cfg.Review.HighThreshold > 0 {
		rcfg.HighThreshold = cfg.Review.HighThreshold
	}
	o.reviewer = review.New(rcfg, log)

	return o, nil
}

// Close releases the result database. The tree lock, if held, is
// released by Run.
func (o *Orchestrator) Close() error {
	return o.database.Close()
}

// Submit validates the batch against the task graph that would result
// from accepting it. An executable plan is persisted and tracked; a
// rejected one leaves the store untouched and returns the report
// alongside the error.
func (o *Orchestrator) Submit(reqs []task.AddRequest) (*plancheck.Report, []*task.Task, error) {
	if len(reqs) == 0 {
		return nil, nil, herderrors.ErrValidation("empty submission", "Provide at least one task")
	}

	existing := o.tasks.All()
	nextID := 1
	for _, t := range existing {
		if t.ID >= nextID {
			nextID = t.ID + 1
		}
	}
	plan := make([]*task.Task, 0, len(existing)+len(reqs))
	plan = append(plan, existing...)
	for i, r := range reqs {
		priority := r.Priority
		if priority == 0 {
			priority = task.DefaultPriority
		}
		plan = append(plan, &task.Task{
			ID:           nextID + i,
			Title:        r.Title,
			Description:  r.Description,
			Status:       task.StatusPending,
			Dependencies: r.Dependencies,
			Priority:     priority,
			Details:      r.Details,
			TestStrategy: r.TestStrategy,
			Tags:         r.Tags,
		})
	}

	report := o.validator.Validate(plan)
	if !report.CanExecute() {
		return report, nil, herderrors.ErrPlanRejected(rejectReason(report))
	}

	added := make([]*task.Task, 0, len(reqs))
	for _, r := range reqs {
		t, err := o.tasks.Add(r)
		if err != nil {
			return report, added, err
		}
		if _, err := o.lifecycle.Track(strconv.Itoa(t.ID)); err != nil {
			return report, added, err
		}
		added = append(added, t)
	}
	o.log.Info("plan accepted", "tasks", len(added), "outcome", report.Outcome)
	return report, added, nil
}

// rejectReason condenses the report's fatal issues into one line.
func rejectReason(r *plancheck.Report) string {
	var msgs []string
	for _, iss := range r.Issues {
		if iss.Severity == plancheck.SeverityBlocking || iss.Severity == plancheck.SeverityError {
			msgs = append(msgs, iss.Message)
		}
	}
	if len(msgs) > 3 {
		msgs = append(msgs[:3], fmt.Sprintf("and %d more", len(msgs)-3))
	}
	return strings.Join(msgs, "; ")
}

// RollbackTo restores the working tree from a checkpoint, holding the
// tree lock for the duration.
func (o *Orchestrator) RollbackTo(id string) error {
	if err := o.treeLock.Acquire(); err != nil {
		return err
	}
	defer func() { _ = o.treeLock.Release() }()

	o.applyMu.Lock()
	defer o.applyMu.Unlock()
	if err := o.checkpoints.Rollback(id, checkpoint.RollbackOptions{}); err != nil {
		return err
	}
	o.pub.Publish(events.NewEvent(events.EventRollback, events.GlobalTaskID, events.CheckpointData{
		CheckpointID: id,
	}))
	return nil
}

// Checkpoint creates a manual snapshot of the working tree.
func (o *Orchestrator) Checkpoint(description string) (string, error) {
	o.applyMu.Lock()
	defer o.applyMu.Unlock()
	id, err := o.checkpoints.Create(checkpoint.KindManual, description, o.cfg.Checkpoint.IncludePaths, nil)
	if err != nil {
		return "", err
	}
	o.pub.Publish(events.NewEvent(events.EventCheckpoint, events.GlobalTaskID, events.CheckpointData{
		CheckpointID: id,
		Kind:         string(checkpoint.KindManual),
	}))
	return id, nil
}

// Tasks exposes the task store for inspection commands.
func (o *Orchestrator) Tasks() *task.Store { return o.tasks }

// Results exposes the result store for inspection commands.
func (o *Orchestrator) Results() *result.Store { return o.results }

// Checkpoints exposes the checkpoint store for inspection commands.
func (o *Orchestrator) Checkpoints() *checkpoint.Store { return o.checkpoints }

// Lifecycle exposes the lifecycle manager for inspection commands.
func (o *Orchestrator) Lifecycle() *lifecycle.Manager { return o.lifecycle }

// Workers returns a snapshot of every registered worker.
func (o *Orchestrator) Workers() []*worker.Profile { return o.registry.All() }

// Decisions returns recent routing decisions, newest first.
func (o *Orchestrator) Decisions(limit int) []route.Decision { return o.router.Decisions(limit) }

// QueueLen returns the number of tasks waiting for a worker.
func (o *Orchestrator) QueueLen() int { return o.pool.QueueLen() }

// PoolStats snapshots the worker pool.
func (o *Orchestrator) PoolStats() pool.Stats { return o.pool.Stats() }

// AllocationAnalytics aggregates allocation outcomes since the given time.
func (o *Orchestrator) AllocationAnalytics(since time.Time) (*allocate.Analytics, error) {
	return o.history.Analytics(since)
}

// spawnGeneric provisions interchangeable workers for the autoscaling
// pool when no fleet is declared in the config.
func (o *Orchestrator) spawnGeneric(n int) ([]*worker.Profile, error) {
	out := make([]*worker.Profile, 0, n)
	for range n {
		out = append(out, genericProfile(fmt.Sprintf("worker-%d", o.workerSeq.Add(1))))
	}
	return out, nil
}

func genericProfile(id string) *worker.Profile {
	caps := make(map[worker.Capability]bool)
	for _, c := range worker.ValidCapabilities() {
		caps[c] = true
	}
	return &worker.Profile{
		ID:            id,
		Model:         "generic",
		Capabilities:  caps,
		MaxComplexity: worker.ComplexityHigh,
		MaxConcurrent: 2,
	}
}

// profileFromSpec turns a declared worker into a registrable profile.
// An empty capability list means the worker takes anything.
func profileFromSpec(ws config.WorkerSpec) *worker.Profile {
	caps := make(map[worker.Capability]bool)
	for _, c := range ws.Capabilities {
		caps[worker.Capability(c)] = true
	}
	if len(caps) == 0 {
		for _, c := range worker.ValidCapabilities() {
			caps[c] = true
		}
	}
	model := ws.Model
	if model == "" {
		model = "generic"
	}
	maxComplexity := worker.ParseComplexity(ws.MaxComplexity)
	if ws.MaxComplexity == "" {
		maxComplexity = worker.ComplexityHigh
	}
	concurrent := ws.MaxConcurrent
	if concurrent <= 0 {
		concurrent = 2
	}
	return &worker.Profile{
		ID:            ws.ID,
		Model:         model,
		Capabilities:  caps,
		MaxComplexity: maxComplexity,
		MaxConcurrent: concurrent,
	}
}
