package lifecycle

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	herderrors "github.com/herdtools/herd/internal/errors"
	"github.com/herdtools/herd/internal/events"
)

// stateFileName is the persisted context document under the herd directory.
const stateFileName = "lifecycle.json"

// document is the on-disk shape of the persisted state.
type document struct {
	Version  int                 `json:"version"`
	Contexts map[string]*Context `json:"contexts"`
}

// Manager owns the lifecycle contexts for every tracked task. Every
// transition is validated against the table, written to disk, and
// broadcast as a transition event.
type Manager struct {
	path string
	pub  events.Publisher
	log  *slog.Logger

	maxRetries   int
	stuckTimeout time.Duration

	mu       sync.Mutex
	contexts map[string]*Context
}

// NewManager loads or creates the lifecycle document under herdDir.
func NewManager(herdDir string, pub events.Publisher, maxRetries int, stuckTimeout time.Duration, log *slog.Logger) (*Manager, error) {
	if pub == nil {
		pub = events.NewNopPublisher()
	}
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		path:         filepath.Join(herdDir, stateFileName),
		pub:          pub,
		log:          log,
		maxRetries:   maxRetries,
		stuckTimeout: stuckTimeout,
		contexts:     make(map[string]*Context),
	}

	data, err := os.ReadFile(m.path)
	if os.IsNotExist(err) {
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read lifecycle state: %w", err)
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, herderrors.ErrStoreCorrupt(stateFileName, err)
	}
	if doc.Contexts != nil {
		m.contexts = doc.Contexts
	}
	return m, nil
}

// save writes the document atomically. Must be called with the lock held.
func (m *Manager) save() error {
	doc := document{Version: 1, Contexts: m.contexts}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, m.path)
}

// Track creates a pending context for the task. Tracking an already
// tracked task returns its existing context.
func (m *Manager) Track(taskID string) (*Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.contexts[taskID]; ok {
		return c.Clone(), nil
	}
	now := time.Now().UTC()
	c := &Context{
		TaskID:    taskID,
		State:     StatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.contexts[taskID] = c
	if err := m.save(); err != nil {
		delete(m.contexts, taskID)
		return nil, fmt.Errorf("persist lifecycle state: %w", err)
	}
	return c.Clone(), nil
}

// Get returns a copy of the task's context, or nil if untracked.
func (m *Manager) Get(taskID string) *Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.contexts[taskID]; ok {
		return c.Clone()
	}
	return nil
}

// All returns copies of every context, sorted by task ID.
func (m *Manager) All() []*Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Context, 0, len(m.contexts))
	for _, c := range m.contexts {
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

// Statistics counts tracked tasks per state.
func (m *Manager) Statistics() map[State]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[State]int)
	for _, c := range m.contexts {
		out[c.State]++
	}
	return out
}

// Transition advances a task to the given state. Illegal transitions are
// rejected; legal ones are persisted and broadcast.
func (m *Manager) Transition(taskID string, to State, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(taskID, to, reason)
}

func (m *Manager) transitionLocked(taskID string, to State, reason string) error {
	return m.stepLocked(taskID, to, reason, to == StateRetryPending)
}

// stepLocked is the transition engine. countRetry controls whether the
// move into retry_pending is billed against the retry budget; parking an
// exhausted task there is not another attempt.
func (m *Manager) stepLocked(taskID string, to State, reason string, countRetry bool) error {
	c, ok := m.contexts[taskID]
	if !ok {
		return herderrors.ErrTaskNotFound(taskID)
	}
	if !IsValidState(to) {
		return herderrors.ErrValidation(fmt.Sprintf("unknown lifecycle state %q", to), "")
	}
	if !CanTransition(c.State, to) {
		return herderrors.ErrValidation(
			fmt.Sprintf("illegal transition %s -> %s for task %s", c.State, to, taskID),
			"Consult the lifecycle transition table")
	}

	from := c.State
	now := time.Now().UTC()
	c.State = to
	c.Reason = reason
	c.UpdatedAt = now
	c.History = append(c.History, TransitionRecord{From: from, To: to, Reason: reason, At: now})
	if countRetry {
		c.RetryCount++
	}

	if err := m.save(); err != nil {
		// Roll the in-memory state back so memory and disk agree.
		c.State = from
		c.History = c.History[:len(c.History)-1]
		if countRetry {
			c.RetryCount--
		}
		return fmt.Errorf("persist lifecycle state: %w", err)
	}

	m.pub.Publish(events.NewEvent(events.EventTransition, taskID, events.TransitionData{
		From:       string(from),
		To:         string(to),
		WorkerID:   c.WorkerID,
		RetryCount: c.RetryCount,
		Reason:     reason,
	}))
	m.log.Debug("lifecycle transition", "task", taskID, "from", from, "to", to, "reason", reason)
	return nil
}

// SetWorker records the worker currently responsible for the task.
func (m *Manager) SetWorker(taskID, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contexts[taskID]
	if !ok {
		return herderrors.ErrTaskNotFound(taskID)
	}
	c.WorkerID = workerID
	return m.save()
}

// Fail marks the task failed and applies the retry policy: below the
// retry limit the task is advanced through retry_pending back to pending;
// at the limit it stays failed. Returns true when a retry was scheduled.
func (m *Manager) Fail(taskID, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.contexts[taskID]
	if !ok {
		return false, herderrors.ErrTaskNotFound(taskID)
	}
	if c.State != StateFailed {
		if err := m.transitionLocked(taskID, StateFailed, reason); err != nil {
			return false, err
		}
	}
	return m.retryLocked(taskID)
}

// Reject handles a negative review verdict. Rejections do not pass
// through failed: the task leaves its review state via retry_pending.
// Below the retry limit it continues back to pending; at the limit it
// parks in retry_pending and the caller decides what to do with the
// task record. Returns true when a retry was scheduled.
func (m *Manager) Reject(taskID, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.contexts[taskID]
	if !ok {
		return false, herderrors.ErrTaskNotFound(taskID)
	}
	if c.RetryCount >= m.maxRetries {
		if err := m.stepLocked(taskID, StateRetryPending, reason, false); err != nil {
			return false, err
		}
		m.log.Warn("retries exhausted after rejection", "task", taskID, "retries", c.RetryCount)
		return false, nil
	}
	if err := m.transitionLocked(taskID, StateRetryPending, reason); err != nil {
		return false, err
	}
	if err := m.transitionLocked(taskID, StatePending, "retry after rejection"); err != nil {
		return false, err
	}
	return true, nil
}

// retryLocked applies the retry policy to a failed task.
func (m *Manager) retryLocked(taskID string) (bool, error) {
	c := m.contexts[taskID]
	if c.RetryCount >= m.maxRetries {
		m.log.Warn("retries exhausted", "task", taskID, "retries", c.RetryCount)
		return false, nil
	}
	if err := m.transitionLocked(taskID, StateRetryPending, "retry scheduled"); err != nil {
		return false, err
	}
	if err := m.transitionLocked(taskID, StatePending, "retry"); err != nil {
		return false, err
	}
	return true, nil
}

// RecoverStuck forces tasks whose context has not moved within the stuck
// timeout to failed with reason "timeout", then applies the retry policy.
// Returns the IDs of tasks that were recovered.
func (m *Manager) RecoverStuck(now time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var recovered []string
	for taskID, c := range m.contexts {
		if c.State.IsTerminal() || c.State == StateFailed || c.State == StatePending {
			continue
		}
		if now.Sub(c.UpdatedAt) <= m.stuckTimeout {
			continue
		}
		// Force to failed regardless of the table: a stuck context may sit
		// in a state with no failed edge.
		from := c.State
		ts := time.Now().UTC()
		c.State = StateFailed
		c.Reason = "timeout"
		c.UpdatedAt = ts
		c.History = append(c.History, TransitionRecord{From: from, To: StateFailed, Reason: "timeout", At: ts})
		if err := m.save(); err != nil {
			return recovered, fmt.Errorf("persist lifecycle state: %w", err)
		}
		m.pub.Publish(events.NewEvent(events.EventTransition, taskID, events.TransitionData{
			From: string(from), To: string(StateFailed), Reason: "timeout", RetryCount: c.RetryCount,
		}))
		if _, err := m.retryLocked(taskID); err != nil {
			return recovered, err
		}
		recovered = append(recovered, taskID)
	}
	sort.Strings(recovered)
	return recovered, nil
}

// Remove drops a context, for tasks deleted from the store.
func (m *Manager) Remove(taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.contexts[taskID]; !ok {
		return nil
	}
	delete(m.contexts, taskID)
	return m.save()
}
