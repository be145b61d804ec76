// Package lifecycle tracks each task through its execution state machine
// and persists the contexts so a restart can pick up where it left off.
package lifecycle

import (
	"time"
)

// State is one phase of a task's execution.
type State string

const (
	StatePending          State = "pending"
	StateWorkerAssigned   State = "worker_assigned"
	StateWorkerExecuting  State = "worker_executing"
	StateWorkerCompleted  State = "worker_completed"
	StateReviewPending    State = "review_pending"
	StateReviewInProgress State = "review_in_progress"
	StateReviewCompleted  State = "review_completed"
	StateApplyingChanges  State = "applying_changes"
	StateCompleted        State = "completed"
	StateFailed           State = "failed"
	StateRetryPending     State = "retry_pending"
)

// allowedTransitions is the full transition table. completed is terminal;
// failed can only advance to retry_pending.
var allowedTransitions = map[State][]State{
	StatePending:          {StateWorkerAssigned, StateFailed},
	StateWorkerAssigned:   {StateWorkerExecuting, StateFailed},
	StateWorkerExecuting:  {StateWorkerCompleted, StateFailed},
	StateWorkerCompleted:  {StateReviewPending, StateRetryPending},
	StateReviewPending:    {StateReviewInProgress, StateFailed},
	StateReviewInProgress: {StateReviewCompleted, StateFailed},
	StateReviewCompleted:  {StateApplyingChanges, StateRetryPending},
	StateApplyingChanges:  {StateCompleted, StateFailed},
	StateFailed:           {StateRetryPending},
	StateRetryPending:     {StatePending},
	StateCompleted:        {},
}

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to State) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a context in this state will never advance
// on its own. failed is terminal only once retries are exhausted, which
// the manager checks separately.
func (s State) IsTerminal() bool {
	return s == StateCompleted
}

// IsValidState returns true for a known state.
func IsValidState(s State) bool {
	_, ok := allowedTransitions[s]
	return ok
}

// TransitionRecord is one step in a context's history.
type TransitionRecord struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// Context is the persisted execution record for one task.
type Context struct {
	TaskID     string             `json:"task_id"`
	State      State              `json:"state"`
	WorkerID   string             `json:"worker_id,omitempty"`
	RetryCount int                `json:"retry_count"`
	Reason     string             `json:"reason,omitempty"`
	History    []TransitionRecord `json:"history,omitempty"`
	Metadata   map[string]string  `json:"metadata,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
	UpdatedAt  time.Time          `json:"updated_at"`
}

// Clone returns a deep copy.
func (c *Context) Clone() *Context {
	out := *c
	out.History = append([]TransitionRecord(nil), c.History...)
	if c.Metadata != nil {
		out.Metadata = make(map[string]string, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}
