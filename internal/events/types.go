// Package events provides event types and publishing infrastructure for herd.
package events

import (
	"time"
)

// EventType defines the type of event.
type EventType string

const (
	// EventTransition indicates a lifecycle state change.
	EventTransition EventType = "transition"
	// EventAssigned indicates a task was assigned to a worker.
	EventAssigned EventType = "assigned"
	// EventQueued indicates a task was enqueued because no worker was free.
	EventQueued EventType = "queued"
	// EventComplete indicates task completion.
	EventComplete EventType = "complete"
	// EventError indicates an error occurred.
	EventError EventType = "error"
	// EventWarning indicates a non-fatal warning.
	EventWarning EventType = "warning"

	// Review / apply events

	// EventReview indicates a review report was produced.
	EventReview EventType = "review"
	// EventApplied indicates change proposals were applied to the working tree.
	EventApplied EventType = "applied"
	// EventRollback indicates the working tree was restored from a checkpoint.
	EventRollback EventType = "rollback"
	// EventCheckpoint indicates a checkpoint was created.
	EventCheckpoint EventType = "checkpoint"

	// Pool events

	// EventScaleUp indicates the pool added workers.
	EventScaleUp EventType = "scale_up"
	// EventScaleDown indicates the pool removed workers.
	EventScaleDown EventType = "scale_down"
	// EventWorkerState indicates a worker state change (idle, busy, failed, offline).
	EventWorkerState EventType = "worker_state"
)

// Event represents a published event.
type Event struct {
	Type   EventType `json:"type"`
	TaskID string    `json:"task_id"`
	Data   any       `json:"data"`
	Time   time.Time `json:"time"`
}

// NewEvent creates a new event with the current timestamp.
func NewEvent(eventType EventType, taskID string, data any) Event {
	return Event{
		Type:   eventType,
		TaskID: taskID,
		Data:   data,
		Time:   time.Now(),
	}
}

// TransitionData describes a lifecycle state change.
type TransitionData struct {
	From       string `json:"from"`
	To         string `json:"to"`
	WorkerID   string `json:"worker_id,omitempty"`
	RetryCount int    `json:"retry_count,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// AssignmentData describes a routing/allocation outcome.
type AssignmentData struct {
	WorkerID string  `json:"worker_id"`
	Strategy string  `json:"strategy,omitempty"`
	Score    float64 `json:"score"`
	Rule     string  `json:"rule,omitempty"`
}

// CompleteData describes task completion.
type CompleteData struct {
	Status   string `json:"status"` // success, failed
	WorkerID string `json:"worker_id,omitempty"`
	Duration string `json:"duration,omitempty"`
}

// ErrorData describes error information.
type ErrorData struct {
	Message string `json:"message"`
	Fatal   bool   `json:"fatal"`
}

// ReviewData describes a completed review.
type ReviewData struct {
	Passed   bool    `json:"passed"`
	Score    float64 `json:"score"`
	Findings int     `json:"findings"`
	Critical int     `json:"critical"`
}

// ApplyData describes the outcome of change application.
type ApplyData struct {
	Applied    int  `json:"applied"`
	Failed     int  `json:"failed"`
	Conflicts  int  `json:"conflicts"`
	RolledBack bool `json:"rolled_back"`
}

// CheckpointData describes a created checkpoint or rollback target.
type CheckpointData struct {
	CheckpointID string `json:"checkpoint_id"`
	Kind         string `json:"kind"`
	Files        int    `json:"files,omitempty"`
}

// ScaleData describes a pool scaling action.
type ScaleData struct {
	Pool        string  `json:"pool"`
	Delta       int     `json:"delta"`
	Total       int     `json:"total"`
	Utilization float64 `json:"utilization"`
}

// WorkerStateData describes a worker state change.
type WorkerStateData struct {
	WorkerID string `json:"worker_id"`
	From     string `json:"from"`
	To       string `json:"to"`
	Reason   string `json:"reason,omitempty"`
}
