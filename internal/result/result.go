// Package result provides persistent worker-result records keyed by task.
package result

import (
	"time"
)

// Status is the outcome reported by a worker.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusPartial Status = "partial"
	// StatusPending marks a record created before the worker finished,
	// e.g. during crash recovery. No normal code path produces it.
	StatusPending Status = "pending"
)

// IsValidStatus returns true for a known result status.
func IsValidStatus(s Status) bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusPartial, StatusPending:
		return true
	default:
		return false
	}
}

// WorkerResult is one structured output from a worker.
type WorkerResult struct {
	TaskID           string            `json:"task_id"`
	WorkerID         string            `json:"worker_id"`
	Status           Status            `json:"status"`
	Output           string            `json:"output"`
	CreatedFiles     []string          `json:"created_files"`
	ModifiedFiles    []string          `json:"modified_files"`
	ExecutionSeconds float64           `json:"execution_time"`
	TokensUsed       int               `json:"tokens_used"`
	Timestamp        time.Time         `json:"timestamp"`
	ErrorMessage     string            `json:"error_message,omitempty"`
	ValidationPassed *bool             `json:"validation_passed,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// WorkerStats aggregates a worker's recorded outcomes.
type WorkerStats struct {
	WorkerID        string  `json:"worker_id"`
	Total           int     `json:"total"`
	Succeeded       int     `json:"succeeded"`
	Failed          int     `json:"failed"`
	AvgDurationSecs float64 `json:"avg_duration_secs"`
	TotalTokens     int     `json:"total_tokens"`
	Validated       int     `json:"validated"`
}
