// Package errors provides structured error types for herd.
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Code represents a unique error code.
type Code string

// Error codes for herd.
const (
	// Submission errors
	CodeValidation Code = "VALIDATION_FAILED"
	CodeDependency Code = "DEPENDENCY_UNMET"
	CodePlanReject Code = "PLAN_REJECTED"

	// Execution errors
	CodeNoWorker       Code = "NO_WORKER_AVAILABLE"
	CodeWorkerFailure  Code = "WORKER_FAILURE"
	CodeWorkerTimeout  Code = "WORKER_TIMEOUT"
	CodeReviewRejected Code = "REVIEW_REJECTED"
	CodeApplyFailed    Code = "APPLY_FAILED"
	CodeMaxRetries     Code = "MAX_RETRIES_EXCEEDED"

	// Store errors
	CodeCheckpoint   Code = "CHECKPOINT_FAILED"
	CodeStoreCorrupt Code = "STORE_CORRUPT"
	CodeTaskNotFound Code = "TASK_NOT_FOUND"

	// Shutdown
	CodeInterrupted Code = "INTERRUPTED"
)

// Category groups error codes by how callers should react.
type Category int

const (
	CategoryUnknown Category = iota
	// CategoryTransient errors are absorbed locally (queue, retry, rollback).
	CategoryTransient
	// CategoryUser errors are surfaced at submission time with exit code 2.
	CategoryUser
	// CategoryFatal errors jeopardize data integrity and stop the orchestrator.
	CategoryFatal
)

// codeCategories maps error codes to their categories.
var codeCategories = map[Code]Category{
	CodeValidation:     CategoryUser,
	CodeDependency:     CategoryUser,
	CodePlanReject:     CategoryUser,
	CodeNoWorker:       CategoryTransient,
	CodeWorkerFailure:  CategoryTransient,
	CodeWorkerTimeout:  CategoryTransient,
	CodeReviewRejected: CategoryTransient,
	CodeApplyFailed:    CategoryTransient,
	CodeMaxRetries:     CategoryFatal,
	CodeCheckpoint:     CategoryFatal,
	CodeStoreCorrupt:   CategoryFatal,
	CodeTaskNotFound:   CategoryUser,
	CodeInterrupted:    CategoryUser,
}

// HerdError is the structured error type for herd.
type HerdError struct {
	Code      Code   `json:"code"`
	What      string `json:"what"`
	Why       string `json:"why,omitempty"`
	Fix       string `json:"fix,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	Cause     error  `json:"-"`
}

// Error implements the error interface.
func (e *HerdError) Error() string {
	var b strings.Builder
	b.WriteString(e.What)
	if e.Why != "" {
		b.WriteString(": ")
		b.WriteString(e.Why)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *HerdError) Unwrap() error {
	return e.Cause
}

// UserMessage returns a user-friendly message for CLI output.
// Paths and environment details from the cause are not included.
func (e *HerdError) UserMessage() string {
	var b strings.Builder
	b.WriteString("Error: ")
	b.WriteString(e.What)
	if e.Why != "" {
		b.WriteString("\n\nWhy: ")
		b.WriteString(e.Why)
	}
	if e.Fix != "" {
		b.WriteString("\n\nFix: ")
		b.WriteString(e.Fix)
	}
	if e.RequestID != "" {
		b.WriteString("\n\nRequest ID: ")
		b.WriteString(e.RequestID)
	}
	return b.String()
}

// Category returns the error category.
func (e *HerdError) Category() Category {
	if cat, ok := codeCategories[e.Code]; ok {
		return cat
	}
	return CategoryUnknown
}

// IsFatal reports whether the error must stop the orchestrator.
func (e *HerdError) IsFatal() bool {
	return e.Category() == CategoryFatal
}

// ExitCode maps the error to a CLI exit code.
func (e *HerdError) ExitCode() int {
	switch e.Code {
	case CodeValidation, CodeDependency, CodePlanReject, CodeTaskNotFound:
		return 2
	case CodeInterrupted:
		return 130
	default:
		return 1
	}
}

// MarshalJSON implements json.Marshaler.
func (e *HerdError) MarshalJSON() ([]byte, error) {
	type alias HerdError
	aux := struct {
		*alias
		CauseMsg string `json:"cause,omitempty"`
	}{
		alias: (*alias)(e),
	}
	if e.Cause != nil {
		aux.CauseMsg = e.Cause.Error()
	}
	return json.Marshal(aux)
}

// Is reports whether target is a HerdError with the same code.
func (e *HerdError) Is(target error) bool {
	t, ok := target.(*HerdError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithCause returns a copy of the error with the given cause.
func (e *HerdError) WithCause(err error) *HerdError {
	c := *e
	c.Cause = err
	return &c
}

// --- Error constructors ---

// ErrValidation returns an error for invalid input to a store or component.
func ErrValidation(what, why string) *HerdError {
	return &HerdError{
		Code: CodeValidation,
		What: what,
		Why:  why,
	}
}

// ErrDependency returns an error for an unmet or unknown dependency.
func ErrDependency(taskID string, depID string) *HerdError {
	return &HerdError{
		Code: CodeDependency,
		What: fmt.Sprintf("task %s references unknown dependency %s", taskID, depID),
		Why:  "Every dependency must name an existing task",
		Fix:  "Remove the dependency or submit the missing task first",
	}
}

// ErrPlanRejected returns an error for a plan that failed validation.
func ErrPlanRejected(reason string) *HerdError {
	return &HerdError{
		Code: CodePlanReject,
		What: "plan rejected by validation",
		Why:  reason,
		Fix:  "Run 'herd submit' again after fixing the reported issues",
	}
}

// ErrNoWorker returns an error when no worker can take a task.
func ErrNoWorker(taskID string) *HerdError {
	return &HerdError{
		Code: CodeNoWorker,
		What: fmt.Sprintf("no worker available for task %s", taskID),
		Why:  "Every registered worker is busy, unqualified, or unhealthy",
	}
}

// ErrWorkerFailure returns an error for a worker that returned failure.
func ErrWorkerFailure(workerID, taskID, reason string) *HerdError {
	return &HerdError{
		Code: CodeWorkerFailure,
		What: fmt.Sprintf("worker %s failed task %s", workerID, taskID),
		Why:  reason,
	}
}

// ErrWorkerTimeout returns an error for an assignment that exceeded worker_timeout.
func ErrWorkerTimeout(workerID, taskID, timeout string) *HerdError {
	return &HerdError{
		Code: CodeWorkerTimeout,
		What: fmt.Sprintf("worker %s timed out on task %s", workerID, taskID),
		Why:  fmt.Sprintf("No response received after %s", timeout),
		Fix:  "Increase worker_timeout in .herd/config.yaml, or check the worker endpoint",
	}
}

// ErrReviewRejected returns an error for a task that failed the review gate.
func ErrReviewRejected(taskID string, score float64) *HerdError {
	return &HerdError{
		Code: CodeReviewRejected,
		What: fmt.Sprintf("review rejected output of task %s", taskID),
		Why:  fmt.Sprintf("Review score %.2f did not pass the gate", score),
	}
}

// ErrApplyFailed returns an error for change application that failed.
func ErrApplyFailed(taskID string, failed int) *HerdError {
	return &HerdError{
		Code: CodeApplyFailed,
		What: fmt.Sprintf("failed to apply %d change(s) for task %s", failed, taskID),
		Why:  "The working tree was rolled back to the pre-apply checkpoint",
	}
}

// ErrMaxRetries returns an error when a task exhausted its retries.
func ErrMaxRetries(taskID string, attempts int) *HerdError {
	return &HerdError{
		Code: CodeMaxRetries,
		What: fmt.Sprintf("task %s failed after %d attempts", taskID, attempts),
		Why:  "Maximum retry attempts exceeded without successful completion",
		Fix:  "Inspect the result history with 'herd status', fix the task, and resubmit",
	}
}

// ErrCheckpoint returns an error for a checkpoint create or rollback failure.
func ErrCheckpoint(op, id string, cause error) *HerdError {
	return &HerdError{
		Code:  CodeCheckpoint,
		What:  fmt.Sprintf("checkpoint %s failed for %s", op, id),
		Why:   "The working tree may be in a mixed state",
		Fix:   "Retry the rollback; the store resumes from the last successful operation",
		Cause: cause,
	}
}

// ErrStoreCorrupt returns an error for an unreadable on-disk document.
func ErrStoreCorrupt(path string, cause error) *HerdError {
	return &HerdError{
		Code:  CodeStoreCorrupt,
		What:  fmt.Sprintf("store document %s is corrupted", path),
		Why:   "Refusing to operate on unreadable data rather than lose it",
		Fix:   "Restore the file from a backup or checkpoint before running herd again",
		Cause: cause,
	}
}

// ErrTaskNotFound returns an error when a task doesn't exist.
func ErrTaskNotFound(id string) *HerdError {
	return &HerdError{
		Code: CodeTaskNotFound,
		What: fmt.Sprintf("task %s not found", id),
		Fix:  "Run 'herd status' to list known tasks",
	}
}

// ErrInterrupted returns an error for user-initiated shutdown.
func ErrInterrupted() *HerdError {
	return &HerdError{
		Code: CodeInterrupted,
		What: "interrupted",
		Why:  "Shutdown was requested; in-flight tasks were quiesced",
	}
}

// WithRequestID stamps the error with a fresh request identifier for
// user-facing reports.
func WithRequestID(e *HerdError) *HerdError {
	c := *e
	c.RequestID = uuid.NewString()
	return &c
}

// AsHerdError attempts to convert an error to a HerdError.
// Returns nil if the error is not a HerdError.
func AsHerdError(err error) *HerdError {
	var herr *HerdError
	if errors.As(err, &herr) {
		return herr
	}
	return nil
}

// Wrap wraps a generic error into a HerdError with unknown code.
func Wrap(err error, what string) *HerdError {
	return &HerdError{
		Code:  Code("UNKNOWN"),
		What:  what,
		Cause: err,
	}
}
