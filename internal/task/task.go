// Package task provides the persistent task graph for herd.
package task

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Status represents the current state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in-progress"
	StatusReview     Status = "review"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
	StatusDeferred   Status = "deferred"
	StatusCancelled  Status = "cancelled"
)

// ValidStatuses returns all valid status values.
func ValidStatuses() []Status {
	return []Status{
		StatusPending, StatusInProgress, StatusReview, StatusDone,
		StatusFailed, StatusDeferred, StatusCancelled,
	}
}

// IsValidStatus returns true if the status is a valid status value.
func IsValidStatus(s Status) bool {
	switch s {
	case StatusPending, StatusInProgress, StatusReview, StatusDone,
		StatusFailed, StatusDeferred, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal returns true if the status will not change without intervention.
func IsTerminal(s Status) bool {
	return s == StatusDone || s == StatusCancelled
}

// Priority is a task priority in 1..10 (default 5). The document format
// serializes priorities as bands: low (1-3), medium (4-6), high (7-10).
type Priority int

const (
	// DefaultPriority is used when a task declares none.
	DefaultPriority Priority = 5

	priorityLow    Priority = 2
	priorityMedium Priority = 5
	priorityHigh   Priority = 8
)

// Band returns the document-format band for the priority.
func (p Priority) Band() string {
	switch {
	case p <= 3:
		return "low"
	case p <= 6:
		return "medium"
	default:
		return "high"
	}
}

// MarshalJSON serializes the priority as its band.
func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.Band())
}

// UnmarshalJSON accepts either a band name or a bare number.
func (p *Priority) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		switch s {
		case "low":
			*p = priorityLow
		case "medium":
			*p = priorityMedium
		case "high":
			*p = priorityHigh
		default:
			return fmt.Errorf("unknown priority %q", s)
		}
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid priority: %s", string(data))
	}
	if n < 1 || n > 10 {
		return fmt.Errorf("priority %d out of range 1..10", n)
	}
	*p = Priority(n)
	return nil
}

// Subtask is a child task identified as "<parent>.<index>". Subtask
// dependencies reference sibling indices, not global task IDs.
type Subtask struct {
	Index        int       `json:"index"`
	Title        string    `json:"title"`
	Description  string    `json:"description"`
	Status       Status    `json:"status"`
	Dependencies []int     `json:"dependencies"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Task is one node in the task graph.
type Task struct {
	ID           int       `json:"id"`
	Title        string    `json:"title"`
	Description  string    `json:"description"`
	Status       Status    `json:"status"`
	Dependencies []int     `json:"dependencies"`
	Priority     Priority  `json:"priority"`
	Details      string    `json:"details,omitempty"`
	TestStrategy string    `json:"testStrategy,omitempty"`
	Subtasks     []Subtask `json:"subtasks"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
	Tags         []string  `json:"tags,omitempty"`
}

// Clone returns a deep copy so callers never see partial mutations.
func (t *Task) Clone() *Task {
	c := *t
	c.Dependencies = append([]int(nil), t.Dependencies...)
	c.Tags = append([]string(nil), t.Tags...)
	c.Subtasks = make([]Subtask, len(t.Subtasks))
	for i, st := range t.Subtasks {
		c.Subtasks[i] = st
		c.Subtasks[i].Dependencies = append([]int(nil), st.Dependencies...)
	}
	return &c
}

// SubtaskID formats the composite ID of a subtask.
func SubtaskID(parent, index int) string {
	return fmt.Sprintf("%d.%d", parent, index)
}

// ParseID parses a task ID that may be either "N" or "N.M".
// Returns (taskID, subtaskIndex, hasSubtask, error).
func ParseID(id string) (int, int, bool, error) {
	if parent, index, ok := strings.Cut(id, "."); ok {
		p, err := strconv.Atoi(parent)
		if err != nil {
			return 0, 0, false, fmt.Errorf("invalid task ID %q", id)
		}
		i, err := strconv.Atoi(index)
		if err != nil {
			return 0, 0, false, fmt.Errorf("invalid subtask ID %q", id)
		}
		return p, i, true, nil
	}
	p, err := strconv.Atoi(id)
	if err != nil {
		return 0, 0, false, fmt.Errorf("invalid task ID %q", id)
	}
	return p, 0, false, nil
}

// Meta is the header section of the task document.
type Meta struct {
	ProjectName    string    `json:"projectName"`
	ProjectVersion string    `json:"projectVersion"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
	TotalTasks     int       `json:"totalTasks"`
	CompletedTasks int       `json:"completedTasks"`
	PendingTasks   int       `json:"pendingTasks"`
}

// Document is the on-disk task store format.
type Document struct {
	Meta  Meta    `json:"meta"`
	Tasks []*Task `json:"tasks"`
}

// DependencyIssue describes a problem found by dependency validation.
type DependencyIssue struct {
	TaskID int    `json:"task_id"`
	DepID  int    `json:"dep_id"`
	Kind   string `json:"kind"` // missing, self
}

func (i DependencyIssue) String() string {
	switch i.Kind {
	case "self":
		return fmt.Sprintf("task %d depends on itself", i.TaskID)
	default:
		return fmt.Sprintf("task %d depends on missing task %d", i.TaskID, i.DepID)
	}
}
