package task

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	herderrors "github.com/herdtools/herd/internal/errors"
)

// DocumentFileName is the task document file under the herd directory.
const DocumentFileName = "tasks.json"

// Store persists the task graph to a single JSON document, rewritten
// atomically (temp file + rename) on every mutation.
type Store struct {
	path string
	doc  *Document
	mu   sync.RWMutex
}

// Open loads or creates the task document at <dir>/tasks.json.
// A corrupted document is fatal: the store refuses to operate rather
// than risk losing data.
func Open(dir, projectName, projectVersion string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	path := filepath.Join(dir, DocumentFileName)

	s := &Store{path: path}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		now := time.Now().UTC()
		s.doc = &Document{
			Meta: Meta{
				ProjectName:    projectName,
				ProjectVersion: projectVersion,
				CreatedAt:      now,
				UpdatedAt:      now,
			},
			Tasks: []*Task{},
		}
		if err := s.save(); err != nil {
			return nil, err
		}
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read task document: %w", err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, herderrors.ErrStoreCorrupt(path, err)
	}
	s.doc = &doc
	return s, nil
}

// Path returns the document path.
func (s *Store) Path() string {
	return s.path
}

// save rewrites the document atomically. Must be called with the lock held.
// The rename is the commit: a failed write leaves the previous document intact.
func (s *Store) save() error {
	s.refreshMeta()

	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal task document: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write task document: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("commit task document: %w", err)
	}
	return nil
}

// refreshMeta recomputes header counts. Must be called with the lock held.
func (s *Store) refreshMeta() {
	s.doc.Meta.UpdatedAt = time.Now().UTC()
	s.doc.Meta.TotalTasks = len(s.doc.Tasks)
	completed, pending := 0, 0
	for _, t := range s.doc.Tasks {
		switch t.Status {
		case StatusDone:
			completed++
		case StatusPending:
			pending++
		}
	}
	s.doc.Meta.CompletedTasks = completed
	s.doc.Meta.PendingTasks = pending
}

// find returns the task with the given ID. Must be called with the lock held.
func (s *Store) find(id int) *Task {
	for _, t := range s.doc.Tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// AddRequest carries the fields for a new task.
type AddRequest struct {
	Title        string
	Description  string
	Dependencies []int
	Priority     Priority
	Details      string
	TestStrategy string
	Tags         []string
}

// Add allocates a new task with ID = max(existing)+1.
// Rejects unknown dependencies and self-references.
func (s *Store) Add(req AddRequest) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := 1
	for _, t := range s.doc.Tasks {
		if t.ID >= id {
			id = t.ID + 1
		}
	}

	for _, dep := range req.Dependencies {
		if dep == id {
			return nil, herderrors.ErrValidation(
				fmt.Sprintf("task %d cannot depend on itself", id), "")
		}
		if s.find(dep) == nil {
			return nil, herderrors.ErrDependency(fmt.Sprint(id), fmt.Sprint(dep))
		}
	}

	priority := req.Priority
	if priority == 0 {
		priority = DefaultPriority
	}

	now := time.Now().UTC()
	t := &Task{
		ID:           id,
		Title:        req.Title,
		Description:  req.Description,
		Status:       StatusPending,
		Dependencies: append([]int(nil), req.Dependencies...),
		Priority:     priority,
		Details:      req.Details,
		TestStrategy: req.TestStrategy,
		Subtasks:     []Subtask{},
		CreatedAt:    now,
		UpdatedAt:    now,
		Tags:         append([]string(nil), req.Tags...),
	}
	s.doc.Tasks = append(s.doc.Tasks, t)

	if err := s.save(); err != nil {
		s.doc.Tasks = s.doc.Tasks[:len(s.doc.Tasks)-1]
		return nil, err
	}
	return t.Clone(), nil
}

// Get returns the task with the given ID, or nil if unknown.
// Supports "<parent>.<index>" for subtasks, returned as a Task view.
func (s *Store) Get(id string) (*Task, error) {
	parent, index, isSub, err := ParseID(id)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	t := s.find(parent)
	if t == nil {
		return nil, nil
	}
	if !isSub {
		return t.Clone(), nil
	}
	for _, st := range t.Subtasks {
		if st.Index == index {
			deps := append([]int(nil), st.Dependencies...)
			return &Task{
				ID:           parent,
				Title:        st.Title,
				Description:  st.Description,
				Status:       st.Status,
				Dependencies: deps,
				Priority:     t.Priority,
				CreatedAt:    st.CreatedAt,
				UpdatedAt:    st.UpdatedAt,
			}, nil
		}
	}
	return nil, nil
}

// AddSubtask appends a subtask with index = max(existing siblings)+1.
// Subtask dependencies reference sibling indices.
func (s *Store) AddSubtask(parentID int, title, description string, deps []int) (*Subtask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	parent := s.find(parentID)
	if parent == nil {
		return nil, herderrors.ErrTaskNotFound(fmt.Sprint(parentID))
	}

	index := 1
	for _, st := range parent.Subtasks {
		if st.Index >= index {
			index = st.Index + 1
		}
	}
	for _, dep := range deps {
		found := false
		for _, st := range parent.Subtasks {
			if st.Index == dep {
				found = true
				break
			}
		}
		if !found {
			return nil, herderrors.ErrDependency(SubtaskID(parentID, index), fmt.Sprint(dep))
		}
	}

	now := time.Now().UTC()
	st := Subtask{
		Index:        index,
		Title:        title,
		Description:  description,
		Status:       StatusPending,
		Dependencies: append([]int(nil), deps...),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	parent.Subtasks = append(parent.Subtasks, st)
	parent.UpdatedAt = now

	if err := s.save(); err != nil {
		parent.Subtasks = parent.Subtasks[:len(parent.Subtasks)-1]
		return nil, err
	}
	return &st, nil
}

// SetStatus updates a task's status. Rejects unknown statuses.
// Supports subtask IDs ("<parent>.<index>").
func (s *Store) SetStatus(id string, status Status) error {
	if !IsValidStatus(status) {
		return herderrors.ErrValidation(fmt.Sprintf("unknown status %q", status), "")
	}

	parent, index, isSub, err := ParseID(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.find(parent)
	if t == nil {
		return herderrors.ErrTaskNotFound(id)
	}

	now := time.Now().UTC()
	if isSub {
		for i := range t.Subtasks {
			if t.Subtasks[i].Index == index {
				t.Subtasks[i].Status = status
				t.Subtasks[i].UpdatedAt = now
				t.UpdatedAt = now
				return s.save()
			}
		}
		return herderrors.ErrTaskNotFound(id)
	}

	if status == StatusDone {
		for _, dep := range t.Dependencies {
			d := s.find(dep)
			if d == nil || d.Status == StatusCancelled {
				continue
			}
			if d.Status != StatusDone {
				return herderrors.ErrValidation(
					fmt.Sprintf("task %d cannot be done", t.ID),
					fmt.Sprintf("dependency %d is %s", dep, d.Status))
			}
		}
	}

	t.Status = status
	t.UpdatedAt = now
	return s.save()
}

// Delete removes a task outright. Soft deletion via the cancelled status is
// preferred; Delete refuses when other tasks depend on the target.
func (s *Store) Delete(id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i, t := range s.doc.Tasks {
		if t.ID == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		return herderrors.ErrTaskNotFound(fmt.Sprint(id))
	}
	for _, t := range s.doc.Tasks {
		for _, dep := range t.Dependencies {
			if dep == id {
				return herderrors.ErrValidation(
					fmt.Sprintf("task %d cannot be deleted", id),
					fmt.Sprintf("task %d depends on it; cancel instead", t.ID))
			}
		}
	}

	prev := append([]*Task(nil), s.doc.Tasks...)
	s.doc.Tasks = append(s.doc.Tasks[:idx:idx], s.doc.Tasks[idx+1:]...)
	if err := s.save(); err != nil {
		s.doc.Tasks = prev
		return err
	}
	return nil
}

// depsSatisfied reports whether every non-cancelled dependency is done.
// Must be called with the lock held.
func (s *Store) depsSatisfied(t *Task) bool {
	for _, dep := range t.Dependencies {
		d := s.find(dep)
		if d == nil {
			return false
		}
		if d.Status == StatusCancelled {
			continue
		}
		if d.Status != StatusDone {
			return false
		}
	}
	return true
}

// NextRunnable returns the highest-priority task whose dependencies are all
// satisfied, among tasks in pending or in-progress status. Ties break on
// lower ID for determinism. Returns nil when nothing is runnable.
func (s *Store) NextRunnable() *Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var candidates []*Task
	for _, t := range s.doc.Tasks {
		if t.Status != StatusPending && t.Status != StatusInProgress {
			continue
		}
		if s.depsSatisfied(t) {
			candidates = append(candidates, t)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].ID < candidates[j].ID
	})
	return candidates[0].Clone()
}

// ValidateDependencies reports missing and self dependencies across the graph.
func (s *Store) ValidateDependencies() []DependencyIssue {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var issues []DependencyIssue
	for _, t := range s.doc.Tasks {
		for _, dep := range t.Dependencies {
			if dep == t.ID {
				issues = append(issues, DependencyIssue{TaskID: t.ID, DepID: dep, Kind: "self"})
				continue
			}
			if s.find(dep) == nil {
				issues = append(issues, DependencyIssue{TaskID: t.ID, DepID: dep, Kind: "missing"})
			}
		}
	}
	return issues
}

// All returns a copy of every task in document order.
func (s *Store) All() []*Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Task, len(s.doc.Tasks))
	for i, t := range s.doc.Tasks {
		out[i] = t.Clone()
	}
	return out
}

// ByStatus returns copies of tasks with the given status, in document order.
func (s *Store) ByStatus(status Status) []*Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Task
	for _, t := range s.doc.Tasks {
		if t.Status == status {
			out = append(out, t.Clone())
		}
	}
	return out
}

// Dependents returns copies of tasks that depend on the given task.
func (s *Store) Dependents(id int) []*Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Task
	for _, t := range s.doc.Tasks {
		for _, dep := range t.Dependencies {
			if dep == id {
				out = append(out, t.Clone())
				break
			}
		}
	}
	return out
}

// Meta returns a copy of the document header.
func (s *Store) Meta() Meta {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.Meta
}
