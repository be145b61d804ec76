package task

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	herderrors "github.com/herdtools/herd/internal/errors"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), "test-project", "0.1.0")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestAddAllocatesSequentialIDs(t *testing.T) {
	s := openStore(t)

	a, err := s.Add(AddRequest{Title: "first", Description: "d"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	b, err := s.Add(AddRequest{Title: "second", Description: "d"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if a.ID != 1 || b.ID != 2 {
		t.Errorf("IDs = %d, %d; want 1, 2", a.ID, b.ID)
	}
	if a.Status != StatusPending {
		t.Errorf("status = %s, want pending", a.Status)
	}
	if a.Priority != DefaultPriority {
		t.Errorf("priority = %d, want %d", a.Priority, DefaultPriority)
	}
	if a.CreatedAt.IsZero() || !a.CreatedAt.Equal(a.UpdatedAt) {
		t.Error("created_at must equal updated_at on creation")
	}
}

func TestAddRejectsUnknownDependency(t *testing.T) {
	s := openStore(t)
	_, err := s.Add(AddRequest{Title: "t", Dependencies: []int{99}})
	if err == nil {
		t.Fatal("expected dependency error")
	}
	he := herderrors.AsHerdError(err)
	if he == nil || he.Code != herderrors.CodeDependency {
		t.Errorf("error code = %v, want DEPENDENCY_UNMET", err)
	}
}

func TestSetStatusEnforcesDependencyGate(t *testing.T) {
	s := openStore(t)
	a, _ := s.Add(AddRequest{Title: "a"})
	b, _ := s.Add(AddRequest{Title: "b", Dependencies: []int{a.ID}})

	// b cannot be done while a is pending.
	if err := s.SetStatus("2", StatusDone); err == nil {
		t.Fatal("expected error: dependency not done")
	}

	if err := s.SetStatus("1", StatusDone); err != nil {
		t.Fatalf("SetStatus a: %v", err)
	}
	if err := s.SetStatus("2", StatusDone); err != nil {
		t.Fatalf("SetStatus b after dep done: %v", err)
	}

	got, _ := s.Get("2")
	if got.Status != StatusDone {
		t.Errorf("status = %s, want done", got.Status)
	}
	_ = b
}

func TestCancelledDependencySatisfiesGate(t *testing.T) {
	s := openStore(t)
	a, _ := s.Add(AddRequest{Title: "a"})
	s.Add(AddRequest{Title: "b", Dependencies: []int{a.ID}})

	if err := s.SetStatus("1", StatusCancelled); err != nil {
		t.Fatalf("cancel a: %v", err)
	}
	if err := s.SetStatus("2", StatusDone); err != nil {
		t.Errorf("b should complete over a cancelled dependency: %v", err)
	}
}

func TestSetStatusRejectsUnknownStatus(t *testing.T) {
	s := openStore(t)
	s.Add(AddRequest{Title: "a"})
	if err := s.SetStatus("1", Status("bogus")); err == nil {
		t.Error("expected validation error for unknown status")
	}
}

func TestNextRunnableOrdering(t *testing.T) {
	s := openStore(t)
	s.Add(AddRequest{Title: "low", Priority: 2})
	s.Add(AddRequest{Title: "high", Priority: 9})
	s.Add(AddRequest{Title: "high-too", Priority: 9})

	next := s.NextRunnable()
	if next == nil {
		t.Fatal("expected a runnable task")
	}
	// Priority desc, then ID asc.
	if next.ID != 2 {
		t.Errorf("next = task %d, want 2", next.ID)
	}
}

func TestNextRunnableHonorsDependencies(t *testing.T) {
	s := openStore(t)
	a, _ := s.Add(AddRequest{Title: "a", Priority: 1})
	s.Add(AddRequest{Title: "b", Priority: 10, Dependencies: []int{a.ID}})

	next := s.NextRunnable()
	if next == nil || next.ID != a.ID {
		t.Fatalf("next = %v, want task %d (b is blocked)", next, a.ID)
	}

	s.SetStatus("1", StatusDone)
	next = s.NextRunnable()
	if next == nil || next.ID != 2 {
		t.Fatalf("next = %v, want task 2 after a done", next)
	}
}

func TestAddThenCancelLeavesNextRunnableUnchanged(t *testing.T) {
	s := openStore(t)
	s.Add(AddRequest{Title: "a", Priority: 5})

	before := s.NextRunnable()

	extra, _ := s.Add(AddRequest{Title: "extra", Priority: 10})
	s.SetStatus("2", StatusCancelled)
	_ = extra

	after := s.NextRunnable()
	if before.ID != after.ID {
		t.Errorf("nextRunnable changed: before=%d after=%d", before.ID, after.ID)
	}
}

func TestSubtasks(t *testing.T) {
	s := openStore(t)
	parent, _ := s.Add(AddRequest{Title: "parent"})

	st1, err := s.AddSubtask(parent.ID, "child one", "", nil)
	if err != nil {
		t.Fatalf("AddSubtask: %v", err)
	}
	st2, err := s.AddSubtask(parent.ID, "child two", "", []int{st1.Index})
	if err != nil {
		t.Fatalf("AddSubtask with sibling dep: %v", err)
	}
	if st1.Index != 1 || st2.Index != 2 {
		t.Errorf("indices = %d, %d; want 1, 2", st1.Index, st2.Index)
	}

	// Sibling dep must exist.
	if _, err := s.AddSubtask(parent.ID, "bad", "", []int{9}); err == nil {
		t.Error("expected error for unknown sibling dependency")
	}

	// Get supports composite IDs.
	got, err := s.Get("1.2")
	if err != nil {
		t.Fatalf("Get 1.2: %v", err)
	}
	if got == nil || got.Title != "child two" {
		t.Errorf("Get(1.2) = %+v, want child two", got)
	}

	// Subtask status updates.
	if err := s.SetStatus("1.1", StatusDone); err != nil {
		t.Fatalf("SetStatus 1.1: %v", err)
	}
}

func TestValidateDependencies(t *testing.T) {
	s := openStore(t)
	s.Add(AddRequest{Title: "a"})

	// Inject a broken graph the way a hand-edited document would look.
	doc := Document{
		Meta: s.Meta(),
		Tasks: []*Task{
			{ID: 1, Title: "a", Status: StatusPending, Dependencies: []int{1}},
			{ID: 2, Title: "b", Status: StatusPending, Dependencies: []int{7}},
		},
	}
	data, _ := json.Marshal(doc)
	if err := os.WriteFile(s.Path(), data, 0644); err != nil {
		t.Fatal(err)
	}
	reopened, err := Open(filepath.Dir(s.Path()), "p", "v")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}

	issues := reopened.ValidateDependencies()
	if len(issues) != 2 {
		t.Fatalf("issues = %d, want 2: %v", len(issues), issues)
	}
	kinds := map[string]bool{}
	for _, i := range issues {
		kinds[i.Kind] = true
	}
	if !kinds["self"] || !kinds["missing"] {
		t.Errorf("want one self and one missing issue, got %v", issues)
	}
}

func TestSaveLoadRoundTripPreservesOrder(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, "proj", "1.0")
	if err != nil {
		t.Fatal(err)
	}
	s.Add(AddRequest{Title: "one", Priority: 8, Tags: []string{"x"}})
	s.Add(AddRequest{Title: "two", Priority: 2})
	s.Add(AddRequest{Title: "three", Dependencies: []int{1, 2}})
	s.SetStatus("1", StatusDone)

	reloaded, err := Open(dir, "proj", "1.0")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}

	orig := s.All()
	got := reloaded.All()
	if len(got) != len(orig) {
		t.Fatalf("task count = %d, want %d", len(got), len(orig))
	}
	for i := range orig {
		if got[i].ID != orig[i].ID || got[i].Title != orig[i].Title ||
			got[i].Status != orig[i].Status || got[i].Priority.Band() != orig[i].Priority.Band() {
			t.Errorf("task %d differs after reload: %+v vs %+v", i, got[i], orig[i])
		}
	}
	meta := reloaded.Meta()
	if meta.TotalTasks != 3 || meta.CompletedTasks != 1 || meta.PendingTasks != 2 {
		t.Errorf("meta counts = %+v", meta)
	}
}

func TestCorruptedDocumentIsFatal(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, DocumentFileName), []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	_, err := Open(dir, "p", "v")
	if err == nil {
		t.Fatal("expected corruption error")
	}
	he := herderrors.AsHerdError(err)
	if he == nil || he.Code != herderrors.CodeStoreCorrupt {
		t.Errorf("error = %v, want STORE_CORRUPT", err)
	}
}

func TestDeleteRefusesWhenDependedOn(t *testing.T) {
	s := openStore(t)
	a, _ := s.Add(AddRequest{Title: "a"})
	s.Add(AddRequest{Title: "b", Dependencies: []int{a.ID}})

	if err := s.Delete(a.ID); err == nil {
		t.Error("expected refusal to delete a depended-on task")
	}
	if err := s.Delete(2); err != nil {
		t.Errorf("Delete leaf: %v", err)
	}
	if err := s.Delete(a.ID); err != nil {
		t.Errorf("Delete after dependent removed: %v", err)
	}
}

func TestDependents(t *testing.T) {
	s := openStore(t)
	a, _ := s.Add(AddRequest{Title: "a"})
	s.Add(AddRequest{Title: "b", Dependencies: []int{a.ID}})
	s.Add(AddRequest{Title: "c", Dependencies: []int{a.ID}})

	deps := s.Dependents(a.ID)
	if len(deps) != 2 {
		t.Errorf("dependents = %d, want 2", len(deps))
	}
}

func TestPriorityBandsInDocument(t *testing.T) {
	s := openStore(t)
	s.Add(AddRequest{Title: "urgent", Priority: 9})

	data, err := os.ReadFile(s.Path())
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	tasks := raw["tasks"].([]any)
	first := tasks[0].(map[string]any)
	if first["priority"] != "high" {
		t.Errorf("document priority = %v, want high", first["priority"])
	}
}
