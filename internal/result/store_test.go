package result

import (
	"strings"
	"testing"
	"time"

	"github.com/herdtools/herd/internal/db"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	database, err := db.OpenInMemory()
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })

	if err := database.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewStore(database)
}

func sampleResult(taskID, workerID string, status Status) *WorkerResult {
	return &WorkerResult{
		TaskID:           taskID,
		WorkerID:         workerID,
		Status:           status,
		Output:           "Implemented the feature with tests.\n" + strings.Repeat("detail ", 40),
		CreatedFiles:     []string{"feature.go"},
		ModifiedFiles:    []string{"main.go"},
		ExecutionSeconds: 42.5,
		TokensUsed:       1200,
		Timestamp:        time.Now().UTC(),
		Metadata:         map[string]string{"phase": "implement"},
	}
}

func TestStoreAndLatest(t *testing.T) {
	s := setupStore(t)

	id, err := s.Store(sampleResult("1", "worker-a", StatusSuccess))
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if id == 0 {
		t.Error("expected nonzero row ID")
	}

	got, err := s.Latest("1")
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if got == nil {
		t.Fatal("Latest returned nil")
	}
	if got.WorkerID != "worker-a" || got.Status != StatusSuccess {
		t.Errorf("got %+v", got)
	}
	if len(got.CreatedFiles) != 1 || got.CreatedFiles[0] != "feature.go" {
		t.Errorf("created files = %v", got.CreatedFiles)
	}
	if got.Metadata["phase"] != "implement" {
		t.Errorf("metadata = %v", got.Metadata)
	}
}

func TestLatestPicksNewest(t *testing.T) {
	s := setupStore(t)

	first := sampleResult("1", "worker-a", StatusFailed)
	first.Timestamp = time.Now().UTC().Add(-time.Hour)
	if _, err := s.Store(first); err != nil {
		t.Fatal(err)
	}
	second := sampleResult("1", "worker-b", StatusSuccess)
	if _, err := s.Store(second); err != nil {
		t.Fatal(err)
	}

	got, err := s.Latest("1")
	if err != nil {
		t.Fatal(err)
	}
	if got.WorkerID != "worker-b" {
		t.Errorf("latest worker = %s, want worker-b", got.WorkerID)
	}

	history, err := s.History("1")
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
	if history[0].WorkerID != "worker-a" {
		t.Errorf("history not oldest-first: %v", history[0].WorkerID)
	}
}

func TestLatestMissingTask(t *testing.T) {
	s := setupStore(t)
	got, err := s.Latest("nope")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}

func TestByStatus(t *testing.T) {
	s := setupStore(t)
	s.Store(sampleResult("1", "a", StatusSuccess))
	s.Store(sampleResult("2", "a", StatusFailed))
	s.Store(sampleResult("3", "b", StatusSuccess))

	succ, err := s.ByStatus(StatusSuccess)
	if err != nil {
		t.Fatal(err)
	}
	if len(succ) != 2 {
		t.Errorf("success count = %d, want 2", len(succ))
	}
}

func TestMarkValidated(t *testing.T) {
	s := setupStore(t)
	s.Store(sampleResult("1", "a", StatusSuccess))

	if err := s.MarkValidated("1", true); err != nil {
		t.Fatalf("MarkValidated: %v", err)
	}
	got, _ := s.Latest("1")
	if got.ValidationPassed == nil || !*got.ValidationPassed {
		t.Error("validation flag not persisted")
	}

	if err := s.MarkValidated("missing", true); err == nil {
		t.Error("expected error for unknown task")
	}
}

func TestWorkerStats(t *testing.T) {
	s := setupStore(t)
	s.Store(sampleResult("1", "a", StatusSuccess))
	s.Store(sampleResult("2", "a", StatusFailed))
	r := sampleResult("3", "a", StatusSuccess)
	r.ExecutionSeconds = 10
	s.Store(r)
	s.MarkValidated("3", true)

	stats, err := s.WorkerStats("a")
	if err != nil {
		t.Fatal(err)
	}
	if stats.Total != 3 || stats.Succeeded != 2 || stats.Failed != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.TotalTokens != 3600 {
		t.Errorf("tokens = %d, want 3600", stats.TotalTokens)
	}
	if stats.Validated != 1 {
		t.Errorf("validated = %d, want 1", stats.Validated)
	}
}

func TestStoreRejectsInvalid(t *testing.T) {
	s := setupStore(t)

	r := sampleResult("", "a", StatusSuccess)
	if _, err := s.Store(r); err == nil {
		t.Error("expected error for missing task ID")
	}

	r = sampleResult("1", "a", Status("weird"))
	if _, err := s.Store(r); err == nil {
		t.Error("expected error for invalid status")
	}
}
