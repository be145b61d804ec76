package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Pool.MaxWorkers != 6 {
		t.Errorf("MaxWorkers = %d, want 6", cfg.Pool.MaxWorkers)
	}
	if cfg.Pool.Policy != PolicyBalanced {
		t.Errorf("Policy = %s, want balanced", cfg.Pool.Policy)
	}
	if cfg.Lifecycle.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", cfg.Lifecycle.MaxRetries)
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()

	cfg := Default()
	cfg.ProjectName = "demo"
	cfg.Pool.MaxWorkers = 12
	cfg.Pool.WorkerTimeout = 5 * time.Minute
	cfg.Workers = []WorkerSpec{
		{ID: "w1", Model: "large", Capabilities: []string{"code", "review"}, MaxComplexity: "critical", MaxConcurrent: 2},
	}

	if err := cfg.Save(dir); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.ProjectName != "demo" {
		t.Errorf("ProjectName = %s, want demo", loaded.ProjectName)
	}
	if loaded.Pool.MaxWorkers != 12 {
		t.Errorf("MaxWorkers = %d, want 12", loaded.Pool.MaxWorkers)
	}
	if loaded.Pool.WorkerTimeout != 5*time.Minute {
		t.Errorf("WorkerTimeout = %s, want 5m", loaded.Pool.WorkerTimeout)
	}
	if len(loaded.Workers) != 1 || loaded.Workers[0].ID != "w1" {
		t.Errorf("Workers not preserved: %+v", loaded.Workers)
	}
}

func TestPartialFileKeepsDefaults(t *testing.T) {
	dir := t.TempDir()
	herdDir := filepath.Join(dir, HerdDir)
	if err := os.MkdirAll(herdDir, 0755); err != nil {
		t.Fatal(err)
	}
	partial := "pool:\n  max_workers: 10\n"
	if err := os.WriteFile(filepath.Join(herdDir, ConfigFileName), []byte(partial), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Pool.MaxWorkers != 10 {
		t.Errorf("MaxWorkers = %d, want 10", cfg.Pool.MaxWorkers)
	}
	// Untouched fields keep defaults.
	if cfg.Pool.FailureThreshold != 3 {
		t.Errorf("FailureThreshold = %d, want 3", cfg.Pool.FailureThreshold)
	}
}

func TestValidateRejectsBadPool(t *testing.T) {
	cfg := Default()
	cfg.Pool.MinWorkers = 8
	cfg.Pool.MaxWorkers = 4
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for min > max")
	}

	cfg = Default()
	cfg.Pool.ScaleUpThreshold = 0.2
	cfg.Pool.ScaleDownThreshold = 0.5
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for inverted thresholds")
	}

	cfg = Default()
	cfg.Pool.Policy = "wild"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unknown policy")
	}
}
