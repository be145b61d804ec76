package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"testing"
)

func TestHerdErrorMessage(t *testing.T) {
	err := ErrWorkerFailure("worker-1", "3", "exit status 1")
	msg := err.Error()
	if !strings.Contains(msg, "worker-1") || !strings.Contains(msg, "exit status 1") {
		t.Errorf("Error() = %q, want worker and reason included", msg)
	}
}

func TestUnwrap(t *testing.T) {
	cause := fmt.Errorf("disk full")
	err := ErrCheckpoint("create", "cp-1", cause)

	if !stderrors.Is(err, cause) {
		t.Error("errors.Is should find the cause through Unwrap")
	}
}

func TestIsMatchesByCode(t *testing.T) {
	a := ErrNoWorker("1")
	b := ErrNoWorker("2")
	if !stderrors.Is(a, b) {
		t.Error("two NO_WORKER_AVAILABLE errors should match via Is")
	}
	if stderrors.Is(a, ErrTaskNotFound("1")) {
		t.Error("different codes should not match")
	}
}

func TestCategories(t *testing.T) {
	tests := []struct {
		err  *HerdError
		want Category
	}{
		{ErrNoWorker("1"), CategoryTransient},
		{ErrValidation("bad", "reason"), CategoryUser},
		{ErrStoreCorrupt("tasks.json", nil), CategoryFatal},
		{ErrCheckpoint("rollback", "cp", nil), CategoryFatal},
	}
	for _, tt := range tests {
		if got := tt.err.Category(); got != tt.want {
			t.Errorf("%s: Category() = %v, want %v", tt.err.Code, got, tt.want)
		}
	}
	if !ErrStoreCorrupt("x", nil).IsFatal() {
		t.Error("StoreCorrupt must be fatal")
	}
}

func TestExitCodes(t *testing.T) {
	if got := ErrPlanRejected("cycle").ExitCode(); got != 2 {
		t.Errorf("plan rejection exit code = %d, want 2", got)
	}
	if got := ErrInterrupted().ExitCode(); got != 130 {
		t.Errorf("interrupt exit code = %d, want 130", got)
	}
	if got := ErrCheckpoint("create", "cp", nil).ExitCode(); got != 1 {
		t.Errorf("checkpoint exit code = %d, want 1", got)
	}
}

func TestMarshalJSONIncludesCause(t *testing.T) {
	err := ErrStoreCorrupt("results.db", fmt.Errorf("bad header"))
	data, jerr := json.Marshal(err)
	if jerr != nil {
		t.Fatalf("marshal: %v", jerr)
	}
	var m map[string]any
	if jerr := json.Unmarshal(data, &m); jerr != nil {
		t.Fatalf("unmarshal: %v", jerr)
	}
	if m["code"] != string(CodeStoreCorrupt) {
		t.Errorf("code = %v, want %s", m["code"], CodeStoreCorrupt)
	}
	if m["cause"] != "bad header" {
		t.Errorf("cause = %v, want bad header", m["cause"])
	}
}

func TestWithRequestID(t *testing.T) {
	err := WithRequestID(ErrWorkerFailure("w", "1", "boom"))
	if err.RequestID == "" {
		t.Fatal("request ID not set")
	}
	if !strings.Contains(err.UserMessage(), err.RequestID) {
		t.Error("UserMessage should carry the request ID")
	}
}

func TestAsHerdError(t *testing.T) {
	wrapped := fmt.Errorf("outer: %w", ErrTaskNotFound("9"))
	he := AsHerdError(wrapped)
	if he == nil || he.Code != CodeTaskNotFound {
		t.Fatalf("AsHerdError = %v, want TASK_NOT_FOUND", he)
	}
	if AsHerdError(fmt.Errorf("plain")) != nil {
		t.Error("plain error should not convert")
	}
}
