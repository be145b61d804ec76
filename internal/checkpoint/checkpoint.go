// Package checkpoint provides content-addressed snapshots of the working
// tree with atomic restoration and a retention policy.
package checkpoint

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind classifies why a checkpoint was taken.
type Kind string

const (
	KindManual   Kind = "manual"
	KindAuto     Kind = "auto"
	KindPreTask  Kind = "pre_task"
	KindPostTask Kind = "post_task"
)

// IsValidKind returns true for a known checkpoint kind.
func IsValidKind(k Kind) bool {
	switch k {
	case KindManual, KindAuto, KindPreTask, KindPostTask:
		return true
	default:
		return false
	}
}

// Entry records one tracked file in a manifest.
type Entry struct {
	Path string `json:"path"`
	Hash string `json:"hash"`
	Mode uint32 `json:"mode"`
}

// Manifest is the durable description of a checkpoint. A checkpoint is
// either complete (all blobs stored, manifest written atomically) or absent.
type Manifest struct {
	CheckpointID string            `json:"checkpoint_id"`
	Kind         Kind              `json:"type"`
	Timestamp    time.Time         `json:"timestamp"`
	Description  string            `json:"description"`
	Parent       string            `json:"parent,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Entries      []Entry           `json:"entries"`
}

// RollbackStrategy controls the scope of a restore.
type RollbackStrategy string

const (
	// StrategyFull restores every tracked path and removes untracked ones.
	StrategyFull RollbackStrategy = "full"
	// StrategyPartial restores a tasks-or-files subset. Not implemented;
	// Rollback rejects it with a clear error.
	StrategyPartial RollbackStrategy = "partial"
	// StrategySelective restores only the selected paths.
	StrategySelective RollbackStrategy = "selective"
)

// newCheckpointID returns a sortable checkpoint ID: a nanosecond UTC
// timestamp prefix plus a short random suffix for uniqueness.
func newCheckpointID(now time.Time) string {
	return fmt.Sprintf("%s-%s", now.UTC().Format("20060102T150405.000000000"), uuid.NewString()[:8])
}
