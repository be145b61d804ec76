package allocate

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/herdtools/herd/internal/db"
	"github.com/herdtools/herd/internal/worker"
)

// History records allocation decisions and their outcomes in the project
// database, one row per allocation.
type History struct {
	db *db.DB
}

// Record is one allocation decision, optionally closed by a release.
type Record struct {
	ID              int64
	TaskID          string
	WorkerID        string
	Score           float64
	Strategy        string
	Capabilities    []worker.Capability
	Success         *bool
	DurationMinutes *float64
	AllocatedAt     time.Time
	ReleasedAt      *time.Time
}

// NewHistory returns an allocation history over the given database.
func NewHistory(database *db.DB) *History {
	return &History{db: database}
}

// RecordAllocation appends an open allocation row.
func (h *History) RecordAllocation(taskID, workerID string, score float64, strategy string, caps []worker.Capability, at time.Time) error {
	capList := make([]string, len(caps))
	for i, c := range caps {
		capList[i] = string(c)
	}
	_, err := h.db.Exec(`
		INSERT INTO allocation_history (task_id, worker_id, score, strategy, capabilities, allocated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		taskID, workerID, score, strategy, strings.Join(capList, ","), at.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record allocation: %w", err)
	}
	return nil
}

// RecordRelease closes the most recent open allocation for the task/worker
// pair with the outcome.
func (h *History) RecordRelease(taskID, workerID string, success bool, durationMinutes float64, at time.Time) error {
	_, err := h.db.Exec(`
		UPDATE allocation_history
		SET success = ?, duration_minutes = ?, released_at = ?
		WHERE id = (
			SELECT id FROM allocation_history
			WHERE task_id = ? AND worker_id = ? AND released_at IS NULL
			ORDER BY id DESC LIMIT 1
		)`,
		boolToInt(success), durationMinutes, at.UTC().Format(time.RFC3339Nano),
		taskID, workerID)
	if err != nil {
		return fmt.Errorf("record release: %w", err)
	}
	return nil
}

// WorkerStats aggregates released allocations for one worker since the
// given time. Returns nil when the worker has no released history.
func (h *History) WorkerStats(workerID string, since time.Time) (*HistoricalStats, error) {
	rows, err := h.db.Query(`
		SELECT success, duration_minutes, capabilities
		FROM allocation_history
		WHERE worker_id = ? AND released_at IS NOT NULL AND allocated_at >= ?`,
		workerID, since.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("query worker stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	stats := &HistoricalStats{CapabilityScores: make(map[worker.Capability]float64)}
	var successes int
	var durationSum float64
	var durationCount int
	capTotals := map[worker.Capability]int{}
	capSuccesses := map[worker.Capability]int{}

	for rows.Next() {
		var success sql.NullInt64
		var duration sql.NullFloat64
		var caps string
		if err := rows.Scan(&success, &duration, &caps); err != nil {
			return nil, fmt.Errorf("scan worker stats: %w", err)
		}
		stats.TotalTasks++
		ok := success.Valid && success.Int64 != 0
		if ok {
			successes++
		}
		if duration.Valid {
			durationSum += duration.Float64
			durationCount++
		}
		for _, c := range strings.Split(caps, ",") {
			if c == "" {
				continue
			}
			name := worker.Capability(c)
			capTotals[name]++
			if ok {
				capSuccesses[name]++
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate worker stats: %w", err)
	}
	if stats.TotalTasks == 0 {
		return nil, nil
	}

	stats.SuccessRate = float64(successes) / float64(stats.TotalTasks)
	if durationCount > 0 {
		stats.AvgDurationMinutes = durationSum / float64(durationCount)
	}
	for c, total := range capTotals {
		stats.CapabilityScores[c] = float64(capSuccesses[c]) / float64(total)
	}
	return stats, nil
}

// Analytics summarizes allocation efficiency across the fleet.
type Analytics struct {
	TotalAllocations int            `json:"total_allocations"`
	Released         int            `json:"released"`
	Efficiency       float64        `json:"efficiency"` // successes over released, in [0, 1]
	AvgDurationMin   float64        `json:"avg_duration_minutes"`
	WorkerUsage      map[string]int `json:"worker_usage"`
	StrategyUsage    map[string]int `json:"strategy_usage"`
}

// Analytics aggregates every allocation since the given time.
func (h *History) Analytics(since time.Time) (*Analytics, error) {
	rows, err := h.db.Query(`
		SELECT worker_id, strategy, success, duration_minutes, released_at
		FROM allocation_history
		WHERE allocated_at >= ?`,
		since.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("query allocation analytics: %w", err)
	}
	defer func() { _ = rows.Close() }()

	a := &Analytics{
		WorkerUsage:   make(map[string]int),
		StrategyUsage: make(map[string]int),
	}
	var successes int
	var durationSum float64
	var durationCount int
	for rows.Next() {
		var workerID, strategy string
		var success sql.NullInt64
		var duration sql.NullFloat64
		var releasedAt sql.NullString
		if err := rows.Scan(&workerID, &strategy, &success, &duration, &releasedAt); err != nil {
			return nil, fmt.Errorf("scan allocation analytics: %w", err)
		}
		a.TotalAllocations++
		a.WorkerUsage[workerID]++
		if strategy != "" {
			a.StrategyUsage[strategy]++
		}
		if releasedAt.Valid {
			a.Released++
			if success.Valid && success.Int64 != 0 {
				successes++
			}
		}
		if duration.Valid {
			durationSum += duration.Float64
			durationCount++
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate allocation analytics: %w", err)
	}
	if a.Released > 0 {
		a.Efficiency = float64(successes) / float64(a.Released)
	}
	if durationCount > 0 {
		a.AvgDurationMin = durationSum / float64(durationCount)
	}
	return a, nil
}

// Recent returns the newest released-or-open records, newest first.
func (h *History) Recent(limit int) ([]*Record, error) {
	rows, err := h.db.Query(`
		SELECT id, task_id, worker_id, score, strategy, capabilities,
		       success, duration_minutes, allocated_at, released_at
		FROM allocation_history
		ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query allocation history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Record
	for rows.Next() {
		var r Record
		var caps string
		var success sql.NullInt64
		var duration sql.NullFloat64
		var allocatedAt string
		var releasedAt sql.NullString
		if err := rows.Scan(&r.ID, &r.TaskID, &r.WorkerID, &r.Score, &r.Strategy,
			&caps, &success, &duration, &allocatedAt, &releasedAt); err != nil {
			return nil, fmt.Errorf("scan allocation record: %w", err)
		}
		for _, c := range strings.Split(caps, ",") {
			if c != "" {
				r.Capabilities = append(r.Capabilities, worker.Capability(c))
			}
		}
		if success.Valid {
			v := success.Int64 != 0
			r.Success = &v
		}
		if duration.Valid {
			v := duration.Float64
			r.DurationMinutes = &v
		}
		if t, err := time.Parse(time.RFC3339Nano, allocatedAt); err == nil {
			r.AllocatedAt = t
		}
		if releasedAt.Valid {
			if t, err := time.Parse(time.RFC3339Nano, releasedAt.String); err == nil {
				r.ReleasedAt = &t
			}
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
