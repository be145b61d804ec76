// Package lock serializes working-tree mutation across processes. The
// applier and the checkpoint store both rewrite files under the working
// directory; the tree lock makes sure only one herd process does so at
// a time, with stale-holder takeover when a process dies.
package lock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the lock document inside the herd state directory.
const FileName = "worktree.lock.yaml"

// DefaultTTL is how long a lock outlives its last heartbeat.
const DefaultTTL = 60 * time.Second

// DefaultHeartbeatInterval refreshes well inside the TTL.
const DefaultHeartbeatInterval = 10 * time.Second

// record is the on-disk lock document.
type record struct {
	Owner     string    `yaml:"owner"` // user@machine
	Acquired  time.Time `yaml:"acquired"`
	Heartbeat time.Time `yaml:"heartbeat"`
	TTL       string    `yaml:"ttl"`
	PID       int       `yaml:"pid"`
}

func (r *record) ttl() time.Duration {
	d, err := time.ParseDuration(r.TTL)
	if err != nil {
		return DefaultTTL
	}
	return d
}

func (r *record) stale() bool {
	return time.Since(r.Heartbeat) > r.ttl()
}

// Holder describes who owns the tree lock.
type Holder struct {
	Owner     string
	Acquired  time.Time
	Heartbeat time.Time
	PID       int
}

// HeldError reports an acquisition attempt against a live lock.
type HeldError struct {
	Owner  string
	Reason string
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("%s (held by %s)", e.Reason, e.Owner)
}

// TreeLock is a file-based mutex over one working tree.
type TreeLock struct {
	path  string
	owner string
	ttl   time.Duration
	mu    sync.Mutex
}

// New returns a tree lock stored under herdDir. owner should identify
// the process across machines, typically user@host.
func New(herdDir, owner string, ttl time.Duration) *TreeLock {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &TreeLock{path: filepath.Join(herdDir, FileName), owner: owner, ttl: ttl}
}

// DefaultOwner builds a user@host identifier for this process.
func DefaultOwner() string {
	user := os.Getenv("USER")
	if user == "" {
		user = "unknown"
	}
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	return user + "@" + host
}

// Acquire takes the lock, refreshing it if this owner already holds it
// and claiming it if the previous holder went stale.
func (l *TreeLock) Acquire() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	existing, err := l.read()
	if err == nil {
		if !existing.stale() && existing.Owner != l.owner {
			return &HeldError{Owner: existing.Owner, Reason: "working tree is locked"}
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("read tree lock: %w", err)
	}

	now := time.Now().UTC()
	return l.write(&record{
		Owner:     l.owner,
		Acquired:  now,
		Heartbeat: now,
		TTL:       l.ttl.String(),
		PID:       os.Getpid(),
	})
}

// Release drops the lock. Releasing a lock held by someone else fails;
// releasing an absent lock is a no-op.
func (l *TreeLock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	existing, err := l.read()
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read tree lock: %w", err)
	}
	if existing.Owner != l.owner {
		return &HeldError{Owner: existing.Owner, Reason: "cannot release a lock held by another"}
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove tree lock: %w", err)
	}
	return nil
}

// Heartbeat refreshes the lock's liveness timestamp.
func (l *TreeLock) Heartbeat() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	existing, err := l.read()
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("tree lock not held")
		}
		return fmt.Errorf("read tree lock: %w", err)
	}
	if existing.Owner != l.owner {
		return &HeldError{Owner: existing.Owner, Reason: "cannot heartbeat a lock held by another"}
	}
	existing.Heartbeat = time.Now().UTC()
	return l.write(existing)
}

// Locked reports whether a live lock exists, and by whom.
func (l *TreeLock) Locked() (bool, *Holder, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	existing, err := l.read()
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil, nil
		}
		return false, nil, fmt.Errorf("read tree lock: %w", err)
	}
	if existing.stale() {
		return false, nil, nil
	}
	return true, &Holder{
		Owner:     existing.Owner,
		Acquired:  existing.Acquired,
		Heartbeat: existing.Heartbeat,
		PID:       existing.PID,
	}, nil
}

// KeepAlive heartbeats on an interval until the context ends. Heartbeat
// errors are dropped; a persistently failing holder simply goes stale.
func (l *TreeLock) KeepAlive(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = l.Heartbeat()
		}
	}
}

func (l *TreeLock) read() (*record, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, err
	}
	var r record
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse tree lock: %w", err)
	}
	return &r, nil
}

func (l *TreeLock) write(r *record) error {
	data, err := yaml.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal tree lock: %w", err)
	}
	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write tree lock: %w", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("publish tree lock: %w", err)
	}
	return nil
}
