package checkpoint

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	herderrors "github.com/herdtools/herd/internal/errors"
)

// rollbackOp is one step of a restore plan. Deletions run first, then
// overwrites, then creations, so a rename-like change (delete A + create B
// with the same content) never collides.
type rollbackOp struct {
	kind string // delete, overwrite, create
	path string // relative
	hash string
	mode uint32
}

// RollbackOptions scopes a restore.
type RollbackOptions struct {
	Strategy      RollbackStrategy
	SelectedPaths []string // for StrategySelective
}

// Rollback restores the working tree to a checkpoint's manifest: missing
// files are recreated from blobs, changed files overwritten, and files
// absent from the manifest deleted. The plan is diffed against the
// current tree and every operation is idempotent, so a rollback that
// aborted mid-restore completes on retry: already-restored paths drop
// out of the new plan and only the remaining work is applied.
func (s *Store) Rollback(id string, opts RollbackOptions) error {
	if opts.Strategy == "" {
		opts.Strategy = StrategyFull
	}
	if opts.Strategy == StrategyPartial {
		return herderrors.ErrValidation(
			"partial rollback is not supported",
			"Use 'selective' with explicit paths, or 'full'")
	}
	if opts.Strategy != StrategyFull && opts.Strategy != StrategySelective {
		return herderrors.ErrValidation(fmt.Sprintf("unknown rollback strategy %q", opts.Strategy), "")
	}

	s.mu.Lock()
	s.protected[id] = true
	defer func() {
		delete(s.protected, id)
		s.mu.Unlock()
	}()

	m, err := s.Get(id)
	if err != nil {
		return err
	}
	if m == nil {
		return herderrors.ErrValidation(fmt.Sprintf("checkpoint %s not found", id), "")
	}

	plan, err := s.planRollback(m, opts)
	if err != nil {
		return herderrors.ErrCheckpoint("rollback", id, err)
	}

	for _, op := range plan {
		if err := s.applyOp(op); err != nil {
			return herderrors.ErrCheckpoint("rollback", id, err)
		}
	}
	return nil
}

// planRollback diffs the working tree against the manifest.
func (s *Store) planRollback(m *Manifest, opts RollbackOptions) ([]rollbackOp, error) {
	selected := func(string) bool { return true }
	if opts.Strategy == StrategySelective {
		set := make(map[string]bool, len(opts.SelectedPaths))
		for _, p := range opts.SelectedPaths {
			set[filepath.ToSlash(p)] = true
		}
		selected = func(path string) bool { return set[path] }
	}

	tracked := make(map[string]Entry, len(m.Entries))
	for _, e := range m.Entries {
		tracked[e.Path] = e
	}

	var deletes, overwrites, creates []rollbackOp

	// Walk the current tree for deletions and changed files.
	err := filepath.WalkDir(s.workDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(s.workDir, path)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if rel == ".herd" || rel == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(rel, ".herd/") || strings.HasPrefix(rel, ".git/") {
			return nil
		}
		if !selected(rel) {
			return nil
		}

		entry, ok := tracked[rel]
		if !ok {
			deletes = append(deletes, rollbackOp{kind: "delete", path: rel})
			return nil
		}
		hash, hashErr := hashFile(path)
		if hashErr != nil {
			return hashErr
		}
		if hash != entry.Hash {
			overwrites = append(overwrites, rollbackOp{kind: "overwrite", path: rel, hash: entry.Hash, mode: entry.Mode})
		} else {
			info, statErr := os.Stat(path)
			if statErr != nil {
				return statErr
			}
			if uint32(info.Mode().Perm()) != entry.Mode {
				overwrites = append(overwrites, rollbackOp{kind: "overwrite", path: rel, hash: entry.Hash, mode: entry.Mode})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Manifest entries missing from the tree become creations.
	for _, e := range m.Entries {
		if !selected(e.Path) {
			continue
		}
		if _, statErr := os.Stat(filepath.Join(s.workDir, filepath.FromSlash(e.Path))); os.IsNotExist(statErr) {
			creates = append(creates, rollbackOp{kind: "create", path: e.Path, hash: e.Hash, mode: e.Mode})
		}
	}

	sortOps := func(ops []rollbackOp) {
		sort.Slice(ops, func(i, j int) bool { return ops[i].path < ops[j].path })
	}
	sortOps(deletes)
	sortOps(overwrites)
	sortOps(creates)

	plan := make([]rollbackOp, 0, len(deletes)+len(overwrites)+len(creates))
	plan = append(plan, deletes...)
	plan = append(plan, overwrites...)
	plan = append(plan, creates...)
	return plan, nil
}

// applyOp executes one restore operation. Each operation is idempotent.
func (s *Store) applyOp(op rollbackOp) error {
	abs := filepath.Join(s.workDir, filepath.FromSlash(op.path))
	switch op.kind {
	case "delete":
		if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	case "overwrite", "create":
		if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
			return err
		}
		if err := s.restoreBlob(op.hash, abs); err != nil {
			return err
		}
		return os.Chmod(abs, fs.FileMode(op.mode))
	default:
		return fmt.Errorf("unknown rollback op %q", op.kind)
	}
}

// restoreBlob copies blob content over the target via temp file + rename.
func (s *Store) restoreBlob(hash, dst string) error {
	in, err := os.Open(s.blobPath(hash))
	if err != nil {
		return fmt.Errorf("blob %s missing: %w", hash[:12], err)
	}
	defer func() { _ = in.Close() }()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".restore-*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, in); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), dst)
}
