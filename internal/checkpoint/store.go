package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/sync/errgroup"

	herderrors "github.com/herdtools/herd/internal/errors"
)

const (
	// StoreDirName is the checkpoint directory under the herd directory.
	StoreDirName = "checkpoints"
	// blobsDirName holds content-addressed blobs shared by all checkpoints.
	blobsDirName = "blobs"
	// manifestFileName is the per-checkpoint manifest document.
	manifestFileName = "manifest.json"
)

// Store is a content-addressed snapshot store for one working tree.
// Create and Rollback are serialized against each other; manifest reads
// are lock-free.
type Store struct {
	workDir string
	dir     string

	maxCheckpoints int

	mu        sync.Mutex
	protected map[string]bool // rollback targets in progress; never pruned
}

// NewStore creates a checkpoint store rooted at <herdDir>/checkpoints for
// the given working tree. maxCheckpoints <= 0 disables pruning.
func NewStore(workDir, herdDir string, maxCheckpoints int) (*Store, error) {
	dir := filepath.Join(herdDir, StoreDirName)
	if err := os.MkdirAll(filepath.Join(dir, blobsDirName), 0755); err != nil {
		return nil, fmt.Errorf("create checkpoint directory: %w", err)
	}
	return &Store{
		workDir:        workDir,
		dir:            dir,
		maxCheckpoints: maxCheckpoints,
		protected:      make(map[string]bool),
	}, nil
}

// Create snapshots every file under the working tree matching includePaths
// (doublestar globs, relative to the working tree). Each unique content hash
// is stored exactly once as a blob; the checkpoint is published only when
// the manifest has been durably written.
func (s *Store) Create(kind Kind, description string, includePaths []string, metadata map[string]string) (string, error) {
	if !IsValidKind(kind) {
		return "", herderrors.ErrValidation(fmt.Sprintf("unknown checkpoint type %q", kind), "")
	}
	if len(includePaths) == 0 {
		includePaths = []string{"**/*"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := newCheckpointID(time.Now())

	files, err := s.enumerate(includePaths)
	if err != nil {
		return "", herderrors.ErrCheckpoint("create", id, err)
	}

	entries, err := s.storeBlobs(files)
	if err != nil {
		return "", herderrors.ErrCheckpoint("create", id, err)
	}

	manifest := &Manifest{
		CheckpointID: id,
		Kind:         kind,
		Timestamp:    time.Now().UTC(),
		Description:  description,
		Parent:       s.latestIDLocked(),
		Metadata:     metadata,
		Entries:      entries,
	}
	if err := s.writeManifest(manifest); err != nil {
		return "", herderrors.ErrCheckpoint("create", id, err)
	}

	if err := s.pruneLocked(); err != nil {
		return "", herderrors.ErrCheckpoint("prune", id, err)
	}
	return id, nil
}

// enumerate walks the working tree and returns relative paths matching any
// include glob. The herd state directory itself is never tracked.
func (s *Store) enumerate(includePaths []string) ([]string, error) {
	var files []string
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
		for _, glob := range includePaths {
			ok, matchErr := doublestar.Match(glob, rel)
			if matchErr != nil {
				return fmt.Errorf("bad include glob %q: %w", glob, matchErr)
			}
			if ok {
				files = append(files, rel)
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// storeBlobs hashes files in parallel and stores each unique hash once.
func (s *Store) storeBlobs(files []string) ([]Entry, error) {
	entries := make([]Entry, len(files))

	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, rel := range files {
		g.Go(func() error {
			abs := filepath.Join(s.workDir, filepath.FromSlash(rel))
			info, err := os.Stat(abs)
			if err != nil {
				return err
			}
			hash, err := hashFile(abs)
			if err != nil {
				return err
			}
			if err := s.ensureBlob(hash, abs); err != nil {
				return err
			}
			entries[i] = Entry{Path: rel, Hash: hash, Mode: uint32(info.Mode().Perm())}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return entries, nil
}

// ensureBlob copies the file into the blob store unless the hash already
// exists. Written via temp file + rename so a partial copy is never visible.
func (s *Store) ensureBlob(hash, src string) error {
	blobPath := s.blobPath(hash)
	if _, err := os.Stat(blobPath); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(blobPath), 0755); err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	tmp, err := os.CreateTemp(filepath.Dir(blobPath), "blob-*")
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
	return os.Rename(tmp.Name(), blobPath)
}

func (s *Store) blobPath(hash string) string {
	return filepath.Join(s.dir, blobsDirName, hash[:2], hash)
}

// writeManifest publishes the checkpoint atomically.
func (s *Store) writeManifest(m *Manifest) error {
	cpDir := filepath.Join(s.dir, m.CheckpointID)
	if err := os.MkdirAll(cpDir, 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	tmp := filepath.Join(cpDir, manifestFileName+".tmp")
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(cpDir, manifestFileName))
}

// List returns every published checkpoint manifest, oldest first.
// Checkpoint IDs are timestamp-prefixed, so lexical order is creation order.
func (s *Store) List() ([]*Manifest, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint directory: %w", err)
	}

	var out []*Manifest
	for _, e := range entries {
		if !e.IsDir() || e.Name() == blobsDirName {
			continue
		}
		m, err := s.Get(e.Name())
		if err != nil || m == nil {
			continue // unpublished or partially deleted
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CheckpointID < out[j].CheckpointID
	})
	return out, nil
}

// Get returns the manifest for a checkpoint ID, or nil if not published.
func (s *Store) Get(id string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, id, manifestFileName))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", id, err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, herderrors.ErrStoreCorrupt(filepath.Join(id, manifestFileName), err)
	}
	return &m, nil
}

// Delete removes a checkpoint's manifest directory. Blobs are shared and
// left in place; orphaned blobs are cheap and content-addressed.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.protected[id] {
		return herderrors.ErrValidation(
			fmt.Sprintf("checkpoint %s is a rollback target in progress", id), "")
	}
	return os.RemoveAll(filepath.Join(s.dir, id))
}

// latestIDLocked returns the newest checkpoint ID, or "". Must be called
// with the store lock held.
func (s *Store) latestIDLocked() string {
	manifests, err := s.List()
	if err != nil || len(manifests) == 0 {
		return ""
	}
	return manifests[len(manifests)-1].CheckpointID
}

// pruneLocked deletes oldest non-protected checkpoints past the retention
// limit. Must be called with the store lock held.
func (s *Store) pruneLocked() error {
	if s.maxCheckpoints <= 0 {
		return nil
	}
	manifests, err := s.List()
	if err != nil {
		return err
	}
	excess := len(manifests) - s.maxCheckpoints
	for _, m := range manifests {
		if excess <= 0 {
			break
		}
		if s.protected[m.CheckpointID] {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.dir, m.CheckpointID)); err != nil {
			return err
		}
		excess--
	}
	return nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
