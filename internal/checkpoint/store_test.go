package checkpoint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func setupTree(t *testing.T, files map[string]string) (string, *Store) {
	t.Helper()
	workDir := t.TempDir()
	for path, content := range files {
		abs := filepath.Join(workDir, filepath.FromSlash(path))
		require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0755))
		require.NoError(t, os.WriteFile(abs, []byte(content), 0644))
	}
	store, err := NewStore(workDir, filepath.Join(workDir, ".herd"), 0)
	require.NoError(t, err)
	return workDir, store
}

func TestCreatePublishesManifest(t *testing.T) {
	_, store := setupTree(t, map[string]string{
		"main.go":      "package main\n",
		"docs/read.md": "# hello\n",
	})

	id, err := store.Create(KindManual, "initial", nil, map[string]string{"task": "1"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	m, err := store.Get(id)
	require.NoError(t, err)
	require.NotNil(t, m)
	require.Equal(t, KindManual, m.Kind)
	require.Len(t, m.Entries, 2)
	require.Equal(t, "1", m.Metadata["task"])
}

func TestCreateDeduplicatesBlobs(t *testing.T) {
	workDir, store := setupTree(t, map[string]string{
		"a.txt": "same content",
		"b.txt": "same content",
	})

	_, err := store.Create(KindAuto, "", nil, nil)
	require.NoError(t, err)

	blobsDir := filepath.Join(workDir, ".herd", StoreDirName, blobsDirName)
	count := 0
	err = filepath.Walk(blobsDir, func(path string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			count++
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, count, "identical content must share one blob")
}

func TestIncludePathsFilter(t *testing.T) {
	_, store := setupTree(t, map[string]string{
		"src/a.go":   "a",
		"src/b.go":   "b",
		"notes.txt":  "n",
		"img/pic.px": "p",
	})

	id, err := store.Create(KindManual, "", []string{"src/**"}, nil)
	require.NoError(t, err)

	m, err := store.Get(id)
	require.NoError(t, err)
	require.Len(t, m.Entries, 2)
	for _, e := range m.Entries {
		require.Contains(t, e.Path, "src/")
	}
}

func TestRetentionPrunesOldest(t *testing.T) {
	workDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(workDir, "f.txt"), []byte("x"), 0644))
	store, err := NewStore(workDir, filepath.Join(workDir, ".herd"), 2)
	require.NoError(t, err)

	var ids []string
	for range 3 {
		id, err := store.Create(KindAuto, "", nil, nil)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	manifests, err := store.List()
	require.NoError(t, err)
	require.Len(t, manifests, 2)

	// The oldest is gone.
	m, err := store.Get(ids[0])
	require.NoError(t, err)
	require.Nil(t, m)
}

func TestDeleteProtectsRollbackTarget(t *testing.T) {
	_, store := setupTree(t, map[string]string{"f.txt": "x"})
	id, err := store.Create(KindManual, "", nil, nil)
	require.NoError(t, err)

	store.protected[id] = true
	require.Error(t, store.Delete(id))
	delete(store.protected, id)
	require.NoError(t, store.Delete(id))
}

func TestParentChaining(t *testing.T) {
	_, store := setupTree(t, map[string]string{"f.txt": "x"})

	first, err := store.Create(KindManual, "", nil, nil)
	require.NoError(t, err)
	second, err := store.Create(KindManual, "", nil, nil)
	require.NoError(t, err)

	m, err := store.Get(second)
	require.NoError(t, err)
	require.Equal(t, first, m.Parent)
}

func TestManifestsAgreeOnUnchangedTree(t *testing.T) {
	_, store := setupTree(t, map[string]string{
		"a.txt":     "alpha",
		"dir/b.txt": "beta",
	})

	first, err := store.Create(KindManual, "", nil, nil)
	require.NoError(t, err)
	require.NoError(t, store.Rollback(first, RollbackOptions{Strategy: StrategyFull}))
	second, err := store.Create(KindManual, "", nil, nil)
	require.NoError(t, err)

	m1, err := store.Get(first)
	require.NoError(t, err)
	m2, err := store.Get(second)
	require.NoError(t, err)

	require.Equal(t, len(m1.Entries), len(m2.Entries))
	for i := range m1.Entries {
		require.Equal(t, m1.Entries[i].Path, m2.Entries[i].Path)
		require.Equal(t, m1.Entries[i].Hash, m2.Entries[i].Hash)
		require.Equal(t, m1.Entries[i].Mode, m2.Entries[i].Mode)
	}
}
