package indexer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/usenetsync/usenetsync/internal/catalog"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func sha256Hex(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}

func TestWalk_HashesAndSkipsHidden(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"), "hello")
	writeFile(t, filepath.Join(root, "sub", "b.txt"), "world")
	writeFile(t, filepath.Join(root, ".hidden"), "nope")
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".git"), 0o755))
	writeFile(t, filepath.Join(root, ".git", "config"), "nope")

	idx := New(nil, Config{})
	entries, err := idx.Walk(context.Background(), root)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	byPath := map[string]ManifestEntry{}
	for _, e := range entries {
		byPath[e.RelPath] = e
	}
	require.Equal(t, sha256Hex("hello"), byPath["a.txt"].SHA256)
	require.Equal(t, sha256Hex("world"), byPath[filepath.Join("sub", "b.txt")].SHA256)
}

func TestIndexFolder_ReconcilesCatalog(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"), "hello")

	dbDir := t.TempDir()
	cat, err := catalog.Open(context.Background(), dbDir+"/catalog.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = cat.Close() })

	ctx := context.Background()
	f, err := cat.RegisterFolder(ctx, root, "Test", 768000, make([]byte, 32))
	require.NoError(t, err)

	idx := New(cat, Config{})
	manifest, err := idx.IndexFolder(ctx, f.FolderID)
	require.NoError(t, err)
	require.Len(t, manifest.Entries, 1)

	files, err := cat.ListFiles(ctx, f.FolderID)
	require.NoError(t, err)
	require.Len(t, files, 1)
	require.Equal(t, "a.txt", files[0].RelPath)
	require.Equal(t, sha256Hex("hello"), files[0].SHA256)

	got, err := cat.GetFolder(ctx, f.FolderID)
	require.NoError(t, err)
	require.Equal(t, catalog.FolderIndexed, got.State)

	// Re-indexing with an added file must rebuild the set, not just append.
	writeFile(t, filepath.Join(root, "b.txt"), "world")
	manifest2, err := idx.IndexFolder(ctx, f.FolderID)
	require.NoError(t, err)
	require.Len(t, manifest2.Entries, 2)

	files2, err := cat.ListFiles(ctx, f.FolderID)
	require.NoError(t, err)
	require.Len(t, files2, 2)
}
