package segmenter

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/usenetsync/usenetsync/internal/catalog"
	"github.com/usenetsync/usenetsync/internal/keying"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func newTestCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	dir := t.TempDir()
	c, err := catalog.Open(context.Background(), dir+"/catalog.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestSegmentFolder_PlansContiguousSegmentsPerFile(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "clip.bin"), strings.Repeat("a", 25))

	cat := newTestCatalog(t)
	ctx := context.Background()
	root32 := make([]byte, 32)
	folder, err := cat.RegisterFolder(ctx, root, "Test", 10, root32)
	require.NoError(t, err)

	file, err := cat.CreateFile(ctx, folder.FolderID, "clip.bin", 25, "ignored", time.Now())
	require.NoError(t, err)
	require.NoError(t, cat.UpdateFolderState(ctx, folder.FolderID, catalog.FolderIndexed))

	seg := New(cat, keying.New(cat))
	n, err := seg.SegmentFolder(ctx, folder.FolderID)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	segs, err := cat.ListSegmentsForFile(ctx, file.FileID)
	require.NoError(t, err)
	require.Len(t, segs, 3)
	require.Equal(t, int64(10), segs[0].PlaintextLen)
	require.Equal(t, int64(10), segs[1].PlaintextLen)
	require.Equal(t, int64(5), segs[2].PlaintextLen)
	for _, s := range segs {
		require.Equal(t, catalog.SegmentPending, s.Status)
		require.NotEmpty(t, s.InternalSubject)
		require.NotEmpty(t, s.UsenetSubject)
	}

	updated, err := cat.GetFolder(ctx, folder.FolderID)
	require.NoError(t, err)
	require.Equal(t, catalog.FolderSegmented, updated.State)
}

func TestSegmentFolder_IsIdempotentForAlreadySegmentedFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "clip.bin"), strings.Repeat("b", 5))

	cat := newTestCatalog(t)
	ctx := context.Background()
	folder, err := cat.RegisterFolder(ctx, root, "Test", 10, make([]byte, 32))
	require.NoError(t, err)
	file, err := cat.CreateFile(ctx, folder.FolderID, "clip.bin", 5, "ignored", time.Now())
	require.NoError(t, err)
	require.NoError(t, cat.UpdateFolderState(ctx, folder.FolderID, catalog.FolderIndexed))

	seg := New(cat, keying.New(cat))
	first, err := seg.SegmentFolder(ctx, folder.FolderID)
	require.NoError(t, err)
	require.Equal(t, 1, first)

	second, err := seg.SegmentFolder(ctx, folder.FolderID)
	require.NoError(t, err)
	require.Equal(t, 0, second)

	segs, err := cat.ListSegmentsForFile(ctx, file.FileID)
	require.NoError(t, err)
	require.Len(t, segs, 1)
}

func TestSegmentFolder_PacksSmallFilesIntoOneSegment(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"), "hello")
	writeFile(t, filepath.Join(root, "b.txt"), "world!")

	cat := newTestCatalog(t)
	ctx := context.Background()
	folder, err := cat.RegisterFolder(ctx, root, "Test", 768_000, make([]byte, 32))
	require.NoError(t, err)

	a, err := cat.CreateFile(ctx, folder.FolderID, "a.txt", 5, "ignored", time.Now())
	require.NoError(t, err)
	b, err := cat.CreateFile(ctx, folder.FolderID, "b.txt", 6, "ignored", time.Now())
	require.NoError(t, err)
	require.NoError(t, cat.UpdateFolderState(ctx, folder.FolderID, catalog.FolderIndexed))

	seg := New(cat, keying.New(cat))
	n, err := seg.SegmentFolder(ctx, folder.FolderID)
	require.NoError(t, err)
	require.Equal(t, 1, n, "two small files below segment size must pack into exactly one segment")

	segs, err := cat.ListSegmentsForFolder(ctx, folder.FolderID)
	require.NoError(t, err)
	require.Len(t, segs, 1)
	require.Equal(t, int64(11), segs[0].PlaintextLen)

	entries, err := cat.ListPackEntriesForSegment(ctx, segs[0].SegmentID)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	byFile := make(map[string]catalog.PackEntry, 2)
	for _, e := range entries {
		byFile[e.FileID] = e
	}
	aEntry, ok := byFile[a.FileID]
	require.True(t, ok)
	require.Equal(t, int64(0), aEntry.Offset)
	require.Equal(t, int64(5), aEntry.Length)

	bEntry, ok := byFile[b.FileID]
	require.True(t, ok)
	require.Equal(t, int64(5), bEntry.Offset)
	require.Equal(t, int64(6), bEntry.Length)

	updated, err := cat.GetFolder(ctx, folder.FolderID)
	require.NoError(t, err)
	require.Equal(t, catalog.FolderSegmented, updated.State)
}

func TestSegmentFolder_MixesPlainAndPackedSegmentsInOneFolder(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "big.bin"), strings.Repeat("x", 25))
	writeFile(t, filepath.Join(root, "small.txt"), "tiny")

	cat := newTestCatalog(t)
	ctx := context.Background()
	folder, err := cat.RegisterFolder(ctx, root, "Test", 10, make([]byte, 32))
	require.NoError(t, err)

	big, err := cat.CreateFile(ctx, folder.FolderID, "big.bin", 25, "ignored", time.Now())
	require.NoError(t, err)
	small, err := cat.CreateFile(ctx, folder.FolderID, "small.txt", 4, "ignored", time.Now())
	require.NoError(t, err)
	require.NoError(t, cat.UpdateFolderState(ctx, folder.FolderID, catalog.FolderIndexed))

	seg := New(cat, keying.New(cat))
	n, err := seg.SegmentFolder(ctx, folder.FolderID)
	require.NoError(t, err)
	require.Equal(t, 4, n, "3 plain segments for big.bin plus 1 packed segment for small.txt")

	bigSegs, err := cat.ListSegmentsForFile(ctx, big.FileID)
	require.NoError(t, err)
	require.Len(t, bigSegs, 3)

	packEntries, err := cat.ListPackEntriesForFolder(ctx, folder.FolderID)
	require.NoError(t, err)
	require.Len(t, packEntries, 1)
	require.Equal(t, small.FileID, packEntries[0].FileID)
}

func TestSegmentFolder_RejectsUnindexedFolder(t *testing.T) {
	cat := newTestCatalog(t)
	ctx := context.Background()
	folder, err := cat.RegisterFolder(ctx, t.TempDir(), "Test", 10, make([]byte, 32))
	require.NoError(t, err)

	seg := New(cat, keying.New(cat))
	_, err = seg.SegmentFolder(ctx, folder.FolderID)
	require.Error(t, err)
}
