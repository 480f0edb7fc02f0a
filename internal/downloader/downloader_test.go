package downloader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/usenetsync/usenetsync/internal/catalog"
	"github.com/usenetsync/usenetsync/internal/keying"
	"github.com/usenetsync/usenetsync/internal/publisher"
	"github.com/usenetsync/usenetsync/internal/resolver"
	"github.com/usenetsync/usenetsync/internal/segmenter"
	"github.com/usenetsync/usenetsync/internal/uploader"
)

var messageIDHeader = regexp.MustCompile(`Message-ID: (\S+)\r\n`)

// articleStore is a fake Usenet server: it both posts (records by the
// article's own Message-ID header) and retrieves, shared by the Uploader,
// Publisher, Resolver, and Downloader under test so a segment or CoreIndex
// part posted by one is retrievable by another, exactly as a real server
// would serve both sides of one transfer.
type articleStore struct {
	mu      sync.Mutex
	byMsgID map[string]string
}

func newArticleStore() *articleStore {
	return &articleStore{byMsgID: make(map[string]string)}
}

func (s *articleStore) Post(ctx context.Context, article string) error {
	m := messageIDHeader.FindStringSubmatch(article)
	if m == nil {
		return errors.New("posted article carries no Message-ID header")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byMsgID[m[1]] = article
	return nil
}

func (s *articleStore) Retrieve(ctx context.Context, messageID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	article, ok := s.byMsgID[messageID]
	if !ok {
		return nil, os.ErrNotExist
	}
	return []byte(article), nil
}

// corruptYencBody flips one bit in the first line of encoded body bytes
// following a rendered article's "=ybegin" line, leaving headers intact.
func corruptYencBody(article string) string {
	const marker = "=ybegin"
	idx := strings.Index(article, marker)
	if idx < 0 {
		return article
	}
	lineEnd := strings.Index(article[idx:], "\r\n")
	if lineEnd < 0 {
		return article
	}
	bodyStart := idx + lineEnd + 2
	b := []byte(article)
	if bodyStart < len(b) {
		b[bodyStart] ^= 0xFF
	}
	return string(b)
}

type fakeRetry struct{}

func (fakeRetry) Delay(n uint) time.Duration { return time.Millisecond }

func newTestCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	dir := t.TempDir()
	c, err := catalog.Open(context.Background(), dir+"/catalog.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func publishFolder(t *testing.T, ctx context.Context, cat *catalog.Catalog, keys *keying.Keying, store *articleStore, folderID string, opts publisher.Options) *catalog.Share {
	t.Helper()
	pub := publisher.New(cat, keys, store)
	share, err := pub.Publish(ctx, folderID, opts)
	require.NoError(t, err)
	return share
}

func seedUploadedFolder(t *testing.T, ctx context.Context, cat *catalog.Catalog, keys *keying.Keying, store *articleStore, root, relPath, content string, segmentSize int64) *catalog.Folder {
	t.Helper()
	writeFile(t, filepath.Join(root, relPath), content)

	rootSecret, err := keying.NewRootSecret()
	require.NoError(t, err)
	folder, err := cat.RegisterFolder(ctx, root, "Test", segmentSize, rootSecret[:])
	require.NoError(t, err)
	sum := sha256.Sum256([]byte(content))
	_, err = cat.CreateFile(ctx, folder.FolderID, relPath, int64(len(content)), hex.EncodeToString(sum[:]), time.Now())
	require.NoError(t, err)
	require.NoError(t, cat.UpdateFolderState(ctx, folder.FolderID, catalog.FolderIndexed))

	seg := segmenter.New(cat, keys)
	_, err = seg.SegmentFolder(ctx, folder.FolderID)
	require.NoError(t, err)

	up := uploader.New(cat, keys, store, fakeRetry{}, uploader.Config{Newsgroup: "alt.binaries.test", MessageIDDomain: "ngPost.com", Workers: 1})
	_, err = up.EnqueueFolder(ctx, folder.FolderID)
	require.NoError(t, err)
	_, err = up.DrainOnce(ctx, 100)
	require.NoError(t, err)
	done, err := up.FinalizeFolder(ctx, folder.FolderID)
	require.NoError(t, err)
	require.True(t, done)

	return folder
}

// seedUploadedFolderMultiFile mirrors seedUploadedFolder but indexes several
// files in one folder, so files smaller than segmentSize pack into a shared
// Segment (spec.md §4.3) instead of each getting its own.
func seedUploadedFolderMultiFile(t *testing.T, ctx context.Context, cat *catalog.Catalog, keys *keying.Keying, store *articleStore, root string, files map[string]string, segmentSize int64) *catalog.Folder {
	t.Helper()
	for relPath, content := range files {
		writeFile(t, filepath.Join(root, relPath), content)
	}

	rootSecret, err := keying.NewRootSecret()
	require.NoError(t, err)
	folder, err := cat.RegisterFolder(ctx, root, "Test", segmentSize, rootSecret[:])
	require.NoError(t, err)
	for relPath, content := range files {
		sum := sha256.Sum256([]byte(content))
		_, err = cat.CreateFile(ctx, folder.FolderID, relPath, int64(len(content)), hex.EncodeToString(sum[:]), time.Now())
		require.NoError(t, err)
	}
	require.NoError(t, cat.UpdateFolderState(ctx, folder.FolderID, catalog.FolderIndexed))

	seg := segmenter.New(cat, keys)
	_, err = seg.SegmentFolder(ctx, folder.FolderID)
	require.NoError(t, err)

	up := uploader.New(cat, keys, store, fakeRetry{}, uploader.Config{Newsgroup: "alt.binaries.test", MessageIDDomain: "ngPost.com", Workers: 1})
	_, err = up.EnqueueFolder(ctx, folder.FolderID)
	require.NoError(t, err)
	_, err = up.DrainOnce(ctx, 100)
	require.NoError(t, err)
	done, err := up.FinalizeFolder(ctx, folder.FolderID)
	require.NoError(t, err)
	require.True(t, done)

	return folder
}

func TestDownloader_EndToEnd_RoundTripsPackedSmallFiles(t *testing.T) {
	ctx := context.Background()
	cat := newTestCatalog(t)
	keys := keying.New(cat)
	store := newArticleStore()

	files := map[string]string{
		"a.txt": "hello",
		"b.txt": "world!",
		"c.txt": "packed files share one segment",
	}
	folder := seedUploadedFolderMultiFile(t, ctx, cat, keys, store, t.TempDir(), files, 768_000)

	segs, err := cat.ListSegmentsForFolder(ctx, folder.FolderID)
	require.NoError(t, err)
	require.Len(t, segs, 1, "all three small files must pack into exactly one segment")

	share := publishFolder(t, ctx, cat, keys, store, folder.FolderID, publisher.Options{
		AccessType:      publisher.AccessPublic,
		Newsgroup:       "alt.binaries.test",
		MessageIDDomain: "ngPost.com",
	})

	res := resolver.New(cat, store)
	opened, err := res.Open(ctx, share.ShareID, resolver.Auth{})
	require.NoError(t, err)
	require.True(t, opened.Content.Packing, "CoreIndex must record this share as packed")

	destDir := t.TempDir()
	down := New(cat, store, fakeRetry{}, Config{Workers: 2})

	n, err := down.EnqueueShare(ctx, share.ShareID, opened, destDir)
	require.NoError(t, err)
	require.Equal(t, 1, n, "one packed segment serves every small file, so only one WorkItem is enqueued")

	processed, err := down.DrainOnce(ctx, 100)
	require.NoError(t, err)
	require.Equal(t, n, processed)

	for relPath, want := range files {
		got, err := os.ReadFile(filepath.Join(destDir, relPath))
		require.NoError(t, err)
		require.Equal(t, want, string(got))
	}
}

func TestDownloader_EndToEnd_RoundTripsMixedPlainAndPackedSegments(t *testing.T) {
	ctx := context.Background()
	cat := newTestCatalog(t)
	keys := keying.New(cat)
	store := newArticleStore()

	files := map[string]string{
		"big.bin":   strings.Repeat("q", 25),
		"small.txt": "tiny",
	}
	folder := seedUploadedFolderMultiFile(t, ctx, cat, keys, store, t.TempDir(), files, 10)

	share := publishFolder(t, ctx, cat, keys, store, folder.FolderID, publisher.Options{
		AccessType:      publisher.AccessPublic,
		Newsgroup:       "alt.binaries.test",
		MessageIDDomain: "ngPost.com",
	})

	res := resolver.New(cat, store)
	opened, err := res.Open(ctx, share.ShareID, resolver.Auth{})
	require.NoError(t, err)
	require.True(t, opened.Content.Packing)

	destDir := t.TempDir()
	down := New(cat, store, fakeRetry{}, Config{Workers: 2})

	n, err := down.EnqueueShare(ctx, share.ShareID, opened, destDir)
	require.NoError(t, err)
	require.Equal(t, 4, n, "3 plain segments for big.bin plus 1 packed segment for small.txt")

	processed, err := down.DrainOnce(ctx, 100)
	require.NoError(t, err)
	require.Equal(t, n, processed)

	for relPath, want := range files {
		got, err := os.ReadFile(filepath.Join(destDir, relPath))
		require.NoError(t, err)
		require.Equal(t, want, string(got))
	}
}

func TestDownloader_EndToEnd_RoundTripsPublicShareAcrossMultipleSegments(t *testing.T) {
	ctx := context.Background()
	cat := newTestCatalog(t)
	keys := keying.New(cat)
	store := newArticleStore()

	content := "the quick brown fox jumps over the lazy dog, repeatedly, to span several fixed-size segments"
	folder := seedUploadedFolder(t, ctx, cat, keys, store, t.TempDir(), "doc.txt", content, 10)

	share := publishFolder(t, ctx, cat, keys, store, folder.FolderID, publisher.Options{
		AccessType:      publisher.AccessPublic,
		Newsgroup:       "alt.binaries.test",
		MessageIDDomain: "ngPost.com",
	})

	res := resolver.New(cat, store)
	opened, err := res.Open(ctx, share.ShareID, resolver.Auth{})
	require.NoError(t, err)

	destDir := t.TempDir()
	down := New(cat, store, fakeRetry{}, Config{Workers: 2})

	n, err := down.EnqueueShare(ctx, share.ShareID, opened, destDir)
	require.NoError(t, err)
	require.True(t, n > 1, "a multi-segment file should enqueue more than one download WorkItem")

	processed, err := down.DrainOnce(ctx, 100)
	require.NoError(t, err)
	require.Equal(t, n, processed)

	got, err := os.ReadFile(filepath.Join(destDir, "doc.txt"))
	require.NoError(t, err)
	require.Equal(t, content, string(got))

	if _, err := os.Stat(filepath.Join(destDir, ".partial-doc.txt")); !os.IsNotExist(err) {
		t.Fatalf("expected temp download file to be renamed away, stat err = %v", err)
	}
}

func TestDownloader_EnqueueShare_IsIdempotentAcrossRestarts(t *testing.T) {
	ctx := context.Background()
	cat := newTestCatalog(t)
	keys := keying.New(cat)
	store := newArticleStore()

	content := strings.Repeat("z", 37)
	folder := seedUploadedFolder(t, ctx, cat, keys, store, t.TempDir(), "blob.bin", content, 16)

	share := publishFolder(t, ctx, cat, keys, store, folder.FolderID, publisher.Options{
		AccessType:      publisher.AccessPublic,
		Newsgroup:       "alt.binaries.test",
		MessageIDDomain: "ngPost.com",
	})

	res := resolver.New(cat, store)
	opened, err := res.Open(ctx, share.ShareID, resolver.Auth{})
	require.NoError(t, err)

	destDir := t.TempDir()

	down1 := New(cat, store, fakeRetry{}, Config{Workers: 1})
	n1, err := down1.EnqueueShare(ctx, share.ShareID, opened, destDir)
	require.NoError(t, err)
	_, err = down1.DrainOnce(ctx, 100)
	require.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(destDir, "blob.bin"))
	require.NoError(t, err)
	require.Equal(t, content, string(got))

	// Simulate a process restart: a fresh Downloader, same share and dest.
	down2 := New(cat, store, fakeRetry{}, Config{Workers: 1})
	n2, err := down2.EnqueueShare(ctx, share.ShareID, opened, destDir)
	require.NoError(t, err)
	require.Equal(t, 0, n2, "every segment is already done; nothing new should be enqueued")
	_ = n1
}

func TestDownloader_Processing_FailsClosedOnTamperedArticle(t *testing.T) {
	ctx := context.Background()
	cat := newTestCatalog(t)
	keys := keying.New(cat)
	store := newArticleStore()

	folder := seedUploadedFolder(t, ctx, cat, keys, store, t.TempDir(), "small.txt", "tiny", 16)

	share := publishFolder(t, ctx, cat, keys, store, folder.FolderID, publisher.Options{
		AccessType:      publisher.AccessPublic,
		Newsgroup:       "alt.binaries.test",
		MessageIDDomain: "ngPost.com",
	})

	res := resolver.New(cat, store)
	opened, err := res.Open(ctx, share.ShareID, resolver.Auth{})
	require.NoError(t, err)

	// Corrupt every stored article's yEnc-encoded body (not its headers) so
	// decryption must fail.
	store.mu.Lock()
	for id, article := range store.byMsgID {
		store.byMsgID[id] = corruptYencBody(article)
	}
	store.mu.Unlock()

	destDir := t.TempDir()
	down := New(cat, store, fakeRetry{}, Config{Workers: 1, MaxAttempts: 5})
	_, err = down.EnqueueShare(ctx, share.ShareID, opened, destDir)
	require.NoError(t, err)

	_, err = down.DrainOnce(ctx, 100)
	require.NoError(t, err)

	items, err := cat.ListWorkItemsForFolder(ctx, share.ShareID, catalog.WorkDownload)
	require.NoError(t, err)
	require.NotEmpty(t, items)
	for _, wi := range items {
		require.Equal(t, catalog.WorkFailed, wi.Status)
	}
	require.NoFileExists(t, filepath.Join(destDir, "small.txt"))
}
