package control

import (
	"context"
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
	"github.com/usenetsync/usenetsync/internal/corekind"
	"github.com/usenetsync/usenetsync/internal/downloader"
	"github.com/usenetsync/usenetsync/internal/identity"
	"github.com/usenetsync/usenetsync/internal/indexer"
	"github.com/usenetsync/usenetsync/internal/keying"
	"github.com/usenetsync/usenetsync/internal/publisher"
	"github.com/usenetsync/usenetsync/internal/resolver"
	"github.com/usenetsync/usenetsync/internal/segmenter"
	"github.com/usenetsync/usenetsync/internal/uploader"
)

var messageIDHeader = regexp.MustCompile(`Message-ID: (\S+)\r\n`)

// articleStore is a fake Usenet server shared by every collaborator under
// test, so one installation's posts are another's retrievals, mirroring
// internal/downloader's test harness.
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

type fakeRetry struct{}

func (fakeRetry) Delay(n uint) time.Duration { return time.Millisecond }

func newService(t *testing.T, store *articleStore) (*Service, *catalog.Catalog) {
	t.Helper()
	ctx := context.Background()

	dir := t.TempDir()
	cat, err := catalog.Open(ctx, filepath.Join(dir, "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cat.Close() })

	keys := keying.New(cat)
	id := identity.New(identity.NewFileSecretStore(filepath.Join(dir, "identity.key")))
	idx := indexer.New(cat, indexer.Config{})
	seg := segmenter.New(cat, keys)
	up := uploader.New(cat, keys, store, fakeRetry{}, uploader.Config{Newsgroup: "alt.binaries.test", MessageIDDomain: "ngPost.com", Workers: 2})
	pub := publisher.New(cat, keys, store)
	res := resolver.New(cat, store)
	down := downloader.New(cat, store, fakeRetry{}, downloader.Config{Workers: 2})

	svc := New(id, cat, idx, seg, up, pub, res, down, "alt.binaries.test", "ngPost.com", "usenetsync <usenetsync@ngPost.com>", 10)
	return svc, cat
}

func TestControl_EndToEnd_RegisterIndexSegmentUploadPublishDownload(t *testing.T) {
	store := newArticleStore()
	svc, _ := newService(t, store)
	ctx := context.Background()

	idRes := svc.Handle(ctx, Request{Op: OpInitializeIdentity})
	require.True(t, idRes.OK)
	require.NotEmpty(t, idRes.Value)

	root := t.TempDir()
	content := strings.Repeat("the quick brown fox ", 5)
	require.NoError(t, os.WriteFile(filepath.Join(root, "doc.txt"), []byte(content), 0o644))

	regRes := svc.Handle(ctx, Request{Op: OpRegisterFolder, RegisterFolder: &RegisterFolderParams{Path: root, Name: "Test"}})
	require.True(t, regRes.OK, regRes.Message)
	folderID := regRes.Value.(RegisterFolderResult).FolderID
	require.NotEmpty(t, folderID)

	idxRes := svc.Handle(ctx, Request{Op: OpIndexFolder, IndexFolder: &FolderIDParams{FolderID: folderID}})
	require.True(t, idxRes.OK, idxRes.Message)
	require.Equal(t, 1, idxRes.Value.(IndexFolderResult).FilesIndexed)

	segRes := svc.Handle(ctx, Request{Op: OpSegmentFolder, SegmentFolder: &FolderIDParams{FolderID: folderID}})
	require.True(t, segRes.OK, segRes.Message)
	nSegments := segRes.Value.(SegmentFolderResult).SegmentsCreated
	require.True(t, nSegments > 1, "a 100-byte file at segment size 10 should split into multiple segments")

	upRes := svc.Handle(ctx, Request{Op: OpUploadFolder, UploadFolder: &FolderIDParams{FolderID: folderID}})
	require.True(t, upRes.OK, upRes.Message)
	require.Equal(t, nSegments, upRes.Value.(UploadFolderResult).SegmentsPosted)
	require.True(t, upRes.Value.(UploadFolderResult).Done)

	progRes := svc.Handle(ctx, Request{Op: OpProgress, Progress: &ProgressParams{OpID: folderID}})
	require.True(t, progRes.OK, progRes.Message)
	prog := progRes.Value.(ProgressResult)
	require.Equal(t, nSegments, prog.TotalSegments)
	require.Equal(t, nSegments, prog.PostedSegments)
	require.Equal(t, 1.0, prog.Fraction)

	pubRes := svc.Handle(ctx, Request{Op: OpPublishFolder, PublishFolder: &PublishFolderParams{FolderID: folderID, AccessType: "PUBLIC"}})
	require.True(t, pubRes.OK, pubRes.Message)
	shareID := pubRes.Value.(PublishFolderResult).ShareID
	require.Len(t, shareID, 24)

	destDir := t.TempDir()
	dlRes := svc.Handle(ctx, Request{Op: OpDownloadShare, DownloadShare: &DownloadShareParams{ShareID: shareID, Dest: destDir}})
	require.True(t, dlRes.OK, dlRes.Message)
	require.Equal(t, nSegments, dlRes.Value.(DownloadShareResult).SegmentsFetched)

	got, err := os.ReadFile(filepath.Join(destDir, "doc.txt"))
	require.NoError(t, err)
	require.Equal(t, content, string(got))

	statsRes := svc.Handle(ctx, Request{Op: OpStats})
	require.True(t, statsRes.OK, statsRes.Message)
	stats := statsRes.Value.(StatsResult)
	require.Equal(t, 1, stats.Folders)
	require.Equal(t, 1, stats.Shares)
	require.Equal(t, nSegments, stats.Segments)
	require.Equal(t, nSegments, stats.PostedSegments)

	revRes := svc.Handle(ctx, Request{Op: OpRevokeShare, RevokeShare: &ShareIDParams{ShareID: shareID}})
	require.True(t, revRes.OK, revRes.Message)

	destDir2 := t.TempDir()
	dlAfterRevoke := svc.Handle(ctx, Request{Op: OpDownloadShare, DownloadShare: &DownloadShareParams{ShareID: shareID, Dest: destDir2}})
	require.False(t, dlAfterRevoke.OK)
	require.Equal(t, corekind.AccessDenied, dlAfterRevoke.ErrorKind)
}

func TestControl_Dispatch_RejectsUnrecognizedOperation(t *testing.T) {
	svc, _ := newService(t, newArticleStore())
	res := svc.Handle(context.Background(), Request{Op: "not_a_real_op"})
	require.False(t, res.OK)
	require.Equal(t, corekind.InvalidInput, res.ErrorKind)
}

func TestControl_RegisterFolder_RejectsMissingPath(t *testing.T) {
	svc, _ := newService(t, newArticleStore())
	res := svc.Handle(context.Background(), Request{Op: OpRegisterFolder, RegisterFolder: &RegisterFolderParams{}})
	require.False(t, res.OK)
	require.Equal(t, corekind.InvalidInput, res.ErrorKind)
}
