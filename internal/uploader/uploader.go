// Package uploader drains the Catalog's upload WorkItem queue (spec.md
// §4.7): for each claimed Segment, it re-reads the plaintext from disk,
// encrypts it, posts the resulting article, and records the message_id —
// durably enough that a crash mid-run resumes from the last completed
// Segment rather than from memory.
package uploader

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	concpool "github.com/sourcegraph/conc/pool"

	"github.com/usenetsync/usenetsync/internal/catalog"
	"github.com/usenetsync/usenetsync/internal/corekind"
	"github.com/usenetsync/usenetsync/internal/encryptor"
	"github.com/usenetsync/usenetsync/internal/keying"
	"github.com/usenetsync/usenetsync/internal/segmenter"
	"github.com/usenetsync/usenetsync/internal/wireenc"
)

// Poster is the subset of *nntpengine.Engine the Uploader needs (mirrors
// internal/publisher's Poster seam).
type Poster interface {
	Post(ctx context.Context, article string) error
}

// RetryDelay supplies the backoff an exhausted WorkItem attempt reschedules
// with. *nntpengine.RetryPolicy satisfies this via its exported Delay
// method, so WorkItem retry scheduling reuses the same curve the Engine's
// own internal Post/Retrieve retries already use.
type RetryDelay interface {
	Delay(n uint) time.Duration
}

// Config bounds one Uploader's behavior.
type Config struct {
	Newsgroup       string
	MessageIDDomain string
	From            string // From: header stamped on every posted article
	MaxAttempts     int // after this many failures the Segment is marked failed; the WorkItem stays queued and is retried after its backoff
	Workers         int // concurrent claims processed per DrainOnce; default 4
}

func (c Config) maxAttempts() int {
	if c.MaxAttempts <= 0 {
		return 5
	}
	return c.MaxAttempts
}

func (c Config) workers() int {
	if c.Workers <= 0 {
		return 4
	}
	return c.Workers
}

// Uploader is the durable upload queue consumer.
type Uploader struct {
	cat    *catalog.Catalog
	keying *keying.Keying
	poster Poster
	retry  RetryDelay
	cfg    Config
	log    *slog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New wires an Uploader to its collaborators.
func New(cat *catalog.Catalog, keys *keying.Keying, poster Poster, retry RetryDelay, cfg Config) *Uploader {
	return &Uploader{
		cat:    cat,
		keying: keys,
		poster: poster,
		retry:  retry,
		cfg:    cfg,
		log:    slog.Default().With("component", "uploader"),
	}
}

// EnqueueFolder records a WorkUpload WorkItem for every Segment of folderID
// that isn't already posted or already queued, the "upload_folder"
// control-surface operation's entry point (spec.md §6). It is safe to call
// again after a partial run: already-posted and already-queued Segments are
// skipped.
func (u *Uploader) EnqueueFolder(ctx context.Context, folderID string) (int, error) {
	folder, err := u.cat.GetFolder(ctx, folderID)
	if err != nil {
		return 0, err
	}
	if folder.State != catalog.FolderSegmented && folder.State != catalog.FolderUploaded {
		return 0, corekind.New(corekind.InvalidInput, "folder %s must be segmented before upload (state=%s)", folderID, folder.State)
	}

	segs, err := u.cat.ListSegmentsForFolder(ctx, folderID)
	if err != nil {
		return 0, err
	}
	existing, err := u.cat.ListWorkItemsForFolder(ctx, folderID, catalog.WorkUpload)
	if err != nil {
		return 0, err
	}
	queued := make(map[string]struct{}, len(existing))
	for _, wi := range existing {
		if wi.Status == catalog.WorkPending || wi.Status == catalog.WorkInFlight {
			queued[wi.TargetID] = struct{}{}
		}
	}

	n := 0
	for _, s := range segs {
		if s.Status == catalog.SegmentPosted {
			continue
		}
		if _, ok := queued[s.SegmentID]; ok {
			continue
		}
		if _, err := u.cat.EnqueueWorkItem(ctx, catalog.WorkUpload, s.SegmentID, folderID); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// FinalizeFolder advances folderID to "uploaded" once every Segment has
// posted (spec.md §4.7's progress signal reaching 1.0), and reports whether
// it did so.
func (u *Uploader) FinalizeFolder(ctx context.Context, folderID string) (bool, error) {
	p, err := u.cat.FolderProgress(ctx, folderID)
	if err != nil {
		return false, err
	}
	if p.TotalSegments == 0 || p.PostedSegments != p.TotalSegments {
		return false, nil
	}
	if err := u.cat.UpdateFolderState(ctx, folderID, catalog.FolderUploaded); err != nil {
		return false, err
	}
	return true, nil
}

// DrainOnce claims up to limit pending/retry-due upload WorkItems and
// processes them concurrently, returning how many were claimed. Processing
// failures are recorded on the WorkItem itself (FailWorkItem), never
// returned here, so one bad Segment can't stop the rest of the batch.
func (u *Uploader) DrainOnce(ctx context.Context, limit int) (int, error) {
	owner := uuid.NewString()
	items, err := u.cat.ClaimWorkItems(ctx, catalog.WorkUpload, owner, limit)
	if err != nil {
		return 0, err
	}
	if len(items) == 0 {
		return 0, nil
	}

	pl := concpool.New().WithContext(ctx).WithMaxGoroutines(u.cfg.workers())
	for _, wi := range items {
		wi := wi
		pl.Go(func(ctx context.Context) error {
			u.processOne(ctx, wi)
			return nil
		})
	}
	_ = pl.Wait()
	return len(items), nil
}

// Start runs DrainOnce on a ticker until Stop is called or ctx is
// cancelled, mirroring the teacher's health.Worker start/stop lifecycle.
func (u *Uploader) Start(ctx context.Context, pollInterval time.Duration) error {
	u.mu.Lock()
	if u.running {
		u.mu.Unlock()
		return corekind.New(corekind.Internal, "uploader already running")
	}
	u.running = true
	u.stopCh = make(chan struct{})
	u.mu.Unlock()

	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-u.stopCh:
				return
			case <-ticker.C:
				if _, err := u.DrainOnce(ctx, u.cfg.workers()*2); err != nil {
					u.log.ErrorContext(ctx, "drain upload queue", "error", err)
				}
			}
		}
	}()
	return nil
}

// Stop signals the Start loop to exit and waits for it to do so.
func (u *Uploader) Stop(context.Context) error {
	u.mu.Lock()
	if !u.running {
		u.mu.Unlock()
		return corekind.New(corekind.Internal, "uploader not running")
	}
	close(u.stopCh)
	u.running = false
	u.mu.Unlock()

	u.wg.Wait()
	return nil
}

func (u *Uploader) processOne(ctx context.Context, wi *catalog.WorkItem) {
	seg, err := u.cat.GetSegment(ctx, wi.TargetID)
	if err != nil {
		u.fail(ctx, wi, err)
		return
	}
	if seg.Status == catalog.SegmentPosted {
		if err := u.cat.CompleteWorkItem(ctx, wi.ID); err != nil {
			u.log.ErrorContext(ctx, "complete already-posted work item", "error", err)
		}
		return
	}

	file, err := u.cat.GetFile(ctx, seg.FileID)
	if err != nil {
		u.fail(ctx, wi, err)
		return
	}
	folder, err := u.cat.GetFolder(ctx, file.FolderID)
	if err != nil {
		u.fail(ctx, wi, err)
		return
	}
	if len(folder.RootSecret) != keying.RootSecretSize {
		u.fail(ctx, wi, corekind.New(corekind.Internal, "folder %s has no root secret recorded", folder.FolderID))
		return
	}

	packEntries, err := u.cat.ListPackEntriesForSegment(ctx, seg.SegmentID)
	if err != nil {
		u.fail(ctx, wi, err)
		return
	}

	var plaintext []byte
	fileHashForKey, keyIndex := file.SHA256, seg.Index
	if len(packEntries) > 0 {
		plaintext, err = readPackedPlaintext(ctx, u.cat, folder, packEntries, seg.PlaintextLen)
		// A packed segment has no single File's hash to key off of, so its
		// own content hash stands in, at a fixed index — mirrors the
		// downloader's decrypt-side choice in buildPlans.
		fileHashForKey, keyIndex = seg.PlaintextSHA256, 0
	} else {
		plaintext, err = readSegmentPlaintext(folder, file, seg)
	}
	if err != nil {
		u.fail(ctx, wi, err)
		return
	}

	_, folderPub, err := u.keying.FolderKeys(folder.FolderID)
	if err != nil {
		u.fail(ctx, wi, err)
		return
	}
	fingerprint := keying.FolderFingerprintHex(folderPub)

	var rootSecret [keying.RootSecretSize]byte
	copy(rootSecret[:], folder.RootSecret)
	enc := encryptor.New(rootSecret)
	wire, err := enc.Encrypt(fingerprint, fileHashForKey, keyIndex, plaintext)
	if err != nil {
		u.fail(ctx, wi, err)
		return
	}

	if seg.Status == catalog.SegmentPending {
		if err := u.cat.MarkSegmentEncoded(ctx, seg.SegmentID); err != nil {
			u.fail(ctx, wi, err)
			return
		}
	}

	body, err := wireenc.EncodeArticleBody(wire)
	if err != nil {
		u.fail(ctx, wi, err)
		return
	}
	local, err := segmenter.NewMessageIDLocalPart()
	if err != nil {
		u.fail(ctx, wi, err)
		return
	}
	msgID := segmenter.FormatMessageID(local, u.cfg.MessageIDDomain)

	article := wireenc.RenderArticle(wireenc.ArticleHeaders{
		MessageID:   msgID,
		Subject:     seg.UsenetSubject,
		Newsgroup:   u.cfg.Newsgroup,
		From:        u.cfg.From,
		Date:        time.Now().UTC(),
		ProtocolVer: 1,
	}, body, 1, 1)

	if err := u.poster.Post(ctx, article); err != nil {
		u.fail(ctx, wi, corekind.Wrap(corekind.ProviderTransient, err, "post segment %s", seg.SegmentID))
		return
	}

	if err := u.cat.MarkSegmentPosted(ctx, seg.SegmentID, msgID); err != nil {
		u.fail(ctx, wi, err)
		return
	}
	if _, err := u.cat.CreateArticle(ctx, msgID, seg.SegmentID, u.cfg.Newsgroup, seg.UsenetSubject, int64(len(article))); err != nil {
		u.log.ErrorContext(ctx, "record posted article", "error", err)
	}
	if err := u.cat.CompleteWorkItem(ctx, wi.ID); err != nil {
		u.log.ErrorContext(ctx, "complete posted work item", "error", err)
	}
}

func (u *Uploader) fail(ctx context.Context, wi *catalog.WorkItem, cause error) {
	u.log.ErrorContext(ctx, "upload segment failed", "work_item", wi.ID, "target", wi.TargetID, "error", cause)
	if wi.Attempts+1 >= u.cfg.maxAttempts() {
		if err := u.cat.MarkSegmentFailed(ctx, wi.TargetID); err != nil {
			u.log.ErrorContext(ctx, "mark segment permanently failed", "error", err)
		}
	}
	delay := u.retry.Delay(uint(wi.Attempts))
	if err := u.cat.FailWorkItem(ctx, wi.ID, cause, delay); err != nil {
		u.log.ErrorContext(ctx, "record work item failure", "error", err)
	}
}

// readSegmentPlaintext re-reads a Segment's plaintext bytes from the
// source file on disk: the Catalog never persists plaintext or ciphertext
// itself (spec.md §4.4), only the metadata needed to recompute both. A
// Segment's byte offset is index*segment_size — recoverable without
// touching any sibling Segment's length, since only the final Segment of a
// File is short.
func readSegmentPlaintext(folder *catalog.Folder, file *catalog.File, seg *catalog.Segment) ([]byte, error) {
	path := filepath.Join(folder.Path, file.RelPath)
	f, err := os.Open(path)
	if err != nil {
		return nil, corekind.Wrap(corekind.StorageUnavailable, err, "open %s to read segment %d", path, seg.Index)
	}
	defer f.Close()

	offset := int64(seg.Index) * folder.SegmentSize
	buf := make([]byte, seg.PlaintextLen)
	if seg.PlaintextLen > 0 {
		if _, err := f.ReadAt(buf, offset); err != nil {
			return nil, corekind.Wrap(corekind.StorageUnavailable, err, "read segment %d of %s", seg.Index, path)
		}
	}
	return buf, nil
}

// readPackedPlaintext reassembles a packed Segment's plaintext by
// re-reading each member File's full content into its recorded offset
// (spec.md §4.3): a packed Segment has no single source file, only a set
// of whole small files concatenated in packing order.
func readPackedPlaintext(ctx context.Context, cat *catalog.Catalog, folder *catalog.Folder, entries []catalog.PackEntry, total int64) ([]byte, error) {
	buf := make([]byte, total)
	for _, e := range entries {
		if e.Length == 0 {
			continue
		}
		f, err := cat.GetFile(ctx, e.FileID)
		if err != nil {
			return nil, err
		}
		path := filepath.Join(folder.Path, f.RelPath)
		fh, err := os.Open(path)
		if err != nil {
			return nil, corekind.Wrap(corekind.StorageUnavailable, err, "open %s to read packed segment member", path)
		}
		_, err = fh.ReadAt(buf[e.Offset:e.Offset+e.Length], 0)
		fh.Close()
		if err != nil {
			return nil, corekind.Wrap(corekind.StorageUnavailable, err, "read %s for packed segment", path)
		}
	}
	return buf, nil
}
