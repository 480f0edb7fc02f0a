// Package downloader drains the Catalog's download WorkItem queue (spec.md
// §4.7): for each claimed segment it retrieves the posted article, decrypts
// it, and writes its plaintext into the right byte range of the right
// destination file, finishing each file with a write-ahead temp file plus
// an atomic rename once every segment contributing to it has landed.
package downloader

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
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
	"github.com/usenetsync/usenetsync/internal/pathutil"
	"github.com/usenetsync/usenetsync/internal/publisher"
	"github.com/usenetsync/usenetsync/internal/resolver"
	"github.com/usenetsync/usenetsync/internal/wireenc"
)

// Retriever is the subset of *nntpengine.Engine the Downloader needs; the
// same shape as resolver.Retriever so both can share one Engine method.
type Retriever interface {
	Retrieve(ctx context.Context, messageID string) ([]byte, error)
}

// RetryDelay supplies the backoff an exhausted WorkItem attempt reschedules
// with (mirrors internal/uploader.RetryDelay).
type RetryDelay interface {
	Delay(n uint) time.Duration
}

// Config bounds one Downloader's behavior.
type Config struct {
	MaxAttempts int // after this many failures exhaustion is logged; the WorkItem stays queued, is retried after its backoff, and nothing is reported to the caller; default 5
	Workers     int // concurrent claims processed per DrainOnce; default 4
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

// writeTarget is one byte range of one destination file that a decrypted
// segment's plaintext (or a sub-slice of it, for a segment packing several
// small files) is written into.
type writeTarget struct {
	relPath    string
	fileOffset int64
	spanOffset int64 // offset within the segment's own decrypted plaintext
	length     int64
}

// segmentPlan is everything the Downloader needs to decrypt and place one
// posted segment, precomputed once from a resolved CoreIndex so DrainOnce
// never has to re-walk the file/segment tables per claim.
type segmentPlan struct {
	segmentIndex    int    // this segment's position for keying.SegmentKey (spec.md §4.2)
	fileHashForKey  string // the file_hash keying.SegmentKey used at encrypt time
	plaintextSHA256 string
	targets         []writeTarget
}

// shareDownload is one in-flight download_share session's working state:
// the recovered key material and the file-placement plan derived from its
// CoreIndex, plus enough per-file bookkeeping to know when a destination
// file has received every contributing segment.
type shareDownload struct {
	folderFingerprint string
	shareKey          [keying.KeySize]byte
	destDir           string
	plans             map[string]segmentPlan // message_id -> plan

	mu        sync.Mutex
	fileTotal map[string]int
	fileDone  map[string]int
}

// Downloader is the durable download queue consumer.
type Downloader struct {
	cat       *catalog.Catalog
	retriever Retriever
	retry     RetryDelay
	cfg       Config
	log       *slog.Logger

	mu     sync.Mutex
	shares map[string]*shareDownload

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New wires a Downloader to its collaborators.
func New(cat *catalog.Catalog, retriever Retriever, retry RetryDelay, cfg Config) *Downloader {
	return &Downloader{
		cat:       cat,
		retriever: retriever,
		retry:     retry,
		cfg:       cfg,
		shares:    make(map[string]*shareDownload),
		log:       slog.Default().With("component", "downloader"),
	}
}

// EnqueueShare is the "download_share" control-surface operation's entry
// point: it plans every file/segment a resolved CoreIndex describes,
// records one WorkDownload WorkItem per segment not already queued (reusing
// the WorkItem schema's folder_id column to hold shareID, which carries no
// foreign key to the Folder table and is never interpreted as one here),
// and finalizes any destination file a previous, crashed run already fully
// retrieved but never got to rename into place. It is safe to call again
// for the same share after a restart, as long as destDir is unchanged.
func (d *Downloader) EnqueueShare(ctx context.Context, shareID string, opened *resolver.Opened, destDir string) (int, error) {
	if err := pathutil.CheckDirectoryWritable(destDir); err != nil {
		return 0, corekind.Wrap(corekind.InvalidInput, err, "download destination %s", destDir)
	}

	plans, err := buildPlans(opened.Content)
	if err != nil {
		return 0, err
	}

	fileTotal := make(map[string]int)
	for _, p := range plans {
		for _, relPath := range distinctRelPaths(p.targets) {
			fileTotal[relPath]++
		}
	}

	existing, err := d.cat.ListWorkItemsForFolder(ctx, shareID, catalog.WorkDownload)
	if err != nil {
		return 0, err
	}
	seen := make(map[string]struct{}, len(existing))
	fileDone := make(map[string]int)
	for _, wi := range existing {
		seen[wi.TargetID] = struct{}{}
		if wi.Status != catalog.WorkDone {
			continue
		}
		if p, ok := plans[wi.TargetID]; ok {
			for _, relPath := range distinctRelPaths(p.targets) {
				fileDone[relPath]++
			}
		}
	}

	sd := &shareDownload{
		folderFingerprint: keying.FolderFingerprintHex(opened.Content.FolderPublicKey),
		shareKey:          opened.ShareKey,
		destDir:           destDir,
		plans:             plans,
		fileTotal:         fileTotal,
		fileDone:          fileDone,
	}
	d.mu.Lock()
	d.shares[shareID] = sd
	d.mu.Unlock()

	for relPath, total := range fileTotal {
		if fileDone[relPath] == total {
			if err := finalizeFile(destDir, relPath); err != nil {
				d.log.ErrorContext(ctx, "finalize already-complete download", "path", relPath, "error", err)
			}
		}
	}

	n := 0
	for msgID := range plans {
		if _, ok := seen[msgID]; ok {
			continue
		}
		if _, err := d.cat.EnqueueWorkItem(ctx, catalog.WorkDownload, msgID, shareID); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// buildPlans maps every CoreIndex segment to the destination file byte
// range(s) it contributes to (spec.md §4.3's fixed-size segmentation, or
// §4.3's small-file packing when content.Packing is set).
func buildPlans(content *publisher.CoreIndexContent) (map[string]segmentPlan, error) {
	fileByID := make(map[string]publisher.FileRecord, len(content.Files))
	for _, f := range content.Files {
		fileByID[f.FileID] = f
	}

	plans := make(map[string]segmentPlan, len(content.Segments))

	// A folder can mix plain, fixed-size segments (large files) with
	// packed segments (small files, spec.md §4.3) in the same CoreIndex,
	// so packed and plain segments are planned in two independent passes
	// over the same content.Segments table rather than one gating the
	// other.
	if content.Packing {
		packingByID := make(map[string]publisher.PackingRecord, len(content.Packing_))
		for _, pr := range content.Packing_ {
			packingByID[pr.SegmentID] = pr
		}
		for _, s := range content.Segments {
			pr, ok := packingByID[s.SegmentID]
			if !ok {
				continue // plain segment; planned by the per-file pass below
			}
			targets := make([]writeTarget, 0, len(pr.Entries))
			for _, e := range pr.Entries {
				f, ok := fileByID[e.FileID]
				if !ok {
					return nil, corekind.New(corekind.IntegrityFailed, "packing entry references unknown file %s", e.FileID)
				}
				targets = append(targets, writeTarget{relPath: f.RelPath, fileOffset: 0, spanOffset: e.Offset, length: e.Length})
			}
			// A packed segment carries whole small files rather than a slice
			// of one File's byte stream, so there is no single file_hash to
			// key off of; its own content hash stands in, matching the
			// Uploader's keying choice for the same segment at encrypt time.
			plans[s.MessageID] = segmentPlan{
				segmentIndex:    0,
				fileHashForKey:  s.PlaintextSHA256,
				plaintextSHA256: s.PlaintextSHA256,
				targets:         targets,
			}
		}
	}

	for _, f := range content.Files {
		if f.SegmentCount == 0 {
			continue // packed file; already planned via the packing table above
		}
		if int64(f.SegmentStart)+int64(f.SegmentCount) > int64(len(content.Segments)) {
			return nil, corekind.New(corekind.IntegrityFailed, "file %s segment range exceeds segment table", f.FileID)
		}
		var fileOffset int64
		for i := uint32(0); i < f.SegmentCount; i++ {
			s := content.Segments[f.SegmentStart+i]
			plans[s.MessageID] = segmentPlan{
				segmentIndex:    int(i),
				fileHashForKey:  f.SHA256,
				plaintextSHA256: s.PlaintextSHA256,
				targets: []writeTarget{{
					relPath:    f.RelPath,
					fileOffset: fileOffset,
					spanOffset: 0,
					length:     s.PlaintextLen,
				}},
			}
			fileOffset += s.PlaintextLen
		}
	}
	return plans, nil
}

func distinctRelPaths(targets []writeTarget) []string {
	seen := make(map[string]bool, len(targets))
	out := make([]string, 0, len(targets))
	for _, t := range targets {
		if seen[t.relPath] {
			continue
		}
		seen[t.relPath] = true
		out = append(out, t.relPath)
	}
	return out
}

// DrainOnce claims up to limit pending/retry-due download WorkItems and
// processes them concurrently, returning how many were claimed. Processing
// failures are recorded on the WorkItem itself, never returned here, so one
// bad segment can't stop the rest of the batch.
func (d *Downloader) DrainOnce(ctx context.Context, limit int) (int, error) {
	owner := uuid.NewString()
	items, err := d.cat.ClaimWorkItems(ctx, catalog.WorkDownload, owner, limit)
	if err != nil {
		return 0, err
	}
	if len(items) == 0 {
		return 0, nil
	}

	pl := concpool.New().WithContext(ctx).WithMaxGoroutines(d.cfg.workers())
	for _, wi := range items {
		wi := wi
		pl.Go(func(ctx context.Context) error {
			d.processOne(ctx, wi)
			return nil
		})
	}
	_ = pl.Wait()
	return len(items), nil
}

// Start runs DrainOnce on a ticker until Stop is called or ctx is
// cancelled, mirroring internal/uploader's lifecycle.
func (d *Downloader) Start(ctx context.Context, pollInterval time.Duration) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return corekind.New(corekind.Internal, "downloader already running")
	}
	d.running = true
	d.stopCh = make(chan struct{})
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-d.stopCh:
				return
			case <-ticker.C:
				if _, err := d.DrainOnce(ctx, d.cfg.workers()*2); err != nil {
					d.log.ErrorContext(ctx, "drain download queue", "error", err)
				}
			}
		}
	}()
	return nil
}

// Stop signals the Start loop to exit and waits for it to do so.
func (d *Downloader) Stop(context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return corekind.New(corekind.Internal, "downloader not running")
	}
	close(d.stopCh)
	d.running = false
	d.mu.Unlock()

	d.wg.Wait()
	return nil
}

func (d *Downloader) processOne(ctx context.Context, wi *catalog.WorkItem) {
	shareID := wi.FolderID
	d.mu.Lock()
	sd, ok := d.shares[shareID]
	d.mu.Unlock()
	if !ok {
		d.fail(ctx, wi, corekind.New(corekind.Internal, "share %s has no active download session in this process; call EnqueueShare again", shareID))
		return
	}
	plan, ok := sd.plans[wi.TargetID]
	if !ok {
		d.fail(ctx, wi, corekind.New(corekind.Internal, "no segment plan for message_id %s", wi.TargetID))
		return
	}

	raw, err := d.retriever.Retrieve(ctx, wi.TargetID)
	if err != nil {
		d.fail(ctx, wi, corekind.Wrap(corekind.ProviderTransient, err, "retrieve segment %s", wi.TargetID))
		return
	}
	wire, err := wireenc.DecodeArticleBody(bytes.NewReader(raw))
	if err != nil {
		d.fail(ctx, wi, err)
		return
	}

	enc := encryptor.New(sd.shareKey)
	plaintext, err := enc.Decrypt(sd.folderFingerprint, plan.fileHashForKey, plan.segmentIndex, wire)
	if err != nil {
		d.fail(ctx, wi, err)
		return
	}
	sum := sha256.Sum256(plaintext)
	if hex.EncodeToString(sum[:]) != plan.plaintextSHA256 {
		d.fail(ctx, wi, corekind.New(corekind.IntegrityFailed, "segment %s plaintext hash mismatch", wi.TargetID))
		return
	}

	for _, t := range plan.targets {
		if err := writeSegmentTarget(sd.destDir, t, plaintext); err != nil {
			d.fail(ctx, wi, err)
			return
		}
	}

	if err := d.cat.CompleteWorkItem(ctx, wi.ID); err != nil {
		d.log.ErrorContext(ctx, "complete download work item", "error", err)
		return
	}

	d.recordProgress(ctx, sd, plan)
}

func (d *Downloader) fail(ctx context.Context, wi *catalog.WorkItem, cause error) {
	d.log.ErrorContext(ctx, "download segment failed", "work_item", wi.ID, "target", wi.TargetID, "error", cause)
	if wi.Attempts+1 >= d.cfg.maxAttempts() {
		d.log.ErrorContext(ctx, "download segment exhausted retries", "target", wi.TargetID)
	}
	delay := d.retry.Delay(uint(wi.Attempts))
	if err := d.cat.FailWorkItem(ctx, wi.ID, cause, delay); err != nil {
		d.log.ErrorContext(ctx, "record work item failure", "error", err)
	}
}

// recordProgress increments the per-file done counters plan's targets
// contribute to, and finalizes any file that just reached its total.
func (d *Downloader) recordProgress(ctx context.Context, sd *shareDownload, plan segmentPlan) {
	sd.mu.Lock()
	var toFinalize []string
	for _, relPath := range distinctRelPaths(plan.targets) {
		sd.fileDone[relPath]++
		if sd.fileDone[relPath] == sd.fileTotal[relPath] {
			toFinalize = append(toFinalize, relPath)
		}
	}
	sd.mu.Unlock()

	for _, relPath := range toFinalize {
		if err := finalizeFile(sd.destDir, relPath); err != nil {
			d.log.ErrorContext(ctx, "finalize downloaded file", "path", relPath, "error", err)
		}
	}
}

// writeSegmentTarget writes one segment's contribution to its destination
// file's write-ahead temp path (internal/pathutil.TempDownloadPath).
func writeSegmentTarget(destDir string, t writeTarget, plaintext []byte) error {
	destPath := filepath.Join(destDir, filepath.FromSlash(t.relPath))
	tempPath := pathutil.TempDownloadPath(destPath)
	if err := os.MkdirAll(filepath.Dir(tempPath), 0o755); err != nil {
		return corekind.Wrap(corekind.StorageUnavailable, err, "create destination directory for %s", t.relPath)
	}
	f, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return corekind.Wrap(corekind.StorageUnavailable, err, "open %s for writing", tempPath)
	}
	defer f.Close()
	if _, err := f.WriteAt(plaintext[t.spanOffset:t.spanOffset+t.length], t.fileOffset); err != nil {
		return corekind.Wrap(corekind.StorageUnavailable, err, "write segment bytes to %s", tempPath)
	}
	return nil
}

// finalizeFile atomically renames a fully-written temp file into place. A
// destPath that already exists means a previous run already finalized it;
// this is a no-op rather than an error so a restart's baseline sweep in
// EnqueueShare can call it unconditionally.
func finalizeFile(destDir, relPath string) error {
	destPath := filepath.Join(destDir, filepath.FromSlash(relPath))
	if _, err := os.Stat(destPath); err == nil {
		return nil
	}
	tempPath := pathutil.TempDownloadPath(destPath)
	if err := os.Rename(tempPath, destPath); err != nil {
		return corekind.Wrap(corekind.StorageUnavailable, err, "finalize %s", destPath)
	}
	return nil
}
