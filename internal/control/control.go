// Package control implements the request/response channel spec.md §6
// exposes to external collaborators (a GUI or CLI process). Per §9's
// design note, the "runtime string-keyed dispatch between the GUI and
// backend" found in the original artifacts is re-architected here as a
// single tagged Request enumeration with a compile-time exhaustive switch
// in Handle, rather than a map keyed by operation name.
package control

import (
	"context"
	"time"

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

// Op names one of the ten recognized control operations (spec.md §6).
type Op string

const (
	OpInitializeIdentity Op = "initialize_identity"
	OpRegisterFolder     Op = "register_folder"
	OpIndexFolder        Op = "index_folder"
	OpSegmentFolder      Op = "segment_folder"
	OpUploadFolder       Op = "upload_folder"
	OpPublishFolder      Op = "publish_folder"
	OpRevokeShare        Op = "revoke_share"
	OpDownloadShare      Op = "download_share"
	OpProgress           Op = "progress"
	OpStats              Op = "stats"
)

// Request is the tagged union of every operation's parameters. Exactly the
// field matching Op is read; the rest are ignored, the way the teacher's
// fiber handlers bind only the body shape a given route expects.
type Request struct {
	Op Op

	RegisterFolder *RegisterFolderParams
	IndexFolder    *FolderIDParams
	SegmentFolder  *FolderIDParams
	UploadFolder   *FolderIDParams
	PublishFolder  *PublishFolderParams
	RevokeShare    *ShareIDParams
	DownloadShare  *DownloadShareParams
	Progress       *ProgressParams
}

// RegisterFolderParams is register_folder{path, name}.
type RegisterFolderParams struct {
	Path string
	Name string
}

// FolderIDParams covers the three operations that take only a folder_id:
// index_folder, segment_folder, upload_folder.
type FolderIDParams struct {
	FolderID string
}

// ShareIDParams covers revoke_share{share_id}.
type ShareIDParams struct {
	ShareID string
}

// PublishFolderParams is publish_folder{folder_id, access_type,
// authorized_users?, password?, expires_in?}.
type PublishFolderParams struct {
	FolderID        string
	AccessType      string // "PUBLIC" | "PRIVATE" | "PROTECTED"
	AuthorizedUsers []string // hex user_id commitments, PRIVATE only
	Password        string
	ExpiresIn       time.Duration // 0 = never
}

// DownloadShareParams is download_share{share_id, dest, auth}.
type DownloadShareParams struct {
	ShareID  string
	Dest     string
	Password string // PROTECTED shares only
}

// ProgressParams is progress{op_id}. op_id is either a folder_id (an
// upload in progress) or a share_id (a download in progress): both are
// valid Catalog lookup keys, since internal/downloader reuses the
// WorkItem schema's folder_id column to hold share_id (spec.md §4.7).
type ProgressParams struct {
	OpID string
}

// Result is the stable envelope every operation returns (spec.md §6):
// `{ ok, value|error_kind, message }`.
type Result struct {
	OK        bool          `json:"ok"`
	Value     any           `json:"value,omitempty"`
	ErrorKind corekind.Kind `json:"error_kind,omitempty"`
	Message   string        `json:"message,omitempty"`
}

func ok(value any) Result {
	return Result{OK: true, Value: value}
}

func fail(err error) Result {
	return Result{OK: false, ErrorKind: corekind.KindOf(err), Message: err.Error()}
}

// RegisterFolderResult is register_folder's value payload.
type RegisterFolderResult struct {
	FolderID string
}

// IndexFolderResult is index_folder's value payload.
type IndexFolderResult struct {
	FilesIndexed int
}

// SegmentFolderResult is segment_folder's value payload.
type SegmentFolderResult struct {
	SegmentsCreated int
}

// UploadFolderResult is upload_folder's value payload.
type UploadFolderResult struct {
	SegmentsPosted int
	Done           bool
}

// PublishFolderResult is publish_folder's value payload.
type PublishFolderResult struct {
	ShareID string
}

// DownloadShareResult is download_share's value payload.
type DownloadShareResult struct {
	SegmentsFetched int
}

// ProgressResult is progress's value payload.
type ProgressResult struct {
	TotalSegments  int
	PostedSegments int
	FailedSegments int
	Fraction       float64
}

// StatsResult is stats's value payload (spec.md §6's stats{} operation):
// installation-wide counts across every Folder the Catalog knows about.
type StatsResult struct {
	Folders int
	Shares  int
	Segments int
	PostedSegments int
}

// Service wires every core component behind the control surface, in the
// construction order spec.md §9 prescribes: Identity → Keying → Catalog →
// NNTP Engine → everything else. Service itself takes the already-built
// collaborators; composing them from config lives in cmd/usenetsyncd.
type Service struct {
	id  *identity.Identity
	cat *catalog.Catalog
	idx *indexer.Indexer
	seg *segmenter.Segmenter
	up  *uploader.Uploader
	pub *publisher.Publisher
	res *resolver.Resolver
	down *downloader.Downloader

	newsgroup       string
	messageIDDomain string
	posterFrom      string
	segmentSize     int64
	uploadBatch     int
	downloadBatch   int
}

// New wires a Service. newsgroup/messageIDDomain/posterFrom/segmentSize are
// the installation's configured defaults: segmentSize is applied to
// register_folder, since register_folder{path, name} carries no per-call
// segmentation override (spec.md §6), and newsgroup/messageIDDomain/
// posterFrom to publish_folder's CoreIndex articles (upload_folder's
// segment articles use the Uploader's own Config). segmentSize <= 0 falls
// back to segmenter.DefaultSegmentSize.
func New(id *identity.Identity, cat *catalog.Catalog, idx *indexer.Indexer, seg *segmenter.Segmenter, up *uploader.Uploader, pub *publisher.Publisher, res *resolver.Resolver, down *downloader.Downloader, newsgroup, messageIDDomain, posterFrom string, segmentSize int64) *Service {
	if segmentSize <= 0 {
		segmentSize = segmenter.DefaultSegmentSize
	}
	return &Service{
		id: id, cat: cat, idx: idx, seg: seg, up: up, pub: pub, res: res, down: down,
		newsgroup: newsgroup, messageIDDomain: messageIDDomain, posterFrom: posterFrom, segmentSize: segmentSize,
		uploadBatch: 50, downloadBatch: 50,
	}
}

// Handle dispatches req to its operation and returns the stable result
// envelope. The switch is exhaustive over Op by construction: adding a new
// Op without a matching case here falls through to the InvalidInput
// default, which is intentionally loud in tests rather than silently no-op.
func (s *Service) Handle(ctx context.Context, req Request) Result {
	switch req.Op {
	case OpInitializeIdentity:
		return s.initializeIdentity()
	case OpRegisterFolder:
		return s.registerFolder(ctx, req.RegisterFolder)
	case OpIndexFolder:
		return s.indexFolder(ctx, req.IndexFolder)
	case OpSegmentFolder:
		return s.segmentFolder(ctx, req.SegmentFolder)
	case OpUploadFolder:
		return s.uploadFolder(ctx, req.UploadFolder)
	case OpPublishFolder:
		return s.publishFolder(ctx, req.PublishFolder)
	case OpRevokeShare:
		return s.revokeShare(ctx, req.RevokeShare)
	case OpDownloadShare:
		return s.downloadShare(ctx, req.DownloadShare)
	case OpProgress:
		return s.progress(ctx, req.Progress)
	case OpStats:
		return s.stats(ctx)
	default:
		return fail(corekind.New(corekind.InvalidInput, "unrecognized control operation %q", req.Op))
	}
}

func (s *Service) initializeIdentity() Result {
	userID, err := s.id.EnsureIdentity()
	if err != nil {
		return fail(err)
	}
	return ok(userID)
}

func (s *Service) registerFolder(ctx context.Context, p *RegisterFolderParams) Result {
	if p == nil || p.Path == "" {
		return fail(corekind.New(corekind.InvalidInput, "register_folder requires path"))
	}
	rootSecret, err := keying.NewRootSecret()
	if err != nil {
		return fail(err)
	}
	folder, err := s.cat.RegisterFolder(ctx, p.Path, p.Name, s.segmentSize, rootSecret[:])
	if err != nil {
		return fail(err)
	}
	return ok(RegisterFolderResult{FolderID: folder.FolderID})
}

func (s *Service) indexFolder(ctx context.Context, p *FolderIDParams) Result {
	if p == nil || p.FolderID == "" {
		return fail(corekind.New(corekind.InvalidInput, "index_folder requires folder_id"))
	}
	manifest, err := s.idx.IndexFolder(ctx, p.FolderID)
	if err != nil {
		return fail(err)
	}
	return ok(IndexFolderResult{FilesIndexed: len(manifest.Entries)})
}

func (s *Service) segmentFolder(ctx context.Context, p *FolderIDParams) Result {
	if p == nil || p.FolderID == "" {
		return fail(corekind.New(corekind.InvalidInput, "segment_folder requires folder_id"))
	}
	n, err := s.seg.SegmentFolder(ctx, p.FolderID)
	if err != nil {
		return fail(err)
	}
	return ok(SegmentFolderResult{SegmentsCreated: n})
}

// uploadFolder drains the folder's upload queue to completion before
// returning, matching the control surface's synchronous request/response
// contract; a GUI wanting live progress polls progress{op_id} from another
// call rather than this one blocking indefinitely (Start/Stop remain
// available to a daemon process for background draining independent of
// this call).
func (s *Service) uploadFolder(ctx context.Context, p *FolderIDParams) Result {
	if p == nil || p.FolderID == "" {
		return fail(corekind.New(corekind.InvalidInput, "upload_folder requires folder_id"))
	}
	if _, err := s.up.EnqueueFolder(ctx, p.FolderID); err != nil {
		return fail(err)
	}

	total := 0
	for {
		n, err := s.up.DrainOnce(ctx, s.uploadBatch)
		if err != nil {
			return fail(err)
		}
		total += n
		if n == 0 {
			break
		}
	}

	done, err := s.up.FinalizeFolder(ctx, p.FolderID)
	if err != nil {
		return fail(err)
	}
	return ok(UploadFolderResult{SegmentsPosted: total, Done: done})
}

func (s *Service) publishFolder(ctx context.Context, p *PublishFolderParams) Result {
	if p == nil || p.FolderID == "" {
		return fail(corekind.New(corekind.InvalidInput, "publish_folder requires folder_id"))
	}
	accessType, err := parseAccessType(p.AccessType)
	if err != nil {
		return fail(err)
	}

	opts := publisher.Options{
		AccessType:      accessType,
		Password:        p.Password,
		ExpiresIn:       p.ExpiresIn,
		Newsgroup:       s.newsgroup,
		MessageIDDomain: s.messageIDDomain,
		From:            s.posterFrom,
	}
	if accessType == publisher.AccessPrivate {
		for _, userID := range p.AuthorizedUsers {
			commitment, err := identity.ParseCommitment(userID)
			if err != nil {
				return fail(err)
			}
			opts.AuthorizedUsers = append(opts.AuthorizedUsers, commitment)
		}
	}
	if addedBy, err := s.id.UserID(); err == nil {
		opts.AddedBy = addedBy
	}

	if prev, err := s.latestActiveContent(ctx, p.FolderID); err == nil {
		opts.Previous = prev
	}

	share, err := s.pub.Publish(ctx, p.FolderID, opts)
	if err != nil {
		return fail(err)
	}
	return ok(PublishFolderResult{ShareID: share.ShareID})
}

// latestActiveContent decodes the folder's current (non-revoked) Share's
// CoreIndex, if one exists, so publishFolder can pass it as opts.Previous
// and let Publisher enforce the re-publish file-set invariant (SPEC_FULL.md
// Open Question decision #2). A folder being published for the first time
// has no prior Share, which is not itself an error.
func (s *Service) latestActiveContent(ctx context.Context, folderID string) (*publisher.CoreIndexContent, error) {
	shares, err := s.cat.ListSharesForFolder(ctx, folderID)
	if err != nil {
		return nil, err
	}
	for _, share := range shares {
		if share.Revoked {
			continue
		}
		opened, err := s.res.Open(ctx, share.ShareID, resolver.Auth{})
		if err != nil {
			continue
		}
		return opened.Content, nil
	}
	return nil, corekind.New(corekind.NotFound, "folder %s has no active share to re-publish from", folderID)
}

func (s *Service) revokeShare(ctx context.Context, p *ShareIDParams) Result {
	if p == nil || p.ShareID == "" {
		return fail(corekind.New(corekind.InvalidInput, "revoke_share requires share_id"))
	}
	if err := s.cat.RevokeShare(ctx, p.ShareID); err != nil {
		return fail(err)
	}
	return ok(nil)
}

// downloadShare opens the share (recovering its key per the access rule
// its type requires), enqueues every segment, and drains the download
// queue to completion, mirroring uploadFolder's synchronous contract.
func (s *Service) downloadShare(ctx context.Context, p *DownloadShareParams) Result {
	if p == nil || p.ShareID == "" || p.Dest == "" {
		return fail(corekind.New(corekind.InvalidInput, "download_share requires share_id and dest"))
	}

	auth := resolver.Auth{Password: p.Password}
	if priv, err := s.id.SigningKey(); err == nil {
		auth.PrivateKey = priv
	}

	opened, err := s.res.Open(ctx, p.ShareID, auth)
	if err != nil {
		return fail(err)
	}

	if _, err := s.down.EnqueueShare(ctx, p.ShareID, opened, p.Dest); err != nil {
		return fail(err)
	}

	total := 0
	for {
		n, err := s.down.DrainOnce(ctx, s.downloadBatch)
		if err != nil {
			return fail(err)
		}
		total += n
		if n == 0 {
			break
		}
	}
	return ok(DownloadShareResult{SegmentsFetched: total})
}

// progress answers progress{op_id} for either an upload (op_id is a real
// folder_id, backed by Segment rows) or a download (op_id is a share_id,
// which only ever has WorkItem rows, since a downloaded share has no local
// Segment table of its own).
func (s *Service) progress(ctx context.Context, p *ProgressParams) Result {
	if p == nil || p.OpID == "" {
		return fail(corekind.New(corekind.InvalidInput, "progress requires op_id"))
	}

	if prog, err := s.cat.FolderProgress(ctx, p.OpID); err == nil && prog.TotalSegments > 0 {
		return ok(ProgressResult{
			TotalSegments:  prog.TotalSegments,
			PostedSegments: prog.PostedSegments,
			FailedSegments: prog.FailedSegments,
			Fraction:       prog.Fraction(),
		})
	}

	items, err := s.cat.ListWorkItemsForFolder(ctx, p.OpID, catalog.WorkDownload)
	if err != nil {
		return fail(err)
	}
	if len(items) == 0 {
		return fail(corekind.New(corekind.NotFound, "no operation found for op_id %s", p.OpID))
	}
	result := ProgressResult{TotalSegments: len(items)}
	for _, wi := range items {
		switch wi.Status {
		case catalog.WorkDone:
			result.PostedSegments++
		case catalog.WorkFailed:
			result.FailedSegments++
		}
	}
	if result.TotalSegments > 0 {
		result.Fraction = float64(result.PostedSegments) / float64(result.TotalSegments)
	}
	return ok(result)
}

func (s *Service) stats(ctx context.Context) Result {
	folders, err := s.cat.ListFolders(ctx)
	if err != nil {
		return fail(err)
	}

	result := StatsResult{Folders: len(folders)}
	for _, f := range folders {
		shares, err := s.cat.ListSharesForFolder(ctx, f.FolderID)
		if err != nil {
			return fail(err)
		}
		result.Shares += len(shares)

		segs, err := s.cat.ListSegmentsForFolder(ctx, f.FolderID)
		if err != nil {
			return fail(err)
		}
		result.Segments += len(segs)
		for _, seg := range segs {
			if seg.Status == catalog.SegmentPosted {
				result.PostedSegments++
			}
		}
	}
	return ok(result)
}

func parseAccessType(s string) (publisher.AccessType, error) {
	switch s {
	case "PUBLIC", "":
		return publisher.AccessPublic, nil
	case "PRIVATE":
		return publisher.AccessPrivate, nil
	case "PROTECTED":
		return publisher.AccessProtected, nil
	default:
		return 0, corekind.New(corekind.InvalidInput, "unknown access_type %q", s)
	}
}
