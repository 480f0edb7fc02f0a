// Package catalog is the durable record of folders, files, segments,
// shares, authorized users and work queues (spec.md §3, §6's "Catalog").
// It is backed by SQLite (mattn/go-sqlite3) with goose-managed schema
// migrations, following the teacher's internal/database/repository.go
// shape: a thin DBQuerier interface over *sql.DB/*sql.Tx, transactional
// read-modify-write helpers, and ON CONFLICT inserts for folder keys and
// authorized users.
package catalog

import "time"

// FolderState is a Folder's lifecycle state (spec.md §3).
type FolderState string

const (
	FolderRegistered FolderState = "registered"
	FolderIndexed    FolderState = "indexed"
	FolderSegmented  FolderState = "segmented"
	FolderUploaded   FolderState = "uploaded"
	FolderPublished  FolderState = "published"
	FolderDeleted    FolderState = "deleted"
)

// SegmentStatus is a Segment's lifecycle state (spec.md §3).
type SegmentStatus string

const (
	SegmentPending SegmentStatus = "pending"
	SegmentEncoded SegmentStatus = "encoded"
	SegmentPosted  SegmentStatus = "posted"
	SegmentFailed  SegmentStatus = "failed"
)

// ShareType is one of the three access policies (spec.md §3, §4.6).
type ShareType string

const (
	SharePublic    ShareType = "PUBLIC"
	SharePrivate   ShareType = "PRIVATE"
	ShareProtected ShareType = "PROTECTED"
)

// WorkOperation is the kind of work a WorkItem performs (spec.md §3).
type WorkOperation string

const (
	WorkUpload   WorkOperation = "upload"
	WorkDownload WorkOperation = "download"
)

// WorkStatus tracks a WorkItem's progress through the queue.
type WorkStatus string

const (
	WorkPending    WorkStatus = "pending"
	WorkInFlight   WorkStatus = "in_flight"
	WorkDone       WorkStatus = "done"
	WorkFailed     WorkStatus = "failed"
)

// Folder is a registered directory tree (spec.md §3).
type Folder struct {
	FolderID    string
	Path        string
	DisplayName string
	SegmentSize int64
	State       FolderState
	RootSecret  []byte // 32 bytes, backs keying.SegmentKey
	CreatedAt   time.Time
}

// File is one indexed file within a Folder (spec.md §3).
type File struct {
	FileID       string
	FolderID     string
	RelPath      string
	Size         int64
	SHA256       string
	ModifiedAt   time.Time
}

// Segment is one fixed-size slice of a File's plaintext, or — when it has
// PackEntries recorded against it — the concatenation of several small
// Files' whole contents (spec.md §4.3 packing). FileID/Index still identify
// a packed Segment's first member so UNIQUE(file_id, idx) holds; its full
// membership lives in the segment_pack_entries table (see PackEntry).
type Segment struct {
	SegmentID        string
	FileID           string
	Index            int
	PlaintextLen     int64
	PlaintextSHA256  string
	KeyID            string
	Status           SegmentStatus
	InternalSubject  string
	UsenetSubject    string
	MessageID        string // set once Status == posted
}

// PackEntry is one File's byte range within a packed Segment's plaintext
// (spec.md §4.3).
type PackEntry struct {
	SegmentID string
	FileID    string
	Offset    int64
	Length    int64
}

// Article is a posted Segment's record on the wire (spec.md §3).
type Article struct {
	MessageID string
	SegmentID string
	Newsgroup string
	Subject   string
	PostedAt  time.Time
	SizeBytes int64
}

// Share is a published access handle to a Folder's CoreIndex (spec.md §3).
type Share struct {
	ShareID           string
	FolderID          string
	Type              ShareType
	CoreIndexRootMsgID string
	ExpiresAt         *time.Time
	CreatedAt         time.Time
	Revoked           bool
}

// AuthorizedUser is one PRIVATE-share grant (spec.md §3).
type AuthorizedUser struct {
	FolderID          string
	UserIDCommitment  string // hex
	AddedAt           time.Time
	AddedBy           string
}

// WorkItem is a durable queue row (spec.md §3).
type WorkItem struct {
	ID            int64
	Operation     WorkOperation
	TargetID      string // segment_id, or a message_id for downloads
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
	Owner         string
	Status        WorkStatus
	FolderID      string
}
