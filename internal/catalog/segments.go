package catalog

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"github.com/usenetsync/usenetsync/internal/corekind"
)

// CreateSegment records one Segment produced by the Segmenter for fileID at
// position idx, in status "pending" (spec.md §3).
func (c *Catalog) CreateSegment(ctx context.Context, fileID string, idx int, plaintextLen int64, plaintextSHA256, keyID, internalSubject, usenetSubject string) (*Segment, error) {
	s := &Segment{
		SegmentID:       uuid.NewString(),
		FileID:          fileID,
		Index:           idx,
		PlaintextLen:    plaintextLen,
		PlaintextSHA256: plaintextSHA256,
		KeyID:           keyID,
		Status:          SegmentPending,
		InternalSubject: internalSubject,
		UsenetSubject:   usenetSubject,
	}
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO segments (segment_id, file_id, idx, plaintext_len, plaintext_sha256, key_id, status, internal_subject, usenet_subject, message_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, '')`,
		s.SegmentID, s.FileID, s.Index, s.PlaintextLen, s.PlaintextSHA256, s.KeyID, s.Status, s.InternalSubject, s.UsenetSubject)
	if err != nil {
		return nil, corekind.Wrap(corekind.StorageUnavailable, err, "create segment %s[%d]", fileID, idx)
	}
	return s, nil
}

// GetSegment loads one Segment by ID.
func (c *Catalog) GetSegment(ctx context.Context, segmentID string) (*Segment, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT segment_id, file_id, idx, plaintext_len, plaintext_sha256, key_id, status, internal_subject, usenet_subject, message_id
		FROM segments WHERE segment_id = ?`, segmentID)
	return scanSegment(row)
}

// ListSegmentsForFile returns every Segment of fileID, ordered by index —
// the contiguous, non-overlapping cover of spec.md §3 invariant (a).
func (c *Catalog) ListSegmentsForFile(ctx context.Context, fileID string) ([]*Segment, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT segment_id, file_id, idx, plaintext_len, plaintext_sha256, key_id, status, internal_subject, usenet_subject, message_id
		FROM segments WHERE file_id = ? ORDER BY idx`, fileID)
	if err != nil {
		return nil, corekind.Wrap(corekind.StorageUnavailable, err, "list segments for file %s", fileID)
	}
	defer rows.Close()

	var out []*Segment
	for rows.Next() {
		s, err := scanSegmentRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ListSegmentsForFolder returns every Segment belonging to any File in
// folderID, ordered by file then index.
func (c *Catalog) ListSegmentsForFolder(ctx context.Context, folderID string) ([]*Segment, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT s.segment_id, s.file_id, s.idx, s.plaintext_len, s.plaintext_sha256, s.key_id, s.status, s.internal_subject, s.usenet_subject, s.message_id
		FROM segments s
		JOIN files f ON f.file_id = s.file_id
		WHERE f.folder_id = ?
		ORDER BY s.file_id, s.idx`, folderID)
	if err != nil {
		return nil, corekind.Wrap(corekind.StorageUnavailable, err, "list segments for folder %s", folderID)
	}
	defer rows.Close()

	var out []*Segment
	for rows.Next() {
		s, err := scanSegmentRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// MarkSegmentEncoded transitions a Segment from pending to encoded once the
// Encryptor has produced ciphertext for it.
func (c *Catalog) MarkSegmentEncoded(ctx context.Context, segmentID string) error {
	return c.transitionSegment(ctx, segmentID, SegmentEncoded, "")
}

// MarkSegmentPosted transitions a Segment to posted and records the
// message_id the NNTP Engine assigned. Invariant (spec.md §3): status =
// posted ⇒ message_id ≠ ∅.
func (c *Catalog) MarkSegmentPosted(ctx context.Context, segmentID, messageID string) error {
	if messageID == "" {
		return corekind.New(corekind.Internal, "cannot mark segment %s posted without a message_id", segmentID)
	}
	res, err := c.db.ExecContext(ctx, `UPDATE segments SET status = ?, message_id = ? WHERE segment_id = ?`,
		SegmentPosted, messageID, segmentID)
	if err != nil {
		return corekind.Wrap(corekind.StorageUnavailable, err, "mark segment %s posted", segmentID)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return corekind.New(corekind.NotFound, "segment %s not found", segmentID)
	}
	return nil
}

// MarkSegmentFailed transitions a Segment to failed after exhausting
// retries (spec.md §4.7).
func (c *Catalog) MarkSegmentFailed(ctx context.Context, segmentID string) error {
	return c.transitionSegment(ctx, segmentID, SegmentFailed, "")
}

func (c *Catalog) transitionSegment(ctx context.Context, segmentID string, status SegmentStatus, messageID string) error {
	res, err := c.db.ExecContext(ctx, `UPDATE segments SET status = ? WHERE segment_id = ?`, status, segmentID)
	if err != nil {
		return corekind.Wrap(corekind.StorageUnavailable, err, "transition segment %s to %s", segmentID, status)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return corekind.New(corekind.NotFound, "segment %s not found", segmentID)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSegment(row *sql.Row) (*Segment, error) {
	s, err := scanSegmentRows(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, corekind.New(corekind.NotFound, "segment not found")
		}
		return nil, corekind.Wrap(corekind.StorageUnavailable, err, "scan segment")
	}
	return s, nil
}

func scanSegmentRows(row rowScanner) (*Segment, error) {
	var s Segment
	if err := row.Scan(&s.SegmentID, &s.FileID, &s.Index, &s.PlaintextLen, &s.PlaintextSHA256,
		&s.KeyID, &s.Status, &s.InternalSubject, &s.UsenetSubject, &s.MessageID); err != nil {
		return nil, err
	}
	return &s, nil
}

// CreatePackEntries records segmentID's packed membership: the byte range
// each of several small Files occupies within its concatenated plaintext
// (spec.md §4.3). Called once, right after the packed Segment row itself.
func (c *Catalog) CreatePackEntries(ctx context.Context, entries []PackEntry) error {
	for _, e := range entries {
		_, err := c.db.ExecContext(ctx, `
			INSERT INTO segment_pack_entries (segment_id, file_id, byte_offset, byte_length)
			VALUES (?, ?, ?, ?)`,
			e.SegmentID, e.FileID, e.Offset, e.Length)
		if err != nil {
			return corekind.Wrap(corekind.StorageUnavailable, err, "create pack entry for segment %s file %s", e.SegmentID, e.FileID)
		}
	}
	return nil
}

// ListPackEntriesForSegment returns segmentID's packed membership, ordered
// by offset. Empty for an unpacked Segment.
func (c *Catalog) ListPackEntriesForSegment(ctx context.Context, segmentID string) ([]PackEntry, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT segment_id, file_id, byte_offset, byte_length
		FROM segment_pack_entries WHERE segment_id = ? ORDER BY byte_offset`, segmentID)
	if err != nil {
		return nil, corekind.Wrap(corekind.StorageUnavailable, err, "list pack entries for segment %s", segmentID)
	}
	defer rows.Close()
	return scanPackEntryRows(rows)
}

// ListPackEntriesForFolder returns every packed membership row for every
// Segment belonging to folderID, used by the Publisher to build the
// CoreIndex's packing table in one query.
func (c *Catalog) ListPackEntriesForFolder(ctx context.Context, folderID string) ([]PackEntry, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT pe.segment_id, pe.file_id, pe.byte_offset, pe.byte_length
		FROM segment_pack_entries pe
		JOIN files f ON f.file_id = pe.file_id
		WHERE f.folder_id = ?
		ORDER BY pe.segment_id, pe.byte_offset`, folderID)
	if err != nil {
		return nil, corekind.Wrap(corekind.StorageUnavailable, err, "list pack entries for folder %s", folderID)
	}
	defer rows.Close()
	return scanPackEntryRows(rows)
}

func scanPackEntryRows(rows *sql.Rows) ([]PackEntry, error) {
	var out []PackEntry
	for rows.Next() {
		var e PackEntry
		if err := rows.Scan(&e.SegmentID, &e.FileID, &e.Offset, &e.Length); err != nil {
			return nil, corekind.Wrap(corekind.StorageUnavailable, err, "scan pack entry row")
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
