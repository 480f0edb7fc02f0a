package catalog

import (
	"context"
	"database/sql"
	"time"

	"github.com/usenetsync/usenetsync/internal/corekind"
)

// CreateArticle records a posted Segment's wire identity (spec.md §3's
// Article entity): the message_id the NNTP Engine assigned, the
// newsgroup and subject it was posted under, and the encoded article
// size. Called by the Uploader immediately after MarkSegmentPosted.
func (c *Catalog) CreateArticle(ctx context.Context, messageID, segmentID, newsgroup, subject string, sizeBytes int64) (*Article, error) {
	a := &Article{
		MessageID: messageID,
		SegmentID: segmentID,
		Newsgroup: newsgroup,
		Subject:   subject,
		PostedAt:  time.Now().UTC(),
		SizeBytes: sizeBytes,
	}
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO articles (message_id, segment_id, newsgroup, subject, posted_at, size_bytes)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.MessageID, a.SegmentID, a.Newsgroup, a.Subject, a.PostedAt.Format(time.RFC3339Nano), a.SizeBytes)
	if err != nil {
		return nil, corekind.Wrap(corekind.StorageUnavailable, err, "create article %s", messageID)
	}
	return a, nil
}

// GetArticle loads one Article by message_id.
func (c *Catalog) GetArticle(ctx context.Context, messageID string) (*Article, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT message_id, segment_id, newsgroup, subject, posted_at, size_bytes
		FROM articles WHERE message_id = ?`, messageID)
	a, err := scanArticle(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, corekind.New(corekind.NotFound, "article %s not found", messageID)
		}
		return nil, corekind.Wrap(corekind.StorageUnavailable, err, "get article %s", messageID)
	}
	return a, nil
}

// ListArticlesForSegment returns every Article posted for segmentID (more
// than one only when a Segment was re-posted after a failed attempt left a
// stale record, which this schema does not currently prune).
func (c *Catalog) ListArticlesForSegment(ctx context.Context, segmentID string) ([]*Article, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT message_id, segment_id, newsgroup, subject, posted_at, size_bytes
		FROM articles WHERE segment_id = ? ORDER BY posted_at`, segmentID)
	if err != nil {
		return nil, corekind.Wrap(corekind.StorageUnavailable, err, "list articles for segment %s", segmentID)
	}
	defer rows.Close()

	var out []*Article
	for rows.Next() {
		a, err := scanArticle(rows)
		if err != nil {
			return nil, corekind.Wrap(corekind.StorageUnavailable, err, "scan article row")
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanArticle(row rowScanner) (*Article, error) {
	var a Article
	var postedAt string
	if err := row.Scan(&a.MessageID, &a.SegmentID, &a.Newsgroup, &a.Subject, &postedAt, &a.SizeBytes); err != nil {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339Nano, postedAt)
	if err != nil {
		return nil, err
	}
	a.PostedAt = t
	return &a, nil
}
