package catalog

import (
	"context"

	"github.com/usenetsync/usenetsync/internal/corekind"
)

// Progress is a point-in-time snapshot of a folder's upload completion, the
// Σposted/Σtotal figure the control surface's "progress" operation reports
// (spec.md §6).
type Progress struct {
	FolderID       string
	TotalSegments  int
	PostedSegments int
	FailedSegments int
}

// Fraction returns PostedSegments/TotalSegments, or 0 when there is nothing
// to post yet.
func (p Progress) Fraction() float64 {
	if p.TotalSegments == 0 {
		return 0
	}
	return float64(p.PostedSegments) / float64(p.TotalSegments)
}

// FolderProgress computes the current Progress snapshot for folderID by
// counting Segment status across every File in the folder.
func (c *Catalog) FolderProgress(ctx context.Context, folderID string) (*Progress, error) {
	segs, err := c.ListSegmentsForFolder(ctx, folderID)
	if err != nil {
		return nil, corekind.Wrap(corekind.StorageUnavailable, err, "compute progress for folder %s", folderID)
	}

	p := &Progress{FolderID: folderID, TotalSegments: len(segs)}
	for _, s := range segs {
		switch s.Status {
		case SegmentPosted:
			p.PostedSegments++
		case SegmentFailed:
			p.FailedSegments++
		}
	}
	return p, nil
}
