package resolver

import (
	"context"
	"math/rand"
	"sync"

	concpool "github.com/sourcegraph/conc/pool"

	"github.com/usenetsync/usenetsync/internal/publisher"
)

// Stater checks whether an article exists without fetching its body — a
// cheaper probe than Retriever.Retrieve for a sweep that only cares about
// availability (spec.md §4.6's open/verify path). Grounded on the
// teacher's internal/usenet/validation.go, which calls nntppool's own Stat
// the same way when its verifyData flag is false; internal/nntpengine's
// Engine.Stat wraps that same call.
type Stater interface {
	Stat(ctx context.Context, messageID string) error
}

// VerifyReport is the result of sampling a CoreIndex's segment_table for
// availability without downloading or decrypting anything.
type VerifyReport struct {
	SegmentsChecked int
	Missing         []string // message_ids that failed Stat
}

// minSampleSegments is always validated for statistical validity when
// sampling less than the full segment set, matching the teacher's floor.
const minSampleSegments = 5

// maxSampleSegments caps network I/O on a share with a very large segment
// count, matching the teacher's ceiling.
const maxSampleSegments = 55

// VerifySegments checks that content's segments are still retrievable,
// without recovering the share key or reading any plaintext: a
// lighter-weight health check than a full download_share, useful before
// committing to one. samplePercentage of 100 checks every segment;
// anything less uses the teacher's strategy of always checking the first
// 3 (DMCA/takedown detection) and last 2 (incomplete upload detection)
// segments plus enough random middle segments to reach the target sample
// size, for a statistically meaningful check without the cost of a full
// sweep.
func VerifySegments(ctx context.Context, stater Stater, content *publisher.CoreIndexContent, samplePercentage, maxConcurrency int) (*VerifyReport, error) {
	selected := selectSegmentsForVerification(content.Segments, samplePercentage)
	report := &VerifyReport{SegmentsChecked: len(selected)}
	if len(selected) == 0 {
		return report, nil
	}
	if maxConcurrency <= 0 {
		maxConcurrency = 8
	}

	var mu sync.Mutex
	pl := concpool.New().WithContext(ctx).WithMaxGoroutines(maxConcurrency)
	for _, seg := range selected {
		seg := seg
		pl.Go(func(ctx context.Context) error {
			if err := stater.Stat(ctx, seg.MessageID); err != nil {
				mu.Lock()
				report.Missing = append(report.Missing, seg.MessageID)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = pl.Wait()
	return report, nil
}

func selectSegmentsForVerification(segments []publisher.SegmentRecord, samplePercentage int) []publisher.SegmentRecord {
	if samplePercentage >= 100 || len(segments) == 0 {
		return segments
	}

	total := len(segments)
	target := (total * samplePercentage) / 100
	if target < minSampleSegments {
		target = minSampleSegments
	}
	if target > maxSampleSegments {
		target = maxSampleSegments
	}
	if target >= total {
		return segments
	}

	var selected []publisher.SegmentRecord

	firstCount := min(3, total)
	selected = append(selected, segments[:firstCount]...)

	lastCount := 2
	if firstCount+lastCount > total {
		lastCount = total - firstCount
	}
	if lastCount > 0 {
		selected = append(selected, segments[total-lastCount:]...)
	}

	middleStart := firstCount
	middleEnd := total - lastCount
	middleRange := middleEnd - middleStart
	if middleRange > 0 {
		remaining := target - len(selected)
		randomSamples := min(remaining, middleRange)
		if randomSamples > 0 {
			perm := rand.Perm(middleRange)
			for i := 0; i < randomSamples; i++ {
				selected = append(selected, segments[middleStart+perm[i]])
			}
		}
	}

	return selected
}
