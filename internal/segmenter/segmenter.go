// Package segmenter splits file bytes into fixed-size segments and packs
// small files together, and derives the two subject strings and message-ID
// local part every Segment carries (spec.md §4.3).
package segmenter

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/sethvargo/go-password/password"

	"github.com/usenetsync/usenetsync/internal/corekind"
)

// DefaultSegmentSize is the nominal segment size S in bytes
// (config.SegmentConfig carries the per-installation override).
const DefaultSegmentSize int64 = 768_000

const usenetSubjectLen = 20
const messageIDLocalLen = 16

// Range is one contiguous, non-overlapping byte span of a File
// (global invariant (a): every Segment of a File covers [0, file.size)
// without overlap).
type Range struct {
	Index  int
	Offset int64
	Length int64
}

// PlanFile splits a file of size fileSize into ⌈fileSize/segmentSize⌉
// contiguous Ranges, the last possibly short (one zero-length Range for an
// empty file).
func PlanFile(fileSize, segmentSize int64) ([]Range, error) {
	if segmentSize <= 0 {
		return nil, corekind.New(corekind.InvalidInput, "segment size must be positive, got %d", segmentSize)
	}
	if fileSize < 0 {
		return nil, corekind.New(corekind.InvalidInput, "file size cannot be negative, got %d", fileSize)
	}
	if fileSize == 0 {
		return []Range{{Index: 0, Offset: 0, Length: 0}}, nil
	}

	var ranges []Range
	var offset int64
	for idx := 0; offset < fileSize; idx++ {
		length := segmentSize
		if offset+length > fileSize {
			length = fileSize - offset
		}
		ranges = append(ranges, Range{Index: idx, Offset: offset, Length: length})
		offset += length
	}
	return ranges, nil
}

// PackEntry identifies one small file contributing bytes to a packed
// segment.
type PackEntry struct {
	FileID string
	Offset int64 // offset within the packed segment, not within the file
	Length int64
}

// PackedSegment is one segment built from several small files concatenated
// together, with a deterministic framing header of (file_id, offset,
// length) tuples (spec.md §4.3).
type PackedSegment struct {
	Entries []PackEntry
	Total   int64
}

// SmallFile is the subset of catalog.File fields PlanPacking needs.
type SmallFile struct {
	FileID string
	Size   int64
}

// PlanPacking greedily concatenates small files (each smaller than
// segmentSize) into PackedSegments, each holding at most
// P = floor(segmentSize / avg(small_file_size)) files, filling every
// segment before starting the next. Input order is the caller's
// responsibility: callers should pass files pre-sorted (e.g. by relative
// path) so that packing decisions are deterministic for a given input set,
// per spec.md §4.3.
func PlanPacking(files []SmallFile, segmentSize int64) ([]PackedSegment, error) {
	if segmentSize <= 0 {
		return nil, corekind.New(corekind.InvalidInput, "segment size must be positive, got %d", segmentSize)
	}
	if len(files) == 0 {
		return nil, nil
	}

	var totalSize int64
	for _, f := range files {
		totalSize += f.Size
	}
	avg := totalSize / int64(len(files))
	if avg <= 0 {
		avg = 1
	}
	maxPerSegment := int(segmentSize / avg)
	if maxPerSegment < 1 {
		maxPerSegment = 1
	}

	var segments []PackedSegment
	var cur PackedSegment
	for _, f := range files {
		wouldOverflow := cur.Total+f.Size > segmentSize && cur.Total > 0
		wouldExceedCount := len(cur.Entries) >= maxPerSegment
		if wouldOverflow || wouldExceedCount {
			segments = append(segments, cur)
			cur = PackedSegment{}
		}
		cur.Entries = append(cur.Entries, PackEntry{FileID: f.FileID, Offset: cur.Total, Length: f.Size})
		cur.Total += f.Size
	}
	if len(cur.Entries) > 0 {
		segments = append(segments, cur)
	}
	return segments, nil
}

// InternalSubject derives the Catalog-private subject used to verify a
// downloaded article truly corresponds to the expected segment. Never
// posted (global invariant (c)).
func InternalSubject(folderPriv ed25519.PrivateKey, folderID string, version, segmentIndex int, entropy []byte) string {
	var versionAndIndex [8]byte
	binary.BigEndian.PutUint32(versionAndIndex[0:4], uint32(version))
	binary.BigEndian.PutUint32(versionAndIndex[4:8], uint32(segmentIndex))

	h := sha256.New()
	h.Write(folderPriv)
	h.Write([]byte(folderID))
	h.Write(versionAndIndex[:])
	h.Write(entropy)
	return hex.EncodeToString(h.Sum(nil))
}

// NewUsenetSubject samples a 20-character [a-z0-9] subject with no
// correlation to any plaintext, the string that appears in the posted
// article's Subject header.
func NewUsenetSubject() (string, error) {
	return randomAlnum(usenetSubjectLen)
}

// NewMessageIDLocalPart samples the 16-character [a-z0-9] local part of a
// Message-ID of the form <xxxxxxxxxxxxxxxx@domain>.
func NewMessageIDLocalPart() (string, error) {
	return randomAlnum(messageIDLocalLen)
}

func randomAlnum(n int) (string, error) {
	digits := n / 3
	s, err := password.Generate(n, digits, 0, true, true)
	if err != nil {
		return "", corekind.Wrap(corekind.Internal, err, "generate random subject string")
	}
	return s, nil
}

// FormatMessageID wraps a local part and domain into the wire form
// <local@domain> (spec.md §4.3).
func FormatMessageID(local, domain string) string {
	return fmt.Sprintf("<%s@%s>", local, domain)
}
