package publisher

import "github.com/usenetsync/usenetsync/internal/corekind"

// DefaultCoreIndexPartSize bounds how much of a signed CoreIndex one
// posted Article carries before the Publisher splits it into several
// ordered segments (spec.md §4.6: "A large CoreIndex is split into ordered
// segments with an explicit total count"). It mirrors the nominal Segment
// size used for file content so both paths share one NNTP article budget.
const DefaultCoreIndexPartSize = 768_000

// SplitForPosting divides signed CoreIndex bytes into ordered, contiguous
// parts no larger than partSize, for the Publisher to post as one Article
// per part.
func SplitForPosting(signed []byte, partSize int) ([][]byte, error) {
	if partSize <= 0 {
		return nil, corekind.New(corekind.InvalidInput, "part size must be positive, got %d", partSize)
	}
	if len(signed) == 0 {
		return nil, corekind.New(corekind.InvalidInput, "cannot split empty CoreIndex")
	}

	total := (len(signed) + partSize - 1) / partSize
	parts := make([][]byte, 0, total)
	for i := 0; i < total; i++ {
		start := i * partSize
		end := start + partSize
		if end > len(signed) {
			end = len(signed)
		}
		parts = append(parts, signed[start:end])
	}
	return parts, nil
}

// ReassembleFromParts concatenates CoreIndex parts retrieved in order back
// into the signed CoreIndex bytes (spec.md §5: "CoreIndex segments... must
// be reassembled in order before verification").
func ReassembleFromParts(parts [][]byte) []byte {
	total := 0
	for _, p := range parts {
		total += len(p)
	}
	out := make([]byte, 0, total)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
