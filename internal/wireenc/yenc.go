package wireenc

import (
	"fmt"
	"hash/crc32"
	"io"

	"github.com/mnightingale/rapidyenc"

	"github.com/usenetsync/usenetsync/internal/corekind"
)

// ArticleBody is the yEnc-encoded wire bytes for one article part, plus the
// metadata needed to render the =ybegin/=yend lines (spec.md §6).
type ArticleBody struct {
	Encoded []byte
	CRC32   uint32
}

// EncodeArticleBody applies the binary-safe yEnc-class encoding to a
// header-framed, AEAD-sealed segment (the output of Seal), using
// mnightingale/rapidyenc's fast encoder.
func EncodeArticleBody(wire []byte) (ArticleBody, error) {
	enc := rapidyenc.NewEncoder()
	dst := make([]byte, rapidyenc.MaxEncodedSize(len(wire)))
	n := enc.Encode(dst, wire)

	return ArticleBody{
		Encoded: dst[:n],
		CRC32:   crc32Of(wire),
	}, nil
}

// DecodeArticleBody reverses EncodeArticleBody, reading a yEnc-encoded
// article body from r and returning the header-framed wire bytes
// (still AEAD-sealed; callers pass the result to Open).
func DecodeArticleBody(r io.Reader) ([]byte, error) {
	dec := rapidyenc.NewDecoder(r)
	wire, err := io.ReadAll(dec)
	if err != nil {
		return nil, corekind.Wrap(corekind.IntegrityFailed, err, "decode yEnc article body")
	}

	headers := dec.Headers()
	if headers.CRC32 != 0 && headers.CRC32 != crc32Of(wire) {
		return nil, corekind.New(corekind.IntegrityFailed, "yEnc transport crc mismatch for %q", headers.Name)
	}
	return wire, nil
}

// FormatYencBegin renders the "=ybegin" line for one article part.
func FormatYencBegin(part, total int, size int64, name string) string {
	return fmt.Sprintf("=ybegin part=%d total=%d line=128 size=%d name=%s.dat", part, total, size, name)
}

// FormatYencEnd renders the "=yend" trailer line for one article part.
func FormatYencEnd(part int, size int64, crc uint32) string {
	return fmt.Sprintf("=yend size=%d part=%d pcrc32=%08x", size, part, crc)
}

func crc32Of(b []byte) uint32 {
	return crc32.ChecksumIEEE(b)
}
