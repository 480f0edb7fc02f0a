// Package wireenc implements the segment wire format (spec.md §4.4):
// AEAD-encrypt a plaintext segment, prepend a fixed 32-byte header, then
// apply a binary-safe yEnc-class text encoding suitable for NNTP bodies.
package wireenc

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/usenetsync/usenetsync/internal/corekind"
)

// HeaderMagic identifies a UsenetSync wire-framed segment.
const HeaderMagic uint32 = 0x55535347 // "USSG"

// HeaderSize is the fixed size of Header in its encoded form.
const HeaderSize = 32

const headerVersion1 uint8 = 1

// Header precedes every AEAD ciphertext on the wire. Layout:
//
//	offset  size  field
//	0       4     magic
//	4       1     version
//	5       1     flags
//	6       2     reserved
//	8       8     plaintext_len
//	16      8     ciphertext_len
//	24      4     crc32 (of the ciphertext that follows)
//	28      4     header_crc (of bytes [0,28))
type Header struct {
	Version        uint8
	Flags          uint8
	PlaintextLen   uint64
	CiphertextLen  uint64
	CiphertextCRC  uint32
}

// Encode serializes h into its 32-byte wire form, computing the trailing
// header_crc over the preceding bytes.
func (h Header) Encode() [HeaderSize]byte {
	var buf [HeaderSize]byte
	binary.BigEndian.PutUint32(buf[0:4], HeaderMagic)
	buf[4] = h.Version
	buf[5] = h.Flags
	// buf[6:8] reserved, left zero
	binary.BigEndian.PutUint64(buf[8:16], h.PlaintextLen)
	binary.BigEndian.PutUint64(buf[16:24], h.CiphertextLen)
	binary.BigEndian.PutUint32(buf[24:28], h.CiphertextCRC)
	binary.BigEndian.PutUint32(buf[28:32], crc32.ChecksumIEEE(buf[0:28]))
	return buf
}

// DecodeHeader parses and validates a 32-byte wire header, rejecting a bad
// magic or a corrupted header_crc before the caller touches the ciphertext
// that follows.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, corekind.New(corekind.IntegrityFailed, "wire header truncated: got %d bytes, want %d", len(buf), HeaderSize)
	}
	if magic := binary.BigEndian.Uint32(buf[0:4]); magic != HeaderMagic {
		return Header{}, corekind.New(corekind.IntegrityFailed, "wire header magic mismatch: got %#x", magic)
	}
	wantCRC := binary.BigEndian.Uint32(buf[28:32])
	if gotCRC := crc32.ChecksumIEEE(buf[0:28]); gotCRC != wantCRC {
		return Header{}, corekind.New(corekind.IntegrityFailed, "wire header crc mismatch: got %#x want %#x", gotCRC, wantCRC)
	}

	return Header{
		Version:       buf[4],
		Flags:         buf[5],
		PlaintextLen:  binary.BigEndian.Uint64(buf[8:16]),
		CiphertextLen: binary.BigEndian.Uint64(buf[16:24]),
		CiphertextCRC: binary.BigEndian.Uint32(buf[24:28]),
	}, nil
}

// NewHeader builds a Header for a ciphertext blob, computing its CRC.
func NewHeader(plaintextLen int, ciphertext []byte) Header {
	return Header{
		Version:       headerVersion1,
		PlaintextLen:  uint64(plaintextLen),
		CiphertextLen: uint64(len(ciphertext)),
		CiphertextCRC: crc32.ChecksumIEEE(ciphertext),
	}
}
