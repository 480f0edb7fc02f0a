// Package publisher builds, signs and encodes the CoreIndex that a Share
// points to, and mints share_ids (spec.md §4.6, §6's binary layout table).
package publisher

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base32"
	"encoding/binary"
	"encoding/hex"
	"strings"

	"github.com/jinzhu/copier"

	"github.com/usenetsync/usenetsync/internal/catalog"
	"github.com/usenetsync/usenetsync/internal/corekind"
	"github.com/usenetsync/usenetsync/internal/keying"
)

const (
	coreIndexMagic   uint32 = 0x55434958 // "UCIX"
	coreIndexVersion uint16 = 1
	signatureSize           = ed25519.SignatureSize // 64
	shareIDLen              = 24
)

// AccessType is the low two bits of a CoreIndex's flags field (spec.md §6).
type AccessType uint8

const (
	AccessPublic AccessType = iota
	AccessPrivate
	AccessProtected
)

func (a AccessType) toShareType() catalog.ShareType {
	switch a {
	case AccessPrivate:
		return catalog.SharePrivate
	case AccessProtected:
		return catalog.ShareProtected
	default:
		return catalog.SharePublic
	}
}

// FileRecord is one file_table entry (spec.md §6).
type FileRecord struct {
	FileID        string
	RelPath       string
	Size          int64
	SHA256        string // hex, 64 chars
	SegmentStart  uint32
	SegmentCount  uint32
}

// SegmentRecord is one segment_table entry (spec.md §6).
type SegmentRecord struct {
	SegmentID       string
	MessageID       string
	PlaintextLen    int64
	PlaintextSHA256 string // hex, 64 chars
	KeyID           string
}

// PackEntry is one (file_id, offset, length) tuple inside a packed
// segment's framing header (spec.md §4.3).
type PackEntry struct {
	FileID string
	Offset int64
	Length int64
}

// PackingRecord maps one packed SegmentID to the files it carries.
type PackingRecord struct {
	SegmentID string
	Entries   []PackEntry
}

// PrivateGrant is one (user_id_commitment, wrapped_key) tuple in a PRIVATE
// access_block (spec.md §6).
type PrivateGrant struct {
	UserIDCommitment ed25519.PublicKey // 32 bytes
	WrappedKey       []byte            // 48 bytes, keying.WrappedKeySize
}

// ProtectedAccess is a PROTECTED access_block's fields (spec.md §6).
type ProtectedAccess struct {
	Salt       [16]byte
	KDFParams  [8]byte // opaque, encodes scrypt N/r/p
	WrappedKey []byte  // 48 bytes
}

// CoreIndexContent is everything a CoreIndex describes, in unsigned,
// unencoded form (spec.md §4.6).
type CoreIndexContent struct {
	FolderPublicKey    ed25519.PublicKey // 32 bytes
	SegmentSize        uint32
	AccessType         AccessType
	Packing            bool
	CreatedAt          int64
	ExpiresAt          int64 // 0 = never

	// Exactly one of these is populated, per AccessType.
	PublicShareKey  [32]byte
	PrivateGrants   []PrivateGrant
	ProtectedAccess ProtectedAccess

	Files    []FileRecord
	Segments []SegmentRecord
	Packing_ []PackingRecord // only present when Packing is true
}

// DeepCopy returns an independent copy, used before mutating a snapshot for
// a re-publish (the same role as the teacher's config.DeepCopy() ahead of
// an update).
func (c *CoreIndexContent) DeepCopy() (*CoreIndexContent, error) {
	var out CoreIndexContent
	if err := copier.CopyWithOption(&out, c, copier.Option{DeepCopy: true}); err != nil {
		return nil, corekind.Wrap(corekind.Internal, err, "deep-copy CoreIndex content")
	}
	return &out, nil
}

// Encode serializes content into the pre-signature CoreIndex byte layout
// (spec.md §6). It does not sign; call Sign to append the Ed25519
// signature over these bytes.
func Encode(content *CoreIndexContent) ([]byte, error) {
	if len(content.FolderPublicKey) != ed25519.PublicKeySize {
		return nil, corekind.New(corekind.InvalidInput, "folder public key must be %d bytes", ed25519.PublicKeySize)
	}

	var buf bytes.Buffer
	writeU32(&buf, coreIndexMagic)
	writeU16(&buf, coreIndexVersion)
	buf.Write(content.FolderPublicKey)
	fp := keying.FolderFingerprint(content.FolderPublicKey)
	buf.Write(fp[:])
	writeU32(&buf, content.SegmentSize)

	flags := uint32(content.AccessType) & 0x3
	if content.Packing {
		flags |= 1 << 2
	}
	writeU32(&buf, flags)
	writeI64(&buf, content.CreatedAt)
	writeI64(&buf, content.ExpiresAt)

	if err := encodeAccessBlock(&buf, content); err != nil {
		return nil, err
	}
	if err := encodeFileTable(&buf, content.Files); err != nil {
		return nil, err
	}
	if err := encodeSegmentTable(&buf, content.Segments); err != nil {
		return nil, err
	}
	if content.Packing {
		if err := encodePackingTable(&buf, content.Packing_); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

func encodeAccessBlock(buf *bytes.Buffer, content *CoreIndexContent) error {
	switch content.AccessType {
	case AccessPublic:
		buf.Write(content.PublicShareKey[:])
	case AccessPrivate:
		writeU32(buf, uint32(len(content.PrivateGrants)))
		for _, g := range content.PrivateGrants {
			if len(g.UserIDCommitment) != ed25519.PublicKeySize {
				return corekind.New(corekind.InvalidInput, "private grant commitment must be %d bytes", ed25519.PublicKeySize)
			}
			if len(g.WrappedKey) != 48 {
				return corekind.New(corekind.InvalidInput, "private grant wrapped key must be 48 bytes, got %d", len(g.WrappedKey))
			}
			buf.Write(g.UserIDCommitment)
			buf.Write(g.WrappedKey)
		}
	case AccessProtected:
		if len(content.ProtectedAccess.WrappedKey) != 48 {
			return corekind.New(corekind.InvalidInput, "protected wrapped key must be 48 bytes, got %d", len(content.ProtectedAccess.WrappedKey))
		}
		buf.Write(content.ProtectedAccess.Salt[:])
		buf.Write(content.ProtectedAccess.KDFParams[:])
		buf.Write(content.ProtectedAccess.WrappedKey)
	default:
		return corekind.New(corekind.InvalidInput, "unknown access type %d", content.AccessType)
	}
	return nil
}

func encodeFileTable(buf *bytes.Buffer, files []FileRecord) error {
	writeU32(buf, uint32(len(files)))
	for _, f := range files {
		if err := writeString(buf, f.FileID); err != nil {
			return err
		}
		if err := writeString(buf, f.RelPath); err != nil {
			return err
		}
		writeI64(buf, f.Size)
		if err := writeHash32(buf, f.SHA256); err != nil {
			return err
		}
		writeU32(buf, f.SegmentStart)
		writeU32(buf, f.SegmentCount)
	}
	return nil
}

func encodeSegmentTable(buf *bytes.Buffer, segments []SegmentRecord) error {
	writeU32(buf, uint32(len(segments)))
	for _, s := range segments {
		if err := writeString(buf, s.SegmentID); err != nil {
			return err
		}
		if err := writeString(buf, s.MessageID); err != nil {
			return err
		}
		writeI64(buf, s.PlaintextLen)
		if err := writeHash32(buf, s.PlaintextSHA256); err != nil {
			return err
		}
		if err := writeString(buf, s.KeyID); err != nil {
			return err
		}
	}
	return nil
}

func encodePackingTable(buf *bytes.Buffer, records []PackingRecord) error {
	writeU32(buf, uint32(len(records)))
	for _, r := range records {
		if err := writeString(buf, r.SegmentID); err != nil {
			return err
		}
		writeU32(buf, uint32(len(r.Entries)))
		for _, e := range r.Entries {
			if err := writeString(buf, e.FileID); err != nil {
				return err
			}
			writeI64(buf, e.Offset)
			writeI64(buf, e.Length)
		}
	}
	return nil
}

// Sign appends an Ed25519 signature over the encoded bytes, producing the
// fully posted CoreIndex (spec.md §6: "signature over all preceding
// bytes").
func Sign(folderPriv ed25519.PrivateKey, encoded []byte) []byte {
	sig := ed25519.Sign(folderPriv, encoded)
	out := make([]byte, 0, len(encoded)+signatureSize)
	out = append(out, encoded...)
	out = append(out, sig...)
	return out
}

// VerifySignature checks the trailing 64-byte Ed25519 signature against
// the preceding bytes and the given folder public key (spec.md §8,
// property 3).
func VerifySignature(folderPub ed25519.PublicKey, signed []byte) bool {
	if len(signed) < signatureSize {
		return false
	}
	body := signed[:len(signed)-signatureSize]
	sig := signed[len(signed)-signatureSize:]
	return ed25519.Verify(folderPub, body, sig)
}

// EncodeKDFParams packs a PROTECTED share's scrypt parameters into the
// access_block's opaque 8-byte kdf_params field (spec.md §6): N as a
// big-endian uint32, then r and p as single bytes, with 2 reserved bytes.
func EncodeKDFParams(params keying.PasswordKDFParams) [8]byte {
	var out [8]byte
	binary.BigEndian.PutUint32(out[0:4], uint32(params.N))
	out[4] = byte(params.R)
	out[5] = byte(params.P)
	return out
}

// DecodeKDFParams reverses EncodeKDFParams.
func DecodeKDFParams(raw [8]byte) keying.PasswordKDFParams {
	return keying.PasswordKDFParams{
		N: int(binary.BigEndian.Uint32(raw[0:4])),
		R: int(raw[4]),
		P: int(raw[5]),
	}
}

// NewShareID mints a 24-character share_id: 15 CSPRNG bytes rendered in the
// lowercase Base32 alphabet (a-z, 2-7), embedding no information about the
// folder or the share it names (spec.md §4.6).
func NewShareID() (string, error) {
	var raw [shareIDLen * 5 / 8]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", corekind.Wrap(corekind.Internal, err, "generate share_id")
	}
	return strings.ToLower(base32.StdEncoding.EncodeToString(raw[:])), nil
}

func writeU16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeI64(buf *bytes.Buffer, v int64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	buf.Write(b[:])
}

func writeString(buf *bytes.Buffer, s string) error {
	if len(s) > 0xFFFF {
		return corekind.New(corekind.InvalidInput, "string field too long: %d bytes", len(s))
	}
	writeU16(buf, uint16(len(s)))
	buf.WriteString(s)
	return nil
}

func writeHash32(buf *bytes.Buffer, hexHash string) error {
	raw, err := decodeHex32(hexHash)
	if err != nil {
		return err
	}
	buf.Write(raw[:])
	return nil
}

func decodeHex32(hexHash string) ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(hexHash)
	if err != nil {
		return out, corekind.Wrap(corekind.InvalidInput, err, "decode sha256 hex %q", hexHash)
	}
	if len(raw) != 32 {
		return out, corekind.New(corekind.InvalidInput, "sha256 hex %q decodes to %d bytes, want 32", hexHash, len(raw))
	}
	copy(out[:], raw)
	return out, nil
}
