package publisher

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"
	"encoding/hex"
	"io"

	"github.com/usenetsync/usenetsync/internal/corekind"
	"github.com/usenetsync/usenetsync/internal/keying"
)

// Decode parses a CoreIndex's pre-signature bytes (i.e. signed[:len(signed)-64])
// back into a CoreIndexContent. Callers that have the full posted bytes
// should call VerifySignature first, per spec.md §5's "reassembled in
// order before verification".
func Decode(encoded []byte) (*CoreIndexContent, error) {
	r := bytes.NewReader(encoded)

	magic, err := readU32(r)
	if err != nil {
		return nil, corekind.Wrap(corekind.IntegrityFailed, err, "read CoreIndex magic")
	}
	if magic != coreIndexMagic {
		return nil, corekind.New(corekind.IntegrityFailed, "bad CoreIndex magic %#x", magic)
	}
	version, err := readU16(r)
	if err != nil {
		return nil, corekind.Wrap(corekind.IntegrityFailed, err, "read CoreIndex version")
	}
	if version != coreIndexVersion {
		return nil, corekind.New(corekind.IntegrityFailed, "unsupported CoreIndex version %d", version)
	}

	folderPub := make([]byte, ed25519.PublicKeySize)
	if _, err := io.ReadFull(r, folderPub); err != nil {
		return nil, corekind.Wrap(corekind.IntegrityFailed, err, "read folder public key")
	}
	fingerprint := make([]byte, 32)
	if _, err := io.ReadFull(r, fingerprint); err != nil {
		return nil, corekind.Wrap(corekind.IntegrityFailed, err, "read folder fingerprint")
	}
	want := keying.FolderFingerprint(folderPub)
	if !bytes.Equal(fingerprint, want[:]) {
		return nil, corekind.New(corekind.IntegrityFailed, "folder fingerprint does not match folder public key")
	}

	segmentSize, err := readU32(r)
	if err != nil {
		return nil, corekind.Wrap(corekind.IntegrityFailed, err, "read segment_size")
	}
	flags, err := readU32(r)
	if err != nil {
		return nil, corekind.Wrap(corekind.IntegrityFailed, err, "read flags")
	}
	createdAt, err := readI64(r)
	if err != nil {
		return nil, corekind.Wrap(corekind.IntegrityFailed, err, "read created_at")
	}
	expiresAt, err := readI64(r)
	if err != nil {
		return nil, corekind.Wrap(corekind.IntegrityFailed, err, "read expires_at")
	}

	content := &CoreIndexContent{
		FolderPublicKey: ed25519.PublicKey(folderPub),
		SegmentSize:     segmentSize,
		AccessType:      AccessType(flags & 0x3),
		Packing:         flags&(1<<2) != 0,
		CreatedAt:       createdAt,
		ExpiresAt:       expiresAt,
	}

	if err := decodeAccessBlock(r, content); err != nil {
		return nil, err
	}
	files, err := decodeFileTable(r)
	if err != nil {
		return nil, err
	}
	content.Files = files

	segments, err := decodeSegmentTable(r)
	if err != nil {
		return nil, err
	}
	content.Segments = segments

	if content.Packing {
		packing, err := decodePackingTable(r)
		if err != nil {
			return nil, err
		}
		content.Packing_ = packing
	}

	return content, nil
}

func decodeAccessBlock(r *bytes.Reader, content *CoreIndexContent) error {
	switch content.AccessType {
	case AccessPublic:
		if _, err := io.ReadFull(r, content.PublicShareKey[:]); err != nil {
			return corekind.Wrap(corekind.IntegrityFailed, err, "read public share key")
		}
	case AccessPrivate:
		count, err := readU32(r)
		if err != nil {
			return corekind.Wrap(corekind.IntegrityFailed, err, "read private grant count")
		}
		grants := make([]PrivateGrant, 0, count)
		for i := uint32(0); i < count; i++ {
			commitment := make([]byte, ed25519.PublicKeySize)
			if _, err := io.ReadFull(r, commitment); err != nil {
				return corekind.Wrap(corekind.IntegrityFailed, err, "read private grant commitment")
			}
			wrapped := make([]byte, 48)
			if _, err := io.ReadFull(r, wrapped); err != nil {
				return corekind.Wrap(corekind.IntegrityFailed, err, "read private grant wrapped key")
			}
			grants = append(grants, PrivateGrant{UserIDCommitment: commitment, WrappedKey: wrapped})
		}
		content.PrivateGrants = grants
	case AccessProtected:
		if _, err := io.ReadFull(r, content.ProtectedAccess.Salt[:]); err != nil {
			return corekind.Wrap(corekind.IntegrityFailed, err, "read protected salt")
		}
		if _, err := io.ReadFull(r, content.ProtectedAccess.KDFParams[:]); err != nil {
			return corekind.Wrap(corekind.IntegrityFailed, err, "read protected kdf params")
		}
		wrapped := make([]byte, 48)
		if _, err := io.ReadFull(r, wrapped); err != nil {
			return corekind.Wrap(corekind.IntegrityFailed, err, "read protected wrapped key")
		}
		content.ProtectedAccess.WrappedKey = wrapped
	default:
		return corekind.New(corekind.IntegrityFailed, "unknown access type %d", content.AccessType)
	}
	return nil
}

func decodeFileTable(r *bytes.Reader) ([]FileRecord, error) {
	count, err := readU32(r)
	if err != nil {
		return nil, corekind.Wrap(corekind.IntegrityFailed, err, "read file_table count")
	}
	out := make([]FileRecord, 0, count)
	for i := uint32(0); i < count; i++ {
		fileID, err := readString(r)
		if err != nil {
			return nil, err
		}
		relPath, err := readString(r)
		if err != nil {
			return nil, err
		}
		size, err := readI64(r)
		if err != nil {
			return nil, corekind.Wrap(corekind.IntegrityFailed, err, "read file size")
		}
		shaHex, err := readHash32Hex(r)
		if err != nil {
			return nil, err
		}
		start, err := readU32(r)
		if err != nil {
			return nil, corekind.Wrap(corekind.IntegrityFailed, err, "read file segment_start")
		}
		segCount, err := readU32(r)
		if err != nil {
			return nil, corekind.Wrap(corekind.IntegrityFailed, err, "read file segment_count")
		}
		out = append(out, FileRecord{
			FileID:       fileID,
			RelPath:      relPath,
			Size:         size,
			SHA256:       shaHex,
			SegmentStart: start,
			SegmentCount: segCount,
		})
	}
	return out, nil
}

func decodeSegmentTable(r *bytes.Reader) ([]SegmentRecord, error) {
	count, err := readU32(r)
	if err != nil {
		return nil, corekind.Wrap(corekind.IntegrityFailed, err, "read segment_table count")
	}
	out := make([]SegmentRecord, 0, count)
	for i := uint32(0); i < count; i++ {
		segmentID, err := readString(r)
		if err != nil {
			return nil, err
		}
		messageID, err := readString(r)
		if err != nil {
			return nil, err
		}
		plaintextLen, err := readI64(r)
		if err != nil {
			return nil, corekind.Wrap(corekind.IntegrityFailed, err, "read segment plaintext_len")
		}
		shaHex, err := readHash32Hex(r)
		if err != nil {
			return nil, err
		}
		keyID, err := readString(r)
		if err != nil {
			return nil, err
		}
		out = append(out, SegmentRecord{
			SegmentID:       segmentID,
			MessageID:       messageID,
			PlaintextLen:    plaintextLen,
			PlaintextSHA256: shaHex,
			KeyID:           keyID,
		})
	}
	return out, nil
}

func decodePackingTable(r *bytes.Reader) ([]PackingRecord, error) {
	count, err := readU32(r)
	if err != nil {
		return nil, corekind.Wrap(corekind.IntegrityFailed, err, "read packing_table count")
	}
	out := make([]PackingRecord, 0, count)
	for i := uint32(0); i < count; i++ {
		segmentID, err := readString(r)
		if err != nil {
			return nil, err
		}
		entryCount, err := readU32(r)
		if err != nil {
			return nil, corekind.Wrap(corekind.IntegrityFailed, err, "read packing entry count")
		}
		entries := make([]PackEntry, 0, entryCount)
		for j := uint32(0); j < entryCount; j++ {
			fileID, err := readString(r)
			if err != nil {
				return nil, err
			}
			offset, err := readI64(r)
			if err != nil {
				return nil, corekind.Wrap(corekind.IntegrityFailed, err, "read packing entry offset")
			}
			length, err := readI64(r)
			if err != nil {
				return nil, corekind.Wrap(corekind.IntegrityFailed, err, "read packing entry length")
			}
			entries = append(entries, PackEntry{FileID: fileID, Offset: offset, Length: length})
		}
		out = append(out, PackingRecord{SegmentID: segmentID, Entries: entries})
	}
	return out, nil
}

func readU16(r *bytes.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

func readU32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func readI64(r *bytes.Reader) (int64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(b[:])), nil
}

func readString(r *bytes.Reader) (string, error) {
	n, err := readU16(r)
	if err != nil {
		return "", corekind.Wrap(corekind.IntegrityFailed, err, "read string length")
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", corekind.Wrap(corekind.IntegrityFailed, err, "read string body")
	}
	return string(buf), nil
}

func readHash32Hex(r *bytes.Reader) (string, error) {
	buf := make([]byte, 32)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", corekind.Wrap(corekind.IntegrityFailed, err, "read sha256 field")
	}
	return hex.EncodeToString(buf), nil
}
