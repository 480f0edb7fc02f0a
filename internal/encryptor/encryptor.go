// Package encryptor is the spec.md §4.4 "Encryptor" component: it derives
// each segment's content key and nonce from a folder's root secret
// (internal/keying) and drives the wire AEAD framing (internal/wireenc),
// so the Uploader and Downloader share one place that knows how a
// segment's plaintext becomes posted ciphertext and back.
package encryptor

import (
	"github.com/usenetsync/usenetsync/internal/keying"
	"github.com/usenetsync/usenetsync/internal/wireenc"
)

// Encryptor binds a single folder's root_secret for the lifetime of an
// upload or download run; segment_key's other inputs (file_hash,
// segment_index) are passed per call (spec.md §4.2).
type Encryptor struct {
	rootSecret [keying.RootSecretSize]byte
}

// New wraps a folder's root secret (or, for a Downloader, the ShareKey a
// Resolver recovered — SPEC_FULL.md Open Question decision #7 establishes
// these are the same 32 bytes).
func New(rootSecret [keying.RootSecretSize]byte) *Encryptor {
	return &Encryptor{rootSecret: rootSecret}
}

// Encrypt derives segment_index's content key and nonce and AEAD-encrypts
// plaintext, returning the wire-framed bytes ready for yEnc encoding.
func (e *Encryptor) Encrypt(folderID, fileHash string, segmentIndex int, plaintext []byte) ([]byte, error) {
	key, err := keying.SegmentKey(e.rootSecret, folderID, fileHash, segmentIndex)
	if err != nil {
		return nil, err
	}
	nonce, err := keying.SegmentNonce(key)
	if err != nil {
		return nil, err
	}
	return wireenc.Seal(key, nonce, plaintext)
}

// Decrypt rederives the same key and nonce and opens wire, validating the
// wire header, ciphertext CRC, and AEAD tag (spec.md §4.4's three integrity
// layers).
func (e *Encryptor) Decrypt(folderID, fileHash string, segmentIndex int, wire []byte) ([]byte, error) {
	key, err := keying.SegmentKey(e.rootSecret, folderID, fileHash, segmentIndex)
	if err != nil {
		return nil, err
	}
	nonce, err := keying.SegmentNonce(key)
	if err != nil {
		return nil, err
	}
	return wireenc.Open(key, nonce, wire)
}
