package wireenc

import (
	"hash/crc32"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/usenetsync/usenetsync/internal/corekind"
)

// Seal AEAD-encrypts plaintext under (key, nonce) and prepends the wire
// Header, producing the bytes that get yEnc-encoded onto the article body
// (spec.md §4.4).
func Seal(key [32]byte, nonce [12]byte, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, corekind.Wrap(corekind.Internal, err, "construct AEAD cipher")
	}

	ciphertext := aead.Seal(nil, nonce[:], plaintext, nil)
	header := NewHeader(len(plaintext), ciphertext).Encode()

	out := make([]byte, 0, len(header)+len(ciphertext))
	out = append(out, header[:]...)
	out = append(out, ciphertext...)
	return out, nil
}

// Open validates and strips the wire Header, then AEAD-decrypts the
// ciphertext. Three integrity layers apply, per spec.md §4.4: the header's
// own CRC (checked by DecodeHeader), the ciphertext CRC recorded in the
// header, and finally the AEAD tag itself.
func Open(key [32]byte, nonce [12]byte, wire []byte) ([]byte, error) {
	header, err := DecodeHeader(wire)
	if err != nil {
		return nil, err
	}
	ciphertext := wire[HeaderSize:]
	if uint64(len(ciphertext)) != header.CiphertextLen {
		return nil, corekind.New(corekind.IntegrityFailed, "ciphertext length mismatch: header says %d, got %d", header.CiphertextLen, len(ciphertext))
	}
	if got := crc32.ChecksumIEEE(ciphertext); got != header.CiphertextCRC {
		return nil, corekind.New(corekind.IntegrityFailed, "ciphertext crc mismatch: got %#x want %#x", got, header.CiphertextCRC)
	}

	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, corekind.Wrap(corekind.Internal, err, "construct AEAD cipher")
	}

	plaintext, err := aead.Open(nil, nonce[:], ciphertext, nil)
	if err != nil {
		return nil, corekind.Wrap(corekind.IntegrityFailed, err, "AEAD authentication failed")
	}
	if uint64(len(plaintext)) != header.PlaintextLen {
		return nil, corekind.New(corekind.IntegrityFailed, "plaintext length mismatch: header says %d, got %d", header.PlaintextLen, len(plaintext))
	}
	return plaintext, nil
}
