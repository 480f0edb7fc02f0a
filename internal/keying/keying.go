// Package keying implements spec.md §4.2: per-folder long-term signing
// keys, per-segment content keys derived from a per-folder root secret, and
// password-derived keys for PROTECTED shares.
package keying

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"io"
	"math/big"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/scrypt"

	"github.com/usenetsync/usenetsync/internal/corekind"
)

// RootSecretSize is the per-folder root secret size backing segment_key.
const RootSecretSize = 32

// KeyDerivationVersion identifies the segment_key derivation formula a
// Segment's key_id (spec.md §6's segment table) was produced with, so a
// future change to the KDF can tell old Segments apart from new ones
// without a second lookup. There is only one formula today.
const KeyDerivationVersion = "v1"

// KeySize is the AEAD content key size.
const KeySize = 32

// NonceSize is the AEAD nonce size.
const NonceSize = 12

// FolderKeyStore persists a folder's long-term Ed25519 signing keypair. The
// Catalog implements this; Keying only knows how to generate and derive.
type FolderKeyStore interface {
	LoadFolderKey(folderID string) (priv ed25519.PrivateKey, pub ed25519.PublicKey, ok bool, err error)
	SaveFolderKey(folderID string, priv ed25519.PrivateKey, pub ed25519.PublicKey) error
}

// Keying is the per-installation keying service.
type Keying struct {
	store FolderKeyStore
}

// New wraps a FolderKeyStore.
func New(store FolderKeyStore) *Keying {
	return &Keying{store: store}
}

// FolderFingerprint is sha256(folder_public_key) (spec.md §6 offset 38): the
// one folder identifier both sides of a transfer can always produce, since
// it is a deterministic function of a value the CoreIndex always carries.
// Used as segment_key's folder_id input (SPEC_FULL.md Open Question decision
// 8) instead of the Catalog's local folder_id, which a Downloader never
// receives.
func FolderFingerprint(pub ed25519.PublicKey) [32]byte {
	return sha256.Sum256(pub)
}

// FolderFingerprintHex is FolderFingerprint, hex-encoded for use as
// segment_key's string folder_id input.
func FolderFingerprintHex(pub ed25519.PublicKey) string {
	fp := FolderFingerprint(pub)
	return hex.EncodeToString(fp[:])
}

// FolderKeys returns the folder's signing keypair, creating it on first use
// (spec.md §4.2, §3: "created when a folder is first registered").
func (k *Keying) FolderKeys(folderID string) (ed25519.PrivateKey, ed25519.PublicKey, error) {
	priv, pub, ok, err := k.store.LoadFolderKey(folderID)
	if err != nil {
		return nil, nil, corekind.Wrap(corekind.StorageUnavailable, err, "load folder key for %s", folderID)
	}
	if ok {
		return priv, pub, nil
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, corekind.Wrap(corekind.Internal, err, "generate folder key")
	}
	if err := k.store.SaveFolderKey(folderID, priv, pub); err != nil {
		return nil, nil, corekind.Wrap(corekind.StorageUnavailable, err, "persist folder key for %s", folderID)
	}
	return priv, pub, nil
}

// NewRootSecret generates a fresh per-folder root secret backing every
// segment_key derivation for that folder.
func NewRootSecret() ([RootSecretSize]byte, error) {
	var s [RootSecretSize]byte
	if _, err := rand.Read(s[:]); err != nil {
		return s, corekind.Wrap(corekind.Internal, err, "generate folder root secret")
	}
	return s, nil
}

// SegmentKey derives K = KDF(root_secret, folder_id || file_hash ||
// segment_index) (spec.md §4.2).
func SegmentKey(rootSecret [RootSecretSize]byte, folderID, fileHash string, segmentIndex int) ([KeySize]byte, error) {
	info := make([]byte, 0, len(folderID)+len(fileHash)+8)
	info = append(info, []byte(folderID)...)
	info = append(info, []byte(fileHash)...)
	idxBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(idxBuf, uint64(segmentIndex))
	info = append(info, idxBuf...)

	reader := hkdf.New(sha256.New, rootSecret[:], nil, info)
	var k [KeySize]byte
	if _, err := io.ReadFull(reader, k[:]); err != nil {
		return k, corekind.Wrap(corekind.Internal, err, "derive segment key")
	}
	return k, nil
}

// SegmentNonce derives N = KDF(K, "nonce")[0..12), guaranteeing a unique
// (key, nonce) pair per segment (spec.md §4.2).
func SegmentNonce(k [KeySize]byte) ([NonceSize]byte, error) {
	reader := hkdf.New(sha256.New, k[:], nil, []byte("nonce"))
	var n [NonceSize]byte
	if _, err := io.ReadFull(reader, n[:]); err != nil {
		return n, corekind.Wrap(corekind.Internal, err, "derive segment nonce")
	}
	return n, nil
}

// PasswordKDFParams are the scrypt parameters embedded alongside a
// PROTECTED share's salt (spec.md §4.2, SPEC_FULL.md Open Question 4).
type PasswordKDFParams struct {
	N int
	R int
	P int
}

// DefaultPasswordKDFParams is scrypt(N=32768, r=8, p=1).
func DefaultPasswordKDFParams() PasswordKDFParams {
	return PasswordKDFParams{N: 32768, R: 8, P: 1}
}

// DerivePasswordKey derives a 32-byte key from password and a random salt
// using a memory-hard KDF, for PROTECTED shares (spec.md §4.2).
func DerivePasswordKey(password string, salt [16]byte, params PasswordKDFParams) ([KeySize]byte, error) {
	var k [KeySize]byte
	derived, err := scrypt.Key([]byte(password), salt[:], params.N, params.R, params.P, KeySize)
	if err != nil {
		return k, corekind.Wrap(corekind.Internal, err, "derive password key")
	}
	copy(k[:], derived)
	return k, nil
}

// NewSalt generates a random 16-byte salt for DerivePasswordKey.
func NewSalt() ([16]byte, error) {
	var s [16]byte
	if _, err := rand.Read(s[:]); err != nil {
		return s, corekind.Wrap(corekind.Internal, err, "generate password salt")
	}
	return s, nil
}

// WrappedKeySize is the size of a PRIVATE share's per-user wrapped key
// entry (spec.md §6's access_block layout: 32-byte ciphertext + 16-byte
// Poly1305 tag, no room for a transmitted nonce or ephemeral key).
const WrappedKeySize = KeySize + chacha20poly1305.Overhead

var curve25519BasePrime, _ = new(big.Int).SetString("57896044618658097711785492504343953926634992332820282019728792003956564819949", 10)

// ed25519SeedToX25519Scalar derives the Curve25519 private scalar that an
// Ed25519 identity already computes internally from its seed
// (SHA-512(seed)[0:32], clamped per RFC 7748), so WrapShareKeyForUser and
// UnwrapShareKeyForUser can do an X25519 static-static Diffie-Hellman using
// the same Ed25519 keypair the rest of the core already persists, instead
// of requiring every identity to additionally manage an X25519 keypair.
func ed25519SeedToX25519Scalar(priv ed25519.PrivateKey) [32]byte {
	seed := priv.Seed()
	h := sha512.Sum512(seed)
	var scalar [32]byte
	copy(scalar[:], h[:32])
	scalar[0] &= 248
	scalar[31] &= 127
	scalar[31] |= 64
	return scalar
}

// ed25519PublicToX25519 converts an Ed25519 public key (an Edwards point)
// to its Curve25519 Montgomery-form u-coordinate via the standard
// birational map u = (1+y)/(1-y) mod p. The Ed25519 encoding already is
// the point's y-coordinate with the sign of x folded into the top bit, so
// recovering y needs only clearing that bit.
func ed25519PublicToX25519(pub ed25519.PublicKey) ([32]byte, error) {
	var u [32]byte
	if len(pub) != ed25519.PublicKeySize {
		return u, corekind.New(corekind.InvalidInput, "ed25519 public key must be %d bytes, got %d", ed25519.PublicKeySize, len(pub))
	}

	yBytes := make([]byte, ed25519.PublicKeySize)
	copy(yBytes, pub)
	yBytes[31] &= 0x7f // clear the sign bit to recover the raw y-coordinate

	y := new(big.Int).SetBytes(reverse(yBytes))
	one := big.NewInt(1)
	num := new(big.Int).Add(one, y)
	num.Mod(num, curve25519BasePrime)
	den := new(big.Int).Sub(one, y)
	den.Mod(den, curve25519BasePrime)
	denInv := new(big.Int).ModInverse(den, curve25519BasePrime)
	if denInv == nil {
		return u, corekind.New(corekind.InvalidInput, "ed25519 public key has no corresponding curve25519 point")
	}
	uInt := new(big.Int).Mul(num, denInv)
	uInt.Mod(uInt, curve25519BasePrime)

	uBytes := uInt.FillBytes(make([]byte, 32))
	copy(u[:], reverse(uBytes))
	return u, nil
}

func reverse(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}

// WrapShareKeyForUser encrypts shareKey so that only the holder of the
// Ed25519 private key behind commitment can recover it (spec.md §4.6's
// PRIVATE access rule). createdAt (the CoreIndex's creation timestamp)
// doubles as the AEAD nonce's entropy source: the shared secret between a
// given (folder, user) pair is stable across re-publishes, so the nonce
// must vary with something that does too, and createdAt already changes
// on every publish without adding bytes to the wire format.
func WrapShareKeyForUser(folderPriv ed25519.PrivateKey, commitment ed25519.PublicKey, shareKey [KeySize]byte, createdAt int64) ([WrappedKeySize]byte, error) {
	var out [WrappedKeySize]byte

	recipientX, err := ed25519PublicToX25519(commitment)
	if err != nil {
		return out, err
	}
	senderScalar := ed25519SeedToX25519Scalar(folderPriv)

	shared, err := curve25519.X25519(senderScalar[:], recipientX[:])
	if err != nil {
		return out, corekind.Wrap(corekind.Internal, err, "compute share-key wrap shared secret")
	}

	aeadKey, nonce, err := wrapAEADParams(shared, createdAt)
	if err != nil {
		return out, err
	}
	aead, err := chacha20poly1305.New(aeadKey[:])
	if err != nil {
		return out, corekind.Wrap(corekind.Internal, err, "construct share-key wrap cipher")
	}
	sealed := aead.Seal(nil, nonce[:], shareKey[:], nil)
	copy(out[:], sealed)
	return out, nil
}

// UnwrapShareKeyForUser reverses WrapShareKeyForUser given the user's own
// Ed25519 private key and the folder's public signing key (already present
// in every CoreIndex at a fixed offset, spec.md §6).
func UnwrapShareKeyForUser(userPriv ed25519.PrivateKey, folderPub ed25519.PublicKey, wrapped [WrappedKeySize]byte, createdAt int64) ([KeySize]byte, error) {
	var out [KeySize]byte

	senderX, err := ed25519PublicToX25519(folderPub)
	if err != nil {
		return out, err
	}
	recipientScalar := ed25519SeedToX25519Scalar(userPriv)

	shared, err := curve25519.X25519(recipientScalar[:], senderX[:])
	if err != nil {
		return out, corekind.Wrap(corekind.Internal, err, "compute share-key unwrap shared secret")
	}

	aeadKey, nonce, err := wrapAEADParams(shared, createdAt)
	if err != nil {
		return out, err
	}
	aead, err := chacha20poly1305.New(aeadKey[:])
	if err != nil {
		return out, corekind.Wrap(corekind.Internal, err, "construct share-key unwrap cipher")
	}
	plain, err := aead.Open(nil, nonce[:], wrapped[:], nil)
	if err != nil {
		return out, corekind.Wrap(corekind.AccessDenied, err, "unwrap share key: not an authorized recipient")
	}
	copy(out[:], plain)
	return out, nil
}

// NonceForCreatedAt derives an AEAD nonce from a fixed key and a CoreIndex
// creation timestamp, so a key that stays constant across re-publishes
// (e.g. a PROTECTED share's password-derived key) still gets a fresh nonce
// each time, without transmitting one on the wire (spec.md §6's
// fixed-size access_block).
func NonceForCreatedAt(key [KeySize]byte, createdAt int64) ([NonceSize]byte, error) {
	var createdAtBuf [8]byte
	binary.BigEndian.PutUint64(createdAtBuf[:], uint64(createdAt))

	reader := hkdf.New(sha256.New, key[:], nil, append([]byte("protected-share-wrap"), createdAtBuf[:]...))
	var nonce [NonceSize]byte
	if _, err := io.ReadFull(reader, nonce[:]); err != nil {
		return nonce, corekind.Wrap(corekind.Internal, err, "derive protected-share nonce")
	}
	return nonce, nil
}

func wrapAEADParams(shared []byte, createdAt int64) ([KeySize]byte, [NonceSize]byte, error) {
	var createdAtBuf [8]byte
	binary.BigEndian.PutUint64(createdAtBuf[:], uint64(createdAt))

	reader := hkdf.New(sha256.New, shared, nil, append([]byte("private-share-wrap"), createdAtBuf[:]...))
	var material [KeySize + NonceSize]byte
	if _, err := io.ReadFull(reader, material[:]); err != nil {
		var k [KeySize]byte
		var n [NonceSize]byte
		return k, n, corekind.Wrap(corekind.Internal, err, "derive share-key wrap AEAD parameters")
	}
	var key [KeySize]byte
	var nonce [NonceSize]byte
	copy(key[:], material[:KeySize])
	copy(nonce[:], material[KeySize:])
	return key, nonce, nil
}

