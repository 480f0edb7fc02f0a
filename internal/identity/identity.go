// Package identity implements spec.md §4.1: the permanent per-installation
// secret, its public commitment, and the zero-knowledge proof of possession
// used to gate PRIVATE shares.
//
// The commitment P = H(S) is realized as the Ed25519 public key derived
// from seed S (crypto/ed25519.NewKeyFromSeed hashes the seed internally to
// derive the signing scalar, so P is literally a hash of S). The
// Schnorr-style proof of knowledge of S is realized as the standard EdDSA
// signature over the verifier's challenge: EdDSA *is* a Fiat-Shamir-Schnorr
// signature (RFC 8032), so ed25519.Sign/Verify gives the sigma-protocol
// property the spec asks for ("verify(P, c, π) holds iff the prover knows
// S") without hand-rolling curve scalar arithmetic that no library in the
// corpus exposes.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/usenetsync/usenetsync/internal/corekind"
)

// ErrAlreadyInitialized is returned by EnsureIdentity when a secret already
// exists and cannot be reissued (spec.md §4.1).
var ErrAlreadyInitialized = errors.New("identity already initialized")

// SecretStore is host-protected storage for the permanent secret S. It must
// never expose S once written except to the owning Identity. Exactly one
// implementation is expected per installation; the default is a
// restrictive-permission file on disk.
type SecretStore interface {
	// Load returns the stored secret, or (nil, false) if none exists yet.
	Load() (secret []byte, ok bool, err error)
	// Save persists the secret. It must fail if a secret is already stored.
	Save(secret []byte) error
}

// Challenge is a single-use, time-boxed value the verifier hands to a
// prover. Lifetime is capped at 60s per spec.md §4.1.
type Challenge struct {
	Value     []byte
	IssuedAt  time.Time
}

const challengeLifetime = 60 * time.Second

// ChallengeVerifier tracks outstanding challenges so each one can be
// consumed at most once, stateful on the verifying side only.
type ChallengeVerifier struct {
	mu      sync.Mutex
	pending map[string]time.Time
}

// NewChallengeVerifier returns an empty verifier.
func NewChallengeVerifier() *ChallengeVerifier {
	return &ChallengeVerifier{pending: make(map[string]time.Time)}
}

// Issue mints a new 32-byte random challenge and registers it as
// outstanding.
func (v *ChallengeVerifier) Issue() (Challenge, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return Challenge{}, corekind.Wrap(corekind.Internal, err, "generate challenge")
	}
	c := Challenge{Value: buf, IssuedAt: time.Now()}
	v.mu.Lock()
	v.pending[hex.EncodeToString(buf)] = c.IssuedAt
	v.mu.Unlock()
	return c, nil
}

// Consume reports whether challenge is outstanding and unexpired, and
// removes it so it cannot be reused (single-use).
func (v *ChallengeVerifier) Consume(challenge []byte) bool {
	key := hex.EncodeToString(challenge)
	v.mu.Lock()
	defer v.mu.Unlock()

	issuedAt, ok := v.pending[key]
	if !ok {
		return false
	}
	delete(v.pending, key)
	return time.Since(issuedAt) <= challengeLifetime
}

// Identity is one installation's permanent secret and derived commitment.
type Identity struct {
	store SecretStore

	mu      sync.RWMutex
	seed    []byte // S, 32 bytes
	priv    ed25519.PrivateKey
	pub     ed25519.PublicKey // P
}

// New wraps a SecretStore. Call EnsureIdentity before ProveAccess.
func New(store SecretStore) *Identity {
	return &Identity{store: store}
}

// EnsureIdentity generates S on first call and persists it, or loads the
// existing one. It returns the hex-encoded public commitment (user_id).
func (id *Identity) EnsureIdentity() (string, error) {
	id.mu.Lock()
	defer id.mu.Unlock()

	if id.seed != nil {
		return hex.EncodeToString(id.pub), nil
	}

	seed, ok, err := id.store.Load()
	if err != nil {
		return "", corekind.Wrap(corekind.StorageUnavailable, err, "load identity secret")
	}

	if !ok {
		seed = make([]byte, ed25519.SeedSize)
		if _, err := rand.Read(seed); err != nil {
			return "", corekind.Wrap(corekind.Internal, err, "generate identity secret")
		}
		if err := id.store.Save(seed); err != nil {
			if errors.Is(err, ErrAlreadyInitialized) {
				return "", corekind.Wrap(corekind.InvalidInput, err, "identity already initialized with different intent")
			}
			return "", corekind.Wrap(corekind.StorageUnavailable, err, "persist identity secret")
		}
	}

	priv := ed25519.NewKeyFromSeed(seed)
	id.seed = seed
	id.priv = priv
	id.pub = priv.Public().(ed25519.PublicKey)

	return hex.EncodeToString(id.pub), nil
}

// UserID returns the hex-encoded commitment, failing if EnsureIdentity has
// not run yet.
func (id *Identity) UserID() (string, error) {
	id.mu.RLock()
	defer id.mu.RUnlock()
	if id.pub == nil {
		return "", corekind.New(corekind.Internal, "identity not initialized")
	}
	return hex.EncodeToString(id.pub), nil
}

// SigningKey returns the installation's own Ed25519 private key, for the
// one legitimate in-process use the zero-knowledge model doesn't forbid:
// unwrapping a PRIVATE share's key via keying.UnwrapShareKeyForUser, which
// needs the raw scalar for X25519 conversion, not just a signature over a
// verifier's challenge. The model protects S from ever crossing a wire or
// reaching a verifier — it was never meant to keep the owning installation
// from using its own secret.
func (id *Identity) SigningKey() (ed25519.PrivateKey, error) {
	id.mu.RLock()
	defer id.mu.RUnlock()
	if id.priv == nil {
		return nil, corekind.New(corekind.Internal, "identity not initialized")
	}
	return id.priv, nil
}

// Commitment returns the raw 32-byte public commitment P.
func (id *Identity) Commitment() (ed25519.PublicKey, error) {
	id.mu.RLock()
	defer id.mu.RUnlock()
	if id.pub == nil {
		return nil, corekind.New(corekind.Internal, "identity not initialized")
	}
	return id.pub, nil
}

// ProveAccess answers a verifier-chosen challenge with a proof that this
// installation knows S, without revealing S.
func (id *Identity) ProveAccess(challenge []byte) ([]byte, error) {
	id.mu.RLock()
	defer id.mu.RUnlock()
	if id.priv == nil {
		return nil, corekind.New(corekind.Internal, "identity not initialized")
	}
	return ed25519.Sign(id.priv, challenge), nil
}

// VerifyProof checks a proof against a commitment and the challenge it
// answers. Verification is stateless (beyond the caller's own
// ChallengeVerifier bookkeeping) and constant-time, delegated to
// ed25519.Verify.
func VerifyProof(commitment ed25519.PublicKey, challenge, proof []byte) bool {
	if len(commitment) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(commitment, challenge, proof)
}

// ParseCommitment decodes a hex-encoded user_id into a raw commitment.
func ParseCommitment(userID string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(userID)
	if err != nil {
		return nil, corekind.Wrap(corekind.InvalidInput, err, "decode user_id")
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, corekind.New(corekind.InvalidInput, "user_id has wrong length: %d", len(raw))
	}
	return ed25519.PublicKey(raw), nil
}
