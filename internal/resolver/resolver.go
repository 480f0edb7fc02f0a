// Package resolver implements spec.md §4.6's open(share_id, auth) →
// CoreIndex | AccessDenied | Expired | NotFound: the read path a
// download_share or a share inspection starts from.
package resolver

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"time"

	"github.com/usenetsync/usenetsync/internal/catalog"
	"github.com/usenetsync/usenetsync/internal/corekind"
	"github.com/usenetsync/usenetsync/internal/keying"
	"github.com/usenetsync/usenetsync/internal/publisher"
	"github.com/usenetsync/usenetsync/internal/wireenc"
)

// Retriever is the subset of *nntpengine.Engine the Resolver needs, kept
// as an interface so tests can substitute a fake (mirrors the Poster seam
// in internal/publisher).
type Retriever interface {
	Retrieve(ctx context.Context, messageID string) ([]byte, error)
}

// Auth carries whichever credential a share's access rule needs. A given
// Open call only consults the field its target Share's Type requires.
type Auth struct {
	// PrivateKey is the caller's own Ed25519 identity key, used to unwrap a
	// PRIVATE share's wrapped key (spec.md §4.1, §4.6).
	PrivateKey ed25519.PrivateKey
	// Password unwraps a PROTECTED share's wrapped key.
	Password string
}

// Opened is the result of a successful Open: the verified CoreIndex
// content and the recovered share key needed to decrypt its segments.
type Opened struct {
	Content  *publisher.CoreIndexContent
	ShareKey [keying.KeySize]byte
}

// Resolver fetches, verifies, and unlocks CoreIndexes by share_id.
type Resolver struct {
	cat       *catalog.Catalog
	retriever Retriever
}

// New wires a Resolver to its collaborators.
func New(cat *catalog.Catalog, retriever Retriever) *Resolver {
	return &Resolver{cat: cat, retriever: retriever}
}

// Open resolves shareID: looks up the root message_id, retrieves and
// reassembles the CoreIndex's posted parts, verifies the folder signature,
// checks revocation/expiry, then applies the access rule to recover
// K_share (spec.md §4.6 last paragraph).
func (r *Resolver) Open(ctx context.Context, shareID string, auth Auth) (*Opened, error) {
	share, err := r.cat.GetShare(ctx, shareID)
	if err != nil {
		return nil, err
	}
	if share.Revoked {
		return nil, corekind.New(corekind.AccessDenied, "share %s has been revoked", shareID)
	}
	if share.ExpiresAt != nil && time.Now().UTC().After(*share.ExpiresAt) {
		return nil, corekind.New(corekind.Expired, "share %s expired at %s", shareID, share.ExpiresAt)
	}

	signed, err := r.fetchCoreIndex(ctx, share.CoreIndexRootMsgID)
	if err != nil {
		return nil, err
	}

	content, err := publisher.Decode(signed[:len(signed)-ed25519.SignatureSize])
	if err != nil {
		return nil, err
	}
	if !publisher.VerifySignature(content.FolderPublicKey, signed) {
		return nil, corekind.New(corekind.IntegrityFailed, "CoreIndex signature verification failed for share %s", shareID)
	}
	if content.ExpiresAt != 0 && time.Now().UTC().After(time.Unix(content.ExpiresAt, 0).UTC()) {
		return nil, corekind.New(corekind.Expired, "CoreIndex for share %s expired", shareID)
	}

	shareKey, err := applyAccessRule(content, auth)
	if err != nil {
		return nil, err
	}

	return &Opened{Content: content, ShareKey: shareKey}, nil
}

// fetchCoreIndex retrieves every ordered CoreIndex part article (spec.md
// §4.6: a large CoreIndex splits across several), strips each one's yEnc
// transport envelope, and reassembles them in order before any
// verification runs (spec.md §5).
func (r *Resolver) fetchCoreIndex(ctx context.Context, rootMsgID string) ([]byte, error) {
	msgIDs := publisher.DecodeMessageIDList(rootMsgID)
	if len(msgIDs) == 0 {
		return nil, corekind.New(corekind.IntegrityFailed, "share has no CoreIndex message_id recorded")
	}

	parts := make([][]byte, 0, len(msgIDs))
	for _, msgID := range msgIDs {
		raw, err := r.retriever.Retrieve(ctx, msgID)
		if err != nil {
			return nil, err
		}
		part, err := wireenc.DecodeArticleBody(bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		parts = append(parts, part)
	}

	return publisher.ReassembleFromParts(parts), nil
}

// applyAccessRule recovers K_share per content.AccessType (spec.md §4.6).
func applyAccessRule(content *publisher.CoreIndexContent, auth Auth) ([keying.KeySize]byte, error) {
	switch content.AccessType {
	case publisher.AccessPublic:
		return content.PublicShareKey, nil

	case publisher.AccessPrivate:
		if auth.PrivateKey == nil {
			return [keying.KeySize]byte{}, corekind.New(corekind.AccessDenied, "PRIVATE share requires an identity key")
		}
		commitment := auth.PrivateKey.Public().(ed25519.PublicKey)
		for _, grant := range content.PrivateGrants {
			if !bytes.Equal(grant.UserIDCommitment, commitment) {
				continue
			}
			var wrapped [keying.WrappedKeySize]byte
			copy(wrapped[:], grant.WrappedKey)
			return keying.UnwrapShareKeyForUser(auth.PrivateKey, content.FolderPublicKey, wrapped, content.CreatedAt)
		}
		return [keying.KeySize]byte{}, corekind.New(corekind.AccessDenied, "identity commitment not authorized for this share")

	case publisher.AccessProtected:
		if auth.Password == "" {
			return [keying.KeySize]byte{}, corekind.New(corekind.AccessDenied, "PROTECTED share requires a password")
		}
		params := publisher.DecodeKDFParams(content.ProtectedAccess.KDFParams)
		passKey, err := keying.DerivePasswordKey(auth.Password, content.ProtectedAccess.Salt, params)
		if err != nil {
			return [keying.KeySize]byte{}, err
		}
		nonce, err := keying.NonceForCreatedAt(passKey, content.CreatedAt)
		if err != nil {
			return [keying.KeySize]byte{}, err
		}
		plain, err := publisher.OpenRaw(passKey, nonce, content.ProtectedAccess.WrappedKey)
		if err != nil {
			return [keying.KeySize]byte{}, err
		}
		var shareKey [keying.KeySize]byte
		copy(shareKey[:], plain)
		return shareKey, nil

	default:
		return [keying.KeySize]byte{}, corekind.New(corekind.Internal, "unknown access type %d", content.AccessType)
	}
}
