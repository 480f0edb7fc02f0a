package publisher

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"sort"
	"strings"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/usenetsync/usenetsync/internal/catalog"
	"github.com/usenetsync/usenetsync/internal/corekind"
	"github.com/usenetsync/usenetsync/internal/keying"
	"github.com/usenetsync/usenetsync/internal/segmenter"
	"github.com/usenetsync/usenetsync/internal/wireenc"
)

// messageIDListSep joins a CoreIndex's ordered part Message-IDs into the
// single string the Catalog's core_index_root_msgid column stores: a
// CoreIndex only occasionally splits across more than one article (spec.md
// §4.6), so rather than adding a junction table for it, the column holds
// whichever of "one Message-ID" or "ordered, space-joined Message-IDs"
// the publish produced. Message-IDs never contain whitespace (RFC 5322
// no-fold-literal), so the join is unambiguous to split back apart.
const messageIDListSep = " "

// EncodeMessageIDList joins ordered part Message-IDs for storage.
func EncodeMessageIDList(ids []string) string {
	return strings.Join(ids, messageIDListSep)
}

// DecodeMessageIDList reverses EncodeMessageIDList.
func DecodeMessageIDList(joined string) []string {
	return strings.Fields(joined)
}

// SealRaw/OpenRaw are a bare ChaCha20-Poly1305 seal with no wireenc.Header
// framing, used for the CoreIndex access_block's fixed-size wrapped_key
// fields (spec.md §6 gives it no room for a header or transmitted nonce).
func SealRaw(key [keying.KeySize]byte, nonce [keying.NonceSize]byte, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, corekind.Wrap(corekind.Internal, err, "construct wrap cipher")
	}
	return aead.Seal(nil, nonce[:], plaintext, nil), nil
}

func OpenRaw(key [keying.KeySize]byte, nonce [keying.NonceSize]byte, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, corekind.Wrap(corekind.Internal, err, "construct unwrap cipher")
	}
	plain, err := aead.Open(nil, nonce[:], ciphertext, nil)
	if err != nil {
		return nil, corekind.Wrap(corekind.AccessDenied, err, "unwrap share key: wrong password")
	}
	return plain, nil
}

// Poster is the subset of *nntpengine.Engine the Publisher needs, kept as
// an interface so tests can substitute a fake (mirrors the teacher's
// pattern of depending on pool.Manager's interface, not *manager).
type Poster interface {
	Post(ctx context.Context, article string) error
}

// Options configures one Publish call (spec.md §6's publish_folder
// control-surface operation).
type Options struct {
	AccessType       AccessType
	AuthorizedUsers  []ed25519.PublicKey // PRIVATE: commitments to grant
	Password         string              // PROTECTED
	ExpiresIn        time.Duration       // 0 = never
	Newsgroup        string
	MessageIDDomain  string
	From             string // From: header stamped on every CoreIndex part article
	AddedBy          string // recorded in authorized_users.added_by

	// Previous, when non-nil, is the CoreIndexContent of the folder's
	// currently active Share (decoded by the caller via the Resolver).
	// Its presence marks this call as a re-publish: Publisher rejects it
	// (InvalidInput) if the folder's indexed file set has drifted from
	// Previous, per SPEC_FULL.md Open Question decision #2 — re-publish
	// may only change the access rules block.
	Previous *CoreIndexContent
}

// Publisher builds, signs and posts CoreIndexes (spec.md §4.6).
type Publisher struct {
	cat    *catalog.Catalog
	keying *keying.Keying
	poster Poster
}

// New wires a Publisher to its collaborators.
func New(cat *catalog.Catalog, key *keying.Keying, poster Poster) *Publisher {
	return &Publisher{cat: cat, keying: key, poster: poster}
}

// Publish builds the CoreIndex for folderID's current indexed content,
// signs it with the folder's key, posts it as one or more Articles, and
// records a new Share in the Catalog.
func (p *Publisher) Publish(ctx context.Context, folderID string, opts Options) (*catalog.Share, error) {
	folder, err := p.cat.GetFolder(ctx, folderID)
	if err != nil {
		return nil, err
	}
	if folder.State != catalog.FolderUploaded && folder.State != catalog.FolderPublished {
		return nil, corekind.New(corekind.InvalidInput, "folder %s must be uploaded before publish (state=%s)", folderID, folder.State)
	}

	content, err := p.buildContent(ctx, folder, opts)
	if err != nil {
		return nil, err
	}

	if opts.Previous != nil && !sameFileSet(opts.Previous.Files, content.Files) {
		return nil, corekind.New(corekind.InvalidInput, "folder %s content changed since last publish: re-publish may only change access rules", folderID)
	}

	if err := p.applyAccessRules(content, folder, opts); err != nil {
		return nil, err
	}

	folderPriv, _, err := p.keying.FolderKeys(folderID)
	if err != nil {
		return nil, err
	}

	encoded, err := Encode(content)
	if err != nil {
		return nil, err
	}
	signed := Sign(folderPriv, encoded)

	parts, err := SplitForPosting(signed, DefaultCoreIndexPartSize)
	if err != nil {
		return nil, err
	}

	partMsgIDs, err := p.postParts(ctx, parts, opts)
	if err != nil {
		return nil, err
	}
	rootMsgID := EncodeMessageIDList(partMsgIDs)

	shareID, err := NewShareID()
	if err != nil {
		return nil, err
	}
	var expiresAt *time.Time
	if opts.ExpiresIn > 0 {
		t := time.Unix(content.CreatedAt, 0).UTC().Add(opts.ExpiresIn)
		expiresAt = &t
	}

	share, err := p.cat.CreateShare(ctx, shareID, folderID, opts.AccessType.toShareType(), rootMsgID, expiresAt)
	if err != nil {
		return nil, err
	}

	if opts.AccessType == AccessPrivate {
		for _, u := range opts.AuthorizedUsers {
			if err := p.cat.AddAuthorizedUser(ctx, folderID, hex.EncodeToString(u), opts.AddedBy); err != nil {
				return nil, err
			}
		}
	}

	if err := p.cat.UpdateFolderState(ctx, folderID, catalog.FolderPublished); err != nil {
		return nil, err
	}

	return share, nil
}

func (p *Publisher) postParts(ctx context.Context, parts [][]byte, opts Options) ([]string, error) {
	total := len(parts)
	msgIDs := make([]string, 0, total)
	for i, part := range parts {
		local, err := segmenter.NewMessageIDLocalPart()
		if err != nil {
			return nil, err
		}
		msgID := segmenter.FormatMessageID(local, opts.MessageIDDomain)
		msgIDs = append(msgIDs, msgID)

		subject, err := segmenter.NewUsenetSubject()
		if err != nil {
			return nil, err
		}

		body, err := wireenc.EncodeArticleBody(part)
		if err != nil {
			return nil, err
		}
		article := wireenc.RenderArticle(wireenc.ArticleHeaders{
			MessageID:   msgID,
			Subject:     subject,
			Newsgroup:   opts.Newsgroup,
			From:        opts.From,
			Date:        time.Now().UTC(),
			ProtocolVer: 1,
		}, body, i+1, total)

		if err := p.poster.Post(ctx, article); err != nil {
			return nil, corekind.Wrap(corekind.ProviderTransient, err, "post CoreIndex part %d/%d", i+1, total)
		}
	}
	return msgIDs, nil
}

// buildContent assembles the unsigned CoreIndexContent from the folder's
// current Catalog rows: every File's segments flattened, in file then
// index order, into one global segment_table (spec.md §6).
func (p *Publisher) buildContent(ctx context.Context, folder *catalog.Folder, opts Options) (*CoreIndexContent, error) {
	files, err := p.cat.ListFiles(ctx, folder.FolderID)
	if err != nil {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].RelPath < files[j].RelPath })

	_, folderPub, err := p.keying.FolderKeys(folder.FolderID)
	if err != nil {
		return nil, err
	}

	content := &CoreIndexContent{
		FolderPublicKey: folderPub,
		SegmentSize:     uint32(folder.SegmentSize),
		AccessType:      opts.AccessType,
		CreatedAt:       time.Now().UTC().Unix(),
	}

	packEntries, err := p.cat.ListPackEntriesForFolder(ctx, folder.FolderID)
	if err != nil {
		return nil, err
	}
	packEntryByFile := make(map[string]catalog.PackEntry, len(packEntries))
	packEntriesBySegment := make(map[string][]catalog.PackEntry, len(packEntries))
	for _, e := range packEntries {
		packEntryByFile[e.FileID] = e
		packEntriesBySegment[e.SegmentID] = append(packEntriesBySegment[e.SegmentID], e)
	}

	var segments []SegmentRecord
	var fileRecords []FileRecord
	var packingRecords []PackingRecord
	addedPackedSegment := make(map[string]bool, len(packEntriesBySegment))

	for _, f := range files {
		if pe, packed := packEntryByFile[f.FileID]; packed {
			if !addedPackedSegment[pe.SegmentID] {
				seg, err := p.cat.GetSegment(ctx, pe.SegmentID)
				if err != nil {
					return nil, err
				}
				if seg.Status != catalog.SegmentPosted {
					return nil, corekind.New(corekind.InvalidInput, "packed segment %s is not posted (status=%s)", seg.SegmentID, seg.Status)
				}
				segments = append(segments, SegmentRecord{
					SegmentID:       seg.SegmentID,
					MessageID:       seg.MessageID,
					PlaintextLen:    seg.PlaintextLen,
					PlaintextSHA256: seg.PlaintextSHA256,
					KeyID:           seg.KeyID,
				})

				members := packEntriesBySegment[pe.SegmentID]
				sort.Slice(members, func(i, j int) bool { return members[i].Offset < members[j].Offset })
				entries := make([]PackEntry, 0, len(members))
				for _, m := range members {
					entries = append(entries, PackEntry{FileID: m.FileID, Offset: m.Offset, Length: m.Length})
				}
				packingRecords = append(packingRecords, PackingRecord{SegmentID: seg.SegmentID, Entries: entries})
				addedPackedSegment[pe.SegmentID] = true
			}

			// A packed File's byte range lives in the packing table keyed by
			// SegmentID, not in SegmentStart/SegmentCount: those fields have
			// no meaning for a File that doesn't own a contiguous segment
			// range of its own.
			fileRecords = append(fileRecords, FileRecord{
				FileID:  f.FileID,
				RelPath: f.RelPath,
				Size:    f.Size,
				SHA256:  f.SHA256,
			})
			continue
		}

		segs, err := p.cat.ListSegmentsForFile(ctx, f.FileID)
		if err != nil {
			return nil, err
		}
		sort.Slice(segs, func(i, j int) bool { return segs[i].Index < segs[j].Index })

		start := uint32(len(segments))
		for _, s := range segs {
			if s.Status != catalog.SegmentPosted {
				return nil, corekind.New(corekind.InvalidInput, "segment %s for file %s is not posted (status=%s)", s.SegmentID, f.FileID, s.Status)
			}
			segments = append(segments, SegmentRecord{
				SegmentID:       s.SegmentID,
				MessageID:       s.MessageID,
				PlaintextLen:    s.PlaintextLen,
				PlaintextSHA256: s.PlaintextSHA256,
				KeyID:           s.KeyID,
			})
		}
		fileRecords = append(fileRecords, FileRecord{
			FileID:       f.FileID,
			RelPath:      f.RelPath,
			Size:         f.Size,
			SHA256:       f.SHA256,
			SegmentStart: start,
			SegmentCount: uint32(len(segs)),
		})
	}

	content.Files = fileRecords
	content.Segments = segments
	if len(packingRecords) > 0 {
		content.Packing = true
		content.Packing_ = packingRecords
	}
	return content, nil
}

// applyAccessRules fills in content's access_block per opts.AccessType,
// wrapping the folder's root_secret (the share key, see below) per spec.md
// §4.6.
func (p *Publisher) applyAccessRules(content *CoreIndexContent, folder *catalog.Folder, opts Options) error {
	// The "share key" an access rule wraps is the folder's own root_secret
	// (spec.md §4.2's segment_key input), not an independent value: a party
	// that unwraps K_share must be able to derive the exact segment keys the
	// Uploader used, via the same keying.SegmentKey(root_secret, folder_id,
	// file_hash, segment_index) formula (SPEC_FULL.md Open Question
	// decision #7). Minting an unrelated random key here would let a
	// Resolver pass access control while still being unable to decrypt a
	// single segment.
	var shareKey [keying.KeySize]byte
	if len(folder.RootSecret) != keying.RootSecretSize {
		return corekind.New(corekind.Internal, "folder %s has no root secret recorded", folder.FolderID)
	}
	copy(shareKey[:], folder.RootSecret)

	folderPriv, _, err := p.keying.FolderKeys(folder.FolderID)
	if err != nil {
		return err
	}

	switch opts.AccessType {
	case AccessPublic:
		content.PublicShareKey = shareKey

	case AccessPrivate:
		if len(opts.AuthorizedUsers) == 0 {
			return corekind.New(corekind.InvalidInput, "PRIVATE publish requires at least one authorized user")
		}
		grants := make([]PrivateGrant, 0, len(opts.AuthorizedUsers))
		for _, commitment := range opts.AuthorizedUsers {
			wrapped, err := keying.WrapShareKeyForUser(folderPriv, commitment, shareKey, content.CreatedAt)
			if err != nil {
				return err
			}
			grants = append(grants, PrivateGrant{UserIDCommitment: commitment, WrappedKey: wrapped[:]})
		}
		content.PrivateGrants = grants

	case AccessProtected:
		if opts.Password == "" {
			return corekind.New(corekind.InvalidInput, "PROTECTED publish requires a password")
		}
		salt, err := keying.NewSalt()
		if err != nil {
			return err
		}
		params := keying.DefaultPasswordKDFParams()
		passKey, err := keying.DerivePasswordKey(opts.Password, salt, params)
		if err != nil {
			return err
		}
		nonce, err := keying.NonceForCreatedAt(passKey, content.CreatedAt)
		if err != nil {
			return err
		}
		wrapped, err := SealRaw(passKey, nonce, shareKey[:])
		if err != nil {
			return err
		}
		content.ProtectedAccess = ProtectedAccess{
			Salt:       salt,
			KDFParams:  EncodeKDFParams(params),
			WrappedKey: wrapped,
		}

	default:
		return corekind.New(corekind.InvalidInput, "unknown access type %d", opts.AccessType)
	}
	return nil
}

func sameFileSet(a, b []FileRecord) bool {
	if len(a) != len(b) {
		return false
	}
	key := func(r FileRecord) string { return r.RelPath + "|" + r.SHA256 }
	am := make(map[string]struct{}, len(a))
	for _, r := range a {
		am[key(r)] = struct{}{}
	}
	for _, r := range b {
		if _, ok := am[key(r)]; !ok {
			return false
		}
	}
	return true
}
