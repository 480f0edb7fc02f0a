package segmenter

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/usenetsync/usenetsync/internal/catalog"
	"github.com/usenetsync/usenetsync/internal/corekind"
	"github.com/usenetsync/usenetsync/internal/keying"
)

// internalSubjectEntropyLen is the per-segment random input folded into
// InternalSubject, so two Folders (or two re-segments of the same Folder)
// never produce the same verification string even for byte-identical
// content at the same index.
const internalSubjectEntropyLen = 16

// coreIndexVersion is the version folded into every Segment's
// internal_subject via keying.InternalSubject. The Segment's key_id column
// records keying.KeyDerivationVersion instead.
const coreIndexVersion = 1

// Segmenter turns a Folder's indexed Files into Catalog Segment rows: the
// "segment_folder" control-surface operation of spec.md §6. Catalog and
// Keying are the only collaborators it needs, mirroring internal/indexer's
// Indexer shape.
type Segmenter struct {
	catalog *catalog.Catalog
	keying  *keying.Keying
}

// New wires a Segmenter to its collaborators.
func New(cat *catalog.Catalog, key *keying.Keying) *Segmenter {
	return &Segmenter{catalog: cat, keying: key}
}

// SegmentFolder plans and records every Segment for folderID's currently
// indexed Files, then advances the Folder to "segmented". A File that
// already has Segments is left untouched, so re-running after a partial
// crash (some Files segmented, others not) only does the remaining work.
func (s *Segmenter) SegmentFolder(ctx context.Context, folderID string) (int, error) {
	folder, err := s.catalog.GetFolder(ctx, folderID)
	if err != nil {
		return 0, err
	}
	if folder.State != catalog.FolderIndexed && folder.State != catalog.FolderSegmented {
		return 0, corekind.New(corekind.InvalidInput, "folder %s must be indexed before segmenting (state=%s)", folderID, folder.State)
	}

	folderPriv, _, err := s.keying.FolderKeys(folderID)
	if err != nil {
		return 0, err
	}

	files, err := s.catalog.ListFiles(ctx, folderID)
	if err != nil {
		return 0, err
	}

	done, err := s.segmentedFileIDs(ctx, folderID)
	if err != nil {
		return 0, err
	}

	var regular, small []*catalog.File
	for _, f := range files {
		if done[f.FileID] {
			continue
		}
		if f.Size < folder.SegmentSize {
			small = append(small, f)
		} else {
			regular = append(regular, f)
		}
	}

	created := 0
	for _, f := range regular {
		n, err := s.segmentFile(ctx, folder, f, folderPriv)
		if err != nil {
			return created, err
		}
		created += n
	}

	if len(small) > 0 {
		n, err := s.packFiles(ctx, folder, small, folderPriv)
		if err != nil {
			return created, err
		}
		created += n
	}

	if err := s.catalog.UpdateFolderState(ctx, folderID, catalog.FolderSegmented); err != nil {
		return created, err
	}
	return created, nil
}

// segmentedFileIDs returns the set of Files within folderID that already
// have a Segment recorded — either directly (segments.file_id) or as a
// member of a packed Segment (segment_pack_entries) — so SegmentFolder can
// skip them on a resumed run.
func (s *Segmenter) segmentedFileIDs(ctx context.Context, folderID string) (map[string]bool, error) {
	segs, err := s.catalog.ListSegmentsForFolder(ctx, folderID)
	if err != nil {
		return nil, err
	}
	done := make(map[string]bool, len(segs))
	for _, sg := range segs {
		done[sg.FileID] = true
	}

	packEntries, err := s.catalog.ListPackEntriesForFolder(ctx, folderID)
	if err != nil {
		return nil, err
	}
	for _, e := range packEntries {
		done[e.FileID] = true
	}
	return done, nil
}

func (s *Segmenter) segmentFile(ctx context.Context, folder *catalog.Folder, f *catalog.File, folderPriv ed25519.PrivateKey) (int, error) {
	ranges, err := PlanFile(f.Size, folder.SegmentSize)
	if err != nil {
		return 0, err
	}

	path := filepath.Join(folder.Path, f.RelPath)
	fh, err := os.Open(path)
	if err != nil {
		return 0, corekind.Wrap(corekind.StorageUnavailable, err, "open %s for segmentation", path)
	}
	defer fh.Close()

	for _, r := range ranges {
		if err := ctx.Err(); err != nil {
			return 0, corekind.Wrap(corekind.Cancelled, err, "segment %s", path)
		}

		buf := make([]byte, r.Length)
		if r.Length > 0 {
			if _, err := fh.ReadAt(buf, r.Offset); err != nil {
				return 0, corekind.Wrap(corekind.StorageUnavailable, err, "read segment %d of %s", r.Index, path)
			}
		}
		sum := sha256.Sum256(buf)

		entropy := make([]byte, internalSubjectEntropyLen)
		if _, err := rand.Read(entropy); err != nil {
			return 0, corekind.Wrap(corekind.Internal, err, "generate internal subject entropy")
		}
		internalSubj := InternalSubject(folderPriv, folder.FolderID, coreIndexVersion, r.Index, entropy)

		usenetSubj, err := NewUsenetSubject()
		if err != nil {
			return 0, err
		}

		if _, err := s.catalog.CreateSegment(ctx, f.FileID, r.Index, r.Length, hex.EncodeToString(sum[:]),
			keying.KeyDerivationVersion, internalSubj, usenetSubj); err != nil {
			return 0, err
		}
	}

	return len(ranges), nil
}

// packFiles groups files (each smaller than folder.SegmentSize, per
// spec.md §4.3) into PackedSegments and records one Segment plus its
// packing membership per group. Files are sorted by RelPath first so
// packing decisions are deterministic for a given input set, matching the
// order Publisher.buildContent walks Files in.
func (s *Segmenter) packFiles(ctx context.Context, folder *catalog.Folder, files []*catalog.File, folderPriv ed25519.PrivateKey) (int, error) {
	sort.Slice(files, func(i, j int) bool { return files[i].RelPath < files[j].RelPath })

	byID := make(map[string]*catalog.File, len(files))
	small := make([]SmallFile, 0, len(files))
	for _, f := range files {
		byID[f.FileID] = f
		small = append(small, SmallFile{FileID: f.FileID, Size: f.Size})
	}

	packed, err := PlanPacking(small, folder.SegmentSize)
	if err != nil {
		return 0, err
	}

	created := 0
	for packIdx, ps := range packed {
		if err := ctx.Err(); err != nil {
			return created, corekind.Wrap(corekind.Cancelled, err, "pack segment %d of folder %s", packIdx, folder.FolderID)
		}

		buf := make([]byte, ps.Total)
		for _, e := range ps.Entries {
			if e.Length == 0 {
				continue
			}
			f := byID[e.FileID]
			path := filepath.Join(folder.Path, f.RelPath)
			if err := readWholeFile(path, buf[e.Offset:e.Offset+e.Length]); err != nil {
				return created, err
			}
		}
		sum := sha256.Sum256(buf)

		entropy := make([]byte, internalSubjectEntropyLen)
		if _, err := rand.Read(entropy); err != nil {
			return created, corekind.Wrap(corekind.Internal, err, "generate internal subject entropy")
		}
		internalSubj := InternalSubject(folderPriv, folder.FolderID, coreIndexVersion, packIdx, entropy)

		usenetSubj, err := NewUsenetSubject()
		if err != nil {
			return created, err
		}

		firstFileID := ps.Entries[0].FileID
		seg, err := s.catalog.CreateSegment(ctx, firstFileID, packIdx, ps.Total, hex.EncodeToString(sum[:]),
			keying.KeyDerivationVersion, internalSubj, usenetSubj)
		if err != nil {
			return created, err
		}

		entries := make([]catalog.PackEntry, 0, len(ps.Entries))
		for _, e := range ps.Entries {
			entries = append(entries, catalog.PackEntry{SegmentID: seg.SegmentID, FileID: e.FileID, Offset: e.Offset, Length: e.Length})
		}
		if err := s.catalog.CreatePackEntries(ctx, entries); err != nil {
			return created, err
		}
		created++
	}
	return created, nil
}

func readWholeFile(path string, dst []byte) error {
	fh, err := os.Open(path)
	if err != nil {
		return corekind.Wrap(corekind.StorageUnavailable, err, "open %s for packing", path)
	}
	defer fh.Close()
	if _, err := io.ReadFull(fh, dst); err != nil {
		return corekind.Wrap(corekind.StorageUnavailable, err, "read %s for packing", path)
	}
	return nil
}
