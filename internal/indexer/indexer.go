// Package indexer walks a registered folder's directory tree, computes
// per-file content hashes, and reconciles the result against the Catalog's
// File rows (spec.md §2: "Walk a folder, deduplicate, compute per-file
// hashes, emit a file manifest").
package indexer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	concpool "github.com/sourcegraph/conc/pool"

	"github.com/usenetsync/usenetsync/internal/catalog"
	"github.com/usenetsync/usenetsync/internal/corekind"
)

// ManifestEntry describes one file discovered under a folder's root.
type ManifestEntry struct {
	RelPath    string
	Size       int64
	SHA256     string // hex
	ModifiedAt int64  // unix seconds
}

// Manifest is the ordered, deduplicated result of walking one folder.
type Manifest struct {
	FolderID string
	Entries  []ManifestEntry
}

// Config bounds how much of the host's I/O capacity the walk may use.
type Config struct {
	HashWorkers int // concurrent file hashers; default 8
}

func (c Config) workers() int {
	if c.HashWorkers <= 0 {
		return 8
	}
	return c.HashWorkers
}

// Indexer walks folders and reconciles them into the Catalog.
type Indexer struct {
	catalog *catalog.Catalog
	cfg     Config
}

// New constructs an Indexer backed by cat.
func New(cat *catalog.Catalog, cfg Config) *Indexer {
	return &Indexer{catalog: cat, cfg: cfg}
}

// Walk computes a Manifest for rootPath without touching the Catalog. It
// skips symlinks and hidden dotfiles/directories, matching the teacher's
// importer scan conventions, and deduplicates by relative path (a path
// visited twice, e.g. through a bind mount, contributes one entry).
func (idx *Indexer) Walk(ctx context.Context, rootPath string) ([]ManifestEntry, error) {
	type walkItem struct {
		relPath string
		absPath string
		size    int64
		modTime int64
	}

	var items []walkItem
	seen := make(map[string]struct{})

	err := filepath.WalkDir(rootPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() != "." && len(d.Name()) > 0 && d.Name()[0] == '.' && path != rootPath {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		if len(d.Name()) > 0 && d.Name()[0] == '.' {
			return nil
		}

		rel, err := filepath.Rel(rootPath, path)
		if err != nil {
			return err
		}
		if _, dup := seen[rel]; dup {
			return nil
		}
		seen[rel] = struct{}{}

		info, err := d.Info()
		if err != nil {
			return err
		}
		items = append(items, walkItem{relPath: rel, absPath: path, size: info.Size(), modTime: info.ModTime().Unix()})
		return nil
	})
	if err != nil {
		return nil, corekind.Wrap(corekind.InvalidInput, err, "walk folder %s", rootPath)
	}

	entries := make([]ManifestEntry, len(items))
	var mu sync.Mutex
	var firstErr error

	pl := concpool.New().WithContext(ctx).WithMaxGoroutines(idx.cfg.workers())
	for i, it := range items {
		i, it := i, it
		pl.Go(func(ctx context.Context) error {
			sum, err := hashFile(it.absPath)
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return err
			}
			entries[i] = ManifestEntry{RelPath: it.relPath, Size: it.size, SHA256: sum, ModifiedAt: it.modTime}
			return nil
		})
	}
	if err := pl.Wait(); err != nil {
		return nil, corekind.Wrap(corekind.StorageUnavailable, firstErr, "hash files under %s", rootPath)
	}

	return entries, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// IndexFolder walks folder.Path, reconciles the result against the existing
// Catalog File rows for folderID, and advances the Folder to "indexed".
// Re-indexing clears and rebuilds the File set: Segments for files whose
// content hash is unchanged will still be regenerated by the Segmenter, so a
// re-index is always safe to run again.
func (idx *Indexer) IndexFolder(ctx context.Context, folderID string) (*Manifest, error) {
	f, err := idx.catalog.GetFolder(ctx, folderID)
	if err != nil {
		return nil, err
	}

	entries, err := idx.Walk(ctx, f.Path)
	if err != nil {
		return nil, err
	}

	if err := idx.catalog.ClearFiles(ctx, folderID); err != nil {
		return nil, err
	}

	for _, e := range entries {
		modTime := unixToTime(e.ModifiedAt)
		if _, err := idx.catalog.CreateFile(ctx, folderID, e.RelPath, e.Size, e.SHA256, modTime); err != nil {
			return nil, err
		}
	}

	if err := idx.catalog.UpdateFolderState(ctx, folderID, catalog.FolderIndexed); err != nil {
		return nil, err
	}

	return &Manifest{FolderID: folderID, Entries: entries}, nil
}

func unixToTime(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}
