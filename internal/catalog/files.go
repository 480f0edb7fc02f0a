package catalog

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/usenetsync/usenetsync/internal/corekind"
)

// CreateFile records one indexed File under folderID.
func (c *Catalog) CreateFile(ctx context.Context, folderID, relPath string, size int64, sha256Hex string, modifiedAt time.Time) (*File, error) {
	f := &File{
		FileID:     uuid.NewString(),
		FolderID:   folderID,
		RelPath:    relPath,
		Size:       size,
		SHA256:     sha256Hex,
		ModifiedAt: modifiedAt,
	}
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO files (file_id, folder_id, rel_path, size, sha256, modified_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		f.FileID, f.FolderID, f.RelPath, f.Size, f.SHA256, f.ModifiedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, corekind.Wrap(corekind.StorageUnavailable, err, "create file %s/%s", folderID, relPath)
	}
	return f, nil
}

// ListFiles returns every File belonging to folderID, ordered by relative
// path for deterministic manifest construction.
func (c *Catalog) ListFiles(ctx context.Context, folderID string) ([]*File, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT file_id, folder_id, rel_path, size, sha256, modified_at
		FROM files WHERE folder_id = ? ORDER BY rel_path`, folderID)
	if err != nil {
		return nil, corekind.Wrap(corekind.StorageUnavailable, err, "list files for folder %s", folderID)
	}
	defer rows.Close()

	var out []*File
	for rows.Next() {
		var f File
		var modifiedAt string
		if err := rows.Scan(&f.FileID, &f.FolderID, &f.RelPath, &f.Size, &f.SHA256, &modifiedAt); err != nil {
			return nil, err
		}
		f.ModifiedAt, _ = time.Parse(time.RFC3339, modifiedAt)
		out = append(out, &f)
	}
	return out, rows.Err()
}

// GetFile loads one File by ID.
func (c *Catalog) GetFile(ctx context.Context, fileID string) (*File, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT file_id, folder_id, rel_path, size, sha256, modified_at
		FROM files WHERE file_id = ?`, fileID)

	var f File
	var modifiedAt string
	if err := row.Scan(&f.FileID, &f.FolderID, &f.RelPath, &f.Size, &f.SHA256, &modifiedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, corekind.New(corekind.NotFound, "file %s not found", fileID)
		}
		return nil, corekind.Wrap(corekind.StorageUnavailable, err, "get file %s", fileID)
	}
	f.ModifiedAt, _ = time.Parse(time.RFC3339, modifiedAt)
	return &f, nil
}

// ClearFiles deletes every File (and its Segments) for folderID, used when
// re-indexing a folder from scratch.
func (c *Catalog) ClearFiles(ctx context.Context, folderID string) error {
	_, err := c.db.ExecContext(ctx, `
		DELETE FROM segments WHERE file_id IN (SELECT file_id FROM files WHERE folder_id = ?)`, folderID)
	if err != nil {
		return corekind.Wrap(corekind.StorageUnavailable, err, "clear segments for folder %s", folderID)
	}
	_, err = c.db.ExecContext(ctx, `DELETE FROM files WHERE folder_id = ?`, folderID)
	if err != nil {
		return corekind.Wrap(corekind.StorageUnavailable, err, "clear files for folder %s", folderID)
	}
	return nil
}
