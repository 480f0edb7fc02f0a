package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/usenetsync/usenetsync/internal/corekind"
)

// RegisterFolder creates a new Folder row in state "registered" with a
// freshly generated folder_id and root secret.
func (c *Catalog) RegisterFolder(ctx context.Context, path, displayName string, segmentSize int64, rootSecret []byte) (*Folder, error) {
	f := &Folder{
		FolderID:    uuid.NewString(),
		Path:        path,
		DisplayName: displayName,
		SegmentSize: segmentSize,
		State:       FolderRegistered,
		RootSecret:  rootSecret,
		CreatedAt:   time.Now(),
	}

	_, err := c.db.ExecContext(ctx, `
		INSERT INTO folders (folder_id, path, display_name, segment_size, state, root_secret, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		f.FolderID, f.Path, f.DisplayName, f.SegmentSize, f.State, f.RootSecret, f.CreatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, corekind.Wrap(corekind.StorageUnavailable, err, "register folder %s", path)
	}
	return f, nil
}

// GetFolder loads a Folder by ID.
func (c *Catalog) GetFolder(ctx context.Context, folderID string) (*Folder, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT folder_id, path, display_name, segment_size, state, root_secret, created_at
		FROM folders WHERE folder_id = ?`, folderID)

	var f Folder
	var createdAt string
	if err := row.Scan(&f.FolderID, &f.Path, &f.DisplayName, &f.SegmentSize, &f.State, &f.RootSecret, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, corekind.New(corekind.NotFound, "folder %s not found", folderID)
		}
		return nil, corekind.Wrap(corekind.StorageUnavailable, err, "get folder %s", folderID)
	}
	f.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &f, nil
}

// UpdateFolderState advances a Folder's state monotonically (spec.md §5:
// "the Catalog enforces monotonic status").
func (c *Catalog) UpdateFolderState(ctx context.Context, folderID string, newState FolderState) error {
	order := map[FolderState]int{
		FolderRegistered: 0,
		FolderIndexed:    1,
		FolderSegmented:  2,
		FolderUploaded:   3,
		FolderPublished:  4,
		FolderDeleted:    5,
	}

	cur, err := c.GetFolder(ctx, folderID)
	if err != nil {
		return err
	}
	if order[newState] < order[cur.State] && newState != FolderDeleted {
		return corekind.New(corekind.InvalidInput, "folder %s state cannot move backward from %s to %s", folderID, cur.State, newState)
	}

	res, err := c.db.ExecContext(ctx, `UPDATE folders SET state = ? WHERE folder_id = ?`, newState, folderID)
	if err != nil {
		return corekind.Wrap(corekind.StorageUnavailable, err, "update folder %s state", folderID)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return corekind.New(corekind.NotFound, "folder %s not found", folderID)
	}
	return nil
}

// ListFolders returns every non-deleted Folder.
func (c *Catalog) ListFolders(ctx context.Context) ([]*Folder, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT folder_id, path, display_name, segment_size, state, root_secret, created_at
		FROM folders WHERE state != ?`, FolderDeleted)
	if err != nil {
		return nil, corekind.Wrap(corekind.StorageUnavailable, err, "list folders")
	}
	defer rows.Close()

	var out []*Folder
	for rows.Next() {
		var f Folder
		var createdAt string
		if err := rows.Scan(&f.FolderID, &f.Path, &f.DisplayName, &f.SegmentSize, &f.State, &f.RootSecret, &createdAt); err != nil {
			return nil, fmt.Errorf("scan folder row: %w", err)
		}
		f.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		out = append(out, &f)
	}
	return out, rows.Err()
}
