package catalog

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/usenetsync/usenetsync/internal/corekind"
)

// CreateShare records a newly minted Share pointing at a CoreIndex root
// article (spec.md §4.6: "The mapping share_id → (message_id_of_core_index_root)
// is stored in the Catalog alongside the folder").
func (c *Catalog) CreateShare(ctx context.Context, shareID, folderID string, typ ShareType, coreIndexRootMsgID string, expiresAt *time.Time) (*Share, error) {
	s := &Share{
		ShareID:            shareID,
		FolderID:           folderID,
		Type:               typ,
		CoreIndexRootMsgID: coreIndexRootMsgID,
		ExpiresAt:          expiresAt,
		CreatedAt:          time.Now(),
	}

	var expiresStr sql.NullString
	if expiresAt != nil {
		expiresStr = sql.NullString{String: expiresAt.UTC().Format(time.RFC3339), Valid: true}
	}

	_, err := c.db.ExecContext(ctx, `
		INSERT INTO shares (share_id, folder_id, type, core_index_root_msgid, expires_at, created_at, revoked)
		VALUES (?, ?, ?, ?, ?, ?, 0)`,
		s.ShareID, s.FolderID, s.Type, s.CoreIndexRootMsgID, expiresStr, s.CreatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, corekind.Wrap(corekind.StorageUnavailable, err, "create share %s", shareID)
	}
	return s, nil
}

// GetShare loads a Share by its opaque ID.
func (c *Catalog) GetShare(ctx context.Context, shareID string) (*Share, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT share_id, folder_id, type, core_index_root_msgid, expires_at, created_at, revoked
		FROM shares WHERE share_id = ?`, shareID)

	var s Share
	var expiresStr sql.NullString
	var createdAt string
	var revoked int
	if err := row.Scan(&s.ShareID, &s.FolderID, &s.Type, &s.CoreIndexRootMsgID, &expiresStr, &createdAt, &revoked); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, corekind.New(corekind.NotFound, "share %s not found", shareID)
		}
		return nil, corekind.Wrap(corekind.StorageUnavailable, err, "get share %s", shareID)
	}
	s.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	if expiresStr.Valid {
		t, _ := time.Parse(time.RFC3339, expiresStr.String)
		s.ExpiresAt = &t
	}
	s.Revoked = revoked != 0
	return &s, nil
}

// RevokeShare flags a Share as revoked; it remains resolvable for audit but
// Resolver.Open must reject it.
func (c *Catalog) RevokeShare(ctx context.Context, shareID string) error {
	res, err := c.db.ExecContext(ctx, `UPDATE shares SET revoked = 1 WHERE share_id = ?`, shareID)
	if err != nil {
		return corekind.Wrap(corekind.StorageUnavailable, err, "revoke share %s", shareID)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return corekind.New(corekind.NotFound, "share %s not found", shareID)
	}
	return nil
}

// ListSharesForFolder returns every Share (including revoked) pointing at
// folderID, newest first.
func (c *Catalog) ListSharesForFolder(ctx context.Context, folderID string) ([]*Share, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT share_id, folder_id, type, core_index_root_msgid, expires_at, created_at, revoked
		FROM shares WHERE folder_id = ? ORDER BY created_at DESC`, folderID)
	if err != nil {
		return nil, corekind.Wrap(corekind.StorageUnavailable, err, "list shares for folder %s", folderID)
	}
	defer rows.Close()

	var out []*Share
	for rows.Next() {
		var s Share
		var expiresStr sql.NullString
		var createdAt string
		var revoked int
		if err := rows.Scan(&s.ShareID, &s.FolderID, &s.Type, &s.CoreIndexRootMsgID, &expiresStr, &createdAt, &revoked); err != nil {
			return nil, err
		}
		s.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		if expiresStr.Valid {
			t, _ := time.Parse(time.RFC3339, expiresStr.String)
			s.ExpiresAt = &t
		}
		s.Revoked = revoked != 0
		out = append(out, &s)
	}
	return out, rows.Err()
}

// AddAuthorizedUser grants folderID access to userIDCommitment (spec.md
// §3: "Stores only commitments, never raw user IDs of third parties").
func (c *Catalog) AddAuthorizedUser(ctx context.Context, folderID, userIDCommitment, addedBy string) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO authorized_users (folder_id, user_id_commitment, added_at, added_by)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(folder_id, user_id_commitment) DO NOTHING`,
		folderID, userIDCommitment, time.Now().UTC().Format(time.RFC3339), addedBy)
	if err != nil {
		return corekind.Wrap(corekind.StorageUnavailable, err, "authorize user for folder %s", folderID)
	}
	return nil
}

// RemoveAuthorizedUser revokes userIDCommitment's access to folderID.
func (c *Catalog) RemoveAuthorizedUser(ctx context.Context, folderID, userIDCommitment string) error {
	_, err := c.db.ExecContext(ctx, `
		DELETE FROM authorized_users WHERE folder_id = ? AND user_id_commitment = ?`,
		folderID, userIDCommitment)
	if err != nil {
		return corekind.Wrap(corekind.StorageUnavailable, err, "deauthorize user for folder %s", folderID)
	}
	return nil
}

// ListAuthorizedUsers returns every AuthorizedUser for folderID.
func (c *Catalog) ListAuthorizedUsers(ctx context.Context, folderID string) ([]*AuthorizedUser, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT folder_id, user_id_commitment, added_at, added_by
		FROM authorized_users WHERE folder_id = ?`, folderID)
	if err != nil {
		return nil, corekind.Wrap(corekind.StorageUnavailable, err, "list authorized users for folder %s", folderID)
	}
	defer rows.Close()

	var out []*AuthorizedUser
	for rows.Next() {
		var au AuthorizedUser
		var addedAt string
		if err := rows.Scan(&au.FolderID, &au.UserIDCommitment, &addedAt, &au.AddedBy); err != nil {
			return nil, err
		}
		au.AddedAt, _ = time.Parse(time.RFC3339, addedAt)
		out = append(out, &au)
	}
	return out, rows.Err()
}
