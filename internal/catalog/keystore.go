package catalog

import (
	"context"
	"crypto/ed25519"
	"database/sql"
	"errors"

	"github.com/usenetsync/usenetsync/internal/corekind"
)

// LoadFolderKey implements keying.FolderKeyStore.
func (c *Catalog) LoadFolderKey(folderID string) (ed25519.PrivateKey, ed25519.PublicKey, bool, error) {
	row := c.db.QueryRowContext(context.Background(), `
		SELECT priv_key, pub_key FROM folder_keys WHERE folder_id = ?`, folderID)

	var priv, pub []byte
	if err := row.Scan(&priv, &pub); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, false, nil
		}
		return nil, nil, false, corekind.Wrap(corekind.StorageUnavailable, err, "load folder key %s", folderID)
	}
	return ed25519.PrivateKey(priv), ed25519.PublicKey(pub), true, nil
}

// SaveFolderKey implements keying.FolderKeyStore.
func (c *Catalog) SaveFolderKey(folderID string, priv ed25519.PrivateKey, pub ed25519.PublicKey) error {
	_, err := c.db.ExecContext(context.Background(), `
		INSERT INTO folder_keys (folder_id, priv_key, pub_key) VALUES (?, ?, ?)
		ON CONFLICT(folder_id) DO NOTHING`,
		folderID, []byte(priv), []byte(pub))
	if err != nil {
		return corekind.Wrap(corekind.StorageUnavailable, err, "save folder key %s", folderID)
	}
	return nil
}
