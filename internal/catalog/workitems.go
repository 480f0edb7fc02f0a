package catalog

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/usenetsync/usenetsync/internal/corekind"
)

// EnqueueWorkItem durably records one unit of Uploader/Downloader work
// (spec.md §4.7: "a crash must be recoverable from the last durable
// checkpoint, never from memory").
func (c *Catalog) EnqueueWorkItem(ctx context.Context, op WorkOperation, targetID, folderID string) (*WorkItem, error) {
	res, err := c.db.ExecContext(ctx, `
		INSERT INTO work_items (operation, target_id, folder_id, attempts, next_attempt_at, last_error, owner, status)
		VALUES (?, ?, ?, 0, ?, '', '', ?)`,
		op, targetID, folderID, time.Now().UTC().Format(time.RFC3339), WorkPending)
	if err != nil {
		return nil, corekind.Wrap(corekind.StorageUnavailable, err, "enqueue work item %s/%s", op, targetID)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, corekind.Wrap(corekind.StorageUnavailable, err, "read inserted work item id")
	}
	return c.GetWorkItem(ctx, id)
}

// GetWorkItem loads a WorkItem by its row ID.
func (c *Catalog) GetWorkItem(ctx context.Context, id int64) (*WorkItem, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT id, operation, target_id, folder_id, attempts, next_attempt_at, last_error, owner, status
		FROM work_items WHERE id = ?`, id)
	return scanWorkItem(row)
}

// ClaimWorkItems atomically assigns up to limit pending (or due-for-retry)
// WorkItems of the given operation to owner, marking them in_flight. Using a
// transaction keeps the claim race-free across concurrent worker pools
// (spec.md §4.7 resume semantics).
func (c *Catalog) ClaimWorkItems(ctx context.Context, op WorkOperation, owner string, limit int) ([]*WorkItem, error) {
	var claimed []*WorkItem
	err := c.WithTransaction(ctx, func(txc *Catalog) error {
		tx := txc.db
		rows, err := tx.QueryContext(ctx, `
			SELECT id FROM work_items
			WHERE operation = ? AND status IN (?, ?) AND next_attempt_at <= ?
			ORDER BY next_attempt_at
			LIMIT ?`,
			op, WorkPending, WorkFailed, time.Now().UTC().Format(time.RFC3339), limit)
		if err != nil {
			return corekind.Wrap(corekind.StorageUnavailable, err, "query claimable work items")
		}
		var ids []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `
				UPDATE work_items SET status = ?, owner = ? WHERE id = ?`,
				WorkInFlight, owner, id); err != nil {
				return corekind.Wrap(corekind.StorageUnavailable, err, "claim work item %d", id)
			}
			row := tx.QueryRowContext(ctx, `
				SELECT id, operation, target_id, folder_id, attempts, next_attempt_at, last_error, owner, status
				FROM work_items WHERE id = ?`, id)
			wi, err := scanWorkItem(row)
			if err != nil {
				return err
			}
			claimed = append(claimed, wi)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// CompleteWorkItem marks a claimed WorkItem done.
func (c *Catalog) CompleteWorkItem(ctx context.Context, id int64) error {
	res, err := c.db.ExecContext(ctx, `UPDATE work_items SET status = ? WHERE id = ?`, WorkDone, id)
	if err != nil {
		return corekind.Wrap(corekind.StorageUnavailable, err, "complete work item %d", id)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return corekind.New(corekind.NotFound, "work item %d not found", id)
	}
	return nil
}

// FailWorkItem records a failed attempt and reschedules the WorkItem using
// the provided backoff delay, matching the retry config driving the NNTP
// Engine (spec.md §4.5).
func (c *Catalog) FailWorkItem(ctx context.Context, id int64, lastErr error, nextDelay time.Duration) error {
	msg := ""
	if lastErr != nil {
		msg = lastErr.Error()
	}
	res, err := c.db.ExecContext(ctx, `
		UPDATE work_items
		SET status = ?, attempts = attempts + 1, last_error = ?, next_attempt_at = ?, owner = ''
		WHERE id = ?`,
		WorkFailed, msg, time.Now().Add(nextDelay).UTC().Format(time.RFC3339), id)
	if err != nil {
		return corekind.Wrap(corekind.StorageUnavailable, err, "fail work item %d", id)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return corekind.New(corekind.NotFound, "work item %d not found", id)
	}
	return nil
}

// ListWorkItemsForFolder returns every WorkItem queued against folderID,
// used by the progress surface to derive upload/download completion.
func (c *Catalog) ListWorkItemsForFolder(ctx context.Context, folderID string, op WorkOperation) ([]*WorkItem, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, operation, target_id, folder_id, attempts, next_attempt_at, last_error, owner, status
		FROM work_items WHERE folder_id = ? AND operation = ?`, folderID, op)
	if err != nil {
		return nil, corekind.Wrap(corekind.StorageUnavailable, err, "list work items for folder %s", folderID)
	}
	defer rows.Close()

	var out []*WorkItem
	for rows.Next() {
		wi, err := scanWorkItemRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, wi)
	}
	return out, rows.Err()
}

func scanWorkItem(row *sql.Row) (*WorkItem, error) {
	wi, err := scanWorkItemRows(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, corekind.New(corekind.NotFound, "work item not found")
		}
		return nil, corekind.Wrap(corekind.StorageUnavailable, err, "scan work item")
	}
	return wi, nil
}

func scanWorkItemRows(row rowScanner) (*WorkItem, error) {
	var wi WorkItem
	var nextAttemptAt string
	if err := row.Scan(&wi.ID, &wi.Operation, &wi.TargetID, &wi.FolderID, &wi.Attempts,
		&nextAttemptAt, &wi.LastError, &wi.Owner, &wi.Status); err != nil {
		return nil, err
	}
	wi.NextAttemptAt, _ = time.Parse(time.RFC3339, nextAttemptAt)
	return &wi, nil
}
