package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ganadoscan/ganadoscan/internal/errors"
	"github.com/ganadoscan/ganadoscan/internal/models"
)

const batchColumns = `id, name, created_at, closed, sync_state, rev`

// PutBatch writes the full batch, replacing any stored row with the same id.
func (o ops) PutBatch(ctx context.Context, b models.Batch) error {
	_, err := o.q.ExecContext(ctx, `
		INSERT INTO batches (`+batchColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			created_at = excluded.created_at,
			closed = excluded.closed,
			sync_state = excluded.sync_state,
			rev = excluded.rev
	`, b.ID, b.Name, formatTime(b.CreatedAt), boolInt(b.Closed), string(b.SyncState), b.Rev)
	if err != nil {
		return errors.Store(err, fmt.Sprintf("put batch %s", b.ID))
	}
	return nil
}

// GetBatch returns one batch or errors.ErrNotFound.
func (o ops) GetBatch(ctx context.Context, id string) (models.Batch, error) {
	row := o.q.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM batches WHERE id = ?`, id)
	b, err := scanBatch(row)
	if err == sql.ErrNoRows {
		return models.Batch{}, errors.NotFoundf("batch %s not found", id)
	}
	if err != nil {
		return models.Batch{}, errors.Store(err, fmt.Sprintf("get batch %s", id))
	}
	return b, nil
}

// AllBatches returns every stored batch, newest first.
func (o ops) AllBatches(ctx context.Context) ([]models.Batch, error) {
	return o.queryBatches(ctx, `SELECT `+batchColumns+` FROM batches ORDER BY created_at DESC, id`)
}

// OpenBatches returns batches that are not closed.
func (o ops) OpenBatches(ctx context.Context) ([]models.Batch, error) {
	return o.queryBatches(ctx, `SELECT `+batchColumns+` FROM batches WHERE closed = 0 ORDER BY created_at DESC, id`)
}

// PendingBatches returns batches not yet uploaded, oldest first.
func (o ops) PendingBatches(ctx context.Context) ([]models.Batch, error) {
	return o.queryBatches(ctx, `SELECT `+batchColumns+` FROM batches WHERE sync_state = ? ORDER BY created_at, id`,
		string(models.SyncPendingUpload))
}

// DeleteBatch removes a batch together with its tags and returns the ids of
// the removed tags. Deleting a missing id is not an error. Callers wanting
// atomicity with other writes run it inside InTx.
func (o ops) DeleteBatch(ctx context.Context, id string) ([]string, error) {
	tags, err := o.TagsByBatch(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := o.q.ExecContext(ctx, `DELETE FROM tags WHERE batch_id = ?`, id); err != nil {
		return nil, errors.Store(err, fmt.Sprintf("delete tags of batch %s", id))
	}
	if _, err := o.q.ExecContext(ctx, `DELETE FROM batches WHERE id = ?`, id); err != nil {
		return nil, errors.Store(err, fmt.Sprintf("delete batch %s", id))
	}
	ids := make([]string, 0, len(tags))
	for _, t := range tags {
		ids = append(ids, t.ID)
	}
	return ids, nil
}

// RemoveBatchKeepingPending deletes a batch that was removed remotely. Only
// its SYNCED tags without outbox entries go with it; tags still owed to the
// record store move to the unassigned scope.
func (o ops) RemoveBatchKeepingPending(ctx context.Context, id string) (int, error) {
	res, err := o.q.ExecContext(ctx, `
		DELETE FROM tags
		WHERE batch_id = ? AND sync_state = ?
		  AND NOT EXISTS (SELECT 1 FROM outbox o WHERE o.collection = ? AND o.record_id = tags.id)
	`, id, string(models.SyncSynced), string(models.CollectionTags))
	if err != nil {
		return 0, errors.Store(err, fmt.Sprintf("delete synced tags of batch %s", id))
	}
	if err := o.unassignTags(ctx, id); err != nil {
		return 0, err
	}
	if _, err := o.q.ExecContext(ctx, `DELETE FROM batches WHERE id = ?`, id); err != nil {
		return 0, errors.Store(err, fmt.Sprintf("delete batch %s", id))
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// MarkBatchSynced flips a pending batch to SYNCED if it is still at rev.
func (o ops) MarkBatchSynced(ctx context.Context, id string, rev int64) (bool, error) {
	res, err := o.q.ExecContext(ctx, `
		UPDATE batches SET sync_state = ?
		WHERE id = ? AND rev = ? AND sync_state = ?
	`, string(models.SyncSynced), id, rev, string(models.SyncPendingUpload))
	if err != nil {
		return false, errors.Store(err, fmt.Sprintf("mark batch %s synced", id))
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// PruneSyncedBatches deletes SYNCED batches whose id is not in keep and that
// have no outbox entry. Their remaining tags move to the unassigned scope.
func (o ops) PruneSyncedBatches(ctx context.Context, keep map[string]struct{}) (int, error) {
	ids, err := o.prunableIDs(ctx, "batches", models.CollectionBatches)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, id := range ids {
		if _, ok := keep[id]; ok {
			continue
		}
		if err := o.unassignTags(ctx, id); err != nil {
			return removed, err
		}
		if _, err := o.q.ExecContext(ctx, `DELETE FROM batches WHERE id = ?`, id); err != nil {
			return removed, errors.Store(err, fmt.Sprintf("prune batch %s", id))
		}
		removed++
	}
	return removed, nil
}

// unassignTags clears batch_id on every tag of batchID. The rev bump stops an
// upload that read the old row from marking it synced.
func (o ops) unassignTags(ctx context.Context, batchID string) error {
	_, err := o.q.ExecContext(ctx, `UPDATE tags SET batch_id = NULL, rev = rev + 1 WHERE batch_id = ?`, batchID)
	if err != nil {
		return errors.Store(err, fmt.Sprintf("unassign tags of batch %s", batchID))
	}
	return nil
}

// prunableIDs lists SYNCED rows of table with no outbox entry.
func (o ops) prunableIDs(ctx context.Context, table string, collection models.Collection) ([]string, error) {
	rows, err := o.q.QueryContext(ctx, `
		SELECT id FROM `+table+` r
		WHERE r.sync_state = ?
		  AND NOT EXISTS (SELECT 1 FROM outbox o WHERE o.collection = ? AND o.record_id = r.id)
	`, string(models.SyncSynced), string(collection))
	if err != nil {
		return nil, errors.Store(err, "list prunable "+table)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Store(err, "scan id")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Store(err, "iterate "+table)
	}
	return ids, nil
}

func (o ops) queryBatches(ctx context.Context, query string, args ...any) ([]models.Batch, error) {
	rows, err := o.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Store(err, "query batches")
	}
	defer rows.Close()

	var batches []models.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, errors.Store(err, "scan batch")
		}
		batches = append(batches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Store(err, "iterate batches")
	}
	return batches, nil
}

func scanBatch(r rowScanner) (models.Batch, error) {
	var (
		b         models.Batch
		createdAt string
		closed    int
		syncState string
	)
	if err := r.Scan(&b.ID, &b.Name, &createdAt, &closed, &syncState, &b.Rev); err != nil {
		return models.Batch{}, err
	}
	ts, err := parseTime(createdAt)
	if err != nil {
		return models.Batch{}, err
	}
	b.CreatedAt = ts
	b.Closed = closed != 0
	b.SyncState = models.SyncState(syncState)
	return b, nil
}
