package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ganadoscan/ganadoscan/internal/errors"
	"github.com/ganadoscan/ganadoscan/internal/models"
)

const tagColumns = `id, code, scanned_at, status, batch_id, notes, sync_state, rev`

// PutTag writes the full tag, replacing any stored row with the same id.
func (o ops) PutTag(ctx context.Context, t models.Tag) error {
	_, err := o.q.ExecContext(ctx, `
		INSERT INTO tags (`+tagColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			code = excluded.code,
			scanned_at = excluded.scanned_at,
			status = excluded.status,
			batch_id = excluded.batch_id,
			notes = excluded.notes,
			sync_state = excluded.sync_state,
			rev = excluded.rev
	`, t.ID, t.Code, formatTime(t.ScannedAt), string(t.Status), nullString(t.BatchID),
		nullString(t.Notes), string(t.SyncState), t.Rev)
	if err != nil {
		return errors.Store(err, fmt.Sprintf("put tag %s", t.ID))
	}
	return nil
}

// GetTag returns one tag or errors.ErrNotFound.
func (o ops) GetTag(ctx context.Context, id string) (models.Tag, error) {
	row := o.q.QueryRowContext(ctx, `SELECT `+tagColumns+` FROM tags WHERE id = ?`, id)
	t, err := scanTag(row)
	if err == sql.ErrNoRows {
		return models.Tag{}, errors.NotFoundf("tag %s not found", id)
	}
	if err != nil {
		return models.Tag{}, errors.Store(err, fmt.Sprintf("get tag %s", id))
	}
	return t, nil
}

// AllTags returns every stored tag, newest scan first.
func (o ops) AllTags(ctx context.Context) ([]models.Tag, error) {
	return o.queryTags(ctx, `SELECT `+tagColumns+` FROM tags ORDER BY scanned_at DESC, id`)
}

// TagsByBatch returns the tags of one batch; an empty batchID selects unassigned tags.
func (o ops) TagsByBatch(ctx context.Context, batchID string) ([]models.Tag, error) {
	if batchID == "" {
		return o.queryTags(ctx, `SELECT `+tagColumns+` FROM tags WHERE batch_id IS NULL ORDER BY scanned_at DESC, id`)
	}
	return o.queryTags(ctx, `SELECT `+tagColumns+` FROM tags WHERE batch_id = ? ORDER BY scanned_at DESC, id`, batchID)
}

// UnassignedTags returns tags without a batch, including those whose batch
// no longer exists locally.
func (o ops) UnassignedTags(ctx context.Context) ([]models.Tag, error) {
	return o.queryTags(ctx, `
		SELECT `+tagColumns+` FROM tags
		WHERE batch_id IS NULL OR batch_id NOT IN (SELECT id FROM batches)
		ORDER BY scanned_at DESC, id`)
}

// UnassignTag moves a tag whose batch is gone to the unassigned scope.
func (o ops) UnassignTag(ctx context.Context, id string) error {
	_, err := o.q.ExecContext(ctx, `
		UPDATE tags SET batch_id = NULL, rev = rev + 1
		WHERE id = ? AND batch_id IS NOT NULL AND batch_id NOT IN (SELECT id FROM batches)
	`, id)
	if err != nil {
		return errors.Store(err, fmt.Sprintf("unassign tag %s", id))
	}
	return nil
}

// PendingTags returns tags not yet uploaded, oldest first.
func (o ops) PendingTags(ctx context.Context) ([]models.Tag, error) {
	return o.queryTags(ctx, `SELECT `+tagColumns+` FROM tags WHERE sync_state = ? ORDER BY scanned_at, id`,
		string(models.SyncPendingUpload))
}

// DeleteTag removes a tag. Deleting a missing id is not an error.
func (o ops) DeleteTag(ctx context.Context, id string) error {
	if _, err := o.q.ExecContext(ctx, `DELETE FROM tags WHERE id = ?`, id); err != nil {
		return errors.Store(err, fmt.Sprintf("delete tag %s", id))
	}
	return nil
}

// MarkTagSynced flips a pending tag to SYNCED if it is still at rev.
// It reports false when the tag was edited or removed meanwhile.
func (o ops) MarkTagSynced(ctx context.Context, id string, rev int64) (bool, error) {
	res, err := o.q.ExecContext(ctx, `
		UPDATE tags SET sync_state = ?
		WHERE id = ? AND rev = ? AND sync_state = ?
	`, string(models.SyncSynced), id, rev, string(models.SyncPendingUpload))
	if err != nil {
		return false, errors.Store(err, fmt.Sprintf("mark tag %s synced", id))
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// PruneSyncedTags deletes SYNCED tags whose id is not in keep and that have
// no outbox entry. It returns the number of rows removed.
func (o ops) PruneSyncedTags(ctx context.Context, keep map[string]struct{}) (int, error) {
	ids, err := o.prunableIDs(ctx, "tags", models.CollectionTags)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, id := range ids {
		if _, ok := keep[id]; ok {
			continue
		}
		if err := o.DeleteTag(ctx, id); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func (o ops) queryTags(ctx context.Context, query string, args ...any) ([]models.Tag, error) {
	rows, err := o.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Store(err, "query tags")
	}
	defer rows.Close()

	var tags []models.Tag
	for rows.Next() {
		t, err := scanTag(rows)
		if err != nil {
			return nil, errors.Store(err, "scan tag")
		}
		tags = append(tags, t)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Store(err, "iterate tags")
	}
	return tags, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTag(r rowScanner) (models.Tag, error) {
	var (
		t         models.Tag
		scannedAt string
		status    string
		syncState string
		batchID   sql.NullString
		notes     sql.NullString
	)
	if err := r.Scan(&t.ID, &t.Code, &scannedAt, &status, &batchID, &notes, &syncState, &t.Rev); err != nil {
		return models.Tag{}, err
	}
	ts, err := parseTime(scannedAt)
	if err != nil {
		return models.Tag{}, err
	}
	t.ScannedAt = ts
	t.Status = models.TagStatus(status)
	t.SyncState = models.SyncState(syncState)
	t.BatchID = stringPtr(batchID)
	t.Notes = stringPtr(notes)
	return t, nil
}
