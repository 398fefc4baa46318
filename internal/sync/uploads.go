package sync

import (
	"context"

	"github.com/ganadoscan/ganadoscan/internal/errors"
	"github.com/ganadoscan/ganadoscan/internal/models"
)

// Remote work for a single record. Each function takes the record's keyed
// lock, re-reads the current local state and does nothing if the record was
// deleted or already confirmed meanwhile, so background tasks and drains can
// overlap freely.

func (se *SyncEngine) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, se.config.RequestTimeout)
}

func (se *SyncEngine) countRemote(collection models.Collection, op string, err error) {
	se.metrics.RemoteCalls.WithLabelValues(string(collection), op, resultLabel(err)).Inc()
}

// uploadBatch sends a pending batch to the record store.
func (se *SyncEngine) uploadBatch(ctx context.Context, id string) error {
	unlock := se.locks.Lock(recordKey(models.CollectionBatches, id))
	defer unlock()

	b, err := se.store.GetBatch(ctx, id)
	if errors.Is(err, errors.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if b.SyncState == models.SyncSynced {
		return nil
	}

	cctx, cancel := se.callContext(ctx)
	_, err = se.remote.CreateBatch(cctx, b)
	cancel()
	se.countRemote(models.CollectionBatches, "create", err)
	if err != nil {
		se.log.Warn("batch upload failed, will retry", "batch_id", id, "error", err)
		return err
	}
	return se.markSynced(ctx, models.CollectionBatches, id, b.Rev)
}

// resolveTagBatch treats a tag whose batch no longer exists locally as
// unassigned, so the record store never sees the dangling reference.
func (se *SyncEngine) resolveTagBatch(ctx context.Context, t models.Tag) (models.Tag, error) {
	_, err := se.store.GetBatch(ctx, *t.BatchID)
	if !errors.Is(err, errors.ErrNotFound) {
		return t, err
	}
	if err := se.store.UnassignTag(ctx, t.ID); err != nil {
		return t, err
	}
	se.log.Info("batch of pending tag is gone, tag unassigned", "tag_id", t.ID, "batch_id", *t.BatchID)
	return se.store.GetTag(ctx, t.ID)
}

// uploadTag sends a pending tag, uploading its batch first if that is
// pending too.
func (se *SyncEngine) uploadTag(ctx context.Context, id string) error {
	unlock := se.locks.Lock(recordKey(models.CollectionTags, id))
	defer unlock()

	t, err := se.store.GetTag(ctx, id)
	if errors.Is(err, errors.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if t.SyncState == models.SyncSynced {
		return nil
	}
	if t.BatchID != nil {
		if t, err = se.resolveTagBatch(ctx, t); err != nil {
			return err
		}
	}
	if t.BatchID != nil {
		if err := se.uploadBatch(ctx, *t.BatchID); err != nil {
			return err
		}
	}

	cctx, cancel := se.callContext(ctx)
	_, err = se.remote.CreateTag(cctx, t)
	cancel()
	se.countRemote(models.CollectionTags, "create", err)
	if err != nil {
		se.log.Warn("tag upload failed, will retry", "tag_id", id, "code", t.Code, "error", err)
		return err
	}
	return se.markSynced(ctx, models.CollectionTags, id, t.Rev)
}

// markSynced confirms an upload unless the record was edited after rev was
// read; in that case it stays pending and the edit's own upload follows.
func (se *SyncEngine) markSynced(ctx context.Context, collection models.Collection, id string, rev int64) error {
	se.mu.Lock()
	defer se.mu.Unlock()

	var (
		ok  bool
		err error
	)
	switch collection {
	case models.CollectionTags:
		ok, err = se.store.MarkTagSynced(ctx, id, rev)
	case models.CollectionBatches:
		ok, err = se.store.MarkBatchSynced(ctx, id, rev)
	}
	if err != nil {
		return err
	}
	if ok {
		se.syncGen.Add(1)
	} else {
		se.log.Debug("record changed during upload, left pending", "collection", collection, "id", id)
	}
	return nil
}

// ack drops an outbox entry if it was not re-queued since seq.
func (se *SyncEngine) ack(ctx context.Context, collection models.Collection, id string, op models.OutboxOp, seq int64) error {
	se.mu.Lock()
	defer se.mu.Unlock()

	ok, err := se.store.Ack(ctx, collection, id, op, seq)
	if err != nil {
		return err
	}
	if ok {
		se.syncGen.Add(1)
	}
	return nil
}

func (se *SyncEngine) recordFailure(ctx context.Context, collection models.Collection, id string, op models.OutboxOp, cause error) {
	if err := se.store.RecordFailure(ctx, collection, id, op, cause); err != nil {
		se.log.Error("failed to record outbox failure", "collection", collection, "id", id, "error", err)
	}
}

// pushUpdate sends the current mutable fields of an already uploaded record.
func (se *SyncEngine) pushUpdate(ctx context.Context, collection models.Collection, id string, seq int64) error {
	unlock := se.locks.Lock(recordKey(collection, id))
	defer unlock()

	cctx, cancel := se.callContext(ctx)
	defer cancel()

	var err error
	switch collection {
	case models.CollectionTags:
		t, gerr := se.store.GetTag(ctx, id)
		if errors.Is(gerr, errors.ErrNotFound) {
			// Deleted locally; the queued delete supersedes the edit.
			return nil
		}
		if gerr != nil {
			return gerr
		}
		if t.SyncState == models.SyncPendingUpload {
			return se.ack(ctx, collection, id, models.OutboxUpdate, seq)
		}
		status := t.Status
		notes := ""
		if t.Notes != nil {
			notes = *t.Notes
		}
		err = se.remote.UpdateTag(cctx, id, models.TagFields{Status: &status, Notes: &notes})
	case models.CollectionBatches:
		b, gerr := se.store.GetBatch(ctx, id)
		if errors.Is(gerr, errors.ErrNotFound) {
			return nil
		}
		if gerr != nil {
			return gerr
		}
		if b.SyncState == models.SyncPendingUpload {
			return se.ack(ctx, collection, id, models.OutboxUpdate, seq)
		}
		name, closed := b.Name, b.Closed
		err = se.remote.UpdateBatch(cctx, id, models.BatchFields{Name: &name, Closed: &closed})
	default:
		return errors.Validationf("unknown collection %q", collection)
	}
	se.countRemote(collection, "update", err)

	if errors.Is(err, errors.ErrNotFound) {
		se.log.Info("record gone remotely, dropping queued update", "collection", collection, "id", id)
		err = nil
	}
	if err != nil {
		se.log.Warn("remote update failed, will retry", "collection", collection, "id", id, "error", err)
		se.recordFailure(ctx, collection, id, models.OutboxUpdate, err)
		return err
	}
	return se.ack(ctx, collection, id, models.OutboxUpdate, seq)
}

// pushDelete deletes one tag or a childless batch remotely.
func (se *SyncEngine) pushDelete(ctx context.Context, collection models.Collection, id string, seq int64) error {
	unlock := se.locks.Lock(recordKey(collection, id))
	defer unlock()

	cctx, cancel := se.callContext(ctx)
	defer cancel()

	var err error
	switch collection {
	case models.CollectionTags:
		err = se.remote.DeleteTag(cctx, id)
	case models.CollectionBatches:
		err = se.remote.DeleteBatch(cctx, id)
	default:
		return errors.Validationf("unknown collection %q", collection)
	}
	se.countRemote(collection, "delete", err)
	if err != nil {
		se.recordFailure(ctx, collection, id, models.OutboxDelete, err)
		return err
	}
	return se.ack(ctx, collection, id, models.OutboxDelete, seq)
}

// cascadeDelete deletes a batch's tags remotely and then the batch itself.
// The batch is not attempted once any tag delete fails. If the record store
// still refuses because tags from other devices reference the batch, those
// are deleted and the batch is retried once.
func (se *SyncEngine) cascadeDelete(ctx context.Context, batchID string, batchSeq int64, tags []queuedDelete) error {
	for _, t := range tags {
		if err := se.pushDelete(ctx, models.CollectionTags, t.id, t.seq); err != nil {
			cerr := errors.CascadeFailure(batchID, err)
			se.log.Warn("cascade delete stopped", "batch_id", batchID, "tag_id", t.id, "error", err)
			se.recordFailure(ctx, models.CollectionBatches, batchID, models.OutboxDelete, cerr)
			return cerr
		}
	}

	err := se.pushDelete(ctx, models.CollectionBatches, batchID, batchSeq)
	if errors.Is(err, errors.ErrConflict) {
		if err = se.deleteRemoteChildren(ctx, batchID); err == nil {
			err = se.pushDelete(ctx, models.CollectionBatches, batchID, batchSeq)
		}
	}
	if err != nil {
		cerr := errors.CascadeFailure(batchID, err)
		se.log.Warn("batch delete failed remotely, will retry", "batch_id", batchID, "error", err)
		se.recordFailure(ctx, models.CollectionBatches, batchID, models.OutboxDelete, cerr)
		return cerr
	}
	se.log.Info("batch deleted remotely", "batch_id", batchID, "tags", len(tags))
	return nil
}

func (se *SyncEngine) deleteRemoteChildren(ctx context.Context, batchID string) error {
	cctx, cancel := se.callContext(ctx)
	remoteTags, err := se.remote.ListTags(cctx)
	cancel()
	if err != nil {
		return err
	}
	for _, t := range remoteTags {
		if !t.InBatch(batchID) {
			continue
		}
		cctx, cancel := se.callContext(ctx)
		err := se.remote.DeleteTag(cctx, t.ID)
		cancel()
		se.countRemote(models.CollectionTags, "delete", err)
		if err != nil {
			return err
		}
	}
	return nil
}
