package sync

import (
	"context"

	"github.com/ganadoscan/ganadoscan/internal/errors"
	"github.com/ganadoscan/ganadoscan/internal/models"
	"github.com/ganadoscan/ganadoscan/internal/store"
)

const snapshotAttempts = 3

// RefreshSnapshot replaces the cached copy of remote records with a fresh
// listing. Records with unsynced local state are left alone, and only
// SYNCED rows missing from the listing are removed. If the listing fails the
// cache is kept as is.
func (se *SyncEngine) RefreshSnapshot(ctx context.Context) (SnapshotReport, error) {
	for attempt := 0; attempt < snapshotAttempts; attempt++ {
		gen := se.syncGen.Load()

		cctx, cancel := se.callContext(ctx)
		batches, err := se.remote.ListBatches(cctx)
		if err == nil {
			var tags []models.Tag
			tags, err = se.remote.ListTags(cctx)
			if err == nil {
				cancel()
				report, applied, err := se.applySnapshot(ctx, gen, batches, tags)
				if err != nil || applied {
					return report, err
				}
				se.log.Debug("local uploads landed during snapshot, listing again", "attempt", attempt+1)
				continue
			}
		}
		cancel()
		return SnapshotReport{}, err
	}
	return SnapshotReport{}, errors.Conflict("snapshot kept racing local uploads")
}

// localIndex is what the device holds, keyed for snapshot reconciliation.
type localIndex struct {
	tags    map[string]models.Tag
	batches map[string]models.Batch
	queued  map[string]struct{}
}

func loadLocalIndex(ctx context.Context, tx *store.Tx) (localIndex, error) {
	idx := localIndex{
		tags:    make(map[string]models.Tag),
		batches: make(map[string]models.Batch),
		queued:  make(map[string]struct{}),
	}
	tags, err := tx.AllTags(ctx)
	if err != nil {
		return idx, err
	}
	for _, t := range tags {
		idx.tags[t.ID] = t
	}
	batches, err := tx.AllBatches(ctx)
	if err != nil {
		return idx, err
	}
	for _, b := range batches {
		idx.batches[b.ID] = b
	}
	for _, op := range []models.OutboxOp{models.OutboxUpdate, models.OutboxDelete} {
		entries, err := tx.Outbox(ctx, op)
		if err != nil {
			return idx, err
		}
		for _, e := range entries {
			idx.queued[recordKey(e.Collection, e.RecordID)] = struct{}{}
		}
	}
	return idx, nil
}

func (idx localIndex) tagState(id string) (LocalState, int64) {
	t, ok := idx.tags[id]
	_, queued := idx.queued[recordKey(models.CollectionTags, id)]
	return LocalState{Exists: ok, SyncState: t.SyncState, Queued: queued}, t.Rev
}

func (idx localIndex) batchState(id string) (LocalState, int64) {
	b, ok := idx.batches[id]
	_, queued := idx.queued[recordKey(models.CollectionBatches, id)]
	return LocalState{Exists: ok, SyncState: b.SyncState, Queued: queued}, b.Rev
}

func (se *SyncEngine) applySnapshot(ctx context.Context, gen uint64, batches []models.Batch, tags []models.Tag) (SnapshotReport, bool, error) {
	se.mu.Lock()
	defer se.mu.Unlock()

	if se.syncGen.Load() != gen {
		return SnapshotReport{}, false, nil
	}

	var (
		report  SnapshotReport
		cleared bool
	)
	err := se.store.InTx(ctx, func(tx *store.Tx) error {
		idx, err := loadLocalIndex(ctx, tx)
		if err != nil {
			return err
		}

		keepBatches := make(map[string]struct{}, len(batches))
		for _, b := range batches {
			keepBatches[b.ID] = struct{}{}
			local, rev := idx.batchState(b.ID)
			if ok, reason := se.resolver.ShouldAcceptRemote(models.CollectionBatches, b.ID, local); !ok {
				se.log.Debug("kept local batch", "batch_id", b.ID, "reason", reason)
				report.Ignored++
				continue
			}
			b.SyncState = models.SyncSynced
			b.Rev = rev
			if err := tx.PutBatch(ctx, b); err != nil {
				return err
			}
			report.Applied++
		}

		keepTags := make(map[string]struct{}, len(tags))
		for _, t := range tags {
			keepTags[t.ID] = struct{}{}
			local, rev := idx.tagState(t.ID)
			if ok, reason := se.resolver.ShouldAcceptRemote(models.CollectionTags, t.ID, local); !ok {
				se.log.Debug("kept local tag", "tag_id", t.ID, "reason", reason)
				report.Ignored++
				continue
			}
			t.SyncState = models.SyncSynced
			t.Rev = rev
			if err := tx.PutTag(ctx, t); err != nil {
				return err
			}
			report.Applied++
		}

		n, err := tx.PruneSyncedTags(ctx, keepTags)
		if err != nil {
			return err
		}
		report.Pruned += n
		if n, err = tx.PruneSyncedBatches(ctx, keepBatches); err != nil {
			return err
		}
		report.Pruned += n

		if active := se.session.ActiveBatchID(); active != "" {
			if _, err := tx.GetBatch(ctx, active); errors.Is(err, errors.ErrNotFound) {
				cleared = true
				return tx.DeleteMeta(ctx, store.MetaActiveBatch)
			} else if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return SnapshotReport{}, false, err
	}
	if cleared {
		se.log.Info("active batch no longer exists, selection cleared")
		se.session.set("", false)
	}
	return report, true, nil
}

// ApplyRemoteEvent applies one change-feed event. Events for records with
// unsynced local state are ignored.
func (se *SyncEngine) ApplyRemoteEvent(ctx context.Context, ev models.Event) error {
	if !ev.Collection.Valid() {
		return errors.Validationf("unknown collection %q", ev.Collection)
	}

	se.mu.Lock()
	defer se.mu.Unlock()

	local, rev, err := se.localState(ctx, ev.Collection, ev.ID)
	if err != nil {
		return err
	}
	if ok, reason := se.resolver.ShouldAcceptRemote(ev.Collection, ev.ID, local); !ok {
		se.metrics.Events.WithLabelValues(string(ev.Collection), string(ev.Type), "ignored").Inc()
		se.log.Debug("ignored remote event", "collection", ev.Collection, "id", ev.ID, "type", ev.Type, "reason", reason)
		return nil
	}

	switch ev.Type {
	case models.EventInsert, models.EventUpdate:
		err = se.applyRemoteUpsert(ctx, ev, rev)
	case models.EventDelete:
		err = se.applyRemoteDelete(ctx, ev)
	default:
		err = errors.Validationf("unknown event type %q", ev.Type)
	}
	if err != nil {
		se.metrics.Events.WithLabelValues(string(ev.Collection), string(ev.Type), "error").Inc()
		return err
	}
	se.metrics.Events.WithLabelValues(string(ev.Collection), string(ev.Type), "applied").Inc()
	return nil
}

func (se *SyncEngine) localState(ctx context.Context, collection models.Collection, id string) (LocalState, int64, error) {
	var (
		state LocalState
		rev   int64
	)
	switch collection {
	case models.CollectionTags:
		t, err := se.store.GetTag(ctx, id)
		if err != nil && !errors.Is(err, errors.ErrNotFound) {
			return state, 0, err
		}
		if err == nil {
			state.Exists, state.SyncState, rev = true, t.SyncState, t.Rev
		}
	case models.CollectionBatches:
		b, err := se.store.GetBatch(ctx, id)
		if err != nil && !errors.Is(err, errors.ErrNotFound) {
			return state, 0, err
		}
		if err == nil {
			state.Exists, state.SyncState, rev = true, b.SyncState, b.Rev
		}
	}
	queued, err := se.store.HasOutbox(ctx, collection, id)
	if err != nil {
		return state, 0, err
	}
	state.Queued = queued
	return state, rev, nil
}

func (se *SyncEngine) applyRemoteUpsert(ctx context.Context, ev models.Event, rev int64) error {
	switch ev.Collection {
	case models.CollectionTags:
		if ev.Tag == nil {
			return errors.Validation("tag event without record")
		}
		t := *ev.Tag
		t.SyncState = models.SyncSynced
		t.Rev = rev
		return se.store.PutTag(ctx, t)
	default:
		if ev.Batch == nil {
			return errors.Validation("batch event without record")
		}
		b := *ev.Batch
		b.SyncState = models.SyncSynced
		b.Rev = rev
		return se.store.PutBatch(ctx, b)
	}
}

func (se *SyncEngine) applyRemoteDelete(ctx context.Context, ev models.Event) error {
	if ev.Collection == models.CollectionTags {
		return se.store.DeleteTag(ctx, ev.ID)
	}

	cleared := se.session.ActiveBatchID() == ev.ID
	err := se.store.InTx(ctx, func(tx *store.Tx) error {
		if _, err := tx.RemoveBatchKeepingPending(ctx, ev.ID); err != nil {
			return err
		}
		if cleared {
			return tx.DeleteMeta(ctx, store.MetaActiveBatch)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if cleared {
		se.log.Info("active batch deleted remotely, selection cleared", "batch_id", ev.ID)
		se.session.set("", false)
	}
	return nil
}
