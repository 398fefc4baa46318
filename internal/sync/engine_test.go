package sync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ganadoscan/ganadoscan/internal/errors"
	"github.com/ganadoscan/ganadoscan/internal/models"
)

func countTags(t *testing.T, env *testEnv) int {
	t.Helper()
	tags, err := env.store.AllTags(context.Background())
	require.NoError(t, err)
	return len(tags)
}

func TestRecordScan_RequiresSelection(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.engine.RecordScan(context.Background(), "A123")
	assert.ErrorIs(t, err, errors.ErrNoActiveBatch)
	assert.Zero(t, countTags(t, env))
}

func TestRecordScan_DuplicateInBatch(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	b1, err := env.engine.CreateBatch(ctx, "B1")
	require.NoError(t, err)

	tag, err := env.engine.RecordScan(ctx, "A123")
	require.NoError(t, err)
	require.NotNil(t, tag.BatchID)
	assert.Equal(t, b1.ID, *tag.BatchID)
	assert.Equal(t, models.StatusPending, tag.Status)

	_, err = env.engine.RecordScan(ctx, "  a123 ")
	assert.ErrorIs(t, err, errors.ErrDuplicate)
	assert.True(t, errors.IsValidation(err))
	assert.Equal(t, 1, countTags(t, env))

	// Same code is fine in another scope.
	_, err = env.engine.RecordScanInto(ctx, "A123", "")
	require.NoError(t, err)
	assert.Equal(t, 2, countTags(t, env))
	env.settle()
}

func TestRecordScan_ClosedBatchThenReopen(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	b, err := env.engine.CreateBatch(ctx, "B1")
	require.NoError(t, err)
	_, err = env.engine.CloseBatch(ctx, b.ID)
	require.NoError(t, err)

	_, err = env.engine.RecordScan(ctx, "A1")
	assert.ErrorIs(t, err, errors.ErrBatchClosed)
	assert.Zero(t, countTags(t, env))

	_, err = env.engine.ReopenBatch(ctx, b.ID)
	require.NoError(t, err)
	_, err = env.engine.RecordScan(ctx, "A1")
	require.NoError(t, err)
	env.settle()
}

func TestRecordScan_RejectsBlankCode(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	require.NoError(t, env.engine.SelectUnassigned(ctx))

	_, err := env.engine.RecordScan(ctx, "   ")
	assert.ErrorIs(t, err, errors.ErrValidation)
}

func TestRecordScan_IntoMissingBatch(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.engine.RecordScanInto(context.Background(), "A1", "no-such-batch")
	assert.ErrorIs(t, err, errors.ErrNoActiveBatch)
}

func TestOfflineScan_DrainsToSynced(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.remote.setOffline(true)

	b, err := env.engine.CreateBatch(ctx, "Corral 3")
	require.NoError(t, err)
	tag, err := env.engine.RecordScan(ctx, "MX-0001")
	require.NoError(t, err)
	env.settle()

	local, err := env.store.GetTag(ctx, tag.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncPendingUpload, local.SyncState)

	env.remote.setOffline(false)
	report, err := env.engine.DrainPendingQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Uploaded)
	assert.Zero(t, report.Failed)

	local, err = env.store.GetTag(ctx, tag.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncSynced, local.SyncState)
	_, ok := env.remote.batch(b.ID)
	assert.True(t, ok)
	remoteTag, ok := env.remote.tag(tag.ID)
	require.True(t, ok)
	assert.Equal(t, "MX-0001", remoteTag.Code)

	// Idempotent: nothing left to do.
	report, err = env.engine.DrainPendingQueue(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Uploaded+report.Updated+report.Deleted+report.Failed)
}

func TestBackgroundUpload_MarksSynced(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	_, err := env.engine.CreateBatch(ctx, "B1")
	require.NoError(t, err)
	tag, err := env.engine.RecordScan(ctx, "A1")
	require.NoError(t, err)
	env.settle()

	local, err := env.store.GetTag(ctx, tag.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncSynced, local.SyncState)
}

func TestCreateBatch_ClosesOthersAndSelects(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	first, err := env.engine.CreateBatch(ctx, "B1")
	require.NoError(t, err)
	env.settle()
	second, err := env.engine.CreateBatch(ctx, "")
	require.NoError(t, err)
	env.settle()

	assert.Equal(t, second.ID, env.engine.Session().ActiveBatchID())
	assert.Contains(t, second.Name, "Lote ")

	got, err := env.store.GetBatch(ctx, first.ID)
	require.NoError(t, err)
	assert.True(t, got.Closed)
	remoteFirst, ok := env.remote.batch(first.ID)
	require.True(t, ok)
	assert.True(t, remoteFirst.Closed, "close of a synced batch is pushed as an update")
	assert.NotEqual(t, first.ID, second.ID)
}

func TestUpdateStatus_OfflineQueuesUpdate(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	require.NoError(t, env.engine.SelectUnassigned(ctx))
	tag, err := env.engine.RecordScan(ctx, "A1")
	require.NoError(t, err)
	env.settle()

	env.remote.setOffline(true)
	updated, err := env.engine.UpdateStatus(ctx, tag.ID, models.StatusConfirmed)
	require.NoError(t, err)
	assert.Equal(t, models.StatusConfirmed, updated.Status)
	_, err = env.engine.UpdateNotes(ctx, tag.ID, "oreja izquierda")
	require.NoError(t, err)
	env.settle()

	n, err := env.store.OutboxLen(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "repeated edits share one outbox entry")

	env.remote.setOffline(false)
	report, err := env.engine.DrainPendingQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Updated)

	remoteTag, ok := env.remote.tag(tag.ID)
	require.True(t, ok)
	assert.Equal(t, models.StatusConfirmed, remoteTag.Status)
	require.NotNil(t, remoteTag.Notes)
	assert.Equal(t, "oreja izquierda", *remoteTag.Notes)

	n, err = env.store.OutboxLen(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestUpdateStatus_Invalid(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.engine.UpdateStatus(context.Background(), "x", models.TagStatus("LOST"))
	assert.ErrorIs(t, err, errors.ErrValidation)

	_, err = env.engine.UpdateStatus(context.Background(), "missing", models.StatusConfirmed)
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestDeleteTag_LocalFirstThenRemote(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	require.NoError(t, env.engine.SelectUnassigned(ctx))
	tag, err := env.engine.RecordScan(ctx, "A1")
	require.NoError(t, err)
	env.settle()

	env.remote.setOffline(true)
	require.NoError(t, env.engine.DeleteTag(ctx, tag.ID))
	require.NoError(t, env.engine.DeleteTag(ctx, tag.ID))
	env.settle()

	_, err = env.store.GetTag(ctx, tag.ID)
	assert.ErrorIs(t, err, errors.ErrNotFound)
	_, ok := env.remote.tag(tag.ID)
	assert.True(t, ok, "remote delete still queued")

	env.remote.setOffline(false)
	report, err := env.engine.DrainPendingQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Deleted)
	_, ok = env.remote.tag(tag.ID)
	assert.False(t, ok)
}

func TestDeleteBatch_CascadeFailureKeepsBatchRemote(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	b, err := env.engine.CreateBatch(ctx, "B1")
	require.NoError(t, err)
	t1, err := env.engine.RecordScan(ctx, "A1")
	require.NoError(t, err)
	_, err = env.engine.RecordScan(ctx, "A2")
	require.NoError(t, err)
	env.settle()

	env.remote.mu.Lock()
	env.remote.failDeletes[t1.ID] = true
	env.remote.mu.Unlock()

	require.NoError(t, env.engine.DeleteBatch(ctx, b.ID))
	assert.Empty(t, env.engine.Session().ActiveBatchID())
	assert.Zero(t, countTags(t, env), "local cascade is immediate")
	env.settle()

	_, ok := env.remote.batch(b.ID)
	assert.True(t, ok, "batch must not be deleted while a tag delete failed")
	entries, err := env.store.Outbox(ctx, models.OutboxDelete)
	require.NoError(t, err)
	var batchEntry *models.OutboxEntry
	for i := range entries {
		if entries[i].Collection == models.CollectionBatches {
			batchEntry = &entries[i]
		}
	}
	require.NotNil(t, batchEntry)
	assert.Contains(t, batchEntry.LastError, "not deleted remotely")

	env.remote.mu.Lock()
	delete(env.remote.failDeletes, t1.ID)
	env.remote.mu.Unlock()

	_, err = env.engine.DrainPendingQueue(ctx)
	require.NoError(t, err)
	_, ok = env.remote.batch(b.ID)
	assert.False(t, ok)
	_, ok = env.remote.tag(t1.ID)
	assert.False(t, ok)
	n, err := env.store.OutboxLen(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDeleteBatch_RemovesForeignTagsRemotely(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	b, err := env.engine.CreateBatch(ctx, "B1")
	require.NoError(t, err)
	env.settle()

	// A tag scanned on another device that this one never saw.
	batchID := b.ID
	env.remote.putTag(models.Tag{ID: "foreign", Code: "Z9", ScannedAt: time.Now(), Status: models.StatusPending, BatchID: &batchID})

	require.NoError(t, env.engine.DeleteBatch(ctx, b.ID))
	env.settle()

	_, ok := env.remote.batch(b.ID)
	assert.False(t, ok)
	_, ok = env.remote.tag("foreign")
	assert.False(t, ok)
}

func TestDrain_ConcurrentCallIsSkipped(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.remote.setOffline(true)
	_, err := env.engine.CreateBatch(ctx, "B1")
	require.NoError(t, err)
	env.settle()
	env.remote.setOffline(false)

	env.remote.mu.Lock()
	env.remote.gate = make(chan struct{})
	env.remote.entered = make(chan struct{}, 1)
	env.remote.mu.Unlock()

	done := make(chan DrainReport)
	go func() {
		report, _ := env.engine.DrainPendingQueue(ctx)
		done <- report
	}()
	<-env.remote.entered

	report, err := env.engine.DrainPendingQueue(ctx)
	require.NoError(t, err)
	assert.True(t, report.Skipped)

	close(env.remote.gate)
	first := <-done
	assert.False(t, first.Skipped)
	assert.Equal(t, 1, first.Uploaded)
}

func TestLoadView_SortsAndHidesDanglingBatch(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.remote.setOffline(true)

	base := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	ghost := "ghost-batch"
	require.NoError(t, env.store.PutTag(ctx, models.Tag{ID: "t-old", Code: "A1", ScannedAt: base, Status: models.StatusPending, SyncState: models.SyncSynced}))
	require.NoError(t, env.store.PutTag(ctx, models.Tag{ID: "t-new", Code: "A2", ScannedAt: base.Add(time.Hour), Status: models.StatusPending, BatchID: &ghost, SyncState: models.SyncSynced}))
	require.NoError(t, env.store.PutBatch(ctx, models.Batch{ID: "b-old", Name: "old", CreatedAt: base, SyncState: models.SyncSynced}))
	require.NoError(t, env.store.PutBatch(ctx, models.Batch{ID: "b-new", Name: "new", CreatedAt: base.Add(time.Minute), SyncState: models.SyncSynced}))

	view, err := env.engine.LoadView(ctx)
	require.NoError(t, err)
	require.Len(t, view.Tags, 2)
	assert.Equal(t, "t-new", view.Tags[0].ID)
	assert.Nil(t, view.Tags[0].BatchID)
	require.Len(t, view.Batches, 2)
	assert.Equal(t, "b-new", view.Batches[0].ID)
}

func TestDanglingBatch_TreatedAsUnassigned(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.remote.setOffline(true)

	ghost := "ghost-batch"
	require.NoError(t, env.store.PutTag(ctx, models.Tag{ID: "t1", Code: "A1", ScannedAt: time.Now().UTC(), Status: models.StatusPending, BatchID: &ghost, SyncState: models.SyncPendingUpload, Rev: 1}))

	require.NoError(t, env.engine.SelectUnassigned(ctx))
	_, err := env.engine.RecordScan(ctx, "a1")
	assert.ErrorIs(t, err, errors.ErrDuplicate)

	env.remote.setOffline(false)
	report, err := env.engine.DrainPendingQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Uploaded)
	assert.Zero(t, report.Failed)

	local, err := env.store.GetTag(ctx, "t1")
	require.NoError(t, err)
	assert.Nil(t, local.BatchID)
	assert.Equal(t, models.SyncSynced, local.SyncState)
	uploaded, ok := env.remote.tag("t1")
	require.True(t, ok)
	assert.Nil(t, uploaded.BatchID)
}

func TestSession_PersistsAcrossRestart(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.remote.setOffline(true)

	b, err := env.engine.CreateBatch(ctx, "B1")
	require.NoError(t, err)
	env.settle()

	again := newEngine(t, env.store, env.remote)
	assert.Equal(t, b.ID, again.Session().ActiveBatchID())

	require.NoError(t, again.SelectUnassigned(ctx))
	third := newEngine(t, env.store, env.remote)
	target, ok := third.Session().Target()
	assert.True(t, ok)
	assert.Empty(t, target)

	require.NoError(t, third.ClearSelection(ctx))
	fourth := newEngine(t, env.store, env.remote)
	_, ok = fourth.Session().Target()
	assert.False(t, ok)
}

func TestSelectBatch_MustExist(t *testing.T) {
	env := newTestEnv(t)
	err := env.engine.SelectBatch(context.Background(), "nope")
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestClose_WaitsForUploads(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	require.NoError(t, env.engine.SelectUnassigned(ctx))
	tag, err := env.engine.RecordScan(ctx, "A1")
	require.NoError(t, err)
	require.NoError(t, env.engine.Close())

	local, err := env.store.GetTag(ctx, tag.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncSynced, local.SyncState)

	// Closed engines still record locally but start no uploads.
	tag2, err := env.engine.RecordScan(ctx, "A2")
	require.NoError(t, err)
	local, err = env.store.GetTag(ctx, tag2.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncPendingUpload, local.SyncState)
}

func TestRequestSync_WorkerDrainsAndRefreshes(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.remote.setOffline(true)
	require.NoError(t, env.engine.SelectUnassigned(ctx))
	tag, err := env.engine.RecordScan(ctx, "A1")
	require.NoError(t, err)
	env.settle()
	env.remote.setOffline(false)
	env.remote.putBatch(models.Batch{ID: "remote-b", Name: "From office", CreatedAt: time.Now().UTC()})

	require.NoError(t, env.engine.Start())
	env.engine.RequestSync(true)

	require.Eventually(t, func() bool {
		local, err := env.store.GetTag(ctx, tag.ID)
		if err != nil || local.SyncState != models.SyncSynced {
			return false
		}
		_, err = env.store.GetBatch(ctx, "remote-b")
		return err == nil
	}, 3*time.Second, 10*time.Millisecond)
}
