package sync

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ganadoscan/ganadoscan/internal/errors"
	"github.com/ganadoscan/ganadoscan/internal/models"
	"github.com/ganadoscan/ganadoscan/internal/store"
)

const maxCodeLength = 128

// Options configures a SyncEngine.
type Options struct {
	Store   *store.Store
	Remote  RemoteClient
	Logger  *slog.Logger
	Metrics *Metrics
	Config  Config

	// Now and NewID are replaceable for tests.
	Now   func() time.Time
	NewID func() string
}

// SyncEngine owns the local store and keeps it converging with the record
// store. Local operations commit to disk and return before any network I/O;
// uploads, updates and deletes run in the background and are retried by
// DrainPendingQueue.
type SyncEngine struct {
	// mu makes the engine the single writer of the local store.
	mu gosync.Mutex

	store    *store.Store
	remote   RemoteClient
	session  *Session
	resolver *ConflictResolver
	metrics  *Metrics
	log      *slog.Logger
	config   Config
	now      func() time.Time
	newID    func() string

	locks    keyedMutex
	uploads  gosync.WaitGroup
	draining atomic.Bool
	// syncGen changes whenever a record's remote state is confirmed, so a
	// snapshot listed before the change is not applied over it.
	syncGen atomic.Uint64

	bgCtx    context.Context
	bgCancel context.CancelFunc

	// State
	isRunning   bool
	closed      bool
	wantRefresh atomic.Bool

	// Channels
	stopChan chan struct{}
	syncChan chan struct{}
	workerWG gosync.WaitGroup
}

// NewSyncEngine creates an engine over an opened store and restores the
// persisted session.
func NewSyncEngine(ctx context.Context, opts Options) (*SyncEngine, error) {
	if opts.Store == nil || opts.Remote == nil {
		return nil, errors.Validation("sync engine needs a store and a remote client")
	}
	session, err := LoadSession(ctx, opts.Store)
	if err != nil {
		return nil, err
	}

	cfg := opts.Config
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultConfig().RequestTimeout
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}

	bgCtx, cancel := context.WithCancel(context.Background())
	return &SyncEngine{
		store:    opts.Store,
		remote:   opts.Remote,
		session:  session,
		resolver: NewConflictResolver(),
		metrics:  metrics,
		log:      log.With("component", "sync"),
		config:   cfg,
		now:      now,
		newID:    newID,
		bgCtx:    bgCtx,
		bgCancel: cancel,
		stopChan: make(chan struct{}),
		syncChan: make(chan struct{}, 1),
	}, nil
}

// Session returns the operator's current selection.
func (se *SyncEngine) Session() *Session {
	return se.session
}

// Start runs the sync worker that serves RequestSync and, when configured,
// the periodic retry of the pending queue.
func (se *SyncEngine) Start() error {
	se.mu.Lock()
	defer se.mu.Unlock()

	if se.closed {
		return errors.Conflict("sync engine closed")
	}
	if se.isRunning {
		return errors.Conflict("sync engine already running")
	}
	se.isRunning = true

	se.workerWG.Add(1)
	go se.syncWorker()
	se.log.Info("sync engine started", "retry_interval", se.config.RetryInterval)
	return nil
}

// RequestSync asks the worker to drain the pending queue and, if refresh is
// set, to reload the remote snapshot afterwards. Requests made while one is
// waiting are merged.
func (se *SyncEngine) RequestSync(refresh bool) {
	if refresh {
		se.wantRefresh.Store(true)
	}
	select {
	case se.syncChan <- struct{}{}:
	default:
	}
}

func (se *SyncEngine) syncWorker() {
	defer se.workerWG.Done()

	var tick <-chan time.Time
	if se.config.RetryInterval > 0 {
		ticker := time.NewTicker(se.config.RetryInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-se.syncChan:
			se.runSync(se.wantRefresh.Swap(false))
		case <-tick:
			se.runSync(false)
		case <-se.stopChan:
			return
		}
	}
}

func (se *SyncEngine) runSync(refresh bool) {
	ctx := se.bgCtx
	report, err := se.DrainPendingQueue(ctx)
	if err != nil {
		se.log.Warn("drain failed", "error", err)
	} else if !report.Skipped && (report.Uploaded+report.Updated+report.Deleted+report.Failed) > 0 {
		se.log.Info("drain finished",
			"uploaded", report.Uploaded, "updated", report.Updated,
			"deleted", report.Deleted, "failed", report.Failed,
			"duration", report.Duration)
	}
	if !refresh {
		return
	}
	snap, err := se.RefreshSnapshot(ctx)
	if err != nil {
		se.log.Warn("snapshot refresh failed, keeping cached records", "error", err)
		return
	}
	se.log.Info("snapshot refreshed", "applied", snap.Applied, "ignored", snap.Ignored, "pruned", snap.Pruned)
}

// Close stops the worker and waits for background uploads to finish. The
// store is left open for the caller to close.
func (se *SyncEngine) Close() error {
	se.mu.Lock()
	if se.closed {
		se.mu.Unlock()
		return nil
	}
	se.closed = true
	running := se.isRunning
	se.isRunning = false
	se.mu.Unlock()

	if running {
		close(se.stopChan)
		se.workerWG.Wait()
	}
	se.uploads.Wait()
	se.bgCancel()
	return nil
}

// spawn runs remote follow-ups in the background. Callers hold se.mu.
func (se *SyncEngine) spawn(tasks ...func(context.Context)) {
	if se.closed {
		return
	}
	for _, task := range tasks {
		if task == nil {
			continue
		}
		se.uploads.Add(1)
		go func(task func(context.Context)) {
			defer se.uploads.Done()
			task(se.bgCtx)
		}(task)
	}
}

// LoadView returns every local record merged with pending changes: tags
// newest scan first, batches newest first. A tag whose batch is not known
// locally is shown as unassigned.
func (se *SyncEngine) LoadView(ctx context.Context) (View, error) {
	se.mu.Lock()
	defer se.mu.Unlock()

	batches, err := se.store.AllBatches(ctx)
	if err != nil {
		return View{}, err
	}
	tags, err := se.store.AllTags(ctx)
	if err != nil {
		return View{}, err
	}
	queued, err := se.store.OutboxLen(ctx)
	if err != nil {
		return View{}, err
	}

	known := make(map[string]struct{}, len(batches))
	for _, b := range batches {
		known[b.ID] = struct{}{}
	}
	for i := range tags {
		if tags[i].BatchID == nil {
			continue
		}
		if _, ok := known[*tags[i].BatchID]; !ok {
			tags[i].BatchID = nil
		}
	}
	sortTags(tags)
	sortBatches(batches)

	return View{
		Tags:          tags,
		Batches:       batches,
		ActiveBatchID: se.session.ActiveBatchID(),
		Unassigned:    se.session.Unassigned(),
		Queued:        queued,
	}, nil
}

func sortTags(tags []models.Tag) {
	sort.SliceStable(tags, func(i, j int) bool {
		if !tags[i].ScannedAt.Equal(tags[j].ScannedAt) {
			return tags[i].ScannedAt.After(tags[j].ScannedAt)
		}
		return tags[i].ID > tags[j].ID
	})
}

func sortBatches(batches []models.Batch) {
	sort.SliceStable(batches, func(i, j int) bool {
		if !batches[i].CreatedAt.Equal(batches[j].CreatedAt) {
			return batches[i].CreatedAt.After(batches[j].CreatedAt)
		}
		return batches[i].ID > batches[j].ID
	})
}

// RecordScan records a tag into the current selection.
func (se *SyncEngine) RecordScan(ctx context.Context, code string) (models.Tag, error) {
	target, ok := se.session.Target()
	if !ok {
		se.metrics.Scans.WithLabelValues("rejected").Inc()
		return models.Tag{}, errors.ErrNoActiveBatch
	}
	return se.RecordScanInto(ctx, code, target)
}

// RecordScanInto records a tag into batchID, or into the unassigned scope
// when batchID is empty. Nothing is written when it fails.
func (se *SyncEngine) RecordScanInto(ctx context.Context, code, batchID string) (models.Tag, error) {
	se.mu.Lock()
	defer se.mu.Unlock()

	tag, err := se.recordScan(ctx, code, batchID)
	if err != nil {
		se.metrics.Scans.WithLabelValues("rejected").Inc()
		return models.Tag{}, err
	}
	se.metrics.Scans.WithLabelValues("ok").Inc()
	id := tag.ID
	se.spawn(func(ctx context.Context) { _ = se.uploadTag(ctx, id) })
	return tag, nil
}

func (se *SyncEngine) recordScan(ctx context.Context, code, batchID string) (models.Tag, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return models.Tag{}, errors.Validation("tag code is required")
	}
	if len(code) > maxCodeLength {
		return models.Tag{}, errors.Validationf("tag code longer than %d characters", maxCodeLength)
	}

	if batchID != "" {
		b, err := se.store.GetBatch(ctx, batchID)
		if errors.Is(err, errors.ErrNotFound) {
			return models.Tag{}, errors.Wrapf(err, errors.CodeNoActiveBatch, "batch %s does not exist", batchID)
		}
		if err != nil {
			return models.Tag{}, err
		}
		if b.Closed {
			return models.Tag{}, errors.Wrapf(errors.ErrBatchClosed, errors.CodeBatchClosed, "batch %q is closed", b.Name)
		}
	}

	var existing []models.Tag
	var err error
	if batchID == "" {
		existing, err = se.store.UnassignedTags(ctx)
	} else {
		existing, err = se.store.TagsByBatch(ctx, batchID)
	}
	if err != nil {
		return models.Tag{}, err
	}
	norm := models.NormalizeCode(code)
	for _, t := range existing {
		if models.NormalizeCode(t.Code) == norm {
			return models.Tag{}, errors.Wrapf(errors.ErrDuplicate, errors.CodeDuplicate, "tag %s already scanned", code)
		}
	}

	tag := models.Tag{
		ID:        se.newID(),
		Code:      code,
		ScannedAt: se.now().UTC().Truncate(time.Microsecond),
		Status:    models.StatusPending,
		SyncState: models.SyncPendingUpload,
		Rev:       1,
	}
	if batchID != "" {
		b := batchID
		tag.BatchID = &b
	}
	if err := se.store.PutTag(ctx, tag); err != nil {
		return models.Tag{}, err
	}
	se.log.Debug("scan recorded", "tag_id", tag.ID, "code", tag.Code, "batch_id", batchID)
	return tag, nil
}

// UpdateStatus changes a tag's registration status.
func (se *SyncEngine) UpdateStatus(ctx context.Context, id string, status models.TagStatus) (models.Tag, error) {
	if !status.Valid() {
		return models.Tag{}, errors.Validationf("invalid status %q", status)
	}
	return se.editTag(ctx, id, models.TagFields{Status: &status})
}

// UpdateNotes replaces a tag's notes; empty notes clear them.
func (se *SyncEngine) UpdateNotes(ctx context.Context, id, notes string) (models.Tag, error) {
	notes = strings.TrimSpace(notes)
	if len(notes) > 2000 {
		return models.Tag{}, errors.Validation("notes longer than 2000 characters")
	}
	return se.editTag(ctx, id, models.TagFields{Notes: &notes})
}

func (se *SyncEngine) editTag(ctx context.Context, id string, fields models.TagFields) (models.Tag, error) {
	se.mu.Lock()
	defer se.mu.Unlock()

	t, err := se.store.GetTag(ctx, id)
	if err != nil {
		return models.Tag{}, err
	}
	fields.Apply(&t)

	var followUp func(context.Context)
	err = se.store.InTx(ctx, func(tx *store.Tx) error {
		var err error
		followUp, err = se.stageTag(ctx, tx, &t)
		return err
	})
	if err != nil {
		return models.Tag{}, err
	}
	se.spawn(followUp)
	return t, nil
}

// stageTag writes an edited tag and queues what the record store is owed:
// the full record if it was never uploaded, otherwise an outbox update.
func (se *SyncEngine) stageTag(ctx context.Context, tx *store.Tx, t *models.Tag) (func(context.Context), error) {
	t.Rev++
	if err := tx.PutTag(ctx, *t); err != nil {
		return nil, err
	}
	id := t.ID
	if t.SyncState == models.SyncPendingUpload {
		return func(ctx context.Context) { _ = se.uploadTag(ctx, id) }, nil
	}
	seq, err := tx.Enqueue(ctx, models.CollectionTags, id, models.OutboxUpdate)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) { _ = se.pushUpdate(ctx, models.CollectionTags, id, seq) }, nil
}

func (se *SyncEngine) stageBatch(ctx context.Context, tx *store.Tx, b *models.Batch) (func(context.Context), error) {
	b.Rev++
	if err := tx.PutBatch(ctx, *b); err != nil {
		return nil, err
	}
	id := b.ID
	if b.SyncState == models.SyncPendingUpload {
		return func(ctx context.Context) { _ = se.uploadBatch(ctx, id) }, nil
	}
	seq, err := tx.Enqueue(ctx, models.CollectionBatches, id, models.OutboxUpdate)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) { _ = se.pushUpdate(ctx, models.CollectionBatches, id, seq) }, nil
}

// DeleteTag removes a tag locally and queues its remote delete.
func (se *SyncEngine) DeleteTag(ctx context.Context, id string) error {
	se.mu.Lock()
	defer se.mu.Unlock()

	var seq int64
	err := se.store.InTx(ctx, func(tx *store.Tx) error {
		var err error
		if seq, err = queueTagDelete(ctx, tx, id); err != nil {
			return err
		}
		return tx.DeleteTag(ctx, id)
	})
	if err != nil {
		return err
	}
	se.spawn(func(ctx context.Context) { _ = se.pushDelete(ctx, models.CollectionTags, id, seq) })
	return nil
}

func queueTagDelete(ctx context.Context, tx *store.Tx, id string) (int64, error) {
	if err := tx.Dequeue(ctx, models.CollectionTags, id, models.OutboxUpdate); err != nil {
		return 0, err
	}
	return tx.Enqueue(ctx, models.CollectionTags, id, models.OutboxDelete)
}

// queuedDelete is an outbox delete issued by a local operation.
type queuedDelete struct {
	id  string
	seq int64
}

// DeleteBatch removes a batch and its tags locally, then deletes the tags
// and finally the batch remotely. The local delete is never rolled back; a
// failed remote cascade stays queued for the next drain.
func (se *SyncEngine) DeleteBatch(ctx context.Context, id string) error {
	se.mu.Lock()
	defer se.mu.Unlock()

	var (
		tags     []queuedDelete
		batchSeq int64
		cleared  bool
	)
	err := se.store.InTx(ctx, func(tx *store.Tx) error {
		removed, err := tx.DeleteBatch(ctx, id)
		if err != nil {
			return err
		}
		tags = make([]queuedDelete, 0, len(removed))
		for _, tagID := range removed {
			seq, err := queueTagDelete(ctx, tx, tagID)
			if err != nil {
				return err
			}
			tags = append(tags, queuedDelete{id: tagID, seq: seq})
		}
		if err := tx.Dequeue(ctx, models.CollectionBatches, id, models.OutboxUpdate); err != nil {
			return err
		}
		if batchSeq, err = tx.Enqueue(ctx, models.CollectionBatches, id, models.OutboxDelete); err != nil {
			return err
		}
		if se.session.ActiveBatchID() == id {
			cleared = true
			return tx.DeleteMeta(ctx, store.MetaActiveBatch)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if cleared {
		se.session.set("", false)
	}
	se.log.Info("batch deleted locally", "batch_id", id, "tags", len(tags))
	se.spawn(func(ctx context.Context) { _ = se.cascadeDelete(ctx, id, batchSeq, tags) })
	return nil
}

// CreateBatch creates a batch, closes every other open batch and selects the
// new one. An empty name gets a dated default.
func (se *SyncEngine) CreateBatch(ctx context.Context, name string) (models.Batch, error) {
	se.mu.Lock()
	defer se.mu.Unlock()

	now := se.now()
	name = strings.TrimSpace(name)
	if name == "" {
		name = SuggestBatchName(now)
	}
	if len(name) > 255 {
		return models.Batch{}, errors.Validation("batch name longer than 255 characters")
	}

	b := models.Batch{
		ID:        se.newID(),
		Name:      name,
		CreatedAt: now.UTC().Truncate(time.Microsecond),
		SyncState: models.SyncPendingUpload,
	}

	open, err := se.store.OpenBatches(ctx)
	if err != nil {
		return models.Batch{}, err
	}

	var followUps []func(context.Context)
	err = se.store.InTx(ctx, func(tx *store.Tx) error {
		for i := range open {
			open[i].Closed = true
			f, err := se.stageBatch(ctx, tx, &open[i])
			if err != nil {
				return err
			}
			followUps = append(followUps, f)
		}
		f, err := se.stageBatch(ctx, tx, &b)
		if err != nil {
			return err
		}
		followUps = append(followUps, f)
		return tx.SetMeta(ctx, store.MetaActiveBatch, sessionBatchPrefix+b.ID)
	})
	if err != nil {
		return models.Batch{}, err
	}
	se.session.set(b.ID, false)
	se.log.Info("batch created", "batch_id", b.ID, "name", b.Name, "closed_others", len(open))
	se.spawn(followUps...)
	return b, nil
}

// CloseBatch stops further scans into the batch.
func (se *SyncEngine) CloseBatch(ctx context.Context, id string) (models.Batch, error) {
	return se.setClosed(ctx, id, true)
}

// ReopenBatch allows scans into the batch again.
func (se *SyncEngine) ReopenBatch(ctx context.Context, id string) (models.Batch, error) {
	return se.setClosed(ctx, id, false)
}

func (se *SyncEngine) setClosed(ctx context.Context, id string, closed bool) (models.Batch, error) {
	se.mu.Lock()
	defer se.mu.Unlock()

	b, err := se.store.GetBatch(ctx, id)
	if err != nil {
		return models.Batch{}, err
	}
	if b.Closed == closed {
		return b, nil
	}
	b.Closed = closed

	var followUp func(context.Context)
	err = se.store.InTx(ctx, func(tx *store.Tx) error {
		var err error
		followUp, err = se.stageBatch(ctx, tx, &b)
		return err
	})
	if err != nil {
		return models.Batch{}, err
	}
	se.spawn(followUp)
	return b, nil
}

// SelectBatch makes an existing batch the scan target.
func (se *SyncEngine) SelectBatch(ctx context.Context, id string) error {
	se.mu.Lock()
	defer se.mu.Unlock()

	if _, err := se.store.GetBatch(ctx, id); err != nil {
		return err
	}
	return se.setSelection(ctx, id, false)
}

// SelectUnassigned makes the unassigned scope the scan target.
func (se *SyncEngine) SelectUnassigned(ctx context.Context) error {
	se.mu.Lock()
	defer se.mu.Unlock()
	return se.setSelection(ctx, "", true)
}

// ClearSelection leaves no scan target.
func (se *SyncEngine) ClearSelection(ctx context.Context) error {
	se.mu.Lock()
	defer se.mu.Unlock()
	return se.setSelection(ctx, "", false)
}

func (se *SyncEngine) setSelection(ctx context.Context, batchID string, unassigned bool) error {
	next := &Session{batchID: batchID, unassigned: unassigned}
	if err := next.persist(ctx, se.store); err != nil {
		return err
	}
	se.session.set(batchID, unassigned)
	return nil
}
