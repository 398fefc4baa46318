package sync

import (
	"context"
	"sort"
	"time"

	"github.com/ganadoscan/ganadoscan/internal/models"
)

// DrainPendingQueue pushes everything the record store is owed: pending
// batches, then pending tags, then queued updates, then queued deletes with
// tags ahead of batches. Running it twice in a row is harmless. A drain
// requested while another is running returns at once with Skipped set.
func (se *SyncEngine) DrainPendingQueue(ctx context.Context) (DrainReport, error) {
	if !se.draining.CompareAndSwap(false, true) {
		return DrainReport{Skipped: true}, nil
	}
	defer se.draining.Store(false)

	start := time.Now()
	var report DrainReport
	err := se.drain(ctx, &report)
	report.Duration = time.Since(start)

	se.metrics.Drains.WithLabelValues(resultLabel(err)).Inc()
	se.metrics.DrainSeconds.Observe(report.Duration.Seconds())
	se.updatePendingGauge(ctx)
	return report, err
}

func (se *SyncEngine) drain(ctx context.Context, report *DrainReport) error {
	batches, err := se.store.PendingBatches(ctx)
	if err != nil {
		return err
	}
	failedBatches := make(map[string]struct{})
	for _, b := range batches {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := se.uploadBatch(ctx, b.ID); err != nil {
			report.Failed++
			failedBatches[b.ID] = struct{}{}
			continue
		}
		report.Uploaded++
	}

	tags, err := se.store.PendingTags(ctx)
	if err != nil {
		return err
	}
	for _, t := range tags {
		if err := ctx.Err(); err != nil {
			return err
		}
		if t.BatchID != nil {
			if _, failed := failedBatches[*t.BatchID]; failed {
				report.Failed++
				continue
			}
		}
		if err := se.uploadTag(ctx, t.ID); err != nil {
			report.Failed++
			continue
		}
		report.Uploaded++
	}

	updates, err := se.store.Outbox(ctx, models.OutboxUpdate)
	if err != nil {
		return err
	}
	orderOutbox(updates, models.CollectionBatches)
	for _, e := range updates {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := se.pushUpdate(ctx, e.Collection, e.RecordID, e.Seq); err != nil {
			report.Failed++
			continue
		}
		report.Updated++
	}

	deletes, err := se.store.Outbox(ctx, models.OutboxDelete)
	if err != nil {
		return err
	}
	orderOutbox(deletes, models.CollectionTags)
	tagDeleteFailed := false
	for _, e := range deletes {
		if err := ctx.Err(); err != nil {
			return err
		}
		switch e.Collection {
		case models.CollectionTags:
			if err := se.pushDelete(ctx, e.Collection, e.RecordID, e.Seq); err != nil {
				tagDeleteFailed = true
				report.Failed++
				continue
			}
		case models.CollectionBatches:
			// A failed tag delete may belong to any queued batch.
			if tagDeleteFailed {
				report.Failed++
				continue
			}
			if err := se.cascadeDelete(ctx, e.RecordID, e.Seq, nil); err != nil {
				report.Failed++
				continue
			}
		}
		report.Deleted++
	}
	return nil
}

// orderOutbox puts entries of first ahead of the rest, keeping queue order.
func orderOutbox(entries []models.OutboxEntry, first models.Collection) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Collection == first && entries[j].Collection != first
	})
}

func (se *SyncEngine) updatePendingGauge(ctx context.Context) {
	batches, err := se.store.PendingBatches(ctx)
	if err != nil {
		return
	}
	tags, err := se.store.PendingTags(ctx)
	if err != nil {
		return
	}
	queued, err := se.store.OutboxLen(ctx)
	if err != nil {
		return
	}
	se.metrics.Pending.WithLabelValues("batches").Set(float64(len(batches)))
	se.metrics.Pending.WithLabelValues("tags").Set(float64(len(tags)))
	se.metrics.Pending.WithLabelValues("outbox").Set(float64(queued))
}
