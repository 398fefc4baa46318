package database

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ganadoscan/ganadoscan/internal/errors"
	"github.com/ganadoscan/ganadoscan/internal/models"
)

// Records is the server-side record store. Every accepted write appends a
// row to the change journal inside the same transaction and returns it so
// the caller can publish it on the feed.
type Records struct {
	db *gorm.DB
}

// NewRecords creates a record store over db.
func NewRecords(db *gorm.DB) *Records {
	return &Records{db: db}
}

// ListTags returns all tags, newest scan first.
func (r *Records) ListTags(ctx context.Context) ([]models.Tag, error) {
	var tags []models.Tag
	if err := r.db.WithContext(ctx).Order("scanned_at DESC, id DESC").Find(&tags).Error; err != nil {
		return nil, errors.Store(err, "list tags")
	}
	return tags, nil
}

// ListBatches returns all batches, newest first.
func (r *Records) ListBatches(ctx context.Context) ([]models.Batch, error) {
	var batches []models.Batch
	if err := r.db.WithContext(ctx).Order("created_at DESC, id DESC").Find(&batches).Error; err != nil {
		return nil, errors.Store(err, "list batches")
	}
	return batches, nil
}

// UpsertTag creates or replaces a tag. Its batch must exist.
func (r *Records) UpsertTag(ctx context.Context, t models.Tag) (models.Tag, *models.ChangeEvent, error) {
	var change *models.ChangeEvent
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if t.BatchID != nil {
			var batch models.Batch
			err := tx.Clauses(clause.Locking{Strength: "SHARE"}).First(&batch, "id = ?", *t.BatchID).Error
			if stderrors.Is(err, gorm.ErrRecordNotFound) {
				return errors.Validationf("batch %s does not exist", *t.BatchID)
			}
			if err != nil {
				return err
			}
		}

		typ, err := upsertType(tx, &models.Tag{}, t.ID)
		if err != nil {
			return err
		}
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&t).Error; err != nil {
			return err
		}
		change, err = appendChange(tx, models.CollectionTags, t.ID, typ, t)
		return err
	})
	if err != nil {
		return models.Tag{}, nil, storeError(err, "upsert tag")
	}
	return t, change, nil
}

// UpsertBatch creates or replaces a batch.
func (r *Records) UpsertBatch(ctx context.Context, b models.Batch) (models.Batch, *models.ChangeEvent, error) {
	var change *models.ChangeEvent
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		typ, err := upsertType(tx, &models.Batch{}, b.ID)
		if err != nil {
			return err
		}
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&b).Error; err != nil {
			return err
		}
		change, err = appendChange(tx, models.CollectionBatches, b.ID, typ, b)
		return err
	})
	if err != nil {
		return models.Batch{}, nil, storeError(err, "upsert batch")
	}
	return b, change, nil
}

// PatchTag applies a partial update. A missing tag is NotFound.
func (r *Records) PatchTag(ctx context.Context, id string, fields models.TagFields) (models.Tag, *models.ChangeEvent, error) {
	var (
		t      models.Tag
		change *models.ChangeEvent
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockRow(tx, &t, id); err != nil {
			return err
		}
		fields.Apply(&t)
		if err := tx.Save(&t).Error; err != nil {
			return err
		}
		var err error
		change, err = appendChange(tx, models.CollectionTags, id, models.EventUpdate, t)
		return err
	})
	if err != nil {
		return models.Tag{}, nil, storeError(err, "patch tag")
	}
	return t, change, nil
}

// PatchBatch applies a partial update. A missing batch is NotFound.
func (r *Records) PatchBatch(ctx context.Context, id string, fields models.BatchFields) (models.Batch, *models.ChangeEvent, error) {
	var (
		b      models.Batch
		change *models.ChangeEvent
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockRow(tx, &b, id); err != nil {
			return err
		}
		fields.Apply(&b)
		if err := tx.Save(&b).Error; err != nil {
			return err
		}
		var err error
		change, err = appendChange(tx, models.CollectionBatches, id, models.EventUpdate, b)
		return err
	})
	if err != nil {
		return models.Batch{}, nil, storeError(err, "patch batch")
	}
	return b, change, nil
}

// DeleteTag removes a tag. Deleting a missing tag succeeds with a nil change.
func (r *Records) DeleteTag(ctx context.Context, id string) (*models.ChangeEvent, error) {
	var change *models.ChangeEvent
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Delete(&models.Tag{}, "id = ?", id)
		if res.Error != nil || res.RowsAffected == 0 {
			return res.Error
		}
		var err error
		change, err = appendChange(tx, models.CollectionTags, id, models.EventDelete, nil)
		return err
	})
	if err != nil {
		return nil, storeError(err, "delete tag")
	}
	return change, nil
}

// DeleteBatch removes a batch. It is refused with Conflict while any tag
// still references the batch; deleting a missing batch succeeds.
func (r *Records) DeleteBatch(ctx context.Context, id string) (*models.ChangeEvent, error) {
	var change *models.ChangeEvent
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var b models.Batch
		err := lockRow(tx, &b, id)
		if errors.Is(err, errors.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		var refs int64
		if err := tx.Model(&models.Tag{}).Where("batch_id = ?", id).Count(&refs).Error; err != nil {
			return err
		}
		if refs > 0 {
			return errors.Conflict(fmt.Sprintf("batch %s still has %d tags", id, refs)).
				WithDetails(map[string]int64{"tags": refs})
		}

		if err := tx.Delete(&models.Batch{}, "id = ?", id).Error; err != nil {
			return err
		}
		change, err = appendChange(tx, models.CollectionBatches, id, models.EventDelete, nil)
		return err
	})
	if err != nil {
		return nil, storeError(err, "delete batch")
	}
	return change, nil
}

// ChangesSince returns up to limit journal rows with Seq greater than since.
func (r *Records) ChangesSince(ctx context.Context, since uint64, limit int) ([]models.ChangeEvent, error) {
	var changes []models.ChangeEvent
	err := r.db.WithContext(ctx).
		Where("seq > ?", since).
		Order("seq ASC").
		Limit(limit).
		Find(&changes).Error
	if err != nil {
		return nil, errors.Store(err, "list changes")
	}
	return changes, nil
}

func upsertType(tx *gorm.DB, model any, id string) (models.EventType, error) {
	var n int64
	if err := tx.Model(model).Where("id = ?", id).Count(&n).Error; err != nil {
		return "", err
	}
	if n > 0 {
		return models.EventUpdate, nil
	}
	return models.EventInsert, nil
}

func lockRow(tx *gorm.DB, dest any, id string) error {
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(dest, "id = ?", id).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return errors.NotFoundf("record %s not found", id)
	}
	return err
}

func appendChange(tx *gorm.DB, collection models.Collection, id string, typ models.EventType, record any) (*models.ChangeEvent, error) {
	change := &models.ChangeEvent{Collection: collection, RecordID: id, Type: typ}
	if record != nil {
		raw, err := json.Marshal(record)
		if err != nil {
			return nil, fmt.Errorf("failed to encode change: %w", err)
		}
		change.Record = datatypes.JSON(raw)
	}
	if err := tx.Create(change).Error; err != nil {
		return nil, err
	}
	return change, nil
}

// storeError keeps coded errors and wraps everything else as a store failure.
func storeError(err error, msg string) error {
	var coded *errors.Error
	if errors.As(err, &coded) {
		return coded
	}
	return errors.Store(err, msg)
}
