package database

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ganadoscan/ganadoscan/internal/errors"
	"github.com/ganadoscan/ganadoscan/internal/models"
)

// openTestDB connects to the database named by TEST_DATABASE_DSN and skips
// the test when it is unset.
func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_DSN")
	if dsn == "" {
		t.Skip("TEST_DATABASE_DSN not set")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, (&DB{DB: db}).Migrate())
	t.Cleanup(func() {
		db.Exec("TRUNCATE tags, batches, change_events RESTART IDENTITY")
	})
	return db
}

func TestRecords_BatchLifecycle(t *testing.T) {
	ctx := context.Background()
	r := NewRecords(openTestDB(t))

	batch := models.Batch{ID: uuid.NewString(), Name: "Corral 1", CreatedAt: time.Now().UTC()}
	_, change, err := r.UpsertBatch(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, models.EventInsert, change.Type)

	_, change, err = r.UpsertBatch(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, models.EventUpdate, change.Type, "retried create is an upsert")

	tag := models.Tag{ID: uuid.NewString(), Code: "MX-1", ScannedAt: time.Now().UTC(), Status: models.StatusPending, BatchID: &batch.ID}
	_, _, err = r.UpsertTag(ctx, tag)
	require.NoError(t, err)

	_, err = r.DeleteBatch(ctx, batch.ID)
	assert.ErrorIs(t, err, errors.ErrConflict)

	change, err = r.DeleteTag(ctx, tag.ID)
	require.NoError(t, err)
	require.NotNil(t, change)
	change, err = r.DeleteTag(ctx, tag.ID)
	require.NoError(t, err)
	assert.Nil(t, change, "second delete is a no-op")

	_, err = r.DeleteBatch(ctx, batch.ID)
	require.NoError(t, err)

	changes, err := r.ChangesSince(ctx, 0, 100)
	require.NoError(t, err)
	assert.Len(t, changes, 5)
	for i := 1; i < len(changes); i++ {
		assert.Greater(t, changes[i].Seq, changes[i-1].Seq)
	}
}

func TestRecords_TagValidation(t *testing.T) {
	ctx := context.Background()
	r := NewRecords(openTestDB(t))

	missing := uuid.NewString()
	_, _, err := r.UpsertTag(ctx, models.Tag{ID: uuid.NewString(), Code: "X", ScannedAt: time.Now().UTC(), Status: models.StatusPending, BatchID: &missing})
	assert.ErrorIs(t, err, errors.ErrValidation)

	status := models.StatusConfirmed
	_, _, err = r.PatchTag(ctx, uuid.NewString(), models.TagFields{Status: &status})
	assert.ErrorIs(t, err, errors.ErrNotFound)
}
