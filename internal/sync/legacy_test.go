package sync

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ganadoscan/ganadoscan/internal/models"
)

const (
	legacyLoteID  = "5a0c7f7e-3b8d-4e4e-9a11-0d2f6c1b7e01"
	legacyAreteID = "9d4b1f2a-8c3e-4f5a-b6d7-1e2f3a4b5c6d"
)

const legacyExport = `{
  "ganadoscan_lotes_cache_v1": "[{\"id\":\"` + legacyLoteID + `\",\"nombre\":\"Corral Norte\",\"fechaCreacion\":\"2024-11-02T13:00:00.000Z\",\"cerrado\":true}]",
  "ganadoscan_aretes_cache_v1": [
    {"id":"` + legacyAreteID + `","codigo":"MX-01","fechaEscaneo":"2024-11-02T13:05:00.000Z","estado":"ALTA_CONFIRMADA","loteId":"` + legacyLoteID + `","sincronizado":true}
  ],
  "ganadoscan_offline_queue_v1": [
    {"id":"` + legacyAreteID + `","codigo":"MX-01","fechaEscaneo":"2024-11-02T13:05:00.000Z","estado":"BAJA","notas":"vendida","loteId":"` + legacyLoteID + `"}
  ],
  "ganadoscan_aretes_v1": [
    {"id":"old-1","codigo":"OLD-7","fechaEscaneo":"2023-01-01T08:00:00Z","estado":"PENDIENTE"},
    {"id":"broken","codigo":"","fechaEscaneo":"yesterday","estado":"PENDIENTE"}
  ]
}`

func TestImportLegacy(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	report, err := env.engine.ImportLegacy(ctx, strings.NewReader(legacyExport))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Batches)
	assert.Equal(t, 2, report.Tags)
	assert.Equal(t, 1, report.Skipped)

	b, err := env.store.GetBatch(ctx, legacyLoteID)
	require.NoError(t, err)
	assert.Equal(t, "Corral Norte", b.Name)
	assert.True(t, b.Closed)
	assert.Equal(t, models.SyncSynced, b.SyncState)

	tag, err := env.store.GetTag(ctx, legacyAreteID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusWithdrawn, tag.Status, "queued copy wins")
	assert.Equal(t, models.SyncPendingUpload, tag.SyncState)
	require.NotNil(t, tag.Notes)
	assert.Equal(t, "vendida", *tag.Notes)

	old, err := env.store.GetTag(ctx, legacyID("old-1"))
	require.NoError(t, err)
	assert.Equal(t, "OLD-7", old.Code)
	assert.Nil(t, old.BatchID)

	again, err := env.engine.ImportLegacy(ctx, strings.NewReader(legacyExport))
	require.NoError(t, err)
	assert.True(t, again.AlreadyImported)
}

func TestImportLegacy_RejectsNonObject(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.engine.ImportLegacy(context.Background(), strings.NewReader(`[1,2]`))
	assert.Error(t, err)
}
