package sync

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ganadoscan/ganadoscan/internal/errors"
	"github.com/ganadoscan/ganadoscan/internal/models"
	"github.com/ganadoscan/ganadoscan/internal/store"
)

// Keys of the previous app's browser storage, as exported to JSON.
const (
	legacyBatchCache = "ganadoscan_lotes_cache_v1"
	legacyBatchQueue = "ganadoscan_offline_lotes_queue_v1"
	legacyTagsOld    = "ganadoscan_aretes_v1"
	legacyTagCache   = "ganadoscan_aretes_cache_v1"
	legacyTagQueue   = "ganadoscan_offline_queue_v1"
)

// legacyIDSpace derives stable ids for legacy records whose id is not a UUID.
var legacyIDSpace = uuid.MustParse("6f1c3a52-7d0e-4b8e-9a47-2c5d8e1f0b93")

type legacyTag struct {
	ID           string  `json:"id"`
	Codigo       string  `json:"codigo"`
	FechaEscaneo string  `json:"fechaEscaneo"`
	Estado       string  `json:"estado"`
	Notas        *string `json:"notas"`
	LoteID       *string `json:"loteId"`
}

type legacyBatch struct {
	ID            string `json:"id"`
	Nombre        string `json:"nombre"`
	FechaCreacion string `json:"fechaCreacion"`
	Cerrado       bool   `json:"cerrado"`
}

var legacyStatuses = map[string]models.TagStatus{
	"PENDIENTE":       models.StatusPending,
	"ALTA_CONFIRMADA": models.StatusConfirmed,
	"NO_REGISTRADO":   models.StatusUnregistered,
	"BAJA":            models.StatusWithdrawn,
}

// LegacyReport summarizes a legacy import.
type LegacyReport struct {
	AlreadyImported bool
	Batches         int
	Tags            int
	Skipped         int
}

// ImportLegacy loads records exported from the previous app's browser
// storage: a JSON object keyed by storage key, each value an array or a
// JSON-encoded array. Cached records arrive SYNCED, queued and very old
// records arrive PENDING_UPLOAD, and a queued copy wins over a cached one.
// Records already in the store are left untouched. The import runs once.
func (se *SyncEngine) ImportLegacy(ctx context.Context, r io.Reader) (LegacyReport, error) {
	var raw map[string]json.RawMessage
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return LegacyReport{}, errors.Wrap(err, errors.CodeValidation, "legacy export is not a JSON object")
	}

	var report LegacyReport
	batches := make(map[string]models.Batch)
	var batchOrder []string
	for _, src := range []struct {
		key   string
		state models.SyncState
	}{
		{legacyBatchCache, models.SyncSynced},
		{legacyBatchQueue, models.SyncPendingUpload},
	} {
		var items []legacyBatch
		if err := decodeLegacyValue(raw[src.key], &items); err != nil {
			return LegacyReport{}, errors.Wrapf(err, errors.CodeValidation, "legacy key %s", src.key)
		}
		for _, item := range items {
			b, ok := item.toBatch(src.state)
			if !ok {
				report.Skipped++
				continue
			}
			if _, seen := batches[b.ID]; !seen {
				batchOrder = append(batchOrder, b.ID)
			}
			batches[b.ID] = b
		}
	}

	tags := make(map[string]models.Tag)
	var tagOrder []string
	for _, src := range []struct {
		key   string
		state models.SyncState
	}{
		{legacyTagsOld, models.SyncPendingUpload},
		{legacyTagCache, models.SyncSynced},
		{legacyTagQueue, models.SyncPendingUpload},
	} {
		var items []legacyTag
		if err := decodeLegacyValue(raw[src.key], &items); err != nil {
			return LegacyReport{}, errors.Wrapf(err, errors.CodeValidation, "legacy key %s", src.key)
		}
		for _, item := range items {
			t, ok := item.toTag(src.state)
			if !ok {
				report.Skipped++
				continue
			}
			if _, seen := tags[t.ID]; !seen {
				tagOrder = append(tagOrder, t.ID)
			}
			tags[t.ID] = t
		}
	}

	se.mu.Lock()
	defer se.mu.Unlock()

	err := se.store.InTx(ctx, func(tx *store.Tx) error {
		if _, done, err := tx.GetMeta(ctx, store.MetaLegacyImported); err != nil {
			return err
		} else if done {
			report = LegacyReport{AlreadyImported: true}
			return nil
		}

		for _, id := range batchOrder {
			if _, err := tx.GetBatch(ctx, id); err == nil {
				report.Skipped++
				continue
			} else if !errors.Is(err, errors.ErrNotFound) {
				return err
			}
			if err := tx.PutBatch(ctx, batches[id]); err != nil {
				return err
			}
			report.Batches++
		}
		for _, id := range tagOrder {
			if _, err := tx.GetTag(ctx, id); err == nil {
				report.Skipped++
				continue
			} else if !errors.Is(err, errors.ErrNotFound) {
				return err
			}
			if err := tx.PutTag(ctx, tags[id]); err != nil {
				return err
			}
			report.Tags++
		}
		return tx.SetMeta(ctx, store.MetaLegacyImported, se.now().UTC().Format(time.RFC3339))
	})
	if err != nil {
		return LegacyReport{}, err
	}
	if !report.AlreadyImported {
		se.log.Info("legacy records imported", "batches", report.Batches, "tags", report.Tags, "skipped", report.Skipped)
	}
	return report, nil
}

// decodeLegacyValue accepts an array or a string holding an array, as
// browser storage keeps everything as strings.
func decodeLegacyValue(raw json.RawMessage, out any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return err
		}
		if strings.TrimSpace(s) == "" {
			return nil
		}
		raw = json.RawMessage(s)
	}
	return json.Unmarshal(raw, out)
}

func legacyID(id string) string {
	id = strings.TrimSpace(id)
	if u, err := uuid.Parse(id); err == nil {
		return u.String()
	}
	return uuid.NewSHA1(legacyIDSpace, []byte(id)).String()
}

func parseLegacyTime(s string) (time.Time, bool) {
	t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC().Truncate(time.Microsecond), true
}

func (l legacyBatch) toBatch(state models.SyncState) (models.Batch, bool) {
	created, ok := parseLegacyTime(l.FechaCreacion)
	if strings.TrimSpace(l.ID) == "" || !ok {
		return models.Batch{}, false
	}
	name := strings.TrimSpace(l.Nombre)
	if name == "" {
		name = SuggestBatchName(created.Local())
	}
	return models.Batch{
		ID:        legacyID(l.ID),
		Name:      name,
		CreatedAt: created,
		Closed:    l.Cerrado,
		SyncState: state,
		Rev:       1,
	}, true
}

func (l legacyTag) toTag(state models.SyncState) (models.Tag, bool) {
	scanned, ok := parseLegacyTime(l.FechaEscaneo)
	code := strings.TrimSpace(l.Codigo)
	if strings.TrimSpace(l.ID) == "" || code == "" || !ok {
		return models.Tag{}, false
	}
	status, known := legacyStatuses[strings.ToUpper(strings.TrimSpace(l.Estado))]
	if !known {
		status = models.StatusPending
	}
	t := models.Tag{
		ID:        legacyID(l.ID),
		Code:      code,
		ScannedAt: scanned,
		Status:    status,
		SyncState: state,
		Rev:       1,
	}
	if l.Notas != nil && strings.TrimSpace(*l.Notas) != "" {
		notes := strings.TrimSpace(*l.Notas)
		t.Notes = &notes
	}
	if l.LoteID != nil && strings.TrimSpace(*l.LoteID) != "" {
		batchID := legacyID(*l.LoteID)
		t.BatchID = &batchID
	}
	return t, true
}
