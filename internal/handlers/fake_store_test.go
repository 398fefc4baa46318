package handlers

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/ganadoscan/ganadoscan/internal/errors"
	"github.com/ganadoscan/ganadoscan/internal/models"
)

// memStore is an in-memory RecordStore with the same rules as the database one.
type memStore struct {
	mu      sync.Mutex
	tags    map[string]models.Tag
	batches map[string]models.Batch
	changes []models.ChangeEvent
	failing error
}

func newMemStore() *memStore {
	return &memStore{tags: map[string]models.Tag{}, batches: map[string]models.Batch{}}
}

func (m *memStore) appendChange(col models.Collection, id string, typ models.EventType, record any) *models.ChangeEvent {
	c := models.ChangeEvent{Seq: uint64(len(m.changes) + 1), Collection: col, RecordID: id, Type: typ, CreatedAt: time.Now().UTC()}
	if record != nil {
		c.Record, _ = json.Marshal(record)
	}
	m.changes = append(m.changes, c)
	return &c
}

func (m *memStore) ListTags(context.Context) ([]models.Tag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing != nil {
		return nil, m.failing
	}
	out := make([]models.Tag, 0, len(m.tags))
	for _, t := range m.tags {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScannedAt.After(out[j].ScannedAt) })
	return out, nil
}

func (m *memStore) ListBatches(context.Context) ([]models.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Batch, 0, len(m.batches))
	for _, b := range m.batches {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *memStore) UpsertTag(_ context.Context, t models.Tag) (models.Tag, *models.ChangeEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.BatchID != nil {
		if _, ok := m.batches[*t.BatchID]; !ok {
			return models.Tag{}, nil, errors.Validationf("batch %s does not exist", *t.BatchID)
		}
	}
	typ := models.EventInsert
	if _, ok := m.tags[t.ID]; ok {
		typ = models.EventUpdate
	}
	m.tags[t.ID] = t
	return t, m.appendChange(models.CollectionTags, t.ID, typ, t), nil
}

func (m *memStore) UpsertBatch(_ context.Context, b models.Batch) (models.Batch, *models.ChangeEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	typ := models.EventInsert
	if _, ok := m.batches[b.ID]; ok {
		typ = models.EventUpdate
	}
	m.batches[b.ID] = b
	return b, m.appendChange(models.CollectionBatches, b.ID, typ, b), nil
}

func (m *memStore) PatchTag(_ context.Context, id string, f models.TagFields) (models.Tag, *models.ChangeEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tags[id]
	if !ok {
		return models.Tag{}, nil, errors.NotFoundf("record %s not found", id)
	}
	f.Apply(&t)
	m.tags[id] = t
	return t, m.appendChange(models.CollectionTags, id, models.EventUpdate, t), nil
}

func (m *memStore) PatchBatch(_ context.Context, id string, f models.BatchFields) (models.Batch, *models.ChangeEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok {
		return models.Batch{}, nil, errors.NotFoundf("record %s not found", id)
	}
	f.Apply(&b)
	m.batches[id] = b
	return b, m.appendChange(models.CollectionBatches, id, models.EventUpdate, b), nil
}

func (m *memStore) DeleteTag(_ context.Context, id string) (*models.ChangeEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tags[id]; !ok {
		return nil, nil
	}
	delete(m.tags, id)
	return m.appendChange(models.CollectionTags, id, models.EventDelete, nil), nil
}

func (m *memStore) DeleteBatch(_ context.Context, id string) (*models.ChangeEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.batches[id]; !ok {
		return nil, nil
	}
	for _, t := range m.tags {
		if t.BatchID != nil && *t.BatchID == id {
			return nil, errors.Conflict("batch still has tags")
		}
	}
	delete(m.batches, id)
	return m.appendChange(models.CollectionBatches, id, models.EventDelete, nil), nil
}

func (m *memStore) ChangesSince(_ context.Context, since uint64, limit int) ([]models.ChangeEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ChangeEvent
	for _, c := range m.changes {
		if c.Seq > since && len(out) < limit {
			out = append(out, c)
		}
	}
	return out, nil
}

// recordingBroker captures published messages.
type recordingBroker struct {
	mu   sync.Mutex
	msgs []models.FeedMessage
}

func (b *recordingBroker) Publish(_ context.Context, msg models.FeedMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, msg)
	return nil
}

func (b *recordingBroker) Close() error { return nil }

func (b *recordingBroker) published() []models.FeedMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]models.FeedMessage(nil), b.msgs...)
}
