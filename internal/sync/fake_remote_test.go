package sync

import (
	"context"
	"path/filepath"
	gosync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ganadoscan/ganadoscan/internal/errors"
	"github.com/ganadoscan/ganadoscan/internal/logger"
	"github.com/ganadoscan/ganadoscan/internal/models"
	"github.com/ganadoscan/ganadoscan/internal/remote"
	"github.com/ganadoscan/ganadoscan/internal/store"
)

// fakeRemote is an in-memory record store with the same rules as the API
// server: tags need an existing batch, batches with tags cannot be deleted,
// deletes are idempotent.
type fakeRemote struct {
	mu          gosync.Mutex
	tags        map[string]models.Tag
	batches     map[string]models.Batch
	offline     bool
	listErr     error
	failDeletes map[string]bool
	calls       []string

	// gate, when set, blocks CreateBatch until closed; entered is signalled first.
	gate    chan struct{}
	entered chan struct{}
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		tags:        make(map[string]models.Tag),
		batches:     make(map[string]models.Batch),
		failDeletes: make(map[string]bool),
	}
}

func (f *fakeRemote) setOffline(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline = v
}

func (f *fakeRemote) unavailable(op string) error {
	f.calls = append(f.calls, op)
	if f.offline {
		return errors.RemoteUnavailable(context.DeadlineExceeded, op)
	}
	return nil
}

func (f *fakeRemote) CreateTag(_ context.Context, t models.Tag) (models.Tag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.unavailable("create tag " + t.Code); err != nil {
		return models.Tag{}, err
	}
	if t.BatchID != nil {
		if _, ok := f.batches[*t.BatchID]; !ok {
			return models.Tag{}, errors.Validation("batch does not exist")
		}
	}
	t.SyncState, t.Rev = "", 0
	f.tags[t.ID] = t
	return t, nil
}

func (f *fakeRemote) CreateBatch(_ context.Context, b models.Batch) (models.Batch, error) {
	f.mu.Lock()
	gate, entered := f.gate, f.entered
	f.mu.Unlock()
	if gate != nil {
		entered <- struct{}{}
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.unavailable("create batch " + b.Name); err != nil {
		return models.Batch{}, err
	}
	b.SyncState, b.Rev = "", 0
	f.batches[b.ID] = b
	return b, nil
}

func (f *fakeRemote) UpdateTag(_ context.Context, id string, fields models.TagFields) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.unavailable("update tag"); err != nil {
		return err
	}
	t, ok := f.tags[id]
	if !ok {
		return errors.NotFoundf("tag %s", id)
	}
	fields.Apply(&t)
	f.tags[id] = t
	return nil
}

func (f *fakeRemote) UpdateBatch(_ context.Context, id string, fields models.BatchFields) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.unavailable("update batch"); err != nil {
		return err
	}
	b, ok := f.batches[id]
	if !ok {
		return errors.NotFoundf("batch %s", id)
	}
	fields.Apply(&b)
	f.batches[id] = b
	return nil
}

func (f *fakeRemote) DeleteTag(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.unavailable("delete tag"); err != nil {
		return err
	}
	if f.failDeletes[id] {
		return errors.RemoteUnavailable(nil, "injected failure")
	}
	delete(f.tags, id)
	return nil
}

func (f *fakeRemote) DeleteBatch(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.unavailable("delete batch"); err != nil {
		return err
	}
	for _, t := range f.tags {
		if t.InBatch(id) {
			return errors.Conflict("batch still has tags")
		}
	}
	delete(f.batches, id)
	return nil
}

func (f *fakeRemote) ListTags(context.Context) ([]models.Tag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.unavailable("list tags"); err != nil {
		return nil, err
	}
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]models.Tag, 0, len(f.tags))
	for _, t := range f.tags {
		out = append(out, t)
	}
	return out, nil
}

func (f *fakeRemote) ListBatches(context.Context) ([]models.Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.unavailable("list batches"); err != nil {
		return nil, err
	}
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]models.Batch, 0, len(f.batches))
	for _, b := range f.batches {
		out = append(out, b)
	}
	return out, nil
}

func (f *fakeRemote) Subscribe(context.Context, func(models.Event)) (remote.Subscription, error) {
	return nil, errors.RemoteUnavailable(nil, "no feed in tests")
}

func (f *fakeRemote) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unavailable("ping")
}

func (f *fakeRemote) tag(id string) (models.Tag, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tags[id]
	return t, ok
}

func (f *fakeRemote) batch(id string) (models.Batch, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.batches[id]
	return b, ok
}

func (f *fakeRemote) putTag(t models.Tag) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tags[t.ID] = t
}

func (f *fakeRemote) putBatch(b models.Batch) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches[b.ID] = b
}

type testEnv struct {
	engine *SyncEngine
	remote *fakeRemote
	store  *store.Store
	path   string
}

func openStore(t *testing.T, path string) *store.Store {
	t.Helper()
	st, err := store.Open(path)
	require.NoError(t, err)
	return st
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.db")
	st := openStore(t, path)
	t.Cleanup(func() { _ = st.Close() })

	fr := newFakeRemote()
	env := &testEnv{remote: fr, store: st, path: path}
	env.engine = newEngine(t, st, fr)
	return env
}

func newEngine(t *testing.T, st *store.Store, rc RemoteClient) *SyncEngine {
	t.Helper()
	eng, err := NewSyncEngine(context.Background(), Options{
		Store:  st,
		Remote: rc,
		Logger: logger.Discard().Logger,
		Config: Config{RequestTimeout: 2 * time.Second},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	return eng
}

// settle waits for background uploads started so far.
func (e *testEnv) settle() {
	e.engine.uploads.Wait()
}
