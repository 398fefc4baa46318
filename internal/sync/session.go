package sync

import (
	"context"
	"strings"
	gosync "sync"

	"github.com/ganadoscan/ganadoscan/internal/store"
)

const (
	sessionUnassigned  = "unassigned"
	sessionBatchPrefix = "batch:"
)

// Session is the operator's current scan context: a selected batch, the
// unassigned scope, or nothing. It is persisted in the store's meta table so
// the selection survives restarts.
type Session struct {
	mu         gosync.RWMutex
	batchID    string
	unassigned bool
}

// LoadSession restores the persisted selection.
func LoadSession(ctx context.Context, st *store.Store) (*Session, error) {
	v, ok, err := st.GetMeta(ctx, store.MetaActiveBatch)
	if err != nil {
		return nil, err
	}
	s := &Session{}
	if !ok {
		return s, nil
	}
	switch {
	case v == sessionUnassigned:
		s.unassigned = true
	case strings.HasPrefix(v, sessionBatchPrefix):
		s.batchID = strings.TrimPrefix(v, sessionBatchPrefix)
	}
	return s, nil
}

// Target returns where a scan would go. ok is false when nothing is selected;
// an empty batchID with ok true means the unassigned scope.
func (s *Session) Target() (batchID string, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.unassigned {
		return "", true
	}
	return s.batchID, s.batchID != ""
}

// ActiveBatchID returns the selected batch, or "".
func (s *Session) ActiveBatchID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.batchID
}

// Unassigned reports whether the unassigned scope is selected.
func (s *Session) Unassigned() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.unassigned
}

func (s *Session) set(batchID string, unassigned bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batchID = batchID
	s.unassigned = unassigned
}

// metaValue is the persisted form; ok is false when the key should be removed.
func (s *Session) metaValue() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch {
	case s.unassigned:
		return sessionUnassigned, true
	case s.batchID != "":
		return sessionBatchPrefix + s.batchID, true
	}
	return "", false
}

// metaWriter is the subset of store operations needed to persist a session.
type metaWriter interface {
	SetMeta(ctx context.Context, key, value string) error
	DeleteMeta(ctx context.Context, key string) error
}

func (s *Session) persist(ctx context.Context, w metaWriter) error {
	if v, ok := s.metaValue(); ok {
		return w.SetMeta(ctx, store.MetaActiveBatch, v)
	}
	return w.DeleteMeta(ctx, store.MetaActiveBatch)
}
