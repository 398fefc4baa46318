package sync

import (
	gosync "sync"

	"github.com/ganadoscan/ganadoscan/internal/models"
)

// keyedMutex serializes remote work per record so a create, its edits and
// its delete never overlap on the wire.
type keyedMutex struct {
	mu    gosync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   gosync.Mutex
	refs int
}

func recordKey(collection models.Collection, id string) string {
	return string(collection) + "/" + id
}

// Lock acquires the lock for key and returns its release function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedEntry)
	}
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
