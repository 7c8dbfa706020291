package ledger

import (
	"sort"
	"sync"
)

// keyedMutex serializes work per account id within the process. LockAll
// acquires in sorted id order so two postings touching the same pair of
// accounts cannot deadlock. Entries are refcounted and evicted once the
// last holder unlocks, so the map does not grow with the account space.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: map[string]*lockEntry{}}
}

func (k *keyedMutex) acquire(key string) *lockEntry {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.locks[key]
	if !ok {
		e = &lockEntry{}
		k.locks[key] = e
	}
	e.refs++
	return e
}

func (k *keyedMutex) release(key string, e *lockEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
}

// LockAll locks the given keys in sorted order and returns the unlock
// function. Duplicate keys are collapsed.
func (k *keyedMutex) LockAll(keys ...string) func() {
	uniq := make([]string, 0, len(keys))
	seen := map[string]bool{}
	for _, key := range keys {
		if !seen[key] {
			seen[key] = true
			uniq = append(uniq, key)
		}
	}
	sort.Strings(uniq)

	held := make([]*lockEntry, 0, len(uniq))
	for _, key := range uniq {
		e := k.acquire(key)
		e.mu.Lock()
		held = append(held, e)
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].mu.Unlock()
			k.release(uniq[i], held[i])
		}
	}
}
