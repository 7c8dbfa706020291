package ledger

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyedMutexCollapsesDuplicates(t *testing.T) {
	k := newKeyedMutex()

	unlock := k.LockAll("acct-b", "acct-a", "acct-a")
	k.mu.Lock()
	assert.Len(t, k.locks, 2)
	k.mu.Unlock()
	unlock()
}

func TestKeyedMutexEvictsIdleEntries(t *testing.T) {
	k := newKeyedMutex()

	unlock := k.LockAll("acct-a", "acct-b")
	unlock()

	// no holders left, so the map must not retain per-account entries
	k.mu.Lock()
	assert.Empty(t, k.locks)
	k.mu.Unlock()
}

func TestKeyedMutexSerializesContendedKeys(t *testing.T) {
	k := newKeyedMutex()
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.LockAll("acct-a", "acct-b")
			counter++
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, counter)
	k.mu.Lock()
	assert.Empty(t, k.locks)
	k.mu.Unlock()
}
