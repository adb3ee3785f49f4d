package partition

import "sync"

// KeyLocks hands out one mutex per key. Holders of different keys never
// contend; holders of the same key are serialized.
type KeyLocks struct {
	mu    sync.RWMutex
	locks map[string]*sync.Mutex
}

// NewKeyLocks creates an empty lock table.
func NewKeyLocks() *KeyLocks {
	return &KeyLocks{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the lock for key and returns its release function.
func (k *KeyLocks) Lock(key string) func() {
	l := k.get(key)
	l.Lock()
	return l.Unlock
}

// get returns the lock for a key, creating one if needed.
func (k *KeyLocks) get(key string) *sync.Mutex {
	// Try read lock first for existing key
	k.mu.RLock()
	if lock, exists := k.locks[key]; exists {
		k.mu.RUnlock()
		return lock
	}
	k.mu.RUnlock()

	k.mu.Lock()
	defer k.mu.Unlock()

	// Double-check after acquiring write lock
	if lock, exists := k.locks[key]; exists {
		return lock
	}

	lock := &sync.Mutex{}
	k.locks[key] = lock
	return lock
}

// Len returns the number of keys that have been locked at least once.
func (k *KeyLocks) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.locks)
}
