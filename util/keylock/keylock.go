package keylock

import (
	"sync"
)

// entry is a per-key lock with reference counting so idle locks are removed.
type entry struct {
	mu       sync.RWMutex
	refCount int
}

// KeyLock manages per-key read/write locks with automatic cleanup.
//
// Shard components coordinate on individual entity ids (a trading pair, an
// agent id, a transaction id) without a global lock. Each key gets its own
// RWMutex created on demand and dropped once no goroutine holds it, so a shard
// with thousands of resting orders does not accumulate dead mutexes.
//
//	kl := keylock.New()
//	unlock := kl.Lock("SOL/USDC")
//	defer unlock()
type KeyLock struct {
	mu    sync.Mutex
	locks map[string]*entry
}

// New creates an empty KeyLock manager.
func New() *KeyLock {
	return &KeyLock{locks: make(map[string]*entry)}
}

func (kl *KeyLock) acquire(key string) *entry {
	kl.mu.Lock()
	e, ok := kl.locks[key]
	if !ok {
		e = &entry{}
		kl.locks[key] = e
	}
	e.refCount++
	kl.mu.Unlock()
	return e
}

func (kl *KeyLock) release(key string) {
	kl.mu.Lock()
	if e, ok := kl.locks[key]; ok {
		e.refCount--
		if e.refCount <= 0 {
			delete(kl.locks, key)
		}
	}
	kl.mu.Unlock()
}

// Lock acquires an exclusive lock for the given key and returns the unlock
// function, which must be called to release the lock.
func (kl *KeyLock) Lock(key string) func() {
	e := kl.acquire(key)
	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		kl.release(key)
	}
}

// RLock acquires a shared lock for the given key and returns the unlock
// function, which must be called to release the lock.
func (kl *KeyLock) RLock(key string) func() {
	e := kl.acquire(key)
	e.mu.RLock()
	return func() {
		e.mu.RUnlock()
		kl.release(key)
	}
}

// Len returns the number of keys currently holding locks.
func (kl *KeyLock) Len() int {
	kl.mu.Lock()
	defer kl.mu.Unlock()
	return len(kl.locks)
}
