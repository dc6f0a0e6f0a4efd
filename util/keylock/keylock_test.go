package keylock

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestKeyLock_ExclusiveLock(t *testing.T) {
	kl := New()

	unlock := kl.Lock("SOL/USDC")
	if kl.Len() != 1 {
		t.Fatalf("expected 1 lock entry, got %d", kl.Len())
	}
	unlock()

	if kl.Len() != 0 {
		t.Fatalf("lock entry should be cleaned up after unlock, got %d", kl.Len())
	}
}

func TestKeyLock_DifferentKeysDoNotBlock(t *testing.T) {
	kl := New()

	unlockA := kl.Lock("pair-a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlockB := kl.Lock("pair-b")
		unlockB()
		close(done)
	}()
	<-done
}

func TestKeyLock_SerializesSameKey(t *testing.T) {
	kl := New()
	var counter int64
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := kl.Lock("ord_1")
			v := atomic.LoadInt64(&counter)
			atomic.StoreInt64(&counter, v+1)
			unlock()
		}()
	}
	wg.Wait()

	if counter != 50 {
		t.Fatalf("expected 50 increments under lock, got %d", counter)
	}
	if kl.Len() != 0 {
		t.Fatalf("all entries should be released, got %d", kl.Len())
	}
}

func TestKeyLock_SharedLock(t *testing.T) {
	kl := New()

	unlock1 := kl.RLock("agent-1")
	unlock2 := kl.RLock("agent-1")
	if kl.Len() != 1 {
		t.Fatalf("shared locks on the same key should share one entry, got %d", kl.Len())
	}
	unlock1()
	unlock2()
	if kl.Len() != 0 {
		t.Fatalf("entry should be removed after all readers release, got %d", kl.Len())
	}
}
