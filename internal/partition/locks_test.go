package partition

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestKeyLocks_SerializesSameKey(t *testing.T) {
	locks := NewKeyLocks()

	var active, maxActive int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Lock("orders/eu")
			defer unlock()

			n := atomic.AddInt32(&active, 1)
			for {
				m := atomic.LoadInt32(&maxActive)
				if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
					break
				}
			}
			atomic.AddInt32(&active, -1)
		}()
	}
	wg.Wait()

	if maxActive != 1 {
		t.Errorf("expected at most 1 holder, saw %d", maxActive)
	}
	if locks.Len() != 1 {
		t.Errorf("expected 1 key, got %d", locks.Len())
	}
}

func TestKeyLocks_DistinctKeysIndependent(t *testing.T) {
	locks := NewKeyLocks()

	unlockA := locks.Lock("orders/eu")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := locks.Lock("orders/us")
		unlock()
		close(done)
	}()
	<-done

	if locks.Len() != 2 {
		t.Errorf("expected 2 keys, got %d", locks.Len())
	}
}
