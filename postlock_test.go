package skyposter

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestPostLocksSerializeSameID(t *testing.T) {
	var locks postLocks
	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.lock(7)
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()
	if maxInside != 1 {
		t.Errorf("max concurrent holders = %d, want 1", maxInside)
	}
	if n := locks.len(); n != 0 {
		t.Errorf("%d locks left after release, want 0", n)
	}
}

func TestPostLocksIndependentIDs(t *testing.T) {
	var locks postLocks
	unlockA := locks.lock(1)
	done := make(chan struct{})
	go func() {
		unlockB := locks.lock(2)
		unlockB()
		close(done)
	}()
	<-done
	unlockA()
	if n := locks.len(); n != 0 {
		t.Errorf("%d locks left after release, want 0", n)
	}
}
