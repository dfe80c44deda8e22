package engine

import (
	"fmt"
	"testing"
	"time"
)

func TestPermitLocksBounded(t *testing.T) {
	l := &permitLocks{}
	for i := 0; i < 2*lockTableSize; i++ {
		unlock := l.lock(fmt.Sprintf("permit-%d", i))
		unlock()
	}
	if n := l.c.Len(); n > lockTableSize {
		t.Fatalf("lock table grew to %d entries, cap is %d", n, lockTableSize)
	}
}

func TestPermitLocksSerializePerPermit(t *testing.T) {
	l := &permitLocks{}
	unlock := l.lock("permit-1")

	acquired := make(chan struct{})
	go func() {
		u := l.lock("permit-1")
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("second writer acquired the lock while the first held it")
	case <-time.After(20 * time.Millisecond):
	}

	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second writer never acquired the lock after release")
	}
}
