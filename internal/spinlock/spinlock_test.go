package spinlock

import "testing"

func TestLockUnlock(t *testing.T) {
	var l Spinlock_t
	l.Lock()
	l.Unlock()
	l.Lock()
	l.Unlock()
}

func TestTryLock(t *testing.T) {
	var l Spinlock_t
	if !l.TryLock() {
		t.Fatal("expected first TryLock to succeed")
	}
	if l.TryLock() {
		t.Fatal("expected second TryLock to fail while held")
	}
	l.Unlock()
	if !l.TryLock() {
		t.Fatal("expected TryLock to succeed after unlock")
	}
	l.Unlock()
}

func TestDoubleUnlockPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	var l Spinlock_t
	l.Lock()
	l.Unlock()
	l.Unlock()
}
