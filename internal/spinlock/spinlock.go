// Package spinlock implements a busy-wait lock with a deadlock watchdog:
// a spinner that fails to acquire the lock after a bounded number of
// tries panics instead of hanging forever, naming the lock holder's
// call site. Used anywhere the kernel core would hold a true spinlock
// (PM, the scheduler run queues, the NVMe submission path) rather than
// an ordinary blocking mutex.
package spinlock

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"unsafe"

	"golang.org/x/arch/x86/x86asm"
)

// spinLimit bounds how many times Lock retries a failed
// compare-and-swap before concluding the lock is wedged. Matches the
// original kernel's watchdog threshold.
const spinLimit = 3_000_000

// Spinlock_t is a spinning mutual-exclusion lock. The zero value is
// unlocked.
type Spinlock_t struct {
	held int32
	// pc is the call site that currently holds the lock, captured for
	// the watchdog panic message.
	pc uintptr
}

// Lock spins until the lock is acquired, panicking if it is not
// acquired within spinLimit attempts.
func (l *Spinlock_t) Lock() {
	for i := 0; ; i++ {
		if atomic.CompareAndSwapInt32(&l.held, 0, 1) {
			pc, _, _, _ := runtime.Caller(1)
			atomic.StoreUintptr(&l.pc, uintptr(pc))
			return
		}
		if i >= spinLimit {
			holder := atomic.LoadUintptr(&l.pc)
			panic(fmt.Sprintf("spinlock: deadlock, held by %s", describePC(holder)))
		}
	}
}

// TryLock attempts to acquire the lock without spinning, reporting
// whether it succeeded.
func (l *Spinlock_t) TryLock() bool {
	if atomic.CompareAndSwapInt32(&l.held, 0, 1) {
		pc, _, _, _ := runtime.Caller(1)
		atomic.StoreUintptr(&l.pc, uintptr(pc))
		return true
	}
	return false
}

// Unlock releases the lock.
func (l *Spinlock_t) Unlock() {
	atomic.StoreUintptr(&l.pc, 0)
	if !atomic.CompareAndSwapInt32(&l.held, 1, 0) {
		panic("spinlock: unlock of unlocked lock")
	}
}

// describePC formats pc as a source location, with a best-effort
// disassembly of the instruction at that address appended on amd64 —
// the same enrichment the kernel's watchdog gives a wedged caller's
// return address.
func describePC(pc uintptr) string {
	if pc == 0 {
		return "<unknown>"
	}
	fn := runtime.FuncForPC(pc)
	loc := fmt.Sprintf("pc=%#x", pc)
	if fn != nil {
		file, line := fn.FileLine(pc)
		loc = fmt.Sprintf("%s (%s:%d)", fn.Name(), file, line)
	}
	if runtime.GOARCH != "amd64" {
		return loc
	}
	if insn, ok := disassembleAt(pc); ok {
		return fmt.Sprintf("%s [%s]", loc, insn)
	}
	return loc
}

// disassembleAt reads the bytes at pc out of the running process's own
// text segment and decodes one x86_64 instruction. It is purely
// diagnostic and fails closed: any error or implausible read yields
// ok=false rather than risking a fault while panicking.
func disassembleAt(pc uintptr) (string, bool) {
	defer func() { recover() }()
	const maxInsnLen = 15
	buf := make([]byte, maxInsnLen)
	src := unsafe.Slice((*byte)(unsafe.Pointer(pc)), maxInsnLen)
	copy(buf, src)
	insn, err := x86asm.Decode(buf, 64)
	if err != nil {
		return "", false
	}
	return insn.String(), true
}
