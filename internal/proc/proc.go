// Package proc implements the process and thread tables: pid/tid
// allocation, the global process list, and the per-process resources
// (address space, fd table, cwd) a process owns.
package proc

import (
	"sync/atomic"

	"lykcore/internal/defs"
	"lykcore/internal/fd"
	"lykcore/internal/ref"
	"lykcore/internal/spinlock"
	"lykcore/internal/vm"
	"lykcore/internal/vpath"
)

// Sysatomic_t is an atomically-adjusted system-wide resource count,
// the same shape as the limit counters a process table draws down
// from as it creates processes.
type Sysatomic_t int64

// Take decrements the count and reports whether it stayed
// non-negative; on failure the count is restored.
func (s *Sysatomic_t) Take() bool {
	if atomic.AddInt64((*int64)(s), -1) >= 0 {
		return true
	}
	atomic.AddInt64((*int64)(s), 1)
	return false
}

// Give increments the count by one.
func (s *Sysatomic_t) Give() { atomic.AddInt64((*int64)(s), 1) }

// State is a process or thread's scheduling state.
type State int

const (
	StateNew State = iota
	StateReady
	StateRunning
	StateBlocked
	StateTerminated
	StateSleeping
)

// MLFQLevels is the number of scheduler priority levels a thread's
// Priority ranges over.
const MLFQLevels = 16

// Context is a thread's architecture execution context. Kept opaque
// and minimal: an entry point and whatever the scheduler needs to
// resume it, since context-switch assembly itself is outside this
// core's scope.
type Context struct {
	Entry uint64
	User  bool
}

// Thread_t is a single schedulable thread of execution.
type Thread_t struct {
	Tid      defs.Tid_t
	Owner    *Process_t
	Context  Context
	Priority int
	State    State
	LastRan  int64
	SleepUntil int64
	CPU      *CPU_t

	ref ref.Ref_t

	// procNext/procPrev link the thread into its owner's thread list,
	// managed by Process_t. SchedNext/SchedPrev link it into whichever
	// scheduler ready-queue currently holds it; exported because
	// internal/sched, not proc, owns that list's splicing.
	procNext, procPrev   *Thread_t
	SchedNext, SchedPrev *Thread_t
}

// Up/Down manage the thread's reference count.
func (t *Thread_t) Up() int64   { return t.ref.Up() }
func (t *Thread_t) Down() int64 { return t.ref.Down() }

// CPU_t describes one logical CPU: its idle thread and the thread
// presently running on it.
type CPU_t struct {
	ID      int
	Idle    *Thread_t
	Current *Thread_t
}

// Process_t is a process: an address space, a thread list, and the
// resources (fds, cwd) its threads share.
type Process_t struct {
	Pid   defs.Pid_t
	Name  string
	State State
	User  bool

	As      *vm.AddrSpace_t
	Fds     fd.Table_t
	cwd     string
	cwdLock spinlock.Spinlock_t

	lock    spinlock.Spinlock_t
	ref     ref.Ref_t
	threads *Thread_t // doubly-linked list head via procNext/procPrev

	listNext, listPrev *Process_t // link into the global table
}

// Cwd returns the process's current working directory.
func (p *Process_t) Cwd() string {
	p.cwdLock.Lock()
	defer p.cwdLock.Unlock()
	return p.cwd
}

// SetCwd canonicalizes and installs a new working directory.
func (p *Process_t) SetCwd(path string) {
	p.cwdLock.Lock()
	defer p.cwdLock.Unlock()
	if !vpath.IsAbsolute(path) {
		path = vpath.Join(p.cwd, path)
	}
	p.cwd = vpath.Canonicalize(path)
}

// DefaultSysprocs is the system-wide live-process cap, carried over
// from the teacher's default Syslimit_t.Sysprocs.
const DefaultSysprocs = 1e4

// Table_t is the global process registry: pid allocation plus the
// list of every live process.
type Table_t struct {
	lock     spinlock.Spinlock_t
	nextPid  defs.Pid_t
	head     *Process_t
	sysprocs Sysatomic_t
}

// NewTable creates an empty process table with the default system
// process limit.
func NewTable() *Table_t {
	return &Table_t{sysprocs: DefaultSysprocs}
}

func (pt *Table_t) insert(p *Process_t) {
	pt.lock.Lock()
	defer pt.lock.Unlock()
	p.Pid = pt.nextPid
	pt.nextPid++
	p.listNext = pt.head
	if pt.head != nil {
		pt.head.listPrev = p
	}
	pt.head = p
}

func (pt *Table_t) remove(p *Process_t) {
	pt.lock.Lock()
	defer pt.lock.Unlock()
	if p.listPrev != nil {
		p.listPrev.listNext = p.listNext
	} else {
		pt.head = p.listNext
	}
	if p.listNext != nil {
		p.listNext.listPrev = p.listPrev
	}
}

// Find returns the process with the given pid, or nil.
func (pt *Table_t) Find(pid defs.Pid_t) *Process_t {
	pt.lock.Lock()
	defer pt.lock.Unlock()
	for p := pt.head; p != nil; p = p.listNext {
		if p.Pid == pid {
			return p
		}
	}
	return nil
}

// Create allocates a pid, creates an address space for user processes
// (kernel processes share kernelAs), initializes the fd table, and
// registers the process in pt. It fails EAGAIN once the system-wide
// process limit is exhausted.
func (pt *Table_t) Create(name string, user bool, kernelAs *vm.AddrSpace_t, newUserAs func() *vm.AddrSpace_t) (*Process_t, defs.Err_t) {
	if !pt.sysprocs.Take() {
		return nil, defs.EAGAIN
	}

	p := &Process_t{
		Name:  name,
		State: StateNew,
		User:  user,
		cwd:   "/",
	}
	if user {
		p.As = newUserAs()
	} else {
		p.As = kernelAs
	}
	p.Fds.Init()
	p.ref.Set(1)
	pt.insert(p)
	return p, defs.EOK
}

func (p *Process_t) insertThread(t *Thread_t) {
	p.lock.Lock()
	defer p.lock.Unlock()
	t.procNext = p.threads
	if p.threads != nil {
		p.threads.procPrev = t
	}
	p.threads = t
}

// Threads returns a snapshot slice of the process's threads.
func (p *Process_t) Threads() []*Thread_t {
	p.lock.Lock()
	defer p.lock.Unlock()
	var out []*Thread_t
	for t := p.threads; t != nil; t = t.procNext {
		out = append(out, t)
	}
	return out
}

// nextTid is the global tid allocator, a leaf counter the way the
// original's next_tid is, independent of any particular process.
var tidLock spinlock.Spinlock_t
var nextTid defs.Tid_t

// CreateThread allocates a tid, builds an execution context for entry
// in proc's address space, and links the thread into proc's thread
// list.
func CreateThread(p *Process_t, entry uint64) *Thread_t {
	tidLock.Lock()
	tid := nextTid
	nextTid++
	tidLock.Unlock()

	t := &Thread_t{
		Tid:     tid,
		Owner:   p,
		Context: Context{Entry: entry, User: p.User},
		State:   StateNew,
	}
	t.ref.Set(1)
	p.insertThread(t)
	return t
}

// Destroy tears down a process's fd table and removes it from pt. The
// caller must have already driven every thread to Terminated and, for
// a user process, destroyed its address space's page map root.
func (pt *Table_t) Destroy(p *Process_t) defs.Err_t {
	p.lock.Lock()
	for t := p.threads; t != nil; t = t.procNext {
		if t.State != StateTerminated {
			p.lock.Unlock()
			return defs.EBUSY
		}
	}
	p.lock.Unlock()

	p.Fds.Destroy()
	pt.remove(p)
	pt.sysprocs.Give()
	return defs.EOK
}
