// Package sched implements the MLFQ scheduler: L priority levels, a
// single global lock, and the enqueue/pick/preempt/yield/drop
// operations that move threads between them.
package sched

import (
	"lykcore/internal/proc"
	"lykcore/internal/spinlock"
)

// Levels is the number of MLFQ priority levels.
const Levels = proc.MLFQLevels

// Clock abstracts the monotonic nanosecond clock the scheduler reads
// to compare against a thread's SleepUntil deadline; boot wiring
// supplies the real timer, tests supply a fake one.
type Clock func() int64

// Scheduler_t holds the L ready queues, each a doubly-linked list of
// threads spliced through their own SchedNext/SchedPrev fields.
type Scheduler_t struct {
	lock  spinlock.Spinlock_t
	now   Clock
	level [Levels]queue
}

type queue struct {
	head, tail *proc.Thread_t
}

func (q *queue) pushBack(t *proc.Thread_t) {
	t.SchedPrev = q.tail
	t.SchedNext = nil
	if q.tail != nil {
		q.tail.SchedNext = t
	} else {
		q.head = t
	}
	q.tail = t
}

func (q *queue) remove(t *proc.Thread_t) {
	if t.SchedPrev != nil {
		t.SchedPrev.SchedNext = t.SchedNext
	} else {
		q.head = t.SchedNext
	}
	if t.SchedNext != nil {
		t.SchedNext.SchedPrev = t.SchedPrev
	} else {
		q.tail = t.SchedPrev
	}
	t.SchedNext = nil
	t.SchedPrev = nil
}

// New creates a scheduler that reads the current time via now.
func New(now Clock) *Scheduler_t {
	return &Scheduler_t{now: now}
}

// Enqueue places t at priority 0, ready to run.
func (s *Scheduler_t) Enqueue(t *proc.Thread_t) {
	s.lock.Lock()
	defer s.lock.Unlock()

	t.LastRan = 0
	t.SleepUntil = 0
	t.Priority = 0
	t.State = proc.StateReady
	s.level[0].pushBack(t)
}

// pickNext scans levels 0..L-1 for the first thread whose deadline has
// passed, popping and marking it running; otherwise it returns cpu's
// idle thread. Caller must hold s.lock.
func (s *Scheduler_t) pickNext(cpu *proc.CPU_t) *proc.Thread_t {
	now := s.now()
	for lvl := 0; lvl < Levels; lvl++ {
		for t := s.level[lvl].head; t != nil; t = t.SchedNext {
			if t.SleepUntil <= now {
				s.level[lvl].remove(t)
				t.State = proc.StateRunning
				return t
			}
		}
	}
	return cpu.Idle
}

// Preempt is called from the timer tick: the running thread goes back
// to ready at a bumped (but capped) priority, and the CPU switches to
// whatever pickNext returns.
func (s *Scheduler_t) Preempt(cpu *proc.CPU_t) (old, next *proc.Thread_t) {
	s.lock.Lock()
	defer s.lock.Unlock()

	old = cpu.Current
	old.LastRan = s.now()
	old.State = proc.StateReady
	if old.Priority < Levels-1 {
		old.Priority++
	}
	next = s.pickNext(cpu)
	cpu.Current = next
	return old, next
}

// Yield transitions the running thread to newState and switches to
// whatever pickNext returns.
func (s *Scheduler_t) Yield(cpu *proc.CPU_t, newState proc.State) (old, next *proc.Thread_t) {
	s.lock.Lock()
	defer s.lock.Unlock()

	old = cpu.Current
	old.LastRan = s.now()
	old.State = newState
	next = s.pickNext(cpu)
	cpu.Current = next
	return old, next
}

// Sleep yields the running thread with State=sleeping and a deadline
// ns nanoseconds from now; it will be skipped by pickNext until then.
func (s *Scheduler_t) Sleep(cpu *proc.CPU_t, ns int64) (old, next *proc.Thread_t) {
	s.lock.Lock()
	defer s.lock.Unlock()

	old = cpu.Current
	old.LastRan = s.now()
	old.SleepUntil = s.now() + ns
	old.State = proc.StateSleeping
	next = s.pickNext(cpu)
	cpu.Current = next
	return old, next
}

// Drop re-enqueues t at its current priority level after a context
// switch away from it, unless it is the CPU's idle thread or has
// already left the ready/sleeping states.
func (s *Scheduler_t) Drop(cpu *proc.CPU_t, t *proc.Thread_t) {
	if t == cpu.Idle {
		return
	}
	if t.State != proc.StateReady && t.State != proc.StateSleeping {
		return
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	s.level[t.Priority].pushBack(t)
}
