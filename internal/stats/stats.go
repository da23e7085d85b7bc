// Package stats implements the kernel's accounting and scheduler
// counters: per-process user/system time (Accnt_t), scheduler event
// counters (Counter_t/Cycles_t), and a Collector_t that renders both as
// text through the /dev/stat device node and as a pprof profile.Profile
// through the /dev/prof device node.
package stats

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/pprof/profile"

	"lykcore/internal/defs"
	"lykcore/internal/vfs"
)

// Clock returns the current time in nanoseconds; boot wiring supplies
// time.Now().UnixNano, tests supply a fake counter.
type Clock func() int64

// Counter_t is a statistical event counter.
type Counter_t int64

// Inc adds one to the counter.
func (c *Counter_t) Inc() { atomic.AddInt64((*int64)(c), 1) }

// Add adds delta to the counter.
func (c *Counter_t) Add(delta int64) { atomic.AddInt64((*int64)(c), delta) }

// Fetch returns the counter's current value.
func (c *Counter_t) Fetch() int64 { return atomic.LoadInt64((*int64)(c)) }

// Cycles_t accumulates elapsed nanoseconds.
type Cycles_t int64

// Add adds the nanoseconds elapsed between since and now to the total.
func (c *Cycles_t) Add(since, now int64) { atomic.AddInt64((*int64)(c), now-since) }

// Fetch returns the accumulated nanosecond total.
func (c *Cycles_t) Fetch() int64 { return atomic.LoadInt64((*int64)(c)) }

// Stats2String converts a struct of Counter_t/Cycles_t fields to a
// printable string, one line per field.
func Stats2String(st interface{}) string {
	v := reflect.ValueOf(st)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	var s strings.Builder
	for i := 0; i < v.NumField(); i++ {
		name := v.Type().Field(i).Name
		switch f := v.Field(i).Interface().(type) {
		case Counter_t:
			fmt.Fprintf(&s, "#%s: %d\n", name, int64(f))
		case Cycles_t:
			fmt.Fprintf(&s, "#%s: %dns\n", name, int64(f))
		}
	}
	return s.String()
}

/**
 * Accnt_t accumulates per-process accounting information.
 *
 * Both Userns and Sysns store runtime in nanoseconds. The embedded
 * mutex lets callers take a consistent snapshot of the fields when
 * exporting usage statistics.
 */
type Accnt_t struct {
	Userns int64
	Sysns  int64
	sync.Mutex
}

// Utadd adds delta nanoseconds to the user-time counter.
func (a *Accnt_t) Utadd(delta int64) { atomic.AddInt64(&a.Userns, delta) }

// Systadd adds delta nanoseconds to the system-time counter.
func (a *Accnt_t) Systadd(delta int64) { atomic.AddInt64(&a.Sysns, delta) }

// IOTime removes time spent waiting for I/O from system time: since is
// the timestamp, in nanoseconds, when the wait began.
func (a *Accnt_t) IOTime(clock Clock, since int64) { a.Systadd(since - clock()) }

// SleepTime removes time spent sleeping from system time.
func (a *Accnt_t) SleepTime(clock Clock, since int64) { a.Systadd(since - clock()) }

// Finish adds the time elapsed since inttime to system time, closing
// out a syscall or interrupt's accounting window.
func (a *Accnt_t) Finish(clock Clock, inttime int64) { a.Systadd(clock() - inttime) }

// Add merges another accounting record into this one, used when a
// thread exits and its usage is folded into the owning process.
func (a *Accnt_t) Add(n *Accnt_t) {
	n.Lock()
	userns, sysns := n.Userns, n.Sysns
	n.Unlock()

	a.Lock()
	a.Userns += userns
	a.Sysns += sysns
	a.Unlock()
}

// Fetch returns a consistent (Userns, Sysns) snapshot.
func (a *Accnt_t) Fetch() (userns, sysns int64) {
	a.Lock()
	defer a.Unlock()
	return a.Userns, a.Sysns
}

// Rusage serializes the accounting record as a POSIX rusage timeval
// pair: user time then system time, each (seconds, microseconds).
func (a *Accnt_t) Rusage() []byte {
	userns, sysns := a.Fetch()
	buf := make([]byte, 4*8)
	put := func(off int, nanos int64) {
		secs := nanos / 1e9
		usecs := (nanos % 1e9) / 1000
		binary.LittleEndian.PutUint64(buf[off:], uint64(secs))
		binary.LittleEndian.PutUint64(buf[off+8:], uint64(usecs))
	}
	put(0, userns)
	put(16, sysns)
	return buf
}

// SchedCounters tallies scheduler-wide events: how many times each
// operation in internal/sched has run, plus total idle time.
type SchedCounters struct {
	Switches Counter_t
	Preempts Counter_t
	Yields   Counter_t
	Enqueues Counter_t
	Idle     Cycles_t
}

type procAccnt struct {
	name  string
	accnt *Accnt_t
}

// Collector_t is the kernel-wide accounting hub: one Accnt_t per live
// process plus the scheduler-wide counters, snapshotted on demand into
// a pprof profile for /dev/prof and a text dump for /dev/stat.
type Collector_t struct {
	clock Clock

	lock  sync.Mutex
	procs map[int]*procAccnt
	sched SchedCounters
}

// NewCollector creates a collector that reads the current time via clock.
func NewCollector(clock Clock) *Collector_t {
	return &Collector_t{clock: clock, procs: make(map[int]*procAccnt)}
}

// Track registers pid's accounting record under name, replacing any
// prior registration for that pid.
func (c *Collector_t) Track(pid int, name string, accnt *Accnt_t) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.procs[pid] = &procAccnt{name: name, accnt: accnt}
}

// Untrack removes pid's accounting record, called when a process exits.
func (c *Collector_t) Untrack(pid int) {
	c.lock.Lock()
	defer c.lock.Unlock()
	delete(c.procs, pid)
}

// Sched returns the scheduler-wide counters, for callers instrumenting
// internal/sched's operations.
func (c *Collector_t) Sched() *SchedCounters { return &c.sched }

// Dump renders every tracked process's accounting plus the scheduler
// counters as text, the payload /dev/stat serves on read.
func (c *Collector_t) Dump() string {
	c.lock.Lock()
	defer c.lock.Unlock()

	pids := make([]int, 0, len(c.procs))
	for pid := range c.procs {
		pids = append(pids, pid)
	}
	sort.Ints(pids)

	var s strings.Builder
	for _, pid := range pids {
		pa := c.procs[pid]
		userns, sysns := pa.accnt.Fetch()
		fmt.Fprintf(&s, "pid %d (%s): user %dns sys %dns\n", pid, pa.name, userns, sysns)
	}
	s.WriteString(Stats2String(c.sched))
	return s.String()
}

// Snapshot builds a pprof profile with one sample per tracked process
// (user/system nanoseconds) and one sample carrying the scheduler
// counters as numeric labels.
func (c *Collector_t) Snapshot() *profile.Profile {
	c.lock.Lock()
	defer c.lock.Unlock()

	p := &profile.Profile{
		TimeNanos: c.clock(),
		SampleType: []*profile.ValueType{
			{Type: "user", Unit: "nanoseconds"},
			{Type: "sys", Unit: "nanoseconds"},
		},
		PeriodType: &profile.ValueType{Type: "accounting", Unit: "nanoseconds"},
		Period:     1,
	}

	var nextID uint64
	newSample := func(name string, value []int64) *profile.Sample {
		nextID++
		fn := &profile.Function{ID: nextID, Name: name, SystemName: name}
		p.Function = append(p.Function, fn)
		nextID++
		loc := &profile.Location{ID: nextID, Line: []profile.Line{{Function: fn}}}
		p.Location = append(p.Location, loc)
		return &profile.Sample{Location: []*profile.Location{loc}, Value: value}
	}

	pids := make([]int, 0, len(c.procs))
	for pid := range c.procs {
		pids = append(pids, pid)
	}
	sort.Ints(pids)

	for _, pid := range pids {
		pa := c.procs[pid]
		userns, sysns := pa.accnt.Fetch()
		sample := newSample(fmt.Sprintf("pid %d (%s)", pid, pa.name), []int64{userns, sysns})
		sample.Label = map[string][]string{"pid": {strconv.Itoa(pid)}}
		p.Sample = append(p.Sample, sample)
	}

	schedSample := newSample("scheduler", []int64{0, 0})
	schedSample.NumLabel = map[string][]int64{
		"switches": {c.sched.Switches.Fetch()},
		"preempts": {c.sched.Preempts.Fetch()},
		"yields":   {c.sched.Yields.Fetch()},
		"enqueues": {c.sched.Enqueues.Fetch()},
		"idle_ns":  {c.sched.Idle.Fetch()},
	}
	p.Sample = append(p.Sample, schedSample)

	return p
}

// WriteProfile gzip-encodes a fresh Snapshot in pprof wire format into
// w, the payload /dev/prof serves on read.
func (c *Collector_t) WriteProfile(w io.Writer) error {
	return c.Snapshot().Write(w)
}

// StatOps returns the vfs.Ops for a /dev/stat node: Read returns the
// collector's text dump, the way devfs.Register wires a driver behind
// a device node's Private field.
func StatOps() *vfs.Ops {
	return &vfs.Ops{Read: readStat}
}

func readStat(vn *vfs.Vnode_t, buf []byte, offset uint64) (uint64, defs.Err_t) {
	c, ok := vn.Private.(*Collector_t)
	if !ok {
		return 0, defs.EINVAL
	}
	return copyAt(buf, offset, []byte(c.Dump()))
}

// ProfOps returns the vfs.Ops for a /dev/prof node: Read returns a
// gzip-encoded pprof profile of the current snapshot.
func ProfOps() *vfs.Ops {
	return &vfs.Ops{Read: readProf}
}

func readProf(vn *vfs.Vnode_t, buf []byte, offset uint64) (uint64, defs.Err_t) {
	c, ok := vn.Private.(*Collector_t)
	if !ok {
		return 0, defs.EINVAL
	}
	var out bytes.Buffer
	if err := c.WriteProfile(&out); err != nil {
		return 0, defs.EIO
	}
	return copyAt(buf, offset, out.Bytes())
}

func copyAt(buf []byte, offset uint64, data []byte) (uint64, defs.Err_t) {
	if offset >= uint64(len(data)) {
		return 0, defs.EOK
	}
	n := copy(buf, data[offset:])
	return uint64(n), defs.EOK
}
