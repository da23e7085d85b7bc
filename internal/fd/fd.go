// Package fd implements the per-process file descriptor table: a
// dynamic array of entries that doubles in capacity up to a hard cap,
// each entry refcounted independently of the vnode it points at so a
// concurrent get/put pair can outlive a racing close.
package fd

import (
	"lykcore/internal/defs"
	"lykcore/internal/ref"
	"lykcore/internal/spinlock"
	"lykcore/internal/vfs"
)

// AccessMode records how a descriptor was opened, the way
// original_source's drive_t tracks a drive's mount access mode.
type AccessMode int

const (
	AccessRead AccessMode = 1 << iota
	AccessWrite
)

const (
	initialCapacity = 16
	hardCap         = 4096
)

// Entry is one open file descriptor.
type Entry struct {
	Vnode  *vfs.Vnode_t
	Offset uint64
	Mode   AccessMode
	ref    ref.Ref_t
}

// Table_t is a process's file descriptor table.
type Table_t struct {
	lock    spinlock.Spinlock_t
	entries []*Entry
}

// Init prepares an empty table with its initial capacity.
func (t *Table_t) Init() {
	t.entries = make([]*Entry, initialCapacity)
}

// Alloc installs vn at the first free slot (growing the table by
// doubling, up to hardCap, if none is free), taking a reference on vn
// and returning the new descriptor number.
func (t *Table_t) Alloc(vn *vfs.Vnode_t, mode AccessMode) (int, defs.Err_t) {
	t.lock.Lock()
	defer t.lock.Unlock()

	for i, e := range t.entries {
		if e == nil {
			t.entries[i] = t.newEntry(vn, mode)
			return i, defs.EOK
		}
	}

	old := len(t.entries)
	if old >= hardCap {
		return 0, defs.EMFILE
	}
	grown := old * 2
	if grown > hardCap {
		grown = hardCap
	}
	next := make([]*Entry, grown)
	copy(next, t.entries)
	t.entries = next

	t.entries[old] = t.newEntry(vn, mode)
	return old, defs.EOK
}

func (t *Table_t) newEntry(vn *vfs.Vnode_t, mode AccessMode) *Entry {
	vn.Up()
	e := &Entry{Vnode: vn, Mode: mode}
	e.ref.Set(1)
	return e
}

// Get looks up fd and takes a reference on its entry, valid until a
// matching Put.
func (t *Table_t) Get(fdno int) (*Entry, defs.Err_t) {
	t.lock.Lock()
	defer t.lock.Unlock()

	if fdno < 0 || fdno >= len(t.entries) || t.entries[fdno] == nil {
		return nil, defs.EBADF
	}
	e := t.entries[fdno]
	e.ref.Up()
	return e, defs.EOK
}

// Put releases a reference obtained through Get.
func (t *Table_t) Put(e *Entry) {
	if e.ref.Down() == 0 {
		e.Vnode.Down()
	}
}

// Free drops the slot's own reference; if that was the last reference
// the vnode is released and the slot becomes free again.
func (t *Table_t) Free(fdno int) defs.Err_t {
	t.lock.Lock()
	defer t.lock.Unlock()

	if fdno < 0 || fdno >= len(t.entries) || t.entries[fdno] == nil {
		return defs.EBADF
	}
	e := t.entries[fdno]
	t.entries[fdno] = nil
	if e.ref.Down() == 0 {
		e.Vnode.Down()
	}
	return defs.EOK
}

// Clone copies the table, incrementing every live vnode's refcount,
// the way fd_table_clone duplicates a parent's table for a child
// process.
func (t *Table_t) Clone(child *Table_t) {
	t.lock.Lock()
	defer t.lock.Unlock()

	child.entries = make([]*Entry, len(t.entries))
	for i, e := range t.entries {
		if e == nil {
			continue
		}
		e.Vnode.Up()
		ne := &Entry{Vnode: e.Vnode, Offset: e.Offset, Mode: e.Mode}
		ne.ref.Set(1)
		child.entries[i] = ne
	}
}

// Destroy releases every live entry's vnode reference, for process
// teardown.
func (t *Table_t) Destroy() {
	t.lock.Lock()
	defer t.lock.Unlock()

	for i, e := range t.entries {
		if e == nil {
			continue
		}
		e.Vnode.Down()
		t.entries[i] = nil
	}
}
