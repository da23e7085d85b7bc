// Package vfs is the core virtual filesystem veneer: a vnode operation
// table dispatched by path, and a page cache (internal/xarray over
// internal/mem page frames) that backs every regular file's contents a
// page at a time, filling on first touch and tracking dirty pages for
// writeback.
package vfs

import (
	"lykcore/internal/defs"
	"lykcore/internal/mem"
	"lykcore/internal/mount"
	"lykcore/internal/ref"
	"lykcore/internal/vm"
	"lykcore/internal/vpath"
	"lykcore/internal/xarray"
)

// VType names a vnode's kind.
type VType int

const (
	VREG VType = iota
	VDIR
	VDEV
)

// Dirent is one entry returned by Readdir.
type Dirent struct {
	Name string
	Type VType
}

// Ops is a vnode's operation table, the Go equivalent of the kernel's
// vnode_ops_t: every vnode kind (ramfs, devfs) fills in the operations
// it supports and leaves the rest nil. Read, Write, Ioctl and Mmap
// report a nil op as EINVAL; Lookup, Create and Remove report a nil
// directory op as ENOTDIR. defs has no separate ENOTSUP code.
type Ops struct {
	Read    func(vn *Vnode_t, buf []byte, offset uint64) (uint64, defs.Err_t)
	Write   func(vn *Vnode_t, buf []byte, offset uint64) (uint64, defs.Err_t)
	Lookup  func(vn *Vnode_t, name string) (*Vnode_t, defs.Err_t)
	Create  func(vn *Vnode_t, name string, t VType) (*Vnode_t, defs.Err_t)
	Remove  func(vn *Vnode_t, name string) defs.Err_t
	Readdir func(vn *Vnode_t) ([]Dirent, defs.Err_t)
	Ioctl   func(vn *Vnode_t, cmd uint64, arg interface{}) defs.Err_t
	Mmap    func(vn *Vnode_t, as *vm.AddrSpace_t, vaddr uint64, length int, prot vm.Prot, flags vm.MapFlags, offset int64) defs.Err_t
	// Destroy runs once, when Unref drops a vnode's reference count to
	// zero: the point at which a filesystem reclaims whatever backs the
	// vnode (ramfs frees its page-cache frames back to physical memory).
	// Left nil for vnodes with nothing to reclaim (directories, device
	// nodes that outlive the kernel that registered them).
	Destroy func(vn *Vnode_t) defs.Err_t
}

// Vnode_t is one filesystem object: a regular file, directory, or
// device node. Filesystem implementations (ramfs, devfs) embed this
// and set Ops and Private to their own node type.
type Vnode_t struct {
	Name    string
	Type    VType
	Ops     *Ops
	Size    uint64
	Ctime   int64
	Mtime   int64
	Atime   int64
	Private interface{}
	ref.Ref_t
}

// Filesystem is the minimum a mounted filesystem must provide: its
// root vnode.
type Filesystem interface {
	Root() *Vnode_t
}

// PageCache is the generic page-cache veneer: it fills pages from a
// vnode's Read op on first access, serves subsequent reads/writes out
// of the cached frame, and marks written pages dirty. ramfs and
// devfs's regular files embed one.
type PageCache struct {
	pm    *mem.Phys_t
	pages xarray.Xarray_t
	size  uint64
}

// InitPageCache prepares an empty page cache backed by pm.
func (pc *PageCache) InitPageCache(pm *mem.Phys_t) {
	pc.pm = pm
	pc.pages.Init()
}

func (pc *PageCache) getPage(pgIdx uint64, fill func(buf []byte) defs.Err_t) (mem.Pa_t, defs.Err_t) {
	if v, ok := pc.pages.Load(pgIdx); ok {
		return v.(mem.Pa_t), defs.EOK
	}
	pa, ok := pc.pm.Alloc(0)
	if !ok {
		return 0, defs.ENOMEM
	}
	if fill != nil {
		if err := fill(pc.pm.Bytes(pa)); err != defs.EOK {
			pc.pm.Free(pa)
			return 0, err
		}
	}
	pc.pages.Store(pgIdx, pa)
	return pa, defs.EOK
}

// ReadAt copies min(len(buf), size-offset) bytes starting at offset
// into buf, filling any missing page from readBacking (nil for a pure
// in-memory file, where a missing page simply means past EOF).
func (pc *PageCache) ReadAt(buf []byte, offset uint64, readBacking func(pgIdx uint64, page []byte) defs.Err_t) (uint64, defs.Err_t) {
	if offset >= pc.size {
		return 0, defs.EOK
	}
	want := min64(uint64(len(buf)), pc.size-offset)
	var total uint64
	for total < want {
		pos := offset + total
		pgIdx := pos / mem.PGSIZE
		pgOff := pos % mem.PGSIZE
		toCopy := min64(mem.PGSIZE-pgOff, want-total)

		v, ok := pc.pages.Load(pgIdx)
		if !ok {
			if readBacking == nil {
				break
			}
			pa, err := pc.getPage(pgIdx, func(page []byte) defs.Err_t {
				return readBacking(pgIdx, page)
			})
			if err != defs.EOK {
				return total, err
			}
			v = pa
		}
		page := pc.pm.Bytes(v.(mem.Pa_t))
		copy(buf[total:total+toCopy], page[pgOff:pgOff+toCopy])
		total += toCopy
	}
	return total, defs.EOK
}

// WriteAt writes buf at offset, allocating and marking dirty any page
// it touches, and grows size if the write extends past EOF.
func (pc *PageCache) WriteAt(buf []byte, offset uint64) (uint64, defs.Err_t) {
	var total uint64
	for total < uint64(len(buf)) {
		pos := offset + total
		pgIdx := pos / mem.PGSIZE
		pgOff := pos % mem.PGSIZE
		toCopy := min64(mem.PGSIZE-pgOff, uint64(len(buf))-total)

		pa, err := pc.getPage(pgIdx, nil)
		if err != defs.EOK {
			return total, err
		}
		page := pc.pm.Bytes(pa)
		copy(page[pgOff:pgOff+toCopy], buf[total:total+toCopy])
		pc.pages.SetMark(pgIdx, xarray.MarkDirty)
		total += toCopy
	}
	if offset+total > pc.size {
		pc.size = offset + total
	}
	return total, defs.EOK
}

// Size returns the file's current size.
func (pc *PageCache) Size() uint64 { return pc.size }

// DirtyPages returns the page indices currently marked dirty, in
// ascending order — the writeback worklist.
func (pc *PageCache) DirtyPages() []uint64 {
	var out []uint64
	idx := uint64(0)
	for {
		i, ok := pc.pages.FindMark(idx, xarray.MarkDirty)
		if !ok {
			break
		}
		out = append(out, i)
		idx = i + 1
	}
	return out
}

// ClearDirty clears the dirty mark on pgIdx, once its contents have
// been written back to stable storage.
func (pc *PageCache) ClearDirty(pgIdx uint64) {
	pc.pages.ClearMark(pgIdx, xarray.MarkDirty)
}

// FreeAll releases every page currently held by the cache back to pm
// and empties it. Called from a vnode's Destroy op once its last
// reference is gone; calling it while any other reference to the
// vnode is still live would pull pages out from under that reference.
func (pc *PageCache) FreeAll() {
	for _, idx := range pc.pages.Keys() {
		v, ok := pc.pages.Load(idx)
		if !ok {
			continue
		}
		pc.pm.Free(v.(mem.Pa_t))
	}
	pc.pages.Init()
	pc.size = 0
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

// Ref acquires one reference to vn, the Go equivalent of vnode_get: any
// caller that intends to hold a vnode past the call that produced it
// must acquire a reference through Ref (Lookup and Create already do
// this for the vnode they hand back) and release it through Unref.
func Ref(vn *Vnode_t) {
	vn.Up()
}

// Unref releases one reference to vn. Once the count reaches zero,
// vn's Destroy op runs (if set) to reclaim whatever backs it — ramfs
// frees the file's page-cache frames back to physical memory. Calling
// Unref more times than Ref was called panics (Ref_t.Down panics on a
// negative count), the same as a double free; the kernel's own
// ref/unref discipline is trusted to pair every Ref with exactly one
// Unref, same as get/put on a real refcounted object.
func Unref(vn *Vnode_t) defs.Err_t {
	if vn.Down() != 0 {
		return defs.EOK
	}
	if vn.Ops == nil || vn.Ops.Destroy == nil {
		return defs.EOK
	}
	return vn.Ops.Destroy(vn)
}

// Lookup resolves an absolute path to a vnode by walking it component
// by component through the mount trie and each directory's Lookup op.
// The returned vnode carries a reference the caller must release with
// Unref.
func Lookup(mounts *mount.Trie_t, path string) (*Vnode_t, defs.Err_t) {
	if !vpath.IsAbsolute(path) {
		return nil, defs.EINVAL
	}
	mnt, rest := mounts.Find(path)
	if mnt == nil {
		return nil, defs.ENOENT
	}
	fs, ok := mnt.Vfs.(Filesystem)
	if !ok {
		return nil, defs.EINVAL
	}
	cur := fs.Root()
	for _, comp := range vpath.Components(rest) {
		if cur.Ops == nil || cur.Ops.Lookup == nil {
			return nil, defs.ENOTDIR
		}
		next, err := cur.Ops.Lookup(cur, comp)
		if err != defs.EOK {
			return nil, err
		}
		cur = next
	}
	Ref(cur)
	return cur, defs.EOK
}

// Create creates name of type t inside the directory at path's parent.
// The returned vnode carries a reference the caller must release with
// Unref; it starts life with a second, separate reference held by the
// parent directory's own child link, released when the entry is
// removed.
func Create(mounts *mount.Trie_t, path string, t VType) (*Vnode_t, defs.Err_t) {
	dir, base := vpath.Split(path)
	parent, err := Lookup(mounts, dir)
	if err != defs.EOK {
		return nil, err
	}
	defer Unref(parent)
	if parent.Ops == nil || parent.Ops.Create == nil {
		return nil, defs.ENOTDIR
	}
	vn, cerr := parent.Ops.Create(parent, base, t)
	if cerr != defs.EOK {
		return nil, cerr
	}
	Ref(vn)
	return vn, defs.EOK
}

// Remove removes the vnode named by path, dropping the parent
// directory's own reference to it; the vnode itself is only destroyed
// once every other outstanding reference (e.g. a still-open file) has
// also been released.
func Remove(mounts *mount.Trie_t, path string) defs.Err_t {
	dir, base := vpath.Split(path)
	parent, err := Lookup(mounts, dir)
	if err != defs.EOK {
		return err
	}
	defer Unref(parent)
	if parent.Ops == nil || parent.Ops.Remove == nil {
		return defs.ENOTDIR
	}
	return parent.Ops.Remove(parent, base)
}

// Read reads from an already-resolved vnode.
func Read(vn *Vnode_t, buf []byte, offset uint64) (uint64, defs.Err_t) {
	if vn.Ops == nil || vn.Ops.Read == nil {
		return 0, defs.EINVAL
	}
	return vn.Ops.Read(vn, buf, offset)
}

// Write writes to an already-resolved vnode.
func Write(vn *Vnode_t, buf []byte, offset uint64) (uint64, defs.Err_t) {
	if vn.Ops == nil || vn.Ops.Write == nil {
		return 0, defs.EINVAL
	}
	return vn.Ops.Write(vn, buf, offset)
}

// Ioctl issues a device-specific control command.
func Ioctl(vn *Vnode_t, cmd uint64, arg interface{}) defs.Err_t {
	if vn.Ops == nil || vn.Ops.Ioctl == nil {
		return defs.EINVAL
	}
	return vn.Ops.Ioctl(vn, cmd, arg)
}

// Mmap maps a vnode-backed region into an address space. Defined as a
// method (rather than only a free function like Read/Write/Ioctl) so
// *Vnode_t satisfies vm.Vnode directly and can be passed straight to
// vm.AddrSpace_t.Map.
func (vn *Vnode_t) Mmap(as *vm.AddrSpace_t, vaddr uint64, length int, prot vm.Prot, flags vm.MapFlags, offset int64) defs.Err_t {
	if vn.Ops == nil || vn.Ops.Mmap == nil {
		return defs.EINVAL
	}
	return vn.Ops.Mmap(vn, as, vaddr, length, prot, flags, offset)
}
