package vfs

import (
	"sync"
	"testing"

	"lykcore/internal/defs"
	"lykcore/internal/mem"
	"lykcore/internal/mount"
)

type fakeDir struct {
	vn       Vnode_t
	children map[string]*Vnode_t
}

func newFakeDir(name string) *fakeDir {
	d := &fakeDir{children: make(map[string]*Vnode_t)}
	d.vn = Vnode_t{Name: name, Type: VDIR, Private: d}
	d.vn.Ops = &Ops{
		Lookup: func(vn *Vnode_t, n string) (*Vnode_t, defs.Err_t) {
			fd := vn.Private.(*fakeDir)
			c, ok := fd.children[n]
			if !ok {
				return nil, defs.ENOENT
			}
			return c, defs.EOK
		},
		Create: func(vn *Vnode_t, n string, t VType) (*Vnode_t, defs.Err_t) {
			fd := vn.Private.(*fakeDir)
			if _, ok := fd.children[n]; ok {
				return nil, defs.EEXIST
			}
			child := newFakeDir(n)
			fd.children[n] = &child.vn
			return &child.vn, defs.EOK
		},
		Remove: func(vn *Vnode_t, n string) defs.Err_t {
			fd := vn.Private.(*fakeDir)
			if _, ok := fd.children[n]; !ok {
				return defs.ENOENT
			}
			delete(fd.children, n)
			return defs.EOK
		},
	}
	return d
}

type fakeFS struct{ root *fakeDir }

func (f *fakeFS) Root() *Vnode_t { return &f.root.vn }

func TestLookupCreateRemove(t *testing.T) {
	root := newFakeDir("/")
	var mounts mount.Trie_t
	mounts.Init(&fakeFS{root: root})

	if _, err := Create(&mounts, "/etc", VDIR); err != defs.EOK {
		t.Fatalf("create /etc: %v", err)
	}
	vn, err := Lookup(&mounts, "/etc")
	if err != defs.EOK || vn.Name != "etc" {
		t.Fatalf("lookup /etc: %v, %v", vn, err)
	}
	if err := Remove(&mounts, "/etc"); err != defs.EOK {
		t.Fatalf("remove /etc: %v", err)
	}
	if _, err := Lookup(&mounts, "/etc"); err != defs.ENOENT {
		t.Fatalf("expected ENOENT after remove, got %v", err)
	}
}

func TestUnrefDropsAtZero(t *testing.T) {
	var destroyed int
	vn := &Vnode_t{Name: "f", Type: VREG, Ops: &Ops{
		Destroy: func(vn *Vnode_t) defs.Err_t {
			destroyed++
			return defs.EOK
		},
	}}
	vn.Set(1) // the owning directory's own link, as ramfs.newNode does

	Ref(vn)
	Ref(vn)
	if vn.Count() != 3 {
		t.Fatalf("count = %d, want 3", vn.Count())
	}
	if err := Unref(vn); err != defs.EOK || destroyed != 0 {
		t.Fatalf("unref dropped early: count=%d destroyed=%d", vn.Count(), destroyed)
	}
	if err := Unref(vn); err != defs.EOK || destroyed != 0 {
		t.Fatalf("unref dropped early: count=%d destroyed=%d", vn.Count(), destroyed)
	}
	if err := Unref(vn); err != defs.EOK || destroyed != 1 {
		t.Fatalf("expected destroy on last unref, destroyed=%d", destroyed)
	}
}

func TestUnrefConcurrent(t *testing.T) {
	const n = 64
	var destroyed int32
	vn := &Vnode_t{Name: "f", Type: VREG, Ops: &Ops{
		Destroy: func(vn *Vnode_t) defs.Err_t {
			destroyed++
			return defs.EOK
		},
	}}
	vn.Set(1)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		Ref(vn)
	}
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			Unref(vn)
		}()
	}
	wg.Wait()
	if vn.Count() != 1 {
		t.Fatalf("count = %d, want 1 (initial owning reference untouched)", vn.Count())
	}
	if destroyed != 0 {
		t.Fatalf("destroyed early with an outstanding reference: %d", destroyed)
	}

	if err := Unref(vn); err != defs.EOK || destroyed != 1 {
		t.Fatalf("expected single destroy on final unref, destroyed=%d", destroyed)
	}
}

// cacheDir is a minimal directory implementation, in the same spirit
// as fakeDir, whose regular-file children carry a real PageCache and a
// Destroy op that frees it — enough to exercise the
// Lookup/Create/Remove/Unref interaction without importing ramfs
// (which itself imports vfs).
type cacheDir struct {
	vn       Vnode_t
	pm       *mem.Phys_t
	children map[string]*cacheFile
}

type cacheFile struct {
	vn    Vnode_t
	cache PageCache
}

func newCacheDir(pm *mem.Phys_t, name string) *cacheDir {
	d := &cacheDir{pm: pm, children: make(map[string]*cacheFile)}
	d.vn = Vnode_t{Name: name, Type: VDIR, Private: d}
	d.vn.Ops = &Ops{
		Lookup: func(vn *Vnode_t, n string) (*Vnode_t, defs.Err_t) {
			fd := vn.Private.(*cacheDir)
			c, ok := fd.children[n]
			if !ok {
				return nil, defs.ENOENT
			}
			return &c.vn, defs.EOK
		},
		Create: func(vn *Vnode_t, n string, t VType) (*Vnode_t, defs.Err_t) {
			fd := vn.Private.(*cacheDir)
			if _, ok := fd.children[n]; ok {
				return nil, defs.EEXIST
			}
			cf := &cacheFile{}
			cf.cache.InitPageCache(fd.pm)
			cf.vn = Vnode_t{Name: n, Type: t, Private: cf}
			cf.vn.Ops = &Ops{
				Read:  func(vn *Vnode_t, buf []byte, off uint64) (uint64, defs.Err_t) { return cf.cache.ReadAt(buf, off, nil) },
				Write: func(vn *Vnode_t, buf []byte, off uint64) (uint64, defs.Err_t) { return cf.cache.WriteAt(buf, off) },
				Destroy: func(vn *Vnode_t) defs.Err_t {
					cf.cache.FreeAll()
					return defs.EOK
				},
			}
			cf.vn.Set(1)
			fd.children[n] = cf
			return &cf.vn, defs.EOK
		},
		Remove: func(vn *Vnode_t, n string) defs.Err_t {
			fd := vn.Private.(*cacheDir)
			cf, ok := fd.children[n]
			if !ok {
				return defs.ENOENT
			}
			delete(fd.children, n)
			Unref(&cf.vn)
			return defs.EOK
		},
	}
	return d
}

type cacheFS struct{ root *cacheDir }

func (f *cacheFS) Root() *Vnode_t { return &f.root.vn }

func TestRemoveDestroysOnlyOnceUnreferenced(t *testing.T) {
	arena := mem.NewArena(1 << mem.MaxOrder * mem.PGSIZE * 4)
	pm := mem.Init(arena)

	var mounts mount.Trie_t
	mounts.Init(&cacheFS{root: newCacheDir(pm, "/")})

	vn, err := Create(&mounts, "/data", VREG)
	if err != defs.EOK {
		t.Fatalf("create /data: %v", err)
	}
	if _, err := vn.Ops.Write(vn, []byte("hello"), 0); err != defs.EOK {
		t.Fatalf("write: %v", err)
	}

	if err := Remove(&mounts, "/data"); err != defs.EOK {
		t.Fatalf("remove /data: %v", err)
	}
	// The caller's own reference (from Create) is still outstanding, so
	// the cache must survive the unlink.
	if got, err := vn.Ops.Read(vn, make([]byte, 5), 0); err != defs.EOK || got != 5 {
		t.Fatalf("read after unlink with live reference: %d, %v", got, err)
	}

	if err := Unref(vn); err != defs.EOK {
		t.Fatalf("final unref: %v", err)
	}
}

func TestPageCacheReadWrite(t *testing.T) {
	arena := mem.NewArena(1 << mem.MaxOrder * mem.PGSIZE)
	pm := mem.Init(arena)

	var pc PageCache
	pc.InitPageCache(pm)

	data := make([]byte, mem.PGSIZE+100)
	for i := range data {
		data[i] = byte(i)
	}
	n, err := pc.WriteAt(data, 50)
	if err != defs.EOK || n != uint64(len(data)) {
		t.Fatalf("writeat: %d, %v", n, err)
	}
	if pc.Size() != 50+uint64(len(data)) {
		t.Fatalf("size = %d", pc.Size())
	}

	out := make([]byte, len(data))
	n, err = pc.ReadAt(out, 50, nil)
	if err != defs.EOK || n != uint64(len(data)) {
		t.Fatalf("readat: %d, %v", n, err)
	}
	for i := range data {
		if out[i] != data[i] {
			t.Fatalf("byte %d mismatch: got %d want %d", i, out[i], data[i])
		}
	}

	dirty := pc.DirtyPages()
	if len(dirty) == 0 {
		t.Fatal("expected dirty pages after write")
	}
	for _, idx := range dirty {
		pc.ClearDirty(idx)
	}
	if len(pc.DirtyPages()) != 0 {
		t.Fatal("expected no dirty pages after clearing")
	}
}
