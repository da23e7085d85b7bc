// Package ramfs implements an in-memory filesystem: every regular
// file's contents live entirely in its own page cache (internal/vfs's
// PageCache, backed by internal/mem page frames), and directories are
// plain parent/children links. It is both the kernel's root filesystem
// and, reused with a different name, the basis for devfs.
package ramfs

import (
	"lykcore/internal/defs"
	"lykcore/internal/mem"
	"lykcore/internal/vfs"
)

// Node_t is one ramfs vnode: a file or a directory.
type Node_t struct {
	Vn       vfs.Vnode_t
	pm       *mem.Phys_t
	cache    vfs.PageCache
	parent   *Node_t
	children []*Node_t
}

var nodeOps = &vfs.Ops{
	Read: func(vn *vfs.Vnode_t, buf []byte, offset uint64) (uint64, defs.Err_t) {
		return wrap(vn).read(vn, buf, offset)
	},
	Write: func(vn *vfs.Vnode_t, buf []byte, offset uint64) (uint64, defs.Err_t) {
		return wrap(vn).write(vn, buf, offset)
	},
	Lookup: func(vn *vfs.Vnode_t, name string) (*vfs.Vnode_t, defs.Err_t) {
		return wrap(vn).lookup(vn, name)
	},
	Create: func(vn *vfs.Vnode_t, name string, t vfs.VType) (*vfs.Vnode_t, defs.Err_t) {
		return wrap(vn).create(vn, name, t)
	},
	Remove: func(vn *vfs.Vnode_t, name string) defs.Err_t {
		return wrap(vn).remove(vn, name)
	},
	Readdir: func(vn *vfs.Vnode_t) ([]vfs.Dirent, defs.Err_t) {
		return wrap(vn).readdir(vn)
	},
	Destroy: func(vn *vfs.Vnode_t) defs.Err_t {
		wrap(vn).cache.FreeAll()
		return defs.EOK
	},
}

func wrap(vn *vfs.Vnode_t) *Node_t { return vn.Private.(*Node_t) }

func (n *Node_t) read(vn *vfs.Vnode_t, buf []byte, offset uint64) (uint64, defs.Err_t) {
	got, err := n.cache.ReadAt(buf, offset, nil)
	vn.Atime++
	return got, err
}

func (n *Node_t) write(vn *vfs.Vnode_t, buf []byte, offset uint64) (uint64, defs.Err_t) {
	got, err := n.cache.WriteAt(buf, offset)
	if err == defs.EOK {
		vn.Size = n.cache.Size()
		vn.Mtime++
		vn.Ctime = vn.Mtime
	}
	return got, err
}

func (n *Node_t) lookup(vn *vfs.Vnode_t, name string) (*vfs.Vnode_t, defs.Err_t) {
	switch name {
	case ".":
		return vn, defs.EOK
	case "..":
		if n.parent != nil {
			return &n.parent.Vn, defs.EOK
		}
		return vn, defs.EOK
	}
	for _, c := range n.children {
		if c.Vn.Name == name {
			return &c.Vn, defs.EOK
		}
	}
	return nil, defs.ENOENT
}

func (n *Node_t) create(vn *vfs.Vnode_t, name string, t vfs.VType) (*vfs.Vnode_t, defs.Err_t) {
	if vn.Type != vfs.VDIR {
		return nil, defs.ENOTDIR
	}
	for _, c := range n.children {
		if c.Vn.Name == name {
			return nil, defs.EEXIST
		}
	}
	child := newNode(n.pm, name, t)
	child.parent = n
	n.children = append(n.children, child)
	return &child.Vn, defs.EOK
}

func (n *Node_t) remove(vn *vfs.Vnode_t, name string) defs.Err_t {
	for i, c := range n.children {
		if c.Vn.Name != name {
			continue
		}
		for len(c.children) > 0 {
			c.remove(&c.Vn, c.children[0].Vn.Name)
		}
		n.children = append(n.children[:i], n.children[i+1:]...)
		vfs.Unref(&c.Vn)
		return defs.EOK
	}
	return defs.ENOENT
}

func (n *Node_t) readdir(vn *vfs.Vnode_t) ([]vfs.Dirent, defs.Err_t) {
	if vn.Type != vfs.VDIR {
		return nil, defs.ENOTDIR
	}
	out := make([]vfs.Dirent, 0, len(n.children))
	for _, c := range n.children {
		out = append(out, vfs.Dirent{Name: c.Vn.Name, Type: c.Vn.Type})
	}
	vn.Atime++
	return out, defs.EOK
}

func newNode(pm *mem.Phys_t, name string, t vfs.VType) *Node_t {
	n := &Node_t{pm: pm}
	n.cache.InitPageCache(pm)
	n.Vn = vfs.Vnode_t{Name: name, Type: t, Ops: nodeOps, Private: n}
	n.Vn.Ref_t.Set(1)
	return n
}

// Fs_t is a ramfs instance: a filesystem with a single root directory.
type Fs_t struct {
	root *Node_t
}

// Create builds a new, empty ramfs.
func Create(pm *mem.Phys_t) *Fs_t {
	root := newNode(pm, "/", vfs.VDIR)
	root.parent = root
	return &Fs_t{root: root}
}

// Root returns the filesystem's root vnode, satisfying vfs.Filesystem.
func (f *Fs_t) Root() *vfs.Vnode_t {
	return &f.root.Vn
}
