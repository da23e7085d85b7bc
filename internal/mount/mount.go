// Package mount implements the mount trie: a path-component tree that
// maps absolute paths to the filesystem mounted at or above them,
// resolving to the mount with the longest matching prefix.
//
// The original this is grounded on packs each node's children into a
// fixed 16-entry array linearly scanned by a djb2 hash of the
// component, a C workaround for not having a hash map available. A Go
// map keyed directly by the component string gives the same
// semantics without the fixed fan-out limit or the scan.
package mount

import (
	"lykcore/internal/defs"
	"lykcore/internal/vpath"
)

// Mount_t is a single mounted filesystem.
type Mount_t struct {
	Vfs   interface{}
	Flags uint
}

type trieNode struct {
	children map[string]*trieNode
	mount    *Mount_t
}

func newNode() *trieNode {
	return &trieNode{children: make(map[string]*trieNode)}
}

// Trie_t is the root of the mount tree.
type Trie_t struct {
	root *trieNode
}

// Init creates the trie with vfs mounted at root ("/").
func (t *Trie_t) Init(vfs interface{}) {
	t.root = newNode()
	t.root.mount = &Mount_t{Vfs: vfs}
}

// Mount attaches vfs at path, which must not already have a filesystem
// mounted directly on it.
func (t *Trie_t) Mount(path string, vfs interface{}, flags uint) defs.Err_t {
	cur := t.root
	for _, comp := range vpath.Components(path) {
		next, ok := cur.children[comp]
		if !ok {
			next = newNode()
			cur.children[comp] = next
		}
		cur = next
	}
	if cur.mount != nil {
		return defs.EBUSY
	}
	cur.mount = &Mount_t{Vfs: vfs, Flags: flags}
	return defs.EOK
}

// Unmount removes the filesystem mounted exactly at path. Removing the
// root mount is an invariant violation and panics.
func (t *Trie_t) Unmount(path string) defs.Err_t {
	if path == "/" || path == "" {
		panic("mount: cannot unmount the root filesystem")
	}
	cur := t.root
	for _, comp := range vpath.Components(path) {
		next, ok := cur.children[comp]
		if !ok {
			return defs.ENOENT
		}
		cur = next
	}
	if cur.mount == nil {
		return defs.ENOENT
	}
	cur.mount = nil
	return defs.EOK
}

// Find returns the mount with the longest path prefix matching path,
// and the remainder of path relative to that mount's root.
func (t *Trie_t) Find(path string) (mnt *Mount_t, rest string) {
	cur := t.root
	lastMatch := t.root.mount
	comps := vpath.Components(path)
	lastIdx := 0

	for i, comp := range comps {
		next, ok := cur.children[comp]
		if !ok {
			break
		}
		cur = next
		if cur.mount != nil {
			lastMatch = cur.mount
			lastIdx = i + 1
		}
	}

	rest = ""
	for _, c := range comps[lastIdx:] {
		rest = vpath.Join(rest, c)
	}
	return lastMatch, rest
}
