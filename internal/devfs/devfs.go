// Package devfs is a device-node filesystem: a second ramfs instance
// (matching the original's "ramfs, renamed" construction) whose nodes
// are registered by a caller-supplied operation table rather than
// holding ordinary file contents, so opening /dev/console or
// /dev/rawdisk dispatches to the driver behind it instead of the page
// cache.
package devfs

import (
	"lykcore/internal/defs"
	"lykcore/internal/mem"
	"lykcore/internal/mount"
	"lykcore/internal/ramfs"
	"lykcore/internal/vfs"
)

// Fs_t wraps a ramfs instance renamed and used as a device tree.
type Fs_t struct {
	*ramfs.Fs_t
}

// Create builds an empty devfs.
func Create(pm *mem.Phys_t) *Fs_t {
	return &Fs_t{Fs_t: ramfs.Create(pm)}
}

// Register creates a device node at path (e.g. "/dev/console") with t and
// ops, and associates priv with it so the driver's op closures can
// recover their own state from vn.Private.
func Register(mounts *mount.Trie_t, path string, t vfs.VType, ops *vfs.Ops, priv interface{}) defs.Err_t {
	vn, err := vfs.Create(mounts, path, t)
	if err != defs.EOK {
		return err
	}
	vn.Ops = ops
	vn.Private = priv
	return defs.EOK
}

// Unregister removes the device node at path.
func Unregister(mounts *mount.Trie_t, path string) defs.Err_t {
	return vfs.Remove(mounts, path)
}
