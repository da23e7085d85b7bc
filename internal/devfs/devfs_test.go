package devfs

import (
	"testing"

	"lykcore/internal/defs"
	"lykcore/internal/mem"
	"lykcore/internal/mount"
	"lykcore/internal/ramfs"
	"lykcore/internal/vfs"
)

func TestRegisterDeviceNode(t *testing.T) {
	arena := mem.NewArena(1 << mem.MaxOrder * mem.PGSIZE * 4)
	pm := mem.Init(arena)

	root := ramfs.Create(pm)
	var mounts mount.Trie_t
	mounts.Init(root)

	dev := Create(pm)
	if err := mounts.Mount("/dev", dev, 0); err != defs.EOK {
		t.Fatalf("mount /dev: %v", err)
	}

	written := []byte(nil)
	ops := &vfs.Ops{
		Write: func(vn *vfs.Vnode_t, buf []byte, offset uint64) (uint64, defs.Err_t) {
			written = append(written, buf...)
			return uint64(len(buf)), defs.EOK
		},
	}
	if err := Register(&mounts, "/dev/console", vfs.VDEV, ops, nil); err != defs.EOK {
		t.Fatalf("register: %v", err)
	}

	vn, err := vfs.Lookup(&mounts, "/dev/console")
	if err != defs.EOK {
		t.Fatalf("lookup: %v", err)
	}
	if _, err := vfs.Write(vn, []byte("hi"), 0); err != defs.EOK {
		t.Fatalf("write: %v", err)
	}
	if string(written) != "hi" {
		t.Fatalf("driver did not see write, got %q", written)
	}

	if err := Unregister(&mounts, "/dev/console"); err != defs.EOK {
		t.Fatalf("unregister: %v", err)
	}
}
