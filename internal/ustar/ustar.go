// Package ustar extracts a USTAR-format archive directly into a
// mounted filesystem tree, the way an initrd is unpacked at boot
// before any process exists to run tar itself.
package ustar

import (
	"strings"

	"lykcore/internal/defs"
	"lykcore/internal/mount"
	"lykcore/internal/vfs"
	"lykcore/internal/vpath"
)

const blockSize = 512

// Typeflag values this core recognizes; every other typeflag (symlink,
// hard link, device node, ...) is skipped, matching ustar_extract's
// default case.
const (
	typeRegularA = '\x00'
	typeRegular  = '0'
	typeDirectory = '5'
)

// header mirrors the 512-byte POSIX ustar header.
type header struct {
	name     [100]byte
	mode     [8]byte
	uid      [8]byte
	gid      [8]byte
	size     [12]byte
	mtime    [12]byte
	checksum [8]byte
	typeflag byte
	linkname [100]byte
	magic    [6]byte
	version  [2]byte
	uname    [32]byte
	gname    [32]byte
	devmajor [8]byte
	devminor [8]byte
	prefix   [155]byte
}

func parseOctal(b []byte) uint64 {
	var result uint64
	for _, c := range b {
		if c < '0' || c > '7' {
			break
		}
		result = result<<3 + uint64(c-'0')
	}
	return result
}

func cString(b []byte) string {
	if i := indexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

func indexByte(b []byte, c byte) int {
	for i, x := range b {
		if x == c {
			return i
		}
	}
	return -1
}

func parseHeader(block []byte) header {
	var h header
	copy(h.name[:], block[0:100])
	copy(h.mode[:], block[100:108])
	copy(h.uid[:], block[108:116])
	copy(h.gid[:], block[116:124])
	copy(h.size[:], block[124:136])
	copy(h.mtime[:], block[136:148])
	copy(h.checksum[:], block[148:156])
	h.typeflag = block[156]
	copy(h.linkname[:], block[157:257])
	copy(h.magic[:], block[257:263])
	copy(h.version[:], block[263:265])
	copy(h.uname[:], block[265:297])
	copy(h.gname[:], block[297:329])
	copy(h.devmajor[:], block[329:337])
	copy(h.devminor[:], block[337:345])
	copy(h.prefix[:], block[345:500])
	return h
}

// validateChecksum recomputes the header checksum with the checksum
// field itself treated as eight spaces, mirroring
// ustar_validate_checksum.
func validateChecksum(block []byte) bool {
	stored := parseOctal(block[148:156])
	var sum uint64
	for i, b := range block[:blockSize] {
		if i >= 148 && i < 156 {
			sum += uint64(' ')
		} else {
			sum += uint64(b)
		}
	}
	return sum == stored
}

// Extract unpacks archive into destPath, an existing directory in
// mounts, creating every regular file and directory entry it contains
// and skipping anything else, mirroring ustar_extract's block loop.
func Extract(mounts *mount.Trie_t, archive []byte, destPath string) defs.Err_t {
	if _, err := vfs.Lookup(mounts, destPath); err != defs.EOK {
		return defs.ENOENT
	}

	offset := 0
	for offset+blockSize <= len(archive) {
		block := archive[offset : offset+blockSize]
		if block[0] == 0 {
			break
		}
		if !strings.HasPrefix(string(block[257:262]), "ustar") {
			offset += blockSize
			continue
		}
		if !validateChecksum(block) {
			offset += blockSize
			continue
		}

		h := parseHeader(block)
		size := int(parseOctal(h.size[:]))
		offset += blockSize

		entry := cString(h.name[:])
		if prefix := cString(h.prefix[:]); prefix != "" {
			entry = prefix + entry
		}
		fullPath := vpath.Canonicalize(vpath.Join(destPath, entry))

		switch h.typeflag {
		case typeDirectory:
			if _, err := vfs.Create(mounts, fullPath, vfs.VDIR); err != defs.EOK && err != defs.EEXIST {
				return err
			}
		case typeRegular, typeRegularA:
			vn, err := vfs.Create(mounts, fullPath, vfs.VREG)
			if err == defs.EEXIST {
				vn, err = vfs.Lookup(mounts, fullPath)
			}
			if err != defs.EOK {
				return err
			}
			if size > 0 {
				if offset+size > len(archive) {
					return defs.EINVAL
				}
				n, werr := vfs.Write(vn, archive[offset:offset+size], 0)
				if werr != defs.EOK || int(n) != size {
					return defs.EIO
				}
			}
		}

		blocks := (size + blockSize - 1) / blockSize
		offset += blocks * blockSize
	}
	return defs.EOK
}
