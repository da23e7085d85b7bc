// Package vpath implements the kernel's path string utilities: absolute
// path detection, canonicalization (., .., repeated slashes, trailing
// slash), dirname/basename splitting, joining, and component-at-a-time
// iteration used by the mount trie and vfs lookup.
package vpath

import "strings"

// IsAbsolute reports whether path begins with a slash.
func IsAbsolute(path string) bool {
	return len(path) > 0 && path[0] == '/'
}

// Canonicalize collapses repeated slashes and resolves "." and ".."
// components without touching the filesystem, leaving a leading slash
// for absolute paths and no trailing slash (except for "/" itself).
func Canonicalize(path string) string {
	if path == "" {
		return ""
	}
	abs := path[0] == '/'
	var out []string
	for _, comp := range strings.Split(path, "/") {
		switch comp {
		case "", ".":
			continue
		case "..":
			if len(out) > 0 {
				out = out[:len(out)-1]
			}
		default:
			out = append(out, comp)
		}
	}
	joined := strings.Join(out, "/")
	if abs {
		return "/" + joined
	}
	if joined == "" {
		return "."
	}
	return joined
}

// Split returns path's directory and base name, following the same
// conventions as the kernel's path_split: "." for a bare name's
// directory, "/" for a path directly under root.
func Split(path string) (dir, base string) {
	idx := strings.LastIndexByte(path, '/')
	if idx < 0 {
		return ".", path
	}
	if idx == 0 {
		return "/", path[1:]
	}
	return path[:idx], path[idx+1:]
}

// Basename returns the final component of path.
func Basename(path string) string {
	_, base := Split(path)
	return base
}

// Dirname returns path's directory component.
func Dirname(path string) string {
	dir, _ := Split(path)
	return dir
}

// Join concatenates a and b into a single path. If b is absolute, it
// is returned unchanged (matching the kernel's path_join semantics).
func Join(a, b string) string {
	if IsAbsolute(b) {
		return b
	}
	if a == "" {
		return b
	}
	if strings.HasSuffix(a, "/") {
		return a + b
	}
	return a + "/" + b
}

// NextComponent returns the first path component (skipping any leading
// slashes) and the remainder of path starting at the following slash
// or the end of the string.
func NextComponent(path string) (comp, rest string) {
	for len(path) > 0 && path[0] == '/' {
		path = path[1:]
	}
	idx := strings.IndexByte(path, '/')
	if idx < 0 {
		return path, ""
	}
	return path[:idx], path[idx:]
}

// Components splits a canonicalized path into its ordered components,
// e.g. "/usr/local/bin" -> ["usr", "local", "bin"]. The root path
// yields no components.
func Components(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}
