// Package pathutil canonicalizes Windows paths for use with long-path-aware
// Win32 APIs. ToLongPath and FromLongPath are exercised on every platform
// (the transform is pure string surgery with no Win32 dependency) so this
// package's tests can cover the Windows-only registration path without a
// Windows engine.
package pathutil

import "strings"

// longPathThreshold matches the native watcher's own choice: MAX_PATH is
// technically 260, but several directory-oriented Win32 calls are limited
// to 240, so paths at or under that length are left alone either way.
const longPathThreshold = 240

const (
	longPrefix    = `\\?\`
	uncLongPrefix = `\\?\UNC\`
)

// ToLongPath rewrites path into its long-path form if it exceeds
// longPathThreshold and is not already long-path-prefixed: a local
// "C:\..." path becomes "\\?\C:\...", a UNC "\\server\share\..." path
// becomes "\\?\UNC\server\share\...". Shorter paths, and paths already in
// long-path form, are returned unchanged.
func ToLongPath(path string) string {
	if len(path) <= longPathThreshold {
		return path
	}
	if isLongPath(path) {
		return path
	}
	if isAbsoluteUNC(path) {
		return uncLongPrefix + path[2:]
	}
	if isAbsoluteLocal(path) {
		return longPrefix + path
	}
	return path
}

// FromLongPath reverses ToLongPath, producing the user-facing form of a
// path the kernel reported. Paths that were never long-path-prefixed are
// returned unchanged.
func FromLongPath(path string) string {
	if strings.HasPrefix(path, uncLongPrefix) {
		return `\\` + path[len(uncLongPrefix):]
	}
	if strings.HasPrefix(path, longPrefix) {
		return path[len(longPrefix):]
	}
	return path
}

func isLongPath(path string) bool {
	return strings.HasPrefix(path, longPrefix)
}

func isAbsoluteUNC(path string) bool {
	return len(path) >= 2 && path[0] == '\\' && path[1] == '\\'
}

func isAbsoluteLocal(path string) bool {
	return len(path) >= 3 && isDriveLetter(path[0]) && path[1] == ':' && path[2] == '\\'
}

func isDriveLetter(b byte) bool {
	return (b >= 'A' && b <= 'Z') || (b >= 'a' && b <= 'z')
}
