// Package safety validates the remote paths a delivery writes to. Remote
// paths are always POSIX, whatever the local OS.
package safety

import (
	"fmt"
	"path"
	"strings"
)

// CleanRelativePath validates and normalizes a relative object or file path.
// It rejects absolute paths and parent traversal segments.
func CleanRelativePath(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("path is empty")
	}
	if strings.ContainsRune(p, 0) {
		return "", fmt.Errorf("path contains NUL: %q", p)
	}

	clean := path.Clean(strings.ReplaceAll(p, "\\", "/"))
	if clean == "." {
		return "", fmt.Errorf("path resolves to current directory")
	}
	if path.IsAbs(clean) {
		return "", fmt.Errorf("absolute paths are not allowed: %q", p)
	}
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("parent traversal is not allowed: %q", p)
	}
	return clean, nil
}

// CleanRemoteDir normalizes an absolute remote directory.
func CleanRemoteDir(dir string) (string, error) {
	if dir == "" {
		return "", fmt.Errorf("remote directory is empty")
	}
	if strings.ContainsRune(dir, 0) {
		return "", fmt.Errorf("remote directory contains NUL: %q", dir)
	}
	clean := path.Clean(dir)
	if !path.IsAbs(clean) {
		return "", fmt.Errorf("remote directory must be absolute: %q", dir)
	}
	return clean, nil
}

// SafeJoinUnder joins a validated relative path under the remote root and
// verifies the result stays inside it.
func SafeJoinUnder(root, rel string) (string, error) {
	cleanRoot, err := CleanRemoteDir(root)
	if err != nil {
		return "", err
	}
	cleanRel, err := CleanRelativePath(rel)
	if err != nil {
		return "", err
	}
	return EnsureUnderRoot(cleanRoot, path.Join(cleanRoot, cleanRel))
}

// EnsureUnderRoot verifies candidate resolves under root and returns it
// cleaned.
func EnsureUnderRoot(root, candidate string) (string, error) {
	r := path.Clean(root)
	c := path.Clean(candidate)
	if c == r {
		return c, nil
	}
	prefix := r
	if r != "/" {
		prefix = r + "/"
	}
	if !strings.HasPrefix(c, prefix) {
		return "", fmt.Errorf("path escapes root: %q", candidate)
	}
	return c, nil
}
