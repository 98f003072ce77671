// Package fsutil provides the local filesystem helpers used on the
// controller: config file discovery, idempotent symbolic links and an
// injectable FS.
package fsutil

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// FS is the subset of local filesystem operations the orchestration needs on
// the controller. OS implements it; tests substitute recording fakes.
type FS interface {
	Stat(name string) (fs.FileInfo, error)
	Lstat(name string) (fs.FileInfo, error)
	Readlink(name string) (string, error)
	Symlink(oldname, newname string) error
	MkdirAll(path string, perm fs.FileMode) error
	Remove(name string) error
	ReadDir(name string) ([]fs.DirEntry, error)
	WriteFile(name string, data []byte, perm fs.FileMode) error
	Glob(pattern string) ([]string, error)
}

// OS is the real filesystem.
type OS struct{}

var _ FS = OS{}

func (OS) Stat(name string) (fs.FileInfo, error)        { return os.Stat(name) }
func (OS) Lstat(name string) (fs.FileInfo, error)       { return os.Lstat(name) }
func (OS) Readlink(name string) (string, error)         { return os.Readlink(name) }
func (OS) Symlink(oldname, newname string) error        { return os.Symlink(oldname, newname) }
func (OS) MkdirAll(path string, perm fs.FileMode) error { return os.MkdirAll(path, perm) }
func (OS) Remove(name string) error                     { return os.Remove(name) }
func (OS) ReadDir(name string) ([]fs.DirEntry, error)   { return os.ReadDir(name) }
func (OS) Glob(pattern string) ([]string, error)        { return filepath.Glob(pattern) }
func (OS) WriteFile(name string, data []byte, perm fs.FileMode) error {
	return os.WriteFile(name, data, perm)
}

// EnsureLink makes link a symbolic link to target. An existing entry at link
// is left untouched, whatever it is; missing parent directories are created.
// It reports whether a link was created.
func EnsureLink(fsys FS, target, link string) (bool, error) {
	if _, err := fsys.Lstat(link); err == nil {
		return false, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("failed to inspect %s: %w", link, err)
	}
	if err := fsys.MkdirAll(filepath.Dir(link), 0o755); err != nil {
		return false, fmt.Errorf("failed to create parent of %s: %w", link, err)
	}
	if err := fsys.Symlink(target, link); err != nil {
		return false, fmt.Errorf("failed to link %s to %s: %w", link, target, err)
	}
	return true, nil
}

// IsSymlink reports whether info describes a symbolic link.
func IsSymlink(info fs.FileInfo) bool {
	return info.Mode()&fs.ModeSymlink != 0
}
