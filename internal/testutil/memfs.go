package testutil

import (
	"io/fs"
	"path"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/vk/clusterboot/internal/fsutil"
)

type memEntry struct {
	dir  bool
	link string
	data []byte
}

// MemFS is an in-memory fsutil.FS. Paths are slash separated and cleaned.
type MemFS struct {
	mu       sync.Mutex
	entries  map[string]*memEntry
	symlinks int
}

var _ fsutil.FS = (*MemFS)(nil)

// NewMemFS returns an empty filesystem.
func NewMemFS() *MemFS {
	return &MemFS{entries: map[string]*memEntry{"/": {dir: true}}}
}

func notExist(op, name string) error {
	return &fs.PathError{Op: op, Path: name, Err: fs.ErrNotExist}
}

func (m *MemFS) Lstat(name string) (fs.FileInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name = path.Clean(name)
	e, ok := m.entries[name]
	if !ok {
		return nil, notExist("lstat", name)
	}
	return memInfo{name: path.Base(name), e: e}, nil
}

// Stat follows one level of symbolic link.
func (m *MemFS) Stat(name string) (fs.FileInfo, error) {
	info, err := m.Lstat(name)
	if err != nil || info.Mode()&fs.ModeSymlink == 0 {
		return info, err
	}
	target, _ := m.Readlink(name)
	return m.Lstat(target)
}

func (m *MemFS) Readlink(name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[path.Clean(name)]
	if !ok || e.link == "" {
		return "", notExist("readlink", name)
	}
	return e.link, nil
}

func (m *MemFS) Symlink(oldname, newname string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	newname = path.Clean(newname)
	m.symlinks++
	if _, ok := m.entries[newname]; ok {
		return &fs.PathError{Op: "symlink", Path: newname, Err: fs.ErrExist}
	}
	m.mkdirAll(path.Dir(newname))
	m.entries[newname] = &memEntry{link: oldname}
	return nil
}

func (m *MemFS) MkdirAll(p string, _ fs.FileMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mkdirAll(path.Clean(p))
	return nil
}

func (m *MemFS) mkdirAll(p string) {
	for ; p != "/" && p != "."; p = path.Dir(p) {
		if _, ok := m.entries[p]; !ok {
			m.entries[p] = &memEntry{dir: true}
		}
	}
}

func (m *MemFS) Remove(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	name = path.Clean(name)
	if _, ok := m.entries[name]; !ok {
		return notExist("remove", name)
	}
	delete(m.entries, name)
	return nil
}

func (m *MemFS) ReadDir(name string) ([]fs.DirEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name = path.Clean(name)
	if e, ok := m.entries[name]; !ok || !e.dir {
		return nil, notExist("readdir", name)
	}
	var out []fs.DirEntry
	for _, p := range m.sorted() {
		if p != name && path.Dir(p) == name {
			out = append(out, fs.FileInfoToDirEntry(memInfo{name: path.Base(p), e: m.entries[p]}))
		}
	}
	return out, nil
}

func (m *MemFS) WriteFile(name string, data []byte, _ fs.FileMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	name = path.Clean(name)
	m.mkdirAll(path.Dir(name))
	m.entries[name] = &memEntry{data: append([]byte{}, data...)}
	return nil
}

func (m *MemFS) Glob(pattern string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, p := range m.sorted() {
		ok, err := path.Match(pattern, p)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *MemFS) sorted() []string {
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Exists reports whether anything is present at name.
func (m *MemFS) Exists(name string) bool {
	_, err := m.Lstat(name)
	return err == nil
}

// Paths lists every non-directory entry below prefix.
func (m *MemFS) Paths(prefix string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, p := range m.sorted() {
		if !m.entries[p].dir && strings.HasPrefix(p, prefix) {
			out = append(out, p)
		}
	}
	return out
}

// SymlinkCalls is the number of Symlink invocations, successful or not.
func (m *MemFS) SymlinkCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.symlinks
}

type memInfo struct {
	name string
	e    *memEntry
}

func (i memInfo) Name() string       { return i.name }
func (i memInfo) Size() int64        { return int64(len(i.e.data)) }
func (i memInfo) ModTime() time.Time { return time.Time{} }
func (i memInfo) IsDir() bool        { return i.e.dir }
func (i memInfo) Sys() any           { return nil }
func (i memInfo) Mode() fs.FileMode {
	switch {
	case i.e.dir:
		return fs.ModeDir | 0o755
	case i.e.link != "":
		return fs.ModeSymlink | 0o777
	default:
		return 0o644
	}
}
