package deploy

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/vk/clusterboot/internal/fsutil"
)

// PrepareBinaries makes dir hold exactly one symbolic link per source file,
// named after it. Stale links are removed and links pointing elsewhere are
// replaced; anything that is not a link is an error.
func PrepareBinaries(fsys fsutil.FS, dir string, sources []string) error {
	want := make(map[string]string, len(sources))
	for _, src := range sources {
		name := filepath.Base(src)
		if prev, dup := want[name]; dup && prev != src {
			return fmt.Errorf("binaries %s and %s share the name %s", prev, src, name)
		}
		want[name] = src
	}

	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	entries, err := fsys.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", dir, err)
	}
	for _, e := range entries {
		p := filepath.Join(dir, e.Name())
		if e.Type()&fs.ModeSymlink == 0 {
			return fmt.Errorf("%s is not a symbolic link, refusing to manage %s", p, dir)
		}
		target, err := fsys.Readlink(p)
		if err != nil {
			return err
		}
		if want[e.Name()] == target {
			continue
		}
		if err := fsys.Remove(p); err != nil {
			return fmt.Errorf("failed to remove stale link %s: %w", p, err)
		}
	}

	var errs []error
	for name, src := range want {
		if _, err := fsutil.EnsureLink(fsys, src, filepath.Join(dir, name)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
