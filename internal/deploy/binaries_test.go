package deploy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/clusterboot/internal/testutil"
)

func TestPrepareBinaries(t *testing.T) {
	t.Parallel()

	// Arrange
	fs := testutil.NewMemFS()
	dir := "/home/user/demo/bin"
	require.NoError(t, fs.Symlink("/old/stale.bin", dir+"/stale.bin"))
	require.NoError(t, fs.Symlink("/old/app.bin", dir+"/app.bin"))
	require.NoError(t, fs.Symlink("/build/keep.bin", dir+"/keep.bin"))

	// Act
	err := PrepareBinaries(fs, dir, []string{"/build/app.bin", "/build/keep.bin", "/build/new.bin"})

	// Assert
	require.NoError(t, err)
	assert.False(t, fs.Exists(dir+"/stale.bin"))
	for name, want := range map[string]string{"app.bin": "/build/app.bin", "keep.bin": "/build/keep.bin", "new.bin": "/build/new.bin"} {
		got, err := fs.Readlink(dir + "/" + name)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestPrepareBinaries_RefusesRegularFiles(t *testing.T) {
	t.Parallel()

	fs := testutil.NewMemFS()
	require.NoError(t, fs.WriteFile("/bin/dir/real.bin", nil, 0o644))

	err := PrepareBinaries(fs, "/bin/dir", []string{"/build/a.bin"})

	assert.ErrorContains(t, err, "not a symbolic link")
}

func TestPrepareBinaries_NameClash(t *testing.T) {
	t.Parallel()

	err := PrepareBinaries(testutil.NewMemFS(), "/bin/dir", []string{"/x/a.bin", "/y/a.bin"})

	assert.ErrorContains(t, err, "share the name")
}
