package cli

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/clusterboot/internal/testutil"
)

func streams(in string) (IO, *testutil.SafeBuffer, *testutil.SafeBuffer) {
	out := &testutil.SafeBuffer{}
	errOut := &testutil.SafeBuffer{}
	return IO{In: strings.NewReader(in), Out: out, Err: errOut}, out, errOut
}

func TestVersion(t *testing.T) {
	t.Parallel()

	s, out, _ := streams("")
	require.NoError(t, Execute(context.Background(), []string{"version"}, s))
	assert.Equal(t, "clusterboot v1.2.0\n", out.String())
}

func TestUsageErrors(t *testing.T) {
	t.Parallel()

	testCases := map[string][]string{
		"unknown flag":    {"run", "--bogus"},
		"unknown command": {"explode"},
		"worker args":     {"worker", "hello"},
		"version args":    {"version", "extra"},
		"bad report":      {"--report=xml", "run", "-c", "x.hcl"},
		"bad log level":   {"--log-level=loud", "nodes", "x.hcl"},
		"no config":       {"run"},
		"negative memory": {"--memory-limit=-5", "worker", "hello", "demo"},
	}
	for name, args := range testCases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			s, _, _ := streams("")
			err := Execute(context.Background(), args, s)

			var exitErr *ExitError
			require.ErrorAs(t, err, &exitErr)
			assert.Equal(t, 2, exitErr.Code)
		})
	}
}

func TestWorker_RunsTargetUntilInputEnds(t *testing.T) {
	t.Parallel()

	// Arrange
	s, out, errOut := streams("")
	stdin, closeInput := io.Pipe()
	s.In = stdin
	args := []string{
		"--search-path", "/home/u/demo/bin/a:/home/u/demo/bin/b",
		"--memory-limit=0",
		"worker", "hello", "demo", "--not-a-flag", "two words",
	}

	// Act
	done := make(chan error, 1)
	go func() { done <- Execute(context.Background(), args, s) }()
	require.Eventually(t, func() bool {
		return strings.Contains(errOut.String(), "args:")
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, closeInput.Close())

	// Assert
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not exit after its input closed")
	}
	assert.Contains(t, out.String(), "(demo)")
	assert.Contains(t, errOut.String(), "args: --not-a-flag two words")
}

func TestWorker_UnknownTarget(t *testing.T) {
	t.Parallel()

	s, _, errOut := streams("")
	err := Execute(context.Background(), []string{"worker", "missing", "demo"}, s)

	assert.Error(t, err)
	assert.Contains(t, errOut.String(), "unknown entry point")
}

func TestNodes_PrintsBookedNames(t *testing.T) {
	t.Parallel()

	// Arrange
	dir := t.TempDir()
	nodeFile := filepath.Join(dir, "nodes.txt")
	require.NoError(t, os.WriteFile(nodeFile, []byte("n2\nn3\nn1\n"), 0o644))
	cfg := filepath.Join(dir, "cluster.hcl")
	require.NoError(t, os.WriteFile(cfg, []byte(`
cluster {
  application = "demo"
  nodes       = ["n1"]
  node_file   = "`+filepath.ToSlash(nodeFile)+`"
  count       = 2
}

launch {
  target = "hello"
}
`), 0o644))
	s, out, _ := streams("")

	// Act
	err := Execute(context.Background(), []string{"nodes", "-c", cfg}, s)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "n1\nn2\n", out.String())
}

func TestRun_InvalidConfigFile(t *testing.T) {
	t.Parallel()

	cfg := filepath.Join(t.TempDir(), "broken.hcl")
	require.NoError(t, os.WriteFile(cfg, []byte("cluster {\n  nodes = [\n"), 0o644))
	s, _, _ := streams("")

	err := Execute(context.Background(), []string{"run", cfg}, s)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load configuration")
}
