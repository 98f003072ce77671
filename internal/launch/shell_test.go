package launch

import (
	"context"
	"os/exec"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/clusterboot/internal/cluster"
	"github.com/vk/clusterboot/internal/entry"
	"github.com/vk/clusterboot/internal/lifecycle"
	"github.com/vk/clusterboot/internal/node"
	"github.com/vk/clusterboot/internal/provision"
	"github.com/vk/clusterboot/internal/remote"
	"github.com/vk/clusterboot/internal/testutil"
)

// shellLauncher launches workers as real local subprocesses. runtime stands
// in for the runtime command; ending it with "#" turns the rest of the
// composed line into a comment.
func shellLauncher(t *testing.T, runtime string) (*Launcher, *node.Node, *recorder) {
	t.Helper()
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash is not installed")
	}
	n := node.New("local", "", "127.0.0.1", true)
	c, err := cluster.New([]*node.Node{n}, cluster.Options{
		Timeout: time.Second,
		Toolkit: remote.Toolkit{LocalOpener: remote.LocalShell{}},
	})
	require.NoError(t, err)
	runtimes := provision.NewAssignments()
	runtimes.Set(n, provision.Descriptor{Command: runtime, Source: provision.SourceDefault})

	l := &Launcher{
		Cluster:  c,
		Runtimes: runtimes,
		Config:   demoConfig(),
		Registry: entry.Default(),
		Home:     t.TempDir(),
	}
	rec := &recorder{}
	l.AddListener(rec)
	return l, n, rec
}

func waitDone(t *testing.T, h *Handle, within time.Duration) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(within):
		t.Fatalf("worker still %s after %s", h.State(), within)
	}
}

func TestLocalShell_DeliversEveryLine(t *testing.T) {
	t.Parallel()

	const count = 20000
	for i := 0; i < 5; i++ {
		// Arrange
		l, n, rec := shellLauncher(t, "seq 1 "+strconv.Itoa(count)+"; exit 0 #")

		// Act
		h, err := l.Launch(testutil.LogContext(&testutil.SafeBuffer{}), n)
		require.NoError(t, err)
		waitDone(t, h, 20*time.Second)

		// Assert
		require.NoError(t, h.Err())
		assert.Equal(t, lifecycle.Stopped, h.State())
		lines := rec.all()
		require.Len(t, lines, count, "attempt %d", i)
		assert.Equal(t, "local/stdout: 1", lines[0])
		assert.Equal(t, "local/stdout: "+strconv.Itoa(count), lines[count-1])
	}
}

func TestLocalShell_OversizedLineDoesNotStallWorker(t *testing.T) {
	t.Parallel()

	// Arrange
	size := 2_000_000
	l, n, rec := shellLauncher(t, `head -c `+strconv.Itoa(size)+` /dev/zero | tr '\0' x; echo; seq 1 1000; exit 0 #`)
	logs := &testutil.SafeBuffer{}

	// Act
	h, err := l.Launch(testutil.LogContext(logs), n)
	require.NoError(t, err)
	waitDone(t, h, 20*time.Second)

	// Assert
	lines := rec.all()
	require.Len(t, lines, 2+1000)
	first := strings.TrimPrefix(lines[0], "local/stdout: ")
	second := strings.TrimPrefix(lines[1], "local/stdout: ")
	assert.Len(t, first, maxLineBytes)
	assert.Len(t, second, size-maxLineBytes)
	assert.Equal(t, strings.Repeat("x", len(second)), second)
	assert.Equal(t, "local/stdout: 1000", lines[len(lines)-1])
	assert.Contains(t, logs.String(), "Worker output line was split.")
}

func TestLocalShell_StopClosesInput(t *testing.T) {
	t.Parallel()

	// Arrange
	l, n, rec := shellLauncher(t, "cat >/dev/null; echo bye; exit 0 #")
	ctx := testutil.LogContext(&testutil.SafeBuffer{})
	h, err := l.Launch(ctx, n)
	require.NoError(t, err)
	require.Equal(t, lifecycle.Running, h.State())

	// Act
	stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	err = h.Stop(stopCtx)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Stopped, h.State())
	assert.Equal(t, []string{"local/stdout: bye"}, rec.all())
}

func TestForward_SplitsLongLinesAndKeepsReading(t *testing.T) {
	t.Parallel()

	// Arrange
	long := strings.Repeat("a", 2*maxLineBytes+10)
	exact := strings.Repeat("b", maxLineBytes)
	input := long + "\n" + exact + "\r\nshort\n\nlast"
	var got []string
	splits := 0

	// Act
	forward(strings.NewReader(input), func(s string) { got = append(got, s) }, func() { splits++ })

	// Assert
	require.Len(t, got, 7)
	assert.Equal(t, strings.Repeat("a", maxLineBytes), got[0])
	assert.Equal(t, strings.Repeat("a", maxLineBytes), got[1])
	assert.Equal(t, strings.Repeat("a", 10), got[2])
	assert.Equal(t, exact, got[3])
	assert.Equal(t, []string{"short", "", "last"}, got[4:])
	assert.Equal(t, 1, splits)
}
