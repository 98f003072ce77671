package resource

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/clusterboot/internal/testutil"
)

func TestParseNames_TrimsAndDeduplicates(t *testing.T) {
	t.Parallel()

	s, err := ParseNames(strings.NewReader("n1\n  n2 \n\n# spare\nn1\nn3\r\n"))

	require.NoError(t, err)
	assert.Equal(t, []string{"n1", "n2", "n3"}, s.Names())
}

func TestLoadFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nodes")
	require.NoError(t, os.WriteFile(path, []byte("a\nb\n"), 0o644))

	s, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, s.Names())

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestNameSet_Operations(t *testing.T) {
	t.Parallel()

	s := NewNameSet("n1.lan", "n2.lan", "n3.lan", "n2.lan")
	assert.Equal(t, 3, s.Len())

	sub, err := s.Subset(2)
	require.NoError(t, err)
	assert.Equal(t, []string{"n1.lan", "n2.lan"}, sub.Names())

	_, err = s.Subset(4)
	assert.ErrorIs(t, err, ErrNotEnoughNodes)

	assert.Equal(t, []string{"n1.lan", "n3.lan"}, s.Minus("n2.lan", "other").Names())
	assert.Equal(t, 3, s.Len(), "Minus must not modify the receiver")

	ib, err := s.ReplaceAll(`\.lan$`, ".ib")
	require.NoError(t, err)
	assert.Equal(t, []string{"n1.ib", "n2.ib", "n3.ib"}, ib.Names())

	merged, err := s.ReplaceAll(`n\d`, "x")
	require.NoError(t, err)
	assert.Equal(t, []string{"x.lan"}, merged.Names())

	_, err = s.ReplaceAll("(", "")
	assert.Error(t, err)

	first, ok := s.First()
	assert.True(t, ok)
	assert.Equal(t, "n1.lan", first)
	assert.Equal(t, []string{"n2.lan", "n3.lan"}, s.Rest().Names())
}

func TestWorkstations_BookNodes(t *testing.T) {
	t.Parallel()

	w := Workstations{Names: NewNameSet("a", "b", "c")}

	got, err := w.BookNodes(context.Background(), Request{Count: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got.Names())

	all, err := w.BookNodes(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, 3, all.Len())

	_, err = w.BookNodes(context.Background(), Request{Count: 4})
	assert.ErrorIs(t, err, ErrNotEnoughNodes)

	_, err = Workstations{}.BookNodes(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrNotEnoughNodes)
}

func env(vars map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	}
}

func files(content map[string]string) func(string) ([]byte, error) {
	return func(p string) ([]byte, error) {
		c, ok := content[p]
		if !ok {
			return nil, os.ErrNotExist
		}
		return []byte(c), nil
	}
}

func TestDetectJob(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name      string
		vars      map[string]string
		wantKind  Scheduler
		wantShell string
	}{
		{
			name:     "PBS",
			vars:     map[string]string{"PBS_JOBID": "42.head", "PBS_JOBNAME": "sim", "PBS_NODEFILE": "/var/nodes"},
			wantKind: PBS,
		},
		{
			name:      "OAR",
			vars:      map[string]string{"OAR_JOB_ID": "7", "OAR_NODEFILE": "/var/nodes"},
			wantKind:  OAR,
			wantShell: "oarsh",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			// Act
			job, err := DetectJob(env(tc.vars), files(map[string]string{"/var/nodes": "m\nm\ns1\ns2\ns1\n"}))

			// Assert
			require.NoError(t, err)
			require.NotNil(t, job)
			assert.Equal(t, tc.wantKind, job.Scheduler)
			assert.Equal(t, tc.wantShell, job.ShellCommand())
			assert.Equal(t, []string{"m", "s1", "s2"}, job.AllNames().Names())
			assert.Equal(t, []string{"s1", "s2"}, job.SlaveNames().Names())
			master, ok := job.MasterName()
			assert.True(t, ok)
			assert.Equal(t, "m", master)

			booked, err := job.BookNodes(context.Background(), Request{Count: 2})
			require.NoError(t, err)
			assert.Equal(t, []string{"m", "s1"}, booked.Names())
		})
	}
}

func TestDetectJob_OutsideAJob(t *testing.T) {
	t.Parallel()

	job, err := DetectJob(env(map[string]string{"PBS_NODEFILE": "/var/nodes"}), files(nil))

	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestDetectJob_UnreadableNodeFile(t *testing.T) {
	t.Parallel()

	_, err := DetectJob(env(map[string]string{"OAR_JOB_ID": "7", "OAR_NODEFILE": "/gone"}), files(nil))

	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestLease_WarnsBeforeAndAtExpiry(t *testing.T) {
	t.Parallel()

	// Arrange
	logs := &testutil.SafeBuffer{}
	ctx := testutil.LogContext(logs)
	l := &Lease{Duration: 60 * time.Millisecond, WarnBefore: 40 * time.Millisecond}

	// Act
	l.Watch(ctx)

	// Assert
	assert.Positive(t, l.Remaining())
	require.Eventually(t, func() bool {
		return strings.Contains(logs.String(), "about to expire") && strings.Contains(logs.String(), "Reservation expired")
	}, 2*time.Second, 5*time.Millisecond)
	assert.Less(t, strings.Index(logs.String(), "about to expire"), strings.Index(logs.String(), "Reservation expired"))
}

func TestLease_CancelledContextDisarms(t *testing.T) {
	t.Parallel()

	logs := &testutil.SafeBuffer{}
	ctx, cancel := context.WithCancel(testutil.LogContext(logs))
	l := &Lease{Duration: 50 * time.Millisecond}

	l.Watch(ctx)
	cancel()
	time.Sleep(120 * time.Millisecond)

	assert.NotContains(t, logs.String(), "Reservation expired")
}

func TestLease_Disabled(t *testing.T) {
	t.Parallel()

	var nilLease *Lease
	nilLease.Watch(context.Background())
	(&Lease{}).Watch(context.Background())
	assert.Zero(t, (&Lease{}).Remaining())
}
