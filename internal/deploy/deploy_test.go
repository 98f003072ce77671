package deploy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/clusterboot/internal/cluster"
	"github.com/vk/clusterboot/internal/discovery"
	"github.com/vk/clusterboot/internal/node"
	"github.com/vk/clusterboot/internal/testutil"
)

type fixture struct {
	fabric    *testutil.Fabric
	ctl, a, b *node.Node
}

func newFixture() *fixture {
	f := &fixture{
		fabric: testutil.NewFabric(),
		ctl:    node.New("ctl", "", "10.0.0.1", true),
		a:      node.New("a", "", "10.0.0.2", false),
		b:      node.New("b", "", "10.0.0.3", false),
	}
	f.fabric.AddHost(f.ctl, "s1")
	f.fabric.AddHost(f.a, "s1")
	f.fabric.AddHost(f.b, "s2")
	return f
}

func (f *fixture) deployer(t *testing.T, nodes ...*node.Node) *Deployer {
	t.Helper()
	c, err := cluster.New(nodes, cluster.Options{
		Timeout: time.Second,
		Toolkit: f.fabric.Toolkit(),
		Discoverer: &discovery.Discoverer{
			Executor:    f.fabric,
			FS:          f.fabric.Storage("s1"),
			Home:        f.fabric.Home,
			Application: "demo",
			Timeout:     time.Second,
		},
	})
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	return &Deployer{Cluster: c, FS: f.fabric.Storage("s1"), Home: f.fabric.Home}
}

var artifact = Artifact{Name: "app", Source: "/build/app.bin", Target: "demo/lib"}

func TestDeploy_ControllerGroupLinksOnce(t *testing.T) {
	t.Parallel()

	// Arrange
	f := newFixture()
	d := f.deployer(t, f.ctl, f.a)
	local := f.fabric.Storage("s1")

	// Act
	first, err := d.Deploy(context.Background(), []Artifact{artifact})
	require.NoError(t, err)
	second, err := d.Deploy(context.Background(), []Artifact{artifact})
	require.NoError(t, err)

	// Assert
	assert.Empty(t, f.fabric.Syncs())
	assert.Equal(t, 1, local.SymlinkCalls())
	target, err := local.Readlink("/home/user/demo/lib/app.bin")
	require.NoError(t, err)
	assert.Equal(t, "/build/app.bin", target)
	require.Len(t, first, 1)
	assert.Equal(t, ModeLink, first[0].Mode)
	assert.True(t, first[0].Changed)
	assert.False(t, second[0].Changed)
}

func TestDeploy_RemoteGroupTransfersOnceToOneRepresentative(t *testing.T) {
	t.Parallel()

	// Arrange: three remote nodes on one storage.
	f := newFixture()
	c := node.New("c", "", "10.0.0.4", false)
	f.fabric.AddHost(f.a, "s2")
	f.fabric.AddHost(c, "s2")
	d := f.deployer(t, f.a, f.b, c)

	// Act
	records, err := d.Deploy(context.Background(), []Artifact{artifact})

	// Assert
	require.NoError(t, err)
	syncs := f.fabric.Syncs()
	require.Len(t, syncs, 1)
	assert.Same(t, f.a, syncs[0].Target)
	assert.Equal(t, "demo/lib/", syncs[0].RemoteDir)
	assert.False(t, syncs[0].IsDir)
	assert.Equal(t, 1, f.fabric.CountCommands("if ! test -d demo/lib/; then mkdir -p demo/lib/; fi"))
	require.Len(t, records, 1)
	assert.Equal(t, []string{"a", "b", "c"}, records[0].Group)
	assert.Equal(t, ModeTransfer, records[0].Mode)
}

func TestDeploy_ControllerSharesWithAButNotB(t *testing.T) {
	t.Parallel()

	// Arrange
	f := newFixture()
	d := f.deployer(t, f.ctl, f.a, f.b)
	bin := Artifact{Name: "bin", Source: "/home/user/demo/bin", Target: "demo/bin", IsDir: true}

	// Act
	records, err := d.Deploy(context.Background(), []Artifact{artifact, bin})

	// Assert
	require.NoError(t, err)
	assert.Equal(t, 1, f.fabric.Storage("s1").SymlinkCalls(), "the binaries directory is already in place locally")
	syncs := f.fabric.Syncs()
	require.Len(t, syncs, 2)
	for _, s := range syncs {
		assert.Same(t, f.b, s.Target)
	}
	assert.True(t, syncs[1].IsDir || syncs[0].IsDir)
	assert.True(t, f.fabric.Storage("s2").Exists("/home/user/demo/lib/app.bin"))
	assert.Len(t, records, 4)
}

func TestDeploy_FailureIsReportedPerGroup(t *testing.T) {
	t.Parallel()

	f := newFixture()
	d := f.deployer(t, f.ctl, f.a, f.b)
	f.fabric.AddHost(f.b, "s2").Broken = true

	records, err := d.Deploy(context.Background(), []Artifact{artifact})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "deploy app")
	require.Len(t, records, 2)
	var failed int
	for _, r := range records {
		if r.Error != "" {
			failed++
			assert.Equal(t, "b", r.Node)
		}
	}
	assert.Equal(t, 1, failed)
	assert.Equal(t, 1, f.fabric.Storage("s1").SymlinkCalls())
}

func TestResolve(t *testing.T) {
	t.Parallel()

	fs := testutil.NewMemFS()
	require.NoError(t, fs.MkdirAll("/build/dir", 0o755))
	require.NoError(t, fs.WriteFile("/build/file", nil, 0o644))
	d := &Deployer{FS: fs}

	dir, err := d.Resolve(Artifact{Name: "d", Source: "/build/dir"})
	require.NoError(t, err)
	file, err := d.Resolve(Artifact{Name: "f", Source: "/build/file"})
	require.NoError(t, err)
	_, err = d.Resolve(Artifact{Name: "m", Source: "/build/missing"})

	assert.True(t, dir.IsDir)
	assert.False(t, file.IsDir)
	assert.Error(t, err)
}
