package node

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticResolver map[string][]string

func (r staticResolver) LookupHost(_ context.Context, host string) ([]string, error) {
	addrs, ok := r[host]
	if !ok {
		return nil, errors.New("no such host")
	}
	return addrs, nil
}

func newTestFactory() *Factory {
	return &Factory{
		Resolver: staticResolver{
			"localhost": {"127.0.0.1"},
			"ctl":       {"10.0.0.1"},
			"ctl-alias": {"10.0.0.1"},
			"a":         {"10.0.0.2"},
			"b":         {"10.0.0.3"},
		},
		InterfaceAddrs: func() ([]net.Addr, error) {
			return []net.Addr{&net.IPNet{IP: net.ParseIP("10.0.0.1"), Mask: net.CIDRMask(24, 32)}}, nil
		},
		DefaultLogin: "alice",
	}
}

func TestParseSpec(t *testing.T) {
	testCases := []struct {
		name      string
		spec      string
		login     string
		host      string
		expectErr bool
	}{
		{name: "bare host", spec: "node1", host: "node1"},
		{name: "login and host", spec: "bob@node1", login: "bob", host: "node1"},
		{name: "surrounding spaces", spec: "  node1 ", host: "node1"},
		{name: "error - empty", spec: "", expectErr: true},
		{name: "error - two at signs", spec: "a@b@c", expectErr: true},
		{name: "error - empty login", spec: "@node1", expectErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			login, host, err := ParseSpec(tc.spec)
			if tc.expectErr {
				require.ErrorIs(t, err, ErrInvalidSpec)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.login, login)
			assert.Equal(t, tc.host, host)
		})
	}
}

func TestFactory_Create(t *testing.T) {
	t.Parallel()
	f := newTestFactory()
	ctx := context.Background()

	ctl, err := f.Create(ctx, "ctl")
	require.NoError(t, err)
	assert.True(t, ctl.IsLocal(), "address bound to a local interface")
	assert.Equal(t, "alice@ctl", ctl.SSHName())

	lo, err := f.Create(ctx, "localhost")
	require.NoError(t, err)
	assert.True(t, lo.IsLocal(), "loopback is local")

	a, err := f.Create(ctx, "bob@a")
	require.NoError(t, err)
	assert.False(t, a.IsLocal())
	assert.Equal(t, "bob@a", a.SSHName())
	assert.Equal(t, "10.0.0.2", a.Addr())

	_, err = f.Create(ctx, "unknown")
	require.Error(t, err)
}

func TestFactory_CreateAll_RejectsSameAddress(t *testing.T) {
	t.Parallel()

	_, err := newTestFactory().CreateAll(context.Background(), []string{"ctl", "a", "ctl-alias"})
	require.ErrorIs(t, err, ErrDuplicate)
}

func TestNode_IdentityIsAddress(t *testing.T) {
	t.Parallel()

	x := New("x", "", "10.0.0.9", false)
	y := New("y", "root", "10.0.0.9", false)
	z := New("z", "", "10.0.0.10", false)

	assert.True(t, x.Equal(y))
	assert.False(t, x.Equal(z))
	assert.True(t, x.Less(z))
}

func TestNode_ReachabilityCache(t *testing.T) {
	t.Parallel()

	n := New("x", "", "10.0.0.9", false)
	_, known := n.Reachable()
	assert.False(t, known)

	n.SetReachable(false)
	ok, known := n.Reachable()
	assert.True(t, known)
	assert.False(t, ok)
}
