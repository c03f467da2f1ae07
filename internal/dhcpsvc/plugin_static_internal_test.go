package dhcpsvc

import (
	"context"
	"net/netip"
	"testing"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mapAssignments is a trivial [StaticAssignments] backed by a map, for
// testing [StaticPlugin].
type mapAssignments map[ClientIdentity]*StaticAssignment

func (m mapAssignments) Lookup(id ClientIdentity) (rec *StaticAssignment, ok bool) {
	rec, ok = m[id]

	return rec, ok
}

func testStaticNetwork() (n *Network) {
	r, _ := NewRange(netip.MustParseAddr("192.0.2.10"), netip.MustParseAddr("192.0.2.20"), nil)

	return &Network{
		Name:   "lan",
		Subnet: netip.MustParsePrefix("192.0.2.0/24"),
		Ranges: []*Range{r},
		Family: AddrFamilyIPv4,
	}
}

func TestStaticPlugin_Handle_noAssignment(t *testing.T) {
	n := testStaticNetwork()
	p := NewStaticPlugin(mapAssignments{}, Networks{n}, slogutil.NewDiscardLogger())

	id := ClientIdentity{Family: AddrFamilyIPv4, HWAddr: "aa:bb"}
	mc := &Context{Identity: id}

	require.NoError(t, p.Handle(context.Background(), mc))
	assert.False(t, mc.IsDone())
	assert.Nil(t, mc.Network)
}

func TestStaticPlugin_Handle_assigns(t *testing.T) {
	n := testStaticNetwork()
	id := ClientIdentity{Family: AddrFamilyIPv4, HWAddr: "aa:bb"}
	ip := netip.MustParseAddr("192.0.2.15")

	assignments := mapAssignments{
		id: {Identity: id, Network: "lan", IP: ip, Hostname: "pinned-host"},
	}
	p := NewStaticPlugin(assignments, Networks{n}, slogutil.NewDiscardLogger())

	mc := &Context{Identity: id}
	require.NoError(t, p.Handle(context.Background(), mc))

	assert.False(t, mc.IsDone(), "static plugin must not halt the chain on its own")
	assert.Same(t, n, mc.Network)
	assert.Equal(t, ip, mc.StaticIP)
	assert.Equal(t, "pinned-host", mc.Hostname)
	assert.NotNil(t, mc.Range)
}

func TestStaticPlugin_Handle_conflictingNetworkDrops(t *testing.T) {
	n := testStaticNetwork()
	id := ClientIdentity{Family: AddrFamilyIPv4, HWAddr: "aa:bb"}

	assignments := mapAssignments{
		id: {Identity: id, Network: "lan", IP: netip.MustParseAddr("198.51.100.5")},
	}
	p := NewStaticPlugin(assignments, Networks{n}, slogutil.NewDiscardLogger())

	mc := &Context{Identity: id}
	require.NoError(t, p.Handle(context.Background(), mc))

	assert.Equal(t, ActionDrop, mc.Decision, "an assignment outside the network's subnet must drop")
}
