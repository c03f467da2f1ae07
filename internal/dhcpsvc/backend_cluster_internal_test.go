package dhcpsvc

import (
	"context"
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/testutil/faketime"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCoordinator is a [ClusterCoordinator] test double whose CAS calls can
// be made to fail a fixed number of times before succeeding, and whose
// reachability is toggled via up.
type fakeCoordinator struct {
	casFailures int
	casCalls    int
	up          bool
	records     map[recordKey]*Record
}

func newFakeCoordinator() (c *fakeCoordinator) {
	return &fakeCoordinator{up: true, records: map[recordKey]*Record{}}
}

func (c *fakeCoordinator) CAS(_ context.Context, rec *Record) (err error) {
	c.casCalls++
	if c.casCalls <= c.casFailures {
		return ErrConflict
	}

	c.records[recordKey{network: rec.Network, ip: rec.IP}] = rec.Clone()

	return nil
}

func (c *fakeCoordinator) Fetch(_ context.Context, network string, ip netip.Addr) (rec *Record, err error) {
	rec = c.records[recordKey{network: network, ip: ip}]
	if rec == nil {
		rec = &Record{Network: network, IP: ip}
	}

	return rec, nil
}

func (c *fakeCoordinator) FetchAll(_ context.Context, _ string) (recs []*Record, err error) {
	for _, rec := range c.records {
		recs = append(recs, rec)
	}

	return recs, nil
}

func (c *fakeCoordinator) Ping(_ context.Context) (ok bool) {
	return c.up
}

func newTestClusterBackend(t *testing.T, coord *fakeCoordinator) (b *ClusterBackend) {
	t.Helper()

	clock := &faketime.Clock{OnNow: func() (now time.Time) {
		return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	}}

	dbPath := filepath.Join(t.TempDir(), "leases.db")
	local, err := NewLocalBackend(context.Background(), &LocalBackendConfig{
		Logger: slogutil.NewDiscardLogger(),
		Clock:  clock,
		DBPath: dbPath,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = local.Close() })

	m := NewMetrics()

	return NewClusterBackend(&ClusterBackendConfig{
		Local:              local,
		Coordinator:        coord,
		Logger:             slogutil.NewDiscardLogger(),
		BlockedAllocations: m.ClusterAllocationsBlocked,
		DegradedRenewals:   m.ClusterDegradedRenewals,
		Backoff: BackoffConfig{
			Initial:     time.Millisecond,
			Max:         10 * time.Millisecond,
			MaxAttempts: 3,
		},
	})
}

func TestClusterBackend_TryIP_coordinatesAndStampsNode(t *testing.T) {
	coord := newFakeCoordinator()
	b := newTestClusterBackend(t, coord)

	ip := netip.MustParseAddr("192.0.2.10")
	id := NewIdentityV4([]byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff})
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	rec, err := b.TryIP(context.Background(), "lan", ip, id, now.Add(time.Hour))
	require.NoError(t, err)
	assert.NotEmpty(t, rec.Node, "a coordinated record must carry the node id")
	assert.Equal(t, 1, coord.casCalls)
}

func TestClusterBackend_TryIP_refusedWhenDisconnected(t *testing.T) {
	coord := newFakeCoordinator()
	b := newTestClusterBackend(t, coord)
	b.setState(ConnStateDisconnected)

	ip := netip.MustParseAddr("192.0.2.11")
	id := NewIdentityV4([]byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff})
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err := b.TryIP(context.Background(), "lan", ip, id, now.Add(time.Hour))
	assert.ErrorIs(t, err, ErrCoordinationUnavailable)
}

func TestClusterBackend_TryLease_degradedAllowsRenewalOnly(t *testing.T) {
	coord := newFakeCoordinator()
	b := newTestClusterBackend(t, coord)

	ip := netip.MustParseAddr("192.0.2.12")
	id := NewIdentityV4([]byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff})
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	rec, err := b.TryIP(context.Background(), "lan", ip, id, now.Add(time.Hour))
	require.NoError(t, err)

	leased, err := b.TryLease(context.Background(), rec, now.Add(2*time.Hour))
	require.NoError(t, err)

	b.setState(ConnStateDisconnected)

	// Renewing an already-leased record must still succeed in degraded mode.
	_, err = b.TryLease(context.Background(), leased, now.Add(3*time.Hour))
	assert.NoError(t, err)

	// But a fresh (reserved, not yet leased) record must be refused.
	reserved, err := b.TryIP(context.Background(), "lan", netip.MustParseAddr("192.0.2.13"), id, now.Add(time.Hour))
	// The coordinator is down, so TryIP itself must already refuse.
	assert.ErrorIs(t, err, ErrCoordinationUnavailable)
	assert.Nil(t, reserved)
}

func TestClusterBackend_withRetry_exhaustsAndDisconnects(t *testing.T) {
	coord := newFakeCoordinator()
	coord.casFailures = 10
	b := newTestClusterBackend(t, coord)

	ip := netip.MustParseAddr("192.0.2.14")
	id := NewIdentityV4([]byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff})
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err := b.TryIP(context.Background(), "lan", ip, id, now.Add(time.Hour))
	require.Error(t, err)
	assert.Equal(t, ConnStateDisconnected, b.State())
}

func TestClusterBackend_Reconcile(t *testing.T) {
	coord := newFakeCoordinator()
	b := newTestClusterBackend(t, coord)

	ip := netip.MustParseAddr("192.0.2.15")
	coord.records[recordKey{network: "lan", ip: ip}] = &Record{
		Network:  "lan",
		IP:       ip,
		State:    LeaseStateLeased,
		Identity: NewIdentityV4([]byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66}),
		Revision: 1,
	}

	require.NoError(t, b.Reconcile(context.Background()))

	got, err := b.Get(context.Background(), "lan", ip)
	require.NoError(t, err)
	assert.Equal(t, LeaseStateLeased, got.State)
}

func TestClusterBackend_Reconcile_coordinatorDown(t *testing.T) {
	coord := newFakeCoordinator()
	coord.up = false
	b := newTestClusterBackend(t, coord)

	err := b.Reconcile(context.Background())
	assert.ErrorIs(t, err, ErrCoordinationUnavailable)
	assert.Equal(t, ConnStateDisconnected, b.State())
}

func TestClusterBackend_v6SolicitDroppedWhenDisconnected(t *testing.T) {
	coord := newFakeCoordinator()
	b := newTestClusterBackend(t, coord)
	b.setState(ConnStateDisconnected)

	r, err := NewRange(netip.MustParseAddr("2001:db8::10"), netip.MustParseAddr("2001:db8::20"), nil)
	require.NoError(t, err)

	n := &Network{
		Name:     "lan6",
		Subnet:   netip.MustParsePrefix("2001:db8::/64"),
		Ranges:   []*Range{r},
		MaxLease: time.Hour,
		Family:   AddrFamilyIPv6,
	}

	lease := NewLeasePluginV6(&LeasePluginV6Config{
		Network:    n,
		Backend:    b,
		ServerDUID: []byte{0x00, 0x04, 0x01, 0x02, 0x03, 0x04},
		Logger:     slogutil.NewDiscardLogger(),
	})
	chain := NewChain(MessageTypePluginV6{}, lease)

	iaData := make([]byte, 12)
	req := &layers.DHCPv6{
		MsgType:       layers.DHCPv6MsgTypeSolicit,
		TransactionID: []byte{0x01, 0x02, 0x03},
		Options: layers.DHCPv6Options{
			layers.NewDHCPv6Option(layers.DHCPv6OptClientID, []byte{0x00, 0x01, 0xaa, 0xbb}),
			layers.NewDHCPv6Option(layers.DHCPv6OptIANA, iaData),
		},
	}
	mc := &Context{
		ReceivedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Request6:   req,
		Family:     AddrFamilyIPv6,
	}

	decision := chain.Run(context.Background(), slogutil.NewDiscardLogger(), mc)
	assert.Equal(t, ActionDrop, decision, "a v6 solicit must be dropped, not answered, while coordination is down")
}
