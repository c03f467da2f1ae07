package dhcpsvc

import (
	"context"
	"encoding/binary"
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/testutil/faketime"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"
)

// newTestLeaseChain6 returns a ready-to-run v6 chain backed by a fresh
// on-disk [LocalBackend], plus the network it serves.
func newTestLeaseChain6(t *testing.T) (chain *Chain, n *Network) {
	t.Helper()

	r, err := NewRange(
		netip.MustParseAddr("2001:db8::10"),
		netip.MustParseAddr("2001:db8::20"),
		nil,
	)
	require.NoError(t, err)

	n = &Network{
		Name:         "lan6",
		Subnet:       netip.MustParsePrefix("2001:db8::/64"),
		Ranges:       []*Range{r},
		DefaultLease: time.Hour,
		MinLease:     time.Minute,
		MaxLease:     2 * time.Hour,
		Family:       AddrFamilyIPv6,
	}

	clock := &faketime.Clock{OnNow: func() (now time.Time) {
		return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	}}

	dbPath := filepath.Join(t.TempDir(), "leases6.db")
	backend, err := NewLocalBackend(context.Background(), &LocalBackendConfig{
		Logger: slogutil.NewDiscardLogger(),
		Clock:  clock,
		DBPath: dbPath,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })

	lease := NewLeasePluginV6(&LeasePluginV6Config{
		Network:    n,
		Backend:    backend,
		Checker:    noopAddressChecker{},
		Clock:      clock,
		ServerDUID: []byte{0x00, 0x04, 0x01, 0x02, 0x03, 0x04},
		Logger:     slogutil.NewDiscardLogger(),
	})

	return NewChain(MessageTypePluginV6{}, lease), n
}

// solicitRequest builds a minimal Solicit carrying an empty IA_NA for iaid.
func solicitRequest(duid []byte, iaid uint32) (req *layers.DHCPv6) {
	iaData := make([]byte, 12)
	binary.BigEndian.PutUint32(iaData[0:4], iaid)

	return &layers.DHCPv6{
		MsgType:       layers.DHCPv6MsgTypeSolicit,
		TransactionID: []byte{0x01, 0x02, 0x03},
		Options: layers.DHCPv6Options{
			layers.NewDHCPv6Option(layers.DHCPv6OptClientID, duid),
			layers.NewDHCPv6Option(layers.DHCPv6OptIANA, iaData),
		},
	}
}

func TestLeasePluginV6_solicitAdvertisesAndRequestReplies(t *testing.T) {
	chain, _ := newTestLeaseChain6(t)
	duid := []byte{0x00, 0x01, 0xaa, 0xbb, 0xcc, 0xdd}

	solicitMC := &Context{
		ReceivedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Request6:   solicitRequest(duid, 1),
		Family:     AddrFamilyIPv6,
	}

	decision := chain.Run(context.Background(), slogutil.NewDiscardLogger(), solicitMC)
	require.Equal(t, ActionRespond, decision)
	require.NotNil(t, solicitMC.Response6)
	require.Equal(t, layers.DHCPv6MsgTypeAdvertise, solicitMC.Response6.MsgType)

	srvID, ok := findOption6(solicitMC.Response6.Options, layers.DHCPv6OptServerID)
	require.True(t, ok)
	require.Equal(t, []byte{0x00, 0x04, 0x01, 0x02, 0x03, 0x04}, srvID.Data,
		"the server id must be the configured server duid, not the client's")

	advertisedIP, ok := requestedIAAddr(solicitMC.Response6)
	require.True(t, ok)
	require.True(t, advertisedIP.IsValid())

	reqIA := make([]byte, 12+4+4+16+4+4)
	binary.BigEndian.PutUint32(reqIA[0:4], 1)
	copy(reqIA[12:], encodeOption6(newIAAddrOption(advertisedIP, time.Hour, 90*time.Minute)))

	requestReq := &layers.DHCPv6{
		MsgType:       layers.DHCPv6MsgTypeRequest,
		TransactionID: []byte{0x04, 0x05, 0x06},
		Options: layers.DHCPv6Options{
			layers.NewDHCPv6Option(layers.DHCPv6OptClientID, duid),
			layers.NewDHCPv6Option(layers.DHCPv6OptIANA, reqIA),
		},
	}

	requestMC := &Context{
		ReceivedAt: time.Date(2025, 1, 1, 0, 0, 1, 0, time.UTC),
		Request6:   requestReq,
		Family:     AddrFamilyIPv6,
	}

	decision = chain.Run(context.Background(), slogutil.NewDiscardLogger(), requestMC)
	require.Equal(t, ActionRespond, decision)
	require.Equal(t, layers.DHCPv6MsgTypeReply, requestMC.Response6.MsgType)

	repliedIP, ok := requestedIAAddr(requestMC.Response6)
	require.True(t, ok)
	require.Equal(t, advertisedIP, repliedIP)
}

func TestLeasePluginV6_rapidCommitReplies(t *testing.T) {
	chain, _ := newTestLeaseChain6(t)
	duid := []byte{0x00, 0x01, 0xaa, 0xbb, 0xcc, 0xee}

	req := solicitRequest(duid, 2)
	req.Options = append(req.Options, layers.NewDHCPv6Option(layers.DHCPv6OptRapidCommit, nil))

	mc := &Context{
		ReceivedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Request6:   req,
		Family:     AddrFamilyIPv6,
	}

	decision := chain.Run(context.Background(), slogutil.NewDiscardLogger(), mc)
	require.Equal(t, ActionRespond, decision)
	require.Equal(t, layers.DHCPv6MsgTypeReply, mc.Response6.MsgType)
}

func TestLeasePluginV6_releaseRepliesWithStatus(t *testing.T) {
	chain, _ := newTestLeaseChain6(t)
	duid := []byte{0x00, 0x01, 0xaa, 0xbb, 0xcc, 0xff}

	solicitMC := &Context{
		ReceivedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Request6:   solicitRequest(duid, 3),
		Family:     AddrFamilyIPv6,
	}
	chain.Run(context.Background(), slogutil.NewDiscardLogger(), solicitMC)
	advertisedIP, _ := requestedIAAddr(solicitMC.Response6)

	releaseIA := make([]byte, 12+4+4+16+4+4)
	binary.BigEndian.PutUint32(releaseIA[0:4], 3)
	copy(releaseIA[12:], encodeOption6(newIAAddrOption(advertisedIP, time.Hour, 90*time.Minute)))

	releaseReq := &layers.DHCPv6{
		MsgType:       layers.DHCPv6MsgTypeRelease,
		TransactionID: []byte{0x07, 0x08, 0x09},
		Options: layers.DHCPv6Options{
			layers.NewDHCPv6Option(layers.DHCPv6OptClientID, duid),
			layers.NewDHCPv6Option(layers.DHCPv6OptIANA, releaseIA),
		},
	}

	mc := &Context{
		ReceivedAt: time.Date(2025, 1, 1, 0, 0, 2, 0, time.UTC),
		Request6:   releaseReq,
		Family:     AddrFamilyIPv6,
	}

	decision := chain.Run(context.Background(), slogutil.NewDiscardLogger(), mc)
	require.Equal(t, ActionRespond, decision, "a v6 release always gets a status reply")
	require.Equal(t, layers.DHCPv6MsgTypeReply, mc.Response6.MsgType)
}
