package dhcpsvc_test

import (
	"context"
	"io"
	"net/netip"
	"path/filepath"
	"testing"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/google/gopacket"
	"github.com/nextdhcp/dhcpsvc/internal/dhcpsvc"
	"github.com/stretchr/testify/require"
)

// exhaustedDevice is a [dhcpsvc.NetworkDevice] whose packet source is
// immediately exhausted, so a receive goroutine started against it returns
// right away instead of spinning.
type exhaustedDevice struct {
	dhcpsvc.EmptyNetworkDevice
}

func (exhaustedDevice) ReadPacketData() (data []byte, ci gopacket.CaptureInfo, err error) {
	return nil, gopacket.CaptureInfo{}, io.EOF
}

// stubDeviceManager hands out [exhaustedDevice] values, unlike
// [dhcpsvc.EmptyNetworkDeviceManager], which returns a nil device and is only
// meant as a placeholder for unconfigured deployments.
type stubDeviceManager struct{}

func (stubDeviceManager) Open(
	_ context.Context,
	_ *dhcpsvc.NetworkDeviceConfig,
) (dev dhcpsvc.NetworkDevice, err error) {
	return exhaustedDevice{}, nil
}

func testServerConfig(t *testing.T) (conf *dhcpsvc.Config) {
	t.Helper()

	return &dhcpsvc.Config{
		Enabled:              true,
		Logger:               slogutil.NewDiscardLogger(),
		NetworkDeviceManager: stubDeviceManager{},
		MaxInFlight:          4,
		DBFilePath:           filepath.Join(t.TempDir(), "leases.db"),
		LocalDomainName:      "lan.example",
		Networks:             dhcpsvc.Networks{testNetwork(t)},
		Interfaces: []dhcpsvc.InterfaceBinding{{
			Device:  "eth0",
			Network: "lan",
		}},
	}
}

func TestServer_New_disabled(t *testing.T) {
	conf := testServerConfig(t)
	conf.Enabled = false

	srv, err := dhcpsvc.New(context.Background(), conf)
	require.NoError(t, err)
	require.False(t, srv.Enabled())
}

func TestServer_StartShutdown(t *testing.T) {
	ctx := context.Background()
	conf := testServerConfig(t)

	srv, err := dhcpsvc.New(ctx, conf)
	require.NoError(t, err)
	require.True(t, srv.Enabled())

	require.NoError(t, srv.Start(ctx))
	require.NoError(t, srv.Shutdown(ctx))
}

func TestServer_AddLeaseAndLookup(t *testing.T) {
	ctx := context.Background()
	conf := testServerConfig(t)

	srv, err := dhcpsvc.New(ctx, conf)
	require.NoError(t, err)

	l := &dhcpsvc.Lease{
		Network:  "lan",
		IP:       netip.MustParseAddr("192.0.2.50"),
		Identity: dhcpsvc.NewIdentityV4([]byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}),
	}

	require.NoError(t, srv.AddLease(ctx, l))

	leases, err := srv.Leases(ctx)
	require.NoError(t, err)
	require.Len(t, leases, 1)
	require.Equal(t, l.IP, leases[0].IP)

	require.NoError(t, srv.RemoveLease(ctx, l))

	leases, err = srv.Leases(ctx)
	require.NoError(t, err)
	require.Len(t, leases, 0)
}
