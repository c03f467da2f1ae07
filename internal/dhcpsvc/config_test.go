package dhcpsvc_test

import (
	"net/netip"
	"testing"
	"time"

	"github.com/nextdhcp/dhcpsvc/internal/dhcpsvc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testNetwork(t *testing.T) (n *dhcpsvc.Network) {
	t.Helper()

	r, err := dhcpsvc.NewRange(
		netip.MustParseAddr("192.0.2.10"),
		netip.MustParseAddr("192.0.2.100"),
		nil,
	)
	require.NoError(t, err)

	return &dhcpsvc.Network{
		Name:         "lan",
		Subnet:       netip.MustParsePrefix("192.0.2.0/24"),
		Ranges:       []*dhcpsvc.Range{r},
		DefaultLease: time.Hour,
		MinLease:     time.Minute,
		MaxLease:     2 * time.Hour,
		Family:       dhcpsvc.AddrFamilyIPv4,
	}
}

func TestConfig_Validate_disabled(t *testing.T) {
	conf := &dhcpsvc.Config{Enabled: false}
	assert.NoError(t, conf.Validate(), "a disabled config needs no other fields")
}

func TestConfig_Validate_missingInterfaces(t *testing.T) {
	conf := &dhcpsvc.Config{
		Enabled:              true,
		NetworkDeviceManager: dhcpsvc.EmptyNetworkDeviceManager{},
		MaxInFlight:          1,
		DBFilePath:           "leases.db",
		LocalDomainName:      "lan.example",
		Networks:             dhcpsvc.Networks{testNetwork(t)},
	}

	err := conf.Validate()
	assert.Error(t, err)
}

func TestConfig_Validate_unknownNetworkBinding(t *testing.T) {
	conf := &dhcpsvc.Config{
		Enabled:              true,
		NetworkDeviceManager: dhcpsvc.EmptyNetworkDeviceManager{},
		MaxInFlight:          1,
		DBFilePath:           "leases.db",
		LocalDomainName:      "lan.example",
		Networks:             dhcpsvc.Networks{testNetwork(t)},
		Interfaces: []dhcpsvc.InterfaceBinding{{
			Device:  "eth0",
			Network: "nonexistent",
		}},
	}

	err := conf.Validate()
	assert.Error(t, err)
}

func TestConfig_Validate_valid(t *testing.T) {
	conf := &dhcpsvc.Config{
		Enabled:              true,
		NetworkDeviceManager: dhcpsvc.EmptyNetworkDeviceManager{},
		MaxInFlight:          1,
		DBFilePath:           "leases.db",
		LocalDomainName:      "lan.example",
		Networks:             dhcpsvc.Networks{testNetwork(t)},
		Interfaces: []dhcpsvc.InterfaceBinding{{
			Device:  "eth0",
			Network: "lan",
		}},
	}

	assert.NoError(t, conf.Validate())
}

func TestInterfaceBinding_Validate(t *testing.T) {
	assert.Error(t, (*dhcpsvc.InterfaceBinding)(nil).Validate())
	assert.Error(t, (&dhcpsvc.InterfaceBinding{Device: "eth0"}).Validate())
	assert.Error(t, (&dhcpsvc.InterfaceBinding{Network: "lan"}).Validate())
	assert.NoError(t, (&dhcpsvc.InterfaceBinding{Device: "eth0", Network: "lan"}).Validate())
}
