//go:build !windows

package dhcpsvc

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/mdlayher/raw"
)

// rawDeviceManager opens network devices as raw Ethernet sockets via
// mdlayher/raw, grounded on the raw-socket broadcast idiom this server's
// unconfigured-interface DHCPv4 client once used.  It serves as the default
// [NetworkDeviceManager] on platforms without a capture library configured.
type rawDeviceManager struct{}

// NewRawNetworkDeviceManager returns a [NetworkDeviceManager] that opens
// devices as raw Ethernet sockets.
func NewRawNetworkDeviceManager() (m NetworkDeviceManager) {
	return rawDeviceManager{}
}

// type check
var _ NetworkDeviceManager = rawDeviceManager{}

// Open implements the [NetworkDeviceManager] interface for
// rawDeviceManager.
func (rawDeviceManager) Open(_ context.Context, conf *NetworkDeviceConfig) (dev NetworkDevice, err error) {
	ifc, err := net.InterfaceByName(conf.Name)
	if err != nil {
		return nil, fmt.Errorf("looking up interface %q: %w", conf.Name, err)
	}

	// The socket is bound to the IPv4 EtherType, so only IPv4 frames reach
	// ReadPacketData; DHCPv6 traffic is not received through this device.
	conn, err := raw.ListenPacket(ifc, uint16(layers.EthernetTypeIPv4), &raw.Config{})
	if err != nil {
		return nil, fmt.Errorf("opening raw socket on %q: %w", conf.Name, err)
	}

	addrs, err := ifc.Addrs()
	if err != nil {
		return nil, fmt.Errorf("reading addresses of %q: %w", conf.Name, err)
	}

	return &rawDevice{conn: conn, ifc: ifc, addrs: toNetipAddrs(addrs)}, nil
}

// rawDevice is a [NetworkDevice] backed by a raw Ethernet socket.
type rawDevice struct {
	conn  net.PacketConn
	ifc   *net.Interface
	addrs []netip.Addr
}

// type check
var _ NetworkDevice = (*rawDevice)(nil)

// ReadPacketData implements the [gopacket.PacketDataSource] interface for
// *rawDevice.
func (d *rawDevice) ReadPacketData() (data []byte, ci gopacket.CaptureInfo, err error) {
	buf := make([]byte, d.ifc.MTU+32)
	n, _, err := d.conn.ReadFrom(buf)
	if err != nil {
		return nil, gopacket.CaptureInfo{}, err
	}

	return buf[:n], gopacket.CaptureInfo{CaptureLength: n, Length: n, Timestamp: time.Now()}, nil
}

// WritePacketData implements the [NetworkDevice] interface for *rawDevice.
// data must be a complete Ethernet frame; the destination hardware address
// is read from its header.
func (d *rawDevice) WritePacketData(data []byte) (err error) {
	if len(data) < 6 {
		return fmt.Errorf("frame too short: %d bytes", len(data))
	}

	dst := net.HardwareAddr(data[:6])
	_, err = d.conn.WriteTo(data, &raw.Addr{HardwareAddr: dst})

	return err
}

// Name implements the [NetworkDevice] interface for *rawDevice.
func (d *rawDevice) Name() (name string) {
	return d.ifc.Name
}

// Addresses implements the [NetworkDevice] interface for *rawDevice.
func (d *rawDevice) Addresses() (ips []netip.Addr) {
	return d.addrs
}

// LinkType implements the [NetworkDevice] interface for *rawDevice.
func (d *rawDevice) LinkType() (lt layers.LinkType) {
	return layers.LinkTypeEthernet
}

// Close implements the [NetworkDevice] interface for *rawDevice.
func (d *rawDevice) Close() (err error) {
	return d.conn.Close()
}

// toNetipAddrs converts net.Addr entries from [net.Interface.Addrs] into
// [netip.Addr]s, skipping anything that doesn't parse as an IP network.
func toNetipAddrs(addrs []net.Addr) (ips []netip.Addr) {
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}

		ip, ok := netip.AddrFromSlice(ipNet.IP)
		if ok {
			ips = append(ips, ip.Unmap())
		}
	}

	return ips
}
