package dhcpsvc

import (
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// DHCPv6 wire constants, per RFC 8415 section 7.2.
const (
	// ServerPortV6 is the standard DHCPv6 server port.
	ServerPortV6 layers.UDPPort = 547

	// ClientPortV6 is the standard DHCPv6 client port.
	ClientPortV6 layers.UDPPort = 546

	// ipv6HopLimit is the hop limit used for locally originated DHCPv6
	// responses, which never leave the link.
	ipv6HopLimit = 64
)

// allDHCPRelayAgentsAndServers is the link-scoped multicast group a DHCPv6
// server listens on and replies to when it has no unicast address for the
// client, per RFC 8415 section 7.1.
var allDHCPRelayAgentsAndServers = net.ParseIP("ff02::1:2")

// decode6 extracts the Ethernet, IPv6, and DHCPv6 layers from pkt.  ok is
// false if pkt doesn't carry all three.
func decode6(pkt gopacket.Packet) (fd *frameData, req *layers.DHCPv6, ok bool) {
	etherLayer, ok := pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	if !ok {
		return nil, nil, false
	}

	ipLayer, ok := pkt.Layer(layers.LayerTypeIPv6).(*layers.IPv6)
	if !ok {
		return nil, nil, false
	}

	req, ok = pkt.Layer(layers.LayerTypeDHCPv6).(*layers.DHCPv6)
	if !ok {
		return nil, nil, false
	}

	return &frameData{ether: etherLayer, ip6: ipLayer}, req, true
}

// respond6 sends a DHCPv6 response over fd's device, addressed to the
// link-scoped all-relay-agents-and-servers multicast group, since a server
// without a relay can't assume the client already has a usable address.  fd
// and resp must not be nil.
func respond6(fd *frameData, resp *layers.DHCPv6) (err error) {
	buf := gopacket.NewSerializeBuffer()

	eth := &layers.Ethernet{
		SrcMAC:       fd.ether.SrcMAC,
		DstMAC:       fd.ether.DstMAC,
		EthernetType: layers.EthernetTypeIPv6,
	}
	ip := &layers.IPv6{
		Version:    IPProtoVersionV6,
		HopLimit:   ipv6HopLimit,
		SrcIP:      fd.ip6.DstIP,
		DstIP:      allDHCPRelayAgentsAndServers,
		NextHeader: layers.IPProtocolUDP,
	}
	udp := &layers.UDP{
		SrcPort: ServerPortV6,
		DstPort: ClientPortV6,
	}
	_ = udp.SetNetworkLayerForChecksum(ip)

	opts := gopacket.SerializeOptions{
		FixLengths:       true,
		ComputeChecksums: true,
	}

	err = gopacket.SerializeLayers(buf, opts, eth, ip, udp, resp)
	if err != nil {
		return fmt.Errorf("constructing dhcp v6 response: %w", err)
	}

	return fd.device.WritePacketData(buf.Bytes())
}

// IPProtoVersionV6 is the IP internetwork general protocol version number for
// IPv6, as defined by RFC 8200.
const IPProtoVersionV6 = 6
