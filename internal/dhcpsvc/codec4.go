package dhcpsvc

import (
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// IPv4 wire constants, per RFC 2131 section 4.1 and RFC 1700.
const (
	// IPv4DefaultTTL is the default Time to Live value in seconds as
	// recommended by RFC 1700.
	IPv4DefaultTTL = 64

	// IPProtoVersion is the IP internetwork general protocol version number
	// as defined by RFC 1700.
	IPProtoVersion = 4

	// ServerPortV4 is the standard DHCPv4 server port.
	ServerPortV4 layers.UDPPort = 67

	// ClientPortV4 is the standard DHCPv4 client port.
	ClientPortV4 layers.UDPPort = 68
)

// decode4 extracts the Ethernet, IPv4, and DHCPv4 layers from pkt.  ok is
// false if pkt doesn't carry all three.
func decode4(pkt gopacket.Packet) (fd *frameData, req *layers.DHCPv4, ok bool) {
	etherLayer, ok := pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	if !ok {
		return nil, nil, false
	}

	ipLayer, ok := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if !ok {
		return nil, nil, false
	}

	req, ok = pkt.Layer(layers.LayerTypeDHCPv4).(*layers.DHCPv4)
	if !ok {
		return nil, nil, false
	}

	return &frameData{ether: etherLayer, ip: ipLayer}, req, true
}

// respond4 sends a DHCPv4 response, broadcasting it over fd's device.  fd
// and resp must not be nil.
func respond4(fd *frameData, resp *layers.DHCPv4) (err error) {
	buf := gopacket.NewSerializeBuffer()

	eth := &layers.Ethernet{
		SrcMAC:       fd.ether.SrcMAC,
		DstMAC:       fd.ether.DstMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  IPProtoVersion,
		TTL:      IPv4DefaultTTL,
		SrcIP:    net.IPv4zero.To4(),
		DstIP:    net.IPv4bcast.To4(),
		Protocol: layers.IPProtocolUDP,
	}
	udp := &layers.UDP{
		SrcPort: ServerPortV4,
		DstPort: ClientPortV4,
	}
	_ = udp.SetNetworkLayerForChecksum(ip)

	opts := gopacket.SerializeOptions{
		FixLengths:       true,
		ComputeChecksums: true,
	}

	err = gopacket.SerializeLayers(buf, opts, eth, ip, udp, resp)
	if err != nil {
		return fmt.Errorf("constructing dhcp v4 response: %w", err)
	}

	return fd.device.WritePacketData(buf.Bytes())
}
