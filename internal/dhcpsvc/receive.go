package dhcpsvc

import (
	"context"
	"net/netip"
	"strconv"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// serve reads frames off dev until it's closed, admits each frame through
// s.gate, decodes it as a DHCP datagram, and runs it through chain, one frame
// at a time.  n is the network
// bound to dev, used to pick the right decoder and response sender.  It's
// meant to run in its own goroutine; it returns once dev's packet source is
// exhausted.
func (s *Server) serve(ctx context.Context, n *Network, chain *Chain, dev NetworkDevice) {
	defer slogutil.RecoverAndLog(ctx, s.logger)

	src := gopacket.NewPacketSource(dev, dev.LinkType())

	for pkt := range src.Packets() {
		s.handlePacket(ctx, n, chain, dev, pkt)
	}
}

// handlePacket admits a single inbound packet through the admission gate,
// blocking while the in-flight ceiling is held, decodes it, runs it through
// chain, and sends the response, if any.
func (s *Server) handlePacket(
	ctx context.Context,
	n *Network,
	chain *Chain,
	dev NetworkDevice,
	pkt gopacket.Packet,
) {
	permit, err := s.gate.Acquire(ctx)
	if err != nil {
		// ctx was canceled (shutdown) while waiting for a slot; the kernel's
		// own receive buffer absorbs anything still arriving on the wire.
		return
	}
	defer permit.Release()

	mc, fd, ok := s.buildContext(n, dev, pkt, permit)
	if !ok {
		return
	}

	decision := chain.Run(ctx, mc.Logger, mc)
	s.countRecv(mc)

	if decision != ActionRespond {
		return
	}

	switch n.Family {
	case AddrFamilyIPv4:
		err = respond4(fd, mc.Response4)
	case AddrFamilyIPv6:
		err = respond6(fd, mc.Response6)
	}

	if err != nil {
		mc.Logger.ErrorContext(ctx, "sending response", slogutil.KeyError, err)

		return
	}

	s.countSent(mc)
	s.maybeSeedARP(ctx, dev, mc)
}

// maybeSeedARP best-effort seeds the kernel's ARP cache with the address
// mc's response just handed out, per §9.  A failure here never affects the
// exchange already completed on the wire.
func (s *Server) maybeSeedARP(ctx context.Context, dev NetworkDevice, mc *Context) {
	if mc.Family != AddrFamilyIPv4 || mc.Response4 == nil {
		return
	}

	typ, ok := msg4Type(mc.Response4)
	if !ok || typ != layers.DHCPMsgTypeAck {
		return
	}

	ip, ok := netip.AddrFromSlice(mc.Response4.YourClientIP.To4())
	if !ok || !ip.IsValid() {
		return
	}

	err := seedARPCache(dev, ip, mc.Request4.ClientHWAddr)
	if err != nil {
		mc.Logger.DebugContext(ctx, "seeding arp cache", slogutil.KeyError, err)
	}
}

// buildContext decodes pkt for n's address family and assembles a fresh
// [Context] for it.  ok is false if pkt doesn't decode as a well-formed
// datagram of n's family.
func (s *Server) buildContext(
	n *Network,
	dev NetworkDevice,
	pkt gopacket.Packet,
	permit *Permit,
) (mc *Context, fd *frameData, ok bool) {
	mc = &Context{
		ReceivedAt: s.clock.Now(),
		Device:     dev,
		Family:     n.Family,
		id:         permit.ID(),
		permit:     permit,
	}

	switch n.Family {
	case AddrFamilyIPv4:
		var req *layers.DHCPv4
		fd, req, ok = decode4(pkt)
		if !ok {
			return nil, nil, false
		}

		mc.Request4 = req
	case AddrFamilyIPv6:
		var req *layers.DHCPv6
		fd, req, ok = decode6(pkt)
		if !ok {
			return nil, nil, false
		}

		mc.Request6 = req
	default:
		return nil, nil, false
	}

	fd.device = dev
	mc.Frame = fd
	mc.Logger = s.logger.With("exchange_id", permit.ID())

	return mc, fd, true
}

// countRecv records mc's inbound message type, if one was decoded.
func (s *Server) countRecv(mc *Context) {
	switch mc.Family {
	case AddrFamilyIPv4:
		if mc.MsgType4 != 0 {
			s.metrics.RecvTypeCounts.WithLabelValues(strconv.Itoa(int(mc.MsgType4))).Inc()
		}
	case AddrFamilyIPv6:
		if mc.MsgType6 != 0 {
			s.metrics.RecvTypeCounts.WithLabelValues(strconv.Itoa(int(mc.MsgType6))).Inc()
		}
	}
}

// countSent records the message type of mc's sent response.
func (s *Server) countSent(mc *Context) {
	switch mc.Family {
	case AddrFamilyIPv4:
		if typ, ok := msg4Type(mc.Response4); ok {
			s.metrics.SentTypeCounts.WithLabelValues(strconv.Itoa(int(typ))).Inc()
		}
	case AddrFamilyIPv6:
		s.metrics.SentTypeCounts.WithLabelValues(strconv.Itoa(int(mc.Response6.MsgType))).Inc()
	}
}
