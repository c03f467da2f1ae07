package dhcpsvc

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/timeutil"
	"github.com/google/gopacket/layers"
)

// maxProbeAttempts bounds how many candidate addresses [LeasePluginV4] will
// ICMP-probe and discard before giving up a Discover, per §4.5 and §9.
const maxProbeAttempts = 3

// LeasePluginV4 is the core lease state machine for IPv4 exchanges, per
// §4.5.  An instance is bound to the single [Network] it allocates
// addresses from; a server with several configured networks runs one chain,
// and hence one *LeasePluginV4, per network.
type LeasePluginV4 struct {
	network  *Network
	backend  LeaseBackend
	checker  addressChecker
	clock    timeutil.Clock
	serverIP netip.Addr
	logger   *slog.Logger
}

// type check
var _ Plugin = (*LeasePluginV4)(nil)

// LeasePluginV4Config configures a [LeasePluginV4].
type LeasePluginV4Config struct {
	Network  *Network
	Backend  LeaseBackend
	Checker  addressChecker
	Clock    timeutil.Clock
	ServerIP netip.Addr
	Logger   *slog.Logger
}

// NewLeasePluginV4 returns a new *LeasePluginV4 using conf.
func NewLeasePluginV4(conf *LeasePluginV4Config) (p *LeasePluginV4) {
	return &LeasePluginV4{
		network:  conf.Network,
		backend:  conf.Backend,
		checker:  conf.Checker,
		clock:    conf.Clock,
		serverIP: conf.ServerIP,
		logger:   conf.Logger,
	}
}

// Name implements the [Plugin] interface for *LeasePluginV4.
func (p *LeasePluginV4) Name() (name string) { return "lease_v4" }

// Handle implements the [Plugin] interface for *LeasePluginV4.
func (p *LeasePluginV4) Handle(ctx context.Context, mc *Context) (err error) {
	if mc.Network != nil && mc.Network.Name != p.network.Name {
		// A static assignment (or a previous plugin) resolved this exchange
		// to a different network than the one this instance serves.
		mc.Drop()

		return nil
	}

	mc.Network = p.network

	switch mc.MsgType4 {
	case layers.DHCPMsgTypeDiscover:
		return p.handleDiscover(ctx, mc)
	case layers.DHCPMsgTypeRequest:
		return p.handleRequest(ctx, mc)
	case layers.DHCPMsgTypeRelease:
		return p.handleRelease(ctx, mc)
	case layers.DHCPMsgTypeDecline:
		return p.handleDecline(ctx, mc)
	case layers.DHCPMsgTypeInform:
		return p.handleInform(ctx, mc)
	default:
		mc.Drop()

		return nil
	}
}

// handleDiscover handles a DHCPDISCOVER exchange.
//
// See https://datatracker.ietf.org/doc/html/rfc2131#section-4.3.1.
func (p *LeasePluginV4) handleDiscover(ctx context.Context, mc *Context) (err error) {
	n := mc.Network

	active, err := p.backend.LookupActiveLease(ctx, n.Name, mc.Identity)
	if err != nil {
		return fmt.Errorf("looking up active lease: %w", err)
	}

	if active != nil {
		return p.offer(ctx, mc, active)
	}

	rec, err := p.reserveWithProbe(ctx, mc)
	if err != nil {
		p.logger.DebugContext(ctx, "discover: no address available", slogutil.KeyError, err)
		mc.Drop()

		return nil
	}

	return p.offer(ctx, mc, rec)
}

// reserveWithProbe reserves a candidate address for mc, probing it with
// ICMP when the network requires it and discarding any address that
// answers, per §4.5 and §9.
func (p *LeasePluginV4) reserveWithProbe(ctx context.Context, mc *Context) (rec *Record, err error) {
	n := mc.Network
	expiry := mc.ReceivedAt.Add(n.clampLease(0))
	reqIP, useReqIP := requestedIPv4(mc.Request4)
	useReqIP = useReqIP && requestedRangeFor(n, mc, reqIP) != nil

	for attempt := 0; attempt < maxProbeAttempts; attempt++ {
		switch {
		case mc.StaticIP.IsValid():
			rec, err = p.backend.TryIP(ctx, n.Name, mc.StaticIP, mc.Identity, expiry)
		case useReqIP:
			rec, err = p.backend.TryIP(ctx, n.Name, reqIP, mc.Identity, expiry)
			// The requested address is only a suggestion: on any failure
			// (taken, raced, etc.) fall back to picking any free address,
			// including on the next loop iteration if this one is probed
			// away.
			useReqIP = false
			if err != nil {
				rec, err = p.backend.ReserveFirst(ctx, n, mc, mc.Identity, expiry)
			}
		default:
			rec, err = p.backend.ReserveFirst(ctx, n, mc, mc.Identity, expiry)
		}
		if err != nil {
			return nil, err
		}

		var occupied bool
		occupied, err = p.probe(ctx, rec.IP)
		if err != nil || !occupied {
			rec.IsStatic = mc.StaticIP.IsValid()

			return rec, nil
		}

		logArgs := []any{"ip", rec.IP}
		if rng := n.containingRange(rec.IP); rng != nil {
			if off, ok := rng.Offset(rec.IP); ok {
				logArgs = append(logArgs, "range_offset", off)
			}
		}
		p.logger.WarnContext(ctx, "candidate address answered icmp probe", logArgs...)

		probationErr := p.backend.ProbateIP(ctx, n.Name, rec.IP, mc.Identity, mc.ReceivedAt.Add(n.Probation))
		if probationErr != nil {
			p.logger.ErrorContext(ctx, "probating unavailable address", slogutil.KeyError, probationErr)
		}

		if mc.StaticIP.IsValid() {
			return nil, fmt.Errorf("static address %s: %w", mc.StaticIP, ErrAddrInUse)
		}
	}

	return nil, fmt.Errorf("exhausted %d probe attempts: %w", maxProbeAttempts, ErrRangeExhausted)
}

// requestedRangeFor returns the range of n that reqIP falls within and is
// eligible for, per mc, or nil if the address isn't in any of n's ranges or
// a class predicate excludes it.
func requestedRangeFor(n *Network, mc *Context, reqIP netip.Addr) (r *Range) {
	r = n.containingRange(reqIP)
	if r == nil || !r.Eligible(mc) {
		return nil
	}

	return r
}

// probe reports whether ip is already occupied by something other than
// this server's own records.
func (p *LeasePluginV4) probe(ctx context.Context, ip netip.Addr) (occupied bool, err error) {
	if p.network.PingTimeout <= 0 || p.checker == nil {
		return false, nil
	}

	available, err := p.checker.IsAvailable(ctx, ip, p.network.PingTimeout)

	return !available, err
}

// handleRequest dispatches a DHCPREQUEST according to which of the
// SELECTING, INIT-REBOOT, RENEWING, and REBINDING states it belongs to.
//
// See https://datatracker.ietf.org/doc/html/rfc2131#section-4.3.2.
func (p *LeasePluginV4) handleRequest(ctx context.Context, mc *Context) (err error) {
	req := mc.Request4
	srvID, hasSrvID := serverID4(req)
	reqIP, hasReqIP := requestedIPv4(req)

	switch {
	case hasSrvID && !srvID.IsUnspecified():
		if srvID != p.serverIP {
			mc.Drop()

			return nil
		}

		return p.handleSelecting(ctx, mc, reqIP, hasReqIP)
	case hasReqIP && !reqIP.IsUnspecified():
		if !mc.Network.Subnet.Contains(reqIP) {
			p.nak(mc)

			return nil
		}

		return p.handleInitReboot(ctx, mc, reqIP)
	default:
		ciaddr, ok := netip.AddrFromSlice(req.ClientIP.To4())
		if !ok || !mc.Network.Subnet.Contains(ciaddr) {
			mc.Drop()

			return nil
		}

		return p.handleRenew(ctx, mc, ciaddr)
	}
}

// handleSelecting handles a DHCPREQUEST in the SELECTING state, sent in
// response to this server's own DHCPOFFER.
func (p *LeasePluginV4) handleSelecting(
	ctx context.Context,
	mc *Context,
	reqIP netip.Addr,
	hasReqIP bool,
) (err error) {
	if !hasReqIP {
		p.nak(mc)

		return nil
	}

	rec, err := p.backend.Get(ctx, mc.Network.Name, reqIP)
	if err != nil {
		return fmt.Errorf("selecting: %w", err)
	}

	if !rec.isOwnedBy(mc.Identity) || rec.State != LeaseStateReserved {
		p.nak(mc)

		return nil
	}

	return p.confirm(ctx, mc, rec)
}

// handleInitReboot handles a DHCPREQUEST in the INIT-REBOOT state, where
// ciaddr MUST be zero and the client is reconfirming a cached lease.
func (p *LeasePluginV4) handleInitReboot(ctx context.Context, mc *Context, reqIP netip.Addr) (err error) {
	ciaddr, ok := netip.AddrFromSlice(mc.Request4.ClientIP.To4())
	if ok && !ciaddr.IsUnspecified() {
		mc.Drop()

		return nil
	}

	rec, err := p.backend.Get(ctx, mc.Network.Name, reqIP)
	if err != nil {
		return fmt.Errorf("init-reboot: %w", err)
	}

	if !rec.isOwnedBy(mc.Identity) {
		// If the server has no record of this client, it must remain
		// silent, unless it's authoritative for the network.
		if mc.Network.Authoritative {
			p.nak(mc)
		} else {
			mc.Drop()
		}

		return nil
	}

	return p.confirm(ctx, mc, rec)
}

// handleRenew handles a DHCPREQUEST in the RENEWING or REBINDING state.
func (p *LeasePluginV4) handleRenew(ctx context.Context, mc *Context, ciaddr netip.Addr) (err error) {
	rec, err := p.backend.Get(ctx, mc.Network.Name, ciaddr)
	if err != nil {
		return fmt.Errorf("renew: %w", err)
	}

	if !rec.isOwnedBy(mc.Identity) {
		mc.Drop()

		return nil
	}

	return p.confirm(ctx, mc, rec)
}

// confirm transitions rec into [LeaseStateLeased] and sends a DHCPACK, or
// falls back to a DHCPNAK if the backend refuses the transition.
func (p *LeasePluginV4) confirm(ctx context.Context, mc *Context, rec *Record) (err error) {
	expiry := mc.ReceivedAt.Add(mc.Network.clampLease(requestedLeaseTime(mc.Request4)))
	rec = rec.Clone()
	rec.Hostname = cmpOr(mc.Hostname, rec.Hostname)

	updated, err := p.backend.TryLease(ctx, rec, expiry)
	if err != nil {
		p.logger.WarnContext(ctx, "confirming lease failed", slogutil.KeyError, err)
		p.nak(mc)

		return nil
	}

	return p.ack(ctx, mc, updated)
}

// handleRelease handles a DHCPRELEASE message.  No response is sent.
func (p *LeasePluginV4) handleRelease(ctx context.Context, mc *Context) (err error) {
	ip, ok := netip.AddrFromSlice(mc.Request4.ClientIP.To4())
	if !ok || !mc.Network.Subnet.Contains(ip) {
		mc.Drop()

		return nil
	}

	err = p.backend.ReleaseIP(ctx, mc.Network.Name, ip, mc.Identity)
	if err != nil {
		p.logger.ErrorContext(ctx, "releasing lease", slogutil.KeyError, err)
	}

	mc.Drop()

	return nil
}

// handleDecline handles a DHCPDECLINE message, probating the declined
// address.  No response is sent.
func (p *LeasePluginV4) handleDecline(ctx context.Context, mc *Context) (err error) {
	reqIP, hasReqIP := requestedIPv4(mc.Request4)
	if !hasReqIP || !mc.Network.Subnet.Contains(reqIP) {
		mc.Drop()

		return nil
	}

	err = p.backend.ProbateIP(
		ctx,
		mc.Network.Name,
		reqIP,
		mc.Identity,
		mc.ReceivedAt.Add(mc.Network.Probation),
	)
	if err != nil {
		p.logger.ErrorContext(ctx, "probating declined address", slogutil.KeyError, err)
	}

	mc.Drop()

	return nil
}

// handleInform handles a DHCPINFORM message, which requests configuration
// parameters without requesting an address lease.
//
// See https://datatracker.ietf.org/doc/html/rfc2131#section-3.4.
func (p *LeasePluginV4) handleInform(_ context.Context, mc *Context) (err error) {
	ciaddr, ok := netip.AddrFromSlice(mc.Request4.ClientIP.To4())
	if !ok || ciaddr.IsUnspecified() {
		mc.Drop()

		return nil
	}

	mc.Response4.YourClientIP = nil
	appendMessageType4(mc.Response4, layers.DHCPMsgTypeAck)
	appendServerID4(mc.Response4, p.serverIP)
	mc.Response4.Options = append(mc.Response4.Options, mergeOptionsV4(mc.Network, nil, mc)...)

	mc.Respond()

	return nil
}

// offer finalizes mc.Response4 as a DHCPOFFER for rec and marks mc to
// respond.
func (p *LeasePluginV4) offer(ctx context.Context, mc *Context, rec *Record) (err error) {
	p.buildLeaseResponse(mc, rec, layers.DHCPMsgTypeOffer)
	mc.Respond()

	return nil
}

// ack finalizes mc.Response4 as a DHCPACK for rec and marks mc to respond.
func (p *LeasePluginV4) ack(ctx context.Context, mc *Context, rec *Record) (err error) {
	p.buildLeaseResponse(mc, rec, layers.DHCPMsgTypeAck)
	mc.Respond()

	return nil
}

// nak replaces mc.Response4 with a minimal DHCPNAK and marks mc to respond.
//
// See https://datatracker.ietf.org/doc/html/rfc2131#section-4.3.1.
func (p *LeasePluginV4) nak(mc *Context) {
	resp := mc.Response4
	resp.YourClientIP = nil
	resp.Options = nil

	appendMessageType4(resp, layers.DHCPMsgTypeNak)
	appendServerID4(resp, p.serverIP)

	mc.Respond()
}

// buildLeaseResponse fills mc.Response4's YourClientIP and options for rec.
func (p *LeasePluginV4) buildLeaseResponse(mc *Context, rec *Record, msgType layers.DHCPMsgType) {
	resp := mc.Response4
	resp.YourClientIP = rec.IP.AsSlice()

	appendMessageType4(resp, msgType)
	appendServerID4(resp, p.serverIP)

	mc.Range = mc.Network.containingRange(rec.IP)
	resp.Options = append(resp.Options, mergeOptionsV4(mc.Network, mc.Range, mc)...)
	resp.Options = filterRequestedOptions4(resp.Options, mc.Request4)

	leaseSeconds := uint32(rec.Expiry.Sub(mc.ReceivedAt).Seconds())
	resp.Options = append(
		resp.Options,
		layers.NewDHCPOption(layers.DHCPOptLeaseTime, binary.BigEndian.AppendUint32(nil, leaseSeconds)),
	)

	if rec.Hostname != "" {
		resp.Options = append(resp.Options, layers.NewDHCPOption(layers.DHCPOptHostname, []byte(rec.Hostname)))
	}
}

// filterRequestedOptions4 drops every option from opts whose code was not
// requested in req's parameter request list, unless it is one of the options
// always sent: message type, server id, lease time, hostname.  opts is
// returned unfiltered when req has no parameter request list.
//
// TODO(e.burkov):  Consider the requested option order, as suggested by RFC
// 2132 section 9.8.
func filterRequestedOptions4(opts layers.DHCPOptions, req *layers.DHCPv4) (filtered layers.DHCPOptions) {
	requested := requestedOptions(req)
	if len(requested) == 0 {
		return opts
	}

	always := map[layers.DHCPOpt]bool{
		layers.DHCPOptMessageType: true,
		layers.DHCPOptServerID:    true,
		layers.DHCPOptLeaseTime:   true,
		layers.DHCPOptHostname:    true,
	}

	for _, o := range opts {
		if always[o.Type] {
			filtered = append(filtered, o)

			continue
		}

		for _, code := range requested {
			if o.Type == code {
				filtered = append(filtered, o)

				break
			}
		}
	}

	return filtered
}

// appendMessageType4 appends a DHCP message type option to resp.  A message
// type option already in resp is left in place.
func appendMessageType4(resp *layers.DHCPv4, msgType layers.DHCPMsgType) {
	resp.Options = append(resp.Options, layers.NewDHCPOption(layers.DHCPOptMessageType, []byte{byte(msgType)}))
}

// appendServerID4 sets resp's server identifier option.
func appendServerID4(resp *layers.DHCPv4, serverIP netip.Addr) {
	resp.Options = append(resp.Options, layers.NewDHCPOption(layers.DHCPOptServerID, serverIP.AsSlice()))
}

// requestedLeaseTime returns the client-requested lease duration, or zero if
// none was requested.
func requestedLeaseTime(req *layers.DHCPv4) (dur time.Duration) {
	for _, opt := range req.Options {
		if opt.Type == layers.DHCPOptLeaseTime && len(opt.Data) == 4 {
			return time.Duration(binary.BigEndian.Uint32(opt.Data)) * time.Second
		}
	}

	return 0
}

// cmpOr returns the first non-empty string among a and b.
func cmpOr(a, b string) (s string) {
	if a != "" {
		return a
	}

	return b
}
