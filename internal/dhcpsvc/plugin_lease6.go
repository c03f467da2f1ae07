package dhcpsvc

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/timeutil"
	"github.com/google/gopacket/layers"
	"github.com/google/uuid"
)

// statusSuccess, statusNoAddrsAvail, and statusNoBinding are the DHCPv6
// status codes this server sends, per RFC 8415 section 21.13.
const (
	statusSuccess      uint16 = 0
	statusNoAddrsAvail uint16 = 2
	statusNoBinding    uint16 = 3
)

// LeasePluginV6 is the IPv6 counterpart of [LeasePluginV4], implementing the
// RFC 8415 IA_NA exchange for a single bound [Network].
type LeasePluginV6 struct {
	network    *Network
	backend    LeaseBackend
	checker    addressChecker
	clock      timeutil.Clock
	serverDUID []byte
	logger     *slog.Logger
}

// type check
var _ Plugin = (*LeasePluginV6)(nil)

// LeasePluginV6Config configures a [LeasePluginV6].
type LeasePluginV6Config struct {
	Network *Network
	Backend LeaseBackend
	Checker addressChecker
	Clock   timeutil.Clock

	// ServerDUID is this server's DHCPv6 Server Identifier, sent in every
	// Advertise and Reply.  It must not be the client's own identity.
	ServerDUID []byte

	Logger *slog.Logger
}

// NewLeasePluginV6 returns a new *LeasePluginV6 using conf.
func NewLeasePluginV6(conf *LeasePluginV6Config) (p *LeasePluginV6) {
	return &LeasePluginV6{
		network:    conf.Network,
		backend:    conf.Backend,
		checker:    conf.Checker,
		clock:      conf.Clock,
		serverDUID: conf.ServerDUID,
		logger:     conf.Logger,
	}
}

// newServerDUID generates a DUID-UUID (RFC 6355 section 4): a 2-octet type
// of 4 followed by a random UUID.
func newServerDUID() (duid []byte) {
	id := uuid.New()
	duid = make([]byte, 2, 18)
	binary.BigEndian.PutUint16(duid, 4)

	return append(duid, id[:]...)
}

// Name implements the [Plugin] interface for *LeasePluginV6.
func (p *LeasePluginV6) Name() (name string) { return "lease_v6" }

// Handle implements the [Plugin] interface for *LeasePluginV6.
func (p *LeasePluginV6) Handle(ctx context.Context, mc *Context) (err error) {
	if mc.Network != nil && mc.Network.Name != p.network.Name {
		mc.Drop()

		return nil
	}

	mc.Network = p.network

	switch mc.MsgType6 {
	case layers.DHCPv6MsgTypeSolicit:
		return p.handleSolicit(ctx, mc)
	case layers.DHCPv6MsgTypeRequest:
		return p.handleRequest(ctx, mc)
	case layers.DHCPv6MsgTypeRenew, layers.DHCPv6MsgTypeRebind:
		return p.handleRenew(ctx, mc)
	case layers.DHCPv6MsgTypeConfirm:
		return p.handleConfirm(ctx, mc)
	case layers.DHCPv6MsgTypeRelease:
		return p.handleRelease(ctx, mc)
	case layers.DHCPv6MsgTypeDecline:
		return p.handleDecline(ctx, mc)
	case layers.DHCPv6MsgTypeInformationRequest:
		return p.handleInformationRequest(ctx, mc)
	default:
		mc.Drop()

		return nil
	}
}

// handleSolicit handles a Solicit message, replying with an Advertise, or
// with a Reply when the client requested Rapid Commit, per RFC 8415 section
// 18.3.9 and section 18.2.1.1.
func (p *LeasePluginV6) handleSolicit(ctx context.Context, mc *Context) (err error) {
	rec, err := p.reserveWithProbe(ctx, mc)
	if err != nil {
		if errors.Is(err, ErrCoordinationUnavailable) {
			// Per the degraded-mode behavior, a Solicit the server cannot
			// coordinate an address for is dropped rather than answered.
			p.logger.DebugContext(ctx, "solicit: coordination unavailable", slogutil.KeyError, err)
			mc.Drop()

			return nil
		}

		p.logger.DebugContext(ctx, "solicit: no address available", slogutil.KeyError, err)
		p.replyWithStatus(mc, statusNoAddrsAvail)

		return nil
	}

	expiry := mc.ReceivedAt.Add(mc.Network.clampLease(0))

	if mc.RapidCommit {
		updated, leaseErr := p.backend.TryLease(ctx, rec, expiry)
		if leaseErr != nil {
			p.logger.WarnContext(ctx, "rapid commit lease failed", slogutil.KeyError, leaseErr)
			p.replyWithStatus(mc, statusNoAddrsAvail)

			return nil
		}

		mc.Response6.Options = append(
			mc.Response6.Options,
			layers.NewDHCPv6Option(layers.DHCPv6OptRapidCommit, nil),
		)

		return p.reply(ctx, mc, updated)
	}

	return p.advertise(ctx, mc, rec)
}

// reserveWithProbe reserves a candidate address for mc, probing it with
// ICMPv6 echo when the network requires it, mirroring
// [LeasePluginV4.reserveWithProbe].
func (p *LeasePluginV6) reserveWithProbe(ctx context.Context, mc *Context) (rec *Record, err error) {
	n := mc.Network
	expiry := mc.ReceivedAt.Add(n.clampLease(0))

	for attempt := 0; attempt < maxProbeAttempts; attempt++ {
		if mc.StaticIP.IsValid() {
			rec, err = p.backend.TryIP(ctx, n.Name, mc.StaticIP, mc.Identity, expiry)
		} else {
			rec, err = p.backend.ReserveFirst(ctx, n, mc, mc.Identity, expiry)
		}
		if err != nil {
			return nil, err
		}

		if p.network.PingTimeout <= 0 || p.checker == nil {
			return rec, nil
		}

		var available bool
		available, err = p.checker.IsAvailable(ctx, rec.IP, p.network.PingTimeout)
		if err != nil || available {
			return rec, nil
		}

		p.logger.WarnContext(ctx, "candidate address answered icmp probe", "ip", rec.IP)

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

// handleRequest handles a Request message, the client's commitment to a
// previously advertised address.
func (p *LeasePluginV6) handleRequest(ctx context.Context, mc *Context) (err error) {
	requested, ok := requestedIAAddr(mc.Request6)
	if !ok {
		p.replyWithStatus(mc, statusNoBinding)

		return nil
	}

	rec, err := p.backend.Get(ctx, mc.Network.Name, requested)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}

	if !rec.isOwnedBy(mc.Identity) {
		p.replyWithStatus(mc, statusNoBinding)

		return nil
	}

	return p.confirmLease(ctx, mc, rec)
}

// handleRenew handles a Renew or Rebind message, extending an existing
// lease.
func (p *LeasePluginV6) handleRenew(ctx context.Context, mc *Context) (err error) {
	active, err := p.backend.LookupActiveLease(ctx, mc.Network.Name, mc.Identity)
	if err != nil {
		return fmt.Errorf("renew: %w", err)
	}

	if active == nil {
		p.replyWithStatus(mc, statusNoBinding)

		return nil
	}

	return p.confirmLease(ctx, mc, active)
}

// confirmLease transitions rec to [LeaseStateLeased] with a fresh expiry and
// replies with the result.
func (p *LeasePluginV6) confirmLease(ctx context.Context, mc *Context, rec *Record) (err error) {
	expiry := mc.ReceivedAt.Add(mc.Network.clampLease(0))
	rec = rec.Clone()

	updated, err := p.backend.TryLease(ctx, rec, expiry)
	if err != nil {
		p.logger.WarnContext(ctx, "confirming v6 lease failed", slogutil.KeyError, err)
		p.replyWithStatus(mc, statusNoBinding)

		return nil
	}

	return p.reply(ctx, mc, updated)
}

// handleConfirm handles a Confirm message, verifying the client's address
// still belongs on this network without changing the lease's expiry.
func (p *LeasePluginV6) handleConfirm(ctx context.Context, mc *Context) (err error) {
	requested, ok := requestedIAAddr(mc.Request6)
	if !ok || !mc.Network.Subnet.Contains(requested) {
		p.replyWithStatus(mc, statusNoBinding)

		return nil
	}

	rec, err := p.backend.Get(ctx, mc.Network.Name, requested)
	if err != nil {
		return fmt.Errorf("confirm: %w", err)
	}

	if !rec.isOwnedBy(mc.Identity) {
		p.replyWithStatus(mc, statusNoBinding)

		return nil
	}

	return p.reply(ctx, mc, rec)
}

// handleRelease handles a Release message.  No address allocation state
// survives the reply.
func (p *LeasePluginV6) handleRelease(ctx context.Context, mc *Context) (err error) {
	requested, ok := requestedIAAddr(mc.Request6)
	if !ok {
		p.replyWithStatus(mc, statusNoBinding)

		return nil
	}

	err = p.backend.ReleaseIP(ctx, mc.Network.Name, requested, mc.Identity)
	if err != nil {
		p.logger.ErrorContext(ctx, "releasing v6 lease", slogutil.KeyError, err)
	}

	p.replyWithStatus(mc, statusSuccess)

	return nil
}

// handleDecline handles a Decline message, probating the declined address.
func (p *LeasePluginV6) handleDecline(ctx context.Context, mc *Context) (err error) {
	requested, ok := requestedIAAddr(mc.Request6)
	if !ok {
		p.replyWithStatus(mc, statusNoBinding)

		return nil
	}

	err = p.backend.ProbateIP(
		ctx,
		mc.Network.Name,
		requested,
		mc.Identity,
		mc.ReceivedAt.Add(mc.Network.Probation),
	)
	if err != nil {
		p.logger.ErrorContext(ctx, "probating declined v6 address", slogutil.KeyError, err)
	}

	p.replyWithStatus(mc, statusSuccess)

	return nil
}

// handleInformationRequest handles an Information-Request message, carrying
// only configuration options, no address association.
func (p *LeasePluginV6) handleInformationRequest(_ context.Context, mc *Context) (err error) {
	mc.Response6.Options = append(mc.Response6.Options, mergeOptionsV6(mc.Network, nil, mc)...)
	mc.Respond()

	return nil
}

// advertise finalizes mc.Response6 as an Advertise for rec.
func (p *LeasePluginV6) advertise(_ context.Context, mc *Context, rec *Record) (err error) {
	p.buildLeaseResponse(mc, rec)
	mc.Respond()

	return nil
}

// reply finalizes mc.Response6 as a Reply for rec.
func (p *LeasePluginV6) reply(_ context.Context, mc *Context, rec *Record) (err error) {
	p.buildLeaseResponse(mc, rec)
	mc.Respond()

	return nil
}

// buildLeaseResponse fills mc.Response6's options with the client id,
// server id, and a single IA_NA binding rec.
func (p *LeasePluginV6) buildLeaseResponse(mc *Context, rec *Record) {
	resp := mc.Response6

	cid, _ := findOption6(mc.Request6.Options, layers.DHCPv6OptClientID)
	resp.Options = append(resp.Options, layers.NewDHCPv6Option(layers.DHCPv6OptClientID, cid.Data))
	resp.Options = append(resp.Options, layers.NewDHCPv6Option(layers.DHCPv6OptServerID, p.serverDUID))

	mc.Range = mc.Network.containingRange(rec.IP)

	preferred := mc.Network.clampLease(0)
	valid := preferred + preferred/2
	resp.Options = append(resp.Options, newIANAOption(mc.Identity.IAID, preferred, valid, rec.IP))
	resp.Options = append(resp.Options, mergeOptionsV6(mc.Network, mc.Range, mc)...)
}

// replyWithStatus replies with a bare status code option and no address
// binding, used for error and confirmation-only responses.
func (p *LeasePluginV6) replyWithStatus(mc *Context, status uint16) {
	resp := mc.Response6

	cid, _ := findOption6(mc.Request6.Options, layers.DHCPv6OptClientID)
	resp.Options = append(resp.Options, layers.NewDHCPv6Option(layers.DHCPv6OptClientID, cid.Data))
	resp.Options = append(resp.Options, layers.NewDHCPv6Option(layers.DHCPv6OptServerID, p.serverDUID))
	resp.Options = append(resp.Options, newStatusCodeOption(status))

	mc.Respond()
}

// newIANAOption builds an IA_NA option with a single nested IAAddr
// suboption for ip, per RFC 8415 section 21.4 and section 21.6.
func newIANAOption(iaid uint32, preferred, valid time.Duration, ip netip.Addr) (opt layers.DHCPv6Option) {
	data := make([]byte, 12)
	binary.BigEndian.PutUint32(data[0:4], iaid)
	binary.BigEndian.PutUint32(data[4:8], uint32(preferred.Seconds()))
	binary.BigEndian.PutUint32(data[8:12], uint32(valid.Seconds()))

	addrOpt := newIAAddrOption(ip, preferred, valid)
	data = append(data, encodeOption6(addrOpt)...)

	return layers.NewDHCPv6Option(layers.DHCPv6OptIANA, data)
}

// newIAAddrOption builds an IAAddr suboption for ip.
func newIAAddrOption(ip netip.Addr, preferred, valid time.Duration) (opt layers.DHCPv6Option) {
	data := make([]byte, 24)
	copy(data[0:16], ip.As16())
	binary.BigEndian.PutUint32(data[16:20], uint32(preferred.Seconds()))
	binary.BigEndian.PutUint32(data[20:24], uint32(valid.Seconds()))

	return layers.NewDHCPv6Option(layers.DHCPv6OptIAAddr, data)
}

// newStatusCodeOption builds a StatusCode option with no message text.
func newStatusCodeOption(code uint16) (opt layers.DHCPv6Option) {
	data := binary.BigEndian.AppendUint16(nil, code)

	return layers.NewDHCPv6Option(layers.DHCPv6OptStatusCode, data)
}

// encodeOption6 serializes opt into its wire form: type, length, data.
func encodeOption6(opt layers.DHCPv6Option) (raw []byte) {
	raw = make([]byte, 4+len(opt.Data))
	binary.BigEndian.PutUint16(raw[0:2], uint16(opt.Code))
	binary.BigEndian.PutUint16(raw[2:4], uint16(len(opt.Data)))
	copy(raw[4:], opt.Data)

	return raw
}

// requestedIAAddr extracts the address from the first IA_NA's nested IAAddr
// suboption in req.
func requestedIAAddr(req *layers.DHCPv6) (ip netip.Addr, ok bool) {
	iana, ok := findOption6(req.Options, layers.DHCPv6OptIANA)
	if !ok || len(iana.Data) < 12 {
		return netip.Addr{}, false
	}

	sub := iana.Data[12:]
	for len(sub) >= 4 {
		code := layers.DHCPv6Opt(binary.BigEndian.Uint16(sub[0:2]))
		length := binary.BigEndian.Uint16(sub[2:4])
		if len(sub) < 4+int(length) {
			return netip.Addr{}, false
		}

		if code == layers.DHCPv6OptIAAddr && length >= 16 {
			ip, ok = netip.AddrFromSlice(sub[4:20])

			return ip, ok
		}

		sub = sub[4+length:]
	}

	return netip.Addr{}, false
}
