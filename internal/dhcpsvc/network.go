package dhcpsvc

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/big"
	"net/netip"
	"slices"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/validate"
	"github.com/google/gopacket/layers"
)

// ipRange is an inclusive range of IP addresses.  A zero range doesn't
// contain any IP addresses.
//
// It is safe for concurrent use.
type ipRange struct {
	start netip.Addr
	end   netip.Addr
}

// maxRangeLen is the maximum IP range length a [Range] will accept.
const maxRangeLen = math.MaxUint32

// newIPRange creates a new IP address range.  start must not be greater than
// end.  The resulting range must not be greater than maxRangeLen.
func newIPRange(start, end netip.Addr) (r ipRange, err error) {
	defer func() { err = errors.Annotate(err, "invalid ip range: %w") }()

	switch false {
	case start.Is4() == end.Is4():
		return ipRange{}, fmt.Errorf("%s and %s must be within the same address family", start, end)
	case !end.Less(start):
		return ipRange{}, fmt.Errorf("start %s is greater than end %s", start, end)
	default:
		diff := (&big.Int{}).Sub(
			(&big.Int{}).SetBytes(end.AsSlice()),
			(&big.Int{}).SetBytes(start.AsSlice()),
		)

		if !diff.IsUint64() || diff.Uint64() > maxRangeLen {
			return ipRange{}, fmt.Errorf("range length must be within %d", uint32(maxRangeLen))
		}
	}

	return ipRange{
		start: start,
		end:   end,
	}, nil
}

// contains returns true if r contains ip.
func (r ipRange) contains(ip netip.Addr) (ok bool) {
	// Assume that the end was checked to be within the same address family
	// as the start during construction.
	return r.start.Is4() == ip.Is4() && !ip.Less(r.start) && !r.end.Less(ip)
}

// ipPredicate is a function that is called on every IP address in
// [ipRange.find].
type ipPredicate func(ip netip.Addr) (ok bool)

// find finds the first IP address in r for which p returns true.  It
// returns an empty [netip.Addr] if there are no addresses that satisfy p.
func (r ipRange) find(p ipPredicate) (ip netip.Addr) {
	for ip = r.start; !r.end.Less(ip); ip = ip.Next() {
		if p(ip) {
			return ip
		}
	}

	return netip.Addr{}
}

// offset returns the offset of ip from the beginning of r, used to report
// where within a range a given address falls.  It returns 0 and false if ip
// is not in r.
func (r ipRange) offset(ip netip.Addr) (offset uint64, ok bool) {
	if !r.contains(ip) {
		return 0, false
	}

	startData, ipData := r.start.As16(), ip.As16()
	be := binary.BigEndian

	// Assume that the range length was checked against maxRangeLen during
	// construction.
	return be.Uint64(ipData[8:]) - be.Uint64(startData[8:]), true
}

// String implements the fmt.Stringer interface for ipRange.
func (r ipRange) String() (s string) {
	return fmt.Sprintf("%s-%s", r.start, r.end)
}

// Range is a contiguous range of addresses within a [Network], with an
// optional predicate restricting eligibility, per §3.
type Range struct {
	// Predicate restricts which requests this range is eligible for.  A nil
	// Predicate means the range is eligible for every request.
	Predicate ClientClassifier

	// OptionsV4 are the per-range IPv4 option overrides, merged in after the
	// network's own defaults, see §4.5's option merge order.
	OptionsV4 layers.DHCPOptions

	// OptionsV6 are the per-range IPv6 option overrides.
	OptionsV6 layers.DHCPv6Options

	bounds ipRange
}

// NewRange returns a new address range [lo, hi].  lo and hi must belong to
// the same address family and lo must not be greater than hi.
func NewRange(lo, hi netip.Addr, predicate ClientClassifier) (r *Range, err error) {
	bounds, err := newIPRange(lo, hi)
	if err != nil {
		// Don't wrap the error since it's informative enough as is.
		return nil, err
	}

	return &Range{
		bounds:    bounds,
		Predicate: predicate,
	}, nil
}

// Contains returns true if ip lies within r.
func (r *Range) Contains(ip netip.Addr) (ok bool) {
	return r.bounds.contains(ip)
}

// Eligible returns true if mc's request is allowed to receive an address
// from r.
func (r *Range) Eligible(mc *Context) (ok bool) {
	return r.Predicate == nil || r.Predicate.Match(mc)
}

// Offset returns ip's position within r, counting from 0 at the low end.
// It returns 0 and false if ip does not lie within r.
func (r *Range) Offset(ip netip.Addr) (offset uint64, ok bool) {
	return r.bounds.offset(ip)
}

// String implements the fmt.Stringer interface for *Range.
func (r *Range) String() (s string) {
	return r.bounds.String()
}

// Network is a configured subnet served by the lease plugin, per §3.
type Network struct {
	// Name identifies the network for logging and as the first component of
	// a [Record]'s key.
	Name string

	// Subnet is the network's CIDR.
	Subnet netip.Prefix

	// Gateway is the IPv4 gateway address advertised to clients.  It is
	// unused for IPv6 networks.
	Gateway netip.Addr

	// Ranges are the reservation ranges within Subnet, scanned in
	// configuration order by [Network.reserveFirst].
	Ranges []*Range

	// ClientClasses are consulted, in order, for per-class option overrides,
	// merged in last, see §4.5.
	ClientClasses []*ClientClass

	// OptionsV4 are the network-wide IPv4 option defaults.
	OptionsV4 layers.DHCPOptions

	// OptionsV6 are the network-wide IPv6 option defaults.
	OptionsV6 layers.DHCPv6Options

	// DefaultLease is the lease duration granted when the client neither
	// requests one nor has it clamped by Min/MaxLease.
	DefaultLease time.Duration

	// MinLease is the smallest lease duration this network will grant.
	MinLease time.Duration

	// MaxLease is the largest lease duration this network will grant.
	MaxLease time.Duration

	// PingTimeout is the ICMP pre-offer probe timeout, see §4.5 and §9.  Zero
	// disables probing.
	PingTimeout time.Duration

	// Probation is the cool-off duration applied to declined addresses, see
	// §4.5's Decline handling.
	Probation time.Duration

	// Family is the address family this network serves.
	Family AddrFamily

	// Authoritative marks the network as authoritative over its subnet.  An
	// INIT-REBOOT request for an address the client doesn't hold is answered
	// with a DHCPNAK when it's set and dropped silently otherwise.
	Authoritative bool
}

// type check
var _ validate.Interface = (*Network)(nil)

// Validate implements the [validate.Interface] interface for *Network.
func (n *Network) Validate() (err error) {
	if n == nil {
		return errors.ErrNoValue
	}

	errs := []error{
		validate.NotEmpty("Name", n.Name),
		validate.Positive("DefaultLease", n.DefaultLease),
		validate.Positive("MinLease", n.MinLease),
		validate.Positive("MaxLease", n.MaxLease),
		validate.NotNegative("PingTimeout", n.PingTimeout),
		validate.NotNegative("Probation", n.Probation),
	}

	if !n.Subnet.IsValid() {
		errs = append(errs, fmt.Errorf("subnet: %w", errors.ErrNoValue))
	}

	if n.MinLease > n.MaxLease {
		errs = append(errs, fmt.Errorf("min lease %s exceeds max lease %s", n.MinLease, n.MaxLease))
	}

	if len(n.Ranges) == 0 {
		errs = append(errs, fmt.Errorf("ranges: %w", errors.ErrEmptyValue))
	}

	return errors.Join(errs...)
}

// clampLease clamps requested into [n.MinLease, n.MaxLease], falling back to
// n.DefaultLease when requested is zero, per §4.5(b).
func (n *Network) clampLease(requested time.Duration) (lease time.Duration) {
	if requested <= 0 {
		return n.DefaultLease
	}

	return min(max(requested, n.MinLease), n.MaxLease)
}

// reserveFirst scans n's ranges in configuration order, and within each
// range scans low-to-high, returning the first address that avail accepts,
// per §4.5's tie-breaking and ordering rules.  It returns an invalid address
// if no range yields one.
func (n *Network) reserveFirst(mc *Context, avail func(ip netip.Addr) (ok bool)) (ip netip.Addr) {
	for _, r := range n.Ranges {
		if !r.Eligible(mc) {
			continue
		}

		found := r.bounds.find(avail)
		if found.IsValid() {
			return found
		}
	}

	return netip.Addr{}
}

// containingRange returns the range within n that contains ip, or nil.
func (n *Network) containingRange(ip netip.Addr) (r *Range) {
	i := slices.IndexFunc(n.Ranges, func(r *Range) (ok bool) { return r.Contains(ip) })
	if i < 0 {
		return nil
	}

	return n.Ranges[i]
}

// Networks is a set of configured networks, searchable by member address,
// per §4.4's static-assignment network resolution.
type Networks []*Network

// find returns the network within ns whose subnet contains ip.
func (ns Networks) find(ip netip.Addr) (n *Network, ok bool) {
	i := slices.IndexFunc(ns, func(n *Network) (ok bool) { return n.Subnet.Contains(ip) })
	if i < 0 {
		return nil, false
	}

	return ns[i], true
}

// byName returns the network within ns with the given name.
func (ns Networks) byName(name string) (n *Network, ok bool) {
	i := slices.IndexFunc(ns, func(n *Network) (ok bool) { return n.Name == name })
	if i < 0 {
		return nil, false
	}

	return ns[i], true
}
