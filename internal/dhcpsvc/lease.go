package dhcpsvc

import (
	"net/netip"
	"time"
)

// LeaseState is the state of a lease record, per §3's Lease record
// invariants.  The zero value is LeaseStateFree.
type LeaseState uint8

// Lease states.
const (
	// LeaseStateFree means the address is not currently assigned to anyone.
	LeaseStateFree LeaseState = iota

	// LeaseStateReserved means the address was handed out in a DHCPOFFER or
	// DHCPv6 Advertise, but not yet confirmed by the client.
	LeaseStateReserved

	// LeaseStateLeased means the address is actively leased and acknowledged.
	LeaseStateLeased

	// LeaseStateProbated means the address was declined and is cooling off
	// until its expiry, see §4.5's Decline handling.
	LeaseStateProbated

	// LeaseStateReleased means the address was explicitly released by its
	// owner and is available for immediate reallocation.
	LeaseStateReleased
)

// String implements the fmt.Stringer interface for LeaseState.
func (s LeaseState) String() (str string) {
	switch s {
	case LeaseStateFree:
		return "free"
	case LeaseStateReserved:
		return "reserved"
	case LeaseStateLeased:
		return "leased"
	case LeaseStateProbated:
		return "probated"
	case LeaseStateReleased:
		return "released"
	default:
		return "invalid"
	}
}

// IsFree returns true if s doesn't hold a non-free record, i.e. the address
// may be allocated to a new owner outright.
func (s LeaseState) IsFree() (ok bool) {
	return s == LeaseStateFree || s == LeaseStateReleased
}

// Record is the stored lease entry for an IP address, keyed by (network, IP)
// as described in §3.  The zero Record is free.
type Record struct {
	// Expiry is the time after which the record is no longer valid.  It is
	// ignored for [LeaseStateFree] and [LeaseStateReleased].
	Expiry time.Time

	// Identity is the logical owner of the record.  It must be non-empty for
	// every non-free state, per invariant (ii).
	Identity ClientIdentity

	// Network is the name of the network the record belongs to.
	Network string

	// Hostname is the client-supplied or assigned hostname, if any.
	Hostname string

	// Node is the identifier of the cluster node that currently coordinates
	// this record.  It is empty in local (non-clustered) mode.
	Node string

	// IP is the leased address.
	IP netip.Addr

	// Revision is the monotonic per-record counter used for optimistic
	// updates, per the §3 invariant and §4.8's compare-and-swap.
	Revision uint64

	// State is the current lifecycle state of the record.
	State LeaseState

	// IsStatic marks a record backed by a static reservation rather than the
	// allocator, see §4.4.
	IsStatic bool
}

// Clone returns a deep copy of r.  r may be nil.
func (r *Record) Clone() (clone *Record) {
	if r == nil {
		return nil
	}

	c := *r

	return &c
}

// isOwnedBy returns true if r is a non-free record owned by id.
func (r *Record) isOwnedBy(id ClientIdentity) (ok bool) {
	return r != nil && !r.State.IsFree() && r.Identity == id
}

// isExpired returns true if r's expiry has passed as of now.  Free and
// released records are never considered expired.
func (r *Record) isExpired(now time.Time) (ok bool) {
	if r == nil || r.State.IsFree() {
		return false
	}

	return r.Expiry.Before(now)
}

// isAvailableFor returns true if r may be (re)allocated to id as of now,
// honoring invariant (iv): probated records are skipped until expiry.
func (r *Record) isAvailableFor(id ClientIdentity, now time.Time) (ok bool) {
	if r == nil {
		return true
	}

	switch r.State {
	case LeaseStateFree, LeaseStateReleased:
		return true
	case LeaseStateProbated:
		return r.Expiry.Before(now)
	case LeaseStateReserved, LeaseStateLeased:
		return r.Identity == id
	default:
		return false
	}
}

// Lease is the public, address-family-agnostic view of a [Record], returned
// to external collaborators through [Interface] (§6).
type Lease struct {
	// Expiry is the expiration time of the lease.
	Expiry time.Time

	// Hostname of the client.
	Hostname string

	// Network is the name of the network the lease belongs to.
	Network string

	// IP is the IP address leased to the client.
	IP netip.Addr

	// Identity is the owning client identity.
	Identity ClientIdentity

	// IsStatic defines if the lease originates from a static reservation.
	IsStatic bool
}

// fromRecord converts a non-free record into its external [Lease]
// projection.  r must not be nil and must not be free.
func fromRecord(r *Record) (l *Lease) {
	return &Lease{
		Expiry:   r.Expiry,
		Hostname: r.Hostname,
		Network:  r.Network,
		IP:       r.IP,
		Identity: r.Identity,
		IsStatic: r.IsStatic,
	}
}
