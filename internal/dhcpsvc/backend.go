package dhcpsvc

import (
	"context"
	"net/netip"
	"time"
)

// LeaseBackend stores and coordinates [Record]s, per §4.6.  Implementations
// must uphold the record invariants from §3: at most one non-free owner per
// (network, IP) key, and a monotonically increasing Revision on every
// mutation.
//
// All methods are safe for concurrent use.
type LeaseBackend interface {
	// Get returns the current record for (network, ip).  It returns a free
	// zero-state record, not an error, if none exists.
	Get(ctx context.Context, network string, ip netip.Addr) (rec *Record, err error)

	// TryIP attempts to claim the exact address ip for id, transitioning a
	// free or expired record to [LeaseStateReserved].  It fails with
	// [ErrConflict] if the address is owned by someone else.
	TryIP(
		ctx context.Context,
		network string,
		ip netip.Addr,
		id ClientIdentity,
		expiry time.Time,
	) (rec *Record, err error)

	// ReserveFirst scans n's ranges and claims the first address available
	// to mc's request, per [Network.reserveFirst].  It fails with
	// [ErrRangeExhausted] if no address is available.
	ReserveFirst(
		ctx context.Context,
		n *Network,
		mc *Context,
		id ClientIdentity,
		expiry time.Time,
	) (rec *Record, err error)

	// TryLease confirms a reserved record into [LeaseStateLeased], or
	// renews an already-leased record, using rec.Revision as the optimistic
	// concurrency token.  It fails with [ErrConflict] if rec's revision is
	// stale.
	TryLease(ctx context.Context, rec *Record, expiry time.Time) (updated *Record, err error)

	// ReleaseIP releases the address owned by id back to
	// [LeaseStateReleased].  It is a no-op, not an error, if id does not own
	// the record.
	ReleaseIP(ctx context.Context, network string, ip netip.Addr, id ClientIdentity) (err error)

	// ProbateIP transitions the record owned by id into
	// [LeaseStateProbated] until probationExpiry, per §4.5's Decline
	// handling.
	ProbateIP(
		ctx context.Context,
		network string,
		ip netip.Addr,
		id ClientIdentity,
		probationExpiry time.Time,
	) (err error)

	// LookupActiveLease returns the non-expired record owned by id within
	// network, if any.  It returns nil and no error if id has no active
	// record.
	LookupActiveLease(ctx context.Context, network string, id ClientIdentity) (rec *Record, err error)

	// IsCoordinationAvailable reports whether the backend can currently
	// coordinate allocations with the rest of its cluster.  A local,
	// non-clustered backend always returns true.
	IsCoordinationAvailable() (ok bool)

	// Reconcile resynchronizes the backend's local view with its
	// coordination source, per §4.8.  It is a no-op for a local backend.
	Reconcile(ctx context.Context) (err error)

	// SelectAll returns every non-free record for network, for use by
	// [Interface.Leases] and external reporting.
	SelectAll(ctx context.Context, network string) (recs []*Record, err error)
}
