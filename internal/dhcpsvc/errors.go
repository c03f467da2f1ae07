package dhcpsvc

import "github.com/AdguardTeam/golibs/errors"

const (
	// errNilConfig is returned when a nil config met.
	errNilConfig errors.Error = "config is nil"

	// errNoInterfaces is returned when no interfaces found in configuration.
	errNoInterfaces errors.Error = "no interfaces specified"

	// ErrAddrInUse is returned when an operation targets an address that is
	// already owned by a different client identity.
	ErrAddrInUse errors.Error = "address in use"

	// ErrConflict is returned when a backend operation's optimistic
	// precondition no longer holds, e.g. a stale revision or an address
	// owned by someone else.
	ErrConflict errors.Error = "conflict"

	// ErrRangeExhausted is returned by [LeaseBackend.ReserveFirst] when a
	// network has no address left to offer.
	ErrRangeExhausted errors.Error = "range exhausted"

	// ErrUnreserved is returned when an operation expects an existing
	// reserved or leased record and finds none.
	ErrUnreserved errors.Error = "address not reserved"

	// ErrCoordinationUnavailable is returned by a clustered backend when it
	// cannot reach quorum for an operation that requires it, per §4.8's
	// degraded mode.
	ErrCoordinationUnavailable errors.Error = "cluster coordination unavailable"
)
