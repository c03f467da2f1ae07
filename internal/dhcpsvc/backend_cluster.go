package dhcpsvc

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// ConnState is the cluster backend's view of its coordination link, per
// §4.8.
type ConnState uint8

// Cluster connection states.
const (
	ConnStateConnected ConnState = iota
	ConnStateReconnecting
	ConnStateDisconnected
)

// String implements the fmt.Stringer interface for ConnState.
func (s ConnState) String() (str string) {
	switch s {
	case ConnStateConnected:
		return "connected"
	case ConnStateReconnecting:
		return "reconnecting"
	case ConnStateDisconnected:
		return "disconnected"
	default:
		return "invalid"
	}
}

// ClusterCoordinator performs the actual cross-node compare-and-swap and
// reconciliation work a [ClusterBackend] delegates to.  It is the narrow
// contract this server uses to consult the external cluster-coordination
// collaborator named in §1; the coordination transport itself lives outside
// this module.
type ClusterCoordinator interface {
	// CAS applies the given record as a compare-and-swap against its
	// previous revision, returning [ErrConflict] if the swap lost the race.
	CAS(ctx context.Context, rec *Record) (err error)

	// Fetch returns the coordinator's current view of a record, or a free
	// zero-state record if it has none.
	Fetch(ctx context.Context, network string, ip netip.Addr) (rec *Record, err error)

	// FetchAll returns every record known to the coordinator for network.
	FetchAll(ctx context.Context, network string) (recs []*Record, err error)

	// Ping reports whether the coordinator is currently reachable.
	Ping(ctx context.Context) (ok bool)
}

// BackoffConfig configures the bounded retry used by [ClusterBackend] when
// talking to its coordinator, generalizing the fixed-interval retry loop
// used elsewhere in this codebase into a capped exponential backoff with
// jitter.
type BackoffConfig struct {
	// Initial is the delay before the first retry.
	Initial time.Duration

	// Max is the ceiling any single delay is clamped to.
	Max time.Duration

	// MaxAttempts is the maximum number of attempts, including the first.
	MaxAttempts int
}

// ClusterBackend wraps a [LocalBackend] with compare-and-swap coordination
// against a [ClusterCoordinator], falling back to a degraded local-only mode
// when coordination is unavailable, per §4.8.
//
// It is safe for concurrent use.
type ClusterBackend struct {
	local       *LocalBackend
	coordinator ClusterCoordinator
	logger      *slog.Logger

	// nodeID identifies this node to the rest of the cluster, stamped onto
	// every record this node comes to coordinate, per [Record.Node].
	nodeID string

	blockedAllocs  prometheus.Counter
	degradedRenews prometheus.Counter

	backoff BackoffConfig
	state   atomic.Int32
}

// type check
var _ LeaseBackend = (*ClusterBackend)(nil)

// ClusterBackendConfig configures a [ClusterBackend].
type ClusterBackendConfig struct {
	// Local is the single-node backend used as a write-through cache and as
	// the fallback store in degraded mode.  It must not be nil.
	Local *LocalBackend

	// Coordinator performs cross-node coordination.  It must not be nil.
	Coordinator ClusterCoordinator

	// NodeID identifies this node to the rest of the cluster.  If empty, a
	// random one is generated.
	NodeID string

	// Logger is used for logging.  It must not be nil.
	Logger *slog.Logger

	// BlockedAllocations counts allocations refused while in degraded mode.
	BlockedAllocations prometheus.Counter

	// DegradedRenewals counts renewals served from the local cache while in
	// degraded mode.
	DegradedRenewals prometheus.Counter

	// Backoff configures the retry used for coordinator calls.
	Backoff BackoffConfig
}

// NewClusterBackend returns a new *ClusterBackend using conf.
func NewClusterBackend(conf *ClusterBackendConfig) (b *ClusterBackend) {
	nodeID := conf.NodeID
	if nodeID == "" {
		nodeID = uuid.NewString()
	}

	b = &ClusterBackend{
		local:          conf.Local,
		coordinator:    conf.Coordinator,
		logger:         conf.Logger,
		nodeID:         nodeID,
		blockedAllocs:  conf.BlockedAllocations,
		degradedRenews: conf.DegradedRenewals,
		backoff:        conf.Backoff,
	}
	b.state.Store(int32(ConnStateConnected))

	return b
}

// stampNode sets rec.Node to b's node id and persists the change in the
// local cache, so that a subsequent [ClusterBackend.Reconcile] from another
// node can tell which node most recently coordinated rec.
func (b *ClusterBackend) stampNode(rec *Record) {
	rec.Node = b.nodeID

	b.local.mu.Lock()
	defer b.local.mu.Unlock()

	// Best-effort: a failure here doesn't affect the in-memory record
	// already returned to the caller, only its durability across restarts.
	_ = b.local.persist(rec)
}

// withRetry calls op with a capped exponential backoff and jitter between
// attempts, per b.backoff.  It gives up and transitions b into degraded mode
// once every attempt has failed.
func (b *ClusterBackend) withRetry(ctx context.Context, op func() (err error)) (err error) {
	delay := b.backoff.Initial

	for attempt := 1; attempt <= b.backoff.MaxAttempts; attempt++ {
		err = op()
		if err == nil {
			b.setState(ConnStateConnected)

			return nil
		}

		if attempt == b.backoff.MaxAttempts {
			break
		}

		b.setState(ConnStateReconnecting)
		b.logger.WarnContext(ctx, "coordinator call failed, retrying", "attempt", attempt, "err", err)

		jittered := delay/2 + time.Duration(rand.Int64N(int64(delay/2)+1))
		select {
		case <-time.After(jittered):
		case <-ctx.Done():
			return ctx.Err()
		}

		delay = min(delay*2, b.backoff.Max)
	}

	b.setState(ConnStateDisconnected)

	return fmt.Errorf("exhausted %d attempts: %w", b.backoff.MaxAttempts, err)
}

// setState updates b's connection state.
func (b *ClusterBackend) setState(s ConnState) {
	b.state.Store(int32(s))
}

// State returns b's current connection state.
func (b *ClusterBackend) State() (s ConnState) {
	return ConnState(b.state.Load())
}

// Get implements the [LeaseBackend] interface for *ClusterBackend.
func (b *ClusterBackend) Get(ctx context.Context, network string, ip netip.Addr) (rec *Record, err error) {
	return b.local.Get(ctx, network, ip)
}

// TryIP implements the [LeaseBackend] interface for *ClusterBackend.
func (b *ClusterBackend) TryIP(
	ctx context.Context,
	network string,
	ip netip.Addr,
	id ClientIdentity,
	expiry time.Time,
) (rec *Record, err error) {
	if !b.IsCoordinationAvailable() {
		b.blockedAllocs.Inc()

		return nil, fmt.Errorf("reserving %s: %w", ip, ErrCoordinationUnavailable)
	}

	rec, err = b.local.TryIP(ctx, network, ip, id, expiry)
	if err != nil {
		// Don't wrap the error since it's informative enough as is.
		return nil, err
	}
	b.stampNode(rec)

	err = b.withRetry(ctx, func() (err error) { return b.coordinator.CAS(ctx, rec) })
	if err != nil {
		return nil, fmt.Errorf("coordinating reservation of %s: %w", ip, err)
	}

	return rec, nil
}

// ReserveFirst implements the [LeaseBackend] interface for *ClusterBackend.
func (b *ClusterBackend) ReserveFirst(
	ctx context.Context,
	n *Network,
	mc *Context,
	id ClientIdentity,
	expiry time.Time,
) (rec *Record, err error) {
	if !b.IsCoordinationAvailable() {
		b.blockedAllocs.Inc()

		return nil, fmt.Errorf("reserving in %s: %w", n.Name, ErrCoordinationUnavailable)
	}

	rec, err = b.local.ReserveFirst(ctx, n, mc, id, expiry)
	if err != nil {
		// Don't wrap the error since it's informative enough as is.
		return nil, err
	}
	b.stampNode(rec)

	err = b.withRetry(ctx, func() (err error) { return b.coordinator.CAS(ctx, rec) })
	if err != nil {
		return nil, fmt.Errorf("coordinating reservation in %s: %w", n.Name, err)
	}

	return rec, nil
}

// TryLease implements the [LeaseBackend] interface for *ClusterBackend.  In
// degraded mode it allows renewing an already-owned lease from the local
// cache, but refuses to confirm a newly reserved one, per §4.8's degraded
// semantics.
func (b *ClusterBackend) TryLease(
	ctx context.Context,
	rec *Record,
	expiry time.Time,
) (updated *Record, err error) {
	if !b.IsCoordinationAvailable() {
		if rec.State != LeaseStateLeased {
			b.blockedAllocs.Inc()

			return nil, fmt.Errorf("leasing %s: %w", rec.IP, ErrCoordinationUnavailable)
		}

		b.degradedRenews.Inc()

		return b.local.TryLease(ctx, rec, expiry)
	}

	updated, err = b.local.TryLease(ctx, rec, expiry)
	if err != nil {
		// Don't wrap the error since it's informative enough as is.
		return nil, err
	}
	b.stampNode(updated)

	err = b.withRetry(ctx, func() (err error) { return b.coordinator.CAS(ctx, updated) })
	if err != nil {
		return nil, fmt.Errorf("coordinating lease of %s: %w", rec.IP, err)
	}

	return updated, nil
}

// ReleaseIP implements the [LeaseBackend] interface for *ClusterBackend.
func (b *ClusterBackend) ReleaseIP(
	ctx context.Context,
	network string,
	ip netip.Addr,
	id ClientIdentity,
) (err error) {
	err = b.local.ReleaseIP(ctx, network, ip, id)
	if err != nil {
		// Don't wrap the error since it's informative enough as is.
		return err
	}

	if !b.IsCoordinationAvailable() {
		return nil
	}

	rec, err := b.local.Get(ctx, network, ip)
	if err != nil {
		return fmt.Errorf("reading released record: %w", err)
	}

	return b.withRetry(ctx, func() (err error) { return b.coordinator.CAS(ctx, rec) })
}

// ProbateIP implements the [LeaseBackend] interface for *ClusterBackend.
func (b *ClusterBackend) ProbateIP(
	ctx context.Context,
	network string,
	ip netip.Addr,
	id ClientIdentity,
	probationExpiry time.Time,
) (err error) {
	err = b.local.ProbateIP(ctx, network, ip, id, probationExpiry)
	if err != nil {
		// Don't wrap the error since it's informative enough as is.
		return err
	}

	if !b.IsCoordinationAvailable() {
		return nil
	}

	rec, err := b.local.Get(ctx, network, ip)
	if err != nil {
		return fmt.Errorf("reading probated record: %w", err)
	}

	return b.withRetry(ctx, func() (err error) { return b.coordinator.CAS(ctx, rec) })
}

// LookupActiveLease implements the [LeaseBackend] interface for
// *ClusterBackend.  It always serves from the local cache, since a valid
// lease must have already been committed there.
func (b *ClusterBackend) LookupActiveLease(
	ctx context.Context,
	network string,
	id ClientIdentity,
) (rec *Record, err error) {
	return b.local.LookupActiveLease(ctx, network, id)
}

// IsCoordinationAvailable implements the [LeaseBackend] interface for
// *ClusterBackend.
func (b *ClusterBackend) IsCoordinationAvailable() (ok bool) {
	return b.State() == ConnStateConnected
}

// Reconcile implements the [LeaseBackend] interface for *ClusterBackend. It
// fetches the coordinator's view of every network and overwrites the local
// cache's records with it, per §4.8's reconnect behavior.
func (b *ClusterBackend) Reconcile(ctx context.Context) (err error) {
	ok := b.coordinator.Ping(ctx)
	if !ok {
		b.setState(ConnStateDisconnected)

		return fmt.Errorf("reconciling: %w", ErrCoordinationUnavailable)
	}

	b.setState(ConnStateConnected)

	recs, err := b.coordinator.FetchAll(ctx, "")
	if err != nil {
		return fmt.Errorf("fetching records: %w", err)
	}

	var errs []error
	for _, rec := range recs {
		key := recordKey{network: rec.Network, ip: rec.IP}

		b.local.mu.Lock()
		err = b.local.commit(ctx, key, rec)
		b.local.mu.Unlock()

		if err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Annotate(errors.Join(errs...), "reconciling: %w")
}

// SelectAll implements the [LeaseBackend] interface for *ClusterBackend.
func (b *ClusterBackend) SelectAll(ctx context.Context, network string) (recs []*Record, err error) {
	return b.local.SelectAll(ctx, network)
}
