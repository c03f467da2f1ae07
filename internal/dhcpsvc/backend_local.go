package dhcpsvc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/timeutil"
	"go.etcd.io/bbolt"
)

// Bucket names used within the local lease backend's database.
const (
	bboltBucketRecords    = "records"
	bboltBucketByIdentity = "by_identity"
)

// LocalBackendConfig configures a [LocalBackend].
type LocalBackendConfig struct {
	// Logger is used for logging the operation of the backend.  It must not
	// be nil.
	Logger *slog.Logger

	// Clock is used to get the current time.  It must not be nil.
	Clock timeutil.Clock

	// DBPath is the path to the bbolt database file backing the store.  It
	// must not be empty.
	DBPath string
}

// LocalBackend is the single-node [LeaseBackend] implementation backed by a
// bbolt database, grounded on the session-storage idiom used elsewhere in
// this codebase.  It keeps an in-memory index alongside the database for
// fast lookups, rebuilt from the database at open time.
//
// It is safe for concurrent use.
type LocalBackend struct {
	db     *bbolt.DB
	logger *slog.Logger
	clock  timeutil.Clock

	mu      *sync.Mutex
	byKey   map[recordKey]*Record
	byIdent map[identityKey]recordKey
}

// type check
var _ LeaseBackend = (*LocalBackend)(nil)

// recordKey identifies a record by its (network, IP) pair.
type recordKey struct {
	network string
	ip      netip.Addr
}

// String implements the fmt.Stringer interface for recordKey.
func (k recordKey) String() (s string) {
	return fmt.Sprintf("%s/%s", k.network, k.ip)
}

// identityKey identifies a record by its owning (network, identity) pair.
type identityKey struct {
	network  string
	identity ClientIdentity
}

// NewLocalBackend opens, or creates, the bbolt database at conf.DBPath and
// returns a ready-to-use *LocalBackend.
func NewLocalBackend(ctx context.Context, conf *LocalBackendConfig) (b *LocalBackend, err error) {
	defer func() { err = errors.Annotate(err, "opening local lease backend: %w") }()

	db, err := bbolt.Open(conf.DBPath, 0o640, nil)
	if err != nil {
		return nil, fmt.Errorf("opening db: %w", err)
	}

	b = &LocalBackend{
		db:      db,
		logger:  conf.Logger,
		clock:   conf.Clock,
		mu:      &sync.Mutex{},
		byKey:   map[recordKey]*Record{},
		byIdent: map[identityKey]recordKey{},
	}

	err = b.rebuildIndex(ctx)
	if err != nil {
		return nil, fmt.Errorf("rebuilding index: %w", err)
	}

	return b, nil
}

// rebuildIndex loads every stored record into b's in-memory index.
func (b *LocalBackend) rebuildIndex(ctx context.Context) (err error) {
	tx, err := b.db.Begin(true)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}

	needRollback := true
	defer func() {
		if needRollback {
			err = errors.WithDeferred(err, tx.Rollback())
		}
	}()

	bkt, err := tx.CreateBucketIfNotExists([]byte(bboltBucketRecords))
	if err != nil {
		return fmt.Errorf("creating records bucket: %w", err)
	}

	_, err = tx.CreateBucketIfNotExists([]byte(bboltBucketByIdentity))
	if err != nil {
		return fmt.Errorf("creating identity bucket: %w", err)
	}

	var loaded int
	err = bkt.ForEach(func(_, v []byte) (err error) {
		rec := &Record{}
		err = json.Unmarshal(v, rec)
		if err != nil {
			b.logger.WarnContext(ctx, "deserializing record", slogutil.KeyError, err)

			return nil
		}

		key := recordKey{network: rec.Network, ip: rec.IP}
		b.byKey[key] = rec
		if !rec.State.IsFree() {
			b.byIdent[identityKey{network: rec.Network, identity: rec.Identity}] = key
		}
		loaded++

		return nil
	})
	if err != nil {
		return fmt.Errorf("iterating over records: %w", err)
	}

	needRollback = false
	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	b.logger.InfoContext(ctx, "loaded records", "num", loaded)

	return nil
}

// persist stores rec in the database bucket.  b.mu is expected to be held.
func (b *LocalBackend) persist(rec *Record) (err error) {
	tx, err := b.db.Begin(true)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}

	needRollback := true
	defer func() {
		if needRollback {
			err = errors.WithDeferred(err, tx.Rollback())
		}
	}()

	bkt := tx.Bucket([]byte(bboltBucketRecords))
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}

	err = bkt.Put(recordDBKey(rec.Network, rec.IP), data)
	if err != nil {
		return fmt.Errorf("putting record: %w", err)
	}

	needRollback = false
	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}

// recordDBKey returns the bbolt key for a (network, ip) pair.
func recordDBKey(network string, ip netip.Addr) (key []byte) {
	return []byte(network + "/" + ip.String())
}

// Get implements the [LeaseBackend] interface for *LocalBackend.
func (b *LocalBackend) Get(_ context.Context, network string, ip netip.Addr) (rec *Record, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.byKey[recordKey{network: network, ip: ip}]
	if !ok {
		return &Record{Network: network, IP: ip}, nil
	}

	return rec.Clone(), nil
}

// TryIP implements the [LeaseBackend] interface for *LocalBackend.
func (b *LocalBackend) TryIP(
	ctx context.Context,
	network string,
	ip netip.Addr,
	id ClientIdentity,
	expiry time.Time,
) (rec *Record, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := recordKey{network: network, ip: ip}
	now := b.clock.Now()

	existing := b.byKey[key]
	if !existing.isAvailableFor(id, now) && !existing.isExpired(now) {
		return nil, fmt.Errorf("reserving %s for %s: %w", ip, id, ErrConflict)
	}

	rec = &Record{
		Network:  network,
		IP:       ip,
		Identity: id,
		Expiry:   expiry,
		State:    LeaseStateReserved,
		Revision: existing.Clone().nextRevision(),
	}

	err = b.commit(ctx, key, rec)
	if err != nil {
		return nil, fmt.Errorf("reserving %s: %w", ip, err)
	}

	return rec, nil
}

// ReserveFirst implements the [LeaseBackend] interface for *LocalBackend.
func (b *LocalBackend) ReserveFirst(
	ctx context.Context,
	n *Network,
	mc *Context,
	id ClientIdentity,
	expiry time.Time,
) (rec *Record, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	ip := n.reserveFirst(mc, func(cand netip.Addr) (ok bool) {
		existing := b.byKey[recordKey{network: n.Name, ip: cand}]

		return existing.isAvailableFor(id, now)
	})
	if !ip.IsValid() {
		return nil, fmt.Errorf("reserving in %s: %w", n.Name, ErrRangeExhausted)
	}

	key := recordKey{network: n.Name, ip: ip}
	rec = &Record{
		Network:  n.Name,
		IP:       ip,
		Identity: id,
		Expiry:   expiry,
		State:    LeaseStateReserved,
		Revision: b.byKey[key].Clone().nextRevision(),
	}

	err = b.commit(ctx, key, rec)
	if err != nil {
		return nil, fmt.Errorf("reserving in %s: %w", n.Name, err)
	}

	return rec, nil
}

// TryLease implements the [LeaseBackend] interface for *LocalBackend.
func (b *LocalBackend) TryLease(
	ctx context.Context,
	rec *Record,
	expiry time.Time,
) (updated *Record, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := recordKey{network: rec.Network, ip: rec.IP}
	existing := b.byKey[key]
	if existing == nil || existing.Revision != rec.Revision {
		return nil, fmt.Errorf("leasing %s: %w", rec.IP, ErrConflict)
	}

	updated = existing.Clone()
	updated.State = LeaseStateLeased
	updated.Expiry = expiry
	updated.Hostname = rec.Hostname
	updated.Revision++

	err = b.commit(ctx, key, updated)
	if err != nil {
		return nil, fmt.Errorf("leasing %s: %w", rec.IP, err)
	}

	return updated, nil
}

// ReleaseIP implements the [LeaseBackend] interface for *LocalBackend.
func (b *LocalBackend) ReleaseIP(
	ctx context.Context,
	network string,
	ip netip.Addr,
	id ClientIdentity,
) (err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := recordKey{network: network, ip: ip}
	existing := b.byKey[key]
	if !existing.isOwnedBy(id) {
		return nil
	}

	updated := existing.Clone()
	updated.State = LeaseStateReleased
	updated.Revision++

	return b.commit(ctx, key, updated)
}

// ProbateIP implements the [LeaseBackend] interface for *LocalBackend.
func (b *LocalBackend) ProbateIP(
	ctx context.Context,
	network string,
	ip netip.Addr,
	id ClientIdentity,
	probationExpiry time.Time,
) (err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := recordKey{network: network, ip: ip}
	existing := b.byKey[key]
	if !existing.isOwnedBy(id) {
		return fmt.Errorf("probating %s: %w", ip, ErrUnreserved)
	}

	updated := existing.Clone()
	updated.State = LeaseStateProbated
	updated.Expiry = probationExpiry
	updated.Revision++

	return b.commit(ctx, key, updated)
}

// LookupActiveLease implements the [LeaseBackend] interface for
// *LocalBackend.
func (b *LocalBackend) LookupActiveLease(
	_ context.Context,
	network string,
	id ClientIdentity,
) (rec *Record, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key, ok := b.byIdent[identityKey{network: network, identity: id}]
	if !ok {
		return nil, nil
	}

	rec = b.byKey[key]
	if rec.isExpired(b.clock.Now()) {
		return nil, nil
	}

	return rec.Clone(), nil
}

// IsCoordinationAvailable implements the [LeaseBackend] interface for
// *LocalBackend.  A local backend always coordinates successfully with
// itself.
func (b *LocalBackend) IsCoordinationAvailable() (ok bool) {
	return true
}

// Reconcile implements the [LeaseBackend] interface for *LocalBackend.  It
// is a no-op, since a local backend has no external coordination source to
// resynchronize with.
func (b *LocalBackend) Reconcile(_ context.Context) (err error) {
	return nil
}

// SelectAll implements the [LeaseBackend] interface for *LocalBackend.
func (b *LocalBackend) SelectAll(_ context.Context, network string) (recs []*Record, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for key, rec := range b.byKey {
		if key.network != network || rec.State.IsFree() {
			continue
		}

		recs = append(recs, rec.Clone())
	}

	return recs, nil
}

// Close releases the backend's database resources.
func (b *LocalBackend) Close() (err error) {
	err = b.db.Close()
	if err != nil {
		return fmt.Errorf("closing local backend: %w", err)
	}

	return nil
}

// commit writes rec to the database and updates b's in-memory index.  b.mu
// is expected to be held.
func (b *LocalBackend) commit(ctx context.Context, key recordKey, rec *Record) (err error) {
	err = b.persist(rec)
	if err != nil {
		return err
	}

	if old, ok := b.byKey[key]; ok && !old.State.IsFree() {
		delete(b.byIdent, identityKey{network: old.Network, identity: old.Identity})
	}

	b.byKey[key] = rec
	if !rec.State.IsFree() {
		b.byIdent[identityKey{network: rec.Network, identity: rec.Identity}] = key
	}

	b.logger.DebugContext(ctx, "committed record", "key", key, "state", rec.State, "revision", rec.Revision)

	return nil
}

// nextRevision returns the revision to use for the next write to r.  r may
// be nil, in which case it returns the initial revision.
func (r *Record) nextRevision() (rev uint64) {
	if r == nil {
		return 1
	}

	return r.Revision + 1
}
