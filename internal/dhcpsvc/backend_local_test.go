package dhcpsvc_test

import (
	"context"
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/testutil/faketime"
	"github.com/nextdhcp/dhcpsvc/internal/dhcpsvc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testCurrentTime is a fixed time used to make backend tests reproducible.
var testCurrentTime = time.Date(2025, 1, 1, 1, 1, 1, 0, time.UTC)

// newTestLocalBackend returns a fresh *dhcpsvc.LocalBackend backed by a
// database under t's temp directory.
func newTestLocalBackend(t *testing.T) (b *dhcpsvc.LocalBackend) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "leases.db")
	clock := &faketime.Clock{OnNow: func() (now time.Time) { return testCurrentTime }}

	b, err := dhcpsvc.NewLocalBackend(context.Background(), &dhcpsvc.LocalBackendConfig{
		Logger: slogutil.NewDiscardLogger(),
		Clock:  clock,
		DBPath: dbPath,
	})
	require.NoError(t, err)

	t.Cleanup(func() { _ = b.Close() })

	return b
}

func TestLocalBackend_TryIP_and_Get(t *testing.T) {
	ctx := context.Background()
	b := newTestLocalBackend(t)

	ip := netip.MustParseAddr("192.0.2.10")
	id := dhcpsvc.NewIdentityV4([]byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff})
	expiry := testCurrentTime.Add(time.Hour)

	rec, err := b.TryIP(ctx, "lan", ip, id, expiry)
	require.NoError(t, err)
	assert.Equal(t, ip, rec.IP)
	assert.Equal(t, dhcpsvc.LeaseStateReserved, rec.State)

	got, err := b.Get(ctx, "lan", ip)
	require.NoError(t, err)
	assert.Equal(t, rec.Revision, got.Revision)
	assert.Equal(t, id, got.Identity)

	other := dhcpsvc.NewIdentityV4([]byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66})
	_, err = b.TryIP(ctx, "lan", ip, other, expiry)
	assert.ErrorIs(t, err, dhcpsvc.ErrConflict)
}

func TestLocalBackend_TryLease_staleRevisionConflicts(t *testing.T) {
	ctx := context.Background()
	b := newTestLocalBackend(t)

	ip := netip.MustParseAddr("192.0.2.11")
	id := dhcpsvc.NewIdentityV4([]byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff})
	expiry := testCurrentTime.Add(time.Hour)

	rec, err := b.TryIP(ctx, "lan", ip, id, expiry)
	require.NoError(t, err)

	updated, err := b.TryLease(ctx, rec, expiry.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, dhcpsvc.LeaseStateLeased, updated.State)

	_, err = b.TryLease(ctx, rec, expiry.Add(2*time.Hour))
	assert.ErrorIs(t, err, dhcpsvc.ErrConflict, "rec carries the now-stale revision")
}

func TestLocalBackend_ReleaseIP(t *testing.T) {
	ctx := context.Background()
	b := newTestLocalBackend(t)

	ip := netip.MustParseAddr("192.0.2.12")
	id := dhcpsvc.NewIdentityV4([]byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff})
	other := dhcpsvc.NewIdentityV4([]byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66})
	expiry := testCurrentTime.Add(time.Hour)

	_, err := b.TryIP(ctx, "lan", ip, id, expiry)
	require.NoError(t, err)

	// Releasing with the wrong identity is a silent no-op.
	err = b.ReleaseIP(ctx, "lan", ip, other)
	require.NoError(t, err)

	got, err := b.Get(ctx, "lan", ip)
	require.NoError(t, err)
	assert.Equal(t, dhcpsvc.LeaseStateReserved, got.State)

	err = b.ReleaseIP(ctx, "lan", ip, id)
	require.NoError(t, err)

	got, err = b.Get(ctx, "lan", ip)
	require.NoError(t, err)
	assert.Equal(t, dhcpsvc.LeaseStateReleased, got.State)

	// The address must now be claimable by anyone.
	_, err = b.TryIP(ctx, "lan", ip, other, expiry)
	assert.NoError(t, err)
}

func TestLocalBackend_ProbateIP(t *testing.T) {
	ctx := context.Background()
	b := newTestLocalBackend(t)

	ip := netip.MustParseAddr("192.0.2.13")
	id := dhcpsvc.NewIdentityV4([]byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff})
	expiry := testCurrentTime.Add(time.Hour)

	_, err := b.TryIP(ctx, "lan", ip, id, expiry)
	require.NoError(t, err)

	probationExpiry := testCurrentTime.Add(10 * time.Minute)
	err = b.ProbateIP(ctx, "lan", ip, id, probationExpiry)
	require.NoError(t, err)

	got, err := b.Get(ctx, "lan", ip)
	require.NoError(t, err)
	assert.Equal(t, dhcpsvc.LeaseStateProbated, got.State)

	unrelated := dhcpsvc.NewIdentityV4([]byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66})
	err = b.ProbateIP(ctx, "lan", netip.MustParseAddr("192.0.2.99"), unrelated, probationExpiry)
	assert.ErrorIs(t, err, dhcpsvc.ErrUnreserved)
}

func TestLocalBackend_LookupActiveLease(t *testing.T) {
	ctx := context.Background()
	b := newTestLocalBackend(t)

	ip := netip.MustParseAddr("192.0.2.14")
	id := dhcpsvc.NewIdentityV4([]byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff})

	_, err := b.TryIP(ctx, "lan", ip, id, testCurrentTime.Add(time.Hour))
	require.NoError(t, err)

	active, err := b.LookupActiveLease(ctx, "lan", id)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, ip, active.IP)

	unknown := dhcpsvc.NewIdentityV4([]byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66})
	none, err := b.LookupActiveLease(ctx, "lan", unknown)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestLocalBackend_SelectAll(t *testing.T) {
	ctx := context.Background()
	b := newTestLocalBackend(t)

	id1 := dhcpsvc.NewIdentityV4([]byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0x01})
	id2 := dhcpsvc.NewIdentityV4([]byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0x02})

	_, err := b.TryIP(ctx, "lan", netip.MustParseAddr("192.0.2.15"), id1, testCurrentTime.Add(time.Hour))
	require.NoError(t, err)
	_, err = b.TryIP(ctx, "lan", netip.MustParseAddr("192.0.2.16"), id2, testCurrentTime.Add(time.Hour))
	require.NoError(t, err)
	_, err = b.TryIP(ctx, "guest", netip.MustParseAddr("198.51.100.5"), id1, testCurrentTime.Add(time.Hour))
	require.NoError(t, err)

	recs, err := b.SelectAll(ctx, "lan")
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestLocalBackend_IsCoordinationAvailable(t *testing.T) {
	b := newTestLocalBackend(t)
	assert.True(t, b.IsCoordinationAvailable())
	assert.NoError(t, b.Reconcile(context.Background()))
}
