package dhcpsvc

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRecord_isOwnedBy(t *testing.T) {
	id := ClientIdentity{Family: AddrFamilyIPv4, HWAddr: "aa:bb"}
	other := ClientIdentity{Family: AddrFamilyIPv4, HWAddr: "cc:dd"}

	assert.False(t, (*Record)(nil).isOwnedBy(id))

	free := &Record{State: LeaseStateFree, Identity: id}
	assert.False(t, free.isOwnedBy(id))

	leased := &Record{State: LeaseStateLeased, Identity: id}
	assert.True(t, leased.isOwnedBy(id))
	assert.False(t, leased.isOwnedBy(other))
}

func TestRecord_isExpired(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.False(t, (*Record)(nil).isExpired(now))

	free := &Record{State: LeaseStateFree, Expiry: now.Add(-time.Hour)}
	assert.False(t, free.isExpired(now))

	expired := &Record{State: LeaseStateLeased, Expiry: now.Add(-time.Minute)}
	assert.True(t, expired.isExpired(now))

	active := &Record{State: LeaseStateLeased, Expiry: now.Add(time.Minute)}
	assert.False(t, active.isExpired(now))
}

func TestRecord_isAvailableFor(t *testing.T) {
	id := ClientIdentity{Family: AddrFamilyIPv4, HWAddr: "aa:bb"}
	other := ClientIdentity{Family: AddrFamilyIPv4, HWAddr: "cc:dd"}
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.True(t, (*Record)(nil).isAvailableFor(id, now))

	probatedActive := &Record{State: LeaseStateProbated, Expiry: now.Add(time.Hour)}
	assert.False(t, probatedActive.isAvailableFor(id, now))

	probatedExpired := &Record{State: LeaseStateProbated, Expiry: now.Add(-time.Hour)}
	assert.True(t, probatedExpired.isAvailableFor(id, now))

	leasedSelf := &Record{State: LeaseStateLeased, Identity: id}
	assert.True(t, leasedSelf.isAvailableFor(id, now))
	assert.False(t, leasedSelf.isAvailableFor(other, now))

	released := &Record{State: LeaseStateReleased}
	assert.True(t, released.isAvailableFor(other, now))
}

func TestRecord_nextRevision(t *testing.T) {
	assert.Equal(t, uint64(1), (*Record)(nil).nextRevision())
	assert.Equal(t, uint64(6), (&Record{Revision: 5}).nextRevision())
}

func TestFromRecord(t *testing.T) {
	ip := netip.MustParseAddr("192.0.2.5")
	id := ClientIdentity{Family: AddrFamilyIPv4, HWAddr: "aa:bb"}
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	rec := &Record{
		Network:  "lan",
		IP:       ip,
		Identity: id,
		Expiry:   now,
		Hostname: "host",
		IsStatic: true,
		State:    LeaseStateLeased,
	}

	l := fromRecord(rec)
	assert.Equal(t, "lan", l.Network)
	assert.Equal(t, ip, l.IP)
	assert.Equal(t, id, l.Identity)
	assert.Equal(t, now, l.Expiry)
	assert.Equal(t, "host", l.Hostname)
	assert.True(t, l.IsStatic)
}

func TestLeaseState_String(t *testing.T) {
	testCases := []struct {
		state LeaseState
		want  string
	}{
		{LeaseStateFree, "free"},
		{LeaseStateReserved, "reserved"},
		{LeaseStateLeased, "leased"},
		{LeaseStateProbated, "probated"},
		{LeaseStateReleased, "released"},
		{LeaseState(255), "invalid"},
	}

	for _, tc := range testCases {
		assert.Equal(t, tc.want, tc.state.String())
	}
}
