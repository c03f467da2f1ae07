// Package dhcpsvc contains a DHCPv4/DHCPv6 server implementing RFC 2131 and
// RFC 8415, built around an ordered per-network plugin chain and a pluggable
// lease backend that may run standalone or coordinate with a cluster.
package dhcpsvc

import (
	"context"
	"net/netip"
)

// Service is the lifecycle contract shared by the server and its collaborators.
type Service interface {
	// Start begins serving DHCP requests.  It must not block past the point
	// where the server is ready to accept packets.
	Start(ctx context.Context) (err error)

	// Shutdown gracefully stops the server, waiting for in-flight exchanges
	// to finish or ctx to be done, whichever comes first.
	Shutdown(ctx context.Context) (err error)
}

// Interface is the external view of a DHCP server, used by the rest of the
// application to query and mutate leases without depending on the server's
// internal plugin/backend architecture.
type Interface interface {
	Service

	// Enabled returns true if the server is configured and accepting
	// requests.
	Enabled() (ok bool)

	// HostByIP returns the hostname of the DHCP client with the given IP
	// address.  The hostname is empty if there is no such client.
	HostByIP(ip netip.Addr) (host string)

	// IdentityByIP returns the identity of the client leased ip.  The
	// returned identity is zero if there is no such client, due to an
	// assumption that a DHCP client must always have an identity.
	IdentityByIP(ip netip.Addr) (id ClientIdentity)

	// IPByHost returns the IP address of the DHCP client with the given
	// hostname.  The address is the zero value if there is no such client.
	IPByHost(host string) (ip netip.Addr)

	// Leases returns every known lease across all configured networks.
	Leases(ctx context.Context) (leases []*Lease, err error)

	// AddLease reserves l's address for l's identity until l's expiry.  It
	// returns an error if the address is already in use by another identity.
	// The lease is not marked static, so Reset releases it like any other
	// dynamic lease.
	AddLease(ctx context.Context, l *Lease) (err error)

	// EditLease releases old and adds new as AddLease does.  It returns an
	// error if new's address is already in use.  An old that matches no
	// lease is not an error.
	EditLease(ctx context.Context, old, new *Lease) (err error)

	// RemoveLease releases l's address if l's identity holds it.  Removing a
	// lease that doesn't exist is a no-op and returns no error.
	RemoveLease(ctx context.Context, l *Lease) (err error)

	// Reset releases every dynamic lease, leaving static reservations intact.
	Reset(ctx context.Context) (err error)
}

// Empty is an [Interface] implementation that does nothing, for use where a
// DHCP server is disabled or not yet configured.
type Empty struct{}

// type check
var _ Interface = Empty{}

// Start implements the [Service] interface for Empty.
func (Empty) Start(_ context.Context) (err error) { return nil }

// Shutdown implements the [Service] interface for Empty.
func (Empty) Shutdown(_ context.Context) (err error) { return nil }

// Enabled implements the [Interface] interface for Empty.
func (Empty) Enabled() (ok bool) { return false }

// HostByIP implements the [Interface] interface for Empty.
func (Empty) HostByIP(_ netip.Addr) (host string) { return "" }

// IdentityByIP implements the [Interface] interface for Empty.
func (Empty) IdentityByIP(_ netip.Addr) (id ClientIdentity) { return ClientIdentity{} }

// IPByHost implements the [Interface] interface for Empty.
func (Empty) IPByHost(_ string) (ip netip.Addr) { return netip.Addr{} }

// Leases implements the [Interface] interface for Empty.
func (Empty) Leases(_ context.Context) (leases []*Lease, err error) { return nil, nil }

// AddLease implements the [Interface] interface for Empty.
func (Empty) AddLease(_ context.Context, _ *Lease) (err error) { return nil }

// EditLease implements the [Interface] interface for Empty.
func (Empty) EditLease(_ context.Context, _, _ *Lease) (err error) { return nil }

// RemoveLease implements the [Interface] interface for Empty.
func (Empty) RemoveLease(_ context.Context, _ *Lease) (err error) { return nil }

// Reset implements the [Interface] interface for Empty.
func (Empty) Reset(_ context.Context) (err error) { return nil }
