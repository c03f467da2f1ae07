package dhcpsvc

import (
	"fmt"
	"net"
)

// AddrFamily is the IP address family a DHCP exchange belongs to.
type AddrFamily uint8

// Address families supported by the server.
const (
	AddrFamilyIPv4 AddrFamily = iota
	AddrFamilyIPv6
)

// String implements the fmt.Stringer interface for AddrFamily.
func (f AddrFamily) String() (s string) {
	switch f {
	case AddrFamilyIPv4:
		return "ipv4"
	case AddrFamilyIPv6:
		return "ipv6"
	default:
		return fmt.Sprintf("AddrFamily(%d)", uint8(f))
	}
}

// ClientIdentity is the logical owner key of a lease.  For IPv4 it is the
// client's hardware address alone; the ClientIdentifier option is not part of
// it, see [NewIdentityV4] and [Context.Identity].  For IPv6 it is the DUID plus
// the IAID of the requested identity association.  Ties between identities
// are broken by exact byte equality, so ClientIdentity is comparable and
// usable as a map key.
type ClientIdentity struct {
	// HWAddr is the string form of the client's hardware address, set for
	// [AddrFamilyIPv4] identities.
	HWAddr string

	// DUID is the string form of the client's DUID, set for
	// [AddrFamilyIPv6] identities.
	DUID string

	// IAID is the identity association ID, set for [AddrFamilyIPv6]
	// identities.
	IAID uint32

	// Family is the address family this identity was derived for.
	Family AddrFamily
}

// IsZero returns true if id carries no identifying information.
func (id ClientIdentity) IsZero() (ok bool) {
	return id == ClientIdentity{}
}

// String implements the fmt.Stringer interface for ClientIdentity.
func (id ClientIdentity) String() (s string) {
	switch id.Family {
	case AddrFamilyIPv4:
		return id.HWAddr
	case AddrFamilyIPv6:
		return fmt.Sprintf("%s/%d", id.DUID, id.IAID)
	default:
		return "<invalid identity>"
	}
}

// NewIdentityV4 returns the client identity for a DHCPv4 exchange.  mac must
// be a valid hardware address.
func NewIdentityV4(mac net.HardwareAddr) (id ClientIdentity) {
	return ClientIdentity{
		Family: AddrFamilyIPv4,
		HWAddr: string(mac),
	}
}

// NewIdentityV6 returns the client identity for a DHCPv6 exchange.  duid must
// not be empty.
func NewIdentityV6(duid []byte, iaid uint32) (id ClientIdentity) {
	return ClientIdentity{
		Family: AddrFamilyIPv6,
		DUID:   string(duid),
		IAID:   iaid,
	}
}
