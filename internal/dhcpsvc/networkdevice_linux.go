//go:build linux

package dhcpsvc

import (
	"fmt"
	"net"
	"net/netip"
	"unsafe"

	"golang.org/x/sys/unix"
)

// seedARPCache seeds the kernel's ARP cache for dev with a static entry
// mapping ip to mac, via the SIOCSARP ioctl described in §9.  This lets the
// server answer the client's first unicast traffic (e.g. a DHCPREQUEST
// renewal) before the client's own ARP announcement would otherwise resolve
// it.
func seedARPCache(dev NetworkDevice, ip netip.Addr, mac net.HardwareAddr) (err error) {
	return arpInject(dev.Name(), ip, mac)
}

// arpInject is seedARPCache's implementation, split out for testability.
func arpInject(ifaceName string, ip netip.Addr, mac net.HardwareAddr) (err error) {
	if !ip.Is4() {
		return fmt.Errorf("arp cache only supports ipv4, got %s", ip)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return fmt.Errorf("opening arp control socket: %w", err)
	}
	defer unix.Close(fd)

	req := arpreq{}
	req.arpHa.saFamily = unix.ARPHRD_ETHER
	copy(req.arpHa.saData[:], mac)

	req.arpPa.saFamily = unix.AF_INET
	copy(req.arpPa.saData[2:6], ip.AsSlice())

	req.flags = unix.ATF_PERM | unix.ATF_COM
	copy(req.dev[:], ifaceName)

	err = ioctlArp(fd, unix.SIOCSARP, &req)
	if err != nil {
		return fmt.Errorf("SIOCSARP on %s for %s: %w", ifaceName, ip, err)
	}

	return nil
}

// sockaddr mirrors the kernel's struct sockaddr, as used inside struct
// arpreq.
type sockaddr struct {
	saFamily uint16
	saData   [14]byte
}

// arpreq mirrors Linux's struct arpreq from <linux/if_arp.h>, just enough of
// it for SIOCSARP.
type arpreq struct {
	arpPa   sockaddr
	arpHa   sockaddr
	flags   int32
	netmask sockaddr
	dev     [16]byte
}

// ioctlArp issues req as an ioctl on fd.  It's a thin, type-safe wrapper
// around unix.Syscall, since x/sys/unix has no ioctl helper taking an arpreq.
func ioctlArp(fd int, req uint, arg *arpreq) (err error) {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), uintptr(unsafe.Pointer(arg)))
	if errno != 0 {
		return errno
	}

	return nil
}
