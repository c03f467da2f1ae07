//go:build !linux

package dhcpsvc

import (
	"fmt"
	"net"
	"net/netip"
	"runtime"
)

// seedARPCache is a stub for platforms other than Linux, where no ARP cache
// injection mechanism is wired up (§9).
func seedARPCache(_ NetworkDevice, _ netip.Addr, _ net.HardwareAddr) (err error) {
	return fmt.Errorf("arp cache injection is not supported on %s", runtime.GOOS)
}
