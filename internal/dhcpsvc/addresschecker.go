package dhcpsvc

import (
	"context"
	"log/slog"
	"net/netip"
	"time"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/go-ping/ping"
)

// addressChecker probes a candidate address before it is offered to a
// client, per §4.5's pre-offer probe and §9.
type addressChecker interface {
	// IsAvailable returns true if nothing on the network answers for ip
	// within timeout.  A non-nil error means the probe itself failed to
	// run; callers should treat that as inconclusive and proceed as if the
	// address were available.
	IsAvailable(ctx context.Context, ip netip.Addr, timeout time.Duration) (ok bool, err error)
}

// noopAddressChecker is an implementation of [addressChecker] that doesn't
// perform any checks.
type noopAddressChecker struct{}

// type check
var _ addressChecker = noopAddressChecker{}

// IsAvailable implements the [addressChecker] interface for
// noopAddressChecker.
func (noopAddressChecker) IsAvailable(
	_ context.Context,
	_ netip.Addr,
	_ time.Duration,
) (ok bool, err error) {
	return true, nil
}

// icmpAddressChecker probes a candidate address with a single ICMP echo
// request, grounded on the legacy ping-based availability check this
// server's pre-offer probing is distilled from.
type icmpAddressChecker struct {
	logger *slog.Logger
}

// type check
var _ addressChecker = (*icmpAddressChecker)(nil)

// newICMPAddressChecker returns a new *icmpAddressChecker.
func newICMPAddressChecker(logger *slog.Logger) (c *icmpAddressChecker) {
	return &icmpAddressChecker{logger: logger}
}

// IsAvailable implements the [addressChecker] interface for
// *icmpAddressChecker.  It sends a single privileged ICMP echo request and
// waits up to timeout for a reply.
func (c *icmpAddressChecker) IsAvailable(
	ctx context.Context,
	ip netip.Addr,
	timeout time.Duration,
) (ok bool, err error) {
	if timeout <= 0 {
		return true, nil
	}

	pinger, err := ping.NewPinger(ip.String())
	if err != nil {
		c.logger.WarnContext(ctx, "creating pinger", slogutil.KeyError, err)

		return true, err
	}

	pinger.SetPrivileged(true)
	pinger.Timeout = timeout
	pinger.Count = 1

	var reply bool
	pinger.OnRecv = func(_ *ping.Packet) { reply = true }

	c.logger.DebugContext(ctx, "sending icmp echo", "ip", ip)

	err = pinger.Run()
	if err != nil {
		c.logger.WarnContext(ctx, "running pinger", slogutil.KeyError, err)

		return true, err
	}

	if reply {
		c.logger.InfoContext(ctx, "ip conflict: address already in use", "ip", ip)

		return false, nil
	}

	return true, nil
}
