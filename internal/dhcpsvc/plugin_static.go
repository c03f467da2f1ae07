package dhcpsvc

import (
	"context"
	"log/slog"
	"net/netip"
)

// StaticAssignments looks up the fixed address, if any, reserved for a
// client identity out of band from the allocator, per §4.4.  Implementations
// must be safe for concurrent use.
type StaticAssignments interface {
	// Lookup returns the address statically reserved for id, and whether
	// one exists.
	Lookup(id ClientIdentity) (rec *StaticAssignment, ok bool)
}

// StaticAssignment is a single fixed (identity, address) pairing.
type StaticAssignment struct {
	// Identity is the client this assignment belongs to.
	Identity ClientIdentity

	// Network names the configured network the address belongs to.
	Network string

	// Hostname is the hostname to assign the client, if any.
	Hostname string

	// IP is the address reserved for Identity.
	IP netip.Addr
}

// StaticPlugin resolves a request's [Context.Network] and forces the
// eventual allocation to a statically assigned address when the client has
// one, per §4.4.  It runs ahead of the lease plugin in the chain: it either
// narrows mc's resolution or leaves it untouched for the lease plugin to
// resolve dynamically.  The only time it halts the chain is to drop an
// exchange whose assignment names an unknown network or an address outside
// that network's subnet.
type StaticPlugin struct {
	assignments StaticAssignments
	networks    Networks
	logger      *slog.Logger
}

// type check
var _ Plugin = (*StaticPlugin)(nil)

// NewStaticPlugin returns a new *StaticPlugin consulting assignments for
// networks.
func NewStaticPlugin(assignments StaticAssignments, networks Networks, logger *slog.Logger) (p *StaticPlugin) {
	return &StaticPlugin{
		assignments: assignments,
		networks:    networks,
		logger:      logger,
	}
}

// Name implements the [Plugin] interface for *StaticPlugin.
func (p *StaticPlugin) Name() (name string) { return "static" }

// Handle implements the [Plugin] interface for *StaticPlugin.
func (p *StaticPlugin) Handle(ctx context.Context, mc *Context) (err error) {
	assignment, ok := p.assignments.Lookup(mc.Identity)
	if !ok {
		return nil
	}

	n, ok := p.networks.byName(assignment.Network)
	if !ok || !n.Subnet.Contains(assignment.IP) {
		p.logger.ErrorContext(
			ctx,
			"static assignment conflicts with network configuration",
			"identity", mc.Identity,
			"network", assignment.Network,
			"ip", assignment.IP,
		)
		mc.Drop()

		return nil
	}

	mc.Network = n
	mc.Range = n.containingRange(assignment.IP)
	mc.StaticIP = assignment.IP
	if assignment.Hostname != "" {
		mc.Hostname = assignment.Hostname
	}

	return nil
}
