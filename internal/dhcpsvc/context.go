package dhcpsvc

import (
	"log/slog"
	"net/netip"
	"time"

	"github.com/google/gopacket/layers"
)

// Context carries a single DHCP exchange through the admission gate and the
// plugin chain, per §3's "Message context" data model.  A Context is created
// for exactly one inbound datagram and is not reused across exchanges.
//
// A *Context is not safe for concurrent use; it is owned by the goroutine
// that runs the chain for it.
type Context struct {
	// ReceivedAt is the time the request was read off the wire.
	ReceivedAt time.Time

	// Logger is scoped to this exchange, carrying its admission id as
	// "exchange_id".
	Logger *slog.Logger

	// Request4 is the decoded DHCPv4 request.  It is nil for IPv6 exchanges.
	Request4 *layers.DHCPv4

	// Request6 is the decoded DHCPv6 request.  It is nil for IPv4 exchanges.
	Request6 *layers.DHCPv6

	// Response4 is the draft reply plugins build up over the chain.  It is
	// allocated by [MessageTypePluginV4] for every request it accepts, and is
	// nil for IPv6 exchanges.
	Response4 *layers.DHCPv4

	// Response6 is the draft reply for IPv6 exchanges, allocated by
	// [MessageTypePluginV6].
	Response6 *layers.DHCPv6

	// Device is the network device the request was received from and the
	// response, if any, is sent back through.
	Device NetworkDevice

	// Frame carries the link- and network-layer framing of the inbound
	// packet, used to address the reply.
	Frame *frameData

	// Network is the resolved configured subnet this request belongs to, set
	// by the static or lease plugin once resolution succeeds.
	Network *Network

	// Range is the resolved reservation range within Network that the
	// assigned or renewed address belongs to, if any.
	Range *Range

	// Identity is the client identity derived from the request, see
	// [NewIdentityV4] and [NewIdentityV6].
	Identity ClientIdentity

	// StaticIP is the address a static assignment forces this exchange's
	// allocation to, set by [StaticPlugin].  It is invalid when no static
	// assignment applies.
	StaticIP netip.Addr

	// Hostname is the client-supplied hostname, if any.
	Hostname string

	// MsgType4 is the decoded DHCPv4 message type.  It is the zero value for
	// IPv6 exchanges.
	MsgType4 layers.DHCPMsgType

	// MsgType6 is the decoded DHCPv6 message type.  It is the zero value for
	// IPv4 exchanges.
	MsgType6 layers.DHCPv6MsgType

	// RapidCommit is true if the DHCPv6 Solicit carried the Rapid Commit
	// option, requesting a two-message exchange, per RFC 8415 section 18.2.1.1.
	RapidCommit bool

	// record is a slot for the lease backend's working copy of this
	// exchange's resolved (network, IP) key.  The lease plugins pass records
	// between their handlers directly and leave it nil.
	record *Record

	// id is the monotonic identifier assigned by the admission gate.
	id uint64

	// permit is the admission gate ticket held for the lifetime of this
	// exchange.  The receive loop releases it exactly once, after the chain
	// has run and any response has been sent.
	permit *Permit

	// Family is the address family of this exchange.
	Family AddrFamily

	// Decision is the chain's current disposition for this exchange, see
	// [Action].
	Decision Action
}

// Respond marks mc to send whatever draft response has been built so far,
// halting the remainder of the chain.
func (mc *Context) Respond() {
	mc.Decision = ActionRespond
}

// Drop marks mc to be discarded without a reply, halting the remainder of
// the chain.
func (mc *Context) Drop() {
	mc.Decision = ActionDrop
}

// IsDone returns true if a prior plugin has already decided mc's outcome.
func (mc *Context) IsDone() (ok bool) {
	return mc.Decision != ActionContinue
}
