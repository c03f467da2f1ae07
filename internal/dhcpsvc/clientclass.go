package dhcpsvc

import "github.com/google/gopacket/layers"

// ClientClassifier is the single contract this server uses to consult the
// external, expression-based client-classification engine named as an
// out-of-scope collaborator in §1.  An implementation decides whether a
// request context matches some class of clients (by hardware address,
// vendor class, relay information, etc.); the engine that evaluates those
// expressions lives outside this module.
type ClientClassifier interface {
	// Match reports whether mc belongs to the class.
	Match(mc *Context) (ok bool)
}

// ClientClassifierFunc adapts a plain function to [ClientClassifier].
type ClientClassifierFunc func(mc *Context) (ok bool)

// Match implements the [ClientClassifier] interface for
// ClientClassifierFunc.
func (f ClientClassifierFunc) Match(mc *Context) (ok bool) {
	return f(mc)
}

// ClientClass pairs a classifier predicate with the option overrides it
// contributes, per §3's Network.ClientClasses and §4.5's option merge order
// (network defaults ← range overrides ← matched client-class overrides,
// last writer wins per option code).
type ClientClass struct {
	// Classifier decides whether a request belongs to this class.
	Classifier ClientClassifier

	// Name identifies the class for logging.
	Name string

	// OptionsV4 are the IPv4 option overrides contributed by this class.
	OptionsV4 layers.DHCPOptions

	// OptionsV6 are the IPv6 option overrides contributed by this class.
	OptionsV6 layers.DHCPv6Options
}
