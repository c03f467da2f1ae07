package dhcpsvc

import (
	"slices"

	"github.com/google/gopacket/layers"
)

// mergeOptionsV4 merges n's and rng's IPv4 option overrides with those of
// every client class matching mc, in order: network defaults, then range
// overrides, then matched client-class overrides, per §4.5.  Later sources
// win on a conflicting option code.  rng may be nil.
func mergeOptionsV4(n *Network, rng *Range, mc *Context) (opts layers.DHCPOptions) {
	opts = slices.Clone(n.OptionsV4)

	if rng != nil {
		opts = overlayOptionsV4(opts, rng.OptionsV4)
	}

	for _, class := range n.ClientClasses {
		if class.Classifier.Match(mc) {
			opts = overlayOptionsV4(opts, class.OptionsV4)
		}
	}

	return opts
}

// overlayOptionsV4 returns base with every option in overrides applied,
// replacing same-code entries and appending new ones.  A zero-length Data
// deletes the corresponding option.
func overlayOptionsV4(base, overrides layers.DHCPOptions) (merged layers.DHCPOptions) {
	merged = base

	for _, o := range overrides {
		i := slices.IndexFunc(merged, func(e layers.DHCPOption) (ok bool) { return e.Type == o.Type })

		switch {
		case len(o.Data) == 0 && i >= 0:
			merged = slices.Delete(merged, i, i+1)
		case len(o.Data) == 0:
			// Nothing to delete.
		case i >= 0:
			merged[i] = o
		default:
			merged = append(merged, o)
		}
	}

	return merged
}

// mergeOptionsV6 is the IPv6 counterpart of [mergeOptionsV4].
func mergeOptionsV6(n *Network, rng *Range, mc *Context) (opts layers.DHCPv6Options) {
	opts = slices.Clone(n.OptionsV6)

	if rng != nil {
		opts = overlayOptionsV6(opts, rng.OptionsV6)
	}

	for _, class := range n.ClientClasses {
		if class.Classifier.Match(mc) {
			opts = overlayOptionsV6(opts, class.OptionsV6)
		}
	}

	return opts
}

// overlayOptionsV6 is the IPv6 counterpart of [overlayOptionsV4].
func overlayOptionsV6(base, overrides layers.DHCPv6Options) (merged layers.DHCPv6Options) {
	merged = base

	for _, o := range overrides {
		i := slices.IndexFunc(merged, func(e layers.DHCPv6Option) (ok bool) { return e.Code == o.Code })

		switch {
		case len(o.Data) == 0 && i >= 0:
			merged = slices.Delete(merged, i, i+1)
		case len(o.Data) == 0:
			// Nothing to delete.
		case i >= 0:
			merged[i] = o
		default:
			merged = append(merged, o)
		}
	}

	return merged
}
