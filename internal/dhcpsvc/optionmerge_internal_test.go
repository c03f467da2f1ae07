package dhcpsvc

import (
	"testing"

	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
)

func TestMergeOptionsV4_layering(t *testing.T) {
	n := &Network{
		OptionsV4: layers.DHCPOptions{
			layers.NewDHCPOption(layers.DHCPOptDNS, []byte{8, 8, 8, 8}),
			layers.NewDHCPOption(layers.DHCPOptDomainName, []byte("net.example")),
		},
		ClientClasses: []*ClientClass{{
			Name:       "voip",
			Classifier: ClientClassifierFunc(func(_ *Context) (ok bool) { return true }),
			OptionsV4: layers.DHCPOptions{
				layers.NewDHCPOption(layers.DHCPOptDNS, []byte{1, 1, 1, 1}),
			},
		}},
	}
	rng := &Range{
		OptionsV4: layers.DHCPOptions{
			layers.NewDHCPOption(layers.DHCPOptDomainName, nil),
		},
	}

	opts := mergeOptionsV4(n, rng, &Context{})

	dns, ok := findOption4(opts, layers.DHCPOptDNS)
	assert.True(t, ok)
	assert.Equal(t, []byte{1, 1, 1, 1}, dns.Data, "the class override must win over the network default")

	_, ok = findOption4(opts, layers.DHCPOptDomainName)
	assert.False(t, ok, "a zero-length range override must delete the network default")
}

func TestMergeOptionsV4_unmatchedClassIgnored(t *testing.T) {
	n := &Network{
		OptionsV4: layers.DHCPOptions{
			layers.NewDHCPOption(layers.DHCPOptDNS, []byte{8, 8, 8, 8}),
		},
		ClientClasses: []*ClientClass{{
			Name:       "never",
			Classifier: ClientClassifierFunc(func(_ *Context) (ok bool) { return false }),
			OptionsV4: layers.DHCPOptions{
				layers.NewDHCPOption(layers.DHCPOptDNS, []byte{1, 1, 1, 1}),
			},
		}},
	}

	opts := mergeOptionsV4(n, nil, &Context{})

	dns, ok := findOption4(opts, layers.DHCPOptDNS)
	assert.True(t, ok)
	assert.Equal(t, []byte{8, 8, 8, 8}, dns.Data)
}

func findOption4(opts layers.DHCPOptions, code layers.DHCPOpt) (opt layers.DHCPOption, ok bool) {
	for _, o := range opts {
		if o.Type == code {
			return o, true
		}
	}

	return layers.DHCPOption{}, false
}
