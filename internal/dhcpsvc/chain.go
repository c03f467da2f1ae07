package dhcpsvc

import (
	"context"
	"log/slog"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
)

// Action is a plugin's disposition for the exchange it just examined, per
// §4.2.
type Action uint8

// Actions a [Plugin] may set on a [Context].
const (
	// ActionContinue lets the chain advance to the next plugin.  Reaching
	// the end of the chain while still ActionContinue is equivalent to
	// ActionDrop.
	ActionContinue Action = iota

	// ActionRespond halts the chain and sends whatever draft response has
	// been built so far.
	ActionRespond

	// ActionDrop halts the chain and discards the exchange without a reply.
	ActionDrop
)

// String implements the fmt.Stringer interface for Action.
func (a Action) String() (s string) {
	switch a {
	case ActionContinue:
		return "continue"
	case ActionRespond:
		return "respond"
	case ActionDrop:
		return "drop"
	default:
		return "invalid"
	}
}

// Plugin examines and possibly mutates a [Context], setting its Decision
// when it wants to halt the chain.  Implementations must not retain mc
// beyond the call.
type Plugin interface {
	// Name identifies the plugin for logging.
	Name() (name string)

	// Handle runs the plugin's logic against mc.  An error halts the chain
	// as a failure of this exchange only; it must not be treated as fatal to
	// the server.
	Handle(ctx context.Context, mc *Context) (err error)
}

// Chain is an ordered sequence of plugins run against every admitted
// exchange, per §4.2.
type Chain struct {
	plugins []Plugin
}

// NewChain returns a new Chain that runs plugins in the given order.
func NewChain(plugins ...Plugin) (c *Chain) {
	return &Chain{plugins: plugins}
}

// Run executes c's plugins against mc in order, stopping as soon as a
// plugin sets a non-Continue decision or returns an error.  It returns the
// final decision; mc.Decision reflects the same value on return.
func (c *Chain) Run(ctx context.Context, l *slog.Logger, mc *Context) (decision Action) {
	for _, p := range c.plugins {
		err := p.Handle(ctx, mc)
		if err != nil {
			l.ErrorContext(ctx, "plugin failed", "plugin", p.Name(), slogutil.KeyError, err)
			mc.Drop()

			return mc.Decision
		}

		if mc.IsDone() {
			return mc.Decision
		}
	}

	// Reaching the end of the chain without an explicit decision means no
	// plugin chose to respond; treat the exchange as dropped.
	mc.Drop()

	return mc.Decision
}
