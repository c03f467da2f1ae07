package dhcpsvc

import (
	"context"
	"errors"
	"testing"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/stretchr/testify/assert"
)

// testPlugin is a minimal [Plugin] for exercising [Chain.Run].
type testPlugin struct {
	name    string
	action  Action
	err     error
	handled *[]string
}

// type check
var _ Plugin = (*testPlugin)(nil)

func (p *testPlugin) Name() (name string) { return p.name }

func (p *testPlugin) Handle(_ context.Context, mc *Context) (err error) {
	if p.handled != nil {
		*p.handled = append(*p.handled, p.name)
	}

	if p.err != nil {
		return p.err
	}

	switch p.action {
	case ActionRespond:
		mc.Respond()
	case ActionDrop:
		mc.Drop()
	}

	return nil
}

func TestChain_Run_continuesUntilDecision(t *testing.T) {
	var handled []string

	c := NewChain(
		&testPlugin{name: "a", action: ActionContinue, handled: &handled},
		&testPlugin{name: "b", action: ActionRespond, handled: &handled},
		&testPlugin{name: "c", action: ActionDrop, handled: &handled},
	)

	mc := &Context{}
	decision := c.Run(context.Background(), slogutil.NewDiscardLogger(), mc)

	assert.Equal(t, ActionRespond, decision)
	assert.Equal(t, []string{"a", "b"}, handled, "plugin c must not run once b responded")
}

func TestChain_Run_endOfChainDrops(t *testing.T) {
	c := NewChain(&testPlugin{name: "a", action: ActionContinue})

	mc := &Context{}
	decision := c.Run(context.Background(), slogutil.NewDiscardLogger(), mc)

	assert.Equal(t, ActionDrop, decision)
}

func TestChain_Run_errorDrops(t *testing.T) {
	var handled []string

	c := NewChain(
		&testPlugin{name: "a", err: errors.New("boom"), handled: &handled},
		&testPlugin{name: "b", action: ActionRespond, handled: &handled},
	)

	mc := &Context{}
	decision := c.Run(context.Background(), slogutil.NewDiscardLogger(), mc)

	assert.Equal(t, ActionDrop, decision)
	assert.Equal(t, []string{"a"}, handled, "plugin b must not run after a failed")
}
