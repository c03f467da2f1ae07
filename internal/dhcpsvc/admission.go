package dhcpsvc

import (
	"context"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// AdmissionGate bounds the number of exchanges processed concurrently and
// assigns each admitted exchange a monotonic id, per §4.1 and §5.  The zero
// value is not usable; use [NewAdmissionGate].
//
// It is safe for concurrent use.
type AdmissionGate struct {
	inFlight prometheus.Gauge

	sem     chan struct{}
	current *atomic.Uint64
}

// NewAdmissionGate returns a new gate that admits at most maxInFlight
// exchanges at once.  maxInFlight must be positive.  inFlight, if non-nil,
// is kept in sync with the number of currently held permits.
func NewAdmissionGate(maxInFlight int, inFlight prometheus.Gauge) (g *AdmissionGate) {
	if inFlight == nil {
		inFlight = prometheus.NewGauge(prometheus.GaugeOpts{Name: "noop_in_flight"})
	}

	return &AdmissionGate{
		sem:      make(chan struct{}, maxInFlight),
		current:  &atomic.Uint64{},
		inFlight: inFlight,
	}
}

// Permit is a single admitted slot, held for the lifetime of one exchange.
// A Permit must be released exactly once.
type Permit struct {
	gate *AdmissionGate
	id   uint64

	released atomic.Bool
}

// ID returns the monotonic identifier assigned to the exchange this permit
// was issued for.
func (p *Permit) ID() (id uint64) {
	return p.id
}

// Release returns the slot held by p to its gate.  Release is idempotent;
// calling it more than once has no additional effect.
func (p *Permit) Release() {
	if p.released.Swap(true) {
		return
	}

	<-p.gate.sem
	p.gate.inFlight.Dec()
}

// Acquire admits a new exchange, blocking until a slot is free or ctx is
// done.  This is the gate's primary acquire path, per §4.1: once the
// in-flight ceiling is reached, the receive loop suspends here rather than
// dropping at the application layer, leaving any further back-pressure to
// the kernel's own receive buffer.
func (g *AdmissionGate) Acquire(ctx context.Context) (p *Permit, err error) {
	select {
	case g.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	g.inFlight.Inc()

	return &Permit{
		gate: g,
		id:   g.current.Add(1),
	}, nil
}

// TryAcquire attempts to admit a new exchange without blocking.  It returns
// nil and false if the gate is at capacity.
func (g *AdmissionGate) TryAcquire() (p *Permit, ok bool) {
	select {
	case g.sem <- struct{}{}:
	default:
		return nil, false
	}

	g.inFlight.Inc()

	return &Permit{
		gate: g,
		id:   g.current.Add(1),
	}, true
}
