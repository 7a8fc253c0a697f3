// Package network assembles groups, synapses, summed variables and
// monitors around one clock and runs them in lockstep.
package network

import (
	"context"
	"log"
	"time"

	"github.com/denizumutdereli/neurosim/pkg/concurrency"
	"github.com/denizumutdereli/neurosim/pkg/core"
	"github.com/denizumutdereli/neurosim/pkg/monitor"
	"github.com/denizumutdereli/neurosim/pkg/neuron"
	"github.com/denizumutdereli/neurosim/pkg/synapse"
)

// Phase names, in execution order.
const (
	PhaseCouple    = "couple"
	PhaseIntegrate = "integrate"
	PhaseThreshold = "threshold"
	PhaseDeliver   = "deliver"
	PhaseRecord    = "record"
)

// RunStats summarizes one call to Run.
type RunStats struct {
	StartStep int64
	Steps     int64
	Rounded   bool    // duration was not a whole number of steps
	Simulated float64 // seconds actually simulated
	Spikes    map[string]uint64
	Events    uint64 // synaptic effects applied
	Elapsed   time.Duration
}

// TotalSpikes sums spikes over all groups.
func (s RunStats) TotalSpikes() uint64 {
	var n uint64
	for _, c := range s.Spikes {
		n += c
	}
	return n
}

type poolUser interface {
	SetPool(*concurrency.Pool)
}

// refresher is implemented by groups that cache values derived from their
// state and must rebuild them between runs.
type refresher interface {
	Refresh(clk *core.Clock) error
}

// Network owns a clock and everything advanced by it.
type Network struct {
	clk *core.Clock

	// StrictDuration rejects run durations that are not a whole number of
	// steps instead of rounding them.
	StrictDuration bool

	groups   []neuron.Group
	router   *synapse.Router
	coupler  *synapse.Coupler
	states   []*monitor.StateMonitor
	spikeMon []*monitor.SpikeMonitor
	pool     *concurrency.Pool

	sched    *Scheduler
	spikes   [][]int // per group, current step
	counts   []uint64
	prepared map[any]bool
	dirty    bool
}

// New creates an empty network with its own clock.
func New(dt float64) (*Network, error) {
	clk, err := core.NewClock(dt)
	if err != nil {
		return nil, err
	}
	n := &Network{
		clk:            clk,
		StrictDuration: true,
		router:         synapse.NewRouter(),
		coupler:        synapse.NewCoupler(),
		prepared:       make(map[any]bool),
	}
	n.sched = NewScheduler(
		Phase{PhaseCouple, n.couple},
		Phase{PhaseIntegrate, n.integrate},
		Phase{PhaseThreshold, n.threshold},
		Phase{PhaseDeliver, n.deliver},
		Phase{PhaseRecord, n.record},
	)
	return n, nil
}

// SetPool enables data-parallel integration for groups that support it.
func (n *Network) SetPool(p *concurrency.Pool) {
	n.pool = p
	for _, g := range n.groups {
		if pu, ok := g.(poolUser); ok {
			pu.SetPool(p)
		}
	}
}

func (n *Network) Clock() *core.Clock     { return n.clk }
func (n *Network) T() float64             { return n.clk.T() }
func (n *Network) Groups() []neuron.Group { return n.groups }
func (n *Network) Scheduler() *Scheduler  { return n.sched }

// Add registers neuron groups, synapse groups, summed variables and
// monitors. Objects may be added between runs; adding the same group twice
// is a configuration error.
func (n *Network) Add(objs ...any) error {
	for _, obj := range objs {
		switch o := obj.(type) {
		case *synapse.Group:
			for _, s := range n.router.Groups() {
				if s == o {
					return core.ConfigError("network", "synapses %s added twice", o.Name())
				}
			}
			n.router.Add(o)
		case synapse.Summed:
			n.coupler.Add(o)
		case *monitor.StateMonitor:
			n.states = append(n.states, o)
		case *monitor.SpikeMonitor:
			n.spikeMon = append(n.spikeMon, o)
		case neuron.Group:
			for _, g := range n.groups {
				if g == o {
					return core.ConfigError("network", "group %s added twice", o.Name())
				}
			}
			n.groups = append(n.groups, o)
			n.spikes = append(n.spikes, nil)
			n.counts = append(n.counts, 0)
			if pu, ok := o.(poolUser); ok && n.pool != nil {
				pu.SetPool(n.pool)
			}
		default:
			return core.ConfigError("network", "cannot add object of type %T", obj)
		}
		n.dirty = true
	}
	return nil
}

// prepare readies every object added since the last run and re-prepares
// synapse groups that gained synapses. Objects that were already prepared
// keep their state.
func (n *Network) prepare() error {
	if !n.dirty && !n.synapsesGrew() {
		return nil
	}
	known := make(map[neuron.Group]bool, len(n.groups))
	for _, g := range n.groups {
		known[g] = true
		if n.prepared[g] {
			continue
		}
		if err := g.Prepare(n.clk); err != nil {
			return err
		}
		n.prepared[g] = true
	}
	for _, s := range n.router.Groups() {
		if !known[s.Source] || !known[s.Target] {
			return core.ConfigError("network", "synapses %s connect groups not added to the network", s.Name())
		}
		if n.prepared[s] && s.Prepared() {
			continue
		}
		if err := s.Prepare(n.clk); err != nil {
			return err
		}
		n.prepared[s] = true
	}
	if err := n.coupler.Prepare(); err != nil {
		return err
	}
	for _, m := range n.spikeMon {
		if g, ok := m.Source().(neuron.Group); !ok || !known[g] {
			return core.ConfigError("network", "spike monitor on %s observes a group not in the network", m.Source().Name())
		}
	}
	n.dirty = false
	return nil
}

// refresh rebuilds cached values of groups prepared by an earlier run.
func (n *Network) refresh() error {
	for _, g := range n.groups {
		r, ok := g.(refresher)
		if !ok || !n.prepared[g] {
			continue
		}
		if err := r.Refresh(n.clk); err != nil {
			return err
		}
	}
	return nil
}

func (n *Network) synapsesGrew() bool {
	for _, s := range n.router.Groups() {
		if !s.Prepared() {
			return true
		}
	}
	return false
}

// Run advances the network by duration seconds.
func (n *Network) Run(duration float64) (RunStats, error) {
	return n.RunContext(context.Background(), duration)
}

// RunContext is Run with cancellation. On error the stats describe the
// steps completed before the failure.
func (n *Network) RunContext(ctx context.Context, duration float64) (RunStats, error) {
	stats := RunStats{StartStep: n.clk.Step()}
	steps, rounded, err := n.clk.StepsFor(duration, n.StrictDuration)
	if err != nil {
		return stats, err
	}
	if rounded {
		log.Printf("⚠ WARNING: duration %gs is not a multiple of dt %gs; running %d steps (%gs)",
			duration, n.clk.Dt(), steps, float64(steps)*n.clk.Dt())
	}
	stats.Rounded = rounded

	if err := n.refresh(); err != nil {
		return stats, err
	}
	if err := n.prepare(); err != nil {
		return stats, err
	}

	before := n.snapshotCounts()
	events := n.events()
	start := time.Now()

	done, err := n.sched.Run(ctx, n.clk, steps)

	stats.Elapsed = time.Since(start)
	stats.Steps = done
	stats.Simulated = float64(done) * n.clk.Dt()
	stats.Events = n.events() - events
	stats.Spikes = make(map[string]uint64, len(n.groups))
	for i, g := range n.groups {
		stats.Spikes[g.Name()] = n.counts[i] - before[i]
	}
	return stats, err
}

func (n *Network) snapshotCounts() []uint64 {
	return append([]uint64(nil), n.counts...)
}

func (n *Network) events() uint64 {
	var e uint64
	for _, s := range n.router.Groups() {
		e += s.Events()
	}
	return e
}

func (n *Network) couple(tick core.Tick) error {
	n.coupler.Couple(tick)
	return nil
}

func (n *Network) integrate(tick core.Tick) error {
	for _, g := range n.groups {
		if err := g.Integrate(tick); err != nil {
			return err
		}
	}
	return nil
}

func (n *Network) threshold(tick core.Tick) error {
	for i, g := range n.groups {
		n.spikes[i] = g.Threshold(tick)
		n.counts[i] += uint64(len(n.spikes[i]))
	}
	return nil
}

func (n *Network) deliver(tick core.Tick) error {
	for i, g := range n.groups {
		if err := n.router.Route(tick, g, n.spikes[i]); err != nil {
			return err
		}
	}
	return n.router.Deliver(tick)
}

func (n *Network) record(tick core.Tick) error {
	for _, m := range n.spikeMon {
		for i, g := range n.groups {
			if core.Observable(g) == m.Source() {
				m.Observe(tick, n.spikes[i])
			}
		}
	}
	for _, m := range n.states {
		m.Record(tick)
	}
	return nil
}
