package neuron

import (
	"math"
	"sort"

	"github.com/denizumutdereli/neurosim/pkg/core"
)

// PoissonGroup is N independent Poisson spike trains. Each entity's next
// spike time is drawn from an exponential distribution with its own rate.
type PoissonGroup struct {
	name  string
	state *core.State
	rng   core.RandomSource
	rate  []float64
	next  []float64
	ready bool

	// dropped counts draws that fell in an already-spiking step.
	dropped uint64
}

// NewPoissonGroup creates n trains firing at rate Hz each.
func NewPoissonGroup(name string, n int, rate float64, rng core.RandomSource) *PoissonGroup {
	s := core.NewState(n, "rate")
	s.Fill("rate", rate)
	return &PoissonGroup{name: name, state: s, rng: rng, rate: s.Var("rate")}
}

func (g *PoissonGroup) Name() string       { return g.name }
func (g *PoissonGroup) Len() int           { return g.state.Len() }
func (g *PoissonGroup) State() *core.State { return g.state }

// Dropped returns how many extra events collapsed into a single step spike.
func (g *PoissonGroup) Dropped() uint64 { return g.dropped }

func (g *PoissonGroup) Prepare(clk *core.Clock) error {
	op := "poisson group " + g.name
	if g.state.Len() <= 0 {
		return core.ConfigError(op, "size must be > 0")
	}
	if g.rng == nil {
		return core.ConfigError(op, "random source is required")
	}
	for i, r := range g.rate {
		if r < 0 || math.IsNaN(r) || math.IsInf(r, 0) {
			return &core.SimError{Kind: core.ErrConfiguration, Op: op, Step: -1, Entity: i, Variable: "rate", Detail: "rate must be finite and >= 0"}
		}
	}
	g.next = make([]float64, g.state.Len())
	for i := range g.next {
		g.next[i] = clk.T() + g.draw(i)
	}
	g.ready = true
	return nil
}

func (g *PoissonGroup) draw(i int) float64 {
	if g.rate[i] == 0 {
		return math.Inf(1)
	}
	return g.rng.ExpFloat64() / g.rate[i]
}

// Integrate is a no-op; Poisson sources carry no continuous state.
func (g *PoissonGroup) Integrate(core.Tick) error { return nil }

// Threshold emits entities whose next event falls inside [t, t+dt). An entity
// spikes at most once per step.
func (g *PoissonGroup) Threshold(tick core.Tick) []int {
	if !g.ready {
		return nil
	}
	end := tick.End()
	var spiked []int
	for i := range g.next {
		if g.next[i] >= end {
			continue
		}
		spiked = append(spiked, i)
		g.next[i] += g.draw(i)
		for g.next[i] < end {
			g.dropped++
			g.next[i] += g.draw(i)
		}
	}
	return spiked
}

// SpikeGeneratorGroup replays a fixed list of (index, time) events.
type SpikeGeneratorGroup struct {
	name    string
	state   *core.State
	indices []int
	times   []float64

	byStep map[int64][]int
}

// NewSpikeGeneratorGroup creates an n-entity group that fires entity
// indices[k] at times[k] seconds.
func NewSpikeGeneratorGroup(name string, n int, indices []int, times []float64) *SpikeGeneratorGroup {
	return &SpikeGeneratorGroup{
		name:    name,
		state:   core.NewState(n),
		indices: append([]int(nil), indices...),
		times:   append([]float64(nil), times...),
	}
}

func (g *SpikeGeneratorGroup) Name() string       { return g.name }
func (g *SpikeGeneratorGroup) Len() int           { return g.state.Len() }
func (g *SpikeGeneratorGroup) State() *core.State { return g.state }

// Prepare bins events into steps. Two events of one entity in the same step
// are a configuration error.
func (g *SpikeGeneratorGroup) Prepare(clk *core.Clock) error {
	op := "spike generator " + g.name
	if len(g.indices) != len(g.times) {
		return core.ConfigError(op, "indices (%d) and times (%d) differ in length", len(g.indices), len(g.times))
	}
	n := g.state.Len()
	g.byStep = make(map[int64][]int)
	seen := make(map[[2]int64]struct{}, len(g.indices))
	for k, i := range g.indices {
		if i < 0 || i >= n {
			return core.ConfigError(op, "index %d out of range [0,%d)", i, n)
		}
		t := g.times[k]
		if t < 0 || math.IsNaN(t) || math.IsInf(t, 0) {
			return core.ConfigError(op, "time %v of event %d is invalid", t, k)
		}
		step := clk.Steps(t)
		key := [2]int64{step, int64(i)}
		if _, dup := seen[key]; dup {
			return core.ConfigError(op, "entity %d has more than one spike in step %d", i, step)
		}
		seen[key] = struct{}{}
		g.byStep[step] = append(g.byStep[step], i)
	}
	for _, idx := range g.byStep {
		sort.Ints(idx)
	}
	return nil
}

func (g *SpikeGeneratorGroup) Integrate(core.Tick) error { return nil }

func (g *SpikeGeneratorGroup) Threshold(tick core.Tick) []int {
	return g.byStep[tick.Step]
}
