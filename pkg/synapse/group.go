package synapse

import (
	"math"

	"github.com/denizumutdereli/neurosim/pkg/core"
	"github.com/denizumutdereli/neurosim/pkg/neuron"
)

const lastUpdateVar = "lastupdate"

// Event is one synaptic delivery handed to an effect.
type Event struct {
	K    int     // Synapse index
	Pre  int     // Source entity
	Post int     // Target entity
	T    float64 // Delivery time in seconds
}

// Effect applies an on_pre or on_post update for one synapse.
type Effect func(e Event)

// EffectFactory builds an Effect once the group's columns are final, so the
// returned closure can hold direct slice references.
type EffectFactory func(g *Group) Effect

// Trace is an event-driven variable that decays exponentially toward zero
// and is only brought up to date when a delivery touches its synapse.
type Trace struct {
	Name string
	Tau  float64
}

// Group is a sparse set of synapses from Source to Target.
type Group struct {
	name   string
	Source neuron.Group
	Target neuron.Group
	state  *core.State

	pre  []int
	post []int

	// Delay applies to every synapse unless Delays is set (one per synapse).
	Delay     float64
	Delays    []float64
	PostDelay float64

	OnPre  EffectFactory
	OnPost EffectFactory
	Traces []Trace

	// WeightVar is clipped to [WMin, WMax] after every effect.
	WeightVar string
	WMin      float64
	WMax      float64

	// AllowMultiple permits more than one synapse per (pre, post) pair for
	// rules other than Explicit.
	AllowMultiple bool

	pairs  map[[2]int]int
	byPre  [][]int
	byPost [][]int

	onPre      Effect
	onPost     Effect
	traceCols  [][]float64
	traceDecay []float64 // 1/tau per trace
	lastUpdate []float64
	weight     []float64

	preSteps  []int64
	postSteps int64
	preQ      map[int64][]int
	postQ     map[int64][]int
	delivered int64 // last delivered step
	prepared  bool

	events uint64
}

// NewGroup creates an empty synapse group with the given per-synapse variables.
func NewGroup(name string, source, target neuron.Group, vars ...string) *Group {
	return &Group{
		name:      name,
		Source:    source,
		Target:    target,
		state:     core.NewState(0, vars...),
		WMin:      math.Inf(-1),
		WMax:      math.Inf(1),
		pairs:     make(map[[2]int]int),
		delivered: -1,
	}
}

func (g *Group) Name() string       { return g.name }
func (g *Group) State() *core.State { return g.state }

// Len returns the number of synapses.
func (g *Group) Len() int { return len(g.pre) }

// Pre returns the source index of every synapse. Callers must not modify it.
func (g *Group) Pre() []int { return g.pre }

// Post returns the target index of every synapse. Callers must not modify it.
func (g *Group) Post() []int { return g.post }

// Events returns the number of effects applied so far.
func (g *Group) Events() uint64 { return g.events }

// Prepare resolves effects, traces and delays against the final connectivity.
func (g *Group) Prepare(clk *core.Clock) error {
	op := "synapses " + g.name
	if g.Source == nil || g.Target == nil {
		return core.ConfigError(op, "source and target are required")
	}
	if g.WMin > g.WMax {
		return core.ConfigError(op, "weight bounds [%v, %v] are empty", g.WMin, g.WMax)
	}
	n := g.Len()

	g.weight = nil
	if g.WeightVar != "" {
		col, ok := g.state.Lookup(g.WeightVar)
		if !ok {
			return core.ConfigError(op, "weight variable %q not declared", g.WeightVar)
		}
		g.weight = col
	}

	g.traceCols, g.traceDecay = nil, nil
	for _, tr := range g.Traces {
		if !(tr.Tau > 0) {
			return core.ConfigError(op, "trace %q needs a positive time constant", tr.Name)
		}
		col, ok := g.state.Lookup(tr.Name)
		if !ok {
			return core.ConfigError(op, "trace %q not declared", tr.Name)
		}
		g.traceCols = append(g.traceCols, col)
		g.traceDecay = append(g.traceDecay, 1/tr.Tau)
	}
	if len(g.Traces) > 0 {
		g.lastUpdate = g.state.Add(lastUpdateVar)
	}

	if g.Delays != nil && len(g.Delays) != n {
		return core.ConfigError(op, "expected %d delays, got %d", n, len(g.Delays))
	}
	if g.Delay < 0 || g.PostDelay < 0 {
		return core.ConfigError(op, "delays must be >= 0")
	}
	g.preSteps = make([]int64, n)
	for k := range g.preSteps {
		d := g.Delay
		if g.Delays != nil {
			d = g.Delays[k]
		}
		if d < 0 || math.IsNaN(d) {
			return &core.SimError{Kind: core.ErrConfiguration, Op: op, Step: -1, Entity: k, Variable: "delay", Detail: "delay must be >= 0"}
		}
		g.preSteps[k] = clk.Steps(d)
	}
	g.postSteps = clk.Steps(g.PostDelay)

	g.buildIndex()

	g.onPre, g.onPost = nil, nil
	var err error
	if g.OnPre != nil {
		if g.onPre, err = build(op, func() Effect { return g.OnPre(g) }); err != nil {
			return err
		}
	}
	if g.OnPost != nil {
		if g.onPost, err = build(op, func() Effect { return g.OnPost(g) }); err != nil {
			return err
		}
	}
	// Re-preparing after Connect keeps events already in flight.
	if g.preQ == nil {
		g.preQ = make(map[int64][]int)
		g.postQ = make(map[int64][]int)
	}
	g.delivered = clk.Step() - 1
	g.prepared = true
	return nil
}

// Prepared reports whether the group is ready to schedule and deliver. A
// Connect after Prepare clears it.
func (g *Group) Prepared() bool { return g.prepared }

// build runs a factory, turning a lookup of an undeclared variable into a
// configuration error.
func build[T any](op string, f func() T) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = core.ConfigError(op, "%v", r)
		}
	}()
	return f(), nil
}

func (g *Group) buildIndex() {
	g.byPre = make([][]int, g.Source.Len())
	g.byPost = make([][]int, g.Target.Len())
	for k := range g.pre {
		g.byPre[g.pre[k]] = append(g.byPre[g.pre[k]], k)
		g.byPost[g.post[k]] = append(g.byPost[g.post[k]], k)
	}
}

// SchedulePre queues the on_pre effect of every synapse leaving the spiking
// source entities. spikes must be ascending.
func (g *Group) SchedulePre(tick core.Tick, spikes []int) error {
	if g.onPre == nil {
		return nil
	}
	for _, i := range spikes {
		for _, k := range g.byPre[i] {
			if err := g.enqueue(g.preQ, tick, tick.Step+g.preSteps[k], k); err != nil {
				return err
			}
		}
	}
	return nil
}

// SchedulePost queues the on_post effect of every synapse ending on the
// spiking target entities.
func (g *Group) SchedulePost(tick core.Tick, spikes []int) error {
	if g.onPost == nil {
		return nil
	}
	for _, j := range spikes {
		for _, k := range g.byPost[j] {
			if err := g.enqueue(g.postQ, tick, tick.Step+g.postSteps, k); err != nil {
				return err
			}
		}
	}
	return nil
}

func (g *Group) enqueue(q map[int64][]int, tick core.Tick, at int64, k int) error {
	if !g.prepared {
		return core.SchedulingError("synapses "+g.name, tick.Step, "", "schedule before prepare")
	}
	if at <= g.delivered || at < tick.Step {
		return core.SchedulingError("synapses "+g.name, tick.Step, "", "delivery step %d is in the past", at)
	}
	q[at] = append(q[at], k)
	return nil
}

// Deliver applies every effect due at this step: the pre pathway first, then
// the post pathway, each in the order the events were produced.
func (g *Group) Deliver(tick core.Tick) error {
	if !g.prepared {
		return core.SchedulingError("synapses "+g.name, tick.Step, "", "deliver before prepare")
	}
	if tick.Step <= g.delivered {
		return core.SchedulingError("synapses "+g.name, tick.Step, "", "step already delivered")
	}
	g.drain(g.preQ, tick, g.onPre)
	g.drain(g.postQ, tick, g.onPost)
	g.delivered = tick.Step
	return nil
}

func (g *Group) drain(q map[int64][]int, tick core.Tick, fn Effect) {
	due, ok := q[tick.Step]
	if !ok {
		return
	}
	delete(q, tick.Step)
	for _, k := range due {
		g.apply(k, tick.T, fn)
	}
}

func (g *Group) apply(k int, t float64, fn Effect) {
	g.advanceTraces(k, t)
	fn(Event{K: k, Pre: g.pre[k], Post: g.post[k], T: t})
	if g.weight != nil {
		g.weight[k] = min(max(g.weight[k], g.WMin), g.WMax)
	}
	g.events++
}

// advanceTraces decays synapse k's traces from its last update to t.
func (g *Group) advanceTraces(k int, t float64) {
	if g.lastUpdate == nil {
		return
	}
	elapsed := t - g.lastUpdate[k]
	if elapsed > 0 {
		for c, col := range g.traceCols {
			col[k] *= math.Exp(-elapsed * g.traceDecay[c])
		}
	}
	g.lastUpdate[k] = t
}

// TraceAt returns trace value of synapse k decayed to time t without
// modifying state. Monitors use it to read current trace values.
func (g *Group) TraceAt(name string, k int, t float64) (float64, bool) {
	for c, tr := range g.Traces {
		if tr.Name != name || c >= len(g.traceCols) {
			continue
		}
		return g.traceCols[c][k] * math.Exp(-(t-g.lastUpdate[k])/tr.Tau), true
	}
	return 0, false
}

// Pending returns the number of queued, undelivered events.
func (g *Group) Pending() int {
	n := 0
	for _, q := range g.preQ {
		n += len(q)
	}
	for _, q := range g.postQ {
		n += len(q)
	}
	return n
}
