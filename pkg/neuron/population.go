package neuron

import (
	"math"

	"github.com/denizumutdereli/neurosim/pkg/concurrency"
	"github.com/denizumutdereli/neurosim/pkg/core"
)

// Group is anything the scheduler integrates and thresholds each step.
type Group interface {
	core.Observable
	Len() int
	// Prepare validates the group and caches step-size dependent values.
	Prepare(clk *core.Clock) error
	Integrate(tick core.Tick) error
	// Threshold returns the indices that spiked this step, ascending.
	Threshold(tick core.Tick) []int
}

// Refractory describes how long an entity stays unable to spike after a
// spike. With both Period and While set, the entity is released only once
// the period elapsed and the condition no longer holds.
type Refractory struct {
	Period float64          // Seconds; 0 disables the time criterion
	While  func(i int) bool // Stays refractory while this holds
	Clamp  bool             // Suspend integration while refractory
}

func (r *Refractory) enabled() bool {
	return r != nil && (r.Period > 0 || r.While != nil)
}

// Population is N neurons sharing state columns and one update rule.
type Population struct {
	name  string
	state *core.State

	Dynamics   *Dynamics
	Thresh     func(i int) bool
	Reset      func(i int)
	Refractory *Refractory

	pool *concurrency.Pool

	cols       [][]float64 // integrated columns, Dynamics.Vars order
	checkCols  [][]float64
	checkNames []string
	decay      []float64 // MethodExact factors, n*len(vars)
	refSteps   int64
	refractory []bool
	lastSpike  []int64
	prepared   bool

	spikes uint64
}

// NewPopulation creates a population of n entities with the given variables.
func NewPopulation(name string, n int, vars ...string) *Population {
	return &Population{
		name:  name,
		state: core.NewState(n, vars...),
	}
}

func (p *Population) Name() string       { return p.name }
func (p *Population) Len() int           { return p.state.Len() }
func (p *Population) State() *core.State { return p.state }

// SetPool enables data-parallel integration.
func (p *Population) SetPool(pool *concurrency.Pool) { p.pool = pool }

// SpikeCount returns the number of spikes emitted so far.
func (p *Population) SpikeCount() uint64 { return p.spikes }

// IsRefractory reports whether entity i is currently refractory.
func (p *Population) IsRefractory(i int) bool {
	return p.refractory != nil && p.refractory[i]
}

// Prepare resolves columns and precomputes exact decay factors.
func (p *Population) Prepare(clk *core.Clock) error {
	op := "population " + p.name
	n := p.state.Len()
	if n <= 0 {
		return core.ConfigError(op, "size must be > 0, got %d", n)
	}
	if p.Reset != nil && p.Thresh == nil {
		return core.ConfigError(op, "reset rule given without threshold")
	}

	p.cols = nil
	p.checkCols, p.checkNames = nil, nil
	if d := p.Dynamics; d != nil {
		if err := d.validate(); err != nil {
			return core.ConfigError(op, "%v", err)
		}
		for _, name := range d.Vars {
			col, ok := p.state.Lookup(name)
			if !ok {
				return core.ConfigError(op, "integrated variable %q not declared", name)
			}
			p.cols = append(p.cols, col)
		}
		names := d.Vars
		if d.Method == MethodKernel && len(names) == 0 {
			names = p.state.Names()
		}
		for _, name := range names {
			p.checkCols = append(p.checkCols, p.state.Var(name))
			p.checkNames = append(p.checkNames, name)
		}
		if d.Method == MethodExact {
			if err := p.computeDecay(clk.Dt()); err != nil {
				return err
			}
		}
	}

	if p.Refractory.enabled() {
		if p.Refractory.Period < 0 {
			return core.ConfigError(op, "refractory period must be >= 0")
		}
		p.refSteps = clk.Steps(p.Refractory.Period)
		p.refractory = make([]bool, n)
		p.lastSpike = make([]int64, n)
		for i := range p.lastSpike {
			p.lastSpike[i] = math.MinInt64 / 2
		}
	} else {
		p.refractory, p.lastSpike = nil, nil
	}
	p.prepared = true
	return nil
}

// Refresh recomputes the exact decay factors from the current time
// constants. The network calls it at the start of every run after the
// first, so a changed τ applies from the next run on.
func (p *Population) Refresh(clk *core.Clock) error {
	if !p.prepared || p.Dynamics == nil || p.Dynamics.Method != MethodExact {
		return nil
	}
	return p.computeDecay(clk.Dt())
}

func (p *Population) computeDecay(dt float64) error {
	k := len(p.cols)
	n := p.state.Len()
	p.decay = make([]float64, n*k)
	inf := make([]float64, k)
	tau := make([]float64, k)
	for i := 0; i < n; i++ {
		p.Dynamics.Relax(i, inf, tau)
		for v := 0; v < k; v++ {
			if !(tau[v] > 0) {
				return &core.SimError{
					Kind: core.ErrConfiguration, Op: "population " + p.name, Step: -1,
					Entity: i, Variable: p.Dynamics.Vars[v], Detail: "time constant must be > 0",
				}
			}
			p.decay[i*k+v] = math.Exp(-dt / tau[v])
		}
	}
	return nil
}

// Integrate advances every non-clamped entity by one step.
func (p *Population) Integrate(tick core.Tick) error {
	if !p.prepared {
		return core.SchedulingError("population "+p.name, tick.Step, "", "integrate before prepare")
	}
	n := p.state.Len()
	if p.Dynamics == nil {
		p.releaseRange(tick, 0, n)
		return nil
	}
	if p.pool != nil {
		return p.pool.ParallelFor(n, func(lo, hi int) error { return p.integrateRange(tick, lo, hi) })
	}
	return p.integrateRange(tick, 0, n)
}

func (p *Population) releaseRange(tick core.Tick, lo, hi int) {
	if p.refractory == nil {
		return
	}
	for i := lo; i < hi; i++ {
		if p.refractory[i] && p.released(tick, i) {
			p.refractory[i] = false
		}
	}
}

func (p *Population) released(tick core.Tick, i int) bool {
	if tick.Step-p.lastSpike[i] < p.refSteps {
		return false
	}
	return p.Refractory.While == nil || !p.Refractory.While(i)
}

func (p *Population) integrateRange(tick core.Tick, lo, hi int) error {
	p.releaseRange(tick, lo, hi)
	clamp := p.refractory != nil && p.Refractory.Clamp

	d := p.Dynamics
	if d.Method == MethodKernel {
		if err := p.integrateKernel(tick, lo, hi, clamp); err != nil {
			return err
		}
		return p.checkFinite(tick, lo, hi)
	}

	k := len(p.cols)
	a := make([]float64, k)
	b := make([]float64, k)
	for i := lo; i < hi; i++ {
		if clamp && p.refractory[i] {
			continue
		}
		switch d.Method {
		case MethodExact:
			d.Relax(i, a, b)
			for v, col := range p.cols {
				col[i] = a[v] + (col[i]-a[v])*p.decay[i*k+v]
			}
		case MethodExponentialEuler:
			d.Relax(i, a, b)
			for v, col := range p.cols {
				if math.IsInf(b[v], 1) {
					continue
				}
				col[i] = a[v] + (col[i]-a[v])*math.Exp(-tick.Dt/b[v])
			}
		case MethodEuler:
			d.Deriv(i, tick.T, a)
			for v, col := range p.cols {
				col[i] += a[v] * tick.Dt
			}
		}
	}
	return p.checkFinite(tick, lo, hi)
}

// integrateKernel runs the block over maximal runs of non-clamped entities.
func (p *Population) integrateKernel(tick core.Tick, lo, hi int, clamp bool) error {
	if !clamp {
		return p.Dynamics.Block(lo, hi, tick.T, tick.Dt)
	}
	start := -1
	for i := lo; i <= hi; i++ {
		free := i < hi && !p.refractory[i]
		if free && start < 0 {
			start = i
		}
		if !free && start >= 0 {
			if err := p.Dynamics.Block(start, i, tick.T, tick.Dt); err != nil {
				return err
			}
			start = -1
		}
	}
	return nil
}

func (p *Population) checkFinite(tick core.Tick, lo, hi int) error {
	for i := lo; i < hi; i++ {
		for v, col := range p.checkCols {
			x := col[i]
			if math.IsNaN(x) || math.IsInf(x, 0) {
				return core.DivergenceError("integrate "+p.name, tick.Step, i, p.checkNames[v], x)
			}
		}
	}
	return nil
}

// Threshold evaluates the spike condition, resets spiking entities and marks
// them refractory. Each entity is handled independently.
func (p *Population) Threshold(tick core.Tick) []int {
	if p.Thresh == nil {
		return nil
	}
	var spiked []int
	n := p.state.Len()
	for i := 0; i < n; i++ {
		if p.refractory != nil && p.refractory[i] {
			continue
		}
		if !p.Thresh(i) {
			continue
		}
		spiked = append(spiked, i)
		if p.Reset != nil {
			p.Reset(i)
		}
		if p.refractory != nil {
			p.refractory[i] = true
			p.lastSpike[i] = tick.Step
		}
	}
	p.spikes += uint64(len(spiked))
	return spiked
}
