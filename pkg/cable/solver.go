package cable

import (
	"math"

	"github.com/denizumutdereli/neurosim/pkg/core"
	"github.com/denizumutdereli/neurosim/pkg/neuron"
)

// MembraneFunc returns, for compartment i, the summed membrane conductance
// per unit area (S/m²) and the conductance-weighted reversal Σ g·E (A/m²).
// Leak and active channels are linearized around the pre-step state.
type MembraneFunc func(i int) (g, gE float64)

// Passive returns a leak-only membrane.
func Passive(gL, eL float64) MembraneFunc {
	return func(int) (float64, float64) { return gL, gL * eL }
}

// SpatialNeuron is a multi-compartment neuron solved with a backward-Euler
// step of the cable equation. State "v" holds compartment voltages and "I"
// point currents in amperes.
type SpatialNeuron struct {
	name  string
	morph *Morphology
	state *core.State

	Cm       float64 // F/m²
	Ri       float64 // Ω·m
	Membrane MembraneFunc

	// Gating variables advanced by exponential Euler before the voltage solve.
	GateVars []string
	Gates    neuron.RelaxFunc

	Thresh func(i int) bool
	Reset  func(i int)

	v, inj    []float64
	area, cap []float64
	gAx       []float64 // conductance to parent
	diag, rhs []float64
	gateCols  [][]float64
	prepared  bool
}

// NewSpatialNeuron creates a neuron over morph with the given extra variables.
func NewSpatialNeuron(name string, morph *Morphology, vars ...string) *SpatialNeuron {
	vars = append([]string{"v", "I"}, vars...)
	return &SpatialNeuron{
		name:  name,
		morph: morph,
		state: core.NewState(morph.Len(), vars...),
	}
}

func (s *SpatialNeuron) Name() string            { return s.name }
func (s *SpatialNeuron) Len() int                { return s.state.Len() }
func (s *SpatialNeuron) State() *core.State      { return s.state }
func (s *SpatialNeuron) Morphology() *Morphology { return s.morph }

// Prepare validates geometry and electrical parameters and precomputes
// areas, capacitances and axial conductances.
func (s *SpatialNeuron) Prepare(*core.Clock) error {
	op := "spatial neuron " + s.name
	if err := s.morph.Validate(); err != nil {
		return core.ConfigError(op, "%v", err)
	}
	if s.morph.Len() != s.state.Len() {
		return core.ConfigError(op, "morphology changed after construction")
	}
	if !(s.Cm > 0) {
		return core.ConfigError(op, "membrane capacitance must be > 0")
	}
	if !(s.Ri > 0) {
		return core.ConfigError(op, "axial resistivity must be > 0")
	}
	if s.Membrane == nil {
		return core.ConfigError(op, "membrane function is required")
	}
	if len(s.GateVars) > 0 && s.Gates == nil {
		return core.ConfigError(op, "gating variables declared without a gating function")
	}

	n := s.morph.Len()
	s.v = s.state.Var("v")
	s.inj = s.state.Var("I")
	s.area = make([]float64, n)
	s.cap = make([]float64, n)
	s.gAx = make([]float64, n)
	s.diag = make([]float64, n)
	s.rhs = make([]float64, n)
	for i := 0; i < n; i++ {
		s.area[i] = s.morph.Area(i)
		s.cap[i] = s.Cm * s.area[i]
		if p := s.morph.Parent(i); p >= 0 {
			s.gAx[i] = 1 / (s.morph.halfResistance(i, s.Ri) + s.morph.halfResistance(p, s.Ri))
		}
	}

	s.gateCols = s.gateCols[:0]
	for _, name := range s.GateVars {
		col, ok := s.state.Lookup(name)
		if !ok {
			return core.ConfigError(op, "gating variable %q not declared", name)
		}
		s.gateCols = append(s.gateCols, col)
	}
	s.prepared = true
	return nil
}

// Integrate advances gates and voltages by one step.
func (s *SpatialNeuron) Integrate(tick core.Tick) error {
	if !s.prepared {
		return core.SchedulingError("spatial neuron "+s.name, tick.Step, "", "integrate before prepare")
	}
	s.advanceGates(tick.Dt)
	s.assemble(tick.Dt)
	s.solve()

	for i, x := range s.v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return core.DivergenceError("cable "+s.name, tick.Step, i, "v", x)
		}
	}
	for c, col := range s.gateCols {
		for i, x := range col {
			if math.IsNaN(x) || math.IsInf(x, 0) {
				return core.DivergenceError("cable "+s.name, tick.Step, i, s.GateVars[c], x)
			}
		}
	}
	return nil
}

func (s *SpatialNeuron) advanceGates(dt float64) {
	k := len(s.gateCols)
	if k == 0 {
		return
	}
	inf := make([]float64, k)
	tau := make([]float64, k)
	for i := range s.v {
		s.Gates(i, inf, tau)
		for c, col := range s.gateCols {
			col[i] = inf[c] + (col[i]-inf[c])*math.Exp(-dt/tau[c])
		}
	}
}

// assemble builds the symmetric tree system
//
//	(C/dt + A·G + Σg) v' − Σ g·v'_neighbor = C/dt·v + A·ΣgE + I
func (s *SpatialNeuron) assemble(dt float64) {
	for i := range s.v {
		g, gE := s.Membrane(i)
		c := s.cap[i] / dt
		s.diag[i] = c + s.area[i]*g
		s.rhs[i] = c*s.v[i] + s.area[i]*gE + s.inj[i]
	}
	for i := 1; i < len(s.v); i++ {
		p := s.morph.parent[i]
		s.diag[i] += s.gAx[i]
		s.diag[p] += s.gAx[i]
	}
}

// solve eliminates children into parents from the leaves up, then
// substitutes from the root down. Cost is linear in the compartment count.
func (s *SpatialNeuron) solve() {
	d, b := s.diag, s.rhs
	for i := len(d) - 1; i > 0; i-- {
		p := s.morph.parent[i]
		f := s.gAx[i] / d[i]
		d[p] -= f * s.gAx[i]
		b[p] += f * b[i]
	}
	s.v[0] = b[0] / d[0]
	for i := 1; i < len(d); i++ {
		p := s.morph.parent[i]
		s.v[i] = (b[i] + s.gAx[i]*s.v[p]) / d[i]
	}
}

// Threshold evaluates the optional per-compartment spike condition.
func (s *SpatialNeuron) Threshold(core.Tick) []int {
	if s.Thresh == nil {
		return nil
	}
	var spiked []int
	for i := range s.v {
		if s.Thresh(i) {
			spiked = append(spiked, i)
			if s.Reset != nil {
				s.Reset(i)
			}
		}
	}
	return spiked
}
