// Package models holds compiled update rules for the neuron, synapse and
// membrane models used by the bundled scenarios. Each model declares its
// own state variables and returns ready-to-run groups.
package models

import (
	"github.com/denizumutdereli/neurosim/pkg/neuron"
)

// LIF is a leaky integrate-and-fire neuron
//
//	dv/dt = (Rest - v + Σ inputs) / tau
//
// where every input variable is a drive expressed in volts.
type LIF struct {
	Tau        float64 // seconds
	Rest       float64 // volts
	Threshold  float64
	Reset      float64
	Refractory float64 // seconds; 0 disables

	// Var names the membrane variable; "v" when empty.
	Var string
	// Inputs are the drive variables summed into the target; "I" when nil.
	Inputs []string
	// Passive disables threshold and reset.
	Passive bool
}

// DefaultLIF returns the cortical parameters used throughout the scenarios.
func DefaultLIF() LIF {
	return LIF{
		Tau:       10e-3,
		Rest:      -70e-3,
		Threshold: -55e-3,
		Reset:     -70e-3,
	}
}

func (m LIF) varName() string {
	if m.Var == "" {
		return "v"
	}
	return m.Var
}

func (m LIF) inputs() []string {
	if m.Inputs == nil {
		return []string{"I"}
	}
	return m.Inputs
}

// KernelVars returns the row layout handed to an external LIF kernel: the
// membrane variable, "tau", "rest", then the inputs in declaration order.
func (m LIF) KernelVars() []string {
	return append([]string{m.varName(), "tau", "rest"}, m.inputs()...)
}

// Build creates n neurons at rest. The per-neuron time constant and resting
// potential live in the "tau" and "rest" columns and may be changed between
// runs.
func (m LIF) Build(name string, n int) *neuron.Population {
	v := m.varName()
	p := neuron.NewPopulation(name, n, m.KernelVars()...)
	st := p.State()
	st.Fill(v, m.Rest)
	st.Fill("tau", m.Tau)
	st.Fill("rest", m.Rest)

	vc := st.Var(v)
	tau := st.Var("tau")
	rest := st.Var("rest")
	drives := make([][]float64, 0, len(m.inputs()))
	for _, in := range m.inputs() {
		drives = append(drives, st.Var(in))
	}

	p.Dynamics = &neuron.Dynamics{
		Vars:   []string{v},
		Method: neuron.MethodExact,
		Relax: func(i int, inf, tc []float64) {
			target := rest[i]
			for _, d := range drives {
				target += d[i]
			}
			inf[0] = target
			tc[0] = tau[i]
		},
	}
	if m.Passive {
		return p
	}

	thr, reset := m.Threshold, m.Reset
	p.Thresh = func(i int) bool { return vc[i] > thr }
	p.Reset = func(i int) { vc[i] = reset }
	if m.Refractory > 0 {
		p.Refractory = &neuron.Refractory{Period: m.Refractory, Clamp: true}
	}
	return p
}
