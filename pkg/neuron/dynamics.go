package neuron

import "fmt"

// Method selects how a population's continuous variables are advanced.
type Method int

const (
	// MethodExact advances x toward x∞ with the closed-form factor e^{-dt/τ}.
	// τ must not depend on state within a run; the factor is computed once
	// per entity when a run starts.
	MethodExact Method = iota
	// MethodExponentialEuler applies the same update but re-evaluates x∞ and τ
	// from the pre-step state every step.
	MethodExponentialEuler
	// MethodEuler is explicit forward Euler on a derivative function.
	MethodEuler
	// MethodKernel hands whole entity ranges to an externally compiled block.
	MethodKernel
)

func (m Method) String() string {
	switch m {
	case MethodExact:
		return "exact"
	case MethodExponentialEuler:
		return "exponential_euler"
	case MethodEuler:
		return "euler"
	case MethodKernel:
		return "kernel"
	default:
		return fmt.Sprintf("method(%d)", int(m))
	}
}

// RelaxFunc writes, for entity i, the relaxation target and time constant of
// every integrated variable (same order as Dynamics.Vars). A τ of +Inf
// leaves the variable unchanged.
type RelaxFunc func(i int, inf, tau []float64)

// DerivFunc writes dx/dt of every integrated variable of entity i.
type DerivFunc func(i int, t float64, dx []float64)

// BlockFunc advances entities [lo, hi) in place by one step.
type BlockFunc func(lo, hi int, t, dt float64) error

// Dynamics is the compiled update rule of a population. Exactly one of
// Relax, Deriv or Block is used, according to Method.
type Dynamics struct {
	Vars   []string
	Method Method
	Relax  RelaxFunc
	Deriv  DerivFunc
	Block  BlockFunc
}

func (d *Dynamics) validate() error {
	switch d.Method {
	case MethodExact, MethodExponentialEuler:
		if d.Relax == nil {
			return fmt.Errorf("%s integration requires a relax function", d.Method)
		}
	case MethodEuler:
		if d.Deriv == nil {
			return fmt.Errorf("euler integration requires a derivative function")
		}
	case MethodKernel:
		if d.Block == nil {
			return fmt.Errorf("kernel integration requires a block function")
		}
	default:
		return fmt.Errorf("unsupported integration method %v", d.Method)
	}
	if d.Method != MethodKernel && len(d.Vars) == 0 {
		return fmt.Errorf("no integrated variables declared")
	}
	return nil
}
