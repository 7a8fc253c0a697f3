package kernel

import (
	"sync"

	"github.com/denizumutdereli/neurosim/pkg/core"
	"github.com/denizumutdereli/neurosim/pkg/neuron"
)

// Adapt turns fn into a block over the named variables of st. Each call
// packs entities [lo, hi) row-major, runs fn and writes the result back.
// Columns are looked up per call so growing the state is safe.
func Adapt(fn StepFunc, st *core.State, vars []string) (neuron.BlockFunc, error) {
	if len(vars) == 0 {
		return nil, core.ConfigError("kernel", "no variables to pack")
	}
	for _, v := range vars {
		if !st.Has(v) {
			return nil, core.ConfigError("kernel", "variable %q not declared", v)
		}
	}
	names := append([]string(nil), vars...)
	nv := len(names)
	bufs := sync.Pool{New: func() any { return new([]float64) }}

	return func(lo, hi int, t, dt float64) error {
		n := hi - lo
		if n <= 0 {
			return nil
		}
		bp := bufs.Get().(*[]float64)
		defer bufs.Put(bp)
		if cap(*bp) < n*nv {
			*bp = make([]float64, n*nv)
		}
		buf := (*bp)[:n*nv]

		cols := make([][]float64, nv)
		for v, name := range names {
			cols[v] = st.Var(name)
			for i := 0; i < n; i++ {
				buf[i*nv+v] = cols[v][lo+i]
			}
		}
		fn(buf, int64(nv), int64(n), t, dt)
		for v, col := range cols {
			for i := 0; i < n; i++ {
				col[lo+i] = buf[i*nv+v]
			}
		}
		return nil
	}, nil
}

// Dynamics resolves symbol in l and returns kernel dynamics over vars of p.
func (l *Library) Dynamics(symbol string, p *neuron.Population, vars ...string) (*neuron.Dynamics, error) {
	fn, err := l.Step(symbol)
	if err != nil {
		return nil, err
	}
	return NewDynamics(fn, p, vars...)
}

// NewDynamics wraps fn as the integration rule of p.
func NewDynamics(fn StepFunc, p *neuron.Population, vars ...string) (*neuron.Dynamics, error) {
	block, err := Adapt(fn, p.State(), vars)
	if err != nil {
		return nil, err
	}
	return &neuron.Dynamics{Vars: vars, Method: neuron.MethodKernel, Block: block}, nil
}
