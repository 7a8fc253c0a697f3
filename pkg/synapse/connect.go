package synapse

import (
	"github.com/denizumutdereli/neurosim/pkg/core"
)

// Rule produces the (pre, post) pairs to instantiate.
type Rule interface {
	pairs(ns, nt int, rng core.RandomSource) (pre, post []int, err error)
	allowsDuplicates() bool
}

// AllToAll connects every source entity to every target entity.
type AllToAll struct {
	ExcludeSelf bool // Skip i == j, for recurrent groups
}

func (r AllToAll) pairs(ns, nt int, _ core.RandomSource) ([]int, []int, error) {
	pre := make([]int, 0, ns*nt)
	post := make([]int, 0, ns*nt)
	for i := 0; i < ns; i++ {
		for j := 0; j < nt; j++ {
			if r.ExcludeSelf && i == j {
				continue
			}
			pre = append(pre, i)
			post = append(post, j)
		}
	}
	return pre, post, nil
}

func (AllToAll) allowsDuplicates() bool { return false }

// Probabilistic includes each candidate pair independently with probability P.
type Probabilistic struct {
	P           float64
	ExcludeSelf bool
}

func (r Probabilistic) pairs(ns, nt int, rng core.RandomSource) ([]int, []int, error) {
	if !(r.P >= 0 && r.P <= 1) {
		return nil, nil, core.ConfigError("connect", "probability must be in [0,1], got %v", r.P)
	}
	if rng == nil && r.P > 0 && r.P < 1 {
		return nil, nil, core.ConfigError("connect", "probabilistic rule requires a random source")
	}
	var pre, post []int
	for i := 0; i < ns; i++ {
		for j := 0; j < nt; j++ {
			if r.ExcludeSelf && i == j {
				continue
			}
			switch {
			case r.P == 0:
				continue
			case r.P == 1:
			case rng.Float64() >= r.P:
				continue
			}
			pre = append(pre, i)
			post = append(post, j)
		}
	}
	return pre, post, nil
}

func (Probabilistic) allowsDuplicates() bool { return false }

// Explicit connects I[k] to J[k] for every k. Repeated pairs create
// multiple synapses.
type Explicit struct {
	I []int
	J []int
}

func (r Explicit) pairs(ns, nt int, _ core.RandomSource) ([]int, []int, error) {
	if len(r.I) != len(r.J) {
		return nil, nil, core.ConfigError("connect", "explicit index lists differ in length: %d vs %d", len(r.I), len(r.J))
	}
	for k := range r.I {
		if r.I[k] < 0 || r.I[k] >= ns {
			return nil, nil, core.ConfigError("connect", "source index %d out of range [0,%d)", r.I[k], ns)
		}
		if r.J[k] < 0 || r.J[k] >= nt {
			return nil, nil, core.ConfigError("connect", "target index %d out of range [0,%d)", r.J[k], nt)
		}
	}
	return append([]int(nil), r.I...), append([]int(nil), r.J...), nil
}

func (Explicit) allowsDuplicates() bool { return true }

// OneToOne connects entity i to entity i. Sizes must match.
type OneToOne struct{}

func (OneToOne) pairs(ns, nt int, _ core.RandomSource) ([]int, []int, error) {
	if ns != nt {
		return nil, nil, core.ConfigError("connect", "one-to-one requires equal sizes, got %d and %d", ns, nt)
	}
	pre := make([]int, ns)
	post := make([]int, ns)
	for i := range pre {
		pre[i] = i
		post[i] = i
	}
	return pre, post, nil
}

func (OneToOne) allowsDuplicates() bool { return false }

// Connect materializes the rule's pairs as new synapses and returns the
// number created. Nothing is added when the rule fails. Repeated calls append.
func (g *Group) Connect(rule Rule, rng core.RandomSource) (int, error) {
	if g.Source == nil || g.Target == nil {
		return 0, core.ConfigError("synapses "+g.name, "source and target are required")
	}
	pre, post, err := rule.pairs(g.Source.Len(), g.Target.Len(), rng)
	if err != nil {
		return 0, err
	}

	if !rule.allowsDuplicates() && !g.AllowMultiple {
		seen := make(map[[2]int]struct{}, len(pre))
		for k := range pre {
			key := [2]int{pre[k], post[k]}
			_, dupNew := seen[key]
			_, dupOld := g.pairs[key]
			if dupNew || dupOld {
				return 0, core.ConfigError("synapses "+g.name, "pair (%d,%d) already connected", pre[k], post[k])
			}
			seen[key] = struct{}{}
		}
	}

	g.state.Grow(len(pre))
	g.pre = append(g.pre, pre...)
	g.post = append(g.post, post...)
	for k := range pre {
		g.pairs[[2]int{pre[k], post[k]}]++
	}
	g.prepared = false
	return len(pre), nil
}

// SetVar assigns value to variable name of every synapse.
func (g *Group) SetVar(name string, value float64) error {
	if !g.state.Has(name) {
		return core.ConfigError("synapses "+g.name, "unknown variable %q", name)
	}
	g.state.Fill(name, value)
	return nil
}
