package models

import (
	"math"

	"github.com/denizumutdereli/neurosim/pkg/neuron"
	"github.com/denizumutdereli/neurosim/pkg/synapse"
)

// AddOnPre returns an on_pre effect adding the synapse's weight to the
// target variable of the postsynaptic entity.
func AddOnPre(target, weight string) synapse.EffectFactory {
	return func(g *synapse.Group) synapse.Effect {
		tgt := g.Target.State().Var(target)
		w := g.State().Var(weight)
		return func(e synapse.Event) { tgt[e.Post] += w[e.K] }
	}
}

// Excitatory creates an empty group whose spikes add "w" to target.
func Excitatory(name string, pre, post neuron.Group, target string) *synapse.Group {
	g := synapse.NewGroup(name, pre, post, "w")
	g.OnPre = AddOnPre(target, "w")
	return g
}

// STDP is pair-based spike-timing dependent plasticity with an additive
// weight update and traces that jump by one on each spike.
type STDP struct {
	TauPre  float64
	TauPost float64
	APre    float64
	APost   float64
	WMin    float64
	WMax    float64
}

// DefaultSTDP returns a slightly depression-dominated rule.
func DefaultSTDP() STDP {
	return STDP{
		TauPre:  20e-3,
		TauPost: 20e-3,
		APre:    0.01,
		APost:   -0.01 * 1.05,
		WMin:    0,
		WMax:    math.Inf(1),
	}
}

// Build creates an empty plastic group with weight "w" and traces "ap"
// and "am".
func (m STDP) Build(name string, pre, post neuron.Group) *synapse.Group {
	g := synapse.NewGroup(name, pre, post, "w", "ap", "am")
	g.Traces = []synapse.Trace{{Name: "ap", Tau: m.TauPre}, {Name: "am", Tau: m.TauPost}}
	g.WeightVar = "w"
	g.WMin, g.WMax = m.WMin, m.WMax

	aPre, aPost := m.APre, m.APost
	g.OnPre = func(g *synapse.Group) synapse.Effect {
		w, ap, am := g.State().Var("w"), g.State().Var("ap"), g.State().Var("am")
		return func(e synapse.Event) {
			w[e.K] += aPost * am[e.K]
			ap[e.K]++
		}
	}
	g.OnPost = func(g *synapse.Group) synapse.Effect {
		w, ap, am := g.State().Var("w"), g.State().Var("ap"), g.State().Var("am")
		return func(e synapse.Event) {
			w[e.K] += aPre * ap[e.K]
			am[e.K]++
		}
	}
	return g
}

// GapJunction creates an electrical coupling within or between groups:
// target on the postsynaptic side is the sum over synapses of
// w·(v_pre - v_post). Connect the returned group in both directions for a
// symmetric junction.
func GapJunction(name string, pre, post neuron.Group, v, target string) (*synapse.Group, synapse.Summed) {
	g := synapse.NewGroup(name, pre, post, "w")
	s := synapse.Summed{
		Group: g,
		Var:   target,
		Expr: func(g *synapse.Group) synapse.Expr {
			w := g.State().Var("w")
			vPre := g.Source.State().Var(v)
			vPost := g.Target.State().Var(v)
			return func(k, i, j int) float64 { return w[k] * (vPre[i] - vPost[j]) }
		},
	}
	return g, s
}
