package synapse

import (
	"github.com/denizumutdereli/neurosim/pkg/core"
)

// Expr evaluates a per-synapse term from live state.
type Expr func(k, pre, post int) float64

// ExprFactory builds an Expr once the group's columns are final.
type ExprFactory func(g *Group) Expr

// Summed defines Target's variable Var as the sum of Expr over every
// synapse of Group ending on each target entity.
type Summed struct {
	Group *Group
	Var   string
	Expr  ExprFactory
}

type summedTerm struct {
	g    *Group
	col  []float64
	expr Expr
}

// Coupler recomputes summed variables every step, before integration.
type Coupler struct {
	defs  []Summed
	terms []summedTerm
	zero  [][]float64 // unique target columns
}

// NewCoupler creates a coupler for the given summed definitions.
func NewCoupler(defs ...Summed) *Coupler {
	return &Coupler{defs: defs}
}

// Add registers another summed variable.
func (c *Coupler) Add(s Summed) { c.defs = append(c.defs, s) }

// Len returns the number of registered definitions.
func (c *Coupler) Len() int { return len(c.defs) }

// Prepare resolves target columns. A missing target variable is a
// configuration error.
func (c *Coupler) Prepare() error {
	c.terms = c.terms[:0]
	c.zero = c.zero[:0]
	seen := make(map[*float64]bool)
	for _, d := range c.defs {
		if d.Group == nil || d.Expr == nil {
			return core.ConfigError("summed", "group and expression are required for %q", d.Var)
		}
		col, ok := d.Group.Target.State().Lookup(d.Var)
		if !ok {
			return &core.SimError{
				Kind: core.ErrConfiguration, Op: "summed " + d.Group.Name(), Step: -1, Entity: core.NoEntity,
				Variable: d.Var, Detail: "target variable not declared on " + d.Group.Target.Name(),
			}
		}
		if len(col) > 0 && !seen[&col[0]] {
			seen[&col[0]] = true
			c.zero = append(c.zero, col)
		}
		expr, err := build("summed "+d.Group.Name(), func() Expr { return d.Expr(d.Group) })
		if err != nil {
			return err
		}
		c.terms = append(c.terms, summedTerm{g: d.Group, col: col, expr: expr})
	}
	return nil
}

// Couple zeroes every target column once, then accumulates terms in
// definition order and ascending synapse index.
func (c *Coupler) Couple(core.Tick) {
	for _, col := range c.zero {
		clear(col)
	}
	for _, t := range c.terms {
		pre, post := t.g.pre, t.g.post
		for k := range pre {
			t.col[post[k]] += t.expr(k, pre[k], post[k])
		}
	}
}
