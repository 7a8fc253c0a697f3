package synapse

import (
	"github.com/denizumutdereli/neurosim/pkg/core"
	"github.com/denizumutdereli/neurosim/pkg/neuron"
)

// Router fans spikes out to every synapse group that listens on the
// spiking group and delivers due events each step.
type Router struct {
	groups []*Group
}

// NewRouter creates a router over the given groups. Delivery follows the
// order groups were added.
func NewRouter(groups ...*Group) *Router {
	return &Router{groups: groups}
}

// Add registers a synapse group.
func (r *Router) Add(g *Group) { r.groups = append(r.groups, g) }

// Groups returns the registered groups.
func (r *Router) Groups() []*Group { return r.groups }

// Prepare prepares every group.
func (r *Router) Prepare(clk *core.Clock) error {
	for _, g := range r.groups {
		if err := g.Prepare(clk); err != nil {
			return err
		}
	}
	return nil
}

// Route schedules on_pre for groups whose source spiked and on_post for
// groups whose target spiked.
func (r *Router) Route(tick core.Tick, from neuron.Group, spikes []int) error {
	if len(spikes) == 0 {
		return nil
	}
	for _, g := range r.groups {
		if g.Source == from {
			if err := g.SchedulePre(tick, spikes); err != nil {
				return err
			}
		}
		if g.Target == from {
			if err := g.SchedulePost(tick, spikes); err != nil {
				return err
			}
		}
	}
	return nil
}

// Deliver runs the due-delivery pass of every group.
func (r *Router) Deliver(tick core.Tick) error {
	for _, g := range r.groups {
		if err := g.Deliver(tick); err != nil {
			return err
		}
	}
	return nil
}
