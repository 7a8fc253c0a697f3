package network

import (
	"context"

	"github.com/denizumutdereli/neurosim/pkg/core"
)

// Phase is one stage of a simulation step.
type Phase struct {
	Name string
	Run  func(tick core.Tick) error
}

// Scheduler executes its phases in a fixed order once per step and then
// advances the clock. A failing phase aborts the step and leaves the clock
// on the failed step.
type Scheduler struct {
	phases []Phase
}

// ctxCheckEvery is how many steps run between cancellation checks.
const ctxCheckEvery = 1024

// NewScheduler creates a scheduler over phases, in execution order.
func NewScheduler(phases ...Phase) *Scheduler {
	return &Scheduler{phases: phases}
}

// Phases returns the phase names in execution order.
func (s *Scheduler) Phases() []string {
	names := make([]string, len(s.phases))
	for i, p := range s.phases {
		names[i] = p.Name
	}
	return names
}

// Step runs every phase for the clock's current step and advances it.
func (s *Scheduler) Step(clk *core.Clock) error {
	tick := clk.Tick()
	for _, p := range s.phases {
		if err := p.Run(tick); err != nil {
			return err
		}
	}
	clk.Advance()
	return nil
}

// Run executes steps until done or ctx is cancelled and returns the number
// of completed steps.
func (s *Scheduler) Run(ctx context.Context, clk *core.Clock, steps int64) (int64, error) {
	for k := int64(0); k < steps; k++ {
		if k%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return k, err
			}
		}
		if err := s.Step(clk); err != nil {
			return k, err
		}
	}
	return steps, nil
}
