package core

import (
	"fmt"
	"math"
)

// durationTolerance is the relative slack allowed when checking that a run
// duration is a whole number of steps.
const durationTolerance = 1e-9

// Tick is the read-only view of the clock handed to every component call.
type Tick struct {
	Step int64   // Index of the step being executed
	T    float64 // Start time of the step in seconds
	Dt   float64 // Step size in seconds
}

// End returns the time at the end of the step.
func (t Tick) End() float64 { return float64(t.Step+1) * t.Dt }

// Clock is a fixed-step time base. Each network owns its own clock, so
// independent runs never share time.
type Clock struct {
	dt   float64
	step int64
}

// NewClock creates a clock at t=0 with the given step size in seconds.
func NewClock(dt float64) (*Clock, error) {
	if !(dt > 0) || math.IsInf(dt, 0) {
		return nil, ConfigError("clock", "dt must be a positive finite number, got %v", dt)
	}
	return &Clock{dt: dt}, nil
}

// Dt returns the step size.
func (c *Clock) Dt() float64 { return c.dt }

// Step returns the number of completed steps.
func (c *Clock) Step() int64 { return c.step }

// T returns the current time in seconds.
func (c *Clock) T() float64 { return float64(c.step) * c.dt }

// Tick returns a snapshot of the current step.
func (c *Clock) Tick() Tick {
	return Tick{Step: c.step, T: c.T(), Dt: c.dt}
}

// Advance moves the clock forward by one step. Only the scheduler calls it.
func (c *Clock) Advance() { c.step++ }

// Steps converts a delay or duration in seconds into a whole number of steps.
func (c *Clock) Steps(seconds float64) int64 {
	return int64(math.Round(seconds / c.dt))
}

// StepsFor converts a run duration into a step count. When strict is set a
// duration that is not an integer multiple of dt is a configuration error;
// otherwise it is rounded and rounded reports true.
func (c *Clock) StepsFor(duration float64, strict bool) (steps int64, rounded bool, err error) {
	if duration < 0 || math.IsNaN(duration) || math.IsInf(duration, 0) {
		return 0, false, ConfigError("clock", "duration must be a non-negative finite number, got %v", duration)
	}
	ratio := duration / c.dt
	n := math.Round(ratio)
	if math.Abs(ratio-n) > durationTolerance*math.Max(1, math.Abs(ratio)) {
		if strict {
			return 0, false, ConfigError("clock", "duration %v is not an integer multiple of dt %v", duration, c.dt)
		}
		return int64(n), true, nil
	}
	return int64(n), false, nil
}

func (c *Clock) String() string {
	return fmt.Sprintf("clock(dt=%g, step=%d)", c.dt, c.step)
}
