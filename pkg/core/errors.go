package core

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrConfiguration           = errors.New("configuration error")
	ErrNumericDivergence       = errors.New("numeric divergence")
	ErrSchedulingInconsistency = errors.New("scheduling inconsistency")
	ErrRecordingNotFound       = errors.New("recording not found")
	ErrRunNotFound             = errors.New("run not found")
	ErrUnknownScenario         = errors.New("unknown scenario")
)

// NoEntity marks a SimError that is not tied to a single entity.
const NoEntity = -1

// SimError carries the diagnostic context of an engine failure. It unwraps
// to one of the kind sentinels above so callers can use errors.Is.
type SimError struct {
	Kind     error
	Op       string
	Step     int64
	Entity   int
	Variable string
	Detail   string
}

func (e *SimError) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.Op != "" {
		b.WriteString(" in ")
		b.WriteString(e.Op)
	}
	if e.Step >= 0 {
		fmt.Fprintf(&b, " at step %d", e.Step)
	}
	if e.Entity >= 0 {
		fmt.Fprintf(&b, " entity %d", e.Entity)
	}
	if e.Variable != "" {
		fmt.Fprintf(&b, " variable %q", e.Variable)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	return b.String()
}

func (e *SimError) Unwrap() error { return e.Kind }

// ConfigError reports a setup problem detected before any step runs.
func ConfigError(op, format string, args ...any) error {
	return &SimError{Kind: ErrConfiguration, Op: op, Step: -1, Entity: NoEntity, Detail: fmt.Sprintf(format, args...)}
}

// SchedulingError reports an attach or schedule request that cannot be honored.
func SchedulingError(op string, step int64, variable, format string, args ...any) error {
	return &SimError{
		Kind:     ErrSchedulingInconsistency,
		Op:       op,
		Step:     step,
		Entity:   NoEntity,
		Variable: variable,
		Detail:   fmt.Sprintf(format, args...),
	}
}

// DivergenceError reports a non-finite value produced by an integration step.
func DivergenceError(op string, step int64, entity int, variable string, value float64) error {
	return &SimError{
		Kind:     ErrNumericDivergence,
		Op:       op,
		Step:     step,
		Entity:   entity,
		Variable: variable,
		Detail:   fmt.Sprintf("value %v", value),
	}
}
