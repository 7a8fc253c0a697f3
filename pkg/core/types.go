package core

import (
	"math/rand"

	"github.com/google/uuid"
)

// RunID is a unique identifier for one simulation run
type RunID string

// NewRunID generates a new unique run ID
func NewRunID() RunID {
	return RunID(uuid.New().String())
}

// RandomSource supplies the draws the engine needs. *rand.Rand satisfies it.
type RandomSource interface {
	Float64() float64
	ExpFloat64() float64
}

// NewRandomSource returns a seeded source for reproducible runs.
func NewRandomSource(seed int64) RandomSource {
	return rand.New(rand.NewSource(seed))
}

// Observable is anything a monitor can sample: a neuron group, a synapse
// group or a spatial neuron.
type Observable interface {
	Name() string
	State() *State
}
