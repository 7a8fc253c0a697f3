package models

import (
	"math"

	"github.com/denizumutdereli/neurosim/pkg/cable"
)

// PassiveMembrane describes a leak-only dendrite in specific units.
type PassiveMembrane struct {
	Cm float64 // F/m²
	Rm float64 // Ω·m²
	Ri float64 // Ω·m
	EL float64 // V
}

// CorticalMembrane returns 1 µF/cm², 10 kΩ·cm², 100 Ω·cm and -70 mV.
func CorticalMembrane() PassiveMembrane {
	return PassiveMembrane{Cm: 0.01, Rm: 1, Ri: 1, EL: -70e-3}
}

// Build creates a spatial neuron over morph with every compartment at EL.
func (m PassiveMembrane) Build(name string, morph *cable.Morphology) *cable.SpatialNeuron {
	s := cable.NewSpatialNeuron(name, morph)
	s.Cm, s.Ri = m.Cm, m.Ri
	s.Membrane = cable.Passive(1/m.Rm, m.EL)
	s.State().Fill("v", m.EL)
	return s
}

// LengthConstant returns λ = sqrt(Rm·d / 4Ri) for a cylinder of diameter d.
func (m PassiveMembrane) LengthConstant(d float64) float64 {
	return math.Sqrt(m.Rm * d / (4 * m.Ri))
}
