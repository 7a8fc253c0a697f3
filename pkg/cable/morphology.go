package cable

import (
	"fmt"
	"math"
)

// Kind is the geometric shape of a compartment.
type Kind uint8

const (
	Cylinder Kind = iota
	Soma          // Sphere; only allowed as the root
)

func (k Kind) String() string {
	if k == Soma {
		return "soma"
	}
	return "cylinder"
}

// Morphology is a tree of compartments stored as flat arrays. Every
// compartment's parent has a smaller index, so one reverse sweep visits
// children before parents. The root has parent -1.
type Morphology struct {
	parent   []int
	kind     []Kind
	length   []float64 // meters; sphere diameter for the soma
	diameter []float64 // meters
	end      []float64 // path distance from the root to the distal end
}

// NewSoma returns a morphology with a single spherical soma of diameter d.
func NewSoma(d float64) *Morphology {
	return &Morphology{
		parent:   []int{-1},
		kind:     []Kind{Soma},
		length:   []float64{d},
		diameter: []float64{d},
		end:      []float64{0},
	}
}

// NewCable returns an unbranched cylinder of total length split into n
// compartments, with no soma.
func NewCable(length, diameter float64, n int) (*Morphology, error) {
	m := &Morphology{}
	if _, err := m.AddCylinder(-1, length, diameter, n); err != nil {
		return nil, err
	}
	return m, nil
}

// AddCylinder appends n compartments of equal length forming a chain that
// starts at parent (-1 only for an empty morphology). It returns the index
// of the first new compartment; the distal tip is first+n-1.
func (m *Morphology) AddCylinder(parent int, length, diameter float64, n int) (int, error) {
	if n < 1 {
		return 0, fmt.Errorf("cylinder needs at least one compartment, got %d", n)
	}
	if !(length > 0) || !(diameter > 0) || math.IsInf(length, 0) || math.IsInf(diameter, 0) {
		return 0, fmt.Errorf("cylinder length and diameter must be positive, got %g and %g", length, diameter)
	}
	switch {
	case parent == -1 && len(m.parent) != 0:
		return 0, fmt.Errorf("morphology already has a root")
	case parent != -1 && (parent < 0 || parent >= len(m.parent)):
		return 0, fmt.Errorf("parent %d out of range [0,%d)", parent, len(m.parent))
	}

	first := len(m.parent)
	seg := length / float64(n)
	for k := 0; k < n; k++ {
		p := parent
		if k > 0 {
			p = first + k - 1
		}
		start := 0.0
		if p >= 0 {
			start = m.end[p]
		}
		m.parent = append(m.parent, p)
		m.kind = append(m.kind, Cylinder)
		m.length = append(m.length, seg)
		m.diameter = append(m.diameter, diameter)
		m.end = append(m.end, start+seg)
	}
	return first, nil
}

// Len returns the number of compartments.
func (m *Morphology) Len() int { return len(m.parent) }

// Parent returns the parent index of compartment i, or -1 for the root.
func (m *Morphology) Parent(i int) int { return m.parent[i] }

// Kind returns the shape of compartment i.
func (m *Morphology) Kind(i int) Kind { return m.kind[i] }

// Length returns the axial length of compartment i.
func (m *Morphology) Length(i int) float64 { return m.length[i] }

// Diameter returns the diameter of compartment i.
func (m *Morphology) Diameter(i int) float64 { return m.diameter[i] }

// Distance returns the path distance from the root to the center of
// compartment i.
func (m *Morphology) Distance(i int) float64 {
	if m.kind[i] == Soma {
		return 0
	}
	return m.end[i] - m.length[i]/2
}

// Area returns the membrane area of compartment i.
func (m *Morphology) Area(i int) float64 {
	d := m.diameter[i]
	if m.kind[i] == Soma {
		return math.Pi * d * d
	}
	return math.Pi * d * m.length[i]
}

// halfResistance is the axial resistance from the center of compartment i
// to its boundary. The soma is isopotential and contributes none.
func (m *Morphology) halfResistance(i int, ri float64) float64 {
	if m.kind[i] == Soma {
		return 0
	}
	r := m.diameter[i] / 2
	return ri * (m.length[i] / 2) / (math.Pi * r * r)
}

// Validate checks the tree invariants.
func (m *Morphology) Validate() error {
	if len(m.parent) == 0 {
		return fmt.Errorf("morphology is empty")
	}
	if m.parent[0] != -1 {
		return fmt.Errorf("compartment 0 must be the root")
	}
	for i := 1; i < len(m.parent); i++ {
		if p := m.parent[i]; p < 0 || p >= i {
			return fmt.Errorf("compartment %d has parent %d; parents must precede children", i, p)
		}
		if m.kind[i] == Soma {
			return fmt.Errorf("compartment %d: soma is only allowed as the root", i)
		}
	}
	return nil
}
