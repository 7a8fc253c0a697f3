package models

import (
	"math"

	"github.com/denizumutdereli/neurosim/pkg/neuron"
)

// HH is a single-compartment Hodgkin-Huxley neuron with Traub-Miles rate
// functions. Conductances and capacitance are totals for the membrane
// patch, in SI units.
type HH struct {
	Cm  float64 // F
	GL  float64 // S
	GNa float64
	GK  float64
	EL  float64 // V
	ENa float64
	EK  float64
	VT  float64 // shifts every rate function

	// SpikeAt is the threshold; the neuron stays refractory while above it.
	SpikeAt float64
}

// TraubHH returns the Traub-Miles parameters for a 20000 µm² patch.
func TraubHH() HH {
	const area = 20000e-12 // m²
	return HH{
		Cm:      0.01 * area, // 1 µF/cm²
		GL:      0.5 * area,  // 5e-5 S/cm²
		GNa:     1000 * area, // 100 mS/cm²
		GK:      300 * area,  // 30 mS/cm²
		EL:      -65e-3,
		ENa:     50e-3,
		EK:      -90e-3,
		VT:      -63e-3,
		SpikeAt: -40e-3,
	}
}

// Exprel returns (e^x - 1)/x, continuous at x = 0.
func Exprel(x float64) float64 {
	if math.Abs(x) < 1e-8 {
		return 1 + x/2
	}
	return math.Expm1(x) / x
}

// Rates returns the opening and closing rates (1/s) of the m, n and h gates
// at membrane potential v.
func (m HH) Rates(v float64) (am, bm, an, bn, ah, bh float64) {
	w := (v - m.VT) * 1e3 // mV above VT
	am = 0.32 * 4 / Exprel((13-w)/4)
	bm = 0.28 * 5 / Exprel((w-40)/5)
	an = 0.032 * 5 / Exprel((15-w)/5)
	bn = 0.5 * math.Exp((10-w)/40)
	ah = 0.128 * math.Exp((17-w)/18)
	bh = 4 / (1 + math.Exp((40-w)/5))
	return am * 1e3, bm * 1e3, an * 1e3, bn * 1e3, ah * 1e3, bh * 1e3
}

// Build creates n neurons at EL with closed gates. The injected current is
// the "I" column, in amperes.
func (m HH) Build(name string, n int) *neuron.Population {
	p := neuron.NewPopulation(name, n, "v", "m", "n", "h", "I")
	st := p.State()
	st.Fill("v", m.EL)
	v, gm, gn, gh, inj := st.Var("v"), st.Var("m"), st.Var("n"), st.Var("h"), st.Var("I")

	p.Dynamics = &neuron.Dynamics{
		Vars:   []string{"v", "m", "n", "h"},
		Method: neuron.MethodExponentialEuler,
		Relax: func(i int, inf, tau []float64) {
			gNa := m.GNa * gm[i] * gm[i] * gm[i] * gh[i]
			n2 := gn[i] * gn[i]
			gK := m.GK * n2 * n2
			g := m.GL + gNa + gK
			inf[0] = (m.GL*m.EL + gNa*m.ENa + gK*m.EK + inj[i]) / g
			tau[0] = m.Cm / g

			am, bm, an, bn, ah, bh := m.Rates(v[i])
			inf[1], tau[1] = am/(am+bm), 1/(am+bm)
			inf[2], tau[2] = an/(an+bn), 1/(an+bn)
			inf[3], tau[3] = ah/(ah+bh), 1/(ah+bh)
		},
	}

	at := m.SpikeAt
	above := func(i int) bool { return v[i] > at }
	p.Thresh = above
	p.Refractory = &neuron.Refractory{While: above}
	return p
}
