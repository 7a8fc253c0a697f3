package scenario

import (
	"math"

	"github.com/denizumutdereli/neurosim/pkg/cable"
	"github.com/denizumutdereli/neurosim/pkg/models"
	"github.com/denizumutdereli/neurosim/pkg/monitor"
	"github.com/denizumutdereli/neurosim/pkg/neuron"
	"github.com/denizumutdereli/neurosim/pkg/persistence"
	"github.com/denizumutdereli/neurosim/pkg/synapse"
)

const mV = 1e-3

func init() {
	register(Scenario{
		Name:        "single_neuron",
		Description: "Leaky integrate-and-fire neuron driven by a constant current",
		Duration:    0.1,
		setup:       singleNeuron,
	})
	register(Scenario{
		Name:        "synapses",
		Description: "Driven source neuron exciting a silent target through one synapse",
		Duration:    0.1,
		setup:       synapses,
	})
	register(Scenario{
		Name:        "network_inputs",
		Description: "100 Poisson inputs sparsely exciting 100 LIF neurons",
		Duration:    0.5,
		setup:       networkInputs,
	})
	register(Scenario{
		Name:        "stdp",
		Description: "Spike-timing dependent plasticity window from 100 pre/post pairs",
		Duration:    0.3,
		setup:       stdp,
	})
	register(Scenario{
		Name:        "hodgkin_huxley",
		Description: "Traub-Miles Hodgkin-Huxley neuron under current injection",
		Duration:    0.1,
		setup:       hodgkinHuxley,
	})
	register(Scenario{
		Name:        "multicompartment",
		Description: "Passive soma and dendrite with current injected at the dendrite tip",
		Duration:    0.1,
		setup:       multicompartment,
	})
	register(Scenario{
		Name:        "gap_junctions",
		Description: "Two neurons coupled by a gap junction, one of them driven",
		Duration:    0.1,
		setup:       gapJunctions,
	})
}

func singleNeuron(b *builder) error {
	lif := models.LIF{
		Tau:       10e-3,
		Rest:      -70 * mV,
		Threshold: -50 * mV,
		Reset:     -65 * mV,
		Var:       "u",
	}
	g, err := b.lif(lif, "neuron", 1)
	if err != nil {
		return err
	}
	const r, iExt = 10e6, 2.5e-9 // Ω, A
	g.State().Fill("I", r*iExt)

	if err := b.add(g); err != nil {
		return err
	}
	if err := b.record(g, []string{"u"}, nil); err != nil {
		return err
	}
	sm, err := b.spikeMonitor(g)
	if err != nil {
		return err
	}
	b.finally(func(rec *persistence.Recording) {
		if times := sm.Times(0); len(times) > 0 {
			rec.Summary["first_spike_ms"] = times[0] * 1e3
		}
		rec.Summary["rate_hz"] = float64(sm.Count(0)) / rec.Duration
	})
	return nil
}

func synapses(b *builder) error {
	lif := models.LIF{Tau: 10e-3, Rest: -70 * mV, Threshold: -55 * mV, Reset: -70 * mV, Var: "u"}
	src, err := b.lif(lif, "source", 1)
	if err != nil {
		return err
	}
	src.State().Fill("I", 20*mV)
	tgt, err := b.lif(lif, "target", 1)
	if err != nil {
		return err
	}

	s := models.Excitatory("S", src, tgt, "u")
	if _, err := s.Connect(synapse.AllToAll{}, b.rng); err != nil {
		return err
	}
	if err := s.SetVar("w", 2*mV); err != nil {
		return err
	}

	if err := b.add(src, tgt, s); err != nil {
		return err
	}
	if err := b.record(src, []string{"u"}, []int{0}); err != nil {
		return err
	}
	if err := b.record(tgt, []string{"u"}, []int{0}); err != nil {
		return err
	}
	if _, err := b.spikeMonitor(src); err != nil {
		return err
	}
	tm, err := b.spikeMonitor(tgt)
	if err != nil {
		return err
	}
	b.finally(func(rec *persistence.Recording) {
		tr, _ := rec.Trace("target", "u", 0)
		rec.Summary["target_peak_mv"] = peak(tr.Samples) / mV
		rec.Summary["target_spikes"] = float64(tm.Total())
	})
	return nil
}

func networkInputs(b *builder) error {
	const n = 100
	p := neuron.NewPoissonGroup("inputs", n, 10, b.rng)
	lif := models.LIF{Tau: 10e-3, Rest: -70 * mV, Threshold: -55 * mV, Reset: -70 * mV, Var: "u"}
	g, err := b.lif(lif, "population", n)
	if err != nil {
		return err
	}

	s := models.Excitatory("S", p, g, "u")
	if _, err := s.Connect(synapse.Probabilistic{P: 0.1}, b.rng); err != nil {
		return err
	}
	if err := s.SetVar("w", 5*mV); err != nil {
		return err
	}
	if err := b.add(p, g, s); err != nil {
		return err
	}
	pm, err := b.spikeMonitor(p)
	if err != nil {
		return err
	}
	gm, err := b.spikeMonitor(g)
	if err != nil {
		return err
	}
	b.finally(func(rec *persistence.Recording) {
		rec.Summary["synapses"] = float64(s.Len())
		rec.Summary["input_rate_hz"] = float64(pm.Total()) / n / rec.Duration
		rec.Summary["output_rate_hz"] = float64(gm.Total()) / n / rec.Duration
		rec.Summary["dropped_input_spikes"] = float64(p.Dropped())
	})
	return nil
}

func stdp(b *builder) error {
	const n = 100
	const tPre, xmax = 150e-3, 100e-3
	idx := make([]int, n)
	pre := make([]float64, n)
	post := make([]float64, n)
	dts := make([]float64, n)
	for i := range idx {
		idx[i] = i
		dts[i] = -xmax + 2*xmax*float64(i)/(n-1)
		pre[i] = tPre
		post[i] = tPre + dts[i]
	}
	pg := neuron.NewSpikeGeneratorGroup("pre", n, idx, pre)
	qg := neuron.NewSpikeGeneratorGroup("post", n, idx, post)

	const w0 = 0.5
	s := models.DefaultSTDP().Build("S", pg, qg)
	if _, err := s.Connect(synapse.OneToOne{}, b.rng); err != nil {
		return err
	}
	if err := s.SetVar("w", w0); err != nil {
		return err
	}
	if err := b.add(pg, qg, s); err != nil {
		return err
	}
	b.finally(func(rec *persistence.Recording) {
		w := s.State().Var("w")
		curve := persistence.Curve{Name: "stdp_window", XLabel: "t_post - t_pre (s)", YLabel: "delta w"}
		lo, hi := math.Inf(1), math.Inf(-1)
		for k := 0; k < s.Len(); k++ {
			dw := w[k] - w0
			curve.X = append(curve.X, dts[s.Pre()[k]])
			curve.Y = append(curve.Y, dw)
			lo, hi = math.Min(lo, dw), math.Max(hi, dw)
		}
		rec.Curves = append(rec.Curves, curve)
		rec.Summary["max_potentiation"] = hi
		rec.Summary["max_depression"] = lo
	})
	return nil
}

func hodgkinHuxley(b *builder) error {
	g := models.TraubHH().Build("neuron", 1)
	g.State().Fill("I", 0.7e-9)
	if err := b.add(g); err != nil {
		return err
	}
	if err := b.record(g, []string{"v"}, []int{0}); err != nil {
		return err
	}
	sm, err := b.spikeMonitor(g)
	if err != nil {
		return err
	}
	b.finally(func(rec *persistence.Recording) {
		tr, _ := rec.Trace("neuron", "v", 0)
		rec.Summary["peak_mv"] = peak(tr.Samples) / mV
		rec.Summary["rate_hz"] = float64(sm.Total()) / rec.Duration
	})
	return nil
}

func multicompartment(b *builder) error {
	mem := models.CorticalMembrane()
	morph := cable.NewSoma(30e-6)
	first, err := morph.AddCylinder(0, 500e-6, 2e-6, 50)
	if err != nil {
		return err
	}
	tip := first + 49
	cell := mem.Build("neuron", morph)
	cell.State().Var("I")[tip] = 0.5e-9

	if err := b.add(cell); err != nil {
		return err
	}
	if err := b.record(cell, []string{"v"}, []int{0, tip}); err != nil {
		return err
	}
	b.finally(func(rec *persistence.Recording) {
		v := cell.State().Var("v")
		rec.Summary["soma_mv"] = v[0] / mV
		rec.Summary["tip_mv"] = v[tip] / mV
		if d := v[tip] - mem.EL; d != 0 {
			rec.Summary["attenuation"] = (v[0] - mem.EL) / d
		}
		rec.Summary["length_constant_um"] = mem.LengthConstant(2e-6) * 1e6
	})
	return nil
}

func gapJunctions(b *builder) error {
	lif := models.LIF{Tau: 10e-3, Rest: -70 * mV, Inputs: []string{"I_gap", "I_ext"}, Passive: true}
	g, err := b.lif(lif, "neurons", 2)
	if err != nil {
		return err
	}
	if err := g.State().Set("v", []float64{-70 * mV, -60 * mV}); err != nil {
		return err
	}
	if err := g.State().Set("I_ext", []float64{20 * mV, 0}); err != nil {
		return err
	}

	gj, sum := models.GapJunction("S", g, g, "v", "I_gap")
	if _, err := gj.Connect(synapse.Explicit{I: []int{0}, J: []int{1}}, b.rng); err != nil {
		return err
	}
	if _, err := gj.Connect(synapse.Explicit{I: []int{1}, J: []int{0}}, b.rng); err != nil {
		return err
	}
	if err := gj.SetVar("w", 0.5); err != nil {
		return err
	}
	if err := b.add(g, gj, sum); err != nil {
		return err
	}
	if err := b.record(g, []string{"v"}, nil); err != nil {
		return err
	}
	b.finally(func(rec *persistence.Recording) {
		v := g.State().Var("v")
		rec.Summary["v0_mv"] = v[0] / mV
		rec.Summary["v1_mv"] = v[1] / mV
	})
	return nil
}

func peak(samples []monitor.Sample) float64 {
	m := math.Inf(-1)
	for _, s := range samples {
		m = math.Max(m, s.V)
	}
	return m
}
