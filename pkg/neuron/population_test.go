package neuron

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/denizumutdereli/neurosim/pkg/concurrency"
	"github.com/denizumutdereli/neurosim/pkg/core"
)

const (
	tauM   = 10e-3
	vRest  = -70e-3
	vReset = -65e-3
	vTh    = -50e-3
	rM     = 10e6
)

// newLIF builds a leaky integrate-and-fire population driven by current I.
func newLIF(n int, current float64) *Population {
	p := NewPopulation("lif", n, "v", "I")
	v := p.State().Var("v")
	in := p.State().Var("I")
	p.State().Fill("v", vRest)
	p.State().Fill("I", current)
	p.Dynamics = &Dynamics{
		Vars:   []string{"v"},
		Method: MethodExact,
		Relax: func(i int, inf, tau []float64) {
			inf[0] = vRest + rM*in[i]
			tau[0] = tauM
		},
	}
	p.Thresh = func(i int) bool { return v[i] > vTh }
	p.Reset = func(i int) { v[i] = vReset }
	return p
}

func step(t *testing.T, clk *core.Clock, g Group) []int {
	t.Helper()
	tick := clk.Tick()
	if err := g.Integrate(tick); err != nil {
		t.Fatalf("Integrate failed at step %d: %v", tick.Step, err)
	}
	spikes := g.Threshold(tick)
	clk.Advance()
	return spikes
}

func TestLeakConvergesMonotonically(t *testing.T) {
	clk, _ := core.NewClock(1e-4)
	p := newLIF(1, 0)
	p.State().Var("v")[0] = -55e-3
	if err := p.Prepare(clk); err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}

	v := p.State().Var("v")
	prev := math.Abs(v[0] - vRest)
	for k := 0; k < 1000; k++ {
		if spikes := step(t, clk, p); len(spikes) != 0 {
			t.Fatalf("unexpected spike at step %d", k)
		}
		d := math.Abs(v[0] - vRest)
		if !(d < prev) {
			t.Fatalf("distance to rest did not decrease at step %d: %g -> %g", k, prev, d)
		}
		prev = d
	}
	if prev > 1e-6 {
		t.Errorf("expected convergence to rest, still %g V away", prev)
	}
}

func TestFirstSpikeMatchesAnalyticTime(t *testing.T) {
	const dt = 1e-4
	const current = 2.5e-9
	clk, _ := core.NewClock(dt)
	p := newLIF(1, current)
	if err := p.Prepare(clk); err != nil {
		t.Fatal(err)
	}

	uInf := vRest + rM*current
	want := -tauM * math.Log((vTh-uInf)/(vRest-uInf))

	got := -1.0
	for k := 0; k < 1000 && got < 0; k++ {
		tick := clk.Tick()
		if len(step(t, clk, p)) > 0 {
			got = tick.T
		}
	}
	if got < 0 {
		t.Fatal("neuron never spiked")
	}
	if math.Abs(got-want) > dt {
		t.Errorf("first spike at %g s, analytic %g s", got, want)
	}
	if v := p.State().Var("v")[0]; v > vTh {
		t.Errorf("expected reset below threshold, got %g", v)
	}
}

func TestRefractoryClampHoldsState(t *testing.T) {
	clk, _ := core.NewClock(1e-4)
	p := newLIF(1, 5e-9)
	p.Refractory = &Refractory{Period: 2e-3, Clamp: true}
	if err := p.Prepare(clk); err != nil {
		t.Fatal(err)
	}

	var spikeSteps []int64
	for k := 0; k < 400; k++ {
		tick := clk.Tick()
		if len(step(t, clk, p)) > 0 {
			spikeSteps = append(spikeSteps, tick.Step)
			if !p.IsRefractory(0) {
				t.Fatal("entity should be refractory right after spiking")
			}
		}
		if p.IsRefractory(0) && p.State().Var("v")[0] != vReset {
			t.Fatalf("clamped state moved at step %d", tick.Step)
		}
	}
	if len(spikeSteps) < 2 {
		t.Fatalf("expected repeated spiking, got %v", spikeSteps)
	}
	for k := 1; k < len(spikeSteps); k++ {
		if spikeSteps[k]-spikeSteps[k-1] < 20 {
			t.Errorf("spikes %d and %d closer than the refractory period", spikeSteps[k-1], spikeSteps[k])
		}
	}
}

func TestRefractoryWhileConditionBlocksRespike(t *testing.T) {
	clk, _ := core.NewClock(1e-4)
	p := NewPopulation("cond", 1, "v")
	v := p.State().Var("v")
	v[0] = 1
	p.Thresh = func(i int) bool { return v[i] > 0 }
	p.Refractory = &Refractory{While: func(i int) bool { return v[i] > 0 }}
	if err := p.Prepare(clk); err != nil {
		t.Fatal(err)
	}

	spikes := 0
	for k := 0; k < 10; k++ {
		spikes += len(step(t, clk, p))
	}
	if spikes != 1 {
		t.Errorf("expected a single spike while condition holds, got %d", spikes)
	}

	v[0] = -1
	step(t, clk, p)
	v[0] = 1
	if got := len(step(t, clk, p)); got != 1 {
		t.Errorf("expected a new spike after release, got %d", got)
	}
}

func TestNumericDivergenceReportsContext(t *testing.T) {
	clk, _ := core.NewClock(1e-4)
	p := NewPopulation("blowup", 3, "x")
	p.Dynamics = &Dynamics{
		Vars:   []string{"x"},
		Method: MethodEuler,
		Deriv: func(i int, _ float64, dx []float64) {
			dx[0] = 0
			if i == 2 {
				dx[0] = math.Inf(1)
			}
		},
	}
	if err := p.Prepare(clk); err != nil {
		t.Fatal(err)
	}

	err := p.Integrate(clk.Tick())
	if !errors.Is(err, core.ErrNumericDivergence) {
		t.Fatalf("expected ErrNumericDivergence, got %v", err)
	}
	var se *core.SimError
	if !errors.As(err, &se) || se.Entity != 2 || se.Variable != "x" || se.Step != 0 {
		t.Errorf("unexpected error context: %v", err)
	}
}

func TestExponentialEulerMatchesExactForLinearSystem(t *testing.T) {
	clk, _ := core.NewClock(1e-4)
	exact := newLIF(4, 1e-9)
	expEuler := newLIF(4, 1e-9)
	expEuler.Dynamics.Method = MethodExponentialEuler
	for _, p := range []*Population{exact, expEuler} {
		if err := p.Prepare(clk); err != nil {
			t.Fatal(err)
		}
	}
	for k := 0; k < 200; k++ {
		tick := clk.Tick()
		if err := exact.Integrate(tick); err != nil {
			t.Fatal(err)
		}
		if err := expEuler.Integrate(tick); err != nil {
			t.Fatal(err)
		}
		clk.Advance()
	}
	a, b := exact.State().Var("v"), expEuler.State().Var("v")
	for i := range a {
		if math.Abs(a[i]-b[i]) > 1e-12 {
			t.Errorf("entity %d: exact %g vs exponential euler %g", i, a[i], b[i])
		}
	}
}

func TestParallelIntegrationMatchesSerial(t *testing.T) {
	clk, _ := core.NewClock(1e-4)
	serial := newLIF(1000, 2.5e-9)
	parallel := newLIF(1000, 2.5e-9)
	parallel.SetPool(concurrency.NewPool(4, 16))
	for i := 0; i < 1000; i++ {
		vi := vRest + float64(i)*1e-5
		serial.State().Var("v")[i] = vi
		parallel.State().Var("v")[i] = vi
	}
	for _, p := range []*Population{serial, parallel} {
		if err := p.Prepare(clk); err != nil {
			t.Fatal(err)
		}
	}
	for k := 0; k < 300; k++ {
		tick := clk.Tick()
		if err := serial.Integrate(tick); err != nil {
			t.Fatal(err)
		}
		if err := parallel.Integrate(tick); err != nil {
			t.Fatal(err)
		}
		s1, s2 := serial.Threshold(tick), parallel.Threshold(tick)
		if len(s1) != len(s2) {
			t.Fatalf("step %d: spike counts differ %d vs %d", k, len(s1), len(s2))
		}
		clk.Advance()
	}
	a, b := serial.State().Var("v"), parallel.State().Var("v")
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("entity %d differs: %g vs %g", i, a[i], b[i])
		}
	}
}

func TestPrepareRejectsBadConfiguration(t *testing.T) {
	clk, _ := core.NewClock(1e-4)

	p := NewPopulation("bad", 2, "v")
	p.Dynamics = &Dynamics{Vars: []string{"u"}, Method: MethodExact, Relax: func(int, []float64, []float64) {}}
	if err := p.Prepare(clk); !errors.Is(err, core.ErrConfiguration) {
		t.Errorf("undeclared variable: expected ErrConfiguration, got %v", err)
	}

	p = NewPopulation("bad", 2, "v")
	p.Dynamics = &Dynamics{Vars: []string{"v"}, Method: MethodExact, Relax: func(i int, inf, tau []float64) { tau[0] = 0 }}
	if err := p.Prepare(clk); !errors.Is(err, core.ErrConfiguration) {
		t.Errorf("zero tau: expected ErrConfiguration, got %v", err)
	}

	p = NewPopulation("bad", 2, "v")
	p.Dynamics = &Dynamics{Vars: []string{"v"}, Method: MethodEuler}
	if err := p.Prepare(clk); !errors.Is(err, core.ErrConfiguration) {
		t.Errorf("missing deriv: expected ErrConfiguration, got %v", err)
	}
}

func TestPoissonGroupRate(t *testing.T) {
	const (
		n    = 200
		rate = 20.0
		dt   = 1e-4
	)
	clk, _ := core.NewClock(dt)
	g := NewPoissonGroup("input", n, rate, rand.New(rand.NewSource(3)))
	if err := g.Prepare(clk); err != nil {
		t.Fatal(err)
	}

	total := 0
	for k := 0; k < 10000; k++ {
		spikes := step(t, clk, g)
		for j := 1; j < len(spikes); j++ {
			if spikes[j] <= spikes[j-1] {
				t.Fatal("spikes must be ascending and unique within a step")
			}
		}
		total += len(spikes)
	}
	mean := float64(total) / n / 1.0
	if math.Abs(mean-rate) > 2 {
		t.Errorf("expected mean rate near %g Hz, got %g", rate, mean)
	}
}

func TestSpikeGeneratorGroup(t *testing.T) {
	clk, _ := core.NewClock(1e-4)
	g := NewSpikeGeneratorGroup("gen", 3, []int{2, 0, 1}, []float64{1e-3, 1e-3, 2.5e-3})
	if err := g.Prepare(clk); err != nil {
		t.Fatal(err)
	}
	fired := map[int64][]int{}
	for k := 0; k < 40; k++ {
		tick := clk.Tick()
		if s := step(t, clk, g); len(s) > 0 {
			fired[tick.Step] = s
		}
	}
	if got := fired[10]; len(got) != 2 || got[0] != 0 || got[1] != 2 {
		t.Errorf("expected entities [0 2] at step 10, got %v", got)
	}
	if got := fired[25]; len(got) != 1 || got[0] != 1 {
		t.Errorf("expected entity 1 at step 25, got %v", got)
	}

	dup := NewSpikeGeneratorGroup("dup", 1, []int{0, 0}, []float64{1e-3, 1.00001e-3})
	if err := dup.Prepare(clk); !errors.Is(err, core.ErrConfiguration) {
		t.Errorf("expected ErrConfiguration for duplicate step, got %v", err)
	}
	bad := NewSpikeGeneratorGroup("bad", 1, []int{1}, []float64{0})
	if err := bad.Prepare(clk); !errors.Is(err, core.ErrConfiguration) {
		t.Errorf("expected ErrConfiguration for out-of-range index, got %v", err)
	}
}
