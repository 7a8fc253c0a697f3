package network

import (
	"context"
	"errors"
	"math"
	"reflect"
	"testing"

	"github.com/denizumutdereli/neurosim/pkg/concurrency"
	"github.com/denizumutdereli/neurosim/pkg/core"
	"github.com/denizumutdereli/neurosim/pkg/monitor"
	"github.com/denizumutdereli/neurosim/pkg/neuron"
	"github.com/denizumutdereli/neurosim/pkg/synapse"
)

// ---------------------------------------------------------------------------
// Scheduler
// ---------------------------------------------------------------------------

func TestSchedulerRunsPhasesInOrder(t *testing.T) {
	var calls []string
	phase := func(name string) Phase {
		return Phase{Name: name, Run: func(tick core.Tick) error {
			calls = append(calls, name)
			return nil
		}}
	}
	s := NewScheduler(phase("a"), phase("b"), phase("c"))
	clk, _ := core.NewClock(1e-3)

	done, err := s.Run(context.Background(), clk, 2)
	if err != nil {
		t.Fatal(err)
	}
	if done != 2 || clk.Step() != 2 {
		t.Errorf("expected 2 steps, got done=%d clock=%d", done, clk.Step())
	}
	want := []string{"a", "b", "c", "a", "b", "c"}
	if !reflect.DeepEqual(calls, want) {
		t.Errorf("expected %v, got %v", want, calls)
	}
}

func TestSchedulerStopsOnError(t *testing.T) {
	boom := errors.New("boom")
	var seen []int64
	s := NewScheduler(
		Phase{Name: "track", Run: func(tick core.Tick) error { seen = append(seen, tick.Step); return nil }},
		Phase{Name: "fail", Run: func(tick core.Tick) error {
			if tick.Step == 3 {
				return boom
			}
			return nil
		}},
		Phase{Name: "never", Run: func(tick core.Tick) error {
			if tick.Step == 3 {
				t.Error("phase after a failure must not run")
			}
			return nil
		}},
	)
	clk, _ := core.NewClock(1e-3)
	done, err := s.Run(context.Background(), clk, 10)
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if done != 3 || clk.Step() != 3 {
		t.Errorf("expected clock to stay on the failed step, got done=%d clock=%d", done, clk.Step())
	}
	if len(seen) != 4 {
		t.Errorf("expected 4 tracked ticks, got %v", seen)
	}
}

func TestSchedulerHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := NewScheduler()
	clk, _ := core.NewClock(1e-3)
	if _, err := s.Run(ctx, clk, 5); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestNetworkPhaseOrder(t *testing.T) {
	n, _ := New(1e-4)
	want := []string{PhaseCouple, PhaseIntegrate, PhaseThreshold, PhaseDeliver, PhaseRecord}
	if got := n.Scheduler().Phases(); !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

// ---------------------------------------------------------------------------
// Run
// ---------------------------------------------------------------------------

// passive builds a population relaxing toward rest with time constant tau
// and an input variable "I" added to the target.
func passive(name string, n int, rest, tau float64) *neuron.Population {
	p := neuron.NewPopulation(name, n, "v", "I")
	p.State().Fill("v", rest)
	in := p.State().Var("I")
	p.Dynamics = &neuron.Dynamics{
		Vars:   []string{"v"},
		Method: neuron.MethodExact,
		Relax: func(i int, inf, tc []float64) {
			inf[0] = rest + in[i]
			tc[0] = tau
		},
	}
	return p
}

func TestRunDurationStrictness(t *testing.T) {
	n, _ := New(1e-4)
	if err := n.Add(passive("p", 1, 0, 1e-2)); err != nil {
		t.Fatal(err)
	}

	_, err := n.Run(0.00015)
	if !errors.Is(err, core.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration in strict mode, got %v", err)
	}
	if n.Clock().Step() != 0 {
		t.Error("rejected run must not advance the clock")
	}

	n.StrictDuration = false
	stats, err := n.Run(0.00016)
	if err != nil {
		t.Fatal(err)
	}
	if !stats.Rounded || stats.Steps != 2 {
		t.Errorf("expected 2 rounded steps, got %+v", stats)
	}

	stats, err = n.Run(0.001)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Rounded || stats.Steps != 10 || stats.StartStep != 2 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if math.Abs(n.T()-0.0012) > 1e-15 {
		t.Errorf("expected t=1.2ms, got %g", n.T())
	}
}

func TestAddRejectsUnknownObjects(t *testing.T) {
	n, _ := New(1e-4)
	if err := n.Add("neuron"); !errors.Is(err, core.ErrConfiguration) {
		t.Errorf("expected ErrConfiguration, got %v", err)
	}
}

func TestAddRejectsDuplicateGroups(t *testing.T) {
	p := passive("p", 1, 0, 1e-2)
	s := synapse.NewGroup("pp", p, p, "w")
	n, _ := New(1e-4)
	if err := n.Add(p, s); err != nil {
		t.Fatal(err)
	}
	if err := n.Add(p); !errors.Is(err, core.ErrConfiguration) {
		t.Errorf("expected ErrConfiguration for a repeated neuron group, got %v", err)
	}
	if err := n.Add(s); !errors.Is(err, core.ErrConfiguration) {
		t.Errorf("expected ErrConfiguration for a repeated synapse group, got %v", err)
	}
	if len(n.Groups()) != 1 {
		t.Errorf("expected one group, got %d", len(n.Groups()))
	}
}

func TestTauChangeAppliesOnNextRun(t *testing.T) {
	p := neuron.NewPopulation("p", 1, "v", "tau")
	v, tau := p.State().Var("v"), p.State().Var("tau")
	tau[0] = 1e-3
	p.Dynamics = &neuron.Dynamics{
		Vars:   []string{"v"},
		Method: neuron.MethodExact,
		Relax: func(i int, inf, tc []float64) {
			inf[0], tc[0] = 1, tau[i]
		},
	}
	n, _ := New(1e-4)
	if err := n.Add(p); err != nil {
		t.Fatal(err)
	}
	if _, err := n.Run(1e-4); err != nil {
		t.Fatal(err)
	}
	want := 1 - math.Exp(-0.1)
	if math.Abs(v[0]-want) > 1e-12 {
		t.Fatalf("expected v=%g after one step, got %g", want, v[0])
	}

	tau[0] = math.Inf(1)
	if _, err := n.Run(1e-3); err != nil {
		t.Fatal(err)
	}
	if math.Abs(v[0]-want) > 1e-12 {
		t.Errorf("infinite tau must freeze v at %g, got %g", want, v[0])
	}
}

func TestRunRejectsSynapsesOnForeignGroups(t *testing.T) {
	a := passive("a", 1, 0, 1e-2)
	b := passive("b", 1, 0, 1e-2)
	s := synapse.NewGroup("ab", a, b, "w")
	n, _ := New(1e-4)
	if err := n.Add(a, s); err != nil {
		t.Fatal(err)
	}
	if _, err := n.Run(1e-3); !errors.Is(err, core.ErrConfiguration) {
		t.Errorf("expected ErrConfiguration, got %v", err)
	}
}

func TestDelayedSynapseThroughNetwork(t *testing.T) {
	src := neuron.NewSpikeGeneratorGroup("src", 1, []int{0}, []float64{1e-3})
	tgt := passive("tgt", 1, 0, math.Inf(1)) // no leak
	s := synapse.NewGroup("s", src, tgt, "w")
	if _, err := s.Connect(synapse.AllToAll{}, nil); err != nil {
		t.Fatal(err)
	}
	_ = s.SetVar("w", 2)
	s.Delay = 2e-3
	s.OnPre = func(g *synapse.Group) synapse.Effect {
		v, w := g.Target.State().Var("v"), g.State().Var("w")
		return func(e synapse.Event) { v[e.Post] += w[e.K] }
	}

	vm, err := monitor.NewStateMonitor(tgt, []string{"v"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	sm := monitor.NewSpikeMonitor(src)
	n, _ := New(1e-4)
	if err := n.Add(src, tgt, s, vm, sm); err != nil {
		t.Fatal(err)
	}
	stats, err := n.Run(5e-3)
	if err != nil {
		t.Fatal(err)
	}

	if stats.Spikes["src"] != 1 || stats.Events != 1 {
		t.Errorf("expected one spike and one event, got %+v", stats)
	}
	if got := sm.Spikes(); len(got) != 1 || math.Abs(got[0].T-1e-3) > 1e-15 {
		t.Errorf("unexpected spikes %v", got)
	}
	series := vm.Series("v", 0)
	if len(series) != 50 {
		t.Fatalf("expected 50 samples, got %d", len(series))
	}
	// Delivered during step 30, visible in the sample stamped at its end.
	for k, s := range series {
		want := 0.0
		if k >= 30 {
			want = 2
		}
		if s.V != want {
			t.Errorf("sample %d at t=%g: expected %g, got %g", k, s.T, want, s.V)
		}
	}
	if math.Abs(series[0].T-1e-4) > 1e-18 {
		t.Errorf("first sample must be stamped at the end of step 0, got %g", series[0].T)
	}
}

func TestConnectBetweenRunsReprepares(t *testing.T) {
	p := passive("p", 3, 0, 1e-3)
	gj := synapse.NewGroup("gj", p, p, "w")
	if _, err := gj.Connect(synapse.Explicit{I: []int{0}, J: []int{1}}, nil); err != nil {
		t.Fatal(err)
	}
	_ = gj.SetVar("w", 1)
	sum := synapse.Summed{Group: gj, Var: "I", Expr: func(g *synapse.Group) synapse.Expr {
		w := g.State().Var("w")
		return func(k, pre, post int) float64 { return w[k] }
	}}

	n, _ := New(1e-4)
	if err := n.Add(p, gj, sum); err != nil {
		t.Fatal(err)
	}
	if _, err := n.Run(1e-3); err != nil {
		t.Fatal(err)
	}

	if _, err := gj.Connect(synapse.Explicit{I: []int{1}, J: []int{2}}, nil); err != nil {
		t.Fatal(err)
	}
	_ = gj.SetVar("w", 1)
	if _, err := n.Run(1e-3); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if in := p.State().Var("I"); in[1] != 1 || in[2] != 1 {
		t.Errorf("expected both synapses summed into I, got %v", in)
	}
	if !gj.Prepared() {
		t.Error("group must be prepared after the run")
	}
}

func TestConnectBetweenRunsKeepsPendingEvents(t *testing.T) {
	src := neuron.NewSpikeGeneratorGroup("src", 2, []int{0, 1}, []float64{0.5e-3, 1.2e-3})
	tgt := passive("tgt", 1, 0, math.Inf(1))
	s := synapse.NewGroup("s", src, tgt, "w")
	if _, err := s.Connect(synapse.Explicit{I: []int{0}, J: []int{0}}, nil); err != nil {
		t.Fatal(err)
	}
	s.Delay = 1e-3
	s.OnPre = func(g *synapse.Group) synapse.Effect {
		v, w := g.Target.State().Var("v"), g.State().Var("w")
		return func(e synapse.Event) { v[e.Post] += w[e.K] }
	}

	n, _ := New(1e-4)
	if err := n.Add(src, tgt, s); err != nil {
		t.Fatal(err)
	}
	if _, err := n.Run(1e-3); err != nil {
		t.Fatal(err)
	}
	if s.Pending() != 1 {
		t.Fatalf("expected the first spike in flight, got %d pending", s.Pending())
	}

	if _, err := s.Connect(synapse.Explicit{I: []int{1}, J: []int{0}}, nil); err != nil {
		t.Fatal(err)
	}
	_ = s.SetVar("w", 2)
	stats, err := n.Run(2e-3)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if stats.Events != 2 {
		t.Errorf("expected 2 events, got %d", stats.Events)
	}
	if v := tgt.State().Var("v")[0]; v != 4 {
		t.Errorf("expected v=4, got %g", v)
	}
}

func TestSummedCouplingPrecedesIntegration(t *testing.T) {
	p := passive("p", 2, 0, 1e-3)
	p.State().Var("v")[0] = 1
	gj := synapse.NewGroup("gj", p, p, "w")
	if _, err := gj.Connect(synapse.Explicit{I: []int{0}, J: []int{1}}, nil); err != nil {
		t.Fatal(err)
	}
	_ = gj.SetVar("w", 1)
	var seen []float64
	sum := synapse.Summed{Group: gj, Var: "I", Expr: func(g *synapse.Group) synapse.Expr {
		v := g.Source.State().Var("v")
		return func(k, pre, post int) float64 { return v[pre] }
	}}
	p.Dynamics.Relax = func(i int, inf, tc []float64) {
		if i == 1 {
			seen = append(seen, p.State().Var("I")[1])
		}
		inf[0], tc[0] = p.State().Var("I")[i], 1e-3
	}

	n, _ := New(1e-4)
	if err := n.Add(p, gj, sum); err != nil {
		t.Fatal(err)
	}
	if _, err := n.Run(1e-4); err != nil {
		t.Fatal(err)
	}
	// seen[0] comes from Prepare; seen[1] from the step's integration.
	if len(seen) != 2 || seen[1] != 1 {
		t.Errorf("integration must see the coupled value, got %v", seen)
	}
}

func TestDivergenceAbortsRun(t *testing.T) {
	p := neuron.NewPopulation("p", 3, "v")
	p.Dynamics = &neuron.Dynamics{
		Vars:   []string{"v"},
		Method: neuron.MethodEuler,
		Deriv: func(i int, t float64, dx []float64) {
			dx[0] = 0
			if i == 2 && t > 4.5e-4 {
				dx[0] = math.Inf(1)
			}
		},
	}
	n, _ := New(1e-4)
	if err := n.Add(p); err != nil {
		t.Fatal(err)
	}
	stats, err := n.Run(1e-3)
	var se *core.SimError
	if !errors.As(err, &se) || !errors.Is(err, core.ErrNumericDivergence) {
		t.Fatalf("expected divergence, got %v", err)
	}
	if se.Step != 5 || se.Entity != 2 || se.Variable != "v" {
		t.Errorf("unexpected context %+v", se)
	}
	if stats.Steps != 5 {
		t.Errorf("expected 5 completed steps, got %d", stats.Steps)
	}
}

func TestPoolDoesNotChangeResults(t *testing.T) {
	build := func(pool *concurrency.Pool) []float64 {
		p := passive("p", 1000, -70e-3, 1e-2)
		in := p.State().Var("I")
		for i := range in {
			in[i] = float64(i) * 1e-5
		}
		n, _ := New(1e-4)
		if pool != nil {
			n.SetPool(pool)
		}
		if err := n.Add(p); err != nil {
			t.Fatal(err)
		}
		if _, err := n.Run(0.01); err != nil {
			t.Fatal(err)
		}
		return p.State().Var("v")
	}
	serial := build(nil)
	parallel := build(concurrency.NewPool(4, 16))
	for i := range serial {
		if serial[i] != parallel[i] {
			t.Fatalf("entity %d differs: %g vs %g", i, serial[i], parallel[i])
		}
	}
}
