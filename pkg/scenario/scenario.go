// Package scenario bundles ready-made experiments. Each scenario builds a
// network, runs it and returns a detached recording with a short summary.
package scenario

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/denizumutdereli/neurosim/pkg/concurrency"
	"github.com/denizumutdereli/neurosim/pkg/core"
	"github.com/denizumutdereli/neurosim/pkg/kernel"
	"github.com/denizumutdereli/neurosim/pkg/models"
	"github.com/denizumutdereli/neurosim/pkg/monitor"
	"github.com/denizumutdereli/neurosim/pkg/network"
	"github.com/denizumutdereli/neurosim/pkg/neuron"
	"github.com/denizumutdereli/neurosim/pkg/persistence"
)

// Options controls one scenario run. Zero values select the defaults.
type Options struct {
	Dt            float64 // seconds; 0.1 ms when zero
	Duration      float64 // seconds; the scenario default when zero
	Seed          int64
	RoundDuration bool // round inexact durations instead of rejecting them
	MaxSamples    int
	Pool          *concurrency.Pool

	// LIFKernel replaces the built-in integrator of every LIF population.
	// Rows are laid out as models.LIF.KernelVars describes.
	LIFKernel kernel.StepFunc
}

// OptionsFromConfig maps the simulation and recording sections of cfg.
func OptionsFromConfig(cfg *core.Config) Options {
	o := Options{
		Dt:            cfg.DtSeconds(),
		Duration:      cfg.Simulation.Duration.Seconds(),
		Seed:          cfg.Simulation.Seed,
		RoundDuration: !cfg.Simulation.StrictDuration,
		MaxSamples:    cfg.Recording.MaxSamples,
	}
	if cfg.Simulation.Workers != 1 {
		o.Pool = concurrency.NewPool(cfg.Simulation.Workers, cfg.Simulation.ParallelGrain)
	}
	return o
}

// Result is the outcome of a scenario run.
type Result struct {
	Recording *persistence.Recording
	Stats     network.RunStats
}

// Scenario is one registered experiment.
type Scenario struct {
	Name        string
	Description string
	Duration    float64 // default, seconds
	setup       func(b *builder) error
}

var registry = map[string]Scenario{}

func register(s Scenario) {
	if _, dup := registry[s.Name]; dup {
		panic("scenario registered twice: " + s.Name)
	}
	registry[s.Name] = s
}

// List returns every scenario sorted by name.
func List() []Scenario {
	out := make([]Scenario, 0, len(registry))
	for _, s := range registry {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get looks a scenario up by name.
func Get(name string) (Scenario, error) {
	s, ok := registry[name]
	if !ok {
		return Scenario{}, fmt.Errorf("%w: %q", core.ErrUnknownScenario, name)
	}
	return s, nil
}

// Run executes the named scenario.
func Run(ctx context.Context, name string, opts Options) (*Result, error) {
	s, err := Get(name)
	if err != nil {
		return nil, err
	}
	return s.Run(ctx, opts)
}

// builder collects what a scenario setup creates.
type builder struct {
	net     *network.Network
	rng     core.RandomSource
	opts    Options
	states  []*monitor.StateMonitor
	spikes  []*monitor.SpikeMonitor
	summary []func(rec *persistence.Recording)
}

func (b *builder) add(objs ...any) error { return b.net.Add(objs...) }

// lif builds a LIF population, integrated by the configured kernel when
// there is one.
func (b *builder) lif(m models.LIF, name string, n int) (*neuron.Population, error) {
	p := m.Build(name, n)
	if b.opts.LIFKernel == nil {
		return p, nil
	}
	dyn, err := kernel.NewDynamics(b.opts.LIFKernel, p, m.KernelVars()...)
	if err != nil {
		return nil, err
	}
	p.Dynamics = dyn
	return p, nil
}

func (b *builder) record(obs core.Observable, vars []string, indices []int) error {
	m, err := monitor.NewStateMonitor(obs, vars, indices)
	if err != nil {
		return err
	}
	m.MaxSamples = b.opts.MaxSamples
	b.states = append(b.states, m)
	return b.net.Add(m)
}

func (b *builder) spikeMonitor(obs core.Observable) (*monitor.SpikeMonitor, error) {
	m := monitor.NewSpikeMonitor(obs)
	b.spikes = append(b.spikes, m)
	return m, b.net.Add(m)
}

// finally registers a summary step that runs after the simulation.
func (b *builder) finally(fn func(rec *persistence.Recording)) {
	b.summary = append(b.summary, fn)
}

// Run builds and executes the scenario.
func (s Scenario) Run(ctx context.Context, opts Options) (*Result, error) {
	if opts.Dt == 0 {
		opts.Dt = 1e-4
	}
	duration := opts.Duration
	if duration == 0 {
		duration = s.Duration
	}

	net, err := network.New(opts.Dt)
	if err != nil {
		return nil, err
	}
	net.StrictDuration = !opts.RoundDuration
	if opts.Pool != nil {
		net.SetPool(opts.Pool)
	}
	b := &builder{net: net, rng: core.NewRandomSource(opts.Seed), opts: opts}
	if err := s.setup(b); err != nil {
		return nil, fmt.Errorf("scenario %s: %w", s.Name, err)
	}

	stats, err := net.RunContext(ctx, duration)
	if err != nil {
		return nil, fmt.Errorf("scenario %s: %w", s.Name, err)
	}

	rec := persistence.NewRecording(s.Name, opts.Dt)
	rec.Duration = stats.Simulated
	rec.Steps = stats.Steps
	rec.Seed = opts.Seed
	var truncated uint64
	for _, m := range b.states {
		rec.AddStates(m)
		truncated += m.Truncated()
	}
	for _, m := range b.spikes {
		rec.AddSpikes(m)
	}
	rec.Summary["spikes"] = float64(stats.TotalSpikes())
	rec.Summary["synaptic_events"] = float64(stats.Events)
	rec.Summary["wall_ms"] = float64(stats.Elapsed) / float64(time.Millisecond)
	if truncated > 0 {
		rec.Summary["truncated_samples"] = float64(truncated)
	}
	for _, fn := range b.summary {
		fn(rec)
	}
	return &Result{Recording: rec, Stats: stats}, nil
}
