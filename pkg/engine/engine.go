// Package engine runs scenarios on behalf of the CLI and the server. It owns
// the recording store and the run index and keeps the two consistent.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/denizumutdereli/neurosim/pkg/concurrency"
	"github.com/denizumutdereli/neurosim/pkg/core"
	"github.com/denizumutdereli/neurosim/pkg/kernel"
	"github.com/denizumutdereli/neurosim/pkg/persistence"
	"github.com/denizumutdereli/neurosim/pkg/registry"
	"github.com/denizumutdereli/neurosim/pkg/scenario"
)

// RunRequest describes one scenario run. Nil pointers take the configured
// defaults.
type RunRequest struct {
	Scenario string
	Duration time.Duration // 0 = configured or scenario default
	Seed     *int64
	Save     *bool
}

// RunResult is a completed run.
type RunResult struct {
	Entry     registry.Entry
	Recording *persistence.Recording
	Path      string // recording file, empty when not saved
}

// Engine executes scenarios and indexes their results.
type Engine struct {
	cfg   *core.Config
	store *persistence.Store
	runs  *registry.Store
	pool  *concurrency.Pool

	lifKernel kernel.StepFunc

	active    atomic.Int64
	completed atomic.Uint64
	failed    atomic.Uint64
}

// New opens the recording store and run index under cfg.Storage.DataPath.
func New(cfg *core.Config) (*Engine, error) {
	store, err := persistence.NewStore(cfg.Storage.DataPath, cfg.Storage.Compress)
	if err != nil {
		return nil, err
	}
	runs, err := registry.NewStore(cfg.Storage.DataPath)
	if err != nil {
		return nil, err
	}
	e := &Engine{cfg: cfg, store: store, runs: runs}
	if cfg.Simulation.Workers != 1 {
		e.pool = concurrency.NewPool(cfg.Simulation.Workers, cfg.Simulation.ParallelGrain)
	}
	if sym := cfg.Kernel.LIFSymbol; sym != "" {
		lib, err := kernel.Open(cfg.Kernel.LibraryPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load kernel library: %w", err)
		}
		if e.lifKernel, err = lib.Step(sym); err != nil {
			return nil, err
		}
		log.Printf("LIF populations integrated by %s from %s", sym, lib.Path())
	}
	return e, nil
}

func (e *Engine) Config() *core.Config           { return e.cfg }
func (e *Engine) Store() *persistence.Store      { return e.store }
func (e *Engine) Registry() *registry.Store      { return e.runs }
func (e *Engine) Scenarios() []scenario.Scenario { return scenario.List() }

// Run executes a scenario, optionally saves its recording and indexes it.
func (e *Engine) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	sc, err := scenario.Get(req.Scenario)
	if err != nil {
		return nil, err
	}

	opts := scenario.OptionsFromConfig(e.cfg)
	opts.Pool = e.pool
	opts.LIFKernel = e.lifKernel
	if req.Duration > 0 {
		opts.Duration = req.Duration.Seconds()
	}
	if req.Seed != nil {
		opts.Seed = *req.Seed
	}
	save := e.cfg.Recording.Save
	if req.Save != nil {
		save = *req.Save
	}

	e.active.Add(1)
	res, err := sc.Run(ctx, opts)
	e.active.Add(-1)
	if err != nil {
		e.failed.Add(1)
		return nil, err
	}
	e.completed.Add(1)

	rec := res.Recording
	out := &RunResult{Recording: rec}
	if save {
		path, err := e.store.Save(rec)
		if err != nil {
			return nil, fmt.Errorf("failed to save recording: %w", err)
		}
		out.Path = path
	}

	out.Entry = registry.Entry{
		RunID:     rec.RunID,
		Scenario:  rec.Scenario,
		CreatedAt: rec.CreatedAt,
		Duration:  rec.Duration,
		Dt:        rec.Dt,
		Steps:     rec.Steps,
		Seed:      rec.Seed,
		Spikes:    int(res.Stats.TotalSpikes()),
		Elapsed:   res.Stats.Elapsed,
		Saved:     save,
		Summary:   rec.Summary,
	}
	if err := e.runs.Add(out.Entry); err != nil {
		return nil, fmt.Errorf("failed to index run: %w", err)
	}
	log.Printf("Run %s: %s, %d steps, %d spikes in %v", rec.RunID, rec.Scenario,
		rec.Steps, out.Entry.Spikes, res.Stats.Elapsed.Round(time.Millisecond))
	return out, nil
}

// Runs lists indexed runs, oldest first; scenario filters when non-empty.
func (e *Engine) Runs(scenarioName string) []registry.Entry {
	return e.runs.List(scenarioName)
}

// Show returns the index entry of a run and, when it was saved, its recording.
func (e *Engine) Show(id core.RunID) (registry.Entry, *persistence.Recording, error) {
	entry, err := e.runs.Get(id)
	if err != nil {
		return registry.Entry{}, nil, err
	}
	if !entry.Saved {
		return entry, nil, nil
	}
	rec, err := e.store.Load(id)
	if err != nil {
		return entry, nil, err
	}
	return entry, rec, nil
}

// Delete removes a run from the index and its recording from disk.
func (e *Engine) Delete(id core.RunID) error {
	if err := e.runs.Delete(id); err != nil {
		return err
	}
	if err := e.store.Delete(id); err != nil && !errors.Is(err, core.ErrRecordingNotFound) {
		return err
	}
	return nil
}

// Prune deletes every run created before cutoff and returns how many went.
func (e *Engine) Prune(cutoff time.Time) (int, error) {
	n := 0
	for _, entry := range e.runs.List("") {
		if !entry.CreatedAt.Before(cutoff) {
			break
		}
		if err := e.Delete(entry.RunID); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Check validates saved recordings and warns about indexed runs whose file
// is gone. With repair set corrupt files are removed.
func (e *Engine) Check(repair bool) (persistence.IntegrityReport, error) {
	report, err := e.store.ValidateDataFiles(repair)
	if err != nil {
		return report, err
	}
	for _, entry := range e.runs.List("") {
		if entry.Saved && !e.store.Exists(entry.RunID) {
			log.Printf("⚠ WARNING: run %s is indexed as saved but its recording is missing", entry.RunID)
		}
	}
	return report, nil
}

// Stats reports engine, store and pool counters.
func (e *Engine) Stats() map[string]any {
	stats := map[string]any{
		"active_runs":    e.active.Load(),
		"completed_runs": e.completed.Load(),
		"failed_runs":    e.failed.Load(),
		"indexed_runs":   e.runs.Count(),
		"store":          e.store.Stats(),
	}
	if e.pool != nil {
		stats["pool"] = e.pool.Stats()
	}
	if e.lifKernel != nil {
		stats["lif_kernel"] = e.cfg.Kernel.LIFSymbol
	}
	return stats
}
