package daemon

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/denizumutdereli/neurosim/pkg/core"
	"github.com/denizumutdereli/neurosim/pkg/engine"
	"github.com/denizumutdereli/neurosim/pkg/persistence"
)

type fakeEngine struct {
	mu      sync.Mutex
	cutoffs []time.Time
	checks  int
	report  persistence.IntegrityReport
	err     error
}

func (f *fakeEngine) Prune(cutoff time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, cutoff)
	return 2, f.err
}

func (f *fakeEngine) Check(repair bool) (persistence.IntegrityReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if repair {
		return f.report, errors.New("daemon must not repair")
	}
	f.checks++
	return f.report, f.err
}

func (f *fakeEngine) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cutoffs), f.checks
}

func TestDaemonManagerStartStop(t *testing.T) {
	dm := NewDaemonManager(&fakeEngine{}, time.Hour, time.Minute)
	dm.Start()

	// Give daemons time to start
	time.Sleep(50 * time.Millisecond)

	// Stop should complete without deadlock
	done := make(chan bool)
	go func() {
		dm.Stop()
		done <- true
	}()

	select {
	case <-done:
		// OK
	case <-time.After(5 * time.Second):
		t.Error("Stop should complete within timeout")
	}
}

func TestDaemonManagerDisabledDaemonsStop(t *testing.T) {
	f := &fakeEngine{}
	dm := NewDaemonManager(f, 0, 0)
	dm.Start()
	time.Sleep(20 * time.Millisecond)
	dm.Stop()

	if p, c := f.counts(); p != 0 || c != 0 {
		t.Errorf("disabled daemons should not run, got %d prunes and %d checks", p, c)
	}
}

func TestPruneOnceUsesRetentionCutoff(t *testing.T) {
	f := &fakeEngine{}
	dm := NewDaemonManager(f, 2*time.Hour, 0)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	dm.now = func() time.Time { return fixed }

	if n := dm.PruneOnce(); n != 2 {
		t.Errorf("expected 2 pruned, got %d", n)
	}
	if want := fixed.Add(-2 * time.Hour); !f.cutoffs[0].Equal(want) {
		t.Errorf("expected cutoff %v, got %v", want, f.cutoffs[0])
	}
	if got := dm.Stats()["pruned_runs"]; got != int64(2) {
		t.Errorf("expected pruned_runs 2, got %v", got)
	}
}

func TestPruneOnceWithoutRetention(t *testing.T) {
	f := &fakeEngine{}
	dm := NewDaemonManager(f, 0, 0)
	if n := dm.PruneOnce(); n != 0 {
		t.Errorf("expected no pruning without retention, got %d", n)
	}
	if p, _ := f.counts(); p != 0 {
		t.Error("engine should not be called without retention")
	}
}

func TestDaemonsTick(t *testing.T) {
	f := &fakeEngine{report: persistence.IntegrityReport{CheckedFiles: 3, CorruptFiles: 1}}
	dm := NewDaemonManager(f, time.Hour, time.Hour)
	dm.SetIntervals(5*time.Millisecond, 5*time.Millisecond)
	dm.Start()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p, c := f.counts(); p > 1 && c > 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	dm.Stop()

	p, c := f.counts()
	if p < 2 || c < 2 {
		t.Errorf("expected repeated prunes and checks, got %d and %d", p, c)
	}
}

func TestDaemonManagerSetIntervals(t *testing.T) {
	dm := NewDaemonManager(&fakeEngine{}, time.Hour, 0)
	dm.SetIntervals(30*time.Second, 40*time.Second)

	stats := dm.Stats()
	if stats["prune_interval"] != "30s" {
		t.Errorf("expected prune_interval 30s, got %v", stats["prune_interval"])
	}
	if stats["check_interval"] != "40s" {
		t.Errorf("expected check_interval 40s, got %v", stats["check_interval"])
	}
	if stats["retention"] != "1h0m0s" {
		t.Errorf("expected retention 1h0m0s, got %v", stats["retention"])
	}
}

func TestPruneOnceAgainstEngine(t *testing.T) {
	cfg := core.DefaultConfig()
	cfg.Storage.DataPath = t.TempDir()
	cfg.Simulation.Workers = 1
	eng, err := engine.New(cfg)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	save := true
	res, err := eng.Run(context.Background(), engine.RunRequest{Scenario: "gap_junctions", Duration: 5 * time.Millisecond, Save: &save})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	dm := NewDaemonManager(eng, time.Minute, 0)
	dm.now = func() time.Time { return res.Entry.CreatedAt.Add(30 * time.Second) }
	if n := dm.PruneOnce(); n != 0 {
		t.Fatalf("run inside retention should survive, pruned %d", n)
	}

	dm.now = func() time.Time { return res.Entry.CreatedAt.Add(2 * time.Minute) }
	if n := dm.PruneOnce(); n != 1 {
		t.Fatalf("expected 1 pruned run, got %d", n)
	}
	if eng.Registry().Count() != 0 || eng.Store().Exists(res.Entry.RunID) {
		t.Error("pruned run should leave neither index entry nor recording")
	}
	if report := dm.CheckOnce(); report.CheckedFiles != 0 {
		t.Errorf("expected empty store, got %+v", report)
	}
}
