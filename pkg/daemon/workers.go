package daemon

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/denizumutdereli/neurosim/pkg/persistence"
)

// Maintainer is the part of the engine the daemons drive.
type Maintainer interface {
	Prune(cutoff time.Time) (int, error)
	Check(repair bool) (persistence.IntegrityReport, error)
}

const defaultPruneInterval = 10 * time.Minute

// DaemonManager runs storage housekeeping while the server is up.
type DaemonManager struct {
	engine Maintainer

	// Daemon intervals; zero disables the daemon
	retention     time.Duration
	pruneInterval time.Duration
	checkInterval time.Duration
	intervalMu    sync.RWMutex

	pruned atomic.Int64
	checks atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time
}

// NewDaemonManager creates a daemon manager. retention <= 0 keeps every run,
// checkInterval <= 0 disables periodic integrity checks.
func NewDaemonManager(engine Maintainer, retention, checkInterval time.Duration) *DaemonManager {
	ctx, cancel := context.WithCancel(context.Background())

	return &DaemonManager{
		engine:        engine,
		retention:     retention,
		pruneInterval: defaultPruneInterval,
		checkInterval: checkInterval,
		ctx:           ctx,
		cancel:        cancel,
		now:           time.Now,
	}
}

// Start starts all daemon workers
func (dm *DaemonManager) Start() {
	dm.wg.Add(2)

	go dm.pruneDaemon()
	go dm.checkDaemon()

	log.Println("🧹 Daemon manager started")
}

// Stop stops all daemons gracefully
func (dm *DaemonManager) Stop() {
	dm.cancel()
	dm.wg.Wait()
	log.Println("🧹 Daemon manager stopped")
}

// pruneDaemon deletes runs older than the retention window.
func (dm *DaemonManager) pruneDaemon() {
	defer dm.wg.Done()

	for dm.waitInterval(dm.getPruneInterval()) {
		dm.PruneOnce()
	}
}

// checkDaemon validates recording checksums without repairing them.
func (dm *DaemonManager) checkDaemon() {
	defer dm.wg.Done()

	for dm.waitInterval(dm.getCheckInterval()) {
		dm.CheckOnce()
	}
}

// PruneOnce runs one retention pass and returns the number of deleted runs.
func (dm *DaemonManager) PruneOnce() int {
	dm.intervalMu.RLock()
	retention := dm.retention
	dm.intervalMu.RUnlock()
	if retention <= 0 {
		return 0
	}

	n, err := dm.engine.Prune(dm.now().Add(-retention))
	if err != nil {
		log.Printf("prune daemon: %v", err)
	}
	if n > 0 {
		dm.pruned.Add(int64(n))
		log.Printf("🧹 Pruned %d runs older than %v", n, retention)
	}
	return n
}

// CheckOnce runs one integrity pass.
func (dm *DaemonManager) CheckOnce() persistence.IntegrityReport {
	report, err := dm.engine.Check(false)
	dm.checks.Add(1)
	if err != nil {
		log.Printf("check daemon: %v", err)
		return report
	}
	if report.CorruptFiles > 0 {
		log.Printf("⚠ WARNING: %d of %d recordings failed checksum validation",
			report.CorruptFiles, report.CheckedFiles)
	}
	return report
}

// waitInterval blocks for one interval. A disabled daemon waits for Stop.
func (dm *DaemonManager) waitInterval(interval time.Duration) bool {
	if interval <= 0 {
		<-dm.ctx.Done()
		return false
	}
	timer := time.NewTimer(interval)
	defer timer.Stop()
	select {
	case <-dm.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (dm *DaemonManager) getPruneInterval() time.Duration {
	dm.intervalMu.RLock()
	defer dm.intervalMu.RUnlock()
	if dm.retention <= 0 {
		return 0
	}
	return dm.pruneInterval
}

func (dm *DaemonManager) getCheckInterval() time.Duration {
	dm.intervalMu.RLock()
	defer dm.intervalMu.RUnlock()
	return dm.checkInterval
}

// SetIntervals configures daemon intervals. Changes apply from the next tick.
func (dm *DaemonManager) SetIntervals(prune, check time.Duration) {
	dm.intervalMu.Lock()
	defer dm.intervalMu.Unlock()
	dm.pruneInterval = prune
	dm.checkInterval = check
}

// Stats returns daemon statistics
func (dm *DaemonManager) Stats() map[string]any {
	dm.intervalMu.RLock()
	defer dm.intervalMu.RUnlock()
	return map[string]any{
		"retention":      dm.retention.String(),
		"prune_interval": dm.pruneInterval.String(),
		"check_interval": dm.checkInterval.String(),
		"pruned_runs":    dm.pruned.Load(),
		"checks":         dm.checks.Load(),
	}
}
