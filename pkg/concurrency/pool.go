package concurrency

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/klauspost/cpuid/v2"
)

// Pool splits per-entity work of one simulation step across goroutines.
// Chunks are disjoint index ranges, so callers never share a write target.
type Pool struct {
	workers int
	grain   int

	// Stats
	calls    atomic.Uint64
	parallel atomic.Uint64
	chunks   atomic.Uint64
}

// NewPool creates a pool. workers <= 0 sizes it from the CPU topology;
// grain is the smallest range worth handing to a separate goroutine.
func NewPool(workers, grain int) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers()
	}
	if grain < 1 {
		grain = 1
	}
	return &Pool{workers: workers, grain: grain}
}

// DefaultWorkers returns the number of logical cores reported by cpuid,
// falling back to the Go runtime when detection is unavailable.
func DefaultWorkers() int {
	if n := cpuid.CPU.LogicalCores; n > 0 {
		return n
	}
	return runtime.NumCPU()
}

// Workers returns the configured parallelism.
func (p *Pool) Workers() int { return p.workers }

// ParallelFor calls fn over [0, n) split into contiguous chunks and waits for
// all of them. When several chunks fail the error of the lowest chunk wins,
// so the reported failure does not depend on goroutine scheduling.
func (p *Pool) ParallelFor(n int, fn func(lo, hi int) error) error {
	p.calls.Add(1)
	if n <= 0 {
		return nil
	}
	chunks := min(p.workers, (n+p.grain-1)/p.grain)
	if chunks <= 1 {
		p.chunks.Add(1)
		return fn(0, n)
	}

	p.parallel.Add(1)
	p.chunks.Add(uint64(chunks))

	size := (n + chunks - 1) / chunks
	errs := make([]error, chunks)
	var wg sync.WaitGroup
	for c := 0; c < chunks; c++ {
		lo := c * size
		hi := min(lo+size, n)
		if lo >= hi {
			break
		}
		wg.Add(1)
		go func(c, lo, hi int) {
			defer wg.Done()
			errs[c] = fn(lo, hi)
		}(c, lo, hi)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// Stats returns pool statistics
func (p *Pool) Stats() map[string]any {
	return map[string]any{
		"workers":        p.workers,
		"grain":          p.grain,
		"calls":          p.calls.Load(),
		"parallel_calls": p.parallel.Load(),
		"chunks":         p.chunks.Load(),
		"cpu":            cpuid.CPU.BrandName,
		"physical_cores": cpuid.CPU.PhysicalCores,
		"logical_cores":  cpuid.CPU.LogicalCores,
	}
}
