// Package monitor records state samples and spikes during a run. Monitors
// are append-only and never write to the state they observe.
package monitor

import "github.com/denizumutdereli/neurosim/pkg/core"

// Sample is one recorded value.
type Sample struct {
	T float64 `msgpack:"t"`
	V float64 `msgpack:"v"`
}

// Recorder is sampled once at the end of every step.
type Recorder interface {
	Record(tick core.Tick)
}

// traceReader is implemented by synapse groups whose event-driven traces
// are stored undecayed between deliveries.
type traceReader interface {
	TraceAt(name string, k int, t float64) (float64, bool)
}

// StateMonitor samples variables of selected entities at the end of every
// step.
type StateMonitor struct {
	obs     core.Observable
	vars    []string
	indices []int

	// MaxSamples caps the samples kept per series; 0 means unlimited.
	MaxSamples int

	data      map[string][][]Sample // var -> position in indices -> samples
	truncated uint64
}

// NewStateMonitor attaches a monitor to obs. An undeclared variable or an
// out-of-range index fails with a scheduling inconsistency. A nil indices
// records every entity.
func NewStateMonitor(obs core.Observable, vars []string, indices []int) (*StateMonitor, error) {
	op := "state monitor " + obs.Name()
	st := obs.State()
	if len(vars) == 0 {
		return nil, core.SchedulingError(op, -1, "", "no variables to record")
	}
	for _, v := range vars {
		if !st.Has(v) {
			return nil, core.SchedulingError(op, -1, v, "variable not declared on %s", obs.Name())
		}
	}
	if indices == nil {
		indices = make([]int, st.Len())
		for i := range indices {
			indices[i] = i
		}
	}
	for _, i := range indices {
		if i < 0 || i >= st.Len() {
			return nil, &core.SimError{
				Kind: core.ErrSchedulingInconsistency, Op: op, Step: -1, Entity: i,
				Detail: "index out of range",
			}
		}
	}

	m := &StateMonitor{
		obs:     obs,
		vars:    append([]string(nil), vars...),
		indices: append([]int(nil), indices...),
		data:    make(map[string][][]Sample, len(vars)),
	}
	for _, v := range m.vars {
		m.data[v] = make([][]Sample, len(m.indices))
	}
	return m, nil
}

func (m *StateMonitor) Source() core.Observable { return m.obs }
func (m *StateMonitor) Vars() []string          { return m.vars }
func (m *StateMonitor) Indices() []int          { return m.indices }

// Truncated returns how many samples were discarded because of MaxSamples.
func (m *StateMonitor) Truncated() uint64 { return m.truncated }

// Record appends one sample per (variable, index), stamped with the end
// of the step.
func (m *StateMonitor) Record(tick core.Tick) {
	t := tick.End()
	st := m.obs.State()
	tr, _ := m.obs.(traceReader)
	for _, v := range m.vars {
		col := st.Var(v) // re-fetched: synapse columns move when groups grow
		series := m.data[v]
		for p, i := range m.indices {
			if m.MaxSamples > 0 && len(series[p]) >= m.MaxSamples {
				m.truncated++
				continue
			}
			x := col[i]
			if tr != nil {
				if decayed, ok := tr.TraceAt(v, i, t); ok {
					x = decayed
				}
			}
			series[p] = append(series[p], Sample{T: t, V: x})
		}
	}
}

// Series returns the samples of variable v for entity index, or nil when
// that pair is not recorded.
func (m *StateMonitor) Series(v string, index int) []Sample {
	series, ok := m.data[v]
	if !ok {
		return nil
	}
	for p, i := range m.indices {
		if i == index {
			return series[p]
		}
	}
	return nil
}

// Len returns the number of samples recorded per series.
func (m *StateMonitor) Len() int {
	if len(m.vars) == 0 || len(m.indices) == 0 {
		return 0
	}
	return len(m.data[m.vars[0]][0])
}

// SpikeEvent is one recorded spike.
type SpikeEvent struct {
	T     float64 `msgpack:"t"`
	Index int     `msgpack:"i"`
}

// SpikeMonitor records every spike of one group.
type SpikeMonitor struct {
	obs    core.Observable
	events []SpikeEvent
	counts []int
}

// NewSpikeMonitor attaches a spike monitor to obs.
func NewSpikeMonitor(obs core.Observable) *SpikeMonitor {
	return &SpikeMonitor{obs: obs, counts: make([]int, obs.State().Len())}
}

func (m *SpikeMonitor) Source() core.Observable { return m.obs }

// Observe appends the spikes of one step. Spikes carry the step start time.
func (m *SpikeMonitor) Observe(tick core.Tick, spikes []int) {
	for _, i := range spikes {
		m.events = append(m.events, SpikeEvent{T: tick.T, Index: i})
		m.counts[i]++
	}
}

// Spikes returns all events in recording order.
func (m *SpikeMonitor) Spikes() []SpikeEvent { return m.events }

// Count returns the number of spikes of entity index.
func (m *SpikeMonitor) Count(index int) int {
	if index < 0 || index >= len(m.counts) {
		return 0
	}
	return m.counts[index]
}

// Total returns the number of recorded spikes.
func (m *SpikeMonitor) Total() int { return len(m.events) }

// Times returns the spike times of entity index, ascending.
func (m *SpikeMonitor) Times(index int) []float64 {
	var ts []float64
	for _, e := range m.events {
		if e.Index == index {
			ts = append(ts, e.T)
		}
	}
	return ts
}

// Spiking returns the indices that spiked at least once, ascending.
func (m *SpikeMonitor) Spiking() []int {
	var idx []int
	for i, c := range m.counts {
		if c > 0 {
			idx = append(idx, i)
		}
	}
	return idx
}
