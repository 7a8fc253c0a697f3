package persistence

import (
	"time"

	"github.com/denizumutdereli/neurosim/pkg/core"
	"github.com/denizumutdereli/neurosim/pkg/monitor"
)

// StateTrace is the recorded time series of one variable of one entity.
type StateTrace struct {
	Source  string           `msgpack:"source"`
	Var     string           `msgpack:"var"`
	Index   int              `msgpack:"index"`
	Samples []monitor.Sample `msgpack:"samples"`
}

// SpikeTrain holds every spike recorded from one group.
type SpikeTrain struct {
	Source string               `msgpack:"source"`
	Size   int                  `msgpack:"size"`
	Events []monitor.SpikeEvent `msgpack:"events"`
}

// Curve is a derived x/y relation, such as a plasticity window.
type Curve struct {
	Name   string    `msgpack:"name"`
	XLabel string    `msgpack:"x_label"`
	YLabel string    `msgpack:"y_label"`
	X      []float64 `msgpack:"x"`
	Y      []float64 `msgpack:"y"`
}

// Recording is everything a run produced, detached from the live network.
type Recording struct {
	RunID     core.RunID         `msgpack:"run_id"`
	Scenario  string             `msgpack:"scenario"`
	CreatedAt time.Time          `msgpack:"created_at"`
	Dt        float64            `msgpack:"dt"`
	Duration  float64            `msgpack:"duration"`
	Steps     int64              `msgpack:"steps"`
	Seed      int64              `msgpack:"seed"`
	States    []StateTrace       `msgpack:"states"`
	Spikes    []SpikeTrain       `msgpack:"spikes"`
	Curves    []Curve            `msgpack:"curves,omitempty"`
	Summary   map[string]float64 `msgpack:"summary,omitempty"`
}

// NewRecording creates an empty recording with a fresh run ID.
func NewRecording(scenario string, dt float64) *Recording {
	return &Recording{
		RunID:     core.NewRunID(),
		Scenario:  scenario,
		CreatedAt: time.Now().UTC(),
		Dt:        dt,
		Summary:   make(map[string]float64),
	}
}

// AddStates copies every series of m.
func (r *Recording) AddStates(m *monitor.StateMonitor) {
	name := m.Source().Name()
	for _, v := range m.Vars() {
		for _, i := range m.Indices() {
			r.States = append(r.States, StateTrace{
				Source:  name,
				Var:     v,
				Index:   i,
				Samples: append([]monitor.Sample(nil), m.Series(v, i)...),
			})
		}
	}
}

// AddSpikes copies the events of m.
func (r *Recording) AddSpikes(m *monitor.SpikeMonitor) {
	r.Spikes = append(r.Spikes, SpikeTrain{
		Source: m.Source().Name(),
		Size:   m.Source().State().Len(),
		Events: append([]monitor.SpikeEvent(nil), m.Spikes()...),
	})
}

// Trace returns the series of (source, var, index), if recorded.
func (r *Recording) Trace(source, v string, index int) (StateTrace, bool) {
	for _, s := range r.States {
		if s.Source == source && s.Var == v && s.Index == index {
			return s, true
		}
	}
	return StateTrace{}, false
}

// Train returns the spikes recorded from source, if any.
func (r *Recording) Train(source string) (SpikeTrain, bool) {
	for _, s := range r.Spikes {
		if s.Source == source {
			return s, true
		}
	}
	return SpikeTrain{}, false
}

// SpikeCount returns the total number of recorded spikes.
func (r *Recording) SpikeCount() int {
	n := 0
	for _, s := range r.Spikes {
		n += len(s.Events)
	}
	return n
}
