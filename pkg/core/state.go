package core

import (
	"fmt"
	"sort"
)

// State holds named per-entity float64 columns of equal length. Columns are
// plain slices so update functions can close over them directly.
type State struct {
	n    int
	vars map[string][]float64
}

// NewState creates n-entity state with the given zero-initialized variables.
func NewState(n int, names ...string) *State {
	s := &State{n: n, vars: make(map[string][]float64, len(names))}
	for _, name := range names {
		s.Add(name)
	}
	return s
}

// Len returns the number of entities.
func (s *State) Len() int { return s.n }

// Add declares a zero-initialized variable. Adding an existing name is a no-op.
func (s *State) Add(name string) []float64 {
	if col, ok := s.vars[name]; ok {
		return col
	}
	col := make([]float64, s.n)
	s.vars[name] = col
	return col
}

// Has reports whether the variable exists.
func (s *State) Has(name string) bool {
	_, ok := s.vars[name]
	return ok
}

// Var returns the column for name, panicking if it was never declared.
// Model code calls it once at build time, so a typo fails loudly.
func (s *State) Var(name string) []float64 {
	col, ok := s.vars[name]
	if !ok {
		panic(fmt.Sprintf("state: unknown variable %q", name))
	}
	return col
}

// Lookup returns the column for name and whether it exists.
func (s *State) Lookup(name string) ([]float64, bool) {
	col, ok := s.vars[name]
	return col, ok
}

// Names returns the declared variables in sorted order.
func (s *State) Names() []string {
	names := make([]string, 0, len(s.vars))
	for name := range s.vars {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Fill sets every entity's value of name to v.
func (s *State) Fill(name string, v float64) {
	col := s.Var(name)
	for i := range col {
		col[i] = v
	}
}

// Set copies vals into the column; len(vals) must equal Len.
func (s *State) Set(name string, vals []float64) error {
	col, ok := s.vars[name]
	if !ok {
		return ConfigError("state", "unknown variable %q", name)
	}
	if len(vals) != s.n {
		return ConfigError("state", "variable %q expects %d values, got %d", name, s.n, len(vals))
	}
	copy(col, vals)
	return nil
}

// Grow appends k zero-valued entities to every column and returns the index
// of the first new entity. Synapse groups grow as connections are made.
// Column slices obtained before Grow must be re-fetched afterwards.
func (s *State) Grow(k int) int {
	first := s.n
	for name, col := range s.vars {
		s.vars[name] = append(col, make([]float64, k)...)
	}
	s.n += k
	return first
}
