package schema

import (
	"sort"
	"time"
)

// ColumnMapping is one (source property -> target column) association for a
// case type. SourceProperty is kept exactly as observed in the feed;
// TargetColumn is the normalized identifier the export writes to.
type ColumnMapping struct {
	SourceProperty  string    `json:"source_property"`
	TargetColumn    string    `json:"target_column"`
	Active          bool      `json:"active"`
	FirstObservedAt time.Time `json:"first_observed_at"`
}

// State is the persisted schema record for one (project, case type) pair:
// every property ever observed, the column it maps to, and whether the most
// recent discovery pass still saw it. Mappings are only ever appended or
// toggled between active/inactive; a property that disappears from the app
// keeps its row so historical data keeps its column.
type State struct {
	CaseType string          `json:"case_type"`
	AsOf     time.Time       `json:"as_of"`
	Columns  []ColumnMapping `json:"columns"`
}

// FindBySource returns the index of the mapping for the given raw source
// property, or -1.
func (s *State) FindBySource(source string) int {
	for i := range s.Columns {
		if s.Columns[i].SourceProperty == source {
			return i
		}
	}
	return -1
}

// TargetTaken reports whether any mapping, active or not, already owns the
// given target column name.
func (s *State) TargetTaken(target string) bool {
	for i := range s.Columns {
		if s.Columns[i].TargetColumn == target {
			return true
		}
	}
	return false
}

// ActiveCount returns the number of currently active mappings.
func (s *State) ActiveCount() int {
	n := 0
	for i := range s.Columns {
		if s.Columns[i].Active {
			n++
		}
	}
	return n
}

// ActiveTargets returns the target column names of active mappings, sorted.
func (s *State) ActiveTargets() []string {
	out := make([]string, 0, len(s.Columns))
	for i := range s.Columns {
		if s.Columns[i].Active {
			out = append(out, s.Columns[i].TargetColumn)
		}
	}
	sort.Strings(out)
	return out
}

// Clone returns a deep copy. Reconcile never mutates its input, so callers
// holding the previous state can rely on it staying unchanged.
func (s *State) Clone() State {
	out := State{CaseType: s.CaseType, AsOf: s.AsOf}
	if s.Columns != nil {
		out.Columns = make([]ColumnMapping, len(s.Columns))
		copy(out.Columns, s.Columns)
	}
	return out
}
