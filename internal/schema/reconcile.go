package schema

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ConflictError reports a normalization collision the deterministic suffix
// rule could not resolve within the identifier length limit. The suffix rule
// makes this unreachable in practice, but a corrupted state file could still
// get us here, and silently reusing a column would cross data between two
// properties.
type ConflictError struct {
	CaseType   string
	Properties []string
	Target     string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("schema: case_type=%s target=%s unresolvable column collision between properties %s",
		e.CaseType, e.Target, strings.Join(e.Properties, ", "))
}

// Reconciler merges observed property names into an existing State.
// MaxColumnLength is the target engine's identifier limit (63 for Postgres,
// 128 for MSSQL); zero means 63. Now is a seam for tests; nil means time.Now.
type Reconciler struct {
	MaxColumnLength int
	Now             func() time.Time
}

// Reconcile returns a new State incorporating every name in observed, plus
// the list of source properties added by this pass, in observation order.
//
// Observed names not yet in the state are normalized and appended as active
// mappings stamped with Now. When two distinct properties normalize to the
// same column, the later-observed one gets a deterministic ordinal suffix
// (_2, _3, ...), shortened to fit the length limit, so a rerun fed the same
// observation order reproduces the same columns. Existing mappings absent
// from observed are deactivated, never deleted; a re-observed property is
// reactivated with its original target column and first-observed timestamp.
//
// AsOf only advances when the pass changed something, so reconciling twice
// with the same observed set returns an identical State and an empty added
// list. Observed may contain duplicates (later occurrences are ignored).
// The input State is never mutated.
func (r *Reconciler) Reconcile(existing State, observed []string) (State, []string, error) {
	now := time.Now()
	if r.Now != nil {
		now = r.Now()
	}
	maxLen := r.MaxColumnLength
	if maxLen <= 0 {
		maxLen = 63
	}

	updated := existing.Clone()

	// Deactivate everything up front, reactivate while walking observed.
	// Keeps the main loop a single pass.
	for i := range updated.Columns {
		updated.Columns[i].Active = false
	}

	var added []string
	handled := make(map[string]bool, len(observed))
	for _, p := range observed {
		if handled[p] {
			continue
		}
		handled[p] = true

		if i := updated.FindBySource(p); i >= 0 {
			updated.Columns[i].Active = true
			continue
		}

		target, err := r.assignTarget(&updated, p, maxLen)
		if err != nil {
			return existing, nil, err
		}
		updated.Columns = append(updated.Columns, ColumnMapping{
			SourceProperty:  p,
			TargetColumn:    target,
			Active:          true,
			FirstObservedAt: now,
		})
		added = append(added, p)
	}

	if !stateEqual(existing, updated) {
		updated.AsOf = now
	}
	return updated, added, nil
}

// stateEqual compares the column sets of two states, ignoring AsOf.
func stateEqual(a, b State) bool {
	if len(a.Columns) != len(b.Columns) {
		return false
	}
	for i := range a.Columns {
		if a.Columns[i] != b.Columns[i] {
			return false
		}
	}
	return true
}

// assignTarget picks the column name for a new property: the normalized name
// when free, otherwise the first free ordinal suffix. The suffix eats into
// the base when the limit leaves no room.
func (r *Reconciler) assignTarget(st *State, property string, maxLen int) (string, error) {
	base := Normalize(property)
	candidate := Fit(base, maxLen)
	if !st.TargetTaken(candidate) {
		return candidate, nil
	}

	for ord := 2; ; ord++ {
		suffix := "_" + strconv.Itoa(ord)
		if len(suffix) >= maxLen {
			props := []string{property}
			for i := range st.Columns {
				if st.Columns[i].TargetColumn == candidate {
					props = append(props, st.Columns[i].SourceProperty)
				}
			}
			return "", &ConflictError{CaseType: st.CaseType, Properties: props, Target: candidate}
		}
		c := Fit(base, maxLen-len(suffix)) + suffix
		if !st.TargetTaken(c) {
			return c, nil
		}
	}
}
