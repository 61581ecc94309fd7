// Package statestore persists schema state between runs: a project-level
// envelope JSON that later runs read back, plus one audit file per case
// type. Files are written atomically (temp file + rename) and only at the
// end of a successful run, so a reader never sees a half-written state.
package statestore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"casesync/internal/schema"
)

const latestFileName = "app_structure_latest.json"

// CacheError means an explicitly supplied state file could not be read or
// parsed. Callers treat this as fatal rather than falling back to full
// discovery; a typo'd cache path should not silently turn a cheap
// incremental run into an expensive full one.
type CacheError struct {
	Path string
	Err  error
}

func (e *CacheError) Error() string {
	return fmt.Sprintf("statestore: read %s: %v", e.Path, e.Err)
}

func (e *CacheError) Unwrap() error { return e.Err }

// Envelope is the project-level state file: every case type's schema state,
// kept sorted by case type so saved files diff cleanly across runs.
type Envelope struct {
	Project   string         `json:"project"`
	AsOf      time.Time      `json:"as_of"`
	CaseTypes []schema.State `json:"case_types"`
}

// Get returns the state for a case type, or nil.
func (e *Envelope) Get(caseType string) *schema.State {
	for i := range e.CaseTypes {
		if e.CaseTypes[i].CaseType == caseType {
			return &e.CaseTypes[i]
		}
	}
	return nil
}

// Put inserts or replaces the state for st.CaseType, keeping the slice
// sorted by case type.
func (e *Envelope) Put(st schema.State) {
	for i := range e.CaseTypes {
		if e.CaseTypes[i].CaseType == st.CaseType {
			e.CaseTypes[i] = st
			return
		}
	}
	e.CaseTypes = append(e.CaseTypes, st)
	sort.Slice(e.CaseTypes, func(i, j int) bool {
		return e.CaseTypes[i].CaseType < e.CaseTypes[j].CaseType
	})
}

// Names returns the case types present in the envelope, in sorted order.
func (e *Envelope) Names() []string {
	out := make([]string, len(e.CaseTypes))
	for i := range e.CaseTypes {
		out[i] = e.CaseTypes[i].CaseType
	}
	return out
}

// Store reads and writes state files. Now is a seam for the dated file
// names; nil means time.Now.
type Store struct {
	Now func() time.Time
}

// Load reads an envelope from path. Any failure, including malformed JSON,
// is reported as a *CacheError.
func (s *Store) Load(path string) (*Envelope, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &CacheError{Path: path, Err: err}
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &CacheError{Path: path, Err: err}
	}
	return &env, nil
}

// Save writes the envelope twice over into dir, once with a date-stamped
// name and once as app_structure_latest.json, plus one
// <case_type>-schema-state.json audit file per case type. It returns the
// paths written. Each file is written to a temp name in the same directory
// and renamed into place.
func (s *Store) Save(dir string, env *Envelope) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("statestore: create %s: %w", dir, err)
	}

	now := time.Now()
	if s.Now != nil {
		now = s.Now()
	}

	var written []string
	dated := fmt.Sprintf("app_structure_%s.json", now.Format("01_02_2006_15-04"))
	for _, name := range []string{dated, latestFileName} {
		p := filepath.Join(dir, name)
		if err := writeJSON(p, env); err != nil {
			return written, err
		}
		written = append(written, p)
	}

	for i := range env.CaseTypes {
		st := &env.CaseTypes[i]
		p := filepath.Join(dir, StateFileName(st.CaseType))
		if err := writeJSON(p, st); err != nil {
			return written, err
		}
		written = append(written, p)
	}
	return written, nil
}

// StateFileName is the per-case-type audit file name. The case type is
// normalized so a raw name can never smuggle in a path separator.
func StateFileName(caseType string) string {
	return schema.Normalize(caseType) + "-schema-state.json"
}

func writeJSON(path string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("statestore: marshal %s: %w", path, err)
	}
	raw = append(raw, '\n')

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".state-*")
	if err != nil {
		return fmt.Errorf("statestore: temp file for %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("statestore: write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("statestore: close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("statestore: rename into %s: %w", path, err)
	}
	return nil
}
