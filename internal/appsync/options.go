// Package appsync orchestrates one sync run: decide whether discovery is
// needed, page the case feed for property names, reconcile them into the
// persisted schema state, and drive the export tool with the resulting
// mapping.
package appsync

import (
	"fmt"
	"time"
)

// Options is the full configuration for a run. Everything a run needs
// arrives here; no component reads environment variables or other
// process-wide state.
type Options struct {
	Project  string
	Username string
	APIKey   string

	// DatabaseURL is the export target, handed to the tool untouched.
	DatabaseURL string

	// CaseTypes restricts the run to a subset. Empty means every case
	// type found in discovery (or in the cached state).
	CaseTypes []string

	// ExistingStatePath, when set, is the schema state envelope from an
	// earlier run. An unreadable file here is fatal: a typo'd cache path
	// must not silently turn into an expensive full re-discovery.
	ExistingStatePath string

	// StateDir receives the updated state files after discovery. Empty
	// means the updated state is not persisted.
	StateDir string

	// Since and Until bound the discovery and export window. Zero values
	// mean unbounded.
	Since time.Time
	Until time.Time

	// ForceDiscovery runs discovery even when ExistingStatePath is set.
	ForceDiscovery bool

	// BatchSize is passed through to the export tool; zero lets the tool
	// pick its default.
	BatchSize int

	// PageSize is the case feed page length during discovery; zero uses
	// the client default.
	PageSize int

	// MaxRetries bounds discovery retries after the first attempt. Zero
	// uses the client default; negative disables retries.
	MaxRetries int

	// ExportBinary overrides the export tool executable; empty means
	// commcare-export on PATH.
	ExportBinary string

	// ExportFlags are valueless passthrough flags for the export tool
	// (verbose, users, locations, with-organization, start-over).
	ExportFlags []string

	// MaxColumnLength is the target database's identifier length limit.
	// Zero means 63.
	MaxColumnLength int

	// VerifyColumns re-opens the target database after export and reports
	// mapped columns the tool did not create.
	VerifyColumns bool
}

func (o Options) Validate() error {
	if o.Project == "" {
		return fmt.Errorf("appsync: project is required")
	}
	if o.Username == "" {
		return fmt.Errorf("appsync: username is required")
	}
	if o.APIKey == "" {
		return fmt.Errorf("appsync: api key is required")
	}
	if o.DatabaseURL == "" {
		return fmt.Errorf("appsync: database url is required")
	}
	if !o.Since.IsZero() && !o.Until.IsZero() && o.Until.Before(o.Since) {
		return fmt.Errorf("appsync: until %s precedes since %s",
			o.Until.Format("2006-01-02"), o.Since.Format("2006-01-02"))
	}
	return nil
}
