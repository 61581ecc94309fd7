package appsync

import (
	"time"

	"casesync/internal/casedata"
)

// RunPlan is the scheduling decision for one run.
type RunPlan struct {
	// RunDiscovery reports whether the case feed is paged for property
	// names this run, or the cached schema state is reused unchanged.
	RunDiscovery bool

	// Window bounds both discovery and export.
	Window casedata.Window
}

// Plan decides whether a run needs property discovery. With no cached
// state there is nothing to reuse, so discovery always runs; with cached
// state, discovery runs only when forced. The window is whatever bounds
// the caller supplied, unbounded when both are zero.
//
// This is the policy that lets operators run an expensive full-discovery
// pass weekly and cheap incremental passes daily: the daily run points at
// last week's state file with a short --since window.
func Plan(existingStatePath string, since, until time.Time, forceDiscovery bool) RunPlan {
	return RunPlan{
		RunDiscovery: existingStatePath == "" || forceDiscovery,
		Window:       casedata.Window{Since: since, Until: until},
	}
}
