// Package export drives the external bulk-export tool: it materializes the
// reconciled column mappings into the query workbook the tool consumes,
// shells out to it, and surfaces the new-column notices buried in its log
// output. The tool owns all DDL against the target database; nothing in
// this package creates tables or columns itself.
package export

import (
	"context"
	"fmt"

	"casesync/internal/casedata"
)

// Row is one source-field to target-column pair on a sheet. Source carries
// the export tool's spelling: case properties are prefixed with
// "properties.", system fields are not.
type Row struct {
	Source string
	Target string
}

// Sheet is the mapping for one case type. Title is the normalized name used
// for the worksheet tab (and, by the tool, the target table); CaseType is
// the raw value the tool filters on.
type Sheet struct {
	CaseType string
	Title    string
	Rows     []Row
}

// Request is one bounded export invocation: the full mapping for every case
// type in the run (active and inactive columns both; historical rows still
// reference deprecated columns) plus the time window and passthrough
// options.
type Request struct {
	Sheets      []Sheet
	Window      casedata.Window
	DatabaseURL string
	// BatchSize is handed to the tool untouched; zero means let the tool
	// pick its own default.
	BatchSize int
	// ExtraFlags are valueless tool flags, without the leading dashes.
	ExtraFlags []string
}

// ColumnNotice is one "new column" event reported by the tool.
type ColumnNotice struct {
	Table  string
	Column string
}

// Result is what a successful invocation yields. Output is the tool's raw
// combined stdout/stderr for the caller's logs.
type Result struct {
	NewColumns []ColumnNotice
	Output     string
}

// Invoker runs one export. Implementations must treat a request as a single
// bounded operation: no internal retry of a failed export.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (*Result, error)
}

// ToolError means the external export invocation failed or exited non-zero.
// Output carries the tool's raw combined output for the logs.
type ToolError struct {
	ExitCode int
	Output   string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("export: tool exited with code %d", e.ExitCode)
}
