package export

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
)

const defaultBinary = "commcare-export"

// execCommand builds the subprocess; swapped in tests.
var execCommand = exec.CommandContext

// CommCareInvoker runs the commcare-export tool as a subprocess. The tool
// reads the query workbook, pulls case data over the API, and owns every
// table and column it writes: we never issue DDL ourselves.
type CommCareInvoker struct {
	// Binary is the executable to run. Empty means "commcare-export" on
	// PATH.
	Binary string

	Project  string
	Username string
	APIKey   string

	// WorkDir receives the generated query workbook. Empty means a fresh
	// temp directory per invocation, removed afterwards.
	WorkDir string

	Logger Logger
}

// Logger matches the stdlib log.Logger Printf method.
type Logger interface {
	Printf(format string, v ...any)
}

// Invoke writes the query workbook, runs the export tool once, and scans
// its output for column notices. A non-zero exit surfaces as *ToolError
// with the combined output attached; the caller decides whether that is
// fatal. There is no retry here: the tool manages its own batching and
// resume state.
func (iv *CommCareInvoker) Invoke(ctx context.Context, req Request) (*Result, error) {
	if len(req.Sheets) == 0 {
		return nil, fmt.Errorf("export: nothing to export")
	}
	if req.DatabaseURL == "" {
		return nil, fmt.Errorf("export: database URL is required")
	}

	dir := iv.WorkDir
	if dir == "" {
		tmp, err := os.MkdirTemp("", "casesync-export-")
		if err != nil {
			return nil, fmt.Errorf("export: temp dir: %w", err)
		}
		defer os.RemoveAll(tmp)
		dir = tmp
	}

	wbPath := filepath.Join(dir, "case-export-query.xlsx")
	if err := WriteWorkbook(wbPath, req.Sheets); err != nil {
		return nil, err
	}

	bin := iv.Binary
	if bin == "" {
		bin = defaultBinary
	}
	args := buildArgs(iv.Project, iv.Username, iv.APIKey, wbPath, req)

	iv.logf("stage=export tool=%s sheets=%d query=%s", bin, len(req.Sheets), wbPath)

	cmd := execCommand(ctx, bin, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, &ToolError{ExitCode: exitErr.ExitCode(), Output: string(out)}
		}
		return nil, fmt.Errorf("export: run %s: %w", bin, err)
	}

	res := &Result{
		NewColumns: ScanNewColumns(string(out)),
		Output:     string(out),
	}
	iv.logf("stage=export status=ok new_columns=%d", len(res.NewColumns))
	return res, nil
}

// buildArgs assembles the tool's command line. The fixed arguments come
// first in the order the tool documents, then window and batch options,
// then bare flags.
func buildArgs(project, username, apiKey, queryPath string, req Request) []string {
	args := []string{
		"--output-format", "sql",
		"--output", req.DatabaseURL,
		"--project", project,
		"--query", queryPath,
		"--username", username,
		"--auth-mode", "apikey",
		"--password", apiKey,
	}
	if !req.Window.Since.IsZero() {
		args = append(args, "--since", req.Window.SinceParam())
	}
	if !req.Window.Until.IsZero() {
		args = append(args, "--until", req.Window.UntilParam())
	}
	if req.BatchSize > 0 {
		args = append(args, "--batch-size", strconv.Itoa(req.BatchSize))
	}
	for _, flag := range req.ExtraFlags {
		args = append(args, "--"+flag)
	}
	return args
}

func (iv *CommCareInvoker) logf(format string, v ...any) {
	if iv.Logger != nil {
		iv.Logger.Printf(format, v...)
	}
}
