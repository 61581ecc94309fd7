// Command genquery materializes a saved schema state envelope into the
// query workbook the export tool consumes, without running a sync. Useful
// for inspecting exactly what a run would hand the tool, or for driving
// the tool by hand.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"casesync/internal/appsync"
	"casesync/internal/export"
	"casesync/internal/statestore"
)

type deps struct {
	Stdout io.Writer
	Stderr io.Writer
}

type runConfig struct {
	StatePath    string
	CaseTypesCSV string
	Output       string
}

func main() {
	os.Exit(run(os.Args[1:], deps{Stdout: os.Stdout, Stderr: os.Stderr}))
}

// run executes the generator and returns an exit code.
//
// Exit codes:
//   - 0: workbook written.
//   - 1: workbook generation failed.
//   - 2: configuration error, including an unreadable state file.
func run(args []string, d deps) int {
	if d.Stdout == nil {
		d.Stdout = io.Discard
	}
	if d.Stderr == nil {
		d.Stderr = io.Discard
	}

	cfg, err := parseFlags(args)
	if err != nil {
		fmt.Fprintln(d.Stderr, err.Error())
		return 2
	}

	env, err := (&statestore.Store{}).Load(cfg.StatePath)
	if err != nil {
		fmt.Fprintf(d.Stderr, "load schema state: %v\n", err)
		return 2
	}

	caseTypes := env.Names()
	if cfg.CaseTypesCSV != "" {
		requested := splitCSV(cfg.CaseTypesCSV)
		var unknown []string
		for _, ct := range requested {
			if env.Get(ct) == nil {
				unknown = append(unknown, ct)
			}
		}
		if len(unknown) > 0 {
			fmt.Fprintf(d.Stderr, "case types not in %s: %s\n", cfg.StatePath, strings.Join(unknown, ", "))
			return 2
		}
		caseTypes = requested
	}
	if len(caseTypes) == 0 {
		fmt.Fprintf(d.Stderr, "state file %s holds no case types\n", cfg.StatePath)
		return 2
	}

	logger := log.New(d.Stderr, "", log.LstdFlags)
	sheets := appsync.BuildSheets(env, caseTypes, logger.Printf)
	if err := export.WriteWorkbook(cfg.Output, sheets); err != nil {
		fmt.Fprintf(d.Stderr, "write workbook: %v\n", err)
		return 1
	}

	logger.Printf("stage=done sheets=%d output=%s", len(sheets), cfg.Output)
	return 0
}

func parseFlags(args []string) (runConfig, error) {
	fs := flag.NewFlagSet("genquery", flag.ContinueOnError)

	var usageBuf strings.Builder
	fs.SetOutput(&usageBuf)
	fs.Usage = func() {
		fmt.Fprintf(&usageBuf, "Usage of %s:\n", fs.Name())
		fs.PrintDefaults()
	}

	var cfg runConfig
	fs.StringVar(&cfg.StatePath, "state", "", "Path to a saved schema state envelope (app_structure_latest.json)")
	fs.StringVar(&cfg.CaseTypesCSV, "case-types", "", "Comma-separated case types to include (default: all in the state file)")
	fs.StringVar(&cfg.Output, "output", "case-export-query.xlsx", "Workbook path to write")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return runConfig{}, errors.New(usageBuf.String())
		}
		return runConfig{}, fmt.Errorf("%v\n\n%s", err, usageBuf.String())
	}

	if cfg.StatePath == "" {
		return runConfig{}, errors.New("missing required -state <envelope.json>")
	}
	if cfg.Output == "" {
		return runConfig{}, errors.New("-output must not be empty")
	}
	return cfg, nil
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
