package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"casesync/internal/appsync"
	"casesync/internal/metrics"
	"casesync/internal/metrics/datadog"

	// register every database inspector with the storage factory.
	// The target engine comes from the db-url scheme at runtime.
	_ "casesync/internal/storage/all"
)

// backendCloser is the minimal interface used by this command to manage a
// metrics backend.
type backendCloser interface {
	metrics.Backend
	Close() error
}

// syncRunner executes one sync run.
type syncRunner interface {
	Run(ctx context.Context) error
}

// deps are external seams for testability.
//
// When to use:
//   - Unit tests: inject a fake runner and backend factory, capture stderr.
//   - Alternate runtimes: swap the metrics backend.
type deps struct {
	Stdout io.Writer
	Stderr io.Writer

	Getenv         func(key string) string
	NewRunner      func(opts appsync.Options, logger appsync.Logger) syncRunner
	BackendFactory func(ctx context.Context, jobName string, tags []string, flushEvery time.Duration) (backendCloser, error)
}

// runConfig holds the parsed flags and derived values for a run.
type runConfig struct {
	Project           string
	Username          string
	APIKey            string
	DatabaseURL       string
	CaseTypesCSV      string
	ExistingStatePath string
	StateDir          string
	Since             time.Time
	Until             time.Time
	ForceDiscovery    bool
	BatchSize         int
	PageSize          int
	MaxRetries        int
	MaxColumnLength   int
	VerifyColumns     bool
	ExportBinary      string

	// Passthrough toggles for the export tool.
	Verbose          bool
	Users            bool
	Locations        bool
	WithOrganization bool
	StartOver        bool

	EnvFile        string
	MetricsBackend string
	DDTagsCSV      string
	FlushEvery     time.Duration
}

// main is intentionally small: it wires real dependencies and exits with a code.
func main() {
	code := run(context.Background(), os.Args[1:], deps{
		Stdout: os.Stdout,
		Stderr: os.Stderr,
		Getenv: os.Getenv,
		NewRunner: func(opts appsync.Options, logger appsync.Logger) syncRunner {
			return appsync.NewDefaultRunner(opts, logger)
		},
		BackendFactory: func(ctx context.Context, jobName string, tags []string, flushEvery time.Duration) (backendCloser, error) {
			return datadog.NewBackend(ctx, datadog.Options{
				JobName:    jobName,
				Tags:       tags,
				FlushEvery: flushEvery,
			})
		},
	})
	os.Exit(code)
}

// run executes the sync command and returns an exit code.
//
// Exit codes:
//   - 0: success (including a clean "nothing to sync" finish).
//   - 1: the run failed: discovery, reconcile, state write, export, or verify.
//   - 2: configuration/initialization error.
func run(ctx context.Context, args []string, d deps) int {
	if d.Stdout == nil {
		d.Stdout = io.Discard
	}
	if d.Stderr == nil {
		d.Stderr = io.Discard
	}
	if d.Getenv == nil {
		d.Getenv = os.Getenv
	}
	if d.NewRunner == nil {
		fmt.Fprintln(d.Stderr, "internal error: NewRunner is nil")
		return 2
	}

	cfg, err := parseFlags(args)
	if err != nil {
		fmt.Fprintln(d.Stderr, err.Error())
		return 2
	}

	// A named env file must exist; the default .env is best effort.
	if cfg.EnvFile != "" {
		if err := godotenv.Load(cfg.EnvFile); err != nil {
			fmt.Fprintf(d.Stderr, "load env file: %v\n", err)
			return 2
		}
	} else {
		_ = godotenv.Load()
	}
	applyEnvDefaults(&cfg, d.Getenv)

	opts := appsync.Options{
		Project:           cfg.Project,
		Username:          cfg.Username,
		APIKey:            cfg.APIKey,
		DatabaseURL:       cfg.DatabaseURL,
		CaseTypes:         splitCSV(cfg.CaseTypesCSV),
		ExistingStatePath: cfg.ExistingStatePath,
		StateDir:          cfg.StateDir,
		Since:             cfg.Since,
		Until:             cfg.Until,
		ForceDiscovery:    cfg.ForceDiscovery,
		BatchSize:         cfg.BatchSize,
		PageSize:          cfg.PageSize,
		MaxRetries:        cfg.MaxRetries,
		ExportBinary:      cfg.ExportBinary,
		ExportFlags:       buildExportFlags(cfg),
		MaxColumnLength:   cfg.MaxColumnLength,
		VerifyColumns:     cfg.VerifyColumns,
	}
	if err := opts.Validate(); err != nil {
		fmt.Fprintln(d.Stderr, err.Error())
		return 2
	}

	logger := log.New(d.Stderr, "", log.LstdFlags)

	switch cfg.MetricsBackend {
	case "datadog":
		if d.BackendFactory == nil {
			fmt.Fprintln(d.Stderr, "internal error: BackendFactory is nil")
			return 2
		}
		tags := append(datadog.ParseTagsCSV(cfg.DDTagsCSV), "project:"+cfg.Project)
		backend, err := d.BackendFactory(ctx, "casesync", tags, cfg.FlushEvery)
		if err != nil {
			fmt.Fprintf(d.Stderr, "datadog backend init failed: %v\n", err)
			return 2
		}
		metrics.SetBackend(backend)
		defer func() {
			if err := backend.Close(); err != nil {
				logger.Printf("metrics: close/flush error: %v", err)
			}
		}()
	case "", "none":
		// metrics disabled; nop backend remains
	default:
		logger.Printf("metrics: unknown backend %q; metrics disabled", cfg.MetricsBackend)
	}

	start := time.Now()
	if err := d.NewRunner(opts, logger).Run(ctx); err != nil {
		fmt.Fprintf(d.Stderr, "sync failed: %v\n", err)
		return 1
	}
	logger.Printf("stage=exit status=ok durS=%d", int64(time.Since(start).Seconds()))
	return 0
}

func parseFlags(args []string) (runConfig, error) {
	fs := flag.NewFlagSet("casesync", flag.ContinueOnError)

	// Capture help/usage text instead of writing to stdout.
	var usageBuf strings.Builder
	fs.SetOutput(&usageBuf)
	fs.Usage = func() {
		fmt.Fprintf(&usageBuf, "Usage of %s:\n", fs.Name())
		fs.PrintDefaults()
	}

	var cfg runConfig
	var sinceStr, untilStr string

	fs.StringVar(&cfg.Project, "project", "", "CommCare project space")
	fs.StringVar(&cfg.Username, "username", "", "CommCare username (or env COMMCARE_USERNAME)")
	fs.StringVar(&cfg.APIKey, "api-key", "", "CommCare API key (or env COMMCARE_API_KEY)")
	fs.StringVar(&cfg.DatabaseURL, "db-url", "", "Target database URL (or env CASESYNC_DB_URL)")
	fs.StringVar(&cfg.CaseTypesCSV, "case-types", "", "Comma-separated case types to sync (default: all discovered)")
	fs.StringVar(&cfg.ExistingStatePath, "existing-app-structure-json", "", "Path to a saved schema state envelope; skips discovery")
	fs.StringVar(&cfg.StateDir, "app-structure-json-save-folder-path", "", "Directory that receives the updated schema state files")
	fs.StringVar(&sinceStr, "since", "", "Sync cases modified on or after this date (YYYY-MM-DD)")
	fs.StringVar(&untilStr, "until", "", "Sync cases modified before this date (YYYY-MM-DD)")
	fs.BoolVar(&cfg.ForceDiscovery, "force-discovery", false, "Run discovery even when an existing state file is given")
	fs.IntVar(&cfg.BatchSize, "batch-size", 0, "Rows per batch for the export tool (0 uses the tool default)")
	fs.IntVar(&cfg.PageSize, "page-size", 0, "Case feed page length during discovery (0 uses the client default)")
	fs.IntVar(&cfg.MaxRetries, "max-retries", 0, "Discovery retries after the first attempt (0 uses the default, negative disables)")
	fs.IntVar(&cfg.MaxColumnLength, "max-column-length", 0, "Target identifier length limit (0 means 63, Postgres)")
	fs.BoolVar(&cfg.VerifyColumns, "verify-columns", false, "After export, report mapped columns missing from the target tables")
	fs.StringVar(&cfg.ExportBinary, "commcare-export-bin", "", "Export tool executable (default: commcare-export on PATH)")

	fs.BoolVar(&cfg.Verbose, "verbose", false, "Pass --verbose to the export tool")
	fs.BoolVar(&cfg.Users, "users", false, "Also export the project's mobile workers")
	fs.BoolVar(&cfg.Locations, "locations", false, "Also export the project's locations")
	fs.BoolVar(&cfg.WithOrganization, "with-organization", false, "Include organization columns in the export")
	fs.BoolVar(&cfg.StartOver, "start-over", false, "Ignore the export tool's saved checkpoint and start from scratch")

	fs.StringVar(&cfg.EnvFile, "env-file", "", "Load environment variables from this file (default: ./.env when present)")
	fs.StringVar(&cfg.MetricsBackend, "metrics-backend", "", "Metrics backend to use (datadog, none; or env METRICS_BACKEND)")
	fs.StringVar(&cfg.DDTagsCSV, "dd-tags", "", "Extra Datadog tags CSV (e.g. env:prod,service:casesync)")
	fs.DurationVar(&cfg.FlushEvery, "metrics-flush", time.Minute, "Datadog flush interval")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return runConfig{}, errors.New(usageBuf.String())
		}
		return runConfig{}, fmt.Errorf("%v\n\n%s", err, usageBuf.String())
	}

	if cfg.BatchSize < 0 {
		return runConfig{}, errors.New("-batch-size must be >= 0")
	}
	if cfg.PageSize < 0 {
		return runConfig{}, errors.New("-page-size must be >= 0")
	}
	if cfg.MaxColumnLength < 0 {
		return runConfig{}, errors.New("-max-column-length must be >= 0")
	}

	var err error
	if cfg.Since, err = parseDate(sinceStr); err != nil {
		return runConfig{}, fmt.Errorf("-since: %v", err)
	}
	if cfg.Until, err = parseDate(untilStr); err != nil {
		return runConfig{}, fmt.Errorf("-until: %v", err)
	}

	return cfg, nil
}

// applyEnvDefaults fills credentials and backend choice from the
// environment when the flags left them empty.
func applyEnvDefaults(cfg *runConfig, getenv func(string) string) {
	if cfg.Username == "" {
		cfg.Username = getenv("COMMCARE_USERNAME")
	}
	if cfg.APIKey == "" {
		cfg.APIKey = getenv("COMMCARE_API_KEY")
	}
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = getenv("CASESYNC_DB_URL")
	}
	if cfg.MetricsBackend == "" {
		cfg.MetricsBackend = getenv("METRICS_BACKEND")
	}
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("want YYYY-MM-DD, got %q", s)
	}
	return t, nil
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// buildExportFlags maps the passthrough toggles onto the export tool's
// flag names, in a fixed order so reruns produce identical invocations.
func buildExportFlags(cfg runConfig) []string {
	var flags []string
	if cfg.Verbose {
		flags = append(flags, "verbose")
	}
	if cfg.Users {
		flags = append(flags, "users")
	}
	if cfg.Locations {
		flags = append(flags, "locations")
	}
	if cfg.WithOrganization {
		flags = append(flags, "with-organization")
	}
	if cfg.StartOver {
		flags = append(flags, "start-over")
	}
	return flags
}
