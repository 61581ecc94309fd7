package appsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"casesync/internal/casedata"
	"casesync/internal/export"
	"casesync/internal/metrics"
	"casesync/internal/schema"
	"casesync/internal/statestore"
	"casesync/internal/storage"
)

// discoverConcurrency caps the case types discovered in parallel when a
// subset was requested. Parallel discovery is safe: collision suffixes
// depend only on observation order within a single case type.
const discoverConcurrency = 4

// Logger is the minimal logging interface the runner needs. *log.Logger
// satisfies it.
type Logger interface {
	Printf(format string, v ...any)
}

// Discoverer pages the case feed for property names. *casedata.Client is
// the production implementation; tests inject a fake.
type Discoverer interface {
	DiscoverProperties(ctx context.Context, caseType string, win casedata.Window) ([]string, error)
	DiscoverAll(ctx context.Context, win casedata.Window) (map[string][]string, []string, error)
}

// Runner executes one sync run end to end. Collaborators are exported
// fields so tests can substitute fakes; NewDefaultRunner wires the
// production set.
type Runner struct {
	Opts Options

	Discoverer Discoverer
	Invoker    export.Invoker
	Store      *statestore.Store

	// OpenInspector opens the handle used for post-export column
	// verification. Nil disables verification even when
	// Opts.VerifyColumns is set.
	OpenInspector func(ctx context.Context, dbURL string) (storage.Inspector, error)

	Logger Logger
	Now    func() time.Time
}

// NewDefaultRunner returns a Runner wired with the production
// collaborators: the HTTP case feed client, the external export tool, and
// the JSON state store.
func NewDefaultRunner(opts Options, logger Logger) *Runner {
	return &Runner{
		Opts: opts,
		Discoverer: &casedata.Client{
			Project:    opts.Project,
			Username:   opts.Username,
			APIKey:     opts.APIKey,
			PageSize:   opts.PageSize,
			MaxRetries: opts.MaxRetries,
			Logger:     logger,
		},
		Invoker: &export.CommCareInvoker{
			Binary:   opts.ExportBinary,
			Project:  opts.Project,
			Username: opts.Username,
			APIKey:   opts.APIKey,
			Logger:   logger,
		},
		Store:         &statestore.Store{},
		OpenInspector: storage.Open,
		Logger:        logger,
		Now:           time.Now,
	}
}

func (r *Runner) logf() func(format string, v ...any) {
	if r.Logger == nil {
		return log.New(io.Discard, "", 0).Printf
	}
	return r.Logger.Printf
}

func (r *Runner) now() time.Time {
	if r.Now == nil {
		return time.Now()
	}
	return r.Now()
}

// Run executes the full sync: plan, discover, reconcile, persist state,
// export, verify. Every failure is fatal to the run and its error names
// the stage it came from; the only retries are the transient ones inside
// the case feed client. The reconciled state is persisted before the
// export starts, so a failed export never loses column assignments.
func (r *Runner) Run(ctx context.Context) (err error) {
	if err := r.Opts.Validate(); err != nil {
		return err
	}
	logf := r.logf()

	defer func() {
		status := "ok"
		if err != nil {
			status = "error"
		}
		metrics.IncCounter("sync_runs_total", 1, metrics.Labels{"status": status})
	}()

	runID := uuid.NewString()
	plan := Plan(r.Opts.ExistingStatePath, r.Opts.Since, r.Opts.Until, r.Opts.ForceDiscovery)
	logf("stage=start run_id=%s project=%s discovery=%t window=%s",
		runID, r.Opts.Project, plan.RunDiscovery, describeWindow(plan.Window))

	env := &statestore.Envelope{Project: r.Opts.Project}
	if r.Opts.ExistingStatePath != "" {
		loaded, lerr := r.Store.Load(r.Opts.ExistingStatePath)
		if lerr != nil {
			// An unreadable cache is fatal. Falling back to discovery
			// here could assign fresh columns that collide with the
			// ones already in the target tables.
			return fmt.Errorf("load schema cache: %w", lerr)
		}
		env = loaded
		logf("stage=cache path=%s case_types=%d", r.Opts.ExistingStatePath, len(env.CaseTypes))
	}

	var toSync []string
	if plan.RunDiscovery {
		toSync, err = r.discoverAndReconcile(ctx, env, plan.Window, logf)
		if err != nil {
			return err
		}
	} else {
		toSync = r.cachedCaseTypes(env, logf)
	}
	if len(toSync) == 0 {
		logf("stage=done status=ok run_id=%s note=no case types to sync", runID)
		return nil
	}

	sheets := BuildSheets(env, toSync, logf)

	exportStart := time.Now()
	res, err := r.Invoker.Invoke(ctx, export.Request{
		Sheets:      sheets,
		Window:      plan.Window,
		DatabaseURL: r.Opts.DatabaseURL,
		BatchSize:   r.Opts.BatchSize,
		ExtraFlags:  r.Opts.ExportFlags,
	})
	metrics.RecordStage("export", err, time.Since(exportStart))
	if err != nil {
		var toolErr *export.ToolError
		if errors.As(err, &toolErr) && toolErr.Output != "" {
			logf("stage=export status=error tool_output=%q", toolErr.Output)
		}
		return fmt.Errorf("export: %w", err)
	}
	for _, n := range res.NewColumns {
		logf("stage=export new_column table=%s column=%s", n.Table, n.Column)
	}

	if r.Opts.VerifyColumns && r.OpenInspector != nil {
		verifyStart := time.Now()
		verr := r.verify(ctx, env, sheets, logf)
		metrics.RecordStage("verify", verr, time.Since(verifyStart))
		if verr != nil {
			return fmt.Errorf("verify: %w", verr)
		}
	}

	logf("stage=done status=ok run_id=%s case_types=%d new_columns=%d",
		runID, len(sheets), len(res.NewColumns))
	return nil
}

// discoverAndReconcile pages the feed for the requested window, merges
// what it saw into the envelope, and persists the result. The returned
// slice is the case types to export; empty means the run has nothing to
// do and should finish cleanly.
func (r *Runner) discoverAndReconcile(ctx context.Context, env *statestore.Envelope, win casedata.Window, logf func(string, ...any)) ([]string, error) {
	start := time.Now()
	observed, discovered, err := r.discover(ctx, win)
	metrics.RecordStage("discovery", err, time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("discovery: %w", err)
	}

	var toSync []string
	if len(r.Opts.CaseTypes) > 0 {
		requested := dedupe(r.Opts.CaseTypes)
		var unfound []string
		for _, ct := range requested {
			// A requested type with no observed cases is still syncable
			// when a previous run recorded mappings for it.
			if len(observed[ct]) == 0 && env.Get(ct) == nil {
				unfound = append(unfound, ct)
				continue
			}
			toSync = append(toSync, ct)
		}
		if len(unfound) == len(requested) {
			logf("stage=discovery note=no requested case type was found requested=%s", strings.Join(unfound, ","))
			return nil, nil
		}
		if len(unfound) > 0 {
			logf("stage=discovery unfound_case_types=%s note=continuing with the rest", strings.Join(unfound, ","))
		}
	} else {
		// Case types recorded in earlier runs but absent from this
		// window still reconcile: their mappings deactivate but their
		// tables keep receiving the full historical column set.
		toSync = discovered
		inWindow := make(map[string]bool, len(discovered))
		for _, ct := range discovered {
			inWindow[ct] = true
		}
		for _, ct := range env.Names() {
			if !inWindow[ct] {
				toSync = append(toSync, ct)
			}
		}
	}

	rec := schema.Reconciler{MaxColumnLength: r.Opts.MaxColumnLength, Now: r.Now}
	reconcileStart := time.Now()
	for _, ct := range toSync {
		existing := schema.State{CaseType: ct}
		if st := env.Get(ct); st != nil {
			existing = *st
		}
		updated, added, rerr := rec.Reconcile(existing, observed[ct])
		if rerr != nil {
			metrics.RecordStage("reconcile", rerr, time.Since(reconcileStart))
			return nil, fmt.Errorf("reconcile case_type=%s: %w", ct, rerr)
		}
		if len(added) > 0 {
			logf("stage=reconcile case_type=%s new_properties=%d added=%s",
				ct, len(added), strings.Join(added, ","))
			metrics.IncCounter("sync_new_columns_total", float64(len(added)), metrics.Labels{"case_type": ct})
		} else {
			logf("stage=reconcile case_type=%s new_properties=0 active=%d", ct, updated.ActiveCount())
		}
		env.Put(updated)
	}
	metrics.RecordStage("reconcile", nil, time.Since(reconcileStart))
	env.AsOf = r.now()

	if r.Opts.StateDir != "" {
		paths, serr := r.Store.Save(r.Opts.StateDir, env)
		if serr != nil {
			return nil, fmt.Errorf("save schema state: %w", serr)
		}
		logf("stage=state saved=%d dir=%s", len(paths), r.Opts.StateDir)
	} else {
		logf("stage=state saved=0 note=no save folder configured")
	}
	return toSync, nil
}

// discover fetches observed property names per case type. With no subset
// configured it takes the grouped full-window walk; otherwise each
// requested type is paged independently, a few at a time.
func (r *Runner) discover(ctx context.Context, win casedata.Window) (map[string][]string, []string, error) {
	if len(r.Opts.CaseTypes) == 0 {
		return r.Discoverer.DiscoverAll(ctx, win)
	}

	requested := dedupe(r.Opts.CaseTypes)
	results := make([][]string, len(requested))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(discoverConcurrency)
	for i, ct := range requested {
		g.Go(func() error {
			props, err := r.Discoverer.DiscoverProperties(gctx, ct, win)
			if err != nil {
				return fmt.Errorf("case_type=%s: %w", ct, err)
			}
			results[i] = props
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	observed := make(map[string][]string, len(requested))
	for i, ct := range requested {
		observed[ct] = results[i]
	}
	return observed, requested, nil
}

// cachedCaseTypes resolves which case types to export when discovery was
// skipped and the cached mapping is reused unchanged.
func (r *Runner) cachedCaseTypes(env *statestore.Envelope, logf func(string, ...any)) []string {
	available := env.Names()
	if len(r.Opts.CaseTypes) == 0 {
		return available
	}

	have := make(map[string]bool, len(available))
	for _, ct := range available {
		have[ct] = true
	}
	requested := dedupe(r.Opts.CaseTypes)
	var toSync, unfound []string
	for _, ct := range requested {
		if have[ct] {
			toSync = append(toSync, ct)
		} else {
			unfound = append(unfound, ct)
		}
	}
	if len(unfound) == len(requested) {
		logf("stage=cache note=no requested case type is in the cached state requested=%s", strings.Join(unfound, ","))
		return nil
	}
	if len(unfound) > 0 {
		logf("stage=cache unfound_case_types=%s note=continuing with the rest", strings.Join(unfound, ","))
	}
	return toSync
}

// BuildSheets turns envelope state into export sheets, one per case type
// in toSync order. Every mapping is included, active or not; rows whose
// source or target would collide with one of the standard case fields are
// dropped with a warning rather than produce a sheet the tool rejects.
func BuildSheets(env *statestore.Envelope, toSync []string, logf func(string, ...any)) []export.Sheet {
	sheets := make([]export.Sheet, 0, len(toSync))
	for _, ct := range toSync {
		rows := export.DefaultCaseFieldRows()
		takenSource := make(map[string]bool, len(rows))
		takenTarget := make(map[string]bool, len(rows))
		for _, row := range rows {
			takenSource[row.Source] = true
			takenTarget[row.Target] = true
		}

		if st := env.Get(ct); st != nil {
			for _, m := range st.Columns {
				src := "properties." + m.SourceProperty
				if takenSource[src] || takenTarget[m.TargetColumn] {
					logf("stage=sheets case_type=%s skip_property=%s target=%s note=collides with a standard case field",
						ct, m.SourceProperty, m.TargetColumn)
					continue
				}
				takenSource[src] = true
				takenTarget[m.TargetColumn] = true
				rows = append(rows, export.Row{Source: src, Target: m.TargetColumn})
			}
		}

		sheets = append(sheets, export.Sheet{
			CaseType: ct,
			Title:    schema.Fit(schema.Normalize(ct), 31),
			Rows:     rows,
		})
		logf("stage=sheets case_type=%s rows=%d", ct, len(rows))
	}
	return sheets
}

// verify compares each sheet's active target columns against the table
// the export tool wrote. Missing columns are logged, not fatal: the tool
// skips creating a column when every value in the batch was empty, so a
// gap here usually means sparse data rather than a broken export.
func (r *Runner) verify(ctx context.Context, env *statestore.Envelope, sheets []export.Sheet, logf func(string, ...any)) error {
	insp, err := r.OpenInspector(ctx, r.Opts.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open inspector: %w", err)
	}
	defer insp.Close()

	for _, sh := range sheets {
		cols, err := insp.TableColumns(ctx, sh.Title)
		if err != nil {
			return fmt.Errorf("table=%s: %w", sh.Title, err)
		}
		if len(cols) == 0 {
			logf("stage=verify table=%s status=missing note=no rows exported yet", sh.Title)
			continue
		}

		have := make(map[string]bool, len(cols))
		for _, c := range cols {
			have[c] = true
		}
		var missing []string
		if st := env.Get(sh.CaseType); st != nil {
			for _, target := range st.ActiveTargets() {
				if !have[target] {
					missing = append(missing, target)
				}
			}
		}
		if len(missing) > 0 {
			logf("stage=verify table=%s missing_columns=%s note=the export tool omits columns whose values were all empty",
				sh.Title, strings.Join(missing, ","))
		} else {
			logf("stage=verify table=%s status=ok columns=%d", sh.Title, len(cols))
		}
	}
	return nil
}

// dedupe trims and deduplicates, preserving first-occurrence order.
func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func describeWindow(w casedata.Window) string {
	if w.IsZero() {
		return "all"
	}
	since, until := "*", "*"
	if !w.Since.IsZero() {
		since = w.SinceParam()
	}
	if !w.Until.IsZero() {
		until = w.UntilParam()
	}
	return since + ".." + until
}
