package appsync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"casesync/internal/casedata"
	"casesync/internal/export"
	"casesync/internal/schema"
	"casesync/internal/statestore"
	"casesync/internal/storage"
)

type fakeLogger struct {
	mu   sync.Mutex
	msgs []string
}

func (l *fakeLogger) Printf(format string, v ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.msgs = append(l.msgs, fmt.Sprintf(format, v...))
}

func (l *fakeLogger) contains(sub string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, m := range l.msgs {
		if strings.Contains(m, sub) {
			return true
		}
	}
	return false
}

// fakeDiscoverer serves canned property sets. DiscoverProperties is called
// from errgroup goroutines, so call recording takes the mutex.
type fakeDiscoverer struct {
	mu        sync.Mutex
	props     map[string][]string
	order     []string
	perType   map[string]error
	allErr    error
	allCalls  int
	typeCalls []string
}

func (d *fakeDiscoverer) DiscoverProperties(ctx context.Context, caseType string, win casedata.Window) ([]string, error) {
	d.mu.Lock()
	d.typeCalls = append(d.typeCalls, caseType)
	d.mu.Unlock()
	if err := d.perType[caseType]; err != nil {
		return nil, err
	}
	return d.props[caseType], nil
}

func (d *fakeDiscoverer) DiscoverAll(ctx context.Context, win casedata.Window) (map[string][]string, []string, error) {
	d.mu.Lock()
	d.allCalls++
	d.mu.Unlock()
	if d.allErr != nil {
		return nil, nil, d.allErr
	}
	return d.props, d.order, nil
}

type fakeInvoker struct {
	req   export.Request
	res   *export.Result
	err   error
	calls atomic.Int64
}

func (i *fakeInvoker) Invoke(ctx context.Context, req export.Request) (*export.Result, error) {
	i.calls.Add(1)
	i.req = req
	if i.err != nil {
		return nil, i.err
	}
	if i.res != nil {
		return i.res, nil
	}
	return &export.Result{}, nil
}

type fakeInspector struct {
	cols   map[string][]string
	err    error
	closed atomic.Int64
}

func (f *fakeInspector) TableColumns(ctx context.Context, table string) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.cols[table], nil
}

func (f *fakeInspector) Close() { f.closed.Add(1) }

func testOptions() Options {
	return Options{
		Project:     "demo",
		Username:    "ops@example.org",
		APIKey:      "key123",
		DatabaseURL: "postgresql://u:p@localhost/cases",
	}
}

func testRunner(opts Options, d *fakeDiscoverer, inv *fakeInvoker, log *fakeLogger) *Runner {
	return &Runner{
		Opts:       opts,
		Discoverer: d,
		Invoker:    inv,
		Store:      &statestore.Store{},
		Logger:     log,
		Now:        func() time.Time { return time.Date(2025, 3, 7, 12, 0, 0, 0, time.UTC) },
	}
}

// TestRunner_Run_ValidationFailure verifies that invalid options stop the
// run before any collaborator is touched.
func TestRunner_Run_ValidationFailure(t *testing.T) {
	t.Parallel()

	d := &fakeDiscoverer{}
	inv := &fakeInvoker{}
	r := testRunner(Options{}, d, inv, &fakeLogger{})

	if err := r.Run(context.Background()); err == nil {
		t.Fatalf("Run() err=nil, want error")
	}
	if d.allCalls != 0 || len(d.typeCalls) != 0 {
		t.Fatalf("discoverer calls=%d/%d, want 0", d.allCalls, len(d.typeCalls))
	}
	if inv.calls.Load() != 0 {
		t.Fatalf("invoker calls=%d, want 0", inv.calls.Load())
	}
}

// TestRunner_Run_FullDiscoveryFlow verifies the first-run path: discover
// every case type, persist the reconciled state, then export with one
// sheet per type carrying the standard fields plus the discovered ones.
func TestRunner_Run_FullDiscoveryFlow(t *testing.T) {
	t.Parallel()

	opts := testOptions()
	opts.StateDir = t.TempDir()

	d := &fakeDiscoverer{
		props: map[string][]string{
			"patient":      {"age", "dob"},
			"Contact Case": {"phone"},
		},
		order: []string{"patient", "Contact Case"},
	}
	inv := &fakeInvoker{res: &export.Result{
		NewColumns: []export.ColumnNotice{{Table: "patient", Column: "age"}},
	}}
	log := &fakeLogger{}

	r := testRunner(opts, d, inv, log)
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run() err=%v, want nil", err)
	}

	if d.allCalls != 1 {
		t.Fatalf("DiscoverAll calls=%d, want 1", d.allCalls)
	}
	if inv.calls.Load() != 1 {
		t.Fatalf("invoker calls=%d, want 1", inv.calls.Load())
	}
	if inv.req.DatabaseURL != opts.DatabaseURL {
		t.Fatalf("request db url=%q, want %q", inv.req.DatabaseURL, opts.DatabaseURL)
	}

	sheets := inv.req.Sheets
	if len(sheets) != 2 {
		t.Fatalf("sheets=%d, want 2", len(sheets))
	}
	if sheets[0].CaseType != "patient" || sheets[1].CaseType != "Contact Case" {
		t.Fatalf("sheet order=%s,%s, want patient,Contact Case", sheets[0].CaseType, sheets[1].CaseType)
	}
	if sheets[1].Title != "contact_case" {
		t.Fatalf("sheet title=%q, want contact_case", sheets[1].Title)
	}

	defaults := len(export.DefaultCaseFieldRows())
	if got := len(sheets[0].Rows); got != defaults+2 {
		t.Fatalf("patient rows=%d, want %d", got, defaults+2)
	}
	wantTail := []export.Row{
		{Source: "properties.age", Target: "age"},
		{Source: "properties.dob", Target: "dob"},
	}
	if got := sheets[0].Rows[defaults:]; !reflect.DeepEqual(got, wantTail) {
		t.Fatalf("patient mapped rows=%v, want %v", got, wantTail)
	}

	for _, name := range []string{
		"app_structure_latest.json",
		"patient-schema-state.json",
		"contact_case-schema-state.json",
	} {
		if _, err := os.Stat(filepath.Join(opts.StateDir, name)); err != nil {
			t.Fatalf("state file %s: %v", name, err)
		}
	}

	if !log.contains("new_column table=patient column=age") {
		t.Fatalf("log msgs=%v, want new_column notice", log.msgs)
	}
	if !log.contains("stage=done status=ok") {
		t.Fatalf("log msgs=%v, want stage=done", log.msgs)
	}
}

// TestRunner_Run_SubsetSkipsUnfound verifies that a requested type with no
// cases and no prior state is dropped with a warning while the rest of the
// run continues.
func TestRunner_Run_SubsetSkipsUnfound(t *testing.T) {
	t.Parallel()

	opts := testOptions()
	opts.CaseTypes = []string{"patient", "ghost"}

	d := &fakeDiscoverer{props: map[string][]string{"patient": {"age"}}}
	inv := &fakeInvoker{}
	log := &fakeLogger{}

	r := testRunner(opts, d, inv, log)
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run() err=%v, want nil", err)
	}

	if len(d.typeCalls) != 2 {
		t.Fatalf("DiscoverProperties calls=%d, want 2", len(d.typeCalls))
	}
	if inv.calls.Load() != 1 {
		t.Fatalf("invoker calls=%d, want 1", inv.calls.Load())
	}
	if len(inv.req.Sheets) != 1 || inv.req.Sheets[0].CaseType != "patient" {
		t.Fatalf("sheets=%+v, want only patient", inv.req.Sheets)
	}
	if !log.contains("unfound_case_types=ghost") {
		t.Fatalf("log msgs=%v, want unfound warning", log.msgs)
	}
}

// TestRunner_Run_AllRequestedUnfound verifies the clean no-op finish when
// nothing requested exists anywhere.
func TestRunner_Run_AllRequestedUnfound(t *testing.T) {
	t.Parallel()

	opts := testOptions()
	opts.CaseTypes = []string{"ghost"}

	d := &fakeDiscoverer{}
	inv := &fakeInvoker{}
	log := &fakeLogger{}

	r := testRunner(opts, d, inv, log)
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run() err=%v, want nil", err)
	}
	if inv.calls.Load() != 0 {
		t.Fatalf("invoker calls=%d, want 0", inv.calls.Load())
	}
	if !log.contains("no requested case type was found") {
		t.Fatalf("log msgs=%v, want none-found note", log.msgs)
	}
}

// TestRunner_Run_DiscoveryErrorIsFatal verifies that a failed page walk
// aborts the run before any export.
func TestRunner_Run_DiscoveryErrorIsFatal(t *testing.T) {
	t.Parallel()

	opts := testOptions()
	opts.CaseTypes = []string{"patient"}

	boom := errors.New("boom")
	d := &fakeDiscoverer{perType: map[string]error{"patient": boom}}
	inv := &fakeInvoker{}

	r := testRunner(opts, d, inv, &fakeLogger{})
	err := r.Run(context.Background())
	if err == nil {
		t.Fatalf("Run() err=nil, want error")
	}
	if !errors.Is(err, boom) {
		t.Fatalf("Run() err=%v, want wrapped %v", err, boom)
	}
	if !strings.Contains(err.Error(), "discovery:") || !strings.Contains(err.Error(), "case_type=patient") {
		t.Fatalf("Run() err=%q, want discovery stage and case type named", err)
	}
	if inv.calls.Load() != 0 {
		t.Fatalf("invoker calls=%d, want 0", inv.calls.Load())
	}
}

// TestRunner_Run_CacheErrorIsFatal verifies that an unreadable state path
// fails the run instead of silently re-running discovery.
func TestRunner_Run_CacheErrorIsFatal(t *testing.T) {
	t.Parallel()

	opts := testOptions()
	opts.ExistingStatePath = filepath.Join(t.TempDir(), "missing.json")

	d := &fakeDiscoverer{props: map[string][]string{"patient": {"age"}}, order: []string{"patient"}}
	inv := &fakeInvoker{}

	r := testRunner(opts, d, inv, &fakeLogger{})
	err := r.Run(context.Background())
	if err == nil {
		t.Fatalf("Run() err=nil, want error")
	}
	var ce *statestore.CacheError
	if !errors.As(err, &ce) {
		t.Fatalf("Run() err=%v, want *statestore.CacheError", err)
	}
	if d.allCalls != 0 || inv.calls.Load() != 0 {
		t.Fatalf("collaborators ran after cache failure: discover=%d invoke=%d", d.allCalls, inv.calls.Load())
	}
}

// TestRunner_Run_CachedStateSkipsDiscovery verifies the incremental path:
// a readable cache means no feed walk, and inactive mappings still make it
// onto the sheet.
func TestRunner_Run_CachedStateSkipsDiscovery(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	env := &statestore.Envelope{Project: "demo"}
	env.Put(schema.State{CaseType: "patient", Columns: []schema.ColumnMapping{
		{SourceProperty: "age", TargetColumn: "age", Active: true},
		{SourceProperty: "old_field", TargetColumn: "old_field", Active: false},
	}})
	store := &statestore.Store{}
	if _, err := store.Save(dir, env); err != nil {
		t.Fatalf("Save() err=%v", err)
	}

	opts := testOptions()
	opts.ExistingStatePath = filepath.Join(dir, "app_structure_latest.json")

	d := &fakeDiscoverer{}
	inv := &fakeInvoker{}
	log := &fakeLogger{}

	r := testRunner(opts, d, inv, log)
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run() err=%v, want nil", err)
	}

	if d.allCalls != 0 || len(d.typeCalls) != 0 {
		t.Fatalf("discoverer calls=%d/%d, want 0", d.allCalls, len(d.typeCalls))
	}
	if inv.calls.Load() != 1 {
		t.Fatalf("invoker calls=%d, want 1", inv.calls.Load())
	}

	sheets := inv.req.Sheets
	if len(sheets) != 1 || sheets[0].CaseType != "patient" {
		t.Fatalf("sheets=%+v, want only patient", sheets)
	}
	foundInactive := false
	for _, row := range sheets[0].Rows {
		if row.Source == "properties.old_field" && row.Target == "old_field" {
			foundInactive = true
		}
	}
	if !foundInactive {
		t.Fatalf("sheet rows=%v, want inactive old_field mapping included", sheets[0].Rows)
	}
}

// TestRunner_Run_StatePersistedBeforeFailedExport verifies the write
// ordering: column assignments survive an export failure.
func TestRunner_Run_StatePersistedBeforeFailedExport(t *testing.T) {
	t.Parallel()

	opts := testOptions()
	opts.StateDir = t.TempDir()

	d := &fakeDiscoverer{props: map[string][]string{"patient": {"age"}}, order: []string{"patient"}}
	inv := &fakeInvoker{err: &export.ToolError{ExitCode: 3, Output: "disk full"}}
	log := &fakeLogger{}

	r := testRunner(opts, d, inv, log)
	err := r.Run(context.Background())
	if err == nil {
		t.Fatalf("Run() err=nil, want error")
	}
	var te *export.ToolError
	if !errors.As(err, &te) || te.ExitCode != 3 {
		t.Fatalf("Run() err=%v, want *export.ToolError exit 3", err)
	}
	if _, serr := os.Stat(filepath.Join(opts.StateDir, "app_structure_latest.json")); serr != nil {
		t.Fatalf("state not persisted before export: %v", serr)
	}
	if !log.contains("tool_output=") {
		t.Fatalf("log msgs=%v, want tool output surfaced", log.msgs)
	}
}

// TestRunner_Run_WindowAndFlagsPassThrough verifies the export request
// carries the window, batch size, and passthrough flags unchanged.
func TestRunner_Run_WindowAndFlagsPassThrough(t *testing.T) {
	t.Parallel()

	opts := testOptions()
	opts.Since = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	opts.Until = time.Date(2025, 3, 8, 0, 0, 0, 0, time.UTC)
	opts.BatchSize = 500
	opts.ExportFlags = []string{"verbose", "users"}

	d := &fakeDiscoverer{props: map[string][]string{"patient": {"age"}}, order: []string{"patient"}}
	inv := &fakeInvoker{}

	r := testRunner(opts, d, inv, &fakeLogger{})
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run() err=%v, want nil", err)
	}

	if !inv.req.Window.Since.Equal(opts.Since) || !inv.req.Window.Until.Equal(opts.Until) {
		t.Fatalf("request window=%v..%v, want %v..%v",
			inv.req.Window.Since, inv.req.Window.Until, opts.Since, opts.Until)
	}
	if inv.req.BatchSize != 500 {
		t.Fatalf("request batch size=%d, want 500", inv.req.BatchSize)
	}
	if !reflect.DeepEqual(inv.req.ExtraFlags, opts.ExportFlags) {
		t.Fatalf("request flags=%v, want %v", inv.req.ExtraFlags, opts.ExportFlags)
	}
}

// TestRunner_Run_DeactivatesTypesMissingFromWindow verifies that a case
// type recorded in the cache but absent from the discovery window keeps
// its sheet while its mappings go inactive in the saved state.
func TestRunner_Run_DeactivatesTypesMissingFromWindow(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	env := &statestore.Envelope{Project: "demo"}
	env.Put(schema.State{CaseType: "retired", Columns: []schema.ColumnMapping{
		{SourceProperty: "reason", TargetColumn: "reason", Active: true},
	}})
	store := &statestore.Store{}
	if _, err := store.Save(dir, env); err != nil {
		t.Fatalf("Save() err=%v", err)
	}

	opts := testOptions()
	opts.ExistingStatePath = filepath.Join(dir, "app_structure_latest.json")
	opts.ForceDiscovery = true
	opts.StateDir = dir

	d := &fakeDiscoverer{props: map[string][]string{"patient": {"age"}}, order: []string{"patient"}}
	inv := &fakeInvoker{}

	r := testRunner(opts, d, inv, &fakeLogger{})
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run() err=%v, want nil", err)
	}

	sheets := inv.req.Sheets
	if len(sheets) != 2 || sheets[0].CaseType != "patient" || sheets[1].CaseType != "retired" {
		t.Fatalf("sheets=%+v, want patient then retired", sheets)
	}

	saved, err := store.Load(filepath.Join(dir, "app_structure_latest.json"))
	if err != nil {
		t.Fatalf("Load() err=%v", err)
	}
	st := saved.Get("retired")
	if st == nil {
		t.Fatalf("saved state lost the retired case type")
	}
	if st.ActiveCount() != 0 || len(st.Columns) != 1 {
		t.Fatalf("retired state active=%d columns=%d, want 0 active with 1 column kept",
			st.ActiveCount(), len(st.Columns))
	}
}

// TestRunner_Run_VerifyReportsMissingColumns verifies the post-export
// check: a mapped column absent from the table is logged, not fatal.
func TestRunner_Run_VerifyReportsMissingColumns(t *testing.T) {
	t.Parallel()

	opts := testOptions()
	opts.VerifyColumns = true

	d := &fakeDiscoverer{props: map[string][]string{"patient": {"age", "dob"}}, order: []string{"patient"}}
	inv := &fakeInvoker{}
	insp := &fakeInspector{cols: map[string][]string{"patient": {"id", "case_id", "age"}}}
	log := &fakeLogger{}

	r := testRunner(opts, d, inv, log)
	r.OpenInspector = func(ctx context.Context, dbURL string) (storage.Inspector, error) {
		if dbURL != opts.DatabaseURL {
			t.Fatalf("inspector db url=%q, want %q", dbURL, opts.DatabaseURL)
		}
		return insp, nil
	}

	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run() err=%v, want nil", err)
	}
	if !log.contains("missing_columns=dob") {
		t.Fatalf("log msgs=%v, want missing dob reported", log.msgs)
	}
	if insp.closed.Load() != 1 {
		t.Fatalf("inspector closed=%d, want 1", insp.closed.Load())
	}
}

// TestRunner_Run_VerifyInspectorErrorIsFatal verifies that a broken
// verification connection fails the run.
func TestRunner_Run_VerifyInspectorErrorIsFatal(t *testing.T) {
	t.Parallel()

	opts := testOptions()
	opts.VerifyColumns = true

	boom := errors.New("connection refused")
	d := &fakeDiscoverer{props: map[string][]string{"patient": {"age"}}, order: []string{"patient"}}
	inv := &fakeInvoker{}

	r := testRunner(opts, d, inv, &fakeLogger{})
	r.OpenInspector = func(ctx context.Context, dbURL string) (storage.Inspector, error) {
		return nil, boom
	}

	err := r.Run(context.Background())
	if err == nil {
		t.Fatalf("Run() err=nil, want error")
	}
	if !errors.Is(err, boom) || !strings.Contains(err.Error(), "verify:") {
		t.Fatalf("Run() err=%v, want verify stage wrapping %v", err, boom)
	}
}

// TestBuildSheetsSkipsCollidingRows verifies that discovered mappings
// cannot shadow the standard case fields on either side of the pair.
func TestBuildSheetsSkipsCollidingRows(t *testing.T) {
	t.Parallel()

	log := &fakeLogger{}

	env := &statestore.Envelope{Project: "demo"}
	env.Put(schema.State{CaseType: "patient", Columns: []schema.ColumnMapping{
		{SourceProperty: "case_type", TargetColumn: "case_type_2", Active: true},
		{SourceProperty: "date_closed_reason", TargetColumn: "date_closed", Active: true},
		{SourceProperty: "age", TargetColumn: "age", Active: true},
	}})

	sheets := BuildSheets(env, []string{"patient"}, log.Printf)
	if len(sheets) != 1 {
		t.Fatalf("sheets=%d, want 1", len(sheets))
	}
	defaults := len(export.DefaultCaseFieldRows())
	if got := len(sheets[0].Rows); got != defaults+1 {
		t.Fatalf("rows=%d, want %d", got, defaults+1)
	}
	if last := sheets[0].Rows[defaults]; last.Source != "properties.age" || last.Target != "age" {
		t.Fatalf("kept row=%+v, want properties.age/age", last)
	}
	if !log.contains("skip_property=case_type") || !log.contains("skip_property=date_closed_reason") {
		t.Fatalf("log msgs=%v, want both collisions reported", log.msgs)
	}
}

func TestDedupe(t *testing.T) {
	t.Parallel()

	got := dedupe([]string{" patient ", "contact", "patient", "", "contact"})
	want := []string{"patient", "contact"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("dedupe()=%v, want %v", got, want)
	}
}

func TestDescribeWindow(t *testing.T) {
	t.Parallel()

	since := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	until := time.Date(2025, 3, 8, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		win  casedata.Window
		want string
	}{
		{name: "unbounded", win: casedata.Window{}, want: "all"},
		{name: "both", win: casedata.Window{Since: since, Until: until}, want: "2025-03-01..2025-03-08"},
		{name: "since only", win: casedata.Window{Since: since}, want: "2025-03-01..*"},
		{name: "until only", win: casedata.Window{Until: until}, want: "*..2025-03-08"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := describeWindow(tt.win); got != tt.want {
				t.Fatalf("describeWindow()=%q, want %q", got, tt.want)
			}
		})
	}
}
