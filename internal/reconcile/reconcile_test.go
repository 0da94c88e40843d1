package reconcile

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/tinytelemetry/errtally/internal/classify"
	"github.com/tinytelemetry/errtally/internal/memstore"
	"github.com/tinytelemetry/errtally/internal/model"
	"github.com/tinytelemetry/errtally/internal/normalize"
)

var lastSeen = time.Date(2025, 6, 2, 8, 30, 0, 0, time.UTC)

func newEngine() *Engine {
	return New(classify.New(), normalize.New())
}

func header() []string {
	return append([]string(nil), model.GroupColumns...)
}

func group(pattern string, c model.WindowCounts, addrs ...string) *model.ErrorGroup {
	g := model.NewErrorGroup(pattern)
	g.Counts = c
	g.LastSeen = lastSeen
	for _, a := range addrs {
		g.Addresses[a] = struct{}{}
	}
	return g
}

func counts(one, seven, thirty int) model.WindowCounts {
	return model.WindowCounts{OneDay: one, SevenDay: seven, ThirtyDay: thirty}
}

func findRow(t *testing.T, rows [][]string, pattern string) model.GroupRecord {
	t.Helper()
	for _, row := range rows[1:] {
		if len(row) > model.ColPattern && row[model.ColPattern] == pattern {
			rec, err := model.ParseGroupRow(row)
			if err != nil {
				t.Fatalf("ParseGroupRow(%v): %v", row, err)
			}
			return rec
		}
	}
	t.Fatalf("pattern %q not found in %v", pattern, rows)
	return model.GroupRecord{}
}

func TestReconcilePreservesStickyFields(t *testing.T) {
	persisted := model.GroupRecord{
		Category:       "Stale",
		Pattern:        "Undefined index: sku",
		Addresses:      []string{"Old.php:1"},
		DiagnosticCode: "$sku = $row['sku'];",
		ResolutionNote: "Check the feed mapping.",
		Counts:         counts(0, 0, 4),
		Status:         "in progress",
	}
	store := memstore.NewGroupTable(header(), persisted.Row())
	fresh := map[string]*model.ErrorGroup{
		"Undefined index: sku": group("Undefined index: sku", counts(2, 3, 5), "Feed/Import.php:10"),
	}

	if _, err := newEngine().Reconcile(context.Background(), store, fresh); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	got := findRow(t, store.Rows(), "Undefined index: sku")
	if got.DiagnosticCode != persisted.DiagnosticCode {
		t.Errorf("DiagnosticCode = %q, want %q", got.DiagnosticCode, persisted.DiagnosticCode)
	}
	if got.ResolutionNote != persisted.ResolutionNote {
		t.Errorf("ResolutionNote = %q", got.ResolutionNote)
	}
	if got.Status != "in progress" {
		t.Errorf("Status = %q", got.Status)
	}
	if got.Category != "" {
		t.Errorf("Category = %q, want recomputed empty category", got.Category)
	}
	if got.Counts != counts(2, 3, 5) {
		t.Errorf("Counts = %+v", got.Counts)
	}
	if !reflect.DeepEqual(got.Addresses, []string{"Feed/Import.php:10"}) {
		t.Errorf("Addresses = %v", got.Addresses)
	}
	if !got.LastSeen.Equal(lastSeen) {
		t.Errorf("LastSeen = %v", got.LastSeen)
	}
}

func TestReconcilePrunesZeroCountRecords(t *testing.T) {
	store := memstore.NewGroupTable(
		header(),
		model.GroupRecord{Pattern: "vanished", Counts: counts(0, 0, 3), DiagnosticCode: "x"}.Row(),
		model.GroupRecord{Pattern: "went quiet", Counts: counts(0, 1, 1)}.Row(),
		model.GroupRecord{Pattern: "still here", Counts: counts(1, 1, 1)}.Row(),
	)
	fresh := map[string]*model.ErrorGroup{
		"went quiet": group("went quiet", counts(0, 0, 0)),
		"still here": group("still here", counts(1, 1, 1)),
	}
	plan, err := newEngine().Reconcile(context.Background(), store, fresh)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if !reflect.DeepEqual(plan.Deletes, []int{2, 1}) {
		t.Errorf("Deletes = %v, want [2 1]", plan.Deletes)
	}
	rows := store.Rows()
	if len(rows) != 2 || rows[1][model.ColPattern] != "still here" {
		t.Errorf("rows = %v", rows)
	}
}

func TestPlanInsertsSeedStatus(t *testing.T) {
	fresh := map[string]*model.ErrorGroup{
		"Call to a member function id() on null": group("Call to a member function id() on null", counts(1, 1, 1), "Http/Kernel.php:88"),
		"cURL error on vol<num>":                 group("cURL error on vol<num>", counts(4, 4, 4), "Sync/Pull.php:40"),
		"no address here":                        group("no address here", counts(2, 2, 2)),
		"only old":                               group("only old", counts(0, 0, 0)),
	}
	plan, err := newEngine().Plan(fresh, [][]string{header()})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(plan.Inserts) != 3 {
		t.Fatalf("Inserts = %d, want 3: %v", len(plan.Inserts), plan.Inserts)
	}

	wantOrder := []string{"cURL error on vol<num>", "no address here", "Call to a member function id() on null"}
	for i, want := range wantOrder {
		if got := plan.Inserts[i][model.ColPattern]; got != want {
			t.Errorf("insert %d = %q, want %q", i, got, want)
		}
	}
	status := map[string]string{}
	category := map[string]string{}
	for _, row := range plan.Inserts {
		status[row[model.ColPattern]] = row[model.ColStatus]
		category[row[model.ColPattern]] = row[model.ColCategory]
		if row[model.ColDiagnosticCode] != "" || row[model.ColResolutionNote] != "" {
			t.Errorf("insert carries sticky values: %v", row)
		}
	}
	if status["Call to a member function id() on null"] != model.StatusUnhandled {
		t.Errorf("non-noisy addressed group not seeded: %q", status["Call to a member function id() on null"])
	}
	if status["cURL error on vol<num>"] != "" {
		t.Errorf("noisy group seeded: %q", status["cURL error on vol<num>"])
	}
	if status["no address here"] != "" {
		t.Errorf("group without address seeded: %q", status["no address here"])
	}
	if category["Call to a member function id() on null"] != "NullProperty" {
		t.Errorf("category = %q", category["Call to a member function id() on null"])
	}
}

func TestPlanReseedsBlankStatus(t *testing.T) {
	table := [][]string{
		header(),
		model.GroupRecord{Pattern: "Undefined variable $x", Status: "   ", DiagnosticCode: "code"}.Row(),
		model.GroupRecord{Pattern: "DEBUG dump", Status: ""}.Row(),
	}
	fresh := map[string]*model.ErrorGroup{
		"Undefined variable $x": group("Undefined variable $x", counts(1, 1, 1), "A.php:1"),
		"DEBUG dump":            group("DEBUG dump", counts(1, 1, 1), "B.php:2"),
	}
	plan, err := newEngine().Plan(fresh, table)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(plan.Updates) != 2 {
		t.Fatalf("Updates = %v", plan.Updates)
	}
	for _, u := range plan.Updates {
		switch u.Values[model.ColPattern] {
		case "Undefined variable $x":
			if u.Values[model.ColStatus] != model.StatusUnhandled {
				t.Errorf("blank status not reseeded: %q", u.Values[model.ColStatus])
			}
			if u.Values[model.ColDiagnosticCode] != "code" {
				t.Errorf("diagnostic code lost: %q", u.Values[model.ColDiagnosticCode])
			}
		case "DEBUG dump":
			if u.Values[model.ColStatus] != "" {
				t.Errorf("noisy status seeded: %q", u.Values[model.ColStatus])
			}
		}
	}
}

func TestPlanPositionsAfterDeletes(t *testing.T) {
	alpha := model.GroupRecord{Pattern: "alpha failure", Counts: counts(1, 1, 1), LastSeen: lastSeen}
	table := [][]string{
		header(),
		alpha.Row(),
		model.GroupRecord{Pattern: "beta failure", Counts: counts(0, 0, 1)}.Row(),
		model.GroupRecord{Pattern: "gamma failure", Counts: counts(0, 0, 1)}.Row(),
		model.GroupRecord{Pattern: "delta failure", Counts: counts(0, 0, 1)}.Row(),
		model.GroupRecord{Pattern: "epsilon failure", Counts: counts(0, 0, 1)}.Row(),
	}
	fresh := map[string]*model.ErrorGroup{
		"alpha failure":   group("alpha failure", counts(1, 1, 1)),
		"gamma failure":   group("gamma failure", counts(5, 5, 5)),
		"epsilon failure": group("epsilon failure", counts(3, 3, 3)),
	}
	e := newEngine()
	plan, err := e.Plan(fresh, table)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if !reflect.DeepEqual(plan.Deletes, []int{4, 2}) {
		t.Errorf("Deletes = %v, want [4 2]", plan.Deletes)
	}
	if plan.Unchanged != 1 {
		t.Errorf("Unchanged = %d, want 1", plan.Unchanged)
	}
	gotPos := map[string]int{}
	for _, u := range plan.Updates {
		gotPos[u.Values[model.ColPattern]] = u.Position
	}
	want := map[string]int{"gamma failure": 2, "epsilon failure": 3}
	if !reflect.DeepEqual(gotPos, want) {
		t.Errorf("update positions = %v, want %v", gotPos, want)
	}

	store := memstore.NewGroupTable(table...)
	ctx := context.Background()
	if err := e.Apply(ctx, store, plan); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if _, err := e.Sort(ctx, store); err != nil {
		t.Fatalf("Sort: %v", err)
	}
	var order []string
	for _, row := range store.Rows()[1:] {
		order = append(order, row[model.ColPattern])
	}
	if !reflect.DeepEqual(order, []string{"gamma failure", "epsilon failure", "alpha failure"}) {
		t.Errorf("final order = %v", order)
	}
	wantCalls := []string{"DeleteRow 4", "DeleteRow 2", "UpdateRows 2", "ReadAll", "UpdateRows 3"}
	if !reflect.DeepEqual(store.Calls(), wantCalls) {
		t.Errorf("calls = %v, want %v", store.Calls(), wantCalls)
	}
}

func TestPlanMissingColumnIsFatal(t *testing.T) {
	bad := header()
	bad[model.ColStatus] = "State"
	tables := [][][]string{
		{bad},
		{header()[:5]},
		{},
	}
	for i, table := range tables {
		_, err := newEngine().Plan(map[string]*model.ErrorGroup{}, table)
		if !errors.Is(err, ErrMissingColumn) {
			t.Errorf("case %d: err = %v, want ErrMissingColumn", i, err)
		}
	}

	store := memstore.NewGroupTable(bad, model.GroupRecord{Pattern: "p"}.Row())
	if _, err := newEngine().Reconcile(context.Background(), store, nil); !IsMissingColumn(err) {
		t.Fatalf("Reconcile err = %v", err)
	}
	if calls := store.Calls(); !reflect.DeepEqual(calls, []string{"ReadAll"}) {
		t.Errorf("writes issued after a header error: %v", calls)
	}
}

func TestPlanDuplicateAndMalformedRows(t *testing.T) {
	table := [][]string{
		header(),
		model.GroupRecord{Pattern: "dup", Counts: counts(1, 1, 1), DiagnosticCode: "first"}.Row(),
		{"", "", "", "", "operator note", "1", "1", "1"},
		model.GroupRecord{Pattern: "dup", Counts: counts(1, 1, 1), DiagnosticCode: "second"}.Row(),
		{"", "  "},
	}
	fresh := map[string]*model.ErrorGroup{"dup": group("dup", counts(1, 1, 1))}
	plan, err := newEngine().Plan(fresh, table)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if !reflect.DeepEqual(plan.Deletes, []int{4, 3}) {
		t.Errorf("Deletes = %v, want [4 3]", plan.Deletes)
	}
	if plan.Skipped != 1 {
		t.Errorf("Skipped = %d, want 1", plan.Skipped)
	}
	if len(plan.Inserts) != 0 {
		t.Errorf("Inserts = %v", plan.Inserts)
	}
	if len(plan.Updates) != 1 || plan.Updates[0].Position != 1 || plan.Updates[0].Values[model.ColDiagnosticCode] != "first" {
		t.Errorf("Updates = %+v", plan.Updates)
	}
}

func TestPlanDeletesPatternlessRowsWithoutCount(t *testing.T) {
	tests := []struct {
		name string
		row  []string
	}{
		{"zero count", []string{"", "", "", "leftover snippet", "", "", "", "0", "", ""}},
		{"empty count", []string{"Category", "", "", "", "note"}},
		{"non numeric count", []string{"", "", "", "", "", "", "", "n/a", "", "handled"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := memstore.NewGroupTable(header(), tt.row)
			plan, err := newEngine().Reconcile(context.Background(), store, nil)
			if err != nil {
				t.Fatalf("Reconcile: %v", err)
			}
			if !reflect.DeepEqual(plan.Deletes, []int{1}) || plan.Skipped != 0 {
				t.Errorf("plan = %+v, want row 1 deleted", plan)
			}
			rows, _ := store.ReadAll(context.Background())
			if len(rows) != 1 {
				t.Errorf("rows after reconcile = %v, want header only", rows)
			}
		})
	}
}

func TestPlanIgnoresExtraColumnsWhenComparing(t *testing.T) {
	rec := model.GroupRecord{Pattern: "steady", Counts: counts(1, 1, 1), LastSeen: lastSeen}
	row := append(rec.Row(), "operator column")
	plan, err := newEngine().Plan(map[string]*model.ErrorGroup{"steady": group("steady", counts(1, 1, 1))}, [][]string{header(), row})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if !plan.Empty() || plan.Unchanged != 1 {
		t.Errorf("plan = %+v, want no writes", plan)
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	store := memstore.NewGroupTable(header())
	fresh := func() map[string]*model.ErrorGroup {
		return map[string]*model.ErrorGroup{
			"a": group("a", counts(1, 2, 3), "A.php:1"),
			"b": group("b", counts(5, 5, 5)),
		}
	}
	e := newEngine()
	ctx := context.Background()
	if _, err := e.Reconcile(ctx, store, fresh()); err != nil {
		t.Fatal(err)
	}
	before := store.Rows()
	plan, err := e.Reconcile(ctx, store, fresh())
	if err != nil {
		t.Fatal(err)
	}
	if !plan.Empty() {
		t.Errorf("second run planned writes: %+v", plan)
	}
	if !reflect.DeepEqual(store.Rows(), before) {
		t.Errorf("table changed on rerun:\n%v\n%v", before, store.Rows())
	}
}

func TestSortUpdates(t *testing.T) {
	table := [][]string{
		header(),
		{"", "x", "", "", "", "1"},
		{"", "y", "", "", "", "3", "", "", "", "", "extra"},
		{"", "z", "", "", "", "3"},
		{"", "w", "", "", "", "not a number"},
	}
	updates := SortUpdates(table)
	got := map[int]string{}
	for _, u := range updates {
		if len(u.Values) != 11 {
			t.Errorf("update %d has %d cells, want 11", u.Position, len(u.Values))
		}
		got[u.Position] = u.Values[model.ColPattern]
	}
	want := map[int]string{1: "y", 2: "z", 3: "x"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("updates = %v, want %v", got, want)
	}
	if SortUpdates([][]string{header(), {"", "only"}}) != nil {
		t.Error("single row table needs no sort")
	}
}
