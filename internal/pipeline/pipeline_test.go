package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tinytelemetry/errtally/internal/classify"
	"github.com/tinytelemetry/errtally/internal/memstore"
	"github.com/tinytelemetry/errtally/internal/model"
	"github.com/tinytelemetry/errtally/internal/normalize"
	"github.com/tinytelemetry/errtally/internal/reconcile"
)

var now = time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

type fixture struct {
	inbox  *memstore.Inbox
	raw    *memstore.RawLog
	groups *memstore.GroupTable
	runner *Runner
}

func newFixture(t *testing.T, conf ...Config) *fixture {
	t.Helper()
	n := normalize.New()
	f := &fixture{
		inbox:  &memstore.Inbox{},
		raw:    &memstore.RawLog{},
		groups: memstore.NewGroupTable(),
	}
	cfg := Config{Now: func() time.Time { return now }}
	if len(conf) > 0 {
		cfg = conf[0]
		if cfg.Now == nil {
			cfg.Now = func() time.Time { return now }
		}
	}
	f.runner = New(Deps{
		Source:     f.inbox,
		Cursors:    f.inbox,
		RawLogs:    f.raw,
		Groups:     f.groups,
		Normalizer: n,
		Engine:     reconcile.New(classify.New(), n),
	}, cfg)
	return f
}

func (f *fixture) push(t *testing.T, age time.Duration, text string) {
	t.Helper()
	if err := f.inbox.AppendInbox(context.Background(), []model.RawLogEntry{{Timestamp: now.Add(-age), Text: text}}); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) patterns() []string {
	var out []string
	for _, row := range f.groups.Rows()[1:] {
		out = append(out, row[model.ColPattern])
	}
	return out
}

func TestRunEndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.push(t, time.Hour, "[2025-06-02 08:00:00] cURL error on vol4821")
	f.push(t, 2*time.Hour, "[2025-06-02 07:00:00] cURL error on vol9910")
	f.push(t, 3*time.Hour, "production.ERROR: Call to a member function id() on null at /var/www/app.sellerdata.ru/app/Http/Kernel.php:88")
	f.push(t, 3*24*time.Hour, "production.ERROR: SQLSTATE[42000]: Syntax error")
	f.push(t, 40*24*time.Hour, "ancient failure")

	sum, err := f.runner.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Fetched != 5 || sum.Retained != 4 || sum.Pruned != 1 {
		t.Errorf("summary = %+v", sum)
	}
	if sum.Inserted != 3 || sum.Groups != 3 {
		t.Errorf("inserted=%d groups=%d, want 3/3", sum.Inserted, sum.Groups)
	}
	if sum.Cursor != 5 {
		t.Errorf("cursor = %d, want 5", sum.Cursor)
	}
	if c, _ := f.inbox.LoadCursor(ctx); c != 5 {
		t.Errorf("saved cursor = %d", c)
	}

	rows := f.groups.Rows()
	if err := model.ValidateGroupHeader(rows[0]); err != nil {
		t.Fatalf("header: %v", err)
	}
	want := []string{
		"cURL error on vol<num>",
		"production.ERROR: Call to a member function id() on null at /var/www/app.sellerdata.ru/app/Http/Kernel.php:88",
		"production.ERROR: SQLSTATE[<num>]: Syntax error",
	}
	got := f.patterns()
	if len(got) != len(want) {
		t.Fatalf("patterns = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("row %d = %q, want %q", i+1, got[i], want[i])
		}
	}
	curl, _ := model.ParseGroupRow(rows[1])
	if curl.Counts != (model.WindowCounts{OneDay: 2, SevenDay: 2, ThirtyDay: 2}) {
		t.Errorf("curl counts = %+v", curl.Counts)
	}
	null, _ := model.ParseGroupRow(rows[2])
	if null.Category != "NullProperty" || null.Status != model.StatusUnhandled {
		t.Errorf("null row = %+v", null)
	}
	sql, _ := model.ParseGroupRow(rows[3])
	if sql.Category != "SQLSTATE" || sql.Counts.OneDay != 0 || sql.Counts.SevenDay != 1 {
		t.Errorf("sql row = %+v", sql)
	}

	raw, _ := f.raw.ReadAll(ctx)
	if len(raw) != 4 {
		t.Errorf("raw log holds %d entries after pruning, want 4", len(raw))
	}
}

func TestRunIsRepeatable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.push(t, time.Hour, "cURL error on vol1")
	if _, err := f.runner.Run(ctx); err != nil {
		t.Fatal(err)
	}
	before := f.groups.Rows()

	sum, err := f.runner.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Fetched != 0 || sum.Inserted+sum.Updated+sum.Deleted+sum.Sorted != 0 {
		t.Errorf("second run wrote: %+v", sum)
	}
	after := f.groups.Rows()
	if len(after) != len(before) || after[1][model.ColOneDay] != "1" {
		t.Errorf("table changed: %v -> %v", before, after)
	}
}

func TestRunKeepsCursorOnFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.push(t, time.Hour, "cURL error on vol1")

	boom := errors.New("sheet locked")
	f.groups.Fail = func(op string) error {
		if op == "InsertRows 1" {
			return boom
		}
		return nil
	}
	if _, err := f.runner.Run(ctx); !errors.Is(err, boom) {
		t.Fatalf("Run err = %v, want %v", err, boom)
	}
	if c, _ := f.inbox.LoadCursor(ctx); c != 0 {
		t.Fatalf("cursor advanced to %d after a failed run", c)
	}
	if _, ok := f.runner.Last(); ok {
		t.Error("failed run recorded as last")
	}

	f.groups.Fail = nil
	sum, err := f.runner.Run(ctx)
	if err != nil {
		t.Fatalf("rerun: %v", err)
	}
	if sum.Fetched != 1 || sum.Retained != 1 {
		t.Errorf("rerun summary = %+v, duplicate raw entry must be dropped", sum)
	}
	if got := f.patterns(); len(got) != 1 {
		t.Errorf("patterns = %v", got)
	}
	row, _ := model.ParseGroupRow(f.groups.Rows()[1])
	if row.Counts.OneDay != 1 {
		t.Errorf("OneDay = %d, want 1", row.Counts.OneDay)
	}
	if last, ok := f.runner.Last(); !ok || last.RunID != sum.RunID {
		t.Errorf("Last() = %+v, %v", last, ok)
	}
}

func TestRunPrunesExpiredGroups(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.groups.EnsureHeader(ctx); err != nil {
		t.Fatal(err)
	}
	stale := model.GroupRecord{Pattern: "stale failure", DiagnosticCode: "x", Counts: model.WindowCounts{ThirtyDay: 9}}
	if err := f.groups.InsertRows(ctx, [][]string{stale.Row()}); err != nil {
		t.Fatal(err)
	}
	f.push(t, time.Minute, "fresh failure")

	sum, err := f.runner.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Deleted != 1 || sum.Inserted != 1 {
		t.Errorf("summary = %+v", sum)
	}
	if got := f.patterns(); len(got) != 1 || got[0] != "fresh failure" {
		t.Errorf("patterns = %v", got)
	}
}

func TestRunSnapshotsBeforeFirstWrite(t *testing.T) {
	var calls int
	var rowsAtSnapshot int
	var f *fixture
	f = newFixture(t, Config{Snapshot: func(ctx context.Context) error {
		calls++
		raw, _ := f.raw.ReadAll(ctx)
		rowsAtSnapshot = len(raw)
		return nil
	}})
	ctx := context.Background()
	f.push(t, time.Hour, "a failure")
	f.push(t, 45*24*time.Hour, "old failure")
	if _, err := f.runner.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if calls != 1 || rowsAtSnapshot != 0 {
		t.Errorf("snapshot calls=%d rows=%d, want one call before any write", calls, rowsAtSnapshot)
	}

	if _, err := f.runner.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Errorf("snapshot taken on a run without writes")
	}
}

func TestRunFailedSnapshotAborts(t *testing.T) {
	boom := errors.New("disk full")
	f := newFixture(t, Config{Snapshot: func(ctx context.Context) error { return boom }})
	f.push(t, time.Hour, "a failure")
	if _, err := f.runner.Run(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if raw, _ := f.raw.ReadAll(context.Background()); len(raw) != 0 {
		t.Errorf("raw entries written despite failed snapshot")
	}
}

func TestRunRejectsConcurrentRun(t *testing.T) {
	f := newFixture(t)
	f.runner.mu.Lock()
	_, err := f.runner.Run(context.Background())
	f.runner.mu.Unlock()
	if !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("err = %v, want ErrRunInProgress", err)
	}
}

func TestExclusiveSharesRunLock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	err := f.runner.Exclusive(ctx, func(ctx context.Context) error {
		if _, err := f.runner.Run(ctx); !errors.Is(err, ErrRunInProgress) {
			t.Errorf("Run inside Exclusive = %v, want ErrRunInProgress", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Exclusive: %v", err)
	}
	if _, err := f.runner.Run(ctx); err != nil {
		t.Fatalf("Run after Exclusive: %v", err)
	}
}

func TestRunFetchLimit(t *testing.T) {
	f := newFixture(t, Config{FetchLimit: 2})
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		f.push(t, time.Hour, "burst failure")
	}
	sum, err := f.runner.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Fetched != 2 || sum.Cursor != 2 {
		t.Errorf("first run = %+v", sum)
	}
	sum, err = f.runner.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Fetched != 2 || sum.Cursor != 4 || sum.Retained != 4 {
		t.Errorf("second run = %+v", sum)
	}
}

func TestEveryStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.runner.Every(ctx, time.Hour) }()

	deadline := time.After(5 * time.Second)
	for {
		if _, ok := f.runner.Last(); ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("first scheduled run never completed")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Every: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Every did not return")
	}

	if err := f.runner.Every(context.Background(), 0); err == nil {
		t.Error("zero interval accepted")
	}
}
