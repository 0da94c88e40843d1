package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tinytelemetry/errtally/internal/duckdb"
	"github.com/tinytelemetry/errtally/internal/enrich"
	"github.com/tinytelemetry/errtally/internal/memstore"
	"github.com/tinytelemetry/errtally/internal/model"
	"github.com/tinytelemetry/errtally/internal/pipeline"
)

// testConfig points errtally at a fresh database and an empty home.
func testConfig(t *testing.T, extra string) string {
	t.Helper()
	resetErrtallyEnv(t)
	t.Setenv("HOME", t.TempDir())
	db := filepath.Join(t.TempDir(), "errtally.duckdb")
	return writeTempConfig(t, fmt.Sprintf("db-path: %s\n%s", db, extra))
}

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestImportRunAndDigest(t *testing.T) {
	config := testConfig(t, "")

	logFile := filepath.Join(t.TempDir(), "errors.log")
	content := strings.Join([]string{
		"Connection timed out after 30 seconds",
		"",
		"Connection timed out after 30 seconds",
		"SQLSTATE[HY000]: General error",
	}, "\n")
	if err := os.WriteFile(logFile, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, "", "--config", config, "import", "--run", logFile)
	if err != nil {
		t.Fatalf("import: %v\n%s", err, out)
	}
	if !strings.Contains(out, "queued 3 messages") {
		t.Errorf("import output missing count:\n%s", out)
	}
	if !strings.Contains(out, "inserted") {
		t.Errorf("import --run printed no summary:\n%s", out)
	}

	out, err = execute(t, "", "--config", config, "run", "--json")
	if err != nil {
		t.Fatalf("run: %v\n%s", err, out)
	}
	var sum pipeline.Summary
	if err := json.Unmarshal([]byte(out), &sum); err != nil {
		t.Fatalf("decode summary: %v\n%s", err, out)
	}
	if sum.Fetched != 0 || sum.Groups != 2 || sum.Inserted != 0 {
		t.Errorf("second run = %+v, want nothing new and 2 groups", sum)
	}

	out, err = execute(t, "", "--config", config, "digest", "--json")
	if err != nil {
		t.Fatalf("digest: %v\n%s", err, out)
	}
	var d enrich.Digest
	if err := json.Unmarshal([]byte(out), &d); err != nil {
		t.Fatalf("decode digest: %v\n%s", err, out)
	}
	want := []model.CategoryCount{{Category: "TimedOut", Count: 2}, {Category: "SQLSTATE", Count: 1}}
	if d.Total != 3 || len(d.Categories) != 2 || d.Categories[0] != want[0] || d.Categories[1] != want[1] {
		t.Errorf("digest = %+v, want %v", d, want)
	}
}

func TestReportUnknownTx(t *testing.T) {
	config := testConfig(t, "")

	stdin := strings.Join([]string{
		`Unknown transaction type {"supplier_oper_name": "Возврат", "doc_type_name": "/Продажа"}`,
		`Unknown transaction type {"supplier_oper_name": "Возврат", "doc_type_name": "/Продажа"}`,
		`Unknown transaction type {"operation_type": "OperationX", "operation_type_name": "Доставка"}`,
		`Unknown transaction type`,
		`Connection timed out after 30 seconds`,
	}, "\n")
	if out, err := execute(t, stdin, "--config", config, "import", "--run"); err != nil {
		t.Fatalf("import: %v\n%s", err, out)
	}

	out, err := execute(t, "", "--config", config, "report", "unknown-tx", "--json")
	if err != nil {
		t.Fatalf("report: %v\n%s", err, out)
	}
	var r enrich.UnknownTxReport
	if err := json.Unmarshal([]byte(out), &r); err != nil {
		t.Fatalf("decode report: %v\n%s", err, out)
	}
	if r.Matched != 4 || len(r.MalformedIDs) != 1 {
		t.Errorf("matched=%d malformed=%v", r.Matched, r.MalformedIDs)
	}
	var got []string
	for _, row := range r.Rows {
		got = append(got, fmt.Sprintf("%s:%d", row.Platform, row.OneDay))
	}
	if want := "WB:2 Ozon:1 Malformed:1"; strings.Join(got, " ") != want {
		t.Errorf("rows = %v, want %s", got, want)
	}

	cfg, err := loadConfig(config)
	if err != nil {
		t.Fatal(err)
	}
	store, err := duckdb.NewStore(cfg.DBPath, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	stored, err := store.Report(unknownTxReport).ReadAll(context.Background())
	store.Close()
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 4 || stored[0][0] != enrich.UnknownTxHeader[0] || stored[1][3] != "Возврат" {
		t.Errorf("stored report = %v", stored)
	}

	out, err = execute(t, "", "--config", config, "report", "unknown-tx", "--dry-run")
	if err != nil {
		t.Fatalf("report text: %v\n%s", err, out)
	}
	for _, part := range []string{"4 matched, 1 malformed", "Продажа", "Доставка", "Malformed"} {
		if !strings.Contains(out, part) {
			t.Errorf("report output missing %q:\n%s", part, out)
		}
	}
}

func TestImportFromStdinParagraphs(t *testing.T) {
	config := testConfig(t, "")

	stdin := "Fatal error: boom\n#0 a.php(1)\n#1 b.php(2)\n\nsecond error\n"
	out, err := execute(t, stdin, "--config", config, "import", "--paragraphs")
	if err != nil {
		t.Fatalf("import: %v\n%s", err, out)
	}
	if !strings.Contains(out, "queued 2 messages") {
		t.Errorf("output = %q, want 2 messages", out)
	}
}

func TestImportMissingFile(t *testing.T) {
	config := testConfig(t, "")
	if _, err := execute(t, "", "--config", config, "import", filepath.Join(t.TempDir(), "nope.log")); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}

func TestEnrichRequiresConfiguration(t *testing.T) {
	config := testConfig(t, "")

	tests := []struct {
		args []string
		want string
	}{
		{[]string{"enrich", "all"}, "no enrichment job is configured"},
		{[]string{"enrich", "snippets"}, "repo"},
		{[]string{"enrich", "explain"}, "key"},
	}
	for _, tt := range tests {
		_, err := execute(t, "", append([]string{"--config", config}, tt.args...)...)
		if err == nil || !strings.Contains(strings.ToLower(err.Error()), tt.want) {
			t.Errorf("%v: err = %v, want mention of %q", tt.args, err, tt.want)
		}
	}
}

func TestDigestSendRequiresTelegram(t *testing.T) {
	config := testConfig(t, "")
	if _, err := execute(t, "", "--config", config, "digest", "--send"); err == nil {
		t.Fatal("expected an error without telegram settings")
	}
}

func TestVersionSkipsConfig(t *testing.T) {
	resetErrtallyEnv(t)
	bad := writeTempConfig(t, "tcp-port: -1")

	out, err := execute(t, "", "--config", bad, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(out, "Version:    dev") {
		t.Errorf("version output:\n%s", out)
	}
}

func TestBadConfigFailsCommands(t *testing.T) {
	resetErrtallyEnv(t)
	bad := writeTempConfig(t, "tcp-port: -1")

	if _, err := execute(t, "", "--config", bad, "run"); err == nil || !strings.Contains(err.Error(), "invalid tcp-port") {
		t.Fatalf("err = %v, want invalid tcp-port", err)
	}
}

func TestRunJobsStopsAtFirstFailure(t *testing.T) {
	runner := pipeline.New(pipeline.Deps{})
	groups := memstore.NewGroupTable()

	var ran []string
	job := func(name string, err error) enrichJob {
		return enrichJob{name: name, run: func(ctx context.Context, store model.GroupStore) (enrich.Result, error) {
			ran = append(ran, name)
			return enrich.Result{Candidates: 1}, err
		}}
	}
	boom := errors.New("boom")

	results, err := runJobs(context.Background(), runner, groups, []enrichJob{job("snippets", boom), job("explain", nil)})
	if !errors.Is(err, boom) || !strings.Contains(err.Error(), "snippets") {
		t.Fatalf("err = %v", err)
	}
	if len(ran) != 1 || results["snippets"].Candidates != 1 {
		t.Errorf("ran=%v results=%v", ran, results)
	}
}

func TestEnrichmentJobsOrder(t *testing.T) {
	jobs, err := enrichmentJobs(appConfig{BitbucketRepo: "ws/repo", OpenAIAPIKey: "sk-test"})
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Join(jobNames(jobs), ","); got != "snippets,explain" {
		t.Errorf("jobs = %s", got)
	}

	jobs, err = enrichmentJobs(appConfig{})
	if err != nil || len(jobs) != 0 {
		t.Errorf("jobs=%v err=%v, want none", jobs, err)
	}
}

func TestPrintRunSummary(t *testing.T) {
	var buf bytes.Buffer
	printRunSummary(&buf, pipeline.Summary{RunID: "abc", Fetched: 4, Retained: 10, Pruned: 2, Inserted: 3})
	out := buf.String()
	for _, want := range []string{"Run abc", "fetched", "10 (2 pruned)", "inserted"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
}
