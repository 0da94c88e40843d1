package enrich

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/tinytelemetry/errtally/internal/memstore"
	"github.com/tinytelemetry/errtally/internal/model"
)

func groupRow(pattern, addresses, code, note, status string) []string {
	return model.GroupRecord{
		Pattern:        pattern,
		Addresses:      model.SplitAddresses(addresses),
		DiagnosticCode: code,
		ResolutionNote: note,
		Counts:         model.WindowCounts{OneDay: 1, SevenDay: 1, ThirtyDay: 1},
		Status:         status,
	}.Row()
}

func sourceFile(n int) string {
	var b strings.Builder
	for i := 1; i <= n; i++ {
		fmt.Fprintf(&b, "line %d\n", i)
	}
	return b.String()
}

func TestParseAddress(t *testing.T) {
	tests := []struct {
		in      string
		path    string
		line    int
		wantErr bool
	}{
		{"src/a.php:30", "src/a.php", 30, false},
		{"c:/x.php:7", "c:/x.php", 7, false},
		{"src/a.php", "", 0, true},
		{"src/a.php:0", "", 0, true},
		{"src/a.php:x", "", 0, true},
	}
	for _, tc := range tests {
		path, line, err := ParseAddress(tc.in)
		if (err != nil) != tc.wantErr || path != tc.path || line != tc.line {
			t.Errorf("ParseAddress(%q) = %q, %d, %v", tc.in, path, line, err)
		}
	}
}

func TestExcerpt(t *testing.T) {
	src := sourceFile(50)
	tests := []struct {
		line, n     int
		first, last string
		count       int
	}{
		{30, 20, "line 10", "line 50", 41},
		{3, 20, "line 1", "line 23", 23},
		{50, 2, "line 48", "line 50", 3},
	}
	for _, tc := range tests {
		got := strings.Split(Excerpt(src, tc.line, tc.n), "\n")
		if len(got) != tc.count || got[0] != tc.first || got[len(got)-1] != tc.last {
			t.Errorf("Excerpt(line=%d, n=%d) = %d lines %q..%q", tc.line, tc.n, len(got), got[0], got[len(got)-1])
		}
	}
	if got := Excerpt(src, 90, 2); got != "" {
		t.Errorf("Excerpt past the end = %q", got)
	}
}

func TestSnippetRun(t *testing.T) {
	var mu sync.Mutex
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		if user, pass, ok := r.BasicAuth(); !ok || user != "bot" || pass != "secret" {
			t.Errorf("basic auth = %q/%q/%v", user, pass, ok)
		}
		if r.URL.Path != "/repositories/ws/shop/src/main/app/src/a.php" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(sourceFile(50)))
	}))
	defer srv.Close()

	store := memstore.NewGroupTable(
		model.GroupColumns,
		groupRow("needs code", "src/a.php:30, src/z.php:1", "", "", ""),
		groupRow("has code", "src/b.php:5", "existing", "", ""),
		groupRow("missing file", "src/missing.php:3", "", "", ""),
		groupRow("no address", "", "", "", ""),
	)
	f, err := NewSnippetFetcher(SnippetConfig{
		BaseURL:      srv.URL,
		Repo:         "ws/shop",
		Branch:       "main",
		Username:     "bot",
		AppPassword:  "secret",
		SourcePrefix: "app/",
	})
	if err != nil {
		t.Fatal(err)
	}

	res, err := f.Run(context.Background(), store)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res != (Result{Candidates: 2, Written: 1, Failed: 1}) {
		t.Errorf("result = %+v", res)
	}
	rows := store.Rows()
	code := rows[1][model.ColDiagnosticCode]
	if !strings.HasPrefix(code, "line 10\n") || !strings.HasSuffix(code, "\nline 50") {
		t.Errorf("snippet = %q", code)
	}
	if rows[2][model.ColDiagnosticCode] != "existing" || rows[3][model.ColDiagnosticCode] != "" {
		t.Errorf("other rows touched: %q, %q", rows[2][model.ColDiagnosticCode], rows[3][model.ColDiagnosticCode])
	}
	if len(paths) != 2 {
		t.Errorf("requests = %v", paths)
	}
}

func TestSnippetRunRejectsBadHeader(t *testing.T) {
	store := memstore.NewGroupTable([]string{"Pattern"}, groupRow("p", "a.php:1", "", "", ""))
	f, _ := NewSnippetFetcher(SnippetConfig{Repo: "ws/shop"})
	if _, err := f.Run(context.Background(), store); !errors.Is(err, model.ErrMissingColumn) {
		t.Fatalf("err = %v, want ErrMissingColumn", err)
	}
}

func TestNewSnippetFetcherRequiresRepo(t *testing.T) {
	if _, err := NewSnippetFetcher(SnippetConfig{}); err == nil {
		t.Fatal("expected error without repo")
	}
}
