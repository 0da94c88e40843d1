package retry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"testing"
	"time"

	"google.golang.org/api/googleapi"

	"github.com/tinytelemetry/errtally/internal/memstore"
	"github.com/tinytelemetry/errtally/internal/model"
)

// testPolicy records waits instead of sleeping.
func testPolicy(waits *[]time.Duration) Policy {
	p := DefaultPolicy()
	p.rand = func() float64 { return 0.5 }
	p.sleep = func(ctx context.Context, d time.Duration) error {
		*waits = append(*waits, d)
		return ctx.Err()
	}
	return p
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"google 503", &googleapi.Error{Code: http.StatusServiceUnavailable}, true},
		{"google 502 wrapped", fmt.Errorf("sheets: %w", &googleapi.Error{Code: http.StatusBadGateway}), true},
		{"google 429", &googleapi.Error{Code: http.StatusTooManyRequests}, false},
		{"google 400", &googleapi.Error{Code: http.StatusBadRequest}, false},
		{"status 504", &StatusError{Code: http.StatusGatewayTimeout}, true},
		{"status 500", &StatusError{Code: http.StatusInternalServerError}, false},
		{"sentinel", fmt.Errorf("read: %w", ErrTemporarilyUnavailable), true},
		{"message", errors.New(`{"error":"temporarily_unavailable"}`), true},
		{"plain", errors.New("permission denied"), false},
		{"canceled", context.Canceled, false},
		{"deadline", fmt.Errorf("x: %w", context.DeadlineExceeded), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestDoRetriesTransientWithBackoff(t *testing.T) {
	var waits []time.Duration
	p := testPolicy(&waits)
	var retried []int
	p.OnRetry = func(op string, attempt int, err error) { retried = append(retried, attempt) }

	calls := 0
	err := p.Do(context.Background(), "op", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return &StatusError{Code: http.StatusServiceUnavailable}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	want := []time.Duration{4 * time.Second, 7 * time.Second}
	if !reflect.DeepEqual(waits, want) {
		t.Errorf("waits = %v, want %v", waits, want)
	}
	if !reflect.DeepEqual(retried, []int{1, 2}) {
		t.Errorf("OnRetry attempts = %v", retried)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	var waits []time.Duration
	p := testPolicy(&waits)
	last := &googleapi.Error{Code: http.StatusGatewayTimeout, Message: "fifth"}
	calls := 0
	err := p.Do(context.Background(), "op", func(ctx context.Context) error {
		calls++
		if calls == 5 {
			return last
		}
		return &googleapi.Error{Code: http.StatusGatewayTimeout}
	})
	if calls != 5 {
		t.Errorf("calls = %d, want 5", calls)
	}
	if err != last {
		t.Errorf("err = %v, want the last error", err)
	}
	want := []time.Duration{4 * time.Second, 7 * time.Second, 13 * time.Second, 25 * time.Second}
	if !reflect.DeepEqual(waits, want) {
		t.Errorf("waits = %v, want %v", waits, want)
	}
}

func TestDoStopsOnPermanentError(t *testing.T) {
	var waits []time.Duration
	p := testPolicy(&waits)
	perm := errors.New("invalid range")
	calls := 0
	err := p.Do(context.Background(), "op", func(ctx context.Context) error {
		calls++
		return perm
	})
	if !errors.Is(err, perm) || calls != 1 || len(waits) != 0 {
		t.Errorf("err=%v calls=%d waits=%v", err, calls, waits)
	}
}

func TestDoHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := DefaultPolicy()
	p.BaseDelay = time.Hour
	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- p.Do(ctx, "op", func(ctx context.Context) error {
			calls++
			return ErrTemporarilyUnavailable
		})
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Do did not return after cancel")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestPolicyValidate(t *testing.T) {
	if err := DefaultPolicy().Validate(); err != nil {
		t.Fatalf("default policy invalid: %v", err)
	}
	bad := []Policy{
		{Attempts: 0, Factor: 2},
		{Attempts: 1, Factor: 0.5},
		{Attempts: 1, Factor: 2, BaseDelay: -time.Second},
	}
	for i, p := range bad {
		if err := p.Validate(); err == nil {
			t.Errorf("case %d: expected error", i)
		}
	}
}

func TestWrapGroupStoreRetriesEveryCall(t *testing.T) {
	var waits []time.Duration
	p := testPolicy(&waits)

	failures := map[string]int{}
	inner := memstore.NewGroupTable()
	inner.Fail = func(op string) error {
		if failures[op] == 0 {
			failures[op]++
			return &googleapi.Error{Code: http.StatusBadGateway}
		}
		return nil
	}
	store := WrapGroupStore(inner, p)
	ctx := context.Background()

	if err := store.EnsureHeader(ctx); err != nil {
		t.Fatal(err)
	}
	if err := store.InsertRows(ctx, [][]string{{"", "a"}, {"", "b"}}); err != nil {
		t.Fatal(err)
	}
	if err := store.UpdateRows(ctx, []model.RowUpdate{{Position: 1, Values: []string{"", "c"}}}); err != nil {
		t.Fatal(err)
	}
	if err := store.DeleteRow(ctx, 2); err != nil {
		t.Fatal(err)
	}
	rows, err := store.ReadAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 || rows[1][1] != "c" {
		t.Errorf("rows = %v", rows)
	}
	if len(waits) != 5 {
		t.Errorf("waits = %d, want one per call", len(waits))
	}
}

func TestWrapRawLogStore(t *testing.T) {
	var waits []time.Duration
	p := testPolicy(&waits)
	inner := &memstore.RawLog{}
	failed := false
	inner.Fail = func(op string) error {
		if op == "ReadAll" && !failed {
			failed = true
			return ErrTemporarilyUnavailable
		}
		return nil
	}
	store := WrapRawLogStore(inner, p)
	ctx := context.Background()
	entries := []model.RawLogEntry{{ID: 1, Text: "x"}}
	if err := store.AppendAll(ctx, entries); err != nil {
		t.Fatal(err)
	}
	got, err := store.ReadAll(ctx)
	if err != nil || len(got) != 1 {
		t.Fatalf("ReadAll = %v, %v", got, err)
	}
	if err := store.ReplaceAll(ctx, nil); err != nil {
		t.Fatal(err)
	}
	if err := store.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	if len(waits) != 1 {
		t.Errorf("waits = %v", waits)
	}
}

func TestWrapReportStore(t *testing.T) {
	var waits []time.Duration
	p := testPolicy(&waits)
	inner := &memstore.Report{}
	fails := 2
	inner.Fail = func(op string) error {
		if fails > 0 {
			fails--
			return &googleapi.Error{Code: http.StatusServiceUnavailable}
		}
		return nil
	}
	store := WrapReportStore(inner, p)
	ctx := context.Background()
	rows := [][]string{{"Platform"}, {"WB"}}
	if err := store.ReplaceRows(ctx, rows); err != nil {
		t.Fatalf("ReplaceRows: %v", err)
	}
	got, err := store.ReadAll(ctx)
	if err != nil || !reflect.DeepEqual(got, rows) {
		t.Errorf("ReadAll = %v, %v", got, err)
	}
	if len(waits) != 2 {
		t.Errorf("waits = %v, want 2", waits)
	}
}
