// Package memstore provides in-memory implementations of the store
// interfaces. They back dry runs and tests.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/tinytelemetry/errtally/internal/model"
)

// FailFunc may return an error to fail the named call before it runs.
type FailFunc func(op string) error

// GroupTable is a positional table with the header at position 0.
type GroupTable struct {
	mu    sync.Mutex
	rows  [][]string
	calls []string

	// Fail, when set, is consulted before every call.
	Fail FailFunc
}

// NewGroupTable returns a table holding a copy of rows.
func NewGroupTable(rows ...[]string) *GroupTable {
	return &GroupTable{rows: copyRows(rows)}
}

func (t *GroupTable) enter(op string) error {
	t.calls = append(t.calls, op)
	if t.Fail != nil {
		return t.Fail(op)
	}
	return nil
}

// Calls returns the operations issued so far, in order.
func (t *GroupTable) Calls() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.calls...)
}

// Rows returns a copy of the table.
func (t *GroupTable) Rows() [][]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return copyRows(t.rows)
}

func (t *GroupTable) EnsureHeader(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.enter("EnsureHeader"); err != nil {
		return err
	}
	if len(t.rows) == 0 {
		t.rows = [][]string{append([]string(nil), model.GroupColumns...)}
	}
	return nil
}

func (t *GroupTable) ReadAll(ctx context.Context) ([][]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.enter("ReadAll"); err != nil {
		return nil, err
	}
	return copyRows(t.rows), nil
}

func (t *GroupTable) InsertRows(ctx context.Context, rows [][]string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.enter(fmt.Sprintf("InsertRows %d", len(rows))); err != nil {
		return err
	}
	t.rows = append(t.rows, copyRows(rows)...)
	return nil
}

func (t *GroupTable) UpdateRows(ctx context.Context, updates []model.RowUpdate) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.enter(fmt.Sprintf("UpdateRows %d", len(updates))); err != nil {
		return err
	}
	for _, u := range updates {
		if u.Position < 0 || u.Position >= len(t.rows) {
			return fmt.Errorf("memstore: update position %d out of range [0,%d)", u.Position, len(t.rows))
		}
	}
	for _, u := range updates {
		t.rows[u.Position] = append([]string(nil), u.Values...)
	}
	return nil
}

func (t *GroupTable) DeleteRow(ctx context.Context, position int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.enter(fmt.Sprintf("DeleteRow %d", position)); err != nil {
		return err
	}
	if position < 1 || position >= len(t.rows) {
		return fmt.Errorf("memstore: delete position %d out of range [1,%d)", position, len(t.rows))
	}
	t.rows = append(t.rows[:position], t.rows[position+1:]...)
	return nil
}

func (t *GroupTable) Clear(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.enter("Clear"); err != nil {
		return err
	}
	t.rows = nil
	return nil
}

// RawLog is an in-memory raw log table.
type RawLog struct {
	mu      sync.Mutex
	entries []model.RawLogEntry

	Fail FailFunc
}

func (r *RawLog) check(op string) error {
	if r.Fail != nil {
		return r.Fail(op)
	}
	return nil
}

func (r *RawLog) AppendAll(ctx context.Context, entries []model.RawLogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check("AppendAll"); err != nil {
		return err
	}
	r.entries = append(r.entries, entries...)
	return nil
}

func (r *RawLog) ReadAll(ctx context.Context) ([]model.RawLogEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check("ReadAll"); err != nil {
		return nil, err
	}
	return append([]model.RawLogEntry(nil), r.entries...), nil
}

func (r *RawLog) ReplaceAll(ctx context.Context, entries []model.RawLogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check("ReplaceAll"); err != nil {
		return err
	}
	r.entries = append([]model.RawLogEntry(nil), entries...)
	return nil
}

func (r *RawLog) Clear(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check("Clear"); err != nil {
		return err
	}
	r.entries = nil
	return nil
}

// Report is an in-memory report table.
type Report struct {
	mu   sync.Mutex
	rows [][]string

	Fail FailFunc
}

func (r *Report) ReplaceRows(ctx context.Context, rows [][]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Fail != nil {
		if err := r.Fail("ReplaceRows"); err != nil {
			return err
		}
	}
	r.rows = copyRows(rows)
	return nil
}

func (r *Report) ReadAll(ctx context.Context) ([][]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return copyRows(r.rows), nil
}

// Inbox is an in-memory message source with a persisted cursor.
type Inbox struct {
	mu      sync.Mutex
	entries []model.RawLogEntry
	nextID  int64
	cursor  int64
}

// AppendInbox stores entries, assigning increasing IDs to those without one.
func (b *Inbox) AppendInbox(ctx context.Context, entries []model.RawLogEntry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range entries {
		if e.ID == 0 {
			b.nextID++
			e.ID = b.nextID
		} else if e.ID > b.nextID {
			b.nextID = e.ID
		}
		b.entries = append(b.entries, e)
	}
	sort.SliceStable(b.entries, func(i, j int) bool { return b.entries[i].ID < b.entries[j].ID })
	return nil
}

func (b *Inbox) FetchEntriesSince(ctx context.Context, cursor int64, limit int) ([]model.RawLogEntry, int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []model.RawLogEntry
	next := cursor
	for _, e := range b.entries {
		if e.ID <= cursor {
			continue
		}
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, e)
		next = e.ID
	}
	return out, next, nil
}

func (b *Inbox) LoadCursor(ctx context.Context) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cursor, nil
}

func (b *Inbox) SaveCursor(ctx context.Context, cursor int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cursor = cursor
	return nil
}

func copyRows(rows [][]string) [][]string {
	if rows == nil {
		return nil
	}
	out := make([][]string, len(rows))
	for i, r := range rows {
		out[i] = append([]string(nil), r...)
	}
	return out
}
