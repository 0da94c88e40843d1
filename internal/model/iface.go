package model

import "context"

// MessageSource yields raw entries with IDs greater than cursor, in
// non-decreasing ID order, together with the cursor to persist after a
// successful run.
type MessageSource interface {
	FetchEntriesSince(ctx context.Context, cursor int64, limit int) ([]RawLogEntry, int64, error)
}

// CursorStore persists the message source cursor between runs.
type CursorStore interface {
	LoadCursor(ctx context.Context) (int64, error)
	SaveCursor(ctx context.Context, cursor int64) error
}

// RawLogStore is the append-only table of retained raw entries.
type RawLogStore interface {
	AppendAll(ctx context.Context, entries []RawLogEntry) error
	ReadAll(ctx context.Context) ([]RawLogEntry, error)
	ReplaceAll(ctx context.Context, entries []RawLogEntry) error
	Clear(ctx context.Context) error
}

// GroupStore is the positional group table. ReadAll returns every row with
// the header at position 0; positions in UpdateRows and DeleteRow index that
// slice. DeleteRow shifts later rows up by one.
type GroupStore interface {
	EnsureHeader(ctx context.Context) error
	ReadAll(ctx context.Context) ([][]string, error)
	InsertRows(ctx context.Context, rows [][]string) error
	UpdateRows(ctx context.Context, updates []RowUpdate) error
	DeleteRow(ctx context.Context, position int) error
	Clear(ctx context.Context) error
}

// InboxWriter appends incoming message text to the message source.
type InboxWriter interface {
	AppendInbox(ctx context.Context, entries []RawLogEntry) error
}

// ReportStore holds one generated report table, header first. Reports are
// rebuilt from the raw log on demand, so every write replaces the table.
type ReportStore interface {
	ReplaceRows(ctx context.Context, rows [][]string) error
	ReadAll(ctx context.Context) ([][]string, error)
}
