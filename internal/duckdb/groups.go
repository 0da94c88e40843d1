package duckdb

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/tinytelemetry/errtally/internal/model"
)

const groupCols = `category, pattern, addresses, diagnostic_code, resolution_note,
	one_day, seven_day, thirty_day, last_seen, status`

// GroupTable is the group store backed by the group_rows table. Rows keep
// the positional semantics of a sheet: position 0 is the header and
// deleting a row shifts the rows below it up. Cells past the tenth column
// are not stored.
type GroupTable struct {
	s *Store
}

// Groups returns the group table of s.
func (s *Store) Groups() *GroupTable {
	return &GroupTable{s: s}
}

// EnsureHeader writes the header row into an empty table.
func (t *GroupTable) EnsureHeader(ctx context.Context) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	ctx, cancel := t.s.queryCtx(ctx)
	defer cancel()

	var n int64
	if err := t.s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM group_rows`).Scan(&n); err != nil {
		return fmt.Errorf("duckdb: count group rows: %w", err)
	}
	if n > 0 {
		return nil
	}
	if err := insertGroupRow(ctx, t.s.db, 0, model.GroupColumns); err != nil {
		return fmt.Errorf("duckdb: write group header: %w", err)
	}
	return nil
}

func (t *GroupTable) ReadAll(ctx context.Context) ([][]string, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()

	ctx, cancel := t.s.queryCtx(ctx)
	defer cancel()

	rows, err := t.s.db.QueryContext(ctx, `SELECT `+groupCols+` FROM group_rows ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("duckdb: read group rows: %w", err)
	}
	defer rows.Close()

	var out [][]string
	for rows.Next() {
		cells := make([]string, model.GroupColumnCount)
		ptrs := make([]any, len(cells))
		for i := range cells {
			ptrs[i] = &cells[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("duckdb: scan group row: %w", err)
		}
		out = append(out, cells)
	}
	return out, rows.Err()
}

// InsertRows appends rows after the last position.
func (t *GroupTable) InsertRows(ctx context.Context, rows [][]string) error {
	if len(rows) == 0 {
		return nil
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	ctx, cancel := t.s.queryCtx(ctx)
	defer cancel()

	tx, err := t.s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("duckdb: insert group rows: %w", err)
	}
	defer tx.Rollback()

	var next int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(position) + 1, 0) FROM group_rows`).Scan(&next); err != nil {
		return fmt.Errorf("duckdb: next group position: %w", err)
	}
	for i, row := range rows {
		if err := insertGroupRow(ctx, tx, next+i, row); err != nil {
			return fmt.Errorf("duckdb: insert group row: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("duckdb: insert group rows: %w", err)
	}
	return nil
}

// UpdateRows overwrites whole rows in one transaction. A position past the
// end of the table fails the whole batch.
func (t *GroupTable) UpdateRows(ctx context.Context, updates []model.RowUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	ctx, cancel := t.s.queryCtx(ctx)
	defer cancel()

	tx, err := t.s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("duckdb: update group rows: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `UPDATE group_rows SET
		category = ?, pattern = ?, addresses = ?, diagnostic_code = ?, resolution_note = ?,
		one_day = ?, seven_day = ?, thirty_day = ?, last_seen = ?, status = ?
		WHERE position = ?`)
	if err != nil {
		return fmt.Errorf("duckdb: prepare group update: %w", err)
	}
	defer stmt.Close()

	for _, u := range updates {
		args := append(cellArgs(u.Values), u.Position)
		res, err := stmt.ExecContext(ctx, args...)
		if err != nil {
			return fmt.Errorf("duckdb: update group row %d: %w", u.Position, err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return fmt.Errorf("duckdb: update group row %d: no such row", u.Position)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("duckdb: update group rows: %w", err)
	}
	return nil
}

// DeleteRow removes the row at position and shifts later rows up.
func (t *GroupTable) DeleteRow(ctx context.Context, position int) error {
	if position < 1 {
		return fmt.Errorf("duckdb: refusing to delete group row %d", position)
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	ctx, cancel := t.s.queryCtx(ctx)
	defer cancel()

	tx, err := t.s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("duckdb: delete group row: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM group_rows WHERE position = ?`, position)
	if err != nil {
		return fmt.Errorf("duckdb: delete group row %d: %w", position, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("duckdb: delete group row %d: no such row", position)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE group_rows SET position = position - 1 WHERE position > ?`, position); err != nil {
		return fmt.Errorf("duckdb: shift group rows: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("duckdb: delete group row: %w", err)
	}
	return nil
}

func (t *GroupTable) Clear(ctx context.Context) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	ctx, cancel := t.s.queryCtx(ctx)
	defer cancel()

	if _, err := t.s.db.ExecContext(ctx, `DELETE FROM group_rows`); err != nil {
		return fmt.Errorf("duckdb: clear group rows: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertGroupRow(ctx context.Context, db execer, position int, row []string) error {
	args := append([]any{position}, cellArgs(row)...)
	_, err := db.ExecContext(ctx, `INSERT INTO group_rows (position, `+groupCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
	return err
}

// cellArgs pads or truncates row to the stored column count.
func cellArgs(row []string) []any {
	args := make([]any, model.GroupColumnCount)
	for i := range args {
		args[i] = ""
		if i < len(row) {
			args[i] = row[i]
		}
	}
	return args
}
