package duckdb

import (
	"context"
	"encoding/json"
	"fmt"
)

// ReportTable is a model.ReportStore over the rows of one report name in
// report_rows.
type ReportTable struct {
	s    *Store
	name string
}

// Report returns the report table called name.
func (s *Store) Report(name string) *ReportTable {
	return &ReportTable{s: s, name: name}
}

// ReplaceRows swaps the stored rows for rows in one transaction.
func (t *ReportTable) ReplaceRows(ctx context.Context, rows [][]string) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	ctx, cancel := t.s.queryCtx(ctx)
	defer cancel()

	tx, err := t.s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("duckdb: replace report %q: %w", t.name, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM report_rows WHERE report = ?`, t.name); err != nil {
		return fmt.Errorf("duckdb: clear report %q: %w", t.name, err)
	}
	for i, row := range rows {
		if row == nil {
			row = []string{}
		}
		cells, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("duckdb: encode report row %d: %w", i, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO report_rows (report, position, cells) VALUES (?, ?, ?)`, t.name, i, string(cells)); err != nil {
			return fmt.Errorf("duckdb: insert report row %d: %w", i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("duckdb: replace report %q: %w", t.name, err)
	}
	return nil
}

func (t *ReportTable) ReadAll(ctx context.Context) ([][]string, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()

	ctx, cancel := t.s.queryCtx(ctx)
	defer cancel()

	rows, err := t.s.db.QueryContext(ctx, `SELECT cells FROM report_rows WHERE report = ? ORDER BY position`, t.name)
	if err != nil {
		return nil, fmt.Errorf("duckdb: read report %q: %w", t.name, err)
	}
	defer rows.Close()

	var out [][]string
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("duckdb: scan report row: %w", err)
		}
		var cells []string
		if err := json.Unmarshal([]byte(raw), &cells); err != nil {
			return nil, fmt.Errorf("duckdb: decode report row: %w", err)
		}
		out = append(out, cells)
	}
	return out, rows.Err()
}
