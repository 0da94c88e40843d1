package duckdb

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/tinytelemetry/errtally/internal/model"
)

// RawLogTable is the raw log store backed by the raw_logs table.
type RawLogTable struct {
	s *Store
}

// RawLogs returns the raw log table of s.
func (s *Store) RawLogs() *RawLogTable {
	return &RawLogTable{s: s}
}

func (t *RawLogTable) AppendAll(ctx context.Context, entries []model.RawLogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	ctx, cancel := t.s.queryCtx(ctx)
	defer cancel()

	tx, err := t.s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("duckdb: append raw logs: %w", err)
	}
	defer tx.Rollback()
	if err := insertRawLogs(ctx, tx, entries); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("duckdb: append raw logs: %w", err)
	}
	return nil
}

func (t *RawLogTable) ReadAll(ctx context.Context) ([]model.RawLogEntry, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()

	ctx, cancel := t.s.queryCtx(ctx)
	defer cancel()

	rows, err := t.s.db.QueryContext(ctx, `SELECT id, ts, text FROM raw_logs ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("duckdb: read raw logs: %w", err)
	}
	defer rows.Close()

	var out []model.RawLogEntry
	for rows.Next() {
		var e model.RawLogEntry
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Text); err != nil {
			return nil, fmt.Errorf("duckdb: scan raw log: %w", err)
		}
		e.Timestamp = e.Timestamp.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// ReplaceAll swaps the table contents in one transaction.
func (t *RawLogTable) ReplaceAll(ctx context.Context, entries []model.RawLogEntry) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	ctx, cancel := t.s.queryCtx(ctx)
	defer cancel()

	tx, err := t.s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("duckdb: replace raw logs: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM raw_logs`); err != nil {
		return fmt.Errorf("duckdb: replace raw logs: %w", err)
	}
	if err := insertRawLogs(ctx, tx, entries); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("duckdb: replace raw logs: %w", err)
	}
	return nil
}

func (t *RawLogTable) Clear(ctx context.Context) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	ctx, cancel := t.s.queryCtx(ctx)
	defer cancel()

	if _, err := t.s.db.ExecContext(ctx, `DELETE FROM raw_logs`); err != nil {
		return fmt.Errorf("duckdb: clear raw logs: %w", err)
	}
	return nil
}

func insertRawLogs(ctx context.Context, tx *sql.Tx, entries []model.RawLogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO raw_logs (id, ts, text) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("duckdb: prepare raw log insert: %w", err)
	}
	defer stmt.Close()
	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.ID, e.Timestamp.UTC(), e.Text); err != nil {
			return fmt.Errorf("duckdb: insert raw log %d: %w", e.ID, err)
		}
	}
	return nil
}
