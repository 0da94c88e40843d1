package duckdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/tinytelemetry/errtally/internal/model"
)

const inboxCursor = "inbox"

// InboxLine is one message waiting in the inbox.
type InboxLine = model.IngestLine

// InboxStats summarizes the inbox.
type InboxStats struct {
	Total    int64            `json:"total"`
	Pending  int64            `json:"pending"`
	Cursor   int64            `json:"cursor"`
	BySource map[string]int64 `json:"by_source"`
}

// FetchEntriesSince returns up to limit inbox messages with id > cursor in
// id order, and the id of the last one (cursor when none).
func (s *Store) FetchEntriesSince(ctx context.Context, cursor int64, limit int) ([]model.RawLogEntry, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	if limit <= 0 {
		limit = model.DefaultFetchLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, received_at, text FROM inbox WHERE id > ? ORDER BY id LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, cursor, fmt.Errorf("duckdb: fetch inbox: %w", err)
	}
	defer rows.Close()

	next := cursor
	var out []model.RawLogEntry
	for rows.Next() {
		var e model.RawLogEntry
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Text); err != nil {
			return nil, cursor, fmt.Errorf("duckdb: scan inbox: %w", err)
		}
		e.Timestamp = e.Timestamp.UTC()
		out = append(out, e)
		next = e.ID
	}
	if err := rows.Err(); err != nil {
		return nil, cursor, fmt.Errorf("duckdb: fetch inbox: %w", err)
	}
	return out, next, nil
}

// LoadCursor returns the persisted inbox cursor, 0 when none was saved.
func (s *Store) LoadCursor(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	var v int64
	err := s.db.QueryRowContext(ctx, `SELECT value FROM cursors WHERE name = ?`, inboxCursor).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("duckdb: load cursor: %w", err)
	}
	return v, nil
}

// SaveCursor persists the inbox cursor.
func (s *Store) SaveCursor(ctx context.Context, cursor int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `INSERT INTO cursors (name, value, updated_at) VALUES (?, ?, current_timestamp)
		ON CONFLICT (name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		inboxCursor, cursor)
	if err != nil {
		return fmt.Errorf("duckdb: save cursor: %w", err)
	}
	return nil
}

// AppendInbox queues entries as imported messages. IDs are assigned by the
// inbox; a zero Timestamp means now.
func (s *Store) AppendInbox(ctx context.Context, entries []model.RawLogEntry) error {
	lines := make([]InboxLine, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, InboxLine{ReceivedAt: e.Timestamp, Source: "import", Text: e.Text})
	}
	return s.insertInbox(ctx, lines)
}

// InsertInboxBatch appends lines in one transaction. If the batch fails it
// is retried line by line and the lines that still fail are dropped.
func (s *Store) InsertInboxBatch(lines []InboxLine) error {
	return s.insertInbox(context.Background(), lines)
}

func (s *Store) insertInbox(ctx context.Context, lines []InboxLine) error {
	if len(lines) == 0 {
		return nil
	}

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.insertInboxTx(ctx, lines)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("duckdb: insert inbox: %w", err)
	}

	var failed int
	for _, l := range lines {
		if lerr := s.insertInboxTx(ctx, []InboxLine{l}); lerr != nil {
			failed++
			log.Printf("duckdb: dropping inbox line (source=%s text=%.80s): %v", l.Source, l.Text, lerr)
		}
	}
	if failed == len(lines) {
		return fmt.Errorf("duckdb: insert inbox: %w", err)
	}
	if failed > 0 {
		log.Printf("duckdb: inbox batch partially failed, %d/%d lines dropped", failed, len(lines))
	}
	return nil
}

func (s *Store) insertInboxTx(ctx context.Context, lines []InboxLine) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO inbox (received_at, source, text) VALUES (?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, l := range lines {
		ts := l.ReceivedAt
		if ts.IsZero() {
			ts = now
		}
		src := l.Source
		if src == "" {
			src = "stdin"
		}
		if _, err := stmt.ExecContext(ctx, ts.UTC(), src, l.Text); err != nil {
			return fmt.Errorf("inbox insert: %w", err)
		}
	}
	return tx.Commit()
}

// PurgeInbox deletes consumed inbox rows received before cutoff. Rows past
// the cursor are kept whatever their age.
func (s *Store) PurgeInbox(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `DELETE FROM inbox
		WHERE received_at < ?
		AND id <= COALESCE((SELECT value FROM cursors WHERE name = ?), 0)`,
		cutoff.UTC(), inboxCursor)
	if err != nil {
		return 0, fmt.Errorf("duckdb: purge inbox: %w", err)
	}
	return res.RowsAffected()
}

// InboxStats counts inbox rows overall, per source and past the cursor.
func (s *Store) InboxStats(ctx context.Context) (InboxStats, error) {
	cursor, err := s.LoadCursor(ctx)
	if err != nil {
		return InboxStats{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	st := InboxStats{Cursor: cursor, BySource: make(map[string]int64)}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(*) FILTER (WHERE id > ?) FROM inbox`, cursor).Scan(&st.Total, &st.Pending); err != nil {
		return st, fmt.Errorf("duckdb: inbox stats: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT source, COUNT(*) FROM inbox GROUP BY source ORDER BY source`)
	if err != nil {
		return st, fmt.Errorf("duckdb: inbox sources: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var src string
		var n int64
		if err := rows.Scan(&src, &n); err != nil {
			return st, fmt.Errorf("duckdb: scan inbox sources: %w", err)
		}
		st.BySource[src] = n
	}
	return st, rows.Err()
}
