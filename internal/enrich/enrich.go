// Package enrich fills the sticky columns of the group table: source
// snippets from Bitbucket, explanations from a chat model, and the daily
// digest sent to Telegram.
package enrich

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/tinytelemetry/errtally/internal/model"
)

// Result counts what one enrichment job did.
type Result struct {
	Candidates int `json:"candidates"`
	Written    int `json:"written"`
	Failed     int `json:"failed"`
}

// candidates returns the parsed data rows that pick selects. Rows without
// a pattern are skipped and only the first row of a pattern is considered.
func candidates(ctx context.Context, store model.GroupStore, pick func(model.GroupRecord) bool) ([]model.GroupRecord, error) {
	rows, err := store.ReadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("read group table: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	if err := model.ValidateGroupHeader(rows[0]); err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var out []model.GroupRecord
	for _, row := range rows[1:] {
		rec, err := model.ParseGroupRow(row)
		if err != nil || seen[rec.Pattern] {
			continue
		}
		seen[rec.Pattern] = true
		if pick(rec) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// applyByPattern rereads the table and rewrites the first row of each
// pattern in edits, so rows that moved since candidates were read still
// get their value. edit returns false to leave a row alone. All changes go
// out in one UpdateRows call.
func applyByPattern(ctx context.Context, store model.GroupStore, edits map[string]func(cells []string) bool) (int, error) {
	if len(edits) == 0 {
		return 0, nil
	}
	rows, err := store.ReadAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("read group table: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}
	if err := model.ValidateGroupHeader(rows[0]); err != nil {
		return 0, err
	}

	done := make(map[string]bool)
	var updates []model.RowUpdate
	for i, row := range rows[1:] {
		pattern := ""
		if len(row) > model.ColPattern {
			pattern = strings.TrimSpace(row[model.ColPattern])
		}
		edit, ok := edits[pattern]
		if !ok || done[pattern] {
			continue
		}
		done[pattern] = true

		cells := make([]string, model.GroupColumnCount)
		copy(cells, row)
		if !edit(cells) {
			continue
		}
		updates = append(updates, model.RowUpdate{Position: i + 1, Values: cells})
	}
	for pattern := range edits {
		if !done[pattern] {
			log.Printf("enrich: pattern %.80q is gone from the group table, result dropped", pattern)
		}
	}
	if len(updates) == 0 {
		return 0, nil
	}
	if err := store.UpdateRows(ctx, updates); err != nil {
		return 0, fmt.Errorf("write %d enriched rows: %w", len(updates), err)
	}
	return len(updates), nil
}
