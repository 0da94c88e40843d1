package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/tinytelemetry/errtally/internal/model"
)

// ErrMissingColumn is returned by Plan when the persisted header is not the
// expected group header. Nothing is written in that case.
var ErrMissingColumn = model.ErrMissingColumn

// Categorizer assigns a category to a pattern.
type Categorizer interface {
	Classify(pattern string) string
}

// NoiseChecker reports whether a pattern carries a noisy marker.
type NoiseChecker interface {
	IsNoisy(text string) bool
}

// Engine merges fresh aggregates into the persisted group table.
type Engine struct {
	classifier Categorizer
	noise      NoiseChecker
}

// New creates an Engine.
func New(classifier Categorizer, noise NoiseChecker) *Engine {
	return &Engine{classifier: classifier, noise: noise}
}

// Plan is the bounded set of store calls for one reconciliation.
// Deletes are original positions, highest first. Update positions refer to
// the table after every delete has been applied. Inserts are appended.
type Plan struct {
	Deletes   []int
	Updates   []model.RowUpdate
	Inserts   [][]string
	Unchanged int
	Skipped   int
}

// Empty reports whether the plan issues no writes.
func (p *Plan) Empty() bool {
	return len(p.Deletes) == 0 && len(p.Updates) == 0 && len(p.Inserts) == 0
}

// Plan computes the changes that bring table in line with fresh. table is
// the full persisted snapshot with the header at position 0. Categories are
// written back into fresh.
func (e *Engine) Plan(fresh map[string]*model.ErrorGroup, table [][]string) (*Plan, error) {
	if len(table) == 0 {
		return nil, fmt.Errorf("reconcile: %w: table has no header", ErrMissingColumn)
	}
	if err := model.ValidateGroupHeader(table[0]); err != nil {
		return nil, fmt.Errorf("reconcile: %w", err)
	}

	for pattern, g := range fresh {
		g.Category = e.classifier.Classify(pattern)
	}

	plan := &Plan{}
	seen := make(map[string]struct{}, len(table))
	deleted := 0
	for pos := 1; pos < len(table); pos++ {
		row := table[pos]
		rec, err := model.ParseGroupRow(row)
		if err != nil {
			// A row without a pattern can never match a fresh group, so it
			// goes once its 30 day count is no longer positive.
			if rec.Counts.ThirtyDay == 0 {
				if !model.IsBlankRow(row) {
					log.Printf("reconcile: row %d has no pattern and no 30 day count, deleting", pos)
				}
				plan.Deletes = append(plan.Deletes, pos)
				deleted++
				continue
			}
			log.Printf("reconcile: leaving row %d alone: %v", pos, err)
			plan.Skipped++
			continue
		}
		if _, dup := seen[rec.Pattern]; dup {
			log.Printf("reconcile: row %d repeats pattern %q, deleting", pos, rec.Pattern)
			plan.Deletes = append(plan.Deletes, pos)
			deleted++
			continue
		}
		seen[rec.Pattern] = struct{}{}

		g, ok := fresh[rec.Pattern]
		if !ok || g.Counts.ThirtyDay == 0 {
			plan.Deletes = append(plan.Deletes, pos)
			deleted++
			continue
		}

		next := e.merge(rec, g).Row()
		if sameCells(row, next) {
			plan.Unchanged++
			continue
		}
		plan.Updates = append(plan.Updates, model.RowUpdate{Position: pos - deleted, Values: next})
	}
	sort.Sort(sort.Reverse(sort.IntSlice(plan.Deletes)))

	var added []*model.ErrorGroup
	for pattern, g := range fresh {
		if _, ok := seen[pattern]; ok || g.Counts.ThirtyDay == 0 {
			continue
		}
		added = append(added, g)
	}
	sort.Slice(added, func(i, j int) bool {
		if added[i].Counts.OneDay != added[j].Counts.OneDay {
			return added[i].Counts.OneDay > added[j].Counts.OneDay
		}
		return added[i].Pattern < added[j].Pattern
	})
	for _, g := range added {
		plan.Inserts = append(plan.Inserts, e.merge(model.GroupRecord{Pattern: g.Pattern}, g).Row())
	}
	return plan, nil
}

// merge overwrites the computed columns of rec with g and keeps the sticky ones.
func (e *Engine) merge(rec model.GroupRecord, g *model.ErrorGroup) model.GroupRecord {
	out := rec
	out.Category = g.Category
	out.Addresses = g.SortedAddresses()
	out.Counts = g.Counts
	out.LastSeen = g.LastSeen
	if strings.TrimSpace(out.Status) == "" && e.seedable(g) {
		out.Status = model.StatusUnhandled
	}
	return out
}

func (e *Engine) seedable(g *model.ErrorGroup) bool {
	return len(g.Addresses) > 0 && !e.noise.IsNoisy(g.Pattern)
}

// Apply runs the delete pass and then the write pass of plan.
func (e *Engine) Apply(ctx context.Context, store model.GroupStore, plan *Plan) error {
	for _, pos := range plan.Deletes {
		if err := store.DeleteRow(ctx, pos); err != nil {
			return fmt.Errorf("reconcile: delete row %d: %w", pos, err)
		}
	}
	if len(plan.Updates) > 0 {
		if err := store.UpdateRows(ctx, plan.Updates); err != nil {
			return fmt.Errorf("reconcile: update %d rows: %w", len(plan.Updates), err)
		}
	}
	if len(plan.Inserts) > 0 {
		if err := store.InsertRows(ctx, plan.Inserts); err != nil {
			return fmt.Errorf("reconcile: insert %d rows: %w", len(plan.Inserts), err)
		}
	}
	return nil
}

// Sort orders the table body by the 1 day count, descending and stable,
// rewriting only the rows that moved. It returns the number of rows rewritten.
func (e *Engine) Sort(ctx context.Context, store model.GroupStore) (int, error) {
	table, err := store.ReadAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("reconcile: read for sort: %w", err)
	}
	updates := SortUpdates(table)
	if len(updates) == 0 {
		return 0, nil
	}
	if err := store.UpdateRows(ctx, updates); err != nil {
		return 0, fmt.Errorf("reconcile: sort %d rows: %w", len(updates), err)
	}
	return len(updates), nil
}

// Reconcile reads the table, plans, applies and sorts in one call.
func (e *Engine) Reconcile(ctx context.Context, store model.GroupStore, fresh map[string]*model.ErrorGroup) (*Plan, error) {
	table, err := store.ReadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconcile: read: %w", err)
	}
	plan, err := e.Plan(fresh, table)
	if err != nil {
		return nil, err
	}
	if err := e.Apply(ctx, store, plan); err != nil {
		return plan, err
	}
	if _, err := e.Sort(ctx, store); err != nil {
		return plan, err
	}
	return plan, nil
}

// SortUpdates returns the row rewrites that leave the body of table stably
// sorted by descending 1 day count. Rows are padded to the widest row so that
// a moved row never inherits stale trailing cells.
func SortUpdates(table [][]string) []model.RowUpdate {
	if len(table) < 3 {
		return nil
	}
	body := table[1:]
	width := model.GroupColumnCount
	for _, row := range body {
		if len(row) > width {
			width = len(row)
		}
	}
	order := make([]int, len(body))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return oneDay(body[order[a]]) > oneDay(body[order[b]])
	})

	var updates []model.RowUpdate
	for i, src := range order {
		if src == i || model.RowsEqual(body[src], body[i]) {
			continue
		}
		values := make([]string, width)
		copy(values, body[src])
		updates = append(updates, model.RowUpdate{Position: i + 1, Values: values})
	}
	return updates
}

func oneDay(row []string) int {
	if len(row) <= model.ColOneDay {
		return 0
	}
	return model.ParseCount(row[model.ColOneDay])
}

// sameCells compares the group columns of a persisted row with a new one.
func sameCells(persisted, next []string) bool {
	if len(persisted) > model.GroupColumnCount {
		persisted = persisted[:model.GroupColumnCount]
	}
	return model.RowsEqual(persisted, next)
}

// IsMissingColumn reports whether err stems from a bad header.
func IsMissingColumn(err error) bool {
	return errors.Is(err, ErrMissingColumn)
}
