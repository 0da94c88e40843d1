package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tinytelemetry/errtally/internal/aggregate"
	"github.com/tinytelemetry/errtally/internal/metrics"
	"github.com/tinytelemetry/errtally/internal/model"
	"github.com/tinytelemetry/errtally/internal/normalize"
	"github.com/tinytelemetry/errtally/internal/reconcile"
)

// ErrRunInProgress is returned when Run is called while another run of the
// same Runner has not finished.
var ErrRunInProgress = errors.New("pipeline: run already in progress")

// Config holds run parameters. Zero values select the defaults.
type Config struct {
	Retention  time.Duration
	FetchLimit int

	// Snapshot, when set, is called once before the first write of a run.
	Snapshot func(ctx context.Context) error
	// Now overrides the reference instant, for tests.
	Now func() time.Time
}

// Deps are the collaborators of a Runner.
type Deps struct {
	Source     model.MessageSource
	Cursors    model.CursorStore
	RawLogs    model.RawLogStore
	Groups     model.GroupStore
	Normalizer *normalize.Normalizer
	Engine     *reconcile.Engine
}

// Summary describes one completed run.
type Summary struct {
	RunID     string        `json:"run_id"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration_ns"`
	Cursor    int64         `json:"cursor"`
	Fetched   int           `json:"fetched"`
	Retained  int           `json:"retained"`
	Pruned    int           `json:"pruned"`
	Groups    int           `json:"groups"`
	Deleted   int           `json:"deleted"`
	Updated   int           `json:"updated"`
	Inserted  int           `json:"inserted"`
	Unchanged int           `json:"unchanged"`
	Skipped   int           `json:"skipped"`
	Sorted    int           `json:"sorted"`
}

// Runner executes batch runs: ingest, prune, aggregate, reconcile.
type Runner struct {
	deps Deps
	cfg  Config
	mu   sync.Mutex

	lastMu sync.RWMutex
	last   *Summary
}

// New creates a Runner. An optional Config overrides the defaults.
func New(deps Deps, conf ...Config) *Runner {
	var cfg Config
	if len(conf) > 0 {
		cfg = conf[0]
	}
	if cfg.Retention <= 0 {
		cfg.Retention = model.DefaultRetention
	}
	if cfg.FetchLimit <= 0 {
		cfg.FetchLimit = model.DefaultFetchLimit
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Runner{deps: deps, cfg: cfg}
}

// Last returns the summary of the most recent successful run, if any.
func (r *Runner) Last() (Summary, bool) {
	r.lastMu.RLock()
	defer r.lastMu.RUnlock()
	if r.last == nil {
		return Summary{}, false
	}
	return *r.last, true
}

// Run performs one run. The cursor is saved only after the group table
// has been reconciled, so a failed run is repeated in full next time.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	if !r.mu.TryLock() {
		return Summary{}, ErrRunInProgress
	}
	defer r.mu.Unlock()

	sum := Summary{RunID: uuid.NewString(), StartedAt: time.Now()}
	err := r.run(ctx, &sum)
	sum.Duration = time.Since(sum.StartedAt)
	metrics.ObserveRun(sum.Duration, err, metrics.RunStats{
		Fetched:  sum.Fetched,
		Groups:   sum.Groups,
		Deleted:  sum.Deleted,
		Updated:  sum.Updated,
		Inserted: sum.Inserted,
		Sorted:   sum.Sorted,
	})
	if err != nil {
		log.Printf("pipeline: run %s failed after %s: %v", sum.RunID, sum.Duration.Round(time.Millisecond), err)
		return sum, err
	}
	log.Printf("pipeline: run %s done in %s: fetched=%d retained=%d groups=%d deleted=%d updated=%d inserted=%d sorted=%d",
		sum.RunID, sum.Duration.Round(time.Millisecond), sum.Fetched, sum.Retained, sum.Groups,
		sum.Deleted, sum.Updated, sum.Inserted, sum.Sorted)

	r.lastMu.Lock()
	r.last = &sum
	r.lastMu.Unlock()
	return sum, nil
}

// Exclusive runs fn while holding the run lock, so jobs that rewrite group
// rows never interleave with a run. It fails with ErrRunInProgress instead
// of waiting.
func (r *Runner) Exclusive(ctx context.Context, fn func(ctx context.Context) error) error {
	if !r.mu.TryLock() {
		return ErrRunInProgress
	}
	defer r.mu.Unlock()
	return fn(ctx)
}

func (r *Runner) run(ctx context.Context, sum *Summary) error {
	d := r.deps
	now := r.cfg.Now().UTC()

	cursor, err := d.Cursors.LoadCursor(ctx)
	if err != nil {
		return fmt.Errorf("load cursor: %w", err)
	}
	entries, next, err := d.Source.FetchEntriesSince(ctx, cursor, r.cfg.FetchLimit)
	if err != nil {
		return fmt.Errorf("fetch entries since %d: %w", cursor, err)
	}
	sum.Fetched = len(entries)
	sum.Cursor = next

	snapshotted := false
	snapshot := func() error {
		if snapshotted || r.cfg.Snapshot == nil {
			return nil
		}
		snapshotted = true
		if err := r.cfg.Snapshot(ctx); err != nil {
			return fmt.Errorf("snapshot: %w", err)
		}
		return nil
	}

	if len(entries) > 0 {
		if err := snapshot(); err != nil {
			return err
		}
		if err := d.RawLogs.AppendAll(ctx, entries); err != nil {
			return fmt.Errorf("append raw entries: %w", err)
		}
	}

	all, err := d.RawLogs.ReadAll(ctx)
	if err != nil {
		return fmt.Errorf("read raw entries: %w", err)
	}
	kept := aggregate.Retain(all, now, r.cfg.Retention)
	sum.Retained = len(kept)
	sum.Pruned = len(all) - len(kept)
	if sum.Pruned > 0 {
		if err := snapshot(); err != nil {
			return err
		}
		if err := d.RawLogs.ReplaceAll(ctx, kept); err != nil {
			return fmt.Errorf("prune raw entries: %w", err)
		}
	}

	fresh := aggregate.Build(aggregate.Prepare(kept, d.Normalizer), now)
	sum.Groups = len(fresh)

	if err := d.Groups.EnsureHeader(ctx); err != nil {
		return fmt.Errorf("ensure group header: %w", err)
	}
	table, err := d.Groups.ReadAll(ctx)
	if err != nil {
		return fmt.Errorf("read group table: %w", err)
	}
	plan, err := d.Engine.Plan(fresh, table)
	if err != nil {
		return err
	}
	sum.Deleted = len(plan.Deletes)
	sum.Updated = len(plan.Updates)
	sum.Inserted = len(plan.Inserts)
	sum.Unchanged = plan.Unchanged
	sum.Skipped = plan.Skipped

	if !plan.Empty() {
		if err := snapshot(); err != nil {
			return err
		}
		if err := d.Engine.Apply(ctx, d.Groups, plan); err != nil {
			return err
		}
	}
	sorted, err := d.Engine.Sort(ctx, d.Groups)
	if err != nil {
		return err
	}
	sum.Sorted = sorted

	if next != cursor {
		if err := d.Cursors.SaveCursor(ctx, next); err != nil {
			return fmt.Errorf("save cursor %d: %w", next, err)
		}
	}
	return nil
}
