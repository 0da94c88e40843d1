package pipeline

import (
	"context"
	"errors"
	"log"
	"time"
)

// Every runs r immediately and then once per interval until ctx is done.
// Failed runs are logged and retried on the next tick.
func (r *Runner) Every(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return errors.New("pipeline: interval must be positive")
	}
	r.tick(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Runner) tick(ctx context.Context) {
	// Run logs its own failures.
	if _, err := r.Run(ctx); errors.Is(err, ErrRunInProgress) {
		log.Printf("pipeline: skipping scheduled run, previous run still active")
	}
}
