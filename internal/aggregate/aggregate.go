package aggregate

import (
	"time"

	"github.com/tinytelemetry/errtally/internal/model"
	"github.com/tinytelemetry/errtally/internal/normalize"
)

// Window lengths for the rolling counts.
const (
	OneDay    = 24 * time.Hour
	SevenDay  = 7 * OneDay
	ThirtyDay = 30 * OneDay
)

// Entry is a retained raw entry with its normalization attached.
type Entry struct {
	ID        int64
	Timestamp time.Time
	Address   string
	Pattern   string
}

// Retain returns the entries no older than horizon as of now, dropping
// repeated IDs (the first occurrence wins). Input order is preserved.
func Retain(entries []model.RawLogEntry, now time.Time, horizon time.Duration) []model.RawLogEntry {
	cutoff := now.Add(-horizon)
	seen := make(map[int64]struct{}, len(entries))
	out := make([]model.RawLogEntry, 0, len(entries))
	for _, e := range entries {
		if e.Timestamp.Before(cutoff) {
			continue
		}
		if _, dup := seen[e.ID]; dup {
			continue
		}
		seen[e.ID] = struct{}{}
		out = append(out, e)
	}
	return out
}

// Prepare normalizes every entry. Entries whose cleaned text is empty are
// carried with an empty pattern and ignored by Build.
func Prepare(entries []model.RawLogEntry, n *normalize.Normalizer) []Entry {
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		res := n.Normalize(e.Text)
		out = append(out, Entry{
			ID:        e.ID,
			Timestamp: e.Timestamp,
			Address:   res.Address,
			Pattern:   res.Pattern,
		})
	}
	return out
}

// Build folds entries into one group per pattern with nested window counts
// as of now. Categories are left empty.
func Build(entries []Entry, now time.Time) map[string]*model.ErrorGroup {
	groups := make(map[string]*model.ErrorGroup)
	for _, e := range entries {
		if e.Pattern == "" {
			continue
		}
		g, ok := groups[e.Pattern]
		if !ok {
			g = model.NewErrorGroup(e.Pattern)
			groups[e.Pattern] = g
		}
		if e.Address != "" {
			g.Addresses[e.Address] = struct{}{}
		}
		age := now.Sub(e.Timestamp)
		if age <= OneDay {
			g.Counts.OneDay++
		}
		if age <= SevenDay {
			g.Counts.SevenDay++
		}
		if age <= ThirtyDay {
			g.Counts.ThirtyDay++
		}
		if e.Timestamp.After(g.LastSeen) {
			g.LastSeen = e.Timestamp
		}
	}
	return groups
}
