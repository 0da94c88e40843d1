package model

import "time"

// RawLogEntry is one message pulled from the message source.
// It is the canonical type for the inbox, the raw log table and aggregation.
type RawLogEntry struct {
	ID        int64
	Timestamp time.Time
	Text      string
}

// WindowCounts holds rolling occurrence counts as of a run's reference instant.
// Counts are nested: every entry counted in OneDay is also in SevenDay and ThirtyDay.
type WindowCounts struct {
	OneDay    int
	SevenDay  int
	ThirtyDay int
}

// ErrorGroup is the transient per-run aggregate for one normalized pattern.
type ErrorGroup struct {
	Pattern   string
	Addresses map[string]struct{}
	Counts    WindowCounts
	LastSeen  time.Time // zero value = never seen
	Category  string
}

// NewErrorGroup returns an empty group for pattern.
func NewErrorGroup(pattern string) *ErrorGroup {
	return &ErrorGroup{
		Pattern:   pattern,
		Addresses: make(map[string]struct{}),
	}
}

// GroupRecord is the persisted counterpart of ErrorGroup.
// DiagnosticCode, ResolutionNote and Status are sticky: they are owned by
// enrichment jobs and operators, never by reconciliation.
type GroupRecord struct {
	Category       string
	Pattern        string
	Addresses      []string
	DiagnosticCode string
	ResolutionNote string
	Counts         WindowCounts
	LastSeen       time.Time
	Status         string
}

// RowUpdate replaces the row at Position (0 = header) with Values.
type RowUpdate struct {
	Position int
	Values   []string
}

// CategoryCount is one line of the daily digest.
type CategoryCount struct {
	Category string
	Count    int
}
