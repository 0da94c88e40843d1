package model

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Column positions of the persisted group table.
const (
	ColCategory = iota
	ColPattern
	ColAddresses
	ColDiagnosticCode
	ColResolutionNote
	ColOneDay
	ColSevenDay
	ColThirtyDay
	ColLastSeen
	ColStatus

	GroupColumnCount
)

// GroupColumns is the fixed header row of the group table.
var GroupColumns = []string{
	"Category",
	"Pattern",
	"Addresses",
	"Diagnostic code",
	"Resolution note",
	"1d",
	"7d",
	"30d",
	"Last seen",
	"Status",
}

// RawLogColumns is the fixed header row of the raw log table.
var RawLogColumns = []string{"ID", "Date", "Text"}

const addressSeparator = ", "

var (
	// ErrMissingColumn is returned when a persisted header lacks an expected column.
	ErrMissingColumn = errors.New("model: group table header is missing a column")
	// ErrEmptyPattern is returned for a persisted row without a pattern cell.
	ErrEmptyPattern = errors.New("model: group row has no pattern")
)

// ValidateGroupHeader checks that header carries every group column in order.
func ValidateGroupHeader(header []string) error {
	for i, want := range GroupColumns {
		if i >= len(header) {
			return fmt.Errorf("%w: %q (header has %d cells)", ErrMissingColumn, want, len(header))
		}
		if !strings.EqualFold(strings.TrimSpace(header[i]), want) {
			return fmt.Errorf("%w: want %q at column %d, found %q", ErrMissingColumn, want, i+1, header[i])
		}
	}
	return nil
}

// IsBlankRow reports whether every cell of row is whitespace.
func IsBlankRow(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

// ParseGroupRow decodes one persisted row. Short rows are padded, which is
// how spreadsheet APIs return trailing empty cells.
func ParseGroupRow(row []string) (GroupRecord, error) {
	cells := padRow(row, GroupColumnCount)
	rec := GroupRecord{
		Category:       strings.TrimSpace(cells[ColCategory]),
		Pattern:        strings.TrimSpace(cells[ColPattern]),
		Addresses:      SplitAddresses(cells[ColAddresses]),
		DiagnosticCode: cells[ColDiagnosticCode],
		ResolutionNote: cells[ColResolutionNote],
		Counts: WindowCounts{
			OneDay:    ParseCount(cells[ColOneDay]),
			SevenDay:  ParseCount(cells[ColSevenDay]),
			ThirtyDay: ParseCount(cells[ColThirtyDay]),
		},
		Status: cells[ColStatus],
	}
	if rec.Pattern == "" {
		return rec, ErrEmptyPattern
	}
	if ts := strings.TrimSpace(cells[ColLastSeen]); ts != "" {
		if t, err := time.ParseInLocation(LastSeenLayout, ts, time.UTC); err == nil {
			rec.LastSeen = t
		}
	}
	return rec, nil
}

// Row encodes the record in persisted column order.
func (r GroupRecord) Row() []string {
	lastSeen := ""
	if !r.LastSeen.IsZero() {
		lastSeen = r.LastSeen.UTC().Format(LastSeenLayout)
	}
	return []string{
		r.Category,
		r.Pattern,
		JoinAddresses(r.Addresses),
		r.DiagnosticCode,
		r.ResolutionNote,
		strconv.Itoa(r.Counts.OneDay),
		strconv.Itoa(r.Counts.SevenDay),
		strconv.Itoa(r.Counts.ThirtyDay),
		lastSeen,
		r.Status,
	}
}

// SortedAddresses returns the group's address set in lexical order.
func (g *ErrorGroup) SortedAddresses() []string {
	out := make([]string, 0, len(g.Addresses))
	for addr := range g.Addresses {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}

// JoinAddresses renders addresses as one cell.
func JoinAddresses(addrs []string) string {
	return strings.Join(addrs, addressSeparator)
}

// SplitAddresses parses an addresses cell, dropping blanks.
func SplitAddresses(cell string) []string {
	var out []string
	for _, part := range strings.Split(cell, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ParseCount reads a count cell. Anything but plain digits counts as zero.
func ParseCount(cell string) int {
	cell = strings.TrimSpace(cell)
	if cell == "" {
		return 0
	}
	for _, c := range cell {
		if c < '0' || c > '9' {
			return 0
		}
	}
	n, err := strconv.Atoi(cell)
	if err != nil {
		return 0
	}
	return n
}

// RowsEqual compares two rows cell by cell, treating missing trailing cells as empty.
func RowsEqual(a, b []string) bool {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		var x, y string
		if i < len(a) {
			x = a[i]
		}
		if i < len(b) {
			y = b[i]
		}
		if x != y {
			return false
		}
	}
	return true
}

func padRow(row []string, n int) []string {
	if len(row) >= n {
		return row
	}
	out := make([]string, n)
	copy(out, row)
	return out
}
