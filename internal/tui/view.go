package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

func (d *dashboard) header(width int, title string) string {
	text := "errtally · " + title
	switch {
	case d.running:
		text += "  " + d.spinner.View() + " running"
	case d.loading:
		text += "  " + d.spinner.View()
	}
	return headerStyle.Width(width).Render(text)
}

// statusLine shows the filter, freshness and the last run, or the last
// error in its place.
func (d *dashboard) statusLine(width int) string {
	if d.err != nil {
		return errorStyle.Width(width).Render(truncate("error: "+d.err.Error(), width))
	}
	filter := d.status()
	if filter == "" {
		filter = "all"
	}
	parts := []string{
		"status: " + filter,
		fmt.Sprintf("groups: %d", len(d.groups)),
	}
	if d.stats != nil {
		parts = append(parts, fmt.Sprintf("inbox: %d pending", d.stats.Inbox.Pending))
	}
	if r := d.lastRun; r != nil {
		parts = append(parts, fmt.Sprintf("last run: +%d ~%d -%d in %s",
			r.Inserted, r.Updated, r.Deleted, r.Duration.Round(time.Millisecond)))
	}
	if !d.loadedAt.IsZero() {
		parts = append(parts, "updated "+d.loadedAt.Format("15:04:05"))
	}
	return labelStyle.Width(width).Render(truncate(strings.Join(parts, "  │  "), width))
}

func (d *dashboard) footer(width int) string {
	return lipgloss.NewStyle().Width(width).Render(d.help.View(d.keys))
}
