package tui

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const digestPageID = "digest"

// digestPage shows today's digest as a bar chart with the store sizes.
type digestPage struct {
	d *dashboard
}

func newDigestPage(d *dashboard) *digestPage {
	return &digestPage{d: d}
}

func (p *digestPage) ID() string { return digestPageID }

func (p *digestPage) Init() tea.Cmd { return p.d.init() }

func (p *digestPage) Update(msg tea.Msg) (tea.Cmd, *PageNav) {
	if km, ok := msg.(tea.KeyMsg); ok && key.Matches(km, p.d.keys.NextPage) {
		return nil, &PageNav{PageID: groupsPageID}
	}
	cmd, _ := p.d.handle(msg)
	return cmd, nil
}

func (p *digestPage) View(width, height int) string {
	statsLines := p.statsLines()
	// header, status line, help, two section borders, chart title
	chartHeight := max(height-3-4-1-len(statsLines), 4)

	title := "Daily summary"
	if !p.d.digest.Date.IsZero() {
		title = fmt.Sprintf("Daily summary for %s (%d total)", p.d.digest.Date.Format("02.01.2006"), p.d.digest.Total)
	}
	chart := lipgloss.JoinVertical(lipgloss.Left,
		chartTitleStyle.Render(title),
		renderCategoryChart(p.d.digest, width-4, chartHeight),
	)

	return lipgloss.JoinVertical(lipgloss.Left,
		p.d.header(width, "Digest"),
		p.d.statusLine(width),
		activeSectionStyle.Width(width-2).Render(chart),
		sectionStyle.Width(width-2).Render(strings.Join(statsLines, "\n")),
		p.d.footer(width),
	)
}

func (p *digestPage) statsLines() []string {
	s := p.d.stats
	if s == nil {
		return []string{helpStyle.Render("Store statistics are not available.")}
	}
	lines := []string{
		labelStyle.Render("Inbox     ") + fmt.Sprintf("%d total, %d pending, cursor %d", s.Inbox.Total, s.Inbox.Pending, s.Inbox.Cursor),
	}
	if len(s.Inbox.BySource) > 0 {
		lines = append(lines, labelStyle.Render("Sources   ")+joinCounts(s.Inbox.BySource))
	}
	if len(s.RowCounts) > 0 {
		lines = append(lines, labelStyle.Render("Tables    ")+joinCounts(s.RowCounts))
	}
	return lines
}

func joinCounts(m map[string]int64) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s %d", k, m[k])
	}
	return strings.Join(parts, ", ")
}
