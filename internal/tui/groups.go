package tui

import (
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/tinytelemetry/errtally/internal/httpserver"
)

const (
	groupsPageID = "groups"
	detailLines  = 6
)

// groupsPage lists the group table with a detail pane for the selected row.
type groupsPage struct {
	d       *dashboard
	table   table.Model
	rows    []httpserver.GroupView
	version int
}

func newGroupsPage(d *dashboard) *groupsPage {
	t := table.New(
		table.WithColumns(groupColumns(120)),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(ColorNavy).
		BorderBottom(true).
		Bold(true)
	styles.Selected = styles.Selected.
		Foreground(ColorWhite).
		Background(ColorNavy).
		Bold(false)
	t.SetStyles(styles)
	return &groupsPage{d: d, table: t}
}

// groupColumns sizes the columns for an inner width; the pattern column
// takes what the fixed ones leave.
func groupColumns(width int) []table.Column {
	cols := []table.Column{
		{Title: "Category", Width: 14},
		{Title: "Pattern"},
		{Title: "1d", Width: 5},
		{Title: "7d", Width: 5},
		{Title: "30d", Width: 5},
		{Title: "Last seen", Width: 19},
		{Title: "Status", Width: 9},
	}
	used := 0
	for _, c := range cols {
		used += c.Width + 2
	}
	cols[1].Width = width - used
	if cols[1].Width < 16 {
		cols[1].Width = 16
	}
	return cols
}

func (p *groupsPage) ID() string { return groupsPageID }

func (p *groupsPage) Init() tea.Cmd { return p.d.init() }

func (p *groupsPage) Update(msg tea.Msg) (tea.Cmd, *PageNav) {
	if km, ok := msg.(tea.KeyMsg); ok && key.Matches(km, p.d.keys.NextPage) {
		return nil, &PageNav{PageID: digestPageID}
	}
	cmd, consumed := p.d.handle(msg)
	p.sync()
	if consumed {
		return cmd, nil
	}
	var tableCmd tea.Cmd
	p.table, tableCmd = p.table.Update(msg)
	return tea.Batch(cmd, tableCmd), nil
}

// sync rebuilds the table rows after a load, keeping the cursor in range.
func (p *groupsPage) sync() {
	if p.version == p.d.version {
		return
	}
	p.version = p.d.version
	p.rows = p.d.groups
	rows := make([]table.Row, len(p.rows))
	for i, g := range p.rows {
		rows[i] = table.Row{
			g.Category,
			strings.Join(strings.Fields(g.Pattern), " "),
			strconv.Itoa(g.OneDay),
			strconv.Itoa(g.SevenDay),
			strconv.Itoa(g.ThirtyDay),
			g.LastSeen,
			g.Status,
		}
	}
	p.table.SetRows(rows)
	if c := p.table.Cursor(); c >= len(rows) {
		p.table.SetCursor(max(len(rows)-1, 0))
	}
}

func (p *groupsPage) selected() (httpserver.GroupView, bool) {
	c := p.table.Cursor()
	if c < 0 || c >= len(p.rows) {
		return httpserver.GroupView{}, false
	}
	return p.rows[c], true
}

func (p *groupsPage) View(width, height int) string {
	p.sync()
	inner := width - 4
	// header, status line, help, two section borders, table header
	p.table.SetHeight(max(height-3-4-detailLines, 3))
	p.table.SetColumns(groupColumns(inner))
	p.table.SetWidth(inner)

	tableBox := activeSectionStyle.Width(width - 2).Render(p.table.View())
	detailBox := sectionStyle.Width(width - 2).Height(detailLines).Render(p.detail(inner))

	return lipgloss.JoinVertical(lipgloss.Left,
		p.d.header(width, "Groups"),
		p.d.statusLine(width),
		tableBox,
		detailBox,
		p.d.footer(width),
	)
}

func (p *groupsPage) detail(width int) string {
	g, ok := p.selected()
	if !ok {
		if p.d.loadedAt.IsZero() {
			return helpStyle.Render("Loading...")
		}
		return helpStyle.Render("No groups match the filter.")
	}
	field := func(label, value string) string {
		return labelStyle.Render(label) + truncate(value, width-len(label))
	}
	status := g.Status
	if status == "" {
		status = "-"
	}
	note, _, _ := strings.Cut(g.ResolutionNote, "\n")
	if note == "" {
		note = "-"
	}
	where := strings.Join(g.Addresses, ", ")
	if where == "" {
		where = "-"
	}
	category := g.Category
	if category == "" {
		category = "-"
	}
	lastSeen := g.LastSeen
	if lastSeen == "" {
		lastSeen = "never"
	}
	return strings.Join([]string{
		field("Pattern   ", strings.Join(strings.Fields(g.Pattern), " ")),
		field("Category  ", category),
		field("Seen      ", strconv.Itoa(g.OneDay)+" / "+strconv.Itoa(g.SevenDay)+" / "+strconv.Itoa(g.ThirtyDay)+" (1d/7d/30d), last "+lastSeen),
		labelStyle.Render("Status    ") + statusStyle(g.Status).Render(status),
		field("Where     ", where),
		field("Note      ", note),
	}, "\n")
}
