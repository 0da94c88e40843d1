package tui

import tea "github.com/charmbracelet/bubbletea"

// Page is one screen of the viewer, such as the group table or the daily
// digest. Pages share the dashboard and rebuild from it on every message;
// View gets the space left between the header and the footer.
type Page interface {
	ID() string
	Init() tea.Cmd
	Update(msg tea.Msg) (tea.Cmd, *PageNav)
	View(width, height int) string
}

// PageNav asks the App to switch to the page with PageID. Unknown ids are
// ignored.
type PageNav struct {
	PageID string
}
