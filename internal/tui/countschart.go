package tui

import (
	"fmt"
	"strings"

	"github.com/NimbleMarkets/ntcharts/barchart"
	"github.com/charmbracelet/lipgloss"

	"github.com/tinytelemetry/errtally/internal/enrich"
)

const legendWidth = 28

type chartBar struct {
	name  string
	count int
	style lipgloss.Style
}

// digestBars lists the digest's categories in order, Uncategorized last.
func digestBars(d enrich.Digest) []chartBar {
	bars := make([]chartBar, 0, len(d.Categories)+1)
	for i, c := range d.Categories {
		color := barPalette[i%len(barPalette)]
		bars = append(bars, chartBar{
			name:  c.Category,
			count: c.Count,
			style: lipgloss.NewStyle().Foreground(color).Background(color),
		})
	}
	if d.Uncategorized > 0 {
		bars = append(bars, chartBar{
			name:  enrich.Uncategorized,
			count: d.Uncategorized,
			style: lipgloss.NewStyle().Foreground(lipgloss.Color("250")).Background(lipgloss.Color("250")),
		})
	}
	return bars
}

// renderCategoryChart draws one bar per digest category next to a legend
// with the 1 day counts.
func renderCategoryChart(d enrich.Digest, width, height int) string {
	bars := digestBars(d)
	if d.Empty || len(bars) == 0 {
		return lipgloss.Place(width, height, lipgloss.Center, lipgloss.Center,
			helpStyle.Render("No data for the report."))
	}
	if height < 3 {
		height = 3
	}

	chartWidth := width - legendWidth - 2
	if chartWidth < 10 {
		chartWidth = 10
	}
	maxBars := chartWidth / 3
	if len(bars) > maxBars {
		bars = bars[:maxBars]
	}

	bc := barchart.New(chartWidth, height,
		barchart.WithBarGap(1),
		barchart.WithBarWidth(2),
		barchart.WithNoAxis(),
	)
	for _, b := range bars {
		bc.Push(barchart.BarData{
			Values: []barchart.BarValue{{Name: b.name, Value: float64(b.count), Style: b.style}},
		})
	}
	bc.Draw()

	legend := make([]string, 0, height)
	for _, b := range bars {
		if len(legend) == height-2 {
			break
		}
		swatch := b.style.Render("  ")
		legend = append(legend, fmt.Sprintf("%s %-*s%6d", swatch, legendWidth-10, truncate(b.name, legendWidth-10), b.count))
	}
	legend = append(legend, labelStyle.Render(strings.Repeat("─", legendWidth-2)))
	legend = append(legend, fmt.Sprintf("   %-*s%6d", legendWidth-10, "Total", d.Total))

	chartLines := strings.Split(bc.View(), "\n")
	lines := make([]string, height)
	for i := range lines {
		var chartLine, legendLine string
		if i < len(chartLines) {
			chartLine = chartLines[i]
		}
		if i < len(legend) {
			legendLine = legend[i]
		}
		if pad := chartWidth - lipgloss.Width(chartLine); pad > 0 {
			chartLine += strings.Repeat(" ", pad)
		}
		lines[i] = chartLine + "  " + legendLine
	}
	return strings.Join(lines, "\n")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 1 {
		return string(r[:n])
	}
	return string(r[:n-1]) + "…"
}
