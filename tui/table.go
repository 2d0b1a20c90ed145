package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Column represents a table column
type Column struct {
	Title string
	Width int
}

// RenderSimple renders a simple table without borders
func RenderSimple(headers []string, rows [][]string, styles *Styles) string {
	if styles == nil {
		styles = DefaultStyles()
	}

	var b strings.Builder

	// Calculate column widths
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	// Header
	for i, h := range headers {
		cell := styles.TableHeader.Width(widths[i] + 2).Render(h)
		b.WriteString(cell)
	}
	b.WriteString("\n")

	// Rows
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) {
				styled := styles.TableRow.Width(widths[i] + 2).Render(cell)
				b.WriteString(styled)
			}
		}
		b.WriteString("\n")
	}

	return b.String()
}

// RunRow represents a recorded sweep run for table display
type RunRow struct {
	RunID    string
	Started  string
	Duration string
	Detached string
	Removed  string
	Passes   string
	Leftover string
	Clean    bool
}

// RenderRunsTable renders a table of recorded sweep runs
func RenderRunsTable(runs []RunRow) string {
	styles := DefaultStyles()
	var b strings.Builder

	// Title
	b.WriteString(styles.Title.Render("Sweep History") + "\n\n")

	if len(runs) == 0 {
		b.WriteString(styles.Muted.Render("  No recorded runs\n"))
		return b.String()
	}

	columns := []Column{
		{Title: "STATUS", Width: 7},
		{Title: "RUN ID", Width: 16},
		{Title: "STARTED", Width: 20},
		{Title: "DURATION", Width: 9},
		{Title: "DETACHED", Width: 9},
		{Title: "REMOVED", Width: 8},
		{Title: "PASSES", Width: 7},
		{Title: "LEFTOVER", Width: 9},
	}

	// Header
	var headerLine string
	for _, col := range columns {
		cell := styles.TableHeader.Width(col.Width).Render(col.Title)
		headerLine += cell + " "
	}
	b.WriteString(headerLine + "\n")

	// Separator
	for _, col := range columns {
		b.WriteString(styles.Muted.Render(strings.Repeat("─", col.Width)) + " ")
	}
	b.WriteString("\n")

	// Rows
	for _, run := range runs {
		status := "clean"
		if !run.Clean {
			status = "dirty"
		}
		icon := styles.StatusIcon(status)

		// Truncate run ID
		runID := run.RunID
		if len(runID) > 14 {
			runID = runID[:14] + ".."
		}

		cells := []string{icon, runID, run.Started, run.Duration, run.Detached, run.Removed, run.Passes, run.Leftover}
		for i, col := range columns {
			var cell string
			if i < len(cells) {
				cell = cells[i]
			}
			styled := lipgloss.NewStyle().Width(col.Width).Render(cell)
			b.WriteString(styled + " ")
		}
		b.WriteString("\n")
	}

	b.WriteString(fmt.Sprintf("\n%s %d runs\n", styles.Muted.Render("Total:"), len(runs)))

	return b.String()
}

// ResourceRow represents a snapshot resource for table display
type ResourceRow struct {
	Kind   string
	Name   string
	Marked bool
}

// RenderResourcesTable renders a table of snapshot resources
func RenderResourcesTable(resources []ResourceRow) string {
	styles := DefaultStyles()
	var b strings.Builder

	// Title
	b.WriteString(styles.Title.Render("Marked Resources") + "\n\n")

	if len(resources) == 0 {
		b.WriteString(styles.Muted.Render("  No marked resources found\n"))
		return b.String()
	}

	columns := []Column{
		{Title: "STATUS", Width: 7},
		{Title: "KIND", Width: 8},
		{Title: "NAME", Width: 44},
	}

	// Header
	var headerLine string
	for _, col := range columns {
		cell := styles.TableHeader.Width(col.Width).Render(col.Title)
		headerLine += cell + " "
	}
	b.WriteString(headerLine + "\n")

	// Separator
	for _, col := range columns {
		b.WriteString(styles.Muted.Render(strings.Repeat("─", col.Width)) + " ")
	}
	b.WriteString("\n")

	// Rows
	for _, res := range resources {
		status := "marked"
		if !res.Marked {
			status = "unmarked"
		}
		icon := styles.StatusIcon(status)

		// Truncate name
		name := res.Name
		if len(name) > 42 {
			name = name[:42] + ".."
		}

		cells := []string{icon, res.Kind, name}
		for i, col := range columns {
			var cell string
			if i < len(cells) {
				cell = cells[i]
			}
			styled := lipgloss.NewStyle().Width(col.Width).Render(cell)
			b.WriteString(styled + " ")
		}
		b.WriteString("\n")
	}

	b.WriteString(fmt.Sprintf("\n%s %d resources\n", styles.Muted.Render("Total:"), len(resources)))

	return b.String()
}
