package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/superfly/dmsweep"
	"github.com/superfly/dmsweep/database"
	"github.com/superfly/dmsweep/devicemapper"
	"github.com/superfly/dmsweep/inventory"
	"github.com/superfly/dmsweep/ledger"
)

// WatchUpdateMsg carries one refresh of watch dashboard data.
type WatchUpdateMsg struct {
	Marked      []inventory.Resource
	DeviceCount int
	MountCount  int
	LastRun     *database.Run
	Chronic     []ledger.Entry
	Pool        *devicemapper.PoolStatus
	TakenAt     time.Time
}

// FetchDataMsg is sent when a data fetch completes
type FetchDataMsg struct {
	Data  *WatchUpdateMsg
	Error error
}

// TickMsg is sent periodically to refresh the dashboard
type TickMsg time.Time

// SweepDoneMsg is sent when a manual sweep completes
type SweepDoneMsg struct {
	Report *dmsweep.SweepReport
	Error  error
}

// WatchModel is the live watch dashboard model
type WatchModel struct {
	// Configuration
	title           string
	width           int
	height          int
	refreshInterval time.Duration
	sweepTimeout    time.Duration

	// Components
	spinner spinner.Model
	table   table.Model

	// Data fetcher
	fetcher *SnapshotFetcher

	// Data
	marked      []inventory.Resource
	deviceCount int
	mountCount  int
	lastRun     *database.Run
	chronic     []ledger.Entry
	pool        *devicemapper.PoolStatus
	lastRefresh time.Time
	fetchError  error

	// Manual sweep state
	sweeping    bool
	sweepStart  time.Time
	sweepReport *dmsweep.SweepReport
	sweepError  error

	// State
	styles    *Styles
	startTime time.Time
	quitting  bool
}

// WatchConfig holds configuration for the watch dashboard.
type WatchConfig struct {
	Title           string
	RefreshInterval time.Duration
	SweepTimeout    time.Duration
	Fetcher         *SnapshotFetcher
}

// DefaultWatchConfig returns default watch configuration.
func DefaultWatchConfig() WatchConfig {
	return WatchConfig{
		Title:           "dmsweep watch",
		RefreshInterval: 2 * time.Second,
		SweepTimeout:    5 * time.Minute,
	}
}

// NewWatchModel creates a new watch model with default configuration.
func NewWatchModel(fetcher *SnapshotFetcher) *WatchModel {
	cfg := DefaultWatchConfig()
	cfg.Fetcher = fetcher
	return NewWatchModelWithConfig(cfg)
}

// NewWatchModelWithConfig creates a new watch model with custom configuration.
func NewWatchModelWithConfig(cfg WatchConfig) *WatchModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(ColorPrimary)

	if cfg.RefreshInterval == 0 {
		cfg.RefreshInterval = 2 * time.Second
	}
	if cfg.SweepTimeout == 0 {
		cfg.SweepTimeout = 5 * time.Minute
	}
	if cfg.Title == "" {
		cfg.Title = "dmsweep watch"
	}

	columns := []table.Column{
		{Title: "KIND", Width: 8},
		{Title: "NAME", Width: 44},
	}
	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	ts := table.DefaultStyles()
	ts.Header = ts.Header.
		Bold(true).
		Foreground(ColorPrimary).
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(ColorSecondary).
		BorderBottom(true)
	ts.Selected = ts.Selected.
		Foreground(ColorBackground).
		Background(ColorWarning).
		Bold(false)
	t.SetStyles(ts)

	return &WatchModel{
		title:           cfg.Title,
		refreshInterval: cfg.RefreshInterval,
		sweepTimeout:    cfg.SweepTimeout,
		fetcher:         cfg.Fetcher,
		spinner:         s,
		table:           t,
		marked:          []inventory.Resource{},
		chronic:         []ledger.Entry{},
		styles:          DefaultStyles(),
		startTime:       time.Now(),
	}
}

// Init initializes the watch dashboard
func (m *WatchModel) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		tickEvery(m.refreshInterval),
		m.fetchData(),
	)
}

// fetchData creates a command to fetch watch data
func (m *WatchModel) fetchData() tea.Cmd {
	return func() tea.Msg {
		if m.fetcher == nil {
			return FetchDataMsg{Error: nil}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		data, err := m.fetcher.FetchWatchData(ctx)
		return FetchDataMsg{Data: data, Error: err}
	}
}

// runSweep creates a command that triggers the configured sweep function.
func (m *WatchModel) runSweep() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), m.sweepTimeout)
		defer cancel()

		report, err := m.fetcher.TriggerSweep(ctx)
		return SweepDoneMsg{Report: report, Error: err}
	}
}

// tickEvery creates a command that sends a tick message periodically
func tickEvery(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// Update handles messages
func (m *WatchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyMsg(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		tableHeight := m.height/2 - 6
		if tableHeight < 4 {
			tableHeight = 4
		}
		m.table.SetHeight(tableHeight)

	case TickMsg:
		cmds = append(cmds, tickEvery(m.refreshInterval))
		cmds = append(cmds, m.fetchData())

	case FetchDataMsg:
		m.lastRefresh = time.Now()
		m.fetchError = msg.Error
		if msg.Data != nil {
			m.marked = msg.Data.Marked
			m.deviceCount = msg.Data.DeviceCount
			m.mountCount = msg.Data.MountCount
			m.lastRun = msg.Data.LastRun
			m.chronic = msg.Data.Chronic
			m.pool = msg.Data.Pool
			m.table.SetRows(resourceRows(msg.Data.Marked))
		}

	case SweepDoneMsg:
		m.sweeping = false
		m.sweepReport = msg.Report
		m.sweepError = msg.Error
		// Refresh immediately so the table reflects what the sweep removed
		cmds = append(cmds, m.fetchData())

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

// handleKeyMsg handles keyboard input
func (m *WatchModel) handleKeyMsg(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg.String() {
	case "q", "ctrl+c":
		m.quitting = true
		return m, tea.Quit

	case "s":
		// Manual sweep. The sweep function serializes through the guard,
		// but the dashboard also refuses to stack requests.
		if !m.sweeping && m.fetcher != nil {
			m.sweeping = true
			m.sweepStart = time.Now()
			m.sweepReport = nil
			m.sweepError = nil
			cmds = append(cmds, m.runSweep())
		}

	case "r":
		// Manual refresh
		cmds = append(cmds, m.fetchData())

	default:
		// Table navigation (j/k, g/G, pgup/pgdn)
		var cmd tea.Cmd
		m.table, cmd = m.table.Update(msg)
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

// resourceRows converts marked resources to table rows.
func resourceRows(resources []inventory.Resource) []table.Row {
	rows := make([]table.Row, 0, len(resources))
	for _, r := range resources {
		rows = append(rows, table.Row{r.Kind, r.Name})
	}
	return rows
}

// View renders the watch dashboard
func (m *WatchModel) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder

	// Title bar with connection indicator
	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(ColorPrimary).
		Background(ColorBackground).
		Padding(0, 2).
		Width(m.width)

	uptime := time.Since(m.startTime)
	connStatus := m.styles.Success.Render("●")
	if m.fetchError != nil {
		connStatus = m.styles.Error.Render("●")
	}

	title := fmt.Sprintf("%s  %s %s  Uptime: %s",
		m.spinner.View(),
		m.title,
		connStatus,
		FormatDuration(uptime))
	b.WriteString(titleStyle.Render(title) + "\n\n")

	halfWidth := (m.width - 4) / 2
	if halfWidth < 30 {
		halfWidth = 30
	}

	// Marked resources and sweep status side by side
	resourcesPanel := m.renderResourcesPanel(halfWidth)
	statusPanel := m.renderStatusPanel(halfWidth)
	topSection := lipgloss.JoinHorizontal(lipgloss.Top, resourcesPanel, "  ", statusPanel)
	b.WriteString(topSection + "\n")

	b.WriteString(m.renderSweepLine() + "\n")

	b.WriteString(m.renderHelp())

	return b.String()
}

// renderResourcesPanel renders the marked resources table panel
func (m *WatchModel) renderResourcesPanel(width int) string {
	var content strings.Builder

	if m.fetchError != nil {
		errMsg := m.fetchError.Error()
		if len(errMsg) > 60 {
			errMsg = errMsg[:57] + "..."
		}
		content.WriteString(m.styles.Error.Render(fmt.Sprintf("  Error: %s", errMsg)) + "\n")
	} else if len(m.marked) == 0 {
		content.WriteString(m.styles.Muted.Render("  No marked resources") + "\n")
	} else {
		content.WriteString(m.table.View() + "\n")
	}

	head := fmt.Sprintf("Marked Resources (%d)", len(m.marked))
	return m.styles.ActivePanel.Width(width).Render(
		m.styles.SectionHead.Render(head) + "\n" +
			content.String())
}

// renderStatusPanel renders marker, history, and pool status
func (m *WatchModel) renderStatusPanel(width int) string {
	var content strings.Builder

	if m.fetcher != nil {
		content.WriteString(fmt.Sprintf("  %s %s\n",
			m.styles.Muted.Render("Marker:"),
			m.fetcher.Marker().Token()))
	}
	content.WriteString(fmt.Sprintf("  %s %d devices, %d mounts\n",
		m.styles.Muted.Render("Visible:"),
		m.deviceCount, m.mountCount))

	// History database status
	if m.fetcher != nil && m.fetcher.DBPath() != "" {
		dbStatus := m.styles.Success.Render("●")
		if m.fetcher.DBError() != nil {
			dbStatus = m.styles.Error.Render("●")
		}
		dbPath := m.fetcher.DBPath()
		if len(dbPath) > 30 {
			dbPath = "..." + dbPath[len(dbPath)-27:]
		}
		content.WriteString(fmt.Sprintf("  %s %s %s\n",
			m.styles.Muted.Render("DB:"),
			dbStatus,
			dbPath))
	}

	// Last recorded run
	content.WriteString("\n")
	if m.lastRun != nil {
		status := "clean"
		if !m.lastRun.Clean {
			status = "dirty"
		}
		content.WriteString(fmt.Sprintf("  %s %s %d detached, %d removed (%d passes)\n",
			m.styles.Muted.Render("Last run:"),
			m.styles.StatusIcon(status),
			m.lastRun.MountsDetached,
			m.lastRun.DevicesRemoved,
			m.lastRun.DevicePasses))
		content.WriteString(m.styles.Muted.Render(fmt.Sprintf("    %s ago",
			FormatDuration(time.Since(m.lastRun.CompletedAt)))) + "\n")
		if len(m.lastRun.Leftover) > 0 {
			content.WriteString(m.styles.Error.Render(fmt.Sprintf("    %d leftover",
				len(m.lastRun.Leftover))) + "\n")
		}
	} else {
		content.WriteString(m.styles.Muted.Render("  No recorded runs") + "\n")
	}

	// Chronic offenders from the ledger
	if len(m.chronic) > 0 {
		content.WriteString("\n")
		content.WriteString("  " + m.styles.Warning.Render("Chronic leftovers:") + "\n")
		shown := m.chronic
		if len(shown) > 3 {
			shown = shown[:3]
		}
		for _, e := range shown {
			content.WriteString(fmt.Sprintf("    %s %s ×%d\n",
				m.styles.StatusIcon("chronic"), e.Name, e.Attempts))
		}
		if len(m.chronic) > 3 {
			content.WriteString(m.styles.Muted.Render(fmt.Sprintf("    +%d more",
				len(m.chronic)-3)) + "\n")
		}
	}

	// Fixture pool usage
	if m.pool != nil && m.pool.DataTotal > 0 {
		content.WriteString("\n")
		content.WriteString(fmt.Sprintf("  %s %s / %s (%.1f%%)\n",
			m.styles.Muted.Render("Pool data:"),
			FormatBytes(m.pool.DataUsed),
			FormatBytes(m.pool.DataTotal),
			m.pool.UsedPercent()))
	}

	return m.styles.Panel.Width(width).Render(
		m.styles.SectionHead.Render("Sweep Status") + "\n" +
			content.String())
}

// renderSweepLine renders the manual sweep progress line
func (m *WatchModel) renderSweepLine() string {
	pad := lipgloss.NewStyle().Padding(0, 2)

	switch {
	case m.sweeping:
		return pad.Render(m.styles.Warning.Render(fmt.Sprintf("%s Sweeping... (%s)",
			m.spinner.View(),
			FormatDuration(time.Since(m.sweepStart)))))

	case m.sweepError != nil:
		errMsg := m.sweepError.Error()
		if len(errMsg) > 70 {
			errMsg = errMsg[:67] + "..."
		}
		return pad.Render(m.styles.Error.Render(fmt.Sprintf("%s Sweep failed: %s",
			SymbolError, errMsg)))

	case m.sweepReport != nil:
		return pad.Render(m.styles.Success.Render(fmt.Sprintf("%s Swept %d mounts, %d devices in %s",
			SymbolSuccess,
			m.sweepReport.MountsDetached,
			m.sweepReport.DevicesRemoved,
			FormatDuration(m.sweepReport.Duration()))))

	default:
		return pad.Render(m.styles.Muted.Render("Press 's' to sweep now"))
	}
}

// renderHelp renders the key binding help line
func (m *WatchModel) renderHelp() string {
	keys := []struct {
		key  string
		desc string
	}{
		{"s", "sweep now"},
		{"r", "refresh"},
		{"j/k", "navigate"},
		{"q", "quit"},
	}

	var parts []string
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s %s",
			m.styles.HelpKey.Render(k.key),
			m.styles.HelpDesc.Render(k.desc)))
	}

	return m.styles.Help.Render(strings.Join(parts, "  •  "))
}
