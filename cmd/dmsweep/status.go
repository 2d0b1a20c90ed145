package main

import (
	"context"
	"fmt"
	"io"
	stdlog "log"
	"os"
	"path/filepath"
	"strconv"

	tea "github.com/charmbracelet/bubbletea"

	dmsweep "github.com/superfly/dmsweep"
	"github.com/superfly/dmsweep/database"
	"github.com/superfly/dmsweep/devicemapper"
	"github.com/superfly/dmsweep/inventory"
	"github.com/superfly/dmsweep/ledger"
	"github.com/superfly/dmsweep/mounts"
	"github.com/superfly/dmsweep/sweep"
	"github.com/superfly/dmsweep/tui"
)

// chronicAttempts is how many consecutive runs a device must survive before
// status flags it as chronic.
const chronicAttempts = 2

// runStatus prints the marked resources currently visible on this host,
// plus any devices the ledger has seen survive repeated sweeps.
func runStatus(cfg Config) error {
	if err := setupLogger(cfg.LogLevel); err != nil {
		return err
	}

	ctx := context.Background()

	marker, err := sweep.NewMarker(cfg.MarkerToken)
	if err != nil {
		return fmt.Errorf("invalid marker token: %w", err)
	}

	devices := devicemapper.New()
	devices.SuppressLogs()

	mnts := mounts.NewManager(log)
	if cfg.MountSource != "" {
		mnts.SetSource(cfg.MountSource)
	}

	snap, err := inventory.Take(ctx, devices, mnts, marker)
	if err != nil {
		return err
	}

	marked, err := snap.Marked()
	if err != nil {
		return err
	}

	styles := tui.DefaultStyles()

	rows := make([]tui.ResourceRow, 0, len(marked))
	for _, r := range marked {
		rows = append(rows, tui.ResourceRow{Kind: r.Kind, Name: r.Name, Marked: r.Marked})
	}
	fmt.Print(tui.RenderResourcesTable(rows))

	// The ledger is only consulted if it already exists; a read-only
	// status command should not create state files.
	if _, err := os.Stat(cfg.LedgerPath); err != nil {
		return nil
	}

	ledCfg := ledger.DefaultConfig()
	ledCfg.Path = cfg.LedgerPath
	led, err := ledger.Open(ledCfg, log)
	if err != nil {
		log.WithError(err).Warn("leftover ledger unavailable")
		return nil
	}
	defer led.Close()

	chronic, err := led.Chronic(chronicAttempts)
	if err != nil {
		log.WithError(err).Warn("failed to read chronic leftovers")
		return nil
	}
	if len(chronic) == 0 {
		return nil
	}

	fmt.Println()
	fmt.Println(styles.Warning.Render(fmt.Sprintf("Chronic leftovers (survived >= %d sweeps):", chronicAttempts)))
	chronicRows := make([][]string, 0, len(chronic))
	for _, e := range chronic {
		// The open count is what usually explains a stuck device; "-"
		// means it is gone now or unreadable.
		open := "-"
		if info, err := devices.GetDeviceInfo(ctx, e.Name); err == nil {
			open = strconv.Itoa(info.OpenCount)
		}
		chronicRows = append(chronicRows, []string{
			e.Name,
			strconv.Itoa(e.Attempts),
			open,
			e.LastSeen.Local().Format("2006-01-02 15:04:05"),
		})
	}
	fmt.Print(tui.RenderSimple([]string{"DEVICE", "ATTEMPTS", "OPEN", "LAST SEEN"}, chronicRows, styles))

	return nil
}

// runHistory lists recorded sweep runs, newest first.
func runHistory(cfg Config) error {
	if err := setupLogger(cfg.LogLevel); err != nil {
		return err
	}

	// Opening the database would create it; an absent file just means
	// nothing has been recorded yet.
	if _, err := os.Stat(cfg.DBPath); err != nil {
		fmt.Print(tui.RenderRunsTable(nil))
		return nil
	}

	ctx := context.Background()

	dbCfg := database.DefaultConfig()
	dbCfg.Path = cfg.DBPath
	db, err := database.New(dbCfg)
	if err != nil {
		return fmt.Errorf("failed to open history database: %w", err)
	}
	defer db.Close()

	runs, err := db.ListRuns(ctx, cfg.HistoryLimit)
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}

	rows := make([]tui.RunRow, 0, len(runs))
	for _, run := range runs {
		rows = append(rows, runRowFromRecord(run))
	}
	fmt.Print(tui.RenderRunsTable(rows))

	return nil
}

// runRowFromRecord converts a stored run into its table row.
func runRowFromRecord(run *database.Run) tui.RunRow {
	leftover := "-"
	if n := len(run.Leftover); n > 0 {
		leftover = strconv.Itoa(n)
	}

	return tui.RunRow{
		RunID:    run.RunID,
		Started:  run.StartedAt.Local().Format("2006-01-02 15:04:05"),
		Duration: tui.FormatDuration(run.Duration()),
		Detached: strconv.Itoa(run.MountsDetached),
		Removed:  strconv.Itoa(run.DevicesRemoved),
		Passes:   strconv.Itoa(run.DevicePasses),
		Leftover: leftover,
		Clean:    run.Clean,
	}
}

// runWatch starts the interactive dashboard. Auxiliary data sources that
// fail to open degrade to empty panels instead of aborting; the history
// error is surfaced in the dashboard's connection indicator.
func runWatch(cfg Config) error {
	marker, err := sweep.NewMarker(cfg.MarkerToken)
	if err != nil {
		return fmt.Errorf("invalid marker token: %w", err)
	}

	// Suppress log output so it does not corrupt the TUI rendering,
	// restoring it on exit so post-TUI errors still print.
	log.SetOutput(io.Discard)
	stdlog.SetOutput(io.Discard)
	defer log.SetOutput(os.Stderr)

	devices := devicemapper.New()
	devices.SuppressLogs()

	mnts := mounts.NewManager(log)
	if cfg.MountSource != "" {
		mnts.SetSource(cfg.MountSource)
	}

	var (
		db    *database.DB
		dbErr error
	)
	dbCfg := database.DefaultConfig()
	dbCfg.Path = cfg.DBPath
	db, dbErr = database.New(dbCfg)
	if dbErr != nil {
		db = nil
	} else {
		defer db.Close()
	}

	var led *ledger.Ledger
	ledCfg := ledger.DefaultConfig()
	ledCfg.Path = cfg.LedgerPath
	if l, err := ledger.Open(ledCfg, log); err == nil {
		led = l
		defer led.Close()
	}

	fetcher := tui.NewSnapshotFetcherWithHistory(devices, mnts, marker, db, cfg.DBPath, dbErr)
	if led != nil {
		fetcher.SetLedger(led)
	}
	if cfg.PoolName != "" {
		poolCfg := devicemapper.DefaultPoolConfig(cfg.PoolName, filepath.Dir(cfg.DBPath))
		fetcher.SetPoolManager(devicemapper.NewPoolManager(poolCfg, log))
	}

	// The 's' key runs a real sweep through the same guarded path as the
	// sweep command, recording to whatever stores opened above.
	initializeGuard(cfg)
	sweep.RegisterMetrics()

	engine := sweep.New(sweep.Config{
		Marker:    marker,
		MaxPasses: cfg.MaxPasses,
	}, devices, mnts, log)

	deps := &Dependencies{
		DB:      db,
		Ledger:  led,
		Devices: devices,
		Mounts:  mnts,
		Engine:  engine,
		Marker:  marker,
		DBErr:   dbErr,
	}

	fetcher.SetSweepFunc(func(ctx context.Context) (*dmsweep.SweepReport, error) {
		return executeSweep(ctx, cfg, deps)
	})

	watchCfg := tui.DefaultWatchConfig()
	watchCfg.RefreshInterval = cfg.RefreshInterval
	watchCfg.SweepTimeout = cfg.SweepTimeout
	watchCfg.Fetcher = fetcher

	model := tui.NewWatchModelWithConfig(watchCfg)

	// Run the TUI - use alt-screen unless --inline was given
	var p *tea.Program
	if cfg.Inline {
		p = tea.NewProgram(model)
	} else {
		p = tea.NewProgram(model, tea.WithAltScreen())
	}

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("failed to run watch dashboard: %w", err)
	}

	return nil
}
