package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	dmsweep "github.com/superfly/dmsweep"
	"github.com/superfly/dmsweep/devicemapper"
	"github.com/superfly/dmsweep/inventory"
	"github.com/superfly/dmsweep/mounts"
	"github.com/superfly/dmsweep/perf"
	"github.com/superfly/dmsweep/preflight"
	"github.com/superfly/dmsweep/s3"
	"github.com/superfly/dmsweep/sweep"
	"github.com/superfly/dmsweep/tui"
)

// runSweep implements the sweep command: detach marked mounts, then remove
// marked DM devices until the kernel listing converges.
func runSweep(cfg Config) error {
	// Validate flag combinations first
	if cfg.DryRun && cfg.Archive {
		return fmt.Errorf("cannot specify both --dry-run and --archive")
	}

	if err := setupLogger(cfg.LogLevel); err != nil {
		return err
	}

	ctx := context.Background()

	if cfg.DryRun {
		return runDryRun(ctx, cfg)
	}

	// Cross-process exclusion before touching any device
	if err := acquireSweepLock(cfg.LockDir); err != nil {
		return err
	}
	defer releaseSweepLock(cfg.LockDir)

	initializeGuard(cfg)
	sweep.RegisterMetrics()

	deps, err := initializeDependencies(cfg)
	if err != nil {
		return err
	}
	defer deps.Close()

	report, runErr := executeSweep(ctx, cfg, deps)

	if report != nil {
		if cfg.JSONOut {
			data, err := report.Marshal()
			if err != nil {
				return fmt.Errorf("failed to marshal report: %w", err)
			}
			fmt.Println(string(data))
		} else {
			printReportSummary(report)
		}
	}

	return runErr
}

// executeSweep runs one guarded sweep and persists its report. The report
// is non-nil whenever the engine actually ran, error or not, so callers can
// surface partial work. The watch dashboard calls this for manual sweeps.
func executeSweep(ctx context.Context, cfg Config, deps *Dependencies) (*dmsweep.SweepReport, error) {
	metrics := perf.NewRunMetrics()
	ctx = perf.WithMetrics(ctx, metrics)

	if cfg.SweepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.SweepTimeout)
		defer cancel()
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	var (
		sum    sweep.Summary
		runErr error
		ran    bool
	)

	startedAt := time.Now()
	guardErr := sweepGuard.WithOperation(ctx, "sweep", func() error {
		ran = true
		return preflight.Recovered(log, "sweep", func() error {
			sum, runErr = deps.Engine.Run(ctx)
			return runErr
		})
	})
	completedAt := time.Now()

	if !ran {
		// Guard refused the slot or a preflight check failed; the
		// engine never started, so there is nothing to record.
		return nil, guardErr
	}
	if guardErr != nil && runErr == nil {
		// The engine panicked mid-run and never returned.
		runErr = guardErr
	}

	metrics.MountStageDuration = sum.MountStage
	metrics.DeviceStageDuration = sum.DeviceStage
	metrics.TotalDuration = completedAt.Sub(startedAt)
	metrics.DevicePasses = sum.DevicePasses

	report := dmsweep.NewSweepReport(hostname, deps.Marker.Token(), startedAt, completedAt, sum, runErr)

	recordRun(ctx, cfg, deps, report, metrics)

	log.Debug(metrics.Summary())

	return report, runErr
}

// recordRun persists the report to the history database, updates the
// leftover ledger, and optionally archives the report to S3. Persistence
// failures are warnings: the devices are already gone, losing the record
// of that is not worth failing the run over.
func recordRun(ctx context.Context, cfg Config, deps *Dependencies, report *dmsweep.SweepReport, metrics *perf.RunMetrics) {
	if deps.DB != nil && !cfg.NoRecord {
		start := time.Now()
		err := deps.DB.RecordRun(ctx, report)
		metrics.RecordDBWrite(time.Since(start))
		if err != nil {
			log.WithError(err).Warn("failed to record sweep run")
		}
	}

	if deps.Ledger != nil {
		if err := deps.Ledger.RecordLeftovers(report.RunID, report.Leftover); err != nil {
			log.WithError(err).Warn("failed to record leftovers in ledger")
		}
		cleared, err := deps.Ledger.ClearResolved(report.Leftover)
		if err != nil {
			log.WithError(err).Warn("failed to clear resolved ledger entries")
		} else if cleared > 0 {
			log.WithField("cleared", cleared).Info("previously stuck devices resolved")
		}
	}

	if cfg.Archive {
		archiveReport(ctx, cfg, deps, report, metrics)
	}
}

// archiveReport uploads the report to S3 and back-references the object key
// in the run history.
func archiveReport(ctx context.Context, cfg Config, deps *Dependencies, report *dmsweep.SweepReport, metrics *perf.RunMetrics) {
	client, err := s3.New(ctx, s3.Config{
		Region: cfg.S3Region,
		Bucket: cfg.S3Bucket,
		Prefix: cfg.S3Prefix,
	})
	if err != nil {
		log.WithError(err).Warn("failed to create S3 client, skipping archive")
		return
	}

	start := time.Now()
	key, err := client.ArchiveReport(ctx, report)
	metrics.RecordArchive(time.Since(start))
	if err != nil {
		log.WithError(err).Warn("failed to archive sweep report")
		return
	}

	log.WithFields(logrus.Fields{
		"bucket": cfg.S3Bucket,
		"key":    key,
	}).Info("sweep report archived")

	if deps.DB != nil && !cfg.NoRecord {
		if err := deps.DB.RecordArchivedKey(ctx, report.RunID, key); err != nil {
			log.WithError(err).Warn("failed to record archive key")
		}
	}
}

// runDryRun lists what a sweep would act on without touching anything.
func runDryRun(ctx context.Context, cfg Config) error {
	log.Info("Running in DRY RUN mode - no changes will be made")

	marker, err := sweep.NewMarker(cfg.MarkerToken)
	if err != nil {
		return fmt.Errorf("invalid marker token: %w", err)
	}

	devices := devicemapper.New()
	devices.SetLogger(log)

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

	if cfg.JSONOut {
		data, err := json.MarshalIndent(marked, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal resources: %w", err)
		}
		fmt.Println(string(data))
		return nil
	}

	rows := make([]tui.ResourceRow, 0, len(marked))
	for _, r := range marked {
		rows = append(rows, tui.ResourceRow{Kind: r.Kind, Name: r.Name, Marked: r.Marked})
	}
	fmt.Print(tui.RenderResourcesTable(rows))

	return nil
}

// printReportSummary logs the human-readable outcome of a sweep.
func printReportSummary(report *dmsweep.SweepReport) {
	logger := log.WithField("run_id", report.RunID)

	logger.Info("=== Sweep Summary ===")
	logger.WithFields(logrus.Fields{
		"mounts_detached": report.MountsDetached,
		"devices_removed": report.DevicesRemoved,
		"device_passes":   report.DevicePasses,
		"duration_ms":     report.Duration().Milliseconds(),
		"clean":           report.Clean,
	}).Info("Totals")

	if len(report.Leftover) > 0 {
		logger.WithFields(logrus.Fields{
			"leftover":       report.Leftover,
			"leftover_count": len(report.Leftover),
		}).Warn("Some devices could not be removed - manual intervention may be required")
	}
}
