package sweep

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/superfly/dmsweep/perf"
)

// DeviceManager is the device-mapper surface the engine consumes. The
// production implementation is devicemapper.Client; tests substitute fakes.
type DeviceManager interface {
	// ListDeviceNames returns every device name on the host in kernel
	// listing order.
	ListDeviceNames(ctx context.Context) ([]string, error)
	// RemoveDevice makes one removal attempt. Removing a device that no
	// longer exists is a success.
	RemoveDevice(ctx context.Context, name string) error
}

// MountManager is the mount-table surface the engine consumes. The
// production implementation is mounts.Manager.
type MountManager interface {
	// ListMountPoints returns every mount point in mount-table order.
	ListMountPoints(ctx context.Context) ([]string, error)
	// DetachMount detaches the filesystem mounted at path.
	DetachMount(ctx context.Context, path string) error
}

// Config carries the engine's knobs.
type Config struct {
	// Marker selects which resources belong to the test run. The zero
	// Marker is replaced with Default().
	Marker Marker

	// MaxPasses caps the device convergence loop. 0 means unbounded; the
	// loop already terminates because every continued iteration requires a
	// successful removal, so the cap exists only as a brake for a kernel
	// that keeps spawning marked devices underneath us.
	MaxPasses int
}

// Engine runs marker-scoped teardown sweeps. Construct one per process and
// pass it by reference; the engine holds no per-run state, so a single
// instance serves any number of sequential Run calls.
type Engine struct {
	devices   DeviceManager
	mounts    MountManager
	marker    Marker
	maxPasses int
	logger    logrus.FieldLogger
	tracer    trace.Tracer
}

// New creates a sweep engine. Both managers must be non-nil; a nil logger
// falls back to the standard logger.
func New(cfg Config, devices DeviceManager, mounts MountManager, logger logrus.FieldLogger) *Engine {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	marker := cfg.Marker
	if marker.Token() == "" {
		marker = Default()
	}
	return &Engine{
		devices:   devices,
		mounts:    mounts,
		marker:    marker,
		maxPasses: cfg.MaxPasses,
		logger:    logger.WithField("component", "sweep"),
		tracer:    otel.Tracer("github.com/superfly/dmsweep/sweep"),
	}
}

// Marker returns the marker the engine sweeps with.
func (e *Engine) Marker() Marker {
	return e.marker
}

// Result is the outcome of a single device pass: whether anything was
// removed, and which marked devices could not be removed, in the order the
// kernel listed them.
type Result struct {
	Progress  bool
	Remaining []string
}

// DeviceStats accumulates what the device convergence loop accomplished.
type DeviceStats struct {
	Removed  int
	Passes   int
	Leftover []string
}

// MountStats accumulates what the mount sweep accomplished.
type MountStats struct {
	Detached int
}

// Summary aggregates a full orchestrated run for reporting. It is always
// returned, error or not, so callers can record partial work.
type Summary struct {
	MountsDetached int
	DevicesRemoved int
	DevicePasses   int
	Leftover       []string
	MountStage     time.Duration
	DeviceStage    time.Duration
}

// LeftoverDevicesError reports marked devices that survived a converged
// sweep: a full pass attempted each of them and removed none.
type LeftoverDevicesError struct {
	// Names in kernel listing order from the final pass.
	Names []string
}

func (e *LeftoverDevicesError) Error() string {
	return fmt.Sprintf("some test-generated DM devices remaining: %v", e.Names)
}

// IsLeftoverDevicesError reports whether err is (or wraps) a
// LeftoverDevicesError. Stage wrapping at the orchestrator means callers
// usually see the wrapped form, so this checks the whole chain.
func IsLeftoverDevicesError(err error) bool {
	var target *LeftoverDevicesError
	return errors.As(err, &target)
}

// SweepDevices removes every marked device-mapper device, converging by
// repeated passes.
//
// One pass lists all devices, filters to marker matches, and attempts to
// remove each in listing order. A removal failure is tolerated; the device
// stays for a later pass, when whatever holds it open may itself have been
// removed. Passes repeat while the previous pass removed anything. A pass
// that removes nothing is the fixed point: an empty remainder is success,
// and a non-empty one is a LeftoverDevicesError naming the stuck devices.
//
// A listing failure is fatal immediately: without a trustworthy listing
// there is nothing safe to iterate against.
func (e *Engine) SweepDevices(ctx context.Context) (DeviceStats, error) {
	ctx, span := e.tracer.Start(ctx, "sweep.devices")
	defer span.End()

	var stats DeviceStats
	for {
		stats.Passes++
		res, matched, err := e.devicePass(ctx, stats.Passes)
		if err != nil {
			span.RecordError(err)
			return stats, err
		}
		stats.Removed += matched - len(res.Remaining)

		if !res.Progress {
			stats.Leftover = res.Remaining
			break
		}
		if e.maxPasses > 0 && stats.Passes >= e.maxPasses {
			e.logger.WithFields(logrus.Fields{
				"passes":    stats.Passes,
				"remaining": len(res.Remaining),
			}).Warn("pass cap reached while still making progress")
			stats.Leftover = res.Remaining
			break
		}
	}

	span.SetAttributes(
		attribute.Int("devices.removed", stats.Removed),
		attribute.Int("devices.passes", stats.Passes),
		attribute.Int("devices.leftover", len(stats.Leftover)),
	)
	recordReclaimed("device", stats.Removed)
	recordDevicePasses(stats.Passes)
	recordLeftover(len(stats.Leftover))

	if len(stats.Leftover) > 0 {
		err := &LeftoverDevicesError{Names: stats.Leftover}
		e.logger.WithFields(logrus.Fields{
			"leftover": stats.Leftover,
			"passes":   stats.Passes,
		}).Error("marked devices remain after convergence")
		span.RecordError(err)
		return stats, err
	}

	e.logger.WithFields(logrus.Fields{
		"removed": stats.Removed,
		"passes":  stats.Passes,
	}).Info("device sweep converged clean")
	return stats, nil
}

// devicePass runs one list-filter-remove pass. matched counts the marked
// devices seen this pass, so the caller can derive how many were removed.
func (e *Engine) devicePass(ctx context.Context, pass int) (Result, int, error) {
	names, err := e.devices.ListDeviceNames(ctx)
	if err != nil {
		return Result{}, 0, fmt.Errorf("failed while listing DM devices, giving up: %w", err)
	}

	var res Result
	matched := 0
	for _, name := range names {
		if !e.marker.Matches(name) {
			continue
		}
		matched++
		if err := e.devices.RemoveDevice(ctx, name); err != nil {
			e.logger.WithFields(logrus.Fields{
				"device": name,
				"pass":   pass,
			}).WithError(err).Debug("device not removable this pass")
			res.Remaining = append(res.Remaining, name)
			continue
		}
		res.Progress = true
	}

	e.logger.WithFields(logrus.Fields{
		"pass":      pass,
		"matched":   matched,
		"removed":   matched - len(res.Remaining),
		"remaining": len(res.Remaining),
	}).Debug("device pass complete")
	return res, matched, nil
}

// SweepMounts detaches every marked mount point in mount-table order.
//
// Unlike devices, mounts do not hold each other open in a way a later pass
// would fix, so there is no convergence loop: the first detach failure
// aborts and is returned. A mount-table read failure is likewise fatal.
func (e *Engine) SweepMounts(ctx context.Context) (MountStats, error) {
	ctx, span := e.tracer.Start(ctx, "sweep.mounts")
	defer span.End()

	var stats MountStats

	points, err := e.mounts.ListMountPoints(ctx)
	if err != nil {
		err = fmt.Errorf("failed while listing mounted filesystems: %w", err)
		span.RecordError(err)
		return stats, err
	}

	for _, mp := range points {
		if !e.marker.Matches(mp) {
			continue
		}
		if err := e.mounts.DetachMount(ctx, mp); err != nil {
			err = fmt.Errorf("failed to detach %s: %w", mp, err)
			span.RecordError(err)
			return stats, err
		}
		e.logger.WithField("mount_point", mp).Info("detached marked filesystem")
		stats.Detached++
	}

	span.SetAttributes(attribute.Int("mounts.detached", stats.Detached))
	recordReclaimed("mount", stats.Detached)

	e.logger.WithField("detached", stats.Detached).Debug("mount sweep complete")
	return stats, nil
}

// Run orchestrates a full teardown: mount sweep first, then the device
// convergence loop. Mounts go first because a mounted filesystem holds its
// device open; sweeping devices under live mounts would only manufacture
// busy failures.
//
// A mount-sweep failure short-circuits the run: the device sweep is skipped
// entirely, because its busy results would be meaningless while marked
// filesystems are still mounted. Errors from either stage are wrapped with
// the stage that failed. The Summary is returned in all cases.
func (e *Engine) Run(ctx context.Context) (Summary, error) {
	ctx, span := e.tracer.Start(ctx, "sweep.run")
	defer span.End()

	var sum Summary
	e.logger.WithField("marker", e.marker.Token()).Info("starting teardown sweep")

	mountTimer := perf.Start("MountSweep", e.logger)
	mstats, merr := e.SweepMounts(ctx)
	sum.MountStage = mountTimer.Stop()
	sum.MountsDetached = mstats.Detached
	recordStage("MountSweep", sum.MountStage)

	if merr != nil {
		err := fmt.Errorf("failed to ensure all test-generated filesystems were unmounted: %w", merr)
		span.RecordError(err)
		return sum, err
	}

	deviceTimer := perf.Start("DeviceSweep", e.logger)
	dstats, derr := e.SweepDevices(ctx)
	sum.DeviceStage = deviceTimer.Stop()
	sum.DevicesRemoved = dstats.Removed
	sum.DevicePasses = dstats.Passes
	sum.Leftover = dstats.Leftover
	recordStage("DeviceSweep", sum.DeviceStage)

	if derr != nil {
		err := fmt.Errorf("failed to ensure removal of all test-generated DM devices: %w", derr)
		span.RecordError(err)
		return sum, err
	}

	e.logger.WithFields(logrus.Fields{
		"mounts_detached": sum.MountsDetached,
		"devices_removed": sum.DevicesRemoved,
		"passes":          sum.DevicePasses,
	}).Info("teardown sweep complete")
	return sum, nil
}
