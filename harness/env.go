// Package harness is the test-facing surface of dmsweep: an explicit
// environment object that names, creates, and tears down marked kernel
// resources.
//
// An Env is constructed once by the test entry point and passed by
// reference to everything that needs it. There is no package-level
// singleton and no lazy initialization: if the device-mapper interface is
// unusable, New says so immediately and nothing else runs.
//
//	env, err := harness.New(ctx, harness.DefaultConfig())
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer env.CleanUp(context.Background())
//
//	name, _ := env.TestName("thin-a")
//	// ... create devices under name, mount filesystems ...
package harness

import (
	"context"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"github.com/superfly/dmsweep/devicemapper"
	"github.com/superfly/dmsweep/mounts"
	"github.com/superfly/dmsweep/perf"
	"github.com/superfly/dmsweep/sweep"
)

// Config carries harness construction options.
type Config struct {
	// Marker tags every resource the harness names. Zero value means
	// sweep.Default().
	Marker sweep.Marker

	// MaxPasses is forwarded to the sweep engine (0 = unbounded).
	MaxPasses int

	// MountSource overrides the mount-table path for the mount manager.
	// Empty means the live /proc/self/mountinfo.
	MountSource string

	// Logger for all harness components. Nil means the standard logger.
	Logger *logrus.Logger
}

// DefaultConfig returns the standard harness configuration.
func DefaultConfig() Config {
	return Config{
		Marker: sweep.Default(),
	}
}

// Env is the explicit test environment: device-mapper client, mount
// manager, and the sweep engine wired to the same marker.
type Env struct {
	marker sweep.Marker
	dm     *devicemapper.Client
	mounts *mounts.Manager
	engine *sweep.Engine
	logger logrus.FieldLogger
}

// New constructs the environment and verifies the device-mapper interface
// is usable. Construction is the only place initialization can fail; an
// Env that exists is an Env that works.
func New(ctx context.Context, cfg Config) (*Env, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	marker := cfg.Marker
	if marker.Token() == "" {
		marker = sweep.Default()
	}

	dm := devicemapper.New()
	dm.SetLogger(logger)

	if _, err := dm.Version(ctx); err != nil {
		return nil, fmt.Errorf("unable to initialize device mapper: %w", err)
	}

	mountMgr := mounts.NewManager(logger)
	if cfg.MountSource != "" {
		mountMgr.SetSource(cfg.MountSource)
	}

	engine := sweep.New(sweep.Config{
		Marker:    marker,
		MaxPasses: cfg.MaxPasses,
	}, dm, mountMgr, logger)

	return &Env{
		marker: marker,
		dm:     dm,
		mounts: mountMgr,
		engine: engine,
		logger: logger.WithField("component", "harness"),
	}, nil
}

// Marker returns the marker every harness-named resource carries.
func (e *Env) Marker() sweep.Marker {
	return e.marker
}

// DeviceMapper exposes the underlying client for fixture construction.
func (e *Env) DeviceMapper() *devicemapper.Client {
	return e.dm
}

// Mounts exposes the underlying mount manager.
func (e *Env) Mounts() *mounts.Manager {
	return e.mounts
}

// Engine exposes the sweep engine, for callers that want stage-level
// control instead of CleanUp.
func (e *Env) Engine() *sweep.Engine {
	return e.engine
}

// TestName builds a marked device name from a base and validates it against
// the kernel's device-mapper naming rules.
func (e *Env) TestName(base string) (string, error) {
	if base == "" {
		return "", fmt.Errorf("base name cannot be empty")
	}
	name := e.marker.Suffix(base)
	if err := devicemapper.ValidateDeviceName(name); err != nil {
		return "", fmt.Errorf("marked name %q is not a valid device name: %w", name, err)
	}
	return name, nil
}

// TestUUID builds a marked device UUID from a base and validates it.
func (e *Env) TestUUID(base string) (string, error) {
	if base == "" {
		return "", fmt.Errorf("base UUID cannot be empty")
	}
	uuid := e.marker.Suffix(base)
	if err := devicemapper.ValidateDeviceUUID(uuid); err != nil {
		return "", fmt.Errorf("marked UUID %q is not a valid device UUID: %w", uuid, err)
	}
	return uuid, nil
}

// UniqueName builds a marked device name with an embedded ULID so parallel
// test runs on the same host cannot collide.
func (e *Env) UniqueName(base string) (string, error) {
	if base == "" {
		return "", fmt.Errorf("base name cannot be empty")
	}
	return e.TestName(fmt.Sprintf("%s-%s", base, ulid.Make()))
}

// NewPool returns a pool manager for a marked fixture thin-pool backed by
// files under dataDir. The pool name carries the marker, so an abandoned
// pool is reclaimed by the same sweeps as everything else.
func (e *Env) NewPool(dataDir string) (*devicemapper.PoolManager, error) {
	poolName, err := e.TestName("pool")
	if err != nil {
		return nil, err
	}
	cfg := devicemapper.DefaultPoolConfig(poolName, dataDir)
	return devicemapper.NewPoolManager(cfg, e.logger), nil
}

// Settle waits for the udev event queue to drain. Call between a burst of
// device creation and the assertions that look for the results.
func (e *Env) Settle(ctx context.Context) error {
	start := time.Now()
	err := e.dm.UdevSettle(ctx)
	if m := perf.MetricsFromContext(ctx); m != nil {
		m.RecordUdevSettle(time.Since(start))
	}
	return err
}

// CleanUp tears down everything the marker matches: filesystems first, then
// the device convergence loop. Safe to call multiple times and on a host
// where the harness never created anything.
func (e *Env) CleanUp(ctx context.Context) (sweep.Summary, error) {
	e.logger.Info("cleaning up test-generated state")
	return e.engine.Run(ctx)
}
