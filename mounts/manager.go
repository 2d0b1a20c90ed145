package mounts

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultSource is the live mount table of the calling process.
const DefaultSource = "/proc/self/mountinfo"

// detachTimeout bounds a single umount invocation. Lazy detach should
// return promptly even for a wedged filesystem; a hang here means the
// kernel itself is stuck.
const detachTimeout = 10 * time.Second

// Manager reads the live mount table and detaches filesystems by shelling
// out to umount. It is the production MountManager for the sweep engine.
type Manager struct {
	source string
	logger logrus.FieldLogger
}

// NewManager creates a manager reading DefaultSource.
func NewManager(logger logrus.FieldLogger) *Manager {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Manager{
		source: DefaultSource,
		logger: logger.WithField("component", "mounts"),
	}
}

// SetSource overrides the mount-table path. Tests point it at fixture
// files; containers that bind the host's table elsewhere point it there.
func (m *Manager) SetSource(path string) {
	m.source = path
}

// List returns every mount record in table order.
func (m *Manager) List(ctx context.Context) ([]Info, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.Open(m.source)
	if err != nil {
		return nil, fmt.Errorf("failed to open mount table %s: %w", m.source, err)
	}
	defer f.Close()

	infos, err := ParseMountInfo(f)
	if err != nil {
		return nil, err
	}

	m.logger.WithFields(logrus.Fields{
		"source": m.source,
		"mounts": len(infos),
	}).Debug("read mount table")
	return infos, nil
}

// ListMountPoints returns every mount point in table order.
func (m *Manager) ListMountPoints(ctx context.Context) ([]string, error) {
	infos, err := m.List(ctx)
	if err != nil {
		return nil, err
	}
	points := make([]string, 0, len(infos))
	for _, info := range infos {
		points = append(points, info.MountPoint)
	}
	return points, nil
}

// DetachMount detaches the filesystem at path.
//
// Lazy detach first: it disconnects the mount point immediately and lets the
// kernel finish when the last user goes away, which is exactly the semantics
// teardown wants - the mount stops holding its device open without waiting
// for stray readers. Force unmount is the fallback for filesystems (NFS,
// mostly) where lazy is refused. A path that is not mounted is a success.
func (m *Manager) DetachMount(ctx context.Context, path string) error {
	logger := m.logger.WithField("mount_point", path)
	logger.Info("detaching filesystem")

	output, err := m.runUmount(ctx, logger, "-l", path)
	if err == nil {
		logger.Info("filesystem detached")
		return nil
	}
	if isNotMounted(output) {
		logger.Info("not mounted, nothing to detach")
		return nil
	}

	logger.WithField("output", strings.TrimSpace(output)).Warn("lazy detach failed, trying force unmount")

	output2, err2 := m.runUmount(ctx, logger, "-f", path)
	if err2 == nil {
		logger.Info("filesystem force-unmounted")
		return nil
	}
	if isNotMounted(output2) {
		return nil
	}

	logger.WithFields(logrus.Fields{
		"error":  err2.Error(),
		"output": output2,
	}).Error("failed to detach filesystem")
	return fmt.Errorf("failed to unmount %s: %w (output: %s)", path, err, strings.TrimSpace(output))
}

// runUmount executes umount with structured logging, mirroring how the
// devicemapper client drives dmsetup.
func (m *Manager) runUmount(ctx context.Context, logger logrus.FieldLogger, args ...string) (string, error) {
	ctxWithTimeout, cancel := context.WithTimeout(ctx, detachTimeout)
	defer cancel()

	logger.WithFields(logrus.Fields{
		"command": "umount",
		"args":    args,
	}).Debug("executing umount")

	startTime := time.Now()
	cmd := exec.CommandContext(ctxWithTimeout, "umount", args...)
	output, err := cmd.CombinedOutput()
	duration := time.Since(startTime)

	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}

	logger.WithFields(logrus.Fields{
		"duration_ms": duration.Milliseconds(),
		"exit_code":   exitCode,
		"stdout":      string(output),
	}).Debug("umount completed")

	if err != nil && ctxWithTimeout.Err() != nil {
		return string(output), fmt.Errorf("umount timed out: %w", ctxWithTimeout.Err())
	}
	return string(output), err
}

// isNotMounted classifies umount output for paths with nothing mounted.
func isNotMounted(output string) bool {
	return strings.Contains(output, "not mounted") ||
		strings.Contains(output, "no mount point specified") ||
		strings.Contains(output, "not found")
}
