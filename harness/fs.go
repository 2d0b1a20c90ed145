package harness

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/superfly/dmsweep/perf"
)

const (
	// mkfsTimeout bounds filesystem creation; mkfs.xfs on a fixture-sized
	// thin device finishes in seconds, so a minute means something hung.
	mkfsTimeout = 60 * time.Second

	// waitGoneTimeout bounds the post-removal poll for a device node to
	// disappear once udev catches up.
	waitGoneTimeout = 15 * time.Second
)

// runCmd executes a fixture command and folds its combined output into the
// returned error. Fixture commands are expected to succeed; the caller gets
// everything the tool said when one does not.
func (e *Env) runCmd(ctx context.Context, name string, args ...string) error {
	logger := e.logger.WithFields(logrus.Fields{
		"command": name,
		"args":    args,
	})
	logger.Debug("executing command")

	startTime := time.Now()
	cmd := exec.CommandContext(ctx, name, args...)
	output, err := cmd.CombinedOutput()
	duration := time.Since(startTime)

	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}

	logger.WithFields(logrus.Fields{
		"duration_ms": duration.Milliseconds(),
		"exit_code":   exitCode,
	}).Debug("command completed")

	if err != nil {
		return fmt.Errorf("%s %s failed: %w (output: %s)",
			name, strings.Join(args, " "), err, strings.TrimSpace(string(output)))
	}
	return nil
}

// CreateXFS creates an XFS filesystem on a device. Force and quiet flags:
// fixture devices are always safe to clobber, and mkfs chatter belongs in
// debug logs, not test output.
func (e *Env) CreateXFS(ctx context.Context, devicePath string) error {
	ctxWithTimeout, cancel := context.WithTimeout(ctx, mkfsTimeout)
	defer cancel()
	return e.runCmd(ctxWithTimeout, "mkfs.xfs", "-f", "-q", devicePath)
}

// SetXFSUUID rewrites the filesystem UUID on an unmounted XFS device.
func (e *Env) SetXFSUUID(ctx context.Context, devicePath, uuid string) error {
	return e.runCmd(ctx, "xfs_admin", "-U", uuid, devicePath)
}

// MountFS mounts a device at mountPoint. The mount point itself is a plain
// directory the caller owns; only the device and the mount carry the
// marker contract.
func (e *Env) MountFS(ctx context.Context, devicePath, mountPoint, fstype string) error {
	return e.runCmd(ctx, "mount", "-t", fstype, devicePath, mountPoint)
}

// WaitDeviceGone polls until the named device no longer exists, with
// exponential backoff. Removal returns before udev finishes tearing down
// the device node; assertions that immediately look for absence race that
// teardown without this.
func (e *Env) WaitDeviceGone(ctx context.Context, name string) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = 1 * time.Second
	bo.MaxElapsedTime = waitGoneTimeout

	operation := func() error {
		exists, err := e.dm.DeviceExists(ctx, name)
		if err != nil {
			return backoff.Permanent(err)
		}
		if exists {
			return fmt.Errorf("device %s still present", name)
		}
		return nil
	}

	start := time.Now()
	err := backoff.Retry(operation, backoff.WithContext(bo, ctx))
	if m := perf.MetricsFromContext(ctx); m != nil {
		m.RecordWaitGone(time.Since(start))
	}
	if err != nil {
		return fmt.Errorf("waiting for device %s to disappear: %w", name, err)
	}
	return nil
}
