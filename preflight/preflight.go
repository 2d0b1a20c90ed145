// Package preflight provides the environment checks and concurrency control
// that gate sweep execution. Checks separate what must block a sweep (no
// root, missing tools, unreadable mount table) from what is merely worth a
// warning (no /dev/mapper yet, D-state processes that may pin devices).
package preflight

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Guard provides serialized access to sweep execution inside one process.
// Two sweeps walking the same device list would steal each other's progress
// signal, so at most one runs at a time.
type Guard struct {
	mu            sync.Mutex
	semaphore     chan struct{}
	maxConcurrent int
	activeOps     int
	logger        logrus.FieldLogger
	checkFunc     func(context.Context) error
}

// GuardConfig configures the sweep guard.
type GuardConfig struct {
	// MaxConcurrent is the maximum number of concurrent sweeps (default: 1)
	MaxConcurrent int
	// Logger for logging acquisitions
	Logger logrus.FieldLogger
	// CheckFunc is called after each acquisition to verify the environment
	// is still usable before the sweep proceeds
	CheckFunc func(context.Context) error
}

// NewGuard creates a new sweep guard.
func NewGuard(cfg GuardConfig) *Guard {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1 // Default to serialized sweeps
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &Guard{
		semaphore:     make(chan struct{}, cfg.MaxConcurrent),
		maxConcurrent: cfg.MaxConcurrent,
		logger:        cfg.Logger.WithField("component", "sweep-guard"),
		checkFunc:     cfg.CheckFunc,
	}
}

// Acquire acquires a slot for a sweep, running the configured preflight
// check before letting the caller proceed.
func (g *Guard) Acquire(ctx context.Context, opName string) error {
	g.logger.WithField("operation", opName).Debug("acquiring sweep slot")

	select {
	case g.semaphore <- struct{}{}:
		// Got a slot
	case <-ctx.Done():
		return fmt.Errorf("context cancelled while waiting for sweep slot: %w", ctx.Err())
	}

	g.mu.Lock()
	g.activeOps++
	activeOps := g.activeOps
	g.mu.Unlock()

	g.logger.WithFields(logrus.Fields{
		"operation":  opName,
		"active_ops": activeOps,
	}).Debug("acquired sweep slot")

	if g.checkFunc != nil {
		if err := g.checkFunc(ctx); err != nil {
			g.Release(opName)
			return fmt.Errorf("preflight check failed before %s: %w", opName, err)
		}
	}

	return nil
}

// Release releases a sweep slot.
func (g *Guard) Release(opName string) {
	g.mu.Lock()
	g.activeOps--
	activeOps := g.activeOps
	g.mu.Unlock()

	<-g.semaphore

	g.logger.WithFields(logrus.Fields{
		"operation":  opName,
		"active_ops": activeOps,
	}).Debug("released sweep slot")
}

// ActiveOperations returns the number of active sweeps.
func (g *Guard) ActiveOperations() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.activeOps
}

// WithOperation executes a function while holding a sweep slot.
func (g *Guard) WithOperation(ctx context.Context, opName string, fn func() error) error {
	if err := g.Acquire(ctx, opName); err != nil {
		return err
	}
	defer g.Release(opName)
	return fn()
}

// Recovered wraps a function with panic recovery, converting a panic in the
// given stage into an error with the stack captured in the logs. Sweeps run
// against live kernel state; a bug in one stage must not take down the
// process that still has to report what happened.
func Recovered(logger logrus.FieldLogger, stage string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			logger.WithFields(logrus.Fields{
				"stage": stage,
				"panic": r,
				"stack": string(stack),
			}).Error("recovered from panic in stage")
			err = fmt.Errorf("panic in stage %s: %v", stage, r)
		}
	}()
	return fn()
}

// Checker performs environment checks before a sweep runs.
type Checker struct {
	logger      logrus.FieldLogger
	mountSource string
}

// NewChecker creates a checker that validates the environment a sweep needs,
// including readability of the given mount table source.
func NewChecker(mountSource string, logger logrus.FieldLogger) *Checker {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Checker{
		logger:      logger.WithField("component", "preflight"),
		mountSource: mountSource,
	}
}

// CheckAll performs all preflight checks. It returns an error only for
// conditions a sweep cannot work around; advisory findings are logged.
func (c *Checker) CheckAll(ctx context.Context) error {
	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := c.checkRoot(); err != nil {
		return err
	}
	if err := c.checkTools(); err != nil {
		return err
	}
	if err := c.checkMountSource(); err != nil {
		return err
	}

	c.checkDevMapper()
	c.checkDStateProcesses(checkCtx)

	return nil
}

// checkRoot verifies the process can actually remove devices and unmount
// filesystems.
func (c *Checker) checkRoot() error {
	if euid := os.Geteuid(); euid != 0 {
		return fmt.Errorf("sweeping requires root: device removal and unmounting are privileged (euid %d)", euid)
	}
	return nil
}

// checkTools verifies the external tools a sweep shells out to are present.
func (c *Checker) checkTools() error {
	for _, tool := range []string{"dmsetup", "umount"} {
		if _, err := exec.LookPath(tool); err != nil {
			return fmt.Errorf("required tool %s not found in PATH: %w", tool, err)
		}
	}
	return nil
}

// checkMountSource verifies the mount table can be opened for reading.
func (c *Checker) checkMountSource() error {
	f, err := os.Open(c.mountSource)
	if err != nil {
		return fmt.Errorf("mount table %s is not readable: %w", c.mountSource, err)
	}
	f.Close()
	return nil
}

// checkDevMapper warns when /dev/mapper is absent. That usually means the
// dm module never loaded, which makes a sweep a no-op rather than a failure.
func (c *Checker) checkDevMapper() {
	if _, err := os.Stat("/dev/mapper"); err != nil {
		c.logger.WithError(err).Warn("/dev/mapper not present; expecting no DM devices on this host")
	}
}

// checkDStateProcesses warns about uninterruptible processes touching dm or
// loop devices. Those are the processes that make removals refuse to
// converge; the sweep still runs and names whatever stays stuck.
func (c *Checker) checkDStateProcesses(ctx context.Context) {
	cmd := exec.CommandContext(ctx, "bash", "-c", "ps aux | awk '$8 ~ /^D/ {print $0}'")
	output, err := cmd.Output()
	if err != nil {
		return // Ignore errors in advisory checks
	}

	outputStr := strings.TrimSpace(string(output))
	if outputStr == "" {
		return
	}

	for _, line := range strings.Split(outputStr, "\n") {
		if strings.Contains(line, "dm-") || strings.Contains(line, "thin") ||
			strings.Contains(line, "loop") || strings.Contains(line, "kworker") {
			c.logger.WithField("process", line).Warn("D-state process touching dm/loop detected; removals may not converge")
		}
	}
}
