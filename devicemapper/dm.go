// Package devicemapper wraps the Linux device-mapper management interface
// for creating, listing, and removing virtual block devices via dmsetup.
//
// The package exists to support marker-scoped teardown of test-created
// devices: sweeps list every device on the host, filter by a naming marker,
// and remove what matches. It also carries enough creation surface (generic
// tables, thin devices, suspend/resume) for test harnesses to build the
// stacked device chains the sweeps are expected to unwind.
//
// # Prerequisites
//
// Requires:
//   - Linux with device-mapper support
//   - Root/sudo privileges
//   - Tools: dmsetup, udevadm
//
// # Usage Example
//
//	client := devicemapper.New()
//	client.SetLogger(logger)
//
//	names, err := client.ListDeviceNames(ctx)
//	if err != nil {
//		log.Fatal(err)
//	}
//	for _, name := range names {
//		if err := client.RemoveDevice(ctx, name); err != nil {
//			// busy devices are expected while something still holds them open
//			if devicemapper.IsDeviceBusyError(err) {
//				continue
//			}
//			log.Fatal(err)
//		}
//	}
//
// # Removal Semantics
//
// RemoveDevice makes exactly one removal attempt and reports a
// DeviceBusyError when the kernel refuses because the device is still held
// open. Convergence sweeps rely on that single-attempt behavior: a busy
// device this pass may be removable next pass once its holder is gone.
// ForceRemoveDevice escalates through --force and is reserved for fixture
// teardown (pools, loop-backed scaffolding), never for sweep passes.
//
// # Error Handling
//
// The package defines custom error types for common conditions:
//   - DeviceBusyError: device is still held open by a mount or another device
//   - DeviceNotFoundError: device does not exist
//   - DeviceExistsError: device name or thin ID already in use
//   - PoolFullError: thin pool has no free space
//
// These can be checked with the IsXxxError helpers or errors.As().
package devicemapper

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// removeTimeout bounds a single dmsetup remove invocation. A removal
	// that takes longer than this almost always indicates a hung kernel
	// path rather than a slow one.
	removeTimeout = 10 * time.Second

	// infoTimeout bounds existence checks, which should be near-instant.
	infoTimeout = 5 * time.Second

	// settleTimeout bounds udevadm settle, which waits for the udev event
	// queue to drain after device changes.
	settleTimeout = 30 * time.Second
)

// Client wraps device-mapper operations.
type Client struct {
	logger *logrus.Logger
	mu     sync.Mutex // serialize mutating devicemapper operations per process
}

// New creates a new device-mapper client.
func New() *Client {
	return &Client{
		logger: logrus.New(),
	}
}

// SetLogger sets a custom logger for the client.
func (c *Client) SetLogger(logger *logrus.Logger) {
	c.logger = logger
}

// SuppressLogs disables all log output from the client.
// Useful when running under a TUI where logs would corrupt the display.
func (c *Client) SuppressLogs() {
	c.logger.SetOutput(io.Discard)
}

// DeviceInfo describes a single device-mapper device as reported by the
// kernel listing.
type DeviceInfo struct {
	Name       string
	Major      int
	Minor      int
	DevicePath string
}

// run executes dmsetup with the given arguments and returns its combined
// output. Every invocation is logged with its duration and exit code so a
// sweep's interaction with the kernel can be reconstructed from debug logs.
func (c *Client) run(ctx context.Context, logger *logrus.Entry, args ...string) (string, error) {
	logger.WithFields(logrus.Fields{
		"command": "dmsetup",
		"args":    args,
	}).Debug("executing dmsetup")

	startTime := time.Now()
	cmd := exec.CommandContext(ctx, "dmsetup", args...)
	output, err := cmd.CombinedOutput()
	duration := time.Since(startTime)

	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}

	logger.WithFields(logrus.Fields{
		"command":     "dmsetup " + args[0],
		"duration_ms": duration.Milliseconds(),
		"exit_code":   exitCode,
		"stdout":      string(output),
	}).Debug("dmsetup completed")

	return string(output), err
}

// ListDevices lists every device-mapper device on the host, in the order the
// kernel reports them.
//
// Listing is the foundation the sweeps build on: an error here means the
// caller cannot trust any view of device state and must give up rather than
// issue removals against a stale listing.
func (c *Client) ListDevices(ctx context.Context) ([]DeviceInfo, error) {
	logger := c.logger.WithField("operation", "list")

	output, err := c.run(ctx, logger, "ls")
	if err != nil {
		logger.WithFields(logrus.Fields{
			"error":  err.Error(),
			"output": output,
		}).Error("failed to list devices")
		return nil, fmt.Errorf("failed to list devices: %w (output: %s)", err, strings.TrimSpace(output))
	}

	devices, err := parseDeviceList(output)
	if err != nil {
		return nil, fmt.Errorf("failed to parse device listing: %w", err)
	}
	return devices, nil
}

// ListDeviceNames lists the names of every device-mapper device on the host,
// preserving the kernel listing order.
func (c *Client) ListDeviceNames(ctx context.Context) ([]string, error) {
	devices, err := c.ListDevices(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(devices))
	for _, d := range devices {
		names = append(names, d.Name)
	}
	return names, nil
}

// parseDeviceList parses `dmsetup ls` output into DeviceInfo records.
//
// Lines look like "name\t(253:4)" on current dmsetup and "name\t(253, 4)" on
// older releases; both are accepted. The sentinel line "No devices found" is
// an empty listing, not an error. Device names may contain spaces, so the
// name is everything before the final parenthesized device number.
func parseDeviceList(output string) ([]DeviceInfo, error) {
	var devices []DeviceInfo

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "No devices found") {
			return nil, nil
		}

		open := strings.LastIndex(line, "(")
		closing := strings.LastIndex(line, ")")
		if open < 0 || closing < open {
			return nil, fmt.Errorf("malformed listing line: %q", line)
		}

		name := strings.TrimSpace(line[:open])
		if name == "" {
			return nil, fmt.Errorf("listing line has empty device name: %q", line)
		}

		numbers := line[open+1 : closing]
		var majorStr, minorStr string
		switch {
		case strings.Contains(numbers, ":"):
			parts := strings.SplitN(numbers, ":", 2)
			majorStr, minorStr = parts[0], parts[1]
		case strings.Contains(numbers, ","):
			parts := strings.SplitN(numbers, ",", 2)
			majorStr, minorStr = parts[0], parts[1]
		default:
			return nil, fmt.Errorf("malformed device numbers in line: %q", line)
		}

		major, err := strconv.Atoi(strings.TrimSpace(majorStr))
		if err != nil {
			return nil, fmt.Errorf("bad major number in line %q: %w", line, err)
		}
		minor, err := strconv.Atoi(strings.TrimSpace(minorStr))
		if err != nil {
			return nil, fmt.Errorf("bad minor number in line %q: %w", line, err)
		}

		devices = append(devices, DeviceInfo{
			Name:       name,
			Major:      major,
			Minor:      minor,
			DevicePath: fmt.Sprintf("/dev/mapper/%s", name),
		})
	}

	return devices, nil
}

// RemoveDevice makes a single attempt to remove a device-mapper device.
//
// Semantics the sweeps depend on:
//   - A device that no longer exists is a success (removal is idempotent).
//   - A device the kernel refuses to remove because it is held open returns
//     a DeviceBusyError; callers decide whether to try again in a later pass.
//   - No --force escalation: forcing replaces the table with an error target
//     and would make a held-open device look removed when it is not.
func (c *Client) RemoveDevice(ctx context.Context, deviceName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := validateDeviceName(deviceName); err != nil {
		return fmt.Errorf("invalid device name: %w", err)
	}

	logger := c.logger.WithField("device_name", deviceName)
	logger.Info("removing device")

	ctxWithTimeout, cancel := context.WithTimeout(ctx, removeTimeout)
	defer cancel()

	output, err := c.run(ctxWithTimeout, logger, "remove", "--verifyudev", deviceName)
	if err == nil {
		logger.Info("device removed")
		return nil
	}

	if ctxErr := ctxWithTimeout.Err(); ctxErr != nil {
		logger.WithError(ctxErr).Error("device removal timed out (devicemapper may be hung)")
		return fmt.Errorf("device removal timed out: %w", ctxErr)
	}

	switch classifyRemoveOutput(output) {
	case removeNotFound:
		logger.Info("device not found, already removed")
		return nil
	case removeBusy:
		logger.WithField("output", strings.TrimSpace(output)).Debug("device busy, leaving for a later pass")
		return &DeviceBusyError{Name: deviceName}
	}

	logger.WithFields(logrus.Fields{
		"error":  err.Error(),
		"output": output,
	}).Error("failed to remove device")
	return fmt.Errorf("failed to remove device %s: %w (output: %s)", deviceName, err, strings.TrimSpace(output))
}

// ForceRemoveDevice removes a device, escalating to --force when the plain
// removal fails. Intended for fixture teardown (pools, scaffolding devices),
// not for sweep passes; see the package documentation for why sweeps must
// never force.
func (c *Client) ForceRemoveDevice(ctx context.Context, deviceName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := validateDeviceName(deviceName); err != nil {
		return fmt.Errorf("invalid device name: %w", err)
	}

	logger := c.logger.WithField("device_name", deviceName)
	logger.Info("force-removing device")

	// Strategy 1: remove with --verifyudev for proper udev synchronization.
	ctxWithTimeout, cancel := context.WithTimeout(ctx, removeTimeout)
	defer cancel()

	output, err := c.run(ctxWithTimeout, logger, "remove", "--verifyudev", deviceName)
	if err == nil {
		logger.Info("device removed")
		return nil
	}
	if classifyRemoveOutput(output) == removeNotFound {
		logger.Info("device not found, already removed")
		return nil
	}

	// Strategy 2: escalate to --force.
	logger.Warn("standard remove failed, trying force remove")
	ctxWithTimeout2, cancel2 := context.WithTimeout(ctx, removeTimeout)
	defer cancel2()

	output2, err2 := c.run(ctxWithTimeout2, logger, "remove", "--verifyudev", "--force", deviceName)
	if err2 == nil {
		logger.Info("device force-removed")
		return nil
	}

	logger.WithFields(logrus.Fields{
		"error":  err2.Error(),
		"output": output2,
	}).Error("all removal strategies failed (possible kernel deadlock)")
	return fmt.Errorf("failed to force-remove device %s: %w (output: %s)", deviceName, err, strings.TrimSpace(output))
}

// removeOutcome classifies why a dmsetup remove invocation failed.
type removeOutcome int

const (
	removeOther removeOutcome = iota
	removeNotFound
	removeBusy
)

// classifyRemoveOutput maps dmsetup remove output to a removal outcome.
// dmsetup reports conditions in prose on stderr, so classification is by
// substring; the phrasings here are stable across dmsetup releases.
func classifyRemoveOutput(output string) removeOutcome {
	switch {
	case strings.Contains(output, "not found"),
		strings.Contains(output, "No such device"),
		strings.Contains(output, "No such file"):
		return removeNotFound
	case strings.Contains(output, "Device or resource busy"),
		strings.Contains(output, "still in use"),
		strings.Contains(output, "open count"):
		return removeBusy
	}
	return removeOther
}

// CreateDevice creates and activates a device with an explicit device-mapper
// table, e.g. "0 2048 linear /dev/mapper/other 0". Harnesses use this to
// build the stacked (held-open) chains the sweeps unwind.
func (c *Client) CreateDevice(ctx context.Context, deviceName, table string) (*DeviceInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := validateDeviceName(deviceName); err != nil {
		return nil, fmt.Errorf("invalid device name: %w", err)
	}
	if err := validateTable(table); err != nil {
		return nil, fmt.Errorf("invalid table: %w", err)
	}

	logger := c.logger.WithFields(logrus.Fields{
		"device_name": deviceName,
		"table":       table,
	})
	logger.Info("creating device")

	output, err := c.run(ctx, logger, "create", deviceName, "--table", table)
	if err != nil {
		if strings.Contains(output, "already exists") || strings.Contains(output, "File exists") {
			return nil, &DeviceExistsError{Name: deviceName}
		}
		logger.WithFields(logrus.Fields{
			"error":  err.Error(),
			"output": output,
		}).Error("failed to create device")
		return nil, fmt.Errorf("failed to create device %s: %w (output: %s)", deviceName, err, strings.TrimSpace(output))
	}

	logger.Info("device created")
	return &DeviceInfo{
		Name:       deviceName,
		DevicePath: fmt.Sprintf("/dev/mapper/%s", deviceName),
	}, nil
}

// CreateThinDevice allocates a thin volume in the given pool and activates it
// under deviceName. The device is raw after this call; filesystem creation is
// the caller's concern.
func (c *Client) CreateThinDevice(ctx context.Context, poolName, deviceName string, thinID uint32, sizeBytes int64) (*DeviceInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := validatePoolName(poolName); err != nil {
		return nil, fmt.Errorf("invalid pool name: %w", err)
	}
	if err := validateDeviceName(deviceName); err != nil {
		return nil, fmt.Errorf("invalid device name: %w", err)
	}
	if sizeBytes <= 0 {
		return nil, fmt.Errorf("size must be positive: %d", sizeBytes)
	}

	logger := c.logger.WithFields(logrus.Fields{
		"pool":        poolName,
		"device_name": deviceName,
		"thin_id":     thinID,
		"size":        sizeBytes,
	})
	logger.Info("creating thin device")

	// Step 1: allocate the thin volume inside the pool.
	output, err := c.run(ctx, logger, "message", poolName, "0", fmt.Sprintf("create_thin %d", thinID))
	if err != nil {
		if strings.Contains(output, "File exists") || strings.Contains(output, "already exists") {
			return nil, &DeviceExistsError{Name: fmt.Sprintf("thin id %d", thinID)}
		}
		if strings.Contains(output, "No space") || strings.Contains(output, "out of data space") {
			return nil, &PoolFullError{PoolName: poolName}
		}
		logger.WithFields(logrus.Fields{
			"error":  err.Error(),
			"output": output,
		}).Error("failed to allocate thin volume")
		return nil, fmt.Errorf("failed to allocate thin volume: %w (output: %s)", err, strings.TrimSpace(output))
	}

	// Step 2: activate it under the requested name. 512-byte sectors.
	sectors := sizeBytes / 512
	table := fmt.Sprintf("0 %d thin /dev/mapper/%s %d", sectors, poolName, thinID)
	output, err = c.run(ctx, logger, "create", deviceName, "--table", table)
	if err != nil {
		// The thin volume stays allocated in the pool; callers reclaim it
		// via DeleteThinDevice once the kernel is in a known state. Removing
		// it here would hide the original failure.
		logger.WithFields(logrus.Fields{
			"error":  err.Error(),
			"output": output,
		}).Warn("failed to activate thin device; thin volume left allocated in pool")
		return nil, fmt.Errorf("failed to activate thin device: %w (output: %s)", err, strings.TrimSpace(output))
	}

	logger.Info("thin device created")
	return &DeviceInfo{
		Name:       deviceName,
		DevicePath: fmt.Sprintf("/dev/mapper/%s", deviceName),
	}, nil
}

// DeleteThinDevice releases a thin volume's storage back to the pool. The
// active device (if any) must have been removed first.
func (c *Client) DeleteThinDevice(ctx context.Context, poolName string, thinID uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := validatePoolName(poolName); err != nil {
		return fmt.Errorf("invalid pool name: %w", err)
	}

	logger := c.logger.WithFields(logrus.Fields{
		"pool":    poolName,
		"thin_id": thinID,
	})
	logger.Info("deleting thin volume")

	output, err := c.run(ctx, logger, "message", poolName, "0", fmt.Sprintf("delete %d", thinID))
	if err != nil {
		if strings.Contains(output, "No such device") || strings.Contains(output, "not found") {
			return &DeviceNotFoundError{Name: fmt.Sprintf("thin id %d", thinID)}
		}
		logger.WithFields(logrus.Fields{
			"error":  err.Error(),
			"output": output,
		}).Error("failed to delete thin volume")
		return fmt.Errorf("failed to delete thin volume: %w (output: %s)", err, strings.TrimSpace(output))
	}
	return nil
}

// LoadTable loads a new table into an existing device's inactive slot. The
// table takes effect on the next suspend/resume cycle.
func (c *Client) LoadTable(ctx context.Context, deviceName, table string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := validateDeviceName(deviceName); err != nil {
		return fmt.Errorf("invalid device name: %w", err)
	}
	if err := validateTable(table); err != nil {
		return fmt.Errorf("invalid table: %w", err)
	}

	logger := c.logger.WithFields(logrus.Fields{
		"device_name": deviceName,
		"table":       table,
	})

	output, err := c.run(ctx, logger, "load", deviceName, "--table", table)
	if err != nil {
		return fmt.Errorf("failed to load table for %s: %w (output: %s)", deviceName, err, strings.TrimSpace(output))
	}
	return nil
}

// SuspendDevice suspends I/O on a device.
func (c *Client) SuspendDevice(ctx context.Context, deviceName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.suspendResumeUnlocked(ctx, "suspend", deviceName)
}

// ResumeDevice resumes I/O on a suspended device, activating any table
// loaded into the inactive slot.
func (c *Client) ResumeDevice(ctx context.Context, deviceName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.suspendResumeUnlocked(ctx, "resume", deviceName)
}

func (c *Client) suspendResumeUnlocked(ctx context.Context, verb, deviceName string) error {
	if err := validateDeviceName(deviceName); err != nil {
		return fmt.Errorf("invalid device name: %w", err)
	}

	logger := c.logger.WithField("device_name", deviceName)
	logger.Debug(verb + " device")

	output, err := c.run(ctx, logger, verb, deviceName)
	if err != nil {
		if strings.Contains(output, "not found") || strings.Contains(output, "No such device") {
			return &DeviceNotFoundError{Name: deviceName}
		}
		return fmt.Errorf("failed to %s device %s: %w (output: %s)", verb, deviceName, err, strings.TrimSpace(output))
	}
	return nil
}

// DeviceExists checks whether a device exists, with timeout protection
// against a hung device-mapper state.
func (c *Client) DeviceExists(ctx context.Context, deviceName string) (bool, error) {
	ctxWithTimeout, cancel := context.WithTimeout(ctx, infoTimeout)
	defer cancel()

	logger := c.logger.WithField("device_name", deviceName)

	output, err := c.run(ctxWithTimeout, logger, "info", deviceName)
	if err != nil {
		if ctxErr := ctxWithTimeout.Err(); ctxErr != nil {
			logger.WithError(ctxErr).Error("device existence check timed out (devicemapper may be hung)")
			return false, fmt.Errorf("device existence check timed out: %w", ctxErr)
		}
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			logger.Debug("device not found")
			return false, nil
		}
		logger.WithError(err).Error("failed to check device existence")
		return false, fmt.Errorf("failed to check device existence: %w (output: %s)", err, strings.TrimSpace(output))
	}
	return true, nil
}

// DeviceStatus describes one device's live state as reported by
// `dmsetup info -c`. An open count above zero is the usual reason a
// removal reports busy.
type DeviceStatus struct {
	Name        string
	Major       int
	Minor       int
	OpenCount   int
	TargetCount int
	// Attr is dmsetup's attribute string, e.g. "L--w" for a live
	// writable device.
	Attr string
}

// GetDeviceInfo returns the live state of one device.
func (c *Client) GetDeviceInfo(ctx context.Context, deviceName string) (*DeviceStatus, error) {
	if err := validateDeviceName(deviceName); err != nil {
		return nil, fmt.Errorf("invalid device name: %w", err)
	}

	ctxWithTimeout, cancel := context.WithTimeout(ctx, infoTimeout)
	defer cancel()

	logger := c.logger.WithField("device_name", deviceName)

	output, err := c.run(ctxWithTimeout, logger,
		"info", "-c", "--noheadings", "--separator", ":",
		"-o", "name,major,minor,open,segments,attr", deviceName)
	if err != nil {
		if ctxErr := ctxWithTimeout.Err(); ctxErr != nil {
			return nil, fmt.Errorf("device info query timed out: %w", ctxErr)
		}
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			return nil, &DeviceNotFoundError{Name: deviceName}
		}
		return nil, fmt.Errorf("failed to query device info: %w (output: %s)", err, strings.TrimSpace(output))
	}

	status, err := parseDeviceStatus(output)
	if err != nil {
		return nil, fmt.Errorf("failed to parse device info for %s: %w", deviceName, err)
	}
	return status, nil
}

// parseDeviceStatus parses one line of colon-separated `dmsetup info -c`
// column output in name,major,minor,open,segments,attr order.
func parseDeviceStatus(output string) (*DeviceStatus, error) {
	line := ""
	for _, candidate := range strings.Split(output, "\n") {
		if strings.TrimSpace(candidate) != "" {
			line = strings.TrimSpace(candidate)
			break
		}
	}
	if line == "" {
		return nil, fmt.Errorf("empty device info output")
	}

	fields := strings.Split(line, ":")
	if len(fields) != 6 {
		return nil, fmt.Errorf("expected 6 info columns, got %d in %q", len(fields), line)
	}

	status := &DeviceStatus{
		Name: strings.TrimSpace(fields[0]),
		Attr: strings.TrimSpace(fields[5]),
	}

	numbers := []struct {
		dst  *int
		name string
		raw  string
	}{
		{&status.Major, "major", fields[1]},
		{&status.Minor, "minor", fields[2]},
		{&status.OpenCount, "open count", fields[3]},
		{&status.TargetCount, "segment count", fields[4]},
	}
	for _, n := range numbers {
		v, err := strconv.Atoi(strings.TrimSpace(n.raw))
		if err != nil {
			return nil, fmt.Errorf("bad %s in %q: %w", n.name, line, err)
		}
		*n.dst = v
	}

	return status, nil
}

// GetDevicePath returns the /dev/mapper path for a device name.
func (c *Client) GetDevicePath(deviceName string) string {
	return fmt.Sprintf("/dev/mapper/%s", deviceName)
}

// Version returns the dmsetup version banner. Used as the initialization
// probe: it fails fast when the dmsetup binary is missing or /dev/mapper/control
// is unusable, before any sweep or fixture work starts.
func (c *Client) Version(ctx context.Context) (string, error) {
	ctxWithTimeout, cancel := context.WithTimeout(ctx, infoTimeout)
	defer cancel()

	logger := c.logger.WithField("operation", "version")

	output, err := c.run(ctxWithTimeout, logger, "version")
	if err != nil {
		return "", fmt.Errorf("failed to query device-mapper version: %w (output: %s)", err, strings.TrimSpace(output))
	}
	return strings.TrimSpace(output), nil
}

// UdevSettle waits for the udev event queue to drain. Device removal races
// with udev's own device-node bookkeeping; settling between creation bursts
// and sweeps keeps "busy" results meaningful.
func (c *Client) UdevSettle(ctx context.Context) error {
	ctxWithTimeout, cancel := context.WithTimeout(ctx, settleTimeout)
	defer cancel()

	logger := c.logger.WithField("command", "udevadm")
	logger.Debug("waiting for udev to settle")

	startTime := time.Now()
	cmd := exec.CommandContext(ctxWithTimeout, "udevadm", "settle")
	output, err := cmd.CombinedOutput()
	duration := time.Since(startTime)

	logger.WithFields(logrus.Fields{
		"duration_ms": duration.Milliseconds(),
		"stdout":      string(output),
	}).Debug("udevadm settle completed")

	if err != nil {
		if ctxErr := ctxWithTimeout.Err(); ctxErr != nil {
			return fmt.Errorf("udev settle timed out: %w", ctxErr)
		}
		return fmt.Errorf("udev settle failed: %w (output: %s)", err, strings.TrimSpace(string(output)))
	}
	return nil
}

// Validation functions
//
// The kernel limits device-mapper names to DM_NAME_LEN (128) bytes and UUIDs
// to DM_UUID_LEN (129) bytes, both including the trailing NUL.

var (
	// deviceNameRegex matches valid device names (alphanumeric + dash/underscore)
	deviceNameRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	// deviceUUIDRegex matches valid device UUIDs; dots are conventional in
	// subsystem-prefixed UUIDs (e.g. "LVM-...").
	deviceUUIDRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

	// poolNameRegex matches valid pool names
	poolNameRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

func validateDeviceName(name string) error {
	if name == "" {
		return fmt.Errorf("device name cannot be empty")
	}

	if len(name) > 127 {
		return fmt.Errorf("device name too long: %d characters (max 127)", len(name))
	}

	if !deviceNameRegex.MatchString(name) {
		return fmt.Errorf("device name contains invalid characters: %s", name)
	}

	return nil
}

// ValidateDeviceName reports whether a name is acceptable to the kernel's
// device-mapper naming rules. Exported for harness naming helpers.
func ValidateDeviceName(name string) error {
	return validateDeviceName(name)
}

// ValidateDeviceUUID reports whether a UUID is acceptable as a device-mapper
// UUID.
func ValidateDeviceUUID(uuid string) error {
	if uuid == "" {
		return fmt.Errorf("device UUID cannot be empty")
	}

	if len(uuid) > 128 {
		return fmt.Errorf("device UUID too long: %d characters (max 128)", len(uuid))
	}

	if !deviceUUIDRegex.MatchString(uuid) {
		return fmt.Errorf("device UUID contains invalid characters: %s", uuid)
	}

	return nil
}

func validatePoolName(name string) error {
	if name == "" {
		return fmt.Errorf("pool name cannot be empty")
	}

	if len(name) > 127 {
		return fmt.Errorf("pool name too long: %d characters (max 127)", len(name))
	}

	if !poolNameRegex.MatchString(name) {
		return fmt.Errorf("pool name contains invalid characters: %s", name)
	}

	return nil
}

func validateTable(table string) error {
	if strings.TrimSpace(table) == "" {
		return fmt.Errorf("table cannot be empty")
	}
	if strings.ContainsAny(table, "\n\r") {
		return fmt.Errorf("table must be a single line")
	}
	return nil
}

// Error types

// DeviceBusyError is returned when the kernel refuses to remove a device
// that is still held open by a mount or another device's table.
type DeviceBusyError struct {
	Name string
}

func (e *DeviceBusyError) Error() string {
	return fmt.Sprintf("device busy: %s (still held open)", e.Name)
}

// DeviceNotFoundError is returned when a device is not found.
type DeviceNotFoundError struct {
	Name string
}

func (e *DeviceNotFoundError) Error() string {
	return fmt.Sprintf("device not found: %s", e.Name)
}

// DeviceExistsError is returned when a device or thin volume already exists.
type DeviceExistsError struct {
	Name string
}

func (e *DeviceExistsError) Error() string {
	return fmt.Sprintf("device already exists: %s", e.Name)
}

// PoolFullError is returned when a thin pool is full or over its usable
// threshold.
type PoolFullError struct {
	PoolName    string
	UsedPercent float64
	Threshold   float64
}

func (e *PoolFullError) Error() string {
	if e.UsedPercent > 0 {
		return fmt.Sprintf("pool %q is %.1f%% full (threshold: %.0f%%)", e.PoolName, e.UsedPercent, e.Threshold)
	}
	return fmt.Sprintf("pool is full: %s", e.PoolName)
}

// IsDeviceBusyError checks if an error is a DeviceBusyError.
func IsDeviceBusyError(err error) bool {
	_, ok := err.(*DeviceBusyError)
	return ok
}

// IsDeviceNotFoundError checks if an error is a DeviceNotFoundError.
func IsDeviceNotFoundError(err error) bool {
	_, ok := err.(*DeviceNotFoundError)
	return ok
}

// IsDeviceExistsError checks if an error is a DeviceExistsError.
func IsDeviceExistsError(err error) bool {
	_, ok := err.(*DeviceExistsError)
	return ok
}

// IsPoolFullError checks if an error is a PoolFullError.
func IsPoolFullError(err error) bool {
	_, ok := err.(*PoolFullError)
	return ok
}
