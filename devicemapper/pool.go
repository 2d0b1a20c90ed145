// Pool fixture management.
//
// This file provisions scratch dm-thin pools for test harnesses: a sparse
// data file and a metadata file, attached to loop devices, assembled into a
// thin-pool target. Pools created here are expected to carry the harness
// marker in their name so teardown sweeps reclaim them like any other
// test-created device.
package devicemapper

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// PoolConfig contains configuration for fixture pool setup.
type PoolConfig struct {
	// PoolName is the name of the thin pool device.
	PoolName string
	// DataDir is the directory holding the backing files.
	DataDir string
	// DataSizeBytes is the size of the data device (default: 1GB).
	DataSizeBytes int64
	// MetaSizeBytes is the size of the metadata device (default: 4MB).
	MetaSizeBytes int64
	// DataBlockSize is the data block size in 512-byte sectors (default: 128 = 64KB).
	DataBlockSize int
	// LowWaterMark is the low water mark in blocks (default: 1024).
	LowWaterMark int
	// SkipBlockZeroing disables zeroing of newly provisioned blocks. Test
	// fixtures never read stale data back, so zeroing is wasted I/O.
	SkipBlockZeroing bool
}

// DefaultPoolConfig returns the default fixture pool configuration.
func DefaultPoolConfig(poolName, dataDir string) PoolConfig {
	return PoolConfig{
		PoolName:         poolName,
		DataDir:          dataDir,
		DataSizeBytes:    1 * 1024 * 1024 * 1024, // 1GB
		MetaSizeBytes:    4 * 1024 * 1024,        // 4MB
		DataBlockSize:    128,                    // 64KB blocks
		LowWaterMark:     1024,
		SkipBlockZeroing: true,
	}
}

// PoolStatus represents the status of a thin pool.
type PoolStatus struct {
	Exists         bool
	NeedsCheck     bool
	ReadOnly       bool
	MetadataUsed   int64
	MetadataTotal  int64
	DataUsed       int64
	DataTotal      int64
	ErrorState     string
	LoopDataDevice string
	LoopMetaDevice string
}

// UsedPercent returns the data usage as a percentage, or 0 when totals are
// unknown.
func (s *PoolStatus) UsedPercent() float64 {
	if s.DataTotal == 0 {
		return 0
	}
	return float64(s.DataUsed) / float64(s.DataTotal) * 100
}

// PoolManager manages the fixture pool lifecycle.
type PoolManager struct {
	config PoolConfig
	logger logrus.FieldLogger
}

// NewPoolManager creates a new pool manager.
func NewPoolManager(config PoolConfig, logger logrus.FieldLogger) *PoolManager {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &PoolManager{
		config: config,
		logger: logger.WithField("component", "pool-manager"),
	}
}

// Config returns the manager's configuration.
func (pm *PoolManager) Config() PoolConfig {
	return pm.config
}

// GetPoolStatus returns the current status of the fixture pool.
func (pm *PoolManager) GetPoolStatus(ctx context.Context) (*PoolStatus, error) {
	status := &PoolStatus{}

	cmd := exec.CommandContext(ctx, "dmsetup", "status", pm.config.PoolName)
	output, err := cmd.CombinedOutput()
	if err != nil {
		if strings.Contains(string(output), "Device does not exist") ||
			strings.Contains(string(output), "not found") {
			status.Exists = false
			return status, nil
		}
		return nil, fmt.Errorf("failed to check pool status: %w (output: %s)", err, output)
	}

	status.Exists = true
	parseThinPoolStatus(strings.TrimSpace(string(output)), status)

	status.LoopDataDevice = pm.findLoopDevice(ctx, pm.dataPath())
	status.LoopMetaDevice = pm.findLoopDevice(ctx, pm.metaPath())

	return status, nil
}

// parseThinPoolStatus fills a PoolStatus from a dmsetup status line such as
//
//	0 2097152 thin-pool 1 24/1024 206/16384 - rw discard_passdown queue_if_no_space -
//
// where the slash pairs are metadata and data usage in blocks. Fields that
// cannot be parsed are left at their zero values; flag words are scanned
// wherever they appear since their position varies across kernel versions.
func parseThinPoolStatus(line string, status *PoolStatus) {
	fields := strings.Fields(line)
	for _, f := range fields {
		switch f {
		case "ro":
			status.ReadOnly = true
		case "needs_check":
			status.NeedsCheck = true
		case "Fail", "Error":
			status.ErrorState = "pool target reports " + f
		}
	}

	var pairs [][2]int64
	for _, f := range fields {
		used, total, ok := parseBlockPair(f)
		if !ok {
			continue
		}
		pairs = append(pairs, [2]int64{used, total})
	}
	// First pair is metadata usage, second is data usage.
	if len(pairs) > 0 {
		status.MetadataUsed, status.MetadataTotal = pairs[0][0], pairs[0][1]
	}
	if len(pairs) > 1 {
		status.DataUsed, status.DataTotal = pairs[1][0], pairs[1][1]
	}
}

func parseBlockPair(field string) (used, total int64, ok bool) {
	parts := strings.SplitN(field, "/", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	used, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	total, err = strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return used, total, true
}

func (pm *PoolManager) dataPath() string {
	return filepath.Join(pm.config.DataDir, "thin_data")
}

func (pm *PoolManager) metaPath() string {
	return filepath.Join(pm.config.DataDir, "thin_meta")
}

// findLoopDevice finds the loop device backing a given file.
func (pm *PoolManager) findLoopDevice(ctx context.Context, filePath string) string {
	cmd := exec.CommandContext(ctx, "losetup", "-j", filePath)
	output, err := cmd.Output()
	if err != nil {
		return ""
	}
	parts := strings.Split(string(output), ":")
	if len(parts) > 0 && strings.HasPrefix(parts[0], "/dev/loop") {
		return strings.TrimSpace(parts[0])
	}
	return ""
}

// EnsurePoolExists checks whether the fixture pool exists and creates it if
// needed. An existing pool in a degraded state is an error rather than a
// candidate for silent recreation.
func (pm *PoolManager) EnsurePoolExists(ctx context.Context) error {
	pm.logger.Info("checking pool status")

	status, err := pm.GetPoolStatus(ctx)
	if err != nil {
		return fmt.Errorf("failed to get pool status: %w", err)
	}

	if status.Exists {
		pm.logger.WithFields(logrus.Fields{
			"needs_check": status.NeedsCheck,
			"read_only":   status.ReadOnly,
		}).Info("pool exists")

		if status.NeedsCheck {
			return fmt.Errorf("pool exists but needs_check flag is set - manual intervention required")
		}
		if status.ReadOnly {
			return fmt.Errorf("pool exists but is read-only - may need recreation")
		}
		if status.ErrorState != "" {
			return fmt.Errorf("pool exists but has error: %s", status.ErrorState)
		}
		return nil
	}

	pm.logger.Warn("pool does not exist, creating")
	return pm.CreatePool(ctx)
}

// CreatePool creates the fixture pool from scratch: backing files, loop
// devices, then the thin-pool target.
func (pm *PoolManager) CreatePool(ctx context.Context) error {
	pm.logger.WithFields(logrus.Fields{
		"data_dir":  pm.config.DataDir,
		"data_size": pm.config.DataSizeBytes,
		"meta_size": pm.config.MetaSizeBytes,
		"pool_name": pm.config.PoolName,
	}).Info("creating fixture thin pool")

	if err := validatePoolName(pm.config.PoolName); err != nil {
		return fmt.Errorf("invalid pool name: %w", err)
	}

	if err := os.MkdirAll(pm.config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	metaPath := pm.metaPath()
	dataPath := pm.dataPath()

	pm.cleanupExistingLoops(ctx, metaPath, dataPath)

	if err := pm.createBackingFile(metaPath, pm.config.MetaSizeBytes); err != nil {
		return fmt.Errorf("failed to create metadata file: %w", err)
	}
	if err := pm.createBackingFile(dataPath, pm.config.DataSizeBytes); err != nil {
		return fmt.Errorf("failed to create data file: %w", err)
	}

	metaDev, err := pm.setupLoopDevice(ctx, metaPath)
	if err != nil {
		return fmt.Errorf("failed to setup metadata loop device: %w", err)
	}
	pm.logger.WithField("device", metaDev).Info("metadata loop device created")

	dataDev, err := pm.setupLoopDevice(ctx, dataPath)
	if err != nil {
		return fmt.Errorf("failed to setup data loop device: %w", err)
	}
	pm.logger.WithField("device", dataDev).Info("data loop device created")

	poolSectors := pm.config.DataSizeBytes / 512
	table := fmt.Sprintf("0 %d thin-pool %s %s %d %d",
		poolSectors, metaDev, dataDev, pm.config.DataBlockSize, pm.config.LowWaterMark)
	if pm.config.SkipBlockZeroing {
		table += " 1 skip_block_zeroing"
	}

	cmd := exec.CommandContext(ctx, "dmsetup", "create", "--verifyudev", pm.config.PoolName, "--table", table)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("failed to create pool: %w (output: %s)", err, output)
	}

	pm.logger.Info("fixture pool created")
	return pm.verifyPool(ctx)
}

func (pm *PoolManager) createBackingFile(path string, size int64) error {
	os.Remove(path)
	cmd := exec.Command("fallocate", "-l", fmt.Sprintf("%d", size), path)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("fallocate failed: %w (output: %s)", err, output)
	}
	return nil
}

func (pm *PoolManager) setupLoopDevice(ctx context.Context, filePath string) (string, error) {
	cmd := exec.CommandContext(ctx, "losetup", "-f", "--show", filePath)
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("losetup failed: %w", err)
	}
	return strings.TrimSpace(string(output)), nil
}

func (pm *PoolManager) cleanupExistingLoops(ctx context.Context, paths ...string) {
	for _, path := range paths {
		dev := pm.findLoopDevice(ctx, path)
		if dev != "" {
			exec.CommandContext(ctx, "losetup", "-d", dev).Run()
		}
	}
}

func (pm *PoolManager) verifyPool(ctx context.Context) error {
	status, err := pm.GetPoolStatus(ctx)
	if err != nil {
		return fmt.Errorf("failed to verify pool: %w", err)
	}
	if !status.Exists {
		return fmt.Errorf("pool verification failed: pool does not exist after creation")
	}
	if status.NeedsCheck {
		return fmt.Errorf("pool verification failed: needs_check flag set")
	}
	pm.logger.Info("pool verified")
	return nil
}

// ValidatePoolHealth checks that the pool exists and is usable for device
// creation. Returns a PoolFullError when data usage crosses the given
// threshold percentage (0 disables the capacity check).
func (pm *PoolManager) ValidatePoolHealth(ctx context.Context, thresholdPercent float64) error {
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	status, err := pm.GetPoolStatus(checkCtx)
	if err != nil {
		return fmt.Errorf("pool health check failed: %w", err)
	}
	if !status.Exists {
		return fmt.Errorf("pool does not exist")
	}
	if status.NeedsCheck {
		return fmt.Errorf("pool needs_check flag is set - corruption detected")
	}
	if status.ReadOnly {
		return fmt.Errorf("pool is in read-only mode")
	}
	if status.ErrorState != "" {
		return fmt.Errorf("pool error: %s", status.ErrorState)
	}
	if thresholdPercent > 0 && status.UsedPercent() >= thresholdPercent {
		return &PoolFullError{
			PoolName:    pm.config.PoolName,
			UsedPercent: status.UsedPercent(),
			Threshold:   thresholdPercent,
		}
	}
	return nil
}

// DestroyPool removes the fixture pool and its backing resources. Errors on
// individual steps are logged and skipped; the pool device itself going away
// is what matters, and the marker sweep picks up anything left.
func (pm *PoolManager) DestroyPool(ctx context.Context) error {
	pm.logger.Warn("destroying fixture pool")

	cmd := exec.CommandContext(ctx, "dmsetup", "remove", pm.config.PoolName)
	if output, err := cmd.CombinedOutput(); err != nil {
		pm.logger.WithError(err).WithField("output", string(output)).Warn("failed to remove pool device")
	}

	metaPath := pm.metaPath()
	dataPath := pm.dataPath()
	pm.cleanupExistingLoops(ctx, metaPath, dataPath)

	os.Remove(metaPath)
	os.Remove(dataPath)

	pm.logger.Info("pool destroyed")
	return nil
}
