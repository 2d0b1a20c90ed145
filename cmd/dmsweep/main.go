package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/superfly/dmsweep/database"
	"github.com/superfly/dmsweep/devicemapper"
	"github.com/superfly/dmsweep/ledger"
	"github.com/superfly/dmsweep/mounts"
	"github.com/superfly/dmsweep/preflight"
	"github.com/superfly/dmsweep/sweep"
)

// version is stamped at build time via -ldflags.
var version = "dev"

// Config holds all configuration for the dmsweep CLI
type Config struct {
	// Marker Configuration
	MarkerToken string

	// State Paths
	DBPath     string
	LedgerPath string
	LockDir    string

	// S3 Configuration (report archival)
	S3Bucket string
	S3Region string
	S3Prefix string

	// Mount table source
	MountSource string

	// Sweep Tuning
	MaxPasses    int
	SweepTimeout time.Duration

	// Sweep Command Flags
	DryRun   bool
	JSONOut  bool
	Archive  bool
	NoRecord bool

	// History Command Flags
	HistoryLimit int

	// Watch Command Flags
	PoolName        string
	RefreshInterval time.Duration
	Inline          bool

	// Logging
	LogLevel string
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		MarkerToken:     sweep.DefaultToken,
		DBPath:          "/var/lib/dmsweep/history.db",
		LedgerPath:      "/var/lib/dmsweep/ledger.db",
		LockDir:         "/var/run",
		S3Bucket:        "dmsweep-reports",
		S3Region:        "us-east-1",
		MountSource:     mounts.DefaultSource,
		SweepTimeout:    5 * time.Minute,
		HistoryLimit:    20,
		RefreshInterval: 2 * time.Second,
		LogLevel:        "info",
	}
}

var (
	log = logrus.New()

	// sweepGuard serializes sweep execution within this process
	sweepGuard *preflight.Guard

	// Command line flags
	sweepCmd   = flag.NewFlagSet("sweep", flag.ExitOnError)
	statusCmd  = flag.NewFlagSet("status", flag.ExitOnError)
	historyCmd = flag.NewFlagSet("history", flag.ExitOnError)
	watchCmd   = flag.NewFlagSet("watch", flag.ExitOnError)
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	config := DefaultConfig()

	switch os.Args[1] {
	case "sweep":
		parseSweepFlags(&config, sweepCmd, os.Args[2:])
		if err := runSweep(config); err != nil {
			log.WithError(err).Fatal("sweep failed")
		}
	case "status":
		parseStatusFlags(&config, statusCmd, os.Args[2:])
		if err := runStatus(config); err != nil {
			log.WithError(err).Fatal("status failed")
		}
	case "history":
		parseHistoryFlags(&config, historyCmd, os.Args[2:])
		if err := runHistory(config); err != nil {
			log.WithError(err).Fatal("history failed")
		}
	case "watch":
		parseWatchFlags(&config, watchCmd, os.Args[2:])
		if err := runWatch(config); err != nil {
			log.WithError(err).Fatal("watch failed")
		}
	case "version":
		fmt.Printf("dmsweep %s\n", version)
	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("dmsweep - marker-scoped teardown for test-created DM devices and mounts")
	fmt.Println()
	fmt.Println("Usage: dmsweep <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  sweep       Detach marked mounts, then remove marked DM devices to convergence")
	fmt.Println("  status      Show marked resources and chronic leftovers")
	fmt.Println("  history     List recorded sweep runs")
	fmt.Println("  watch       Interactive dashboard with live resource tracking")
	fmt.Println("  version     Print version")
	fmt.Println()
	fmt.Println("Run 'dmsweep <command> --help' for details on a command.")
}

func parseSweepFlags(cfg *Config, fs *flag.FlagSet, args []string) {
	fs.StringVar(&cfg.MarkerToken, "marker", cfg.MarkerToken, "Marker token selecting test-created resources")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "Run history database path")
	fs.StringVar(&cfg.LedgerPath, "ledger", cfg.LedgerPath, "Leftover ledger path")
	fs.StringVar(&cfg.LockDir, "lock-dir", cfg.LockDir, "Directory holding the sweep lock file")
	fs.StringVar(&cfg.MountSource, "mount-source", cfg.MountSource, "Mount table to scan")
	fs.IntVar(&cfg.MaxPasses, "max-passes", cfg.MaxPasses, "Cap on device removal passes (0 = run to convergence)")
	fs.DurationVar(&cfg.SweepTimeout, "timeout", cfg.SweepTimeout, "Overall sweep deadline")
	fs.BoolVar(&cfg.DryRun, "dry-run", cfg.DryRun, "List what would be swept without touching anything")
	fs.BoolVar(&cfg.JSONOut, "json", cfg.JSONOut, "Print the sweep report as JSON")
	fs.BoolVar(&cfg.Archive, "archive", cfg.Archive, "Upload the sweep report to S3")
	fs.BoolVar(&cfg.NoRecord, "no-record", cfg.NoRecord, "Skip recording the run in the history database")
	fs.StringVar(&cfg.S3Bucket, "bucket", cfg.S3Bucket, "S3 bucket for report archival")
	fs.StringVar(&cfg.S3Region, "region", cfg.S3Region, "S3 region for report archival")
	fs.StringVar(&cfg.S3Prefix, "prefix", cfg.S3Prefix, "Key prefix for archived reports")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	fs.Parse(args)
}

func parseStatusFlags(cfg *Config, fs *flag.FlagSet, args []string) {
	fs.StringVar(&cfg.MarkerToken, "marker", cfg.MarkerToken, "Marker token selecting test-created resources")
	fs.StringVar(&cfg.LedgerPath, "ledger", cfg.LedgerPath, "Leftover ledger path")
	fs.StringVar(&cfg.MountSource, "mount-source", cfg.MountSource, "Mount table to scan")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	fs.Parse(args)
}

func parseHistoryFlags(cfg *Config, fs *flag.FlagSet, args []string) {
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "Run history database path")
	fs.IntVar(&cfg.HistoryLimit, "limit", cfg.HistoryLimit, "Maximum number of runs to list")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	fs.Parse(args)
}

func parseWatchFlags(cfg *Config, fs *flag.FlagSet, args []string) {
	fs.StringVar(&cfg.MarkerToken, "marker", cfg.MarkerToken, "Marker token selecting test-created resources")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "Run history database path")
	fs.StringVar(&cfg.LedgerPath, "ledger", cfg.LedgerPath, "Leftover ledger path")
	fs.StringVar(&cfg.MountSource, "mount-source", cfg.MountSource, "Mount table to scan")
	fs.StringVar(&cfg.PoolName, "pool", cfg.PoolName, "Thin pool to show usage for (optional)")
	fs.DurationVar(&cfg.RefreshInterval, "refresh", cfg.RefreshInterval, "Dashboard refresh interval")
	fs.DurationVar(&cfg.SweepTimeout, "timeout", cfg.SweepTimeout, "Deadline for manual sweeps")
	fs.IntVar(&cfg.MaxPasses, "max-passes", cfg.MaxPasses, "Cap on device removal passes (0 = run to convergence)")
	fs.BoolVar(&cfg.Inline, "inline", cfg.Inline, "Render inline instead of using the alternate screen")
	fs.Parse(args)
}

func setupLogger(level string) error {
	log.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
	})

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	log.SetLevel(lvl)

	return nil
}

// lockFileInfo is written into the lock file so a blocked operator can see
// who holds the lock.
type lockFileInfo struct {
	PID       int    `json:"pid"`
	Timestamp int64  `json:"timestamp"`
	Command   string `json:"command"`
}

const lockFileName = "dmsweep.lock"

// acquireSweepLock takes the cross-process sweep lock. Two sweeps racing
// over the same device list would treat each other's removals as their own
// progress, so only one dmsweep may run per host.
func acquireSweepLock(lockDir string) error {
	if err := os.MkdirAll(lockDir, 0755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}

	lockPath := filepath.Join(lockDir, lockFileName)

	info := lockFileInfo{
		PID:       os.Getpid(),
		Timestamp: time.Now().Unix(),
		Command:   filepath.Base(os.Args[0]),
	}

	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal lock info: %w", err)
	}

	// O_EXCL makes creation atomic: exactly one process wins the race.
	file, err := os.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			return handleExistingLock(lockDir, lockPath)
		}
		return fmt.Errorf("failed to create lock file: %w", err)
	}

	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(lockPath)
		return fmt.Errorf("failed to write lock file: %w", err)
	}

	if err := file.Close(); err != nil {
		os.Remove(lockPath)
		return fmt.Errorf("failed to close lock file: %w", err)
	}

	log.WithFields(logrus.Fields{
		"lock_path": lockPath,
		"pid":       info.PID,
	}).Debug("acquired sweep lock")

	return nil
}

// handleExistingLock decides whether an existing lock file belongs to a
// live process or is a stale leftover from a crashed one.
func handleExistingLock(lockDir, lockPath string) error {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return fmt.Errorf("lock file exists but is unreadable: %w", err)
	}

	var existing lockFileInfo
	if err := json.Unmarshal(data, &existing); err != nil {
		// Unparseable lock files are from no version of this tool we
		// know; leave them for the operator.
		return fmt.Errorf("lock file %s exists with unrecognized content, remove it manually", lockPath)
	}

	if isProcessRunning(existing.PID) {
		return fmt.Errorf("another dmsweep process is running (pid %d, command %q, started %s, lock %s)",
			existing.PID,
			existing.Command,
			time.Unix(existing.Timestamp, 0).Format(time.RFC3339),
			lockPath)
	}

	log.WithFields(logrus.Fields{
		"stale_pid":   existing.PID,
		"lock_path":   lockPath,
		"stale_since": time.Unix(existing.Timestamp, 0).Format(time.RFC3339),
	}).Warn("removing stale lock from dead process")

	if err := os.Remove(lockPath); err != nil {
		return fmt.Errorf("failed to remove stale lock file: %w", err)
	}

	return acquireSweepLock(lockDir)
}

// isProcessRunning reports whether a process with the given PID exists.
func isProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	// Signal 0 performs the existence check without delivering anything.
	err = process.Signal(syscall.Signal(0))
	return err == nil
}

// releaseSweepLock removes the lock file. Missing files are fine: release
// must be idempotent so deferred cleanup can run after partial failures.
func releaseSweepLock(lockDir string) {
	lockPath := filepath.Join(lockDir, lockFileName)
	if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
		log.WithError(err).WithField("lock_path", lockPath).Warn("failed to release sweep lock")
	}
}

// initializeGuard wires the in-process guard that serializes sweeps and
// runs environment checks before each one.
func initializeGuard(cfg Config) {
	checker := preflight.NewChecker(cfg.MountSource, log)

	sweepGuard = preflight.NewGuard(preflight.GuardConfig{
		MaxConcurrent: 1,
		Logger:        log,
		CheckFunc:     checker.CheckAll,
	})

	log.Debug("sweep guard initialized")
}

// Dependencies holds everything a sweep needs. DB and Ledger may be nil:
// recording is auxiliary and must never block reclaiming devices.
type Dependencies struct {
	DB      *database.DB
	Ledger  *ledger.Ledger
	Devices *devicemapper.Client
	Mounts  *mounts.Manager
	Engine  *sweep.Engine
	Marker  sweep.Marker

	// DBErr is kept when the history database failed to open so the
	// watch dashboard can surface it.
	DBErr error
}

// Close closes all stateful dependencies
func (d *Dependencies) Close() {
	if d.DB != nil {
		if err := d.DB.Close(); err != nil {
			log.WithError(err).Warn("failed to close history database")
		}
	}
	if d.Ledger != nil {
		if err := d.Ledger.Close(); err != nil {
			log.WithError(err).Warn("failed to close leftover ledger")
		}
	}
}

// initializeDependencies builds the sweep stack. The marker, device and
// mount layers are required; history and ledger failures are downgraded to
// warnings so a broken database cannot leave devices pinned.
func initializeDependencies(cfg Config) (*Dependencies, error) {
	marker, err := sweep.NewMarker(cfg.MarkerToken)
	if err != nil {
		return nil, fmt.Errorf("invalid marker token: %w", err)
	}

	deps := &Dependencies{Marker: marker}

	deps.Devices = devicemapper.New()
	deps.Devices.SetLogger(log)

	deps.Mounts = mounts.NewManager(log)
	if cfg.MountSource != "" {
		deps.Mounts.SetSource(cfg.MountSource)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0755); err != nil {
		log.WithError(err).Warn("failed to create history database directory")
	} else {
		dbCfg := database.DefaultConfig()
		dbCfg.Path = cfg.DBPath
		deps.DB, deps.DBErr = database.New(dbCfg)
		if deps.DBErr != nil {
			log.WithError(deps.DBErr).Warn("run history unavailable")
			deps.DB = nil
		}
	}

	if err := os.MkdirAll(filepath.Dir(cfg.LedgerPath), 0755); err != nil {
		log.WithError(err).Warn("failed to create ledger directory")
	} else {
		ledCfg := ledger.DefaultConfig()
		ledCfg.Path = cfg.LedgerPath
		deps.Ledger, err = ledger.Open(ledCfg, log)
		if err != nil {
			log.WithError(err).Warn("leftover ledger unavailable")
			deps.Ledger = nil
		}
	}

	deps.Engine = sweep.New(sweep.Config{
		Marker:    marker,
		MaxPasses: cfg.MaxPasses,
	}, deps.Devices, deps.Mounts, log)

	return deps, nil
}
