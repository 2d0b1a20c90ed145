// Package ledger keeps a small on-disk record of devices that keep surviving
// sweeps. A device that shows up as leftover once is usually just busy; one
// that shows up run after run points at a wedged kernel table or a process
// holding it open, and deserves a human look. The ledger counts attempts per
// device across runs so chronic offenders can be surfaced.
package ledger

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

// leftoversBucket holds one entry per device name.
var leftoversBucket = []byte("leftovers")

// Config holds ledger configuration.
type Config struct {
	// Path to the ledger database file
	Path string

	// OpenTimeout bounds how long to wait for the file lock when another
	// process has the ledger open
	OpenTimeout time.Duration
}

// DefaultConfig returns a default ledger configuration.
func DefaultConfig() Config {
	return Config{
		Path:        "/var/lib/dmsweep/ledger.db",
		OpenTimeout: 1 * time.Second,
	}
}

// Entry is one device's standing in the ledger.
type Entry struct {
	// Name is the marked device name
	Name string `json:"name"`

	// Attempts is how many runs have seen the device survive a sweep
	Attempts int `json:"attempts"`

	// FirstSeen is when the device first survived a sweep
	FirstSeen time.Time `json:"first_seen"`

	// LastSeen is when the device most recently survived a sweep
	LastSeen time.Time `json:"last_seen"`

	// LastRunID is the run that most recently saw the device
	LastRunID string `json:"last_run_id"`
}

// Ledger tracks leftover devices across sweep runs.
type Ledger struct {
	db     *bolt.DB
	logger *logrus.Entry
}

// Open opens (or creates) the ledger database at cfg.Path.
func Open(cfg Config, logger *logrus.Logger) (*Ledger, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	db, err := bolt.Open(cfg.Path, 0600, &bolt.Options{Timeout: cfg.OpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger %s: %w", cfg.Path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(leftoversBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize ledger bucket: %w", err)
	}

	return &Ledger{
		db:     db,
		logger: logger.WithField("component", "ledger"),
	}, nil
}

// Close closes the ledger database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Path returns the ledger file path.
func (l *Ledger) Path() string {
	return l.db.Path()
}

// RecordLeftovers bumps the attempt count for every device that survived the
// given run, creating entries for devices seen for the first time.
func (l *Ledger) RecordLeftovers(runID string, names []string) error {
	if len(names) == 0 {
		return nil
	}
	now := time.Now().UTC()

	err := l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(leftoversBucket)
		for _, name := range names {
			entry := Entry{Name: name, FirstSeen: now}
			if raw := b.Get([]byte(name)); raw != nil {
				if err := json.Unmarshal(raw, &entry); err != nil {
					return fmt.Errorf("failed to decode ledger entry for %s: %w", name, err)
				}
			}
			entry.Attempts++
			entry.LastSeen = now
			entry.LastRunID = runID

			raw, err := json.Marshal(entry)
			if err != nil {
				return fmt.Errorf("failed to encode ledger entry for %s: %w", name, err)
			}
			if err := b.Put([]byte(name), raw); err != nil {
				return fmt.Errorf("failed to store ledger entry for %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	l.logger.WithFields(logrus.Fields{
		"run_id":  runID,
		"devices": len(names),
	}).Debug("Recorded leftover devices in ledger")

	return nil
}

// ClearResolved drops every ledger entry whose device is not in the given
// still-present set, and returns how many entries were cleared. Call it after
// a sweep with the run's leftover names; entries for devices that finally
// went away are resolved.
func (l *Ledger) ClearResolved(stillPresent []string) (int, error) {
	present := make(map[string]struct{}, len(stillPresent))
	for _, name := range stillPresent {
		present[name] = struct{}{}
	}

	cleared := 0
	err := l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(leftoversBucket)

		var resolved [][]byte
		err := b.ForEach(func(k, v []byte) error {
			if _, ok := present[string(k)]; !ok {
				resolved = append(resolved, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range resolved {
			if err := b.Delete(k); err != nil {
				return fmt.Errorf("failed to clear ledger entry for %s: %w", k, err)
			}
		}
		cleared = len(resolved)
		return nil
	})
	if err != nil {
		return 0, err
	}

	if cleared > 0 {
		l.logger.WithField("cleared", cleared).Debug("Cleared resolved devices from ledger")
	}

	return cleared, nil
}

// Chronic returns the entries whose device has survived at least minAttempts
// runs, in name order.
func (l *Ledger) Chronic(minAttempts int) ([]Entry, error) {
	var chronic []Entry
	err := l.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(leftoversBucket).ForEach(func(k, v []byte) error {
			var entry Entry
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("failed to decode ledger entry for %s: %w", k, err)
			}
			if entry.Attempts >= minAttempts {
				chronic = append(chronic, entry)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return chronic, nil
}

// Entries returns every ledger entry in name order.
func (l *Ledger) Entries() ([]Entry, error) {
	return l.Chronic(1)
}
