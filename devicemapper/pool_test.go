// pool_test.go - Unit tests for thin-pool status parsing and configuration
// defaults. Pool creation itself needs root and loop devices, so it is
// exercised by the harness integration tests instead.

package devicemapper

import (
	"testing"
)

// TestParseThinPoolStatus_Healthy parses a normal read-write status line and
// extracts the metadata and data usage pairs.
func TestParseThinPoolStatus_Healthy(t *testing.T) {
	line := "0 2097152 thin-pool 1 24/1024 206/16384 - rw discard_passdown queue_if_no_space -"

	var status PoolStatus
	parseThinPoolStatus(line, &status)

	if status.ReadOnly {
		t.Error("healthy pool reported read-only")
	}
	if status.NeedsCheck {
		t.Error("healthy pool reported needs_check")
	}
	if status.ErrorState != "" {
		t.Errorf("healthy pool reported error state %q", status.ErrorState)
	}
	if status.MetadataUsed != 24 || status.MetadataTotal != 1024 {
		t.Errorf("metadata = %d/%d, want 24/1024", status.MetadataUsed, status.MetadataTotal)
	}
	if status.DataUsed != 206 || status.DataTotal != 16384 {
		t.Errorf("data = %d/%d, want 206/16384", status.DataUsed, status.DataTotal)
	}
}

// TestParseThinPoolStatus_Degraded picks up the ro and needs_check flags
// wherever they appear in the line.
func TestParseThinPoolStatus_Degraded(t *testing.T) {
	line := "0 2097152 thin-pool 3 1020/1024 16384/16384 - ro needs_check -"

	var status PoolStatus
	parseThinPoolStatus(line, &status)

	if !status.ReadOnly {
		t.Error("expected read-only")
	}
	if !status.NeedsCheck {
		t.Error("expected needs_check")
	}
	if status.DataUsed != 16384 || status.DataTotal != 16384 {
		t.Errorf("data = %d/%d, want 16384/16384", status.DataUsed, status.DataTotal)
	}
}

// TestParseThinPoolStatus_Fail records the error state for a failed target.
func TestParseThinPoolStatus_Fail(t *testing.T) {
	var status PoolStatus
	parseThinPoolStatus("0 2097152 thin-pool Fail", &status)
	if status.ErrorState == "" {
		t.Error("expected error state for Fail target")
	}
}

// TestPoolStatusUsedPercent verifies percentage math including the zero-total
// case used before the pool has reported.
func TestPoolStatusUsedPercent(t *testing.T) {
	s := PoolStatus{DataUsed: 50, DataTotal: 200}
	if got := s.UsedPercent(); got != 25 {
		t.Errorf("UsedPercent = %v, want 25", got)
	}
	empty := PoolStatus{}
	if got := empty.UsedPercent(); got != 0 {
		t.Errorf("UsedPercent on empty status = %v, want 0", got)
	}
}

// TestParseBlockPair rejects fields that are not used/total pairs so flag
// words and device numbers never pollute the usage figures.
func TestParseBlockPair(t *testing.T) {
	used, total, ok := parseBlockPair("24/1024")
	if !ok || used != 24 || total != 1024 {
		t.Errorf("parseBlockPair(24/1024) = %d, %d, %v", used, total, ok)
	}
	for _, f := range []string{"rw", "-", "thin-pool", "1024", "a/b", "1/2x"} {
		if _, _, ok := parseBlockPair(f); ok {
			t.Errorf("%q should not parse as a block pair", f)
		}
	}
}

// TestDefaultPoolConfig checks fixture-scale defaults.
func TestDefaultPoolConfig(t *testing.T) {
	cfg := DefaultPoolConfig("pool_dmsweep_test_delme", "/tmp/dmsweep")

	if cfg.PoolName != "pool_dmsweep_test_delme" {
		t.Errorf("PoolName = %q", cfg.PoolName)
	}
	if cfg.DataDir != "/tmp/dmsweep" {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
	if cfg.DataSizeBytes != 1*1024*1024*1024 {
		t.Errorf("DataSizeBytes = %d, want 1GB", cfg.DataSizeBytes)
	}
	if cfg.MetaSizeBytes != 4*1024*1024 {
		t.Errorf("MetaSizeBytes = %d, want 4MB", cfg.MetaSizeBytes)
	}
	if !cfg.SkipBlockZeroing {
		t.Error("SkipBlockZeroing should default to true for fixtures")
	}
}
