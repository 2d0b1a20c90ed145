package mounts

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// TestManagerListMountPoints reads a fixture table and returns mount points
// in table order.
func TestManagerListMountPoints(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mountinfo")
	if err := os.WriteFile(path, []byte(hostMidRun), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	m := NewManager(testLogger())
	m.SetSource(path)

	points, err := m.ListMountPoints(context.Background())
	if err != nil {
		t.Fatalf("ListMountPoints: %v", err)
	}
	want := []string{
		"/",
		"/proc",
		"/dev",
		"/boot",
		"/mnt/a_dmsweep_test_delme",
		"/mnt/b dir_dmsweep_test_delme",
		"/srv",
	}
	if len(points) != len(want) {
		t.Fatalf("expected %d mount points, got %d: %v", len(want), len(points), points)
	}
	for i := range want {
		if points[i] != want[i] {
			t.Errorf("points[%d] = %q, want %q", i, points[i], want[i])
		}
	}
}

// TestManagerListMissingSource verifies an unreadable table is a hard
// error, not an empty listing.
func TestManagerListMissingSource(t *testing.T) {
	m := NewManager(testLogger())
	m.SetSource(filepath.Join(t.TempDir(), "does-not-exist"))

	if _, err := m.ListMountPoints(context.Background()); err == nil {
		t.Fatal("expected error for missing mount table")
	}
}

// TestManagerListCancelledContext verifies the context gate.
func TestManagerListCancelledContext(t *testing.T) {
	m := NewManager(testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := m.List(ctx); err == nil {
		t.Fatal("expected context error")
	}
}

// TestIsNotMounted classifies umount's prose for already-clean paths.
func TestIsNotMounted(t *testing.T) {
	for _, out := range []string{
		"umount: /mnt/x: not mounted.",
		"umount: /mnt/x: no mount point specified.",
		"umount: /mnt/x: not found",
	} {
		if !isNotMounted(out) {
			t.Errorf("isNotMounted(%q) = false", out)
		}
	}
	for _, out := range []string{
		"umount: /mnt/x: target is busy.",
		"",
	} {
		if isNotMounted(out) {
			t.Errorf("isNotMounted(%q) = true", out)
		}
	}
}

// TestDetachMount_Integration exercises a real detach. Requires root and a
// scratch mount, so it only documents the expected behavior here:
//   - a mounted path is lazily detached and DetachMount returns nil
//   - an unmounted path returns nil (not mounted is success)
//   - a path the kernel refuses even lazily returns an error naming it
func TestDetachMount_Integration(t *testing.T) {
	t.Skip("Skipping integration test - requires root and a scratch mount")
}
