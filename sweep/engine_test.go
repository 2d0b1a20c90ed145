// engine_test.go - Behavior tests for the convergence engine, run against
// in-memory fakes that model how stacked devices pin each other open.

package sweep

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// fakeDevices implements DeviceManager with an in-memory device table.
// heldBy maps a device to the devices holding it open: removal fails while
// any holder still exists, which is how stacked device tables behave.
// stuck devices fail removal unconditionally.
type fakeDevices struct {
	names     []string
	heldBy    map[string][]string
	stuck     map[string]bool
	listErr   error
	listCalls int
	removes   []string
	removed   map[string]bool
	opLog     *[]string
}

func newFakeDevices(names ...string) *fakeDevices {
	return &fakeDevices{
		names:   names,
		heldBy:  map[string][]string{},
		stuck:   map[string]bool{},
		removed: map[string]bool{},
	}
}

func (f *fakeDevices) ListDeviceNames(ctx context.Context) ([]string, error) {
	f.listCalls++
	if f.opLog != nil {
		*f.opLog = append(*f.opLog, "devices.list")
	}
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []string
	for _, n := range f.names {
		if !f.removed[n] {
			out = append(out, n)
		}
	}
	return out, nil
}

func (f *fakeDevices) RemoveDevice(ctx context.Context, name string) error {
	f.removes = append(f.removes, name)
	if f.opLog != nil {
		*f.opLog = append(*f.opLog, "devices.remove "+name)
	}
	if f.stuck[name] {
		return errors.New("device or resource busy")
	}
	for _, holder := range f.heldBy[name] {
		if !f.removed[holder] {
			return fmt.Errorf("device %s held open by %s", name, holder)
		}
	}
	f.removed[name] = true
	return nil
}

// fakeMounts implements MountManager over a fixed mount-point list.
type fakeMounts struct {
	points   []string
	failOn   map[string]error
	listErr  error
	attempts []string
	detached []string
	opLog    *[]string
}

func newFakeMounts(points ...string) *fakeMounts {
	return &fakeMounts{points: points, failOn: map[string]error{}}
}

func (f *fakeMounts) ListMountPoints(ctx context.Context) ([]string, error) {
	if f.opLog != nil {
		*f.opLog = append(*f.opLog, "mounts.list")
	}
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]string(nil), f.points...), nil
}

func (f *fakeMounts) DetachMount(ctx context.Context, path string) error {
	f.attempts = append(f.attempts, path)
	if f.opLog != nil {
		*f.opLog = append(*f.opLog, "mounts.detach "+path)
	}
	if err := f.failOn[path]; err != nil {
		return err
	}
	f.detached = append(f.detached, path)
	return nil
}

// panicDevices fails loudly if a test path that must never touch devices
// reaches the device manager.
type panicDevices struct{}

func (panicDevices) ListDeviceNames(context.Context) ([]string, error) {
	panic("ListDeviceNames must not be called in this test")
}

func (panicDevices) RemoveDevice(context.Context, string) error {
	panic("RemoveDevice must not be called in this test")
}

// panicMounts is the mount-side counterpart of panicDevices.
type panicMounts struct{}

func (panicMounts) ListMountPoints(context.Context) ([]string, error) {
	panic("ListMountPoints must not be called in this test")
}

func (panicMounts) DetachMount(context.Context, string) error {
	panic("DetachMount must not be called in this test")
}

func newTestEngine(cfg Config, d DeviceManager, m MountManager) *Engine {
	return New(cfg, d, m, testLogger())
}

// TestSweepDevices_NoMatches verifies the trivial fixed point: a host with
// no marked devices converges on the first pass with nothing removed and
// nothing attempted.
func TestSweepDevices_NoMatches(t *testing.T) {
	devices := newFakeDevices("vg0-root", "vg0-swap", "luks-sda2")
	eng := newTestEngine(Config{}, devices, panicMounts{})

	stats, err := eng.SweepDevices(context.Background())
	if err != nil {
		t.Fatalf("SweepDevices unexpected error: %v", err)
	}
	if stats.Passes != 1 {
		t.Errorf("Expected Passes=1, got %d", stats.Passes)
	}
	if stats.Removed != 0 {
		t.Errorf("Expected Removed=0, got %d", stats.Removed)
	}
	if len(stats.Leftover) != 0 {
		t.Errorf("Expected empty leftover, got %v", stats.Leftover)
	}
	if len(devices.removes) != 0 {
		t.Errorf("Unmarked devices must never be removal candidates, got attempts: %v", devices.removes)
	}
}

// TestSweepDevices_RemovesOnlyMarked verifies marker filtering: unmarked
// devices coexisting with marked ones are never touched.
func TestSweepDevices_RemovesOnlyMarked(t *testing.T) {
	marked := Default().Suffix("scratch")
	devices := newFakeDevices("vg0-root", marked, "luks-sda2")
	eng := newTestEngine(Config{}, devices, panicMounts{})

	stats, err := eng.SweepDevices(context.Background())
	if err != nil {
		t.Fatalf("SweepDevices unexpected error: %v", err)
	}
	if stats.Removed != 1 {
		t.Errorf("Expected Removed=1, got %d", stats.Removed)
	}
	if len(devices.removes) != 1 || devices.removes[0] != marked {
		t.Errorf("Expected exactly one removal of %q, got %v", marked, devices.removes)
	}
	if !devices.removed[marked] {
		t.Errorf("Marked device %q should have been removed", marked)
	}
}

// TestSweepDevices_ListingFailureIsFatal verifies a listing failure aborts
// immediately: no retry, no removal attempts, the giving-up wrap on the
// error.
func TestSweepDevices_ListingFailureIsFatal(t *testing.T) {
	devices := newFakeDevices(Default().Suffix("a"))
	devices.listErr = errors.New("ioctl failed")
	eng := newTestEngine(Config{}, devices, panicMounts{})

	_, err := eng.SweepDevices(context.Background())
	if err == nil {
		t.Fatal("Expected error from failed listing")
	}
	if !strings.Contains(err.Error(), "failed while listing DM devices, giving up") {
		t.Errorf("Expected giving-up wrap, got: %v", err)
	}
	if devices.listCalls != 1 {
		t.Errorf("Listing must not be retried, got %d calls", devices.listCalls)
	}
	if len(devices.removes) != 0 {
		t.Errorf("No removals should follow a failed listing, got %v", devices.removes)
	}
}

// TestSweepDevices_ChainConverges builds the worst-case stacked chain: three
// devices listed base-first, each held open by the next. Each pass can only
// peel the top of the stack, so removals take exactly three passes plus one
// verification pass that observes no marked devices remain.
func TestSweepDevices_ChainConverges(t *testing.T) {
	m := Default()
	d1, d2, d3 := m.Suffix("d1"), m.Suffix("d2"), m.Suffix("d3")

	devices := newFakeDevices(d1, d2, d3)
	devices.heldBy[d1] = []string{d2}
	devices.heldBy[d2] = []string{d3}

	eng := newTestEngine(Config{}, devices, panicMounts{})

	stats, err := eng.SweepDevices(context.Background())
	if err != nil {
		t.Fatalf("SweepDevices unexpected error: %v", err)
	}
	if stats.Removed != 3 {
		t.Errorf("Expected Removed=3, got %d", stats.Removed)
	}
	if len(stats.Leftover) != 0 {
		t.Errorf("Expected empty leftover, got %v", stats.Leftover)
	}
	// Three removal passes, then the pass that observes convergence.
	if stats.Passes != 4 {
		t.Errorf("Expected Passes=4 for a depth-3 chain, got %d", stats.Passes)
	}
	for _, name := range []string{d1, d2, d3} {
		if !devices.removed[name] {
			t.Errorf("Device %q should have been removed", name)
		}
	}
}

// TestSweepDevices_FavorableOrderConvergesFast is the same chain listed
// top-first: one pass removes everything, the second confirms.
func TestSweepDevices_FavorableOrderConvergesFast(t *testing.T) {
	m := Default()
	d1, d2, d3 := m.Suffix("d1"), m.Suffix("d2"), m.Suffix("d3")

	devices := newFakeDevices(d3, d2, d1)
	devices.heldBy[d1] = []string{d2}
	devices.heldBy[d2] = []string{d3}

	eng := newTestEngine(Config{}, devices, panicMounts{})

	stats, err := eng.SweepDevices(context.Background())
	if err != nil {
		t.Fatalf("SweepDevices unexpected error: %v", err)
	}
	if stats.Removed != 3 || stats.Passes != 2 {
		t.Errorf("Expected Removed=3 Passes=2, got Removed=%d Passes=%d", stats.Removed, stats.Passes)
	}
}

// TestSweepDevices_StuckDeviceNamedExactly verifies that a permanently stuck
// device alongside a removable one yields a LeftoverDevicesError naming
// exactly the stuck device.
func TestSweepDevices_StuckDeviceNamedExactly(t *testing.T) {
	m := Default()
	stuck, fine := m.Suffix("a"), m.Suffix("b")

	devices := newFakeDevices(stuck, fine)
	devices.stuck[stuck] = true

	eng := newTestEngine(Config{}, devices, panicMounts{})

	stats, err := eng.SweepDevices(context.Background())
	if err == nil {
		t.Fatal("Expected LeftoverDevicesError")
	}
	if !IsLeftoverDevicesError(err) {
		t.Fatalf("Expected LeftoverDevicesError, got %T: %v", err, err)
	}
	var leftover *LeftoverDevicesError
	if !errors.As(err, &leftover) {
		t.Fatalf("errors.As failed on %v", err)
	}
	if len(leftover.Names) != 1 || leftover.Names[0] != stuck {
		t.Errorf("Expected leftover exactly [%q], got %v", stuck, leftover.Names)
	}
	if stats.Removed != 1 {
		t.Errorf("Expected the removable device counted, Removed=%d", stats.Removed)
	}
	if !strings.Contains(err.Error(), "some test-generated DM devices remaining") {
		t.Errorf("Leftover error message missing context: %v", err)
	}
}

// TestSweepDevices_LeftoverPreservesListingOrder verifies leftovers are
// reported in kernel listing order, not sorted or shuffled.
func TestSweepDevices_LeftoverPreservesListingOrder(t *testing.T) {
	m := Default()
	c, a, b := m.Suffix("charlie"), m.Suffix("alpha"), m.Suffix("bravo")

	devices := newFakeDevices(c, a, b)
	for _, n := range []string{c, a, b} {
		devices.stuck[n] = true
	}

	eng := newTestEngine(Config{}, devices, panicMounts{})

	stats, err := eng.SweepDevices(context.Background())
	if !IsLeftoverDevicesError(err) {
		t.Fatalf("Expected LeftoverDevicesError, got %v", err)
	}
	want := []string{c, a, b}
	if len(stats.Leftover) != len(want) {
		t.Fatalf("Expected %d leftovers, got %v", len(want), stats.Leftover)
	}
	for i := range want {
		if stats.Leftover[i] != want[i] {
			t.Errorf("Leftover[%d] = %q, want %q (listing order)", i, stats.Leftover[i], want[i])
		}
	}
	// Everything stuck means the very first pass makes no progress.
	if stats.Passes != 1 {
		t.Errorf("Expected Passes=1, got %d", stats.Passes)
	}
}

// TestSweepDevices_PassCap verifies MaxPasses stops a loop that is still
// making progress and reports what remained at the cap.
func TestSweepDevices_PassCap(t *testing.T) {
	m := Default()
	names := []string{m.Suffix("d1"), m.Suffix("d2"), m.Suffix("d3"), m.Suffix("d4"), m.Suffix("d5")}

	devices := newFakeDevices(names...)
	for i := 0; i < len(names)-1; i++ {
		devices.heldBy[names[i]] = []string{names[i+1]}
	}

	eng := newTestEngine(Config{MaxPasses: 2}, devices, panicMounts{})

	stats, err := eng.SweepDevices(context.Background())
	if !IsLeftoverDevicesError(err) {
		t.Fatalf("Expected LeftoverDevicesError at the cap, got %v", err)
	}
	if stats.Passes != 2 {
		t.Errorf("Expected Passes=2, got %d", stats.Passes)
	}
	if stats.Removed != 2 {
		t.Errorf("Expected Removed=2 (one per pass off the top of the chain), got %d", stats.Removed)
	}
	if len(stats.Leftover) != 3 {
		t.Errorf("Expected 3 leftover at the cap, got %v", stats.Leftover)
	}
}

// TestSweepMounts_DetachesOnlyMarked verifies mount filtering and table
// order: marked mount points are detached in order, unmarked ones are never
// attempted.
func TestSweepMounts_DetachesOnlyMarked(t *testing.T) {
	m := Default()
	foo := "/mnt/foo" + m.Token()
	baz := "/mnt/baz" + m.Token()

	mounts := newFakeMounts(foo, "/mnt/bar", baz)
	eng := newTestEngine(Config{}, panicDevices{}, mounts)

	stats, err := eng.SweepMounts(context.Background())
	if err != nil {
		t.Fatalf("SweepMounts unexpected error: %v", err)
	}
	if stats.Detached != 2 {
		t.Errorf("Expected Detached=2, got %d", stats.Detached)
	}
	want := []string{foo, baz}
	if len(mounts.detached) != 2 || mounts.detached[0] != want[0] || mounts.detached[1] != want[1] {
		t.Errorf("Expected detaches %v in table order, got %v", want, mounts.detached)
	}
	for _, attempted := range mounts.attempts {
		if attempted == "/mnt/bar" {
			t.Error("Unmarked mount /mnt/bar must never be detached")
		}
	}
}

// TestSweepMounts_FirstFailureAborts verifies the mount sweep stops at the
// first detach failure: later marked mounts are not attempted.
func TestSweepMounts_FirstFailureAborts(t *testing.T) {
	m := Default()
	first := "/mnt/a" + m.Token()
	failing := "/mnt/b" + m.Token()
	never := "/mnt/c" + m.Token()

	mounts := newFakeMounts(first, failing, never)
	mounts.failOn[failing] = errors.New("target is busy")

	eng := newTestEngine(Config{}, panicDevices{}, mounts)

	stats, err := eng.SweepMounts(context.Background())
	if err == nil {
		t.Fatal("Expected detach failure to surface")
	}
	if !strings.Contains(err.Error(), failing) {
		t.Errorf("Error should name the failing mount point: %v", err)
	}
	if stats.Detached != 1 {
		t.Errorf("Expected Detached=1 before the failure, got %d", stats.Detached)
	}
	for _, attempted := range mounts.attempts {
		if attempted == never {
			t.Errorf("Mount %q must not be attempted after an earlier failure", never)
		}
	}
}

// TestSweepMounts_ListFailureIsFatal covers an unreadable mount table.
func TestSweepMounts_ListFailureIsFatal(t *testing.T) {
	mounts := newFakeMounts()
	mounts.listErr = errors.New("open /proc/self/mountinfo: permission denied")

	eng := newTestEngine(Config{}, panicDevices{}, mounts)

	if _, err := eng.SweepMounts(context.Background()); err == nil {
		t.Fatal("Expected error from unreadable mount table")
	}
	if len(mounts.attempts) != 0 {
		t.Errorf("No detaches should follow a failed listing, got %v", mounts.attempts)
	}
}

// TestRun_MountsSweptBeforeDevices verifies stage ordering: every mount
// operation happens before the first device listing.
func TestRun_MountsSweptBeforeDevices(t *testing.T) {
	m := Default()
	var opLog []string

	devices := newFakeDevices(m.Suffix("dev"))
	devices.opLog = &opLog
	mounts := newFakeMounts("/mnt/x" + m.Token())
	mounts.opLog = &opLog

	eng := newTestEngine(Config{}, devices, mounts)

	if _, err := eng.Run(context.Background()); err != nil {
		t.Fatalf("Run unexpected error: %v", err)
	}

	firstDeviceOp := -1
	lastMountOp := -1
	for i, op := range opLog {
		if strings.HasPrefix(op, "devices.") && firstDeviceOp == -1 {
			firstDeviceOp = i
		}
		if strings.HasPrefix(op, "mounts.") {
			lastMountOp = i
		}
	}
	if firstDeviceOp == -1 || lastMountOp == -1 {
		t.Fatalf("Expected both stages to run, op log: %v", opLog)
	}
	if lastMountOp > firstDeviceOp {
		t.Errorf("Mount sweep must finish before device sweep starts, op log: %v", opLog)
	}
}

// TestRun_MountFailureSkipsDeviceSweep verifies the short-circuit: a failed
// mount sweep means the device manager is never consulted, and the error
// carries the unmount-stage wrap.
func TestRun_MountFailureSkipsDeviceSweep(t *testing.T) {
	m := Default()
	ok := "/mnt/ok" + m.Token()
	bad := "/mnt/bad" + m.Token()

	mounts := newFakeMounts(ok, bad)
	mounts.failOn[bad] = errors.New("target is busy")

	eng := newTestEngine(Config{}, panicDevices{}, mounts)

	sum, err := eng.Run(context.Background())
	if err == nil {
		t.Fatal("Expected mount-stage failure")
	}
	if !strings.Contains(err.Error(), "failed to ensure all test-generated filesystems were unmounted") {
		t.Errorf("Expected unmount-stage wrap, got: %v", err)
	}
	if sum.MountsDetached != 1 {
		t.Errorf("Summary should count pre-failure detaches, got %d", sum.MountsDetached)
	}
	if sum.DevicePasses != 0 {
		t.Errorf("Device sweep must not have run, got %d passes", sum.DevicePasses)
	}
}

// TestRun_DeviceStageWrap verifies leftover errors surface through the
// device-stage wrap and still classify via IsLeftoverDevicesError.
func TestRun_DeviceStageWrap(t *testing.T) {
	m := Default()
	stuck := m.Suffix("stuck")

	devices := newFakeDevices(stuck)
	devices.stuck[stuck] = true
	mounts := newFakeMounts()

	eng := newTestEngine(Config{}, devices, mounts)

	sum, err := eng.Run(context.Background())
	if err == nil {
		t.Fatal("Expected device-stage failure")
	}
	if !strings.Contains(err.Error(), "failed to ensure removal of all test-generated DM devices") {
		t.Errorf("Expected device-stage wrap, got: %v", err)
	}
	if !IsLeftoverDevicesError(err) {
		t.Errorf("Leftover classification must survive stage wrapping: %v", err)
	}
	if len(sum.Leftover) != 1 || sum.Leftover[0] != stuck {
		t.Errorf("Summary leftover = %v, want [%q]", sum.Leftover, stuck)
	}
}

// TestRun_CleanSummary verifies a successful run populates the summary
// counters from both stages.
func TestRun_CleanSummary(t *testing.T) {
	m := Default()

	devices := newFakeDevices(m.Suffix("d1"), "vg0-root", m.Suffix("d2"))
	mounts := newFakeMounts("/mnt/x"+m.Token(), "/srv/data")

	eng := newTestEngine(Config{}, devices, mounts)

	sum, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("Run unexpected error: %v", err)
	}
	if sum.MountsDetached != 1 {
		t.Errorf("Expected MountsDetached=1, got %d", sum.MountsDetached)
	}
	if sum.DevicesRemoved != 2 {
		t.Errorf("Expected DevicesRemoved=2, got %d", sum.DevicesRemoved)
	}
	if sum.DevicePasses != 2 {
		t.Errorf("Expected DevicePasses=2 (removal pass + verification), got %d", sum.DevicePasses)
	}
	if len(sum.Leftover) != 0 {
		t.Errorf("Expected no leftover, got %v", sum.Leftover)
	}
}

// TestRun_IdempotentOnCleanHost verifies running against a host with nothing
// marked succeeds and changes nothing, so teardown can run any number of
// times.
func TestRun_IdempotentOnCleanHost(t *testing.T) {
	devices := newFakeDevices("vg0-root")
	mounts := newFakeMounts("/", "/home")

	eng := newTestEngine(Config{}, devices, mounts)

	for i := 0; i < 3; i++ {
		sum, err := eng.Run(context.Background())
		if err != nil {
			t.Fatalf("Run %d unexpected error: %v", i, err)
		}
		if sum.MountsDetached != 0 || sum.DevicesRemoved != 0 {
			t.Fatalf("Run %d should be a no-op, got %+v", i, sum)
		}
	}
	if len(devices.removes) != 0 || len(mounts.attempts) != 0 {
		t.Errorf("Clean host must never see removal attempts: %v %v", devices.removes, mounts.attempts)
	}
}
