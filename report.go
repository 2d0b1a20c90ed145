package dmsweep

import (
	"encoding/json"
	"time"

	"github.com/superfly/dmsweep/sweep"
)

// SweepReport is the durable record of one sweep run. It carries the outcome
// of both stages together with enough host metadata to keep the record useful
// away from the machine that produced it (history queries, archived JSON).
//
// Callers SHOULD NOT choose RunID directly. NewSweepReport derives a
// deterministic run ID from the host and start time via DeriveRunID, so
// history rows and archived objects for one run converge on one identifier.
type SweepReport struct {
	// RunID is a deterministic identifier for this run
	// (derived via dmsweep.DeriveRunID).
	RunID string `json:"run_id"`

	// Marker is the marker token that scoped this run
	Marker string `json:"marker"`

	// Hostname is the host the sweep ran on
	Hostname string `json:"hostname"`

	// StartedAt is the timestamp when the run began
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is the timestamp when the run finished
	CompletedAt time.Time `json:"completed_at"`

	// MountsDetached is the number of marked filesystems unmounted
	MountsDetached int `json:"mounts_detached"`

	// DevicesRemoved is the number of marked DM devices removed
	DevicesRemoved int `json:"devices_removed"`

	// DevicePasses is the number of passes the device stage took to converge
	DevicePasses int `json:"device_passes"`

	// Leftover lists marked devices still present when the run ended,
	// in kernel listing order
	Leftover []string `json:"leftover,omitempty"`

	// MountStageMs is the wall-clock duration of the mount stage in milliseconds
	MountStageMs int64 `json:"mount_stage_ms"`

	// DeviceStageMs is the wall-clock duration of the device stage in milliseconds
	DeviceStageMs int64 `json:"device_stage_ms"`

	// Clean indicates the run finished with no error and nothing left behind
	Clean bool `json:"clean"`

	// Error is the failure text when the run did not complete cleanly
	Error string `json:"error,omitempty"`
}

// NewSweepReport builds the report for one run from its stage summary.
// Timestamps are normalized to UTC so reports compare cleanly across hosts.
// runErr is the error returned by the run, or nil if it completed.
func NewSweepReport(hostname, marker string, startedAt, completedAt time.Time, sum sweep.Summary, runErr error) *SweepReport {
	r := &SweepReport{
		RunID:          DeriveRunID(hostname, startedAt),
		Marker:         marker,
		Hostname:       hostname,
		StartedAt:      startedAt.UTC(),
		CompletedAt:    completedAt.UTC(),
		MountsDetached: sum.MountsDetached,
		DevicesRemoved: sum.DevicesRemoved,
		DevicePasses:   sum.DevicePasses,
		Leftover:       sum.Leftover,
		MountStageMs:   sum.MountStage.Milliseconds(),
		DeviceStageMs:  sum.DeviceStage.Milliseconds(),
	}
	if runErr != nil {
		r.Error = runErr.Error()
	}
	r.Clean = runErr == nil && len(sum.Leftover) == 0
	return r
}

// Duration is the wall-clock time the whole run took.
func (r *SweepReport) Duration() time.Duration {
	return r.CompletedAt.Sub(r.StartedAt)
}

// Marshal encodes the report as JSON for storage and archival.
func (r *SweepReport) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// Unmarshal decodes a JSON report in place.
func (r *SweepReport) Unmarshal(data []byte) error {
	return json.Unmarshal(data, r)
}

// UnmarshalSweepReport decodes a stored or archived JSON report.
func UnmarshalSweepReport(data []byte) (*SweepReport, error) {
	var r SweepReport
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}
