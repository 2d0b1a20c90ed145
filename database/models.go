package database

import "time"

// Run represents one recorded sweep run.
type Run struct {
	ID             int64
	RunID          string
	Marker         string
	Hostname       string
	StartedAt      time.Time
	CompletedAt    time.Time
	MountsDetached int
	DevicesRemoved int
	DevicePasses   int
	Leftover       []string
	MountStageMs   int64
	DeviceStageMs  int64
	Clean          bool
	Error          string
	ArchivedKey    string
	CreatedAt      time.Time
}

// Duration is the wall-clock time the run took.
func (r *Run) Duration() time.Duration {
	return r.CompletedAt.Sub(r.StartedAt)
}
