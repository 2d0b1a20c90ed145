// Package inventory takes point-in-time snapshots of the host's DM devices
// and mount points, indexed for the read paths the CLI and TUI need: every
// resource, one kind, or only what a marker matches (what a sweep would
// touch). A snapshot is immutable once taken; dry runs report from it
// without ever calling dmsetup remove or umount.
package inventory

import (
	"context"
	"fmt"
	"sort"
	"time"

	memdb "github.com/hashicorp/go-memdb"

	"github.com/superfly/dmsweep/sweep"
)

// Resource kinds.
const (
	KindDevice = "device"
	KindMount  = "mount"
)

// Resource is one device or mount point captured in a snapshot.
type Resource struct {
	// ID is unique within a snapshot ("device/<name>" or "mount/<path>").
	// Duplicate mount points collapse to one row, the last occurrence wins.
	ID string

	// Kind is KindDevice or KindMount
	Kind string

	// Name is the device name or mount point path
	Name string

	// Marked reports whether the snapshot's marker matched Name
	Marked bool

	// Position preserves the original listing order within the kind
	Position int
}

// schema declares the resource table with lookup indexes for kind and
// marked status.
func schema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			"resource": {
				Name: "resource",
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
					"kind": {
						Name:    "kind",
						Indexer: &memdb.StringFieldIndex{Field: "Kind"},
					},
					"marked": {
						Name:    "marked",
						Indexer: &memdb.BoolFieldIndex{Field: "Marked"},
					},
				},
			},
		},
	}
}

// Snapshot is an immutable view of the host's resources at one instant.
type Snapshot struct {
	db      *memdb.MemDB
	marker  sweep.Marker
	takenAt time.Time
}

// Take captures the devices and mount points currently visible through the
// given managers and indexes them against the marker.
func Take(ctx context.Context, devices sweep.DeviceManager, mounts sweep.MountManager, marker sweep.Marker) (*Snapshot, error) {
	names, err := devices.ListDeviceNames(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list DM devices: %w", err)
	}
	points, err := mounts.ListMountPoints(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list mounted filesystems: %w", err)
	}

	db, err := memdb.NewMemDB(schema())
	if err != nil {
		return nil, fmt.Errorf("failed to build inventory schema: %w", err)
	}

	txn := db.Txn(true)
	for i, name := range names {
		r := &Resource{
			ID:       KindDevice + "/" + name,
			Kind:     KindDevice,
			Name:     name,
			Marked:   marker.Matches(name),
			Position: i,
		}
		if err := txn.Insert("resource", r); err != nil {
			txn.Abort()
			return nil, fmt.Errorf("failed to index device %s: %w", name, err)
		}
	}
	for i, point := range points {
		r := &Resource{
			ID:       KindMount + "/" + point,
			Kind:     KindMount,
			Name:     point,
			Marked:   marker.Matches(point),
			Position: i,
		}
		if err := txn.Insert("resource", r); err != nil {
			txn.Abort()
			return nil, fmt.Errorf("failed to index mount %s: %w", point, err)
		}
	}
	txn.Commit()

	return &Snapshot{
		db:      db,
		marker:  marker,
		takenAt: time.Now().UTC(),
	}, nil
}

// TakenAt reports when the snapshot was captured.
func (s *Snapshot) TakenAt() time.Time {
	return s.takenAt
}

// Marker returns the marker the snapshot was indexed against.
func (s *Snapshot) Marker() sweep.Marker {
	return s.marker
}

// All returns every captured resource, devices before mounts, each kind in
// its original listing order.
func (s *Snapshot) All() ([]Resource, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get("resource", "id")
	if err != nil {
		return nil, fmt.Errorf("failed to query inventory: %w", err)
	}
	return collect(it), nil
}

// ByKind returns every resource of one kind in its original listing order.
func (s *Snapshot) ByKind(kind string) ([]Resource, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get("resource", "kind", kind)
	if err != nil {
		return nil, fmt.Errorf("failed to query inventory by kind: %w", err)
	}
	return collect(it), nil
}

// Devices returns the captured DM devices in kernel listing order.
func (s *Snapshot) Devices() ([]Resource, error) {
	return s.ByKind(KindDevice)
}

// Mounts returns the captured mount points in mount table order.
func (s *Snapshot) Mounts() ([]Resource, error) {
	return s.ByKind(KindMount)
}

// Marked returns the resources the snapshot's marker matched, which is what
// a sweep of this host would touch. Devices come before mounts, each kind in
// its original listing order.
func (s *Snapshot) Marked() ([]Resource, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get("resource", "marked", true)
	if err != nil {
		return nil, fmt.Errorf("failed to query marked resources: %w", err)
	}
	return collect(it), nil
}

// collect drains an index iterator and restores listing order, which index
// iteration does not preserve.
func collect(it memdb.ResultIterator) []Resource {
	var out []Resource
	for obj := it.Next(); obj != nil; obj = it.Next() {
		out = append(out, *obj.(*Resource))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Position < out[j].Position
	})
	return out
}
