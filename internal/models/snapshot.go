package models

import "time"

// SnapshotState is the lifecycle state of a VM snapshot.
type SnapshotState string

const (
	SnapshotAllocated SnapshotState = "Allocated"
	SnapshotCreating  SnapshotState = "Creating"
	SnapshotReady     SnapshotState = "Ready"
	SnapshotReverting SnapshotState = "Reverting"
	SnapshotExpunging SnapshotState = "Expunging"
	SnapshotError     SnapshotState = "Error"
	// SnapshotRemoved is never persisted; reaching it deletes the row.
	SnapshotRemoved SnapshotState = "Removed"
)

// ActiveSnapshotStates are the non-terminal states. At most one snapshot per
// VM may be in one of them.
func ActiveSnapshotStates() []SnapshotState {
	return []SnapshotState{SnapshotAllocated, SnapshotCreating, SnapshotReverting, SnapshotExpunging}
}

// SnapshotType says whether memory is captured along with the disks.
type SnapshotType string

const (
	SnapshotDisk          SnapshotType = "Disk"
	SnapshotDiskAndMemory SnapshotType = "DiskAndMemory"
)

// Snapshot is a point-in-time record of a VM's disks, optionally with memory.
type Snapshot struct {
	ID          string        `json:"id"`
	VMID        string        `json:"vm_id"`
	AccountID   string        `json:"account_id"`
	DomainID    string        `json:"domain_id"`
	Name        string        `json:"name"`
	DisplayName string        `json:"display_name"`
	Description string        `json:"description"`
	Type        SnapshotType  `json:"type"`
	State       SnapshotState `json:"state"`
	ParentID    string        `json:"parent_id,omitempty"`
	Current     bool          `json:"current"`
	CreatedAt   time.Time     `json:"created_at"`
}

// IsActive reports whether the snapshot is in a non-terminal state.
func (s *Snapshot) IsActive() bool {
	for _, st := range ActiveSnapshotStates() {
		if s.State == st {
			return true
		}
	}
	return false
}
