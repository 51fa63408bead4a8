package store

import (
	"context"
	"errors"
	"time"

	"github.com/EpicMandM/vmsnap/internal/models"
)

// ErrNotFound is returned when a looked-up record does not exist.
var ErrNotFound = errors.New("not found")

// SnapshotFilter narrows ListSnapshots. Zero fields do not filter.
type SnapshotFilter struct {
	ID            string
	VMID          string
	DisplayName   string
	States        []models.SnapshotState
	Type          models.SnapshotType
	Keyword       string
	CreatedBefore time.Time
	ParentID      string
	CurrentOnly   bool
}

// Reader holds the read side shared by the store and its transactions.
type Reader interface {
	FindVM(ctx context.Context, id string) (*models.VM, error)
	ListVMsInStates(ctx context.Context, states ...models.VMState) ([]models.VM, error)
	FindVolumes(ctx context.Context, vmID string) ([]models.Volume, error)
	FindHost(ctx context.Context, id string) (*models.Host, error)
	FindHostByName(ctx context.Context, name string) (*models.Host, error)
	FindStoragePool(ctx context.Context, id string) (*models.StoragePool, error)
	ListEligibleHosts(ctx context.Context, hostType models.HostType, clusterID, podID, zoneID string) ([]models.Host, error)
	CountActiveVolumeSnapshots(ctx context.Context, vmID string) (int, error)

	GetSnapshot(ctx context.Context, id string) (*models.Snapshot, error)
	ListSnapshots(ctx context.Context, filter SnapshotFilter) ([]models.Snapshot, error)
	FindCurrentSnapshot(ctx context.Context, vmID string) (*models.Snapshot, error)
}

// Writer holds the mutations. Inside the orchestrator they are only called
// from within Update.
type Writer interface {
	SaveVM(ctx context.Context, vm *models.VM) error
	SaveHost(ctx context.Context, host *models.Host) error
	SaveStoragePool(ctx context.Context, pool *models.StoragePool) error
	SaveVolume(ctx context.Context, volume *models.Volume) error
	SaveVolumeSnapshot(ctx context.Context, vs *models.VolumeSnapshot) error
	UpdateVolumePath(ctx context.Context, volumeID, path string) error

	InsertSnapshot(ctx context.Context, s *models.Snapshot) error
	UpdateSnapshot(ctx context.Context, s *models.Snapshot) error
	DeleteSnapshot(ctx context.Context, id string) error
}

// Tx is the view of the store inside one atomic unit of work.
type Tx interface {
	Reader
	Writer
}

// Store defines the persistence used by the snapshot controller.
type Store interface {
	Tx
	// Update runs fn in a single transaction. Units of work never interleave;
	// if fn returns an error nothing it wrote is kept.
	Update(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}
