package orchestrator

import (
	"context"
	"time"

	"github.com/EpicMandM/vmsnap/internal/hierarchy"
	"github.com/EpicMandM/vmsnap/internal/logger"
	"github.com/EpicMandM/vmsnap/internal/models"
	"github.com/EpicMandM/vmsnap/internal/store"
)

const opList = "list"

// ListFilter narrows ListSnapshots. Zero fields do not filter.
type ListFilter struct {
	ID            string
	DisplayName   string
	States        []models.SnapshotState
	Type          models.SnapshotType
	Keyword       string
	CreatedBefore time.Time
	CurrentOnly   bool
}

// ListSnapshots returns the snapshots of vmID, oldest first.
func (e *Engine) ListSnapshots(ctx context.Context, vmID string, f ListFilter) ([]models.Snapshot, error) {
	if _, err := e.findVM(ctx, opList, vmID); err != nil {
		return nil, err
	}
	snaps, err := e.store.ListSnapshots(ctx, store.SnapshotFilter{
		ID:            f.ID,
		VMID:          vmID,
		DisplayName:   f.DisplayName,
		States:        f.States,
		Type:          f.Type,
		Keyword:       f.Keyword,
		CreatedBefore: f.CreatedBefore,
		CurrentOnly:   f.CurrentOnly,
	})
	if err != nil {
		return nil, internal(opList, err)
	}
	return snaps, nil
}

// SnapshotTree returns the parent/child view of vmID's snapshots. A damaged
// hierarchy is logged and still returned.
func (e *Engine) SnapshotTree(ctx context.Context, vmID string) ([]*hierarchy.Node, error) {
	snaps, err := e.ListSnapshots(ctx, vmID, ListFilter{})
	if err != nil {
		return nil, err
	}
	if err := hierarchy.Validate(snaps); err != nil {
		e.logger.Warn("Snapshot hierarchy is inconsistent", logger.Action("tree"), logger.Status("invariant"),
			logger.VMID(vmID), logger.Error(err))
	}
	return hierarchy.Tree(snaps), nil
}
