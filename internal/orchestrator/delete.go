package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/EpicMandM/vmsnap/internal/agent"
	"github.com/EpicMandM/vmsnap/internal/hierarchy"
	"github.com/EpicMandM/vmsnap/internal/logger"
	"github.com/EpicMandM/vmsnap/internal/models"
	"github.com/EpicMandM/vmsnap/internal/statemachine"
	"github.com/EpicMandM/vmsnap/internal/store"
)

const opDelete = "delete"

// RequestDelete removes a Ready or Error snapshot from its host and splices
// it out of the chain. An Allocated snapshot is dropped without a dispatch.
// When the host fails the snapshot stays Expunging for a later resync.
func (e *Engine) RequestDelete(ctx context.Context, snapshotID string) (_ bool, err error) {
	defer func() { e.observe(opDelete, err) }()

	snap, err := e.store.GetSnapshot(ctx, snapshotID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, precondition(opDelete, fmt.Errorf("%w: %s", ErrSnapshotNotFound, snapshotID))
		}
		return false, internal(opDelete, err)
	}
	log := e.logger.With(logger.VMID(snap.VMID), logger.SnapshotID(snap.ID), logger.Op(opDelete))

	if snap.State == models.SnapshotAllocated {
		return e.removeAllocated(ctx, log, snap.ID)
	}
	if snap.State != models.SnapshotReady && snap.State != models.SnapshotError {
		return false, precondition(opDelete, fmt.Errorf("%w: %s is %s", ErrInvalidSnapshotState, snap.ID, snap.State))
	}

	vm, err := e.findVM(ctx, opDelete, snap.VMID)
	if err != nil {
		return false, err
	}
	if err := noOtherActive(ctx, e.store, opDelete, vm.ID, snap.ID); err != nil {
		return false, err
	}

	release, _ := e.enter(vm.ID, false)
	defer release()

	host, err := e.pickRunningHost(ctx, e.store, opDelete, vm)
	if err != nil {
		log.Error("No host for snapshot removal", logger.Action(opDelete), logger.Status("no_host"), logger.Error(err))
		return false, err
	}

	_, _, err = e.applyDual(ctx, dual{
		op:            opDelete,
		snapshotID:    snap.ID,
		snapshotEvent: statemachine.SnapshotExpungeRequested,
		vmEvent:       statemachine.VMNoEvent,
		guard: func(ctx context.Context, tx store.Tx, vm *models.VM, s *models.Snapshot) error {
			if s.State != models.SnapshotReady && s.State != models.SnapshotError {
				return precondition(opDelete, fmt.Errorf("%w: %s is %s", ErrInvalidSnapshotState, s.ID, s.State))
			}
			return noOtherActive(ctx, tx, opDelete, vm.ID, s.ID)
		},
	})
	if err != nil {
		log.Error("Failed to start snapshot removal", logger.Action(opDelete), logger.Status("transition_failed"), logger.Error(err))
		return false, err
	}
	log.Info("Snapshot expunging", logger.Action(opDelete), logger.Status("expunging"), logger.Host(host))

	if err := e.deleteInternal(ctx, snap.ID, host); err != nil {
		return false, err
	}
	return true, nil
}

func (e *Engine) removeAllocated(ctx context.Context, log *logger.Logger, id string) (bool, error) {
	err := e.store.Update(ctx, func(tx store.Tx) error {
		s, err := tx.GetSnapshot(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return precondition(opDelete, fmt.Errorf("%w: %s", ErrSnapshotNotFound, id))
			}
			return internal(opDelete, err)
		}
		if s.State != models.SnapshotAllocated {
			return precondition(opDelete, fmt.Errorf("%w: %s is %s", ErrConcurrentOperation, id, s.State))
		}
		if err := tx.DeleteSnapshot(ctx, id); err != nil {
			return internal(opDelete, err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	log.Info("Removed allocated snapshot", logger.Action(opDelete), logger.Status("removed"))
	return true, nil
}

// deleteInternal dispatches the delete for an Expunging snapshot and, on
// success, removes it and splices its children onto its parent. Resync
// re-enters here.
func (e *Engine) deleteInternal(ctx context.Context, snapshotID, hostID string) error {
	// Once dispatched the command runs to its answer; only the channel
	// timeout bounds it.
	ctx = context.WithoutCancel(ctx)
	log := e.logger.With(logger.SnapshotID(snapshotID), logger.Op(opDelete), logger.Host(hostID))

	wc, err := e.load(ctx, opDelete, snapshotID)
	if err != nil {
		log.Error("Failed to load snapshot chain", logger.Action(opDelete), logger.Status("load_failed"), logger.Error(err))
		return err
	}

	cmd := agent.NewDeleteCommand(wc.vm, agent.ChainTO(wc.chain), wc.volumes)
	ans, sendErr := e.channel.Send(ctx, hostID, cmd)
	if sendErr != nil || !ans.Result {
		cause := dispatchError(opDelete, ans, sendErr)
		log.Error("Snapshot removal failed, left expunging", logger.Action(opDelete), logger.Status("failed"), logger.Error(cause))
		return cause
	}

	_, _, err = e.applyDual(ctx, dual{
		op:            opDelete,
		snapshotID:    snapshotID,
		snapshotEvent: statemachine.SnapshotOperationSucceeded,
		vmEvent:       statemachine.VMNoEvent,
		finalize: func(ctx context.Context, tx store.Tx, vm *models.VM, s *models.Snapshot) error {
			if err := applyVolumePaths(ctx, tx, opDelete, ans.Volumes); err != nil {
				return err
			}
			return splice(ctx, tx, vm.ID, s)
		},
	})
	if err != nil {
		log.Error("Failed to commit snapshot removal", logger.Action(opDelete), logger.Status("commit_failed"), logger.Error(err))
		return err
	}

	log.Info("Snapshot removed", logger.Action(opDelete), logger.Status("removed"))
	return nil
}

// splice re-parents the children of the removed snapshot s onto its parent
// and hands the current marker to the parent when s held it.
func splice(ctx context.Context, tx store.Tx, vmID string, s *models.Snapshot) error {
	all, err := tx.ListSnapshots(ctx, store.SnapshotFilter{VMID: vmID})
	if err != nil {
		return internal(opDelete, err)
	}
	for _, child := range hierarchy.Children(all, s.ID) {
		child.ParentID = s.ParentID
		if err := tx.UpdateSnapshot(ctx, &child); err != nil {
			return internal(opDelete, err)
		}
	}
	if !s.Current || s.ParentID == "" {
		return nil
	}
	parent, err := tx.GetSnapshot(ctx, s.ParentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return invariant(opDelete, fmt.Errorf("%w: parent %s of %s", hierarchy.ErrBrokenChain, s.ParentID, s.ID))
		}
		return internal(opDelete, err)
	}
	return setCurrent(ctx, tx, opDelete, vmID, parent)
}

// DeleteAll removes every snapshot of vmID, newest first, stopping at the
// first failure. It is used when the VM itself is being expunged.
func (e *Engine) DeleteAll(ctx context.Context, vmID string) error {
	if _, err := e.findVM(ctx, opDelete, vmID); err != nil {
		return err
	}
	snaps, err := e.store.ListSnapshots(ctx, store.SnapshotFilter{VMID: vmID})
	if err != nil {
		return internal(opDelete, err)
	}
	sort.SliceStable(snaps, func(i, j int) bool { return snaps[i].CreatedAt.After(snaps[j].CreatedAt) })

	for _, s := range snaps {
		if s.State == models.SnapshotExpunging {
			host, err := e.hostForResync(ctx, opDelete, vmID, "")
			if err != nil {
				return err
			}
			if err := e.deleteInternal(ctx, s.ID, host); err != nil {
				return err
			}
			continue
		}
		if _, err := e.RequestDelete(ctx, s.ID); err != nil {
			return err
		}
	}
	e.logger.Info("Removed all snapshots", logger.Action(opDelete), logger.Status("all_removed"),
		logger.VMID(vmID), logger.Count(len(snaps)))
	return nil
}
