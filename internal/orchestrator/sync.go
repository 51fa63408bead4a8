package orchestrator

import (
	"context"
	"fmt"

	"github.com/EpicMandM/vmsnap/internal/logger"
	"github.com/EpicMandM/vmsnap/internal/models"
	"github.com/EpicMandM/vmsnap/internal/store"
)

const opResync = "resync"

// Resync resumes an interrupted workflow on vmID. observedHostID is where the
// VM was last seen; when empty the host is re-resolved, which for a busy VM
// means its last host. It reports whether a workflow was re-driven.
//
// Exactly one matching snapshot is expected. Any other count is an invariant
// violation: nothing is changed and the error is returned.
func (e *Engine) Resync(ctx context.Context, vmID, observedHostID string) (_ bool, err error) {
	resumed := false
	defer func() {
		if e.recorder == nil {
			return
		}
		switch {
		case err != nil:
			e.recorder.ObserveResync(string(KindOf(err)))
		case resumed:
			e.recorder.ObserveResync("resumed")
		default:
			e.recorder.ObserveResync("idle")
		}
	}()

	release, ok := e.enter(vmID, true)
	if !ok {
		e.logger.Info("Workflow still running, skipping resync", logger.Action(opResync), logger.Status("in_flight"), logger.VMID(vmID))
		return false, nil
	}
	defer release()

	vm, err := e.findVM(ctx, opResync, vmID)
	if err != nil {
		return false, err
	}
	log := e.logger.With(logger.VMID(vm.ID), logger.Op(opResync))

	var want models.SnapshotState
	switch {
	case vm.IsReverting():
		want = models.SnapshotReverting
	case vm.IsSnapshotting():
		want = models.SnapshotCreating
	default:
		want = models.SnapshotExpunging
	}

	snaps, err := e.store.ListSnapshots(ctx, store.SnapshotFilter{VMID: vm.ID, States: []models.SnapshotState{want}})
	if err != nil {
		return false, internal(opResync, err)
	}
	if want == models.SnapshotExpunging && len(snaps) == 0 {
		return false, nil
	}
	if len(snaps) != 1 {
		err := invariant(opResync, fmt.Errorf("%w: vm %s is %s with %d %s snapshot(s)",
			ErrUnexpectedSnapshotCount, vm.ID, vm.State, len(snaps), want))
		log.Error("Refusing to resync", logger.Action(opResync), logger.Status("invariant"), logger.State(vm.State), logger.Count(len(snaps)), logger.Error(err))
		return false, err
	}
	snap := snaps[0]

	host, err := e.hostForResync(ctx, opResync, vm.ID, observedHostID)
	if err != nil {
		log.Error("No host to resync on", logger.Action(opResync), logger.Status("no_host"), logger.Error(err))
		return false, err
	}
	log.Info("Resuming snapshot workflow", logger.Action(opResync), logger.Status("resuming"),
		logger.SnapshotID(snap.ID), logger.State(snap.State), logger.Host(host))

	resumed = true
	switch want {
	case models.SnapshotReverting:
		_, err = e.revertInternal(ctx, snap.ID, host)
	case models.SnapshotCreating:
		_, err = e.createInternal(ctx, snap.ID, host)
	default:
		err = e.deleteInternal(ctx, snap.ID, host)
	}
	return true, err
}

func (e *Engine) hostForResync(ctx context.Context, op, vmID, observedHostID string) (string, error) {
	if observedHostID != "" {
		return observedHostID, nil
	}
	vm, err := e.findVM(ctx, op, vmID)
	if err != nil {
		return "", err
	}
	return e.pickRunningHost(ctx, e.store, op, vm)
}
