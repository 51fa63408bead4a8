package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/EpicMandM/vmsnap/internal/agent"
	"github.com/EpicMandM/vmsnap/internal/logger"
	"github.com/EpicMandM/vmsnap/internal/models"
	"github.com/EpicMandM/vmsnap/internal/statemachine"
	"github.com/EpicMandM/vmsnap/internal/store"
)

const opRevert = "revert"

// ErrPowerUnavailable is returned when a revert needs a power change and no
// PowerManager is configured.
var ErrPowerUnavailable = errors.New("vm power operations are not configured")

// RequestRevert reverts vmID to snapshotID. A Stopped VM is started first for
// a memory snapshot and a Running VM is stopped first for a disk-only one.
// A power change done before a failed revert is not undone.
func (e *Engine) RequestRevert(ctx context.Context, vmID, snapshotID string) (_ *models.VM, err error) {
	defer func() { e.observe(opRevert, err) }()

	vm, err := e.findVM(ctx, opRevert, vmID)
	if err != nil {
		return nil, err
	}
	snap, err := e.store.GetSnapshot(ctx, snapshotID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, internal(opRevert, err)
	}
	if err != nil || snap.VMID != vm.ID {
		return nil, precondition(opRevert, fmt.Errorf("%w: %s on vm %s", ErrSnapshotNotFound, snapshotID, vm.ID))
	}
	log := e.logger.With(logger.VMID(vm.ID), logger.SnapshotID(snap.ID), logger.Op(opRevert))

	if err := checkRevertable(vm, snap); err != nil {
		return nil, err
	}
	if err := noOtherActive(ctx, e.store, opRevert, vm.ID, snap.ID); err != nil {
		return nil, err
	}

	release, _ := e.enter(vm.ID, false)
	defer release()

	var host string
	switch {
	case vm.State == models.VMStopped && snap.Type == models.SnapshotDiskAndMemory:
		log.Info("Starting vm before memory revert", logger.Action(opRevert), logger.Status("starting_vm"))
		if vm, err = e.powerCycle(ctx, vm.ID, true); err != nil {
			return nil, err
		}
		host = vm.HostID
	case vm.State == models.VMRunning && snap.Type == models.SnapshotDisk:
		log.Info("Stopping vm before disk revert", logger.Action(opRevert), logger.Status("stopping_vm"))
		if vm, err = e.powerCycle(ctx, vm.ID, false); err != nil {
			return nil, err
		}
		if host, err = e.pickRunningHost(ctx, e.store, opRevert, vm); err != nil {
			return nil, err
		}
	default:
		if host, err = e.pickRunningHost(ctx, e.store, opRevert, vm); err != nil {
			return nil, err
		}
	}
	if host == "" {
		return nil, precondition(opRevert, fmt.Errorf("%w for vm %s", ErrNoEligibleHost, vm.ID))
	}

	// The power step ran outside any unit of work, so the guard re-checks
	// that nothing else started on the VM meanwhile.
	_, _, err = e.applyDual(ctx, dual{
		op:            opRevert,
		snapshotID:    snap.ID,
		snapshotEvent: statemachine.SnapshotRevertRequested,
		vmEvent:       statemachine.VMRevertRequested,
		hostID:        host,
		guard: func(ctx context.Context, tx store.Tx, vm *models.VM, s *models.Snapshot) error {
			if err := checkRevertable(vm, s); err != nil {
				return err
			}
			return noOtherActive(ctx, tx, opRevert, vm.ID, s.ID)
		},
	})
	if err != nil {
		log.Error("Failed to start revert", logger.Action(opRevert), logger.Status("transition_failed"), logger.Error(err))
		return nil, err
	}

	return e.revertInternal(ctx, snap.ID, host)
}

func checkRevertable(vm *models.VM, s *models.Snapshot) error {
	if s.State != models.SnapshotReady {
		return precondition(opRevert, fmt.Errorf("%w: %s is %s", ErrInvalidSnapshotState, s.ID, s.State))
	}
	if !vm.IsIdle() {
		return precondition(opRevert, fmt.Errorf("%w: %s", ErrVMBusy, vm.State))
	}
	return nil
}

func (e *Engine) powerCycle(ctx context.Context, vmID string, start bool) (*models.VM, error) {
	if e.power == nil {
		return nil, precondition(opRevert, ErrPowerUnavailable)
	}
	var vm *models.VM
	var err error
	if start {
		vm, err = e.power.Start(ctx, vmID)
	} else {
		vm, err = e.power.Stop(ctx, vmID)
	}
	if err != nil {
		return nil, newError(KindTransport, opRevert, fmt.Errorf("power change of vm %s: %w", vmID, err))
	}
	return vm, nil
}

// revertInternal dispatches the revert for a Reverting snapshot and commits
// the outcome. Resync re-enters here.
func (e *Engine) revertInternal(ctx context.Context, snapshotID, hostID string) (*models.VM, error) {
	// Once dispatched the command runs to its answer; only the channel
	// timeout bounds it.
	ctx = context.WithoutCancel(ctx)
	log := e.logger.With(logger.SnapshotID(snapshotID), logger.Op(opRevert), logger.Host(hostID))

	wc, err := e.load(ctx, opRevert, snapshotID)
	if err != nil {
		if KindOf(err) == KindInvariant {
			log.Error("Snapshot chain is inconsistent", logger.Action(opRevert), logger.Status("invariant"), logger.Error(err))
			return nil, e.failRevert(ctx, log, snapshotID, hostID, err)
		}
		// The row keeps its in-flight state; resync resumes it.
		log.Error("Failed to load snapshot chain", logger.Action(opRevert), logger.Status("load_failed"), logger.Error(err))
		return nil, err
	}

	cmd := agent.NewRevertCommand(wc.vm, agent.ChainTO(wc.chain), wc.volumes)
	ans, sendErr := e.channel.Send(ctx, hostID, cmd)
	if sendErr != nil || !ans.Result {
		cause := dispatchError(opRevert, ans, sendErr)
		log.Error("Revert failed", logger.Action(opRevert), logger.Status("failed"), logger.Error(cause))
		return nil, e.failRevert(ctx, log, snapshotID, hostID, cause)
	}

	vm, _, err := e.applyDual(ctx, dual{
		op:            opRevert,
		snapshotID:    snapshotID,
		snapshotEvent: statemachine.SnapshotOperationSucceeded,
		vmEvent:       statemachine.VMOperationSucceeded,
		hostID:        hostID,
		finalize: func(ctx context.Context, tx store.Tx, vm *models.VM, s *models.Snapshot) error {
			if err := applyVolumePaths(ctx, tx, opRevert, ans.Volumes); err != nil {
				return err
			}
			return setCurrent(ctx, tx, opRevert, vm.ID, s)
		},
	})
	if err != nil {
		log.Error("Failed to commit revert", logger.Action(opRevert), logger.Status("commit_failed"), logger.Error(err))
		return nil, err
	}

	log.Info("VM reverted", logger.Action(opRevert), logger.Status("reverted"), logger.VMID(vm.ID), logger.State(vm.State))
	return vm, nil
}

func (e *Engine) failRevert(ctx context.Context, log *logger.Logger, snapshotID, hostID string, cause error) error {
	_, _, err := e.applyDual(context.WithoutCancel(ctx), dual{
		op:            opRevert,
		snapshotID:    snapshotID,
		snapshotEvent: statemachine.SnapshotOperationFailed,
		vmEvent:       statemachine.VMOperationFailed,
		hostID:        hostID,
	})
	if err != nil {
		log.Error("Failed to record revert failure", logger.Action(opRevert), logger.Status("rollback_failed"), logger.Error(err))
		return errors.Join(cause, err)
	}
	return cause
}
