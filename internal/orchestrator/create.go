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

const opCreate = "create"

// CreateRequest asks for a new snapshot of VMID.
type CreateRequest struct {
	VMID string
	// Name defaults to <instance>_VS_<yyyyMMddHHmmss>.
	Name        string
	DisplayName string
	Description string
	// IncludeMemory captures memory when the VM is Running.
	IncludeMemory bool
}

// RequestCreate takes a snapshot of a Running or Stopped VM. On success the
// snapshot is Ready and current. On any failure no row is left behind.
func (e *Engine) RequestCreate(ctx context.Context, req CreateRequest) (_ *models.Snapshot, err error) {
	defer func() { e.observe(opCreate, err) }()

	vm, err := e.findVM(ctx, opCreate, req.VMID)
	if err != nil {
		return nil, err
	}
	log := e.logger.With(logger.VMID(vm.ID), logger.Op(opCreate))

	typ := models.SnapshotDisk
	if req.IncludeMemory && vm.State == models.VMRunning {
		typ = models.SnapshotDiskAndMemory
	}
	if !e.policy.Allowed(vm.Hypervisor, vm.State, typ) {
		return nil, precondition(opCreate, fmt.Errorf("%w: %s snapshot of %s vm on %s",
			ErrPolicyDenied, typ, vm.State, vm.Hypervisor))
	}

	now := e.now().UTC()
	snap := &models.Snapshot{
		ID:          e.newSnapshotID(),
		VMID:        vm.ID,
		AccountID:   vm.AccountID,
		DomainID:    vm.DomainID,
		Name:        req.Name,
		DisplayName: req.DisplayName,
		Description: req.Description,
		Type:        typ,
		State:       models.SnapshotAllocated,
		CreatedAt:   now,
	}
	defaultName := snap.Name == ""
	if defaultName {
		snap.Name = fmt.Sprintf("%s_VS_%s", vm.InstanceName, now.Format("20060102150405"))
	}

	if err := e.allocate(ctx, snap, defaultName); err != nil {
		log.Warn("Snapshot request rejected", logger.Action(opCreate), logger.Status("rejected"), logger.Error(err))
		return nil, err
	}
	log = log.With(logger.SnapshotID(snap.ID))
	log.Info("Snapshot allocated", logger.Action(opCreate), logger.Status("allocated"), logger.Snapshot(snap.DisplayName))
	defer e.discardAllocated(ctx, log, snap.ID)

	release, _ := e.enter(vm.ID, false)
	defer release()

	host, err := e.pickRunningHost(ctx, e.store, opCreate, vm)
	if err != nil {
		log.Error("No host for snapshot", logger.Action(opCreate), logger.Status("no_host"), logger.Error(err))
		return nil, err
	}

	_, _, err = e.applyDual(ctx, dual{
		op:            opCreate,
		snapshotID:    snap.ID,
		snapshotEvent: statemachine.SnapshotCreateRequested,
		vmEvent:       statemachine.VMSnapshotRequested,
		hostID:        host,
		guard: func(ctx context.Context, tx store.Tx, vm *models.VM, s *models.Snapshot) error {
			if !vm.IsIdle() {
				return precondition(opCreate, fmt.Errorf("%w: %s", ErrVMBusy, vm.State))
			}
			return noOtherActive(ctx, tx, opCreate, vm.ID, s.ID)
		},
	})
	if err != nil {
		log.Error("Failed to start snapshot", logger.Action(opCreate), logger.Status("transition_failed"), logger.Error(err))
		return nil, err
	}

	return e.createInternal(ctx, snap.ID, host)
}

// allocate checks the create preconditions and inserts s as Allocated in the
// same unit of work. A generated name that is taken gets a numeric suffix;
// an empty display name takes the final name.
func (e *Engine) allocate(ctx context.Context, s *models.Snapshot, defaultName bool) error {
	return e.store.Update(ctx, func(tx store.Tx) error {
		vm, err := tx.FindVM(ctx, s.VMID)
		if err != nil {
			return internal(opCreate, err)
		}
		if !vm.IsIdle() {
			return precondition(opCreate, fmt.Errorf("%w: %s", ErrVMBusy, vm.State))
		}

		existing, err := tx.ListSnapshots(ctx, store.SnapshotFilter{VMID: vm.ID})
		if err != nil {
			return internal(opCreate, err)
		}
		names := make(map[string]bool, len(existing))
		for _, x := range existing {
			names[x.Name] = true
		}
		if defaultName {
			base := s.Name
			for n := 2; names[s.Name]; n++ {
				s.Name = fmt.Sprintf("%s_%d", base, n)
			}
		}
		if names[s.Name] {
			return precondition(opCreate, fmt.Errorf("%w: name %q", ErrDuplicateName, s.Name))
		}
		if s.DisplayName == "" {
			s.DisplayName = s.Name
		}
		for _, x := range existing {
			if x.DisplayName == s.DisplayName {
				return precondition(opCreate, fmt.Errorf("%w: %q", ErrDuplicateName, s.DisplayName))
			}
		}
		if len(existing) >= e.maxSnapshots {
			return precondition(opCreate, fmt.Errorf("%w: %d of %d", ErrLimitReached, len(existing), e.maxSnapshots))
		}
		if err := noOtherActive(ctx, tx, opCreate, vm.ID, ""); err != nil {
			return err
		}

		n, err := tx.CountActiveVolumeSnapshots(ctx, vm.ID)
		if err != nil {
			return internal(opCreate, err)
		}
		if n > 0 {
			return precondition(opCreate, fmt.Errorf("%w: %d volume snapshot(s)", ErrVolumeSnapshotActive, n))
		}

		cur, err := tx.FindCurrentSnapshot(ctx, vm.ID)
		switch {
		case err == nil:
			s.ParentID = cur.ID
		case !errors.Is(err, store.ErrNotFound):
			return internal(opCreate, err)
		}

		if err := tx.InsertSnapshot(ctx, s); err != nil {
			return internal(opCreate, err)
		}
		return nil
	})
}

// discardAllocated deletes the row when the workflow left it Allocated.
func (e *Engine) discardAllocated(ctx context.Context, log *logger.Logger, id string) {
	ctx = context.WithoutCancel(ctx)
	removed := false
	err := e.store.Update(ctx, func(tx store.Tx) error {
		s, err := tx.GetSnapshot(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if s.State != models.SnapshotAllocated {
			return nil
		}
		removed = true
		return tx.DeleteSnapshot(ctx, id)
	})
	switch {
	case err != nil:
		log.Error("Failed to remove allocated snapshot", logger.Action(opCreate), logger.Status("cleanup_failed"), logger.Error(err))
	case removed:
		log.Info("Removed allocated snapshot", logger.Action(opCreate), logger.Status("cleaned_up"))
	}
}

// createInternal dispatches the create for a Creating snapshot and commits
// the outcome. Resync re-enters here.
func (e *Engine) createInternal(ctx context.Context, snapshotID, hostID string) (*models.Snapshot, error) {
	// Once dispatched the command runs to its answer; only the channel
	// timeout bounds it.
	ctx = context.WithoutCancel(ctx)
	log := e.logger.With(logger.SnapshotID(snapshotID), logger.Op(opCreate), logger.Host(hostID))

	wc, err := e.load(ctx, opCreate, snapshotID)
	if err != nil {
		if KindOf(err) == KindInvariant {
			log.Error("Snapshot chain is inconsistent", logger.Action(opCreate), logger.Status("invariant"), logger.Error(err))
			return nil, e.failCreate(ctx, log, snapshotID, hostID, err)
		}
		// The row keeps its in-flight state; resync resumes it.
		log.Error("Failed to load snapshot chain", logger.Action(opCreate), logger.Status("load_failed"), logger.Error(err))
		return nil, err
	}

	cmd := agent.NewCreateCommand(wc.vm, agent.ChainTO(wc.chain), wc.volumes)
	ans, sendErr := e.channel.Send(ctx, hostID, cmd)
	if sendErr != nil || !ans.Result {
		cause := dispatchError(opCreate, ans, sendErr)
		log.Error("Snapshot creation failed", logger.Action(opCreate), logger.Status("failed"), logger.Error(cause))
		return nil, e.failCreate(ctx, log, snapshotID, hostID, cause)
	}

	_, snap, err := e.applyDual(ctx, dual{
		op:            opCreate,
		snapshotID:    snapshotID,
		snapshotEvent: statemachine.SnapshotOperationSucceeded,
		vmEvent:       statemachine.VMOperationSucceeded,
		hostID:        hostID,
		finalize: func(ctx context.Context, tx store.Tx, vm *models.VM, s *models.Snapshot) error {
			if err := applyVolumePaths(ctx, tx, opCreate, ans.Volumes); err != nil {
				return err
			}
			return setCurrent(ctx, tx, opCreate, vm.ID, s)
		},
	})
	if err != nil {
		log.Error("Failed to commit snapshot", logger.Action(opCreate), logger.Status("commit_failed"), logger.Error(err))
		return nil, err
	}

	log.Info("Snapshot created", logger.Action(opCreate), logger.Status("ready"), logger.Snapshot(snap.DisplayName))
	return snap, nil
}

// failCreate commits OperationFailed and drops the row together, returning
// cause.
func (e *Engine) failCreate(ctx context.Context, log *logger.Logger, snapshotID, hostID string, cause error) error {
	_, _, err := e.applyDual(context.WithoutCancel(ctx), dual{
		op:            opCreate,
		snapshotID:    snapshotID,
		snapshotEvent: statemachine.SnapshotOperationFailed,
		vmEvent:       statemachine.VMOperationFailed,
		hostID:        hostID,
		finalize: func(ctx context.Context, tx store.Tx, _ *models.VM, s *models.Snapshot) error {
			if err := tx.DeleteSnapshot(ctx, s.ID); err != nil {
				return internal(opCreate, err)
			}
			return nil
		},
	})
	if err != nil {
		log.Error("Failed to roll back snapshot", logger.Action(opCreate), logger.Status("rollback_failed"), logger.Error(err))
		return errors.Join(cause, err)
	}
	return cause
}

func (e *Engine) findVM(ctx context.Context, op, id string) (*models.VM, error) {
	vm, err := e.store.FindVM(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, precondition(op, fmt.Errorf("%w: %s", ErrVMNotFound, id))
		}
		return nil, internal(op, err)
	}
	return vm, nil
}
