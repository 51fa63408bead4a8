// Package orchestrator drives VM snapshot create, delete, revert and resync
// workflows against the host agents.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/EpicMandM/vmsnap/internal/agent"
	"github.com/EpicMandM/vmsnap/internal/hierarchy"
	"github.com/EpicMandM/vmsnap/internal/logger"
	"github.com/EpicMandM/vmsnap/internal/models"
	"github.com/EpicMandM/vmsnap/internal/statemachine"
	"github.com/EpicMandM/vmsnap/internal/store"
	"github.com/oklog/ulid/v2"
)

const defaultMaxSnapshotsPerVM = 10

// Sender dispatches a command to a host agent. *agent.Channel implements it.
type Sender interface {
	Send(ctx context.Context, hostID string, cmd agent.Command) (*agent.Answer, error)
}

// PowerManager starts and stops VMs. Both return the VM as persisted after
// the power operation, with HostID set to where it runs.
type PowerManager interface {
	Start(ctx context.Context, vmID string) (*models.VM, error)
	Stop(ctx context.Context, vmID string) (*models.VM, error)
}

// Recorder receives workflow outcomes.
type Recorder interface {
	ObserveOperation(operation, result string)
	ObserveResync(result string)
}

// Options tune an Engine. Zero values pick defaults.
type Options struct {
	MaxSnapshotsPerVM int
	Policy            *Policy
	Power             PowerManager
	Recorder          Recorder
	Now               func() time.Time
}

// Engine runs the snapshot workflows.
type Engine struct {
	store        store.Store
	channel      Sender
	power        PowerManager
	policy       *Policy
	recorder     Recorder
	maxSnapshots int
	now          func() time.Time
	logger       *logger.Logger

	mu       sync.Mutex
	inflight map[string]int
}

// New creates an Engine over st, dispatching through ch.
func New(st store.Store, ch Sender, log *logger.Logger, opts Options) *Engine {
	if log == nil {
		log = logger.Discard()
	}
	e := &Engine{
		store:        st,
		channel:      ch,
		power:        opts.Power,
		policy:       opts.Policy,
		recorder:     opts.Recorder,
		maxSnapshots: opts.MaxSnapshotsPerVM,
		now:          opts.Now,
		logger:       log,
		inflight:     make(map[string]int),
	}
	if e.policy == nil {
		e.policy = NewPolicy()
	}
	if e.maxSnapshots <= 0 {
		e.maxSnapshots = defaultMaxSnapshotsPerVM
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// MaxSnapshotsPerVM returns the configured per-VM limit.
func (e *Engine) MaxSnapshotsPerVM() int {
	return e.maxSnapshots
}

func (e *Engine) newSnapshotID() string {
	return ulid.MustNew(ulid.Timestamp(e.now()), ulid.DefaultEntropy()).String()
}

// enter marks a workflow running on vmID in this process. With exclusive set
// it refuses when one already is.
func (e *Engine) enter(vmID string, exclusive bool) (release func(), ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if exclusive && e.inflight[vmID] > 0 {
		return nil, false
	}
	e.inflight[vmID]++
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.inflight[vmID]--; e.inflight[vmID] <= 0 {
			delete(e.inflight, vmID)
		}
	}, true
}

func (e *Engine) observe(op string, err error) {
	if e.recorder == nil {
		return
	}
	result := "success"
	if err != nil {
		result = string(KindOf(err))
	}
	e.recorder.ObserveOperation(op, result)
}

// hook runs inside the dual transition's unit of work.
type hook func(ctx context.Context, tx store.Tx, vm *models.VM, s *models.Snapshot) error

// dual describes one joint snapshot and VM transition.
type dual struct {
	op            string
	snapshotID    string
	snapshotEvent statemachine.SnapshotEvent
	// vmEvent may be VMNoEvent, leaving the VM untouched.
	vmEvent statemachine.VMEvent
	hostID  string
	// guard re-checks preconditions before anything is written.
	guard hook
	// finalize applies hierarchy and volume changes after the transition.
	finalize hook
}

// applyDual commits d in one store unit of work. Either both transitions,
// the finalize changes and any row removal are kept, or none of them are.
func (e *Engine) applyDual(ctx context.Context, d dual) (*models.VM, *models.Snapshot, error) {
	var vm *models.VM
	var snap *models.Snapshot
	err := e.store.Update(ctx, func(tx store.Tx) error {
		var err error
		snap, err = tx.GetSnapshot(ctx, d.snapshotID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return precondition(d.op, fmt.Errorf("%w: %s", ErrSnapshotNotFound, d.snapshotID))
			}
			return internal(d.op, err)
		}
		vm, err = tx.FindVM(ctx, snap.VMID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return precondition(d.op, fmt.Errorf("%w: %s", ErrVMNotFound, snap.VMID))
			}
			return internal(d.op, err)
		}

		if d.guard != nil {
			if err := d.guard(ctx, tx, vm, snap); err != nil {
				return err
			}
		}

		if err := statemachine.TransitionSnapshot(snap, d.snapshotEvent); err != nil {
			return invariant(d.op, err)
		}
		if d.vmEvent != statemachine.VMNoEvent {
			if err := statemachine.TransitionVM(vm, d.vmEvent, d.hostID); err != nil {
				return invariant(d.op, err)
			}
			if err := tx.SaveVM(ctx, vm); err != nil {
				return internal(d.op, err)
			}
		}

		if snap.State == models.SnapshotRemoved {
			if err := tx.DeleteSnapshot(ctx, snap.ID); err != nil {
				return internal(d.op, err)
			}
		} else if err := tx.UpdateSnapshot(ctx, snap); err != nil {
			return internal(d.op, err)
		}

		if d.finalize != nil {
			if err := d.finalize(ctx, tx, vm, snap); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, newError(KindInternal, d.op, err)
	}
	return vm, snap, nil
}

// noOtherActive fails when vmID has a non-terminal snapshot other than selfID.
func noOtherActive(ctx context.Context, r store.Reader, op, vmID, selfID string) error {
	active, err := r.ListSnapshots(ctx, store.SnapshotFilter{VMID: vmID, States: models.ActiveSnapshotStates()})
	if err != nil {
		return internal(op, err)
	}
	for _, s := range active {
		if s.ID != selfID {
			return precondition(op, fmt.Errorf("%w: %s is %s", ErrConcurrentOperation, s.ID, s.State))
		}
	}
	return nil
}

// setCurrent moves the current marker of vmID to s. The previous holder is
// cleared first.
func setCurrent(ctx context.Context, tx store.Tx, op, vmID string, s *models.Snapshot) error {
	prev, err := tx.FindCurrentSnapshot(ctx, vmID)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return internal(op, err)
	case prev.ID != s.ID:
		prev.Current = false
		if err := tx.UpdateSnapshot(ctx, prev); err != nil {
			return internal(op, err)
		}
	}
	s.Current = true
	if err := tx.UpdateSnapshot(ctx, s); err != nil {
		return internal(op, err)
	}
	return nil
}

// applyVolumePaths records the disk paths an agent reported.
func applyVolumePaths(ctx context.Context, tx store.Tx, op string, vols []agent.VolumeTO) error {
	for _, v := range vols {
		if v.ID == "" || v.Path == "" {
			continue
		}
		if err := tx.UpdateVolumePath(ctx, v.ID, v.Path); err != nil {
			return internal(op, fmt.Errorf("volume %s: %w", v.ID, err))
		}
	}
	return nil
}

// dispatchError classifies a failed dispatch or a failed answer.
func dispatchError(op string, ans *agent.Answer, err error) error {
	if err != nil {
		return newError(KindTransport, op, err)
	}
	details := ans.Details
	if details == "" {
		details = "no details"
	}
	return newError(KindRemote, op, fmt.Errorf("%w: %s", ErrRemoteFailure, details))
}

// workflowContext is the view of a snapshot a dispatch needs.
type workflowContext struct {
	vm      *models.VM
	snap    *models.Snapshot
	chain   []models.Snapshot
	volumes []models.Volume
}

// load reads the VM, its volumes and the chain ending at snapshotID.
func (e *Engine) load(ctx context.Context, op, snapshotID string) (*workflowContext, error) {
	snap, err := e.store.GetSnapshot(ctx, snapshotID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, precondition(op, fmt.Errorf("%w: %s", ErrSnapshotNotFound, snapshotID))
		}
		return nil, internal(op, err)
	}
	vm, err := e.store.FindVM(ctx, snap.VMID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, precondition(op, fmt.Errorf("%w: %s", ErrVMNotFound, snap.VMID))
		}
		return nil, internal(op, err)
	}
	vols, err := e.store.FindVolumes(ctx, vm.ID)
	if err != nil {
		return nil, internal(op, err)
	}
	all, err := e.store.ListSnapshots(ctx, store.SnapshotFilter{VMID: vm.ID})
	if err != nil {
		return nil, internal(op, err)
	}
	// Rows created before the limit was lowered may exceed it.
	chain, err := hierarchy.Chain(all, snap.ID, max(e.maxSnapshots, len(all)))
	if err != nil {
		return nil, invariant(op, err)
	}
	return &workflowContext{vm: vm, snap: snap, chain: chain, volumes: vols}, nil
}
