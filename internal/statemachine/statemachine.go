// Package statemachine holds the transition tables for the VM lifecycle and
// the VM snapshot lifecycle.
package statemachine

import (
	"errors"
	"fmt"

	"github.com/EpicMandM/vmsnap/internal/models"
)

// ErrInvalidTransition is returned when an event is not legal from a state.
var ErrInvalidTransition = errors.New("invalid transition")

// SnapshotEvent drives the snapshot state machine.
type SnapshotEvent string

const (
	SnapshotCreateRequested    SnapshotEvent = "CreateRequested"
	SnapshotRevertRequested    SnapshotEvent = "RevertRequested"
	SnapshotExpungeRequested   SnapshotEvent = "ExpungeRequested"
	SnapshotOperationSucceeded SnapshotEvent = "OperationSucceeded"
	SnapshotOperationFailed    SnapshotEvent = "OperationFailed"
)

// VMEvent drives the VM state machine.
type VMEvent string

const (
	// VMNoEvent leaves the VM untouched.
	VMNoEvent            VMEvent = ""
	VMSnapshotRequested  VMEvent = "SnapshotRequested"
	VMRevertRequested    VMEvent = "RevertRequested"
	VMStartRequested     VMEvent = "StartRequested"
	VMStopRequested      VMEvent = "StopRequested"
	VMOperationSucceeded VMEvent = "OperationSucceeded"
	VMOperationFailed    VMEvent = "OperationFailed"
)

type snapshotKey struct {
	from  models.SnapshotState
	event SnapshotEvent
}

type vmKey struct {
	from  models.VMState
	event VMEvent
}

var snapshotTable = map[snapshotKey]models.SnapshotState{
	{models.SnapshotAllocated, SnapshotCreateRequested}:    models.SnapshotCreating,
	{models.SnapshotCreating, SnapshotOperationSucceeded}:  models.SnapshotReady,
	{models.SnapshotCreating, SnapshotOperationFailed}:     models.SnapshotError,
	{models.SnapshotReady, SnapshotRevertRequested}:        models.SnapshotReverting,
	{models.SnapshotReverting, SnapshotOperationSucceeded}: models.SnapshotReady,
	{models.SnapshotReverting, SnapshotOperationFailed}:    models.SnapshotError,
	{models.SnapshotReady, SnapshotExpungeRequested}:       models.SnapshotExpunging,
	{models.SnapshotError, SnapshotExpungeRequested}:       models.SnapshotExpunging,
	{models.SnapshotExpunging, SnapshotExpungeRequested}:   models.SnapshotExpunging,
	{models.SnapshotExpunging, SnapshotOperationSucceeded}: models.SnapshotRemoved,
	{models.SnapshotExpunging, SnapshotOperationFailed}:    models.SnapshotError,
}

var vmTable = map[vmKey]models.VMState{
	{models.VMRunning, VMSnapshotRequested}:               models.VMRunningSnapshotting,
	{models.VMStopped, VMSnapshotRequested}:               models.VMStoppedSnapshotting,
	{models.VMRunningSnapshotting, VMOperationSucceeded}:  models.VMRunning,
	{models.VMRunningSnapshotting, VMOperationFailed}:     models.VMRunning,
	{models.VMStoppedSnapshotting, VMOperationSucceeded}:  models.VMStopped,
	{models.VMStoppedSnapshotting, VMOperationFailed}:     models.VMStopped,
	{models.VMRunning, VMRevertRequested}:                 models.VMRevertingToRunning,
	{models.VMStopped, VMRevertRequested}:                 models.VMRevertingToStopped,
	{models.VMRevertingToRunning, VMOperationSucceeded}:   models.VMRunning,
	{models.VMRevertingToRunning, VMOperationFailed}:      models.VMRunning,
	{models.VMRevertingToStopped, VMOperationSucceeded}:   models.VMStopped,
	{models.VMRevertingToStopped, VMOperationFailed}:      models.VMStopped,
	{models.VMStopped, VMStartRequested}:                  models.VMStarting,
	{models.VMStarting, VMOperationSucceeded}:             models.VMRunning,
	{models.VMStarting, VMOperationFailed}:                models.VMStopped,
	{models.VMRunning, VMStopRequested}:                   models.VMStopping,
	{models.VMStopping, VMOperationSucceeded}:             models.VMStopped,
	{models.VMStopping, VMOperationFailed}:                models.VMRunning,
}

// SnapshotNext returns the state reached by applying event to from.
func SnapshotNext(from models.SnapshotState, event SnapshotEvent) (models.SnapshotState, error) {
	next, ok := snapshotTable[snapshotKey{from, event}]
	if !ok {
		return from, fmt.Errorf("%w: snapshot %s on %s", ErrInvalidTransition, from, event)
	}
	return next, nil
}

// VMNext returns the state reached by applying event to from.
func VMNext(from models.VMState, event VMEvent) (models.VMState, error) {
	next, ok := vmTable[vmKey{from, event}]
	if !ok {
		return from, fmt.Errorf("%w: vm %s on %s", ErrInvalidTransition, from, event)
	}
	return next, nil
}

// TransitionSnapshot applies event to s in place.
func TransitionSnapshot(s *models.Snapshot, event SnapshotEvent) error {
	next, err := SnapshotNext(s.State, event)
	if err != nil {
		return err
	}
	s.State = next
	return nil
}

// TransitionVM applies event to vm in place. A non-empty hostID is recorded
// as the VM's last host.
func TransitionVM(vm *models.VM, event VMEvent, hostID string) error {
	next, err := VMNext(vm.State, event)
	if err != nil {
		return err
	}
	vm.State = next
	if hostID != "" {
		vm.LastHostID = hostID
	}
	return nil
}
