package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/EpicMandM/vmsnap/internal/logger"
	"github.com/EpicMandM/vmsnap/internal/models"
	"github.com/EpicMandM/vmsnap/internal/statemachine"
	"github.com/EpicMandM/vmsnap/internal/store"
)

// PowerService starts and stops VMs through the driver while keeping the VM
// lifecycle in the store in step.
type PowerService struct {
	store  store.Store
	driver PowerDriver
	logger *logger.Logger
}

// NewPowerService creates a power service.
func NewPowerService(st store.Store, driver PowerDriver, log *logger.Logger) *PowerService {
	if log == nil {
		log = logger.Discard()
	}
	return &PowerService{store: st, driver: driver, logger: log}
}

// Start powers vmID on and records the host it landed on.
func (p *PowerService) Start(ctx context.Context, vmID string) (*models.VM, error) {
	vm, err := p.begin(ctx, vmID, statemachine.VMStartRequested)
	if err != nil {
		return nil, err
	}

	hostName, powerErr := p.driver.PowerOn(ctx, vm.InstanceName)
	hostID := ""
	if powerErr == nil {
		host, err := p.store.FindHostByName(ctx, hostName)
		switch {
		case err == nil:
			hostID = host.ID
		case errors.Is(err, store.ErrNotFound):
			p.logger.Warn("VM started on unknown host", logger.Action("power_on"), logger.Status("unknown_host"),
				logger.VMID(vmID), logger.Host(hostName))
		default:
			powerErr = fmt.Errorf("failed to resolve host %s: %w", hostName, err)
		}
	}
	return p.finish(ctx, vmID, hostID, powerErr)
}

// Stop powers vmID off.
func (p *PowerService) Stop(ctx context.Context, vmID string) (*models.VM, error) {
	vm, err := p.begin(ctx, vmID, statemachine.VMStopRequested)
	if err != nil {
		return nil, err
	}
	return p.finish(ctx, vmID, "", p.driver.PowerOff(ctx, vm.InstanceName))
}

func (p *PowerService) begin(ctx context.Context, vmID string, event statemachine.VMEvent) (*models.VM, error) {
	var vm *models.VM
	err := p.store.Update(ctx, func(tx store.Tx) error {
		var err error
		vm, err = tx.FindVM(ctx, vmID)
		if err != nil {
			return err
		}
		if err := statemachine.TransitionVM(vm, event, ""); err != nil {
			return err
		}
		return tx.SaveVM(ctx, vm)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to begin %s: %w", event, err)
	}
	p.logger.Info("Power change requested", logger.Action("power"), logger.Status("requested"),
		logger.VMID(vmID), logger.State(vm.State))
	return vm, nil
}

func (p *PowerService) finish(ctx context.Context, vmID, hostID string, powerErr error) (*models.VM, error) {
	event := statemachine.VMOperationSucceeded
	if powerErr != nil {
		event = statemachine.VMOperationFailed
	}

	ctx = context.WithoutCancel(ctx)
	var vm *models.VM
	err := p.store.Update(ctx, func(tx store.Tx) error {
		var err error
		vm, err = tx.FindVM(ctx, vmID)
		if err != nil {
			return err
		}
		if err := statemachine.TransitionVM(vm, event, hostID); err != nil {
			return err
		}
		switch {
		case vm.State == models.VMStopped:
			vm.HostID = ""
		case hostID != "":
			vm.HostID = hostID
		}
		return tx.SaveVM(ctx, vm)
	})
	if err != nil {
		err = fmt.Errorf("failed to record power state: %w", err)
		if powerErr != nil {
			return nil, errors.Join(powerErr, err)
		}
		return nil, err
	}

	if powerErr != nil {
		p.logger.Error("Power change failed", logger.Action("power"), logger.Status("failed"),
			logger.VMID(vmID), logger.State(vm.State), logger.Error(powerErr))
		return nil, powerErr
	}
	p.logger.Info("Power change completed", logger.Action("power"), logger.Status("success"),
		logger.VMID(vmID), logger.State(vm.State), logger.Host(vm.HostID))
	return vm, nil
}
