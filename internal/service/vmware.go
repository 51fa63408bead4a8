package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strings"

	"github.com/EpicMandM/vmsnap/internal/agent"
	"github.com/EpicMandM/vmsnap/internal/config"
	"github.com/EpicMandM/vmsnap/internal/logger"
	"github.com/EpicMandM/vmsnap/internal/models"
	"github.com/vmware/govmomi"
	"github.com/vmware/govmomi/find"
	"github.com/vmware/govmomi/object"
	"github.com/vmware/govmomi/vim25"
	"github.com/vmware/govmomi/vim25/mo"
	"github.com/vmware/govmomi/vim25/soap"
	"github.com/vmware/govmomi/vim25/types"
)

// VMwareService executes snapshot commands and power operations against
// vCenter. vCenter routes every call to the VM's host, so the host id of a
// dispatch is only logged.
type VMwareService struct {
	client *vim25.Client
	finder *find.Finder
	logout func(ctx context.Context) error
	logger *logger.Logger
}

// NewVMwareService logs in to the vCenter named by cfg.
func NewVMwareService(ctx context.Context, cfg *config.Config, log *logger.Logger) (*VMwareService, error) {
	u, err := soap.ParseURL(cfg.VCenterURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}
	u.User = url.UserPassword(cfg.VCenterUsername, cfg.VCenterPassword)

	client, err := govmomi.NewClient(ctx, u, cfg.VCenterInsecure)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	s, err := NewVMwareServiceFromClient(ctx, client.Client, log)
	if err != nil {
		_ = client.Logout(ctx)
		return nil, err
	}
	s.logout = client.Logout
	return s, nil
}

// NewVMwareServiceFromClient wraps an already authenticated client.
func NewVMwareServiceFromClient(ctx context.Context, c *vim25.Client, log *logger.Logger) (*VMwareService, error) {
	if log == nil {
		log = logger.Discard()
	}
	finder := find.NewFinder(c, true)
	dc, err := finder.DefaultDatacenter(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get datacenter: %w", err)
	}
	finder.SetDatacenter(dc)
	return &VMwareService{client: c, finder: finder, logger: log}, nil
}

// Close ends the vCenter session when this service opened it.
func (s *VMwareService) Close(ctx context.Context) error {
	if s.logout == nil {
		return nil
	}
	return s.logout(ctx)
}

// Dispatch runs cmd and reports the result as an Answer. Faults raised by
// vSphere come back as failed answers; connection problems are errors
// wrapping agent.ErrUnreachable.
func (s *VMwareService) Dispatch(ctx context.Context, hostID string, cmd agent.Command) (*agent.Answer, error) {
	req := cmd.Request()
	if req.Target == nil {
		return failed(cmd, errors.New("command has no target snapshot")), nil
	}
	log := s.logger.With(logger.Command(cmd.Name()), logger.VM(req.VMInstanceName),
		logger.Snapshot(req.Target.Name), logger.Host(hostID))

	vm, err := s.finder.VirtualMachine(ctx, req.VMInstanceName)
	if err != nil {
		return s.answer(ctx, log, cmd, fmt.Errorf("VM not found: %w", err))
	}

	switch cmd.(type) {
	case *agent.CreateSnapshotCommand:
		err = s.createSnapshot(ctx, vm, req)
	case *agent.DeleteSnapshotCommand:
		err = s.removeSnapshot(ctx, vm, req)
	case *agent.RevertSnapshotCommand:
		err = s.revertSnapshot(ctx, vm, req)
	default:
		return failed(cmd, fmt.Errorf("unsupported command %s", cmd.Name())), nil
	}
	if err != nil {
		return s.answer(ctx, log, cmd, err)
	}

	volumes, err := diskPaths(ctx, vm, req.Volumes)
	if err != nil {
		return s.answer(ctx, log, cmd, fmt.Errorf("failed to read disk backings: %w", err))
	}
	log.Info("Command executed", logger.Action("vmware"), logger.Status("success"))
	return &agent.Answer{CommandID: cmd.CommandID(), Result: true, Volumes: volumes}, nil
}

func (s *VMwareService) answer(ctx context.Context, log *logger.Logger, cmd agent.Command, err error) (*agent.Answer, error) {
	if unreachable(ctx, err) {
		log.Error("vCenter unreachable", logger.Action("vmware"), logger.Status("unreachable"), logger.Error(err))
		return nil, fmt.Errorf("%w: %w", agent.ErrUnreachable, err)
	}
	log.Error("Command failed", logger.Action("vmware"), logger.Status("failed"), logger.Error(err))
	return failed(cmd, err), nil
}

func failed(cmd agent.Command, err error) *agent.Answer {
	return &agent.Answer{CommandID: cmd.CommandID(), Result: false, Details: err.Error()}
}

// unreachable reports whether err came from the connection rather than from
// vSphere rejecting the call.
func unreachable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	var netErr net.Error
	var urlErr *url.Error
	return errors.As(err, &netErr) || errors.As(err, &urlErr)
}

func (s *VMwareService) createSnapshot(ctx context.Context, vm *object.VirtualMachine, req *agent.SnapshotCommand) error {
	if req.Target.ID != "" {
		// A resent create finds the snapshot the first send already took.
		ref, err := findSnapshotByID(ctx, vm, req.Target.ID)
		switch {
		case err == nil:
			s.logger.Info("Snapshot already exists", logger.Action("vmware"), logger.Status("exists"),
				logger.SnapshotID(req.Target.ID), logger.F("REF", ref.Value))
			return nil
		case !errors.Is(err, errNoSnapshot):
			return err
		}
	}
	memory := req.Target.Type == models.SnapshotDiskAndMemory
	task, err := vm.CreateSnapshot(ctx, req.Target.Name, snapshotDescription(req.Target), memory, false)
	if err != nil {
		return fmt.Errorf("failed to create snapshot: %w", err)
	}
	if err := task.Wait(ctx); err != nil {
		return fmt.Errorf("create task failed: %w", err)
	}
	return nil
}

func (s *VMwareService) removeSnapshot(ctx context.Context, vm *object.VirtualMachine, req *agent.SnapshotCommand) error {
	ref, err := findSnapshot(ctx, vm, req.Target)
	if errors.Is(err, errNoSnapshot) {
		// Already gone on the hypervisor; a repeated delete succeeds.
		return nil
	}
	if err != nil {
		return err
	}
	consolidate := true
	task, err := vm.RemoveSnapshot(ctx, ref.Value, false, &consolidate)
	if err != nil {
		return fmt.Errorf("failed to remove snapshot: %w", err)
	}
	if err := task.Wait(ctx); err != nil {
		return fmt.Errorf("remove task failed: %w", err)
	}
	return nil
}

func (s *VMwareService) revertSnapshot(ctx context.Context, vm *object.VirtualMachine, req *agent.SnapshotCommand) error {
	ref, err := findSnapshot(ctx, vm, req.Target)
	if err != nil {
		return fmt.Errorf("snapshot not found: %w", err)
	}
	suppressPowerOn := req.VMState == models.VMRevertingToStopped
	task, err := vm.RevertToSnapshot(ctx, ref.Value, suppressPowerOn)
	if err != nil {
		return fmt.Errorf("failed to revert: %w", err)
	}
	if err := task.Wait(ctx); err != nil {
		return fmt.Errorf("revert task failed: %w", err)
	}
	return nil
}

// PowerOn starts the VM and returns the name of the host it runs on.
func (s *VMwareService) PowerOn(ctx context.Context, instanceName string) (string, error) {
	vm, err := s.finder.VirtualMachine(ctx, instanceName)
	if err != nil {
		return "", fmt.Errorf("VM not found: %w", err)
	}
	task, err := vm.PowerOn(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to power on: %w", err)
	}
	if err := task.Wait(ctx); err != nil {
		return "", fmt.Errorf("power on task failed: %w", err)
	}
	host, err := vm.HostSystem(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get host: %w", err)
	}
	name, err := host.ObjectName(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get host name: %w", err)
	}
	s.logger.Info("VM powered on", logger.Action("power_on"), logger.Status("success"), logger.VM(instanceName), logger.Host(name))
	return name, nil
}

// PowerOff stops the VM.
func (s *VMwareService) PowerOff(ctx context.Context, instanceName string) error {
	vm, err := s.finder.VirtualMachine(ctx, instanceName)
	if err != nil {
		return fmt.Errorf("VM not found: %w", err)
	}
	task, err := vm.PowerOff(ctx)
	if err != nil {
		return fmt.Errorf("failed to power off: %w", err)
	}
	if err := task.Wait(ctx); err != nil {
		return fmt.Errorf("power off task failed: %w", err)
	}
	s.logger.Info("VM powered off", logger.Action("power_off"), logger.Status("success"), logger.VM(instanceName))
	return nil
}

// SnapshotNames lists the VM's snapshots on the hypervisor, depth first.
func (s *VMwareService) SnapshotNames(ctx context.Context, instanceName string) ([]string, error) {
	vm, err := s.finder.VirtualMachine(ctx, instanceName)
	if err != nil {
		return nil, fmt.Errorf("VM not found: %w", err)
	}
	tree, err := snapshotTree(ctx, vm)
	if err != nil {
		return nil, err
	}
	return snapshotNames(tree), nil
}

func snapshotNames(tree []types.VirtualMachineSnapshotTree) []string {
	var names []string
	for _, node := range tree {
		names = append(names, node.Name)
		names = append(names, snapshotNames(node.ChildSnapshotList)...)
	}
	return names
}

var errNoSnapshot = errors.New("snapshot not found on hypervisor")

// idMarker tags the vCenter description of every snapshot the controller
// takes with the snapshot id, since vCenter does not keep names unique.
const idMarker = "vmsnap-id:"

func snapshotDescription(t *agent.SnapshotTO) string {
	switch {
	case t.ID == "":
		return t.Description
	case t.Description == "":
		return idMarker + t.ID
	default:
		return t.Description + "\n" + idMarker + t.ID
	}
}

// markedID returns the snapshot id tagged in a vCenter description, or "".
func markedID(description string) string {
	i := strings.LastIndex(description, idMarker)
	if i < 0 {
		return ""
	}
	return strings.TrimSpace(description[i+len(idMarker):])
}

func snapshotTree(ctx context.Context, vm *object.VirtualMachine) ([]types.VirtualMachineSnapshotTree, error) {
	var mvm mo.VirtualMachine
	if err := vm.Properties(ctx, vm.Reference(), []string{"snapshot"}, &mvm); err != nil {
		return nil, err
	}
	if mvm.Snapshot == nil {
		return nil, nil
	}
	return mvm.Snapshot.RootSnapshotList, nil
}

func findSnapshotByID(ctx context.Context, vm *object.VirtualMachine, id string) (*types.ManagedObjectReference, error) {
	tree, err := snapshotTree(ctx, vm)
	if err != nil {
		return nil, err
	}
	ref := findSnapshotInTree(tree, func(n types.VirtualMachineSnapshotTree) bool {
		return markedID(n.Description) == id
	})
	if ref == nil {
		return nil, fmt.Errorf("%w: id %s", errNoSnapshot, id)
	}
	return ref, nil
}

// findSnapshot looks target up by its tagged id. Snapshots without a tag
// were taken outside the controller and are matched by name.
func findSnapshot(ctx context.Context, vm *object.VirtualMachine, target *agent.SnapshotTO) (*types.ManagedObjectReference, error) {
	tree, err := snapshotTree(ctx, vm)
	if err != nil {
		return nil, err
	}
	if target.ID != "" {
		if ref := findSnapshotInTree(tree, func(n types.VirtualMachineSnapshotTree) bool {
			return markedID(n.Description) == target.ID
		}); ref != nil {
			return ref, nil
		}
	}
	ref := findSnapshotInTree(tree, func(n types.VirtualMachineSnapshotTree) bool {
		return markedID(n.Description) == "" && n.Name == target.Name
	})
	if ref == nil {
		return nil, fmt.Errorf("%w: %q", errNoSnapshot, target.Name)
	}
	return ref, nil
}

func findSnapshotInTree(tree []types.VirtualMachineSnapshotTree, match func(types.VirtualMachineSnapshotTree) bool) *types.ManagedObjectReference {
	for _, snapshot := range tree {
		if match(snapshot) {
			return &snapshot.Snapshot
		}
		if ref := findSnapshotInTree(snapshot.ChildSnapshotList, match); ref != nil {
			return ref
		}
	}
	return nil
}

// diskPaths returns volumes with Path set to the VM's current disk backing.
// Disks are matched on unit number. Volumes without a match take the disks
// left unassigned, in device key order.
func diskPaths(ctx context.Context, vm *object.VirtualMachine, volumes []agent.VolumeTO) ([]agent.VolumeTO, error) {
	if len(volumes) == 0 {
		return nil, nil
	}
	devices, err := vm.Device(ctx)
	if err != nil {
		return nil, err
	}
	return matchDisks(devices.SelectByType((*types.VirtualDisk)(nil)), volumes), nil
}

func matchDisks(devices object.VirtualDeviceList, volumes []agent.VolumeTO) []agent.VolumeTO {
	type disk struct {
		key  int32
		unit int
		path string
	}
	var disks []disk
	for _, d := range devices {
		vd, ok := d.(*types.VirtualDisk)
		if !ok {
			continue
		}
		backing, ok := vd.Backing.(types.BaseVirtualDeviceFileBackingInfo)
		if !ok {
			continue
		}
		unit := -1
		if vd.UnitNumber != nil {
			unit = int(*vd.UnitNumber)
		}
		disks = append(disks, disk{key: vd.Key, unit: unit, path: backing.GetVirtualDeviceFileBackingInfo().FileName})
	}
	sort.Slice(disks, func(i, j int) bool { return disks[i].key < disks[j].key })

	byUnit := make(map[int]int, len(disks))
	for i, d := range disks {
		byUnit[d.unit] = i
	}

	assigned := make([]bool, len(disks))
	matched := make([]int, len(volumes))
	for i, v := range volumes {
		matched[i] = -1
		if d, ok := byUnit[v.DeviceID]; ok && !assigned[d] {
			matched[i] = d
			assigned[d] = true
		}
	}
	next := 0
	for i := range volumes {
		if matched[i] >= 0 {
			continue
		}
		for next < len(disks) && assigned[next] {
			next++
		}
		if next == len(disks) {
			break
		}
		matched[i] = next
		assigned[next] = true
	}

	out := make([]agent.VolumeTO, 0, len(volumes))
	for i, v := range volumes {
		if matched[i] < 0 {
			continue
		}
		v.Path = disks[matched[i]].path
		out = append(out, v)
	}
	return out
}
