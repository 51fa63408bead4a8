package models

// VMState is the lifecycle state of a virtual machine.
type VMState string

const (
	VMRunning             VMState = "Running"
	VMStopped             VMState = "Stopped"
	VMStarting            VMState = "Starting"
	VMStopping            VMState = "Stopping"
	VMRunningSnapshotting VMState = "RunningSnapshotting"
	VMStoppedSnapshotting VMState = "StoppedSnapshotting"
	VMRevertingToRunning  VMState = "RevertingToRunning"
	VMRevertingToStopped  VMState = "RevertingToStopped"
)

// Hypervisor identifies the hypervisor family hosting a VM.
type Hypervisor string

const (
	HypervisorKVM       Hypervisor = "KVM"
	HypervisorVMware    Hypervisor = "VMware"
	HypervisorXenServer Hypervisor = "XenServer"
)

// VM represents a virtual machine as seen by the snapshot controller.
// Fields outside the snapshot workflows are owned by VM management.
type VM struct {
	ID           string     `json:"id" toml:"id"`
	InstanceName string     `json:"instance_name" toml:"instance_name"`
	State        VMState    `json:"state" toml:"state"`
	Hypervisor   Hypervisor `json:"hypervisor" toml:"hypervisor"`
	HostID       string     `json:"host_id,omitempty" toml:"host_id"`
	LastHostID   string     `json:"last_host_id,omitempty" toml:"last_host_id"`
	AccountID    string     `json:"account_id" toml:"account_id"`
	DomainID     string     `json:"domain_id" toml:"domain_id"`
	GuestOS      string     `json:"guest_os,omitempty" toml:"guest_os"`
}

// IsIdle reports whether the VM can accept a new snapshot operation.
func (vm *VM) IsIdle() bool {
	return vm.State == VMRunning || vm.State == VMStopped
}

// IsReverting reports whether the VM is in a reverting sub-state.
func (vm *VM) IsReverting() bool {
	return vm.State == VMRevertingToRunning || vm.State == VMRevertingToStopped
}

// IsSnapshotting reports whether the VM is in a creating sub-state.
func (vm *VM) IsSnapshotting() bool {
	return vm.State == VMRunningSnapshotting || vm.State == VMStoppedSnapshotting
}

// BusyStates lists the transient states entered for a snapshot operation.
func BusyStates() []VMState {
	return []VMState{VMRunningSnapshotting, VMStoppedSnapshotting, VMRevertingToRunning, VMRevertingToStopped}
}

// VolumeKind distinguishes root disks from data disks.
type VolumeKind string

const (
	VolumeRoot     VolumeKind = "ROOT"
	VolumeDataDisk VolumeKind = "DATADISK"
)

// Volume is a disk attached to a VM.
type Volume struct {
	ID       string     `json:"id" toml:"id"`
	VMID     string     `json:"vm_id" toml:"vm_id"`
	PoolID   string     `json:"pool_id" toml:"pool_id"`
	Name     string     `json:"name" toml:"name"`
	Path     string     `json:"path" toml:"path"`
	DeviceID int        `json:"device_id" toml:"device_id"`
	Kind     VolumeKind `json:"kind" toml:"kind"`
}

// VolumeSnapshotState is the state of a per-volume snapshot task.
type VolumeSnapshotState string

const (
	VolumeSnapshotCreating         VolumeSnapshotState = "Creating"
	VolumeSnapshotCreatedOnPrimary VolumeSnapshotState = "CreatedOnPrimary"
	VolumeSnapshotBackingUp        VolumeSnapshotState = "BackingUp"
	VolumeSnapshotBackedUp         VolumeSnapshotState = "BackedUp"
)

// VolumeSnapshot is a single-volume snapshot task. Only its state matters here.
type VolumeSnapshot struct {
	ID       string              `json:"id" toml:"id"`
	VolumeID string              `json:"volume_id" toml:"volume_id"`
	State    VolumeSnapshotState `json:"state" toml:"state"`
}

// ActiveVolumeSnapshotStates are the states that block a VM snapshot.
func ActiveVolumeSnapshotStates() []VolumeSnapshotState {
	return []VolumeSnapshotState{VolumeSnapshotCreating, VolumeSnapshotCreatedOnPrimary, VolumeSnapshotBackingUp}
}
