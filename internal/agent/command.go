// Package agent is the command/answer channel between the controller and the
// host agents that execute snapshot operations.
package agent

import (
	"time"

	"github.com/EpicMandM/vmsnap/internal/models"
	"github.com/google/uuid"
)

// SnapshotTO describes a snapshot and, through Parent, its whole chain.
type SnapshotTO struct {
	ID          string              `json:"id"`
	Name        string              `json:"name"`
	Description string              `json:"description"`
	Type        models.SnapshotType `json:"type"`
	CreatedAt   time.Time           `json:"created_at"`
	Current     bool                `json:"current"`
	Parent      *SnapshotTO         `json:"parent,omitempty"`
}

// Depth returns the number of snapshots in the chain ending at s.
func (s *SnapshotTO) Depth() int {
	n := 0
	for cur := s; cur != nil; cur = cur.Parent {
		n++
	}
	return n
}

// VolumeTO describes a VM volume for the agent. Answers carry the new path.
type VolumeTO struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Path     string            `json:"path"`
	PoolID   string            `json:"pool_id"`
	DeviceID int               `json:"device_id"`
	Kind     models.VolumeKind `json:"kind"`
}

// NewSnapshotTO converts a snapshot row without its parents.
func NewSnapshotTO(s models.Snapshot) *SnapshotTO {
	return &SnapshotTO{
		ID:          s.ID,
		Name:        s.Name,
		Description: s.Description,
		Type:        s.Type,
		CreatedAt:   s.CreatedAt,
		Current:     s.Current,
	}
}

// ChainTO nests a root-to-leaf chain so the returned leaf points at its
// parents. It returns nil for an empty chain.
func ChainTO(chain []models.Snapshot) *SnapshotTO {
	var parent *SnapshotTO
	for _, s := range chain {
		to := NewSnapshotTO(s)
		to.Parent = parent
		parent = to
	}
	return parent
}

// VolumeTOs converts volume rows.
func VolumeTOs(volumes []models.Volume) []VolumeTO {
	out := make([]VolumeTO, 0, len(volumes))
	for _, v := range volumes {
		out = append(out, VolumeTO{ID: v.ID, Name: v.Name, Path: v.Path, PoolID: v.PoolID, DeviceID: v.DeviceID, Kind: v.Kind})
	}
	return out
}

// Command is a request sent to a host agent.
type Command interface {
	CommandID() string
	Name() string
	Request() *SnapshotCommand
}

// SnapshotCommand is the payload shared by all VM snapshot commands.
type SnapshotCommand struct {
	ID             string         `json:"id"`
	VMInstanceName string         `json:"vm_instance_name"`
	GuestOS        string         `json:"guest_os"`
	VMState        models.VMState `json:"vm_state"`
	Target         *SnapshotTO    `json:"target"`
	Volumes        []VolumeTO     `json:"volumes"`
}

// CommandID returns the unique id of this dispatch.
func (c *SnapshotCommand) CommandID() string { return c.ID }

// Request returns the shared payload.
func (c *SnapshotCommand) Request() *SnapshotCommand { return c }

// CreateSnapshotCommand asks the agent to take Target on top of Target.Parent.
type CreateSnapshotCommand struct{ SnapshotCommand }

func (*CreateSnapshotCommand) Name() string { return "CreateVMSnapshot" }

// DeleteSnapshotCommand asks the agent to remove Target and merge its disks.
type DeleteSnapshotCommand struct{ SnapshotCommand }

func (*DeleteSnapshotCommand) Name() string { return "DeleteVMSnapshot" }

// RevertSnapshotCommand asks the agent to revert the VM to Target.
type RevertSnapshotCommand struct{ SnapshotCommand }

func (*RevertSnapshotCommand) Name() string { return "RevertToVMSnapshot" }

func newPayload(vm *models.VM, target *SnapshotTO, volumes []models.Volume) SnapshotCommand {
	return SnapshotCommand{
		ID:             uuid.NewString(),
		VMInstanceName: vm.InstanceName,
		GuestOS:        vm.GuestOS,
		VMState:        vm.State,
		Target:         target,
		Volumes:        VolumeTOs(volumes),
	}
}

// NewCreateCommand builds a create command for target.
func NewCreateCommand(vm *models.VM, target *SnapshotTO, volumes []models.Volume) *CreateSnapshotCommand {
	return &CreateSnapshotCommand{newPayload(vm, target, volumes)}
}

// NewDeleteCommand builds a delete command for target.
func NewDeleteCommand(vm *models.VM, target *SnapshotTO, volumes []models.Volume) *DeleteSnapshotCommand {
	return &DeleteSnapshotCommand{newPayload(vm, target, volumes)}
}

// NewRevertCommand builds a revert command for target.
func NewRevertCommand(vm *models.VM, target *SnapshotTO, volumes []models.Volume) *RevertSnapshotCommand {
	return &RevertSnapshotCommand{newPayload(vm, target, volumes)}
}

// Answer is an agent's reply. Result false means the agent ran the command
// and reported failure in Details.
type Answer struct {
	CommandID string     `json:"command_id"`
	Result    bool       `json:"result"`
	Details   string     `json:"details,omitempty"`
	Volumes   []VolumeTO `json:"volumes,omitempty"`
}
