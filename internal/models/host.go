package models

// HostType is the role of a host. Only routing hosts run guests.
type HostType string

const (
	HostRouting HostType = "Routing"
	HostStorage HostType = "Storage"
)

// HostStatus is the agent connection status of a host.
type HostStatus string

const (
	HostUp           HostStatus = "Up"
	HostDown         HostStatus = "Down"
	HostDisconnected HostStatus = "Disconnected"
)

// ResourceState is the administrative state of a host.
type ResourceState string

const (
	ResourceEnabled               ResourceState = "Enabled"
	ResourceDisabled              ResourceState = "Disabled"
	ResourcePrepareForMaintenance ResourceState = "PrepareForMaintenance"
	ResourceMaintenance           ResourceState = "Maintenance"
	ResourceErrorInMaintenance    ResourceState = "ErrorInMaintenance"
)

// Host is a hypervisor host running an agent.
type Host struct {
	ID            string        `json:"id" toml:"id"`
	Name          string        `json:"name" toml:"name"`
	Type          HostType      `json:"type" toml:"type"`
	Status        HostStatus    `json:"status" toml:"status"`
	ResourceState ResourceState `json:"resource_state" toml:"resource_state"`
	HAEnabled     bool          `json:"ha_enabled" toml:"ha_enabled"`
	ClusterID     string        `json:"cluster_id" toml:"cluster_id"`
	PodID         string        `json:"pod_id" toml:"pod_id"`
	ZoneID        string        `json:"zone_id" toml:"zone_id"`
}

// InMaintenance reports whether the host is in any maintenance state.
func (h *Host) InMaintenance() bool {
	switch h.ResourceState {
	case ResourcePrepareForMaintenance, ResourceMaintenance, ResourceErrorInMaintenance:
		return true
	}
	return false
}

// StoragePool is primary storage backing VM volumes.
type StoragePool struct {
	ID        string `json:"id" toml:"id"`
	Name      string `json:"name" toml:"name"`
	ClusterID string `json:"cluster_id" toml:"cluster_id"`
	PodID     string `json:"pod_id" toml:"pod_id"`
	ZoneID    string `json:"zone_id" toml:"zone_id"`
}
