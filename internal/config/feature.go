package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/EpicMandM/vmsnap/internal/models"
)

// SnapshotConfig limits snapshot creation.
type SnapshotConfig struct {
	MaxPerVM int `toml:"max_per_vm"`
}

// ScavengerConfig drives startup recovery and the Allocated sweep.
type ScavengerConfig struct {
	Workers      int           `toml:"workers"`
	Interval     time.Duration `toml:"interval"`
	AllocatedTTL time.Duration `toml:"allocated_ttl"`
	// RecoverRate is the number of resyncs started per second.
	RecoverRate float64 `toml:"recover_rate"`
}

// PolicyRule allows or denies a snapshot type for a hypervisor and VM state.
// Empty hypervisor or vm_state match anything.
type PolicyRule struct {
	Hypervisor models.Hypervisor   `toml:"hypervisor"`
	VMState    models.VMState      `toml:"vm_state"`
	Type       models.SnapshotType `toml:"type"`
	Allow      bool                `toml:"allow"`
}

// FeatureConfig holds user-facing behaviour settings.
// Source: TOML configuration file
type FeatureConfig struct {
	Snapshot  SnapshotConfig  `toml:"snapshot"`
	Scavenger ScavengerConfig `toml:"scavenger"`
	Policy    []PolicyRule    `toml:"policy"`
	// Inventory is a TOML file of hosts, pools, VMs and volumes seeded into
	// the store at startup. Relative paths resolve against the config file.
	Inventory string `toml:"inventory"`
}

// DefaultFeatureConfig returns the settings used when no file is given.
func DefaultFeatureConfig() *FeatureConfig {
	return &FeatureConfig{
		Snapshot: SnapshotConfig{MaxPerVM: 10},
		Scavenger: ScavengerConfig{
			Workers:      4,
			Interval:     time.Minute,
			AllocatedTTL: 10 * time.Minute,
			RecoverRate:  5,
		},
	}
}

// LoadFeatureConfig loads feature configuration from a TOML file over the defaults.
func LoadFeatureConfig(path string) (*FeatureConfig, error) {
	cfg := DefaultFeatureConfig()
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to load feature config: %w", err)
	}
	if cfg.Inventory != "" && !filepath.IsAbs(cfg.Inventory) {
		cfg.Inventory = filepath.Join(filepath.Dir(path), cfg.Inventory)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the feature settings.
func (c *FeatureConfig) Validate() error {
	if c.Snapshot.MaxPerVM <= 0 {
		return fmt.Errorf("snapshot.max_per_vm must be positive")
	}
	if c.Scavenger.Workers <= 0 {
		return fmt.Errorf("scavenger.workers must be positive")
	}
	if c.Scavenger.Interval <= 0 {
		return fmt.Errorf("scavenger.interval must be positive")
	}
	if c.Scavenger.AllocatedTTL <= 0 {
		return fmt.Errorf("scavenger.allocated_ttl must be positive")
	}
	if c.Scavenger.RecoverRate <= 0 {
		return fmt.Errorf("scavenger.recover_rate must be positive")
	}
	for i, r := range c.Policy {
		if r.Type != models.SnapshotDisk && r.Type != models.SnapshotDiskAndMemory {
			return fmt.Errorf("policy[%d]: unknown snapshot type %q", i, r.Type)
		}
	}
	return nil
}

// Inventory is the infrastructure the controller manages.
type Inventory struct {
	Hosts           []models.Host           `toml:"host"`
	Pools           []models.StoragePool    `toml:"pool"`
	VMs             []models.VM             `toml:"vm"`
	Volumes         []models.Volume         `toml:"volume"`
	VolumeSnapshots []models.VolumeSnapshot `toml:"volume_snapshot"`
}

// LoadInventory decodes an inventory file.
func LoadInventory(path string) (*Inventory, error) {
	var inv Inventory
	if _, err := toml.DecodeFile(path, &inv); err != nil {
		return nil, fmt.Errorf("failed to load inventory: %w", err)
	}
	for i, vm := range inv.VMs {
		if vm.ID == "" || vm.InstanceName == "" {
			return nil, fmt.Errorf("inventory vm[%d]: id and instance_name are required", i)
		}
		if vm.State == "" {
			inv.VMs[i].State = models.VMStopped
		}
	}
	for i, h := range inv.Hosts {
		if h.ID == "" {
			return nil, fmt.Errorf("inventory host[%d]: id is required", i)
		}
		if h.Type == "" {
			inv.Hosts[i].Type = models.HostRouting
		}
		if h.Status == "" {
			inv.Hosts[i].Status = models.HostUp
		}
		if h.ResourceState == "" {
			inv.Hosts[i].ResourceState = models.ResourceEnabled
		}
	}
	return &inv, nil
}
