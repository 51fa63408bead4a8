package orchestrator

import "github.com/EpicMandM/vmsnap/internal/models"

// Rule allows or denies a snapshot type. Empty Hypervisor or VMState match
// any value.
type Rule struct {
	Hypervisor models.Hypervisor
	VMState    models.VMState
	Type       models.SnapshotType
	Allow      bool
}

func (r Rule) matches(hv models.Hypervisor, state models.VMState, typ models.SnapshotType) bool {
	return (r.Hypervisor == "" || r.Hypervisor == hv) &&
		(r.VMState == "" || r.VMState == state) &&
		r.Type == typ
}

// DefaultRules deny live disk-only snapshots on KVM.
func DefaultRules() []Rule {
	return []Rule{
		{Hypervisor: models.HypervisorKVM, VMState: models.VMRunning, Type: models.SnapshotDisk, Allow: false},
	}
}

// Policy decides which snapshot types a VM may take. The first matching rule
// wins; unmatched combinations are allowed.
type Policy struct {
	rules []Rule
}

// NewPolicy evaluates overrides before DefaultRules.
func NewPolicy(overrides ...Rule) *Policy {
	rules := make([]Rule, 0, len(overrides)+1)
	rules = append(rules, overrides...)
	rules = append(rules, DefaultRules()...)
	return &Policy{rules: rules}
}

// Allowed reports whether typ may be taken of a VM on hv in state.
func (p *Policy) Allowed(hv models.Hypervisor, state models.VMState, typ models.SnapshotType) bool {
	for _, r := range p.rules {
		if r.matches(hv, state, typ) {
			return r.Allow
		}
	}
	return true
}
