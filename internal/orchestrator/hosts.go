package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/EpicMandM/vmsnap/internal/models"
	"github.com/EpicMandM/vmsnap/internal/store"
)

// selectHost picks the host a command for vm should go to:
//  1. the host it runs on, when Running;
//  2. its last host, when that host is Up and not in maintenance;
//  3. the first Up, Enabled, non-HA routing host in the pool's scope.
//
// lastHost may be nil. candidates are the hosts in the scope of the storage
// pool backing the root volume.
func selectHost(vm *models.VM, lastHost *models.Host, candidates []models.Host) (string, error) {
	if vm.State == models.VMRunning && vm.HostID != "" {
		return vm.HostID, nil
	}
	if lastHost != nil && lastHost.Status == models.HostUp && !lastHost.InMaintenance() {
		return lastHost.ID, nil
	}
	for _, h := range candidates {
		if h.Type == models.HostRouting && h.Status == models.HostUp &&
			h.ResourceState == models.ResourceEnabled && !h.HAEnabled {
			return h.ID, nil
		}
	}
	return "", fmt.Errorf("%w for vm %s", ErrNoEligibleHost, vm.ID)
}

// pickRunningHost loads what selectHost needs from r.
func (e *Engine) pickRunningHost(ctx context.Context, r store.Reader, op string, vm *models.VM) (string, error) {
	if vm.State == models.VMRunning && vm.HostID != "" {
		return vm.HostID, nil
	}

	var lastHost *models.Host
	if vm.LastHostID != "" {
		h, err := r.FindHost(ctx, vm.LastHostID)
		switch {
		case err == nil:
			lastHost = h
		case !errors.Is(err, store.ErrNotFound):
			return "", internal(op, err)
		}
	}

	var candidates []models.Host
	if lastHost == nil || lastHost.Status != models.HostUp || lastHost.InMaintenance() {
		pool, err := rootPool(ctx, r, vm.ID)
		if err != nil {
			return "", internal(op, err)
		}
		if pool != nil {
			candidates, err = r.ListEligibleHosts(ctx, models.HostRouting, pool.ClusterID, pool.PodID, pool.ZoneID)
			if err != nil {
				return "", internal(op, err)
			}
		}
	}

	host, err := selectHost(vm, lastHost, candidates)
	if err != nil {
		return "", precondition(op, err)
	}
	return host, nil
}

// rootPool returns the storage pool behind vmID's root volume, or nil when
// the VM has no volume on a known pool.
func rootPool(ctx context.Context, r store.Reader, vmID string) (*models.StoragePool, error) {
	vols, err := r.FindVolumes(ctx, vmID)
	if err != nil {
		return nil, err
	}
	var root *models.Volume
	for i := range vols {
		if vols[i].Kind == models.VolumeRoot {
			root = &vols[i]
			break
		}
	}
	if root == nil && len(vols) > 0 {
		root = &vols[0]
	}
	if root == nil || root.PoolID == "" {
		return nil, nil
	}
	pool, err := r.FindStoragePool(ctx, root.PoolID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return pool, err
}
