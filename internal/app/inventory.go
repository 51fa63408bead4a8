package app

import (
	"context"
	"errors"

	"github.com/EpicMandM/vmsnap/internal/config"
	"github.com/EpicMandM/vmsnap/internal/store"
)

// seedInventory writes inv to st in one transaction. Hosts and pools are
// replaced since their admin state comes from the file. VMs and volumes are
// only inserted when missing so state and disk paths survive a restart.
func seedInventory(ctx context.Context, st store.Store, inv *config.Inventory) error {
	return st.Update(ctx, func(tx store.Tx) error {
		for i := range inv.Hosts {
			if err := tx.SaveHost(ctx, &inv.Hosts[i]); err != nil {
				return err
			}
		}
		for i := range inv.Pools {
			if err := tx.SaveStoragePool(ctx, &inv.Pools[i]); err != nil {
				return err
			}
		}
		for i := range inv.VMs {
			_, err := tx.FindVM(ctx, inv.VMs[i].ID)
			switch {
			case errors.Is(err, store.ErrNotFound):
				if err := tx.SaveVM(ctx, &inv.VMs[i]); err != nil {
					return err
				}
			case err != nil:
				return err
			}
		}

		known := make(map[string]map[string]bool)
		for i := range inv.Volumes {
			v := &inv.Volumes[i]
			if _, ok := known[v.VMID]; !ok {
				existing, err := tx.FindVolumes(ctx, v.VMID)
				if err != nil {
					return err
				}
				known[v.VMID] = make(map[string]bool, len(existing))
				for _, e := range existing {
					known[v.VMID][e.ID] = true
				}
			}
			if known[v.VMID][v.ID] {
				continue
			}
			if err := tx.SaveVolume(ctx, v); err != nil {
				return err
			}
			known[v.VMID][v.ID] = true
		}

		for i := range inv.VolumeSnapshots {
			if err := tx.SaveVolumeSnapshot(ctx, &inv.VolumeSnapshots[i]); err != nil {
				return err
			}
		}
		return nil
	})
}
