// Package scavenger drives recovery of interrupted snapshot workflows and
// sweeps snapshot rows that were allocated but never started.
package scavenger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/EpicMandM/vmsnap/internal/config"
	"github.com/EpicMandM/vmsnap/internal/logger"
	"github.com/EpicMandM/vmsnap/internal/models"
	"github.com/EpicMandM/vmsnap/internal/store"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Resyncer re-drives the interrupted workflow of one VM.
type Resyncer interface {
	Resync(ctx context.Context, vmID, observedHostID string) (bool, error)
}

// Recorder counts expired allocations. Nil disables it.
type Recorder interface {
	AllocatedExpired(n int)
}

// Report summarizes one RecoverAll pass.
type Report struct {
	Candidates int      `json:"candidates"`
	Resumed    int      `json:"resumed"`
	Skipped    int      `json:"skipped"`
	Failed     []string `json:"failed,omitempty"`
}

// Scavenger owns the background recovery and sweep loops.
type Scavenger struct {
	store    store.Store
	engine   Resyncer
	recorder Recorder
	cfg      config.ScavengerConfig
	logger   *logger.Logger
	now      func() time.Time
}

// New creates a scavenger. recorder may be nil.
func New(st store.Store, engine Resyncer, recorder Recorder, cfg config.ScavengerConfig, log *logger.Logger) *Scavenger {
	if log == nil {
		log = logger.Discard()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Scavenger{store: st, engine: engine, recorder: recorder, cfg: cfg, logger: log, now: time.Now}
}

// candidates returns the VMs that are in a busy sub-state or own an
// Expunging snapshot, sorted by id.
func (s *Scavenger) candidates(ctx context.Context) ([]string, error) {
	busy, err := s.store.ListVMsInStates(ctx, models.BusyStates()...)
	if err != nil {
		return nil, fmt.Errorf("failed to list busy VMs: %w", err)
	}
	expunging, err := s.store.ListSnapshots(ctx, store.SnapshotFilter{States: []models.SnapshotState{models.SnapshotExpunging}})
	if err != nil {
		return nil, fmt.Errorf("failed to list expunging snapshots: %w", err)
	}

	seen := make(map[string]struct{}, len(busy)+len(expunging))
	for _, vm := range busy {
		seen[vm.ID] = struct{}{}
	}
	for _, snap := range expunging {
		seen[snap.VMID] = struct{}{}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// RecoverAll resyncs every VM with an interrupted workflow. One VM failing
// does not stop the others; failures are listed in the report. The returned
// error is only set when the pass itself could not run or ctx ended.
func (s *Scavenger) RecoverAll(ctx context.Context) (*Report, error) {
	ids, err := s.candidates(ctx)
	if err != nil {
		return nil, err
	}
	report := &Report{Candidates: len(ids)}
	if len(ids) == 0 {
		s.logger.Info("Nothing to recover", logger.Action("recover"), logger.Status("idle"))
		return report, nil
	}

	limit := rate.Inf
	if s.cfg.RecoverRate > 0 {
		limit = rate.Limit(s.cfg.RecoverRate)
	}
	limiter := rate.NewLimiter(limit, 1)

	s.logger.Info("Recovering interrupted workflows", logger.Action("recover"), logger.Status("started"),
		logger.Count(len(ids)), logger.F("WORKERS", s.cfg.Workers))

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)
	for _, id := range ids {
		g.Go(func() error {
			if err := limiter.Wait(gctx); err != nil {
				return err
			}
			resumed, err := s.engine.Resync(gctx, id, "")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				report.Failed = append(report.Failed, id)
				s.logger.Error("Resync failed", logger.Action("recover"), logger.Status("failed"), logger.VMID(id), logger.Error(err))
			case resumed:
				report.Resumed++
			default:
				report.Skipped++
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, fmt.Errorf("recovery interrupted: %w", err)
	}
	sort.Strings(report.Failed)

	s.logger.Info("Recovery finished", logger.Action("recover"), logger.Status("finished"),
		logger.Count(report.Resumed), logger.Failed(len(report.Failed)))
	return report, nil
}

// ExpireAllocated deletes Allocated snapshots created before now minus the
// allocated TTL. Rows that moved on in the meantime are left alone.
func (s *Scavenger) ExpireAllocated(ctx context.Context, now time.Time) (int, error) {
	if s.cfg.AllocatedTTL <= 0 {
		return 0, nil
	}
	cutoff := now.Add(-s.cfg.AllocatedTTL)

	removed := 0
	err := s.store.Update(ctx, func(tx store.Tx) error {
		stale, err := tx.ListSnapshots(ctx, store.SnapshotFilter{
			States:        []models.SnapshotState{models.SnapshotAllocated},
			CreatedBefore: cutoff,
		})
		if err != nil {
			return err
		}
		for _, snap := range stale {
			if err := tx.DeleteSnapshot(ctx, snap.ID); err != nil {
				return err
			}
			s.logger.Info("Expired allocated snapshot", logger.Action("expire"), logger.Status("removed"),
				logger.SnapshotID(snap.ID), logger.VMID(snap.VMID))
		}
		removed = len(stale)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to expire allocated snapshots: %w", err)
	}
	if s.recorder != nil && removed > 0 {
		s.recorder.AllocatedExpired(removed)
	}
	return removed, nil
}

// Run sweeps allocated snapshots every interval until ctx ends.
func (s *Scavenger) Run(ctx context.Context) {
	interval := s.cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("Scavenger started", logger.Action("scavenger"), logger.Status("started"), logger.F("INTERVAL", interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scavenger stopped", logger.Action("scavenger"), logger.Status("stopped"))
			return
		case <-ticker.C:
			if _, err := s.ExpireAllocated(ctx, s.now()); err != nil {
				s.logger.Error("Sweep failed", logger.Action("expire"), logger.Status("failed"), logger.Error(err))
			}
		}
	}
}
