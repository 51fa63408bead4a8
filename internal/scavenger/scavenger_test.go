package scavenger

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/EpicMandM/vmsnap/internal/config"
	"github.com/EpicMandM/vmsnap/internal/logger"
	"github.com/EpicMandM/vmsnap/internal/models"
	"github.com/EpicMandM/vmsnap/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockResyncer struct {
	resyncFn func(ctx context.Context, vmID string) (bool, error)

	mu       sync.Mutex
	calls    []string
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (m *mockResyncer) Resync(ctx context.Context, vmID, _ string) (bool, error) {
	n := m.inFlight.Add(1)
	defer m.inFlight.Add(-1)
	for {
		p := m.peak.Load()
		if n <= p || m.peak.CompareAndSwap(p, n) {
			break
		}
	}

	m.mu.Lock()
	m.calls = append(m.calls, vmID)
	m.mu.Unlock()
	if m.resyncFn != nil {
		return m.resyncFn(ctx, vmID)
	}
	return true, nil
}

type mockRecorder struct{ expired int }

func (m *mockRecorder) AllocatedExpired(n int) { m.expired += n }

var epoch = time.Date(2026, 3, 4, 5, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "scavenger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func saveVM(t *testing.T, st store.Store, id string, state models.VMState) {
	t.Helper()
	require.NoError(t, st.SaveVM(context.Background(), &models.VM{ID: id, InstanceName: "i-" + id, State: state, Hypervisor: models.HypervisorVMware}))
}

func saveSnapshot(t *testing.T, st store.Store, id, vmID string, state models.SnapshotState, at time.Time) {
	t.Helper()
	require.NoError(t, st.InsertSnapshot(context.Background(), &models.Snapshot{
		ID: id, VMID: vmID, Name: id, DisplayName: id, Type: models.SnapshotDisk, State: state, CreatedAt: at,
	}))
}

func TestRecoverAll(t *testing.T) {
	st := newTestStore(t)
	saveVM(t, st, "vm-a", models.VMRunningSnapshotting)
	saveVM(t, st, "vm-b", models.VMRevertingToStopped)
	saveVM(t, st, "vm-c", models.VMRunning)
	saveVM(t, st, "vm-d", models.VMStopped)
	saveVM(t, st, "vm-e", models.VMRunning)
	saveSnapshot(t, st, "s1", "vm-c", models.SnapshotExpunging, epoch)
	saveSnapshot(t, st, "s2", "vm-a", models.SnapshotCreating, epoch)

	engine := &mockResyncer{resyncFn: func(_ context.Context, vmID string) (bool, error) {
		switch vmID {
		case "vm-b":
			return false, errors.New("unexpected snapshot count")
		case "vm-c":
			return false, nil
		}
		return true, nil
	}}
	var logs bytes.Buffer
	sc := New(st, engine, nil, config.ScavengerConfig{Workers: 2}, logger.NewWithWriter(&logs))

	report, err := sc.RecoverAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &Report{Candidates: 3, Resumed: 1, Skipped: 1, Failed: []string{"vm-b"}}, report)
	assert.ElementsMatch(t, []string{"vm-a", "vm-b", "vm-c"}, engine.calls)
	assert.Contains(t, logs.String(), "STATUS=failed VM_ID=vm-b")
}

func TestRecoverAll_Nothing(t *testing.T) {
	st := newTestStore(t)
	saveVM(t, st, "vm-a", models.VMRunning)
	engine := &mockResyncer{}

	report, err := New(st, engine, nil, config.ScavengerConfig{}, nil).RecoverAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Candidates)
	assert.Empty(t, engine.calls)
}

func TestRecoverAll_BoundedWorkers(t *testing.T) {
	st := newTestStore(t)
	for _, id := range []string{"v1", "v2", "v3", "v4", "v5", "v6"} {
		saveVM(t, st, id, models.VMStoppedSnapshotting)
	}
	engine := &mockResyncer{resyncFn: func(context.Context, string) (bool, error) {
		time.Sleep(20 * time.Millisecond)
		return true, nil
	}}

	report, err := New(st, engine, nil, config.ScavengerConfig{Workers: 2}, nil).RecoverAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6, report.Resumed)
	assert.LessOrEqual(t, engine.peak.Load(), int32(2))
}

func TestRecoverAll_CancelledContext(t *testing.T) {
	st := newTestStore(t)
	saveVM(t, st, "v1", models.VMStoppedSnapshotting)
	saveVM(t, st, "v2", models.VMStoppedSnapshotting)

	ctx, cancel := context.WithCancel(context.Background())
	engine := &mockResyncer{resyncFn: func(context.Context, string) (bool, error) {
		cancel()
		return true, nil
	}}
	// One token per second means the second VM waits long enough to see the cancel.
	_, err := New(st, engine, nil, config.ScavengerConfig{Workers: 1, RecoverRate: 1}, nil).RecoverAll(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Len(t, engine.calls, 1)
}

func TestExpireAllocated(t *testing.T) {
	st := newTestStore(t)
	saveVM(t, st, "vm-a", models.VMRunning)
	saveVM(t, st, "vm-b", models.VMRunning)
	saveSnapshot(t, st, "old", "vm-a", models.SnapshotAllocated, epoch)
	saveSnapshot(t, st, "fresh", "vm-b", models.SnapshotAllocated, epoch.Add(9*time.Minute))
	saveSnapshot(t, st, "ready", "vm-b", models.SnapshotReady, epoch)

	rec := &mockRecorder{}
	sc := New(st, &mockResyncer{}, rec, config.ScavengerConfig{AllocatedTTL: 5 * time.Minute}, nil)

	n, err := sc.ExpireAllocated(context.Background(), epoch.Add(10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, rec.expired)

	_, err = st.GetSnapshot(context.Background(), "old")
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = st.GetSnapshot(context.Background(), "fresh")
	require.NoError(t, err)
	_, err = st.GetSnapshot(context.Background(), "ready")
	require.NoError(t, err)

	n, err = sc.ExpireAllocated(context.Background(), epoch.Add(10*time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n, "second sweep is a no-op")
	assert.Equal(t, 1, rec.expired)
}

func TestExpireAllocated_DisabledTTL(t *testing.T) {
	st := newTestStore(t)
	saveVM(t, st, "vm-a", models.VMRunning)
	saveSnapshot(t, st, "old", "vm-a", models.SnapshotAllocated, epoch)

	n, err := New(st, &mockResyncer{}, nil, config.ScavengerConfig{}, nil).ExpireAllocated(context.Background(), epoch.Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRun_SweepsUntilCancelled(t *testing.T) {
	st := newTestStore(t)
	saveVM(t, st, "vm-a", models.VMRunning)
	saveSnapshot(t, st, "old", "vm-a", models.SnapshotAllocated, epoch)

	var logs bytes.Buffer
	sc := New(st, &mockResyncer{}, nil, config.ScavengerConfig{Interval: 5 * time.Millisecond, AllocatedTTL: time.Minute}, logger.NewWithWriter(&logs))
	sc.now = func() time.Time { return epoch.Add(time.Hour) }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sc.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		_, err := st.GetSnapshot(context.Background(), "old")
		return errors.Is(err, store.ErrNotFound)
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
