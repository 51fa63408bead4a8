package orchestrator

import (
	"context"
	"testing"

	"github.com/EpicMandM/vmsnap/internal/agent"
	"github.com/EpicMandM/vmsnap/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestDelete_AllocatedIsRemovedWithoutDispatch(t *testing.T) {
	env := newTestEnv(t)
	env.insert(t, models.Snapshot{ID: "s1", State: models.SnapshotAllocated})

	ok, err := env.eng.RequestDelete(context.Background(), "s1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, env.snapshots(t, "vm-1"))
	assert.Empty(t, env.sender.commands())
}

func TestRequestDelete_MiddleOfChain(t *testing.T) {
	env := newTestEnv(t)
	env.insert(t, models.Snapshot{ID: "A", State: models.SnapshotReady})
	env.insert(t, models.Snapshot{ID: "B", State: models.SnapshotReady, ParentID: "A", Current: true})
	env.insert(t, models.Snapshot{ID: "C", State: models.SnapshotReady, ParentID: "B"})

	ok, err := env.eng.RequestDelete(context.Background(), "B")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = env.store.GetSnapshot(context.Background(), "B")
	assert.Error(t, err)
	assert.Equal(t, "A", env.snapshot(t, "C").ParentID)
	assert.True(t, env.snapshot(t, "A").Current)
	assert.False(t, env.snapshot(t, "C").Current)

	cmds := env.sender.commands()
	require.Len(t, cmds, 1)
	assert.Equal(t, "DeleteVMSnapshot", cmds[0].cmd.Name())
	target := cmds[0].cmd.Request().Target
	assert.Equal(t, "B", target.ID)
	assert.Equal(t, 2, target.Depth())
}

func TestRequestDelete_NonCurrentLeafKeepsCurrent(t *testing.T) {
	env := newTestEnv(t)
	env.insert(t, models.Snapshot{ID: "A", State: models.SnapshotReady, Current: true})
	env.insert(t, models.Snapshot{ID: "B", State: models.SnapshotError, ParentID: "A"})

	ok, err := env.eng.RequestDelete(context.Background(), "B")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, env.snapshot(t, "A").Current)
	assert.Len(t, env.snapshots(t, "vm-1"), 1)
}

func TestRequestDelete_FailureLeavesExpunging(t *testing.T) {
	env := newTestEnv(t)
	env.insert(t, models.Snapshot{ID: "s1", State: models.SnapshotReady, Current: true})
	env.sender.sendFn = func(context.Context, string, agent.Command) (*agent.Answer, error) {
		return nil, agent.ErrUnreachable
	}

	ok, err := env.eng.RequestDelete(context.Background(), "s1")
	require.ErrorIs(t, err, agent.ErrUnreachable)
	assert.False(t, ok)
	assert.Equal(t, KindTransport, KindOf(err))
	s := env.snapshot(t, "s1")
	assert.Equal(t, models.SnapshotExpunging, s.State)
	assert.True(t, s.Current)
	assert.Equal(t, models.VMRunning, env.vm(t, "vm-1").State)

	// A second request is refused; resync owns the retry.
	_, err = env.eng.RequestDelete(context.Background(), "s1")
	require.ErrorIs(t, err, ErrInvalidSnapshotState)

	env.sender.sendFn = nil
	resumed, err := env.eng.Resync(context.Background(), "vm-1", "")
	require.NoError(t, err)
	assert.True(t, resumed)
	assert.Empty(t, env.snapshots(t, "vm-1"))
}

func TestRequestDelete_Preconditions(t *testing.T) {
	t.Run("unknown snapshot", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.eng.RequestDelete(context.Background(), "nope")
		require.ErrorIs(t, err, ErrSnapshotNotFound)
		assert.Equal(t, KindPrecondition, KindOf(err))
	})

	t.Run("in-flight snapshot", func(t *testing.T) {
		env := newTestEnv(t)
		env.insert(t, models.Snapshot{ID: "s1", State: models.SnapshotCreating})
		_, err := env.eng.RequestDelete(context.Background(), "s1")
		require.ErrorIs(t, err, ErrInvalidSnapshotState)
	})

	t.Run("another operation active", func(t *testing.T) {
		env := newTestEnv(t)
		env.insert(t, models.Snapshot{ID: "s1", State: models.SnapshotReady})
		env.insert(t, models.Snapshot{ID: "s2", State: models.SnapshotReverting, ParentID: "s1"})
		_, err := env.eng.RequestDelete(context.Background(), "s1")
		require.ErrorIs(t, err, ErrConcurrentOperation)
		assert.Equal(t, models.SnapshotReady, env.snapshot(t, "s1").State)
		assert.Empty(t, env.sender.commands())
	})

	t.Run("delete command carries remote failure", func(t *testing.T) {
		env := newTestEnv(t)
		env.insert(t, models.Snapshot{ID: "s1", State: models.SnapshotReady})
		env.sender.sendFn = func(context.Context, string, agent.Command) (*agent.Answer, error) {
			return &agent.Answer{Result: false, Details: "file locked"}, nil
		}
		_, err := env.eng.RequestDelete(context.Background(), "s1")
		require.ErrorIs(t, err, ErrRemoteFailure)
		assert.Equal(t, models.SnapshotExpunging, env.snapshot(t, "s1").State)
	})
}

func TestDeleteAll(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, "a")
	env.create(t, "b")
	env.create(t, "c")

	require.NoError(t, env.eng.DeleteAll(context.Background(), "vm-1"))
	assert.Empty(t, env.snapshots(t, "vm-1"))

	var depths []int
	for _, c := range env.sender.commands() {
		if c.cmd.Name() == "DeleteVMSnapshot" {
			depths = append(depths, c.cmd.Request().Target.Depth())
		}
	}
	assert.Equal(t, []int{3, 2, 1}, depths, "newest first")
}

func TestDeleteAll_StopsAtFirstFailure(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, "a")
	env.create(t, "b")
	env.sender.sendFn = func(context.Context, string, agent.Command) (*agent.Answer, error) {
		return &agent.Answer{Result: false}, nil
	}

	err := env.eng.DeleteAll(context.Background(), "vm-1")
	require.ErrorIs(t, err, ErrRemoteFailure)
	assert.Len(t, env.snapshots(t, "vm-1"), 2)
}

func TestRequestDelete_CallerCancelAfterDispatchStillCommits(t *testing.T) {
	env := newTestEnv(t)
	env.insert(t, models.Snapshot{ID: "A", State: models.SnapshotReady, Current: true})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env.sender.sendFn = func(sendCtx context.Context, _ string, cmd agent.Command) (*agent.Answer, error) {
		cancel()
		if err := sendCtx.Err(); err != nil {
			return nil, err
		}
		return &agent.Answer{CommandID: cmd.CommandID(), Result: true}, nil
	}

	ok, err := env.eng.RequestDelete(ctx, "A")
	require.NoError(t, err)
	assert.True(t, ok)
	require.Error(t, ctx.Err())
	assert.Empty(t, env.snapshots(t, "vm-1"))
}
