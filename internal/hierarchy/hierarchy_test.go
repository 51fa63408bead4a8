package hierarchy

import (
	"testing"
	"time"

	"github.com/EpicMandM/vmsnap/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func snap(id, parent string, minute int) models.Snapshot {
	return models.Snapshot{ID: id, VMID: "vm-1", ParentID: parent, State: models.SnapshotReady, CreatedAt: t0.Add(time.Duration(minute) * time.Minute)}
}

func ids(s []models.Snapshot) []string {
	out := make([]string, 0, len(s))
	for _, x := range s {
		out = append(out, x.ID)
	}
	return out
}

func TestChain_RootToLeaf(t *testing.T) {
	all := []models.Snapshot{snap("c", "b", 2), snap("a", "", 0), snap("b", "a", 1)}
	chain, err := Chain(all, "c", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, ids(chain))
}

func TestChain_Root(t *testing.T) {
	chain, err := Chain([]models.Snapshot{snap("a", "", 0)}, "a", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids(chain))
}

func TestChain_MissingParent(t *testing.T) {
	_, err := Chain([]models.Snapshot{snap("b", "ghost", 1)}, "b", 10)
	assert.ErrorIs(t, err, ErrBrokenChain)
}

func TestChain_MissingLeaf(t *testing.T) {
	_, err := Chain(nil, "nope", 10)
	assert.ErrorIs(t, err, ErrBrokenChain)
}

func TestChain_CycleIsBounded(t *testing.T) {
	all := []models.Snapshot{snap("a", "b", 0), snap("b", "a", 1)}
	_, err := Chain(all, "a", 10)
	assert.ErrorIs(t, err, ErrCycle)
}

func TestChain_DepthCap(t *testing.T) {
	all := []models.Snapshot{snap("a", "", 0), snap("b", "a", 1), snap("c", "b", 2)}
	_, err := Chain(all, "c", 2)
	assert.ErrorIs(t, err, ErrCycle)
}

func TestChildren_OldestFirst(t *testing.T) {
	all := []models.Snapshot{snap("a", "", 0), snap("y", "a", 5), snap("x", "a", 3), snap("z", "x", 6)}
	assert.Equal(t, []string{"x", "y"}, ids(Children(all, "a")))
	assert.Empty(t, Children(all, "z"))
}

func TestTree_Forest(t *testing.T) {
	all := []models.Snapshot{snap("b", "a", 1), snap("a", "", 0), snap("c", "a", 2), snap("r2", "", 3), snap("orphan", "gone", 4)}
	roots := Tree(all)
	require.Len(t, roots, 3)
	assert.Equal(t, "a", roots[0].Snapshot.ID)
	require.Len(t, roots[0].Children, 2)
	assert.Equal(t, "b", roots[0].Children[0].Snapshot.ID)
	assert.Equal(t, "c", roots[0].Children[1].Snapshot.ID)
	assert.Equal(t, "r2", roots[1].Snapshot.ID)
	assert.Equal(t, "orphan", roots[2].Snapshot.ID)
}

func TestTree_CycleIsCutIntoARoot(t *testing.T) {
	// x -> z -> y -> x, with r a healthy root.
	all := []models.Snapshot{snap("r", "", 0), snap("x", "y", 1), snap("y", "z", 2), snap("z", "x", 3)}
	roots := Tree(all)
	require.Len(t, roots, 2)
	assert.Equal(t, "r", roots[0].Snapshot.ID)
	assert.Empty(t, roots[0].Children)

	cut := roots[1]
	assert.Equal(t, "x", cut.Snapshot.ID)
	require.Len(t, cut.Children, 1)
	assert.Equal(t, "z", cut.Children[0].Snapshot.ID)
	require.Len(t, cut.Children[0].Children, 1)
	assert.Equal(t, "y", cut.Children[0].Children[0].Snapshot.ID)
	assert.Empty(t, cut.Children[0].Children[0].Children)
}

func TestValidate(t *testing.T) {
	ok := []models.Snapshot{snap("a", "", 0), snap("b", "a", 1)}
	ok[1].Current = true
	assert.NoError(t, Validate(ok))

	twoCurrent := []models.Snapshot{snap("a", "", 0), snap("b", "a", 1)}
	twoCurrent[0].Current = true
	twoCurrent[1].Current = true
	assert.ErrorIs(t, Validate(twoCurrent), ErrMultipleCurrent)

	cyclic := []models.Snapshot{snap("a", "b", 0), snap("b", "a", 1)}
	assert.ErrorIs(t, Validate(cyclic), ErrCycle)
}

func TestCurrent(t *testing.T) {
	all := []models.Snapshot{snap("a", "", 0), snap("b", "a", 1)}
	_, ok := Current(all)
	assert.False(t, ok)
	all[0].Current = true
	cur, ok := Current(all)
	assert.True(t, ok)
	assert.Equal(t, "a", cur.ID)
}
