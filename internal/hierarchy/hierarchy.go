// Package hierarchy reconstructs the parent/child view of a VM's snapshots.
// Views are rebuilt from the snapshot rows on every call and never cached.
package hierarchy

import (
	"errors"
	"fmt"
	"sort"

	"github.com/EpicMandM/vmsnap/internal/models"
)

var (
	// ErrBrokenChain means a parent pointer references a missing snapshot.
	ErrBrokenChain = errors.New("broken snapshot chain")
	// ErrCycle means a parent walk did not terminate within the depth bound.
	ErrCycle = errors.New("snapshot chain does not terminate")
	// ErrMultipleCurrent means more than one snapshot is marked current.
	ErrMultipleCurrent = errors.New("more than one current snapshot")
)

// Node is one snapshot in a tree view.
type Node struct {
	Snapshot models.Snapshot `json:"snapshot"`
	Children []*Node         `json:"children,omitempty"`
}

func index(snapshots []models.Snapshot) map[string]models.Snapshot {
	byID := make(map[string]models.Snapshot, len(snapshots))
	for _, s := range snapshots {
		byID[s.ID] = s
	}
	return byID
}

// Chain returns the snapshots from the root down to leafID, inclusive.
// maxDepth bounds the walk; zero or less means len(snapshots).
func Chain(snapshots []models.Snapshot, leafID string, maxDepth int) ([]models.Snapshot, error) {
	byID := index(snapshots)
	if maxDepth <= 0 || maxDepth > len(snapshots) {
		maxDepth = len(snapshots)
	}

	leaf, ok := byID[leafID]
	if !ok {
		return nil, fmt.Errorf("%w: snapshot %s not found", ErrBrokenChain, leafID)
	}

	chain := []models.Snapshot{leaf}
	cur := leaf
	for cur.ParentID != "" {
		if len(chain) >= maxDepth {
			return nil, fmt.Errorf("%w: %s exceeds depth %d", ErrCycle, leafID, maxDepth)
		}
		parent, ok := byID[cur.ParentID]
		if !ok {
			return nil, fmt.Errorf("%w: parent %s of %s not found", ErrBrokenChain, cur.ParentID, cur.ID)
		}
		chain = append(chain, parent)
		cur = parent
	}

	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// Children returns the direct children of id, oldest first.
func Children(snapshots []models.Snapshot, id string) []models.Snapshot {
	var out []models.Snapshot
	for _, s := range snapshots {
		if s.ParentID == id {
			out = append(out, s)
		}
	}
	sortByCreation(out)
	return out
}

// Current returns the snapshot marked current, if any.
func Current(snapshots []models.Snapshot) (models.Snapshot, bool) {
	for _, s := range snapshots {
		if s.Current {
			return s, true
		}
	}
	return models.Snapshot{}, false
}

// Tree builds the forest of snapshots. Snapshots whose parent is missing are
// treated as roots so that a damaged hierarchy is still visible. A parent
// cycle no root reaches is cut at its oldest member, which becomes a root.
func Tree(snapshots []models.Snapshot) []*Node {
	byID := index(snapshots)
	nodes := make(map[string]*Node, len(snapshots))
	ordered := append([]models.Snapshot(nil), snapshots...)
	sortByCreation(ordered)
	for _, s := range ordered {
		nodes[s.ID] = &Node{Snapshot: s}
	}

	var roots []*Node
	for _, s := range ordered {
		n := nodes[s.ID]
		if _, ok := byID[s.ParentID]; s.ParentID == "" || !ok || s.ParentID == s.ID {
			roots = append(roots, n)
			continue
		}
		parent := nodes[s.ParentID]
		parent.Children = append(parent.Children, n)
	}

	reached := make(map[string]bool, len(nodes))
	var mark func(n *Node)
	mark = func(n *Node) {
		if reached[n.Snapshot.ID] {
			return
		}
		reached[n.Snapshot.ID] = true
		for _, c := range n.Children {
			mark(c)
		}
	}
	for _, r := range roots {
		mark(r)
	}
	for _, s := range ordered {
		if reached[s.ID] {
			continue
		}
		n := nodes[s.ID]
		parent := nodes[s.ParentID]
		for i, c := range parent.Children {
			if c == n {
				parent.Children = append(parent.Children[:i], parent.Children[i+1:]...)
				break
			}
		}
		roots = append(roots, n)
		mark(n)
	}
	return roots
}

// Validate checks that every parent walk terminates at a root and that at
// most one snapshot is current.
func Validate(snapshots []models.Snapshot) error {
	current := 0
	for _, s := range snapshots {
		if s.Current {
			current++
		}
		if _, err := Chain(snapshots, s.ID, len(snapshots)); err != nil {
			return err
		}
	}
	if current > 1 {
		return fmt.Errorf("%w: %d", ErrMultipleCurrent, current)
	}
	return nil
}

func sortByCreation(s []models.Snapshot) {
	sort.SliceStable(s, func(i, j int) bool {
		if s[i].CreatedAt.Equal(s[j].CreatedAt) {
			return s[i].ID < s[j].ID
		}
		return s[i].CreatedAt.Before(s[j].CreatedAt)
	})
}
