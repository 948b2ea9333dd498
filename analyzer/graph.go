package analyzer

import (
	"github.com/o2lab/dexslice/pathfinder"
	"github.com/o2lab/dexslice/program"
	"github.com/o2lab/dexslice/slicer"
)

// trace returns the lines on the shortest slice path from node to the
// seed of tree, node first.
func trace(tree *slicer.SliceTree, node slicer.NodeID) []*program.CodeLine {
	if tree == nil || node == slicer.NoNode {
		return nil
	}
	path := pathfinder.New(tree).ShortestPath(node, tree.Start())
	lines := make([]*program.CodeLine, 0, len(path))
	for _, id := range path {
		lines = append(lines, tree.Node(id).Line)
	}
	return lines
}

// VisitTreePreOrder calls visit for every node reachable from the leaves of
// tree, following predecessor edges. Each node is visited once.
func VisitTreePreOrder(tree *slicer.SliceTree, visit func(n *slicer.SliceNode) error) error {
	seen := make(map[slicer.NodeID]bool)
	var walk func(id slicer.NodeID) error
	walk = func(id slicer.NodeID) error {
		if !seen[id] {
			seen[id] = true
			if err := visit(tree.Node(id)); err != nil {
				return err
			}
			for _, pred := range tree.Node(id).Predecessors() {
				if err := walk(pred); err != nil {
					return err
				}
			}
		}
		return nil
	}
	for _, leaf := range pathfinder.Leaves(tree) {
		if err := walk(leaf); err != nil {
			return err
		}
	}
	return nil
}
