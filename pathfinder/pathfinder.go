package pathfinder

import (
	"github.com/o2lab/dexslice/slicer"
	"github.com/twmb/algoimpl/go/graph"
	"golang.org/x/tools/container/intsets"
)

// PathFinder answers path queries over a finished slice graph. Edges of
// the underlying graph point from a node to its predecessors, i.e.
// towards the seed of a backward slice.
type PathFinder struct {
	tree  *slicer.SliceTree
	g     *graph.Graph
	nodes []graph.Node
}

func New(tree *slicer.SliceTree) *PathFinder {
	pf := &PathFinder{
		tree: tree,
		g:    graph.New(graph.Directed),
	}
	for _, n := range tree.Nodes() {
		gn := pf.g.MakeNode()
		*gn.Value = n.ID
		pf.nodes = append(pf.nodes, gn)
	}
	for _, n := range tree.Nodes() {
		for _, pred := range n.Predecessors() {
			// Both ends exist, so MakeEdge cannot fail.
			_ = pf.g.MakeEdge(pf.nodes[n.ID], pf.nodes[pred])
		}
	}
	return pf
}

func (pf *PathFinder) id(n graph.Node) slicer.NodeID {
	return (*n.Value).(slicer.NodeID)
}

// Leaves returns the nodes no other node lists as predecessor, ascending.
func (pf *PathFinder) Leaves() []slicer.NodeID {
	var referenced intsets.Sparse
	for _, gn := range pf.nodes {
		for _, pred := range pf.g.Neighbors(gn) {
			referenced.Insert(int(pf.id(pred)))
		}
	}
	var leaves []slicer.NodeID
	for _, gn := range pf.nodes {
		if id := pf.id(gn); !referenced.Has(int(id)) {
			leaves = append(leaves, id)
		}
	}
	return leaves
}

// AllPaths enumerates every acyclic predecessor path from from to to.
// Each path starts with from.
func (pf *PathFinder) AllPaths(from, to slicer.NodeID) [][]slicer.NodeID {
	if pf.tree.Node(from) == nil || pf.tree.Node(to) == nil {
		return nil
	}
	var (
		paths   [][]slicer.NodeID
		path    []slicer.NodeID
		onPath  intsets.Sparse
		explore func(n graph.Node)
	)
	explore = func(n graph.Node) {
		id := pf.id(n)
		path = append(path, id)
		onPath.Insert(int(id))
		if id == to {
			paths = append(paths, append([]slicer.NodeID(nil), path...))
		} else {
			for _, pred := range pf.g.Neighbors(n) {
				if !onPath.Has(int(pf.id(pred))) {
					explore(pred)
				}
			}
		}
		onPath.Remove(int(id))
		path = path[:len(path)-1]
	}
	explore(pf.nodes[from])
	return paths
}

// ShortestPath returns one predecessor path from from to to with the
// fewest nodes, or nil if to is unreachable.
func (pf *PathFinder) ShortestPath(from, to slicer.NodeID) []slicer.NodeID {
	if pf.tree.Node(from) == nil || pf.tree.Node(to) == nil {
		return nil
	}
	prev := make(map[slicer.NodeID]slicer.NodeID)
	var seen intsets.Sparse
	seen.Insert(int(from))
	queue := []graph.Node{pf.nodes[from]}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		id := pf.id(n)
		if id == to {
			var path []slicer.NodeID
			for at := to; ; at = prev[at] {
				path = append([]slicer.NodeID{at}, path...)
				if at == from {
					return path
				}
			}
		}
		for _, pred := range pf.g.Neighbors(n) {
			if seen.Insert(int(pf.id(pred))) {
				prev[pf.id(pred)] = id
				queue = append(queue, pred)
			}
		}
	}
	return nil
}

// Leaves is a shorthand for New(tree).Leaves().
func Leaves(tree *slicer.SliceTree) []slicer.NodeID {
	return New(tree).Leaves()
}

// AllPaths is a shorthand for New(tree).AllPaths(from, to).
func AllPaths(tree *slicer.SliceTree, from, to slicer.NodeID) [][]slicer.NodeID {
	return New(tree).AllPaths(from, to)
}
