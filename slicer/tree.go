package slicer

import (
	"fmt"
	"github.com/o2lab/dexslice/program"
	"golang.org/x/tools/container/intsets"
	"golang.org/x/xerrors"
	"sort"
)

// NodeID addresses a node inside its SliceTree. IDs are stable for the
// lifetime of the tree.
type NodeID int

const NoNode NodeID = -1

// ConstSource is the source register recorded on edges into terminal
// nodes.
const ConstSource = "const"

// EdgeKey names the register pair of an edge: Source is the register the
// node hands on, Target the register tracked at the predecessor.
type EdgeKey struct {
	Source, Target string
}

// SliceNode is one line of a slice. Its inbound table maps register
// pairs to the predecessors that were being tracked when the node was
// reached; predecessors are closer to the seed.
type SliceNode struct {
	ID    NodeID
	Line  *program.CodeLine
	Block *program.BasicBlock
	// Constant is set while the node is terminal.
	Constant *Constant
	inbound  map[EdgeKey]*intsets.Sparse
	keys     []EdgeKey
	constReg string
}

func (n *SliceNode) String() string {
	return fmt.Sprintf("#%d %v", n.ID, n.Line)
}

func (n *SliceNode) IsTerminal() bool {
	return n.Constant != nil
}

// Keys returns the register pairs of the inbound edges in insertion order.
func (n *SliceNode) Keys() []EdgeKey {
	return append([]EdgeKey(nil), n.keys...)
}

// Inbound returns the predecessors recorded under key.
func (n *SliceNode) Inbound(key EdgeKey) []NodeID {
	s := n.inbound[key]
	if s == nil {
		return nil
	}
	return toNodeIDs(s.AppendTo(nil))
}

// Predecessors returns all predecessors, ascending.
func (n *SliceNode) Predecessors() []NodeID {
	var all intsets.Sparse
	for _, s := range n.inbound {
		all.UnionWith(s)
	}
	return toNodeIDs(all.AppendTo(nil))
}

func (n *SliceNode) addInbound(key EdgeKey, pred NodeID) {
	if pred == NoNode || pred == n.ID {
		return
	}
	s, ok := n.inbound[key]
	if !ok {
		s = &intsets.Sparse{}
		n.inbound[key] = s
		n.keys = append(n.keys, key)
	}
	s.Insert(int(pred))
}

// upgrade turns a terminal node into an intermediate one. Edges filed
// under the const source move to the register the constant defined.
func (n *SliceNode) upgrade() {
	n.Constant = nil
	var keys []EdgeKey
	moved := make(map[EdgeKey]*intsets.Sparse)
	for _, key := range n.keys {
		if key.Source != ConstSource {
			keys = append(keys, key)
			continue
		}
		to := EdgeKey{Source: n.constReg, Target: key.Target}
		if moved[to] == nil {
			moved[to] = &intsets.Sparse{}
		}
		moved[to].UnionWith(n.inbound[key])
		delete(n.inbound, key)
	}
	n.keys = keys
	for _, key := range sortedKeys(moved) {
		if s, ok := n.inbound[key]; ok {
			s.UnionWith(moved[key])
			continue
		}
		n.inbound[key] = moved[key]
		n.keys = append(n.keys, key)
	}
}

func sortedKeys(m map[EdgeKey]*intsets.Sparse) []EdgeKey {
	keys := make([]EdgeKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Source != keys[j].Source {
			return keys[i].Source < keys[j].Source
		}
		return keys[i].Target < keys[j].Target
	})
	return keys
}

func toNodeIDs(ints []int) []NodeID {
	ids := make([]NodeID, len(ints))
	for i, v := range ints {
		ids[i] = NodeID(v)
	}
	return ids
}

// SliceTree is the slice graph of one search. Nodes live in an arena and
// refer to each other by NodeID, so a node found again later is updated
// in place and every reference to it stays valid.
type SliceTree struct {
	SearchID int
	nodes    []*SliceNode
	byLine   map[*program.CodeLine]NodeID
	methods  []*program.Method
	byMethod map[*program.Method][]NodeID
	start    NodeID
}

func NewSliceTree(searchID int) *SliceTree {
	return &SliceTree{
		SearchID: searchID,
		byLine:   make(map[*program.CodeLine]NodeID),
		byMethod: make(map[*program.Method][]NodeID),
		start:    NoNode,
	}
}

func (t *SliceTree) Start() NodeID {
	return t.start
}

func (t *SliceTree) Len() int {
	return len(t.nodes)
}

func (t *SliceTree) Node(id NodeID) *SliceNode {
	if id < 0 || int(id) >= len(t.nodes) {
		return nil
	}
	return t.nodes[id]
}

func (t *SliceTree) Nodes() []*SliceNode {
	return t.nodes
}

// Lookup returns the node of line, if any.
func (t *SliceTree) Lookup(line *program.CodeLine) (NodeID, bool) {
	id, ok := t.byLine[line]
	return id, ok
}

// Methods returns the methods touched by the slice in discovery order.
// Field declarations are grouped under a nil method.
func (t *SliceTree) Methods() []*program.Method {
	return t.methods
}

func (t *SliceTree) NodesOf(m *program.Method) []NodeID {
	return t.byMethod[m]
}

func (t *SliceTree) insert(line *program.CodeLine) *SliceNode {
	n := &SliceNode{
		ID:      NodeID(len(t.nodes)),
		Line:    line,
		Block:   line.Block,
		inbound: make(map[EdgeKey]*intsets.Sparse),
	}
	t.nodes = append(t.nodes, n)
	t.byLine[line] = n.ID
	if _, ok := t.byMethod[line.Method]; !ok {
		t.methods = append(t.methods, line.Method)
	}
	t.byMethod[line.Method] = append(t.byMethod[line.Method], n.ID)
	if t.start == NoNode {
		t.start = n.ID
	}
	return n
}

// AddNode records that the value tracked at pred under key.Target comes
// through line. A line already in the tree gets the new edge, and stops
// being terminal.
func (t *SliceTree) AddNode(line *program.CodeLine, pred NodeID, key EdgeKey) NodeID {
	n := t.lookupOrInsert(line)
	if n.IsTerminal() {
		n.upgrade()
	}
	n.addInbound(key, pred)
	return n.ID
}

// AddConstant records c as the origin of the value tracked at pred under
// target. reg is the register the constant defines. A line already
// reached as an intermediate node stays intermediate.
func (t *SliceTree) AddConstant(line *program.CodeLine, pred NodeID, reg, target string, c *Constant) NodeID {
	n, existed := t.byLine[line]
	if !existed {
		node := t.insert(line)
		node.Constant = c
		node.constReg = reg
		node.addInbound(EdgeKey{Source: ConstSource, Target: target}, pred)
		return node.ID
	}
	node := t.nodes[n]
	if node.IsTerminal() {
		node.addInbound(EdgeKey{Source: ConstSource, Target: target}, pred)
	} else {
		node.addInbound(EdgeKey{Source: reg, Target: target}, pred)
	}
	return node.ID
}

// Link adds an edge between two existing nodes.
func (t *SliceTree) Link(id, pred NodeID, key EdgeKey) {
	if n := t.Node(id); n != nil {
		if n.IsTerminal() {
			key.Source = ConstSource
		}
		n.addInbound(key, pred)
	}
}

func (t *SliceTree) lookupOrInsert(line *program.CodeLine) *SliceNode {
	if id, ok := t.byLine[line]; ok {
		return t.nodes[id]
	}
	return t.insert(line)
}

// Check verifies that every edge refers to a node of this tree and that
// each line has exactly one node.
func (t *SliceTree) Check() error {
	for i, n := range t.nodes {
		if n.ID != NodeID(i) {
			return xerrors.Errorf("node %d stored at %d", n.ID, i)
		}
		if t.byLine[n.Line] != n.ID {
			return xerrors.Errorf("line %v maps to %d, not %d", n.Line, t.byLine[n.Line], n.ID)
		}
		for _, p := range n.Predecessors() {
			if p < 0 || int(p) >= len(t.nodes) {
				return xerrors.Errorf("node %d refers to missing node %d", n.ID, p)
			}
		}
	}
	return nil
}
