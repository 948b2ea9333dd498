package pathfinder

import (
	"fmt"
	"github.com/emicklei/dot"
	"github.com/o2lab/dexslice/program"
	"github.com/o2lab/dexslice/slicer"
	"strings"
)

// Dot renders a slice graph. Edges point from a node to its
// predecessors and carry the register pair they were recorded under.
func Dot(tree *slicer.SliceTree) string {
	g := dot.NewGraph(dot.Directed)
	nodes := make([]dot.Node, tree.Len())
	for _, n := range tree.Nodes() {
		label := fmt.Sprintf("#%d %s", n.ID, n.Line.Text)
		if n.Line.Method != nil {
			label = fmt.Sprintf("#%d %s:%d\n%s", n.ID, n.Line.Method.Signature(), n.Line.Number, n.Line.Text)
		}
		gn := g.Node(fmt.Sprintf("n%d", n.ID)).Box().Label(label)
		if n.IsTerminal() {
			gn.Attr("style", "filled")
		}
		nodes[n.ID] = gn
	}
	for _, n := range tree.Nodes() {
		for _, key := range n.Keys() {
			for _, pred := range n.Inbound(key) {
				g.Edge(nodes[n.ID], nodes[pred]).Label(key.Source + "/" + key.Target)
			}
		}
	}
	return g.String()
}

// BlockDot renders the basic block graph of m.
func BlockDot(m *program.Method) string {
	g := dot.NewGraph(dot.Directed)
	nodes := make([]dot.Node, len(m.Blocks))
	for i, b := range m.Blocks {
		var text []string
		for _, l := range b.Lines {
			if l.Instr.Kind.Executable() {
				text = append(text, l.Text)
			}
		}
		label := fmt.Sprintf("B%d (label %d)\n%s", b.Index, b.Label, strings.Join(text, "\n"))
		nodes[i] = g.Node(fmt.Sprintf("b%d", b.Index)).Box().Label(label)
	}
	for i, b := range m.Blocks {
		for _, succ := range b.Succs {
			g.Edge(nodes[i], nodes[succ.Index])
		}
	}
	return g.String()
}
