package pathfinder_test

import (
	"github.com/google/go-cmp/cmp"
	"github.com/o2lab/dexslice/pathfinder"
	"github.com/o2lab/dexslice/program"
	"github.com/o2lab/dexslice/slicer"
	"strings"
	"testing"
)

// diamond builds
//
//	0 <- 1 <- 3 (constant)
//	0 <- 2 <- 3
//	2 <- 4 (constant)
func diamond() *slicer.SliceTree {
	var ls []*program.CodeLine
	for i := 0; i < 5; i++ {
		ls = append(ls, &program.CodeLine{Number: i + 1, Index: i, Text: "line"})
	}
	tree := slicer.NewSliceTree(0)
	n0 := tree.AddNode(ls[0], slicer.NoNode, slicer.EdgeKey{Source: "v0", Target: "v0"})
	n1 := tree.AddNode(ls[1], n0, slicer.EdgeKey{Source: "v1", Target: "v0"})
	n2 := tree.AddNode(ls[2], n0, slicer.EdgeKey{Source: "v2", Target: "v0"})
	tree.AddConstant(ls[3], n1, "v3", "v1", &slicer.Constant{Kind: slicer.LocalAnonymousConstant, Value: "AES", Line: ls[3]})
	tree.AddConstant(ls[3], n2, "v3", "v2", &slicer.Constant{Kind: slicer.LocalAnonymousConstant, Value: "AES", Line: ls[3]})
	tree.AddConstant(ls[4], n2, "v4", "v2", &slicer.Constant{Kind: slicer.ExternalMethod, Value: "x", Line: ls[4]})
	return tree
}

func TestLeaves(t *testing.T) {
	got := pathfinder.Leaves(diamond())
	if diff := cmp.Diff([]slicer.NodeID{3, 4}, got); diff != "" {
		t.Errorf("leaves (-want +got):\n%s", diff)
	}
}

func TestAllPaths(t *testing.T) {
	tree := diamond()
	pf := pathfinder.New(tree)
	got := pf.AllPaths(3, 0)
	want := [][]slicer.NodeID{{3, 1, 0}, {3, 2, 0}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("paths (-want +got):\n%s", diff)
	}
	if got := pf.AllPaths(0, 3); len(got) != 0 {
		t.Errorf("paths against edge direction: %v", got)
	}
	if got := pathfinder.AllPaths(tree, 4, 4); len(got) != 1 || len(got[0]) != 1 {
		t.Errorf("trivial path = %v", got)
	}
	if got := pf.AllPaths(0, 42); got != nil {
		t.Errorf("path to missing node = %v", got)
	}
}

func TestShortestPath(t *testing.T) {
	pf := pathfinder.New(diamond())
	if diff := cmp.Diff([]slicer.NodeID{4, 2, 0}, pf.ShortestPath(4, 0)); diff != "" {
		t.Errorf("path (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]slicer.NodeID{3, 1, 0}, pf.ShortestPath(3, 0)); diff != "" {
		t.Errorf("path (-want +got):\n%s", diff)
	}
	if got := pf.ShortestPath(0, 4); got != nil {
		t.Errorf("path against edge direction: %v", got)
	}
}

func TestAllPathsCycle(t *testing.T) {
	ls := []*program.CodeLine{{Number: 1, Text: "a"}, {Number: 2, Index: 1, Text: "b"}}
	tree := slicer.NewSliceTree(0)
	a := tree.AddNode(ls[0], slicer.NoNode, slicer.EdgeKey{Source: "v0", Target: "v0"})
	b := tree.AddNode(ls[1], a, slicer.EdgeKey{Source: "v0", Target: "v0"})
	tree.AddNode(ls[0], b, slicer.EdgeKey{Source: "v0", Target: "v0"})

	got := pathfinder.AllPaths(tree, b, a)
	if diff := cmp.Diff([][]slicer.NodeID{{b, a}}, got); diff != "" {
		t.Errorf("paths (-want +got):\n%s", diff)
	}
	if leaves := pathfinder.Leaves(tree); len(leaves) != 0 {
		t.Errorf("leaves of a cycle = %v", leaves)
	}
}

func TestDot(t *testing.T) {
	out := pathfinder.Dot(diamond())
	for _, want := range []string{"v1/v0", "const/v2", "filled", "#3 line"} {
		if !strings.Contains(out, want) {
			t.Errorf("dot output lacks %q:\n%s", want, out)
		}
	}
	if got := strings.Count(out, "->"); got != 5 {
		t.Errorf("dot output has %d edges, want 5", got)
	}
}

func TestBlockDot(t *testing.T) {
	c, err := program.ParseClass("Flow.smali", strings.NewReader(`.class public Lcom/example/Flow;
.super Ljava/lang/Object;

.method public static pick(Z)Ljava/lang/String;
    .registers 2
    const-string v0, "AES"
    if-eqz p0, :cond_0
    const-string v0, "DES"
    :cond_0
    return-object v0
.end method
`))
	if err != nil {
		t.Fatal(err)
	}
	m := c.Methods[0]
	if err := program.BuildBlocks(m); err != nil {
		t.Fatal(err)
	}
	out := pathfinder.BlockDot(m)
	if got := strings.Count(out, "->"); got != 3 {
		t.Errorf("%d edges, want 3:\n%s", got, out)
	}
	for _, want := range []string{"B0", "B2", `if-eqz p0, :cond_0`} {
		if !strings.Contains(out, want) {
			t.Errorf("dot output lacks %q:\n%s", want, out)
		}
	}
}
