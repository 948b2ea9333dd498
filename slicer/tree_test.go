package slicer

import (
	"github.com/google/go-cmp/cmp"
	"github.com/o2lab/dexslice/program"
	"testing"
)

func lines(n int) []*program.CodeLine {
	var ls []*program.CodeLine
	for i := 0; i < n; i++ {
		ls = append(ls, &program.CodeLine{Number: i + 1, Index: i, Text: "nop"})
	}
	return ls
}

func TestTreeUpgrade(t *testing.T) {
	ls := lines(3)
	tree := NewSliceTree(0)
	start := tree.AddNode(ls[0], NoNode, EdgeKey{"v0", "v0"})
	c := &Constant{Kind: ExternalMethod, Line: ls[1]}
	id := tree.AddConstant(ls[1], start, "v1", "v0", c)
	if n := tree.Node(id); !n.IsTerminal() || n.Keys()[0].Source != ConstSource {
		t.Fatalf("constant node = %+v", n)
	}

	other := tree.AddNode(ls[2], start, EdgeKey{"v2", "v0"})
	if got := tree.AddNode(ls[1], other, EdgeKey{"v1", "v2"}); got != id {
		t.Fatalf("line got a second node %d", got)
	}
	n := tree.Node(id)
	if n.IsTerminal() {
		t.Error("node is still terminal")
	}
	want := []EdgeKey{{"v1", "v0"}, {"v1", "v2"}}
	if diff := cmp.Diff(want, n.Keys()); diff != "" {
		t.Errorf("keys (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]NodeID{start}, n.Inbound(EdgeKey{"v1", "v0"})); diff != "" {
		t.Errorf("edge from const moved (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]NodeID{start, other}, n.Predecessors()); diff != "" {
		t.Errorf("predecessors (-want +got):\n%s", diff)
	}
	if err := tree.Check(); err != nil {
		t.Error(err)
	}
}

func TestTreeConstantOnIntermediate(t *testing.T) {
	ls := lines(2)
	tree := NewSliceTree(0)
	start := tree.AddNode(ls[0], NoNode, EdgeKey{"v0", "v0"})
	mid := tree.AddNode(ls[1], start, EdgeKey{"v0", "v0"})
	if got := tree.AddConstant(ls[1], start, "v3", "v1", &Constant{Line: ls[1]}); got != mid {
		t.Fatalf("AddConstant returned %d, want %d", got, mid)
	}
	n := tree.Node(mid)
	if n.IsTerminal() {
		t.Error("intermediate node became terminal")
	}
	if diff := cmp.Diff([]NodeID{start}, n.Inbound(EdgeKey{"v3", "v1"})); diff != "" {
		t.Errorf("inbound (-want +got):\n%s", diff)
	}
}

func TestTreeStartAndMethods(t *testing.T) {
	ls := lines(2)
	tree := NewSliceTree(7)
	if tree.Start() != NoNode {
		t.Fatalf("empty tree start = %d", tree.Start())
	}
	a := tree.AddNode(ls[0], NoNode, EdgeKey{"v0", "v0"})
	b := tree.AddNode(ls[1], a, EdgeKey{"v0", "v0"})
	tree.AddNode(ls[1], b, EdgeKey{"v0", "v0"})
	if tree.Start() != a || tree.Len() != 2 {
		t.Errorf("start = %d, len = %d", tree.Start(), tree.Len())
	}
	if got := tree.Node(b).Predecessors(); len(got) != 1 || got[0] != a {
		t.Errorf("self edge recorded: %v", got)
	}
	if diff := cmp.Diff([]NodeID{a, b}, tree.NodesOf(nil)); diff != "" {
		t.Errorf("nodes of method (-want +got):\n%s", diff)
	}
	if id, ok := tree.Lookup(ls[1]); !ok || id != b {
		t.Errorf("Lookup = %d, %v", id, ok)
	}
}

func TestTodoFuzzyAdmission(t *testing.T) {
	tree := NewSliceTree(0)
	todo := NewTodoList(tree, 2)
	b := &program.BasicBlock{}
	if !todo.AdmitRegister(&RegisterSearch{Register: "v0", Block: b, Fuzzy: 1, FuzzyOffset: 1}) {
		t.Error("level 1 + offset 1 rejected at ceiling 2")
	}
	if todo.AdmitRegister(&RegisterSearch{Register: "v1", Block: b, Fuzzy: 2, FuzzyOffset: 1}) {
		t.Error("level 2 + offset 1 admitted at ceiling 2")
	}
	if todo.AdmitField(&ContentTracker{Class: "LA;", Identifier: "f", Fuzzy: 3}) {
		t.Error("field above ceiling admitted")
	}
	if !todo.AdmitField(&ContentTracker{Class: "LA;", Identifier: "f"}) {
		t.Error("field rejected")
	}
	if todo.AdmitField(&ContentTracker{Class: "LA;", Identifier: "f", Fuzzy: 1}) {
		t.Error("duplicate field admitted")
	}
	if !todo.AdmitArray(&ContentTracker{Class: "LA;", Identifier: "f"}) {
		t.Error("array tracker rejected after field tracker of the same key")
	}
}

func TestTodoOrder(t *testing.T) {
	todo := NewTodoList(NewSliceTree(0), 5)
	b := &program.BasicBlock{}
	todo.AdmitReturn(&ContentTracker{Class: "LA;", Identifier: "m()"})
	todo.AdmitRegister(&RegisterSearch{Register: "v0", Block: b, Index: 1})
	todo.AdmitRegister(&RegisterSearch{Register: "v0", Block: b, Index: 0})
	if todo.IsFinished() {
		t.Fatal("finished with queued work")
	}
	var got []int
	for {
		r, ok := todo.PopRegister()
		if !ok {
			break
		}
		got = append(got, r.Index)
		todo.Complete()
	}
	if diff := cmp.Diff([]int{1, 0}, got); diff != "" {
		t.Errorf("register order (-want +got):\n%s", diff)
	}
	if todo.Completed() != 2 {
		t.Errorf("completed = %d", todo.Completed())
	}
	if _, ok := todo.PopReturn(); !ok || !todo.IsFinished() {
		t.Error("return tracker lost")
	}
}

func TestTodoDuplicateLinking(t *testing.T) {
	ls := lines(4)
	tree := NewSliceTree(0)
	a := tree.AddNode(ls[0], NoNode, EdgeKey{"v0", "v0"})
	b := tree.AddNode(ls[1], NoNode, EdgeKey{"v5", "v5"})
	c := tree.AddNode(ls[2], NoNode, EdgeKey{"v6", "v6"})
	todo := NewTodoList(tree, 5)
	block := &program.BasicBlock{}

	todo.AdmitRegister(&RegisterSearch{Register: "v0", Block: block, Index: 3, Origin: a, OriginRegister: "v0"})
	// Seen before the first search produced anything: linked later.
	if todo.AdmitRegister(&RegisterSearch{Register: "v0", Block: block, Index: 3, Origin: b, OriginRegister: "v5"}) {
		t.Fatal("duplicate register search admitted")
	}
	r, _ := todo.PopRegister()
	key := EdgeKey{Source: "v0", Target: r.OriginRegister}
	def := tree.AddNode(ls[3], r.Origin, key)
	todo.Produced(def, key)
	todo.Complete()

	// Seen after: linked at once.
	todo.AdmitRegister(&RegisterSearch{Register: "v0", Block: block, Index: 3, Origin: c, OriginRegister: "v6"})
	// A duplicate originating at the produced node itself gets no self edge.
	todo.AdmitRegister(&RegisterSearch{Register: "v0", Block: block, Index: 3, Origin: def, OriginRegister: "v0"})

	n := tree.Node(def)
	want := map[EdgeKey][]NodeID{
		{"v0", "v0"}: {a},
		{"v0", "v5"}: {b},
		{"v0", "v6"}: {c},
	}
	for k, ids := range want {
		if diff := cmp.Diff(ids, n.Inbound(k)); diff != "" {
			t.Errorf("inbound %v (-want +got):\n%s", k, diff)
		}
	}
	if len(n.Keys()) != 3 {
		t.Errorf("keys = %v", n.Keys())
	}
	if !todo.IsFinished() {
		t.Error("duplicates were queued")
	}
}

func TestTodoDuplicateThroughPassThrough(t *testing.T) {
	ls := lines(4)
	tree := NewSliceTree(0)
	a := tree.AddNode(ls[0], NoNode, EdgeKey{"v0", "v0"})
	b := tree.AddNode(ls[1], NoNode, EdgeKey{"v0", "v0"})
	c := tree.AddNode(ls[2], NoNode, EdgeKey{"v0", "v0"})
	todo := NewTodoList(tree, 5)
	join, top := &program.BasicBlock{Index: 1}, &program.BasicBlock{Index: 0}

	todo.AdmitRegister(&RegisterSearch{Register: "v0", Block: join, Index: 2, Origin: a, OriginRegister: "v0"})
	todo.AdmitRegister(&RegisterSearch{Register: "v0", Block: join, Index: 2, Origin: b, OriginRegister: "v0"})

	// join defines nothing and hands its origin on to top.
	r, _ := todo.PopRegister()
	todo.AdmitRegister(&RegisterSearch{Register: "v0", Block: top, Index: 0, Origin: r.Origin, OriginRegister: r.OriginRegister})
	todo.Complete()

	r, _ = todo.PopRegister()
	key := EdgeKey{Source: "v0", Target: r.OriginRegister}
	def := tree.AddNode(ls[3], r.Origin, key)
	todo.Produced(def, key)
	todo.Complete()

	// A duplicate of join arriving after top produced is linked at once.
	todo.AdmitRegister(&RegisterSearch{Register: "v0", Block: join, Index: 2, Origin: c, OriginRegister: "v0"})

	if diff := cmp.Diff([]NodeID{a, b, c}, tree.Node(def).Predecessors()); diff != "" {
		t.Errorf("predecessors (-want +got):\n%s", diff)
	}
	if !todo.IsFinished() {
		t.Error("duplicates were queued")
	}
}
