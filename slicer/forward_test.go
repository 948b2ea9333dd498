package slicer

import (
	"github.com/google/go-cmp/cmp"
	"github.com/o2lab/dexslice/summary"
	"testing"
)

func TestForwardLiteral(t *testing.T) {
	index := loadIndex(t, "forward.txtar")
	cr := NewSlicer(index, DefaultOptions()).Forward(&ForwardPattern{Literal: "hunter2"})

	if len(cr.Errors) != 0 {
		t.Fatalf("errors: %v", cr.Errors)
	}
	want := []found{
		{"external-method-result", "Ljava/lang/String;->getBytes()[B", 0},
		{"external-method-result", "Ljavax/crypto/spec/SecretKeySpec;-><init>([BLjava/lang/String;)V", 1},
	}
	if diff := cmp.Diff(want, summarize(cr.AllConstants(), false)); diff != "" {
		t.Errorf("constants (-want +got):\n%s", diff)
	}

	tree := cr.Trees[0]
	if err := tree.Check(); err != nil {
		t.Fatal(err)
	}
	load := index.Program().FindMethods("Lcom/example/Keys;", "load", "")
	if len(load) != 1 {
		t.Fatalf("found %d load methods", len(load))
	}
	// The field read and the return of the stored value.
	if got := len(tree.NodesOf(load[0])); got != 2 {
		t.Errorf("load has %d slice nodes, want 2", got)
	}
}

func TestForwardObjectType(t *testing.T) {
	index := loadIndex(t, "forward.txtar")
	cr := NewSlicer(index, DefaultOptions()).Forward(&ForwardPattern{ObjectType: "Ljavax/crypto/spec/SecretKeySpec;"})

	want := []found{
		{"external-method-result", "Ljavax/crypto/spec/SecretKeySpec;-><init>([BLjava/lang/String;)V", 0},
	}
	if diff := cmp.Diff(want, summarize(cr.AllConstants(), false)); diff != "" {
		t.Errorf("constants (-want +got):\n%s", diff)
	}
	if ids := cr.Aborted(); len(ids) != 0 {
		t.Errorf("aborted searches: %v", ids)
	}
}

func TestForwardNoSeeds(t *testing.T) {
	index := loadIndex(t, "forward.txtar")
	cr := NewSlicer(index, DefaultOptions()).Forward(&ForwardPattern{Literal: "nothing"})
	if len(cr.SearchIDs()) != 0 {
		t.Errorf("searches = %v", cr.SearchIDs())
	}
}

func forward(t *testing.T, index *summary.Index, opts Options, p *ForwardPattern) *Criterion {
	t.Helper()
	cr := NewSlicer(index, opts).Forward(p)
	if len(cr.Errors) != 0 {
		t.Fatalf("errors: %v", cr.Errors)
	}
	if len(cr.SearchIDs()) != 1 {
		t.Fatalf("searches = %v, want one", cr.SearchIDs())
	}
	if err := cr.Trees[0].Check(); err != nil {
		t.Fatal(err)
	}
	return cr
}

func assertSliced(t *testing.T, index *summary.Index, tree *SliceTree, method string, prefixes ...string) {
	t.Helper()
	for _, prefix := range prefixes {
		if _, ok := tree.Lookup(lineOf(t, index, "Lcom/example/Paths;", method, prefix)); !ok {
			t.Errorf("%s: %q is not part of the slice", method, prefix)
		}
	}
}

const getInstanceRef = "Ljavax/crypto/Cipher;->getInstance(Ljava/lang/String;)Ljavax/crypto/Cipher;"

func TestForwardArrayField(t *testing.T) {
	index := loadIndex(t, "paths.txtar")
	cr := forward(t, index, DefaultOptions(), &ForwardPattern{Literal: "tableval"})

	want := []found{{"external-method-result", getInstanceRef, 0}}
	if diff := cmp.Diff(want, summarize(cr.AllConstants(), false)); diff != "" {
		t.Errorf("constants (-want +got):\n%s", diff)
	}
	tree := cr.Trees[0]
	assertSliced(t, index, tree, "store", "aput-object")
	assertSliced(t, index, tree, "readTable", "sget-object", "aget-object")
}

func TestForwardArrayCopy(t *testing.T) {
	index := loadIndex(t, "paths.txtar")
	cr := forward(t, index, DefaultOptions(), &ForwardPattern{
		Class:  "Ljava/security/SecureRandom;",
		Method: "generateSeed",
		Params: "I",
	})

	want := []found{{"external-method-result", "Ljavax/crypto/spec/IvParameterSpec;-><init>([B)V", 0}}
	if diff := cmp.Diff(want, summarize(cr.AllConstants(), false)); diff != "" {
		t.Errorf("constants (-want +got):\n%s", diff)
	}
	tree := cr.Trees[0]
	// The call is the seed, its result the first step.
	if got := tree.Node(tree.Start()).Line; got != lineOf(t, index, "Lcom/example/Paths;", "copy", "invoke-virtual") {
		t.Errorf("slice starts at %v", got)
	}
	assertSliced(t, index, tree, "copy", "move-result-object", "invoke-static")
}

func TestForwardFilledNewArray(t *testing.T) {
	index := loadIndex(t, "paths.txtar")
	cr := forward(t, index, DefaultOptions(), &ForwardPattern{Literal: "wrapped"})

	want := []found{{"external-method-result", "Ljava/util/Arrays;->asList([Ljava/lang/Object;)Ljava/util/List;", 0}}
	if diff := cmp.Diff(want, summarize(cr.AllConstants(), false)); diff != "" {
		t.Errorf("constants (-want +got):\n%s", diff)
	}
	assertSliced(t, index, cr.Trees[0], "wrap", "filled-new-array")
}

func TestForwardReturnValue(t *testing.T) {
	index := loadIndex(t, "paths.txtar")
	cr := forward(t, index, DefaultOptions(), &ForwardPattern{Literal: "returned"})

	want := []found{{"external-method-result", getInstanceRef, 0}}
	if diff := cmp.Diff(want, summarize(cr.AllConstants(), false)); diff != "" {
		t.Errorf("constants (-want +got):\n%s", diff)
	}
	tree := cr.Trees[0]
	assertSliced(t, index, tree, "secret", "return-object")
	assertSliced(t, index, tree, "caller", "invoke-static {}", "move-result-object")

	opts := DefaultOptions()
	opts.TrackForwardReturns = false
	cr = forward(t, index, opts, &ForwardPattern{Literal: "returned"})
	if cs := cr.AllConstants(); len(cs) != 0 {
		t.Errorf("constants without return tracking: %v", cs)
	}
	caller := index.Program().FindMethods("Lcom/example/Paths;", "caller", "")[0]
	if n := cr.Trees[0].NodesOf(caller); len(n) != 0 {
		t.Errorf("caller has slice nodes %v", n)
	}
}
