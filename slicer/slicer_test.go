package slicer

import (
	"context"
	"github.com/google/go-cmp/cmp"
	"github.com/o2lab/dexslice/preprocessor"
	"github.com/o2lab/dexslice/program"
	"github.com/o2lab/dexslice/smali"
	"github.com/o2lab/dexslice/summary"
	"github.com/rogpeppe/go-internal/txtar"
	"golang.org/x/xerrors"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
)

func loadIndex(t *testing.T, name string) *summary.Index {
	t.Helper()
	ar, err := txtar.ParseFile(filepath.Join("testdata", name))
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	for _, f := range ar.Files {
		path := filepath.Join(dir, filepath.FromSlash(f.Name))
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatal(err)
		}
		if err := ioutil.WriteFile(path, f.Data, 0644); err != nil {
			t.Fatal(err)
		}
	}
	prog, err := program.LoadDir(context.Background(), dir)
	if err != nil {
		t.Fatal(err)
	}
	index, err := preprocessor.NewPreprocessor(prog, nil).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return index
}

// callSite returns the first invoke of callee inside class->method.
func callSite(t *testing.T, index *summary.Index, class, method, callee string) *program.CodeLine {
	t.Helper()
	ms := index.Program().FindMethods(class, method, "")
	if len(ms) != 1 {
		t.Fatalf("%s->%s: found %d methods", class, method, len(ms))
	}
	for _, l := range ms[0].Lines {
		if l.Instr.Kind == smali.Invoke && l.Instr.Method.Name == callee {
			return l
		}
	}
	t.Fatalf("no call of %s in %s->%s", callee, class, method)
	return nil
}

func getInstance(start *program.CodeLine) *BackwardPattern {
	return &BackwardPattern{
		Class:  "Ljavax/crypto/Cipher;",
		Method: "getInstance",
		Params: "Ljava/lang/String;",
		Param:  0,
		Start:  start,
	}
}

func keySpec(start *program.CodeLine) *BackwardPattern {
	return &BackwardPattern{
		Class:  "Ljavax/crypto/spec/SecretKeySpec;",
		Method: "<init>",
		Params: "[BLjava/lang/String;",
		Param:  0,
		Start:  start,
	}
}

type found struct {
	Kind  string
	Value string
	Fuzzy int
}

func summarize(cs []*Constant, literalOnly bool) []found {
	var out []found
	for _, c := range cs {
		if literalOnly && !c.Kind.IsLiteral() {
			continue
		}
		out = append(out, found{c.Kind.String(), c.Value, c.Fuzzy})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Value < out[j].Value })
	return out
}

func backward(t *testing.T, index *summary.Index, opts Options, p *BackwardPattern) *Criterion {
	t.Helper()
	cr := NewSlicer(index, opts).Backward(p)
	for _, id := range cr.SearchIDs() {
		if err := cr.Trees[id].Check(); err != nil {
			t.Errorf("search %d: %v", id, err)
		}
	}
	return cr
}

func TestBackwardLiteral(t *testing.T) {
	index := loadIndex(t, "crypto.txtar")
	cr := backward(t, index, DefaultOptions(), getInstance(callSite(t, index, "Lcom/example/Crypto;", "literal", "getInstance")))

	want := []found{{"local-anonymous-constant", "AES", 0}}
	if diff := cmp.Diff(want, summarize(cr.AllConstants(), false)); diff != "" {
		t.Errorf("constants (-want +got):\n%s", diff)
	}
	if got := cr.Outcomes[0]; got.Status != Completed {
		t.Errorf("outcome = %+v", got)
	}
}

func TestBackwardLocalVariable(t *testing.T) {
	index := loadIndex(t, "crypto.txtar")
	cr := backward(t, index, DefaultOptions(), getInstance(callSite(t, index, "Lcom/example/Crypto;", "named", "getInstance")))

	want := []found{{"local-variable", "DES", 0}}
	if diff := cmp.Diff(want, summarize(cr.AllConstants(), false)); diff != "" {
		t.Errorf("constants (-want +got):\n%s", diff)
	}
}

func TestBackwardConcatenation(t *testing.T) {
	index := loadIndex(t, "crypto.txtar")
	cr := backward(t, index, DefaultOptions(), getInstance(callSite(t, index, "Lcom/example/Crypto;", "concat", "getInstance")))

	got := summarize(cr.AllConstants(), true)
	if len(got) != 2 {
		t.Fatalf("literal constants = %+v, want 2", got)
	}
	if got[0].Value != "/CBC/PKCS5Padding" || got[0].Fuzzy < 1 {
		t.Errorf("appended literal = %+v, want fuzzy level >= 1", got[0])
	}
	if want := (found{"local-anonymous-constant", "AES", 0}); got[1] != want {
		t.Errorf("base literal = %+v, want %+v", got[1], want)
	}

	var external bool
	for _, c := range cr.AllConstants() {
		if c.Kind == ExternalMethod && strings.Contains(c.Value, "StringBuilder;->append") {
			external = true
		}
	}
	if !external {
		t.Error("StringBuilder.append is not reported as external method result")
	}
}

func TestBackwardFillArrayData(t *testing.T) {
	index := loadIndex(t, "crypto.txtar")
	cr := backward(t, index, DefaultOptions(), keySpec(callSite(t, index, "Lcom/example/Crypto;", "arrayKey", "<init>")))

	want := []found{{"array", "[1, 2, 3, 4]", 0}}
	if diff := cmp.Diff(want, summarize(cr.AllConstants(), false)); diff != "" {
		t.Errorf("constants (-want +got):\n%s", diff)
	}
}

func TestBackwardStaticFinalField(t *testing.T) {
	index := loadIndex(t, "crypto.txtar")
	cr := backward(t, index, DefaultOptions(), keySpec(callSite(t, index, "Lcom/example/Crypto;", "fieldKey", "<init>")))

	want := []found{{"field-constant", "0123456789abcdef", 1}}
	if diff := cmp.Diff(want, summarize(cr.AllConstants(), true)); diff != "" {
		t.Errorf("literal constants (-want +got):\n%s", diff)
	}
}

func TestBackwardUncalledMethod(t *testing.T) {
	index := loadIndex(t, "crypto.txtar")
	cr := backward(t, index, DefaultOptions(), getInstance(callSite(t, index, "Lcom/example/Crypto;", "encrypt", "getInstance")))

	cs := cr.AllConstants()
	if len(cs) != 1 || cs[0].Kind != UncalledMethod {
		t.Fatalf("constants = %v, want one uncalled-method", cs)
	}
	if !strings.Contains(cs[0].Value, "encrypt(Ljava/lang/String;)") || !strings.HasSuffix(cs[0].Value, "param 0") {
		t.Errorf("value = %q", cs[0].Value)
	}
}

func TestBackwardMathLiteral(t *testing.T) {
	index := loadIndex(t, "crypto.txtar")
	p := &BackwardPattern{
		Class:  "Ljava/lang/Integer;",
		Method: "valueOf",
		Param:  0,
		Start:  callSite(t, index, "Lcom/example/Crypto;", "shifted", "valueOf"),
	}
	cr := backward(t, index, DefaultOptions(), p)

	want := []found{
		{"math-opcode-constant", "16", 0},
		{"uncalled-method", "Lcom/example/Crypto;->shifted(I)I param 0", 0},
	}
	if diff := cmp.Diff(want, summarize(cr.AllConstants(), false)); diff != "" {
		t.Errorf("constants (-want +got):\n%s", diff)
	}
}

func TestBackwardFieldAndReturn(t *testing.T) {
	index := loadIndex(t, "crypto.txtar")
	cr := backward(t, index, DefaultOptions(), getInstance(callSite(t, index, "Lcom/example/Provider;", "cipher", "getInstance")))

	want := []found{
		{"local-anonymous-constant", "AES/", 1},
		{"local-anonymous-constant", "ECB", 1},
	}
	if diff := cmp.Diff(want, summarize(cr.AllConstants(), true)); diff != "" {
		t.Errorf("literal constants (-want +got):\n%s", diff)
	}
}

func TestBackwardRecursionTerminates(t *testing.T) {
	index := loadIndex(t, "crypto.txtar")
	cr := backward(t, index, DefaultOptions(), getInstance(callSite(t, index, "Lcom/example/Loop;", "pong", "getInstance")))

	if got := cr.Outcomes[0]; got.Status != Completed {
		t.Fatalf("outcome = %+v", got)
	}
	want := []found{{"local-anonymous-constant", "RC4", 0}}
	if diff := cmp.Diff(want, summarize(cr.AllConstants(), false)); diff != "" {
		t.Errorf("constants (-want +got):\n%s", diff)
	}
}

func TestBackwardAllCallSites(t *testing.T) {
	index := loadIndex(t, "crypto.txtar")
	cr := backward(t, index, DefaultOptions(), getInstance(nil))

	// literal, named, concat, encrypt, pong, cipher
	if got := len(cr.SearchIDs()); got != 6 {
		t.Fatalf("%d searches, want 6", got)
	}
	if len(cr.Errors) != 0 || len(cr.Aborted()) != 0 {
		t.Errorf("errors = %v, aborted = %v", cr.Errors, cr.Aborted())
	}
	for _, id := range cr.SearchIDs() {
		for _, c := range cr.Constants[id] {
			if c.SearchID != id {
				t.Errorf("constant %v filed under search %d", c, id)
			}
		}
	}
}

func TestBackwardLimits(t *testing.T) {
	index := loadIndex(t, "crypto.txtar")
	start := callSite(t, index, "Lcom/example/Crypto;", "concat", "getInstance")

	opts := DefaultOptions()
	opts.MaxIterations = 2
	cr := backward(t, index, opts, getInstance(start))
	if got := cr.Outcomes[0]; got.Status != Aborted || !strings.Contains(got.Reason, "iteration") {
		t.Errorf("outcome = %+v, want aborted on iterations", got)
	}
	if len(cr.Errors) != 0 {
		t.Errorf("limits are not errors: %v", cr.Errors)
	}

	opts = DefaultOptions()
	opts.MaxCompletedSearches = 1
	cr = backward(t, index, opts, getInstance(start))
	if got := cr.Outcomes[0]; got.Status != Aborted || !strings.Contains(got.Reason, "completed search") {
		t.Errorf("outcome = %+v, want aborted on completed searches", got)
	}
}

func TestBackwardFuzzyCeiling(t *testing.T) {
	index := loadIndex(t, "crypto.txtar")
	opts := DefaultOptions()
	opts.MaxFuzzy = 0
	cr := backward(t, index, opts, getInstance(callSite(t, index, "Lcom/example/Crypto;", "concat", "getInstance")))

	for _, c := range cr.AllConstants() {
		if c.Fuzzy > 0 {
			t.Errorf("constant %v above the fuzzy ceiling", c)
		}
	}
	want := []found{{"local-anonymous-constant", "AES", 0}}
	if diff := cmp.Diff(want, summarize(cr.AllConstants(), true)); diff != "" {
		t.Errorf("literal constants (-want +got):\n%s", diff)
	}
}

func TestBackwardBadParameter(t *testing.T) {
	index := loadIndex(t, "crypto.txtar")
	p := getInstance(callSite(t, index, "Lcom/example/Crypto;", "literal", "getInstance"))
	p.Param = 3
	cr := backward(t, index, DefaultOptions(), p)

	if len(cr.Errors) != 1 {
		t.Fatalf("errors = %v", cr.Errors)
	}
	var logic *LogicError
	if !xerrors.As(cr.Errors[0], &logic) {
		t.Errorf("error %v is not a LogicError", cr.Errors[0])
	}
	if cr.Outcomes[0].Status != Aborted {
		t.Errorf("outcome = %+v", cr.Outcomes[0])
	}
}

type treeShape struct {
	Lines  []string
	Preds  map[string][]string
	Consts []found
}

func shape(cr *Criterion, id int) treeShape {
	tree := cr.Trees[id]
	s := treeShape{Preds: make(map[string][]string)}
	for _, n := range tree.Nodes() {
		s.Lines = append(s.Lines, n.Line.String())
		for _, p := range n.Predecessors() {
			s.Preds[n.Line.String()] = append(s.Preds[n.Line.String()], tree.Node(p).Line.String())
		}
	}
	sort.Strings(s.Lines)
	for _, preds := range s.Preds {
		sort.Strings(preds)
	}
	s.Consts = summarize(cr.Constants[id], false)
	return s
}

func TestBackwardDeterministic(t *testing.T) {
	index := loadIndex(t, "crypto.txtar")
	for _, method := range []string{"concat", "fieldKey"} {
		callee := "getInstance"
		p := getInstance
		if method == "fieldKey" {
			callee, p = "<init>", keySpec
		}
		start := callSite(t, index, "Lcom/example/Crypto;", method, callee)
		first := backward(t, index, DefaultOptions(), p(start))
		second := backward(t, index, DefaultOptions(), p(start))
		if diff := cmp.Diff(shape(first, 0), shape(second, 0)); diff != "" {
			t.Errorf("%s: second run differs (-first +second):\n%s", method, diff)
		}
	}
}

func TestBackwardTrackReturn(t *testing.T) {
	index := loadIndex(t, "crypto.txtar")
	p := &BackwardPattern{
		Class:       "Lcom/example/Provider;",
		Method:      "algorithm",
		TrackReturn: true,
	}
	cr := backward(t, index, DefaultOptions(), p)

	want := []found{{"local-anonymous-constant", "AES/", 0}}
	if diff := cmp.Diff(want, summarize(cr.AllConstants(), false)); diff != "" {
		t.Errorf("constants (-want +got):\n%s", diff)
	}
}

// lineOf returns the first line of class->method whose text starts with
// prefix.
func lineOf(t *testing.T, index *summary.Index, class, method, prefix string) *program.CodeLine {
	t.Helper()
	ms := index.Program().FindMethods(class, method, "")
	if len(ms) != 1 {
		t.Fatalf("%s->%s: found %d methods", class, method, len(ms))
	}
	for _, l := range ms[0].Lines {
		if strings.HasPrefix(strings.TrimSpace(l.Text), prefix) {
			return l
		}
	}
	t.Fatalf("no %q in %s->%s", prefix, class, method)
	return nil
}

// dangling returns the intermediate nodes that no other node continues
// from.
func dangling(tree *SliceTree) []*SliceNode {
	referenced := make(map[NodeID]bool)
	for _, n := range tree.Nodes() {
		for _, p := range n.Predecessors() {
			referenced[p] = true
		}
	}
	var out []*SliceNode
	for _, n := range tree.Nodes() {
		if !n.IsTerminal() && !referenced[n.ID] {
			out = append(out, n)
		}
	}
	return out
}

func TestBackwardArrayFilledByCallee(t *testing.T) {
	index := loadIndex(t, "helpers.txtar")
	cr := backward(t, index, DefaultOptions(), keySpec(callSite(t, index, "Lcom/example/Fill;", "key", "<init>")))

	want := []found{
		{"local-anonymous-constant", "66", 0},
		{"internal-opcode", "[B", 0},
	}
	if diff := cmp.Diff(want, summarize(cr.AllConstants(), false)); diff != "" {
		t.Errorf("constants (-want +got):\n%s", diff)
	}
	tree := cr.Trees[0]
	store := lineOf(t, index, "Lcom/example/Fill;", "fill", "aput-byte")
	id, ok := tree.Lookup(store)
	if !ok {
		t.Fatal("store in the callee is not part of the slice")
	}
	call := lineOf(t, index, "Lcom/example/Fill;", "key", "invoke-static")
	if preds := tree.Node(id).Predecessors(); len(preds) != 1 || tree.Node(preds[0]).Line != call {
		t.Errorf("store is not reached through the call: %v", preds)
	}
	if n := dangling(tree); len(n) != 0 {
		t.Errorf("dangling nodes: %v", n)
	}
}

func TestBackwardArrayLibraryFill(t *testing.T) {
	index := loadIndex(t, "helpers.txtar")
	cr := backward(t, index, DefaultOptions(), keySpec(callSite(t, index, "Lcom/example/Fill;", "libraryKey", "<init>")))

	want := []found{
		{"external-method-result", "Lcom/example/Ext;->fill([B)V", 1},
		{"internal-opcode", "[B", 0},
	}
	if diff := cmp.Diff(want, summarize(cr.AllConstants(), false)); diff != "" {
		t.Errorf("constants (-want +got):\n%s", diff)
	}
}

func TestBackwardArrayModeFilledByCallee(t *testing.T) {
	index := loadIndex(t, "helpers.txtar")
	p := &BackwardPattern{
		Class:  "Ljava/lang/Integer;",
		Method: "valueOf",
		Params: "I",
		Param:  0,
		Start:  callSite(t, index, "Lcom/example/Fill;", "first", "valueOf"),
	}
	cr := backward(t, index, DefaultOptions(), p)

	want := []found{
		{"local-anonymous-constant", "66", 0},
		{"internal-opcode", "[B", 0},
	}
	if diff := cmp.Diff(want, summarize(cr.AllConstants(), false)); diff != "" {
		t.Errorf("constants (-want +got):\n%s", diff)
	}
}

func TestBackwardSharedPassThroughBlock(t *testing.T) {
	index := loadIndex(t, "helpers.txtar")
	cr := backward(t, index, DefaultOptions(), getInstance(callSite(t, index, "Lcom/example/Branches;", "shared", "getInstance")))

	want := []found{{"local-anonymous-constant", "AES", 0}}
	if diff := cmp.Diff(want, summarize(cr.AllConstants(), false)); diff != "" {
		t.Errorf("constants (-want +got):\n%s", diff)
	}
	tree := cr.Trees[0]
	id, ok := tree.Lookup(lineOf(t, index, "Lcom/example/Branches;", "shared", "const-string"))
	if !ok {
		t.Fatal("literal is not part of the slice")
	}
	// Both branches copy the literal; each copy continues from it.
	preds := tree.Node(id).Predecessors()
	if len(preds) != 2 {
		t.Fatalf("literal has predecessors %v, want both moves", preds)
	}
	for _, p := range preds {
		if k := tree.Node(p).Line.Instr.Kind; k != smali.Move {
			t.Errorf("predecessor %v is a %s", tree.Node(p), k)
		}
	}
	if n := dangling(tree); len(n) != 0 {
		t.Errorf("dangling nodes: %v", n)
	}
}

func TestBackwardExternalField(t *testing.T) {
	index := loadIndex(t, "helpers.txtar")
	cr := backward(t, index, DefaultOptions(), getInstance(callSite(t, index, "Lcom/example/Framework;", "cipher", "getInstance")))

	want := []found{{"field-constant", "Lcom/example/Ext;->ALG", 0}}
	if diff := cmp.Diff(want, summarize(cr.AllConstants(), false)); diff != "" {
		t.Fatalf("constants (-want +got):\n%s", diff)
	}
	// The constant is kept on the read, which ends the path.
	tree := cr.Trees[0]
	id, ok := tree.Lookup(lineOf(t, index, "Lcom/example/Framework;", "cipher", "sget-object"))
	if !ok {
		t.Fatal("field read is not part of the slice")
	}
	if c := cr.Constants[0][0]; c.Node != id || tree.Node(id).IsTerminal() {
		t.Errorf("constant node = %d, read node = %d (terminal %v)", c.Node, id, tree.Node(id).IsTerminal())
	}
}
