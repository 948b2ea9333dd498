package summary

import (
	"github.com/o2lab/dexslice/program"
	"github.com/o2lab/dexslice/smali"
)

// Index answers program-wide queries over all method summaries. Results
// are returned in program order.
type Index struct {
	prog         *program.Program
	summaries    map[*program.Method]*FnSummary
	order        []*FnSummary
	callSites    map[string][]*program.CodeLine // by callee name
	fieldPuts    map[string][]*program.CodeLine
	fieldGets    map[string][]*program.CodeLine
	literals     map[string][]*program.CodeLine
	newInstances map[string][]*program.CodeLine
}

func NewIndex(prog *program.Program) *Index {
	return &Index{
		prog:         prog,
		summaries:    make(map[*program.Method]*FnSummary),
		callSites:    make(map[string][]*program.CodeLine),
		fieldPuts:    make(map[string][]*program.CodeLine),
		fieldGets:    make(map[string][]*program.CodeLine),
		literals:     make(map[string][]*program.CodeLine),
		newInstances: make(map[string][]*program.CodeLine),
	}
}

func (x *Index) Program() *program.Program {
	return x.prog
}

func (x *Index) Add(s *FnSummary) {
	x.summaries[s.Method] = s
	x.order = append(x.order, s)
	for _, line := range s.Invokes {
		name := line.Instr.Method.Name
		x.callSites[name] = append(x.callSites[name], line)
	}
	merge(x.fieldPuts, s.FieldPuts)
	merge(x.fieldGets, s.FieldGets)
	merge(x.literals, s.Literals)
	merge(x.newInstances, s.NewInstances)
}

// merge keeps per-key insertion order, which follows program order.
func merge(dst, src map[string][]*program.CodeLine) {
	for k, lines := range src {
		dst[k] = append(dst[k], lines...)
	}
}

func (x *Index) Summary(m *program.Method) *FnSummary {
	return x.summaries[m]
}

func (x *Index) Summaries() []*FnSummary {
	return x.order
}

// IsAnalyzed reports whether m has a summary. Methods of excluded
// packages and broken methods are treated like library code.
func (x *Index) IsAnalyzed(m *program.Method) bool {
	_, ok := x.summaries[m]
	return ok
}

// Resolve returns the program method an invoke of ref dispatches to
// statically, or nil when the callee is library code. Native and abstract
// methods resolve even though they have no body.
func (x *Index) Resolve(ref *smali.MethodRef) *program.Method {
	m := x.prog.ResolveMethod(ref)
	switch {
	case m == nil:
		return nil
	case x.IsAnalyzed(m), m.IsNative(), m.IsAbstract():
		return m
	}
	return nil
}

// Implementations returns the analyzed bodies an invoke resolving to m
// may run.
func (x *Index) Implementations(m *program.Method) []*program.Method {
	var impls []*program.Method
	for _, impl := range x.prog.Implementations(m) {
		if x.IsAnalyzed(impl) {
			impls = append(impls, impl)
		}
	}
	return impls
}

// CallSites returns invokes whose written reference matches class ("" or
// "*" for any), name and params ("" for any).
func (x *Index) CallSites(class, name, params string) []*program.CodeLine {
	var sites []*program.CodeLine
	for _, line := range x.callSites[name] {
		ref := line.Instr.Method
		if class != "" && class != "*" && ref.Class != class {
			continue
		}
		if params != "" && ref.ParamString() != params {
			continue
		}
		sites = append(sites, line)
	}
	return sites
}

// CallSitesOf returns every invoke that may dispatch to m: calls written
// against its class, against subclasses inheriting it, and, for virtual
// methods, against supertypes declaring it.
func (x *Index) CallSitesOf(m *program.Method) []*program.CodeLine {
	var sites []*program.CodeLine
	seen := make(map[*program.CodeLine]bool)
	add := func(class string) {
		for _, line := range x.CallSites(class, m.Name, m.ParamString()) {
			if !seen[line] {
				seen[line] = true
				sites = append(sites, line)
			}
		}
	}
	add(m.Class.Name)
	if m.IsPrivate() || m.IsConstructor() {
		return sites
	}
	for _, sub := range x.prog.Subclasses(m.Class.Name) {
		if m.IsAbstract() {
			if sub.Method(m.Name, m.ParamString()) == nil {
				add(sub.Name)
			}
			continue
		}
		ref := &smali.MethodRef{Class: sub.Name, Name: m.Name, Params: m.Params, Return: m.Return}
		if x.prog.ResolveMethod(ref) == m {
			add(sub.Name)
		}
	}
	if !m.IsStatic() {
		for _, sup := range x.prog.Supertypes(m.Class.Name) {
			if sup.Method(m.Name, m.ParamString()) != nil {
				add(sup.Name)
			}
		}
	}
	return sites
}

// FieldWrites returns put sites of the field declaration key.
func (x *Index) FieldWrites(key string) []*program.CodeLine {
	return x.fieldPuts[key]
}

// FieldReads returns get sites of the field declaration key.
func (x *Index) FieldReads(key string) []*program.CodeLine {
	return x.fieldGets[key]
}

func (x *Index) Returns(m *program.Method) []*program.CodeLine {
	if s := x.summaries[m]; s != nil {
		return s.Returns
	}
	return nil
}

// LiteralSites returns const loads of the normalised literal value.
func (x *Index) LiteralSites(value string) []*program.CodeLine {
	return x.literals[value]
}

func (x *Index) NewInstanceSites(typ string) []*program.CodeLine {
	return x.newInstances[typ]
}
