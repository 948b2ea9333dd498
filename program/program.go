package program

import (
	"fmt"
	"github.com/o2lab/dexslice/smali"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
	"sort"
	"strconv"
	"strings"
)

// ErrMethodNotFound is returned by lookups that match no method.
var ErrMethodNotFound = xerrors.New("method not found")

type AccessFlags uint32

const (
	Public AccessFlags = 1 << iota
	Private
	Protected
	Static
	Final
	Synchronized
	Volatile
	Bridge
	Transient
	Varargs
	Native
	Interface
	Abstract
	Strict
	Synthetic
	Annotation
	Enum
	Constructor
	DeclaredSynchronized
)

var flagNames = map[string]AccessFlags{
	"public":                Public,
	"private":               Private,
	"protected":             Protected,
	"static":                Static,
	"final":                 Final,
	"synchronized":          Synchronized,
	"volatile":              Volatile,
	"bridge":                Bridge,
	"transient":             Transient,
	"varargs":               Varargs,
	"native":                Native,
	"interface":             Interface,
	"abstract":              Abstract,
	"strictfp":              Strict,
	"synthetic":             Synthetic,
	"annotation":            Annotation,
	"enum":                  Enum,
	"constructor":           Constructor,
	"declared-synchronized": DeclaredSynchronized,
}

// parseFlags consumes leading access flag words and returns the rest.
func parseFlags(words []string) (AccessFlags, []string) {
	var flags AccessFlags
	for len(words) > 0 {
		f, ok := flagNames[words[0]]
		if !ok {
			break
		}
		flags |= f
		words = words[1:]
	}
	return flags, words
}

type Program struct {
	Classes    []*Class
	classes    map[string]*Class
	subclasses map[string][]*Class
}

// NewProgram indexes classes by name. Classes are sorted so that every
// traversal over the program is deterministic.
func NewProgram(classes []*Class) *Program {
	sort.SliceStable(classes, func(i, j int) bool { return classes[i].Name < classes[j].Name })
	p := &Program{
		classes:    make(map[string]*Class),
		subclasses: make(map[string][]*Class),
	}
	for _, c := range classes {
		if prev, ok := p.classes[c.Name]; ok {
			log.Warnf("Duplicate class %s in %s, keeping %s", c.Name, c.Path, prev.Path)
			continue
		}
		p.classes[c.Name] = c
		p.Classes = append(p.Classes, c)
	}
	for _, c := range p.Classes {
		if c.Super != "" {
			p.subclasses[c.Super] = append(p.subclasses[c.Super], c)
		}
		for _, iface := range c.Interfaces {
			p.subclasses[iface] = append(p.subclasses[iface], c)
		}
	}
	return p
}

func (p *Program) Class(name string) *Class {
	return p.classes[name]
}

// Methods returns every method of the program in class order.
func (p *Program) Methods() []*Method {
	var methods []*Method
	for _, c := range p.Classes {
		methods = append(methods, c.Methods...)
	}
	return methods
}

// Lookup finds the method declared by class with the given name and
// parameter descriptor string.
func (p *Program) Lookup(class, name, params string) (*Method, error) {
	if c := p.classes[class]; c != nil {
		if m := c.Method(name, params); m != nil {
			return m, nil
		}
	}
	return nil, xerrors.Errorf("%s->%s(%s): %w", class, name, params, ErrMethodNotFound)
}

// FindMethods matches methods by class ("" or "*" for any), name and
// parameter string ("" for any).
func (p *Program) FindMethods(class, name, params string) []*Method {
	var found []*Method
	match := func(c *Class) {
		for _, m := range c.Methods {
			if m.Name == name && (params == "" || m.ParamString() == params) {
				found = append(found, m)
			}
		}
	}
	if class == "" || class == "*" {
		for _, c := range p.Classes {
			match(c)
		}
	} else if c := p.classes[class]; c != nil {
		match(c)
	}
	return found
}

// ResolveMethod walks the superclass chain starting at ref.Class, as the
// VM does for virtual and static dispatch. It returns nil for methods
// declared outside the program.
func (p *Program) ResolveMethod(ref *smali.MethodRef) *Method {
	params := ref.ParamString()
	for c := p.classes[ref.Class]; c != nil; c = p.classes[c.Super] {
		if m := c.Method(ref.Name, params); m != nil {
			return m
		}
	}
	return nil
}

// ResolveField finds the declaration of ref in its class or a superclass.
func (p *Program) ResolveField(ref *smali.FieldRef) *Field {
	for c := p.classes[ref.Class]; c != nil; c = p.classes[c.Super] {
		if f := c.Field(ref.Name); f != nil {
			return f
		}
	}
	return nil
}

// FieldKey names the declaration a field reference resolves to, falling
// back to the reference itself for fields declared outside the program.
func (p *Program) FieldKey(ref *smali.FieldRef) string {
	if f := p.ResolveField(ref); f != nil {
		return f.Key()
	}
	return ref.Key()
}

// Subclasses returns all direct and transitive subclasses and
// implementors of name.
func (p *Program) Subclasses(name string) []*Class {
	var result []*Class
	seen := map[string]bool{name: true}
	queue := []string{name}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, sub := range p.subclasses[cur] {
			if seen[sub.Name] {
				continue
			}
			seen[sub.Name] = true
			result = append(result, sub)
			queue = append(queue, sub.Name)
		}
	}
	return result
}

// Supertypes returns the superclasses and interfaces of name that are part
// of the program, nearest first.
func (p *Program) Supertypes(name string) []*Class {
	var result []*Class
	seen := map[string]bool{name: true}
	queue := []string{name}
	for len(queue) > 0 {
		c := p.classes[queue[0]]
		queue = queue[1:]
		if c == nil {
			continue
		}
		for _, sup := range append([]string{c.Super}, c.Interfaces...) {
			if sup == "" || seen[sup] {
				continue
			}
			seen[sup] = true
			if sc := p.classes[sup]; sc != nil {
				result = append(result, sc)
			}
			queue = append(queue, sup)
		}
	}
	return result
}

// Implementations returns m and every override of m below its class.
func (p *Program) Implementations(m *Method) []*Method {
	impls := []*Method{m}
	if m.IsPrivate() || m.IsStatic() || m.IsConstructor() {
		return impls
	}
	for _, sub := range p.Subclasses(m.Class.Name) {
		if o := sub.Method(m.Name, m.ParamString()); o != nil {
			impls = append(impls, o)
		}
	}
	return impls
}

type Class struct {
	Name       string
	Super      string
	Interfaces []string
	Flags      AccessFlags
	Source     string
	Path       string
	Fields     []*Field
	Methods    []*Method
}

func (c *Class) String() string {
	return c.Name
}

func (c *Class) Method(name, params string) *Method {
	for _, m := range c.Methods {
		if m.Name == name && m.ParamString() == params {
			return m
		}
	}
	return nil
}

func (c *Class) Field(name string) *Field {
	for _, f := range c.Fields {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// Package returns the class name's package prefix, e.g. Lcom/a/.
func (c *Class) Package() string {
	if i := strings.LastIndex(c.Name, "/"); i >= 0 {
		return c.Name[:i+1]
	}
	return ""
}

type Field struct {
	Class *Class
	Name  string
	Type  string
	Flags AccessFlags
	// Value is the raw initial literal of the declaration, if any.
	Value string
	Decl  *CodeLine
}

func (f *Field) Key() string {
	return f.Class.Name + "->" + f.Name
}

func (f *Field) String() string {
	return f.Key() + ":" + f.Type
}

func (f *Field) IsStatic() bool { return f.Flags&Static != 0 }
func (f *Field) IsFinal() bool  { return f.Flags&Final != 0 }

type Method struct {
	Class  *Class
	Name   string
	Params []string
	Return string
	Flags  AccessFlags
	// Registers is the size of the register frame, parameters included.
	Registers int
	Lines     []*CodeLine
	Blocks    []*BasicBlock
	Tries     []*TryCatchBlock
	// HasUnlinkedBlocks is set when the entry DFS misses a block.
	HasUnlinkedBlocks bool
	// Err is set when the method body could not be decoded or its block
	// graph could not be built. Such methods are excluded from analysis.
	Err error
}

func (m *Method) ParamString() string {
	return strings.Join(m.Params, "")
}

// Signature identifies the method without its return type.
func (m *Method) Signature() string {
	return m.Class.Name + "->" + m.Name + "(" + m.ParamString() + ")"
}

func (m *Method) String() string {
	return m.Signature() + m.Return
}

func (m *Method) Ref() *smali.MethodRef {
	return &smali.MethodRef{Class: m.Class.Name, Name: m.Name, Params: m.Params, Return: m.Return}
}

func (m *Method) IsStatic() bool      { return m.Flags&Static != 0 }
func (m *Method) IsNative() bool      { return m.Flags&Native != 0 }
func (m *Method) IsPrivate() bool     { return m.Flags&Private != 0 }
func (m *Method) IsAbstract() bool    { return m.Flags&Abstract != 0 }
func (m *Method) IsConstructor() bool { return m.Flags&Constructor != 0 || m.Name == "<init>" }

// HasBody reports whether the method has an analyzable block graph.
func (m *Method) HasBody() bool {
	return m.Err == nil && len(m.Blocks) > 0
}

// ParamSlots is the number of registers taken by the receiver and the
// declared parameters.
func (m *Method) ParamSlots() int {
	n := 0
	if !m.IsStatic() {
		n = 1
	}
	for _, p := range m.Params {
		n += smali.SlotSize(p)
	}
	return n
}

// ParamRegister returns the p-register of declared parameter index, or of
// the receiver for index -1.
func (m *Method) ParamRegister(index int) (string, error) {
	slot := 0
	if !m.IsStatic() {
		if index == -1 {
			return "p0", nil
		}
		slot = 1
	} else if index == -1 {
		return "", xerrors.Errorf("%s: static method has no receiver", m)
	}
	if index < 0 || index >= len(m.Params) {
		return "", xerrors.Errorf("%s: parameter index %d out of range", m, index)
	}
	for i := 0; i < index; i++ {
		slot += smali.SlotSize(m.Params[i])
	}
	return "p" + strconv.Itoa(slot), nil
}

// ParamIndex maps a register to the declared parameter it holds on entry.
// The receiver is reported as -1.
func (m *Method) ParamIndex(reg string) (int, bool) {
	reg = m.Canonical(reg)
	if !strings.HasPrefix(reg, "p") {
		return 0, false
	}
	slot, err := strconv.Atoi(reg[1:])
	if err != nil {
		return 0, false
	}
	pos := 0
	if !m.IsStatic() {
		if slot == 0 {
			return -1, true
		}
		pos = 1
	}
	for i, p := range m.Params {
		size := smali.SlotSize(p)
		if slot >= pos && slot < pos+size {
			return i, true
		}
		pos += size
	}
	return 0, false
}

func (m *Method) IsParamRegister(reg string) bool {
	_, ok := m.ParamIndex(reg)
	return ok
}

// Canonical rewrites v-registers that alias parameter registers to their
// p-name, so that a register has a single spelling inside a method.
func (m *Method) Canonical(reg string) string {
	if m.Registers == 0 || !strings.HasPrefix(reg, "v") {
		return reg
	}
	n, err := strconv.Atoi(reg[1:])
	if err != nil {
		return reg
	}
	base := m.Registers - m.ParamSlots()
	if n >= base {
		return "p" + strconv.Itoa(n-base)
	}
	return reg
}

// CodeLine is one line of a method body. It is immutable once loaded,
// except for Block which the block builder sets.
type CodeLine struct {
	Method *Method
	Number int
	Index  int
	Text   string
	Instr  smali.Instruction
	Block  *BasicBlock
}

func (l *CodeLine) String() string {
	if l.Method == nil {
		return fmt.Sprintf("%d: %s", l.Number, l.Text)
	}
	return fmt.Sprintf("%s:%d: %s", l.Method, l.Number, l.Text)
}

// BlockIndex is the position of the line inside its block, or -1.
func (l *CodeLine) BlockIndex() int {
	if l.Block == nil {
		return -1
	}
	for i, bl := range l.Block.Lines {
		if bl == l {
			return i
		}
	}
	return -1
}

type BasicBlock struct {
	Method *Method
	Index  int
	// Label is the DFS visitation order from the entry block, -1 if the
	// block is unreachable.
	Label        int
	Lines        []*CodeLine
	Preds        []*BasicBlock
	Succs        []*BasicBlock
	HasReturn    bool
	HasThrow     bool
	HasGoto      bool
	HasDeadCode  bool
	IsTryBlock   bool
	IsCatchBlock bool
}

func (b *BasicBlock) String() string {
	return fmt.Sprintf("%s#%d", b.Method, b.Index)
}

// Equal reports whether both blocks hold the same lines.
func (b *BasicBlock) Equal(o *BasicBlock) bool {
	if len(b.Lines) != len(o.Lines) {
		return false
	}
	for i := range b.Lines {
		if b.Lines[i] != o.Lines[i] {
			return false
		}
	}
	return true
}

// LastExecutable returns the last executed line of the block.
func (b *BasicBlock) LastExecutable() *CodeLine {
	for i := len(b.Lines) - 1; i >= 0; i-- {
		if b.Lines[i].Instr.Kind.Executable() {
			return b.Lines[i]
		}
	}
	return nil
}

// Link is an edge between two lines, produced before blocks exist.
type Link struct {
	From, To *CodeLine
	// Exception is the handled type for try/catch edges, "*" for catchall.
	Exception string
	// TryFallthrough marks the edge bridging a try body to the code after
	// its handlers.
	TryFallthrough bool
}

type TryCatchBlock struct {
	Begin, End *CodeLine
	Handlers   []*CodeLine
	Types      []string
}

// Contains reports whether l lies inside the try range.
func (t *TryCatchBlock) Contains(l *CodeLine) bool {
	return l.Index >= t.Begin.Index && l.Index <= t.End.Index
}
