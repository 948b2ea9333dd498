package slicer

import (
	"fmt"
	"github.com/o2lab/dexslice/program"
	"sort"
)

type ConstantKind int

const (
	// Array is a literal element list from fill-array-data.
	Array ConstantKind = iota
	ExternalMethod
	FieldConstant
	InternalOpcode
	LocalAnonymousConstant
	LocalVariable
	NativeMethod
	MathOpcodeConstant
	UncalledMethod
)

var constantKindNames = []string{
	Array:                  "array",
	ExternalMethod:         "external-method-result",
	FieldConstant:          "field-constant",
	InternalOpcode:         "internal-opcode",
	LocalAnonymousConstant: "local-anonymous-constant",
	LocalVariable:          "local-variable",
	NativeMethod:           "native-method-result",
	MathOpcodeConstant:     "math-opcode-constant",
	UncalledMethod:         "uncalled-method",
}

func (k ConstantKind) String() string {
	if int(k) < len(constantKindNames) {
		return constantKindNames[k]
	}
	return fmt.Sprintf("ConstantKind(%d)", int(k))
}

// IsLiteral reports whether the constant is a value written in the
// program rather than a placeholder for an unknown one.
func (k ConstantKind) IsLiteral() bool {
	switch k {
	case Array, FieldConstant, LocalAnonymousConstant, LocalVariable, MathOpcodeConstant:
		return true
	}
	return false
}

// Constant is a terminal value of a slice.
type Constant struct {
	Kind     ConstantKind
	Value    string
	Raw      string
	Fuzzy    int
	SearchID int
	Line     *program.CodeLine
	Node     NodeID
}

func (c *Constant) String() string {
	return fmt.Sprintf("%s %q (fuzzy %d) at %v", c.Kind, c.Value, c.Fuzzy, c.Line)
}

// constantSet holds the constants of one search. Constants are identified
// by their line; the lowest fuzzy level wins.
type constantSet struct {
	byLine map[*program.CodeLine]*Constant
	order  []*Constant
}

func newConstantSet() *constantSet {
	return &constantSet{byLine: make(map[*program.CodeLine]*Constant)}
}

// add returns the stored constant and whether c was new.
func (s *constantSet) add(c *Constant) (*Constant, bool) {
	if prev, ok := s.byLine[c.Line]; ok {
		if c.Fuzzy < prev.Fuzzy {
			prev.Fuzzy = c.Fuzzy
		}
		return prev, false
	}
	s.byLine[c.Line] = c
	s.order = append(s.order, c)
	return c, true
}

func (s *constantSet) list() []*Constant {
	return s.order
}

// SortConstants orders constants by method, line and kind.
func SortConstants(cs []*Constant) {
	sort.SliceStable(cs, func(i, j int) bool {
		a, b := cs[i], cs[j]
		if a.SearchID != b.SearchID {
			return a.SearchID < b.SearchID
		}
		if ka, kb := lineKey(a.Line), lineKey(b.Line); ka != kb {
			return ka < kb
		}
		return a.Kind < b.Kind
	})
}

func lineKey(l *program.CodeLine) string {
	if l.Method == nil {
		return fmt.Sprintf("~%08d", l.Number)
	}
	return fmt.Sprintf("%s:%08d", l.Method, l.Number)
}
