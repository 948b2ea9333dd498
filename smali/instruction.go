package smali

import (
	"golang.org/x/xerrors"
	"strings"
)

// FieldRef is a field reference as written in get/put opcodes and
// .field directives: Lcom/a/B;->name:Type
type FieldRef struct {
	Class string
	Name  string
	Type  string
}

func (f *FieldRef) String() string {
	return f.Class + "->" + f.Name + ":" + f.Type
}

// Key identifies the field independent of its type.
func (f *FieldRef) Key() string {
	return f.Class + "->" + f.Name
}

// MethodRef is a method reference: Lcom/a/B;->name(params)Ret
type MethodRef struct {
	Class  string
	Name   string
	Params []string
	Return string
}

// ParamString returns the parameter descriptors concatenated as they appear
// between the parentheses.
func (m *MethodRef) ParamString() string {
	return strings.Join(m.Params, "")
}

// Signature identifies the method without its return type.
func (m *MethodRef) Signature() string {
	return m.Class + "->" + m.Name + "(" + m.ParamString() + ")"
}

func (m *MethodRef) String() string {
	return m.Signature() + m.Return
}

// CatchRange is the operand of a .catch or .catchall directive.
type CatchRange struct {
	Type    string // empty for .catchall
	Start   string
	End     string
	Handler string
}

// Instruction is one decoded smali line.
type Instruction struct {
	Op      string
	Kind    Kind
	Regs    []string
	Label   string
	Literal string
	Type    string
	Field   *FieldRef
	Method  *MethodRef
	Catch   *CatchRange
	Local   string
	Text    string
}

func (in *Instruction) String() string {
	return in.Text
}

// IsWide reports whether the opcode operates on register pairs.
func (in *Instruction) IsWide() bool {
	return strings.Contains(in.Op, "-wide")
}

// IsStaticInvoke reports whether an invoke passes no receiver.
func (in *Instruction) IsStaticInvoke() bool {
	return in.Kind == Invoke && strings.HasPrefix(in.Op, "invoke-static")
}

// IsLiteralMath reports whether a binary math opcode carries an immediate.
func (in *Instruction) IsLiteralMath() bool {
	return in.Kind == BinaryMath && strings.Contains(in.Op, "/lit")
}

// Result returns the register defined by the instruction, or "".
func (in *Instruction) Result() string {
	switch in.Kind {
	case Move, MoveResult, MoveException, Const, InstanceOf, ArrayLength,
		NewInstance, NewArray, Compare, ArrayGet, InstanceGet, StaticGet,
		UnaryMath, BinaryMath:
		if len(in.Regs) > 0 {
			return in.Regs[0]
		}
	}
	return ""
}

// Sources returns the registers whose values flow into Result.
func (in *Instruction) Sources() []string {
	switch in.Kind {
	case Move, UnaryMath, InstanceOf, ArrayLength:
		return in.Regs[1:2]
	case Compare:
		return in.Regs[1:3]
	case ArrayGet:
		return in.Regs[1:2]
	case BinaryMath:
		switch {
		case in.IsLiteralMath():
			return in.Regs[1:2]
		case strings.HasSuffix(in.Op, "/2addr"):
			return in.Regs[0:2]
		default:
			return in.Regs[1:3]
		}
	}
	return nil
}

// Uses reports whether reg is read by the instruction.
func (in *Instruction) Uses(reg string) bool {
	switch in.Kind {
	case Return, Monitor, CheckCast, FillArrayData, Throw, Switch, If,
		FilledNewArray, Invoke, ArrayPut, InstancePut, StaticPut:
		return contains(in.Regs, reg)
	case InstanceGet:
		return len(in.Regs) > 1 && in.Regs[1] == reg
	case ArrayGet:
		return in.Regs[1] == reg || in.Regs[2] == reg
	case NewArray:
		return len(in.Regs) > 1 && in.Regs[1] == reg
	}
	return contains(in.Sources(), reg)
}

// Arg is one actual argument of an invoke.
type Arg struct {
	Index    int // declared parameter index, -1 for the receiver
	Register string
	Type     string
}

// Args maps the invoke registers onto the callee's parameters. Wide
// parameters consume two registers; only the first is reported.
func (in *Instruction) Args() ([]Arg, error) {
	if in.Kind != Invoke || in.Method == nil {
		return nil, xerrors.Errorf("%q is not an invoke", in.Text)
	}
	var args []Arg
	pos := 0
	if !in.IsStaticInvoke() {
		if len(in.Regs) == 0 {
			return nil, xerrors.Errorf("%q: missing receiver", in.Text)
		}
		args = append(args, Arg{Index: -1, Register: in.Regs[0], Type: in.Method.Class})
		pos = 1
	}
	for i, typ := range in.Method.Params {
		if pos >= len(in.Regs) {
			return nil, xerrors.Errorf("%q: %d registers for %d parameters", in.Text, len(in.Regs), len(in.Method.Params))
		}
		args = append(args, Arg{Index: i, Register: in.Regs[pos], Type: typ})
		pos += SlotSize(typ)
	}
	return args, nil
}

// Arg returns the register carrying declared parameter index (-1 for the
// receiver).
func (in *Instruction) Arg(index int) (string, error) {
	args, err := in.Args()
	if err != nil {
		return "", err
	}
	for _, a := range args {
		if a.Index == index {
			return a.Register, nil
		}
	}
	return "", xerrors.Errorf("%q has no argument %d", in.Text, index)
}

// SlotSize is the number of registers a value of typ occupies.
func SlotSize(typ string) int {
	if IsWideType(typ) {
		return 2
	}
	return 1
}

// IsWideType reports whether typ is long or double.
func IsWideType(typ string) bool {
	return typ == "J" || typ == "D"
}

func contains(regs []string, reg string) bool {
	for _, r := range regs {
		if r == reg {
			return true
		}
	}
	return false
}
