package smali

import "strings"

// Kind is the opcode family of a decoded line.
type Kind int

const (
	// Metadata, never executed.
	Directive Kind = iota
	Label
	Catch
	DataStart
	Data
	DataEnd

	// Executable instructions.
	Nop
	Move
	MoveResult
	MoveException
	Return
	Const
	Monitor
	CheckCast
	InstanceOf
	ArrayLength
	NewInstance
	NewArray
	FilledNewArray
	FillArrayData
	Throw
	Goto
	Switch
	If
	Compare
	ArrayGet
	ArrayPut
	InstanceGet
	InstancePut
	StaticGet
	StaticPut
	Invoke
	UnaryMath
	BinaryMath

	// Must be the last.
	NumKinds
)

var kindNames = [NumKinds]string{
	Directive:      "directive",
	Label:          "label",
	Catch:          "catch",
	DataStart:      "data-start",
	Data:           "data",
	DataEnd:        "data-end",
	Nop:            "nop",
	Move:           "move",
	MoveResult:     "move-result",
	MoveException:  "move-exception",
	Return:         "return",
	Const:          "const",
	Monitor:        "monitor",
	CheckCast:      "check-cast",
	InstanceOf:     "instance-of",
	ArrayLength:    "array-length",
	NewInstance:    "new-instance",
	NewArray:       "new-array",
	FilledNewArray: "filled-new-array",
	FillArrayData:  "fill-array-data",
	Throw:          "throw",
	Goto:           "goto",
	Switch:         "switch",
	If:             "if",
	Compare:        "compare",
	ArrayGet:       "array-get",
	ArrayPut:       "array-put",
	InstanceGet:    "instance-get",
	InstancePut:    "instance-put",
	StaticGet:      "static-get",
	StaticPut:      "static-put",
	Invoke:         "invoke",
	UnaryMath:      "unary-math",
	BinaryMath:     "binary-math",
}

func (k Kind) String() string {
	if k < 0 || k >= NumKinds {
		return "unknown"
	}
	return kindNames[k]
}

// Executable reports whether lines of this kind are executed by the VM.
func (k Kind) Executable() bool {
	return k >= Nop && k < NumKinds
}

// EndsBlock reports whether control never falls through to the next line.
func (k Kind) EndsBlock() bool {
	return k == Return || k == Throw || k == Goto
}

var binaryPrefixes = []string{
	"add-", "sub-", "rsub-", "mul-", "div-", "rem-",
	"and-", "or-", "xor-", "shl-", "shr-", "ushr-",
}

// classify maps an opcode mnemonic to its family. ok is false for mnemonics
// that are not Dalvik opcodes.
func classify(op string) (Kind, bool) {
	switch op {
	case "nop":
		return Nop, true
	case "move-exception":
		return MoveException, true
	case "monitor-enter", "monitor-exit":
		return Monitor, true
	case "check-cast":
		return CheckCast, true
	case "instance-of":
		return InstanceOf, true
	case "array-length":
		return ArrayLength, true
	case "new-instance":
		return NewInstance, true
	case "new-array":
		return NewArray, true
	case "filled-new-array", "filled-new-array/range":
		return FilledNewArray, true
	case "fill-array-data":
		return FillArrayData, true
	case "throw":
		return Throw, true
	case "goto", "goto/16", "goto/32":
		return Goto, true
	case "packed-switch", "sparse-switch":
		return Switch, true
	case "cmpl-float", "cmpg-float", "cmpl-double", "cmpg-double", "cmp-long":
		return Compare, true
	}
	switch {
	case strings.HasPrefix(op, "move-result"):
		return MoveResult, true
	case strings.HasPrefix(op, "move"):
		return Move, true
	case strings.HasPrefix(op, "return"):
		return Return, true
	case strings.HasPrefix(op, "const"):
		return Const, true
	case strings.HasPrefix(op, "if-"):
		return If, true
	case strings.HasPrefix(op, "aget"):
		return ArrayGet, true
	case strings.HasPrefix(op, "aput"):
		return ArrayPut, true
	case strings.HasPrefix(op, "iget"):
		return InstanceGet, true
	case strings.HasPrefix(op, "iput"):
		return InstancePut, true
	case strings.HasPrefix(op, "sget"):
		return StaticGet, true
	case strings.HasPrefix(op, "sput"):
		return StaticPut, true
	case strings.HasPrefix(op, "invoke-"):
		return Invoke, true
	case strings.HasPrefix(op, "neg-"), strings.HasPrefix(op, "not-"), strings.Contains(op, "-to-"):
		return UnaryMath, true
	}
	for _, prefix := range binaryPrefixes {
		if strings.HasPrefix(op, prefix) {
			return BinaryMath, true
		}
	}
	return Directive, false
}
