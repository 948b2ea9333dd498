package summary

import (
	"github.com/o2lab/dexslice/program"
	"github.com/o2lab/dexslice/smali"
	log "github.com/sirupsen/logrus"
)

// FnSummary lists the lines of one method that other methods' searches
// need to find: call sites, field accesses, returns and literal loads.
type FnSummary struct {
	prog         *program.Program
	Method       *program.Method
	Invokes      []*program.CodeLine
	FieldPuts    map[string][]*program.CodeLine
	FieldGets    map[string][]*program.CodeLine
	Returns      []*program.CodeLine
	Literals     map[string][]*program.CodeLine
	NewInstances map[string][]*program.CodeLine
}

func NewFnSummary(prog *program.Program, m *program.Method) *FnSummary {
	return &FnSummary{
		prog:         prog,
		Method:       m,
		FieldPuts:    make(map[string][]*program.CodeLine),
		FieldGets:    make(map[string][]*program.CodeLine),
		Literals:     make(map[string][]*program.CodeLine),
		NewInstances: make(map[string][]*program.CodeLine),
	}
}

func (f *FnSummary) Summarize() {
	for _, block := range f.Method.Blocks {
		for _, line := range block.Lines {
			f.visitIns(line)
		}
	}
}

func (f *FnSummary) visitIns(line *program.CodeLine) {
	in := &line.Instr
	switch in.Kind {
	case smali.Invoke:
		f.Invokes = append(f.Invokes, line)
	case smali.InstancePut, smali.StaticPut:
		key := f.prog.FieldKey(in.Field)
		log.Debugf("put %s at %s", key, line)
		f.FieldPuts[key] = append(f.FieldPuts[key], line)
	case smali.InstanceGet, smali.StaticGet:
		key := f.prog.FieldKey(in.Field)
		f.FieldGets[key] = append(f.FieldGets[key], line)
	case smali.Return:
		if len(in.Regs) > 0 {
			f.Returns = append(f.Returns, line)
		}
	case smali.Const:
		f.visitConst(line)
	case smali.NewInstance:
		f.NewInstances[in.Type] = append(f.NewInstances[in.Type], line)
	}
}

func (f *FnSummary) visitConst(line *program.CodeLine) {
	if line.Instr.Literal == "" {
		return
	}
	value, err := smali.LiteralValue(line.Instr.Literal)
	if err != nil {
		log.Debugf("unparsed literal at %s: %v", line, err)
		return
	}
	f.Literals[value] = append(f.Literals[value], line)
}
