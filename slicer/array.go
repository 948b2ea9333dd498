package slicer

import (
	"github.com/o2lab/dexslice/program"
	"github.com/o2lab/dexslice/smali"
	log "github.com/sirupsen/logrus"
	"golang.org/x/tools/container/intsets"
	"strings"
)

// arrayData turns a fill-array-data into one Array constant holding the
// whole element list.
func (s *search) arrayData(r *RegisterSearch, c *cursor, line *program.CodeLine) error {
	raw, err := payload(line.Method, line.Instr.Label)
	if err != nil {
		return newSyntaxError(line, "%v", err)
	}
	values := make([]string, len(raw))
	for i, v := range raw {
		if values[i], err = smali.LiteralValue(v); err != nil {
			return newSyntaxError(line, "array element %q: %v", v, err)
		}
	}
	s.constant(c, line, Array, "["+strings.Join(values, ", ")+"]", strings.Join(raw, " "), r.Fuzzy)
	return nil
}

// payload returns the raw entries of the data payload behind label.
func payload(m *program.Method, label string) ([]string, error) {
	start := -1
	for i, l := range m.Lines {
		if l.Instr.Kind == smali.Label && l.Instr.Label == label {
			start = i
			break
		}
	}
	if start < 0 {
		return nil, newLogicError(nil, "payload label %s not found in %s", label, m)
	}
	var entries []string
	open := false
	for _, l := range m.Lines[start+1:] {
		switch l.Instr.Kind {
		case smali.Label, smali.Directive:
			continue
		case smali.DataStart:
			open = true
		case smali.Data:
			if open {
				entries = append(entries, l.Instr.Literal)
			}
		case smali.DataEnd:
			return entries, nil
		default:
			return nil, newLogicError(l, "label %s does not point at a payload", label)
		}
	}
	return nil, newLogicError(nil, "unterminated payload %s in %s", label, m)
}

type arrayFrame struct {
	block *program.BasicBlock
	index int
	c     cursor
}

// arraySearchBackward looks for what populated the array held in c.reg:
// its allocation, element stores and literal data. The walk is bounded by
// ArraySearchDepth blocks and never enters a block twice.
func (s *search) arraySearchBackward(r *RegisterSearch, c *cursor, block *program.BasicBlock, index int) error {
	var visited intsets.Sparse
	work := []arrayFrame{{block: block, index: index, c: *c}}
	visited.Insert(block.Index)
	for len(work) > 0 {
		f := work[0]
		work = work[1:]
		done, err := s.arrayBlock(r, &f.c, f.block, f.index)
		if err != nil {
			return err
		}
		if done {
			continue
		}
		for _, pred := range f.block.Preds {
			if visited.Has(pred.Index) {
				continue
			}
			if visited.Len() >= s.opts.ArraySearchDepth {
				log.Debugf("Array search for %s stopped after %d blocks", f.c.reg, visited.Len())
				break
			}
			visited.Insert(pred.Index)
			work = append(work, arrayFrame{block: pred, index: len(pred.Lines) - 1, c: f.c})
		}
		if m := f.block.Method; f.block.Index == 0 && m.IsParamRegister(f.c.reg) {
			if err := s.paramSearch(r, &f.c, m); err != nil {
				return err
			}
		}
	}
	return nil
}

// arrayBlock scans one block in array mode. done reports that the array's
// origin was found on this path.
func (s *search) arrayBlock(r *RegisterSearch, c *cursor, block *program.BasicBlock, index int) (bool, error) {
	for i := index; i >= 0; i-- {
		line := block.Lines[i]
		in := &line.Instr
		if !in.Kind.Executable() {
			continue
		}
		defines := in.Result() == c.reg
		switch in.Kind {
		case smali.NewArray:
			if defines {
				s.constant(c, line, InternalOpcode, in.Type, in.Text, r.Fuzzy)
				return true, nil
			}
		case smali.FillArrayData:
			if in.Regs[0] == c.reg {
				return true, s.arrayData(r, c, line)
			}
		case smali.ArrayPut:
			if in.Regs[1] == c.reg {
				s.node(c, line, c.reg, c.reg)
				s.fork(r, c, in.Regs[0], block, i-1, r.Fuzzy)
			}
		case smali.Const:
			if !defines {
				continue
			}
			if smali.IsZero(in.Literal) {
				log.Debugf("Array %s nulled at %v", c.reg, line)
				return true, nil
			}
			return true, s.literal(r, c, line)
		case smali.Move:
			if defines {
				s.node(c, line, c.reg, in.Regs[1])
			}
		case smali.ArrayGet:
			if defines {
				// Row of a multi-dimensional array.
				s.node(c, line, c.reg, in.Regs[1])
			}
		case smali.StaticGet, smali.InstanceGet:
			if !defines {
				continue
			}
			s.node(c, line, c.reg, c.reg)
			class, name := fieldTracker(s.prog, in.Field)
			s.todo.AdmitArray(&ContentTracker{
				Class:          class,
				Identifier:     name,
				Line:           line,
				Fuzzy:          r.Fuzzy,
				FuzzyOffset:    r.FuzzyOffset,
				Path:           r.Path,
				Origin:         c.origin,
				OriginRegister: c.reg,
			})
			return true, nil
		case smali.MoveResult:
			if defines {
				s.fork(r, c, c.reg, block, i, r.Fuzzy)
				return true, nil
			}
		case smali.Invoke:
			if err := s.arrayInvoke(r, c, line, i); err != nil {
				return true, err
			}
		case smali.CheckCast:
		default:
			if defines {
				s.constant(c, line, InternalOpcode, in.Op, in.Text, r.Fuzzy)
				return true, nil
			}
		}
	}
	return false, nil
}

// arrayInvoke handles a call receiving the tracked array. Copies are
// followed to their source; library calls may fill the array.
func (s *search) arrayInvoke(r *RegisterSearch, c *cursor, line *program.CodeLine, i int) error {
	in := &line.Instr
	if !in.Uses(c.reg) {
		return nil
	}
	if s.pattern != nil && s.pattern.matches(line) {
		return nil
	}
	if rd, ok := s.opts.Redirects[in.Method.Signature()]; ok {
		if dst, _ := in.Arg(rd.Dst); dst == c.reg {
			src, err := in.Arg(rd.Src)
			if err != nil {
				return newSyntaxError(line, "%v", err)
			}
			s.node(c, line, c.reg, c.reg)
			s.fork(r, c, src, line.Block, i-1, r.Fuzzy)
			return nil
		}
	}
	args, err := in.Args()
	if err != nil {
		return newSyntaxError(line, "%v", err)
	}
	callee := s.index.Resolve(in.Method)
	for _, a := range args {
		if a.Index < 0 || a.Register != c.reg {
			continue
		}
		if callee != nil {
			return s.argumentStores(r, c, line, callee, a.Index)
		}
		s.constant(c, line, ExternalMethod, in.Method.String(), line.Text, r.Fuzzy+1)
		return nil
	}
	return nil
}

// argumentStores follows an array passed as parameter index of the call
// at line into every analyzed body the call may run, and tracks the
// values those bodies store into it.
func (s *search) argumentStores(r *RegisterSearch, c *cursor, line *program.CodeLine, callee *program.Method, index int) error {
	for _, impl := range s.index.Implementations(callee) {
		if !impl.HasBody() {
			continue
		}
		reg, err := impl.ParamRegister(index)
		if err != nil {
			return newLogicError(line, "%v", err)
		}
		log.Debugf("Array %s enters %s as %s", c.reg, impl, reg)
		if err := s.arrayStores(r, c, reg, line, impl.Blocks[0], 0); err != nil {
			return err
		}
	}
	return nil
}

// arraySearchForward follows an array loaded from a field at read and
// tracks every value stored into it.
func (s *search) arraySearchForward(r *RegisterSearch, c *ContentTracker, read *program.CodeLine) error {
	reg := read.Instr.Result()
	if reg == "" {
		return newLogicError(read, "array read without result")
	}
	cur := newCursor(reg, c.Origin, c.OriginRegister)
	s.node(cur, read, reg, reg)
	return s.arrayStores(r, cur, reg, nil, read.Block, read.BlockIndex()+1)
}

// arrayStores walks forward from index while reg holds the array and
// forks a backward search for every value stored into it. via is the call
// that handed the array to the walked body, if any; it joins the slice
// with the first store found. The walk is bounded by ArraySearchDepth
// blocks.
func (s *search) arrayStores(r *RegisterSearch, cur *cursor, reg string, via *program.CodeLine, block *program.BasicBlock, index int) error {
	enter := func() cursor {
		at := *cur
		if via != nil {
			s.node(&at, via, at.reg, at.reg)
		}
		return at
	}
	var visited intsets.Sparse
	type frame struct {
		block *program.BasicBlock
		index int
	}
	work := []frame{{block, index}}
	visited.Insert(block.Index)
	for len(work) > 0 {
		f := work[0]
		work = work[1:]
		overwritten := false
		for i := f.index; i < len(f.block.Lines) && !overwritten; i++ {
			line := f.block.Lines[i]
			in := &line.Instr
			switch {
			case in.Kind == smali.ArrayPut && in.Regs[1] == reg:
				at := enter()
				s.node(&at, line, reg, reg)
				s.fork(r, &at, in.Regs[0], f.block, i-1, r.Fuzzy)
			case in.Kind == smali.Invoke && in.Uses(reg):
				rd, ok := s.opts.Redirects[in.Method.Signature()]
				if !ok {
					break
				}
				if dst, _ := in.Arg(rd.Dst); dst == reg {
					src, err := in.Arg(rd.Src)
					if err != nil {
						return newSyntaxError(line, "%v", err)
					}
					at := enter()
					s.node(&at, line, reg, reg)
					s.fork(r, &at, src, f.block, i-1, r.Fuzzy)
				}
			case in.Result() == reg:
				overwritten = true
			}
		}
		if overwritten {
			continue
		}
		for _, succ := range f.block.Succs {
			if visited.Has(succ.Index) || visited.Len() >= s.opts.ArraySearchDepth {
				continue
			}
			visited.Insert(succ.Index)
			work = append(work, frame{succ, 0})
		}
	}
	return nil
}
