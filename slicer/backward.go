package slicer

import (
	"fmt"
	"github.com/o2lab/dexslice/program"
	"github.com/o2lab/dexslice/smali"
	"github.com/o2lab/dexslice/stats"
	log "github.com/sirupsen/logrus"
)

// Backward finds where the values reaching p come from. Every seed site
// gets its own search id, slice graph and outcome.
func (s *Slicer) Backward(p *BackwardPattern) *Criterion {
	cr := NewCriterion(p.String())
	seeds := s.backwardSeeds(p)
	log.Infof("Backward slicing %s from %d seeds", p, len(seeds))
	for _, seed := range seeds {
		stats.IncStat(stats.NSeeds)
		srch := s.newSearch(cr.newSearchID(), false, p)
		err := srch.seedBackward(p, seed)
		if err == nil {
			err = srch.run()
		}
		srch.finish(cr, err)
	}
	return cr
}

func (s *Slicer) backwardSeeds(p *BackwardPattern) []*program.CodeLine {
	if p.Start != nil {
		return []*program.CodeLine{p.Start}
	}
	if p.TrackReturn {
		var seeds []*program.CodeLine
		for _, m := range s.prog.FindMethods(p.Class, p.Method, p.Params) {
			seeds = append(seeds, s.index.Returns(m)...)
		}
		return seeds
	}
	return s.index.CallSites(p.Class, p.Method, p.Params)
}

func (s *search) seedBackward(p *BackwardPattern, seed *program.CodeLine) error {
	if seed.Block == nil {
		return newLogicError(seed, "seed outside of any block")
	}
	var reg string
	switch seed.Instr.Kind {
	case smali.Return:
		if len(seed.Instr.Regs) == 0 {
			return newLogicError(seed, "return without value")
		}
		reg = seed.Instr.Regs[0]
	case smali.Invoke:
		var err error
		if reg, err = seed.Instr.Arg(p.Param); err != nil {
			return newLogicError(seed, "parameter index %d: %v", p.Param, err)
		}
	default:
		return newLogicError(seed, "cannot seed at %s", seed.Instr.Kind)
	}
	start := s.tree.AddNode(seed, NoNode, EdgeKey{Source: reg, Target: reg})
	s.todo.AdmitRegister(&RegisterSearch{
		Register:       reg,
		Block:          seed.Block,
		Index:          seed.BlockIndex() - 1,
		Path:           []*program.BasicBlock{seed.Block},
		Origin:         start,
		OriginRegister: reg,
	})
	return nil
}

// backwardRegister walks r.Block from r.Index towards its first line,
// looking for the definition of the tracked register.
func (s *search) backwardRegister(r *RegisterSearch) error {
	c := newCursor(r.Register, r.Origin, r.OriginRegister)
	for i := r.Index; i >= 0; i-- {
		line := r.Block.Lines[i]
		done, err := s.backwardLine(r, c, line, i)
		if err != nil || done {
			return err
		}
	}
	return s.blockStart(r, c, r.Block)
}

// backwardLine handles one line. done reports that the current path ends.
func (s *search) backwardLine(r *RegisterSearch, c *cursor, line *program.CodeLine, i int) (bool, error) {
	in := &line.Instr
	defines := in.Result() == c.reg
	switch in.Kind {
	case smali.Directive, smali.Label, smali.Catch, smali.DataStart, smali.Data, smali.DataEnd:
		return false, nil

	case smali.Nop, smali.Monitor, smali.Throw, smali.Goto, smali.Switch, smali.If,
		smali.CheckCast, smali.FilledNewArray, smali.InstancePut, smali.StaticPut:
		return false, nil

	case smali.Return:
		b := r.Block
		if b.IsTryBlock && len(b.Preds) == 1 && b.Preds[0].IsCatchBlock {
			return false, nil
		}
		return true, newLogicError(line, "return inside block %d", b.Index)

	case smali.Move, smali.UnaryMath:
		if defines {
			s.node(c, line, c.reg, in.Regs[1])
		}
		return false, nil

	case smali.MoveResult:
		if !defines {
			return false, nil
		}
		return true, s.moveResult(r, c, line)

	case smali.MoveException:
		if defines {
			s.constant(c, line, InternalOpcode, in.Op, in.Text, r.Fuzzy)
		}
		return defines, nil

	case smali.Const:
		if !defines {
			return false, nil
		}
		return true, s.literal(r, c, line)

	case smali.NewInstance, smali.NewArray:
		if defines {
			s.constant(c, line, InternalOpcode, in.Type, in.Text, r.Fuzzy)
		}
		return defines, nil

	case smali.InstanceOf, smali.ArrayLength, smali.Compare:
		if defines {
			s.constant(c, line, InternalOpcode, in.Op, in.Text, r.Fuzzy)
		}
		return defines, nil

	case smali.FillArrayData:
		if in.Regs[0] != c.reg {
			return false, nil
		}
		return true, s.arrayData(r, c, line)

	case smali.ArrayGet:
		if !defines {
			return false, nil
		}
		s.node(c, line, c.reg, in.Regs[1])
		return true, s.arraySearchBackward(r, c, r.Block, i-1)

	case smali.ArrayPut:
		if in.Regs[1] == c.reg {
			s.node(c, line, c.reg, c.reg)
			s.fork(r, c, in.Regs[0], r.Block, i-1, r.Fuzzy)
		}
		return false, nil

	case smali.InstanceGet, smali.StaticGet:
		if !defines {
			return false, nil
		}
		class, name := fieldTracker(s.prog, in.Field)
		s.node(c, line, c.reg, c.reg)
		if class+"->"+name == r.Field {
			log.Debugf("Field %s read back while tracking its own stores at %v", r.Field, line)
			return true, nil
		}
		s.todo.AdmitField(&ContentTracker{
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

	case smali.Invoke:
		return false, s.backwardInvoke(r, c, line, i)

	case smali.BinaryMath:
		if !defines {
			return false, nil
		}
		srcs := in.Sources()
		node := s.node(c, line, c.reg, srcs[0])
		if in.IsLiteralMath() {
			if value, err := smali.LiteralValue(in.Literal); err == nil {
				s.record(line, MathOpcodeConstant, value, in.Literal, r.Fuzzy, node)
			} else {
				return true, newSyntaxError(line, "math literal %q: %v", in.Literal, err)
			}
		}
		for _, src := range srcs[1:] {
			if src != srcs[0] {
				s.fork(r, c, src, r.Block, i-1, r.Fuzzy)
			}
		}
		return false, nil
	}
	return true, newLogicError(line, "unexpected %s", in.Kind)
}

// literal turns a constant load into a Constant.
func (s *search) literal(r *RegisterSearch, c *cursor, line *program.CodeLine) error {
	in := &line.Instr
	if in.Op == "const-class" {
		s.constant(c, line, InternalOpcode, in.Type, in.Text, r.Fuzzy)
		return nil
	}
	value, err := smali.LiteralValue(in.Literal)
	if err != nil {
		return newSyntaxError(line, "literal %q: %v", in.Literal, err)
	}
	kind := LocalAnonymousConstant
	if hasLocal(line, c.reg) {
		kind = LocalVariable
	}
	s.constant(c, line, kind, value, in.Literal, r.Fuzzy)
	return nil
}

// hasLocal reports whether a .local declaration names reg between line and
// the next executable line.
func hasLocal(line *program.CodeLine, reg string) bool {
	lines := line.Method.Lines
	for i := line.Index + 1; i < len(lines); i++ {
		in := &lines[i].Instr
		if in.Kind.Executable() {
			return false
		}
		if in.Op == ".local" && in.Local == reg {
			return true
		}
	}
	return false
}

// moveResult resolves the producer of a move-result: an invoke or a
// filled-new-array.
func (s *search) moveResult(r *RegisterSearch, c *cursor, line *program.CodeLine) error {
	prev := previousExecutable(line)
	if prev == nil {
		return newLogicError(line, "move-result without producer")
	}
	in := &prev.Instr
	switch in.Kind {
	case smali.FilledNewArray:
		s.node(c, prev, c.reg, c.reg)
		literal := true
		for _, reg := range in.Regs {
			if !definedByLiteral(prev, reg) {
				literal = false
			}
			s.fork(r, c, reg, prev.Block, prev.BlockIndex()-1, r.Fuzzy)
		}
		if !literal {
			s.record(prev, InternalOpcode, in.Type, in.Text, r.Fuzzy, c.origin)
		}
		return nil
	case smali.Invoke:
		return s.callResult(r, c, prev)
	}
	return newLogicError(line, "move-result after %s", in.Kind)
}

// definedByLiteral reports whether reg was last set by a constant load in
// the block of line.
func definedByLiteral(line *program.CodeLine, reg string) bool {
	b := line.Block
	for i := line.BlockIndex() - 1; i >= 0; i-- {
		in := &b.Lines[i].Instr
		if in.Result() == reg {
			return in.Kind == smali.Const
		}
	}
	return false
}

// callResult follows the value returned by the invoke at line.
func (s *search) callResult(r *RegisterSearch, c *cursor, line *program.CodeLine) error {
	ref := line.Instr.Method
	callee := s.index.Resolve(ref)
	switch {
	case callee != nil && callee.IsNative():
		s.constant(c, line, NativeMethod, callee.String(), line.Text, r.Fuzzy)
		return nil
	case callee != nil:
		s.node(c, line, c.reg, c.reg)
		offset := r.FuzzyOffset
		if floor := s.opts.MaxFuzzy - 3; offset < floor {
			offset = floor
		}
		s.todo.AdmitReturn(&ContentTracker{
			Class:          callee.Class.Name,
			Identifier:     methodID(callee),
			Line:           line,
			Fuzzy:          r.Fuzzy,
			FuzzyOffset:    offset,
			Path:           r.Path,
			Origin:         c.origin,
			OriginRegister: c.reg,
		})
		return nil
	}
	s.constant(c, line, ExternalMethod, ref.String(), line.Text, r.Fuzzy)
	return s.externalArgs(r, c, line, "")
}

// externalArgs tracks the arguments of a library call one fuzzy level
// deeper. skip names a register that is already being tracked.
func (s *search) externalArgs(r *RegisterSearch, c *cursor, line *program.CodeLine, skip string) error {
	in := &line.Instr
	args, err := in.Args()
	if err != nil {
		return newSyntaxError(line, "%v", err)
	}
	m := line.Method
	sig := in.Method.Signature()
	for _, a := range args {
		if a.Register == skip {
			continue
		}
		if a.Index == -1 && a.Register == "p0" && !m.IsStatic() {
			continue
		}
		if s.opts.whitelisted(sig, a.Index) {
			log.Debugf("Not tracking whitelisted argument %d of %s", a.Index, sig)
			continue
		}
		s.fork(r, c, a.Register, line.Block, line.BlockIndex()-1, r.Fuzzy+1)
	}
	return nil
}

// backwardInvoke handles a call that is not the producer of the tracked
// value but may still change it.
func (s *search) backwardInvoke(r *RegisterSearch, c *cursor, line *program.CodeLine, i int) error {
	in := &line.Instr
	if !in.Uses(c.reg) {
		return nil
	}
	if s.pattern != nil && s.pattern.matches(line) {
		return nil
	}
	args, err := in.Args()
	if err != nil {
		return newSyntaxError(line, "%v", err)
	}
	sig := in.Method.Signature()
	if rd, ok := s.opts.Redirects[sig]; ok {
		if dst, _ := in.Arg(rd.Dst); dst == c.reg {
			src, err := in.Arg(rd.Src)
			if err != nil {
				return newSyntaxError(line, "%v", err)
			}
			s.node(c, line, c.reg, c.reg)
			s.fork(r, c, src, r.Block, i-1, r.Fuzzy)
			return nil
		}
	}
	if !in.IsStaticInvoke() && args[0].Register == c.reg {
		s.node(c, line, c.reg, c.reg)
		return s.externalArgs(r, c, line, c.reg)
	}
	callee := s.index.Resolve(in.Method)
	for _, a := range args {
		if a.Register != c.reg || a.Index < 0 || !isArrayType(a.Type) {
			continue
		}
		if callee != nil {
			return s.argumentStores(r, c, line, callee, a.Index)
		}
		// A library call may fill an array it is given.
		s.constant(c, line, ExternalMethod, in.Method.String(), line.Text, r.Fuzzy+1)
		return nil
	}
	return nil
}

func isArrayType(typ string) bool {
	return len(typ) > 0 && typ[0] == '['
}

// blockStart continues a search that reached the top of block.
func (s *search) blockStart(r *RegisterSearch, c *cursor, block *program.BasicBlock) error {
	for _, pred := range block.Preds {
		s.todo.AdmitRegister(&RegisterSearch{
			Register:       c.reg,
			Field:          r.Field,
			Block:          pred,
			Index:          len(pred.Lines) - 1,
			Fuzzy:          r.Fuzzy,
			FuzzyOffset:    r.FuzzyOffset,
			Path:           r.extend(pred),
			Origin:         c.origin,
			OriginRegister: c.originReg,
		})
	}
	if block.Index != 0 {
		return nil
	}
	m := block.Method
	if !m.IsParamRegister(c.reg) {
		if len(block.Preds) == 0 {
			log.Debugf("Register %s undefined at entry of %s", c.reg, m)
		}
		return nil
	}
	return s.paramSearch(r, c, m)
}

// paramSearch continues at every call site of m with the argument that
// fills the tracked parameter register.
func (s *search) paramSearch(r *RegisterSearch, c *cursor, m *program.Method) error {
	index, _ := m.ParamIndex(c.reg)
	sites := s.index.CallSitesOf(m)
	if len(sites) == 0 {
		entry := m.Blocks[0].Lines[0]
		s.constant(c, entry, UncalledMethod, fmt.Sprintf("%s param %d", m, index), m.String(), r.Fuzzy)
		return nil
	}
	for _, site := range sites {
		reg, err := site.Instr.Arg(index)
		if err != nil {
			return newLogicError(site, "parameter %d of %s: %v", index, m, err)
		}
		key := EdgeKey{Source: reg, Target: c.originReg}
		node := s.tree.AddNode(site, c.origin, key)
		if c.direct {
			s.todo.Produced(node, key)
		}
		s.todo.AdmitRegister(&RegisterSearch{
			Register:       reg,
			Field:          r.Field,
			Block:          site.Block,
			Index:          site.BlockIndex() - 1,
			Fuzzy:          r.Fuzzy,
			FuzzyOffset:    r.FuzzyOffset,
			Path:           []*program.BasicBlock{site.Block},
			Origin:         node,
			OriginRegister: reg,
		})
	}
	return nil
}
