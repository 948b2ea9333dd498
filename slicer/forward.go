package slicer

import (
	"github.com/o2lab/dexslice/program"
	"github.com/o2lab/dexslice/smali"
	"github.com/o2lab/dexslice/stats"
	log "github.com/sirupsen/logrus"
)

// forwardSeed is a line defining reg, which is tracked from the line
// after from.
type forwardSeed struct {
	line *program.CodeLine
	from *program.CodeLine
	reg  string
}

// Forward finds where the values created at p's seed sites go.
func (s *Slicer) Forward(p *ForwardPattern) *Criterion {
	cr := NewCriterion(p.String())
	seeds := s.forwardSeeds(p)
	log.Infof("Forward slicing %s from %d seeds", p, len(seeds))
	for _, seed := range seeds {
		stats.IncStat(stats.NSeeds)
		srch := s.newSearch(cr.newSearchID(), true, nil)
		srch.seedForward(seed)
		srch.finish(cr, srch.run())
	}
	return cr
}

func (s *Slicer) forwardSeeds(p *ForwardPattern) []forwardSeed {
	var seeds []forwardSeed
	switch {
	case p.ObjectType != "":
		for _, line := range s.index.NewInstanceSites(p.ObjectType) {
			seeds = append(seeds, forwardSeed{line: line, from: line, reg: line.Instr.Regs[0]})
		}
	case p.Method != "":
		for _, line := range s.index.CallSites(p.Class, p.Method, p.Params) {
			next := nextExecutable(line)
			if next == nil || next.Instr.Kind != smali.MoveResult {
				log.Debugf("Result of %v is not used", line)
				continue
			}
			seeds = append(seeds, forwardSeed{line: line, from: next, reg: next.Instr.Regs[0]})
		}
	default:
		for _, line := range s.index.LiteralSites(p.Literal) {
			seeds = append(seeds, forwardSeed{line: line, from: line, reg: line.Instr.Regs[0]})
		}
	}
	return seeds
}

func (s *search) seedForward(seed forwardSeed) {
	key := EdgeKey{Source: seed.reg, Target: seed.reg}
	origin := s.tree.AddNode(seed.line, NoNode, key)
	if seed.from != seed.line {
		origin = s.tree.AddNode(seed.from, origin, key)
	}
	s.todo.AdmitRegister(&RegisterSearch{
		Register:       seed.reg,
		Block:          seed.from.Block,
		Index:          seed.from.BlockIndex() + 1,
		Path:           []*program.BasicBlock{seed.from.Block},
		Origin:         origin,
		OriginRegister: seed.reg,
	})
}

// forwardRegister walks r.Block from r.Index to its end, following the
// uses of the tracked register, then continues in every successor.
func (s *search) forwardRegister(r *RegisterSearch) error {
	c := newCursor(r.Register, r.Origin, r.OriginRegister)
	for i := r.Index; i < len(r.Block.Lines); i++ {
		done, err := s.forwardLine(r, c, r.Block.Lines[i], i)
		if err != nil || done {
			return err
		}
	}
	for _, succ := range r.Block.Succs {
		s.todo.AdmitRegister(&RegisterSearch{
			Register:       c.reg,
			Field:          r.Field,
			Block:          succ,
			Index:          0,
			Fuzzy:          r.Fuzzy,
			FuzzyOffset:    r.FuzzyOffset,
			Path:           r.extend(succ),
			Origin:         c.origin,
			OriginRegister: c.originReg,
		})
	}
	return nil
}

// forwardLine handles one line. done reports that the tracked register
// no longer holds the value.
func (s *search) forwardLine(r *RegisterSearch, c *cursor, line *program.CodeLine, i int) (bool, error) {
	in := &line.Instr
	if !in.Kind.Executable() {
		return false, nil
	}
	if in.Uses(c.reg) {
		switch in.Kind {
		case smali.Move, smali.UnaryMath, smali.BinaryMath, smali.ArrayGet, smali.Compare,
			smali.InstanceOf, smali.ArrayLength, smali.InstanceGet:
			res := in.Result()
			at := *c
			s.node(&at, line, c.reg, res)
			s.fork(r, &at, res, r.Block, i+1, r.Fuzzy)
		case smali.ArrayPut:
			if in.Regs[0] != c.reg {
				break
			}
			at := *c
			s.node(&at, line, c.reg, in.Regs[1])
			if class, name, ok := arrayField(s.prog, line, in.Regs[1]); ok {
				s.todo.AdmitArray(&ContentTracker{
					Class:          class,
					Identifier:     name,
					Line:           line,
					Fuzzy:          r.Fuzzy,
					FuzzyOffset:    r.FuzzyOffset,
					Path:           r.Path,
					Origin:         at.origin,
					OriginRegister: in.Regs[1],
				})
				break
			}
			s.fork(r, &at, in.Regs[1], r.Block, i+1, r.Fuzzy)
		case smali.InstancePut, smali.StaticPut:
			if in.Regs[0] != c.reg {
				break
			}
			at := *c
			s.node(&at, line, c.reg, c.reg)
			class, name := fieldTracker(s.prog, in.Field)
			s.todo.AdmitField(&ContentTracker{
				Class:          class,
				Identifier:     name,
				Line:           line,
				Fuzzy:          r.Fuzzy,
				FuzzyOffset:    r.FuzzyOffset,
				Path:           r.Path,
				Origin:         at.origin,
				OriginRegister: c.reg,
			})
		case smali.FilledNewArray:
			at := *c
			s.node(&at, line, c.reg, c.reg)
			if next := nextExecutable(line); next != nil && next.Instr.Kind == smali.MoveResult {
				s.fork(r, &at, next.Instr.Regs[0], next.Block, next.BlockIndex()+1, r.Fuzzy)
			}
		case smali.Return:
			s.node(c, line, c.reg, c.reg)
			if s.opts.TrackForwardReturns {
				m := line.Method
				s.todo.AdmitReturn(&ContentTracker{
					Class:          m.Class.Name,
					Identifier:     methodID(m),
					Line:           line,
					Fuzzy:          r.Fuzzy,
					FuzzyOffset:    r.FuzzyOffset,
					Path:           r.Path,
					Origin:         c.origin,
					OriginRegister: c.reg,
				})
			}
			return true, nil
		case smali.Invoke:
			if err := s.forwardInvoke(r, c, line, i); err != nil {
				return true, err
			}
		}
	}
	return in.Result() == c.reg, nil
}

// forwardInvoke follows the tracked register into a call: into the
// callee's parameter register when the callee is analyzed, otherwise to
// the call result one fuzzy level deeper.
func (s *search) forwardInvoke(r *RegisterSearch, c *cursor, line *program.CodeLine, i int) error {
	in := &line.Instr
	if rd, ok := s.opts.Redirects[in.Method.Signature()]; ok {
		if src, _ := in.Arg(rd.Src); src == c.reg {
			dst, err := in.Arg(rd.Dst)
			if err != nil {
				return newSyntaxError(line, "%v", err)
			}
			at := *c
			s.node(&at, line, c.reg, dst)
			s.fork(r, &at, dst, r.Block, i+1, r.Fuzzy)
			return nil
		}
	}
	args, err := in.Args()
	if err != nil {
		return newSyntaxError(line, "%v", err)
	}
	callee := s.index.Resolve(in.Method)
	if callee != nil && !callee.IsNative() {
		at := *c
		s.node(&at, line, c.reg, c.reg)
		for _, impl := range s.index.Implementations(callee) {
			if !impl.HasBody() {
				continue
			}
			for _, a := range args {
				if a.Register != c.reg {
					continue
				}
				reg, err := impl.ParamRegister(a.Index)
				if err != nil {
					return newLogicError(line, "%v", err)
				}
				entry := impl.Blocks[0]
				s.todo.AdmitRegister(&RegisterSearch{
					Register:       reg,
					Field:          r.Field,
					Block:          entry,
					Index:          0,
					Fuzzy:          r.Fuzzy,
					FuzzyOffset:    r.FuzzyOffset,
					Path:           []*program.BasicBlock{entry},
					Origin:         at.origin,
					OriginRegister: reg,
				})
			}
		}
		return nil
	}
	kind := ExternalMethod
	if callee != nil {
		kind = NativeMethod
	}
	at := *c
	s.constant(&at, line, kind, in.Method.String(), line.Text, r.Fuzzy)
	if next := nextExecutable(line); next != nil && next.Instr.Kind == smali.MoveResult {
		s.fork(r, &at, next.Instr.Regs[0], next.Block, next.BlockIndex()+1, r.Fuzzy+1)
	}
	return nil
}

// arrayField reports the field an array register was loaded from, if the
// load is in the same block before line.
func arrayField(prog *program.Program, line *program.CodeLine, reg string) (class, name string, ok bool) {
	b := line.Block
	for i := line.BlockIndex() - 1; i >= 0; i-- {
		in := &b.Lines[i].Instr
		if in.Result() != reg {
			continue
		}
		if (in.Kind == smali.StaticGet || in.Kind == smali.InstanceGet) && in.Field != nil {
			class, name = fieldTracker(prog, in.Field)
			return class, name, true
		}
		return "", "", false
	}
	return "", "", false
}

// forwardFieldSearch continues at every read of the field.
func (s *search) forwardFieldSearch(c *ContentTracker) error {
	key := c.key()
	for _, read := range s.index.FieldReads(key) {
		reg := read.Instr.Result()
		rc := newCursor(reg, c.Origin, c.OriginRegister)
		s.node(rc, read, reg, reg)
		s.todo.AdmitRegister(&RegisterSearch{
			Register:       reg,
			Field:          key,
			Block:          read.Block,
			Index:          read.BlockIndex() + 1,
			Fuzzy:          c.Fuzzy,
			FuzzyOffset:    c.FuzzyOffset,
			Path:           []*program.BasicBlock{read.Block},
			Origin:         rc.origin,
			OriginRegister: reg,
		})
	}
	return nil
}

// forwardReturnSearch continues at the callers that keep the result.
func (s *search) forwardReturnSearch(c *ContentTracker) error {
	m := s.trackedMethod(c)
	if m == nil {
		return nil
	}
	for _, site := range s.index.CallSitesOf(m) {
		next := nextExecutable(site)
		if next == nil || next.Instr.Kind != smali.MoveResult {
			continue
		}
		reg := next.Instr.Regs[0]
		rc := newCursor(reg, c.Origin, c.OriginRegister)
		s.node(rc, site, reg, reg)
		s.node(rc, next, reg, reg)
		s.todo.AdmitRegister(&RegisterSearch{
			Register:       reg,
			Block:          next.Block,
			Index:          next.BlockIndex() + 1,
			Fuzzy:          c.Fuzzy,
			FuzzyOffset:    c.FuzzyOffset,
			Path:           []*program.BasicBlock{next.Block},
			Origin:         rc.origin,
			OriginRegister: reg,
		})
	}
	return nil
}
