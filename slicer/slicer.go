package slicer

import (
	"fmt"
	"github.com/o2lab/dexslice/program"
	"github.com/o2lab/dexslice/smali"
	"github.com/o2lab/dexslice/stats"
	"github.com/o2lab/dexslice/summary"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
	"strings"
)

// Slicer evaluates slicing patterns over a preprocessed program. It only
// reads the program and the index, so one Slicer may serve any number of
// queries, also concurrently.
type Slicer struct {
	prog  *program.Program
	index *summary.Index
	opts  Options
}

func NewSlicer(index *summary.Index, opts Options) *Slicer {
	return &Slicer{
		prog:  index.Program(),
		index: index,
		opts:  opts,
	}
}

func (s *Slicer) Options() Options {
	return s.opts
}

// search is the state of one seed: its slice graph, worklist and
// constants. Nothing in it outlives the seed.
type search struct {
	*Slicer
	id         int
	forward    bool
	pattern    *BackwardPattern
	tree       *SliceTree
	todo       *TodoList
	constants  *constantSet
	iterations int
}

func (s *Slicer) newSearch(id int, forward bool, pattern *BackwardPattern) *search {
	tree := NewSliceTree(id)
	return &search{
		Slicer:    s,
		id:        id,
		forward:   forward,
		pattern:   pattern,
		tree:      tree,
		todo:      NewTodoList(tree, s.opts.MaxFuzzy),
		constants: newConstantSet(),
	}
}

// cursor follows one value inside a work item. origin is the last node
// emitted for the value and originReg the register it was tracked in
// there.
type cursor struct {
	reg       string
	origin    NodeID
	originReg string
	// direct is set until the item emits its first node.
	direct bool
}

func newCursor(reg string, origin NodeID, originReg string) *cursor {
	return &cursor{reg: reg, origin: origin, originReg: originReg, direct: true}
}

// node adds line to the slice as the next step of c. source is the
// register the value is known as at line; the cursor moves on with reg.
func (s *search) node(c *cursor, line *program.CodeLine, source, reg string) NodeID {
	key := EdgeKey{Source: source, Target: c.originReg}
	id := s.tree.AddNode(line, c.origin, key)
	if c.direct {
		s.todo.Produced(id, key)
		c.direct = false
	}
	c.origin, c.originReg, c.reg = id, reg, reg
	return id
}

// constant records a terminal value for the register c tracks. Work
// forked from c afterwards hangs below the constant.
func (s *search) constant(c *cursor, line *program.CodeLine, kind ConstantKind, value, raw string, fuzzy int) NodeID {
	k, isNew := s.constants.add(&Constant{
		Kind:     kind,
		Value:    value,
		Raw:      raw,
		Fuzzy:    fuzzy,
		SearchID: s.id,
		Line:     line,
	})
	id := s.tree.AddConstant(line, c.origin, c.reg, c.originReg, k)
	if isNew {
		k.Node = id
		stats.IncStat(stats.NConstants)
		log.Debugf("Search %d: %v", s.id, k)
	}
	if c.direct {
		s.todo.Produced(id, EdgeKey{Source: c.reg, Target: c.originReg})
		c.direct = false
	}
	c.origin, c.originReg = id, c.reg
	return id
}

// record adds a constant that lives on an intermediate node, such as the
// literal operand of a math instruction.
func (s *search) record(line *program.CodeLine, kind ConstantKind, value, raw string, fuzzy int, node NodeID) {
	k, isNew := s.constants.add(&Constant{
		Kind:     kind,
		Value:    value,
		Raw:      raw,
		Fuzzy:    fuzzy,
		SearchID: s.id,
		Line:     line,
		Node:     node,
	})
	if isNew {
		stats.IncStat(stats.NConstants)
		log.Debugf("Search %d: %v", s.id, k)
	}
}

// fork queues a new register search for reg at the given position,
// continuing from the cursor's current node.
func (s *search) fork(r *RegisterSearch, c *cursor, reg string, block *program.BasicBlock, index, fuzzy int) {
	s.todo.AdmitRegister(&RegisterSearch{
		Register:       reg,
		Field:          r.Field,
		Block:          block,
		Index:          index,
		Fuzzy:          fuzzy,
		FuzzyOffset:    r.FuzzyOffset,
		Path:           r.extend(block),
		Origin:         c.origin,
		OriginRegister: reg,
	})
}

func (s *search) tick() error {
	s.iterations++
	if s.iterations > s.opts.MaxIterations {
		return &errLimit{reason: fmt.Sprintf("iteration limit %d exceeded", s.opts.MaxIterations)}
	}
	return nil
}

// run drains the worklist. Register searches go first; content trackers
// are only looked at once no register is pending.
func (s *search) run() error {
	for !s.todo.IsFinished() {
		if err := s.tick(); err != nil {
			return err
		}
		if r, ok := s.todo.PopRegister(); ok {
			var err error
			if s.forward {
				err = s.forwardRegister(r)
			} else {
				err = s.backwardRegister(r)
			}
			if err != nil {
				return err
			}
			s.todo.Complete()
			if s.todo.Completed() > s.opts.MaxCompletedSearches {
				return &errLimit{reason: fmt.Sprintf("completed search limit %d exceeded", s.opts.MaxCompletedSearches)}
			}
			continue
		}
		if c, ok := s.todo.PopField(); ok {
			stats.IncStat(stats.NFieldSearches)
			if err := s.fieldSearch(c); err != nil {
				return err
			}
			continue
		}
		if c, ok := s.todo.PopArray(); ok {
			stats.IncStat(stats.NArraySearches)
			if err := s.arrayFieldSearch(c); err != nil {
				return err
			}
			continue
		}
		if c, ok := s.todo.PopReturn(); ok {
			stats.IncStat(stats.NReturnSearches)
			if err := s.returnValueSearch(c); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *search) fieldSearch(c *ContentTracker) error {
	if s.forward {
		return s.forwardFieldSearch(c)
	}
	return s.backwardFieldSearch(c)
}

func (s *search) arrayFieldSearch(c *ContentTracker) error {
	if s.forward {
		return s.forwardFieldSearch(c)
	}
	return s.backwardArrayFieldSearch(c)
}

func (s *search) returnValueSearch(c *ContentTracker) error {
	if s.forward {
		return s.forwardReturnSearch(c)
	}
	return s.backwardReturnSearch(c)
}

// finish stores the results of a seed in cr and classifies err.
func (s *search) finish(cr *Criterion, err error) {
	cr.Trees[s.id] = s.tree
	cs := s.constants.list()
	SortConstants(cs)
	cr.Constants[s.id] = cs
	if err == nil {
		cr.Outcomes[s.id] = Outcome{Status: Completed}
		log.Debugf("Search %d completed with %d nodes, %d constants", s.id, s.tree.Len(), len(cs))
		return
	}
	stats.IncStat(stats.NAbortedSeeds)
	var limit *errLimit
	if xerrors.As(err, &limit) {
		log.Warnf("Search %d of %s aborted: %s", s.id, cr.Pattern, limit.reason)
		cr.Outcomes[s.id] = Outcome{Status: Aborted, Reason: limit.reason}
		return
	}
	log.Warnf("Search %d of %s failed: %v", s.id, cr.Pattern, err)
	stats.IncStat(stats.NLoggedErrors)
	cr.Errors = append(cr.Errors, err)
	cr.Outcomes[s.id] = Outcome{Status: Aborted, Reason: err.Error()}
}

// splitMethodID splits a return tracker identifier into name and
// parameter string.
func splitMethodID(id string) (name, params string) {
	i := strings.Index(id, "(")
	if i < 0 {
		return id, ""
	}
	return id[:i], strings.TrimSuffix(id[i+1:], ")")
}

func methodID(m *program.Method) string {
	return m.Name + "(" + m.ParamString() + ")"
}

func (s *search) trackedMethod(c *ContentTracker) *program.Method {
	name, params := splitMethodID(c.Identifier)
	m, err := s.prog.Lookup(c.Class, name, params)
	if err != nil {
		log.Debugf("Return tracker: %v", err)
		return nil
	}
	return m
}

func fieldTracker(prog *program.Program, ref *smali.FieldRef) (class, name string) {
	key := prog.FieldKey(ref)
	if i := strings.Index(key, "->"); i >= 0 {
		return key[:i], key[i+2:]
	}
	return ref.Class, ref.Name
}

// nextExecutable returns the first executable line after line in its
// block, or in the block's only successor.
func nextExecutable(line *program.CodeLine) *program.CodeLine {
	b := line.Block
	for i := line.BlockIndex() + 1; i < len(b.Lines); i++ {
		if b.Lines[i].Instr.Kind.Executable() {
			return b.Lines[i]
		}
	}
	if len(b.Succs) == 1 {
		for _, l := range b.Succs[0].Lines {
			if l.Instr.Kind.Executable() {
				return l
			}
		}
	}
	return nil
}

// previousExecutable is the mirror of nextExecutable.
func previousExecutable(line *program.CodeLine) *program.CodeLine {
	b := line.Block
	for i := line.BlockIndex() - 1; i >= 0; i-- {
		if b.Lines[i].Instr.Kind.Executable() {
			return b.Lines[i]
		}
	}
	if len(b.Preds) == 1 {
		return b.Preds[0].LastExecutable()
	}
	return nil
}
