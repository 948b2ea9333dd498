package slicer

import (
	"github.com/o2lab/dexslice/program"
	"github.com/o2lab/dexslice/smali"
	log "github.com/sirupsen/logrus"
)

// asSearch gives content searches the fuzzy state and path of the
// tracker when they queue register searches.
func (c *ContentTracker) asSearch(field string) *RegisterSearch {
	return &RegisterSearch{
		Field:       field,
		Fuzzy:       c.Fuzzy,
		FuzzyOffset: c.FuzzyOffset,
		Path:        c.Path,
	}
}

func (s *search) resolveField(c *ContentTracker) *program.Field {
	return s.prog.ResolveField(&smali.FieldRef{Class: c.Class, Name: c.Identifier})
}

// backwardFieldSearch tracks the value of every store to the field, in
// every class, plus the initial value of constant fields.
func (s *search) backwardFieldSearch(c *ContentTracker) error {
	key := c.key()
	r := c.asSearch(key)
	writes := s.index.FieldWrites(key)
	log.Debugf("Field %s has %d writes", key, len(writes))
	for _, w := range writes {
		reg := w.Instr.Regs[0]
		wc := newCursor(reg, c.Origin, c.OriginRegister)
		s.node(wc, w, reg, reg)
		s.fork(r, wc, reg, w.Block, w.BlockIndex()-1, c.Fuzzy)
	}

	f := s.resolveField(c)
	fc := newCursor(key, c.Origin, c.OriginRegister)
	switch {
	case f != nil && f.Value != "" && (f.IsStatic() && f.IsFinal() || len(writes) == 0):
		value, err := smali.LiteralValue(f.Value)
		if err != nil {
			return newSyntaxError(f.Decl, "initial value of %s: %v", key, err)
		}
		s.constant(fc, f.Decl, FieldConstant, value, f.Value, c.Fuzzy)
	case f == nil && len(writes) == 0:
		// Declared outside the program, e.g. a framework constant. There is
		// no declaration line, so the constant is kept on the read, which
		// stays an intermediate node and ends the path.
		s.constant(fc, c.Line, FieldConstant, key, c.Line.Text, c.Fuzzy)
	}
	return nil
}

// backwardArrayFieldSearch tracks what is stored into an array held by a
// field: the arrays assigned to the field and the elements written
// through any read of it.
func (s *search) backwardArrayFieldSearch(c *ContentTracker) error {
	key := c.key()
	r := c.asSearch(key)
	writes := s.index.FieldWrites(key)
	for _, w := range writes {
		reg := w.Instr.Regs[0]
		wc := newCursor(reg, c.Origin, c.OriginRegister)
		s.node(wc, w, reg, reg)
		if err := s.arraySearchBackward(r, wc, w.Block, w.BlockIndex()-1); err != nil {
			return err
		}
	}
	reads := s.index.FieldReads(key)
	for _, read := range reads {
		if err := s.arraySearchForward(r, c, read); err != nil {
			return err
		}
	}
	if len(writes) == 0 && s.resolveField(c) == nil {
		// As for plain fields, the constant lives on the read.
		fc := newCursor(key, c.Origin, c.OriginRegister)
		s.constant(fc, c.Line, FieldConstant, key, c.Line.Text, c.Fuzzy)
	}
	return nil
}

// backwardReturnSearch tracks the returned register of every body the
// call may dispatch to.
func (s *search) backwardReturnSearch(c *ContentTracker) error {
	found := false
	if m := s.trackedMethod(c); m != nil {
		for _, impl := range s.index.Implementations(m) {
			for _, ret := range s.index.Returns(impl) {
				found = true
				reg := ret.Instr.Regs[0]
				rc := newCursor(reg, c.Origin, c.OriginRegister)
				s.node(rc, ret, reg, reg)
				s.todo.AdmitRegister(&RegisterSearch{
					Register:       reg,
					Block:          ret.Block,
					Index:          ret.BlockIndex() - 1,
					Fuzzy:          c.Fuzzy,
					FuzzyOffset:    c.FuzzyOffset,
					Path:           []*program.BasicBlock{ret.Block},
					Origin:         rc.origin,
					OriginRegister: reg,
				})
			}
		}
	}
	if !found {
		// Abstract or interface method without analyzed implementation.
		rc := newCursor(c.key(), c.Origin, c.OriginRegister)
		s.constant(rc, c.Line, ExternalMethod, c.Line.Instr.Method.String(), c.Line.Text, c.Fuzzy)
	}
	return nil
}
