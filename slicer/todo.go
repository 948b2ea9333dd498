package slicer

import (
	"github.com/o2lab/dexslice/program"
	"github.com/o2lab/dexslice/stats"
	log "github.com/sirupsen/logrus"
)

// RegisterSearch tracks one register through one block.
type RegisterSearch struct {
	Register string
	// Field is the field whose stores populate this register, if the
	// search was started by a field search.
	Field string
	Block *program.BasicBlock
	// Index is the first line to inspect. Backward searches walk down to
	// 0, forward searches up to the end of the block.
	Index       int
	Fuzzy       int
	FuzzyOffset int
	Path        []*program.BasicBlock
	// Origin is the node the tracked value flows into, OriginRegister the
	// register it is known as there.
	Origin         NodeID
	OriginRegister string
}

type registerKey struct {
	reg   string
	block *program.BasicBlock
	index int
}

func (r *RegisterSearch) key() registerKey {
	return registerKey{r.Register, r.Block, r.Index}
}

// extend returns the path with b appended, without aliasing r.Path.
func (r *RegisterSearch) extend(b *program.BasicBlock) []*program.BasicBlock {
	path := make([]*program.BasicBlock, len(r.Path), len(r.Path)+1)
	copy(path, r.Path)
	return append(path, b)
}

// ContentTracker tracks what is stored in a field, an array held by a
// field, or returned by a method.
type ContentTracker struct {
	Class      string
	Identifier string
	// Line is the access that started the tracker.
	Line           *program.CodeLine
	Fuzzy          int
	FuzzyOffset    int
	Path           []*program.BasicBlock
	Origin         NodeID
	OriginRegister string
}

func (c *ContentTracker) key() string {
	return c.Class + "->" + c.Identifier
}

// produced is a node a work item emitted directly under its origin.
type produced struct {
	node NodeID
	key  EdgeKey
}

// origin is a request to connect a node to a later-found producer.
type origin struct {
	node NodeID
	reg  string
}

// record remembers what a work item produced, so that duplicates can be
// connected to the same nodes instead of being searched again. children
// are items the work item handed its origin to unchanged, such as the
// predecessor blocks of a block without a definition.
type record struct {
	origin   origin
	produced []produced
	pending  []origin
	children []*record
}

func (r *record) attach(tree *SliceTree, o origin) {
	for _, p := range r.produced {
		if p.node == o.node {
			continue
		}
		tree.Link(p.node, o.node, EdgeKey{Source: p.key.Source, Target: o.reg})
	}
}

func (r *record) isPending(o origin) bool {
	for _, p := range r.pending {
		if p == o {
			return true
		}
	}
	return false
}

// TodoList is the worklist of one search: four FIFO queues with their
// done sets.
type TodoList struct {
	tree      *SliceTree
	maxFuzzy  int
	registers []*RegisterSearch
	fields    []*ContentTracker
	arrays    []*ContentTracker
	returns   []*ContentTracker

	doneRegisters map[registerKey]*record
	doneFields    map[string]*record
	doneArrays    map[string]*record
	doneReturns   map[string]*record
	current       *record

	completed int
}

func NewTodoList(tree *SliceTree, maxFuzzy int) *TodoList {
	return &TodoList{
		tree:          tree,
		maxFuzzy:      maxFuzzy,
		doneRegisters: make(map[registerKey]*record),
		doneFields:    make(map[string]*record),
		doneArrays:    make(map[string]*record),
		doneReturns:   make(map[string]*record),
	}
}

func (t *TodoList) tooFuzzy(level, offset int) bool {
	if level+offset > t.maxFuzzy {
		log.Debugf("Rejecting work item at fuzzy level %d+%d", level, offset)
		stats.IncStat(stats.NRejectedFuzzy)
		return true
	}
	return false
}

// duplicate connects a repeated request to the earlier item's nodes, now
// and for any node the earlier item or its children produce later.
func (t *TodoList) duplicate(rec *record, o origin) {
	if o == rec.origin || rec.isPending(o) {
		return
	}
	rec.attach(t.tree, o)
	rec.pending = append(rec.pending, o)
	for _, child := range rec.children {
		t.duplicate(child, o)
	}
}

// inherit makes rec a child of the item being processed when the request
// for rec carries that item's origin unchanged. rec then answers for the
// item's duplicates too.
func (t *TodoList) inherit(rec *record, o origin) {
	cur := t.current
	if cur == nil || cur == rec || cur.origin != o {
		return
	}
	for _, child := range cur.children {
		if child == rec {
			return
		}
	}
	cur.children = append(cur.children, rec)
	for _, p := range cur.pending {
		t.duplicate(rec, p)
	}
}

// AdmitRegister queues r unless it is too fuzzy or was seen before.
func (t *TodoList) AdmitRegister(r *RegisterSearch) bool {
	if t.tooFuzzy(r.Fuzzy, r.FuzzyOffset) {
		return false
	}
	o := origin{r.Origin, r.OriginRegister}
	if rec, ok := t.doneRegisters[r.key()]; ok {
		t.duplicate(rec, o)
		t.inherit(rec, o)
		return false
	}
	rec := &record{origin: o}
	t.doneRegisters[r.key()] = rec
	t.inherit(rec, o)
	t.registers = append(t.registers, r)
	return true
}

func (t *TodoList) admitContent(c *ContentTracker, done map[string]*record, queue *[]*ContentTracker) bool {
	if t.tooFuzzy(c.Fuzzy, c.FuzzyOffset) {
		return false
	}
	o := origin{c.Origin, c.OriginRegister}
	if rec, ok := done[c.key()]; ok {
		t.duplicate(rec, o)
		t.inherit(rec, o)
		return false
	}
	rec := &record{origin: o}
	done[c.key()] = rec
	t.inherit(rec, o)
	*queue = append(*queue, c)
	return true
}

func (t *TodoList) AdmitField(c *ContentTracker) bool {
	return t.admitContent(c, t.doneFields, &t.fields)
}

func (t *TodoList) AdmitArray(c *ContentTracker) bool {
	return t.admitContent(c, t.doneArrays, &t.arrays)
}

func (t *TodoList) AdmitReturn(c *ContentTracker) bool {
	return t.admitContent(c, t.doneReturns, &t.returns)
}

func (t *TodoList) PopRegister() (*RegisterSearch, bool) {
	if len(t.registers) == 0 {
		return nil, false
	}
	r := t.registers[0]
	t.registers = t.registers[1:]
	t.current = t.doneRegisters[r.key()]
	return r, true
}

func popContent(queue *[]*ContentTracker, done map[string]*record, current **record) (*ContentTracker, bool) {
	if len(*queue) == 0 {
		return nil, false
	}
	c := (*queue)[0]
	*queue = (*queue)[1:]
	*current = done[c.key()]
	return c, true
}

func (t *TodoList) PopField() (*ContentTracker, bool) {
	return popContent(&t.fields, t.doneFields, &t.current)
}

func (t *TodoList) PopArray() (*ContentTracker, bool) {
	return popContent(&t.arrays, t.doneArrays, &t.current)
}

func (t *TodoList) PopReturn() (*ContentTracker, bool) {
	return popContent(&t.returns, t.doneReturns, &t.current)
}

// Produced records that the item being processed emitted node directly
// under its origin. Pending duplicates are connected to it.
func (t *TodoList) Produced(node NodeID, key EdgeKey) {
	if t.current == nil {
		return
	}
	p := produced{node: node, key: key}
	t.current.produced = append(t.current.produced, p)
	for _, o := range t.current.pending {
		if o.node != node {
			t.tree.Link(node, o.node, EdgeKey{Source: key.Source, Target: o.reg})
		}
	}
}

// Complete marks the current register search as done.
func (t *TodoList) Complete() {
	t.completed++
	stats.IncStat(stats.NRegisterSearches)
}

// Completed is the number of register searches finished so far.
func (t *TodoList) Completed() int {
	return t.completed
}

func (t *TodoList) IsFinished() bool {
	return len(t.registers) == 0 && len(t.fields) == 0 && len(t.arrays) == 0 && len(t.returns) == 0
}
