package program

import (
	"github.com/o2lab/dexslice/smali"
	log "github.com/sirupsen/logrus"
	"sort"
)

// SyntaxError reports a method whose control flow cannot be resolved.
type SyntaxError struct {
	Method *Method
	Line   *CodeLine
	Msg    string
}

func (e *SyntaxError) Error() string {
	if e.Line != nil {
		return e.Line.String() + ": " + e.Msg
	}
	return e.Method.String() + ": " + e.Msg
}

// BuildBlocks partitions the method body into basic blocks and links them.
// On failure the method is marked broken and keeps no blocks.
func BuildBlocks(m *Method) error {
	if m.Err != nil {
		return m.Err
	}
	b := &blockBuilder{method: m, labels: make(map[string]*CodeLine)}
	if err := b.build(); err != nil {
		m.Err = err
		m.Blocks = nil
		m.Tries = nil
		for _, l := range m.Lines {
			l.Block = nil
		}
		return err
	}
	return nil
}

type blockBuilder struct {
	method *Method
	labels map[string]*CodeLine
	links  []Link
	// tryFallthroughs holds lines whose return is legal because a try body
	// ends right after them.
	tryFallthroughs map[*CodeLine]bool
}

func (b *blockBuilder) build() error {
	m := b.method
	if len(m.Lines) == 0 || !hasExecutable(m.Lines) {
		return nil
	}
	for _, l := range m.Lines {
		if l.Instr.Kind == smali.Label {
			b.labels[l.Instr.Label] = l
		}
	}
	if err := b.collectLinks(); err != nil {
		return err
	}
	b.partition(b.leaders())
	if err := b.connect(); err != nil {
		return err
	}
	b.label()
	return nil
}

func (b *blockBuilder) target(from *CodeLine, label string) (*CodeLine, error) {
	if to, ok := b.labels[label]; ok {
		return to, nil
	}
	return nil, &SyntaxError{Method: b.method, Line: from, Msg: "unresolved label :" + label}
}

func (b *blockBuilder) collectLinks() error {
	m := b.method
	b.tryFallthroughs = make(map[*CodeLine]bool)
	for i, l := range m.Lines {
		in := &l.Instr
		switch in.Kind {
		case smali.If, smali.Switch:
			if i+1 < len(m.Lines) {
				b.links = append(b.links, Link{From: l, To: m.Lines[i+1]})
			}
			if in.Kind == smali.If {
				to, err := b.target(l, in.Label)
				if err != nil {
					return err
				}
				b.links = append(b.links, Link{From: l, To: to})
				continue
			}
			targets, err := b.switchTargets(l)
			if err != nil {
				return err
			}
			for _, to := range targets {
				b.links = append(b.links, Link{From: l, To: to})
			}
		case smali.Goto:
			to, err := b.target(l, in.Label)
			if err != nil {
				return err
			}
			b.links = append(b.links, Link{From: l, To: to})
		case smali.Catch:
			if err := b.addCatch(i, l); err != nil {
				return err
			}
		}
	}
	return nil
}

// switchTargets resolves the case labels of a switch through its payload.
func (b *blockBuilder) switchTargets(l *CodeLine) ([]*CodeLine, error) {
	table, err := b.target(l, l.Instr.Label)
	if err != nil {
		return nil, err
	}
	lines := b.method.Lines
	i := table.Index + 1
	for i < len(lines) && lines[i].Instr.Kind != smali.DataStart {
		if lines[i].Instr.Kind.Executable() {
			return nil, &SyntaxError{Method: b.method, Line: l, Msg: "switch label does not point at a payload"}
		}
		i++
	}
	var targets []*CodeLine
	for i++; i < len(lines) && lines[i].Instr.Kind == smali.Data; i++ {
		to, err := b.target(lines[i], lines[i].Instr.Label)
		if err != nil {
			return nil, err
		}
		targets = append(targets, to)
	}
	return targets, nil
}

func (b *blockBuilder) addCatch(i int, l *CodeLine) error {
	c := l.Instr.Catch
	begin, err := b.target(l, c.Start)
	if err != nil {
		return err
	}
	end, err := b.target(l, c.End)
	if err != nil {
		return err
	}
	handler, err := b.target(l, c.Handler)
	if err != nil {
		return err
	}
	if end.Index < begin.Index {
		return &SyntaxError{Method: b.method, Line: l, Msg: "try range ends before it starts"}
	}
	exception := c.Type
	if exception == "" {
		exception = "*"
	}

	var try *TryCatchBlock
	for _, t := range b.method.Tries {
		if t.Begin == begin && t.End == end {
			try = t
			break
		}
	}
	if try == nil {
		try = &TryCatchBlock{Begin: begin, End: end}
		b.method.Tries = append(b.method.Tries, try)
	}
	try.Handlers = append(try.Handlers, handler)
	try.Types = append(try.Types, exception)

	var last *CodeLine
	for _, from := range b.method.Lines[begin.Index : end.Index+1] {
		if from.Instr.Kind.Executable() {
			b.links = append(b.links, Link{From: from, To: handler, Exception: exception})
			last = from
		}
	}

	// Bridge the try body to the first line after this run of handler
	// directives.
	lines := b.method.Lines
	j := i + 1
	for j < len(lines) && lines[j].Instr.Kind == smali.Catch {
		j++
	}
	if last != nil && j < len(lines) && lines[j-1] == l {
		b.links = append(b.links, Link{From: last, To: lines[j], TryFallthrough: true})
		b.tryFallthroughs[last] = true
	}
	return nil
}

func (b *blockBuilder) leaders() []int {
	set := map[int]bool{0: true}
	for i, l := range b.method.Lines {
		if l.Instr.Kind == smali.Goto && i+1 < len(b.method.Lines) {
			set[i+1] = true
		}
	}
	for _, link := range b.links {
		set[link.To.Index] = true
	}
	leaders := make([]int, 0, len(set))
	for i := range set {
		leaders = append(leaders, i)
	}
	sort.Ints(leaders)
	return leaders
}

func (b *blockBuilder) partition(leaders []int) {
	m := b.method
	var runs [][]*CodeLine
	for k, start := range leaders {
		end := len(m.Lines)
		if k+1 < len(leaders) {
			end = leaders[k+1]
		}
		runs = append(runs, m.Lines[start:end])
	}

	// Runs without executable lines join the following run, or the
	// previous one at the end of the method.
	var merged [][]*CodeLine
	var pending []*CodeLine
	for _, run := range runs {
		if !hasExecutable(run) {
			pending = append(pending, run...)
			continue
		}
		lines := make([]*CodeLine, 0, len(pending)+len(run))
		lines = append(append(lines, pending...), run...)
		merged = append(merged, lines)
		pending = nil
	}
	if len(pending) > 0 {
		merged[len(merged)-1] = append(merged[len(merged)-1], pending...)
	}

	for i, lines := range merged {
		block := &BasicBlock{Method: m, Index: i, Label: -1, Lines: lines}
		b.setFlags(block)
		for _, l := range lines {
			l.Block = block
		}
		m.Blocks = append(m.Blocks, block)
	}
}

func (b *blockBuilder) setFlags(block *BasicBlock) {
	returns := 0
	var last *CodeLine
	for _, l := range block.Lines {
		switch l.Instr.Kind {
		case smali.Return:
			block.HasReturn = true
			if !b.tryFallthroughs[l] {
				returns++
			}
		case smali.Throw:
			block.HasThrow = true
		case smali.Goto:
			block.HasGoto = true
		}
		if l.Instr.Kind.Executable() {
			last = l
		}
		for _, try := range b.method.Tries {
			if l.Instr.Kind.Executable() && try.Contains(l) {
				block.IsTryBlock = true
			}
			for _, h := range try.Handlers {
				if h == l {
					block.IsCatchBlock = true
				}
			}
		}
	}
	if returns > 1 || (returns == 1 && last.Instr.Kind != smali.Return) {
		block.HasDeadCode = true
		log.Debugf("Dead code in %s", block)
	}
}

func (b *blockBuilder) connect() error {
	m := b.method
	for _, link := range b.links {
		from, to := link.From.Block, link.To.Block
		if from == nil || to == nil {
			return &SyntaxError{Method: m, Line: link.From, Msg: "edge target outside of any block"}
		}
		if link.TryFallthrough && from == to {
			continue
		}
		addEdge(from, to)
	}
	for i, block := range m.Blocks[:len(m.Blocks)-1] {
		if last := block.LastExecutable(); last != nil && !last.Instr.Kind.EndsBlock() {
			addEdge(block, m.Blocks[i+1])
		}
	}
	return nil
}

func addEdge(from, to *BasicBlock) {
	for _, s := range from.Succs {
		if s == to {
			return
		}
	}
	from.Succs = append(from.Succs, to)
	to.Preds = append(to.Preds, from)
}

// label numbers the blocks in DFS preorder from the entry block.
func (b *blockBuilder) label() {
	m := b.method
	next := 0
	stack := []*BasicBlock{m.Blocks[0]}
	for len(stack) > 0 {
		block := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if block.Label >= 0 {
			continue
		}
		block.Label = next
		next++
		for i := len(block.Succs) - 1; i >= 0; i-- {
			if block.Succs[i].Label < 0 {
				stack = append(stack, block.Succs[i])
			}
		}
	}
	if next < len(m.Blocks) {
		m.HasUnlinkedBlocks = true
		log.Debugf("%s: %d of %d blocks unreachable from entry", m, len(m.Blocks)-next, len(m.Blocks))
	}
}

func hasExecutable(lines []*CodeLine) bool {
	for _, l := range lines {
		if l.Instr.Kind.Executable() {
			return true
		}
	}
	return false
}
