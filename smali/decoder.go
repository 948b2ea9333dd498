package smali

import (
	"strconv"
	"strings"
)

// SyntaxError reports a line that could not be decoded.
type SyntaxError struct {
	Text   string
	Reason string
}

func (e *SyntaxError) Error() string {
	return "cannot decode " + strconv.Quote(e.Text) + ": " + e.Reason
}

func syntaxError(text, reason string) error {
	return &SyntaxError{Text: text, Reason: reason}
}

// Decoder decodes the body of one method. It keeps track of
// switch/array payloads and annotation blocks so that their entries are
// not mistaken for instructions.
type Decoder struct {
	payload    string // directive name of the open payload, e.g. ".array-data"
	annotation int
}

func NewDecoder() *Decoder {
	return &Decoder{}
}

// Decode decodes a single line. Blank lines and comments decode to an
// empty Directive.
func (d *Decoder) Decode(line string) (Instruction, error) {
	text := strings.TrimSpace(stripComment(line))
	in := Instruction{Text: text}
	if text == "" {
		in.Kind = Directive
		return in, nil
	}
	if d.annotation > 0 {
		in.Kind = Directive
		if text == ".end annotation" || text == ".end subannotation" {
			d.annotation--
		} else if strings.HasPrefix(text, ".annotation") || strings.HasPrefix(text, ".subannotation") {
			d.annotation++
		}
		return in, nil
	}
	if d.payload != "" {
		return d.decodePayload(in)
	}
	switch {
	case strings.HasPrefix(text, ":"):
		in.Kind = Label
		in.Label = text[1:]
		return in, nil
	case strings.HasPrefix(text, ".catch"):
		return decodeCatch(in)
	case strings.HasPrefix(text, ".packed-switch"), strings.HasPrefix(text, ".sparse-switch"),
		strings.HasPrefix(text, ".array-data"):
		in.Kind = DataStart
		in.Op = firstWord(text)
		in.Literal = strings.TrimSpace(strings.TrimPrefix(text, in.Op))
		d.payload = in.Op
		return in, nil
	case strings.HasPrefix(text, ".annotation"):
		in.Kind = Directive
		in.Op = ".annotation"
		d.annotation++
		return in, nil
	case strings.HasPrefix(text, "."):
		return decodeDirective(in)
	}
	return decodeInstruction(in)
}

func (d *Decoder) decodePayload(in Instruction) (Instruction, error) {
	text := in.Text
	if text == ".end "+strings.TrimPrefix(d.payload, ".") {
		in.Kind = DataEnd
		in.Op = text
		d.payload = ""
		return in, nil
	}
	in.Kind = Data
	switch d.payload {
	case ".packed-switch":
		if !strings.HasPrefix(text, ":") {
			return in, syntaxError(text, "packed-switch entry is not a label")
		}
		in.Label = text[1:]
	case ".sparse-switch":
		parts := strings.Split(text, "->")
		if len(parts) != 2 {
			return in, syntaxError(text, "malformed sparse-switch entry")
		}
		in.Literal = strings.TrimSpace(parts[0])
		in.Label = strings.TrimPrefix(strings.TrimSpace(parts[1]), ":")
	default:
		in.Literal = text
	}
	return in, nil
}

func decodeCatch(in Instruction) (Instruction, error) {
	in.Kind = Catch
	in.Op = firstWord(in.Text)
	rest := strings.TrimSpace(strings.TrimPrefix(in.Text, in.Op))
	c := &CatchRange{}
	if in.Op == ".catch" {
		i := strings.Index(rest, " ")
		if i < 0 {
			return in, syntaxError(in.Text, "missing exception type")
		}
		c.Type = rest[:i]
		rest = strings.TrimSpace(rest[i:])
	} else if in.Op != ".catchall" {
		return in, syntaxError(in.Text, "unknown catch directive")
	}
	open, close := strings.Index(rest, "{"), strings.Index(rest, "}")
	if open != 0 || close < 0 {
		return in, syntaxError(in.Text, "missing try range")
	}
	bounds := strings.Split(rest[1:close], "..")
	if len(bounds) != 2 {
		return in, syntaxError(in.Text, "malformed try range")
	}
	c.Start = strings.TrimPrefix(strings.TrimSpace(bounds[0]), ":")
	c.End = strings.TrimPrefix(strings.TrimSpace(bounds[1]), ":")
	c.Handler = strings.TrimPrefix(strings.TrimSpace(rest[close+1:]), ":")
	if c.Start == "" || c.End == "" || c.Handler == "" {
		return in, syntaxError(in.Text, "incomplete catch")
	}
	in.Catch = c
	return in, nil
}

func decodeDirective(in Instruction) (Instruction, error) {
	in.Kind = Directive
	in.Op = firstWord(in.Text)
	if in.Op == ".local" {
		// .local v0, "name":Ljava/lang/String;
		ops := splitOperands(strings.TrimPrefix(in.Text, in.Op))
		if len(ops) == 0 {
			return in, syntaxError(in.Text, "missing register")
		}
		in.Local = ops[0]
		in.Regs = ops[:1]
	}
	return in, nil
}

func decodeInstruction(in Instruction) (Instruction, error) {
	in.Op = firstWord(in.Text)
	kind, ok := classify(in.Op)
	if !ok {
		return in, syntaxError(in.Text, "unknown opcode "+in.Op)
	}
	in.Kind = kind
	ops := splitOperands(strings.TrimPrefix(in.Text, in.Op))

	want := func(n int) error {
		if len(ops) != n {
			return syntaxError(in.Text, "want "+strconv.Itoa(n)+" operands, got "+strconv.Itoa(len(ops)))
		}
		return nil
	}
	var err error
	switch kind {
	case Nop:
		err = want(0)
	case Return:
		if in.Op == "return-void" {
			err = want(0)
		} else if err = want(1); err == nil {
			in.Regs = ops
		}
	case Move, ArrayLength, UnaryMath:
		if err = want(2); err == nil {
			in.Regs = ops
		}
	case MoveResult, MoveException, Monitor, Throw:
		if err = want(1); err == nil {
			in.Regs = ops
		}
	case Const:
		if err = want(2); err == nil {
			in.Regs = ops[:1]
			if in.Op == "const-class" {
				in.Type = ops[1]
			} else {
				in.Literal = ops[1]
			}
		}
	case CheckCast, NewInstance:
		if err = want(2); err == nil {
			in.Regs = ops[:1]
			in.Type = ops[1]
		}
	case InstanceOf, NewArray:
		if err = want(3); err == nil {
			in.Regs = ops[:2]
			in.Type = ops[2]
		}
	case FilledNewArray:
		if err = want(2); err == nil {
			in.Type = ops[1]
			in.Regs, err = parseRegisterList(in.Text, ops[0])
		}
	case FillArrayData, Switch:
		if err = want(2); err == nil {
			in.Regs = ops[:1]
			in.Label = strings.TrimPrefix(ops[1], ":")
		}
	case Goto:
		if err = want(1); err == nil {
			in.Label = strings.TrimPrefix(ops[0], ":")
		}
	case If:
		n := 3
		if strings.HasSuffix(in.Op, "z") {
			n = 2
		}
		if err = want(n); err == nil {
			in.Regs = ops[:n-1]
			in.Label = strings.TrimPrefix(ops[n-1], ":")
		}
	case Compare, ArrayGet, ArrayPut:
		if err = want(3); err == nil {
			in.Regs = ops
		}
	case InstanceGet, InstancePut:
		if err = want(3); err == nil {
			in.Regs = ops[:2]
			in.Field, err = ParseFieldRef(ops[2])
		}
	case StaticGet, StaticPut:
		if err = want(2); err == nil {
			in.Regs = ops[:1]
			in.Field, err = ParseFieldRef(ops[1])
		}
	case Invoke:
		if len(ops) < 2 {
			err = syntaxError(in.Text, "invoke without method")
			break
		}
		if in.Regs, err = parseRegisterList(in.Text, ops[0]); err == nil {
			// invoke-custom and invoke-polymorphic carry extra operands.
			in.Method, err = ParseMethodRef(ops[1])
		}
	case BinaryMath:
		switch {
		case in.IsLiteralMath():
			if err = want(3); err == nil {
				in.Regs = ops[:2]
				in.Literal = ops[2]
			}
		case strings.HasSuffix(in.Op, "/2addr"):
			if err = want(2); err == nil {
				in.Regs = ops
			}
		default:
			if err = want(3); err == nil {
				in.Regs = ops
			}
		}
	default:
		err = syntaxError(in.Text, "unexpected "+kind.String())
	}
	if err != nil {
		return in, err
	}
	for _, r := range in.Regs {
		if !IsRegister(r) {
			return in, syntaxError(in.Text, "bad register "+r)
		}
	}
	return in, nil
}

// IsRegister reports whether s names a v- or p-register.
func IsRegister(s string) bool {
	if len(s) < 2 || (s[0] != 'v' && s[0] != 'p') {
		return false
	}
	_, err := strconv.Atoi(s[1:])
	return err == nil
}

// parseRegisterList expands "{v0, v1}" and "{v0 .. v3}".
func parseRegisterList(text, list string) ([]string, error) {
	if !strings.HasPrefix(list, "{") || !strings.HasSuffix(list, "}") {
		return nil, syntaxError(text, "malformed register list")
	}
	body := strings.TrimSpace(list[1 : len(list)-1])
	if body == "" {
		return nil, nil
	}
	if strings.Contains(body, "..") {
		bounds := strings.Split(body, "..")
		first, last := strings.TrimSpace(bounds[0]), strings.TrimSpace(bounds[1])
		if len(bounds) != 2 || !IsRegister(first) || !IsRegister(last) || first[0] != last[0] {
			return nil, syntaxError(text, "malformed register range")
		}
		lo, _ := strconv.Atoi(first[1:])
		hi, _ := strconv.Atoi(last[1:])
		if hi < lo {
			return nil, syntaxError(text, "empty register range")
		}
		regs := make([]string, 0, hi-lo+1)
		for i := lo; i <= hi; i++ {
			regs = append(regs, first[:1]+strconv.Itoa(i))
		}
		return regs, nil
	}
	var regs []string
	for _, r := range strings.Split(body, ",") {
		regs = append(regs, strings.TrimSpace(r))
	}
	return regs, nil
}

// ParseFieldRef parses Lcom/a/B;->name:Type
func ParseFieldRef(s string) (*FieldRef, error) {
	arrow := strings.Index(s, "->")
	colon := strings.LastIndex(s, ":")
	if arrow <= 0 || colon < arrow {
		return nil, syntaxError(s, "malformed field reference")
	}
	return &FieldRef{Class: s[:arrow], Name: s[arrow+2 : colon], Type: s[colon+1:]}, nil
}

// ParseMethodRef parses Lcom/a/B;->name(params)Ret. The class part may be
// omitted, as in .method declarations.
func ParseMethodRef(s string) (*MethodRef, error) {
	ref := &MethodRef{}
	if arrow := strings.Index(s, "->"); arrow >= 0 {
		ref.Class = s[:arrow]
		s = s[arrow+2:]
	}
	open, close := strings.Index(s, "("), strings.Index(s, ")")
	if open <= 0 || close < open {
		return nil, syntaxError(s, "malformed method reference")
	}
	ref.Name = s[:open]
	ref.Return = s[close+1:]
	params, err := SplitParams(s[open+1 : close])
	if err != nil {
		return nil, err
	}
	ref.Params = params
	return ref, nil
}

// SplitParams splits a concatenated descriptor list into single types.
func SplitParams(s string) ([]string, error) {
	var params []string
	for i := 0; i < len(s); {
		j := i
		for j < len(s) && s[j] == '[' {
			j++
		}
		if j == len(s) {
			return nil, syntaxError(s, "dangling array descriptor")
		}
		if s[j] == 'L' {
			end := strings.IndexByte(s[j:], ';')
			if end < 0 {
				return nil, syntaxError(s, "unterminated class descriptor")
			}
			j += end
		} else if !strings.ContainsRune("ZBSCIJFDV", rune(s[j])) {
			return nil, syntaxError(s, "bad descriptor "+s[j:j+1])
		}
		params = append(params, s[i:j+1])
		i = j + 1
	}
	return params, nil
}

// splitOperands splits on commas outside of quotes and braces.
func splitOperands(s string) []string {
	var ops []string
	var cur strings.Builder
	depth, quoted, escaped := 0, false, false
	flush := func() {
		if op := strings.TrimSpace(cur.String()); op != "" {
			ops = append(ops, op)
		}
		cur.Reset()
	}
	for _, r := range s {
		switch {
		case escaped:
			escaped = false
		case quoted && r == '\\':
			escaped = true
		case r == '"':
			quoted = !quoted
		case !quoted && r == '{':
			depth++
		case !quoted && r == '}':
			depth--
		case !quoted && depth == 0 && r == ',':
			flush()
			continue
		}
		cur.WriteRune(r)
	}
	flush()
	return ops
}

func stripComment(line string) string {
	quoted, escaped := false, false
	for i, r := range line {
		switch {
		case escaped:
			escaped = false
		case quoted && r == '\\':
			escaped = true
		case r == '"':
			quoted = !quoted
		case !quoted && r == '#':
			return line[:i]
		}
	}
	return line
}

func firstWord(s string) string {
	if i := strings.IndexAny(s, " \t"); i >= 0 {
		return s[:i]
	}
	return s
}
