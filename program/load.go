package program

import (
	"bufio"
	"context"
	"github.com/o2lab/dexslice/smali"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/xerrors"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
)

// LoadDir loads every .smali file below dir.
func LoadDir(ctx context.Context, dir string) (*Program, error) {
	var paths []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && strings.HasSuffix(path, ".smali") {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, xerrors.Errorf("walking %s: %w", dir, err)
	}
	sort.Strings(paths)
	return LoadFiles(ctx, paths)
}

// LoadFiles parses the given smali files concurrently.
func LoadFiles(ctx context.Context, paths []string) (*Program, error) {
	classes := make([]*Class, len(paths))
	sem := semaphore.NewWeighted(int64(runtime.NumCPU()))
	g, gctx := errgroup.WithContext(ctx)
	for i, path := range paths {
		i, path := i, path
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()
			c, err := ParseClass(path, f)
			if err != nil {
				return xerrors.Errorf("%s: %w", path, err)
			}
			classes[i] = c
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	log.Infof("Loaded %d classes", len(classes))
	return NewProgram(classes), nil
}

// ParseClass parses one smali class file. Lines that cannot be decoded
// mark their method as broken instead of failing the whole class.
func ParseClass(path string, r io.Reader) (*Class, error) {
	c := &Class{Path: path}
	var (
		cur        *Method
		dec        *smali.Decoder
		locals     = -1
		annotation int
		lineNo     int
	)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		lineNo++
		raw := scanner.Text()
		text := strings.TrimSpace(raw)
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		if cur != nil {
			if text == ".end method" {
				finishMethod(cur, locals)
				cur = nil
				continue
			}
			if cur.Err != nil {
				continue
			}
			in, err := dec.Decode(raw)
			if err != nil {
				cur.Err = xerrors.Errorf("%s:%d: %w", path, lineNo, err)
				continue
			}
			switch in.Op {
			case ".registers", ".locals":
				n, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(in.Text, in.Op)))
				if err != nil {
					cur.Err = xerrors.Errorf("%s:%d: bad register count: %w", path, lineNo, err)
					continue
				}
				if in.Op == ".locals" {
					locals = n
				} else {
					cur.Registers = n
				}
			}
			cur.Lines = append(cur.Lines, &CodeLine{
				Method: cur,
				Number: lineNo,
				Index:  len(cur.Lines),
				Text:   in.Text,
				Instr:  in,
			})
			continue
		}
		if annotation > 0 {
			if text == ".end annotation" || text == ".end subannotation" {
				annotation--
			} else if strings.HasPrefix(text, ".annotation") || strings.HasPrefix(text, ".subannotation") {
				annotation++
			}
			continue
		}
		words := strings.Fields(text)
		switch words[0] {
		case ".class":
			flags, rest := parseFlags(words[1:])
			if len(rest) != 1 {
				return nil, xerrors.Errorf("%d: malformed .class", lineNo)
			}
			c.Flags = flags
			c.Name = rest[0]
		case ".super":
			if len(words) > 1 {
				c.Super = words[1]
			}
		case ".implements":
			if len(words) > 1 {
				c.Interfaces = append(c.Interfaces, words[1])
			}
		case ".source":
			c.Source, _ = smali.Unquote(strings.TrimSpace(strings.TrimPrefix(text, ".source")))
		case ".field":
			f, err := parseField(c, text, lineNo)
			if err != nil {
				return nil, err
			}
			c.Fields = append(c.Fields, f)
		case ".annotation":
			annotation++
		case ".method":
			m, err := parseMethodDecl(c, words, lineNo)
			if err != nil {
				return nil, err
			}
			c.Methods = append(c.Methods, m)
			cur, dec, locals = m, smali.NewDecoder(), -1
		default:
			log.Debugf("%s:%d: skipping %s", path, lineNo, words[0])
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if cur != nil {
		return nil, xerrors.Errorf("method %s is not terminated", cur)
	}
	if c.Name == "" {
		return nil, xerrors.New("missing .class directive")
	}
	return c, nil
}

func parseField(c *Class, text string, lineNo int) (*Field, error) {
	decl, value := text, ""
	if i := strings.Index(text, " = "); i >= 0 {
		decl, value = text[:i], strings.TrimSpace(text[i+3:])
	}
	words := strings.Fields(decl)
	flags, rest := parseFlags(words[1:])
	if len(rest) != 1 {
		return nil, xerrors.Errorf("%d: malformed .field", lineNo)
	}
	colon := strings.Index(rest[0], ":")
	if colon <= 0 {
		return nil, xerrors.Errorf("%d: field without type", lineNo)
	}
	f := &Field{
		Class: c,
		Name:  rest[0][:colon],
		Type:  rest[0][colon+1:],
		Flags: flags,
		Value: value,
	}
	f.Decl = &CodeLine{
		Number: lineNo,
		Index:  -1,
		Text:   text,
		Instr:  smali.Instruction{Op: ".field", Kind: smali.Directive, Literal: value, Text: text},
	}
	return f, nil
}

func parseMethodDecl(c *Class, words []string, lineNo int) (*Method, error) {
	flags, rest := parseFlags(words[1:])
	if len(rest) != 1 {
		return nil, xerrors.Errorf("%d: malformed .method", lineNo)
	}
	ref, err := smali.ParseMethodRef(rest[0])
	if err != nil {
		return nil, xerrors.Errorf("%d: %w", lineNo, err)
	}
	return &Method{
		Class:  c,
		Name:   ref.Name,
		Params: ref.Params,
		Return: ref.Return,
		Flags:  flags,
	}, nil
}

// finishMethod fixes the frame size and gives every register operand its
// canonical spelling.
func finishMethod(m *Method, locals int) {
	if locals >= 0 {
		m.Registers = locals + m.ParamSlots()
	}
	for _, l := range m.Lines {
		if len(l.Instr.Regs) == 0 {
			continue
		}
		regs := make([]string, len(l.Instr.Regs))
		for i, r := range l.Instr.Regs {
			regs[i] = m.Canonical(r)
		}
		l.Instr.Regs = regs
		if l.Instr.Local != "" {
			l.Instr.Local = m.Canonical(l.Instr.Local)
		}
	}
}
