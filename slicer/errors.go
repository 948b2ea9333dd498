package slicer

import (
	"fmt"
	"github.com/o2lab/dexslice/program"
	"golang.org/x/xerrors"
)

// SyntaxError reports an instruction or constant that does not have the
// expected shape. It stops the current seed only.
type SyntaxError struct {
	Line  *program.CodeLine
	Msg   string
	frame xerrors.Frame
}

func newSyntaxError(line *program.CodeLine, format string, args ...interface{}) error {
	return &SyntaxError{Line: line, Msg: fmt.Sprintf(format, args...), frame: xerrors.Caller(1)}
}

func (e *SyntaxError) Error() string {
	return fmt.Sprint(e)
}

func (e *SyntaxError) Format(s fmt.State, v rune) { xerrors.FormatError(e, s, v) }

func (e *SyntaxError) FormatError(p xerrors.Printer) error {
	p.Printf("syntax error at %v: %s", e.Line, e.Msg)
	e.frame.Format(p)
	return nil
}

// LogicError reports a violated internal assumption, such as an
// out-of-range parameter index or an impossible control transfer. It stops
// the current seed only.
type LogicError struct {
	Line  *program.CodeLine
	Msg   string
	frame xerrors.Frame
}

func newLogicError(line *program.CodeLine, format string, args ...interface{}) error {
	return &LogicError{Line: line, Msg: fmt.Sprintf(format, args...), frame: xerrors.Caller(1)}
}

func (e *LogicError) Error() string {
	return fmt.Sprint(e)
}

func (e *LogicError) Format(s fmt.State, v rune) { xerrors.FormatError(e, s, v) }

func (e *LogicError) FormatError(p xerrors.Printer) error {
	if e.Line != nil {
		p.Printf("logic error at %v: %s", e.Line, e.Msg)
	} else {
		p.Printf("logic error: %s", e.Msg)
	}
	e.frame.Format(p)
	return nil
}

// errLimit is returned internally when a search exceeds a configured cap.
type errLimit struct {
	reason string
}

func (e *errLimit) Error() string {
	return e.reason
}
