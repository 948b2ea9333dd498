package slicer

import (
	"fmt"
	"github.com/o2lab/dexslice/program"
)

// BackwardPattern asks where the values reaching a call argument, or a
// method's return value, come from.
type BackwardPattern struct {
	// Class of the called method, "" or "*" for any class.
	Class  string
	Method string
	// Params is the parameter descriptor string, "" for any overload.
	Params string
	// Param is the declared parameter index to track, -1 for the receiver.
	Param int
	// TrackReturn seeds at the return statements of the matched methods
	// instead of at their call sites.
	TrackReturn bool
	// Start restricts the search to a single call site.
	Start *program.CodeLine
}

func (p *BackwardPattern) String() string {
	if p.TrackReturn {
		return fmt.Sprintf("return of %s->%s(%s)", p.Class, p.Method, p.Params)
	}
	return fmt.Sprintf("%s->%s(%s) param %d", p.Class, p.Method, p.Params, p.Param)
}

func (p *BackwardPattern) matches(in *program.CodeLine) bool {
	ref := in.Instr.Method
	if ref == nil || ref.Name != p.Method {
		return false
	}
	if p.Class != "" && p.Class != "*" && ref.Class != p.Class {
		return false
	}
	return p.Params == "" || ref.ParamString() == p.Params
}

// ForwardPattern asks where a value goes. Exactly one seed kind is used,
// checked in field order.
type ForwardPattern struct {
	// ObjectType seeds at every new-instance of the type.
	ObjectType string
	// Class, Method and Params seed at the results of matching calls.
	Class  string
	Method string
	Params string
	// Literal seeds at every load of the normalised constant, e.g. a
	// resolved resource id.
	Literal string
}

func (p *ForwardPattern) String() string {
	switch {
	case p.ObjectType != "":
		return "new " + p.ObjectType
	case p.Method != "":
		return fmt.Sprintf("result of %s->%s(%s)", p.Class, p.Method, p.Params)
	}
	return fmt.Sprintf("literal %q", p.Literal)
}
