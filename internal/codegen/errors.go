package codegen

import (
	"fmt"

	"github.com/JamesMBartlett/bpftrace/internal/ast"
)

// InternalError signals a programmer/compiler invariant violation (spec §7
// class 1): an unknown builtin, an unknown identifier, an unsupported
// operator on a type, a negative architectural offset, an invalid child
// PID. These indicate a gap upstream in semantic analysis and are never
// recoverable — emission aborts immediately.
type InternalError struct {
	Node ast.Expr
	Msg  string
}

func (e *InternalError) Error() string {
	if e.Node == nil {
		return "codegen: internal error: " + e.Msg
	}
	loc := e.Node.Location()
	return fmt.Sprintf("codegen: internal error at %s: %s", locString(loc), e.Msg)
}

func locString(loc ast.Loc) string {
	if loc.Line == 0 && loc.Col == 0 && loc.Text == "" {
		return "<unknown location>"
	}
	if loc.Text != "" {
		return fmt.Sprintf("%d:%d: %s", loc.Line, loc.Col, loc.Text)
	}
	return fmt.Sprintf("%d:%d", loc.Line, loc.Col)
}

func internalf(node ast.Expr, format string, args ...any) error {
	return &InternalError{Node: node, Msg: fmt.Sprintf(format, args...)}
}

// ResolutionError signals a recoverable resolution failure (spec §7 class
// 2): symbol not found, USDT probe not found, target machine unavailable,
// file open failure. Always surfaced to the caller with the offending name.
type ResolutionError struct {
	What string
	Name string
	Err  error
}

func (e *ResolutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("codegen: resolving %s %q: %v", e.What, e.Name, e.Err)
	}
	return fmt.Sprintf("codegen: resolving %s %q failed", e.What, e.Name)
}

func (e *ResolutionError) Unwrap() error { return e.Err }
