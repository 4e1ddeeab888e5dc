package codegen

import "github.com/JamesMBartlett/bpftrace/internal/ast"

// Value is the explicit result of lowering an expression: an SSA register
// or immediate operand, its LLVM-level type string, and the semantic
// SizedType it carries. This replaces the visitor's implicit `expr`
// register (spec §9): every lowering function returns its value directly
// instead of mutating shared state.
type Value struct {
	Reg    string // e.g. "%12", or a literal operand like "42"
	IRType string // "i64", "ptr", "i32", ...
	Sem    ast.SizedType
}

// Operand formats the value as an embeddable LLVM operand ("i64 %12").
func (v Value) Operand() string {
	return v.IRType + " " + v.Reg
}

func intValue(reg string, sem ast.SizedType) Value {
	return Value{Reg: reg, IRType: "i64", Sem: sem}
}

func immediate(n int64, signed bool) Value {
	return Value{
		Reg:    formatImm(n),
		IRType: "i64",
		Sem:    ast.NewSized(ast.KindInt, 8, signed),
	}
}

// Release is a zero-or-one-shot deferred cleanup for a stack buffer tied to
// a Value. A nil Release means the value owns nothing that needs releasing
// (e.g. a plain scalar, or a pointer borrowed from a parent that will
// release it itself). Ownership transfer is explicit: a parent that wants
// to keep a child's buffer alive simply never calls the child's Release,
// and returns nil in its own place (spec §9's "disarm").
type Release func()

// noRelease is returned by lowering paths that produce no on-stack
// allocation to release.
func noRelease() {}
