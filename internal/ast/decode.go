package ast

import (
	"encoding/json"
	"fmt"
)

// wireType mirrors SizedType over the JSON boundary; upstream analysis
// emits this shape for every node.
type wireType struct {
	Kind         string      `json:"kind"`
	Size         int         `json:"size"`
	Signed       bool        `json:"signed"`
	AddressSpace string      `json:"address_space,omitempty"`
	IsCtxAccess  bool        `json:"is_ctx_access,omitempty"`
	IsTPArg      bool        `json:"is_tparg,omitempty"`
	IsInternal   bool        `json:"is_internal,omitempty"`
	IsKFArg      bool        `json:"is_kfarg,omitempty"`
	TupleElems   []wireType  `json:"tuple_elems,omitempty"`
	RecordName   string      `json:"record_name,omitempty"`
	Pointee      *wireType   `json:"pointee,omitempty"`
}

var kindNames = map[string]TypeKind{
	"none": KindNone, "int": KindInt, "ptr": KindPtr, "string": KindString,
	"buffer": KindBuffer, "record": KindRecord, "tuple": KindTuple,
	"array": KindArray, "usym": KindUsym, "stack": KindStack,
}

var addrSpaceNames = map[string]AddressSpace{
	"": AddrNone, "none": AddrNone, "user": AddrUser, "kernel": AddrKernel,
}

func (w *wireType) resolve() (SizedType, error) {
	if w == nil {
		return SizedType{}, nil
	}
	kind, ok := kindNames[w.Kind]
	if !ok {
		return SizedType{}, fmt.Errorf("ast: unknown type kind %q", w.Kind)
	}
	as, ok := addrSpaceNames[w.AddressSpace]
	if !ok {
		return SizedType{}, fmt.Errorf("ast: unknown address space %q", w.AddressSpace)
	}
	t := SizedType{
		Kind: kind, Size: w.Size, Signed: w.Signed, AddressSpace: as,
		IsCtxAccess: w.IsCtxAccess, IsTPArg: w.IsTPArg, IsInternal: w.IsInternal,
		IsKFArg: w.IsKFArg, RecordName: w.RecordName,
	}
	for _, e := range w.TupleElems {
		et, err := e.resolve()
		if err != nil {
			return SizedType{}, err
		}
		t.TupleElems = append(t.TupleElems, et)
	}
	if w.Pointee != nil {
		pt, err := w.Pointee.resolve()
		if err != nil {
			return SizedType{}, err
		}
		t.Pointee = &pt
	}
	return t, nil
}

type wireLoc struct {
	Line int    `json:"line"`
	Col  int    `json:"col"`
	Text string `json:"text"`
}

func (w wireLoc) resolve() Loc { return Loc{Line: w.Line, Col: w.Col, Text: w.Text} }

// wireExpr is the tagged-union wire form of Expr: Kind selects which of the
// remaining fields are populated.
type wireExpr struct {
	Kind  string          `json:"kind"`
	Type  wireType        `json:"type"`
	Loc   wireLoc         `json:"loc"`
	Value json.RawMessage `json:"value,omitempty"`

	Name  string      `json:"name,omitempty"`
	N     int         `json:"n,omitempty"`
	Arg   int         `json:"arg,omitempty"`
	Func  string       `json:"func,omitempty"`
	Vargs []wireExpr   `json:"vargs,omitempty"`
	Map   *wireExpr    `json:"map,omitempty"`
	Ident string       `json:"ident,omitempty"`
	Op    string       `json:"op,omitempty"`
	Operand *wireExpr  `json:"operand,omitempty"`
	Left  *wireExpr    `json:"left,omitempty"`
	Right *wireExpr    `json:"right,omitempty"`
	Cond  *wireExpr    `json:"cond,omitempty"`
	Then  *wireExpr    `json:"then,omitempty"`
	Else  *wireExpr    `json:"else,omitempty"`
	Record *wireExpr   `json:"record,omitempty"`
	Field string       `json:"field,omitempty"`
	Array *wireExpr    `json:"array,omitempty"`
	Index *wireExpr    `json:"index,omitempty"`
	Elems []wireExpr   `json:"elems,omitempty"`
}

var unopNames = map[string]UnopKind{
	"not": UnopNot, "neg": UnopNeg, "bitnot": UnopBitNot, "deref": UnopDeref,
	"preincr": UnopPreIncr, "predecr": UnopPreDecr,
	"postincr": UnopPostIncr, "postdecr": UnopPostDecr,
}

var binopNames = map[string]BinopKind{
	"+": BinopAdd, "-": BinopSub, "*": BinopMul, "/": BinopDiv, "%": BinopMod,
	"&": BinopAnd, "|": BinopOr, "^": BinopXor, "<<": BinopShl, ">>": BinopShr,
	"&&": BinopLAnd, "||": BinopLOr, "==": BinopEq, "!=": BinopNe,
	"<": BinopLt, "<=": BinopLe, ">": BinopGt, ">=": BinopGe,
}

func (w *wireExpr) resolve() (Expr, error) {
	if w == nil {
		return nil, nil
	}
	ty, err := w.Type.resolve()
	if err != nil {
		return nil, err
	}
	b := base{Ty: ty, Loc: w.Loc.resolve()}

	switch w.Kind {
	case "integer":
		var v int64
		if len(w.Value) > 0 {
			if err := json.Unmarshal(w.Value, &v); err != nil {
				return nil, fmt.Errorf("ast: integer value: %w", err)
			}
		}
		return &Integer{base: b, Value: v}, nil
	case "string":
		var v string
		if len(w.Value) > 0 {
			if err := json.Unmarshal(w.Value, &v); err != nil {
				return nil, fmt.Errorf("ast: string value: %w", err)
			}
		}
		return &String{base: b, Value: v}, nil
	case "param":
		return &PositionalParameter{base: b, N: w.N}, nil
	case "identifier":
		var v int64
		if len(w.Value) > 0 {
			json.Unmarshal(w.Value, &v)
		}
		return &Identifier{base: b, Name: w.Name, Value: v}, nil
	case "builtin":
		return &Builtin{base: b, Name: w.Name, Arg: w.Arg}, nil
	case "call":
		vargs, err := resolveExprs(w.Vargs)
		if err != nil {
			return nil, err
		}
		var m *Map
		if w.Map != nil {
			me, err := w.Map.resolve()
			if err != nil {
				return nil, err
			}
			mm, ok := me.(*Map)
			if !ok {
				return nil, fmt.Errorf("ast: call %q map field is not a map node", w.Func)
			}
			m = mm
		}
		return &Call{base: b, Func: w.Func, Vargs: vargs, Map: m}, nil
	case "map":
		vargs, err := resolveExprs(w.Vargs)
		if err != nil {
			return nil, err
		}
		return &Map{base: b, Ident: w.Ident, Vargs: vargs}, nil
	case "variable":
		return &Variable{base: b, Ident: w.Ident}, nil
	case "unop":
		op, ok := unopNames[w.Op]
		if !ok {
			return nil, fmt.Errorf("ast: unknown unop %q", w.Op)
		}
		operand, err := w.Operand.resolve()
		if err != nil {
			return nil, err
		}
		return &Unop{base: b, Op: op, Operand: operand}, nil
	case "binop":
		op, ok := binopNames[w.Op]
		if !ok {
			return nil, fmt.Errorf("ast: unknown binop %q", w.Op)
		}
		left, err := w.Left.resolve()
		if err != nil {
			return nil, err
		}
		right, err := w.Right.resolve()
		if err != nil {
			return nil, err
		}
		return &Binop{base: b, Op: op, Left: left, Right: right}, nil
	case "ternary":
		cond, err := w.Cond.resolve()
		if err != nil {
			return nil, err
		}
		then, err := w.Then.resolve()
		if err != nil {
			return nil, err
		}
		els, err := w.Else.resolve()
		if err != nil {
			return nil, err
		}
		return &Ternary{base: b, Cond: cond, Then: then, Else: els}, nil
	case "field":
		rec, err := w.Record.resolve()
		if err != nil {
			return nil, err
		}
		return &FieldAccess{base: b, Record: rec, Field: w.Field}, nil
	case "index":
		arr, err := w.Array.resolve()
		if err != nil {
			return nil, err
		}
		idx, err := w.Index.resolve()
		if err != nil {
			return nil, err
		}
		return &ArrayAccess{base: b, Array: arr, Index: idx}, nil
	case "cast":
		operand, err := w.Operand.resolve()
		if err != nil {
			return nil, err
		}
		return &Cast{base: b, Operand: operand}, nil
	case "tuple":
		elems, err := resolveExprs(w.Elems)
		if err != nil {
			return nil, err
		}
		return &Tuple{base: b, Elems: elems}, nil
	default:
		return nil, fmt.Errorf("ast: unknown expression kind %q", w.Kind)
	}
}

func resolveExprs(ws []wireExpr) ([]Expr, error) {
	out := make([]Expr, 0, len(ws))
	for i := range ws {
		e, err := ws[i].resolve()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

type wireStmt struct {
	Kind  string      `json:"kind"`
	Loc   wireLoc     `json:"loc"`
	Expr  *wireExpr   `json:"expr,omitempty"`
	Map   *wireExpr   `json:"map,omitempty"`
	Value *wireExpr   `json:"value,omitempty"`
	Ident string      `json:"ident,omitempty"`
	Cond  *wireExpr   `json:"cond,omitempty"`
	Then  []wireStmt  `json:"then,omitempty"`
	Else  []wireStmt  `json:"else,omitempty"`
	Body  []wireStmt  `json:"body,omitempty"`
	N     int         `json:"n,omitempty"`
	Jump  string      `json:"jump,omitempty"`
}

var jumpNames = map[string]JumpKind{
	"return": JumpReturn, "break": JumpBreak, "continue": JumpContinue,
}

func (w *wireStmt) resolve() (Stmt, error) {
	loc := w.Loc.resolve()
	switch w.Kind {
	case "expr":
		e, err := w.Expr.resolve()
		if err != nil {
			return nil, err
		}
		return &ExprStatement{Expr: e, Loc: loc}, nil
	case "assign_map":
		me, err := w.Map.resolve()
		if err != nil {
			return nil, err
		}
		m, ok := me.(*Map)
		if !ok {
			return nil, fmt.Errorf("ast: assign_map target is not a map node")
		}
		v, err := w.Value.resolve()
		if err != nil {
			return nil, err
		}
		return &AssignMap{Map: m, Value: v, Loc: loc}, nil
	case "assign_var":
		v, err := w.Value.resolve()
		if err != nil {
			return nil, err
		}
		return &AssignVar{Ident: w.Ident, Value: v, Loc: loc}, nil
	case "if":
		cond, err := w.Cond.resolve()
		if err != nil {
			return nil, err
		}
		then, err := resolveStmts(w.Then)
		if err != nil {
			return nil, err
		}
		els, err := resolveStmts(w.Else)
		if err != nil {
			return nil, err
		}
		return &If{Cond: cond, Then: then, Else: els, Loc: loc}, nil
	case "while":
		cond, err := w.Cond.resolve()
		if err != nil {
			return nil, err
		}
		body, err := resolveStmts(w.Body)
		if err != nil {
			return nil, err
		}
		return &While{Cond: cond, Body: body, Loc: loc}, nil
	case "unroll":
		body, err := resolveStmts(w.Body)
		if err != nil {
			return nil, err
		}
		return &Unroll{N: w.N, Body: body, Loc: loc}, nil
	case "jump":
		jk, ok := jumpNames[w.Jump]
		if !ok {
			return nil, fmt.Errorf("ast: unknown jump %q", w.Jump)
		}
		return &Jump{Kind: jk, Loc: loc}, nil
	default:
		return nil, fmt.Errorf("ast: unknown statement kind %q", w.Kind)
	}
}

func resolveStmts(ws []wireStmt) ([]Stmt, error) {
	out := make([]Stmt, 0, len(ws))
	for i := range ws {
		s, err := ws[i].resolve()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

type wireAttachPoint struct {
	Provider string  `json:"provider"`
	Target   string  `json:"target"`
	NS       string  `json:"ns"`
	Function string  `json:"function"`
	Loc      wireLoc `json:"loc"`
}

type wirePredicate struct {
	Expr wireExpr `json:"expr"`
	Loc  wireLoc  `json:"loc"`
}

type wireProbe struct {
	Name         string            `json:"name"`
	AttachPoints []wireAttachPoint `json:"attach_points"`
	Predicate    *wirePredicate    `json:"predicate,omitempty"`
	Stmts        []wireStmt        `json:"stmts"`
	Loc          wireLoc           `json:"loc"`
}

type wireProgram struct {
	Probes []wireProbe `json:"probes"`
}

// Decode parses a JSON-encoded, already-analyzed program into the typed AST.
func Decode(data []byte) (*Program, error) {
	var wp wireProgram
	if err := json.Unmarshal(data, &wp); err != nil {
		return nil, fmt.Errorf("ast: decode program: %w", err)
	}
	prog := &Program{}
	for _, wpr := range wp.Probes {
		p := &Probe{Name: wpr.Name, Loc: wpr.Loc.resolve()}
		for _, wap := range wpr.AttachPoints {
			p.AttachPoints = append(p.AttachPoints, &AttachPoint{
				Provider: wap.Provider, Target: wap.Target, NS: wap.NS,
				Function: wap.Function, Loc: wap.Loc.resolve(),
			})
		}
		if wpr.Predicate != nil {
			e, err := wpr.Predicate.Expr.resolve()
			if err != nil {
				return nil, fmt.Errorf("ast: probe %q predicate: %w", wpr.Name, err)
			}
			p.Predicate = &Predicate{Expr: e, Loc: wpr.Predicate.Loc.resolve()}
		}
		stmts, err := resolveStmts(wpr.Stmts)
		if err != nil {
			return nil, fmt.Errorf("ast: probe %q: %w", wpr.Name, err)
		}
		p.Stmts = stmts
		prog.Probes = append(prog.Probes, p)
	}
	return prog, nil
}
