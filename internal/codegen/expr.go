package codegen

import (
	"fmt"
	"strconv"

	"github.com/JamesMBartlett/bpftrace/internal/ast"
)

// LowerExpr is the explicit recursive lowering entry point: it returns the
// produced value plus a Release that must be invoked exactly once, unless
// the caller transfers ownership onward (spec §9's re-architecture of the
// visitor's implicit `expr`/`expr_deleter` register).
func (g *Generator) LowerExpr(e ast.Expr) (Value, Release, error) {
	switch n := e.(type) {
	case *ast.Integer:
		return immediate(n.Value, n.Type().Signed), noRelease, nil
	case *ast.String:
		return g.lowerStringLiteral(n)
	case *ast.PositionalParameter:
		return g.lowerPositionalParameter(n)
	case *ast.Identifier:
		return intValue(formatImm(n.Value), n.Type()), noRelease, nil
	case *ast.Builtin:
		return g.lowerBuiltin(n)
	case *ast.Call:
		return g.LowerCall(n)
	case *ast.Variable:
		return g.lowerVariableRead(n)
	case *ast.Unop:
		return g.lowerUnop(n)
	case *ast.Binop:
		return g.lowerBinop(n)
	case *ast.Ternary:
		return g.lowerTernary(n)
	case *ast.FieldAccess:
		return g.lowerFieldAccess(n)
	case *ast.ArrayAccess:
		return g.lowerArrayAccess(n)
	case *ast.Cast:
		return g.lowerCast(n)
	case *ast.Tuple:
		return g.lowerTuple(n)
	case *ast.Map:
		return g.lowerMapRead(n)
	default:
		return Value{}, nil, internalf(e, "unsupported expression node %T", e)
	}
}

func (g *Generator) lowerStringLiteral(n *ast.String) (Value, Release, error) {
	size := n.Type().Size
	if size == 0 {
		size = len(n.Value) + 1
	}
	ptr, release := g.Alloca(fmt.Sprintf("[%d x i8]", size), size)
	g.ZeroFill(ptr, size)
	lit := g.emitStringLiteral(n.Value)
	copyLen := len(n.Value) + 1
	if copyLen > size {
		copyLen = size
	}
	g.emitMemcpy(ptr, lit, copyLen)
	return Value{Reg: ptr, IRType: "ptr", Sem: n.Type()}, release, nil
}

func (g *Generator) lowerPositionalParameter(n *ast.PositionalParameter) (Value, Release, error) {
	if n.N < 0 {
		return immediate(int64(g.cfg.Services.Params.NumParams()), false), noRelease, nil
	}
	numeric, err := g.cfg.Services.Params.GetParam(n.N, false)
	if err == nil {
		v, perr := strconv.ParseInt(numeric, 0, 64)
		if perr == nil {
			return immediate(v, true), noRelease, nil
		}
	}
	s, err := g.cfg.Services.Params.GetParam(n.N, true)
	if err != nil {
		return Value{}, nil, &ResolutionError{What: "positional parameter", Name: fmt.Sprintf("$%d", n.N), Err: err}
	}
	size := n.Type().Size
	if size == 0 {
		size = len(s) + 1
	}
	ptr, release := g.Alloca(fmt.Sprintf("[%d x i8]", size), size)
	g.ZeroFill(ptr, size)
	lit := g.emitStringLiteral(s)
	copyLen := len(s) + 1
	if copyLen > size {
		copyLen = size
	}
	g.emitMemcpy(ptr, lit, copyLen)
	return Value{Reg: ptr, IRType: "ptr", Sem: n.Type()}, release, nil
}

func (g *Generator) lowerVariableRead(n *ast.Variable) (Value, Release, error) {
	slot, ok := g.scalarVars[n.Ident]
	if !ok {
		return Value{}, nil, internalf(n, "read of undeclared variable %q", n.Ident)
	}
	if isStackResident(slot.Sem) {
		return Value{Reg: slot.Reg, IRType: "ptr", Sem: slot.Sem}, noRelease, nil
	}
	reg := g.nextTemp()
	g.emit(fmt.Sprintf("%s = load %s, ptr %s, align 8", reg, slot.IRType, slot.Reg))
	return Value{Reg: reg, IRType: slot.IRType, Sem: slot.Sem}, noRelease, nil
}

func (g *Generator) lowerMapRead(n *ast.Map) (Value, Release, error) {
	desc, ok := g.cfg.Services.Maps.Lookup(n.Ident)
	if !ok {
		return Value{}, nil, &ResolutionError{What: "map", Name: n.Ident}
	}
	mapReg := "@map_" + sanitizeMapName(n.Ident)
	var comps []keyComponent
	for _, v := range n.Vargs {
		val, rel, err := g.LowerExpr(v)
		if err != nil {
			return Value{}, nil, err
		}
		comps = append(comps, keyComponent{Value: val, Release: rel})
	}
	keyPtr, _ := g.GetMapKey(comps)
	_ = desc
	result := g.MapLookupOrZero(mapReg, keyPtr)
	return intValue(result, ast.NewSized(ast.KindInt, 8, false)), noRelease, nil
}

// lowerCast narrows/widens an integer and sets signedness; a no-op for
// non-integer casts (spec §4.4).
func (g *Generator) lowerCast(n *ast.Cast) (Value, Release, error) {
	v, release, err := g.LowerExpr(n.Operand)
	if err != nil {
		return Value{}, nil, err
	}
	if n.Type().Kind != ast.KindInt || v.Sem.Kind != ast.KindInt {
		return Value{Reg: v.Reg, IRType: v.IRType, Sem: n.Type()}, release, nil
	}
	widened := g.widenTo64(v)
	return Value{Reg: widened, IRType: "i64", Sem: n.Type()}, release, nil
}

// lowerTuple allocates a tuple-shaped struct on the stack and fills each
// field in order (spec §4.4).
func (g *Generator) lowerTuple(n *ast.Tuple) (Value, Release, error) {
	total := 0
	for _, e := range n.Elems {
		total += componentWidth(e.Type())
	}
	ptr, release := g.Alloca(fmt.Sprintf("[%d x i8]", total), total)
	offset := 0
	for _, e := range n.Elems {
		v, rel, err := g.LowerExpr(e)
		if err != nil {
			return Value{}, nil, err
		}
		width := componentWidth(v.Sem)
		slot := g.gepBytes(ptr, offset)
		if isStackResident(v.Sem) {
			g.emitMemcpy(slot, v.Reg, v.Sem.Size)
		} else {
			widened := g.widenTo64(v)
			g.emit(fmt.Sprintf("store i64 %s, ptr %s", widened, slot))
		}
		if rel != nil {
			rel()
		}
		offset += width
	}
	return Value{Reg: ptr, IRType: "ptr", Sem: n.Type()}, release, nil
}

// lowerTernary evaluates cond and stores the taken branch's value into a
// result slot ("phi-via-stack-slot", spec §9), avoiding a real IR phi node.
func (g *Generator) lowerTernary(n *ast.Ternary) (Value, Release, error) {
	cond, condRelease, err := g.LowerExpr(n.Cond)
	if err != nil {
		return Value{}, nil, err
	}
	if condRelease != nil {
		condRelease()
	}
	condReg := g.widenTo64(cond)
	isZero := g.nextTemp()
	g.emit(fmt.Sprintf("%s = icmp eq i64 %s, 0", isZero, condReg))

	thenLabel := g.nextLabel("terntrue")
	elseLabel := g.nextLabel("ternfalse")
	endLabel := g.nextLabel("ternend")
	g.emit(fmt.Sprintf("br i1 %s, label %%%s, label %%%s", isZero, elseLabel, thenLabel))

	resultTy := "i64"
	resultSlot, resultRelease := g.Alloca(resultTy, 8)

	g.label(thenLabel)
	tv, trel, err := g.LowerExpr(n.Then)
	if err != nil {
		return Value{}, nil, err
	}
	g.emit(fmt.Sprintf("store i64 %s, ptr %s", g.widenTo64(tv), resultSlot))
	if trel != nil {
		trel()
	}
	g.emit(fmt.Sprintf("br label %%%s", endLabel))

	g.label(elseLabel)
	ev, erel, err := g.LowerExpr(n.Else)
	if err != nil {
		return Value{}, nil, err
	}
	g.emit(fmt.Sprintf("store i64 %s, ptr %s", g.widenTo64(ev), resultSlot))
	if erel != nil {
		erel()
	}
	g.emit(fmt.Sprintf("br label %%%s", endLabel))

	g.label(endLabel)
	result := g.nextTemp()
	g.emit(fmt.Sprintf("%s = load i64, ptr %s, align 8", result, resultSlot))
	return intValue(result, n.Type()), resultRelease, nil
}

// lowerUnop handles logical-not, bitwise-not, negation, dereference, and
// increment/decrement (spec §4.4).
func (g *Generator) lowerUnop(n *ast.Unop) (Value, Release, error) {
	switch n.Op {
	case ast.UnopNot:
		v, release, err := g.LowerExpr(n.Operand)
		if err != nil {
			return Value{}, nil, err
		}
		reg := g.widenTo64(v)
		cmp := g.nextTemp()
		g.emit(fmt.Sprintf("%s = icmp eq i64 %s, 0", cmp, reg))
		widened := g.nextTemp()
		g.emit(fmt.Sprintf("%s = zext i1 %s to i64", widened, cmp))
		return intValue(widened, n.Type()), release, nil
	case ast.UnopBitNot:
		v, release, err := g.LowerExpr(n.Operand)
		if err != nil {
			return Value{}, nil, err
		}
		reg := g.widenTo64(v)
		out := g.nextTemp()
		g.emit(fmt.Sprintf("%s = xor i64 %s, -1", out, reg))
		return intValue(out, n.Type()), release, nil
	case ast.UnopNeg:
		v, release, err := g.LowerExpr(n.Operand)
		if err != nil {
			return Value{}, nil, err
		}
		reg := g.widenTo64(v)
		out := g.nextTemp()
		g.emit(fmt.Sprintf("%s = sub i64 0, %s", out, reg))
		return intValue(out, n.Type()), release, nil
	case ast.UnopDeref:
		return g.lowerDeref(n)
	case ast.UnopPreIncr, ast.UnopPreDecr, ast.UnopPostIncr, ast.UnopPostDecr:
		return g.lowerIncrDecr(n)
	default:
		return Value{}, nil, internalf(n, "unsupported unary operator")
	}
}

// lowerDeref issues a bounded probe-read of the pointee's size into a
// temporary and reloads it (spec §4.4).
func (g *Generator) lowerDeref(n *ast.Unop) (Value, Release, error) {
	ptrVal, release, err := g.LowerExpr(n.Operand)
	if err != nil {
		return Value{}, nil, err
	}
	pointee := n.Type()
	size := pointee.Size
	if size == 0 {
		size = 8
	}
	tmp, tmpRelease := g.Alloca(irTypeForSize(size), size)
	g.ProbeRead(tmp, size, ptrVal.Reg, ptrVal.Sem.AddressSpace, n.Location())
	if release != nil {
		release()
	}
	loaded := g.nextTemp()
	g.emit(fmt.Sprintf("%s = load %s, ptr %s, align 1", loaded, irTypeForSize(size), tmp))
	return Value{Reg: loaded, IRType: irTypeForSize(size), Sem: pointee}, tmpRelease, nil
}

// lowerIncrDecr is valid only against a map element or scalar variable
// (spec line 110); it produces the old value for post-ops, the new value
// for pre-ops, and writes the updated value back (spec §4.4).
func (g *Generator) lowerIncrDecr(n *ast.Unop) (Value, Release, error) {
	delta := int64(1)
	if n.Op == ast.UnopPreDecr || n.Op == ast.UnopPostDecr {
		delta = -1
	}
	pre := n.Op == ast.UnopPreIncr || n.Op == ast.UnopPreDecr

	switch v := n.Operand.(type) {
	case *ast.Variable:
		return g.lowerScalarIncrDecr(n, v, delta, pre)
	case *ast.Map:
		return g.lowerMapIncrDecr(n, v, delta, pre)
	default:
		return Value{}, nil, internalf(n, "increment/decrement requires a variable or map element operand")
	}
}

func (g *Generator) lowerScalarIncrDecr(n *ast.Unop, v *ast.Variable, delta int64, pre bool) (Value, Release, error) {
	slot, ok := g.scalarVars[v.Ident]
	if !ok {
		return Value{}, nil, internalf(n, "increment/decrement of undeclared variable %q", v.Ident)
	}
	old := g.nextTemp()
	g.emit(fmt.Sprintf("%s = load i64, ptr %s, align 8", old, slot.Reg))
	updated := g.nextTemp()
	g.emit(fmt.Sprintf("%s = add i64 %s, %d", updated, old, delta))
	g.emit(fmt.Sprintf("store i64 %s, ptr %s", updated, slot.Reg))
	if pre {
		return intValue(updated, n.Type()), noRelease, nil
	}
	return intValue(old, n.Type()), noRelease, nil
}

// lowerMapIncrDecr reads the map element (0 if absent, matching every other
// aggregation call in calls.go), adds/subtracts 1, and writes the result
// back, using the same MapLookupOrZero/MapUpdate pair lowerCountCall uses.
func (g *Generator) lowerMapIncrDecr(n *ast.Unop, m *ast.Map, delta int64, pre bool) (Value, Release, error) {
	comps, err := g.lowerMapKeyArgs(m)
	if err != nil {
		return Value{}, nil, err
	}
	keySize := mapKeySize(comps)
	mapReg := g.DeclareMap(m.Ident, "BPF_MAP_TYPE_HASH", keySize, 8)
	keyPtr, _ := g.GetMapKey(comps)

	old := g.MapLookupOrZero(mapReg, keyPtr)
	updated := g.nextTemp()
	g.emit(fmt.Sprintf("%s = add i64 %s, %d", updated, old, delta))
	valPtr, valRelease := g.Alloca("i64", 8)
	g.emit(fmt.Sprintf("store i64 %s, ptr %s", updated, valPtr))
	g.MapUpdate(mapReg, keyPtr, valPtr)
	valRelease()

	if pre {
		return intValue(updated, n.Type()), noRelease, nil
	}
	return intValue(old, n.Type()), noRelease, nil
}

func irTypeForSize(size int) string {
	switch {
	case size <= 1:
		return "i8"
	case size <= 2:
		return "i16"
	case size <= 4:
		return "i32"
	case size <= 8:
		return "i64"
	default:
		return fmt.Sprintf("[%d x i8]", size)
	}
}
