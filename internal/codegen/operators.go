package codegen

import (
	"fmt"

	"github.com/JamesMBartlett/bpftrace/internal/ast"
)

// lowerBinop implements spec §4.4's operator table: arithmetic/bitwise/
// shift/comparison at 64-bit width, signed comparisons only when both
// operands are signed, always-unsigned modulo, short-circuit && / ||, and
// the string/buffer equality special cases.
func (g *Generator) lowerBinop(n *ast.Binop) (Value, Release, error) {
	if n.Op == ast.BinopLAnd || n.Op == ast.BinopLOr {
		return g.lowerShortCircuit(n)
	}
	if isStringLike(n.Left.Type()) && isStringLike(n.Right.Type()) && (n.Op == ast.BinopEq || n.Op == ast.BinopNe) {
		return g.lowerStringEquality(n)
	}

	left, lrelease, err := g.LowerExpr(n.Left)
	if err != nil {
		return Value{}, nil, err
	}
	right, rrelease, err := g.LowerExpr(n.Right)
	if err != nil {
		return Value{}, nil, err
	}
	l := g.widenTo64(left)
	r := g.widenTo64(right)
	if lrelease != nil {
		lrelease()
	}
	if rrelease != nil {
		rrelease()
	}
	bothSigned := left.Sem.Signed && right.Sem.Signed

	var out string
	resultTy := n.Type()
	switch n.Op {
	case ast.BinopAdd:
		out = g.binInst("add", l, r)
	case ast.BinopSub:
		out = g.binInst("sub", l, r)
	case ast.BinopMul:
		out = g.binInst("mul", l, r)
	case ast.BinopDiv:
		if bothSigned {
			out = g.binInst("sdiv", l, r)
		} else {
			out = g.binInst("udiv", l, r)
		}
	case ast.BinopMod:
		// Modulo is always unsigned regardless of operand signedness (spec
		// §4.4, §8): the underlying VM lacks a signed-remainder instruction.
		out = g.binInst("urem", l, r)
	case ast.BinopAnd:
		out = g.binInst("and", l, r)
	case ast.BinopOr:
		out = g.binInst("or", l, r)
	case ast.BinopXor:
		out = g.binInst("xor", l, r)
	case ast.BinopShl:
		out = g.binInst("shl", l, r)
	case ast.BinopShr:
		if bothSigned {
			out = g.binInst("ashr", l, r)
		} else {
			out = g.binInst("lshr", l, r)
		}
	case ast.BinopEq:
		out = g.cmpInst("eq", l, r)
	case ast.BinopNe:
		out = g.cmpInst("ne", l, r)
	case ast.BinopLt:
		out = g.cmpInst(signedCmp("slt", "ult", bothSigned), l, r)
	case ast.BinopLe:
		out = g.cmpInst(signedCmp("sle", "ule", bothSigned), l, r)
	case ast.BinopGt:
		out = g.cmpInst(signedCmp("sgt", "ugt", bothSigned), l, r)
	case ast.BinopGe:
		out = g.cmpInst(signedCmp("sge", "uge", bothSigned), l, r)
	default:
		return Value{}, nil, internalf(n, "unsupported binary operator")
	}
	return intValue(out, resultTy), noRelease, nil
}

func signedCmp(signed, unsigned string, useSigned bool) string {
	if useSigned {
		return signed
	}
	return unsigned
}

func (g *Generator) binInst(op, l, r string) string {
	reg := g.nextTemp()
	g.emit(fmt.Sprintf("%s = %s i64 %s, %s", reg, op, l, r))
	return reg
}

// cmpInst emits an icmp and widens the resulting i1 back to i64 (unsigned
// extend), per spec §4.4's "unary not widens the result back to operand
// width" convention applied uniformly to every boolean-producing op.
func (g *Generator) cmpInst(pred, l, r string) string {
	cmp := g.nextTemp()
	g.emit(fmt.Sprintf("%s = icmp %s i64 %s, %s", cmp, pred, l, r))
	out := g.nextTemp()
	g.emit(fmt.Sprintf("%s = zext i1 %s to i64", out, cmp))
	return out
}

func isStringLike(t ast.SizedType) bool {
	return t.Kind == ast.KindString || t.Kind == ast.KindBuffer
}

// lowerShortCircuit implements && / || via an explicit CFG with a result
// slot, never evaluating the right operand when the left already
// determines the result (spec §4.4, §8).
func (g *Generator) lowerShortCircuit(n *ast.Binop) (Value, Release, error) {
	left, lrelease, err := g.LowerExpr(n.Left)
	if err != nil {
		return Value{}, nil, err
	}
	l := g.widenTo64(left)
	if lrelease != nil {
		lrelease()
	}
	lIsZero := g.nextTemp()
	g.emit(fmt.Sprintf("%s = icmp eq i64 %s, 0", lIsZero, l))

	evalRight := g.nextLabel("scright")
	shortCircuit := g.nextLabel("scshort")
	end := g.nextLabel("scend")

	resultSlot, release := g.Alloca("i64", 8)

	if n.Op == ast.BinopLAnd {
		// left == 0 -> result false without evaluating right.
		g.emit(fmt.Sprintf("br i1 %s, label %%%s, label %%%s", lIsZero, shortCircuit, evalRight))
	} else {
		// left != 0 -> result true without evaluating right.
		g.emit(fmt.Sprintf("br i1 %s, label %%%s, label %%%s", lIsZero, evalRight, shortCircuit))
	}

	g.label(shortCircuit)
	shortVal := int64(0)
	if n.Op == ast.BinopLOr {
		shortVal = 1
	}
	g.emit(fmt.Sprintf("store i64 %d, ptr %s", shortVal, resultSlot))
	g.emit(fmt.Sprintf("br label %%%s", end))

	g.label(evalRight)
	right, rrelease, err := g.LowerExpr(n.Right)
	if err != nil {
		return Value{}, nil, err
	}
	r := g.widenTo64(right)
	if rrelease != nil {
		rrelease()
	}
	rIsZero := g.nextTemp()
	g.emit(fmt.Sprintf("%s = icmp eq i64 %s, 0", rIsZero, r))
	rBool := g.nextTemp()
	g.emit(fmt.Sprintf("%s = xor i1 %s, true", rBool, rIsZero))
	rWide := g.nextTemp()
	g.emit(fmt.Sprintf("%s = zext i1 %s to i64", rWide, rBool))
	g.emit(fmt.Sprintf("store i64 %s, ptr %s", rWide, resultSlot))
	g.emit(fmt.Sprintf("br label %%%s", end))

	g.label(end)
	result := g.nextTemp()
	g.emit(fmt.Sprintf("%s = load i64, ptr %s, align 8", result, resultSlot))
	return intValue(result, n.Type()), release, nil
}

// lowerStringEquality resolves Open Question 3 per original_source: when
// both operands are non-literal strings, the comparison clamps to
// min(sizeA, sizeB)+1 (to cover the NUL terminator) rather than erroring on
// a size mismatch; buffers carry no terminator, so the same clamp applies
// with no +1.
func (g *Generator) lowerStringEquality(n *ast.Binop) (Value, Release, error) {
	if lit, ok := n.Right.(*ast.String); ok {
		return g.lowerStringEqLiteral(n.Left, lit.Value, n.Op == ast.BinopNe, n.Type())
	}
	if lit, ok := n.Left.(*ast.String); ok {
		return g.lowerStringEqLiteral(n.Right, lit.Value, n.Op == ast.BinopNe, n.Type())
	}

	left, lrelease, err := g.LowerExpr(n.Left)
	if err != nil {
		return Value{}, nil, err
	}
	right, rrelease, err := g.LowerExpr(n.Right)
	if err != nil {
		return Value{}, nil, err
	}
	length := n.Left.Type().Size
	if n.Right.Type().Size < length {
		length = n.Right.Type().Size
	}
	// Strings compare one byte past min(sizeA,sizeB) to include the NUL
	// terminator; buffers carry no terminator, so they compare exactly
	// min(sizeA,sizeB) with no +1.
	if n.Left.Type().Kind != ast.KindBuffer {
		length++
	}
	inverse := n.Op == ast.BinopNe // __strncmp_impl returns 1 on match already; "!=" flips it
	result := g.Strncmp(left.Reg, left.Sem.AddressSpace, right.Reg, right.Sem.AddressSpace, int64(length), inverse)
	if lrelease != nil {
		lrelease()
	}
	if rrelease != nil {
		rrelease()
	}
	return intValue(result, n.Type()), noRelease, nil
}

func (g *Generator) lowerStringEqLiteral(operand ast.Expr, literal string, wantInverse bool, resultTy ast.SizedType) (Value, Release, error) {
	v, release, err := g.LowerExpr(operand)
	if err != nil {
		return Value{}, nil, err
	}
	// Strcmp returns 0 on mismatch and 1 on match with inverse=false; "!="
	// wants the flipped sense.
	result := g.Strcmp(v.Reg, v.Sem.AddressSpace, literal, wantInverse)
	if release != nil {
		release()
	}
	return intValue(result, resultTy), noRelease, nil
}
