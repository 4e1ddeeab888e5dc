package codegen

import (
	"fmt"

	"github.com/JamesMBartlett/bpftrace/internal/ast"
)

// LowerStmts lowers a statement list in order, stopping at the first error.
func (g *Generator) LowerStmts(stmts []ast.Stmt) error {
	for _, s := range stmts {
		if err := g.LowerStmt(s); err != nil {
			return err
		}
	}
	return nil
}

// LowerStmt dispatches spec §4.5's statement forms.
func (g *Generator) LowerStmt(s ast.Stmt) error {
	switch n := s.(type) {
	case *ast.ExprStatement:
		return g.lowerExprStatement(n)
	case *ast.AssignMap:
		return g.lowerAssignMap(n)
	case *ast.AssignVar:
		return g.lowerAssignVar(n)
	case *ast.If:
		return g.lowerIf(n)
	case *ast.While:
		return g.lowerWhile(n)
	case *ast.Unroll:
		return g.lowerUnroll(n)
	case *ast.Jump:
		return g.lowerJump(n)
	default:
		return internalf(nil, "unsupported statement %T", s)
	}
}

func (g *Generator) lowerExprStatement(n *ast.ExprStatement) error {
	_, release, err := g.LowerExpr(n.Expr)
	if err != nil {
		return err
	}
	if release != nil {
		release()
	}
	return nil
}

// lowerAssignMap assigns Value to Map[key...], declaring the backing hash
// map sized to the value's own width (spec §4.2, §4.5) — distinct from the
// aggregation calls in calls.go, which own their map's value layout.
func (g *Generator) lowerAssignMap(n *ast.AssignMap) error {
	comps, err := g.lowerMapKeyArgs(n.Map)
	if err != nil {
		return err
	}
	val, valRelease, err := g.LowerExpr(n.Value)
	if err != nil {
		return err
	}
	valueSize := componentWidth(val.Sem)
	keySize := mapKeySize(comps)
	mapReg := g.DeclareMap(n.Map.Ident, "BPF_MAP_TYPE_HASH", keySize, valueSize)
	keyPtr, _ := g.GetMapKey(comps)

	if isStackResident(val.Sem) {
		g.MapUpdate(mapReg, keyPtr, val.Reg)
		if valRelease != nil {
			valRelease()
		}
		return nil
	}
	valPtr, release := g.Alloca("i64", 8)
	g.emit(fmt.Sprintf("store i64 %s, ptr %s", g.widenTo64(val), valPtr))
	if valRelease != nil {
		valRelease()
	}
	g.MapUpdate(mapReg, keyPtr, valPtr)
	release()
	return nil
}

// lowerAssignVar handles first-write allocation and subsequent in-place
// stores of a scalar tracing-language variable (spec §4.5): scalars get an
// 8-byte stack slot reused across writes; stack-resident values (strings,
// buffers, tuples) get a fixed buffer sized on first write and are
// memcpy'd into on every write thereafter.
func (g *Generator) lowerAssignVar(n *ast.AssignVar) error {
	val, valRelease, err := g.LowerExpr(n.Value)
	if err != nil {
		return err
	}

	slot, exists := g.scalarVars[n.Ident]
	if isStackResident(val.Sem) {
		size := val.Sem.Size
		if !exists {
			ptr, _ := g.Alloca(fmt.Sprintf("[%d x i8]", size), size)
			slot = scalarSlot{Reg: ptr, IRType: "ptr", Sem: val.Sem}
			g.scalarVars[n.Ident] = slot
		}
		g.emitMemcpy(slot.Reg, val.Reg, size)
		if valRelease != nil {
			valRelease()
		}
		return nil
	}

	widened := g.widenTo64(val)
	if valRelease != nil {
		valRelease()
	}
	if !exists {
		ptr, _ := g.Alloca("i64", 8)
		slot = scalarSlot{Reg: ptr, IRType: "i64", Sem: val.Sem}
		g.scalarVars[n.Ident] = slot
	}
	g.emit(fmt.Sprintf("store i64 %s, ptr %s", widened, slot.Reg))
	return nil
}

// lowerIf emits a three-way CFG: cond, then-block, optional else-block,
// join point. Statement lists produce no value, so no result slot is
// needed (unlike lowerTernary in expr.go).
func (g *Generator) lowerIf(n *ast.If) error {
	cond, release, err := g.LowerExpr(n.Cond)
	if err != nil {
		return err
	}
	condReg := g.widenTo64(cond)
	if release != nil {
		release()
	}
	isZero := g.nextTemp()
	g.emit(fmt.Sprintf("%s = icmp eq i64 %s, 0", isZero, condReg))

	thenLabel := g.nextLabel("iftrue")
	endLabel := g.nextLabel("ifend")
	elseLabel := endLabel
	if len(n.Else) > 0 {
		elseLabel = g.nextLabel("iffalse")
	}
	g.emit(fmt.Sprintf("br i1 %s, label %%%s, label %%%s", isZero, elseLabel, thenLabel))

	g.label(thenLabel)
	if err := g.LowerStmts(n.Then); err != nil {
		return err
	}
	g.emit(fmt.Sprintf("br label %%%s", endLabel))

	if len(n.Else) > 0 {
		g.label(elseLabel)
		if err := g.LowerStmts(n.Else); err != nil {
			return err
		}
		g.emit(fmt.Sprintf("br label %%%s", endLabel))
	}

	g.label(endLabel)
	return nil
}

// lowerWhile emits header/body/exit blocks, pushing continue/break targets
// onto g.loopStack for nested Jump statements to resolve (spec §4.5).
func (g *Generator) lowerWhile(n *ast.While) error {
	headerLabel := g.nextLabel("whilehead")
	bodyLabel := g.nextLabel("whilebody")
	endLabel := g.nextLabel("whileend")

	g.emit(fmt.Sprintf("br label %%%s", headerLabel))
	g.label(headerLabel)

	cond, release, err := g.LowerExpr(n.Cond)
	if err != nil {
		return err
	}
	condReg := g.widenTo64(cond)
	if release != nil {
		release()
	}
	isZero := g.nextTemp()
	g.emit(fmt.Sprintf("%s = icmp eq i64 %s, 0", isZero, condReg))
	g.emit(fmt.Sprintf("br i1 %s, label %%%s, label %%%s", isZero, endLabel, bodyLabel))

	g.label(bodyLabel)
	g.loopStack = append(g.loopStack, loopFrame{ContinueLabel: headerLabel, BreakLabel: endLabel})
	err = g.LowerStmts(n.Body)
	g.loopStack = g.loopStack[:len(g.loopStack)-1]
	if err != nil {
		return err
	}
	g.emit(fmt.Sprintf("br label %%%s", headerLabel))

	g.label(endLabel)
	return nil
}

// lowerUnroll statically repeats Body N times with no branching (spec
// §4.5); each repetition is lowered independently, so a variable first
// written inside the body is allocated once, on the first iteration.
func (g *Generator) lowerUnroll(n *ast.Unroll) error {
	for i := 0; i < n.N; i++ {
		if err := g.LowerStmts(n.Body); err != nil {
			return err
		}
	}
	return nil
}

// lowerJump implements return/break/continue. Every jump terminates the
// current block, so a fresh (unreachable in practice) block is opened
// afterward to keep subsequent statements in valid IR, mirroring
// lowerExitCall's discipline in calls.go.
func (g *Generator) lowerJump(n *ast.Jump) error {
	switch n.Kind {
	case ast.JumpReturn:
		g.emit("ret i64 0")
		g.label(g.nextLabel("afterreturn"))
	case ast.JumpBreak:
		if len(g.loopStack) == 0 {
			return internalf(nil, "break outside of a loop")
		}
		target := g.loopStack[len(g.loopStack)-1].BreakLabel
		g.emit(fmt.Sprintf("br label %%%s", target))
		g.label(g.nextLabel("afterbreak"))
	case ast.JumpContinue:
		if len(g.loopStack) == 0 {
			return internalf(nil, "continue outside of a loop")
		}
		target := g.loopStack[len(g.loopStack)-1].ContinueLabel
		g.emit(fmt.Sprintf("br label %%%s", target))
		g.label(g.nextLabel("aftercontinue"))
	default:
		return internalf(nil, "unsupported jump kind")
	}
	return nil
}
