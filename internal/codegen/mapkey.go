package codegen

import (
	"fmt"

	"github.com/JamesMBartlett/bpftrace/internal/ast"
)

// keyComponent is one already-lowered map-key argument, paired with
// whatever release its value owns.
type keyComponent struct {
	Value   Value
	Release Release
}

// GetMapKey builds a map key on the stack from zero or more already-
// lowered arguments (spec §4.2):
//   - 0 args: an 8-byte key holding zero.
//   - 1 stack-resident arg: the argument's own pointer is reused as the
//     key; the caller must not release it (ownership transfers here).
//   - 1 scalar arg: an 8-byte key holding the sign-widened value.
//   - N args: a key sized to the sum of each argument's declared size,
//     concatenated with per-argument widening (scalars) or memcpy
//     (stack-resident values).
//
// Returns the key pointer and its size in bytes.
func (g *Generator) GetMapKey(args []keyComponent) (keyPtr string, size int) {
	if len(args) == 0 {
		ptr, _ := g.Alloca("i64", 8)
		g.emit(fmt.Sprintf("store i64 0, ptr %s", ptr))
		return ptr, 8
	}
	if len(args) == 1 && isStackResident(args[0].Value.Sem) {
		// Ownership transfers to the key: the caller's Release for this
		// component must not be invoked.
		return args[0].Value.Reg, args[0].Value.Sem.Size
	}
	if len(args) == 1 {
		ptr, _ := g.Alloca("i64", 8)
		widened := g.widenTo64(args[0].Value)
		g.emit(fmt.Sprintf("store i64 %s, ptr %s", widened, ptr))
		if args[0].Release != nil {
			args[0].Release()
		}
		return ptr, 8
	}

	total := 0
	for _, a := range args {
		total += componentWidth(a.Value.Sem)
	}
	ptr, _ := g.Alloca(fmt.Sprintf("[%d x i8]", total), total)
	offset := 0
	for _, a := range args {
		width := componentWidth(a.Value.Sem)
		slot := g.gepBytes(ptr, offset)
		if isStackResident(a.Value.Sem) {
			g.emitMemcpy(slot, a.Value.Reg, a.Value.Sem.Size)
		} else {
			widened := g.widenTo64(a.Value)
			g.emit(fmt.Sprintf("store i64 %s, ptr %s", widened, slot))
		}
		if a.Release != nil {
			a.Release()
		}
		offset += width
	}
	return ptr, total
}

// GetHistMapKey is GetMapKey with 8 trailing bytes holding bucket (spec
// §4.2). When args is empty the key degenerates to just the bucket.
func (g *Generator) GetHistMapKey(args []keyComponent, bucket string) (keyPtr string, size int) {
	if len(args) == 0 {
		ptr, _ := g.Alloca("i64", 8)
		g.emit(fmt.Sprintf("store i64 %s, ptr %s", bucket, ptr))
		return ptr, 8
	}
	total := 0
	for _, a := range args {
		total += componentWidth(a.Value.Sem)
	}
	total += 8
	ptr, _ := g.Alloca(fmt.Sprintf("[%d x i8]", total), total)
	offset := 0
	for _, a := range args {
		width := componentWidth(a.Value.Sem)
		slot := g.gepBytes(ptr, offset)
		if isStackResident(a.Value.Sem) {
			g.emitMemcpy(slot, a.Value.Reg, a.Value.Sem.Size)
		} else {
			widened := g.widenTo64(a.Value)
			g.emit(fmt.Sprintf("store i64 %s, ptr %s", widened, slot))
		}
		if a.Release != nil {
			a.Release()
		}
		offset += width
	}
	slot := g.gepBytes(ptr, offset)
	g.emit(fmt.Sprintf("store i64 %s, ptr %s", bucket, slot))
	return ptr, total
}

func isStackResident(t ast.SizedType) bool {
	switch t.Kind {
	case ast.KindString, ast.KindBuffer, ast.KindRecord, ast.KindTuple, ast.KindArray:
		return true
	default:
		return false
	}
}

// componentWidth rounds a scalar up to 8 bytes for key concatenation
// (spec §3: "Map keys ... referenced by pointer into stack memory"; scalar
// components are always widened to 64 bits per spec §3's integer-width
// invariant), and uses the declared size unchanged for stack-resident
// values.
func componentWidth(t ast.SizedType) int {
	if isStackResident(t) {
		return t.Size
	}
	return 8
}

func (g *Generator) gepBytes(ptr string, offset int) string {
	if offset == 0 {
		return ptr
	}
	reg := g.nextTemp()
	g.emit(fmt.Sprintf("%s = getelementptr i8, ptr %s, i64 %d", reg, ptr, offset))
	return reg
}

func (g *Generator) emitMemcpy(dst, src string, size int) {
	g.addHelperDecl("llvm.memcpy.p0.p0.i64",
		"declare void @llvm.memcpy.p0.p0.i64(ptr nocapture writeonly, ptr nocapture readonly, i64, i1 immarg)")
	g.emit(fmt.Sprintf("call void @llvm.memcpy.p0.p0.i64(ptr %s, ptr %s, i64 %d, i1 false)", dst, src, size))
}

// widenTo64 sign- or zero-extends a scalar value to i64, per spec §3's
// invariant that integers carried in `expr` are always 64-bit wide with
// correct signedness (spec §8's "key widening" testable property).
func (g *Generator) widenTo64(v Value) string {
	if v.IRType == "i64" {
		return v.Reg
	}
	reg := g.nextTemp()
	op := "zext"
	if v.Sem.Signed {
		op = "sext"
	}
	g.emit(fmt.Sprintf("%s = %s %s to i64", reg, op, v.Operand()))
	return reg
}
