package codegen

import (
	"fmt"

	"github.com/JamesMBartlett/bpftrace/internal/ast"
	"github.com/JamesMBartlett/bpftrace/internal/services"
)

// lowerFieldAccess implements spec §4.4's four field-access modes:
//
//  1. tuple-by-position: the record is a stack-resident tuple pointer; a
//     scalar field is loaded, a stack-resident field's pointer is borrowed
//     (lifetime transferred to the caller, so no release is emitted here).
//  2. internal record: already copied into BPF memory (e.g. from a map
//     value); direct GEP + load/borrow, no probe-read needed.
//  3. ctx access: a volatile load through a typed pointer at a known
//     offset from ctx.
//  4. external kernel/user pointer: bounded probe-read into a stack slot,
//     with bitfield mask+shift applied after the read when the field is a
//     sub-byte bitfield.
func (g *Generator) lowerFieldAccess(n *ast.FieldAccess) (Value, Release, error) {
	recTy := n.Record.Type()
	if recTy.Kind == ast.KindTuple {
		return g.lowerTupleFieldAccess(n)
	}

	schema, ok := g.cfg.Services.Structs.Lookup(recTy.RecordName)
	if !ok {
		return Value{}, nil, &ResolutionError{What: "struct", Name: recTy.RecordName}
	}
	field, ok := schema.Field(n.Field)
	if !ok {
		return Value{}, nil, internalf(n, "struct %q has no field %q", recTy.RecordName, n.Field)
	}

	recVal, recRelease, err := g.LowerExpr(n.Record)
	if err != nil {
		return Value{}, nil, err
	}

	switch {
	case recTy.IsCtxAccess:
		return g.lowerCtxFieldAccess(n, recVal, recRelease, field)
	case recTy.IsInternal:
		return g.lowerInternalFieldAccess(n, recVal, recRelease, field)
	default:
		return g.lowerExternalFieldAccess(n, recVal, recRelease, field)
	}
}

// lowerTupleFieldAccess reads n.Field (a decimal position, e.g. "0") out of
// a stack-resident tuple pointer.
func (g *Generator) lowerTupleFieldAccess(n *ast.FieldAccess) (Value, Release, error) {
	recVal, recRelease, err := g.LowerExpr(n.Record)
	if err != nil {
		return Value{}, nil, err
	}
	idx := tupleFieldIndex(n.Field)
	elems := n.Record.Type().TupleElems
	if idx < 0 || idx >= len(elems) {
		return Value{}, nil, internalf(n, "tuple index %q out of range", n.Field)
	}
	offset := 0
	for i := 0; i < idx; i++ {
		offset += componentWidth(elems[i])
	}
	fieldTy := elems[idx]
	slot := g.gepBytes(recVal.Reg, offset)
	if isStackResident(fieldTy) {
		// Borrow the pointer; the tuple's own Release (if any) still owns
		// the backing buffer, so this access transfers no ownership.
		return Value{Reg: slot, IRType: "ptr", Sem: fieldTy}, noRelease, nil
	}
	loaded := g.nextTemp()
	irTy := irTypeForSize(fieldTy.Size)
	g.emit(fmt.Sprintf("%s = load %s, ptr %s, align 1", loaded, irTy, slot))
	widened := g.nextTemp()
	g.emit(fmt.Sprintf("%s = zext %s %s to i64", widened, irTy, loaded))
	if recRelease != nil {
		recRelease()
	}
	return intValue(widened, fieldTy), noRelease, nil
}

func tupleFieldIndex(field string) int {
	n := 0
	for _, c := range field {
		if c < '0' || c > '9' {
			return -1
		}
		n = n*10 + int(c-'0')
	}
	return n
}

// lowerCtxFieldAccess emits a volatile load at ctx+field.Offset.
func (g *Generator) lowerCtxFieldAccess(n *ast.FieldAccess, recVal Value, recRelease Release, field services.StructField) (Value, Release, error) {
	gep := g.nextTemp()
	g.emit(fmt.Sprintf("%s = getelementptr i8, ptr %s, i64 %d", gep, recVal.Reg, field.Offset))
	irTy := irTypeForSize(field.Size)
	loaded := g.nextTemp()
	g.emit(fmt.Sprintf("%s = load volatile %s, ptr %s, align 8", loaded, irTy, gep))
	if recRelease != nil {
		recRelease()
	}
	widened := g.widenLoaded(loaded, irTy, field.Signed)
	return intValue(widened, n.Type()), noRelease, nil
}

// lowerInternalFieldAccess reads a field of a record already resident in
// BPF-local memory (e.g. copied out of a map), with no probe-read needed.
func (g *Generator) lowerInternalFieldAccess(n *ast.FieldAccess, recVal Value, recRelease Release, field services.StructField) (Value, Release, error) {
	gep := g.gepBytes(recVal.Reg, field.Offset)
	if n.Type().Kind == ast.KindRecord || n.Type().Kind == ast.KindArray {
		// Embedded aggregate: return the pointer, deferring the load to the
		// next access in the chain. Ownership of the parent buffer is not
		// transferred; the caller must not release it separately.
		return Value{Reg: gep, IRType: "ptr", Sem: n.Type()}, noRelease, nil
	}
	irTy := irTypeForSize(field.Size)
	loaded := g.nextTemp()
	g.emit(fmt.Sprintf("%s = load %s, ptr %s, align 1", loaded, irTy, gep))
	if recRelease != nil {
		recRelease()
	}
	if field.Bitfield != nil {
		return intValue(g.applyBitfield(loaded, irTy, field), n.Type()), noRelease, nil
	}
	widened := g.widenLoaded(loaded, irTy, field.Signed)
	return intValue(widened, n.Type()), noRelease, nil
}

// lowerExternalFieldAccess reads a field of a kernel/user-resident record
// via a bounded probe-read into a fresh stack slot, then applies any
// bitfield mask+shift.
func (g *Generator) lowerExternalFieldAccess(n *ast.FieldAccess, recVal Value, recRelease Release, field services.StructField) (Value, Release, error) {
	base := g.nextTemp()
	g.emit(fmt.Sprintf("%s = getelementptr i8, ptr %s, i64 %d", base, recVal.Reg, field.Offset))
	if n.Type().Kind == ast.KindRecord || n.Type().Kind == ast.KindArray {
		// Embedded aggregate at a kernel/user address: defer the probe-read
		// to the next access in the chain (e.g. curtask->mm->pgd), which
		// reads from this pointer using n.Type()'s own AddressSpace. No
		// memory has actually moved yet, so recVal's release is skipped
		// here, matching lowerInternalFieldAccess's deferred-pointer branch.
		return Value{Reg: base, IRType: "ptr", Sem: n.Type()}, noRelease, nil
	}
	size := field.Size
	if size == 0 {
		size = 8
	}
	tmp, tmpRelease := g.Alloca(irTypeForSize(size), size)
	g.ProbeRead(tmp, size, base, recVal.Sem.AddressSpace, n.Location())
	if recRelease != nil {
		recRelease()
	}
	irTy := irTypeForSize(size)
	loaded := g.nextTemp()
	g.emit(fmt.Sprintf("%s = load %s, ptr %s, align 1", loaded, irTy, tmp))
	tmpRelease()
	if field.Bitfield != nil {
		return intValue(g.applyBitfield(loaded, irTy, field), n.Type()), noRelease, nil
	}
	widened := g.widenLoaded(loaded, irTy, field.Signed)
	return intValue(widened, n.Type()), noRelease, nil
}

// applyBitfield masks and shifts a loaded sub-byte field into its
// normalized value.
func (g *Generator) applyBitfield(loaded, irTy string, field services.StructField) string {
	wide := g.nextTemp()
	g.emit(fmt.Sprintf("%s = zext %s %s to i64", wide, irTy, loaded))
	shifted := g.nextTemp()
	g.emit(fmt.Sprintf("%s = lshr i64 %s, %d", shifted, wide, field.Bitfield.MaskShift))
	mask := (int64(1) << field.Bitfield.MaskBits) - 1
	masked := g.nextTemp()
	g.emit(fmt.Sprintf("%s = and i64 %s, %d", masked, shifted, mask))
	return masked
}

func (g *Generator) widenLoaded(loaded, irTy string, signed bool) string {
	if irTy == "i64" {
		return loaded
	}
	op := "zext"
	if signed {
		op = "sext"
	}
	out := g.nextTemp()
	g.emit(fmt.Sprintf("%s = %s %s %s to i64", out, op, irTy, loaded))
	return out
}

// lowerArrayAccess implements spec §4.4's array indexing: base +
// index*element_size, direct load for ctx-resident arrays, probe-read for
// external memory, pointer-only for element-record types.
func (g *Generator) lowerArrayAccess(n *ast.ArrayAccess) (Value, Release, error) {
	arrVal, arrRelease, err := g.LowerExpr(n.Array)
	if err != nil {
		return Value{}, nil, err
	}
	idxVal, idxRelease, err := g.LowerExpr(n.Index)
	if err != nil {
		return Value{}, nil, err
	}
	elemTy := *n.Array.Type().Pointee
	elemSize := componentWidth(elemTy)

	idxWide := g.widenTo64(idxVal)
	if idxRelease != nil {
		idxRelease()
	}
	byteOff := g.nextTemp()
	g.emit(fmt.Sprintf("%s = mul i64 %s, %d", byteOff, idxWide, elemSize))
	elemPtr := g.nextTemp()
	g.emit(fmt.Sprintf("%s = getelementptr i8, ptr %s, i64 %s", elemPtr, arrVal.Reg, byteOff))

	if elemTy.Kind == ast.KindRecord || elemTy.Kind == ast.KindArray {
		return Value{Reg: elemPtr, IRType: "ptr", Sem: elemTy}, arrRelease, nil
	}

	irTy := irTypeForSize(elemTy.Size)
	if n.Array.Type().IsCtxAccess {
		loaded := g.nextTemp()
		g.emit(fmt.Sprintf("%s = load volatile %s, ptr %s, align 8", loaded, irTy, elemPtr))
		if arrRelease != nil {
			arrRelease()
		}
		return intValue(g.widenLoaded(loaded, irTy, elemTy.Signed), n.Type()), noRelease, nil
	}
	if n.Array.Type().IsInternal {
		loaded := g.nextTemp()
		g.emit(fmt.Sprintf("%s = load %s, ptr %s, align 1", loaded, irTy, elemPtr))
		if arrRelease != nil {
			arrRelease()
		}
		return intValue(g.widenLoaded(loaded, irTy, elemTy.Signed), n.Type()), noRelease, nil
	}
	tmp, tmpRelease := g.Alloca(irTy, elemTy.Size)
	g.ProbeRead(tmp, elemTy.Size, elemPtr, n.Array.Type().AddressSpace, n.Location())
	if arrRelease != nil {
		arrRelease()
	}
	loaded := g.nextTemp()
	g.emit(fmt.Sprintf("%s = load %s, ptr %s, align 1", loaded, irTy, tmp))
	tmpRelease()
	return intValue(g.widenLoaded(loaded, irTy, elemTy.Signed), n.Type()), noRelease, nil
}
