package codegen

import (
	"fmt"

	"github.com/JamesMBartlett/bpftrace/internal/ast"
	"github.com/JamesMBartlett/bpftrace/internal/wire"
)

// LowerCall dispatches every function-like builtin of spec §4.5: map
// aggregations, asynchronous output builtins, address resolution, bounded
// memory reads, and the remaining miscellaneous calls.
func (g *Generator) LowerCall(n *ast.Call) (Value, Release, error) {
	switch n.Func {
	case "count":
		return g.lowerCountCall(n)
	case "sum":
		return g.lowerSumCall(n)
	case "min":
		return g.lowerMinMaxCall(n, true)
	case "max":
		return g.lowerMinMaxCall(n, false)
	case "avg", "stats":
		return g.lowerCountTotalCall(n)
	case "hist":
		return g.lowerHistCall(n)
	case "lhist":
		return g.lowerLhistCall(n)
	case "delete":
		return g.lowerDeleteCall(n)

	case "printf":
		return g.lowerPackedOutputCall(n, wire.ClassPrintf, &g.counters.Printf)
	case "system":
		return g.lowerPackedOutputCall(n, wire.ClassSystem, &g.counters.System)
	case "cat":
		return g.lowerPackedOutputCall(n, wire.ClassCat, &g.counters.Cat)
	case "print":
		return g.lowerPrintCall(n)
	case "clear":
		return g.lowerMapControlCall(n, wire.ClassClear, &g.counters.Clear)
	case "zero":
		return g.lowerMapControlCall(n, wire.ClassZero, &g.counters.Zero)
	case "time":
		return g.lowerTimeCall(n)
	case "strftime":
		return g.lowerStrftimeCall(n)
	case "join":
		return g.lowerJoinCall(n)
	case "exit":
		return g.lowerExitCall(n)

	case "kaddr":
		return g.lowerKaddrCall(n)
	case "uaddr":
		return g.lowerUaddrCall(n)
	case "cgroupid":
		return g.lowerCgroupIDCall(n)
	case "reg":
		return g.lowerRegCall(n)

	case "str":
		return g.lowerStrCall(n)
	case "buf":
		return g.lowerBufCall(n)
	case "ntop":
		return g.lowerNtopCall(n)

	case "signal":
		return g.lowerSignalCall(n)
	case "override":
		return g.lowerOverrideCall(n)
	case "ksym":
		return g.lowerKsymCall(n)
	case "usym":
		return g.lowerUsymCall(n)
	case "kptr", "uptr":
		return g.lowerPtrCastCall(n)
	case "sizeof":
		return g.lowerSizeofCall(n)
	case "strncmp":
		return g.lowerStrncmpCall(n)

	default:
		return Value{}, nil, internalf(n, "unsupported call %q", n.Func)
	}
}

func zeroResult() Value {
	return intValue(formatImm(0), ast.NewSized(ast.KindInt, 8, false))
}

// lowerMapKeyArgs lowers a map reference's key arguments in order.
func (g *Generator) lowerMapKeyArgs(m *ast.Map) ([]keyComponent, error) {
	comps := make([]keyComponent, 0, len(m.Vargs))
	for _, v := range m.Vargs {
		val, rel, err := g.LowerExpr(v)
		if err != nil {
			return nil, err
		}
		comps = append(comps, keyComponent{Value: val, Release: rel})
	}
	return comps, nil
}

// mapKeySize predicts GetMapKey's resulting key size without consuming the
// components, so a map can be declared with the right key_size up front.
func mapKeySize(comps []keyComponent) int {
	if len(comps) == 0 {
		return 8
	}
	if len(comps) == 1 && isStackResident(comps[0].Value.Sem) {
		return comps[0].Value.Sem.Size
	}
	if len(comps) == 1 {
		return 8
	}
	total := 0
	for _, c := range comps {
		total += componentWidth(c.Value.Sem)
	}
	return total
}

// prepareAggMap lowers n.Map's key, declares the backing hash map with the
// given value size, and returns the map's global register plus the
// computed key pointer (spec §4.2, §4.5's aggregation calls).
func (g *Generator) prepareAggMap(n *ast.Call, valueSize int) (mapReg, keyPtr string, err error) {
	if n.Map == nil {
		return "", "", internalf(n, "%s() requires a map assignment target", n.Func)
	}
	comps, err := g.lowerMapKeyArgs(n.Map)
	if err != nil {
		return "", "", err
	}
	keySize := mapKeySize(comps)
	mapReg = g.DeclareMap(n.Map.Ident, "BPF_MAP_TYPE_HASH", keySize, valueSize)
	keyPtr, _ = g.GetMapKey(comps)
	return mapReg, keyPtr, nil
}

// --- Aggregations -----------------------------------------------------

func (g *Generator) lowerCountCall(n *ast.Call) (Value, Release, error) {
	mapReg, keyPtr, err := g.prepareAggMap(n, 8)
	if err != nil {
		return Value{}, nil, err
	}
	cur := g.MapLookupOrZero(mapReg, keyPtr)
	next := g.nextTemp()
	g.emit(fmt.Sprintf("%s = add i64 %s, 1", next, cur))
	valPtr, valRelease := g.Alloca("i64", 8)
	g.emit(fmt.Sprintf("store i64 %s, ptr %s", next, valPtr))
	g.MapUpdate(mapReg, keyPtr, valPtr)
	valRelease()
	return intValue(next, n.Type()), noRelease, nil
}

func (g *Generator) lowerSumCall(n *ast.Call) (Value, Release, error) {
	if len(n.Vargs) != 1 {
		return Value{}, nil, internalf(n, "sum() takes exactly one argument")
	}
	v, rel, err := g.LowerExpr(n.Vargs[0])
	if err != nil {
		return Value{}, nil, err
	}
	addend := g.widenTo64(v)
	if rel != nil {
		rel()
	}
	mapReg, keyPtr, err := g.prepareAggMap(n, 8)
	if err != nil {
		return Value{}, nil, err
	}
	cur := g.MapLookupOrZero(mapReg, keyPtr)
	next := g.nextTemp()
	g.emit(fmt.Sprintf("%s = add i64 %s, %s", next, cur, addend))
	valPtr, valRelease := g.Alloca("i64", 8)
	g.emit(fmt.Sprintf("store i64 %s, ptr %s", next, valPtr))
	g.MapUpdate(mapReg, keyPtr, valPtr)
	valRelease()
	return intValue(next, n.Type()), noRelease, nil
}

// lowerMinMaxCall implements min()/max(). min() encodes 0xffffffff - v
// (32-bit-correct only) so that keeping the running maximum of encoded
// values also keeps the running minimum of the originals, per
// original_source's codegen_llvm.cpp resolution of the min-encoding open
// question.
func (g *Generator) lowerMinMaxCall(n *ast.Call, isMin bool) (Value, Release, error) {
	if len(n.Vargs) != 1 {
		return Value{}, nil, internalf(n, "%s() takes exactly one argument", n.Func)
	}
	v, rel, err := g.LowerExpr(n.Vargs[0])
	if err != nil {
		return Value{}, nil, err
	}
	val := g.widenTo64(v)
	if rel != nil {
		rel()
	}
	mapReg, keyPtr, err := g.prepareAggMap(n, 8)
	if err != nil {
		return Value{}, nil, err
	}
	cur := g.MapLookupOrZero(mapReg, keyPtr)
	candidate := val
	if isMin {
		enc := g.nextTemp()
		g.emit(fmt.Sprintf("%s = sub i64 4294967295, %s", enc, val))
		candidate = enc
	}
	cmp := g.nextTemp()
	g.emit(fmt.Sprintf("%s = icmp ugt i64 %s, %s", cmp, candidate, cur))
	next := g.nextTemp()
	g.emit(fmt.Sprintf("%s = select i1 %s, i64 %s, i64 %s", next, cmp, candidate, cur))
	valPtr, valRelease := g.Alloca("i64", 8)
	g.emit(fmt.Sprintf("store i64 %s, ptr %s", next, valPtr))
	g.MapUpdate(mapReg, keyPtr, valPtr)
	valRelease()
	return intValue(next, n.Type()), noRelease, nil
}

// lowerCountTotalCall implements avg()/stats(), tracking {count, total} in
// a 16-byte value with count at offset 0 and total at offset 8 (spec
// §4.5's stats bucket layout, reused for avg since both need the same
// running pair).
func (g *Generator) lowerCountTotalCall(n *ast.Call) (Value, Release, error) {
	if len(n.Vargs) != 1 {
		return Value{}, nil, internalf(n, "%s() takes exactly one argument", n.Func)
	}
	v, rel, err := g.LowerExpr(n.Vargs[0])
	if err != nil {
		return Value{}, nil, err
	}
	addend := g.widenTo64(v)
	if rel != nil {
		rel()
	}
	mapReg, keyPtr, err := g.prepareAggMap(n, 16)
	if err != nil {
		return Value{}, nil, err
	}
	buf, bufRelease := g.MapLookupOrZeroBuf(mapReg, keyPtr, 16)
	totalPtr := g.gepBytes(buf, 8)
	count := g.nextTemp()
	g.emit(fmt.Sprintf("%s = load i64, ptr %s, align 8", count, buf))
	total := g.nextTemp()
	g.emit(fmt.Sprintf("%s = load i64, ptr %s, align 8", total, totalPtr))
	newCount := g.nextTemp()
	g.emit(fmt.Sprintf("%s = add i64 %s, 1", newCount, count))
	newTotal := g.nextTemp()
	g.emit(fmt.Sprintf("%s = add i64 %s, %s", newTotal, total, addend))
	g.emit(fmt.Sprintf("store i64 %s, ptr %s", newCount, buf))
	g.emit(fmt.Sprintf("store i64 %s, ptr %s", newTotal, totalPtr))
	g.MapUpdate(mapReg, keyPtr, buf)
	bufRelease()
	return intValue(newTotal, n.Type()), noRelease, nil
}

func (g *Generator) prepareHistMap(n *ast.Call, bucket string) (mapReg, keyPtr string, err error) {
	if n.Map == nil {
		return "", "", internalf(n, "%s() requires a map assignment target", n.Func)
	}
	comps, err := g.lowerMapKeyArgs(n.Map)
	if err != nil {
		return "", "", err
	}
	keySize := mapKeySize(comps) + 8
	mapReg = g.DeclareMap(n.Map.Ident, "BPF_MAP_TYPE_HASH", keySize, 8)
	keyPtr, _ = g.GetHistMapKey(comps, bucket)
	return mapReg, keyPtr, nil
}

func (g *Generator) incrementHistBucket(mapReg, keyPtr string) string {
	cur := g.MapLookupOrZero(mapReg, keyPtr)
	next := g.nextTemp()
	g.emit(fmt.Sprintf("%s = add i64 %s, 1", next, cur))
	valPtr, valRelease := g.Alloca("i64", 8)
	g.emit(fmt.Sprintf("store i64 %s, ptr %s", next, valPtr))
	g.MapUpdate(mapReg, keyPtr, valPtr)
	valRelease()
	return next
}

// lowerHistCall buckets via @__log2 (spec §4.3, §4.5).
func (g *Generator) lowerHistCall(n *ast.Call) (Value, Release, error) {
	if len(n.Vargs) != 1 {
		return Value{}, nil, internalf(n, "hist() takes exactly one argument")
	}
	g.emitInlineHelpers()
	v, rel, err := g.LowerExpr(n.Vargs[0])
	if err != nil {
		return Value{}, nil, err
	}
	val := g.widenTo64(v)
	if rel != nil {
		rel()
	}
	bucket := g.nextTemp()
	g.emit(fmt.Sprintf("%s = call i64 @__log2(i64 %s)", bucket, val))
	mapReg, keyPtr, err := g.prepareHistMap(n, bucket)
	if err != nil {
		return Value{}, nil, err
	}
	next := g.incrementHistBucket(mapReg, keyPtr)
	return intValue(next, n.Type()), noRelease, nil
}

// lowerLhistCall buckets via @__linear (spec §4.3, §4.5).
func (g *Generator) lowerLhistCall(n *ast.Call) (Value, Release, error) {
	if len(n.Vargs) != 4 {
		return Value{}, nil, internalf(n, "lhist() takes exactly four arguments (value, min, max, step)")
	}
	g.emitInlineHelpers()
	args := make([]string, 4)
	for i, e := range n.Vargs {
		v, rel, err := g.LowerExpr(e)
		if err != nil {
			return Value{}, nil, err
		}
		args[i] = g.widenTo64(v)
		if rel != nil {
			rel()
		}
	}
	bucket := g.nextTemp()
	g.emit(fmt.Sprintf("%s = call i64 @__linear(i64 %s, i64 %s, i64 %s, i64 %s)", bucket, args[0], args[1], args[2], args[3]))
	mapReg, keyPtr, err := g.prepareHistMap(n, bucket)
	if err != nil {
		return Value{}, nil, err
	}
	next := g.incrementHistBucket(mapReg, keyPtr)
	return intValue(next, n.Type()), noRelease, nil
}

func (g *Generator) lowerDeleteCall(n *ast.Call) (Value, Release, error) {
	if n.Map == nil {
		return Value{}, nil, internalf(n, "delete() requires a map argument")
	}
	comps, err := g.lowerMapKeyArgs(n.Map)
	if err != nil {
		return Value{}, nil, err
	}
	keySize := mapKeySize(comps)
	mapReg := g.DeclareMap(n.Map.Ident, "BPF_MAP_TYPE_HASH", keySize, 8)
	keyPtr, _ := g.GetMapKey(comps)
	g.MapDelete(mapReg, keyPtr)
	return zeroResult(), noRelease, nil
}

// --- Output builtins ----------------------------------------------------

// lowerPackedOutputCall implements printf/system/cat: a packed
// {async_id, arg0, arg1, ...} record perf-output onto @__events, with the
// per-format field layout recorded in g.FormatTable for the pipeline to
// hand to the consumer (spec §4.5, §6's "per-format offset table"). The
// first varg is the format string itself, resolved upstream; only the
// remaining vargs are packed as payload fields.
func (g *Generator) lowerPackedOutputCall(n *ast.Call, class wire.AsyncClass, counter *uint32) (Value, Release, error) {
	if len(n.Vargs) == 0 {
		return Value{}, nil, internalf(n, "%s() requires a format-string argument", n.Func)
	}
	id := *counter
	*counter++
	asyncID := wire.AsyncID(class, id)

	type loweredArg struct {
		v     Value
		rel   Release
		width int
	}
	var args []loweredArg
	var fields []wire.FormatField
	total := 8
	offset := 8
	for _, e := range n.Vargs[1:] {
		v, rel, err := g.LowerExpr(e)
		if err != nil {
			return Value{}, nil, err
		}
		width := componentWidth(v.Sem)
		args = append(args, loweredArg{v: v, rel: rel, width: width})
		fields = append(fields, wire.FormatField{
			Offset: offset, Size: width, Signed: v.Sem.Signed, IsStr: isStackResident(v.Sem),
		})
		offset += width
		total += width
	}
	g.FormatTable[uint64(id)] = fields

	buf, release := g.Alloca(fmt.Sprintf("[%d x i8]", total), total)
	g.emit(fmt.Sprintf("store i64 %d, ptr %s", int64(asyncID), buf))
	off := 8
	for _, a := range args {
		slot := g.gepBytes(buf, off)
		if isStackResident(a.v.Sem) {
			g.emitMemcpy(slot, a.v.Reg, a.width)
		} else {
			g.emit(fmt.Sprintf("store i64 %s, ptr %s", g.widenTo64(a.v), slot))
		}
		if a.rel != nil {
			a.rel()
		}
		off += a.width
	}
	g.PerfEventOutput(ctxReg, buf, total)
	release()
	return zeroResult(), noRelease, nil
}

func (g *Generator) lowerPrintCall(n *ast.Call) (Value, Release, error) {
	if n.Map != nil {
		return g.lowerPrintMapCall(n)
	}
	if len(n.Vargs) == 0 {
		return Value{}, nil, internalf(n, "print() requires an argument")
	}
	return g.lowerPrintScalarCall(n)
}

// lowerPrintMapCall emits a PrintRecord identifying the map plus optional
// top/div arguments (spec §6).
func (g *Generator) lowerPrintMapCall(n *ast.Call) (Value, Release, error) {
	desc, ok := g.cfg.Services.Maps.Lookup(n.Map.Ident)
	if !ok {
		desc = g.cfg.Services.Maps.Declare(n.Map.Ident, 8, 8)
	}
	id := g.counters.Print
	g.counters.Print++
	asyncID := wire.AsyncID(wire.ClassPrint, id)
	var top, div int64
	if len(n.Vargs) >= 1 {
		if lit, ok := n.Vargs[0].(*ast.Integer); ok {
			top = lit.Value
		}
	}
	if len(n.Vargs) >= 2 {
		if lit, ok := n.Vargs[1].(*ast.Integer); ok {
			div = lit.Value
		}
	}
	buf, release := g.Alloca("[32 x i8]", 32)
	g.emit(fmt.Sprintf("store i64 %d, ptr %s", int64(asyncID), buf))
	g.emit(fmt.Sprintf("store i64 %d, ptr %s", desc.ID, g.gepBytes(buf, 8)))
	g.emit(fmt.Sprintf("store i64 %d, ptr %s", top, g.gepBytes(buf, 16)))
	g.emit(fmt.Sprintf("store i64 %d, ptr %s", div, g.gepBytes(buf, 24)))
	g.PerfEventOutput(ctxReg, buf, 32)
	release()
	return zeroResult(), noRelease, nil
}

// lowerPrintScalarCall emits a PrintNonMapRecord for print(expr) (spec §6).
func (g *Generator) lowerPrintScalarCall(n *ast.Call) (Value, Release, error) {
	v, rel, err := g.LowerExpr(n.Vargs[0])
	if err != nil {
		return Value{}, nil, err
	}
	id := g.counters.NonMapPrint
	g.counters.NonMapPrint++
	asyncID := wire.AsyncID(wire.ClassPrintNonMap, id)
	width := componentWidth(v.Sem)
	g.FormatTable[uint64(id)] = []wire.FormatField{{Offset: 16, Size: width, Signed: v.Sem.Signed, IsStr: isStackResident(v.Sem)}}

	total := 16 + width
	buf, release := g.Alloca(fmt.Sprintf("[%d x i8]", total), total)
	g.emit(fmt.Sprintf("store i64 %d, ptr %s", int64(asyncID), buf))
	g.emit(fmt.Sprintf("store i64 %d, ptr %s", id, g.gepBytes(buf, 8)))
	slot := g.gepBytes(buf, 16)
	if isStackResident(v.Sem) {
		g.emitMemcpy(slot, v.Reg, width)
	} else {
		g.emit(fmt.Sprintf("store i64 %s, ptr %s", g.widenTo64(v), slot))
	}
	if rel != nil {
		rel()
	}
	g.PerfEventOutput(ctxReg, buf, total)
	release()
	return zeroResult(), noRelease, nil
}

// lowerMapControlCall implements clear(map)/zero(map): a bare
// MapControlRecord telling the consumer to reset the given map (spec §6);
// the actual reset happens user-side since a BPF program cannot iterate
// and delete all of a hash map's keys from inside a single invocation.
func (g *Generator) lowerMapControlCall(n *ast.Call, class wire.AsyncClass, counter *uint32) (Value, Release, error) {
	if n.Map == nil {
		return Value{}, nil, internalf(n, "%s() requires a map argument", n.Func)
	}
	desc, ok := g.cfg.Services.Maps.Lookup(n.Map.Ident)
	if !ok {
		desc = g.cfg.Services.Maps.Declare(n.Map.Ident, 8, 8)
	}
	id := *counter
	*counter++
	asyncID := wire.AsyncID(class, id)
	buf, release := g.Alloca("[16 x i8]", 16)
	g.emit(fmt.Sprintf("store i64 %d, ptr %s", int64(asyncID), buf))
	g.emit(fmt.Sprintf("store i64 %d, ptr %s", desc.ID, g.gepBytes(buf, 8)))
	g.PerfEventOutput(ctxReg, buf, 16)
	release()
	return zeroResult(), noRelease, nil
}

func (g *Generator) lowerTimeCall(n *ast.Call) (Value, Release, error) {
	id := g.counters.Time
	g.counters.Time++
	asyncID := wire.AsyncID(wire.ClassTime, id)
	fmtID := g.formatCount
	g.formatCount++
	buf, release := g.Alloca("[16 x i8]", 16)
	g.emit(fmt.Sprintf("store i64 %d, ptr %s", int64(asyncID), buf))
	g.emit(fmt.Sprintf("store i64 %d, ptr %s", fmtID, g.gepBytes(buf, 8)))
	g.PerfEventOutput(ctxReg, buf, 16)
	release()
	return zeroResult(), noRelease, nil
}

func (g *Generator) lowerStrftimeCall(n *ast.Call) (Value, Release, error) {
	if len(n.Vargs) < 1 {
		return Value{}, nil, internalf(n, "strftime() requires a format-string argument")
	}
	var ns string
	if len(n.Vargs) >= 2 {
		v, rel, err := g.LowerExpr(n.Vargs[1])
		if err != nil {
			return Value{}, nil, err
		}
		ns = g.widenTo64(v)
		if rel != nil {
			rel()
		}
	} else {
		ns = g.KtimeGetNs(g.cfg.Services.Features.HasHelperKtimeGetBootNs())
	}
	id := g.counters.Strftime
	g.counters.Strftime++
	asyncID := wire.AsyncID(wire.ClassStrftime, id)
	fmtID := g.formatCount
	g.formatCount++
	buf, release := g.Alloca("[24 x i8]", 24)
	g.emit(fmt.Sprintf("store i64 %d, ptr %s", int64(asyncID), buf))
	g.emit(fmt.Sprintf("store i64 %d, ptr %s", fmtID, g.gepBytes(buf, 8)))
	g.emit(fmt.Sprintf("store i64 %s, ptr %s", ns, g.gepBytes(buf, 16)))
	g.PerfEventOutput(ctxReg, buf, 24)
	release()
	return zeroResult(), noRelease, nil
}

// lowerJoinCall packs up to Limits.JoinArgNum fixed-width,
// Limits.JoinArgSize-byte string slots (spec §6's JoinRecord).
func (g *Generator) lowerJoinCall(n *ast.Call) (Value, Release, error) {
	if len(n.Vargs) == 0 {
		return Value{}, nil, internalf(n, "join() requires at least one argument")
	}
	argSize := g.cfg.Services.Limits.JoinArgSize()
	maxArgs := g.cfg.Services.Limits.JoinArgNum()
	if len(n.Vargs) > maxArgs {
		return Value{}, nil, internalf(n, "join() takes at most %d arguments", maxArgs)
	}
	id := g.counters.Join
	g.counters.Join++
	asyncID := wire.AsyncID(wire.ClassJoin, id)
	total := 16 + argSize*maxArgs
	buf, release := g.Alloca(fmt.Sprintf("[%d x i8]", total), total)
	g.ZeroFill(buf, total)
	g.emit(fmt.Sprintf("store i64 %d, ptr %s", int64(asyncID), buf))
	g.emit(fmt.Sprintf("store i64 %d, ptr %s", id, g.gepBytes(buf, 8)))
	for i, e := range n.Vargs {
		v, rel, err := g.LowerExpr(e)
		if err != nil {
			return Value{}, nil, err
		}
		slot := g.gepBytes(buf, 16+i*argSize)
		switch {
		case v.Sem.AddressSpace != ast.AddrNone:
			g.ProbeReadStr(slot, argSize, v.Reg, v.Sem.AddressSpace, n.Location())
		case isStackResident(v.Sem):
			capped := argSize
			if v.Sem.Size < capped {
				capped = v.Sem.Size
			}
			g.emitMemcpy(slot, v.Reg, capped)
		default:
			g.emit(fmt.Sprintf("store i64 %s, ptr %s", g.widenTo64(v), slot))
		}
		if rel != nil {
			rel()
		}
	}
	g.PerfEventOutput(ctxReg, buf, total)
	release()
	return zeroResult(), noRelease, nil
}

// lowerExitCall perf-outputs a bare ExitRecord, returns 0 from the current
// program, and opens a fresh unreachable-in-practice block so any
// remaining statements in the same body still assemble into valid IR
// (spec §4.5, §4.6's per-program termination discipline).
func (g *Generator) lowerExitCall(n *ast.Call) (Value, Release, error) {
	asyncID := wire.AsyncID(wire.ClassExit, 0)
	buf, release := g.Alloca("i64", 8)
	g.emit(fmt.Sprintf("store i64 %d, ptr %s", int64(asyncID), buf))
	g.PerfEventOutput(ctxReg, buf, 8)
	release()
	g.emit("ret i64 0")
	g.label(g.nextLabel("afterexit"))
	return zeroResult(), noRelease, nil
}

// emitHelperErrorRecord perf-outputs a HelperErrorRecord correlating a
// dense helper-error id with the failing helper's return code (spec §7
// class 3), called from builder.go's emitHelperErrorGuard.
func (g *Generator) emitHelperErrorRecord(id uint32, rc string) {
	asyncID := wire.AsyncID(wire.ClassHelperError, id)
	buf, release := g.Alloca("[24 x i8]", 24)
	g.emit(fmt.Sprintf("store i64 %d, ptr %s", int64(asyncID), buf))
	g.emit(fmt.Sprintf("store i64 %d, ptr %s", id, g.gepBytes(buf, 8)))
	g.emit(fmt.Sprintf("store i64 %s, ptr %s", rc, g.gepBytes(buf, 16)))
	g.PerfEventOutput(ctxReg, buf, 24)
	release()
}

// --- Address resolution --------------------------------------------------

func literalStringArg(n *ast.Call, i int, what string) (string, error) {
	if i >= len(n.Vargs) {
		return "", internalf(n, "%s() requires a string literal argument", what)
	}
	lit, ok := n.Vargs[i].(*ast.String)
	if !ok {
		return "", internalf(n, "%s() requires a string literal argument", what)
	}
	return lit.Value, nil
}

func (g *Generator) lowerKaddrCall(n *ast.Call) (Value, Release, error) {
	name, err := literalStringArg(n, 0, "kaddr")
	if err != nil {
		return Value{}, nil, err
	}
	addr, err := g.cfg.Services.Names.ResolveKName(name)
	if err != nil {
		return Value{}, nil, &ResolutionError{What: "kernel symbol", Name: name, Err: err}
	}
	return immediate(int64(addr), false), noRelease, nil
}

func (g *Generator) lowerUaddrCall(n *ast.Call) (Value, Release, error) {
	name, err := literalStringArg(n, 0, "uaddr")
	if err != nil {
		return Value{}, nil, err
	}
	target := ""
	if g.curAttachPoint != nil {
		target = g.curAttachPoint.Target
	}
	addr, err := g.cfg.Services.Names.ResolveUName(name, target)
	if err != nil {
		return Value{}, nil, &ResolutionError{What: "user symbol", Name: name, Err: err}
	}
	return immediate(int64(addr), false), noRelease, nil
}

func (g *Generator) lowerCgroupIDCall(n *ast.Call) (Value, Release, error) {
	path, err := literalStringArg(n, 0, "cgroupid")
	if err != nil {
		return Value{}, nil, err
	}
	id, err := g.cfg.Services.Names.ResolveCgroupID(path)
	if err != nil {
		return Value{}, nil, &ResolutionError{What: "cgroup path", Name: path, Err: err}
	}
	return immediate(int64(id), false), noRelease, nil
}

func (g *Generator) lowerRegCall(n *ast.Call) (Value, Release, error) {
	name, err := literalStringArg(n, 0, "reg")
	if err != nil {
		return Value{}, nil, err
	}
	off, err := g.cfg.Services.Arch.Offset(name)
	if err != nil {
		return Value{}, nil, internalf(n, "reg(%q): %v", name, err)
	}
	return g.lowerCtxLoad(n, off)
}

// --- Bounded reads ---------------------------------------------------

func (g *Generator) lowerStrCall(n *ast.Call) (Value, Release, error) {
	if len(n.Vargs) == 0 {
		return Value{}, nil, internalf(n, "str() requires a pointer argument")
	}
	ptrVal, ptrRelease, err := g.LowerExpr(n.Vargs[0])
	if err != nil {
		return Value{}, nil, err
	}
	maxLen := g.cfg.Services.Limits.StrLen()
	size := maxLen
	if len(n.Vargs) >= 2 {
		if lit, ok := n.Vargs[1].(*ast.Integer); ok && int(lit.Value) < size {
			size = int(lit.Value)
		}
	}
	buf, release := g.Alloca(fmt.Sprintf("[%d x i8]", size), size)
	g.ZeroFill(buf, size)
	g.ProbeReadStr(buf, size, ptrVal.Reg, ptrVal.Sem.AddressSpace, n.Location())
	if ptrRelease != nil {
		ptrRelease()
	}
	return Value{Reg: buf, IRType: "ptr", Sem: n.Type()}, release, nil
}

func (g *Generator) lowerBufCall(n *ast.Call) (Value, Release, error) {
	if len(n.Vargs) < 2 {
		return Value{}, nil, internalf(n, "buf() requires a pointer and a length argument")
	}
	ptrVal, ptrRelease, err := g.LowerExpr(n.Vargs[0])
	if err != nil {
		return Value{}, nil, err
	}
	size := g.cfg.Services.Limits.MaxBufLen()
	if lit, ok := n.Vargs[1].(*ast.Integer); ok && int(lit.Value) < size {
		size = int(lit.Value)
	}
	buf, release := g.Alloca(fmt.Sprintf("[%d x i8]", size), size)
	g.ZeroFill(buf, size)
	g.ProbeRead(buf, size, ptrVal.Reg, ptrVal.Sem.AddressSpace, n.Location())
	if ptrRelease != nil {
		ptrRelease()
	}
	return Value{Reg: buf, IRType: "ptr", Sem: n.Type()}, release, nil
}

const (
	afINET  = 2
	afINET6 = 10
)

// lowerNtopCall resolves Open Question 2: address-family inference is
// purely type/size-based (4 bytes -> AF_INET, 16 bytes -> AF_INET6), never
// derived from the address's runtime value, matching
// original_source/src/ast/codegen_llvm.cpp.
func (g *Generator) lowerNtopCall(n *ast.Call) (Value, Release, error) {
	var afExpr, addrExpr ast.Expr
	switch len(n.Vargs) {
	case 1:
		addrExpr = n.Vargs[0]
	case 2:
		afExpr, addrExpr = n.Vargs[0], n.Vargs[1]
	default:
		return Value{}, nil, internalf(n, "ntop() requires one or two arguments")
	}
	addrVal, addrRelease, err := g.LowerExpr(addrExpr)
	if err != nil {
		return Value{}, nil, err
	}
	var afOperand string
	if afExpr != nil {
		afVal, afRelease, err := g.LowerExpr(afExpr)
		if err != nil {
			return Value{}, nil, err
		}
		afOperand = g.widenTo64(afVal)
		if afRelease != nil {
			afRelease()
		}
	} else {
		var af int64
		switch addrVal.Sem.Size {
		case 4:
			af = afINET
		case 16:
			af = afINET6
		default:
			return Value{}, nil, internalf(n, "ntop() cannot infer an address family from a %d-byte value", addrVal.Sem.Size)
		}
		afOperand = formatImm(af)
	}
	const addrBytes = 16
	total := 8 + addrBytes
	buf, release := g.Alloca(fmt.Sprintf("[%d x i8]", total), total)
	g.ZeroFill(buf, total)
	g.emit(fmt.Sprintf("store i64 %s, ptr %s", afOperand, buf))
	slot := g.gepBytes(buf, 8)
	if isStackResident(addrVal.Sem) {
		copyLen := addrBytes
		if addrVal.Sem.Size < copyLen {
			copyLen = addrVal.Sem.Size
		}
		g.emitMemcpy(slot, addrVal.Reg, copyLen)
	} else {
		g.emit(fmt.Sprintf("store i64 %s, ptr %s", g.widenTo64(addrVal), slot))
	}
	if addrRelease != nil {
		addrRelease()
	}
	return Value{Reg: buf, IRType: "ptr", Sem: n.Type()}, release, nil
}

// --- Misc --------------------------------------------------------------

func (g *Generator) lowerSignalCall(n *ast.Call) (Value, Release, error) {
	if len(n.Vargs) != 1 {
		return Value{}, nil, internalf(n, "signal() requires exactly one argument")
	}
	if !g.cfg.Services.Features.HasHelperSendSignal() {
		return Value{}, nil, &ResolutionError{What: "helper", Name: "bpf_send_signal"}
	}
	var sig string
	if lit, ok := n.Vargs[0].(*ast.String); ok {
		num, err := g.cfg.Services.Signals.Lookup(lit.Value)
		if err != nil {
			return Value{}, nil, &ResolutionError{What: "signal", Name: lit.Value, Err: err}
		}
		sig = formatImm(int64(num))
	} else {
		v, rel, err := g.LowerExpr(n.Vargs[0])
		if err != nil {
			return Value{}, nil, err
		}
		sig = g.widenTo64(v)
		if rel != nil {
			rel()
		}
	}
	rc := g.SendSignal(sig)
	return intValue(rc, n.Type()), noRelease, nil
}

func (g *Generator) lowerOverrideCall(n *ast.Call) (Value, Release, error) {
	if len(n.Vargs) != 1 {
		return Value{}, nil, internalf(n, "override() requires exactly one argument")
	}
	if !g.cfg.Services.Features.HasHelperOverrideReturn() {
		return Value{}, nil, &ResolutionError{What: "helper", Name: "bpf_override_return"}
	}
	v, rel, err := g.LowerExpr(n.Vargs[0])
	if err != nil {
		return Value{}, nil, err
	}
	rc := g.widenTo64(v)
	if rel != nil {
		rel()
	}
	g.OverrideReturn(ctxReg, rc)
	return zeroResult(), noRelease, nil
}

func (g *Generator) lowerKsymCall(n *ast.Call) (Value, Release, error) {
	if len(n.Vargs) != 1 {
		return Value{}, nil, internalf(n, "ksym() requires exactly one argument")
	}
	v, rel, err := g.LowerExpr(n.Vargs[0])
	if err != nil {
		return Value{}, nil, err
	}
	addr := g.widenTo64(v)
	if rel != nil {
		rel()
	}
	return intValue(addr, n.Type()), noRelease, nil
}

// lowerUsymCall packs the current PID into the upper 32 bits alongside the
// address, matching ustack's ASLR-disambiguation convention (spec §4.4).
func (g *Generator) lowerUsymCall(n *ast.Call) (Value, Release, error) {
	if len(n.Vargs) != 1 {
		return Value{}, nil, internalf(n, "usym() requires exactly one argument")
	}
	v, rel, err := g.LowerExpr(n.Vargs[0])
	if err != nil {
		return Value{}, nil, err
	}
	addr := g.widenTo64(v)
	if rel != nil {
		rel()
	}
	pt := g.PidTgid()
	pid := g.nextTemp()
	g.emit(fmt.Sprintf("%s = lshr i64 %s, 32", pid, pt))
	pidShifted := g.nextTemp()
	g.emit(fmt.Sprintf("%s = shl i64 %s, 32", pidShifted, pid))
	packed := g.nextTemp()
	g.emit(fmt.Sprintf("%s = or i64 %s, %s", packed, addr, pidShifted))
	return intValue(packed, n.Type()), noRelease, nil
}

// lowerPtrCastCall implements kptr()/uptr(): an address-space
// reinterpretation with no runtime effect beyond the retagged type.
func (g *Generator) lowerPtrCastCall(n *ast.Call) (Value, Release, error) {
	if len(n.Vargs) != 1 {
		return Value{}, nil, internalf(n, "%s() requires exactly one argument", n.Func)
	}
	v, rel, err := g.LowerExpr(n.Vargs[0])
	if err != nil {
		return Value{}, nil, err
	}
	return Value{Reg: v.Reg, IRType: v.IRType, Sem: n.Type()}, rel, nil
}

func (g *Generator) lowerSizeofCall(n *ast.Call) (Value, Release, error) {
	if len(n.Vargs) != 1 {
		return Value{}, nil, internalf(n, "sizeof() requires exactly one argument")
	}
	return immediate(int64(n.Vargs[0].Type().Size), false), noRelease, nil
}

// lowerStrncmpCall implements strncmp(a, b, n). When exactly one operand is
// a literal, only the other operand is ever materialized to a local
// buffer, avoiding the general Strncmp path's unconditional
// materialize-both-operands cost (spec §4.5).
func (g *Generator) lowerStrncmpCall(n *ast.Call) (Value, Release, error) {
	if len(n.Vargs) != 3 {
		return Value{}, nil, internalf(n, "strncmp() requires exactly three arguments")
	}
	lenLit, ok := n.Vargs[2].(*ast.Integer)
	if !ok {
		return Value{}, nil, internalf(n, "strncmp() requires a literal length argument")
	}
	length := lenLit.Value

	if lit, ok := n.Vargs[1].(*ast.String); ok {
		v, rel, err := g.LowerExpr(n.Vargs[0])
		if err != nil {
			return Value{}, nil, err
		}
		result := g.strncmpAgainstLiteral(v, lit.Value, length)
		if rel != nil {
			rel()
		}
		return intValue(result, n.Type()), noRelease, nil
	}
	if lit, ok := n.Vargs[0].(*ast.String); ok {
		v, rel, err := g.LowerExpr(n.Vargs[1])
		if err != nil {
			return Value{}, nil, err
		}
		result := g.strncmpAgainstLiteral(v, lit.Value, length)
		if rel != nil {
			rel()
		}
		return intValue(result, n.Type()), noRelease, nil
	}

	left, lrel, err := g.LowerExpr(n.Vargs[0])
	if err != nil {
		return Value{}, nil, err
	}
	right, rrel, err := g.LowerExpr(n.Vargs[1])
	if err != nil {
		return Value{}, nil, err
	}
	result := g.Strncmp(left.Reg, left.Sem.AddressSpace, right.Reg, right.Sem.AddressSpace, length, false)
	if lrel != nil {
		lrel()
	}
	if rrel != nil {
		rrel()
	}
	return intValue(result, n.Type()), noRelease, nil
}

func (g *Generator) strncmpAgainstLiteral(v Value, literal string, length int64) string {
	truncated := literal
	if int64(len(truncated)) > length {
		truncated = truncated[:length]
	}
	litPtr := g.emitStringLiteral(truncated)
	return g.callStrncmpImpl(v.Reg, v.Sem.AddressSpace, litPtr, ast.AddrNone, length, false)
}
