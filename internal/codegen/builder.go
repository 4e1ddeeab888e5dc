package codegen

import (
	"fmt"

	"github.com/JamesMBartlett/bpftrace/internal/ast"
)

// addHelperDecl registers a `declare` line exactly once, preserving
// first-use order for deterministic module text.
func (g *Generator) addHelperDecl(name, decl string) {
	if g.helperDecls[name] {
		return
	}
	g.helperDecls[name] = true
	g.helperDeclOrder = append(g.helperDeclOrder, decl)
}

func (g *Generator) ensureMemsetDecl() {
	g.addHelperDecl("llvm.memset.p0.i64",
		"declare void @llvm.memset.p0.i64(ptr nocapture writeonly, i8, i64, i1 immarg)")
}

func (g *Generator) ensureLifetimeDecls() {
	g.addHelperDecl("llvm.lifetime.start.p0",
		"declare void @llvm.lifetime.start.p0(i64 immarg, ptr nocapture)")
	g.addHelperDecl("llvm.lifetime.end.p0",
		"declare void @llvm.lifetime.end.p0(i64 immarg, ptr nocapture)")
}

// Alloca reserves a stack slot of irType (e.g. "i64", "[16 x i8]"),
// bracketed by lifetime-start/end markers per spec §4.1. It returns the
// pointer register and a Release that emits the lifetime-end marker; the
// caller is responsible for invoking Release exactly once on every path
// that reaches the end of the buffer's visible scope (spec §3 invariant).
func (g *Generator) Alloca(irType string, sizeBytes int) (ptr string, release Release) {
	g.ensureLifetimeDecls()
	ptr = g.nextTemp()
	g.emit(fmt.Sprintf("%s = alloca %s, align 8", ptr, irType))
	g.emit(fmt.Sprintf("call void @llvm.lifetime.start.p0(i64 %d, ptr %s)", sizeBytes, ptr))
	released := false
	release = func() {
		if released {
			return
		}
		released = true
		g.emit(fmt.Sprintf("call void @llvm.lifetime.end.p0(i64 %d, ptr %s)", sizeBytes, ptr))
	}
	return ptr, release
}

// ZeroFill memsets sizeBytes at ptr to zero.
func (g *Generator) ZeroFill(ptr string, sizeBytes int) {
	g.ensureMemsetDecl()
	g.emit(fmt.Sprintf("call void @llvm.memset.p0.i64(ptr %s, i8 0, i64 %d, i1 false)", ptr, sizeBytes))
}

// probeReadHelper returns the helper name for a bounded memory read given
// an address space, selecting the kernel or user variant (spec §4.1).
func probeReadHelper(as ast.AddressSpace, str bool) string {
	switch {
	case as == ast.AddrUser && str:
		return "bpf_probe_read_user_str"
	case as == ast.AddrUser:
		return "bpf_probe_read_user"
	case str:
		return "bpf_probe_read_kernel_str"
	default:
		return "bpf_probe_read_kernel"
	}
}

// ProbeRead reads len(dst) bytes from src (an address in the given address
// space) into dst. On failure the read leaves dst zeroed (already true
// since callers zero-fill before reading) and records a helper-error async
// event tagged with loc (spec §7 class 3); the generated program continues
// with the safe default rather than aborting.
func (g *Generator) ProbeRead(dstPtr string, size int, srcReg string, as ast.AddressSpace, loc ast.Loc) {
	helper := probeReadHelper(as, false)
	rc := g.callHelper(helper, []string{"ptr " + dstPtr, fmt.Sprintf("i32 %d", size), "ptr " + srcReg})
	g.emitHelperErrorGuard(rc, helper, loc, nil)
}

// ProbeReadStr reads a NUL-terminated string of at most size bytes from src
// into dst, per the same failure-handling discipline as ProbeRead.
func (g *Generator) ProbeReadStr(dstPtr string, size int, srcReg string, as ast.AddressSpace, loc ast.Loc) {
	helper := probeReadHelper(as, true)
	rc := g.callHelper(helper, []string{"ptr " + dstPtr, fmt.Sprintf("i32 %d", size), "ptr " + srcReg})
	g.emitHelperErrorGuard(rc, helper, loc, func() { g.ZeroFill(dstPtr, size) })
}

// emitHelperErrorGuard branches on a helper's i64 return code; on a
// negative result it perf-outputs a helper_error async record (via
// emitHelperErrorRecord, wired in calls.go) tagged with a dense
// helper-error id, then runs onFail (if any) before falling through.
func (g *Generator) emitHelperErrorGuard(rc string, helperName string, loc ast.Loc, onFail func()) {
	failLabel := g.nextLabel("herr")
	okLabel := g.nextLabel("hok")
	cmp := g.nextTemp()
	g.emit(fmt.Sprintf("%s = icmp slt i64 %s, 0", cmp, rc))
	g.emit(fmt.Sprintf("br i1 %s, label %%%s, label %%%s", cmp, failLabel, okLabel))
	g.label(failLabel)
	id := g.counters.HelperError
	g.counters.HelperError++
	g.emitHelperErrorRecord(id, rc)
	if onFail != nil {
		onFail()
	}
	g.emit(fmt.Sprintf("br label %%%s", okLabel))
	g.label(okLabel)
}

// callHelper emits a call to a known BPF helper by name, resolving it to
// the `inttoptr (i64 ID to ptr)` calling convention BPF helper calls use
// (adapted from the teacher's internal/transform/helpers.go rewrite,
// emitted directly here instead of rewritten after the fact). Returns the
// i64 result register.
func (g *Generator) callHelper(name string, args []string) string {
	id, ok := KnownHelpers[name]
	if !ok {
		panic(&InternalError{Msg: fmt.Sprintf("unknown BPF helper %q", name)})
	}
	reg := g.nextTemp()
	sig := helperSignature(len(args))
	g.emit(fmt.Sprintf("%s = call i64 inttoptr (i64 %d to ptr)(%s)", reg, id, joinArgs(args)))
	_ = sig
	return reg
}

func joinArgs(args []string) string {
	out := ""
	for i, a := range args {
		if i > 0 {
			out += ", "
		}
		out += a
	}
	return out
}

func helperSignature(nargs int) string {
	return fmt.Sprintf("i64 (%d args)", nargs)
}

// MapLookup emits a lookup against map, returning a nullable pointer to the
// stored value. Callers must guard dereferences with the returned "found"
// predicate name is implicit: use MapLookupOrZero for the common scalar
// case, or branch on `icmp eq ptr %v, null` directly for pointer-valued
// results (spec §4.1).
func (g *Generator) MapLookup(mapReg, keyPtr string) (valPtr string) {
	reg := g.nextTemp()
	id, ok := KnownHelpers["bpf_map_lookup_elem"]
	if !ok {
		panic(&InternalError{Msg: "bpf_map_lookup_elem not in helper table"})
	}
	g.emit(fmt.Sprintf("%s = call ptr inttoptr (i64 %d to ptr)(ptr %s, ptr %s)", reg, id, mapReg, keyPtr))
	return reg
}

// MapLookupOrZero looks up map[key] and returns an i64 value, substituting
// zero when the entry is absent (spec §4.1's "returns... a zero scalar if
// absent").
func (g *Generator) MapLookupOrZero(mapReg, keyPtr string) string {
	valPtr := g.MapLookup(mapReg, keyPtr)
	isNull := g.nextTemp()
	g.emit(fmt.Sprintf("%s = icmp eq ptr %s, null", isNull, valPtr))
	zeroLabel := g.nextLabel("mlzero")
	foundLabel := g.nextLabel("mlfound")
	endLabel := g.nextLabel("mlend")
	g.emit(fmt.Sprintf("br i1 %s, label %%%s, label %%%s", isNull, zeroLabel, foundLabel))

	resultSlot, _ := g.Alloca("i64", 8)
	g.label(zeroLabel)
	g.emit(fmt.Sprintf("store i64 0, ptr %s", resultSlot))
	g.emit(fmt.Sprintf("br label %%%s", endLabel))

	g.label(foundLabel)
	loaded := g.nextTemp()
	g.emit(fmt.Sprintf("%s = load i64, ptr %s, align 8", loaded, valPtr))
	g.emit(fmt.Sprintf("store i64 %s, ptr %s", loaded, resultSlot))
	g.emit(fmt.Sprintf("br label %%%s", endLabel))

	g.label(endLabel)
	result := g.nextTemp()
	g.emit(fmt.Sprintf("%s = load i64, ptr %s, align 8", result, resultSlot))
	return result
}

// MapLookupOrZeroBuf looks up map[key] and returns a local buffer of size
// bytes holding either the found value (memcpy'd out) or all zeroes when
// absent, via the same phi-via-stack-slot pattern as MapLookupOrZero
// (spec §9), generalized to multi-field aggregation values (stats/avg/hist
// buckets) instead of a single i64.
func (g *Generator) MapLookupOrZeroBuf(mapReg, keyPtr string, size int) (string, Release) {
	valPtr := g.MapLookup(mapReg, keyPtr)
	isNull := g.nextTemp()
	g.emit(fmt.Sprintf("%s = icmp eq ptr %s, null", isNull, valPtr))
	zeroLabel := g.nextLabel("mlbzero")
	foundLabel := g.nextLabel("mlbfound")
	endLabel := g.nextLabel("mlbend")
	g.emit(fmt.Sprintf("br i1 %s, label %%%s, label %%%s", isNull, zeroLabel, foundLabel))

	resultSlot, release := g.Alloca(fmt.Sprintf("[%d x i8]", size), size)
	g.label(zeroLabel)
	g.ZeroFill(resultSlot, size)
	g.emit(fmt.Sprintf("br label %%%s", endLabel))

	g.label(foundLabel)
	g.emitMemcpy(resultSlot, valPtr, size)
	g.emit(fmt.Sprintf("br label %%%s", endLabel))

	g.label(endLabel)
	return resultSlot, release
}

// MapUpdate stores value at map[key], overwriting any existing entry.
func (g *Generator) MapUpdate(mapReg, keyPtr, valPtr string) {
	id := KnownHelpers["bpf_map_update_elem"]
	g.emit(fmt.Sprintf("call i64 inttoptr (i64 %d to ptr)(ptr %s, ptr %s, ptr %s, i64 0)", id, mapReg, keyPtr, valPtr))
}

// MapDelete removes map[key].
func (g *Generator) MapDelete(mapReg, keyPtr string) {
	id := KnownHelpers["bpf_map_delete_elem"]
	g.emit(fmt.Sprintf("call i64 inttoptr (i64 %d to ptr)(ptr %s, ptr %s)", id, mapReg, keyPtr))
}

// PerfEventOutput pushes size bytes at buf to the per-CPU perf ring
// associated with ctx (spec §4.1).
func (g *Generator) PerfEventOutput(ctxReg, bufPtr string, size int) {
	g.ensureEventsMap()
	id := KnownHelpers["bpf_perf_event_output"]
	g.emit(fmt.Sprintf(
		"call i64 inttoptr (i64 %d to ptr)(ptr %s, ptr @__events, i64 -1, ptr %s, i64 %d)",
		id, ctxReg, bufPtr, size))
}

// ensureEventsMap declares the perf-event-array map every async output
// call perf-outputs onto, BTF-encoded per the teacher's
// internal/transform/btfmap.go convention when BTF is enabled.
func (g *Generator) ensureEventsMap() {
	if g.helperDecls["__events_map"] {
		return
	}
	g.helperDecls["__events_map"] = true
	g.globals = append(g.globals, bpfMapDefGlobal("__events", "BPF_MAP_TYPE_PERF_EVENT_ARRAY", 4, 4, 0))
}

// helper wrappers -----------------------------------------------------

func (g *Generator) PidTgid() string { return g.callHelper("bpf_get_current_pid_tgid", nil) }
func (g *Generator) UidGid() string  { return g.callHelper("bpf_get_current_uid_gid", nil) }
func (g *Generator) CpuID() string   { return g.callHelper("bpf_get_smp_processor_id", nil) }
func (g *Generator) CurrentTask() string {
	return g.callHelper("bpf_get_current_task", nil)
}
func (g *Generator) CurrentCgroupID() string {
	return g.callHelper("bpf_get_current_cgroup_id", nil)
}

// KtimeGetNs selects the boot-time or monotonic variant per feature flag
// (spec §4.4's `nsecs`).
func (g *Generator) KtimeGetNs(bootTime bool) string {
	if bootTime {
		return g.callHelper("bpf_ktime_get_boot_ns", nil)
	}
	return g.callHelper("bpf_ktime_get_ns", nil)
}

func (g *Generator) Random() string { return g.callHelper("bpf_get_prandom_u32", nil) }

// GetCurrentComm fills a 16-byte, zero-initialized buffer with the current
// task's comm (spec §4.4's `comm`).
func (g *Generator) GetCurrentComm(dstPtr string) {
	g.ZeroFill(dstPtr, 16)
	g.callHelper("bpf_get_current_comm", []string{"ptr " + dstPtr, "i32 16"})
}

func (g *Generator) GetStackID(ctxReg string, mapReg string, flags int64) string {
	id := KnownHelpers["bpf_get_stackid"]
	reg := g.nextTemp()
	g.emit(fmt.Sprintf("%s = call i64 inttoptr (i64 %d to ptr)(ptr %s, ptr %s, i64 %d)", reg, id, ctxReg, mapReg, flags))
	return reg
}

func (g *Generator) SendSignal(sig string) string {
	return g.callHelper("bpf_send_signal", []string{"i32 " + sig})
}

func (g *Generator) OverrideReturn(ctxReg, rc string) {
	g.callHelper("bpf_override_return", []string{"ptr " + ctxReg, "i64 " + rc})
}

// Strcmp compares the string at aPtr (address space aAS) against literal,
// returning an i64 0/1 (1 when the compared regions match). inverse flips
// this so that callers can express both `==` and `!=` without duplicating
// the byte loop.
func (g *Generator) Strcmp(aPtr string, aAS ast.AddressSpace, literal string, inverse bool) string {
	litPtr := g.emitStringLiteral(literal)
	return g.callStrncmpImpl(aPtr, aAS, litPtr, ast.AddrNone, int64(len(literal)+1), inverse)
}

// Strncmp compares n bytes of the strings/buffers at aPtr and bPtr.
func (g *Generator) Strncmp(aPtr string, aAS ast.AddressSpace, bPtr string, bAS ast.AddressSpace, n int64, inverse bool) string {
	return g.callStrncmpImpl(aPtr, aAS, bPtr, bAS, n, inverse)
}

func (g *Generator) callStrncmpImpl(aPtr string, aAS ast.AddressSpace, bPtr string, bAS ast.AddressSpace, n int64, inverse bool) string {
	g.ensureStrncmpImpl()
	aLocal, aRelease := g.materializeLocal(aPtr, aAS, n)
	bLocal, bRelease := g.materializeLocal(bPtr, bAS, n)
	reg := g.nextTemp()
	g.emit(fmt.Sprintf("%s = call i64 @__strncmp_impl(ptr %s, ptr %s, i64 %d)", reg, aLocal, bLocal, n))
	if aRelease != nil {
		aRelease()
	}
	if bRelease != nil {
		bRelease()
	}
	if !inverse {
		return reg
	}
	inv := g.nextTemp()
	g.emit(fmt.Sprintf("%s = xor i64 %s, 1", inv, reg))
	return inv
}

// materializeLocal copies n bytes from a remote (user/kernel) address into
// a fresh local buffer via probe-read, or returns the pointer unchanged
// when it is already local (AddrNone), matching the "avoid materializing a
// literal on the stack" fast path spec §4.5 describes for one-literal-
// operand strncmp calls.
func (g *Generator) materializeLocal(ptr string, as ast.AddressSpace, n int64) (string, Release) {
	if as == ast.AddrNone {
		return ptr, nil
	}
	local, release := g.Alloca(fmt.Sprintf("[%d x i8]", n), int(n))
	g.ProbeRead(local, int(n), ptr, as, ast.Loc{})
	return local, release
}

func (g *Generator) ensureStrncmpImpl() {
	if g.helperDecls["__strncmp_impl"] {
		return
	}
	g.helperDecls["__strncmp_impl"] = true
	def := `define linkonce_odr i64 @__strncmp_impl(ptr %a, ptr %b, i64 %n) alwaysinline {
entry:
  br label %loop
loop:
  %i = phi i64 [ 0, %entry ], [ %inext, %cont ]
  %done = icmp uge i64 %i, %n
  br i1 %done, label %eq, label %body
body:
  %ap = getelementptr i8, ptr %a, i64 %i
  %bp = getelementptr i8, ptr %b, i64 %i
  %av = load i8, ptr %ap, align 1
  %bv = load i8, ptr %bp, align 1
  %ne = icmp ne i8 %av, %bv
  br i1 %ne, label %neq, label %cont
cont:
  %inext = add i64 %i, 1
  br label %loop
eq:
  ret i64 1
neq:
  ret i64 0
}`
	g.helperDeclOrder = append(g.helperDeclOrder, def)
}

// emitStringLiteral allocates a module-scope rodata global holding s
// NUL-terminated, returning a pointer to it.
func (g *Generator) emitStringLiteral(s string) string {
	g.strLitCount++
	name := fmt.Sprintf("@.str.%d", g.strLitCount)
	esc, n := escapeCString(s)
	g.globals = append(g.globals, fmt.Sprintf(
		"%s = private unnamed_addr constant [%d x i8] c\"%s\", section \".rodata\", align 1",
		name, n, esc))
	return name
}

func escapeCString(s string) (string, int) {
	out := ""
	for _, b := range []byte(s) {
		if b >= 0x20 && b < 0x7f && b != '"' && b != '\\' {
			out += string(b)
		} else {
			out += fmt.Sprintf("\\%02X", b)
		}
	}
	out += "\\00"
	return out, len(s) + 1
}
