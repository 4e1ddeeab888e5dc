package codegen

import (
	"fmt"

	"github.com/JamesMBartlett/bpftrace/internal/ast"
	"github.com/JamesMBartlett/bpftrace/internal/services"
)

// ctxReg is the name of the incoming ctx parameter every generated
// program's entry block binds (spec §4.6 step 1: `(i8* ctx) -> i64`).
const ctxReg = "%ctx"

// lowerBuiltin dispatches the contract-bearing pseudo-variables of spec
// §4.4. Each case documents its own contract inline since the density
// varies by how much the builtin actually does.
func (g *Generator) lowerBuiltin(n *ast.Builtin) (Value, Release, error) {
	switch n.Name {
	case "nsecs":
		boot := g.cfg.Services.Features.HasHelperKtimeGetBootNs()
		return intValue(g.KtimeGetNs(boot), n.Type()), noRelease, nil

	case "elapsed":
		return g.lowerElapsed(n)

	case "kstack", "ustack":
		return g.lowerStackID(n)

	case "pid":
		pt := g.PidTgid()
		reg := g.nextTemp()
		g.emit(fmt.Sprintf("%s = lshr i64 %s, 32", reg, pt))
		return intValue(reg, n.Type()), noRelease, nil

	case "tid":
		pt := g.PidTgid()
		reg := g.nextTemp()
		g.emit(fmt.Sprintf("%s = and i64 %s, 4294967295", reg, pt))
		return intValue(reg, n.Type()), noRelease, nil

	case "uid":
		ug := g.UidGid()
		reg := g.nextTemp()
		g.emit(fmt.Sprintf("%s = and i64 %s, 4294967295", reg, ug))
		return intValue(reg, n.Type()), noRelease, nil

	case "gid":
		ug := g.UidGid()
		reg := g.nextTemp()
		g.emit(fmt.Sprintf("%s = lshr i64 %s, 32", reg, ug))
		return intValue(reg, n.Type()), noRelease, nil

	case "username":
		// Differs from `uid` only in later user-space formatting (spec §4.4).
		ug := g.UidGid()
		reg := g.nextTemp()
		g.emit(fmt.Sprintf("%s = and i64 %s, 4294967295", reg, ug))
		return intValue(reg, n.Type()), noRelease, nil

	case "cgroup":
		return intValue(g.CurrentCgroupID(), n.Type()), noRelease, nil

	case "cpu":
		return intValue(g.CpuID(), n.Type()), noRelease, nil

	case "curtask":
		return intValue(g.CurrentTask(), n.Type()), noRelease, nil

	case "rand":
		return intValue(g.Random(), n.Type()), noRelease, nil

	case "comm":
		ptr, release := g.Alloca("[16 x i8]", 16)
		g.GetCurrentComm(ptr)
		return Value{Reg: ptr, IRType: "ptr", Sem: n.Type()}, release, nil

	case "arg0", "arg1", "arg2", "arg3", "arg4", "arg5", "arg6", "arg7", "arg8", "arg9":
		return g.lowerArgN(n)

	case "sarg0", "sarg1", "sarg2", "sarg3", "sarg4", "sarg5":
		return g.lowerSargN(n)

	case "retval":
		return g.lowerRetval(n)

	case "func":
		return g.lowerFunc(n)

	case "probe":
		return g.lowerProbeID(n)

	case "args", "ctx":
		reg := g.nextTemp()
		g.emit(fmt.Sprintf("%s = ptrtoint ptr %s to i64", reg, ctxReg))
		return intValue(reg, n.Type()), noRelease, nil

	case "cpid":
		if g.cfg.Services.Params == nil {
			return Value{}, nil, internalf(n, "cpid requested but no child PID is configured")
		}
		v, err := g.cfg.Services.Params.GetParam(0, false)
		if err != nil || v == "" {
			return Value{}, nil, internalf(n, "cpid is unset")
		}
		return intValue(v, n.Type()), noRelease, nil

	default:
		return Value{}, nil, internalf(n, "unknown builtin %q", n.Name)
	}
}

// lowerElapsed computes nsecs minus a per-process start value stored at
// key 0 of the Elapsed map (spec §4.4).
func (g *Generator) lowerElapsed(n *ast.Builtin) (Value, Release, error) {
	boot := g.cfg.Services.Features.HasHelperKtimeGetBootNs()
	now := g.KtimeGetNs(boot)
	mapReg := g.DeclareMap("__elapsed", "BPF_MAP_TYPE_ARRAY", 8, 8)
	keyPtr, _ := g.Alloca("i64", 8)
	g.emit(fmt.Sprintf("store i64 0, ptr %s", keyPtr))
	start := g.MapLookupOrZero(mapReg, keyPtr)
	out := g.nextTemp()
	g.emit(fmt.Sprintf("%s = sub i64 %s, %s", out, now, start))
	return intValue(out, n.Type()), noRelease, nil
}

// lowerStackID computes a stack-id; for ustack, the current PID is OR'd
// into the upper 32 bits to disambiguate ASLR across processes (spec §4.4,
// §8 scenario 4).
func (g *Generator) lowerStackID(n *ast.Builtin) (Value, Release, error) {
	stackMapName := "__kstack"
	userFlag := int64(0)
	if n.Name == "ustack" {
		stackMapName = "__ustack"
		userFlag = 1 << 8 // BPF_F_USER_STACK
	}
	mapReg := g.DeclareMap(stackMapName, "BPF_MAP_TYPE_STACK_TRACE", 4, 8*127)
	id := g.GetStackID(ctxReg, mapReg, userFlag)
	if n.Name != "ustack" {
		return intValue(id, n.Type()), noRelease, nil
	}
	pidShifted := g.nextTemp()
	pt := g.PidTgid()
	pid := g.nextTemp()
	g.emit(fmt.Sprintf("%s = lshr i64 %s, 32", pid, pt))
	g.emit(fmt.Sprintf("%s = shl i64 %s, 32", pidShifted, pid))
	packed := g.nextTemp()
	g.emit(fmt.Sprintf("%s = or i64 %s, %s", packed, id, pidShifted))
	return intValue(packed, n.Type()), noRelease, nil
}

// lowerArgN reads a function argument. For kernel-function providers this
// is a volatile 64-bit word at ctx[offset]; for USDT providers it uses the
// architecture- and location-specific recipe keyed by the current USDT
// location index; for kernel-func-entry providers it reads a typed frame
// field (spec §4.4).
func (g *Generator) lowerArgN(n *ast.Builtin) (Value, Release, error) {
	t := n.Type()
	if t.IsKFArg {
		return g.lowerCtxLoad(n, n.Arg*8)
	}
	if g.curAttachPoint != nil && g.curAttachPoint.Provider == "usdt" {
		return g.lowerUsdtArg(n)
	}
	off, err := g.cfg.Services.Arch.ArgOffset(n.Arg)
	if err != nil {
		return Value{}, nil, internalf(n, "resolving arg%d offset: %v", n.Arg, err)
	}
	return g.lowerCtxLoad(n, off)
}

// lowerSargN reads a bounded stack-pointer-relative argument (spec §4.4).
func (g *Generator) lowerSargN(n *ast.Builtin) (Value, Release, error) {
	base := g.cfg.Services.Arch.ArgStackOffset()
	off := base + n.Arg*8
	return g.lowerCtxLoad(n, off)
}

func (g *Generator) lowerRetval(n *ast.Builtin) (Value, Release, error) {
	off := g.cfg.Services.Arch.RetOffset()
	return g.lowerCtxLoad(n, off)
}

func (g *Generator) lowerFunc(n *ast.Builtin) (Value, Release, error) {
	off := g.cfg.Services.Arch.PCOffset()
	return g.lowerCtxLoad(n, off)
}

// lowerCtxLoad emits a volatile 64-bit load from ctx+offset. Volatility
// inhibits IR optimizations from rewriting the access width (spec §3
// invariant).
func (g *Generator) lowerCtxLoad(n ast.Expr, offset int) (Value, Release, error) {
	if offset < 0 {
		return Value{}, nil, internalf(n, "negative architectural offset %d", offset)
	}
	gep := g.nextTemp()
	g.emit(fmt.Sprintf("%s = getelementptr i8, ptr %s, i64 %d", gep, ctxReg, offset))
	reg := g.nextTemp()
	g.emit(fmt.Sprintf("%s = load volatile i64, ptr %s, align 8", reg, gep))
	return intValue(reg, n.Type()), noRelease, nil
}

// lowerUsdtArg reads a USDT argument via the resolved per-location recipe
// for g.curUsdtLoc (populated by the probe driver).
func (g *Generator) lowerUsdtArg(n *ast.Builtin) (Value, Release, error) {
	if g.curAttachPoint == nil {
		return Value{}, nil, internalf(n, "USDT argument requested outside a USDT probe")
	}
	specs, err := g.cfg.Services.USDT.Find(0, g.curAttachPoint.Target, g.curAttachPoint.NS, g.curAttachPoint.Function)
	if err != nil {
		return Value{}, nil, &ResolutionError{What: "USDT probe", Name: g.curAttachPoint.Function, Err: err}
	}
	if g.curUsdtLoc >= len(specs) {
		return Value{}, nil, internalf(n, "USDT location index %d out of range (have %d)", g.curUsdtLoc, len(specs))
	}
	spec := specs[g.curUsdtLoc]
	if n.Arg >= int(spec.ArgsCnt) {
		return Value{}, nil, internalf(n, "USDT argument index %d out of range (have %d)", n.Arg, spec.ArgsCnt)
	}
	arg := spec.Args[n.Arg]
	switch arg.Type {
	case services.UsdtArgConst:
		return immediate(int64(arg.ValOff), arg.Signed), noRelease, nil
	case services.UsdtArgReg:
		off, err := g.cfg.Services.Arch.Offset(regNameForOffset(arg.RegOff))
		if err != nil {
			return Value{}, nil, internalf(n, "USDT register operand: %v", err)
		}
		return g.lowerCtxLoad(n, off)
	default: // services.UsdtArgRegDeref
		off, err := g.cfg.Services.Arch.Offset(regNameForOffset(arg.RegOff))
		if err != nil {
			return Value{}, nil, internalf(n, "USDT register-deref operand: %v", err)
		}
		regVal, _, err := g.lowerCtxLoad(n, off)
		if err != nil {
			return Value{}, nil, err
		}
		tmp, release := g.Alloca("i64", 8)
		g.ProbeRead(tmp, 8, regVal.Reg, ast.AddrUser, n.Location())
		loaded := g.nextTemp()
		g.emit(fmt.Sprintf("%s = load i64, ptr %s, align 8", loaded, tmp))
		return intValue(loaded, n.Type()), release, nil
	}
}

func regNameForOffset(off uint16) string {
	// USDT register indices follow the DWARF register numbering used by
	// the resolved UsdtArg.RegOff; the Arch implementation is expected to
	// resolve by name, so this maps the common x86-64 set.
	names := []string{"rax", "rdx", "rcx", "rbx", "rsi", "rdi", "rbp", "rsp"}
	if int(off) < len(names) {
		return names[off]
	}
	return fmt.Sprintf("r%d", off)
}

// lowerProbeID assigns an integer identifier on first occurrence of the
// current fully-qualified probe name; subsequent occurrences reuse it
// (spec §4.4, §8's probe-id-stability property).
func (g *Generator) lowerProbeID(n *ast.Builtin) (Value, Release, error) {
	name := g.curProbeFullName
	idx, ok := g.probeIndex[name]
	if !ok {
		idx = len(g.probeRegistry)
		g.probeIndex[name] = idx
		g.probeRegistry = append(g.probeRegistry, name)
	}
	return immediate(int64(idx), false), noRelease, nil
}
