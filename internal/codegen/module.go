// Package codegen lowers a typed AST (internal/ast) into BPF-targeted LLVM
// IR text, following the same no-CGo/no-libLLVM philosophy the surrounding
// toolchain already uses for its post-processing stages: every instruction
// is assembled as a line of text, handed to internal/pipeline for opt/llc.
package codegen

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/JamesMBartlett/bpftrace/internal/ast"
	"github.com/JamesMBartlett/bpftrace/internal/llvm"
	"github.com/JamesMBartlett/bpftrace/internal/pipeline"
	"github.com/JamesMBartlett/bpftrace/internal/services"
	"github.com/JamesMBartlett/bpftrace/internal/wire"
)

// Phase is the compile pipeline's monotonic state (spec §4.7).
type Phase int

const (
	PhaseInit Phase = iota
	PhaseIR
	PhaseOpt
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "INIT"
	case PhaseIR:
		return "IR"
	case PhaseOpt:
		return "OPT"
	case PhaseDone:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}

// Services bundles every external collaborator named in spec §6.
type Services struct {
	Maps        services.MapRegistry
	Features    services.FeatureFlags
	Names       services.NameResolver
	Params      services.ParamProvider
	Limits      services.Limits
	Structs     services.StructRegistry
	USDT        services.USDTResolver
	Tracepoints services.TracepointResolver
	Wildcards   services.WildcardResolver
	Arch        services.Arch
	Signals     services.SignalTable
}

// Config configures a Generator.
type Config struct {
	Services  Services
	EnableBTF bool
}

// TargetTriple and TargetDatalayout are the BPF target this generator emits
// against. internal/transform's retarget pass coerces hand-authored IR to
// the same values before it enters the shared opt/llc tail.
const (
	TargetTriple     = "bpf-pc-linux"
	TargetDatalayout = "e-m:e-p:64:64-i64:64-i128:128-n32:64-S128"
)

// Counters tracks the monotonically increasing identifiers spec §3
// describes: one per asynchronous-event producer plus a per-probe-name
// index. Values are copied wholesale by the probe driver to make sibling
// expansions deterministic (spec §4.6 step 4).
type Counters struct {
	Printf      uint32
	Cat         uint32
	System      uint32
	Time        uint32
	Strftime    uint32
	Join        uint32
	HelperError uint32
	NonMapPrint uint32
	Print       uint32
	Clear       uint32
	Zero        uint32
}

// Generator holds all per-compilation state: the module being assembled,
// counters, the scalar variable table, the loop stack, the probe-id
// registry, and the current phase. No package-level globals are used
// (spec §9).
type Generator struct {
	cfg Config

	phase Phase

	// module-level accumulation
	globals   []string // .maps / .rodata / .bss globals, in emission order
	functions []string // fully rendered function definitions
	helperDecls map[string]bool
	helperDeclOrder []string
	inlineHelpersEmitted bool

	// per-function state, reset by beginFunction
	fn *function

	// generator-wide state
	counters      Counters
	scalarVars    map[string]scalarSlot
	loopStack     []loopFrame
	probeRegistry []string
	probeIndex    map[string]int

	curAttachPoint   *ast.AttachPoint
	curUsdtLoc       int
	curProbeFullName string

	tempCounter  int
	labelCounter int
	strLitCount  int
	formatCount  uint64

	// compile pipeline state (spec §4.7), populated by Optimize
	optTools     llvm.Tools
	optArtifacts *pipeline.Artifacts

	FormatTable wire.FormatTable // per-format-call field layout, handed to internal/consumer to decode perf/ringbuf output (spec §6)
}

type scalarSlot struct {
	Reg    string
	IRType string
	Sem    ast.SizedType
}

type loopFrame struct {
	ContinueLabel string
	BreakLabel    string
}

// function is the in-progress state of one emitted program.
type function struct {
	Name    string
	Section string
	Body    []string // rendered instruction lines, block-delimited by "label:" lines
	Cur     string   // current block label, for readability only
}

// New constructs a Generator in phase INIT.
func New(cfg Config) *Generator {
	return &Generator{
		cfg:         cfg,
		phase:       PhaseInit,
		helperDecls: make(map[string]bool),
		scalarVars:  make(map[string]scalarSlot),
		probeIndex:  make(map[string]int),
		FormatTable: make(wire.FormatTable),
	}
}

func (g *Generator) nextTemp() string {
	g.tempCounter++
	return fmt.Sprintf("%%t%d", g.tempCounter)
}

func (g *Generator) nextLabel(prefix string) string {
	g.labelCounter++
	return fmt.Sprintf("%s%d", prefix, g.labelCounter)
}

// emit appends a rendered instruction line to the current function body.
func (g *Generator) emit(line string) {
	g.fn.Body = append(g.fn.Body, "  "+line)
}

// label opens a new basic block.
func (g *Generator) label(name string) {
	g.fn.Body = append(g.fn.Body, name+":")
	g.fn.Cur = name
}

func formatImm(n int64) string {
	return strconv.FormatInt(n, 10)
}

// Module renders the fully assembled LLVM IR text for the module: header,
// globals (including .maps declarations and inlined histogram helpers),
// then every emitted probe function, per spec §3's Module generator state.
func (g *Generator) Module() string {
	var b strings.Builder
	fmt.Fprintf(&b, "target datalayout = %q\n", TargetDatalayout)
	fmt.Fprintf(&b, "target triple = %q\n\n", TargetTriple)
	b.WriteString("%bpfMapDef = type { ptr, ptr, ptr, ptr, ptr }\n\n")

	for _, decl := range g.sortedHelperDecls() {
		b.WriteString(decl)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')

	for _, gl := range g.globals {
		b.WriteString(gl)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')

	for _, fn := range g.functions {
		b.WriteString(fn)
		b.WriteString("\n\n")
	}

	b.WriteString(licenseGlobal)
	b.WriteByte('\n')
	return b.String()
}

const licenseGlobal = `@_license = global [4 x i8] c"GPL\00", section "license", align 1`

func (g *Generator) sortedHelperDecls() []string {
	// Deterministic order: declarations are added exactly once per name at
	// first use, so emission order already matches first-use order; we
	// keep insertion order via a slice mirror instead of ranging the map.
	return g.helperDeclOrder
}
