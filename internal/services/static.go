package services

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// wildcardToPattern converts a bpftrace-style glob ('*' and '?') into an
// anchored regexp.
func wildcardToPattern(glob string) *regexp.Regexp {
	var b strings.Builder
	b.WriteByte('^')
	for _, r := range glob {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteByte('$')
	return regexp.MustCompile(b.String())
}

// StaticMapRegistry is an in-memory MapRegistry keyed by declaration order,
// suitable for tests and for driving the CLI without a live bpftrace runtime.
type StaticMapRegistry struct {
	maps map[string]MapDescriptor
	next uint64
}

func NewStaticMapRegistry() *StaticMapRegistry {
	return &StaticMapRegistry{maps: make(map[string]MapDescriptor)}
}

func (r *StaticMapRegistry) Lookup(ident string) (MapDescriptor, bool) {
	d, ok := r.maps[ident]
	return d, ok
}

func (r *StaticMapRegistry) Declare(ident string, keySize, valSize int) MapDescriptor {
	if d, ok := r.maps[ident]; ok {
		return d
	}
	d := MapDescriptor{Ident: ident, ID: r.next, KeySize: keySize, ValSize: valSize}
	r.next++
	r.maps[ident] = d
	return d
}

// StaticFeatureFlags reports a fixed, configurable capability set.
type StaticFeatureFlags struct {
	KtimeGetBootNs bool
	SendSignal     bool
	OverrideReturn bool
}

func (f StaticFeatureFlags) HasHelperKtimeGetBootNs() bool { return f.KtimeGetBootNs }
func (f StaticFeatureFlags) HasHelperSendSignal() bool     { return f.SendSignal }
func (f StaticFeatureFlags) HasHelperOverrideReturn() bool { return f.OverrideReturn }

// DefaultFeatureFlags assumes a recent kernel (5.8+, per bpftrace's own
// baseline) where all three helpers are present.
func DefaultFeatureFlags() StaticFeatureFlags {
	return StaticFeatureFlags{KtimeGetBootNs: true, SendSignal: true, OverrideReturn: true}
}

// StaticNameResolver resolves names from a fixed table, populated ahead of
// generation by whatever performs kallsyms/symbol-table discovery upstream.
type StaticNameResolver struct {
	KNames     map[string]uint64
	UNames     map[string]uint64 // keyed "target:name"
	CgroupIDs  map[string]uint64
}

func NewStaticNameResolver() *StaticNameResolver {
	return &StaticNameResolver{
		KNames:    make(map[string]uint64),
		UNames:    make(map[string]uint64),
		CgroupIDs: make(map[string]uint64),
	}
}

func (r *StaticNameResolver) ResolveKName(name string) (uint64, error) {
	if v, ok := r.KNames[name]; ok {
		return v, nil
	}
	return 0, &ErrNotFound{Kind: "kernel symbol", Name: name}
}

func (r *StaticNameResolver) ResolveUName(name, target string) (uint64, error) {
	key := target + ":" + name
	if v, ok := r.UNames[key]; ok {
		return v, nil
	}
	return 0, &ErrNotFound{Kind: "user symbol", Name: key}
}

func (r *StaticNameResolver) ResolveCgroupID(path string) (uint64, error) {
	if v, ok := r.CgroupIDs[path]; ok {
		return v, nil
	}
	return 0, &ErrNotFound{Kind: "cgroup path", Name: path}
}

// StaticParamProvider serves $N from a fixed slice supplied on the command line.
type StaticParamProvider struct {
	Params []string
}

func (p StaticParamProvider) GetParam(n int, asString bool) (string, error) {
	if n < 1 || n > len(p.Params) {
		return "", fmt.Errorf("services: positional parameter $%d out of range (have %d)", n, len(p.Params))
	}
	v := p.Params[n-1]
	if asString {
		return v, nil
	}
	if _, err := strconv.ParseInt(v, 0, 64); err != nil {
		return "", fmt.Errorf("services: $%d is not numeric: %q", n, v)
	}
	return v, nil
}

func (p StaticParamProvider) NumParams() int { return len(p.Params) }

// StaticLimits holds fixed, configurable runtime limits (spec §6).
type StaticLimits struct {
	StrLenV      int
	JoinArgNumV  int
	JoinArgSizeV int
	MaxBufLenV   int
}

// DefaultLimits mirrors bpftrace's own defaults.
func DefaultLimits() StaticLimits {
	return StaticLimits{StrLenV: 64, JoinArgNumV: 16, JoinArgSizeV: 1024, MaxBufLenV: 4096}
}

func (l StaticLimits) StrLen() int      { return l.StrLenV }
func (l StaticLimits) JoinArgNum() int  { return l.JoinArgNumV }
func (l StaticLimits) JoinArgSize() int { return l.JoinArgSizeV }
func (l StaticLimits) MaxBufLen() int   { return l.MaxBufLenV }

// StaticStructRegistry resolves schemas from a fixed table, keyed by name.
type StaticStructRegistry struct {
	Schemas map[string]StructSchema
}

func NewStaticStructRegistry() *StaticStructRegistry {
	return &StaticStructRegistry{Schemas: make(map[string]StructSchema)}
}

func (r *StaticStructRegistry) Lookup(name string) (StructSchema, bool) {
	s, ok := r.Schemas[name]
	return s, ok
}

// StaticUSDTResolver resolves USDT probes from a fixed table populated by
// whatever performs ELF-note scanning upstream (grounded on Cilium
// Tetragon's UsdtSpec/UsdtArg shape).
type StaticUSDTResolver struct {
	Specs map[string][]UsdtSpec // keyed "target:provider:name"
}

func NewStaticUSDTResolver() *StaticUSDTResolver {
	return &StaticUSDTResolver{Specs: make(map[string][]UsdtSpec)}
}

func (r *StaticUSDTResolver) Find(pid int, target, ns, funcID string) ([]UsdtSpec, error) {
	key := target + ":" + ns + ":" + funcID
	specs, ok := r.Specs[key]
	if !ok {
		return nil, &ErrNotFound{Kind: "USDT probe", Name: key}
	}
	return specs, nil
}

// StaticTracepointResolver maps "category:event" to a record schema name
// from a fixed table populated by tracepoint-format-file discovery upstream.
type StaticTracepointResolver struct {
	Names map[string]string
}

func NewStaticTracepointResolver() *StaticTracepointResolver {
	return &StaticTracepointResolver{Names: make(map[string]string)}
}

func (r *StaticTracepointResolver) GetStructName(category, event string) (string, error) {
	key := category + ":" + event
	if name, ok := r.Names[key]; ok {
		return name, nil
	}
	return "", &ErrNotFound{Kind: "tracepoint", Name: key}
}

// StaticWildcardResolver expands wildcards against a fixed candidate set
// (e.g. a pre-enumerated kallsyms/kprobe-events dump), returning matches in
// sorted order for deterministic probe-id assignment (spec §8).
type StaticWildcardResolver struct {
	Candidates map[string][]string // keyed by provider
}

func NewStaticWildcardResolver() *StaticWildcardResolver {
	return &StaticWildcardResolver{Candidates: make(map[string][]string)}
}

func (r *StaticWildcardResolver) FindWildcardMatches(ap AttachPointQuery) ([]string, error) {
	if !strings.ContainsAny(ap.Function, "*?") {
		return []string{ap.Function}, nil
	}
	pattern := wildcardToPattern(ap.Function)
	var out []string
	for _, c := range r.Candidates[ap.Provider] {
		if pattern.MatchString(c) {
			out = append(out, c)
		}
	}
	sort.Strings(out)
	if len(out) == 0 {
		return nil, &ErrNotFound{Kind: "wildcard match", Name: ap.Function}
	}
	return out, nil
}

// X86_64Arch hard-codes the ctx offsets bpftrace itself uses for the x86-64
// pt_regs layout (grounded on bpftrace's arch/x86_64.cpp table).
type X86_64Arch struct{}

var x86ArgOffsets = []int{ /* di, si, dx, cx, r8, r9 */
	14 * 8, 13 * 8, 12 * 8, 11 * 8, 9 * 8, 8 * 8,
}

var x86RegOffsets = map[string]int{
	"r15": 0, "r14": 1 * 8, "r13": 2 * 8, "r12": 3 * 8, "rbp": 4 * 8,
	"rbx": 5 * 8, "r11": 6 * 8, "r10": 7 * 8, "r9": 8 * 8, "r8": 9 * 8,
	"rax": 10 * 8, "rcx": 11 * 8, "rdx": 12 * 8, "rsi": 13 * 8, "rdi": 14 * 8,
	"orig_rax": 15 * 8, "rip": 16 * 8, "cs": 17 * 8, "eflags": 18 * 8,
	"rsp": 19 * 8, "ss": 20 * 8,
}

func (X86_64Arch) ArgOffset(n int) (int, error) {
	if n < 0 || n >= len(x86ArgOffsets) {
		return 0, fmt.Errorf("services: argument index %d out of range for x86_64", n)
	}
	return x86ArgOffsets[n], nil
}

func (X86_64Arch) RetOffset() int { return x86RegOffsets["rax"] }
func (X86_64Arch) PCOffset() int  { return x86RegOffsets["rip"] }
func (X86_64Arch) SPOffset() int  { return x86RegOffsets["rsp"] }

func (X86_64Arch) Offset(regName string) (int, error) {
	off, ok := x86RegOffsets[regName]
	if !ok {
		return 0, fmt.Errorf("services: unknown register %q for x86_64", regName)
	}
	return off, nil
}

func (X86_64Arch) ArgStackOffset() int { return x86RegOffsets["rsp"] + 8 }

// UnixSignalTable resolves signal names via golang.org/x/sys/unix, the
// ecosystem-standard source for signal numbers on Linux.
type UnixSignalTable struct{}

var unixSignals = map[string]int{
	"SIGHUP": int(unix.SIGHUP), "SIGINT": int(unix.SIGINT), "SIGQUIT": int(unix.SIGQUIT),
	"SIGILL": int(unix.SIGILL), "SIGTRAP": int(unix.SIGTRAP), "SIGABRT": int(unix.SIGABRT),
	"SIGBUS": int(unix.SIGBUS), "SIGFPE": int(unix.SIGFPE), "SIGKILL": int(unix.SIGKILL),
	"SIGUSR1": int(unix.SIGUSR1), "SIGSEGV": int(unix.SIGSEGV), "SIGUSR2": int(unix.SIGUSR2),
	"SIGPIPE": int(unix.SIGPIPE), "SIGALRM": int(unix.SIGALRM), "SIGTERM": int(unix.SIGTERM),
	"SIGCHLD": int(unix.SIGCHLD), "SIGCONT": int(unix.SIGCONT), "SIGSTOP": int(unix.SIGSTOP),
	"SIGTSTP": int(unix.SIGTSTP), "SIGTTIN": int(unix.SIGTTIN), "SIGTTOU": int(unix.SIGTTOU),
}

func (UnixSignalTable) Lookup(name string) (int, error) {
	name = strings.ToUpper(name)
	if !strings.HasPrefix(name, "SIG") {
		name = "SIG" + name
	}
	if n, ok := unixSignals[name]; ok {
		return n, nil
	}
	return 0, &ErrNotFound{Kind: "signal", Name: name}
}
