// Package elfcheck validates that an output file is a well-formed eBPF ELF object.
package elfcheck

import (
	"debug/elf"
	"fmt"

	"github.com/cilium/ebpf"

	"github.com/JamesMBartlett/bpftrace/internal/diag"
)

// Validate opens the ELF at path and checks that it meets the minimum
// requirements for a BPF object: 64-bit class, EM_BPF machine, at least
// one executable program section, and at least one symbol.
func Validate(path string) error {
	f, err := elf.Open(path)
	if err != nil {
		return &diag.Error{Stage: diag.StageValidate, Err: err,
			Hint: "output is not a readable ELF object"}
	}
	defer func() { _ = f.Close() }()

	if f.Class != elf.ELFCLASS64 {
		return &diag.Error{Stage: diag.StageValidate,
			Err:  fmt.Errorf("expected ELFCLASS64, got %s", f.Class),
			Hint: "use llc with BPF target"}
	}

	if f.Machine != elf.EM_BPF {
		return &diag.Error{Stage: diag.StageValidate,
			Err:  fmt.Errorf("expected machine %s, got %s", elf.EM_BPF, f.Machine),
			Hint: "ensure llc uses -march=bpf"}
	}

	hasCode := false
	for _, s := range f.Sections {
		if s.Name == ".maps" && (s.Flags&elf.SHF_EXECINSTR) != 0 {
			return &diag.Error{Stage: diag.StageValidate,
				Err:  fmt.Errorf(".maps section has executable flag"),
				Hint: "map definitions must not be placed in an executable section"}
		}
		if s.Type == elf.SHT_PROGBITS && (s.Flags&elf.SHF_EXECINSTR) != 0 {
			hasCode = true
		}
	}
	if !hasCode {
		return &diag.Error{Stage: diag.StageValidate,
			Err:  fmt.Errorf("missing executable program section"),
			Hint: "verify input IR contains at least one BPF program function section"}
	}

	syms, err := f.Symbols()
	if err == nil && len(syms) == 0 {
		return &diag.Error{Stage: diag.StageValidate,
			Err:  fmt.Errorf("object contains no symbols"),
			Hint: "expected at least one global function symbol for a BPF program"}
	}

	return nil
}

// VerifyLoadable parses path as a cilium/ebpf collection spec, catching
// map/program layout problems (missing license, malformed section names)
// that Validate's plain ELF-header checks cannot see. It does not load the
// collection into the kernel, so it runs without CAP_BPF and never touches
// the running kernel's verifier.
//
// This only applies to objects whose section names follow the
// provider/target convention cilium/ebpf's classifier expects (kprobe/...,
// tracepoint/.../..., uprobe/path:symbol). It cannot be used on `compile`'s
// output: generated section names are `s_<probefull>_<n>` so counters and
// expansion stay deterministic across siblings, and that scheme carries no
// recognizable provider prefix. It is meant for `link`'s hand-authored IR
// path, where the caller supplies real attach-point section names via
// --section.
func VerifyLoadable(path string) error {
	spec, err := ebpf.LoadCollectionSpec(path)
	if err != nil {
		return &diag.Error{Stage: diag.StageValidate, Err: err,
			Hint: "object does not parse as a BPF collection; check section names and map/program encoding"}
	}
	if len(spec.Programs) == 0 {
		return &diag.Error{Stage: diag.StageValidate,
			Err:  fmt.Errorf("collection spec contains no programs"),
			Hint: "expected at least one program section (e.g. kprobe/..., tracepoint/...)"}
	}
	for name, p := range spec.Programs {
		if p.License == "" {
			return &diag.Error{Stage: diag.StageValidate,
				Err:  fmt.Errorf("program %q has no license", name),
				Hint: "the generator must emit a license global (@_license, GPL by default)"}
		}
	}
	return nil
}
