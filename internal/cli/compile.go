package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/JamesMBartlett/bpftrace/internal/ast"
	"github.com/JamesMBartlett/bpftrace/internal/codegen"
	"github.com/JamesMBartlett/bpftrace/internal/pipeline"
	"github.com/JamesMBartlett/bpftrace/internal/services"
)

// runCompile lowers a JSON-encoded analyzed program (internal/ast's decode
// boundary) into a BPF ELF object, or, with --emit-ir, just the generated
// LLVM IR text.
func runCompile(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	var emitIR bool
	cfg := pipeline.Config{
		Stdout: stdout,
		Stderr: stderr,
	}

	fs := newFlagSet(stderr, "bpftracegen compile [flags] <program.json>",
		"Lower an analyzed program into a BPF ELF object.")
	registerPipelineFlags(fs, &cfg)
	fs.BoolVar(&emitIR, "emit-ir", false, "Write generated LLVM IR to --output instead of a linked ELF object.")

	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	if fs.NArg() != 1 {
		return usageErrorf(fs, stderr, "exactly one program.json argument is required")
	}

	data, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		return cliErrorf(stderr, "reading program: %v", err)
	}
	prog, err := ast.Decode(data)
	if err != nil {
		return cliErrorf(stderr, "decoding program: %v", err)
	}

	gen := codegen.New(codegen.Config{
		Services:  defaultServices(),
		EnableBTF: cfg.EnableBTF,
	})
	if err := gen.GenerateIR(prog); err != nil {
		return cliErrorf(stderr, "%v", err)
	}

	if emitIR {
		ir, _ := gen.IR()
		if err := os.WriteFile(cfg.Output, []byte(ir), 0o644); err != nil {
			return cliErrorf(stderr, "writing IR: %v", err)
		}
		fmt.Fprintf(stdout, "wrote %s\n", cfg.Output)
		return 0
	}

	workDir, cleanup, err := compileWorkDir(cfg.TempDir)
	if err != nil {
		return cliErrorf(stderr, "creating temp directory: %v", err)
	}
	if !cfg.KeepTemp {
		defer cleanup()
	}

	if err := gen.Emit(ctx, cfg, workDir, cfg.Output); err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	if cfg.Verbose || cfg.KeepTemp || cfg.TempDir != "" {
		fmt.Fprintf(stdout, "intermediates: %s\n", workDir)
	}
	fmt.Fprintf(stdout, "wrote %s\n", cfg.Output)
	return 0
}

// compileWorkDir returns the working directory for the generated IR and
// pipeline intermediates, and a cleanup function. If explicit is set, no
// cleanup is performed.
func compileWorkDir(explicit string) (dir string, cleanup func(), err error) {
	if explicit != "" {
		return explicit, func() {}, nil
	}
	dir, err = os.MkdirTemp("", "bpftracegen-compile-")
	if err != nil {
		return "", nil, err
	}
	return dir, func() { _ = os.RemoveAll(dir) }, nil
}

// defaultServices wires the deterministic, self-contained implementation
// of every codegen collaborator (internal/services' Static* types) — the
// concrete bundle used when no larger host-introspecting service layer is
// plugged in.
func defaultServices() codegen.Services {
	return codegen.Services{
		Maps:        services.NewStaticMapRegistry(),
		Features:    services.DefaultFeatureFlags(),
		Names:       services.NewStaticNameResolver(),
		Params:      services.StaticParamProvider{},
		Limits:      services.DefaultLimits(),
		Structs:     services.NewStaticStructRegistry(),
		USDT:        services.NewStaticUSDTResolver(),
		Tracepoints: services.NewStaticTracepointResolver(),
		Wildcards:   services.NewStaticWildcardResolver(),
		Arch:        services.X86_64Arch{},
		Signals:     services.UnixSignalTable{},
	}
}
