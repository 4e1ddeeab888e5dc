package codegen

import (
	"context"
	"os"
	"path/filepath"

	"github.com/JamesMBartlett/bpftrace/internal/ast"
	"github.com/JamesMBartlett/bpftrace/internal/pipeline"
)

// GenerateIR lowers prog into the module's LLVM IR text, advancing the
// generator from INIT to IR (spec §4.7). Calling it more than once, or
// calling it out of phase, is an internal error: each Generator compiles
// exactly one program.
func (g *Generator) GenerateIR(prog *ast.Program) error {
	if g.phase != PhaseInit {
		return internalf(nil, "GenerateIR called in phase %s, want %s", g.phase, PhaseInit)
	}
	if err := g.LowerProgram(prog); err != nil {
		return err
	}
	g.phase = PhaseIR
	return nil
}

// IR returns the assembled module text. Valid from phase IR onward; the
// text does not change once GenerateIR has run.
func (g *Generator) IR() (string, error) {
	if g.phase < PhaseIR {
		return "", internalf(nil, "IR requested before GenerateIR (phase %s)", g.phase)
	}
	return g.Module(), nil
}

// Optimize writes the generated module to workDir and runs the LLVM opt
// stage over it, advancing IR to OPT. cfg.Inputs and cfg.Output are
// overwritten; every other Config field (PassPipeline, OptProfile, Tools,
// Timeout, Verbose, ...) is honored the same way the link/build CLI
// commands honor it for hand-written IR.
func (g *Generator) Optimize(ctx context.Context, cfg pipeline.Config, workDir string) error {
	if g.phase != PhaseIR {
		return internalf(nil, "Optimize called in phase %s, want %s", g.phase, PhaseIR)
	}

	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return internalf(nil, "creating work directory: %v", err)
	}
	irPath := filepath.Join(workDir, "generated.ll")
	if err := os.WriteFile(irPath, []byte(g.Module()), 0o600); err != nil {
		return internalf(nil, "writing generated IR: %v", err)
	}

	cfg.TempDir = workDir
	tools, artifacts, err := pipeline.RunOptFromIR(ctx, cfg, irPath)
	if err != nil {
		return err
	}

	g.optTools = tools
	g.optArtifacts = artifacts
	g.phase = PhaseOpt
	return nil
}

// EmitELF runs llc codegen (and, if cfg.EnableBTF is set, BTF injection)
// over the optimized IR produced by Optimize, validates the resulting ELF,
// and writes it to output. Advances OPT to DONE.
func (g *Generator) EmitELF(ctx context.Context, cfg pipeline.Config, output string) error {
	if g.phase != PhaseOpt {
		return internalf(nil, "EmitELF called in phase %s, want %s", g.phase, PhaseOpt)
	}

	cfg.Output = output
	g.optArtifacts.OutputObj = output
	if err := pipeline.FinalizeFromOptimized(ctx, cfg, g.optTools, g.optArtifacts); err != nil {
		return err
	}

	g.phase = PhaseDone
	return nil
}

// Emit is the convenience path for a compile driver that has no need to
// inspect the intermediate optimized IR: it runs Optimize and EmitELF back
// to back, cleaning up workDir unless cfg.KeepTemp is set.
func (g *Generator) Emit(ctx context.Context, cfg pipeline.Config, workDir, output string) error {
	if err := g.Optimize(ctx, cfg, workDir); err != nil {
		return err
	}
	return g.EmitELF(ctx, cfg, output)
}

// Phase reports the generator's current compile-pipeline state.
func (g *Generator) Phase() Phase {
	return g.phase
}
