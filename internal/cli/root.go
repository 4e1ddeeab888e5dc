// Package cli implements the bpftracegen command-line interface.
package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/JamesMBartlett/bpftrace/internal/llvm"
	"github.com/JamesMBartlett/bpftrace/internal/pipeline"
)

// Version is set at build time via ldflags:
//
//	go build -ldflags "-X github.com/JamesMBartlett/bpftrace/internal/cli.Version=v0.1.0"
var Version = "(dev)"

// multiStringFlag is a flag that can be set multiple times.
type multiStringFlag []string

// String returns the multiStringFlag as a comma-separated string.
func (m *multiStringFlag) String() string {
	return strings.Join(*m, ",")
}

// Set appends the value to the multiStringFlag.
func (m *multiStringFlag) Set(value string) error {
	value = strings.TrimSpace(value)
	if value == "" {
		return fmt.Errorf("value cannot be empty")
	}
	*m = append(*m, value)
	return nil
}

// commandTable lists the recognized subcommands in the order printUsage
// shows them; Run dispatches by scanning it before falling back to the
// bare-flag link alias.
var commandTable = []struct {
	name string
	desc string
	run  func(ctx context.Context, args []string, stdout, stderr io.Writer) int
}{
	{"compile", "Lower an analyzed program (program.json) to a BPF ELF object", runCompile},
	{"link", "Link hand-authored LLVM IR into a BPF ELF object", runLink},
	{"init", "Scaffold a new probe program + Makefile", runInit},
	{"doctor", "Check that the LLVM/BPF toolchain is usable", runDoctor},
}

// Run is the top-level entrypoint. It dispatches on args[0] against
// commandTable, handles help/version directly, and otherwise treats the
// whole argument list as flags for an implicit `link` — so
// `bpftracegen --input probe.ll` works without naming a subcommand.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		printUsage(stderr)
		return 2
	}

	switch args[0] {
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	case "version", "--version", "-version":
		return runVersion(stdout)
	}

	for _, cmd := range commandTable {
		if args[0] == cmd.name {
			return cmd.run(ctx, args[1:], stdout, stderr)
		}
	}
	return runLink(ctx, args, stdout, stderr)
}

// printUsage renders the top-level help text, generating each subcommand
// line from commandTable so it can't drift out of sync with Run's dispatch.
func printUsage(w io.Writer) {
	fmt.Fprintf(w, "bpftracegen %s — lower analyzed tracing programs to BPF ELF objects\n\nUsage:\n", Version)
	for _, cmd := range commandTable {
		fmt.Fprintf(w, "  bpftracegen %-32s %s\n", cmd.name, cmd.desc)
	}
	fmt.Fprintf(w, "  bpftracegen %-32s %s\n", "version", "Print version information")
	fmt.Fprintf(w, "  bpftracegen %-32s %s\n", "help", "Show this message")
	fmt.Fprintf(w, `
Run 'bpftracegen <command> --help' for details on a specific command.

The bare-flag form 'bpftracegen --input <file> [flags]' still works as an
alias for 'bpftracegen link'.
`)
}

// newFlagSet creates a FlagSet with consistent usage formatting.
func newFlagSet(w io.Writer, usage, desc string) *flag.FlagSet {
	fs := flag.NewFlagSet("bpftracegen", flag.ContinueOnError)
	fs.SetOutput(w)
	fs.Usage = func() {
		fmt.Fprintf(w, "Usage: %s\n\n%s\n", usage, desc)
		var hasFlags bool
		fs.VisitAll(func(f *flag.Flag) {
			if f.Usage != "" {
				hasFlags = true
			}
		})
		if !hasFlags {
			return
		}
		fmt.Fprintln(w, "\nFlags:")
		fs.VisitAll(func(f *flag.Flag) {
			if f.Usage == "" {
				return
			}
			fmt.Fprintf(w, "  -%s", f.Name)
			if f.DefValue != "" && f.DefValue != "false" && f.DefValue != "0" {
				fmt.Fprintf(w, " (default %s)", f.DefValue)
			}
			fmt.Fprintf(w, "\n    \t%s\n", f.Usage)
		})
	}
	return fs
}

// parseFlags parses args and returns (exitCode, ok).
func parseFlags(fs *flag.FlagSet, args []string) (code int, ok bool) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0, false
		}
		return 2, false
	}
	return 0, true
}

// runVersion prints the version information for the CLI.
func runVersion(stdout io.Writer) int {
	fmt.Fprintf(stdout, "bpftracegen %s\n", Version)
	return 0
}

// registerPipelineFlags registers the flags shared by every subcommand that
// ends in a pipeline.Run/RunOptFromIR call.
func registerPipelineFlags(fs *flag.FlagSet, cfg *pipeline.Config) {
	fs.StringVar(&cfg.Output, "output", "bpf.o", "Output eBPF ELF object path.")
	fs.StringVar(&cfg.Output, "o", "bpf.o", "Output eBPF ELF object path (shorthand).")
	fs.StringVar(&cfg.CPU, "cpu", "v3", "BPF CPU version passed to llc as -mcpu.")
	fs.BoolVar(&cfg.KeepTemp, "keep-temp", false, "Keep temporary intermediate files after run.")
	fs.BoolVar(&cfg.Verbose, "verbose", false, "Enable verbose stage logging.")
	fs.BoolVar(&cfg.Verbose, "v", false, "Enable verbose stage logging (shorthand).")
	fs.StringVar(&cfg.PassPipeline, "pass-pipeline", "", "Explicit LLVM opt pass pipeline string.")
	fs.StringVar(&cfg.OptProfile, "opt-profile", "default", "Optimization profile: conservative, default, aggressive, verifier-safe.")
	fs.DurationVar(&cfg.Timeout, "timeout", 30*time.Second, "Per-stage command timeout.")
	fs.StringVar(&cfg.TempDir, "tmpdir", "", "Directory for intermediate artifacts (kept after run).")
	fs.BoolVar(&cfg.EnableBTF, "btf", false, "Enable BTF injection via pahole.")
	registerToolFlags(fs, &cfg.Tools)
}

// runPipelineAndReport runs the link pipeline and prints the result.
func runPipelineAndReport(ctx context.Context, cfg pipeline.Config, stdout, stderr io.Writer) int {
	artifacts, err := pipeline.Run(ctx, cfg)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	if cfg.Verbose || cfg.KeepTemp || cfg.TempDir != "" {
		fmt.Fprintf(stdout, "intermediates: %s\n", artifacts.TempDir)
	}
	fmt.Fprintf(stdout, "wrote %s\n", cfg.Output)
	return 0
}

// registerToolFlags binds the standard LLVM tool path flags to a ToolOverrides.
func registerToolFlags(fs *flag.FlagSet, tools *llvm.ToolOverrides) {
	fs.StringVar(&tools.LLVMLink, "llvm-link", "", "Path to llvm-link binary.")
	fs.StringVar(&tools.Opt, "opt", "", "Path to opt binary.")
	fs.StringVar(&tools.LLC, "llc", "", "Path to llc binary.")
	fs.StringVar(&tools.LLVMAr, "llvm-ar", "", "Path to llvm-ar binary.")
	fs.StringVar(&tools.Objcopy, "llvm-objcopy", "", "Path to llvm-objcopy binary.")
	fs.StringVar(&tools.Pahole, "pahole", "", "Path to pahole binary (used with --btf).")
}

// cliErrorf prints a formatted error message and returns exit code 1.
func cliErrorf(w io.Writer, format string, args ...any) int {
	fmt.Fprintf(w, "error: "+format+"\n", args...)
	return 1
}

// usageErrorf prints a formatted error message, shows the flagset usage, and returns exit code 2.
func usageErrorf(fs *flag.FlagSet, w io.Writer, format string, args ...any) int {
	fmt.Fprintf(w, "error: "+format+"\n", args...)
	fs.Usage()
	return 2
}

