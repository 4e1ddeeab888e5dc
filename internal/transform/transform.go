// Package transform prepares hand-authored BPF-targeted LLVM IR for the
// shared opt/llc tail internal/pipeline drives. It exists for the `link`
// subcommand: a user writes probe handler functions directly in LLVM IR
// (declaring kernel helpers by name, e.g. @bpf_get_current_pid_tgid),
// selects which functions become ELF programs, and internal/codegen's
// generated IR never touches this package at all — it is already in the
// shape these passes would otherwise produce. All transformations operate
// on text lines, matching the no-CGo/no-libLLVM approach internal/codegen
// and internal/pipeline use for the rest of the toolchain.
package transform

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
)

func isIdentChar(c byte) bool {
	return c == '.' || c == '_' || c == '-' || c == '$' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// parseFuncName extracts the function name from a trimmed line starting with
// prefix ("define " or "declare ") followed by ... @name(. The noLeadingDot
// flag rejects identifiers starting with '.', which is invalid for defines.
func parseFuncName(trimmed, prefix string, noLeadingDot bool) (string, bool) {
	if !strings.HasPrefix(trimmed, prefix) {
		return "", false
	}
	atIdx := strings.IndexByte(trimmed, '@')
	if atIdx < 0 {
		return "", false
	}
	start := atIdx + 1
	if start >= len(trimmed) || !isIdentChar(trimmed[start]) || (noLeadingDot && trimmed[start] == '.') {
		return "", false
	}
	end := start + 1
	for end < len(trimmed) && isIdentChar(trimmed[end]) {
		end++
	}
	if end >= len(trimmed) || trimmed[end] != '(' {
		return "", false
	}
	return trimmed[start:end], true
}

func parseDefineName(trimmed string) (string, bool) {
	return parseFuncName(trimmed, "define ", true)
}

func parseDeclareName(trimmed string) (string, bool) {
	return parseFuncName(trimmed, "declare ", false)
}

// parseGlobalName extracts the global name from a trimmed "@name = ..." line.
func parseGlobalName(trimmed string) (string, bool) {
	if len(trimmed) < 3 || trimmed[0] != '@' || !isIdentChar(trimmed[1]) {
		return "", false
	}
	i := 2
	for i < len(trimmed) && isIdentChar(trimmed[i]) {
		i++
	}
	nameEnd := i
	for i < len(trimmed) && (trimmed[i] == ' ' || trimmed[i] == '\t') {
		i++
	}
	if i >= len(trimmed) || trimmed[i] != '=' {
		return "", false
	}
	return trimmed[1:nameEnd], true
}

// irSnippet returns up to radius lines before and after index center for error context.
func irSnippet(lines []string, center, radius int) string {
	start := center - radius
	if start < 0 {
		start = 0
	}
	end := center + radius + 1
	if end > len(lines) {
		end = len(lines)
	}
	var b strings.Builder
	for i := start; i < end; i++ {
		marker := "  "
		if i == center {
			marker = "> "
		}
		fmt.Fprintf(&b, "%s%d: %s\n", marker, i+1, lines[i])
	}
	return b.String()
}

// Options configures the IR transformation pass.
type Options struct {
	Programs []string
	Sections map[string]string
	Verbose  bool
	Stdout   io.Writer
	DumpDir  string
}

// insertBeforeFunc splices toInsert lines before the first declare or define
// statement. Falls back to appending if no function statement is found.
func insertBeforeFunc(lines []string, toInsert ...string) []string {
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "declare ") || strings.HasPrefix(trimmed, "define ") {
			result := make([]string, 0, len(lines)+len(toInsert))
			result = append(result, lines[:i]...)
			result = append(result, toInsert...)
			result = append(result, lines[i:]...)
			return result
		}
	}
	return append(lines, toInsert...)
}

// Run reads a .ll file, applies all transformations, and writes the result.
func Run(ctx context.Context, inputLL, outputLL string, opts Options) error {
	data, err := os.ReadFile(inputLL)
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	lines, err := TransformLines(ctx, strings.Split(string(data), "\n"), opts)
	if err != nil {
		return err
	}
	return os.WriteFile(outputLL, []byte(strings.Join(lines, "\n")), 0o600)
}

// transformStage pairs a human-readable name with a transform function.
type transformStage struct {
	name string
	fn   func([]string) ([]string, error)
}

// TransformLines runs the hand-authored-IR pipeline: pick out the named
// probe functions, lower helper calls to the numeric calling convention
// internal/codegen also uses, assign each surviving function an ELF
// section, add the ambient license global, then drop what extraction left
// dangling.
func TransformLines(ctx context.Context, lines []string, opts Options) ([]string, error) {
	if opts.Stdout == nil {
		opts.Stdout = io.Discard
	}

	dumper := newStageDumper(opts.DumpDir, opts.Verbose, opts.Stdout)

	extractProgs := func(l []string) ([]string, error) {
		return extractPrograms(l, opts.Programs, opts.Verbose, opts.Stdout)
	}
	assignProgSections := func(l []string) ([]string, error) {
		return assignProgramSections(l, opts.Sections), nil
	}
	retargetStage := func(l []string) ([]string, error) {
		return retarget(l), nil
	}
	addLicenseStage := func(l []string) ([]string, error) {
		return addLicense(l), nil
	}
	cleanupStage := func(l []string) ([]string, error) {
		return cleanup(l), nil
	}

	stages := []transformStage{
		{"retarget", retargetStage},
		{"extract-programs", extractProgs},
		{"rewrite-helpers", rewriteHelpers},
		{"assign-program-sections", assignProgSections},
		{"add-license", addLicenseStage},
		{"cleanup", cleanupStage},
	}

	var err error
	for _, s := range stages {
		lines, err = s.fn(lines)
		if err != nil {
			return nil, err
		}
		if err = ctx.Err(); err != nil {
			return nil, err
		}
		dumper.dump(s.name, lines)
	}

	return lines, nil
}

// stageDumper writes numbered IR snapshots to a directory for debugging.
type stageDumper struct {
	dir     string
	verbose bool
	out     io.Writer
	seq     int
}

func newStageDumper(dir string, verbose bool, out io.Writer) *stageDumper {
	return &stageDumper{dir: dir, verbose: verbose, out: out}
}

func (d *stageDumper) dump(stage string, lines []string) {
	if d.dir == "" {
		return
	}
	d.seq++
	name := fmt.Sprintf("%02d-%s.ll", d.seq, stage)
	path := d.dir + "/" + name
	data := strings.Join(lines, "\n")
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		if d.verbose {
			fmt.Fprintf(d.out, "[dump-ir] failed to write %s: %v\n", path, err)
		}
		return
	}
	if d.verbose {
		fmt.Fprintf(d.out, "[dump-ir] %s (%d lines)\n", name, len(lines))
	}
}
