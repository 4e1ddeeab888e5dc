// Package scaffold generates the file structure for a new bpftracegen project.
package scaffold

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Config holds settings for project scaffolding.
type Config struct {
	Dir     string
	Program string
	Stdout  io.Writer
}

// Run generates a minimal bpftracegen project skeleton in cfg.Dir: an
// analyzed-program JSON fixture (the wire format internal/ast.Decode
// consumes) and a Makefile that drives it through `bpftracegen compile`.
func Run(cfg Config) error {
	if cfg.Stdout == nil {
		cfg.Stdout = io.Discard
	}
	if strings.TrimSpace(cfg.Program) == "" {
		return fmt.Errorf("program name is required")
	}

	progDir := filepath.Join(cfg.Dir, "programs")
	if err := os.MkdirAll(progDir, 0o755); err != nil {
		return fmt.Errorf("creating programs directory: %w", err)
	}

	files := []struct {
		path    string
		content string
	}{
		{filepath.Join(progDir, cfg.Program+".json"), programJSON(cfg.Program)},
		{filepath.Join(cfg.Dir, "Makefile"), makefile(cfg.Program)},
	}

	for _, f := range files {
		if _, err := os.Stat(f.path); err == nil {
			return fmt.Errorf("%s already exists; refusing to overwrite", f.path)
		}
		if err := os.WriteFile(f.path, []byte(f.content), 0o600); err != nil {
			return fmt.Errorf("writing %s: %w", f.path, err)
		}
		rel, _ := filepath.Rel(cfg.Dir, f.path)
		if rel == "" {
			rel = f.path
		}
		fmt.Fprintf(cfg.Stdout, "  create %s\n", rel)
	}

	return nil
}

// programJSON emits a single kprobe attach point that bumps a @count map,
// the same shape internal/cli's own compile fixtures use. It is meant as a
// starting point: add attach points, a predicate, or more statements to
// build out the probe.
func programJSON(programName string) string {
	return `{
  "probes": [
    {
      "name": "kprobe:` + programName + `",
      "attach_points": [
        {"provider": "kprobe", "function": "` + programName + `"}
      ],
      "stmts": [
        {
          "kind": "assign_map",
          "map": {"kind": "map", "ident": "@count", "type": {"kind": "int", "size": 8}, "vargs": []},
          "value": {
            "kind": "call",
            "func": "count",
            "type": {"kind": "int", "size": 8},
            "map": {"kind": "map", "ident": "@count", "type": {"kind": "int", "size": 8}, "vargs": []}
          }
        }
      ]
    }
  ]
}
`
}

func makefile(programName string) string {
	return `.PHONY: build clean

# Output paths
BUILD_DIR := build
PROGRAM   := programs/` + programName + `.json
BPF_OBJ   := $(BUILD_DIR)/` + programName + `.bpf.o

# Pass --btf to emit a .BTF section describing map key/value types.
CFLAGS :=

build: $(BPF_OBJ)

$(BPF_OBJ): $(PROGRAM) | $(BUILD_DIR)
	bpftracegen compile $(CFLAGS) --output $@ $<

$(BUILD_DIR):
	mkdir -p $(BUILD_DIR)

clean:
	rm -rf $(BUILD_DIR)
`
}
