package transform

import (
	"fmt"
	"io"
	"strings"
)

// isBoilerplateFunc reports whether name is a linkage artifact rather than
// a probe handler a user would name with --program.
func isBoilerplateFunc(name string) bool {
	return name == "main" || name == "_start"
}

// extractPrograms keeps only the named --program function bodies (or, if
// none were named, every function that isn't linkage boilerplate) and
// drops everything else's define blocks and now-orphaned globals.
func extractPrograms(lines []string, programNames []string, verbose bool, w io.Writer) ([]string, error) {
	type defineBlock struct {
		name      string
		startLine int
		endLine   int
	}
	var blocks []defineBlock
	inDef := false
	depth := 0
	var cur defineBlock

	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if !inDef {
			if name, ok := parseDefineName(trimmed); ok {
				inDef = true
				cur = defineBlock{name: name, startLine: i}
				depth = strings.Count(trimmed, "{") - strings.Count(trimmed, "}")
				if depth <= 0 {
					cur.endLine = i
					blocks = append(blocks, cur)
					inDef = false
				}
			}
			continue
		}
		depth += strings.Count(trimmed, "{") - strings.Count(trimmed, "}")
		if depth <= 0 {
			cur.endLine = i
			blocks = append(blocks, cur)
			inDef = false
		}
	}

	available := make(map[string]bool, len(blocks))
	for _, b := range blocks {
		available[b.name] = true
	}

	programSet := make(map[string]bool)
	if len(programNames) > 0 {
		var missing []string
		for _, n := range programNames {
			if !available[n] {
				missing = append(missing, n)
				continue
			}
			programSet[n] = true
		}
		if len(missing) > 0 {
			names := make([]string, len(blocks))
			for i, b := range blocks {
				names[i] = b.name
			}
			return nil, fmt.Errorf("transform: --program %v not found in IR: available functions are %v", missing, names)
		}
	} else {
		for _, b := range blocks {
			if !isBoilerplateFunc(b.name) {
				programSet[b.name] = true
			}
		}
	}
	if len(programSet) == 0 {
		names := make([]string, len(blocks))
		for i, b := range blocks {
			names[i] = b.name
		}
		return nil, fmt.Errorf("transform: no program functions found among: %v", names)
	}
	if verbose {
		for name := range programSet {
			fmt.Fprintf(w, "[transform] keeping program: %s\n", name)
		}
	}

	remove := make(map[int]bool)

	for _, b := range blocks {
		if !programSet[b.name] {
			for j := b.startLine; j <= b.endLine; j++ {
				remove[j] = true
			}
		}
	}

	// Globals only the dropped functions referenced are left dangling here;
	// the cleanup stage sweeps them up once the whole pipeline has run.
	result := make([]string, 0, len(lines)/2)
	for i, line := range lines {
		if !remove[i] {
			result = append(result, line)
		}
	}
	return result, nil
}
