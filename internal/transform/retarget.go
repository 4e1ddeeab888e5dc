package transform

import (
	"strings"

	"github.com/JamesMBartlett/bpftrace/internal/codegen"
)

// retarget rewrites the module's triple and datalayout to match
// internal/codegen's target, so hand-authored IR joins the same opt/llc
// tail generated IR goes through.
func retarget(lines []string) []string {
	datalayout := `target datalayout = "` + codegen.TargetDatalayout + `"`
	triple := `target triple = "` + codegen.TargetTriple + `"`
	for i, line := range lines {
		if strings.HasPrefix(line, "target datalayout = ") {
			lines[i] = datalayout
		} else if strings.HasPrefix(line, "target triple = ") {
			lines[i] = triple
		}
	}
	return lines
}
