package transform

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/JamesMBartlett/bpftrace/internal/codegen"
	"github.com/JamesMBartlett/bpftrace/internal/diag"
)

var reHelperCall = regexp.MustCompile(
	`call\s+(\w+)\s+@(bpf_\w+)\(([^)]*)\)`,
)

// rewriteHelpers replaces calls to a declared @bpf_xxx kernel helper with
// the inttoptr(i64 HELPER_ID to ptr) calling convention internal/codegen
// emits directly, sharing codegen.KnownHelpers as the one id table instead
// of keeping a second copy that could drift from it.
func rewriteHelpers(lines []string) ([]string, error) {
	for i, line := range lines {
		if !strings.Contains(line, "@bpf_") {
			continue
		}
		loc := reHelperCall.FindStringSubmatchIndex(line)
		if loc == nil {
			continue
		}

		retType := line[loc[2]:loc[3]]
		funcName := line[loc[4]:loc[5]]
		helperID, ok := codegen.KnownHelpers[funcName]
		if !ok {
			return nil, &diag.Error{
				Stage: diag.StageTransform,
				Err:   fmt.Errorf("unknown BPF helper %q at line %d", funcName, i+1),
				Hint:  "add this helper to codegen.KnownHelpers in internal/codegen/helpers.go, or check spelling\n" + irSnippet(lines, i, 2),
			}
		}

		args := strings.TrimSpace(line[loc[6]:loc[7]])
		replacement := fmt.Sprintf("call %s inttoptr (i64 %d to ptr)(%s)", retType, helperID, args)
		lines[i] = line[:loc[0]] + replacement + line[loc[1]:]
	}
	return lines, nil
}
