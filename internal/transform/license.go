package transform

import "strings"

// addLicense injects the same "@_license" global internal/codegen's module
// header emits, if the hand-authored input doesn't already declare one.
func addLicense(lines []string) []string {
	for _, line := range lines {
		if strings.Contains(line, `section "license"`) {
			return lines
		}
	}
	return insertBeforeFunc(lines,
		`@_license = global [4 x i8] c"GPL\00", section "license", align 1`, "")
}
