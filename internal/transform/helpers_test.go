package transform

import (
	"fmt"
	"strings"
	"testing"

	"github.com/JamesMBartlett/bpftrace/internal/codegen"
)

func FuzzRewriteHelpers(f *testing.F) {
	f.Add(`  %1 = call i64 @bpf_get_current_pid_tgid()`)
	f.Add(`  %2 = call i64 @bpf_probe_read_user(ptr nonnull %buf, i32 16, ptr %src)`)
	f.Add(`  %1 = call ptr @bpf_map_lookup_elem(ptr %map, ptr %key)`)
	f.Add(`  call void @bpf_tail_call(ptr %ctx, ptr %map, i32 %idx)`)
	f.Add(`  no bpf call here, just a normal line`)
	f.Add(`  call i64 @bpf`)
	f.Add(`  call i64 @bpf_unclosed(`)

	f.Fuzz(func(t *testing.T, line string) {
		if len(line) > 1<<16 {
			return
		}
		lines := strings.Split(line, "\n")
		rewriteHelpers(lines)
	})
}

func TestRewriteHelpers(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"no-arg call",
			`  %1 = call i64 @bpf_get_current_pid_tgid()`,
			"call i64 inttoptr (i64 14 to ptr)()"},
		{"real args preserved",
			`  %1 = call i64 @bpf_probe_read_user(ptr nonnull %buf, i32 16, ptr %src)`,
			"call i64 inttoptr (i64 112 to ptr)(ptr nonnull %buf, i32 16, ptr %src)"},
		{"ptr return type",
			`  %1 = call ptr @bpf_map_lookup_elem(ptr %map, ptr %key)`,
			"call ptr inttoptr (i64 1 to ptr)(ptr %map, ptr %key)"},
		{"i32 return type",
			`  %1 = call i32 @bpf_map_delete_elem(ptr %map, ptr %key)`,
			"call i32 inttoptr (i64 3 to ptr)(ptr %map, ptr %key)"},
		{"void return type",
			`  call void @bpf_perf_event_output(ptr %ctx, ptr %map, i64 0, ptr %data, i64 8)`,
			"call void inttoptr (i64 25 to ptr)(ptr %ctx, ptr %map, i64 0, ptr %data, i64 8)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := rewriteHelpers([]string{tt.input})
			if err != nil {
				t.Fatal(err)
			}
			text := strings.Join(got, "\n")
			if !strings.Contains(text, tt.want) {
				t.Errorf("missing %q in:\n%s", tt.want, text)
			}
			if strings.Contains(text, "@bpf_") {
				t.Error("helper name still present")
			}
		})
	}

	t.Run("all known helpers resolve", func(t *testing.T) {
		for name, id := range codegen.KnownHelpers {
			line := fmt.Sprintf(`  %%1 = call i64 @%s()`, name)
			got, err := rewriteHelpers([]string{line})
			if err != nil {
				t.Errorf("%s: %v", name, err)
				continue
			}
			want := fmt.Sprintf("inttoptr (i64 %d to ptr)", id)
			if !strings.Contains(strings.Join(got, "\n"), want) {
				t.Errorf("%s: expected %q", name, want)
			}
		}
	})

	t.Run("unknown helper", func(t *testing.T) {
		_, err := rewriteHelpers([]string{`  call i64 @bpf_unknown_helper()`})
		if err == nil {
			t.Fatal("expected error")
		}
		if !strings.Contains(err.Error(), "bpf_unknown_helper") {
			t.Errorf("should mention unknown helper: %v", err)
		}
	})

	t.Run("non-helper line unchanged", func(t *testing.T) {
		input := []string{`  %1 = add i32 %a, %b`}
		got, err := rewriteHelpers(input)
		if err != nil {
			t.Fatal(err)
		}
		if got[0] != input[0] {
			t.Errorf("line changed: %q", got[0])
		}
	})

	t.Run("non-bpf call unchanged", func(t *testing.T) {
		input := []string{`  %1 = call i32 @my_helper(ptr %ctx)`}
		got, err := rewriteHelpers(input)
		if err != nil {
			t.Fatal(err)
		}
		if got[0] != input[0] {
			t.Errorf("line changed: %q", got[0])
		}
	})
}
