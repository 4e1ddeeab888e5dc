package codegen

// KnownHelpers maps a BPF helper's C name to its integer id in the
// kernel's bpf_func_id enum. Exported so internal/transform's helper
// rewrite pass shares one table instead of drifting from this one: here
// the IDs are emitted directly as `inttoptr` call targets at IR
// construction time; there they replace `call` targets to hand-authored
// `declare`d helpers with the same numeric convention.
var KnownHelpers = map[string]int64{
	"bpf_map_lookup_elem":       1,
	"bpf_map_update_elem":       2,
	"bpf_map_delete_elem":       3,
	"bpf_ktime_get_ns":          5,
	"bpf_get_prandom_u32":       7,
	"bpf_get_smp_processor_id":  8,
	"bpf_get_current_pid_tgid":  14,
	"bpf_get_current_uid_gid":   15,
	"bpf_get_current_comm":      16,
	"bpf_perf_event_output":     25,
	"bpf_get_stackid":           27,
	"bpf_get_current_task":      35,
	"bpf_get_current_cgroup_id": 80,
	"bpf_override_return":       58,
	"bpf_send_signal":           109,
	"bpf_probe_read_user":       112,
	"bpf_probe_read_kernel":     113,
	"bpf_probe_read_user_str":   114,
	"bpf_probe_read_kernel_str": 115,
	"bpf_ktime_get_boot_ns":     125,
}
