package codegen

// The three templates the coordinator renders: a collector prelude (the
// OU's feature struct and its map and ring declarations), a per-OU markers
// program (the BEGIN/END/FEATURES/FLUSH entry points), and common probes
// (the lifecycle ring attach points, identical for every OU). Generate
// renders all three once per OU.

const preludeTemplate = `// generated collector prelude — do not edit
// operating unit: {{substOU}} (ou_index = {{substIndex}})

struct {{substOU}}_features_t {
{{substFeatures}}
};

struct {{substOU}}_metrics_t {
{{substMetrics}}
};

BPF_HASH(running_metrics_{{substOU}}, u64, struct {{substOU}}_metrics_t, 4096);
BPF_HASH(complete_metrics_{{substOU}}, u64, struct {{substOU}}_metrics_t, 4096);
BPF_HASH({{substOU}}_features, u32, struct {{substOU}}_features_t, 4096);
BPF_RINGBUF_OUTPUT(collector_results_{{substOU}}, 1 << 16);
`

const markersTemplate = `// generated markers program for {{substOU}} (ou_index = {{substIndex}})

SEC("uprobe/{{substOU}}_begin")
int trace_{{substOU}}_begin(struct pt_regs *ctx) {
	u32 pid = current_pid();
	if (!tracked_pids.lookup(&pid)) {
		return 0;
	}
{{substReadArgs}}
	u64 key = pack_key({{substIndex}}, plan_node_id);
	struct {{substOU}}_metrics_t snap = {};
	if (read_snapshot(&snap) < 0) {
		reset_key(&running_metrics_{{substOU}}, &complete_metrics_{{substOU}}, &{{substOU}}_features, key, plan_node_id);
		return 0;
	}
	snap.start_time = clock_us();
	running_metrics_{{substOU}}.update(&key, &snap);
	return 0;
}

SEC("uprobe/{{substOU}}_end")
int trace_{{substOU}}_end(struct pt_regs *ctx) {
{{substReadArgs}}
	u64 key = pack_key({{substIndex}}, plan_node_id);
	struct {{substOU}}_metrics_t *running = running_metrics_{{substOU}}.lookup(&key);
	if (!running) {
		reset_key(&running_metrics_{{substOU}}, &complete_metrics_{{substOU}}, &{{substOU}}_features, key, plan_node_id);
		return 0;
	}
	struct {{substOU}}_metrics_t finished = compute_delta(running);
	struct {{substOU}}_metrics_t *existing = complete_metrics_{{substOU}}.lookup(&key);
	if (existing) {
{{substAccumulate}}
	}
	complete_metrics_{{substOU}}.update(&key, existing ? existing : &finished);
	running_metrics_{{substOU}}.delete(&key);
	return 0;
}

SEC("uprobe/{{substOU}}_features")
int trace_{{substOU}}_features(struct pt_regs *ctx) {
{{substReadArgs}}
	struct {{substOU}}_features_t feat = {};
	copy_feature_args(&feat, ctx);
	u32 fkey = plan_node_id;
	{{substOU}}_features.update(&fkey, &feat);
	return 0;
}

SEC("uprobe/{{substOU}}_flush")
int trace_{{substOU}}_flush(struct pt_regs *ctx) {
{{substReadArgs}}
	u64 key = pack_key({{substIndex}}, plan_node_id);
	u32 fkey = plan_node_id;
	struct {{substOU}}_features_t *feat = {{substOU}}_features.lookup(&fkey);
	struct {{substOU}}_metrics_t *metrics = complete_metrics_{{substOU}}.lookup(&key);
	if (!feat || !metrics) {
		reset_key(&running_metrics_{{substOU}}, &complete_metrics_{{substOU}}, &{{substOU}}_features, key, plan_node_id);
		return 0;
	}
	emit_record(&collector_results_{{substOU}}, {{substIndex}}, feat, metrics);
	reset_key(&running_metrics_{{substOU}}, &complete_metrics_{{substOU}}, &{{substOU}}_features, key, plan_node_id);
	return 0;
}
`

const probesTemplate = `// generated common probes — shared lifecycle attach points
BPF_RINGBUF_OUTPUT(lifecycle_events, 1 << 14);

// tracked_pids is the opt-in gate every OU's begin probe consults before
// creating per-key state: userspace Attach(pid)/Detach(pid) populate and
// clear entries here, so untracked processes never enter the protocol.
BPF_HASH(tracked_pids, u32, u8, 4096);

SEC("uprobe/fork_backend")
int trace_fork_backend(struct pt_regs *ctx) {
	emit_lifecycle_event(&lifecycle_events, LIFECYCLE_FORK_BACKEND, current_pid(), socket_fd_arg(ctx));
	return 0;
}

SEC("uprobe/fork_background")
int trace_fork_background(struct pt_regs *ctx) {
	emit_lifecycle_event(&lifecycle_events, LIFECYCLE_FORK_BACKGROUND, current_pid(), -1);
	return 0;
}

SEC("uprobe/reap_backend")
int trace_reap_backend(struct pt_regs *ctx) {
	emit_lifecycle_event(&lifecycle_events, LIFECYCLE_REAP_BACKEND, reaped_pid_arg(ctx), -1);
	return 0;
}

SEC("uprobe/reap_background")
int trace_reap_background(struct pt_regs *ctx) {
	emit_lifecycle_event(&lifecycle_events, LIFECYCLE_REAP_BACKGROUND, reaped_pid_arg(ctx), -1);
	return 0;
}
`
