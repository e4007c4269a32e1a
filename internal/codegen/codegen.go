// Package codegen renders the collector's three source templates using
// a closed substitution vocabulary: SUBST_OU, SUBST_INDEX, SUBST_FEATURES,
// SUBST_METRICS, SUBST_FIRST_FEATURE, SUBST_FIRST_METRIC, SUBST_READARGS,
// SUBST_ACCUMULATE. Each is exposed as a zero-argument text/template
// function bound to the OU being rendered — no other functions are
// registered, so a template cannot reach outside this vocabulary.
//
// Output is a textual artifact this repository's contract stops at: "the
// artifact a real toolchain would feed to clang/libbpf" — nothing here
// compiles the result.
package codegen

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/octotrace/octotrace/internal/schema"
)

// metricFields is the fixed metric field list, identical across every OU.
var metricFields = []schema.FieldSpec{
	{Name: "start_time", Type: schema.TypeInt64},
	{Name: "end_time", Type: schema.TypeInt64},
	{Name: "elapsed_us", Type: schema.TypeInt64},
	{Name: "cpu_cycles", Type: schema.TypeFloat64},
	{Name: "instructions", Type: schema.TypeFloat64},
	{Name: "cache_references", Type: schema.TypeFloat64},
	{Name: "cache_misses", Type: schema.TypeFloat64},
	{Name: "ref_cpu_cycles", Type: schema.TypeFloat64},
	{Name: "disk_bytes_read", Type: schema.TypeFloat64},
	{Name: "disk_bytes_written", Type: schema.TypeFloat64},
	{Name: "network_bytes_read", Type: schema.TypeFloat64},
	{Name: "network_bytes_written", Type: schema.TypeFloat64},
	{Name: "cpu_id", Type: schema.TypeInt32},
	{Name: "pid", Type: schema.TypeInt32},
}

// preservedOnAccumulate lists the metric fields accumulate() keeps from
// the existing entry rather than summing (start_time, cpu_id) or
// overwrites rather than sums (end_time), matching the END transition
// rule.
var preservedOnAccumulate = map[string]bool{"start_time": true, "cpu_id": true}
var overwrittenOnAccumulate = map[string]bool{"end_time": true}

func cType(t schema.PrimitiveType) string {
	switch t {
	case schema.TypeBool:
		return "bool"
	case schema.TypeInt16:
		return "s16"
	case schema.TypeInt32:
		return "s32"
	case schema.TypeInt64:
		return "s64"
	case schema.TypeFloat64:
		return "double"
	case schema.TypeOpaque:
		return "void *"
	case schema.TypeListLength:
		return "u32"
	default:
		return "s64"
	}
}

// Artifact is one rendered template's output, tagged with the name of the
// template it came from.
type Artifact struct {
	Template string
	Text     string
}

// Generate renders all three templates for ou, in the order prelude,
// markers, probes.
func Generate(ou schema.OU) ([]Artifact, error) {
	funcs := substFuncs(ou)

	prelude, err := render("prelude", preludeTemplate, funcs)
	if err != nil {
		return nil, err
	}
	markers, err := render("markers", markersTemplate, funcs)
	if err != nil {
		return nil, err
	}
	probes, err := render("probes", probesTemplate, funcs)
	if err != nil {
		return nil, err
	}

	return []Artifact{
		{Template: "prelude", Text: prelude},
		{Template: "markers", Text: markers},
		{Template: "probes", Text: probes},
	}, nil
}

func render(name, tmpl string, funcs template.FuncMap) (string, error) {
	t, err := template.New(name).Funcs(funcs).Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("codegen: parse %s template: %w", name, err)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, nil); err != nil {
		return "", fmt.Errorf("codegen: render %s template: %w", name, err)
	}
	return buf.String(), nil
}

// substFuncs binds the closed substitution vocabulary to ou. Every
// function is zero-argument; there is no escape hatch to call arbitrary
// Go code from a template using these bindings.
func substFuncs(ou schema.OU) template.FuncMap {
	return template.FuncMap{
		"substOU":           func() string { return ou.Name },
		"substIndex":        func() int32 { return ou.Index },
		"substFeatures":     func() string { return substFeatures(ou) },
		"substMetrics":      func() string { return substMetrics() },
		"substFirstFeature": func() string { return substFirstFeature(ou) },
		"substFirstMetric":  func() string { return metricFields[0].Name },
		"substReadArgs":     func() string { return substReadArgs(ou) },
		"substAccumulate":   func() string { return substAccumulate() },
	}
}

func substFeatures(ou schema.OU) string {
	var b strings.Builder
	for _, f := range ou.Features {
		fmt.Fprintf(&b, "\t%s %s;\n", cType(f.Type), f.Name)
	}
	return strings.TrimRight(b.String(), "\n")
}

func substMetrics() string {
	var b strings.Builder
	for _, f := range metricFields {
		fmt.Fprintf(&b, "\t%s %s;\n", cType(f.Type), f.Name)
	}
	return strings.TrimRight(b.String(), "\n")
}

func substFirstFeature(ou schema.OU) string {
	if len(ou.Features) == 0 {
		return ""
	}
	return ou.Features[0].Name
}

// substReadArgs generates the local-variable read shared by all four
// marker probes: plan_node_id, always the first argument at every call
// site. The features probe's own query_id/plan_ptr/left_child_id/
// right_child_id/statement_start_ts quintet is read separately, by
// copy_feature_args in the markers template.
func substReadArgs(ou schema.OU) string {
	return "\ts32 plan_node_id = (s32)PT_REGS_PARM1(ctx);"
}

// substAccumulate generates the accumulate(existing, finished) body:
// overwrite end_time, keep start_time and cpu_id from existing, sum every
// other metric field.
func substAccumulate() string {
	var b strings.Builder
	for _, f := range metricFields {
		switch {
		case preservedOnAccumulate[f.Name]:
			fmt.Fprintf(&b, "\t\t// %s preserved from existing entry\n", f.Name)
		case overwrittenOnAccumulate[f.Name]:
			fmt.Fprintf(&b, "\t\texisting->%s = finished.%s;\n", f.Name, f.Name)
		default:
			fmt.Fprintf(&b, "\t\texisting->%s += finished.%s;\n", f.Name, f.Name)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
