package codegen

import (
	"testing"

	"github.com/octotrace/octotrace/internal/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOU() schema.OU {
	return schema.OU{
		Index: 3,
		Name:  "hash_join",
		Features: []schema.FieldSpec{
			{Name: "build_rows", Type: schema.TypeInt64},
			{Name: "is_parallel", Type: schema.TypeBool},
		},
	}
}

func TestGenerate_ProducesAllThreeArtifacts(t *testing.T) {
	artifacts, err := Generate(testOU())
	require.NoError(t, err)
	require.Len(t, artifacts, 3)
	assert.Equal(t, "prelude", artifacts[0].Template)
	assert.Equal(t, "markers", artifacts[1].Template)
	assert.Equal(t, "probes", artifacts[2].Template)
}

func TestGenerate_SubstitutesOUNameAndIndex(t *testing.T) {
	artifacts, err := Generate(testOU())
	require.NoError(t, err)

	assert.Contains(t, artifacts[0].Text, "hash_join")
	assert.Contains(t, artifacts[0].Text, "ou_index = 3")
	assert.Contains(t, artifacts[1].Text, "trace_hash_join_begin")
}

func TestGenerate_FeaturesRenderedInOrder(t *testing.T) {
	artifacts, err := Generate(testOU())
	require.NoError(t, err)

	prelude := artifacts[0].Text
	buildIdx := indexOf(t, prelude, "build_rows")
	parallelIdx := indexOf(t, prelude, "is_parallel")
	assert.Less(t, buildIdx, parallelIdx)
}

func TestGenerate_MetricsIncludeFixedFieldList(t *testing.T) {
	artifacts, err := Generate(testOU())
	require.NoError(t, err)

	prelude := artifacts[0].Text
	for _, name := range []string{"start_time", "end_time", "elapsed_us", "cpu_cycles", "cpu_id", "pid"} {
		assert.Contains(t, prelude, name)
	}
}

func TestGenerate_AccumulatePreservesStartTimeAndCPUID(t *testing.T) {
	artifacts, err := Generate(testOU())
	require.NoError(t, err)

	markers := artifacts[1].Text
	assert.Contains(t, markers, "start_time preserved")
	assert.Contains(t, markers, "cpu_id preserved")
	assert.Contains(t, markers, "existing->end_time = finished.end_time;")
	assert.Contains(t, markers, "existing->instructions += finished.instructions;")
}

func TestGenerate_DifferentOUsProduceDifferentArtifacts(t *testing.T) {
	a1, err := Generate(testOU())
	require.NoError(t, err)

	other := testOU()
	other.Name = "seq_scan"
	other.Index = 1
	a2, err := Generate(other)
	require.NoError(t, err)

	assert.NotEqual(t, a1[0].Text, a2[0].Text)
}

func indexOf(t *testing.T, haystack, needle string) int {
	t.Helper()
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	t.Fatalf("expected %q to contain %q", haystack, needle)
	return -1
}
