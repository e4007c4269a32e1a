package sink

import (
	"bytes"
	"strings"
	"testing"

	"github.com/octotrace/octotrace/internal/kernelsim"
	"github.com/octotrace/octotrace/internal/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOU() schema.OU {
	return schema.OU{
		Index: 1,
		Name:  "seq_scan",
		Features: []schema.FieldSpec{
			{Name: "relation_oid", Type: schema.TypeInt64},
			{Name: "is_parallel", Type: schema.TypeBool},
		},
	}
}

func TestNewCSVSink_WritesHeader(t *testing.T) {
	var buf bytes.Buffer
	_, err := NewCSVSink(&buf, testOU())
	require.NoError(t, err)

	header := buf.String()
	assert.Contains(t, header, "relation_oid")
	assert.Contains(t, header, "is_parallel")
	assert.Contains(t, header, "start_time")
	assert.Contains(t, header, "pid")
}

func TestCSVSink_WriteAppendsRowInColumnOrder(t *testing.T) {
	var buf bytes.Buffer
	s, err := NewCSVSink(&buf, testOU())
	require.NoError(t, err)

	rec := kernelsim.Record{
		OUIndex: 1,
		PID:     42,
		Features: kernelsim.FeaturePayload{
			"relation_oid": int64(16384),
			"is_parallel":  true,
		},
		Metrics: kernelsim.MetricSet{
			StartTimeUS: 100,
			EndTimeUS:   200,
			ElapsedUS:   100,
			PID:         42,
		},
	}
	require.NoError(t, s.Write(rec))
	require.NoError(t, s.Close())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[1], "16384")
	assert.Contains(t, lines[1], "true")
	assert.Equal(t, 1, s.RowsWritten())
}

func TestCSVSink_MultipleWritesIncrementRowCount(t *testing.T) {
	var buf bytes.Buffer
	s, err := NewCSVSink(&buf, testOU())
	require.NoError(t, err)

	rec := kernelsim.Record{Features: kernelsim.FeaturePayload{"relation_oid": int64(1), "is_parallel": false}}
	require.NoError(t, s.Write(rec))
	require.NoError(t, s.Write(rec))
	require.NoError(t, s.Write(rec))

	assert.Equal(t, 3, s.RowsWritten())
}
