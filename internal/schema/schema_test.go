package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleCatalog = `
operating_units:
  - index: 1
    name: seq_scan
    features:
      - name: relid
        type: int64
      - name: is_parallel
        type: bool
  - index: 2
    name: hash_join
    features:
      - name: build_rows
        type: int64
`

func TestParse_PreservesFieldOrder(t *testing.T) {
	cat, err := Parse([]byte(sampleCatalog))
	require.NoError(t, err)
	require.Len(t, cat.OUs, 2)

	seqScan, ok := cat.ByName("seq_scan")
	require.True(t, ok)
	require.Len(t, seqScan.Features, 2)
	assert.Equal(t, "relid", seqScan.Features[0].Name)
	assert.Equal(t, "is_parallel", seqScan.Features[1].Name)
}

func TestParse_DuplicateIndexRejected(t *testing.T) {
	_, err := Parse([]byte(`
operating_units:
  - index: 1
    name: a
  - index: 1
    name: b
`))
	require.Error(t, err)
}

func TestParse_DuplicateNameRejected(t *testing.T) {
	_, err := Parse([]byte(`
operating_units:
  - index: 1
    name: dup
  - index: 2
    name: dup
`))
	require.Error(t, err)
}

func TestParse_UnknownFieldTypeRejected(t *testing.T) {
	_, err := Parse([]byte(`
operating_units:
  - index: 1
    name: a
    features:
      - name: x
        type: string
`))
	require.Error(t, err)
}

func TestByIndex_ReturnsMatchingOU(t *testing.T) {
	cat, err := Parse([]byte(sampleCatalog))
	require.NoError(t, err)

	ou, ok := cat.ByIndex(2)
	require.True(t, ok)
	assert.Equal(t, "hash_join", ou.Name)

	_, ok = cat.ByIndex(99)
	assert.False(t, ok)
}
